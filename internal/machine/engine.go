package machine

import (
	"fmt"
	"maps"
	"slices"
	"sort"

	"github.com/caravel-dev/caravel/internal/domain"
)

// Engine instantiates executable instances from definitions. Callers
// hold only this interface so the interpreter can be swapped without
// touching the registry or runtime.
type Engine interface {
	// NewInstance starts a fresh instance at the definition's initial
	// configuration.
	NewInstance(def *Definition) (Instance, error)
	// Restore seeds an instance at the exact supplied snapshot (value,
	// context, history) instead of the initial configuration.
	Restore(def *Definition, snap Snapshot) (Instance, error)
}

// Instance is one running execution of a definition. Instances are not
// safe for concurrent use; the runtime serializes access per session.
type Instance interface {
	// Current returns the snapshot of the instance's present configuration.
	Current() Snapshot
	// Send attempts the transition for event. An event the current state
	// does not accept returns an error wrapping domain.ErrInvalidTransition
	// and leaves the instance unchanged.
	Send(event string) (Snapshot, error)
	// AvailableEvents lists the events the current state accepts, sorted.
	AvailableEvents() []string
	// Done reports whether the instance has reached a final state.
	Done() bool
}

// ChartEngine is the built-in map-driven interpreter.
type ChartEngine struct{}

func NewChartEngine() *ChartEngine {
	return &ChartEngine{}
}

func (e *ChartEngine) NewInstance(def *Definition) (Instance, error) {
	if err := Validate(def); err != nil {
		return nil, fmt.Errorf("machine.ChartEngine.NewInstance: %w", err)
	}

	return &chartInstance{
		def:     def,
		value:   def.Initial,
		context: cloneContext(def.Context),
		history: []string{def.Initial},
	}, nil
}

func (e *ChartEngine) Restore(def *Definition, snap Snapshot) (Instance, error) {
	if err := Validate(def); err != nil {
		return nil, fmt.Errorf("machine.ChartEngine.Restore: %w", err)
	}
	if _, ok := def.States[snap.Value]; !ok {
		return nil, fmt.Errorf("machine.ChartEngine.Restore: snapshot state %q not in definition: %w", snap.Value, domain.ErrValidation)
	}

	history := slices.Clone(snap.History)
	if len(history) == 0 {
		history = []string{snap.Value}
	}

	context := cloneContext(def.Context)
	maps.Copy(context, snap.Context)

	return &chartInstance{
		def:     def,
		value:   snap.Value,
		context: context,
		history: history,
	}, nil
}

type chartInstance struct {
	def     *Definition
	value   string
	context map[string]any
	history []string
}

func (in *chartInstance) Current() Snapshot {
	return Snapshot{
		Value:   in.value,
		Context: cloneContext(in.context),
		History: slices.Clone(in.history),
	}
}

func (in *chartInstance) Send(event string) (Snapshot, error) {
	state := in.def.States[in.value]

	tr, ok := state.On[event]
	if !ok {
		return Snapshot{}, fmt.Errorf("machine: state %q does not accept event %q: %w", in.value, event, domain.ErrInvalidTransition)
	}

	maps.Copy(in.context, tr.Assign)
	in.value = tr.Target
	in.history = append(in.history, tr.Target)

	return in.Current(), nil
}

func (in *chartInstance) AvailableEvents() []string {
	state := in.def.States[in.value]
	if len(state.On) == 0 {
		return nil
	}

	events := make([]string, 0, len(state.On))
	for event := range state.On {
		events = append(events, event)
	}
	sort.Strings(events)
	return events
}

func (in *chartInstance) Done() bool {
	return in.def.States[in.value].Final
}

func cloneContext(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	maps.Copy(dst, src)
	return dst
}
