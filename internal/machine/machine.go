// Package machine models serializable state-machine definitions and
// executes them. The registry and session runtime depend only on the
// Engine abstraction, not on the concrete interpreter.
package machine

import (
	"encoding/json"
	"fmt"

	"github.com/caravel-dev/caravel/internal/domain"
)

// Definition is the serializable configuration of an agent state machine.
// Unknown top-level fields are tolerated on decode so callers can carry
// extra metadata alongside the parts the engine interprets.
type Definition struct {
	ID      string           `json:"id,omitempty"`
	Initial string           `json:"initial"`
	Context map[string]any   `json:"context,omitempty"`
	States  map[string]State `json:"states"`
}

// State describes one node of the machine: the events it accepts and
// whether reaching it terminates the session.
type State struct {
	On    map[string]Transition `json:"on,omitempty"`
	Final bool                  `json:"final,omitempty"`
}

// Transition moves the machine to Target and merges Assign into the
// instance context. In JSON a transition may be either a bare target
// string or an object.
type Transition struct {
	Target string         `json:"target"`
	Assign map[string]any `json:"assign,omitempty"`
}

func (t *Transition) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &t.Target)
	}

	type plain Transition
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*t = Transition(p)
	return nil
}

// Snapshot is the serializable representation of a running instance:
// current state value, context data, and visited-state history.
type Snapshot struct {
	Value   string         `json:"value"`
	Context map[string]any `json:"context,omitempty"`
	History []string       `json:"history,omitempty"`
}

// Decode parses a raw machine definition.
func Decode(raw json.RawMessage) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("machine.Decode: %w: %w", domain.ErrValidation, err)
	}
	return &def, nil
}

// Encode serializes a definition back to its raw form.
func Encode(def *Definition) (json.RawMessage, error) {
	data, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("machine.Encode: %w", err)
	}
	return data, nil
}
