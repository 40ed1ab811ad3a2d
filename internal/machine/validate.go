package machine

import (
	"fmt"

	"github.com/caravel-dev/caravel/internal/domain"
)

// Validate checks that a definition is structurally sound and can reach a
// concrete initial configuration: at least one state, a non-empty initial
// state that exists, and every transition target resolvable. All
// violations wrap domain.ErrValidation.
func Validate(def *Definition) error {
	if def == nil {
		return fmt.Errorf("machine.Validate: nil definition: %w", domain.ErrValidation)
	}
	if len(def.States) == 0 {
		return fmt.Errorf("machine.Validate: definition declares no states: %w", domain.ErrValidation)
	}
	if def.Initial == "" {
		return fmt.Errorf("machine.Validate: missing initial state: %w", domain.ErrValidation)
	}
	if _, ok := def.States[def.Initial]; !ok {
		return fmt.Errorf("machine.Validate: initial state %q not among declared states: %w", def.Initial, domain.ErrValidation)
	}

	for name, state := range def.States {
		for event, tr := range state.On {
			if event == "" {
				return fmt.Errorf("machine.Validate: state %q declares an unnamed event: %w", name, domain.ErrValidation)
			}
			if tr.Target == "" {
				return fmt.Errorf("machine.Validate: state %q event %q has no target: %w", name, event, domain.ErrValidation)
			}
			if _, ok := def.States[tr.Target]; !ok {
				return fmt.Errorf("machine.Validate: state %q event %q targets unknown state %q: %w", name, event, tr.Target, domain.ErrValidation)
			}
		}
	}

	return nil
}
