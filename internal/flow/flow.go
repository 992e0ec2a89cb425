// Package flow defines the static, ordered intake flow: the steps the
// conversation engine walks through, the validation rule of each step, and
// the prompts the notifier sends along the way.
package flow

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/FormFlow/internal/models"
)

// CancelInput is the payload that abandons a conversation at any step.
const CancelInput = "cancel"

// Validator checks an update payload against a step's schema. On success it
// returns the fields to merge into the conversation; on failure it returns a
// ValidationError describing what the user should correct.
type Validator func(payload string) (map[models.FieldKey]string, error)

// ValidationError is a user-correctable input failure. The conversation is
// not mutated, but the offending update is still admitted to the ledger so a
// byte-identical retry is a duplicate rather than a second rejection.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// Invalid builds a ValidationError with a formatted reason.
func Invalid(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// Step is one stage of the static flow.
type Step struct {
	ID models.StepID
	// Prompt is sent to the user when the step becomes current.
	Prompt string
	// ErrorMessage is sent when validation fails; the ValidationError reason
	// takes precedence when the validator supplies one.
	ErrorMessage string
	// Validate checks the payload and extracts fields.
	Validate Validator
}

// Definition is the ordered list of steps. The order is total: the engine
// only ever advances to the immediately following step, or to the terminal
// states.
type Definition struct {
	steps []Step
	index map[models.StepID]int
}

// NewDefinition builds a Definition from an ordered step list.
func NewDefinition(steps []Step) (*Definition, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("flow definition requires at least one step")
	}
	index := make(map[models.StepID]int, len(steps))
	for i, s := range steps {
		if s.ID.IsTerminal() {
			return nil, fmt.Errorf("terminal state %q cannot be a flow step", s.ID)
		}
		if _, dup := index[s.ID]; dup {
			return nil, fmt.Errorf("duplicate step %q in flow definition", s.ID)
		}
		if s.Validate == nil {
			return nil, fmt.Errorf("step %q has no validator", s.ID)
		}
		index[s.ID] = i
	}
	return &Definition{steps: steps, index: index}, nil
}

// First returns the initial step of the flow.
func (d *Definition) First() models.StepID {
	return d.steps[0].ID
}

// Step looks up a step by ID. Terminal states have no step.
func (d *Definition) Step(id models.StepID) (Step, bool) {
	i, ok := d.index[id]
	if !ok {
		return Step{}, false
	}
	return d.steps[i], true
}

// Next returns the step following id in the static order, or StepCompleted
// if id is the final step.
func (d *Definition) Next(id models.StepID) (models.StepID, error) {
	i, ok := d.index[id]
	if !ok {
		return "", fmt.Errorf("unknown step %q", id)
	}
	if i+1 == len(d.steps) {
		return models.StepCompleted, nil
	}
	return d.steps[i+1].ID, nil
}

// Precedes reports whether step a comes strictly before step b in the static
// order. Terminal states compare after every step.
func (d *Definition) Precedes(a, b models.StepID) bool {
	ia, aok := d.index[a]
	ib, bok := d.index[b]
	switch {
	case aok && bok:
		return ia < ib
	case aok && !bok:
		return b.IsTerminal()
	default:
		return false
	}
}

// IsCancel reports whether the payload is the flow's cancellation input.
func IsCancel(payload string) bool {
	return strings.EqualFold(strings.TrimSpace(payload), CancelInput)
}
