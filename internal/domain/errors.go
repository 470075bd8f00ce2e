package domain

import "fmt"

// ValidationError reports malformed input that the caller has to fix.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// NewValidationError creates a ValidationError for the given field.
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// StateError reports an operation invoked in a state where it is not allowed.
type StateError struct {
	Op    string
	Phase Phase
	Cause string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s not allowed in phase %s: %s", e.Op, e.Phase, e.Cause)
}

// NewStateError creates a StateError for the operation.
func NewStateError(op string, phase Phase, cause string) error {
	return &StateError{Op: op, Phase: phase, Cause: cause}
}
