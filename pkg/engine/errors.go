package engine

import (
	"fmt"
	"strings"

	"github.com/synckairos/synckairos/pkg/models"
)

// FieldError enumerates one failed constraint for a validation error's
// details array.
type FieldError struct {
	Field      string `json:"field"`
	Constraint string `json:"constraint"`
	Message    string `json:"message"`
}

// ValidationError rejects invalid configuration or input.
type ValidationError struct {
	Details []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Details) == 0 {
		return "validation failed"
	}
	msgs := make([]string, len(e.Details))
	for i, d := range e.Details {
		msgs[i] = fmt.Sprintf("%s: %s", d.Field, d.Message)
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

// NewValidationError builds a single-field validation error.
func NewValidationError(field, constraint, message string) *ValidationError {
	return &ValidationError{Details: []FieldError{{Field: field, Constraint: constraint, Message: message}}}
}

// InvalidTransitionError rejects an operation whose state-machine guard does
// not hold. No state is changed.
type InvalidTransitionError struct {
	SessionID string
	From      models.SessionStatus
	Operation string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition: cannot %s session %s in status %q",
		e.Operation, e.SessionID, e.From)
}
