package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors used across all layers.
var (
	ErrNotFound           = errors.New("not found")
	ErrAmbiguousReference = errors.New("ambiguous reference")
	ErrValidation         = errors.New("validation error")
	ErrCollaborator       = errors.New("collaborator error")
	ErrPolicyViolation    = errors.New("policy violation")
)

// FieldError describes a validation error for a specific field.
type FieldError struct {
	Field   string
	Message string
}

// ValidationError contains a list of field-level validation errors.
type ValidationError struct {
	Errors []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("validation: %s: %s", e.Errors[0].Field, e.Errors[0].Message)
	}
	parts := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		parts = append(parts, fe.Field+": "+fe.Message)
	}
	return "validation: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NewValidationError creates a ValidationError for a single field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Errors: []FieldError{{Field: field, Message: message}}}
}

// CollaboratorError wraps a failure of an external collaborator
// (provider adapter, oracle).
type CollaboratorError struct {
	Op  string
	Err error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *CollaboratorError) Unwrap() []error { return []error{ErrCollaborator, e.Err} }

// PolicyViolation lists every rule that blocked an outbound action.
type PolicyViolation struct {
	Reasons []string
}

func (e *PolicyViolation) Error() string {
	return "policy violation: " + strings.Join(e.Reasons, "; ")
}

func (e *PolicyViolation) Unwrap() error { return ErrPolicyViolation }

// AmbiguousError reports a short id prefix that matched several records.
type AmbiguousError struct {
	Ref     string
	Matches []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("reference %q is ambiguous (%d matches)", e.Ref, len(e.Matches))
}

func (e *AmbiguousError) Unwrap() error { return ErrAmbiguousReference }
