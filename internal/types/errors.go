// Package types provides shared type definitions used across the meter.
package types

import "strings"

// FieldError is one rejected field of a command or query.
type FieldError struct {
	Field   string `json:"field"`   // JSON name or query parameter, e.g. "silence_detection.threshold_db" or "bins"
	Message string `json:"message"` // Human-readable reason
	Value   any    `json:"value"`   // The rejected value
}

// ValidationError lists every rejected field of one request, so clients can
// mark all of them at once.
type ValidationError struct {
	Errors []FieldError `json:"errors"`
}

// NewValidationError creates an empty ValidationError.
func NewValidationError() *ValidationError {
	return &ValidationError{Errors: make([]FieldError, 0)}
}

// Add records a rejected field.
func (v *ValidationError) Add(field, message string, value any) {
	v.Errors = append(v.Errors, FieldError{Field: field, Message: message, Value: value})
}

// Empty reports whether no field has been rejected.
func (v *ValidationError) Empty() bool {
	return len(v.Errors) == 0
}

// Error joins the field messages.
func (v *ValidationError) Error() string {
	parts := make([]string, 0, len(v.Errors))
	for _, e := range v.Errors {
		if e.Field == "" {
			parts = append(parts, e.Message)
			continue
		}
		parts = append(parts, e.Field+" "+e.Message)
	}
	return strings.Join(parts, "; ")
}
