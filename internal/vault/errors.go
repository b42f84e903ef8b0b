package vault

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrNotFound is returned when no file exists for the given hash.
	ErrNotFound = errors.New("file not found")
	// ErrForbidden is returned when the requester may not manage the file.
	ErrForbidden = errors.New("forbidden")
	// ErrIntegrity is returned when an assembled file fails verification.
	ErrIntegrity = errors.New("integrity check failed")
	// ErrSyncRunning is returned when a reconciliation pass is already active.
	ErrSyncRunning = errors.New("sync already running")
)

// ValidationError carries per-field validation messages for rejected input.
type ValidationError struct {
	Fields map[string][]string
}

// NewValidationError creates a validation error with one field message.
func NewValidationError(field, message string) *ValidationError {
	e := &ValidationError{}
	e.Add(field, message)
	return e
}

// Add appends a message for a field.
func (e *ValidationError) Add(field, message string) {
	if e.Fields == nil {
		e.Fields = make(map[string][]string)
	}
	e.Fields[field] = append(e.Fields[field], message)
}

// Empty reports whether no messages have been recorded.
func (e *ValidationError) Empty() bool {
	return len(e.Fields) == 0
}

func (e *ValidationError) Error() string {
	fields := make([]string, 0, len(e.Fields))
	for field := range e.Fields {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	parts := make([]string, 0, len(fields))
	for _, field := range fields {
		parts = append(parts, fmt.Sprintf("%s: %s", field, strings.Join(e.Fields[field], "; ")))
	}
	return "validation failed: " + strings.Join(parts, ", ")
}
