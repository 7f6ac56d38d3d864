package domain

import (
	"errors"
	"strings"
)

// ErrConflict indicates a write carried a stale revision. The caller should
// re-read and retry instead of overwriting a concurrent update.
var ErrConflict = errors.New("revision conflict")

// ErrNotFound indicates the referenced task id is unknown.
var ErrNotFound = errors.New("task not found")

// ValidationError reports every field that failed validation. It is returned
// synchronously to the caller and never retried.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Fields, ", ")
}
