package types

import (
	"errors"
	"fmt"
	"net/http"
)

// ValidationError rejects malformed input before any side effect
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// NewValidationError builds a ValidationError with a formatted message
func NewValidationError(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// NotFoundError indicates an unknown session, group, or entity
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ConflictError covers strict-mode sequence mismatches and duplicate content
type ConflictError struct {
	Msg string
}

func (e *ConflictError) Error() string { return e.Msg }

// LockedError means the write lock is held by a different or absent token
type LockedError struct {
	Msg string
}

func (e *LockedError) Error() string { return e.Msg }

// IntegrityError is a session-scoped assembly failure. The partial
// artifact has been rolled back; previously committed log entries are
// untouched.
type IntegrityError struct {
	Msg string
}

func (e *IntegrityError) Error() string { return e.Msg }

// TransientError wraps a backing-store failure that is surfaced to the
// caller rather than silently retried
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// HTTPStatus maps an error from the taxonomy onto its response code
func HTTPStatus(err error) int {
	var (
		validation *ValidationError
		notFound   *NotFoundError
		conflict   *ConflictError
		locked     *LockedError
	)
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &conflict):
		return http.StatusConflict
	case errors.As(err, &locked):
		return http.StatusLocked
	default:
		return http.StatusInternalServerError
	}
}
