package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a write collides with existing state,
	// e.g. duplicate primary keys.
	ErrConflict = errors.New("conflict")

	// ErrBackendUnavailable wraps transient storage failures. Callers may
	// retry; the session is not torn down.
	ErrBackendUnavailable = errors.New("storage backend unavailable")
)

// ValidationError reports a deterministic, local validation failure on a
// named field. It never indicates a backend problem.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %q: %s", e.Field, e.Reason)
}

// Invalid builds a ValidationError for field.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// backendErr tags err as transient so callers can distinguish it from
// validation and not-found failures.
func backendErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrBackendUnavailable, err)
}
