package inventory

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a referenced vial, dispense or patient does not exist.
	ErrNotFound = errors.New("not found")
	// ErrValidation is returned when input is rejected before any write begins.
	ErrValidation = errors.New("validation failed")
	// ErrAlreadyResolved is returned when deleting a dispense that no longer exists.
	ErrAlreadyResolved = errors.New("already resolved")
	// ErrReferenced is returned when a delete is refused because ledger rows
	// still reference the target.
	ErrReferenced = errors.New("still referenced")
)

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Is lets errors.Is(err, ErrValidation) match any ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
}
