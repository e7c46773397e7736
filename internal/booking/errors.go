package booking

import (
	"errors"
	"fmt"
)

var (
	ErrHoldNotFound         = errors.New("hold not found")
	ErrAppointmentNotFound  = errors.New("appointment not found")
	ErrProfessionalNotFound = errors.New("professional not found")
	ErrResourceNotFound     = errors.New("resource not found")
	ErrProcedureNotFound    = errors.New("procedure not found")
	ErrBlockNotFound        = errors.New("block not found")

	ErrHoldExpired         = errors.New("hold expired")
	ErrHoldNotActive       = errors.New("hold is not active")
	ErrVersionMismatch     = errors.New("appointment version mismatch")
	ErrLockTimeout         = errors.New("timed out waiting for schedule lock")
	ErrIdempotencyConflict = errors.New("idempotency key already used for a different request")

	// ErrDuplicateIdempotencyKey is returned by stores when an insert loses an idempotency race.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
)

type ConflictKind string

const (
	ConflictBlock       ConflictKind = "BLOCK"
	ConflictHold        ConflictKind = "HOLD"
	ConflictAppointment ConflictKind = "APPOINTMENT"
)

// ConflictError means the requested interval overlaps something that already occupies it.
type ConflictError struct {
	Kind ConflictKind
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("slot conflict with %s", e.Kind)
}

// AsConflict unwraps a *ConflictError.
func AsConflict(err error) (*ConflictError, bool) {
	var c *ConflictError
	if errors.As(err, &c) {
		return c, true
	}
	return nil, false
}

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsNotFound reports any of the lookup sentinels.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrHoldNotFound) ||
		errors.Is(err, ErrAppointmentNotFound) ||
		errors.Is(err, ErrProfessionalNotFound) ||
		errors.Is(err, ErrResourceNotFound) ||
		errors.Is(err, ErrProcedureNotFound) ||
		errors.Is(err, ErrBlockNotFound)
}
