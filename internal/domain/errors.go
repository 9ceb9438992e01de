package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation              = errors.New("validation failed")
	ErrNotFound                = errors.New("not found")
	ErrInsufficientFunds       = errors.New("insufficient funds")
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrIdempotencyMismatch     = errors.New("idempotency key reused with a different request")
	ErrGatewayUnavailable      = errors.New("settlement gateway unavailable")
	ErrAlreadyExists           = errors.New("already exists")
	ErrUnauthorized            = errors.New("unauthorized")
	ErrForbidden               = errors.New("forbidden")
	ErrAccountDisabled         = errors.New("account disabled")
)

// ValidationError describes malformed or out-of-range input.
// errors.Is(err, ErrValidation) holds for every ValidationError.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Invalid builds a ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
