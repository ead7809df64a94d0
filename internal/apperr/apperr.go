// Package apperr holds the error taxonomy shared by the settlement components.
// Component packages wrap these sentinels so callers can classify any error
// with errors.Is regardless of which store or service produced it.
package apperr

import "errors"

var (
	// ErrValidation marks input rejected before any mutation.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks a missing entity.
	ErrNotFound = errors.New("not found")
	// ErrStateConflict marks a transition attempted from the wrong status.
	ErrStateConflict = errors.New("state conflict")
	// ErrInsufficientStock is the business outcome of a rejected reservation.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrGatewayTransient marks a retryable payment gateway failure.
	ErrGatewayTransient = errors.New("payment gateway unavailable")
	// ErrGatewayDeclined marks a terminal gateway decline.
	ErrGatewayDeclined = errors.New("payment declined")
	// ErrTimeout marks an outcome that may or may not have taken effect.
	ErrTimeout = errors.New("timeout")
	// ErrInProgress marks a concurrent request holding the same idempotency key.
	ErrInProgress = errors.New("request already in progress")
)

// Validation wraps a message as an ErrValidation.
func Validation(msg string) error {
	return &validationError{msg: msg}
}

type validationError struct{ msg string }

func (e *validationError) Error() string { return e.msg }

func (e *validationError) Unwrap() error { return ErrValidation }
