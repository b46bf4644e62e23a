package purchase

import "errors"

// Validation failures. Rejected synchronously, never retried.
var (
	ErrInvalidPhone      = errors.New("invalid phone number")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrAmountOutOfBounds = errors.New("amount out of bounds")
	ErrInvalidEvent      = errors.New("invalid payment event")
	ErrMissingUser       = errors.New("user id is required")
)

var (
	// ErrDuplicateRequest is returned when an idempotency key is reused for a
	// different request within the de-duplication window.
	ErrDuplicateRequest = errors.New("duplicate request")

	// ErrProviderUnavailable means the payment gateway could not accept the
	// initiation.
	ErrProviderUnavailable = errors.New("payment provider unavailable")

	// ErrFloatExhausted rejects new purchases while the aggregator float is at
	// or below the critical threshold.
	ErrFloatExhausted = errors.New("airtime float exhausted")

	// ErrIntegrity is a fatal data-integrity failure. It is alerted, not
	// retried.
	ErrIntegrity = errors.New("data integrity violation")

	// ErrStaleState means the row changed under a conditional update. The
	// caller drops its update.
	ErrStaleState = errors.New("stale transaction state")

	ErrInvalidTransition = errors.New("invalid state transition")
	ErrNotFound          = errors.New("transaction not found")
)

// IsValidation reports whether err is a caller input error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidPhone) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrAmountOutOfBounds) ||
		errors.Is(err, ErrInvalidEvent) ||
		errors.Is(err, ErrMissingUser)
}
