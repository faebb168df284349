package domain

import "errors"

var (
	// Storage errors
	ErrAlreadyExists      = errors.New("entity already exists")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrInvalidExecContext = errors.New("invalid execution context")
	ErrOperationFailed    = errors.New("operation failed")
	ErrReadDatabaseRow    = errors.New("failed to read database row")

	// Payment core errors
	ErrProviderUnavailable    = errors.New("payment provider unavailable")
	ErrProviderRejected       = errors.New("payment provider rejected the request")
	ErrPaymentNotFound        = errors.New("payment not found")
	ErrSignatureMismatch      = errors.New("signature mismatch")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrIllegalTransition      = errors.New("illegal payment status transition")
	ErrAmountMismatch         = errors.New("amount does not match payment")
	ErrOwnerAlreadyBound      = errors.New("payment owner already bound")
	ErrUserNotFound           = errors.New("user not found")
	ErrLockNotAcquired        = errors.New("lock not acquired")
)

// IsRetryable reports whether err is a transient infrastructure failure the
// caller may retry (as opposed to a terminal business outcome).
func IsRetryable(err error) bool {
	switch {
	case errors.Is(err, ErrProviderUnavailable),
		errors.Is(err, ErrConcurrentModification),
		errors.Is(err, ErrOperationFailed),
		errors.Is(err, ErrReadDatabaseRow),
		errors.Is(err, ErrInvalidExecContext):
		return true
	}
	return false
}
