package shared

import (
	"errors"
	"fmt"
)

// Error taxonomy for the financial core. Every failed operation surfaces
// exactly one of these classifications, wrapped with context.
var (
	// ErrNotFound indicates a referenced patient/invoice/payment/plan does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidArgument indicates malformed input rejected before any mutation.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrBusinessRule indicates valid input forbidden by current state.
	ErrBusinessRule = errors.New("business rule violation")
	// ErrConflictRetry indicates a concurrent modification; the operation is safe to retry from scratch.
	ErrConflictRetry = errors.New("concurrent modification, retry")
)

// NotFoundf wraps ErrNotFound with context.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// InvalidArgumentf wraps ErrInvalidArgument with context.
func InvalidArgumentf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// BusinessRulef wraps ErrBusinessRule with context.
func BusinessRulef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBusinessRule, fmt.Sprintf(format, args...))
}

// UserSafeMessage returns a message safe to surface to API clients.
func UserSafeMessage(err error) string {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrInvalidArgument),
		errors.Is(err, ErrBusinessRule),
		errors.Is(err, ErrConflictRetry):
		return err.Error()
	default:
		return "internal error"
	}
}
