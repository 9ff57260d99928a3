package core

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks a malformed request or frame. Recoverable.
	ErrValidation = errors.New("validation_error")
	// ErrUnknownUser marks a sender or receiver that does not exist.
	ErrUnknownUser = errors.New("unknown_user")
	// ErrAuth marks a missing, malformed or expired credential token.
	ErrAuth = errors.New("auth_error")
	// ErrStorage marks a persistence failure.
	ErrStorage = errors.New("storage_error")
	// ErrTransport marks a failed push. It never reaches a client.
	ErrTransport = errors.New("transport_error")

	ErrNotFound          = errors.New("not_found")
	ErrUserExists        = errors.New("user_exists")
	ErrForbidden         = errors.New("forbidden")
	ErrInvalidTransition = errors.New("invalid_status_transition")
)

// Validationf builds an ErrValidation with detail.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Storage wraps a store failure so callers can match ErrStorage while the
// underlying cause is kept in the chain.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}
