package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned for malformed input. Rejected before any
	// persistence attempt; surfaced to the caller only, never broadcast.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned when a referenced conversation/message/user does
	// not exist or the caller lacks visibility. Non-participants get the same
	// answer as "does not exist" to avoid leaking existence.
	ErrNotFound = errors.New("not found")

	// ErrForbidden is returned when the caller is authenticated but not
	// authorized for the target resource.
	ErrForbidden = errors.New("forbidden")

	// ErrAuthentication is returned for a missing/invalid/expired credential at
	// handshake or per-request.
	ErrAuthentication = errors.New("authentication failed")

	// ErrTransient is returned for persistence or transport failures. The whole
	// operation is safe to retry from the client side; the server never retries.
	ErrTransient = errors.New("transient infrastructure failure")
)

// ValidationError carries the offending logical field for client display.
type ValidationError struct {
	Field string
	Msg   string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%v: %s", ErrValidation, e.Msg)
	}
	return fmt.Sprintf("%v: %s: %s", ErrValidation, e.Field, e.Msg)
}

func (e ValidationError) Unwrap() error { return ErrValidation }

// TransientError wraps an infrastructure failure with the failing operation.
type TransientError struct {
	Op  string
	Err error
}

func (e TransientError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrTransient, e.Err)
}

func (e TransientError) Unwrap() error { return ErrTransient }

// IsValidation reports whether err represents ErrValidation.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsNotFound reports whether err represents ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsForbidden reports whether err represents ErrForbidden.
func IsForbidden(err error) bool { return errors.Is(err, ErrForbidden) }

// IsAuthentication reports whether err represents ErrAuthentication.
func IsAuthentication(err error) bool { return errors.Is(err, ErrAuthentication) }

// IsTransient reports whether err represents ErrTransient.
func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }
