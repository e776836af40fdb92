package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized indicates an admin surface was reached without a valid admin session.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNotFound indicates the referenced queue entry, order or record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition indicates an action was attempted from a status that does not permit it.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrSignatureInvalid indicates a webhook payload could not be verified.
	ErrSignatureInvalid = errors.New("signature verification failed")
	// ErrGatewayUnavailable indicates a transient failure talking to the payment gateway.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	// ErrNotificationFailed indicates a notification could not be delivered.
	ErrNotificationFailed = errors.New("notification send failed")
	// ErrAlreadyQueued indicates the email already holds an open queue entry.
	ErrAlreadyQueued = errors.New("email already has an open queue entry")
	// ErrAlreadyExists indicates a unique value (waitlist email, rating) is taken.
	ErrAlreadyExists = errors.New("already exists")
	// ErrNoop signals that a transition was already applied and nothing changed.
	ErrNoop = errors.New("transition already applied")
	// ErrDuplicateEvent signals that a webhook event id was processed before.
	ErrDuplicateEvent = errors.New("webhook event already processed")
	// ErrInvalidInput indicates a request failed validation.
	ErrInvalidInput = errors.New("invalid input")
)

// TransitionError describes a rejected state transition.
type TransitionError struct {
	Action Action
	From   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: cannot %s from %s", ErrInvalidTransition, e.Action, e.From)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// InvalidInput wraps ErrInvalidInput with a field level reason.
func InvalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
