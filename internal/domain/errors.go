package domain

import (
	"errors"
	"fmt"
)

// ErrQuotaExceeded defers a send to the next quota window; it is not a failure.
var ErrQuotaExceeded = errors.New("send quota exceeded")

// ValidationError rejects malformed command input before any state change.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// InvalidTransitionError rejects a command issued from a disallowed state.
type InvalidTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition %s -> %s", e.Entity, e.From, e.To)
}

// PreconditionError rejects an operation whose state is legal but whose
// data requirements are not met, such as approving a lead without an email.
type PreconditionError struct {
	Reason string
}

func (e PreconditionError) Error() string {
	return e.Reason
}
