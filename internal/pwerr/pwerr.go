// Package pwerr defines the marketplace error taxonomy.
//
// Every business failure is an *Error carrying a machine-readable Kind
// and enough structured fields (reason, have/need, current status) for
// clients to explain the failure without re-fetching. Database and
// transport failures are NOT wrapped in *Error; they propagate as-is
// and are retryable at the caller level.
package pwerr

import (
	"errors"
	"fmt"
)

// Kind classifies a business failure.
type Kind int

const (
	// Unauthorized: no or invalid credential.
	Unauthorized Kind = iota + 1
	// Suspended: credential valid but the agent is suspended.
	Suspended
	// NotFound: entity does not exist or is not visible to the caller.
	NotFound
	// Forbidden: visible but the caller lacks the role.
	Forbidden
	// BadState: operation not permitted in the current status.
	BadState
	// InsufficientCredits: available balance below the required amount.
	InsufficientCredits
	// InvalidInput: failed validation.
	InvalidInput
	// Conflict: lost race; the caller sees current state, not a retry.
	Conflict
)

func (k Kind) String() string {
	switch k {
	case Unauthorized:
		return "unauthorized"
	case Suspended:
		return "suspended"
	case NotFound:
		return "not_found"
	case Forbidden:
		return "forbidden"
	case BadState:
		return "bad_state"
	case InsufficientCredits:
		return "insufficient_credits"
	case InvalidInput:
		return "invalid_input"
	case Conflict:
		return "conflict"
	}
	return "unknown"
}

// Error is a classified marketplace failure.
type Error struct {
	Kind    Kind
	Message string

	// Structured detail, populated per kind.
	Reason        string // Suspended
	Have, Need    int    // InsufficientCredits
	CurrentStatus string // BadState
}

func (e *Error) Error() string {
	return e.Message
}

// KindOf returns the Kind of err, or 0 when err is not a taxonomy error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// Is lets errors.Is match two taxonomy errors by kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

func NewUnauthorized(msg string) *Error {
	return &Error{Kind: Unauthorized, Message: msg}
}

func NewSuspended(reason string) *Error {
	msg := "agent is suspended"
	if reason != "" {
		msg = fmt.Sprintf("agent is suspended: %s", reason)
	}
	return &Error{Kind: Suspended, Message: msg, Reason: reason}
}

func NewNotFound(what string) *Error {
	return &Error{Kind: NotFound, Message: what + " not found"}
}

func NewForbidden(msg string) *Error {
	return &Error{Kind: Forbidden, Message: msg}
}

func NewBadState(current, want string) *Error {
	return &Error{
		Kind:          BadState,
		Message:       fmt.Sprintf("task is %s, not %s", current, want),
		CurrentStatus: current,
	}
}

func NewInsufficientCredits(have, need int) *Error {
	return &Error{
		Kind:    InsufficientCredits,
		Message: fmt.Sprintf("insufficient credits: have %d, need %d", have, need),
		Have:    have,
		Need:    need,
	}
}

func NewInvalidInput(msg string) *Error {
	return &Error{Kind: InvalidInput, Message: msg}
}

func NewConflict(msg string) *Error {
	return &Error{Kind: Conflict, Message: msg}
}
