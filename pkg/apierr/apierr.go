// Package apierr defines the typed error taxonomy described in the error
// handling design: components return a Kind, and the HTTP router alone
// decides how a Kind maps to a status code. No other layer should
// hard-code an http.Status* constant for a domain error.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the abstract error kinds from the error handling design.
type Kind string

const (
	Validation     Kind = "validation"
	Authentication Kind = "authentication"
	NotFound       Kind = "not_found"
	Conflict       Kind = "conflict"
	TooLarge       Kind = "too_large"
	RateLimited    Kind = "rate_limited"
	Transient      Kind = "transient"
	Internal       Kind = "internal"
)

// Error carries a Kind plus a public-safe message. Internal detail that
// must never reach a client (store DSNs, stack traces, raw tokens) belongs
// in the wrapped err, logged separately, never in Message.
type Error struct {
	Kind    Kind
	Message string
	err     error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.err }

// New constructs an *Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches an internal cause to a public-safe message. Use this when
// a store or network error must be surfaced as Transient/Internal without
// leaking its text to the client.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, err: cause}
}

// As extracts an *Error from err, if present.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// StatusCode maps a Kind to the HTTP status from §7/§6. Validation and
// state-machine errors are never retried by the caller's own recovery; the
// router is the single place this mapping lives.
func StatusCode(k Kind) int {
	switch k {
	case Validation:
		return http.StatusBadRequest
	case Authentication:
		return http.StatusUnauthorized
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case TooLarge:
		return http.StatusRequestEntityTooLarge
	case RateLimited:
		return http.StatusTooManyRequests
	case Transient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Sentinels referenced across packages so callers can errors.Is-compare
// without importing the kind strings directly.
var (
	ErrSessionUnknown     = New(Authentication, "session unknown or expired")
	ErrTokenUnknown       = New(NotFound, "rendezvous token unknown or expired")
	ErrMailboxGone        = New(NotFound, "mailbox gone")
	ErrParticipantLimit   = New(Conflict, "mailbox already has two participants")
	ErrMailboxFull        = New(Conflict, "mailbox message queue full")
	ErrMessageTooLarge    = New(TooLarge, "ciphertext exceeds max message size")
	ErrServiceUnavailable = New(Transient, "backing store unavailable")
	ErrRequestTimeout     = New(Transient, "request timed out")
)
