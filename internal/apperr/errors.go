package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies failures the bidding core reports to its callers.
type Kind int

const (
	KindNotFound Kind = iota + 1
	KindInvalidState
	KindInvalidBid
	KindForbidden
	KindAuthFailure
	KindTransientStore
	KindInvalidInput
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindInvalidState:
		return "invalid_state"
	case KindInvalidBid:
		return "invalid_bid"
	case KindForbidden:
		return "forbidden"
	case KindAuthFailure:
		return "auth_failure"
	case KindTransientStore:
		return "transient_store_failure"
	case KindInvalidInput:
		return "invalid_input"
	default:
		return "unknown"
	}
}

// Error is a typed failure carrying a human readable reason.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

// Sentinels for errors.Is matching. Any *Error of the same Kind matches.
var (
	ErrNotFound       = &Error{Kind: KindNotFound}
	ErrInvalidState   = &Error{Kind: KindInvalidState}
	ErrInvalidBid     = &Error{Kind: KindInvalidBid}
	ErrForbidden      = &Error{Kind: KindForbidden}
	ErrAuthFailure    = &Error{Kind: KindAuthFailure}
	ErrTransientStore = &Error{Kind: KindTransientStore}
	ErrInvalidInput   = &Error{Kind: KindInvalidInput}
)

func (e *Error) Error() string {
	switch {
	case e.Reason != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	case e.Reason != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func NotFound(reason string) error {
	return &Error{Kind: KindNotFound, Reason: reason}
}

func InvalidState(reason string) error {
	return &Error{Kind: KindInvalidState, Reason: reason}
}

func InvalidBid(reason string) error {
	return &Error{Kind: KindInvalidBid, Reason: reason}
}

func Forbidden(reason string) error {
	return &Error{Kind: KindForbidden, Reason: reason}
}

// InvalidInput rejects a malformed request before any lot state is read.
func InvalidInput(reason string) error {
	return &Error{Kind: KindInvalidInput, Reason: reason}
}

func AuthFailure(reason string, err error) error {
	return &Error{Kind: KindAuthFailure, Reason: reason, Err: err}
}

// Transient wraps a persistence round-trip failure.
func Transient(op string, err error) error {
	return &Error{Kind: KindTransientStore, Reason: op, Err: err}
}

// KindOf reports the Kind of err, or 0 when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// ReasonOf returns the human readable reason attached to err, falling back to err.Error().
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Reason != "" {
		return e.Reason
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
