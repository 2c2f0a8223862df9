package chat

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for callers that must translate it into an HTTP
// status or an ack code.
type Kind int

const (
	KindUnavailable Kind = iota
	KindUnauthenticated
	KindInvalidArgument
	KindForbidden
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindUnauthenticated:
		return "unauthenticated"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	default:
		return "unavailable"
	}
}

// Retryable reports whether repeating the same request may succeed.
func (k Kind) Retryable() bool {
	return k == KindUnavailable
}

// Error is returned by every Service operation.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinels by kind, so errors.Is(err, ErrForbidden) holds for any
// forbidden error regardless of its reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Reason == "" || t.Reason == e.Reason)
}

var (
	ErrUnauthenticated = &Error{Kind: KindUnauthenticated}
	ErrInvalidArgument = &Error{Kind: KindInvalidArgument}
	ErrForbidden       = &Error{Kind: KindForbidden}
	ErrNotFound        = &Error{Kind: KindNotFound}
	ErrUnavailable     = &Error{Kind: KindUnavailable}
)

func newError(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

func unavailable(reason string, err error) *Error {
	return &Error{Kind: KindUnavailable, Reason: reason, Err: err}
}

// KindOf extracts the kind of err; unknown errors count as unavailable.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnavailable
}

// ReasonOf returns the client-facing reason for err.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Reason != "" {
		return e.Reason
	}
	return "service unavailable"
}
