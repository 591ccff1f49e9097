package sink

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	Throttled    Kind = "throttled"
	Transient    Kind = "transient"
	Malformed    Kind = "malformed"
	Unauthorized Kind = "unauthorized"
)

// Error is returned by Submit when the batch was not accepted.
type Error struct {
	Kind      Kind
	Retryable bool
	Status    int // HTTP status when the sink speaks HTTP, else 0
	Err       error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("sink %s (status %d): %v", e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("sink %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(kind Kind, status int, err error) *Error {
	return &Error{Kind: kind, Retryable: kind == Throttled || kind == Transient, Status: status, Err: err}
}

// KindForStatus maps an HTTP status of a failed call to an error kind.
func KindForStatus(status int) Kind {
	switch {
	case status == http.StatusTooManyRequests:
		return Throttled
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return Unauthorized
	case status == http.StatusRequestTimeout, status >= 500:
		return Transient
	default:
		return Malformed
	}
}

// Transport wraps an error that never reached the remote side (dial,
// timeout, reset) as transient, unless the caller gave up.
func Transport(err error) *Error {
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: Transient, Err: err}
	}
	return NewError(Transient, 0, err)
}
