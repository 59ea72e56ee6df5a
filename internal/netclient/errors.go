package netclient

import (
	"errors"
	"fmt"
)

// ErrShutdown is returned for calls issued after Shutdown.
var ErrShutdown = errors.New("netclient: client shut down")

// Kind classifies a request failure.
type Kind int

const (
	// KindNetwork covers transport errors, timeouts and 5xx responses. Retried after a fixed delay.
	KindNetwork Kind = iota + 1
	// KindRateLimited is an HTTP 429. Retried with exponential backoff.
	KindRateLimited
	// KindInvalidResponse is a malformed payload or a non-429 4xx. Never retried.
	KindInvalidResponse
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindRateLimited:
		return "rate_limited"
	case KindInvalidResponse:
		return "invalid_response"
	default:
		return "unknown"
	}
}

// Error describes a failed venue request.
type Error struct {
	Kind   Kind
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (status %d): %v", e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the request may be attempted again.
func (e *Error) Retryable() bool {
	return e.Kind == KindNetwork || e.Kind == KindRateLimited
}

// KindOf extracts the failure kind of err, or 0 when err is not a request failure.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsRetryable reports whether err is a retryable request failure.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable()
}
