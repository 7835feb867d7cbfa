package device

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotConnected is returned by operations that need a connected session.
var ErrNotConnected = errors.New("device not connected")

// ErrStaleResult is returned when a call finished after the session it was
// issued in had already been reset. Its result has been discarded.
var ErrStaleResult = errors.New("device session was reset during the call")

// CallError wraps a failed device request.
type CallError struct {
	// Op is the vendor operation, e.g. "start" or "upload".
	Op string

	// Kind is the metrics bucket the call was recorded under.
	Kind Kind

	// Timeout is set when the call exceeded the session timeout.
	Timeout bool

	Err error
}

// Error implements the error interface.
func (e *CallError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("device %s timed out: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("device %s failed: %v", e.Op, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// IsTimeout reports whether err is a device call that timed out.
func IsTimeout(err error) bool {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Timeout
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// HTTPStatusError is returned by the HTTP vendor for non-2xx responses.
type HTTPStatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *HTTPStatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.Code, e.Body)
	}
	return fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.Code)
}
