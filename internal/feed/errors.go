package feed

import (
	"errors"
	"fmt"
)

// ErrFrameTooLarge is returned when a frame header announces a payload
// larger than MaxFrameBytes. The stream cannot be resynchronised after it.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// ConnectError is a failed dial.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// Reason is the bare cause of the failure, suitable for user messages.
func (e *ConnectError) Reason() string {
	var cause error = e.Err
	for {
		next := errors.Unwrap(cause)
		if next == nil {
			break
		}
		cause = next
	}
	return cause.Error()
}

// FrameError is a frame whose payload did not decode. The frame is dropped
// and the connection stays up.
type FrameError struct {
	// Seq is the 1-based index of the frame on its connection.
	Seq  uint64
	Size int
	Err  error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("frame %d (%d bytes): %v", e.Seq, e.Size, e.Err)
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// IsFrameError reports whether err is a per-frame decode failure.
func IsFrameError(err error) bool {
	var fe *FrameError
	return errors.As(err, &fe)
}
