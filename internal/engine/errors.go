package engine

import (
	"errors"
	"fmt"
)

// CommandError is a manual command that could not be carried out.
//
// Message is the operator-facing text also surfaced through Snapshot.
type CommandError struct {
	// Code identifies the error category.
	Code CommandErrorCode

	// Message is a human-readable description.
	Message string

	Err error
}

// CommandErrorCode categorizes command errors.
type CommandErrorCode string

const (
	// ErrCodeFeedUnavailable indicates the player stream could not be reached.
	ErrCodeFeedUnavailable CommandErrorCode = "FEED_UNAVAILABLE"

	// ErrCodeDeviceUnavailable indicates the device could not be connected.
	ErrCodeDeviceUnavailable CommandErrorCode = "DEVICE_UNAVAILABLE"

	// ErrCodeNoFeed indicates the engine was built without a feed client.
	ErrCodeNoFeed CommandErrorCode = "NO_FEED"
)

// Error implements the error interface.
func (e *CommandError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// IsFeedError reports whether err is a failed feed command.
func IsFeedError(err error) bool {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce.Code == ErrCodeFeedUnavailable || ce.Code == ErrCodeNoFeed
	}
	return false
}

// IsDeviceError reports whether err is a failed device command.
func IsDeviceError(err error) bool {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce.Code == ErrCodeDeviceUnavailable
	}
	return false
}
