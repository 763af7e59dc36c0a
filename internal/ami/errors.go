package ami

import (
	"errors"
	"fmt"
)

// Connection errors, returned by Dial.
var (
	ErrUnreachable  = errors.New("ami: server unreachable")
	ErrAuthRejected = errors.New("ami: authentication rejected")
)

// Action errors, returned by SendAction.
var (
	ErrTimeout        = errors.New("ami: action timed out")
	ErrDisconnected   = errors.New("ami: not connected")
	ErrServerRejected = errors.New("ami: action rejected by server")
)

// RejectedError is returned when the server answers an action with
// "Response: Error".
type RejectedError struct {
	Action  string
	Message string
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("ami: %s rejected", e.Action)
	}
	return fmt.Sprintf("ami: %s rejected: %s", e.Action, e.Message)
}

func (e *RejectedError) Unwrap() error { return ErrServerRejected }

// DecodeError reports a frame that could not be decoded. Line is the first
// offending line.
type DecodeError struct {
	Line    string
	Headers int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("ami: malformed frame (%d headers): %q", e.Headers, e.Line)
}
