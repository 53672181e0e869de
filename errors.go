package cdpshim

import (
	"fmt"
)

// Error is a cdpshim error.
type Error string

// Error satisfies the error interface.
func (err Error) Error() string {
	return string(err)
}

// Error types.
const (
	// ErrNoPermission is the error returned when no host debugger capability
	// is available.
	ErrNoPermission Error = "no debugger permission"

	// ErrTargetNotFound is the error returned when the host attached to a tab
	// but did not list an attached target for it.
	ErrTargetNotFound Error = "target not found"

	// ErrClosed is the error returned when using a closed transport.
	ErrClosed Error = "transport closed"

	// ErrInvalidDelay is the error returned for a non-positive response
	// delay.
	ErrInvalidDelay Error = "invalid response delay"
)

// AttachError is the error returned when the host refuses to attach to a tab.
type AttachError struct {
	TabID int64
	Err   error
}

// Error satisfies the error interface.
func (err *AttachError) Error() string {
	return fmt.Sprintf("could not attach to tab %d: %v", err.TabID, err.Err)
}

// Unwrap returns the host error.
func (err *AttachError) Unwrap() error {
	return err.Err
}

// CommandParseError is the error returned by Send for a message that is not a
// valid serialized command.
type CommandParseError struct {
	Err error
}

// Error satisfies the error interface.
func (err *CommandParseError) Error() string {
	return fmt.Sprintf("malformed command: %v", err.Err)
}

// Unwrap returns the underlying decode error.
func (err *CommandParseError) Unwrap() error {
	return err.Err
}
