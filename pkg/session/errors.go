package session

import (
	"errors"
	"fmt"
)

var (
	// ErrBusy is returned by Slot.Claim while another session holds it.
	ErrBusy = errors.New("a training session is already running")
	// ErrTransportClosed means the client went away. It is logged, never
	// reported to the client.
	ErrTransportClosed = errors.New("session transport closed")
	// ErrAborted ends a session stopped on request.
	ErrAborted = errors.New("training aborted")
	// ErrUnexpected wraps failures outside the known categories,
	// including recovered panics.
	ErrUnexpected = errors.New("unexpected session failure")
)

// RuntimeFailure is a job that exited with a nonzero code.
type RuntimeFailure struct {
	Code int
}

func (e *RuntimeFailure) Error() string {
	return fmt.Sprintf("Training exited with code %d", e.Code)
}
