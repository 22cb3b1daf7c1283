package rpc

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTimeout is returned when a call exceeds its deadline before a
	// response arrives. A response that shows up later is ignored.
	ErrTimeout = errors.New("rpc call timed out")

	// ErrProcessExited matches every *ExitError via errors.Is.
	ErrProcessExited = errors.New("worker process exited")

	// ErrClosed is returned for calls issued after Close, and for calls
	// pending when Close runs.
	ErrClosed = errors.New("rpc client closed")
)

// RemoteError is a failure response ({"ok": false}) from the worker.
// Message carries the worker's error text verbatim.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// ExitError rejects every call pending when the worker process exits.
type ExitError struct {
	Worker string
	Code   int
	Stderr []string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s worker exited: %d", e.Worker, e.Code)
	if len(e.Stderr) > 0 {
		msg += " (" + strings.Join(e.Stderr, "; ") + ")"
	}
	return msg
}

// Is reports ErrProcessExited so callers can use errors.Is.
func (e *ExitError) Is(target error) bool {
	return target == ErrProcessExited
}
