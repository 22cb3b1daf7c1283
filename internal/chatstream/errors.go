package chatstream

import (
	"context"
	"errors"
)

var (
	// ErrClosed is returned by Open on a session that already closed.
	ErrClosed = errors.New("chat session closed")

	// ErrAlreadyOpen is returned by a second Open.
	ErrAlreadyOpen = errors.New("chat session already open")

	// ErrReconnectUnsupported is returned when resuming an interrupted stream.
	// Streams cannot be re-attached once their session is gone.
	ErrReconnectUnsupported = errors.New("chat stream reconnect is not supported")

	// errBusClosed ends a session whose notification channel went away.
	errBusClosed = errors.New("chat notification channel closed")
)

// RemoteError carries a chat engine failure verbatim.
type RemoteError struct {
	ChatID  string
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// Resume always fails: an interrupted stream cannot be re-attached.
func Resume(_ context.Context, _ string) (*Session, error) {
	return nil, ErrReconnectUnsupported
}
