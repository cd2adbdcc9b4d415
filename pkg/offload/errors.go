package offload

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrChannelClosed is returned by Dispatch after Detach.
	ErrChannelClosed = errors.New("offload channel closed")
	// ErrTimeout is returned when no response arrives within the dispatch timeout.
	ErrTimeout = errors.New("offload dispatch timed out")
	// ErrTransport wraps socket failures. Dispatch never retries them.
	ErrTransport = errors.New("offload transport error")
	// ErrRemote is matched by every *RemoteError.
	ErrRemote = errors.New("remote worker error")
)

// RemoteError carries the failure the worker reported for one dispatch.
type RemoteError struct {
	Op      string
	Seq     uint64
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s (seq %d): %s", e.Op, e.Seq, e.Message)
}

func (e *RemoteError) Unwrap() error { return ErrRemote }

// errorKind labels err for logs and metrics.
func errorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrChannelClosed):
		return "closed"
	case errors.Is(err, ErrRemote):
		return "remote"
	case errors.Is(err, ErrTransport):
		return "transport"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "other"
	}
}
