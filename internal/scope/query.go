package scope

import (
	"context"
	"errors"
	"fmt"

	"scopes/internal/variant"
)

// Reason is the terminal state reported by finished.
type Reason int

const (
	Finished Reason = iota
	Cancelled
	Error
	ListenerError
)

func (r Reason) String() string {
	switch r {
	case Finished:
		return "finished"
	case Cancelled:
		return "cancelled"
	case Error:
		return "error"
	case ListenerError:
		return "listener_error"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// ParseReason is the inverse of Reason.String.
func ParseReason(s string) (Reason, error) {
	switch s {
	case "finished":
		return Finished, nil
	case "cancelled":
		return Cancelled, nil
	case "error":
		return Error, nil
	case "listener_error":
		return ListenerError, nil
	default:
		return Error, fmt.Errorf("unknown finish reason %q", s)
	}
}

// ErrCancelled is returned by Reply.Push once the query is cancelled or has
// already finished.
var ErrCancelled = errors.New("query cancelled")

// Push kinds understood by client listeners.
const (
	PushResult     = "result"
	PushCategory   = "category"
	PushPreview    = "preview"
	PushActivation = "activation"
)

// Reply is the server side of a reply channel.
type Reply interface {
	// Push posts one item. It returns ErrCancelled once the query has been
	// cancelled; a query should stop producing results when it does.
	Push(kind string, data variant.Value) error
}

// Query is one search, preview, or activation run.
//
// Cancellation is cooperative. ctx is done once the caller cancels, and
// Reply.Push starts failing with ErrCancelled; Run must check one of them at
// natural suspension points, before each push at least. Run returning nil
// reports Finished, an error wrapping context.Canceled or ErrCancelled
// reports Cancelled, and any other error reports Error.
//
// ctx may be shared with goroutines Run starts; proxy calls made with it
// borrow their own connections.
type Query interface {
	Run(ctx context.Context, reply Reply) error
	// Cancelled is invoked once, from the control servant, when the caller
	// cancels. It must not block.
	Cancelled()
}

// QueryFunc adapts a function to Query with a no-op Cancelled hook.
type QueryFunc func(ctx context.Context, reply Reply) error

func (f QueryFunc) Run(ctx context.Context, reply Reply) error { return f(ctx, reply) }
func (QueryFunc) Cancelled()                                   {}

// terminalReason classifies the value returned by Run.
func terminalReason(err error) (Reason, string) {
	switch {
	case err == nil:
		return Finished, ""
	case errors.Is(err, context.Canceled), errors.Is(err, ErrCancelled):
		return Cancelled, ""
	default:
		return Error, err.Error()
	}
}
