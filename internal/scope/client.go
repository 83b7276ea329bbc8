package scope

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"scopes/internal/logging"
	"scopes/internal/rpc"
	"scopes/internal/variant"
)

// Listener receives the single terminal event of a query.
type Listener interface {
	Finished(reason Reason, message string)
}

// SearchListener receives search results.
type SearchListener interface {
	Listener
	Push(result variant.Map) error
}

// CategoryListener is optionally implemented by search listeners that want
// category registrations.
type CategoryListener interface {
	PushCategory(category variant.Map) error
}

// PreviewListener receives preview widgets.
type PreviewListener interface {
	Listener
	PushPreview(widgets variant.Value) error
}

// ActivationListener receives the activation response.
type ActivationListener interface {
	Listener
	Activated(response variant.Map) error
}

// ScopeProxy is the client handle of a scope.
type ScopeProxy struct {
	rpc.Proxy
}

// QueryCtrlProxy controls one running query.
type QueryCtrlProxy struct {
	rpc.Proxy
}

// Cancel asks the query to stop. It is oneway; cancelling a finished query
// or cancelling twice is a no-op.
func (c QueryCtrlProxy) Cancel(ctx context.Context) error {
	if c.IsNull() {
		return nil
	}
	return c.InvokeOneway(ctx, OpCancel, variant.Null())
}

// Search starts a search. The listener sees pushes in post order followed by
// exactly one Finished.
func (s ScopeProxy) Search(ctx context.Context, query string, hints SearchMetadata, listener SearchListener) (QueryCtrlProxy, error) {
	return s.start(ctx, OpSearch, variant.Map{"query_string": variant.String(query)}, hints, listener)
}

func (s ScopeProxy) Preview(ctx context.Context, result variant.Map, hints SearchMetadata, listener PreviewListener) (QueryCtrlProxy, error) {
	return s.start(ctx, OpPreview, variant.Map{"result": variant.FromMap(result)}, hints, listener)
}

func (s ScopeProxy) Activate(ctx context.Context, result variant.Map, hints SearchMetadata, listener ActivationListener) (QueryCtrlProxy, error) {
	return s.start(ctx, OpActivate, variant.Map{"result": variant.FromMap(result)}, hints, listener)
}

func (s ScopeProxy) start(ctx context.Context, op string, params variant.Map, hints SearchMetadata, listener Listener) (QueryCtrlProxy, error) {
	if listener == nil {
		return QueryCtrlProxy{}, &rpc.ArgumentError{Op: "Scope::" + op + "()", Message: "listener cannot be nil"}
	}
	mw := s.Middleware()
	if mw == nil {
		return QueryCtrlProxy{}, rpc.ErrMiddlewareStopped
	}
	if hints.Locale == "" {
		hints.Locale = DefaultLocale
	}
	rs := &replyServant{
		mw:       mw,
		id:       mw.UniqueID(),
		listener: listener,
		logger:   logging.NewComponentLogger(mw.Logger(), "reply").With(logging.String("op", op)),
	}
	replyProxy, err := mw.Publish(rpc.ReplyAdapter, rs.id, rpc.OperationTable{
		OpPush:     rs.push,
		OpFinished: rs.finished,
	})
	if err != nil {
		return QueryCtrlProxy{}, err
	}
	params["hints"] = variant.FromMap(hints.Serialize())
	params["reply"] = variant.FromMap(replyProxy.Serialize())

	out, err := s.Invoke(ctx, op, variant.FromMap(params))
	if err != nil {
		mw.Withdraw(rpc.ReplyAdapter, rs.id)
		return QueryCtrlProxy{}, err
	}
	ctrlMap, err := out.AsMap()
	if err != nil {
		mw.Withdraw(rpc.ReplyAdapter, rs.id)
		return QueryCtrlProxy{}, fmt.Errorf("%s: control proxy: %w", op, err)
	}
	ctrlProxy, err := rpc.ProxyFromMap(ctrlMap, mw)
	if err != nil {
		mw.Withdraw(rpc.ReplyAdapter, rs.id)
		return QueryCtrlProxy{}, fmt.Errorf("%s: control proxy: %w", op, err)
	}
	ctrl := QueryCtrlProxy{Proxy: ctrlProxy}
	rs.setCtrl(ctx, ctrl)
	return ctrl, nil
}

// replyServant delivers pushes to the listener and retires itself after the
// terminal event.
type replyServant struct {
	mw       *rpc.Middleware
	id       string
	listener Listener
	logger   *slog.Logger

	mu            sync.Mutex
	done          bool
	ctrl          QueryCtrlProxy
	pendingCancel bool
}

func (r *replyServant) setCtrl(ctx context.Context, ctrl QueryCtrlProxy) {
	r.mu.Lock()
	r.ctrl = ctrl
	cancel := r.pendingCancel
	r.pendingCancel = false
	r.mu.Unlock()
	if cancel {
		_ = ctrl.Cancel(ctx)
	}
}

func (r *replyServant) push(ctx context.Context, _ rpc.Current, params variant.Value) (variant.Value, error) {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done {
		return variant.Null(), nil
	}
	p, err := rpc.Params(params)
	if err != nil {
		return variant.Null(), err
	}
	kind, _ := p.OptString("kind")
	data := p["data"]
	if err := r.deliver(kind, data); err != nil {
		r.listenerFailed(ctx, err)
	}
	return variant.Null(), nil
}

func (r *replyServant) deliver(kind string, data variant.Value) error {
	switch kind {
	case PushResult:
		l, ok := r.listener.(SearchListener)
		if !ok {
			return fmt.Errorf("listener cannot accept %s pushes", kind)
		}
		m, err := data.AsMap()
		if err != nil {
			return fmt.Errorf("result push: %w", err)
		}
		return l.Push(m)
	case PushCategory:
		if l, ok := r.listener.(CategoryListener); ok {
			m, err := data.AsMap()
			if err != nil {
				return fmt.Errorf("category push: %w", err)
			}
			return l.PushCategory(m)
		}
		return nil
	case PushPreview:
		l, ok := r.listener.(PreviewListener)
		if !ok {
			return fmt.Errorf("listener cannot accept %s pushes", kind)
		}
		return l.PushPreview(data)
	case PushActivation:
		l, ok := r.listener.(ActivationListener)
		if !ok {
			return fmt.Errorf("listener cannot accept %s pushes", kind)
		}
		m, err := data.AsMap()
		if err != nil {
			return fmt.Errorf("activation push: %w", err)
		}
		return l.Activated(m)
	default:
		r.logger.Debug("ignoring push of unknown kind", logging.String("kind", kind))
		return nil
	}
}

// listenerFailed ends the reply with ListenerError and cancels the query.
func (r *replyServant) listenerFailed(ctx context.Context, cause error) {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return
	}
	ctrl := r.ctrl
	if ctrl.IsNull() {
		r.pendingCancel = true
	}
	r.mu.Unlock()

	r.complete(ListenerError, cause.Error())
	if !ctrl.IsNull() {
		if err := ctrl.Cancel(ctx); err != nil {
			r.logger.Debug("cancel after listener error failed", logging.Error(err))
		}
	}
}

func (r *replyServant) finished(_ context.Context, _ rpc.Current, params variant.Value) (variant.Value, error) {
	p, err := rpc.Params(params)
	if err != nil {
		return variant.Null(), err
	}
	reasonText, _ := p.OptString("reason")
	message, _ := p.OptString("message")
	reason, err := ParseReason(reasonText)
	if err != nil {
		reason, message = Error, err.Error()
	}
	r.complete(reason, message)
	return variant.Null(), nil
}

// complete invokes Finished at most once and withdraws the servant.
func (r *replyServant) complete(reason Reason, message string) {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return
	}
	r.done = true
	r.mu.Unlock()
	r.mw.Withdraw(rpc.ReplyAdapter, r.id)
	r.listener.Finished(reason, message)
}
