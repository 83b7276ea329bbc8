package scope

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"scopes/internal/logging"
	"scopes/internal/rpc"
	"scopes/internal/transport"
	"scopes/internal/variant"
)

// Scope is implemented by scope plugins. Each method builds the query that
// will run on the middleware's invocation pool.
type Scope interface {
	Search(query string, hints SearchMetadata) (Query, error)
	Preview(result variant.Map, hints SearchMetadata) (Query, error)
	Activate(result variant.Map, hints SearchMetadata) (Query, error)
}

// Scope servant operations.
const (
	OpSearch   = "search"
	OpPreview  = "preview"
	OpActivate = "activate"
	OpCancel   = "cancel"
	OpPush     = "push"
	OpFinished = "finished"
)

// Publish exposes s under scopeID on the middleware's main adapter.
func Publish(mw *rpc.Middleware, scopeID string, s Scope) (rpc.Proxy, error) {
	return mw.Publish(rpc.MainAdapter, scopeID, NewServant(s, mw.Logger()))
}

// NewServant wraps a scope implementation in the search/preview/activate
// operation set.
func NewServant(s Scope, logger *slog.Logger) rpc.Servant {
	sv := &scopeServant{impl: s, logger: logging.NewComponentLogger(logger, "scope")}
	return rpc.OperationTable{
		OpSearch:   sv.search,
		OpPreview:  sv.preview,
		OpActivate: sv.activate,
	}
}

type scopeServant struct {
	impl   Scope
	logger *slog.Logger
}

func (s *scopeServant) search(_ context.Context, cur rpc.Current, params variant.Value) (variant.Value, error) {
	p, hints, reply, err := queryParams(cur, params)
	if err != nil {
		return variant.Null(), err
	}
	q, err := p.String("query_string")
	if err != nil {
		return variant.Null(), &rpc.UserException{Kind: rpc.KindInvalidArgument, Message: err.Error()}
	}
	query, err := s.impl.Search(q, hints)
	if err != nil {
		return variant.Null(), err
	}
	return s.start(cur, OpSearch, query, reply)
}

func (s *scopeServant) preview(_ context.Context, cur rpc.Current, params variant.Value) (variant.Value, error) {
	p, hints, reply, err := queryParams(cur, params)
	if err != nil {
		return variant.Null(), err
	}
	result, err := p.Map("result")
	if err != nil {
		return variant.Null(), &rpc.UserException{Kind: rpc.KindInvalidArgument, Message: err.Error()}
	}
	query, err := s.impl.Preview(result, hints)
	if err != nil {
		return variant.Null(), err
	}
	return s.start(cur, OpPreview, query, reply)
}

func (s *scopeServant) activate(_ context.Context, cur rpc.Current, params variant.Value) (variant.Value, error) {
	p, hints, reply, err := queryParams(cur, params)
	if err != nil {
		return variant.Null(), err
	}
	result, err := p.Map("result")
	if err != nil {
		return variant.Null(), &rpc.UserException{Kind: rpc.KindInvalidArgument, Message: err.Error()}
	}
	query, err := s.impl.Activate(result, hints)
	if err != nil {
		return variant.Null(), err
	}
	return s.start(cur, OpActivate, query, reply)
}

func queryParams(cur rpc.Current, params variant.Value) (variant.Map, SearchMetadata, rpc.Proxy, error) {
	p, err := rpc.Params(params)
	if err != nil {
		return nil, SearchMetadata{}, rpc.NullProxy, err
	}
	hints := SearchMetadata{Locale: DefaultLocale}
	if hm, err := p.Map("hints"); err == nil {
		if hints, err = DeserializeSearchMetadata(hm); err != nil {
			return nil, SearchMetadata{}, rpc.NullProxy, err
		}
	}
	rm, err := p.Map("reply")
	if err != nil {
		return nil, SearchMetadata{}, rpc.NullProxy, &rpc.UserException{Kind: rpc.KindInvalidArgument, Message: err.Error()}
	}
	reply, err := rpc.ProxyFromMap(rm, cur.Middleware)
	if err != nil {
		return nil, SearchMetadata{}, rpc.NullProxy, &rpc.UserException{Kind: rpc.KindInvalidArgument, Message: err.Error()}
	}
	return p, hints, reply, nil
}

// start publishes the control object for query and schedules its run. The
// control proxy is returned before the query completes.
func (s *scopeServant) start(cur rpc.Current, kind string, query Query, reply rpc.Proxy) (variant.Value, error) {
	mw := cur.Middleware
	ctrlID := mw.UniqueID()
	ctx, cancel := context.WithCancel(logging.ContextWithCorrelationID(mw.Context(), ctrlID))
	qo := &queryObject{
		kind:   kind,
		query:  query,
		reply:  reply,
		ctrlID: ctrlID,
		mw:     mw,
		ctx:    ctx,
		cancel: cancel,
		logger: logging.WithContext(ctx, s.logger).With(logging.String(logging.FieldScope, cur.Identity), logging.String("kind", kind)),
	}
	ctrl, err := mw.Publish(rpc.CtrlAdapter, qo.ctrlID, rpc.OperationTable{OpCancel: qo.cancelOp})
	if err != nil {
		cancel()
		return variant.Null(), err
	}
	if err := mw.Submit(qo.run); err != nil {
		mw.Withdraw(rpc.CtrlAdapter, qo.ctrlID)
		cancel()
		return variant.Null(), err
	}
	return variant.FromMap(ctrl.Serialize()), nil
}

// queryObject owns one running query and its control servant.
type queryObject struct {
	kind   string
	query  Query
	reply  rpc.Proxy
	ctrlID string
	mw     *rpc.Middleware
	logger *slog.Logger

	ctx        context.Context
	cancel     context.CancelFunc
	cancelOnce sync.Once
	finished   atomic.Bool

	// serializes sends on the worker's socket pool
	sendMu sync.Mutex
}

// run hands Query.Run the bare query context. The worker's socket pool is
// single-owner, so only the reply path, which sendMu serializes, sends on it.
func (q *queryObject) run(workerCtx context.Context) {
	ctx := q.ctx
	replyCtx := ctx
	if pool := transport.PoolFrom(workerCtx); pool != nil {
		replyCtx = transport.WithPool(ctx, pool)
	}
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = errors.New("query panicked")
				q.logger.Error("query panicked",
					logging.Any("panic", r),
					logging.String(logging.FieldEventType, "query_panic"))
			}
		}()
		err = q.query.Run(ctx, &queryReply{q: q, ctx: replyCtx})
	}()
	reason, message := terminalReason(err)
	q.finish(replyCtx, reason, message)
}

// finish delivers the single terminal event and retires the control servant.
func (q *queryObject) finish(ctx context.Context, reason Reason, message string) {
	q.sendMu.Lock()
	defer q.sendMu.Unlock()
	if !q.finished.CompareAndSwap(false, true) {
		return
	}
	q.mw.Withdraw(rpc.CtrlAdapter, q.ctrlID)
	q.cancel()
	q.mw.Metrics().ObserveQuery(q.kind, reason.String())
	// the middleware context is cancelled at shutdown; the terminal event
	// still goes out on the worker's own pool
	sendCtx := context.WithoutCancel(ctx)
	err := q.reply.InvokeOneway(sendCtx, OpFinished, variant.FromMap(variant.Map{
		"reason":  variant.String(reason.String()),
		"message": variant.String(message),
	}))
	if err != nil {
		q.logger.Debug("finished could not be delivered", logging.Error(err))
	}
}

func (q *queryObject) cancelOp(context.Context, rpc.Current, variant.Value) (variant.Value, error) {
	q.requestCancel()
	return variant.Null(), nil
}

func (q *queryObject) requestCancel() {
	q.cancelOnce.Do(func() {
		q.cancel()
		if !q.finished.Load() {
			q.query.Cancelled()
		}
	})
}

type queryReply struct {
	q   *queryObject
	ctx context.Context
}

func (r *queryReply) Push(kind string, data variant.Value) error {
	r.q.sendMu.Lock()
	defer r.q.sendMu.Unlock()
	if r.q.finished.Load() || r.q.ctx.Err() != nil {
		return ErrCancelled
	}
	err := r.q.reply.InvokeOneway(r.ctx, OpPush, variant.FromMap(variant.Map{
		"kind": variant.String(kind),
		"data": data,
	}))
	if err != nil {
		// nobody is listening any more
		r.q.logger.Debug("push failed; cancelling query", logging.Error(err))
		r.q.requestCancel()
		return ErrCancelled
	}
	return nil
}
