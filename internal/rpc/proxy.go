package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
	"weak"

	"scopes/internal/transport"
	"scopes/internal/variant"
	"scopes/internal/wire"
)

// Proxy names a remote servant by identity and endpoint. It never owns the
// servant; it keeps only a weak reference to the middleware that created it.
type Proxy struct {
	identity string
	endpoint string
	mw       weak.Pointer[Middleware]
}

// NullProxy is the zero Proxy; it names nothing.
var NullProxy = Proxy{}

func (p Proxy) Identity() string { return p.identity }
func (p Proxy) Endpoint() string { return p.endpoint }
func (p Proxy) IsNull() bool     { return p.identity == "" }

// Equal compares identity and endpoint only.
func (p Proxy) Equal(other Proxy) bool {
	return p.identity == other.identity && p.endpoint == other.endpoint
}

func (p Proxy) String() string {
	if p.IsNull() {
		return "<null proxy>"
	}
	return p.identity + "@" + p.endpoint
}

// Serialize renders the proxy as {"identity", "endpoint"}.
func (p Proxy) Serialize() variant.Map {
	return variant.Map{
		"identity": variant.String(p.identity),
		"endpoint": variant.String(p.endpoint),
	}
}

// ProxyFromMap rebuilds a proxy serialized by Serialize, bound to mw.
func ProxyFromMap(m variant.Map, mw *Middleware) (Proxy, error) {
	identity, err := m.String("identity")
	if err != nil {
		return NullProxy, fmt.Errorf("proxy: %w", err)
	}
	endpoint, err := m.String("endpoint")
	if err != nil {
		return NullProxy, fmt.Errorf("proxy: %w", err)
	}
	if identity == "" || endpoint == "" {
		return NullProxy, &ArgumentError{Op: "ProxyFromMap", Message: "identity and endpoint must be non-empty"}
	}
	return mw.CreateProxy(identity, endpoint), nil
}

// Middleware returns the owning middleware, or nil once it has been collected.
func (p Proxy) Middleware() *Middleware {
	return p.mw.Value()
}

type invokeOptions struct {
	idempotent bool
	timeout    time.Duration
}

// InvokeOption adjusts a single twoway invocation.
type InvokeOption func(*invokeOptions)

// Idempotent marks the operation as safe to retry once after a transport
// failure.
func Idempotent() InvokeOption {
	return func(o *invokeOptions) { o.idempotent = true }
}

// WithTimeout overrides the middleware's twoway timeout for one call.
func WithTimeout(d time.Duration) InvokeOption {
	return func(o *invokeOptions) { o.timeout = d }
}

// Invoke performs a twoway call and returns the decoded result or the
// reconstructed remote error.
func (p Proxy) Invoke(ctx context.Context, operation string, params variant.Value, opts ...InvokeOption) (variant.Value, error) {
	mw, err := p.runtime()
	if err != nil {
		return variant.Null(), err
	}
	o := invokeOptions{timeout: mw.opts.TwowayTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	pool, release := mw.socketPool(ctx)
	defer release()

	attempts := 1
	if o.idempotent {
		attempts = 2
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		result, err := p.roundTrip(ctx, mw, pool, operation, params, o.timeout)
		if err == nil {
			mw.metrics.ObserveInvocation("twoway", "success")
			return result, nil
		}
		lastErr = err
		var te *transportError
		if !errors.As(err, &te) {
			break
		}
	}
	mw.metrics.ObserveInvocation("twoway", outcomeLabel(lastErr))
	return variant.Null(), lastErr
}

// transportError marks a failure below the protocol that an idempotent call
// may retry on a fresh connection.
type transportError struct {
	err error
}

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

// roundTrip sends one request and waits for its response.
func (p Proxy) roundTrip(ctx context.Context, mw *Middleware, pool *transport.Pool, operation string, params variant.Value, timeout time.Duration) (variant.Value, error) {
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := callCtx.Err(); err != nil {
		return variant.Null(), p.callError(ctx, operation, err)
	}

	conn, err := pool.GetOrConnect(p.endpoint)
	if err != nil {
		return variant.Null(), &transportError{err: fmt.Errorf("%s.%s: %w", p.identity, operation, err)}
	}
	if deadline, ok := callCtx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	interrupted := context.AfterFunc(callCtx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})

	req := wire.Request{
		CorrelationID: mw.nextCorrelationID(),
		Identity:      p.identity,
		Operation:     operation,
		Mode:          wire.Twoway,
		Payload:       variant.Encode(params),
	}
	resp, err := exchange(conn, req, mw.opts.Limits)
	if !interrupted() {
		// the deadline may already have been forced into the past
		pool.Invalidate(p.endpoint)
	} else if err == nil {
		_ = conn.SetDeadline(time.Time{})
	}
	if err != nil {
		pool.Invalidate(p.endpoint)
		var netErr net.Error
		if callCtx.Err() != nil || (errors.As(err, &netErr) && netErr.Timeout()) {
			return variant.Null(), p.callError(ctx, operation, context.DeadlineExceeded)
		}
		return variant.Null(), &transportError{err: fmt.Errorf("%s.%s: %w", p.identity, operation, err)}
	}

	if resp.Status != wire.StatusSuccess {
		return variant.Null(), decodeException(p.identity, operation, resp.Status, resp.Payload)
	}
	result, err := variant.Decode(resp.Payload)
	if err != nil {
		return variant.Null(), fmt.Errorf("%s.%s: decode result: %w", p.identity, operation, err)
	}
	return result, nil
}

func exchange(conn net.Conn, req wire.Request, limits wire.Limits) (wire.Response, error) {
	if err := wire.WriteRequest(conn, req, limits); err != nil {
		return wire.Response{}, err
	}
	for {
		resp, err := wire.ReadResponse(conn, limits)
		if err != nil {
			return wire.Response{}, err
		}
		if resp.CorrelationID == req.CorrelationID {
			return resp, nil
		}
	}
}

// callError distinguishes caller cancellation from a timeout.
func (p Proxy) callError(parent context.Context, operation string, err error) error {
	if parentErr := parent.Err(); parentErr != nil {
		return fmt.Errorf("%s.%s: %w", p.identity, operation, parentErr)
	}
	return fmt.Errorf("%s.%s: %w", p.identity, operation, ErrTimeout)
}

// InvokeOneway sends the request without waiting for any reply. Delivery is
// best effort and never retried.
func (p Proxy) InvokeOneway(ctx context.Context, operation string, params variant.Value) error {
	mw, err := p.runtime()
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	pool, release := mw.socketPool(ctx)
	defer release()

	conn, err := pool.GetOrConnect(p.endpoint)
	if err != nil {
		mw.metrics.ObserveInvocation("oneway", "transport_error")
		return fmt.Errorf("%s.%s: %w", p.identity, operation, err)
	}
	if mw.opts.TwowayTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(mw.opts.TwowayTimeout))
	}
	req := wire.Request{
		CorrelationID: mw.nextCorrelationID(),
		Identity:      p.identity,
		Operation:     operation,
		Mode:          wire.Oneway,
		Payload:       variant.Encode(params),
	}
	if err := wire.WriteRequest(conn, req, mw.opts.Limits); err != nil {
		pool.Invalidate(p.endpoint)
		mw.metrics.ObserveInvocation("oneway", "transport_error")
		return fmt.Errorf("%s.%s: %w", p.identity, operation, err)
	}
	_ = conn.SetWriteDeadline(time.Time{})
	mw.metrics.ObserveInvocation("oneway", "success")
	return nil
}

// Ping checks that the servant is published and reachable.
func (p Proxy) Ping(ctx context.Context, opts ...InvokeOption) error {
	_, err := p.Invoke(ctx, opPing, variant.Null(), opts...)
	return err
}

func (p Proxy) runtime() (*Middleware, error) {
	if p.IsNull() {
		return nil, &ArgumentError{Op: "Proxy.Invoke", Message: "null proxy"}
	}
	mw := p.mw.Value()
	if mw == nil {
		return nil, ErrMiddlewareStopped
	}
	return mw, nil
}

func outcomeLabel(err error) string {
	var (
		user    *UserException
		unknown *UnknownException
	)
	switch {
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, ErrObjectNotExist):
		return "object_not_exist"
	case errors.Is(err, ErrOperationNotExist):
		return "operation_not_exist"
	case errors.As(err, &user):
		return "user_exception"
	case errors.As(err, &unknown):
		return "unknown_exception"
	default:
		return "transport_error"
	}
}
