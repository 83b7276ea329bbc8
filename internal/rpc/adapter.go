package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"scopes/internal/logging"
	"scopes/internal/transport"
	"scopes/internal/variant"
	"scopes/internal/wire"
	"scopes/internal/workerpool"
)

// AdapterState tracks the adapter lifecycle.
type AdapterState int

const (
	AdapterCreated AdapterState = iota
	AdapterActivated
	AdapterDeactivated
	AdapterDestroyed
)

func (s AdapterState) String() string {
	switch s {
	case AdapterCreated:
		return "created"
	case AdapterActivated:
		return "activated"
	case AdapterDeactivated:
		return "deactivated"
	case AdapterDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// opPing answers for every published identity.
const opPing = "ping"

// Adapter binds servants to one inbound endpoint.
type Adapter struct {
	name     string
	endpoint string
	threads  int
	mw       *Middleware
	logger   *slog.Logger
	limits   wire.Limits

	mu       sync.RWMutex
	state    AdapterState
	servants map[string]Servant
	listener net.Listener
	conns    map[*serverConn]struct{}
	pool     *workerpool.Pool

	loops    sync.WaitGroup
	inflight sync.WaitGroup
}

type serverConn struct {
	conn net.Conn
	wmu  sync.Mutex
}

func newAdapter(mw *Middleware, name, endpoint string, threads int) *Adapter {
	return &Adapter{
		name:     name,
		endpoint: endpoint,
		threads:  threads,
		mw:       mw,
		logger:   logging.NewComponentLogger(mw.logger, "adapter").With(logging.String("adapter", name)),
		limits:   mw.opts.Limits,
		servants: make(map[string]Servant),
		conns:    make(map[*serverConn]struct{}),
	}
}

func (a *Adapter) Name() string     { return a.name }
func (a *Adapter) Endpoint() string { return a.endpoint }

func (a *Adapter) State() AdapterState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// Activate binds the endpoint and starts accepting connections.
func (a *Adapter) Activate() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != AdapterCreated {
		return fmt.Errorf("adapter %s: cannot activate from state %s", a.name, a.state)
	}
	listener, err := transport.Listen(a.endpoint)
	if err != nil {
		return fmt.Errorf("adapter %s: %w", a.name, err)
	}
	a.listener = listener
	a.pool = workerpool.New(a.name, a.threads, a.mw.opts.QueueSize, a.mw.opts.DialTimeout, a.mw.logger)
	a.state = AdapterActivated
	a.loops.Add(1)
	go a.acceptLoop(listener)
	a.logger.Debug("adapter activated",
		logging.String("endpoint", a.endpoint),
		logging.Int("threads", a.threads))
	return nil
}

// Add publishes servant under identity.
func (a *Adapter) Add(identity string, servant Servant) error {
	if identity == "" {
		return &ArgumentError{Op: "Adapter.Add", Message: "identity cannot be empty"}
	}
	if servant == nil {
		return &ArgumentError{Op: "Adapter.Add", Message: "servant cannot be nil"}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.servants[identity]; exists {
		return fmt.Errorf("adapter %s: %w: %s", a.name, ErrAlreadyPublished, identity)
	}
	a.servants[identity] = servant
	return nil
}

// Remove withdraws identity and reports whether it was published.
func (a *Adapter) Remove(identity string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.servants[identity]; !ok {
		return false
	}
	delete(a.servants, identity)
	return true
}

func (a *Adapter) lookup(identity string) (Servant, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.servants[identity]
	return s, ok
}

func (a *Adapter) acceptLoop(listener net.Listener) {
	defer a.loops.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || a.State() != AdapterActivated {
				return
			}
			logging.WarnWithContext(a.logger, "accept failed", "adapter_accept_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "clients may fail to reach servants on this endpoint"),
				logging.String(logging.FieldErrorHint, "check socket permissions and descriptor limits"))
			time.Sleep(50 * time.Millisecond)
			continue
		}
		sc := &serverConn{conn: conn}
		a.mu.Lock()
		if a.state != AdapterActivated {
			a.mu.Unlock()
			_ = conn.Close()
			return
		}
		a.conns[sc] = struct{}{}
		a.loops.Add(1)
		a.mu.Unlock()
		go a.receiveLoop(sc)
	}
}

func (a *Adapter) receiveLoop(sc *serverConn) {
	defer a.loops.Done()
	for {
		req, err := wire.ReadRequest(sc.conn, a.limits)
		if err != nil {
			if !errors.Is(err, io.EOF) && a.State() == AdapterActivated {
				a.logger.Debug("connection read failed", logging.Error(err))
			}
			break
		}
		a.dispatch(sc, req)
	}
	// in-flight replies still need the connection while deactivating
	a.mu.Lock()
	if a.state == AdapterActivated {
		delete(a.conns, sc)
		_ = sc.conn.Close()
	}
	a.mu.Unlock()
}

func (a *Adapter) dispatch(sc *serverConn, req wire.Request) {
	cur := Current{
		Identity:   req.Identity,
		Operation:  req.Operation,
		Mode:       req.Mode,
		Adapter:    a.name,
		Middleware: a.mw,
	}
	servant, ok := a.lookup(req.Identity)
	if !ok {
		a.mw.metrics.ObserveDispatch(a.name, req.Operation, wire.StatusObjectNotExist.String(), 0)
		if req.Mode == wire.Oneway {
			a.logger.Debug("oneway request for unknown identity dropped",
				logging.String("identity", req.Identity),
				logging.String("operation", req.Operation))
			return
		}
		a.respond(sc, req, wire.StatusObjectNotExist, targetPayload(cur))
		return
	}

	a.inflight.Add(1)
	err := a.pool.Submit(func(ctx context.Context) {
		defer a.inflight.Done()
		start := time.Now()
		status, result := a.invoke(ctx, servant, cur, req.Payload)
		a.mw.metrics.ObserveDispatch(a.name, req.Operation, status.String(), time.Since(start))
		if req.Mode == wire.Twoway {
			a.respond(sc, req, status, result)
		}
	})
	if err != nil {
		a.inflight.Done()
		if req.Mode == wire.Twoway {
			a.respond(sc, req, wire.StatusUnknownException,
				variant.FromMap(variant.Map{"message": variant.String(err.Error())}))
		}
	}
}

func (a *Adapter) invoke(ctx context.Context, servant Servant, cur Current, payload []byte) (status wire.Status, result variant.Value) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("servant panicked",
				logging.String("identity", cur.Identity),
				logging.String("operation", cur.Operation),
				logging.Any("panic", r),
				logging.String(logging.FieldEventType, "servant_panic"))
			status = wire.StatusUnknownException
			result = variant.FromMap(variant.Map{"message": variant.String(fmt.Sprint(r))})
		}
	}()

	params, err := variant.Decode(payload)
	if err != nil {
		return wire.StatusUnknownException, variant.FromMap(variant.Map{"message": variant.String(err.Error())})
	}
	if cur.Operation == opPing {
		return wire.StatusSuccess, variant.Null()
	}
	out, err := servant.Dispatch(ctx, cur, params)
	if err != nil {
		return exceptionResponse(cur, err)
	}
	return wire.StatusSuccess, out
}

func (a *Adapter) respond(sc *serverConn, req wire.Request, status wire.Status, result variant.Value) {
	resp := wire.Response{
		CorrelationID: req.CorrelationID,
		Status:        status,
		Payload:       variant.Encode(result),
	}
	sc.wmu.Lock()
	err := wire.WriteResponse(sc.conn, resp, a.limits)
	sc.wmu.Unlock()
	if err != nil {
		a.logger.Debug("response write failed",
			logging.String("identity", req.Identity),
			logging.String("operation", req.Operation),
			logging.Error(err))
	}
}

// Deactivate stops accepting requests and returns once every dispatch issued
// by this adapter has completed.
func (a *Adapter) Deactivate() {
	a.mu.Lock()
	if a.state != AdapterActivated {
		if a.state == AdapterCreated {
			a.state = AdapterDeactivated
		}
		a.mu.Unlock()
		return
	}
	a.state = AdapterDeactivated
	if a.listener != nil {
		_ = a.listener.Close()
	}
	past := time.Unix(1, 0)
	for sc := range a.conns {
		_ = sc.conn.SetReadDeadline(past)
	}
	a.mu.Unlock()

	a.loops.Wait()
	a.inflight.Wait()
	a.pool.Close()

	a.mu.Lock()
	for sc := range a.conns {
		_ = sc.conn.Close()
	}
	a.conns = make(map[*serverConn]struct{})
	a.mu.Unlock()
	a.logger.Debug("adapter deactivated")
}

// Destroy deactivates if needed, drops all servants, and removes the socket.
func (a *Adapter) Destroy() {
	a.Deactivate()
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == AdapterDestroyed {
		return
	}
	a.state = AdapterDestroyed
	a.servants = make(map[string]Servant)
	if path, err := transport.ParseEndpoint(a.endpoint); err == nil && a.listener != nil {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logging.WarnWithContext(a.logger, "failed to remove socket", "adapter_socket_cleanup_failed",
				logging.String("socket", path),
				logging.Error(err),
				logging.String(logging.FieldImpact, "stale socket file left behind"),
				logging.String(logging.FieldErrorHint, "remove the socket file manually"))
		}
	}
}
