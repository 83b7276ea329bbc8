package rpc

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"github.com/google/uuid"

	"scopes/internal/logging"
	"scopes/internal/metrics"
	"scopes/internal/transport"
	"scopes/internal/wire"
	"scopes/internal/workerpool"
)

// AdapterKind selects which of the middleware's adapters hosts a servant.
type AdapterKind int

const (
	// MainAdapter serves long-lived objects such as the registry or a scope.
	MainAdapter AdapterKind = iota
	// CtrlAdapter serves per-query control objects.
	CtrlAdapter
	// ReplyAdapter serves client-side reply objects. It runs a single
	// worker so pushes are delivered in post order.
	ReplyAdapter
)

func (k AdapterKind) suffix() string {
	switch k {
	case CtrlAdapter:
		return "-c"
	case ReplyAdapter:
		return "-r"
	default:
		return ""
	}
}

func (k AdapterKind) String() string {
	switch k {
	case CtrlAdapter:
		return "ctrl"
	case ReplyAdapter:
		return "reply"
	default:
		return "main"
	}
}

// Options configures a Middleware.
type Options struct {
	// ServerName names the process; adapter endpoints derive from it.
	ServerName string
	// EndpointDir holds the unix sockets of every adapter.
	EndpointDir   string
	TwowayTimeout time.Duration
	DialTimeout   time.Duration
	MainThreads   int
	CtrlThreads   int
	InvokeThreads int
	QueueSize     int
	Limits        wire.Limits
	Logger        *slog.Logger
	Metrics       *metrics.Registry
}

func (o Options) withDefaults() Options {
	if o.TwowayTimeout == 0 {
		o.TwowayTimeout = 5 * time.Second
	}
	if o.DialTimeout == 0 {
		o.DialTimeout = time.Second
	}
	if o.MainThreads < 1 {
		o.MainThreads = 4
	}
	if o.CtrlThreads < 1 {
		o.CtrlThreads = 2
	}
	if o.InvokeThreads < 1 {
		o.InvokeThreads = 4
	}
	if o.QueueSize < 1 {
		o.QueueSize = 64
	}
	if o.Limits == (wire.Limits{}) {
		o.Limits = wire.DefaultLimits()
	}
	return o
}

// Middleware owns the adapters, the invocation pool, and the outbound socket
// pools of one process. Servants live in its adapters indexed by identity;
// proxies refer back to it weakly.
type Middleware struct {
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Registry

	ctx    context.Context
	cancel context.CancelFunc

	invokers *workerpool.Pool
	borrower *transport.Borrower
	corr     atomic.Uint64

	mu       sync.Mutex
	adapters map[AdapterKind]*Adapter
	stopped  bool
}

// New validates opts and starts the invocation pool.
func New(opts Options) (*Middleware, error) {
	opts = opts.withDefaults()
	if strings.TrimSpace(opts.ServerName) == "" {
		return nil, &ArgumentError{Op: "rpc.New", Message: "server name cannot be empty"}
	}
	if strings.ContainsAny(opts.ServerName, "/\x00") {
		return nil, &ArgumentError{Op: "rpc.New", Message: fmt.Sprintf("invalid server name %q", opts.ServerName)}
	}
	if !filepath.IsAbs(opts.EndpointDir) {
		return nil, &ArgumentError{Op: "rpc.New", Message: fmt.Sprintf("endpoint dir %q must be absolute", opts.EndpointDir)}
	}
	logger := logging.NewComponentLogger(opts.Logger, "middleware").With(logging.String("server", opts.ServerName))
	ctx, cancel := context.WithCancel(context.Background())
	m := &Middleware{
		opts:     opts,
		logger:   logger,
		metrics:  opts.Metrics,
		ctx:      ctx,
		cancel:   cancel,
		borrower: transport.NewBorrower(opts.DialTimeout),
		adapters: make(map[AdapterKind]*Adapter),
	}
	m.invokers = workerpool.New(opts.ServerName+"-invoke", opts.InvokeThreads, opts.QueueSize, opts.DialTimeout, logger)
	return m, nil
}

// NewClient builds a middleware for a short-lived client process with a
// unique server name.
func NewClient(opts Options) (*Middleware, error) {
	if opts.ServerName == "" {
		opts.ServerName = "c-" + uuid.NewString()
	}
	return New(opts)
}

func (m *Middleware) ServerName() string           { return m.opts.ServerName }
func (m *Middleware) Logger() *slog.Logger         { return m.logger }
func (m *Middleware) Metrics() *metrics.Registry   { return m.metrics }
func (m *Middleware) TwowayTimeout() time.Duration { return m.opts.TwowayTimeout }

// Context is cancelled when the middleware stops.
func (m *Middleware) Context() context.Context { return m.ctx }

// EndpointFor returns the main endpoint of the process named server.
func (m *Middleware) EndpointFor(server string) string {
	return transport.EndpointForPath(filepath.Join(m.opts.EndpointDir, server))
}

// CreateProxy returns a proxy for identity at endpoint bound to m.
func (m *Middleware) CreateProxy(identity, endpoint string) Proxy {
	return Proxy{identity: identity, endpoint: endpoint, mw: weak.Make(m)}
}

// UniqueID returns a fresh identity for transient servants.
func (m *Middleware) UniqueID() string {
	return uuid.NewString()
}

func (m *Middleware) nextCorrelationID() uint64 {
	return m.corr.Add(1)
}

// Publish adds servant under identity on the adapter of the given kind,
// activating that adapter on first use.
func (m *Middleware) Publish(kind AdapterKind, identity string, servant Servant) (Proxy, error) {
	a, err := m.adapter(kind)
	if err != nil {
		return NullProxy, err
	}
	if err := a.Add(identity, servant); err != nil {
		return NullProxy, err
	}
	m.logger.Debug("servant published",
		logging.String("identity", identity),
		logging.String("adapter", a.Name()))
	return m.CreateProxy(identity, a.Endpoint()), nil
}

// Withdraw removes identity from the adapter of the given kind.
func (m *Middleware) Withdraw(kind AdapterKind, identity string) bool {
	m.mu.Lock()
	a := m.adapters[kind]
	m.mu.Unlock()
	if a == nil {
		return false
	}
	return a.Remove(identity)
}

func (m *Middleware) adapter(kind AdapterKind) (*Adapter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return nil, ErrMiddlewareStopped
	}
	if a, ok := m.adapters[kind]; ok {
		return a, nil
	}
	name := m.opts.ServerName + kind.suffix()
	threads := m.opts.MainThreads
	switch kind {
	case CtrlAdapter:
		threads = m.opts.CtrlThreads
	case ReplyAdapter:
		threads = 1
	}
	a := newAdapter(m, name, m.EndpointFor(name), threads)
	if err := a.Activate(); err != nil {
		return nil, err
	}
	m.adapters[kind] = a
	return a, nil
}

// Adapter returns the adapter of the given kind if it has been created.
func (m *Middleware) Adapter(kind AdapterKind) *Adapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.adapters[kind]
}

// Submit runs job on the shared invocation pool.
func (m *Middleware) Submit(job workerpool.Job) error {
	return m.invokers.Submit(job)
}

// socketPool returns the caller's own pool when ctx carries one, otherwise
// an exclusively borrowed pool that release gives back.
func (m *Middleware) socketPool(ctx context.Context) (*transport.Pool, func()) {
	if p := transport.PoolFrom(ctx); p != nil {
		return p, func() {}
	}
	p := m.borrower.Borrow()
	return p, func() { m.borrower.Return(p) }
}

// Stop cancels Context, drains and destroys every adapter, and joins the
// invocation pool. The main adapter goes first so no new work arrives while
// running queries finish.
func (m *Middleware) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	adapters := m.adapters
	m.mu.Unlock()

	m.cancel()
	if a := adapters[MainAdapter]; a != nil {
		a.Deactivate()
	}
	m.invokers.Close()
	for _, kind := range []AdapterKind{MainAdapter, CtrlAdapter, ReplyAdapter} {
		if a := adapters[kind]; a != nil {
			a.Destroy()
		}
	}
	m.borrower.Close()
	m.logger.Debug("middleware stopped")
}
