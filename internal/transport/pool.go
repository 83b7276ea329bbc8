package transport

import (
	"context"
	"net"
	"sync"
	"time"
)

// Pool caches one outbound connection per endpoint for a single owner.
//
// A Pool is not safe for concurrent use. Each invocation worker owns exactly
// one, and other goroutines borrow one exclusively through a Borrower.
type Pool struct {
	dialTimeout time.Duration
	dial        func(endpoint string, timeout time.Duration) (net.Conn, error)
	conns       map[string]net.Conn
}

// NewPool returns an empty pool whose connects are bounded by dialTimeout.
func NewPool(dialTimeout time.Duration) *Pool {
	return &Pool{
		dialTimeout: dialTimeout,
		dial:        Dial,
		conns:       make(map[string]net.Conn),
	}
}

// GetOrConnect returns the cached connection for endpoint, dialing on a miss.
// Repeated calls return the same connection until Invalidate.
func (p *Pool) GetOrConnect(endpoint string) (net.Conn, error) {
	if conn, ok := p.conns[endpoint]; ok {
		return conn, nil
	}
	conn, err := p.dial(endpoint, p.dialTimeout)
	if err != nil {
		return nil, err
	}
	p.conns[endpoint] = conn
	return conn, nil
}

// Invalidate closes and forgets the connection for endpoint.
func (p *Pool) Invalidate(endpoint string) {
	if conn, ok := p.conns[endpoint]; ok {
		_ = conn.Close()
		delete(p.conns, endpoint)
	}
}

// Len reports the number of cached connections.
func (p *Pool) Len() int {
	return len(p.conns)
}

func (p *Pool) Close() {
	for endpoint := range p.conns {
		p.Invalidate(endpoint)
	}
}

type poolKey struct{}

// WithPool attaches p to ctx for the duration of one job.
func WithPool(ctx context.Context, p *Pool) context.Context {
	return context.WithValue(ctx, poolKey{}, p)
}

// PoolFrom returns the pool attached to ctx, if any.
func PoolFrom(ctx context.Context) *Pool {
	if ctx == nil {
		return nil
	}
	p, _ := ctx.Value(poolKey{}).(*Pool)
	return p
}

// Borrower hands out pools to goroutines that are not invocation workers.
// A borrowed pool is owned exclusively until it is returned.
type Borrower struct {
	dialTimeout time.Duration

	mu     sync.Mutex
	free   []*Pool
	closed bool
}

func NewBorrower(dialTimeout time.Duration) *Borrower {
	return &Borrower{dialTimeout: dialTimeout}
}

func (b *Borrower) Borrow() *Pool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n := len(b.free); n > 0 {
		p := b.free[n-1]
		b.free = b.free[:n-1]
		return p
	}
	return NewPool(b.dialTimeout)
}

// Return gives p back for reuse. Pools returned after Close are closed.
func (b *Borrower) Return(p *Pool) {
	if p == nil {
		return
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		p.Close()
		return
	}
	b.free = append(b.free, p)
	b.mu.Unlock()
}

func (b *Borrower) Close() {
	b.mu.Lock()
	free := b.free
	b.free = nil
	b.closed = true
	b.mu.Unlock()
	for _, p := range free {
		p.Close()
	}
}
