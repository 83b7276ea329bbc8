package workerpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"scopes/internal/logging"
	"scopes/internal/transport"
)

// ErrClosed is returned by Submit once Close has begun.
var ErrClosed = errors.New("workerpool: closed")

// Job is one unit of work. The context carries the worker's transport pool.
type Job func(ctx context.Context)

// Pool runs jobs FIFO on a fixed set of workers.
type Pool struct {
	name   string
	logger *slog.Logger

	jobs chan Job
	ctx  context.Context
	stop context.CancelFunc

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// New starts size workers sharing a queue of the given capacity. Each worker
// owns a transport.Pool whose dials are bounded by dialTimeout.
func New(name string, size, queue int, dialTimeout time.Duration, logger *slog.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	if queue < 0 {
		queue = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:   name,
		logger: logging.NewComponentLogger(logger, "workerpool").With(logging.String("pool", name)),
		jobs:   make(chan Job, queue),
		ctx:    ctx,
		stop:   cancel,
	}
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.worker(i, transport.NewPool(dialTimeout))
	}
	return p
}

// Submit enqueues job, blocking while the queue is full.
func (p *Pool) Submit(job Job) error {
	if job == nil {
		return fmt.Errorf("workerpool %s: nil job", p.name)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	p.jobs <- job
	return nil
}

// Close stops intake, lets queued jobs drain, and joins every worker.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()
	p.wg.Wait()
	p.stop()
}

func (p *Pool) worker(id int, sockets *transport.Pool) {
	defer p.wg.Done()
	defer sockets.Close()
	ctx := transport.WithPool(p.ctx, sockets)
	for job := range p.jobs {
		p.run(ctx, id, job)
	}
}

func (p *Pool) run(ctx context.Context, id int, job Job) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("job panicked",
				logging.Int("worker", id),
				logging.Any("panic", r),
				logging.String("stack", string(debug.Stack())),
				logging.String(logging.FieldEventType, "worker_panic"))
		}
	}()
	job(ctx)
}
