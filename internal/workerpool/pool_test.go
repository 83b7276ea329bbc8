package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"scopes/internal/transport"
)

func TestSubmitRunsFIFOOnSingleWorker(t *testing.T) {
	p := New("fifo", 1, 16, time.Second, nil)
	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		if err := p.Submit(func(context.Context) {
			defer wg.Done()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	wg.Wait()
	p.Close()
	for i, v := range order {
		if v != i {
			t.Fatalf("expected FIFO order, got %v", order)
		}
	}
}

func TestCloseDrainsQueuedJobs(t *testing.T) {
	p := New("drain", 2, 32, time.Second, nil)
	var ran atomic.Int32
	for i := 0; i < 20; i++ {
		if err := p.Submit(func(context.Context) {
			time.Sleep(time.Millisecond)
			ran.Add(1)
		}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	p.Close()
	if got := ran.Load(); got != 20 {
		t.Fatalf("expected all 20 jobs to run before Close returned, got %d", got)
	}
	if err := p.Submit(func(context.Context) {}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after Close, got %v", err)
	}
	p.Close()
}

func TestPanicDoesNotKillWorker(t *testing.T) {
	p := New("panic", 1, 4, time.Second, nil)
	defer p.Close()
	if err := p.Submit(func(context.Context) { panic("boom") }); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	done := make(chan struct{})
	if err := p.Submit(func(context.Context) { close(done) }); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("worker did not survive a panicking job")
	}
}

func TestEachWorkerOwnsAPool(t *testing.T) {
	p := New("owners", 3, 0, time.Second, nil)
	var (
		mu    sync.Mutex
		seen  = map[*transport.Pool]bool{}
		start = make(chan struct{})
		wg    sync.WaitGroup
	)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		if err := p.Submit(func(ctx context.Context) {
			defer wg.Done()
			pool := transport.PoolFrom(ctx)
			if pool == nil {
				t.Errorf("job context lacks a transport pool")
				return
			}
			mu.Lock()
			seen[pool] = true
			mu.Unlock()
			<-start
		}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	close(start)
	wg.Wait()
	p.Close()
	if len(seen) != 3 {
		t.Fatalf("expected 3 distinct worker pools, got %d", len(seen))
	}
}
