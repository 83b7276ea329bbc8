package transport

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func shortSocketDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "scp")
	if err != nil {
		t.Fatalf("mkdir temp: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func listenOrSkip(t *testing.T, endpoint string) net.Listener {
	t.Helper()
	ln, err := Listen(endpoint)
	if err != nil {
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skipf("skipping socket test: %v", err)
		}
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 64)
				for {
					if _, err := c.Read(buf); err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return ln
}

func TestParseEndpoint(t *testing.T) {
	path, err := ParseEndpoint("ipc:///run/scopes/Registry")
	if err != nil || path != "/run/scopes/Registry" {
		t.Fatalf("ParseEndpoint = %q, %v", path, err)
	}
	for _, bad := range []string{"", "tcp://x", "ipc://", "ipc://relative/path"} {
		if _, err := ParseEndpoint(bad); !errors.Is(err, ErrInvalidEndpoint) {
			t.Fatalf("ParseEndpoint(%q) expected ErrInvalidEndpoint, got %v", bad, err)
		}
	}
}

func TestPoolReusesUntilInvalidated(t *testing.T) {
	endpoint := EndpointForPath(filepath.Join(shortSocketDir(t), "a"))
	listenOrSkip(t, endpoint)

	p := NewPool(time.Second)
	t.Cleanup(p.Close)

	first, err := p.GetOrConnect(endpoint)
	if err != nil {
		t.Fatalf("GetOrConnect: %v", err)
	}
	second, err := p.GetOrConnect(endpoint)
	if err != nil {
		t.Fatalf("GetOrConnect: %v", err)
	}
	if first != second {
		t.Fatalf("expected cached connection to be reused")
	}

	p.Invalidate(endpoint)
	if p.Len() != 0 {
		t.Fatalf("expected empty pool after invalidate, got %d", p.Len())
	}
	third, err := p.GetOrConnect(endpoint)
	if err != nil {
		t.Fatalf("GetOrConnect after invalidate: %v", err)
	}
	if third == first {
		t.Fatalf("expected a fresh connection after invalidate")
	}
}

func TestPoolDialFailureNotCached(t *testing.T) {
	endpoint := EndpointForPath(filepath.Join(shortSocketDir(t), "missing"))
	p := NewPool(100 * time.Millisecond)
	if _, err := p.GetOrConnect(endpoint); err == nil {
		t.Fatalf("expected dial error for missing socket")
	}
	if p.Len() != 0 {
		t.Fatalf("failed dial must not be cached")
	}
}

func TestBorrowerRecyclesPools(t *testing.T) {
	b := NewBorrower(time.Second)
	p := b.Borrow()
	b.Return(p)
	if got := b.Borrow(); got != p {
		t.Fatalf("expected returned pool to be reused")
	}
	b.Close()
	b.Return(p)
	if got := b.Borrow(); got == p {
		t.Fatalf("pool returned after close must not be reused")
	}
}

func TestPoolFromContext(t *testing.T) {
	if PoolFrom(context.Background()) != nil {
		t.Fatalf("expected no pool on bare context")
	}
	p := NewPool(time.Second)
	if PoolFrom(WithPool(context.Background(), p)) != p {
		t.Fatalf("expected attached pool")
	}
}
