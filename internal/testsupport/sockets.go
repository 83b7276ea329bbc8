package testsupport

import (
	"os"
	"strings"
	"testing"
	"time"

	"scopes/internal/rpc"
)

// SocketDir returns a short temp directory for unix sockets. t.TempDir paths
// can exceed the sun_path limit once an identity is appended.
func SocketDir(t testing.TB) string {
	t.Helper()

	dir, err := os.MkdirTemp("", "scp")
	if err != nil {
		t.Fatalf("mkdir socket dir: %v", err)
	}
	t.Cleanup(func() {
		_ = os.RemoveAll(dir)
	})
	return dir
}

// MiddlewareOption customizes NewMiddleware.
type MiddlewareOption func(*rpc.Options)

// WithTwowayTimeout overrides the default test twoway timeout.
func WithTwowayTimeout(d time.Duration) MiddlewareOption {
	return func(o *rpc.Options) {
		o.TwowayTimeout = d
	}
}

// NewMiddleware starts a middleware named server with sockets under dir and
// stops it at cleanup. Tests are skipped where unix sockets are not allowed.
func NewMiddleware(t testing.TB, server, dir string, opts ...MiddlewareOption) *rpc.Middleware {
	t.Helper()

	o := rpc.Options{
		ServerName:    server,
		EndpointDir:   dir,
		TwowayTimeout: 2 * time.Second,
		DialTimeout:   500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&o)
	}
	mw, err := rpc.New(o)
	if err != nil {
		t.Fatalf("rpc.New: %v", err)
	}
	t.Cleanup(mw.Stop)
	return mw
}

// PublishOrSkip publishes servant and skips the test when the sandbox forbids
// binding unix sockets.
func PublishOrSkip(t testing.TB, mw *rpc.Middleware, kind rpc.AdapterKind, identity string, servant rpc.Servant) rpc.Proxy {
	t.Helper()

	proxy, err := mw.Publish(kind, identity, servant)
	if err != nil {
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skipf("skipping socket test: %v", err)
		}
		t.Fatalf("Publish %s: %v", identity, err)
	}
	return proxy
}
