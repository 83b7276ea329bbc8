package rpc_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"scopes/internal/rpc"
	"scopes/internal/testsupport"
	"scopes/internal/variant"
)

func echoServant(calls *atomic.Int32) rpc.OperationTable {
	return rpc.OperationTable{
		"echo": func(_ context.Context, _ rpc.Current, params variant.Value) (variant.Value, error) {
			if calls != nil {
				calls.Add(1)
			}
			return params, nil
		},
		"fail_user": func(context.Context, rpc.Current, variant.Value) (variant.Value, error) {
			return variant.Null(), &rpc.UserException{Kind: rpc.KindUser, Message: "bad input", Payload: variant.Int(7)}
		},
		"fail_not_found": func(context.Context, rpc.Current, variant.Value) (variant.Value, error) {
			return variant.Null(), &rpc.NotFoundError{Op: "Registry::get_metadata()", Name: "nope"}
		},
		"fail_plain": func(context.Context, rpc.Current, variant.Value) (variant.Value, error) {
			return variant.Null(), errors.New("disk on fire")
		},
		"panic": func(context.Context, rpc.Current, variant.Value) (variant.Value, error) {
			panic("servant exploded")
		},
		"sleep": func(ctx context.Context, _ rpc.Current, _ variant.Value) (variant.Value, error) {
			time.Sleep(300 * time.Millisecond)
			return variant.String("late"), nil
		},
	}
}

func newPair(t *testing.T) (*rpc.Middleware, *rpc.Middleware, rpc.Proxy) {
	t.Helper()
	dir := testsupport.SocketDir(t)
	server := testsupport.NewMiddleware(t, "server", dir)
	client := testsupport.NewMiddleware(t, "client", dir)
	published := testsupport.PublishOrSkip(t, server, rpc.MainAdapter, "Echo", echoServant(nil))
	return server, client, client.CreateProxy(published.Identity(), published.Endpoint())
}

func TestInvokeEcho(t *testing.T) {
	_, _, proxy := newPair(t)
	in := variant.FromMap(variant.Map{"q": variant.String("hello"), "n": variant.Int(3)})
	out, err := proxy.Invoke(context.Background(), "echo", in)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !variant.Equal(in, out) {
		t.Fatalf("echo mismatch: got %s want %s", out, in)
	}
	if err := proxy.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestInvokeErrorTaxonomy(t *testing.T) {
	server, client, proxy := newPair(t)
	ctx := context.Background()

	stale := client.CreateProxy("Nobody", proxy.Endpoint())
	if _, err := stale.Invoke(ctx, "echo", variant.Null()); !errors.Is(err, rpc.ErrObjectNotExist) {
		t.Fatalf("expected ErrObjectNotExist, got %v", err)
	}
	if err := stale.Ping(ctx); !errors.Is(err, rpc.ErrObjectNotExist) {
		t.Fatalf("ping of unpublished identity should fail with ErrObjectNotExist, got %v", err)
	}
	if _, err := proxy.Invoke(ctx, "no_such_op", variant.Null()); !errors.Is(err, rpc.ErrOperationNotExist) {
		t.Fatalf("expected ErrOperationNotExist, got %v", err)
	}

	_, err := proxy.Invoke(ctx, "fail_user", variant.Null())
	var user *rpc.UserException
	if !errors.As(err, &user) {
		t.Fatalf("expected *UserException, got %T %v", err, err)
	}
	if user.Message != "bad input" || !variant.Equal(user.Payload, variant.Int(7)) {
		t.Fatalf("unexpected user exception: %+v", user)
	}

	if _, err := proxy.Invoke(ctx, "fail_not_found", variant.Null()); !errors.Is(err, rpc.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	var unknown *rpc.UnknownException
	if _, err := proxy.Invoke(ctx, "fail_plain", variant.Null()); !errors.As(err, &unknown) {
		t.Fatalf("expected *UnknownException for plain error, got %T %v", err, err)
	}
	if _, err := proxy.Invoke(ctx, "panic", variant.Null()); !errors.As(err, &unknown) {
		t.Fatalf("expected *UnknownException for panic, got %T %v", err, err)
	}
	// the adapter must survive the panic
	if _, err := proxy.Invoke(ctx, "echo", variant.Int(1)); err != nil {
		t.Fatalf("echo after panic: %v", err)
	}

	if !server.Withdraw(rpc.MainAdapter, "Echo") {
		t.Fatalf("Withdraw returned false for published identity")
	}
	if server.Withdraw(rpc.MainAdapter, "Echo") {
		t.Fatalf("second Withdraw should return false")
	}
	if _, err := proxy.Invoke(ctx, "echo", variant.Null()); !errors.Is(err, rpc.ErrObjectNotExist) {
		t.Fatalf("expected ErrObjectNotExist after withdraw, got %v", err)
	}
}

func TestInvokeTimeoutInvalidatesSocket(t *testing.T) {
	_, _, proxy := newPair(t)
	ctx := context.Background()

	start := time.Now()
	_, err := proxy.Invoke(ctx, "sleep", variant.Null(), rpc.WithTimeout(50*time.Millisecond))
	if !errors.Is(err, rpc.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 250*time.Millisecond {
		t.Fatalf("timeout took too long: %s", elapsed)
	}
	// a fresh connection must not see the late reply
	out, err := proxy.Invoke(ctx, "echo", variant.String("after"))
	if err != nil {
		t.Fatalf("Invoke after timeout: %v", err)
	}
	if s, _ := out.AsString(); s != "after" {
		t.Fatalf("got %s after timeout, want \"after\"", out)
	}
}

func TestInvokeCallerCancellation(t *testing.T) {
	_, _, proxy := newPair(t)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)
	if _, err := proxy.Invoke(ctx, "sleep", variant.Null()); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestInvokeOneway(t *testing.T) {
	dir := testsupport.SocketDir(t)
	server := testsupport.NewMiddleware(t, "server", dir)
	client := testsupport.NewMiddleware(t, "client", dir)
	got := make(chan string, 1)
	published := testsupport.PublishOrSkip(t, server, rpc.MainAdapter, "Sink", rpc.OperationTable{
		"note": func(_ context.Context, cur rpc.Current, params variant.Value) (variant.Value, error) {
			s, _ := params.AsString()
			got <- cur.Mode.String() + ":" + s
			return variant.Null(), nil
		},
	})
	proxy := client.CreateProxy(published.Identity(), published.Endpoint())
	if err := proxy.InvokeOneway(context.Background(), "note", variant.String("hi")); err != nil {
		t.Fatalf("InvokeOneway: %v", err)
	}
	select {
	case s := <-got:
		if s != "oneway:hi" {
			t.Fatalf("servant saw %q", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("oneway request never dispatched")
	}
}

func TestDeactivateWaitsForInflight(t *testing.T) {
	dir := testsupport.SocketDir(t)
	server := testsupport.NewMiddleware(t, "server", dir)
	client := testsupport.NewMiddleware(t, "client", dir)
	started := make(chan struct{})
	release := make(chan struct{})
	published := testsupport.PublishOrSkip(t, server, rpc.MainAdapter, "Slow", rpc.OperationTable{
		"block": func(context.Context, rpc.Current, variant.Value) (variant.Value, error) {
			close(started)
			<-release
			return variant.String("done"), nil
		},
	})
	proxy := client.CreateProxy(published.Identity(), published.Endpoint())

	result := make(chan error, 1)
	go func() {
		_, err := proxy.Invoke(context.Background(), "block", variant.Null())
		result <- err
	}()
	<-started

	adapter := server.Adapter(rpc.MainAdapter)
	deactivated := make(chan struct{})
	go func() {
		adapter.Deactivate()
		close(deactivated)
	}()

	select {
	case <-deactivated:
		t.Fatalf("Deactivate returned while a dispatch was in flight")
	case <-time.After(100 * time.Millisecond):
	}
	close(release)
	select {
	case <-deactivated:
	case <-time.After(2 * time.Second):
		t.Fatalf("Deactivate did not return after in-flight dispatch completed")
	}
	if err := <-result; err != nil {
		t.Fatalf("in-flight call should complete during drain: %v", err)
	}
	if adapter.State() != rpc.AdapterDeactivated {
		t.Fatalf("state = %s, want deactivated", adapter.State())
	}
}

func TestProxySerializeRoundTrip(t *testing.T) {
	dir := testsupport.SocketDir(t)
	mw := testsupport.NewMiddleware(t, "client", dir)
	p := mw.CreateProxy("scope-A", mw.EndpointFor("scope-A"))
	back, err := rpc.ProxyFromMap(p.Serialize(), mw)
	if err != nil {
		t.Fatalf("ProxyFromMap: %v", err)
	}
	if !back.Equal(p) {
		t.Fatalf("round trip mismatch: %s vs %s", back, p)
	}
	if _, err := rpc.ProxyFromMap(variant.Map{"identity": variant.String("x")}, mw); !errors.Is(err, variant.ErrMissingKey) {
		t.Fatalf("expected ErrMissingKey, got %v", err)
	}
	if back.Middleware() != mw {
		t.Fatalf("proxy should resolve its middleware while it is alive")
	}
}

func TestPublishDuplicateIdentity(t *testing.T) {
	dir := testsupport.SocketDir(t)
	mw := testsupport.NewMiddleware(t, "server", dir)
	testsupport.PublishOrSkip(t, mw, rpc.MainAdapter, "One", echoServant(nil))
	if _, err := mw.Publish(rpc.MainAdapter, "One", echoServant(nil)); !errors.Is(err, rpc.ErrAlreadyPublished) {
		t.Fatalf("expected ErrAlreadyPublished, got %v", err)
	}
	if _, err := mw.Publish(rpc.MainAdapter, "", echoServant(nil)); !errors.Is(err, rpc.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for empty identity, got %v", err)
	}
}

func TestIdempotentRetryAfterPeerRestart(t *testing.T) {
	dir := testsupport.SocketDir(t)
	client := testsupport.NewMiddleware(t, "client", dir)
	var calls atomic.Int32

	first, err := rpc.New(rpc.Options{ServerName: "server", EndpointDir: dir})
	if err != nil {
		t.Fatalf("rpc.New: %v", err)
	}
	published := testsupport.PublishOrSkip(t, first, rpc.MainAdapter, "Echo", echoServant(&calls))
	proxy := client.CreateProxy(published.Identity(), published.Endpoint())

	// cache a connection on a worker-owned pool, then restart the server
	done := make(chan error, 1)
	if err := client.Submit(func(ctx context.Context) {
		if _, err := proxy.Invoke(ctx, "echo", variant.Int(1)); err != nil {
			done <- err
			return
		}
		first.Stop()
		second := testsupport.NewMiddleware(t, "server", dir)
		if _, err := second.Publish(rpc.MainAdapter, "Echo", echoServant(&calls)); err != nil {
			done <- err
			return
		}
		_, err := proxy.Invoke(ctx, "echo", variant.Int(2), rpc.Idempotent())
		done <- err
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("idempotent call across restart: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 servant calls, got %d", calls.Load())
	}
}
