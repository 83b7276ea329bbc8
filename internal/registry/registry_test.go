package registry_test

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"scopes/internal/registry"
	"scopes/internal/rpc"
	"scopes/internal/scope"
	"scopes/internal/scopesdir"
	"scopes/internal/testsupport"
	"scopes/internal/variant"
)

const (
	helperEnv    = "SCOPES_REGISTRY_TEST_HELPER"
	helperDirEnv = "SCOPES_REGISTRY_TEST_DIR"
)

func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		os.Exit(runHelperScope())
	}
	os.Exit(m.Run())
}

// runHelperScope plays the scope runner when the test binary is spawned by
// the registry.
func runHelperScope() int {
	id := os.Getenv(registry.EnvScopeID)
	switch id {
	case "crash-scope":
		return 3
	case "mute-scope":
		time.Sleep(time.Hour)
		return 0
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer stop()
	mw, err := rpc.New(rpc.Options{ServerName: id, EndpointDir: os.Getenv(helperDirEnv)})
	if err != nil {
		return 1
	}
	defer mw.Stop()
	if _, err := scope.Publish(mw, id, echoScope{}); err != nil {
		return 1
	}
	<-ctx.Done()
	return 0
}

type echoScope struct{}

func (echoScope) Search(query string, _ scope.SearchMetadata) (scope.Query, error) {
	return scope.QueryFunc(func(_ context.Context, reply scope.Reply) error {
		return reply.Push(scope.PushResult, variant.FromMap(variant.Map{"title": variant.String(query)}))
	}), nil
}

func (echoScope) Preview(variant.Map, scope.SearchMetadata) (scope.Query, error) {
	return scope.QueryFunc(func(context.Context, scope.Reply) error { return nil }), nil
}

func (echoScope) Activate(variant.Map, scope.SearchMetadata) (scope.Query, error) {
	return scope.QueryFunc(func(context.Context, scope.Reply) error { return nil }), nil
}

type fixture struct {
	dir string
	mw  *rpc.Middleware
	reg *registry.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := testsupport.SocketDir(t)
	mw := testsupport.NewMiddleware(t, "registry", dir)
	reg := registry.New(mw, registry.Options{
		LocateTimeout: 10 * time.Second,
		StopGrace:     time.Second,
	})
	t.Cleanup(func() { _ = reg.Close() })
	return &fixture{dir: dir, mw: mw, reg: reg}
}

// spawnable publishes the registry servant to probe socket support and
// arranges for spawned helpers to find the endpoint dir.
func (f *fixture) spawnable(t *testing.T) registry.Proxy {
	t.Helper()
	p := testsupport.PublishOrSkip(t, f.mw, rpc.MainAdapter, registry.Identity, registry.NewServant(f.reg))
	t.Setenv(helperEnv, "1")
	t.Setenv(helperDirEnv, f.dir)
	return registry.Proxy{Proxy: p}
}

func (f *fixture) addHelperScope(t *testing.T, id string) {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}
	ok, err := f.reg.AddLocalScope(id, metadataFor(id), &registry.ExecData{ExecutablePath: exe, ConfigFile: filepath.Join(f.dir, id+".toml")})
	if err != nil || !ok {
		t.Fatalf("AddLocalScope(%s) = %v, %v", id, ok, err)
	}
}

func metadataFor(id string) scope.Metadata {
	return scope.Metadata{
		ScopeID:     id,
		DisplayName: id + ".DisplayName",
		Description: id + ".Description",
		Author:      "Canonical Ltd.",
	}
}

func childCount(t *testing.T) int {
	t.Helper()
	self, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		t.Fatalf("process.NewProcess: %v", err)
	}
	children, err := self.Children()
	if err != nil {
		return 0
	}
	n := 0
	for _, c := range children {
		if running, err := c.IsRunning(); err == nil && running {
			n++
		}
	}
	return n
}

func TestAddGetRemove(t *testing.T) {
	f := newFixture(t)
	meta := metadataFor("scope-A")
	meta.Icon = scope.Opt("/icons/a.png")

	ok, err := f.reg.AddLocalScope("scope-A", meta, nil)
	if err != nil || !ok {
		t.Fatalf("AddLocalScope = %v, %v", ok, err)
	}
	got, err := f.reg.GetMetadata("scope-A")
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}
	meta.Proxy = got.Proxy
	if !got.Equal(meta) {
		t.Fatalf("metadata mismatch:\n got  %+v\n want %+v", got, meta)
	}
	if got.Proxy.Identity() != "scope-A" || got.Proxy.Endpoint() != f.mw.EndpointFor("scope-A") {
		t.Fatalf("unexpected default proxy %s", got.Proxy)
	}

	other := metadataFor("scope-A")
	other.DisplayName = "impostor"
	if ok, err := f.reg.AddLocalScope("scope-A", other, nil); err != nil || ok {
		t.Fatalf("duplicate add = %v, %v", ok, err)
	}
	if again, _ := f.reg.GetMetadata("scope-A"); again.DisplayName != meta.DisplayName {
		t.Fatalf("duplicate add replaced metadata")
	}

	if ok, err := f.reg.RemoveLocalScope("scope-A"); err != nil || !ok {
		t.Fatalf("RemoveLocalScope = %v, %v", ok, err)
	}
	if ok, err := f.reg.RemoveLocalScope("scope-A"); err != nil || ok {
		t.Fatalf("second RemoveLocalScope = %v, %v", ok, err)
	}
	_, err = f.reg.GetMetadata("scope-A")
	if !errors.Is(err, rpc.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err.Error() != "Registry::get_metadata(): no such scope (name = scope-A)" {
		t.Fatalf("unexpected message %q", err)
	}
}

func TestEmptyIDIsRejected(t *testing.T) {
	f := newFixture(t)
	if _, err := f.reg.GetMetadata(""); !errors.Is(err, rpc.ErrInvalidArgument) {
		t.Fatalf("GetMetadata: %v", err)
	}
	if _, err := f.reg.AddLocalScope("", metadataFor(""), nil); !errors.Is(err, rpc.ErrInvalidArgument) {
		t.Fatalf("AddLocalScope: %v", err)
	}
	if _, err := f.reg.RemoveLocalScope(""); !errors.Is(err, rpc.ErrInvalidArgument) {
		t.Fatalf("RemoveLocalScope: %v", err)
	}
	if _, err := f.reg.Locate(context.Background(), ""); !errors.Is(err, rpc.ErrInvalidArgument) {
		t.Fatalf("Locate: %v", err)
	}
	if _, err := f.reg.Locate(context.Background(), "nope"); !errors.Is(err, rpc.ErrNotFound) {
		t.Fatalf("Locate unknown: %v", err)
	}
}

func TestListIsSnapshot(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"scope-A", "scope-B"} {
		if _, err := f.reg.AddLocalScope(id, metadataFor(id), nil); err != nil {
			t.Fatalf("AddLocalScope: %v", err)
		}
	}
	snap := f.reg.List()
	if _, err := f.reg.AddLocalScope("scope-C", metadataFor("scope-C"), nil); err != nil {
		t.Fatalf("AddLocalScope: %v", err)
	}
	if _, err := f.reg.RemoveLocalScope("scope-A"); err != nil {
		t.Fatalf("RemoveLocalScope: %v", err)
	}
	if len(snap) != 2 {
		t.Fatalf("snapshot changed size to %d", len(snap))
	}
	if _, ok := snap["scope-A"]; !ok {
		t.Fatalf("snapshot lost scope-A")
	}
	if got := len(f.reg.List()); got != 2 {
		t.Fatalf("live list has %d entries", got)
	}
}

func TestDiscoveryEventsUpdateList(t *testing.T) {
	f := newFixture(t)
	install := t.TempDir()
	var descs []*scopesdir.Description
	for _, id := range []string{"scope-A", "scope-B", "scope-C"} {
		d, err := scopesdir.LoadDescription(testsupport.WriteScopeDescription(t, install, id, testsupport.ScopeDescription{Art: "art.png"}))
		if err != nil {
			t.Fatalf("LoadDescription: %v", err)
		}
		descs = append(descs, d)
	}
	if n := f.reg.AddDescriptions(descs[:2], "/usr/bin/scoperunner"); n != 2 {
		t.Fatalf("AddDescriptions added %d", n)
	}

	var listUpdates atomic.Int32
	f.reg.SetListUpdateCallback(func() { listUpdates.Add(1) })

	events := make(chan scopesdir.Event)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.reg.ConsumeEvents(ctx, events, "/usr/bin/scoperunner")
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	events <- scopesdir.Event{Kind: scopesdir.Added, ScopeID: "scope-C", Path: descs[2].Path, Description: descs[2]}
	waitFor(t, func() bool { return len(f.reg.List()) == 3 })
	meta, err := f.reg.GetMetadata("scope-C")
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}
	if meta.Art == nil || *meta.Art != filepath.Join(install, "scope-C", "art.png") {
		t.Fatalf("art not resolved: %v", meta.Art)
	}
	if meta.ScopeDirectory != filepath.Join(install, "scope-C") {
		t.Fatalf("scope directory %q", meta.ScopeDirectory)
	}

	events <- scopesdir.Event{Kind: scopesdir.Removed, ScopeID: "scope-C"}
	waitFor(t, func() bool { return len(f.reg.List()) == 2 })
	if _, err := f.reg.GetMetadata("scope-C"); !errors.Is(err, rpc.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after removal, got %v", err)
	}
	if got := listUpdates.Load(); got != 2 {
		t.Fatalf("list update callback fired %d times", got)
	}
}

func TestLocateSpawnsExactlyOnce(t *testing.T) {
	f := newFixture(t)
	f.spawnable(t)
	before := childCount(t)
	f.addHelperScope(t, "scope-B")

	var states []bool
	var statesMu sync.Mutex
	f.reg.SetScopeStateCallbackFor("scope-B", func(running bool) {
		statesMu.Lock()
		states = append(states, running)
		statesMu.Unlock()
	})
	if f.reg.IsScopeProcessRunning("scope-B") {
		t.Fatalf("scope running before locate")
	}

	const callers = 8
	proxies := make([]scope.ScopeProxy, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			proxies[i], errs[i] = f.reg.Locate(context.Background(), "scope-B")
		}()
	}
	wg.Wait()
	for i := range callers {
		if errs[i] != nil {
			t.Fatalf("Locate %d: %v", i, errs[i])
		}
		if !proxies[i].Equal(proxies[0].Proxy) {
			t.Fatalf("Locate %d returned %s, want %s", i, proxies[i], proxies[0])
		}
	}
	if got := childCount(t) - before; got != 1 {
		t.Fatalf("expected 1 spawned process, got %d", got)
	}
	if !f.reg.IsScopeProcessRunning("scope-B") {
		t.Fatalf("scope not reported running")
	}

	for range 20 {
		p, err := f.reg.Locate(context.Background(), "scope-B")
		if err != nil || !p.Equal(proxies[0].Proxy) {
			t.Fatalf("relocate = %s, %v", p, err)
		}
	}
	if got := childCount(t) - before; got != 1 {
		t.Fatalf("relocate spawned more processes: %d", got)
	}

	// the spawned scope answers queries
	rec := &finishRecorder{done: make(chan scope.Reason, 1)}
	if _, err := proxies[0].Search(context.Background(), "hello", scope.SearchMetadata{FormFactor: "desktop"}, rec); err != nil {
		t.Fatalf("Search: %v", err)
	}
	select {
	case reason := <-rec.done:
		if reason != scope.Finished || rec.count.Load() != 1 {
			t.Fatalf("search ended %s with %d results", reason, rec.count.Load())
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("search did not finish")
	}

	procs := f.reg.Processes(context.Background())
	if len(procs) != 1 || procs[0].ScopeID != "scope-B" || procs[0].PID == 0 {
		t.Fatalf("unexpected process list %+v", procs)
	}

	if err := f.reg.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := childCount(t) - before; got != 0 {
		t.Fatalf("%d scope processes survived Close", got)
	}
	statesMu.Lock()
	defer statesMu.Unlock()
	if len(states) == 0 || !states[0] {
		t.Fatalf("state callback did not report the start: %v", states)
	}
	if _, err := f.reg.Locate(context.Background(), "scope-B"); !errors.Is(err, registry.ErrClosed) {
		t.Fatalf("Locate after Close: %v", err)
	}
}

type finishRecorder struct {
	count atomic.Int32
	done  chan scope.Reason
}

func (r *finishRecorder) Push(variant.Map) error {
	r.count.Add(1)
	return nil
}

func (r *finishRecorder) Finished(reason scope.Reason, _ string) { r.done <- reason }

func TestLocateLaunchFailures(t *testing.T) {
	f := newFixture(t)
	f.spawnable(t)

	missing := registry.ExecData{ExecutablePath: filepath.Join(t.TempDir(), "no-such-runner")}
	if _, err := f.reg.AddLocalScope("missing-runner", metadataFor("missing-runner"), &missing); err != nil {
		t.Fatalf("AddLocalScope: %v", err)
	}
	_, err := f.reg.Locate(context.Background(), "missing-runner")
	if !errors.Is(err, rpc.ErrProcessLaunch) {
		t.Fatalf("expected ErrProcessLaunch, got %v", err)
	}

	f.addHelperScope(t, "crash-scope")
	start := time.Now()
	_, err = f.reg.Locate(context.Background(), "crash-scope")
	if !errors.Is(err, rpc.ErrProcessLaunch) {
		t.Fatalf("expected ErrProcessLaunch for crashing scope, got %v", err)
	}
	if time.Since(start) > 8*time.Second {
		t.Fatalf("crash was not detected before the locate timeout")
	}
	if f.reg.IsScopeProcessRunning("crash-scope") {
		t.Fatalf("crashed scope reported running")
	}

	// the registry remains usable
	f.addHelperScope(t, "scope-ok")
	if _, err := f.reg.Locate(context.Background(), "scope-ok"); err != nil {
		t.Fatalf("Locate after failures: %v", err)
	}
}

func TestLocateTimesOutOnMuteScope(t *testing.T) {
	dir := testsupport.SocketDir(t)
	mw := testsupport.NewMiddleware(t, "registry", dir)
	reg := registry.New(mw, registry.Options{LocateTimeout: 500 * time.Millisecond, StopGrace: 200 * time.Millisecond})
	t.Cleanup(func() { _ = reg.Close() })
	f := &fixture{dir: dir, mw: mw, reg: reg}
	f.spawnable(t)
	before := childCount(t)
	f.addHelperScope(t, "mute-scope")

	if _, err := reg.Locate(context.Background(), "mute-scope"); !errors.Is(err, rpc.ErrProcessLaunch) {
		t.Fatalf("expected ErrProcessLaunch, got %v", err)
	}
	if got := childCount(t) - before; got != 0 {
		t.Fatalf("unreachable scope left %d processes", got)
	}
}

func TestExitedScopeIsRespawned(t *testing.T) {
	f := newFixture(t)
	f.spawnable(t)
	f.addHelperScope(t, "scope-B")

	stopped := make(chan struct{}, 1)
	f.reg.SetScopeStateCallback(func(id string, running bool) {
		if id == "scope-B" && !running {
			stopped <- struct{}{}
		}
	})
	if _, err := f.reg.Locate(context.Background(), "scope-B"); err != nil {
		t.Fatalf("Locate: %v", err)
	}
	first := f.reg.Processes(context.Background())
	if len(first) != 1 {
		t.Fatalf("expected one process, got %+v", first)
	}
	if err := syscall.Kill(first[0].PID, syscall.SIGKILL); err != nil {
		t.Fatalf("kill: %v", err)
	}
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatalf("exit not reported")
	}
	if f.reg.IsScopeProcessRunning("scope-B") {
		t.Fatalf("killed scope reported running")
	}
	if _, err := f.reg.Locate(context.Background(), "scope-B"); err != nil {
		t.Fatalf("relocate: %v", err)
	}
	second := f.reg.Processes(context.Background())
	if len(second) != 1 || second[0].PID == first[0].PID {
		t.Fatalf("scope was not respawned: %+v", second)
	}
}

func TestRemoveRunningScopeStopsIt(t *testing.T) {
	f := newFixture(t)
	f.spawnable(t)
	before := childCount(t)
	f.addHelperScope(t, "scope-B")
	if _, err := f.reg.Locate(context.Background(), "scope-B"); err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if ok, err := f.reg.RemoveLocalScope("scope-B"); err != nil || !ok {
		t.Fatalf("RemoveLocalScope = %v, %v", ok, err)
	}
	if got := childCount(t) - before; got != 0 {
		t.Fatalf("removed scope still has %d processes", got)
	}
}

func TestRemoteRegistryServant(t *testing.T) {
	f := newFixture(t)
	proxy := f.spawnable(t)
	f.addHelperScope(t, "scope-B")
	ctx := context.Background()

	client := testsupport.NewMiddleware(t, "client", f.dir)
	remote := registry.Proxy{Proxy: client.CreateProxy(proxy.Identity(), proxy.Endpoint())}

	meta, err := remote.GetMetadata(ctx, "scope-B")
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}
	if meta.ScopeID != "scope-B" || meta.Author != "Canonical Ltd." {
		t.Fatalf("unexpected metadata %+v", meta)
	}
	list, err := remote.List(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("List = %v, %v", list, err)
	}
	if _, err := remote.GetMetadata(ctx, "fred"); !errors.Is(err, rpc.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := remote.GetMetadata(ctx, ""); !errors.Is(err, rpc.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if _, err := remote.Locate(ctx, "no_such_scope"); !errors.Is(err, rpc.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from locate, got %v", err)
	}
	running, err := remote.IsScopeRunning(ctx, "scope-B")
	if err != nil || running {
		t.Fatalf("IsScopeRunning before locate = %v, %v", running, err)
	}
	located, err := remote.Locate(ctx, "scope-B", rpc.WithTimeout(15*time.Second))
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if !located.Equal(meta.Proxy) {
		t.Fatalf("located %s, metadata proxy %s", located, meta.Proxy)
	}
	if running, err := remote.IsScopeRunning(ctx, "scope-B"); err != nil || !running {
		t.Fatalf("IsScopeRunning after locate = %v, %v", running, err)
	}
	procs, err := remote.Processes(ctx)
	if err != nil || len(procs) != 1 || procs[0].ScopeID != "scope-B" {
		t.Fatalf("Processes = %+v, %v", procs, err)
	}
}

func TestLocateDelegatesToRemoteRegistry(t *testing.T) {
	f := newFixture(t)
	upstream := f.spawnable(t)
	if _, err := f.reg.AddLocalScope("far-scope", metadataFor("far-scope"), nil); err != nil {
		t.Fatalf("AddLocalScope: %v", err)
	}

	local := testsupport.NewMiddleware(t, "local-registry", f.dir)
	reg := registry.New(local, registry.Options{})
	t.Cleanup(func() { _ = reg.Close() })
	reg.SetRemoteRegistry(registry.Proxy{Proxy: local.CreateProxy(upstream.Identity(), upstream.Endpoint())})

	p, err := reg.Locate(context.Background(), "far-scope")
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if p.Identity() != "far-scope" || p.Endpoint() != f.mw.EndpointFor("far-scope") {
		t.Fatalf("unexpected delegated proxy %s", p)
	}
	if reg.IsScopeProcessRunning("far-scope") {
		t.Fatalf("remote-only scope reported running")
	}
	if _, err := reg.Locate(context.Background(), "nowhere"); !errors.Is(err, rpc.ErrNotFound) {
		t.Fatalf("expected ErrNotFound passed through, got %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
