package runner_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"scopes/internal/rpc"
	"scopes/internal/runner"
	"scopes/internal/scope"
	"scopes/internal/scopesdir"
	"scopes/internal/testsupport"
	"scopes/internal/variant"
)

type collector struct {
	mu         sync.Mutex
	categories []variant.Map
	results    []variant.Map
	previews   []variant.Value
	actions    []variant.Map
	reason     scope.Reason
	message    string
	done       chan struct{}
}

func newCollector() *collector {
	return &collector{done: make(chan struct{})}
}

func (c *collector) Push(result variant.Map) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, result)
	return nil
}

func (c *collector) PushCategory(category variant.Map) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.categories = append(c.categories, category)
	return nil
}

func (c *collector) PushPreview(widgets variant.Value) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.previews = append(c.previews, widgets)
	return nil
}

func (c *collector) Activated(response variant.Map) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.actions = append(c.actions, response)
	return nil
}

func (c *collector) Finished(reason scope.Reason, message string) {
	c.mu.Lock()
	c.reason, c.message = reason, message
	c.mu.Unlock()
	close(c.done)
}

func (c *collector) wait(t *testing.T) (scope.Reason, string) {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for finished")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason, c.message
}

func (c *collector) uris(t *testing.T) []string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.results))
	for _, r := range c.results {
		uri, err := r.String("uri")
		if err != nil {
			t.Fatalf("result without uri: %v", r)
		}
		out = append(out, uri)
	}
	return out
}

func loadScope(t *testing.T, desc testsupport.ScopeDescription, script string) *scopesdir.Description {
	t.Helper()
	root := t.TempDir()
	if script != "" {
		testsupport.WriteExecutable(t, filepath.Join(root, "demo", "search.sh"), script)
		desc.Command = []string{"./search.sh"}
	}
	path := testsupport.WriteScopeDescription(t, root, "demo", desc)
	d, err := scopesdir.LoadDescription(path)
	if err != nil {
		t.Fatalf("LoadDescription: %v", err)
	}
	return d
}

func serve(t *testing.T, d *scopesdir.Description) scope.ScopeProxy {
	t.Helper()
	dir := testsupport.SocketDir(t)
	server := testsupport.NewMiddleware(t, "scoped", dir)
	client := testsupport.NewMiddleware(t, "client", dir)
	published := testsupport.PublishOrSkip(t, server, rpc.MainAdapter, d.ScopeID,
		scope.NewServant(runner.NewExecScope(d, nil), nil))
	return scope.ScopeProxy{Proxy: client.CreateProxy(published.Identity(), published.Endpoint())}
}

func search(t *testing.T, proxy scope.ScopeProxy, query string, cardinality int) (*collector, scope.QueryCtrlProxy) {
	t.Helper()
	hints, err := scope.NewSearchMetadata("en_US", "desktop")
	if err != nil {
		t.Fatalf("NewSearchMetadata: %v", err)
	}
	hints.Cardinality = cardinality
	c := newCollector()
	ctrl, err := proxy.Search(context.Background(), query, hints, c)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	return c, ctrl
}

func TestEchoScopeReturnsQuery(t *testing.T) {
	proxy := serve(t, loadScope(t, testsupport.ScopeDescription{DisplayName: "Echo"}, ""))

	c, _ := search(t, proxy, "hello world", 0)
	if reason, msg := c.wait(t); reason != scope.Finished {
		t.Fatalf("reason %s (%s), want finished", reason, msg)
	}
	if got := c.uris(t); len(got) != 1 || got[0] != "hello world" {
		t.Fatalf("unexpected results %v", got)
	}
	if len(c.categories) != 1 {
		t.Fatalf("expected one category, got %d", len(c.categories))
	}
	if title, _ := c.categories[0].String("title"); title != "Echo" {
		t.Fatalf("category title %q", title)
	}
}

func TestCommandScopeStreamsResultsInOrder(t *testing.T) {
	d := loadScope(t, testsupport.ScopeDescription{}, `
printf 'file:///%s-1\tFirst\n' "$1"
printf '\n'
printf 'file:///%s-2\tSecond\t/art/2.png\n' "$1"
printf 'file:///%s-3\n' "$1"
`)
	proxy := serve(t, d)

	c, _ := search(t, proxy, "q", 0)
	if reason, msg := c.wait(t); reason != scope.Finished {
		t.Fatalf("reason %s (%s), want finished", reason, msg)
	}
	want := []string{"file:///q-1", "file:///q-2", "file:///q-3"}
	got := c.uris(t)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("results %v, want %v", got, want)
	}
	if title, _ := c.results[0].String("title"); title != "First" {
		t.Fatalf("title %q", title)
	}
	if art, _ := c.results[1].OptString("art"); art != "/art/2.png" {
		t.Fatalf("art %q", art)
	}
	if title, _ := c.results[2].String("title"); title != "file:///q-3" {
		t.Fatalf("bare uri should double as title, got %q", title)
	}
}

func TestCommandScopeHonoursCardinality(t *testing.T) {
	d := loadScope(t, testsupport.ScopeDescription{}, `
i=0
while [ $i -lt 1000 ]; do echo "item-$i"; i=$((i+1)); done
`)
	proxy := serve(t, d)

	c, _ := search(t, proxy, "q", 3)
	if reason, msg := c.wait(t); reason != scope.Finished {
		t.Fatalf("reason %s (%s), want finished", reason, msg)
	}
	if got := c.uris(t); len(got) != 3 || got[2] != "item-2" {
		t.Fatalf("cardinality not applied: %v", got)
	}
}

func TestCommandScopeCancelKillsCommand(t *testing.T) {
	d := loadScope(t, testsupport.ScopeDescription{}, `
echo $$ > pid
echo first
exec sleep 30
`)
	proxy := serve(t, d)

	c, ctrl := search(t, proxy, "q", 0)
	pidFile := filepath.Join(d.Directory, "pid")
	var pid int
	deadline := time.Now().Add(5 * time.Second)
	for pid == 0 && time.Now().Before(deadline) {
		if data, err := os.ReadFile(pidFile); err == nil {
			pid, _ = strconv.Atoi(strings.TrimSpace(string(data)))
		}
		time.Sleep(20 * time.Millisecond)
	}
	if pid == 0 {
		t.Fatalf("search command never started")
	}

	if err := ctrl.Cancel(context.Background()); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if reason, _ := c.wait(t); reason != scope.Cancelled {
		t.Fatalf("reason %s, want cancelled", reason)
	}
	deadline = time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if err := unix.Kill(pid, 0); errors.Is(err, unix.ESRCH) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("search command %d still running after cancel", pid)
}

func TestCommandScopeFailureReportsStderr(t *testing.T) {
	d := loadScope(t, testsupport.ScopeDescription{}, `
echo partial
echo "backend unavailable" >&2
exit 2
`)
	proxy := serve(t, d)

	c, _ := search(t, proxy, "q", 0)
	reason, msg := c.wait(t)
	if reason != scope.Error {
		t.Fatalf("reason %s, want error", reason)
	}
	if !strings.Contains(msg, "backend unavailable") {
		t.Fatalf("message should carry stderr: %q", msg)
	}
	if got := c.uris(t); len(got) != 1 {
		t.Fatalf("results before the failure should still arrive: %v", got)
	}
}

func TestCommandScopeAcceptsLongLines(t *testing.T) {
	d := loadScope(t, testsupport.ScopeDescription{}, `
printf 'file:///'
head -c 100000 /dev/zero | tr '\0' a
printf '\tLong\n'
echo file:///short
`)
	proxy := serve(t, d)

	c, _ := search(t, proxy, "q", 0)
	if reason, msg := c.wait(t); reason != scope.Finished {
		t.Fatalf("reason %s (%s), want finished", reason, msg)
	}
	got := c.uris(t)
	if len(got) != 2 || len(got[0]) != len("file:///")+100000 || got[1] != "file:///short" {
		t.Fatalf("unexpected results: %d results", len(got))
	}
}

func TestCommandScopeOversizedLineFailsQuery(t *testing.T) {
	d := loadScope(t, testsupport.ScopeDescription{}, `
echo file:///first
head -c 2000000 /dev/zero | tr '\0' a
echo
i=0
while [ $i -lt 20000 ]; do echo "item-$i"; i=$((i+1)); done
`)
	proxy := serve(t, d)

	c, _ := search(t, proxy, "q", 0)
	reason, msg := c.wait(t)
	if reason != scope.Error || !strings.Contains(msg, "too long") {
		t.Fatalf("got %s %q, want an output error", reason, msg)
	}
	if got := c.uris(t); len(got) != 1 || got[0] != "file:///first" {
		t.Fatalf("results before the long line should still arrive: %v", got)
	}
}

func TestCommandScopeTimeout(t *testing.T) {
	d := loadScope(t, testsupport.ScopeDescription{QueryTimeout: "200ms"}, "exec sleep 30")
	proxy := serve(t, d)

	c, _ := search(t, proxy, "q", 0)
	reason, msg := c.wait(t)
	if reason != scope.Error || !strings.Contains(msg, "timed out") {
		t.Fatalf("got %s %q, want a timeout error", reason, msg)
	}
}

func TestPreviewAndActivate(t *testing.T) {
	proxy := serve(t, loadScope(t, testsupport.ScopeDescription{}, ""))
	hints, err := scope.NewSearchMetadata("C", "phone")
	if err != nil {
		t.Fatalf("NewSearchMetadata: %v", err)
	}
	result := variant.Map{
		"uri":   variant.String("file:///a"),
		"title": variant.String("A"),
		"art":   variant.String("/art/a.png"),
	}

	p := newCollector()
	if _, err := proxy.Preview(context.Background(), result, hints, p); err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if reason, msg := p.wait(t); reason != scope.Finished {
		t.Fatalf("preview reason %s (%s)", reason, msg)
	}
	if len(p.previews) != 1 {
		t.Fatalf("expected one preview push, got %d", len(p.previews))
	}
	widgets, err := p.previews[0].AsSeq()
	if err != nil || len(widgets) != 2 {
		t.Fatalf("expected header and image widgets, got %v (%v)", p.previews[0], err)
	}

	a := newCollector()
	if _, err := proxy.Activate(context.Background(), result, hints, a); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if reason, msg := a.wait(t); reason != scope.Finished {
		t.Fatalf("activate reason %s (%s)", reason, msg)
	}
	if status, _ := a.actions[0].String("status"); status != runner.ActivationNotHandled {
		t.Fatalf("activation status %q", status)
	}

	bad := newCollector()
	if _, err := proxy.Preview(context.Background(), variant.Map{}, hints, bad); err == nil {
		t.Fatalf("expected preview without uri to fail")
	}
}

func TestRunPublishesScopeUntilCancelled(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	path := testsupport.WriteScopeDescription(t, testsupport.InstallDir(cfg), "scope-A", testsupport.ScopeDescription{})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- runner.Run(ctx, cfg, runner.Options{DescriptionPath: path}, nil)
	}()

	client := testsupport.NewMiddleware(t, "client", cfg.Runtime.EndpointDir)
	proxy := scope.ScopeProxy{Proxy: client.CreateProxy("scope-A", client.EndpointFor("scope-A"))}
	deadline := time.Now().Add(5 * time.Second)
	for {
		err := proxy.Ping(context.Background())
		if err == nil {
			break
		}
		select {
		case runErr := <-errc:
			if runErr != nil && strings.Contains(runErr.Error(), "operation not permitted") {
				t.Skipf("skipping socket test: %v", runErr)
			}
			t.Fatalf("Run exited early: %v", runErr)
		default:
		}
		if time.Now().After(deadline) {
			t.Fatalf("scope never became reachable: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	c, _ := search(t, proxy, "ping", 0)
	if reason, _ := c.wait(t); reason != scope.Finished {
		t.Fatalf("reason %s", reason)
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}

func TestRunRejectsInvalidDescription(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	err := runner.Run(context.Background(), cfg, runner.Options{DescriptionPath: filepath.Join(t.TempDir(), "missing.toml")}, nil)
	if err == nil || !strings.Contains(err.Error(), "load scope description") {
		t.Fatalf("expected description error, got %v", err)
	}
}
