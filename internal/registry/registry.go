package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"scopes/internal/logging"
	"scopes/internal/rpc"
	"scopes/internal/scope"
)

// ExecData is the launch recipe for a local scope. It never leaves the
// registry process.
type ExecData struct {
	ScopeID        string
	ExecutablePath string
	ConfigFile     string
}

// ErrClosed is returned by operations on a closed registry.
var ErrClosed = errors.New("registry closed")

const (
	defaultLocateTimeout = 5 * time.Second
	defaultStopGrace     = 2 * time.Second
	readinessInterval    = 50 * time.Millisecond
	readinessPingTimeout = 250 * time.Millisecond
)

// Options configures a Registry.
type Options struct {
	// LocateTimeout bounds the wait for a spawned scope to become reachable.
	LocateTimeout time.Duration
	// StopGrace is how long a scope gets between SIGTERM and SIGKILL.
	StopGrace time.Duration
	// RuntimeConfig is handed to every scope process through the
	// environment.
	RuntimeConfig string
	Logger        *slog.Logger
}

// Registry maps scope ids to metadata and launch recipes, spawns scope
// processes on demand, and supervises them.
type Registry struct {
	mw     *rpc.Middleware
	opts   Options
	logger *slog.Logger

	// reapers and in-flight spawns
	wg sync.WaitGroup

	mu             sync.Mutex
	entries        map[string]*entry
	remote         Proxy
	stateCallback  func(scopeID string, running bool)
	scopeCallbacks map[string]func(running bool)
	listCallback   func()
	closed         bool
}

type entry struct {
	meta  scope.Metadata
	exec  *ExecData
	proc  *process
	spawn *spawnState
}

// spawnState is the "spawn in progress" marker. Concurrent locates wait on
// done and share the outcome.
type spawnState struct {
	done  chan struct{}
	proxy scope.ScopeProxy
	err   error
}

type stateChange struct {
	scopeID string
	running bool
}

// New returns an empty registry whose scope proxies are bound to mw.
func New(mw *rpc.Middleware, opts Options) *Registry {
	if opts.LocateTimeout <= 0 {
		opts.LocateTimeout = defaultLocateTimeout
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = defaultStopGrace
	}
	return &Registry{
		mw:             mw,
		opts:           opts,
		logger:         logging.NewComponentLogger(opts.Logger, "registry"),
		entries:        make(map[string]*entry),
		scopeCallbacks: make(map[string]func(bool)),
	}
}

// Middleware returns the middleware scope proxies are bound to.
func (r *Registry) Middleware() *rpc.Middleware { return r.mw }

// GetMetadata returns the metadata of scopeID.
func (r *Registry) GetMetadata(scopeID string) (scope.Metadata, error) {
	if scopeID == "" {
		return scope.Metadata{}, &rpc.ArgumentError{Op: "Registry::get_metadata()", Message: "Cannot search for scope with empty id"}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[scopeID]
	if !ok {
		return scope.Metadata{}, &rpc.NotFoundError{Op: "Registry::get_metadata()", Name: scopeID}
	}
	return e.meta.Clone(), nil
}

// List returns a snapshot of every known scope.
func (r *Registry) List() map[string]scope.Metadata {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]scope.Metadata, len(r.entries))
	for id, e := range r.entries {
		out[id] = e.meta.Clone()
	}
	return out
}

// IsScopeProcessRunning reports whether a spawned process for scopeID is
// alive. Remote-only scopes are never running.
func (r *Registry) IsScopeProcessRunning(scopeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[scopeID]
	return ok && e.proc != nil && e.proc.running()
}

// AddLocalScope records a scope. exec may be nil for a scope that is
// reachable without being spawned. It returns false if scopeID is already
// present.
func (r *Registry) AddLocalScope(scopeID string, meta scope.Metadata, exec *ExecData) (bool, error) {
	if scopeID == "" {
		return false, &rpc.ArgumentError{Op: "RegistryObject::add_local_scope()", Message: "Cannot add scope with empty id"}
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false, ErrClosed
	}
	if _, ok := r.entries[scopeID]; ok {
		r.mu.Unlock()
		return false, nil
	}
	meta = meta.Clone()
	meta.ScopeID = scopeID
	if meta.Proxy.IsNull() {
		meta.Proxy = r.mw.CreateProxy(scopeID, r.mw.EndpointFor(scopeID))
	}
	e := &entry{meta: meta}
	if exec != nil {
		data := *exec
		data.ScopeID = scopeID
		e.exec = &data
	}
	r.entries[scopeID] = e
	known := len(r.entries)
	r.mu.Unlock()

	r.mw.Metrics().SetKnown(known)
	r.logger.Info("scope added", logging.String("scope", scopeID), logging.Bool("local_exec", exec != nil))
	r.notify(nil, true)
	return true, nil
}

// RemoveLocalScope forgets scopeID and terminates its process if one is
// running. It returns false if scopeID is unknown.
func (r *Registry) RemoveLocalScope(scopeID string) (bool, error) {
	if scopeID == "" {
		return false, &rpc.ArgumentError{Op: "RegistryObject::remove_local_scope()", Message: "Cannot remove scope with empty id"}
	}
	r.mu.Lock()
	e, ok := r.entries[scopeID]
	if !ok {
		r.mu.Unlock()
		return false, nil
	}
	delete(r.entries, scopeID)
	proc := e.proc
	e.proc = nil
	known := len(r.entries)
	r.mu.Unlock()

	r.mw.Metrics().SetKnown(known)
	var changes []stateChange
	if proc != nil {
		if err := proc.terminate(r.opts.StopGrace); err != nil {
			logging.WarnWithContext(r.logger, "failed to stop removed scope", "scope_stop_failed",
				logging.String("scope", scopeID),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "the scope process may need to be killed manually"),
			)
		}
		changes = append(changes, stateChange{scopeID: scopeID, running: false})
		r.updateRunningGauge()
	}
	r.logger.Info("scope removed", logging.String("scope", scopeID))
	r.notify(changes, true)
	return true, nil
}

// SetRemoteRegistry configures where locates of unknown ids are forwarded.
func (r *Registry) SetRemoteRegistry(remote Proxy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remote = remote
}

// SetScopeStateCallback registers fn for running-state changes of any
// scope. A nil fn clears it.
func (r *Registry) SetScopeStateCallback(fn func(scopeID string, running bool)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stateCallback = fn
}

// SetScopeStateCallbackFor registers fn for running-state changes of
// scopeID only. A nil fn clears it.
func (r *Registry) SetScopeStateCallbackFor(scopeID string, fn func(running bool)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fn == nil {
		delete(r.scopeCallbacks, scopeID)
		return
	}
	r.scopeCallbacks[scopeID] = fn
}

// SetListUpdateCallback registers fn for changes to the set of known scopes.
func (r *Registry) SetListUpdateCallback(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listCallback = fn
}

// notify invokes callbacks with no lock held.
func (r *Registry) notify(changes []stateChange, listChanged bool) {
	r.mu.Lock()
	global := r.stateCallback
	perScope := make(map[string]func(bool), len(changes))
	for _, c := range changes {
		if fn, ok := r.scopeCallbacks[c.scopeID]; ok {
			perScope[c.scopeID] = fn
		}
	}
	list := r.listCallback
	r.mu.Unlock()

	for _, c := range changes {
		if global != nil {
			global(c.scopeID, c.running)
		}
		if fn := perScope[c.scopeID]; fn != nil {
			fn(c.running)
		}
	}
	if listChanged && list != nil {
		list()
	}
}

// Locate returns a proxy to scopeID, spawning its process first when the
// scope is local and not running. Concurrent locates of the same scope share
// one spawn.
func (r *Registry) Locate(ctx context.Context, scopeID string) (scope.ScopeProxy, error) {
	if scopeID == "" {
		return scope.ScopeProxy{}, &rpc.ArgumentError{Op: "Registry::locate()", Message: "Cannot locate scope with empty id"}
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return scope.ScopeProxy{}, ErrClosed
	}
	e, ok := r.entries[scopeID]
	if !ok || e.exec == nil {
		remote := r.remote
		r.mu.Unlock()
		if !remote.IsNull() {
			return remote.Locate(ctx, scopeID)
		}
		if !ok {
			return scope.ScopeProxy{}, &rpc.NotFoundError{Op: "Registry::locate()", Name: scopeID}
		}
		return scope.ScopeProxy{Proxy: e.meta.Proxy}, nil
	}
	if e.proc != nil && e.proc.running() {
		proxy := e.meta.Proxy
		r.mu.Unlock()
		return scope.ScopeProxy{Proxy: proxy}, nil
	}
	s := e.spawn
	if s == nil {
		s = &spawnState{done: make(chan struct{})}
		e.spawn = s
		r.wg.Add(1)
		go r.runSpawn(scopeID, e, s)
	}
	r.mu.Unlock()

	select {
	case <-s.done:
		return s.proxy, s.err
	case <-ctx.Done():
		return scope.ScopeProxy{}, ctx.Err()
	}
}

// runSpawn starts the process for e and waits until it answers pings. It
// runs detached from any caller so one caller giving up does not fail the
// others waiting on s.
func (r *Registry) runSpawn(scopeID string, e *entry, s *spawnState) {
	defer r.wg.Done()
	defer close(s.done)

	logger := r.logger.With(logging.String("scope", scopeID))
	proxy := e.meta.Proxy
	proc, err := r.spawn(logger, *e.exec, proxy)
	r.mw.Metrics().ObserveSpawn(err == nil)

	r.mu.Lock()
	e.spawn = nil
	current, stillKnown := r.entries[scopeID]
	if err == nil && (r.closed || !stillKnown || current != e) {
		r.mu.Unlock()
		_ = proc.terminate(r.opts.StopGrace)
		if r.closed {
			s.err = ErrClosed
		} else {
			s.err = &rpc.NotFoundError{Op: "Registry::locate()", Name: scopeID}
		}
		return
	}
	if err != nil {
		r.mu.Unlock()
		s.err = err
		logging.WarnWithContext(logger, "scope failed to start", "scope_launch_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the scope runner path and the scope's config file"),
			logging.String(logging.FieldImpact, "queries to this scope fail until it can be started"),
		)
		return
	}
	e.proc = proc
	r.mu.Unlock()

	s.proxy = scope.ScopeProxy{Proxy: proxy}
	r.wg.Add(1)
	go r.reap(scopeID, proc)
	r.updateRunningGauge()
	logger.Info("scope started", logging.Int("pid", proc.pid))
	r.notify([]stateChange{{scopeID: scopeID, running: true}}, false)
}

func (r *Registry) spawn(logger *slog.Logger, data ExecData, proxy rpc.Proxy) (*process, error) {
	env := []string{EnvScopeID + "=" + data.ScopeID}
	if r.opts.RuntimeConfig != "" {
		env = append(env, EnvRuntimeConfig+"="+r.opts.RuntimeConfig)
	}
	logger.Debug("starting scope process",
		logging.String("executable", data.ExecutablePath),
		logging.String("config_file", data.ConfigFile))
	proc, err := startProcess(data, env)
	if err != nil {
		return nil, launchError(data.ScopeID, err)
	}
	if err := r.waitReachable(proc, proxy); err != nil {
		_ = proc.terminate(r.opts.StopGrace)
		return nil, launchError(data.ScopeID, err)
	}
	return proc, nil
}

// waitReachable pings proxy until it answers, the child exits, or the
// locate timeout elapses.
func (r *Registry) waitReachable(proc *process, proxy rpc.Proxy) error {
	ctx, cancel := context.WithTimeout(r.mw.Context(), r.opts.LocateTimeout)
	defer cancel()
	ticker := time.NewTicker(readinessInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		err := proxy.Ping(ctx, rpc.WithTimeout(readinessPingTimeout))
		if err == nil {
			return nil
		}
		lastErr = err
		select {
		case <-proc.exited:
			return fmt.Errorf("process exited before becoming reachable (%s)", proc.exitStatus())
		case <-ctx.Done():
			if lastErr == nil {
				lastErr = ctx.Err()
			}
			return fmt.Errorf("not reachable after %s: %w", r.opts.LocateTimeout, lastErr)
		case <-ticker.C:
		}
	}
}

// reap clears the running state once proc exits.
func (r *Registry) reap(scopeID string, proc *process) {
	defer r.wg.Done()
	<-proc.exited

	r.mu.Lock()
	e, ok := r.entries[scopeID]
	cleared := ok && e.proc == proc
	if cleared {
		e.proc = nil
	}
	closed := r.closed
	r.mu.Unlock()
	if !cleared {
		return
	}
	r.updateRunningGauge()
	if !closed {
		logging.WarnWithContext(r.logger, "scope process exited", "scope_exited",
			logging.String("scope", scopeID),
			logging.Int("pid", proc.pid),
			logging.String("status", proc.exitStatus()),
			logging.String(logging.FieldImpact, "the next locate restarts the scope"),
		)
	}
	r.notify([]stateChange{{scopeID: scopeID, running: false}}, false)
}

func (r *Registry) updateRunningGauge() {
	r.mu.Lock()
	n := 0
	for _, e := range r.entries {
		if e.proc != nil && e.proc.running() {
			n++
		}
	}
	r.mu.Unlock()
	r.mw.Metrics().SetRunning(n)
}

// RunningScopes returns the ids of scopes with a live process, sorted.
func (r *Registry) RunningScopes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, e := range r.entries {
		if e.proc != nil && e.proc.running() {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// Close terminates every spawned scope process and waits for all of them,
// including spawns still in progress.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	procs := make(map[string]*process)
	for id, e := range r.entries {
		if e.proc != nil {
			procs[id] = e.proc
		}
	}
	r.mu.Unlock()

	var g errgroup.Group
	for _, id := range slices.Sorted(maps.Keys(procs)) {
		proc := procs[id]
		g.Go(func() error {
			return proc.terminate(r.opts.StopGrace)
		})
	}
	err := g.Wait()
	r.wg.Wait()
	r.mw.Metrics().SetRunning(0)
	if err != nil {
		return fmt.Errorf("stop scope processes: %w", err)
	}
	r.logger.Info("registry closed", logging.Int("stopped", len(procs)))
	return nil
}

func launchError(scopeID string, err error) error {
	return &LaunchError{ScopeID: scopeID, Err: err}
}

// LaunchError reports a scope process that could not be started or did not
// become reachable.
type LaunchError struct {
	ScopeID string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("Couldn't start %s: %v", e.ScopeID, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

func (e *LaunchError) Is(target error) bool { return target == rpc.ErrProcessLaunch }
