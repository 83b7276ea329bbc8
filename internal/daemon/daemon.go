package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"scopes/internal/config"
	"scopes/internal/logging"
	"scopes/internal/metrics"
	"scopes/internal/registry"
	"scopes/internal/rpc"
	"scopes/internal/scopesdir"
)

// ErrAlreadyRunning is returned by Start while another registry daemon holds
// the lock.
var ErrAlreadyRunning = errors.New("another scoperegistry instance is already running")

type Daemon struct {
	cfg        *config.Config
	configPath string
	logger     *slog.Logger
	metrics    *metrics.Registry

	lockPath string
	lock     *flock.Flock

	mu       sync.Mutex
	mw       *rpc.Middleware
	registry *registry.Registry
	watcher  *scopesdir.Watcher
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  time.Time
	running  atomic.Bool
}

// Status represents daemon runtime information.
type Status struct {
	Running       bool
	PID           int
	Started       time.Time
	LockFilePath  string
	Endpoint      string
	Scopes        int
	RunningScopes []string
}

// New constructs a daemon. configPath is handed to spawned scopes so they
// load the same runtime configuration; reg may be nil.
func New(cfg *config.Config, configPath string, logger *slog.Logger, reg *metrics.Registry) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("daemon requires config")
	}
	lockPath := cfg.LockPath()
	return &Daemon{
		cfg:        cfg,
		configPath: configPath,
		logger:     logging.NewComponentLogger(logger, "daemon"),
		metrics:    reg,
		lockPath:   lockPath,
		lock:       flock.New(lockPath),
	}, nil
}

// Start acquires the daemon lock, loads the installed scopes, and publishes
// the registry.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return ErrAlreadyRunning
	}

	if err := d.startLocked(ctx); err != nil {
		d.stopLocked()
		_ = d.lock.Unlock()
		return err
	}

	d.started = time.Now()
	d.running.Store(true)
	d.logger.Info("scope registry started",
		logging.String(logging.FieldEventType, "registry_started"),
		logging.String("lock", d.lockPath),
		logging.String("endpoint", d.mw.EndpointFor(d.cfg.Runtime.RegistryName)),
		logging.Int("scopes", len(d.registry.List())),
	)
	return nil
}

func (d *Daemon) startLocked(ctx context.Context) error {
	cfg := d.cfg
	mw, err := rpc.New(rpc.OptionsFromConfig(cfg, cfg.Runtime.RegistryName, d.logger, d.metrics))
	if err != nil {
		return fmt.Errorf("create middleware: %w", err)
	}
	d.mw = mw

	reg := registry.New(mw, registry.Options{
		LocateTimeout: cfg.LocateTimeout(),
		StopGrace:     cfg.StopGrace(),
		RuntimeConfig: d.configPath,
		Logger:        d.logger,
	})
	d.registry = reg
	if remote := cfg.Registry.RemoteRegistry; remote != "" {
		reg.SetRemoteRegistry(registry.Proxy{Proxy: mw.CreateProxy(registry.Identity, remote)})
	}
	reg.SetScopeStateCallback(func(scopeID string, running bool) {
		d.logger.Info("scope state changed", logging.String("scope", scopeID), logging.Bool("running", running))
	})

	runner := cfg.Registry.ScopeRunner
	if cfg.Registry.Watch {
		w, err := scopesdir.NewWatcher(cfg.Registry.ScopeInstallDirs, d.logger)
		if err != nil {
			return err
		}
		d.watcher = w
		reg.AddDescriptions(w.Snapshot(), runner)
		watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		d.cancel = cancel
		d.wg.Go(func() {
			reg.ConsumeEvents(watchCtx, w.Events(), runner)
		})
	} else {
		descs, errs := scopesdir.Scan(cfg.Registry.ScopeInstallDirs)
		for _, scanErr := range errs {
			logging.WarnWithContext(d.logger, "scope description skipped", "scope_description_invalid",
				logging.Error(scanErr),
				logging.String(logging.FieldErrorHint, "fix or remove the description file"),
				logging.String(logging.FieldImpact, "the scope is not available"),
			)
		}
		reg.AddDescriptions(descs, runner)
	}

	if _, err := registry.Publish(reg); err != nil {
		return fmt.Errorf("publish registry: %w", err)
	}
	return nil
}

// Stop terminates every scope process and releases the daemon lock.
func (d *Daemon) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running.Load() {
		return
	}
	d.stopLocked()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("scope registry stopped")
}

func (d *Daemon) stopLocked() {
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	if d.watcher != nil {
		_ = d.watcher.Close()
		d.watcher = nil
	}
	d.wg.Wait()
	if d.registry != nil {
		if err := d.registry.Close(); err != nil {
			d.logger.Warn("failed to stop scope processes", logging.Error(err))
		}
	}
	if d.mw != nil {
		d.mw.Stop()
	}
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	return nil
}

// Registry returns the registry served by a started daemon.
func (d *Daemon) Registry() *registry.Registry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.registry
}

// Status reports the daemon's runtime state.
func (d *Daemon) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	status := Status{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		LockFilePath: d.lockPath,
	}
	if !status.Running {
		return status
	}
	status.Started = d.started
	status.Endpoint = d.mw.EndpointFor(d.cfg.Runtime.RegistryName)
	status.Scopes = len(d.registry.List())
	status.RunningScopes = d.registry.RunningScopes()
	return status
}
