package daemonrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"scopes/internal/config"
	"scopes/internal/daemon"
	"scopes/internal/logging"
	"scopes/internal/metrics"
	"scopes/internal/preflight"
)

const (
	logPrefix       = "scoperegistry"
	shutdownTimeout = 5 * time.Second
)

// Options configures registry process runtime behavior.
type Options struct {
	// ConfigPath is forwarded to spawned scopes.
	ConfigPath  string
	// LogLevel overrides the configured level when set.
	LogLevel    string
	Development bool
	// Diagnostic adds a debug-level JSON log under log_dir/debug.
	Diagnostic  bool
	// Ready, when set, is called once the registry is published.
	Ready       func(*daemon.Daemon)
}

// Run starts the scope registry and serves until cmdCtx ends or the process
// receives SIGINT or SIGTERM.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runID := time.Now().UTC().Format("20060102T150405.000Z")
	logDir := cfg.Runtime.LogDir
	logPath := filepath.Join(logDir, fmt.Sprintf("%s-%s.log", logPrefix, runID))
	sessionID := uuid.NewString()

	level := opts.LogLevel
	if level == "" {
		level = cfg.Logging.Level
	}
	logger, err := logging.New(logging.Options{
		Level:       level,
		Format:      cfg.Logging.Format,
		OutputPaths: []string{"stdout", logPath},
		Development: opts.Development,
		SessionID:   sessionID,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	debugDir := filepath.Join(logDir, "debug")
	var debugLogPath string
	if opts.Diagnostic {
		debugLogPath = filepath.Join(debugDir, fmt.Sprintf("%s-%s.log", logPrefix, runID))
		debugLogger, debugErr := logging.New(logging.Options{
			Level:       "debug",
			Format:      "json",
			OutputPaths: []string{debugLogPath},
			Development: true,
			SessionID:   sessionID,
		})
		if debugErr != nil {
			fmt.Fprintf(os.Stderr, "warn: unable to initialize debug logger: %v\n", debugErr)
		} else {
			logger = logging.TeeLogger(logger, debugLogger.Handler())
			if err := ensureCurrentLogPointer(debugDir, debugLogPath); err != nil {
				fmt.Fprintf(os.Stderr, "warn: unable to update debug/%s.log link: %v\n", logPrefix, err)
			}
		}
		logger.Info("diagnostic mode enabled",
			logging.String(logging.FieldEventType, "diagnostic_mode_enabled"),
			logging.String("debug_log_path", debugLogPath),
		)
	}

	if err := ensureCurrentLogPointer(logDir, logPath); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to update %s.log link: %v\n", logPrefix, err)
	}
	logging.CleanupOldLogs(logger, cfg.Logging.RetentionDays,
		logging.RetentionTarget{Dir: logDir, Pattern: logPrefix + "-*.log", Exclude: []string{logPath}},
		logging.RetentionTarget{Dir: debugDir, Pattern: logPrefix + "-*.log", Exclude: []string{debugLogPath}},
		logging.RetentionTarget{Dir: logDir, Pattern: "scope-*.log"},
	)
	logDependencySnapshot(logger, cfg)

	pidPath := cfg.PIDPath()
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	var reg *metrics.Registry
	if cfg.Metrics.Enabled {
		reg = metrics.New()
	}

	d, err := daemon.New(cfg, opts.ConfigPath, logger, reg)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	if err := d.Start(signalCtx); err != nil {
		logging.ErrorWithContext(logger, "scope registry start failed", "registry_start_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check endpoint_dir permissions and whether another registry is running"),
		)
		return err
	}
	defer d.Close()

	group, groupCtx := errgroup.WithContext(signalCtx)
	if reg != nil {
		if err := serveMetrics(groupCtx, group, cfg.Metrics.Bind, reg, logger); err != nil {
			return err
		}
	}
	if opts.Ready != nil {
		opts.Ready(d)
	}

	group.Go(func() error {
		<-groupCtx.Done()
		return nil
	})
	err = group.Wait()
	logger.Info("scope registry shutting down", logging.String(logging.FieldEventType, "registry_shutdown"))
	return err
}

// serveMetrics binds the metrics listener before returning so a bad address
// fails startup.
func serveMetrics(ctx context.Context, group *errgroup.Group, bind string, reg *metrics.Registry, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return fmt.Errorf("listen metrics on %s: %w", bind, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", reg.Handler())
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	logger.Info("metrics endpoint listening",
		logging.String(logging.FieldEventType, "metrics_listening"),
		logging.String("address", ln.Addr().String()),
	)
	group.Go(func() error {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return nil
}

func ensureCurrentLogPointer(logDir, target string) error {
	if logDir == "" || target == "" {
		return nil
	}
	current := filepath.Join(logDir, logPrefix+".log")
	if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing log pointer: %w", err)
	}
	if err := os.Symlink(target, current); err == nil {
		return nil
	}
	if err := os.Link(target, current); err != nil {
		return fmt.Errorf("link log pointer: %w", err)
	}
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

func logDependencySnapshot(logger *slog.Logger, cfg *config.Config) {
	results := preflight.RunAll(cfg)
	failures := preflight.Failures(results)
	present := 0
	for _, r := range results {
		if r.Name == "Install directory" && r.Passed {
			present++
		}
	}
	logger.Info("dependency snapshot",
		logging.String(logging.FieldEventType, "dependency_snapshot"),
		logging.String("scoperunner", cfg.Registry.ScopeRunner),
		logging.Int("install_dirs", len(cfg.Registry.ScopeInstallDirs)),
		logging.Int("install_dirs_present", present),
		logging.Int("checks", len(results)),
		logging.Int("checks_failed", len(failures)),
		logging.Bool("remote_registry", cfg.Registry.RemoteRegistry != ""),
		logging.Bool("metrics_enabled", cfg.Metrics.Enabled),
	)
	for _, r := range failures {
		logging.WarnWithContext(logger, "preflight check failed", "preflight_failed",
			logging.String("check", r.Name),
			logging.String("detail", r.Detail),
			logging.String(logging.FieldErrorHint, "fix the path or executable named in detail"),
			logging.String(logging.FieldImpact, "scopes depending on it cannot be launched"),
		)
	}
}
