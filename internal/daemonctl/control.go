package daemonctl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"scopes/internal/config"
	"scopes/internal/registry"
	"scopes/internal/rpc"
	"scopes/internal/scope"
)

// ErrDaemonNotRunning indicates no registry process answers for the config.
var ErrDaemonNotRunning = errors.New("scope registry not running")

const pollInterval = 100 * time.Millisecond

// Client is a short-lived middleware bound to the configured registry.
type Client struct {
	mw       *rpc.Middleware
	Registry registry.Proxy
}

// Dial creates a client middleware for cfg. It does not contact the registry.
func Dial(cfg *config.Config, logger *slog.Logger) (*Client, error) {
	mw, err := rpc.NewClient(rpc.OptionsFromConfig(cfg, "", logger, nil))
	if err != nil {
		return nil, fmt.Errorf("create client middleware: %w", err)
	}
	endpoint := mw.EndpointFor(cfg.Runtime.RegistryName)
	return &Client{mw: mw, Registry: registry.Proxy{Proxy: mw.CreateProxy(registry.Identity, endpoint)}}, nil
}

func (c *Client) Middleware() *rpc.Middleware { return c.mw }

func (c *Client) Close() { c.mw.Stop() }

// Alive pings the registry with a short deadline.
func (c *Client) Alive(ctx context.Context) bool {
	return c.Registry.Ping(ctx, rpc.WithTimeout(500*time.Millisecond)) == nil
}

// LaunchOptions controls registry process launch behavior.
type LaunchOptions struct {
	ConfigPath string
	LogLevel   string
	Diagnostic bool
}

type StartState string

const (
	StartStateStarted        StartState = "started"
	StartStateAlreadyRunning StartState = "already_running"
)

// StartResult captures registry start orchestration state.
type StartResult struct {
	State    StartState
	Launched bool
	PID      int
}

// Launch starts a detached scoperegistry process. Its output goes to the
// log files it manages itself.
func Launch(executablePath string, opts LaunchOptions) (int, error) {
	if strings.TrimSpace(executablePath) == "" {
		return 0, fmt.Errorf("resolve executable: executable path is empty")
	}
	var args []string
	if opts.ConfigPath != "" {
		args = append(args, "--config", opts.ConfigPath)
	}
	if opts.LogLevel != "" {
		args = append(args, "--log-level", opts.LogLevel)
	}
	if opts.Diagnostic {
		args = append(args, "--diagnostic")
	}

	proc := exec.Command(executablePath, args...)
	proc.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := proc.Start(); err != nil {
		return 0, fmt.Errorf("launch scoperegistry: %w", err)
	}
	pid := proc.Process.Pid
	go func() { _ = proc.Wait() }()
	return pid, nil
}

// WaitForRegistry polls until the registry answers or timeout elapses.
func WaitForRegistry(ctx context.Context, client *Client, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var lastErr error
	for {
		if lastErr = client.Registry.Ping(ctx, rpc.WithTimeout(500*time.Millisecond)); lastErr == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("scope registry failed to start: %w", lastErr)
		case <-time.After(pollInterval):
		}
	}
}

// EnsureStarted launches the registry unless one already answers.
func EnsureStarted(ctx context.Context, cfg *config.Config, executablePath string, opts LaunchOptions, waitTimeout time.Duration) (StartResult, error) {
	client, err := Dial(cfg, nil)
	if err != nil {
		return StartResult{}, err
	}
	defer client.Close()

	if client.Alive(ctx) {
		pid, _ := ReadPID(cfg.PIDPath())
		return StartResult{State: StartStateAlreadyRunning, PID: pid}, nil
	}
	pid, err := Launch(executablePath, opts)
	if err != nil {
		return StartResult{}, err
	}
	if err := WaitForRegistry(ctx, client, waitTimeout); err != nil {
		return StartResult{}, err
	}
	return StartResult{State: StartStateStarted, Launched: true, PID: pid}, nil
}

// ReadPID parses the pid file written by a running registry.
func ReadPID(pidPath string) (int, error) {
	data, err := os.ReadFile(pidPath)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid file %q", pidPath)
	}
	return pid, nil
}

// ProcessInfo reports whether the process named by the pid file is alive.
func ProcessInfo(ctx context.Context, pidPath string) (bool, int, error) {
	pid, err := ReadPID(pidPath)
	if errors.Is(err, os.ErrNotExist) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, err
	}
	return pidAlive(ctx, pid), pid, nil
}

func pidAlive(ctx context.Context, pid int) bool {
	exists, err := process.PidExistsWithContext(ctx, int32(pid))
	if err != nil || !exists {
		return false
	}
	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return false
	}
	statuses, err := proc.StatusWithContext(ctx)
	if err != nil {
		return true
	}
	for _, status := range statuses {
		if status == process.Zombie {
			return false
		}
	}
	return true
}

// WaitForShutdown waits until pid has exited.
func WaitForShutdown(ctx context.Context, pid int, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for pidAlive(ctx, pid) {
		select {
		case <-ctx.Done():
			return fmt.Errorf("process %d did not stop: %w", pid, ctx.Err())
		case <-time.After(pollInterval):
		}
	}
	return nil
}

// ForceKillProcess sends SIGKILL to pid and removes the pid and lock files.
func ForceKillProcess(pidPath, lockPath string, pid int) error {
	if pid <= 0 {
		return fmt.Errorf("unable to determine registry pid (pid file: %s)", pidPath)
	}
	if pid == os.Getpid() {
		return fmt.Errorf("refusing to kill current process (pid %d)", pid)
	}
	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("kill registry process %d: %w", pid, err)
	}
	if err := os.Remove(pidPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove pid file %q: %w", pidPath, err)
	}
	if lockPath != "" {
		_ = os.Remove(lockPath)
	}
	return nil
}

// StopResult captures registry stop outcome.
type StopResult struct {
	PID        int
	ForcedKill bool
}

// StopAndTerminate sends SIGTERM to the registry and kills it if it is still
// alive after gracePeriod.
func StopAndTerminate(ctx context.Context, cfg *config.Config, gracePeriod time.Duration) (StopResult, error) {
	pidPath := cfg.PIDPath()
	alive, pid, err := ProcessInfo(ctx, pidPath)
	if err != nil {
		return StopResult{}, err
	}
	if !alive {
		_ = os.Remove(pidPath)
		return StopResult{}, ErrDaemonNotRunning
	}
	if pid == os.Getpid() {
		return StopResult{}, fmt.Errorf("refusing to signal current process (pid %d)", pid)
	}
	result := StopResult{PID: pid}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		return result, fmt.Errorf("signal registry process %d: %w", pid, err)
	}
	if WaitForShutdown(ctx, pid, gracePeriod) == nil {
		return result, nil
	}
	if err := ForceKillProcess(pidPath, cfg.LockPath(), pid); err != nil {
		return result, fmt.Errorf("failed to stop registry process: %w", err)
	}
	result.ForcedKill = true
	return result, nil
}

// RestartResult captures stop/start outcomes for a registry restart.
type RestartResult struct {
	WasRunning bool
	Stop       StopResult
	Start      StartResult
}

// Restart stops the registry if it runs, then starts it again.
func Restart(ctx context.Context, cfg *config.Config, executablePath string, opts LaunchOptions, stopGrace, startWait time.Duration) (RestartResult, error) {
	stopResult, stopErr := StopAndTerminate(ctx, cfg, stopGrace)
	if stopErr != nil && !errors.Is(stopErr, ErrDaemonNotRunning) {
		return RestartResult{}, stopErr
	}
	startResult, err := EnsureStarted(ctx, cfg, executablePath, opts, startWait)
	if err != nil {
		return RestartResult{}, err
	}
	return RestartResult{WasRunning: stopErr == nil, Stop: stopResult, Start: startResult}, nil
}

// Snapshot is the registry state shown by status commands.
type Snapshot struct {
	Running   bool
	PID       int
	Endpoint  string
	Scopes    map[string]scope.Metadata
	Processes []registry.ProcessInfo
}

// BuildSnapshot queries the registry. A registry that does not answer yields
// a snapshot with Running false and no error.
func BuildSnapshot(ctx context.Context, cfg *config.Config) (Snapshot, error) {
	client, err := Dial(cfg, nil)
	if err != nil {
		return Snapshot{}, err
	}
	defer client.Close()

	snap := Snapshot{Endpoint: client.Registry.Endpoint()}
	if _, pid, err := ProcessInfo(ctx, cfg.PIDPath()); err == nil {
		snap.PID = pid
	}
	if !client.Alive(ctx) {
		return snap, nil
	}
	snap.Running = true
	if snap.Scopes, err = client.Registry.List(ctx); err != nil {
		return snap, fmt.Errorf("list scopes: %w", err)
	}
	if snap.Processes, err = client.Registry.Processes(ctx); err != nil {
		return snap, fmt.Errorf("list processes: %w", err)
	}
	return snap, nil
}
