package registry

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Environment passed to every spawned scope process.
const (
	EnvRuntimeConfig = "SCOPES_RUNTIME_CONFIG"
	EnvScopeID       = "SCOPES_SCOPE_ID"
)

// process is one spawned scope runner. exited is closed once the child has
// been reaped.
type process struct {
	scopeID string
	cmd     *exec.Cmd
	pid     int
	started time.Time

	exited  chan struct{}
	waitErr error
}

func startProcess(data ExecData, env []string) (*process, error) {
	if strings.TrimSpace(data.ExecutablePath) == "" {
		return nil, errors.New("executable path is empty")
	}
	if err := unix.Access(data.ExecutablePath, unix.X_OK); err != nil {
		return nil, fmt.Errorf("%s is not executable: %w", data.ExecutablePath, err)
	}
	args := []string{}
	if data.ConfigFile != "" {
		args = append(args, data.ConfigFile)
	}
	cmd := exec.Command(data.ExecutablePath, args...)
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	setParentDeathSignal(cmd.SysProcAttr)
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	p := &process{
		scopeID: data.ScopeID,
		cmd:     cmd,
		pid:     cmd.Process.Pid,
		started: time.Now(),
		exited:  make(chan struct{}),
	}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.exited)
	}()
	return p, nil
}

func (p *process) running() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

// exitStatus describes how the child ended. Only valid after exited.
func (p *process) exitStatus() string {
	if p.waitErr == nil {
		return "exit status 0"
	}
	return p.waitErr.Error()
}

// terminate sends SIGTERM to the child's process group, escalates to SIGKILL
// after grace, and waits for the child to be reaped.
func (p *process) terminate(grace time.Duration) error {
	if !p.running() {
		return nil
	}
	if err := unix.Kill(-p.pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("signal %s (pid %d): %w", p.scopeID, p.pid, err)
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.exited:
		return nil
	case <-timer.C:
	}
	if err := unix.Kill(-p.pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("kill %s (pid %d): %w", p.scopeID, p.pid, err)
	}
	<-p.exited
	return nil
}
