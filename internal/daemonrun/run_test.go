package daemonrun_test

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"scopes/internal/daemon"
	"scopes/internal/daemonrun"
	"scopes/internal/testsupport"
)

func TestRunServesUntilCancelled(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Metrics.Enabled = true
	testsupport.WriteScopeDescription(t, testsupport.InstallDir(cfg), "scope-A", testsupport.ScopeDescription{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ready := make(chan daemon.Status, 1)
	done := make(chan error, 1)
	go func() {
		done <- daemonrun.Run(ctx, cfg, daemonrun.Options{
			Diagnostic: true,
			Ready:      func(d *daemon.Daemon) { ready <- d.Status() },
		})
	}()

	select {
	case status := <-ready:
		if !status.Running || status.Scopes != 1 {
			t.Fatalf("unexpected status %+v", status)
		}
	case err := <-done:
		if err != nil && strings.Contains(err.Error(), "operation not permitted") {
			t.Skipf("skipping socket test: %v", err)
		}
		t.Fatalf("Run returned before ready: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("registry never became ready")
	}

	pid, err := os.ReadFile(cfg.PIDPath())
	if err != nil {
		t.Fatalf("read pid file: %v", err)
	}
	if strings.TrimSpace(string(pid)) != strconv.Itoa(os.Getpid()) {
		t.Fatalf("pid file contains %q", pid)
	}
	if _, err := os.Lstat(filepath.Join(cfg.Runtime.LogDir, "scoperegistry.log")); err != nil {
		t.Fatalf("log pointer missing: %v", err)
	}
	if _, err := os.Lstat(filepath.Join(cfg.Runtime.LogDir, "debug", "scoperegistry.log")); err != nil {
		t.Fatalf("debug log pointer missing: %v", err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if _, err := os.Stat(cfg.PIDPath()); !os.IsNotExist(err) {
		t.Fatalf("pid file not removed: %v", err)
	}
}

func TestRunRejectsBadMetricsBind(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Metrics.Enabled = true
	cfg.Metrics.Bind = "256.0.0.1:bad"

	err := daemonrun.Run(context.Background(), cfg, daemonrun.Options{})
	if err == nil {
		t.Fatal("expected error for invalid metrics bind")
	}
	if strings.Contains(err.Error(), "operation not permitted") {
		t.Skipf("skipping socket test: %v", err)
	}
	if !strings.Contains(err.Error(), "listen metrics") {
		t.Fatalf("unexpected error %v", err)
	}
}
