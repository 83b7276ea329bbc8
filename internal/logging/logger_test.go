package logging_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"scopes/internal/config"
	"scopes/internal/logging"
)

func readLog(t *testing.T, path string) string {
	t.Helper()
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	return string(content)
}

func TestConsoleLoggerOmitsSourceForInfo(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "info.log")
	logger, err := logging.New(logging.Options{Format: "console", Level: "info", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logging.NewComponentLogger(logger, "registry").Info("scope launched",
		logging.String(logging.FieldScope, "scope-A"),
		logging.Int("pid", 42),
	)

	content := readLog(t, logPath)
	if strings.Contains(content, ".go:") {
		t.Fatalf("expected no source location in info logs, got %q", content)
	}
	if !strings.Contains(content, "INFO [registry] scope scope-A – scope launched") {
		t.Fatalf("unexpected header in %q", content)
	}
	if !strings.Contains(content, "    - PID: 42") {
		t.Fatalf("expected pid field in %q", content)
	}
}

func TestConsoleLoggerIncludesSourceForDebug(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "debug.log")
	logger, err := logging.New(logging.Options{Format: "console", Level: "debug", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Debug("dialing", logging.String("endpoint_path", "/run/x"))

	content := readLog(t, logPath)
	if !strings.Contains(content, ".go:") {
		t.Fatalf("expected source location in debug logs, got %q", content)
	}
	if !strings.Contains(content, "endpoint_path: /run/x") {
		t.Fatalf("expected raw debug field, got %q", content)
	}
}

func TestInfoHidesDebugOnlyFields(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "hidden.log")
	logger, err := logging.New(logging.Options{Level: "info", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Info("started",
		logging.String("state_dir", "/var/lib/scopes"),
		logging.Duration("elapsed", 1500*time.Millisecond),
	)
	content := readLog(t, logPath)
	if strings.Contains(content, "/var/lib/scopes") {
		t.Fatalf("expected directory field hidden, got %q", content)
	}
	if !strings.Contains(content, "1 more field hidden") {
		t.Fatalf("expected hidden field count, got %q", content)
	}
	if !strings.Contains(content, "Elapsed: 1.5s") {
		t.Fatalf("expected human duration, got %q", content)
	}
}

func TestJSONLoggerCarriesSession(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "run.log")
	logger, err := logging.New(logging.Options{Format: "json", Level: "info", OutputPaths: []string{logPath}, SessionID: "run-1"})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Info("json message", logging.String("k", "v"))

	var record map[string]any
	if err := json.Unmarshal([]byte(readLog(t, logPath)), &record); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if record["msg"] != "json message" || record["level"] != "info" || record[logging.FieldSessionID] != "run-1" {
		t.Fatalf("unexpected record %v", record)
	}
	if _, ok := record["ts"]; !ok {
		t.Fatalf("expected ts key in %v", record)
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := logging.New(logging.Options{Format: "xml"}); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestNewFromConfigWritesLogFile(t *testing.T) {
	cfg := config.Default()
	cfg.Runtime.LogDir = t.TempDir()
	logger, err := logging.NewFromConfig(&cfg, "scope-A.log")
	if err != nil {
		t.Fatalf("NewFromConfig returned error: %v", err)
	}
	logger.Warn("file output")
	if content := readLog(t, filepath.Join(cfg.Runtime.LogDir, "scope-A.log")); !strings.Contains(content, "file output") {
		t.Fatalf("expected record in file, got %q", content)
	}
}

func TestWarnWithContextFillsDefaults(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	logging.WarnWithContext(logger, "scope failed", "scope_failed", logging.Error(errors.New("boom")))

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	for _, key := range []string{logging.FieldEventType, logging.FieldErrorHint, logging.FieldImpact} {
		if _, ok := record[key]; !ok {
			t.Fatalf("missing %s in %v", key, record)
		}
	}
	if record[logging.FieldEventType] != "scope_failed" {
		t.Fatalf("event type %v", record[logging.FieldEventType])
	}
}

func TestWithContextAddsFields(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	ctx := logging.ContextWithScope(context.Background(), "scope-A")
	ctx = logging.ContextWithCorrelationID(ctx, "c-123")

	logging.WithContext(ctx, logger).Info("contextual log")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if record[logging.FieldScope] != "scope-A" || record[logging.FieldCorrelationID] != "c-123" {
		t.Fatalf("unexpected record %v", record)
	}
}

func TestTeeLoggerDuplicatesOutput(t *testing.T) {
	var first, second bytes.Buffer
	base := slog.New(slog.NewTextHandler(&first, &slog.HandlerOptions{Level: slog.LevelInfo}))
	debug := slog.NewJSONHandler(&second, &slog.HandlerOptions{Level: slog.LevelDebug})

	logger := logging.TeeLogger(base, debug).With(logging.String("k", "v"))
	logger.Debug("debug only")
	logger.Info("both")

	if strings.Contains(first.String(), "debug only") {
		t.Fatalf("info handler received debug record: %q", first.String())
	}
	if !strings.Contains(first.String(), "both") || !strings.Contains(second.String(), "both") {
		t.Fatalf("expected info record in both outputs")
	}
	if !strings.Contains(second.String(), "debug only") || !strings.Contains(second.String(), `"k":"v"`) {
		t.Fatalf("debug handler missing records: %q", second.String())
	}
}

func TestCleanupOldLogs(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "scoperegistry-old.log")
	current := filepath.Join(dir, "scoperegistry-current.log")
	other := filepath.Join(dir, "notes.txt")
	for _, path := range []string{old, current, other} {
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		stale := time.Now().AddDate(0, 0, -30)
		if err := os.Chtimes(path, stale, stale); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}

	removed := logging.CleanupOldLogs(nil, 7, logging.RetentionTarget{
		Dir: dir, Pattern: "scoperegistry-*.log", Exclude: []string{current},
	})
	if removed != 1 {
		t.Fatalf("expected one removal, got %d", removed)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Fatalf("old log still present: %v", err)
	}
	for _, path := range []string{current, other} {
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("%s removed: %v", path, err)
		}
	}
	if got := logging.CleanupOldLogs(nil, 0, logging.RetentionTarget{Dir: dir}); got != 0 {
		t.Fatalf("zero retention pruned %d files", got)
	}
}
