package logs_test

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"scopes/internal/logs"
	"scopes/internal/testsupport"
)

func appendLine(t *testing.T, path, line string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		t.Errorf("open append: %v", err)
		return
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		t.Errorf("append log: %v", err)
	}
}

func TestPath(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	if got := logs.Path(cfg, ""); got != filepath.Join(cfg.Runtime.LogDir, "scoperegistry.log") {
		t.Fatalf("registry log path = %s", got)
	}
	if got := logs.Path(cfg, "scope-A"); got != filepath.Join(cfg.Runtime.LogDir, "scope-scope-A.log") {
		t.Fatalf("scope log path = %s", got)
	}
}

func TestTailLastLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scoperegistry.log")
	if err := os.WriteFile(path, []byte("a\nb\nc\n"), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}

	result, err := logs.Tail(context.Background(), path, logs.TailOptions{Offset: -1, Limit: 2})
	if err != nil {
		t.Fatalf("tail returned error: %v", err)
	}
	if !slices.Equal(result.Lines, []string{"b", "c"}) {
		t.Fatalf("unexpected lines: %#v", result.Lines)
	}
	if result.Offset != 6 {
		t.Fatalf("expected offset 6, got %d", result.Offset)
	}
}

func TestTailMissingFile(t *testing.T) {
	result, err := logs.Tail(context.Background(), filepath.Join(t.TempDir(), "none.log"), logs.TailOptions{Offset: -1, Limit: 5})
	if err != nil || len(result.Lines) != 0 || result.Offset != 0 {
		t.Fatalf("expected empty result, got %+v, %v", result, err)
	}
}

func TestTailLeavesPartialLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scope.log")
	if err := os.WriteFile(path, []byte("done\npart"), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}
	result, err := logs.Tail(context.Background(), path, logs.TailOptions{Offset: 0})
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if !slices.Equal(result.Lines, []string{"done"}) || result.Offset != 5 {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestTailRestartsAfterTruncation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scope.log")
	if err := os.WriteFile(path, []byte("new\n"), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}
	result, err := logs.Tail(context.Background(), path, logs.TailOptions{Offset: 100})
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if !slices.Equal(result.Lines, []string{"new"}) {
		t.Fatalf("expected reread from start, got %#v", result.Lines)
	}
}

func TestTailFollowWaits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scoperegistry.log")
	if err := os.WriteFile(path, []byte("start\n"), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	result, err := logs.Tail(ctx, path, logs.TailOptions{Offset: -1, Limit: 1})
	if err != nil {
		t.Fatalf("initial tail: %v", err)
	}
	if len(result.Lines) != 1 {
		t.Fatalf("expected initial line, got %#v", result.Lines)
	}

	done := make(chan struct{})
	go func(offset int64) {
		defer close(done)
		res, err := logs.Tail(ctx, path, logs.TailOptions{Offset: offset, Follow: true, Wait: 5 * time.Second})
		if err != nil {
			t.Errorf("follow tail error: %v", err)
		}
		if !slices.Equal(res.Lines, []string{"later"}) {
			t.Errorf("unexpected follow lines: %#v", res.Lines)
		}
	}(result.Offset)

	time.Sleep(200 * time.Millisecond)
	appendLine(t, path, "later")

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("tail follow did not return")
	}
}

func TestFollowEmitsUntilCancelled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scope.log")
	if err := os.WriteFile(path, []byte("one\ntwo\n"), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []string
	seen := make(chan struct{}, 8)
	errCh := make(chan error, 1)
	go func() {
		errCh <- logs.Follow(ctx, path, 1, func(line string) {
			mu.Lock()
			got = append(got, line)
			mu.Unlock()
			seen <- struct{}{}
		})
	}()

	<-seen
	appendLine(t, path, "three")
	select {
	case <-seen:
	case <-time.After(5 * time.Second):
		t.Fatal("follow did not pick up the appended line")
	}
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("Follow: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if !slices.Equal(got, []string{"two", "three"}) {
		t.Fatalf("unexpected lines %#v", got)
	}
}
