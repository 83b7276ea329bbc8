package logs

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"scopes/internal/config"
)

// RegistryLogName is the pointer the registry daemon keeps at its current
// run log.
const RegistryLogName = "scoperegistry.log"

const (
	maxLineBytes = 1024 * 1024
	pollInterval = 250 * time.Millisecond
)

// Path returns the log file for scopeID under cfg's log directory, or the
// registry log when scopeID is empty.
func Path(cfg *config.Config, scopeID string) string {
	if scopeID == "" {
		return filepath.Join(cfg.Runtime.LogDir, RegistryLogName)
	}
	return filepath.Join(cfg.Runtime.LogDir, "scope-"+scopeID+".log")
}

// TailOptions selects where reading starts. A negative Offset returns the
// last Limit lines. With Follow set, Tail waits up to Wait for new lines
// when none are available yet.
type TailOptions struct {
	Offset int64
	Limit  int
	Follow bool
	Wait   time.Duration
}

// TailResult carries the lines read and the offset to resume from.
type TailResult struct {
	Lines  []string
	Offset int64
}

// Tail reads path once according to opts. A missing file yields no lines.
func Tail(ctx context.Context, path string, opts TailOptions) (TailResult, error) {
	result := TailResult{Offset: opts.Offset}

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			result.Offset = 0
			return result, nil
		}
		return result, fmt.Errorf("stat log file: %w", err)
	}
	if info.IsDir() {
		return result, fmt.Errorf("log path %q is a directory", path)
	}
	opts.Wait = max(opts.Wait, 0)

	if opts.Offset < 0 {
		lines, offset, err := readLastLines(path, opts.Limit)
		if err != nil {
			return result, err
		}
		result.Lines = lines
		result.Offset = offset
		if opts.Follow && opts.Wait > 0 && len(lines) == 0 {
			return waitForLines(ctx, path, result.Offset, opts.Wait)
		}
		return result, nil
	}
	return readFromOffset(ctx, path, opts.Offset, opts.Follow, opts.Wait)
}

// Follow prints the last limit lines of path through emit and then every
// line appended to it until ctx ends. When the file shrinks, as it does
// when the log pointer moves to a new run, reading restarts at the top.
func Follow(ctx context.Context, path string, limit int, emit func(string)) error {
	res, err := Tail(ctx, path, TailOptions{Offset: -1, Limit: limit})
	if err != nil {
		return err
	}
	for _, line := range res.Lines {
		emit(line)
	}
	offset := res.Offset
	for {
		res, err := Tail(ctx, path, TailOptions{Offset: offset, Follow: true, Wait: time.Minute})
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		for _, line := range res.Lines {
			emit(line)
		}
		offset = res.Offset
		if ctx.Err() != nil {
			return nil
		}
	}
}

func readLastLines(path string, limit int) ([]string, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()

	if limit <= 0 {
		end, err := file.Seek(0, io.SeekEnd)
		if err != nil {
			return nil, 0, fmt.Errorf("seek log file: %w", err)
		}
		return nil, end, nil
	}

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	ring := make([]string, limit)
	count, idx := 0, 0
	var offset int64
	for scanner.Scan() {
		ring[idx] = scanner.Text()
		idx = (idx + 1) % limit
		count = min(count+1, limit)
		offset += int64(len(scanner.Bytes())) + 1
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("read log file: %w", err)
	}
	end, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, 0, fmt.Errorf("seek log file: %w", err)
	}

	lines := make([]string, count)
	if count == limit {
		for i := range count {
			lines[i] = ring[(idx+i)%limit]
		}
	} else {
		copy(lines, ring[:count])
	}
	return lines, min(offset, end), nil
}

func readFromOffset(ctx context.Context, path string, offset int64, follow bool, wait time.Duration) (TailResult, error) {
	result := TailResult{Offset: offset}

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			result.Offset = 0
			return result, nil
		}
		return result, fmt.Errorf("stat log file: %w", err)
	}
	if offset > info.Size() {
		offset = 0
	}

	lines, newOffset, err := readForward(path, offset)
	if err != nil {
		return result, err
	}
	result.Lines = lines
	result.Offset = newOffset

	if follow && wait > 0 && len(lines) == 0 {
		return waitForLines(ctx, path, newOffset, wait)
	}
	return result, nil
}

// readForward returns the complete lines after offset. A trailing partial
// line is left for the next read.
func readForward(path string, offset int64) ([]string, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()

	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return nil, 0, fmt.Errorf("seek log file: %w", err)
	}

	reader := bufio.NewReaderSize(file, 64*1024)
	var lines []string
	for {
		line, err := reader.ReadString('\n')
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("read log file: %w", err)
		}
		offset += int64(len(line))
		line = line[:len(line)-1]
		if len(line) > maxLineBytes {
			line = line[:maxLineBytes]
		}
		lines = append(lines, line)
	}
	return lines, offset, nil
}

// waitForLines wakes on writes to the log directory and falls back to
// polling when no watcher can be created.
func waitForLines(ctx context.Context, path string, offset int64, wait time.Duration) (TailResult, error) {
	result := TailResult{Offset: offset}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var events chan fsnotify.Event
	if w, err := fsnotify.NewWatcher(); err == nil {
		defer w.Close()
		if err := w.Add(filepath.Dir(path)); err == nil {
			events = w.Events
		}
	}

	for {
		res, err := readFromOffset(ctx, path, offset, false, 0)
		if err != nil {
			return result, err
		}
		if len(res.Lines) > 0 {
			return res, nil
		}
		offset = res.Offset
		result.Offset = offset

		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-timer.C:
			return result, nil
		case <-events:
		case <-ticker.C:
		}
	}
}
