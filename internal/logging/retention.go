package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// RetentionTarget selects files in Dir whose names match Pattern. Paths in
// Exclude are never removed.
type RetentionTarget struct {
	Dir     string
	Pattern string
	Exclude []string
}

// CleanupOldLogs removes matching files last modified more than
// retentionDays ago and returns how many were removed. Zero days disables
// pruning.
func CleanupOldLogs(logger *slog.Logger, retentionDays int, targets ...RetentionTarget) int {
	if retentionDays <= 0 {
		return 0
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	removed := 0
	for _, target := range targets {
		removed += pruneTarget(logger, target, cutoff)
	}
	return removed
}

func pruneTarget(logger *slog.Logger, target RetentionTarget, cutoff time.Time) int {
	if target.Dir == "" {
		return 0
	}
	pattern := target.Pattern
	if pattern == "" {
		pattern = "*"
	}
	matches, err := filepath.Glob(filepath.Join(target.Dir, pattern))
	if err != nil {
		return 0
	}
	skip := make(map[string]struct{}, len(target.Exclude))
	for _, path := range target.Exclude {
		if abs, err := filepath.Abs(path); err == nil {
			skip[abs] = struct{}{}
		}
	}

	removed := 0
	for _, path := range matches {
		if abs, err := filepath.Abs(path); err == nil {
			if _, excluded := skip[abs]; excluded {
				continue
			}
		}
		info, err := os.Lstat(path)
		if err != nil || !info.Mode().IsRegular() || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil {
			WarnWithContext(logger, "log retention remove failed; file remains", "log_retention_failed",
				String("path", path),
				Error(err),
				String(FieldErrorHint, "check ownership of log_dir"),
				String(FieldImpact, "old log file remains on disk"),
			)
			continue
		}
		removed++
		if logger != nil {
			logger.Debug("log pruned", String("path", path), String(FieldEventType, "log_pruned"))
		}
	}
	return removed
}
