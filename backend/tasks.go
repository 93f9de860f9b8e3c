// backend/tasks.go
package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// CleanupStalePendingTask removes pending mirror files left behind by
// uploads that never finished. It runs until ctx is done.
func CleanupStalePendingTask(ctx context.Context, dir string, maxAge, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sweepPending(dir, maxAge, time.Now())

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			sweepPending(dir, maxAge, now)
		}
	}
}

func sweepPending(dir string, maxAge time.Duration, now time.Time) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Error("pending sweep: cannot list directory", "dir", dir, "error", err)
		}
		return 0
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) < maxAge {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			slog.Error("pending sweep: cannot remove file", "path", path, "error", err)
			continue
		}
		removed++
	}

	if removed > 0 {
		slog.Info("pending sweep finished", "dir", dir, "removed", removed)
	}
	return removed
}
