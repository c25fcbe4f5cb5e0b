package staging

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// SweepCallback runs after each janitor sweep, e.g. to prune run history.
type SweepCallback func(ctx context.Context)

// StartJanitor runs a background goroutine that removes staged files older
// than ttl every interval. A zero ttl means staged files are kept forever
// and no goroutine is started.
func (s *Stager) StartJanitor(ctx context.Context, ttl, interval time.Duration, onSweep SweepCallback) {
	if ttl <= 0 || interval <= 0 {
		slog.Info("Staging janitor disabled", "dir", s.dir)
		return
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Staging janitor started", "dir", s.dir, "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				removed := s.Sweep(time.Now().Add(-ttl))
				if removed > 0 {
					slog.Info("Staging janitor removed files", "count", removed)
				}
				if onSweep != nil {
					onSweep(ctx)
				}
			case <-ctx.Done():
				slog.Info("Staging janitor shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Sweep deletes regular files last modified before cutoff and prunes empty
// per-session directories. It returns the number of files removed.
func (s *Stager) Sweep(cutoff time.Time) int {
	removed := 0
	var dirs []string

	err := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			if path != s.dir {
				dirs = append(dirs, path)
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err != nil {
				slog.Warn("Staging janitor failed to remove file", "path", path, "error", err)
				return nil
			}
			removed++
		}
		return nil
	})
	if err != nil {
		slog.Error("Staging janitor walk failed", "dir", s.dir, "error", err)
	}

	// Deepest first so parents empty out after their children.
	for i := len(dirs) - 1; i >= 0; i-- {
		_ = os.Remove(dirs[i]) // fails harmlessly on non-empty dirs
	}
	return removed
}
