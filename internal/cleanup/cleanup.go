// Package cleanup removes old capture files from the log directory.
package cleanup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/ppiankov/pod-log-watcher/internal/capture"
)

// Reaper periodically deletes capture files older than TTL. Only files
// named like capture output are touched; the operational log and its
// rotated backups are left alone.
type Reaper struct {
	Dir      string
	TTL      time.Duration
	Interval time.Duration
	Logger   *zap.SugaredLogger
	Clock    clock.WithTicker
}

// NewReaper creates a Reaper with the given TTL and check interval.
func NewReaper(dir string, ttl, interval time.Duration, logger *zap.SugaredLogger) *Reaper {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Reaper{
		Dir:      dir,
		TTL:      ttl,
		Interval: interval,
		Logger:   logger,
		Clock:    clock.RealClock{},
	}
}

// Start runs the periodic cleanup loop until ctx is cancelled.
func (r *Reaper) Start(ctx context.Context) error {
	r.Logger.Infof("Removing captured logs older than %s every %s", r.TTL, r.Interval)
	ticker := r.Clock.NewTicker(r.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			if _, err := r.Sweep(); err != nil {
				r.Logger.Warnf("Log retention sweep failed: %v", err)
			}
		}
	}
}

// Sweep deletes expired capture files once and returns how many were
// removed. Per-file errors are logged and skipped.
func (r *Reaper) Sweep() (int, error) {
	entries, err := os.ReadDir(r.Dir)
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", r.Dir, err)
	}

	cutoff := r.Clock.Now().Add(-r.TTL)
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !capture.IsCaptureFile(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(r.Dir, e.Name())
		if err := os.Remove(path); err != nil {
			r.Logger.Warnf("Could not remove expired log %s: %v", path, err)
			continue
		}
		r.Logger.Debugf("Removed expired log %s", path)
		removed++
	}
	if removed > 0 {
		r.Logger.Infof("Removed %d expired log file(s)", removed)
	}
	return removed, nil
}
