// Package cleanup reclaims disk space from delivered media.
package cleanup

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/mediarelay/internal/storage"
)

// PurgeStore is the persistence the sweeper needs.
type PurgeStore interface {
	ListPurgeable(ctx context.Context, cutoff time.Time, limit int) ([]storage.Item, error)
	MarkPurged(ctx context.Context, id string, at time.Time) error
	PruneLogs(ctx context.Context, cutoff time.Time) (int64, error)
}

// Result reports the outcome of one sweep.
type Result struct {
	Scanned    int   `json:"scanned"`
	Removed    int   `json:"removed"`
	Missing    int   `json:"missing"`
	Failed     int   `json:"failed"`
	LogsPruned int64 `json:"logs_pruned"`
}

// Sweeper deletes artifacts of items delivered longer ago than the retention.
// Pending items are never touched. Concurrent sweeps are serialized.
type Sweeper struct {
	mu           sync.Mutex
	store        PurgeStore
	mediaDir     string
	logRetention time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

// NewSweeper creates a Sweeper. A logRetention of zero keeps system logs forever.
func NewSweeper(store PurgeStore, mediaDir string, logRetention time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:        store,
		mediaDir:     mediaDir,
		logRetention: logRetention,
		logger:       logger,
		now:          time.Now,
	}
}

// Sweep removes every artifact whose item was delivered at least retention
// ago. Per-file failures are logged and counted; the sweep carries on.
func (sw *Sweeper) Sweep(ctx context.Context, retention time.Duration) Result {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	var res Result
	now := sw.now().UTC()

	items, err := sw.store.ListPurgeable(ctx, now.Add(-retention), 0)
	if err != nil {
		sw.logger.Error("cleanup: listing purgeable items", "error", err)
		return res
	}

	for _, it := range items {
		if ctx.Err() != nil {
			break
		}
		res.Scanned++
		log := sw.logger.With("item_id", it.ID, "profile_id", it.ProfileID, "path", it.MediaPath)

		err := os.Remove(it.MediaPath)
		switch {
		case err == nil:
			res.Removed++
		case errors.Is(err, fs.ErrNotExist):
			res.Missing++
		default:
			res.Failed++
			log.Warn("cleanup: removing artifact", "error", err)
			continue
		}

		sw.removeEmptyParent(it.MediaPath)
		if err := sw.store.MarkPurged(ctx, it.ID, now); err != nil {
			log.Warn("cleanup: marking item purged", "error", err)
		}
	}

	if sw.logRetention > 0 {
		n, err := sw.store.PruneLogs(ctx, now.Add(-sw.logRetention))
		if err != nil {
			sw.logger.Warn("cleanup: pruning system logs", "error", err)
		}
		res.LogsPruned = n
	}

	if res.Scanned > 0 || res.LogsPruned > 0 {
		sw.logger.Info("cleanup completed", "removed", res.Removed, "missing", res.Missing,
			"failed", res.Failed, "logs_pruned", res.LogsPruned)
	}
	return res
}

// removeEmptyParent deletes the artifact's directory when it is empty and
// lies strictly inside the media root.
func (sw *Sweeper) removeEmptyParent(path string) {
	if sw.mediaDir == "" {
		return
	}
	dir := filepath.Dir(path)
	rel, err := filepath.Rel(sw.mediaDir, dir)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) > 0 {
		return
	}
	if err := os.Remove(dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		sw.logger.Debug("cleanup: removing empty directory", "dir", dir, "error", err)
	}
}
