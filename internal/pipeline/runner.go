package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/mediarelay/internal/storage"
)

// RunResult captures diagnostic information about one profile run.
type RunResult struct {
	ProfileID  string
	Skipped    bool
	Fetched    int
	Delivered  int
	DurationMs int64
}

// ProfileStore loads profiles and stamps completed checks.
type ProfileStore interface {
	GetProfile(ctx context.Context, id string) (storage.Profile, error)
	MarkChecked(ctx context.Context, id string, at time.Time) error
}

// Poller fetches new items for a profile.
type Poller interface {
	Poll(ctx context.Context, p storage.Profile) []storage.Item
}

// Dispatcher delivers items to a webhook URL.
type Dispatcher interface {
	DispatchAll(ctx context.Context, items []storage.Item, destURL, entity string) int
}

// Runner orchestrates a profile run: fetch new items, dispatch them, and
// record the check.
type Runner struct {
	store    ProfileStore
	poller   Poller
	dispatch Dispatcher
	logger   *slog.Logger
	now      func() time.Time
}

// NewRunner creates a Runner wired to the fetch and dispatch stages.
func NewRunner(store ProfileStore, poller Poller, dispatch Dispatcher, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{store: store, poller: poller, dispatch: dispatch, logger: logger, now: time.Now}
}

// Run performs one run for profileID. Its signature matches the
// scheduler's run function.
func (r *Runner) Run(ctx context.Context, profileID string) error {
	_, err := r.Execute(ctx, profileID)
	return err
}

// Execute runs the pipeline for profileID:
//  1. Load the profile; a deleted or paused profile is skipped
//  2. Poll every enabled kind for new items
//  3. Dispatch the new items to the profile's webhook
//  4. Stamp last_checked_at
//
// Fetch and delivery problems are logged by their stages and do not fail
// the run. Only storage errors are returned.
func (r *Runner) Execute(ctx context.Context, profileID string) (res RunResult, err error) {
	start := time.Now()
	res.ProfileID = profileID
	defer func() {
		res.DurationMs = time.Since(start).Milliseconds()
	}()

	p, err := r.store.GetProfile(ctx, profileID)
	if errors.Is(err, storage.ErrNotFound) {
		r.logger.Debug("run: profile no longer exists", "profile_id", profileID)
		res.Skipped = true
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("loading profile %s: %w", profileID, err)
	}
	if !p.Active {
		r.logger.Debug("run: profile paused", "profile_id", profileID)
		res.Skipped = true
		return res, nil
	}

	items := r.poller.Poll(ctx, p)
	res.Fetched = len(items)

	if len(items) > 0 {
		if p.WebhookURL == "" {
			r.logger.Warn("run: no webhook configured, items stay pending", "profile_id", p.ID, "items", len(items))
		} else {
			res.Delivered = r.dispatch.DispatchAll(ctx, items, p.WebhookURL, p.Username)
		}
	}

	if err := r.store.MarkChecked(ctx, p.ID, r.now().UTC()); err != nil {
		return res, fmt.Errorf("marking profile %s checked: %w", p.ID, err)
	}

	r.logger.Info("check completed",
		"profile_id", p.ID,
		"username", p.Username,
		"fetched", res.Fetched,
		"delivered", res.Delivered,
	)
	return res, nil
}
