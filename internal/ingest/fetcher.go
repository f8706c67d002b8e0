package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/mediarelay/internal/source"
	"github.com/kalambet/mediarelay/internal/storage"
)

const (
	defaultTimeout      = 30 * time.Second
	defaultRescanWindow = 50
)

// IngestStore is the persistence the fetcher needs: the dedup ledger, item
// recording and watermark advancement.
type IngestStore interface {
	Seen(ctx context.Context, key storage.DedupKey) (bool, error)
	RecordIngest(ctx context.Context, key storage.DedupKey, items []storage.Item) (bool, error)
	AdvanceWatermark(ctx context.Context, profileID string, kind storage.Kind, ts time.Time) error
}

// Options tunes a Fetcher. Zero values select defaults.
type Options struct {
	MediaDir string
	// Timeout bounds each call to the source.
	Timeout time.Duration
	// RescanWindow is how many items past the watermark cutoff are examined
	// once the feed is found out of order. Negative disables the fallback.
	RescanWindow int
	Logger       *slog.Logger
}

// Fetcher pulls new items for a profile, downloads their media and records
// them as pending deliveries.
type Fetcher struct {
	store    IngestStore
	src      source.Source
	session  source.Session
	mediaDir string
	timeout  time.Duration
	rescan   int
	logger   *slog.Logger
	newID    func() string
}

// NewFetcher creates a Fetcher. session may be nil for sources that need no
// authentication.
func NewFetcher(store IngestStore, src source.Source, session source.Session, opts Options) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.RescanWindow == 0 {
		opts.RescanWindow = defaultRescanWindow
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Fetcher{
		store:    store,
		src:      src,
		session:  session,
		mediaDir: opts.MediaDir,
		timeout:  opts.Timeout,
		rescan:   opts.RescanWindow,
		logger:   opts.Logger,
		newID:    uuid.NewString,
	}
}

// Poll ingests every new item of every enabled kind of p, in kind order.
// It never fails: problems are logged and whatever was ingested is returned.
func (f *Fetcher) Poll(ctx context.Context, p storage.Profile) []storage.Item {
	log := f.logger.With("profile_id", p.ID, "username", p.Username)

	if f.session != nil {
		sctx, cancel := context.WithTimeout(ctx, f.timeout)
		err := f.session.Ensure(sctx)
		cancel()
		if err != nil {
			if errors.Is(err, source.ErrAuth) {
				log.Error("source session unusable, reconfigure credentials", "error", err)
			} else {
				log.Warn("source session unavailable", "error", err)
			}
			return nil
		}
	}

	var out []storage.Item
	for _, kind := range storage.Kinds {
		if !p.Enabled(kind) {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		items, authFailed := f.pollKind(ctx, log.With("kind", string(kind)), p, kind)
		out = append(out, items...)
		if authFailed {
			break
		}
	}

	log.Info("poll completed", "new_items", len(out))
	return out
}

// kindRun tracks progress through one kind's feed so the watermark is only
// advanced over a fully processed range.
type kindRun struct {
	lastSeen  time.Time
	maxOK     time.Time // newest item processed (ingested or already known)
	minFailed time.Time // oldest item whose download failed
	aborted   bool
}

func (r *kindRun) ok(ts time.Time) {
	if ts.After(r.maxOK) {
		r.maxOK = ts
	}
}

func (r *kindRun) failed(ts time.Time) {
	if r.minFailed.IsZero() || ts.Before(r.minFailed) {
		r.minFailed = ts
	}
}

// safeWatermark returns the timestamp the watermark may move to, or the zero
// time when it must stay put. An aborted loop left older items unconsumed,
// so nothing is safe. Otherwise the watermark may cover every processed item
// older than the oldest failure.
func (r *kindRun) safeWatermark(processed []time.Time) time.Time {
	if r.aborted {
		return time.Time{}
	}
	if r.minFailed.IsZero() {
		return r.maxOK
	}
	var best time.Time
	for _, ts := range processed {
		if ts.Before(r.minFailed) && ts.After(best) {
			best = ts
		}
	}
	return best
}

func (f *Fetcher) pollKind(ctx context.Context, log *slog.Logger, p storage.Profile, kind storage.Kind) (items []storage.Item, authFailed bool) {
	run := &kindRun{lastSeen: p.LastSeen[kind]}
	var processed []time.Time

	fctx, cancel := context.WithTimeout(ctx, f.timeout)
	feed, err := f.src.Feed(fctx, p.Username, kind)
	cancel()
	if err != nil {
		return nil, f.abort(log, run, "opening feed", err)
	}
	defer feed.Close()

	lh := &lookahead{feed: feed, timeout: f.timeout}
	var (
		prev       time.Time
		outOfOrder bool
		rescanLeft int
	)
	enterRescan := func(externalID string) {
		outOfOrder = true
		rescanLeft = f.rescan
		log.Warn("feed is not time-ordered, rescanning past the cutoff", "external_id", externalID, "window", f.rescan)
	}

	for {
		if ctx.Err() != nil {
			run.aborted = true
			break
		}
		it, err := lh.next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			authFailed = f.abort(log, run, "reading feed", err)
			break
		}

		if !outOfOrder && f.rescan > 0 && !prev.IsZero() && it.CapturedAt.After(prev) {
			enterRescan(it.ExternalID)
		}
		prev = it.CapturedAt

		if !it.CapturedAt.After(run.lastSeen) {
			if !outOfOrder {
				if f.rescan <= 0 {
					break
				}
				// Confirm the cutoff: a newer item right after it means the
				// feed is out of order and unseen items may follow.
				peek, err := lh.next(ctx)
				if err != nil || !peek.CapturedAt.After(it.CapturedAt) {
					break
				}
				lh.unread(peek)
				enterRescan(peek.ExternalID)
			}
			rescanLeft--
			if rescanLeft <= 0 {
				break
			}
			continue
		}

		if strings.TrimSpace(it.ExternalID) == "" {
			log.Warn("skipping item without an id", "captured_at", it.CapturedAt)
			continue
		}

		got, err := f.ingestItem(ctx, log, p, kind, it)
		switch {
		case err == nil:
			run.ok(it.CapturedAt)
			processed = append(processed, it.CapturedAt)
			items = append(items, got...)
		case errors.Is(err, source.ErrAuth) || source.IsTransient(err) || ctx.Err() != nil:
			authFailed = f.abort(log, run, "downloading "+it.ExternalID, err)
		default:
			run.failed(it.CapturedAt)
			log.Warn("download failed, item skipped", "external_id", it.ExternalID, "error", err)
		}
		if run.aborted {
			break
		}
	}

	if wm := run.safeWatermark(processed); wm.After(run.lastSeen) {
		if err := f.store.AdvanceWatermark(ctx, p.ID, kind, wm); err != nil {
			log.Error("advancing watermark", "error", err)
		}
	}
	return items, authFailed
}

// abort stops the kind's loop and reports whether the session was rejected.
func (f *Fetcher) abort(log *slog.Logger, run *kindRun, what string, err error) bool {
	run.aborted = true
	switch {
	case errors.Is(err, source.ErrAuth):
		log.Error("source rejected the session, "+what+" aborted", "error", err)
		if f.session != nil {
			f.session.Invalidate()
		}
		return true
	case errors.Is(err, source.ErrRateLimited):
		log.Warn("rate limited by source, retrying next run", "step", what, "error", err)
	case errors.Is(err, source.ErrConnection):
		log.Warn("source unreachable, retrying next run", "step", what, "error", err)
	case errors.Is(err, context.Canceled):
		log.Info("poll interrupted", "step", what)
	default:
		log.Error(what+" failed", "error", err)
	}
	return false
}

func (f *Fetcher) ingestItem(ctx context.Context, log *slog.Logger, p storage.Profile, kind storage.Kind, it source.Item) ([]storage.Item, error) {
	key := storage.DedupKey{ProfileID: p.ID, Kind: kind, ExternalID: it.ExternalID}

	seen, err := f.store.Seen(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("checking dedup ledger: %w", err)
	}
	if seen {
		log.Debug("already ingested", "external_id", it.ExternalID)
		return nil, nil
	}

	dir := f.itemDir(p.Username, kind, it.ExternalID, f.newID())
	dctx, cancel := context.WithTimeout(ctx, f.timeout)
	arts, err := f.src.Download(dctx, it, dir)
	cancel()
	if err != nil {
		os.Remove(dir)
		return nil, err
	}
	if len(arts) == 0 {
		os.Remove(dir)
		return nil, fmt.Errorf("no media downloaded for %s", it.ExternalID)
	}

	items := make([]storage.Item, 0, len(arts))
	for _, a := range arts {
		mediaType := a.MediaType
		if mediaType == "" {
			mediaType = source.MediaTypeFor(a.Path)
		}
		items = append(items, storage.Item{
			ID:         f.newID(),
			ProfileID:  p.ID,
			Kind:       kind,
			ExternalID: it.ExternalID,
			CapturedAt: it.CapturedAt,
			Caption:    it.Caption,
			MediaPath:  a.Path,
			MediaType:  mediaType,
			Status:     storage.StatusPending,
		})
	}

	inserted, err := f.store.RecordIngest(ctx, key, items)
	if err != nil {
		discard(arts, dir)
		return nil, fmt.Errorf("recording ingest: %w", err)
	}
	if !inserted {
		discard(arts, dir)
		log.Info("item ingested concurrently, dropping duplicate download", "external_id", it.ExternalID)
		return nil, nil
	}

	log.Info("ingested item", "external_id", it.ExternalID, "artifacts", len(items))
	return items, nil
}

// itemDir is <media>/<username>/<kind>s/<external id>-<attempt>. The attempt
// suffix keeps every ingest in its own directory, so no two item rows ever
// share an artifact path.
func (f *Fetcher) itemDir(username string, kind storage.Kind, externalID, attempt string) string {
	if len(attempt) > 8 {
		attempt = attempt[:8]
	}
	return filepath.Join(f.mediaDir, safeSegment(username), string(kind)+"s",
		safeSegment(externalID)+"-"+safeSegment(attempt))
}

func safeSegment(s string) string {
	s = strings.NewReplacer("/", "_", "\\", "_").Replace(s)
	if s == "." || s == ".." {
		return "_"
	}
	return s
}

func discard(arts []source.Artifact, dir string) {
	for _, a := range arts {
		os.Remove(a.Path)
	}
	os.Remove(dir)
}

// lookahead lets the cutoff check peek at one item and push it back.
type lookahead struct {
	feed    source.Feed
	timeout time.Duration
	buf     *source.Item
}

func (l *lookahead) next(ctx context.Context) (source.Item, error) {
	if l.buf != nil {
		it := *l.buf
		l.buf = nil
		return it, nil
	}
	nctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	return l.feed.Next(nctx)
}

func (l *lookahead) unread(it source.Item) {
	l.buf = &it
}
