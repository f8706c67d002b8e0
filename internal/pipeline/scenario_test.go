package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kalambet/mediarelay/internal/cleanup"
	"github.com/kalambet/mediarelay/internal/ingest"
	"github.com/kalambet/mediarelay/internal/source"
	"github.com/kalambet/mediarelay/internal/storage"
	"github.com/kalambet/mediarelay/internal/webhook"
)

type listFeed struct {
	items []source.Item
	pos   int
}

func (f *listFeed) Next(_ context.Context) (source.Item, error) {
	if f.pos >= len(f.items) {
		return source.Item{}, io.EOF
	}
	it := f.items[f.pos]
	f.pos++
	return it, nil
}

func (f *listFeed) Close() error { return nil }

type fileSource struct {
	posts     []source.Item
	downloads []string
}

func (s *fileSource) Feed(_ context.Context, _ string, kind storage.Kind) (source.Feed, error) {
	if kind == storage.KindPost {
		return &listFeed{items: s.posts}, nil
	}
	return &listFeed{}, nil
}

func (s *fileSource) Download(_ context.Context, it source.Item, dir string) ([]source.Artifact, error) {
	s.downloads = append(s.downloads, it.ExternalID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, it.ExternalID+"_1.jpg")
	if err := os.WriteFile(path, []byte(it.ExternalID), 0o644); err != nil {
		return nil, err
	}
	return []source.Artifact{{Path: path, MediaType: "image"}}, nil
}

// Three new posts are ingested, the webhook times out on the middle one, and
// a later sweep reclaims only the delivered artifacts.
func TestScenario_FetchDispatchSweep(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	media := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	t1, t2, t3 := t0.Add(time.Hour), t0.Add(2*time.Hour), t0.Add(3*time.Hour)

	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p webhook.Payload
		json.NewDecoder(r.Body).Decode(&p)
		if p.Metadata.ExternalID == "t2" {
			select {
			case <-r.Context().Done():
			case <-time.After(5 * time.Second):
			}
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	prof := storage.Profile{
		ID: "p-e", Username: "entity", WebhookURL: hook.URL,
		CheckInterval: 30, DownloadPosts: true, Active: true,
	}
	if err := store.CreateProfile(ctx, prof); err != nil {
		t.Fatal(err)
	}
	if err := store.AdvanceWatermark(ctx, prof.ID, storage.KindPost, t0); err != nil {
		t.Fatal(err)
	}

	src := &fileSource{posts: []source.Item{
		{ExternalID: "t3", CapturedAt: t3},
		{ExternalID: "t2", CapturedAt: t2},
		{ExternalID: "t1", CapturedAt: t1},
	}}
	fetcher := ingest.NewFetcher(store, src, nil, ingest.Options{MediaDir: media, Logger: logger})
	dispatcher := webhook.New(store, webhook.Config{
		BaseURL:  "http://relay.test",
		MediaDir: media,
		Timeout:  300 * time.Millisecond,
		Logger:   logger,
	})

	res, err := NewRunner(store, fetcher, dispatcher, logger).Execute(ctx, prof.ID)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Fetched != 3 || res.Delivered != 2 {
		t.Fatalf("result = %+v, want 3 fetched and 2 delivered", res)
	}

	wm, err := store.Watermark(ctx, prof.ID, storage.KindPost)
	if err != nil {
		t.Fatal(err)
	}
	if !wm.Equal(t3) {
		t.Errorf("watermark = %s, want %s", wm, t3)
	}

	pending, err := store.ListItems(ctx, storage.ItemFilter{Status: storage.StatusPending})
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ExternalID != "t2" {
		t.Fatalf("pending = %+v, want only t2", pending)
	}

	// Age the deliveries past the retention window.
	aged := time.Now().Add(-25 * time.Hour).UTC().Format("2006-01-02T15:04:05.000000000Z")
	if _, err := store.DB().ExecContext(ctx,
		`UPDATE media_items SET delivered_at = ? WHERE status = ?`, aged, storage.StatusDelivered); err != nil {
		t.Fatal(err)
	}

	swept := cleanup.NewSweeper(store, media, 0, logger).Sweep(ctx, 24*time.Hour)
	if swept.Removed != 2 {
		t.Errorf("sweep = %+v, want 2 removed", swept)
	}
	if _, err := os.Stat(pending[0].MediaPath); err != nil {
		t.Errorf("pending t2 artifact must survive the sweep: %v", err)
	}

	// A second poll finds nothing new.
	res, err = NewRunner(store, fetcher, dispatcher, logger).Execute(ctx, prof.ID)
	if err != nil || res.Fetched != 0 {
		t.Errorf("second run = %+v, %v; want nothing fetched", res, err)
	}
}

// Deleting a profile and tracking the same account again must neither
// re-download its history nor let the sweeper touch a pending artifact.
func TestScenario_ReaddedProfileKeepsHistory(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	media := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	newProfile := func(id string) storage.Profile {
		p := storage.Profile{
			ID: id, Username: "alice", WebhookURL: hook.URL,
			CheckInterval: 30, DownloadPosts: true, Active: true,
		}
		if err := store.CreateProfile(ctx, p); err != nil {
			t.Fatalf("CreateProfile(%s): %v", id, err)
		}
		return p
	}

	t1 := time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC)
	src := &fileSource{posts: []source.Item{{ExternalID: "x", CapturedAt: t1}}}
	fetcher := ingest.NewFetcher(store, src, nil, ingest.Options{MediaDir: media, Logger: logger})
	dispatcher := webhook.New(store, webhook.Config{BaseURL: "http://relay.test", MediaDir: media, Logger: logger})
	runner := NewRunner(store, fetcher, dispatcher, logger)

	first := newProfile("p-a")
	if res, err := runner.Execute(ctx, first.ID); err != nil || res.Delivered != 1 {
		t.Fatalf("first run = %+v, %v; want 1 delivered", res, err)
	}
	delivered, err := store.ListItems(ctx, storage.ItemFilter{Status: storage.StatusDelivered})
	if err != nil || len(delivered) != 1 {
		t.Fatalf("delivered = %+v, %v", delivered, err)
	}
	aged := time.Now().Add(-48 * time.Hour).UTC().Format("2006-01-02T15:04:05.000000000Z")
	if _, err := store.DB().ExecContext(ctx, `UPDATE media_items SET delivered_at = ?`, aged); err != nil {
		t.Fatal(err)
	}

	if err := store.DeleteProfile(ctx, first.ID); err != nil {
		t.Fatalf("DeleteProfile: %v", err)
	}
	second := newProfile("p-b")

	res, err := runner.Execute(ctx, second.ID)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if res.Fetched != 0 {
		t.Errorf("second run fetched %d items, want 0", res.Fetched)
	}
	if len(src.downloads) != 1 {
		t.Errorf("downloads = %v, want x downloaded once", src.downloads)
	}

	swept := cleanup.NewSweeper(store, media, 0, logger).Sweep(ctx, 24*time.Hour)
	if swept.Removed != 1 || swept.Failed != 0 {
		t.Errorf("sweep = %+v, want the one aged delivery removed", swept)
	}
	pending, err := store.ListItems(ctx, storage.ItemFilter{Status: storage.StatusPending})
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("pending = %+v, want none", pending)
	}
	items, err := store.ListItems(ctx, storage.ItemFilter{ProfileID: second.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].ID != delivered[0].ID {
		t.Errorf("re-created profile items = %+v, want the original delivery", items)
	}
}
