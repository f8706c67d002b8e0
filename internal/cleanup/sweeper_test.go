package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kalambet/mediarelay/internal/storage"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var now = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

// addItem writes an artifact under media and records its item. A zero
// deliveredAt leaves the item pending.
func addItem(t *testing.T, store *storage.Store, media, id string, deliveredAt time.Time) string {
	t.Helper()
	dir := filepath.Join(media, "alice", "posts", id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, id+"_1.jpg")
	if err := os.WriteFile(path, []byte(id), 0o644); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	it := storage.Item{ID: id, ProfileID: "prof-1", Kind: storage.KindPost, ExternalID: id, CapturedAt: now, MediaPath: path}
	if _, err := store.RecordIngest(ctx, it.Key(), []storage.Item{it}); err != nil {
		t.Fatal(err)
	}
	if !deliveredAt.IsZero() {
		if err := store.MarkDelivered(ctx, id, deliveredAt); err != nil {
			t.Fatal(err)
		}
	}
	return path
}

func newTestSweeper(store PurgeStore, media string) *Sweeper {
	sw := NewSweeper(store, media, 0, nil)
	sw.now = func() time.Time { return now }
	return sw
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestSweep_RespectsRetentionAndPending(t *testing.T) {
	store := openTestStore(t)
	media := t.TempDir()

	old := addItem(t, store, media, "old", now.Add(-48*time.Hour))
	edge := addItem(t, store, media, "edge", now.Add(-24*time.Hour))
	recent := addItem(t, store, media, "recent", now.Add(-time.Hour))
	pending := addItem(t, store, media, "pending", time.Time{})

	res := newTestSweeper(store, media).Sweep(context.Background(), 24*time.Hour)

	if res.Removed != 2 {
		t.Errorf("removed = %d, want 2", res.Removed)
	}
	if exists(old) || exists(edge) {
		t.Error("artifacts past retention should be removed")
	}
	if !exists(recent) {
		t.Error("recently delivered artifact must be kept")
	}
	if !exists(pending) {
		t.Error("pending artifact must never be removed")
	}
	if exists(filepath.Dir(old)) {
		t.Error("empty item directory should be removed")
	}
	if !exists(filepath.Join(media, "alice", "posts")) {
		t.Error("directories above the item directory must stay")
	}

	it, err := store.GetItem(context.Background(), "old")
	if err != nil {
		t.Fatal(err)
	}
	if it.PurgedAt.IsZero() {
		t.Error("purged_at should be stamped")
	}
}

// Scenario: T3 and T1 delivered, T2 timed out and stayed pending.
func TestSweep_SkipsUndeliveredItemFromFailedDispatch(t *testing.T) {
	store := openTestStore(t)
	media := t.TempDir()
	delivered := now.Add(-25 * time.Hour)

	p3 := addItem(t, store, media, "t3", delivered)
	p2 := addItem(t, store, media, "t2", time.Time{})
	p1 := addItem(t, store, media, "t1", delivered)

	res := newTestSweeper(store, media).Sweep(context.Background(), 24*time.Hour)
	if res.Removed != 2 || res.Failed != 0 {
		t.Errorf("result = %+v", res)
	}
	if exists(p3) || exists(p1) {
		t.Error("delivered artifacts should be reclaimed")
	}
	if !exists(p2) {
		t.Error("the pending T2 artifact must survive the sweep")
	}
}

func TestSweep_MissingFileIsNotAnError(t *testing.T) {
	store := openTestStore(t)
	media := t.TempDir()
	path := addItem(t, store, media, "gone", now.Add(-48*time.Hour))
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}

	sw := newTestSweeper(store, media)
	res := sw.Sweep(context.Background(), 24*time.Hour)
	if res.Missing != 1 || res.Failed != 0 {
		t.Errorf("result = %+v, want one missing", res)
	}

	// Purged items are not revisited.
	res = sw.Sweep(context.Background(), 24*time.Hour)
	if res.Scanned != 0 {
		t.Errorf("second sweep scanned %d items, want 0", res.Scanned)
	}
}

func TestSweep_KeepsNonEmptyDirectory(t *testing.T) {
	store := openTestStore(t)
	media := t.TempDir()
	path := addItem(t, store, media, "carousel", now.Add(-48*time.Hour))
	sibling := filepath.Join(filepath.Dir(path), "carousel_2.jpg")
	if err := os.WriteFile(sibling, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	newTestSweeper(store, media).Sweep(context.Background(), 24*time.Hour)
	if !exists(sibling) {
		t.Error("sibling artifact must not be removed")
	}
}

func TestSweep_NeverRemovesMediaRoot(t *testing.T) {
	store := openTestStore(t)
	media := t.TempDir()
	path := filepath.Join(media, "flat.jpg")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	it := storage.Item{ID: "flat", ProfileID: "prof-1", Kind: storage.KindStory, ExternalID: "flat", CapturedAt: now, MediaPath: path}
	store.RecordIngest(ctx, it.Key(), []storage.Item{it})
	store.MarkDelivered(ctx, "flat", now.Add(-48*time.Hour))

	newTestSweeper(store, media).Sweep(ctx, 24*time.Hour)
	if !exists(media) {
		t.Error("media root must never be removed")
	}
}

func TestSweep_PrunesLogs(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	store.SaveLog(ctx, storage.LogEntry{ID: "l1", Level: storage.LevelInfo, Message: "old", CreatedAt: now.Add(-40 * 24 * time.Hour)})
	store.SaveLog(ctx, storage.LogEntry{ID: "l2", Level: storage.LevelInfo, Message: "new", CreatedAt: now.Add(-time.Hour)})

	sw := NewSweeper(store, t.TempDir(), 30*24*time.Hour, nil)
	sw.now = func() time.Time { return now }
	res := sw.Sweep(ctx, 24*time.Hour)
	if res.LogsPruned != 1 {
		t.Errorf("logs pruned = %d, want 1", res.LogsPruned)
	}
}
