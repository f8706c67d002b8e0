package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
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

var captured = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// seedItems records one pending item per external id and returns them.
func seedItems(t *testing.T, store *storage.Store, mediaDir string, ids ...string) []storage.Item {
	t.Helper()
	ctx := context.Background()
	var out []storage.Item
	for _, id := range ids {
		it := storage.Item{
			ID:         "item-" + id,
			ProfileID:  "prof-1",
			Kind:       storage.KindPost,
			ExternalID: id,
			CapturedAt: captured,
			Caption:    "caption " + id,
			MediaPath:  filepath.Join(mediaDir, "alice", "posts", id, id+"_1.jpg"),
			MediaType:  "image",
			Status:     storage.StatusPending,
		}
		if _, err := store.RecordIngest(ctx, it.Key(), []storage.Item{it}); err != nil {
			t.Fatalf("RecordIngest: %v", err)
		}
		out = append(out, it)
	}
	return out
}

func status(t *testing.T, store *storage.Store, id string) string {
	t.Helper()
	it, err := store.GetItem(context.Background(), id)
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	return it.Status
}

func TestSend_SuccessMarksDelivered(t *testing.T) {
	store := openTestStore(t)
	mediaDir := "/srv/media"
	items := seedItems(t, store, mediaDir, "abc")

	var got Payload
	var sig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		sig = r.Header.Get(SignatureHeader)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("decoding payload: %v", err)
		}
		if sig != Sign("s3cret", body) {
			t.Errorf("signature mismatch: %q", sig)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d := New(store, Config{BaseURL: "https://relay.example/", MediaDir: mediaDir, Secret: "s3cret"})
	fixed := time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return fixed }

	if !d.Send(context.Background(), items[0], srv.URL, "alice") {
		t.Fatal("Send reported failure for a 202 response")
	}
	if s := status(t, store, "item-abc"); s != storage.StatusDelivered {
		t.Errorf("status = %s, want delivered", s)
	}

	if got.Entity != "alice" || got.Kind != "post" || got.Caption != "caption abc" {
		t.Errorf("payload header fields: %+v", got)
	}
	if got.Media.URL != "https://relay.example/media/alice/posts/abc/abc_1.jpg" {
		t.Errorf("media url = %s", got.Media.URL)
	}
	if !got.Media.ExpiresAt.Equal(fixed.Add(time.Hour)) {
		t.Errorf("expires_at = %v, want %v", got.Media.ExpiresAt, fixed.Add(time.Hour))
	}
	if got.Metadata.ExternalID != "abc" {
		t.Errorf("external_id = %s", got.Metadata.ExternalID)
	}
	if !got.Timestamp.Equal(captured) {
		t.Errorf("timestamp = %v", got.Timestamp)
	}
}

func TestSend_FailureClasses(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusInternalServerError) }},
		{"not found", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNotFound) }},
		{"not modified", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNotModified) }},
		{"timeout", func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := openTestStore(t)
			items := seedItems(t, store, "/m", "x")
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			d := New(store, Config{BaseURL: "http://relay", MediaDir: "/m", Timeout: 100 * time.Millisecond})
			if d.Send(context.Background(), items[0], srv.URL, "alice") {
				t.Error("Send reported success")
			}
			if s := status(t, store, "item-x"); s != storage.StatusPending {
				t.Errorf("status = %s, want pending", s)
			}
		})
	}
}

func TestSend_ConnectionRefused(t *testing.T) {
	store := openTestStore(t)
	items := seedItems(t, store, "/m", "x")
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	d := New(store, Config{BaseURL: "http://relay"})
	if d.Send(context.Background(), items[0], url, "alice") {
		t.Error("Send reported success against a closed server")
	}
	if s := status(t, store, "item-x"); s != storage.StatusPending {
		t.Errorf("status = %s, want pending", s)
	}
}

func TestSend_NoRetry(t *testing.T) {
	store := openTestStore(t)
	items := seedItems(t, store, "/m", "x")
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	d := New(store, Config{BaseURL: "http://relay"})
	d.Send(context.Background(), items[0], srv.URL, "alice")
	if n := calls.Load(); n != 1 {
		t.Errorf("endpoint called %d times, want exactly 1", n)
	}
}

// bookkeepingFailStore delivers fine over HTTP but cannot record it.
type bookkeepingFailStore struct {
	*storage.Store
}

func (bookkeepingFailStore) MarkDelivered(context.Context, string, time.Time) error {
	return errors.New("database is locked")
}

func TestSend_MarkDeliveredFailureReportsFailure(t *testing.T) {
	store := openTestStore(t)
	items := seedItems(t, store, "/srv/media", "abc")

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New(bookkeepingFailStore{store}, Config{BaseURL: "http://relay", MediaDir: "/srv/media"})
	if sent := d.DispatchAll(context.Background(), items, srv.URL, "alice"); sent != 0 {
		t.Errorf("DispatchAll = %d, want 0 when the delivery could not be recorded", sent)
	}
	if calls.Load() != 1 {
		t.Errorf("endpoint called %d times, want 1", calls.Load())
	}
	if got := status(t, store, items[0].ID); got != storage.StatusPending {
		t.Errorf("status = %s, want pending", got)
	}
}

func TestDispatchAll_IsolatesFailures(t *testing.T) {
	store := openTestStore(t)
	items := seedItems(t, store, "/m", "t3", "t2", "t1")

	var mu sync.Mutex
	seen := map[string]int{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p Payload
		json.NewDecoder(r.Body).Decode(&p)
		mu.Lock()
		seen[p.Metadata.ExternalID]++
		mu.Unlock()
		if p.Metadata.ExternalID == "t2" {
			time.Sleep(300 * time.Millisecond)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New(store, Config{BaseURL: "http://relay", Timeout: 100 * time.Millisecond, Concurrency: 2})
	sent := d.DispatchAll(context.Background(), items, srv.URL, "alice")

	if sent != 2 {
		t.Errorf("sent = %d, want 2", sent)
	}
	mu.Lock()
	defer mu.Unlock()
	for _, id := range []string{"t3", "t2", "t1"} {
		if seen[id] != 1 {
			t.Errorf("%s attempted %d times, want 1", id, seen[id])
		}
	}
	if s := status(t, store, "item-t2"); s != storage.StatusPending {
		t.Errorf("timed-out item status = %s, want pending", s)
	}
	for _, id := range []string{"item-t3", "item-t1"} {
		if s := status(t, store, id); s != storage.StatusDelivered {
			t.Errorf("%s status = %s, want delivered", id, s)
		}
	}
}

func TestReplay(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if err := store.CreateProfile(ctx, storage.Profile{ID: "prof-1", Username: "alice", WebhookURL: srv.URL, Active: true}); err != nil {
		t.Fatal(err)
	}
	seedItems(t, store, "/m", "x")

	d := New(store, Config{BaseURL: "http://relay"})
	ok, err := d.Replay(ctx, "item-x")
	if err != nil || !ok {
		t.Fatalf("Replay = %v, %v", ok, err)
	}
	if s := status(t, store, "item-x"); s != storage.StatusDelivered {
		t.Errorf("status = %s, want delivered", s)
	}

	if _, err := d.Replay(ctx, "item-x"); !errors.Is(err, ErrNotPending) {
		t.Errorf("replaying a delivered item: got %v, want ErrNotPending", err)
	}
	if _, err := d.Replay(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("replaying a missing item: got %v, want ErrNotFound", err)
	}
	if calls.Load() != 1 {
		t.Errorf("endpoint called %d times, want 1", calls.Load())
	}
}

func TestMediaURL(t *testing.T) {
	d := New(nil, Config{BaseURL: "http://relay:8000/", MediaDir: "/data/media"})
	tests := map[string]string{
		"/data/media/alice/posts/x/x_1.jpg": "http://relay:8000/media/alice/posts/x/x_1.jpg",
		"/data/media/a b/stories/1/1.mp4":   "http://relay:8000/media/a%20b/stories/1/1.mp4",
		"/etc/private/leak.jpg":             "http://relay:8000/media/leak.jpg",
		"/data/media-old/alice/y.jpg":       "http://relay:8000/media/y.jpg",
	}
	for in, want := range tests {
		if got := d.MediaURL(in); got != want {
			t.Errorf("MediaURL(%q) = %q, want %q", in, got, want)
		}
	}
}
