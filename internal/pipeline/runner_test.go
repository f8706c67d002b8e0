package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kalambet/mediarelay/internal/storage"
)

// --- mock poller ---

type mockPoller struct {
	pollFn func(ctx context.Context, p storage.Profile) []storage.Item
	calls  int
}

func (m *mockPoller) Poll(ctx context.Context, p storage.Profile) []storage.Item {
	m.calls++
	if m.pollFn != nil {
		return m.pollFn(ctx, p)
	}
	return nil
}

// --- mock dispatcher ---

type mockDispatcher struct {
	dispatchFn func(ctx context.Context, items []storage.Item, destURL, entity string) int
	calls      int
	gotURL     string
	gotEntity  string
}

func (m *mockDispatcher) DispatchAll(ctx context.Context, items []storage.Item, destURL, entity string) int {
	m.calls++
	m.gotURL, m.gotEntity = destURL, entity
	if m.dispatchFn != nil {
		return m.dispatchFn(ctx, items, destURL, entity)
	}
	return len(items)
}

// --- mock profile store ---

type mockStore struct {
	getFn     func(ctx context.Context, id string) (storage.Profile, error)
	markErr   error
	checkedAt time.Time
}

func (m *mockStore) GetProfile(ctx context.Context, id string) (storage.Profile, error) {
	return m.getFn(ctx, id)
}

func (m *mockStore) MarkChecked(ctx context.Context, id string, at time.Time) error {
	if m.markErr != nil {
		return m.markErr
	}
	m.checkedAt = at
	return nil
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var fixedNow = time.Date(2024, 6, 1, 8, 30, 0, 0, time.UTC)

func TestExecute_FetchesDispatchesAndMarksChecked(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	if err := store.CreateProfile(ctx, storage.Profile{
		ID: "p1", Username: "alice", WebhookURL: "https://hooks.example/in",
		CheckInterval: 15, DownloadPosts: true, Active: true,
	}); err != nil {
		t.Fatal(err)
	}

	poller := &mockPoller{pollFn: func(ctx context.Context, p storage.Profile) []storage.Item {
		if p.Username != "alice" {
			t.Errorf("polled %q, want alice", p.Username)
		}
		return []storage.Item{{ID: "i1"}, {ID: "i2"}, {ID: "i3"}}
	}}
	disp := &mockDispatcher{dispatchFn: func(ctx context.Context, items []storage.Item, destURL, entity string) int {
		return len(items) - 1
	}}
	r := NewRunner(store, poller, disp, nil)
	r.now = func() time.Time { return fixedNow }

	res, err := r.Execute(ctx, "p1")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Fetched != 3 || res.Delivered != 2 || res.Skipped {
		t.Errorf("result = %+v", res)
	}
	if disp.gotURL != "https://hooks.example/in" || disp.gotEntity != "alice" {
		t.Errorf("dispatched to %q as %q", disp.gotURL, disp.gotEntity)
	}

	p, err := store.GetProfile(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if !p.LastCheckedAt.Equal(fixedNow) {
		t.Errorf("last_checked_at = %v, want %v", p.LastCheckedAt, fixedNow)
	}
}

func TestExecute_NoNewItemsSkipsDispatch(t *testing.T) {
	store := &mockStore{getFn: func(ctx context.Context, id string) (storage.Profile, error) {
		return storage.Profile{ID: id, Username: "bob", WebhookURL: "http://x", Active: true}, nil
	}}
	disp := &mockDispatcher{}
	r := NewRunner(store, &mockPoller{}, disp, nil)

	if _, err := r.Execute(context.Background(), "p1"); err != nil {
		t.Fatal(err)
	}
	if disp.calls != 0 {
		t.Errorf("dispatcher called %d times with no items", disp.calls)
	}
	if store.checkedAt.IsZero() {
		t.Error("the check should still be recorded")
	}
}

func TestExecute_SkipsMissingAndPausedProfiles(t *testing.T) {
	tests := []struct {
		name    string
		profile storage.Profile
		err     error
	}{
		{"deleted", storage.Profile{}, storage.ErrNotFound},
		{"paused", storage.Profile{ID: "p1", Username: "carol", Active: false}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &mockStore{getFn: func(ctx context.Context, id string) (storage.Profile, error) {
				return tt.profile, tt.err
			}}
			poller := &mockPoller{}
			r := NewRunner(store, poller, &mockDispatcher{}, nil)

			res, err := r.Execute(context.Background(), "p1")
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if !res.Skipped {
				t.Error("run should be skipped")
			}
			if poller.calls != 0 {
				t.Error("skipped profile must not be polled")
			}
			if !store.checkedAt.IsZero() {
				t.Error("skipped profile must not be marked checked")
			}
		})
	}
}

func TestExecute_NoWebhookLeavesItemsPending(t *testing.T) {
	store := &mockStore{getFn: func(ctx context.Context, id string) (storage.Profile, error) {
		return storage.Profile{ID: id, Username: "dan", Active: true}, nil
	}}
	poller := &mockPoller{pollFn: func(ctx context.Context, p storage.Profile) []storage.Item {
		return []storage.Item{{ID: "i1"}}
	}}
	disp := &mockDispatcher{}
	res, err := NewRunner(store, poller, disp, nil).Execute(context.Background(), "p1")
	if err != nil {
		t.Fatal(err)
	}
	if disp.calls != 0 || res.Delivered != 0 || res.Fetched != 1 {
		t.Errorf("result = %+v, dispatcher calls = %d", res, disp.calls)
	}
}

func TestRun_StorageErrors(t *testing.T) {
	dbErr := errors.New("database is locked")

	store := &mockStore{getFn: func(ctx context.Context, id string) (storage.Profile, error) {
		return storage.Profile{}, dbErr
	}}
	if err := NewRunner(store, &mockPoller{}, &mockDispatcher{}, nil).Run(context.Background(), "p1"); !errors.Is(err, dbErr) {
		t.Errorf("Run = %v, want wrapped %v", err, dbErr)
	}

	store = &mockStore{
		getFn: func(ctx context.Context, id string) (storage.Profile, error) {
			return storage.Profile{ID: id, Active: true}, nil
		},
		markErr: dbErr,
	}
	if err := NewRunner(store, &mockPoller{}, &mockDispatcher{}, nil).Run(context.Background(), "p1"); !errors.Is(err, dbErr) {
		t.Errorf("Run = %v, want wrapped %v", err, dbErr)
	}
}
