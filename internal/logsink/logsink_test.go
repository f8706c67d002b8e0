package logsink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/mediarelay/internal/storage"
)

type mockSaver struct {
	mu      sync.Mutex
	entries []storage.LogEntry
	err     error
}

func (m *mockSaver) SaveLog(ctx context.Context, e storage.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, e)
	return nil
}

func newTestLogger(saver LogSaver, hub *Hub) (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	inner := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(NewHandler(inner, saver, hub)), &buf
}

func TestHandler_PersistsInfoAndAbove(t *testing.T) {
	saver := &mockSaver{}
	logger, buf := newTestLogger(saver, nil)

	logger.Debug("noisy detail")
	logger.Info("poll completed", "profile_id", "p1", "new_items", 3)
	logger.Warn("webhook delivery failed", "profile_id", "p1", "error", errors.New("unexpected status 500"))
	logger.Error("source session unusable")

	if !strings.Contains(buf.String(), "noisy detail") {
		t.Error("debug records should still reach the inner handler")
	}
	if len(saver.entries) != 3 {
		t.Fatalf("persisted %d entries, want 3", len(saver.entries))
	}

	info := saver.entries[0]
	if info.Level != storage.LevelInfo || info.Message != "poll completed" || info.ProfileID != "p1" {
		t.Errorf("info entry = %+v", info)
	}
	var details map[string]any
	if err := json.Unmarshal([]byte(info.Details), &details); err != nil {
		t.Fatalf("details are not JSON: %v", err)
	}
	if details["new_items"] != float64(3) {
		t.Errorf("details = %v", details)
	}
	if _, ok := details["profile_id"]; ok {
		t.Error("profile_id should be lifted out of details")
	}

	warn := saver.entries[1]
	if warn.Level != storage.LevelWarning || !strings.Contains(warn.Details, "unexpected status 500") {
		t.Errorf("warn entry = %+v", warn)
	}
	if saver.entries[2].Level != storage.LevelError || saver.entries[2].Details != "" {
		t.Errorf("error entry = %+v", saver.entries[2])
	}
	if info.ID == "" || info.ID == warn.ID {
		t.Error("entries need distinct ids")
	}
}

func TestHandler_WithAttrsAndGroups(t *testing.T) {
	saver := &mockSaver{}
	logger, _ := newTestLogger(saver, nil)

	logger.With("profile_id", "p9", "kind", "post").WithGroup("req").Info("fetched", "status", 200)

	if len(saver.entries) != 1 {
		t.Fatalf("persisted %d entries, want 1", len(saver.entries))
	}
	e := saver.entries[0]
	if e.ProfileID != "p9" {
		t.Errorf("profile id = %q, want p9 from With", e.ProfileID)
	}
	var details map[string]any
	json.Unmarshal([]byte(e.Details), &details)
	if details["kind"] != "post" || details["req.status"] != float64(200) {
		t.Errorf("details = %v", details)
	}
}

func TestHandler_SaveFailureDoesNotBreakLogging(t *testing.T) {
	saver := &mockSaver{err: errors.New("database is locked")}
	hub := NewHub(4)
	ch := hub.Subscribe()
	defer hub.Unsubscribe(ch)
	logger, buf := newTestLogger(saver, hub)

	logger.Info("still visible")
	if !strings.Contains(buf.String(), "still visible") {
		t.Error("inner handler output missing")
	}
	select {
	case e := <-ch:
		if e.Message != "still visible" {
			t.Errorf("published %q", e.Message)
		}
	case <-time.After(time.Second):
		t.Error("entry should be published even when persistence fails")
	}
}

func TestHandler_RespectsInnerLevel(t *testing.T) {
	saver := &mockSaver{}
	var buf bytes.Buffer
	inner := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelError})
	logger := slog.New(NewHandler(inner, saver, nil))

	logger.Info("persisted but not printed")
	if buf.Len() != 0 {
		t.Errorf("inner handler printed %q", buf.String())
	}
	if len(saver.entries) != 1 {
		t.Error("info records must be persisted regardless of the console level")
	}
}

func TestHandler_PersistsToStore(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	defer store.Close()

	logger, _ := newTestLogger(store, nil)
	logger.Warn("rate limited by source", "profile_id", "p1")

	logs, err := store.ListLogs(context.Background(), storage.LogFilter{ProfileID: "p1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 1 || logs[0].Level != storage.LevelWarning {
		t.Errorf("logs = %+v", logs)
	}
}

func TestHub_FanOut(t *testing.T) {
	hub := NewHub(10)
	ch1 := hub.Subscribe()
	ch2 := hub.Subscribe()
	if hub.Subscribers() != 2 {
		t.Fatalf("subscribers = %d", hub.Subscribers())
	}

	hub.Publish(storage.LogEntry{Message: "hello"})
	for i, ch := range []<-chan storage.LogEntry{ch1, ch2} {
		select {
		case e := <-ch:
			if e.Message != "hello" {
				t.Errorf("subscriber %d got %q", i, e.Message)
			}
		case <-time.After(time.Second):
			t.Errorf("subscriber %d got nothing", i)
		}
	}

	hub.Unsubscribe(ch1)
	if _, ok := <-ch1; ok {
		t.Error("unsubscribed channel should be closed")
	}
	hub.Unsubscribe(ch1) // no-op
	hub.Unsubscribe(ch2)
	if hub.Subscribers() != 0 {
		t.Errorf("subscribers = %d, want 0", hub.Subscribers())
	}
}

func TestHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	hub := NewHub(1)
	slow := hub.Subscribe()
	defer hub.Unsubscribe(slow)

	done := make(chan struct{})
	go func() {
		for range 5 {
			hub.Publish(storage.LogEntry{Message: "x"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	if hub.Dropped() != 4 {
		t.Errorf("dropped = %d, want 4", hub.Dropped())
	}
}
