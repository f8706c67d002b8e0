package logsink

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/mediarelay/internal/storage"
)

const saveTimeout = 5 * time.Second

// LogSaver persists log entries.
type LogSaver interface {
	SaveLog(ctx context.Context, e storage.LogEntry) error
}

// Handler is a slog.Handler that forwards every record to an inner handler
// and additionally persists records at Info or above and publishes them to
// a Hub. A "profile_id" attribute is lifted into its own column; the other
// attributes are stored as a JSON object in details.
type Handler struct {
	inner  slog.Handler
	store  LogSaver
	hub    *Hub
	attrs  []slog.Attr
	prefix string
}

// NewHandler wraps inner. store and hub may each be nil.
func NewHandler(inner slog.Handler, store LogSaver, hub *Hub) *Handler {
	return &Handler{inner: inner, store: store, hub: hub}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= slog.LevelInfo || h.inner.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	var err error
	if h.inner.Enabled(ctx, r.Level) {
		err = h.inner.Handle(ctx, r)
	}
	if r.Level < slog.LevelInfo {
		return err
	}

	e := h.entry(r)
	if h.store != nil {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
		// A failed save must not be logged through this handler.
		_ = h.store.SaveLog(sctx, e)
		cancel()
	}
	if h.hub != nil {
		h.hub.Publish(e)
	}
	return err
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	nh.inner = h.inner.WithAttrs(attrs)
	nh.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	nh.attrs = append(nh.attrs, h.attrs...)
	for _, a := range attrs {
		a.Key = h.prefix + a.Key
		nh.attrs = append(nh.attrs, a)
	}
	return &nh
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	nh := *h
	nh.inner = h.inner.WithGroup(name)
	nh.prefix = h.prefix + name + "."
	return &nh
}

func (h *Handler) entry(r slog.Record) storage.LogEntry {
	created := r.Time
	if created.IsZero() {
		created = time.Now()
	}
	e := storage.LogEntry{
		ID:        uuid.NewString(),
		Level:     levelName(r.Level),
		Message:   r.Message,
		CreatedAt: created.UTC(),
	}

	details := make(map[string]any)
	collect := func(a slog.Attr) {
		if a.Key == "profile_id" {
			e.ProfileID = a.Value.Resolve().String()
			return
		}
		if a.Equal(slog.Attr{}) {
			return
		}
		details[a.Key] = attrValue(a.Value)
	}
	for _, a := range h.attrs {
		collect(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		a.Key = h.prefix + a.Key
		collect(a)
		return true
	})

	if len(details) > 0 {
		if b, err := json.Marshal(details); err == nil {
			e.Details = string(b)
		}
	}
	return e
}

func levelName(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return storage.LevelError
	case l >= slog.LevelWarn:
		return storage.LevelWarning
	default:
		return storage.LevelInfo
	}
}

func attrValue(v slog.Value) any {
	v = v.Resolve()
	switch v.Kind() {
	case slog.KindGroup:
		m := make(map[string]any)
		for _, a := range v.Group() {
			m[a.Key] = attrValue(a.Value)
		}
		return m
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().UTC().Format(time.RFC3339Nano)
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return err.Error()
		}
		if s, ok := v.Any().(interface{ String() string }); ok {
			return s.String()
		}
		return v.Any()
	default:
		return v.Any()
	}
}
