package api

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/mediarelay/internal/cleanup"
	"github.com/kalambet/mediarelay/internal/logsink"
	"github.com/kalambet/mediarelay/internal/scheduler"
	"github.com/kalambet/mediarelay/internal/source"
	"github.com/kalambet/mediarelay/internal/storage"
)

// Scheduler is the part of the job scheduler the API drives.
type Scheduler interface {
	Schedule(profileID string, interval time.Duration) error
	Cancel(profileID string)
	Trigger(profileID string) error
	Entries() []scheduler.Entry
}

// Replayer re-sends a pending item.
type Replayer interface {
	Replay(ctx context.Context, itemID string) (bool, error)
}

// Sweeper reclaims delivered media on demand.
type Sweeper interface {
	Sweep(ctx context.Context, retention time.Duration) cleanup.Result
}

type AppDeps struct {
	Store     *storage.Store
	Scheduler Scheduler
	Replayer  Replayer
	Sweeper   Sweeper
	Session   source.Session // optional
	Hub       *logsink.Hub   // optional; nil disables /api/logs/stream
	Retention time.Duration
	MediaDir  string
	Token     string
	Version   string
	Logger    *slog.Logger
}

// NewAppHandler builds the HTTP surface: the operator API under /api, the
// public media mount and a health probe.
func NewAppHandler(deps AppDeps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth(deps))
	if deps.MediaDir != "" {
		r.Handle("/media/*", http.StripPrefix("/media/", http.FileServer(noListFS{http.Dir(deps.MediaDir)})))
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/profiles", handleCreateProfile(deps))
		r.Get("/profiles", handleListProfiles(deps))
		r.Get("/profiles/{id}", handleGetProfile(deps))
		r.Put("/profiles/{id}", handleUpdateProfile(deps))
		r.Delete("/profiles/{id}", handleDeleteProfile(deps))
		r.Post("/profiles/{id}/check", handleCheckProfile(deps))

		r.Get("/items", handleListItems(deps))
		r.Post("/items/{id}/replay", handleReplayItem(deps))

		r.Get("/logs", handleListLogs(deps))
		r.Get("/logs/stream", handleStreamLogs(deps))

		r.Get("/stats", handleStats(deps))
		r.Get("/schedule", handleSchedule(deps))
		r.Get("/session", handleSessionStatus(deps))
		r.Post("/session/login", handleSessionLogin(deps))
		r.Post("/cleanup", handleCleanup(deps))
	})

	return r
}

// noListFS hides directories so the media mount never lists its contents.
type noListFS struct {
	fs http.FileSystem
}

func (n noListFS) Open(name string) (http.File, error) {
	f, err := n.fs.Open(name)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.IsDir() {
		f.Close()
		return nil, fs.ErrNotExist
	}
	return f, nil
}

func handleHealth(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Store.DB().PingContext(r.Context()); err != nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "database unavailable: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": deps.Version})
	}
}

// notFoundOr writes 404 for storage.ErrNotFound and 500 otherwise.
func notFoundOr(w http.ResponseWriter, err error, what string) {
	if errors.Is(err, storage.ErrNotFound) {
		httpError(w, http.StatusNotFound, "not_found", "%s not found", what)
		return
	}
	httpError(w, http.StatusInternalServerError, "api_error", "failed to load %s: %v", what, err)
}
