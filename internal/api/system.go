package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/kalambet/mediarelay/internal/scheduler"
	"github.com/kalambet/mediarelay/internal/source"
)

// StatsView is the JSON form of storage.Stats.
type StatsView struct {
	TotalProfiles  int       `json:"total_profiles"`
	ActiveProfiles int       `json:"active_profiles"`
	TotalPosts     int       `json:"total_posts"`
	TotalStories   int       `json:"total_stories"`
	TotalErrors    int       `json:"total_errors"`
	LastCheck      time.Time `json:"last_check,omitzero"`
}

func handleStats(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := deps.Store.Stats(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to compute stats: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, StatsView{
			TotalProfiles:  s.TotalProfiles,
			ActiveProfiles: s.ActiveProfiles,
			TotalPosts:     s.TotalPosts,
			TotalStories:   s.TotalStories,
			TotalErrors:    s.TotalErrors,
			LastCheck:      s.LastCheck,
		})
	}
}

func handleSchedule(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries := []scheduler.Entry{}
		if deps.Scheduler != nil {
			entries = append(entries, deps.Scheduler.Entries()...)
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

func handleSessionStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Session == nil {
			writeJSON(w, http.StatusOK, source.SessionStatus{Anonymous: true})
			return
		}
		writeJSON(w, http.StatusOK, deps.Session.Status())
	}
}

// handleSessionLogin forces a fresh login with the configured credentials.
func handleSessionLogin(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Session == nil {
			httpError(w, http.StatusServiceUnavailable, "unavailable", "no source session configured")
			return
		}
		err := deps.Session.Login(r.Context())
		switch {
		case errors.Is(err, source.ErrAuth):
			httpError(w, http.StatusUnprocessableEntity, "source_auth_error", "source rejected the credentials: %v", err)
			return
		case err != nil:
			httpError(w, http.StatusBadGateway, "source_error", "login failed: %v", err)
			return
		}
		deps.Logger.Info("source session re-established", "username", deps.Session.Status().Username)
		writeJSON(w, http.StatusOK, deps.Session.Status())
	}
}

func handleCleanup(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Sweeper == nil {
			httpError(w, http.StatusServiceUnavailable, "unavailable", "cleanup not configured")
			return
		}
		retention := deps.Retention
		if retention <= 0 {
			retention = 24 * time.Hour
		}
		writeJSON(w, http.StatusOK, deps.Sweeper.Sweep(r.Context(), retention))
	}
}
