package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/mediarelay/internal/scheduler"
	"github.com/kalambet/mediarelay/internal/storage"
)

const defaultCheckInterval = 30 // minutes

// ProfileRequest is the body of profile create and update calls. Omitted
// fields keep their current value on update and their default on create.
type ProfileRequest struct {
	Username        *string `json:"username,omitempty"`
	WebhookURL      *string `json:"webhook_url,omitempty"`
	CheckInterval   *int    `json:"check_interval,omitempty"`
	DownloadPosts   *bool   `json:"download_posts,omitempty"`
	DownloadStories *bool   `json:"download_stories,omitempty"`
	Active          *bool   `json:"active,omitempty"`
}

// ProfileView is the JSON form of a profile.
type ProfileView struct {
	ID              string               `json:"id"`
	Username        string               `json:"username"`
	WebhookURL      string               `json:"webhook_url"`
	CheckInterval   int                  `json:"check_interval"`
	DownloadPosts   bool                 `json:"download_posts"`
	DownloadStories bool                 `json:"download_stories"`
	Active          bool                 `json:"active"`
	LastSeen        map[string]time.Time `json:"last_seen,omitempty"`
	LastCheckedAt   time.Time            `json:"last_checked_at,omitzero"`
	CreatedAt       time.Time            `json:"created_at"`
	UpdatedAt       time.Time            `json:"updated_at"`
}

func profileView(p storage.Profile) ProfileView {
	v := ProfileView{
		ID:              p.ID,
		Username:        p.Username,
		WebhookURL:      p.WebhookURL,
		CheckInterval:   p.CheckInterval,
		DownloadPosts:   p.DownloadPosts,
		DownloadStories: p.DownloadStories,
		Active:          p.Active,
		LastCheckedAt:   p.LastCheckedAt,
		CreatedAt:       p.CreatedAt,
		UpdatedAt:       p.UpdatedAt,
	}
	if len(p.LastSeen) > 0 {
		v.LastSeen = make(map[string]time.Time, len(p.LastSeen))
		for k, ts := range p.LastSeen {
			v.LastSeen[string(k)] = ts
		}
	}
	return v
}

// apply merges req into p and validates the result.
func (req ProfileRequest) apply(p *storage.Profile) error {
	if req.Username != nil {
		p.Username = strings.TrimPrefix(strings.TrimSpace(*req.Username), "@")
	}
	if req.WebhookURL != nil {
		p.WebhookURL = strings.TrimSpace(*req.WebhookURL)
	}
	if req.CheckInterval != nil {
		p.CheckInterval = *req.CheckInterval
	}
	if req.DownloadPosts != nil {
		p.DownloadPosts = *req.DownloadPosts
	}
	if req.DownloadStories != nil {
		p.DownloadStories = *req.DownloadStories
	}
	if req.Active != nil {
		p.Active = *req.Active
	}

	if p.Username == "" {
		return errors.New("username is required")
	}
	if strings.ContainsAny(p.Username, "/\\ ") {
		return errors.New("username must not contain slashes or spaces")
	}
	if p.WebhookURL == "" {
		return errors.New("webhook_url is required")
	}
	u, err := url.Parse(p.WebhookURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("webhook_url must be an absolute http or https URL")
	}
	if p.CheckInterval < 1 {
		return errors.New("check_interval must be at least 1 minute")
	}
	return nil
}

// reschedule keeps the scheduler in line with a profile's active flag.
func reschedule(deps AppDeps, p storage.Profile) {
	if deps.Scheduler == nil {
		return
	}
	if !p.Active {
		deps.Scheduler.Cancel(p.ID)
		return
	}
	if err := deps.Scheduler.Schedule(p.ID, p.Interval()); err != nil {
		deps.Logger.Warn("scheduling profile", "profile_id", p.ID, "error", err)
	}
}

func decodeProfileRequest(w http.ResponseWriter, r *http.Request) (ProfileRequest, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	var req ProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return req, false
	}
	return req, true
}

func handleCreateProfile(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeProfileRequest(w, r)
		if !ok {
			return
		}

		p := storage.Profile{
			ID:              uuid.NewString(),
			CheckInterval:   defaultCheckInterval,
			DownloadPosts:   true,
			DownloadStories: true,
			Active:          true,
		}
		if err := req.apply(&p); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		err := deps.Store.CreateProfile(r.Context(), p)
		if errors.Is(err, storage.ErrConflict) {
			httpError(w, http.StatusConflict, "conflict", "profile %q already exists", p.Username)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to create profile: %v", err)
			return
		}

		created, err := deps.Store.GetProfile(r.Context(), p.ID)
		if err != nil {
			notFoundOr(w, err, "profile")
			return
		}
		reschedule(deps, created)
		deps.Logger.Info("profile created", "profile_id", created.ID, "username", created.Username)
		writeJSON(w, http.StatusCreated, profileView(created))
	}
}

func handleListProfiles(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		activeOnly := r.URL.Query().Get("active") == "true"
		profiles, err := deps.Store.ListProfiles(r.Context(), activeOnly)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list profiles: %v", err)
			return
		}

		out := make([]ProfileView, 0, len(profiles))
		for _, p := range profiles {
			out = append(out, profileView(p))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleGetProfile(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := deps.Store.GetProfile(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			notFoundOr(w, err, "profile")
			return
		}
		writeJSON(w, http.StatusOK, profileView(p))
	}
}

func handleUpdateProfile(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := deps.Store.GetProfile(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			notFoundOr(w, err, "profile")
			return
		}

		req, ok := decodeProfileRequest(w, r)
		if !ok {
			return
		}
		current := p.Username
		if err := req.apply(&p); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if p.Username != current {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "username cannot be changed")
			return
		}

		if err := deps.Store.UpdateProfile(r.Context(), p); err != nil {
			notFoundOr(w, err, "profile")
			return
		}

		updated, err := deps.Store.GetProfile(r.Context(), p.ID)
		if err != nil {
			notFoundOr(w, err, "profile")
			return
		}
		reschedule(deps, updated)
		writeJSON(w, http.StatusOK, profileView(updated))
	}
}

func handleDeleteProfile(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		if err := deps.Store.DeleteProfile(r.Context(), id); err != nil {
			notFoundOr(w, err, "profile")
			return
		}
		if deps.Scheduler != nil {
			deps.Scheduler.Cancel(id)
		}
		deps.Logger.Info("profile deleted", "profile_id", id)
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleCheckProfile(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := deps.Store.GetProfile(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			notFoundOr(w, err, "profile")
			return
		}
		if !p.Active {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "profile %q is not active", p.Username)
			return
		}
		if deps.Scheduler == nil {
			httpError(w, http.StatusServiceUnavailable, "unavailable", "scheduler not running")
			return
		}

		switch err := deps.Scheduler.Trigger(p.ID); {
		case errors.Is(err, scheduler.ErrBusy):
			httpError(w, http.StatusConflict, "busy", "a check for %q is already running", p.Username)
		case errors.Is(err, scheduler.ErrStopped):
			httpError(w, http.StatusServiceUnavailable, "unavailable", "scheduler is shutting down")
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "failed to start check: %v", err)
		default:
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "started", "profile_id": p.ID})
		}
	}
}
