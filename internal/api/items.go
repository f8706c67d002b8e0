package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/mediarelay/internal/storage"
	"github.com/kalambet/mediarelay/internal/webhook"
)

// ItemView is the JSON form of a media item.
type ItemView struct {
	ID          string    `json:"id"`
	ProfileID   string    `json:"profile_id"`
	Kind        string    `json:"kind"`
	ExternalID  string    `json:"external_id"`
	CapturedAt  time.Time `json:"captured_at"`
	Caption     string    `json:"caption"`
	MediaPath   string    `json:"media_path"`
	MediaType   string    `json:"media_type"`
	Status      string    `json:"status"`
	DeliveredAt time.Time `json:"delivered_at,omitzero"`
	PurgedAt    time.Time `json:"purged_at,omitzero"`
	CreatedAt   time.Time `json:"created_at"`
}

func itemView(it storage.Item) ItemView {
	return ItemView{
		ID:          it.ID,
		ProfileID:   it.ProfileID,
		Kind:        string(it.Kind),
		ExternalID:  it.ExternalID,
		CapturedAt:  it.CapturedAt,
		Caption:     it.Caption,
		MediaPath:   it.MediaPath,
		MediaType:   it.MediaType,
		Status:      it.Status,
		DeliveredAt: it.DeliveredAt,
		PurgedAt:    it.PurgedAt,
		CreatedAt:   it.CreatedAt,
	}
}

func handleListItems(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		status := q.Get("status")
		if status != "" && status != storage.StatusPending && status != storage.StatusDelivered {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "status must be %q or %q", storage.StatusPending, storage.StatusDelivered)
			return
		}

		items, err := deps.Store.ListItems(r.Context(), storage.ItemFilter{
			ProfileID: q.Get("profile_id"),
			Status:    status,
			Limit:     parseIntParam(r, "limit", 50, 500),
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list items: %v", err)
			return
		}

		out := make([]ItemView, 0, len(items))
		for _, it := range items {
			out = append(out, itemView(it))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleReplayItem(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Replayer == nil {
			httpError(w, http.StatusServiceUnavailable, "unavailable", "dispatcher not configured")
			return
		}

		id := chi.URLParam(r, "id")
		delivered, err := deps.Replayer.Replay(r.Context(), id)
		switch {
		case errors.Is(err, webhook.ErrNotPending):
			httpError(w, http.StatusConflict, "conflict", "item %s was already delivered", id)
			return
		case err != nil:
			notFoundOr(w, err, "item")
			return
		}

		if !delivered {
			httpError(w, http.StatusBadGateway, "delivery_failed", "webhook did not accept item %s; it stays pending", id)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "delivered": true})
	}
}
