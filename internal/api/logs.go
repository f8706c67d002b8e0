package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/kalambet/mediarelay/internal/storage"
)

// sseWriteTimeout bounds a single event write so a stalled client cannot
// pin the handler.
const sseWriteTimeout = 5 * time.Second

// LogView is the JSON form of a system log entry.
type LogView struct {
	ID        string    `json:"id"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	ProfileID string    `json:"profile_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func logView(e storage.LogEntry) LogView {
	return LogView{
		ID:        e.ID,
		Level:     e.Level,
		Message:   e.Message,
		Details:   e.Details,
		ProfileID: e.ProfileID,
		CreatedAt: e.CreatedAt,
	}
}

func handleListLogs(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		logs, err := deps.Store.ListLogs(r.Context(), storage.LogFilter{
			Level:     q.Get("level"),
			ProfileID: q.Get("profile_id"),
			Limit:     parseIntParam(r, "limit", 100, 1000),
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list logs: %v", err)
			return
		}

		out := make([]LogView, 0, len(logs))
		for _, e := range logs {
			out = append(out, logView(e))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// handleStreamLogs streams new log entries as Server-Sent Events until the
// client disconnects or the server shuts down.
func handleStreamLogs(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Hub == nil {
			httpError(w, http.StatusServiceUnavailable, "unavailable", "live log stream not enabled")
			return
		}
		if _, ok := w.(http.Flusher); !ok {
			httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
			return
		}

		rc := http.NewResponseController(w)
		deadlines := true
		send := func(data []byte) error {
			if deadlines {
				if err := rc.SetWriteDeadline(time.Now().Add(sseWriteTimeout)); err != nil {
					deadlines = false
				}
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return err
			}
			return rc.Flush()
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		if err := rc.Flush(); err != nil {
			return
		}

		ch := deps.Hub.Subscribe()
		defer deps.Hub.Unsubscribe(ch)

		for {
			select {
			case e, ok := <-ch:
				if !ok {
					return
				}
				data, err := json.Marshal(logView(e))
				if err != nil {
					continue
				}
				if err := send(data); err != nil {
					return
				}
			case <-r.Context().Done():
				return
			}
		}
	}
}
