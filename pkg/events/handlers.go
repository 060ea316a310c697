package events

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

// Router creates a chi.Router for inspecting and retrying outbox events.
func Router(store *Store) chi.Router {
	r := chi.NewRouter()
	r.Get("/", ListEventsHandler(store))
	r.Get("/{eventId}", GetEventHandler(store))
	r.Post("/{eventId}:retry", RetryEventHandler(store))
	return r
}

// GetEventHandler handles GET /admin/events/{eventId}
func GetEventHandler(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "eventId")
		event, err := store.Get(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to get event: %v", err))
			return
		}
		if event == nil {
			writeError(w, http.StatusNotFound, fmt.Sprintf("event %q not found", id))
			return
		}
		writeJSON(w, http.StatusOK, eventToResponse(event))
	}
}

// ListEventsHandler handles GET /admin/events
// Query params: type, state, pageSize, pageToken
func ListEventsHandler(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := ListFilter{
			Type:  r.URL.Query().Get("type"),
			State: r.URL.Query().Get("state"),
		}
		pageSize := 20
		if ps := r.URL.Query().Get("pageSize"); ps != "" {
			if v, err := strconv.Atoi(ps); err == nil && v > 0 {
				pageSize = v
			}
		}

		records, nextToken, err := store.List(r.Context(), filter, pageSize, r.URL.Query().Get("pageToken"))
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to list events: %v", err))
			return
		}

		items := make([]eventResponse, len(records))
		for i := range records {
			items[i] = eventToResponse(&records[i])
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"events":        items,
			"nextPageToken": nextToken,
		})
	}
}

// RetryEventHandler handles POST /admin/events/{eventId}:retry
func RetryEventHandler(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "eventId")
		if err := store.Retry(r.Context(), id); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to retry event: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  string(StateQueued),
			"eventId": id,
		})
	}
}

type eventResponse struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	State        string          `json:"state"`
	Payload      json.RawMessage `json:"payload"`
	CreatedAt    string          `json:"createdAt"`
	StartedAt    string          `json:"startedAt,omitempty"`
	FinishedAt   string          `json:"finishedAt,omitempty"`
	AttemptCount int             `json:"attemptCount"`
	LastError    string          `json:"lastError,omitempty"`
}

func eventToResponse(e *Event) eventResponse {
	resp := eventResponse{
		ID:           e.ID,
		Type:         e.Type,
		State:        string(e.State),
		Payload:      json.RawMessage(e.Payload),
		CreatedAt:    e.CreatedAt.Format(time.RFC3339),
		AttemptCount: e.AttemptCount,
		LastError:    e.LastError,
	}
	if e.StartedAt != nil {
		resp.StartedAt = e.StartedAt.Format(time.RFC3339)
	}
	if e.FinishedAt != nil {
		resp.FinishedAt = e.FinishedAt.Format(time.RFC3339)
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
