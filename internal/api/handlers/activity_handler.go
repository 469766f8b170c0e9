package handlers

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/fleetlens/fleetlens-be/internal/apierror"
	"github.com/fleetlens/fleetlens-be/internal/models"
	"github.com/fleetlens/fleetlens-be/internal/services"
)

// ActivityHandler serves the cross-fleet activity feed.
type ActivityHandler struct {
	store services.EventStoreProvider
}

// NewActivityHandler creates a new ActivityHandler.
func NewActivityHandler(store services.EventStoreProvider) *ActivityHandler {
	return &ActivityHandler{store: store}
}

// activityPage is one page of the feed.
type activityPage struct {
	Events     []models.Event `json:"events"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

// List returns recent events newest-first, with cursor pagination and
// optional filters. Heartbeats are excluded unless explicitly requested.
func (h *ActivityHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	f := services.EventFilter{
		ProjectID:         q.Get("project_id"),
		AgentID:           q.Get("agent_id"),
		TaskID:            q.Get("task_id"),
		From:              queryTime(r, "from"),
		To:                queryTime(r, "to"),
		IncludeHeartbeats: q.Get("include_heartbeats") == "true",
		Cursor:            q.Get("cursor"),
		Limit:             queryInt(r, "limit", 100),
	}
	if f.Limit > 500 {
		f.Limit = 500
	}

	for _, raw := range splitCSV(q.Get("event_type")) {
		t := models.EventType(raw)
		if !t.Valid() {
			apierror.Write(w, http.StatusBadRequest, apierror.CodeInvalidEventType, "Unknown event type: "+raw)
			return
		}
		f.EventTypes = append(f.EventTypes, t)
	}
	for _, raw := range splitCSV(q.Get("severity")) {
		s := models.Severity(raw)
		if !s.Valid() {
			apierror.Write(w, http.StatusBadRequest, apierror.CodeInvalidSeverity, "Unknown severity: "+raw)
			return
		}
		f.Severities = append(f.Severities, s)
	}

	events, next, err := h.store.EventsMatching(tenantFrom(r), f)
	if err != nil {
		log.Error().Err(err).Msg("Failed to query activity feed")
		apierror.Write(w, http.StatusInternalServerError, apierror.CodeInternal, "Failed to query activity feed")
		return
	}
	writeJSON(w, http.StatusOK, activityPage{Events: events, NextCursor: next})
}

func splitCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
