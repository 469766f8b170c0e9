package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/fleetlens/fleetlens-be/internal/apierror"
	"github.com/fleetlens/fleetlens-be/internal/models"
	"github.com/fleetlens/fleetlens-be/internal/services"
)

// TaskHandler handles HTTP requests for task runs.
type TaskHandler struct {
	service services.TaskServiceProvider
}

// NewTaskHandler creates a new TaskHandler.
func NewTaskHandler(service services.TaskServiceProvider) *TaskHandler {
	return &TaskHandler{service: service}
}

// List returns a page of task summaries, newest first.
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := services.TaskFilter{
		AgentID:   q.Get("agent_id"),
		ProjectID: q.Get("project_id"),
		Status:    models.TaskStatus(q.Get("status")),
		From:      queryTime(r, "from"),
		To:        queryTime(r, "to"),
		Cursor:    q.Get("cursor"),
		Limit:     queryInt(r, "limit", 50),
	}
	if f.Status != "" && !models.ValidTaskStatus(f.Status) {
		apierror.Write(w, http.StatusBadRequest, apierror.CodeValidation, "Unknown task status: "+string(f.Status))
		return
	}

	page, err := h.service.ListTasks(tenantFrom(r), f)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list tasks")
		apierror.Write(w, http.StatusInternalServerError, apierror.CodeInternal, "Failed to list tasks")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// Timeline returns the full reconstructed run for one task: ordered events,
// the action tree and the plan overlay.
func (h *TaskHandler) Timeline(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskId")
	timeline, err := h.service.GetTimeline(tenantFrom(r), taskID)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			apierror.Write(w, http.StatusNotFound, apierror.CodeNotFound, err.Error())
			return
		}
		log.Error().Err(err).Str("taskId", taskID).Msg("Failed to build task timeline")
		apierror.Write(w, http.StatusInternalServerError, apierror.CodeInternal, "Failed to build task timeline")
		return
	}
	writeJSON(w, http.StatusOK, timeline)
}
