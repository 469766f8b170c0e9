package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/fleetlens/fleetlens-be/internal/apierror"
	"github.com/fleetlens/fleetlens-be/internal/services"
)

// AgentHandler handles HTTP requests for agent fleet state.
type AgentHandler struct {
	service services.AgentServiceProvider
}

// NewAgentHandler creates a new AgentHandler.
func NewAgentHandler(service services.AgentServiceProvider) *AgentHandler {
	return &AgentHandler{service: service}
}

// List returns the fleet overview, sorted so agents needing attention come
// first. Accepts an optional project filter.
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	agents, err := h.service.ListAgents(tenantFrom(r), r.URL.Query().Get("project_id"))
	if err != nil {
		log.Error().Err(err).Msg("Failed to list agents")
		apierror.Write(w, http.StatusInternalServerError, apierror.CodeInternal, "Failed to list agents")
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

// Get returns one agent's profile, derived status, project memberships and
// recent events.
func (h *AgentHandler) Get(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentId")
	detail, err := h.service.GetAgent(tenantFrom(r), agentID)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			apierror.Write(w, http.StatusNotFound, apierror.CodeNotFound, err.Error())
			return
		}
		log.Error().Err(err).Str("agentId", agentID).Msg("Failed to get agent")
		apierror.Write(w, http.StatusInternalServerError, apierror.CodeInternal, "Failed to get agent")
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// Pipeline returns the agent's live work snapshot: queue state plus active
// todos, scheduled items and issues.
func (h *AgentHandler) Pipeline(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentId")
	pipeline, err := h.service.GetPipeline(tenantFrom(r), agentID)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			apierror.Write(w, http.StatusNotFound, apierror.CodeNotFound, err.Error())
			return
		}
		log.Error().Err(err).Str("agentId", agentID).Msg("Failed to get agent pipeline")
		apierror.Write(w, http.StatusInternalServerError, apierror.CodeInternal, "Failed to get agent pipeline")
		return
	}
	writeJSON(w, http.StatusOK, pipeline)
}
