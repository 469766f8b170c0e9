package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/fleetlens/fleetlens-be/internal/apierror"
	"github.com/fleetlens/fleetlens-be/internal/services"
)

// ProjectHandler handles HTTP requests for projects.
type ProjectHandler struct {
	service services.ProjectServiceProvider
}

// NewProjectHandler creates a new ProjectHandler.
func NewProjectHandler(service services.ProjectServiceProvider) *ProjectHandler {
	return &ProjectHandler{service: service}
}

type projectRequest struct {
	ProjectID   string `json:"project_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// List returns all projects for the tenant.
func (h *ProjectHandler) List(w http.ResponseWriter, r *http.Request) {
	projects, err := h.service.ListProjects(tenantFrom(r))
	if err != nil {
		log.Error().Err(err).Msg("Failed to list projects")
		apierror.Write(w, http.StatusInternalServerError, apierror.CodeInternal, "Failed to list projects")
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

// Get returns one project.
func (h *ProjectHandler) Get(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectId")
	project, err := h.service.GetProject(tenantFrom(r), projectID)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			apierror.Write(w, http.StatusNotFound, apierror.CodeNotFound, err.Error())
			return
		}
		log.Error().Err(err).Str("projectId", projectID).Msg("Failed to get project")
		apierror.Write(w, http.StatusInternalServerError, apierror.CodeInternal, "Failed to get project")
		return
	}
	writeJSON(w, http.StatusOK, project)
}

// Create registers a project explicitly. Projects referenced by events are
// also created implicitly; this endpoint attaches a name and description.
func (h *ProjectHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req projectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierror.Write(w, http.StatusBadRequest, apierror.CodeValidation, "Invalid request body")
		return
	}
	if req.ProjectID == "" {
		apierror.Write(w, http.StatusBadRequest, apierror.CodeMissingField, "project_id is required")
		return
	}

	project, err := h.service.CreateProject(tenantFrom(r), req.ProjectID, req.Name, req.Description)
	if err != nil {
		log.Error().Err(err).Str("projectId", req.ProjectID).Msg("Failed to create project")
		apierror.Write(w, http.StatusInternalServerError, apierror.CodeInternal, "Failed to create project")
		return
	}
	writeJSON(w, http.StatusCreated, project)
}

// Update changes a project's name or description.
func (h *ProjectHandler) Update(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectId")
	var req projectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierror.Write(w, http.StatusBadRequest, apierror.CodeValidation, "Invalid request body")
		return
	}

	project, err := h.service.UpdateProject(tenantFrom(r), projectID, req.Name, req.Description)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			apierror.Write(w, http.StatusNotFound, apierror.CodeNotFound, err.Error())
			return
		}
		log.Error().Err(err).Str("projectId", projectID).Msg("Failed to update project")
		apierror.Write(w, http.StatusInternalServerError, apierror.CodeInternal, "Failed to update project")
		return
	}
	writeJSON(w, http.StatusOK, project)
}

// Delete removes a project record and its memberships. Events referencing
// the project are kept.
func (h *ProjectHandler) Delete(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectId")
	if err := h.service.DeleteProject(tenantFrom(r), projectID); err != nil {
		log.Error().Err(err).Str("projectId", projectID).Msg("Failed to delete project")
		apierror.Write(w, http.StatusInternalServerError, apierror.CodeInternal, "Failed to delete project")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Members lists the agents observed working on the project.
func (h *ProjectHandler) Members(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectId")
	members, err := h.service.Members(tenantFrom(r), projectID)
	if err != nil {
		log.Error().Err(err).Str("projectId", projectID).Msg("Failed to list project members")
		apierror.Write(w, http.StatusInternalServerError, apierror.CodeInternal, "Failed to list project members")
		return
	}
	writeJSON(w, http.StatusOK, members)
}
