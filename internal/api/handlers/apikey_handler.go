package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/fleetlens/fleetlens-be/internal/apierror"
	"github.com/fleetlens/fleetlens-be/internal/models"
	"github.com/fleetlens/fleetlens-be/internal/services"
)

// APIKeyHandler handles HTTP requests for API key management. All routes
// require an admin key.
type APIKeyHandler struct {
	service services.APIKeyServiceProvider
}

// NewAPIKeyHandler creates a new APIKeyHandler.
func NewAPIKeyHandler(service services.APIKeyServiceProvider) *APIKeyHandler {
	return &APIKeyHandler{service: service}
}

type createKeyRequest struct {
	Name string `json:"name"`
	Role string `json:"role"`
}

type createKeyResponse struct {
	Key   models.APIKey `json:"key"`
	Token string        `json:"token"`
}

// List returns the tenant's keys. Secrets are never returned.
func (h *APIKeyHandler) List(w http.ResponseWriter, r *http.Request) {
	keys, err := h.service.ListKeys(tenantFrom(r))
	if err != nil {
		log.Error().Err(err).Msg("Failed to list API keys")
		apierror.Write(w, http.StatusInternalServerError, apierror.CodeInternal, "Failed to list API keys")
		return
	}
	writeJSON(w, http.StatusOK, keys)
}

// Create mints a new key. The token is shown once in the response and
// cannot be recovered afterwards.
func (h *APIKeyHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierror.Write(w, http.StatusBadRequest, apierror.CodeValidation, "Invalid request body")
		return
	}
	if req.Name == "" {
		apierror.Write(w, http.StatusBadRequest, apierror.CodeMissingField, "name is required")
		return
	}
	switch req.Role {
	case models.RoleRead, models.RoleWrite, models.RoleAdmin:
	default:
		apierror.Write(w, http.StatusBadRequest, apierror.CodeValidation, "role must be read, write or admin")
		return
	}

	key, token, err := h.service.CreateKey(tenantFrom(r), req.Name, req.Role)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create API key")
		apierror.Write(w, http.StatusInternalServerError, apierror.CodeInternal, "Failed to create API key")
		return
	}
	writeJSON(w, http.StatusCreated, createKeyResponse{Key: key, Token: token})
}

// Delete revokes a key immediately.
func (h *APIKeyHandler) Delete(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "keyId")
	if err := h.service.DeleteKey(tenantFrom(r), keyID); err != nil {
		log.Error().Err(err).Str("keyId", keyID).Msg("Failed to delete API key")
		apierror.Write(w, http.StatusInternalServerError, apierror.CodeInternal, "Failed to delete API key")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
