package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/fleetlens/fleetlens-be/internal/apierror"
	"github.com/fleetlens/fleetlens-be/internal/models"
	"github.com/fleetlens/fleetlens-be/internal/services"
)

// AlertHandler handles HTTP requests for alert rules and firing history.
type AlertHandler struct {
	service services.AlertServiceProvider
}

// NewAlertHandler creates a new AlertHandler.
func NewAlertHandler(service services.AlertServiceProvider) *AlertHandler {
	return &AlertHandler{service: service}
}

func validateRule(rule *models.AlertRule) (code, message string) {
	if rule.Name == "" {
		return apierror.CodeMissingField, "name is required"
	}
	if !models.ValidConditionType(rule.ConditionType) {
		return apierror.CodeValidation, "Unknown condition type: " + rule.ConditionType
	}
	return "", ""
}

// List returns all alert rules for the tenant.
func (h *AlertHandler) List(w http.ResponseWriter, r *http.Request) {
	rules, err := h.service.ListRules(tenantFrom(r))
	if err != nil {
		log.Error().Err(err).Msg("Failed to list alert rules")
		apierror.Write(w, http.StatusInternalServerError, apierror.CodeInternal, "Failed to list alert rules")
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

// Get returns one alert rule.
func (h *AlertHandler) Get(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "ruleId")
	rule, err := h.service.GetRule(tenantFrom(r), ruleID)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			apierror.Write(w, http.StatusNotFound, apierror.CodeNotFound, err.Error())
			return
		}
		log.Error().Err(err).Str("ruleId", ruleID).Msg("Failed to get alert rule")
		apierror.Write(w, http.StatusInternalServerError, apierror.CodeInternal, "Failed to get alert rule")
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// Create adds a new alert rule.
func (h *AlertHandler) Create(w http.ResponseWriter, r *http.Request) {
	var rule models.AlertRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		apierror.Write(w, http.StatusBadRequest, apierror.CodeValidation, "Invalid request body")
		return
	}
	if code, msg := validateRule(&rule); code != "" {
		apierror.Write(w, http.StatusBadRequest, code, msg)
		return
	}

	rule.TenantID = tenantFrom(r)
	created, err := h.service.CreateRule(rule)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create alert rule")
		apierror.Write(w, http.StatusInternalServerError, apierror.CodeInternal, "Failed to create alert rule")
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// Update replaces an alert rule's definition.
func (h *AlertHandler) Update(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "ruleId")
	var rule models.AlertRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		apierror.Write(w, http.StatusBadRequest, apierror.CodeValidation, "Invalid request body")
		return
	}
	if code, msg := validateRule(&rule); code != "" {
		apierror.Write(w, http.StatusBadRequest, code, msg)
		return
	}

	updated, err := h.service.UpdateRule(tenantFrom(r), ruleID, rule)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			apierror.Write(w, http.StatusNotFound, apierror.CodeNotFound, err.Error())
			return
		}
		log.Error().Err(err).Str("ruleId", ruleID).Msg("Failed to update alert rule")
		apierror.Write(w, http.StatusInternalServerError, apierror.CodeInternal, "Failed to update alert rule")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// Delete removes an alert rule. Its firing history is kept.
func (h *AlertHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "ruleId")
	if err := h.service.DeleteRule(tenantFrom(r), ruleID); err != nil {
		log.Error().Err(err).Str("ruleId", ruleID).Msg("Failed to delete alert rule")
		apierror.Write(w, http.StatusInternalServerError, apierror.CodeInternal, "Failed to delete alert rule")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// History returns recent firings, newest first.
func (h *AlertHandler) History(w http.ResponseWriter, r *http.Request) {
	firings, err := h.service.History(tenantFrom(r), queryInt(r, "limit", 100))
	if err != nil {
		log.Error().Err(err).Msg("Failed to list alert history")
		apierror.Write(w, http.StatusInternalServerError, apierror.CodeInternal, "Failed to list alert history")
		return
	}
	writeJSON(w, http.StatusOK, firings)
}
