package handlers

import (
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fleetlens/fleetlens-be/internal/apierror"
	"github.com/fleetlens/fleetlens-be/internal/models"
	"github.com/fleetlens/fleetlens-be/internal/services"
)

// StatsHandler serves aggregate metrics and LLM cost rollups.
type StatsHandler struct {
	service services.MetricsServiceProvider
}

// NewStatsHandler creates a new StatsHandler.
func NewStatsHandler(service services.MetricsServiceProvider) *StatsHandler {
	return &StatsHandler{service: service}
}

// Query runs one aggregate query over stored events.
func (h *StatsHandler) Query(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mq := services.MetricsQuery{
		Metric:    q.Get("metric"),
		GroupBy:   q.Get("group_by"),
		ProjectID: q.Get("project_id"),
		AgentID:   q.Get("agent_id"),
		From:      queryTime(r, "from"),
		To:        queryTime(r, "to"),
	}
	if mq.Metric == "" {
		mq.Metric = "count"
	}

	points, err := h.service.Query(tenantFrom(r), mq)
	if err != nil {
		if services.IsQueryValidation(err) {
			apierror.Write(w, http.StatusBadRequest, apierror.CodeValidation, err.Error())
			return
		}
		log.Error().Err(err).Msg("Failed to run metrics query")
		apierror.Write(w, http.StatusInternalServerError, apierror.CodeInternal, "Failed to run metrics query")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"metric": mq.Metric, "points": points})
}

// costsResponse combines the rollup with an optional timeseries.
type costsResponse struct {
	Summary    *services.CostSummary `json:"summary"`
	Timeseries []services.CostBucket `json:"timeseries,omitempty"`
}

// Costs returns the LLM spend rollup for a time range, defaulting to the
// trailing 24 hours, with an optional hour/day bucketed timeseries.
func (h *StatsHandler) Costs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from := queryTime(r, "from")
	to := queryTime(r, "to")
	if from.IsZero() {
		from = time.Now().UTC().Add(-24 * time.Hour)
	}
	if to.IsZero() {
		to = time.Now().UTC()
	}

	tenantID := tenantFrom(r)
	summary, err := h.service.CostSummary(tenantID, q.Get("project_id"), q.Get("agent_id"), from, to)
	if err != nil {
		log.Error().Err(err).Msg("Failed to summarize costs")
		apierror.Write(w, http.StatusInternalServerError, apierror.CodeInternal, "Failed to summarize costs")
		return
	}

	resp := costsResponse{Summary: summary}
	if bucket := q.Get("bucket"); bucket != "" {
		if bucket != "hour" && bucket != "day" {
			apierror.Write(w, http.StatusBadRequest, apierror.CodeValidation, "bucket must be hour or day")
			return
		}
		series, err := h.service.CostTimeseries(tenantID, q.Get("project_id"), q.Get("agent_id"), from, to, bucket)
		if err != nil {
			log.Error().Err(err).Msg("Failed to bucket costs")
			apierror.Write(w, http.StatusInternalServerError, apierror.CodeInternal, "Failed to bucket costs")
			return
		}
		resp.Timeseries = series
	}
	writeJSON(w, http.StatusOK, resp)
}

// Timeseries returns the bucketed cost series on its own, defaulting to
// hourly buckets over the trailing 24 hours.
func (h *StatsHandler) Timeseries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from := queryTime(r, "from")
	to := queryTime(r, "to")
	if from.IsZero() {
		from = time.Now().UTC().Add(-24 * time.Hour)
	}
	if to.IsZero() {
		to = time.Now().UTC()
	}
	bucket := q.Get("bucket")
	if bucket == "" {
		bucket = "hour"
	}
	if bucket != "hour" && bucket != "day" {
		apierror.Write(w, http.StatusBadRequest, apierror.CodeValidation, "bucket must be hour or day")
		return
	}

	series, err := h.service.CostTimeseries(tenantFrom(r), q.Get("project_id"), q.Get("agent_id"), from, to, bucket)
	if err != nil {
		log.Error().Err(err).Msg("Failed to bucket costs")
		apierror.Write(w, http.StatusInternalServerError, apierror.CodeInternal, "Failed to bucket costs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"bucket": bucket, "timeseries": series})
}

// costCallsPage is one page of llm_call events.
type costCallsPage struct {
	Events     []models.Event `json:"events"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

// CostCalls lists the individual llm_call events behind the rollup.
func (h *StatsHandler) CostCalls(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := services.EventFilter{
		ProjectID: q.Get("project_id"),
		AgentID:   q.Get("agent_id"),
		From:      queryTime(r, "from"),
		To:        queryTime(r, "to"),
		Cursor:    q.Get("cursor"),
		Limit:     queryInt(r, "limit", 100),
	}

	events, next, err := h.service.CostCalls(tenantFrom(r), f)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list cost calls")
		apierror.Write(w, http.StatusInternalServerError, apierror.CodeInternal, "Failed to list cost calls")
		return
	}
	writeJSON(w, http.StatusOK, costCallsPage{Events: events, NextCursor: next})
}
