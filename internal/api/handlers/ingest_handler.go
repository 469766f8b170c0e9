package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/fleetlens/fleetlens-be/internal/apierror"
	"github.com/fleetlens/fleetlens-be/internal/services"
)

// maxIngestBodyBytes caps a whole batch request body. Individual events are
// capped separately at the event payload limit.
const maxIngestBodyBytes = 1 << 20

// IngestHandler handles the event write endpoint.
type IngestHandler struct {
	service services.IngestServiceProvider
}

// NewIngestHandler creates a new IngestHandler.
func NewIngestHandler(service services.IngestServiceProvider) *IngestHandler {
	return &IngestHandler{service: service}
}

// Ingest accepts a batch of agent events. Valid events in a mixed batch are
// stored; the response reports per-event rejections with a 207 status.
func (h *IngestHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxIngestBodyBytes)

	var req services.IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			apierror.Write(w, http.StatusRequestEntityTooLarge, apierror.CodePayloadTooLarge, "Request body exceeds the batch size limit")
			return
		}
		apierror.Write(w, http.StatusBadRequest, apierror.CodeValidation, "Invalid request body")
		return
	}

	result, err := h.service.IngestBatch(r.Context(), tenantFrom(r), req)
	if err != nil {
		var coded *apierror.Coded
		if errors.As(err, &coded) {
			status := http.StatusBadRequest
			if coded.Code == apierror.CodePayloadTooLarge {
				status = http.StatusRequestEntityTooLarge
			}
			apierror.Write(w, status, coded.Code, coded.Message)
			return
		}
		log.Error().Err(err).Msg("Failed to ingest event batch")
		apierror.Write(w, http.StatusInternalServerError, apierror.CodeInternal, "Failed to store events")
		return
	}

	status := http.StatusAccepted
	if result.Accepted == 0 && result.Rejected > 0 {
		status = http.StatusBadRequest
	} else if result.Partial() {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, result)
}
