package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetlens/fleetlens-be/internal/apierror"
	"github.com/fleetlens/fleetlens-be/internal/auth"
	"github.com/fleetlens/fleetlens-be/internal/models"
	"github.com/fleetlens/fleetlens-be/internal/services"
)

type stubIngest struct {
	result *services.IngestResult
	err    error
}

func (s *stubIngest) IngestBatch(ctx context.Context, tenantID string, req services.IngestRequest) (*services.IngestResult, error) {
	return s.result, s.err
}

func postBatch(t *testing.T, h *IngestHandler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/ingest", strings.NewReader(body))
	req = req.WithContext(auth.WithIdentity(req.Context(), auth.Identity{TenantID: "tenant-1", Role: models.RoleWrite}))
	rec := httptest.NewRecorder()
	h.Ingest(rec, req)
	return rec
}

func TestIngestStatusMapping(t *testing.T) {
	batch := `{"envelope": {"agent_id": "agent-1"}, "events": []}`

	rec := postBatch(t, NewIngestHandler(&stubIngest{result: &services.IngestResult{Accepted: 2}}), batch)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = postBatch(t, NewIngestHandler(&stubIngest{result: &services.IngestResult{Accepted: 1, Rejected: 1}}), batch)
	assert.Equal(t, http.StatusMultiStatus, rec.Code)
	assert.Contains(t, rec.Body.String(), `"accepted":1`)

	rec = postBatch(t, NewIngestHandler(&stubIngest{result: &services.IngestResult{Rejected: 2}}), batch)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postBatch(t, NewIngestHandler(&stubIngest{err: assert.AnError}), batch)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestIngestEnvelopeErrorsKeepTheirCodes(t *testing.T) {
	batch := `{"envelope": {"agent_id": "agent-1"}, "events": []}`

	// Envelope-level rejections surface their own code and status instead of
	// collapsing into internal_error.
	h := NewIngestHandler(&stubIngest{err: apierror.New(apierror.CodePayloadTooLarge, "batch exceeds 500 events")})
	rec := postBatch(t, h, batch)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Contains(t, rec.Body.String(), "payload_too_large")

	h = NewIngestHandler(&stubIngest{err: apierror.New(apierror.CodeValidation, "envelope.agent_id required when events omit agent_id")})
	rec = postBatch(t, h, batch)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "validation_error")
}

func TestIngestRejectsMalformedBody(t *testing.T) {
	h := NewIngestHandler(&stubIngest{result: &services.IngestResult{}})

	rec := postBatch(t, h, `{"events": [`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "validation_error")
}

func TestIngestRejectsOversizedBody(t *testing.T) {
	h := NewIngestHandler(&stubIngest{result: &services.IngestResult{}})

	big := `{"filler": "` + strings.Repeat("a", maxIngestBodyBytes+1) + `"}`
	rec := postBatch(t, h, big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Contains(t, rec.Body.String(), "payload_too_large")
}

type stubEventStore struct {
	services.EventStoreProvider

	lastFilter services.EventFilter
}

func (s *stubEventStore) EventsMatching(tenantID string, f services.EventFilter) ([]models.Event, string, error) {
	s.lastFilter = f
	return nil, "", nil
}

func TestActivityListValidatesFilters(t *testing.T) {
	store := &stubEventStore{}
	h := NewActivityHandler(store)

	get := func(query string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/activity"+query, nil)
		req = req.WithContext(auth.WithIdentity(req.Context(), auth.Identity{TenantID: "tenant-1", Role: models.RoleRead}))
		rec := httptest.NewRecorder()
		h.List(rec, req)
		return rec
	}

	rec := get("?event_type=task_failed,escalated&severity=error")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, store.lastFilter.EventTypes, 2)
	assert.False(t, store.lastFilter.IncludeHeartbeats)

	rec = get("?include_heartbeats=true")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, store.lastFilter.IncludeHeartbeats)

	rec = get("?event_type=bogus")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_event_type")

	rec = get("?severity=loud")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_severity")
}
