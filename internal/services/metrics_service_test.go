package services

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetlens/fleetlens-be/internal/models"
)

func seedMetricsEvents(t *testing.T) *MetricsService {
	t.Helper()
	db := newTestDB(t)
	store := NewEventStore(db)

	started := storedEvent("tenant-1", "evt-1", "agent-1", models.EventTaskStarted, storeTS(0))
	started.TaskID = strPtr("task-1")
	started.ProjectID = strPtr("proj-1")
	failed := storedEvent("tenant-1", "evt-2", "agent-1", models.EventTaskFailed, storeTS(1))
	failed.TaskID = strPtr("task-1")
	failed.ProjectID = strPtr("proj-1")
	completed := storedEvent("tenant-1", "evt-3", "agent-2", models.EventTaskCompleted, storeTS(2))
	completed.TaskID = strPtr("task-2")
	completed.DurationMs = int64Ptr(60000)

	callA := storedEvent("tenant-1", "evt-4", "agent-1", models.EventActionCompleted, storeTS(3))
	callA.Payload = json.RawMessage(`{"kind": "llm_call", "model": "m", "cost_usd": 0.4}`)
	// Next hour, different bucket.
	callB := storedEvent("tenant-1", "evt-5", "agent-2", models.EventActionCompleted, storeTS(90))
	callB.Payload = json.RawMessage(`{"kind": "llm_call", "model": "m", "cost_usd": 0.6}`)

	insertTestEvents(t, db, store, started, failed, completed, callA, callB)
	return NewMetricsService(db, store)
}

func TestMetricsQueryScalar(t *testing.T) {
	svc := seedMetricsEvents(t)

	points, err := svc.Query("tenant-1", MetricsQuery{Metric: "count"})
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.EqualValues(t, 5, points[0].Value)

	points, err = svc.Query("tenant-1", MetricsQuery{Metric: "error_count"})
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.EqualValues(t, 1, points[0].Value)

	points, err = svc.Query("tenant-1", MetricsQuery{Metric: "avg_duration_ms"})
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.EqualValues(t, 60000, points[0].Value)

	points, err = svc.Query("tenant-1", MetricsQuery{Metric: "total_cost_usd"})
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.InDelta(t, 1.0, points[0].Value, 1e-9)

	// Scope narrows the aggregate.
	points, err = svc.Query("tenant-1", MetricsQuery{Metric: "count", AgentID: "agent-2"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, points[0].Value)

	points, err = svc.Query("tenant-1", MetricsQuery{Metric: "count", ProjectID: "proj-1"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, points[0].Value)

	points, err = svc.Query("tenant-1", MetricsQuery{Metric: "count", From: storeTS(2), To: storeTS(3)})
	require.NoError(t, err)
	assert.EqualValues(t, 2, points[0].Value)
}

func TestMetricsQueryGrouped(t *testing.T) {
	svc := seedMetricsEvents(t)

	points, err := svc.Query("tenant-1", MetricsQuery{Metric: "count", GroupBy: "agent_id"})
	require.NoError(t, err)
	require.Len(t, points, 2)
	byGroup := map[string]float64{}
	for _, p := range points {
		byGroup[p.Group] = p.Value
	}
	assert.EqualValues(t, 3, byGroup["agent-1"])
	assert.EqualValues(t, 2, byGroup["agent-2"])

	points, err = svc.Query("tenant-1", MetricsQuery{Metric: "count", GroupBy: "event_type"})
	require.NoError(t, err)
	assert.Len(t, points, 4)
}

func TestMetricsQueryValidation(t *testing.T) {
	svc := seedMetricsEvents(t)

	_, err := svc.Query("tenant-1", MetricsQuery{Metric: "p99_latency"})
	require.Error(t, err)
	assert.True(t, IsQueryValidation(err))

	_, err = svc.Query("tenant-1", MetricsQuery{GroupBy: "task_id"})
	require.Error(t, err)
	assert.True(t, IsQueryValidation(err))
}

func TestCostSummaryAndTimeseries(t *testing.T) {
	svc := seedMetricsEvents(t)

	sum, err := svc.CostSummary("tenant-1", "", "", storeTS(0), storeTS(120))
	require.NoError(t, err)
	assert.InDelta(t, 1.0, sum.TotalUSD, 1e-9)
	assert.Equal(t, 2, sum.Calls)

	sum, err = svc.CostSummary("tenant-1", "", "agent-1", storeTS(0), storeTS(120))
	require.NoError(t, err)
	assert.InDelta(t, 0.4, sum.TotalUSD, 1e-9)
	assert.Equal(t, 1, sum.Calls)

	// The two calls land an hour apart, so hourly bucketing splits them.
	buckets, err := svc.CostTimeseries("tenant-1", "", "", storeTS(0), storeTS(120), "hour")
	require.NoError(t, err)
	require.Len(t, buckets, 2)
	assert.InDelta(t, 0.4, buckets[0].TotalUSD, 1e-9)
	assert.InDelta(t, 0.6, buckets[1].TotalUSD, 1e-9)

	buckets, err = svc.CostTimeseries("tenant-1", "", "", storeTS(0), storeTS(120), "day")
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.Equal(t, 2, buckets[0].Calls)
}

func TestCostCalls(t *testing.T) {
	svc := seedMetricsEvents(t)

	calls, next, err := svc.CostCalls("tenant-1", EventFilter{})
	require.NoError(t, err)
	require.Len(t, calls, 2)
	assert.Empty(t, next)
	assert.Equal(t, "evt-5", calls[0].EventID)
	for _, c := range calls {
		assert.Equal(t, models.KindLLMCall, c.PayloadKind)
	}
}
