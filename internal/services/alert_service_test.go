package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetlens/fleetlens-be/internal/models"
)

func newTestAlerts(t *testing.T) (*AlertService, *EventStore, *sql.DB, *stubDispatcher) {
	t.Helper()
	db := newTestDB(t)
	store := NewEventStore(db)
	dispatcher := &stubDispatcher{}
	return NewAlertService(db, store, dispatcher), store, db, dispatcher
}

func insertProfileRow(t *testing.T, db *sql.DB, tenantID, agentID string, lastHeartbeat *time.Time) {
	t.Helper()
	_, err := db.Exec(`
		INSERT INTO agent_profiles (tenant_id, agent_id, last_seen_at, last_heartbeat_at, stuck_threshold_seconds)
		VALUES (?, ?, ?, ?, 300)`, tenantID, agentID, time.Now().UTC(), lastHeartbeat)
	require.NoError(t, err)
}

func TestAlertRuleCRUD(t *testing.T) {
	svc, _, _, _ := newTestAlerts(t)

	_, err := svc.CreateRule(models.AlertRule{TenantID: "tenant-1", Name: "x", ConditionType: "bogus"})
	assert.Error(t, err)
	_, err = svc.CreateRule(models.AlertRule{TenantID: "tenant-1", ConditionType: models.ConditionTaskFailed})
	assert.Error(t, err)

	created, err := svc.CreateRule(models.AlertRule{
		TenantID:        "tenant-1",
		Name:            "failures",
		ConditionType:   models.ConditionTaskFailed,
		Params:          models.AlertParams{WindowSeconds: 600},
		CooldownSeconds: 120,
		WebhookURL:      "https://example.com/hook",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.True(t, created.IsActive)
	assert.Equal(t, 600, created.Params.WindowSeconds)

	got, err := svc.GetRule("tenant-1", created.ID)
	require.NoError(t, err)
	assert.Equal(t, "failures", got.Name)

	// Tenant isolation.
	_, err = svc.GetRule("tenant-2", created.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	got.Name = "renamed"
	got.Params.WindowSeconds = 900
	updated, err := svc.UpdateRule("tenant-1", created.ID, got)
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.Equal(t, 900, updated.Params.WindowSeconds)

	_, err = svc.UpdateRule("tenant-1", "missing", got)
	assert.Error(t, err)

	rules, err := svc.ListRules("tenant-1")
	require.NoError(t, err)
	assert.Len(t, rules, 1)

	require.NoError(t, svc.DeleteRule("tenant-1", created.ID))
	rules, err = svc.ListRules("tenant-1")
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestTaskFailedCondition(t *testing.T) {
	svc, store, db, dispatcher := newTestAlerts(t)

	rule, err := svc.CreateRule(models.AlertRule{
		TenantID:      "tenant-1",
		Name:          "task failures",
		ConditionType: models.ConditionTaskFailed,
		WebhookURL:    "https://example.com/hook",
	})
	require.NoError(t, err)

	// No failures yet: nothing fires.
	svc.EvaluateScope(context.Background(), "tenant-1", []string{"agent-1"}, nil)
	history, err := svc.History("tenant-1", 0)
	require.NoError(t, err)
	assert.Empty(t, history)

	failed := storedEvent("tenant-1", "evt-1", "agent-1", models.EventTaskFailed, time.Now().UTC())
	failed.TaskID = strPtr("task-1")
	insertTestEvents(t, db, store, failed)

	svc.EvaluateScope(context.Background(), "tenant-1", []string{"agent-1"}, nil)

	history, err = svc.History("tenant-1", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, rule.ID, history[0].RuleID)
	assert.Equal(t, models.ConditionTaskFailed, history[0].ConditionType)

	var snapshot map[string]interface{}
	require.NoError(t, json.Unmarshal(history[0].Snapshot, &snapshot))
	assert.EqualValues(t, 1, snapshot["failed_tasks"])

	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()
	require.Len(t, dispatcher.firings, 1)
	assert.Equal(t, "https://example.com/hook", dispatcher.firings[0].WebhookURL)
}

func TestCooldownSuppressesRefiring(t *testing.T) {
	svc, store, db, _ := newTestAlerts(t)

	rule, err := svc.CreateRule(models.AlertRule{
		TenantID:        "tenant-1",
		Name:            "task failures",
		ConditionType:   models.ConditionTaskFailed,
		CooldownSeconds: 3600,
	})
	require.NoError(t, err)

	failed := storedEvent("tenant-1", "evt-1", "agent-1", models.EventTaskFailed, time.Now().UTC())
	failed.TaskID = strPtr("task-1")
	insertTestEvents(t, db, store, failed)

	svc.EvaluateScope(context.Background(), "tenant-1", []string{"agent-1"}, nil)
	svc.EvaluateScope(context.Background(), "tenant-1", []string{"agent-1"}, nil)

	history, err := svc.History("tenant-1", 0)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	// A fresh service instance falls back to the persisted last_fired_at.
	svc2 := NewAlertService(db, store, nil)
	svc2.EvaluateScope(context.Background(), "tenant-1", []string{"agent-1"}, nil)
	history, err = svc2.History("tenant-1", 0)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	got, err := svc.GetRule("tenant-1", rule.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.LastFiredAt)
}

func TestScopeSkipsUnrelatedRules(t *testing.T) {
	svc, store, db, _ := newTestAlerts(t)

	_, err := svc.CreateRule(models.AlertRule{
		TenantID:      "tenant-1",
		Name:          "agent-2 failures",
		ConditionType: models.ConditionTaskFailed,
		AgentID:       strPtr("agent-2"),
	})
	require.NoError(t, err)
	_, err = svc.CreateRule(models.AlertRule{
		TenantID:      "tenant-1",
		Name:          "proj-2 failures",
		ConditionType: models.ConditionTaskFailed,
		ProjectID:     strPtr("proj-2"),
	})
	require.NoError(t, err)

	failed := storedEvent("tenant-1", "evt-1", "agent-1", models.EventTaskFailed, time.Now().UTC())
	failed.TaskID = strPtr("task-1")
	failed.ProjectID = strPtr("proj-1")
	insertTestEvents(t, db, store, failed)

	// Batch touched agent-1/proj-1 only; neither rule's scope intersects.
	svc.EvaluateScope(context.Background(), "tenant-1", []string{"agent-1"}, []string{"proj-1"})

	history, err := svc.History("tenant-1", 0)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestFailureRateCondition(t *testing.T) {
	svc, store, db, _ := newTestAlerts(t)

	_, err := svc.CreateRule(models.AlertRule{
		TenantID:      "tenant-1",
		Name:          "failure rate",
		ConditionType: models.ConditionFailureRate,
		Params:        models.AlertParams{Rate: 0.5, MinCount: 4},
	})
	require.NoError(t, err)

	now := time.Now().UTC()
	mk := func(id string, typ models.EventType, taskID string) models.Event {
		e := storedEvent("tenant-1", id, "agent-1", typ, now)
		e.TaskID = strPtr(taskID)
		return e
	}

	// 2 failed / 1 completed: rate is over but volume is under min_count.
	insertTestEvents(t, db, store,
		mk("evt-1", models.EventTaskFailed, "t1"),
		mk("evt-2", models.EventTaskFailed, "t2"),
		mk("evt-3", models.EventTaskCompleted, "t3"),
	)
	svc.EvaluateScope(context.Background(), "tenant-1", []string{"agent-1"}, nil)
	history, err := svc.History("tenant-1", 0)
	require.NoError(t, err)
	assert.Empty(t, history)

	// Fourth outcome pushes volume past min_count at a 50% failure rate.
	insertTestEvents(t, db, store, mk("evt-4", models.EventTaskCompleted, "t4"))
	svc.EvaluateScope(context.Background(), "tenant-1", []string{"agent-1"}, nil)
	history, err = svc.History("tenant-1", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)

	var snapshot map[string]interface{}
	require.NoError(t, json.Unmarshal(history[0].Snapshot, &snapshot))
	assert.EqualValues(t, 2, snapshot["failed"])
	assert.EqualValues(t, 2, snapshot["completed"])
}

func TestTaskDurationCondition(t *testing.T) {
	svc, store, db, _ := newTestAlerts(t)

	_, err := svc.CreateRule(models.AlertRule{
		TenantID:      "tenant-1",
		Name:          "slow tasks",
		ConditionType: models.ConditionTaskDuration,
		Params:        models.AlertParams{MaxDurationMs: 60000},
	})
	require.NoError(t, err)

	fast := storedEvent("tenant-1", "evt-1", "agent-1", models.EventTaskCompleted, time.Now().UTC())
	fast.TaskID = strPtr("task-fast")
	fast.DurationMs = int64Ptr(30000)
	insertTestEvents(t, db, store, fast)

	svc.EvaluateScope(context.Background(), "tenant-1", []string{"agent-1"}, nil)
	history, err := svc.History("tenant-1", 0)
	require.NoError(t, err)
	assert.Empty(t, history)

	slow := storedEvent("tenant-1", "evt-2", "agent-1", models.EventTaskCompleted, time.Now().UTC())
	slow.TaskID = strPtr("task-slow")
	slow.DurationMs = int64Ptr(120000)
	insertTestEvents(t, db, store, slow)

	svc.EvaluateScope(context.Background(), "tenant-1", []string{"agent-1"}, nil)
	history, err = svc.History("tenant-1", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)

	var snapshot map[string]interface{}
	require.NoError(t, json.Unmarshal(history[0].Snapshot, &snapshot))
	assert.Equal(t, "task-slow", snapshot["task_id"])
}

func TestHeartbeatStaleAndAgentOffline(t *testing.T) {
	svc, _, db, _ := newTestAlerts(t)

	_, err := svc.CreateRule(models.AlertRule{
		TenantID:      "tenant-1",
		Name:          "stale heartbeats",
		ConditionType: models.ConditionHeartbeatStale,
		Params:        models.AlertParams{ThresholdSeconds: 300},
	})
	require.NoError(t, err)
	_, err = svc.CreateRule(models.AlertRule{
		TenantID:      "tenant-1",
		Name:          "agent-2 offline",
		ConditionType: models.ConditionAgentOffline,
		Params:        models.AlertParams{AgentID: "agent-2", ThresholdSeconds: 300},
	})
	require.NoError(t, err)

	fresh := time.Now().UTC().Add(-time.Minute)
	insertProfileRow(t, db, "tenant-1", "agent-1", &fresh)
	insertProfileRow(t, db, "tenant-1", "agent-2", &fresh)

	svc.EvaluatePeriodic(context.Background())
	history, err := svc.History("tenant-1", 0)
	require.NoError(t, err)
	assert.Empty(t, history)

	stale := time.Now().UTC().Add(-time.Hour)
	_, err = db.Exec(`UPDATE agent_profiles SET last_heartbeat_at = ? WHERE agent_id = ?`, stale, "agent-2")
	require.NoError(t, err)

	svc.EvaluatePeriodic(context.Background())
	history, err = svc.History("tenant-1", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)

	conditions := []string{history[0].ConditionType, history[1].ConditionType}
	assert.ElementsMatch(t, []string{models.ConditionHeartbeatStale, models.ConditionAgentOffline}, conditions)
}

func TestLLMCostCondition(t *testing.T) {
	svc, store, db, _ := newTestAlerts(t)

	_, err := svc.CreateRule(models.AlertRule{
		TenantID:      "tenant-1",
		Name:          "cost ceiling",
		ConditionType: models.ConditionLLMCost,
		Params:        models.AlertParams{MaxCostUSD: 1.0},
	})
	require.NoError(t, err)

	call := storedEvent("tenant-1", "evt-1", "agent-1", models.EventActionCompleted, time.Now().UTC())
	call.Payload = json.RawMessage(`{"kind": "llm_call", "model": "m", "cost_usd": 0.8}`)
	insertTestEvents(t, db, store, call)

	svc.EvaluateScope(context.Background(), "tenant-1", []string{"agent-1"}, nil)
	history, err := svc.History("tenant-1", 0)
	require.NoError(t, err)
	assert.Empty(t, history)

	call2 := storedEvent("tenant-1", "evt-2", "agent-1", models.EventActionCompleted, time.Now().UTC())
	call2.Payload = json.RawMessage(`{"kind": "llm_call", "model": "m", "cost_usd": 0.8}`)
	insertTestEvents(t, db, store, call2)

	svc.EvaluateScope(context.Background(), "tenant-1", []string{"agent-1"}, nil)
	history, err = svc.History("tenant-1", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)

	var snapshot map[string]interface{}
	require.NoError(t, json.Unmarshal(history[0].Snapshot, &snapshot))
	assert.InDelta(t, 1.6, snapshot["total_cost_usd"].(float64), 1e-9)
}

func TestInactiveRuleNeverFires(t *testing.T) {
	svc, store, db, _ := newTestAlerts(t)

	rule, err := svc.CreateRule(models.AlertRule{
		TenantID:      "tenant-1",
		Name:          "task failures",
		ConditionType: models.ConditionTaskFailed,
	})
	require.NoError(t, err)
	rule.IsActive = false
	_, err = svc.UpdateRule("tenant-1", rule.ID, rule)
	require.NoError(t, err)

	failed := storedEvent("tenant-1", "evt-1", "agent-1", models.EventTaskFailed, time.Now().UTC())
	failed.TaskID = strPtr("task-1")
	insertTestEvents(t, db, store, failed)

	svc.EvaluateScope(context.Background(), "tenant-1", []string{"agent-1"}, nil)
	history, err := svc.History("tenant-1", 0)
	require.NoError(t, err)
	assert.Empty(t, history)
}
