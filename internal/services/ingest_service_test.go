package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetlens/fleetlens-be/internal/apierror"
	"github.com/fleetlens/fleetlens-be/internal/models"
)

const testTenant = "tenant-1"

func newTestIngest(t *testing.T) (*IngestService, *EventStore, *stubHub) {
	t.Helper()
	db := newTestDB(t)
	store := NewEventStore(db)
	hub := &stubHub{}
	return NewIngestService(db, store, hub, nil, 300), store, hub
}

func ingestEvent(eventID string, eventType models.EventType, minute int) models.Event {
	return models.Event{
		EventID:   eventID,
		EventType: eventType,
		Timestamp: tsAt(minute),
	}
}

func TestIngestBatchHappyPath(t *testing.T) {
	svc, store, hub := newTestIngest(t)

	hb := ingestEvent("e1", models.EventHeartbeat, 0)
	started := ingestEvent("e2", models.EventTaskStarted, 1)
	started.TaskID = strPtr("task-1")
	started.ProjectID = strPtr("proj-1")

	result, err := svc.IngestBatch(context.Background(), testTenant, IngestRequest{
		Envelope: Envelope{AgentID: "agent-1", AgentType: "coder", Framework: "langchain"},
		Events:   []models.Event{hb, started},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Accepted)
	assert.Equal(t, 0, result.Rejected)
	assert.False(t, result.Partial())

	// Both events are stored under the envelope agent.
	events, _, err := store.EventsMatching(testTenant, EventFilter{AgentID: "agent-1"})
	require.NoError(t, err)
	require.Len(t, events, 1) // heartbeats excluded by default
	assert.Equal(t, "e2", events[0].EventID)

	events, _, err = store.EventsMatching(testTenant, EventFilter{IncludeHeartbeats: true})
	require.NoError(t, err)
	assert.Len(t, events, 2)

	// Both inserted events were broadcast.
	assert.Equal(t, 2, hub.eventCount())

	// The profile reflects the batch.
	p, err := svc.loadProfile(testTenant, "agent-1")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "coder", p.AgentType)
	assert.Equal(t, models.EventTaskStarted, p.LastEventType)
	require.NotNil(t, p.LastHeartbeatAt)
	require.NotNil(t, p.CurrentTaskID)
	assert.Equal(t, "task-1", *p.CurrentTaskID)
}

func TestIngestBatchIdempotentRetry(t *testing.T) {
	svc, store, hub := newTestIngest(t)

	req := IngestRequest{
		Envelope: Envelope{AgentID: "agent-1"},
		Events:   []models.Event{ingestEvent("e1", models.EventHeartbeat, 0)},
	}

	first, err := svc.IngestBatch(context.Background(), testTenant, req)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Accepted)

	second, err := svc.IngestBatch(context.Background(), testTenant, req)
	require.NoError(t, err)
	// Duplicates count as accepted but are stored and broadcast once.
	assert.Equal(t, 1, second.Accepted)
	assert.Equal(t, 0, second.Rejected)

	events, _, err := store.EventsMatching(testTenant, EventFilter{})
	require.NoError(t, err)
	assert.Empty(t, events) // the only event is a heartbeat
	assert.Equal(t, 1, hub.eventCount())
}

func TestIngestBatchPartialAcceptance(t *testing.T) {
	svc, _, _ := newTestIngest(t)

	good := ingestEvent("good", models.EventHeartbeat, 0)
	noType := ingestEvent("no-type", "bogus", 1)
	noTask := ingestEvent("no-task", models.EventTaskStarted, 2) // task_id missing
	noTime := models.Event{EventID: "no-time", EventType: models.EventHeartbeat}

	result, err := svc.IngestBatch(context.Background(), testTenant, IngestRequest{
		Envelope: Envelope{AgentID: "agent-1"},
		Events:   []models.Event{good, noType, noTask, noTime},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Accepted)
	assert.Equal(t, 3, result.Rejected)
	assert.True(t, result.Partial())
	require.Len(t, result.Errors, 3)

	codes := map[string]string{}
	for _, e := range result.Errors {
		codes[e.EventID] = e.Code
	}
	assert.Equal(t, apierror.CodeInvalidEventType, codes["no-type"])
	assert.Equal(t, apierror.CodeMissingField, codes["no-task"])
	assert.Equal(t, apierror.CodeMissingField, codes["no-time"])
}

func TestIngestBatchRejectsOversizedPayload(t *testing.T) {
	svc, _, _ := newTestIngest(t)

	big := make([]byte, models.MaxPayloadBytes+1)
	for i := range big {
		big[i] = 'a'
	}
	e := ingestEvent("big", models.EventCustom, 0)
	e.Payload = json.RawMessage(`{"blob":"` + string(big[:models.MaxPayloadBytes]) + `"}`)

	result, err := svc.IngestBatch(context.Background(), testTenant, IngestRequest{
		Envelope: Envelope{AgentID: "agent-1"},
		Events:   []models.Event{e},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Rejected)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, apierror.CodePayloadTooLarge, result.Errors[0].Code)
}

func TestIngestBatchRejectsHeartbeatWithTaskScope(t *testing.T) {
	svc, _, _ := newTestIngest(t)

	e := ingestEvent("hb", models.EventHeartbeat, 0)
	e.TaskID = strPtr("task-1")

	result, err := svc.IngestBatch(context.Background(), testTenant, IngestRequest{
		Envelope: Envelope{AgentID: "agent-1"},
		Events:   []models.Event{e},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Rejected)
	assert.Equal(t, apierror.CodeValidation, result.Errors[0].Code)
}

func TestIngestBatchEnvelopeRequiredWhenEventsOmitAgent(t *testing.T) {
	svc, _, _ := newTestIngest(t)

	_, err := svc.IngestBatch(context.Background(), testTenant, IngestRequest{
		Events: []models.Event{ingestEvent("e1", models.EventHeartbeat, 0)},
	})
	require.Error(t, err)

	// An event carrying its own agent_id needs no envelope.
	e := ingestEvent("e2", models.EventHeartbeat, 0)
	e.AgentID = "agent-7"
	result, err := svc.IngestBatch(context.Background(), testTenant, IngestRequest{
		Events: []models.Event{e},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Accepted)
}

func TestIngestBatchProjectInheritance(t *testing.T) {
	svc, store, _ := newTestIngest(t)

	started := ingestEvent("e1", models.EventTaskStarted, 0)
	started.TaskID = strPtr("task-1")
	started.ProjectID = strPtr("proj-1")
	action := ingestEvent("e2", models.EventActionStarted, 1)
	action.TaskID = strPtr("task-1")
	action.ActionID = strPtr("a-1")

	result, err := svc.IngestBatch(context.Background(), testTenant, IngestRequest{
		Envelope: Envelope{AgentID: "agent-1"},
		Events:   []models.Event{started, action},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Accepted)

	events, err := store.EventsForTask(testTenant, "task-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	for _, e := range events {
		require.NotNil(t, e.ProjectID, "event %s should inherit the project", e.EventID)
		assert.Equal(t, "proj-1", *e.ProjectID)
	}

	// A later batch referencing the same task inherits from the store.
	completed := ingestEvent("e3", models.EventTaskCompleted, 2)
	completed.TaskID = strPtr("task-1")
	_, err = svc.IngestBatch(context.Background(), testTenant, IngestRequest{
		Envelope: Envelope{AgentID: "agent-1"},
		Events:   []models.Event{completed},
	})
	require.NoError(t, err)

	events, err = store.EventsForTask(testTenant, "task-1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "proj-1", *events[2].ProjectID)
}

func TestIngestBatchRejectsContradictoryProjectRef(t *testing.T) {
	svc, _, _ := newTestIngest(t)

	started := ingestEvent("e1", models.EventTaskStarted, 0)
	started.TaskID = strPtr("task-1")
	started.ProjectID = strPtr("proj-1")
	wrong := ingestEvent("e2", models.EventActionStarted, 1)
	wrong.TaskID = strPtr("task-1")
	wrong.ActionID = strPtr("a-1")
	wrong.ProjectID = strPtr("proj-2")

	result, err := svc.IngestBatch(context.Background(), testTenant, IngestRequest{
		Envelope: Envelope{AgentID: "agent-1"},
		Events:   []models.Event{started, wrong},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Accepted)
	assert.Equal(t, 1, result.Rejected)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, apierror.CodeInvalidProjectReference, result.Errors[0].Code)
	assert.Equal(t, "e2", result.Errors[0].EventID)
}

func TestIngestBatchAutoCreatesProjectAndMembership(t *testing.T) {
	svc, _, _ := newTestIngest(t)
	db := svc.db

	started := ingestEvent("e1", models.EventTaskStarted, 0)
	started.TaskID = strPtr("task-1")
	started.ProjectID = strPtr("proj-auto")

	_, err := svc.IngestBatch(context.Background(), testTenant, IngestRequest{
		Envelope: Envelope{AgentID: "agent-1"},
		Events:   []models.Event{started},
	})
	require.NoError(t, err)

	var name string
	require.NoError(t, db.QueryRow(`SELECT name FROM projects WHERE tenant_id = ? AND project_id = ?`,
		testTenant, "proj-auto").Scan(&name))
	assert.Equal(t, "proj-auto", name)

	projects, err := svc.projectsForAgent(testTenant, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"proj-auto"}, projects)
}

func TestIngestBatchStatusTransitionBroadcast(t *testing.T) {
	svc, _, hub := newTestIngest(t)

	// Heartbeat + task start: the agent appears and goes processing.
	hb := ingestEvent("hb1", models.EventHeartbeat, 0)
	hb.Timestamp = time.Now().UTC()
	started := ingestEvent("e1", models.EventTaskStarted, 0)
	started.Timestamp = time.Now().UTC()
	started.TaskID = strPtr("task-1")

	_, err := svc.IngestBatch(context.Background(), testTenant, IngestRequest{
		Envelope: Envelope{AgentID: "agent-1"},
		Events:   []models.Event{hb, started},
	})
	require.NoError(t, err)

	changes := hub.statusChanges()
	require.Len(t, changes, 1)
	assert.Equal(t, models.AgentProcessing, changes[0].NewStatus)

	// Failure flips the derived status to error.
	failed := ingestEvent("e2", models.EventTaskFailed, 0)
	failed.Timestamp = time.Now().UTC()
	failed.TaskID = strPtr("task-1")
	hb2 := ingestEvent("hb2", models.EventHeartbeat, 0)
	hb2.Timestamp = time.Now().UTC()

	_, err = svc.IngestBatch(context.Background(), testTenant, IngestRequest{
		Envelope: Envelope{AgentID: "agent-1"},
		Events:   []models.Event{failed, hb2},
	})
	require.NoError(t, err)

	changes = hub.statusChanges()
	require.Len(t, changes, 2)
	assert.Equal(t, models.AgentProcessing, changes[1].OldStatus)
	assert.Equal(t, models.AgentError, changes[1].NewStatus)
}

func TestIngestBatchNewIdleAgentNotBroadcast(t *testing.T) {
	svc, _, hub := newTestIngest(t)

	hb := ingestEvent("hb", models.EventHeartbeat, 0)
	hb.Timestamp = time.Now().UTC()
	_, err := svc.IngestBatch(context.Background(), testTenant, IngestRequest{
		Envelope: Envelope{AgentID: "agent-1"},
		Events:   []models.Event{hb},
	})
	require.NoError(t, err)
	assert.Empty(t, hub.statusChanges())
}

func TestIngestBatchHeartbeatDoesNotMaskTask(t *testing.T) {
	// An agent starts a task, then only heartbeats arrive. The profile must
	// keep reporting the task as the last meaningful event so staleness can
	// flip it to stuck later, and heartbeats alone keep it processing.
	svc, _, _ := newTestIngest(t)

	now := time.Now().UTC()
	started := ingestEvent("e1", models.EventTaskStarted, 0)
	started.Timestamp = now.Add(-10 * time.Minute)
	started.TaskID = strPtr("task-1")
	hb := ingestEvent("hb1", models.EventHeartbeat, 0)
	hb.Timestamp = now

	_, err := svc.IngestBatch(context.Background(), testTenant, IngestRequest{
		Envelope: Envelope{AgentID: "agent-1"},
		Events:   []models.Event{started, hb},
	})
	require.NoError(t, err)

	p, err := svc.loadProfile(testTenant, "agent-1")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, models.EventTaskStarted, p.LastEventType)
	assert.Equal(t, models.AgentProcessing, DeriveAgentStatus(p, now))

	// Ten minutes of silence: same profile, derived status flips to stuck.
	assert.Equal(t, models.AgentStuck, DeriveAgentStatus(p, now.Add(10*time.Minute)))
}

func TestIngestBatchLateEventDoesNotRegressProfile(t *testing.T) {
	svc, _, _ := newTestIngest(t)

	now := time.Now().UTC()
	completed := ingestEvent("e2", models.EventTaskCompleted, 0)
	completed.Timestamp = now
	completed.TaskID = strPtr("task-1")
	_, err := svc.IngestBatch(context.Background(), testTenant, IngestRequest{
		Envelope: Envelope{AgentID: "agent-1"},
		Events:   []models.Event{completed},
	})
	require.NoError(t, err)

	// A stale task_started arriving later must not overwrite the newer type.
	started := ingestEvent("e1", models.EventTaskStarted, 0)
	started.Timestamp = now.Add(-5 * time.Minute)
	started.TaskID = strPtr("task-1")
	_, err = svc.IngestBatch(context.Background(), testTenant, IngestRequest{
		Envelope: Envelope{AgentID: "agent-1"},
		Events:   []models.Event{started},
	})
	require.NoError(t, err)

	p, err := svc.loadProfile(testTenant, "agent-1")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, models.EventTaskCompleted, p.LastEventType)
}

func TestIngestBatchRegistrationThresholdOverride(t *testing.T) {
	svc, _, _ := newTestIngest(t)

	reg := ingestEvent("e1", models.EventRegistration, 0)
	reg.Payload = json.RawMessage(`{"stuck_threshold_seconds": 900}`)

	_, err := svc.IngestBatch(context.Background(), testTenant, IngestRequest{
		Envelope: Envelope{AgentID: "agent-1"},
		Events:   []models.Event{reg},
	})
	require.NoError(t, err)

	p, err := svc.loadProfile(testTenant, "agent-1")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, 900, p.StuckThresholdSeconds)
}

func TestIngestBatchConventionWarningsAreAdvisory(t *testing.T) {
	svc, _, _ := newTestIngest(t)

	e := ingestEvent("e1", models.EventCustom, 0)
	e.Payload = json.RawMessage(`{"kind":"llm_call","model":"gpt"}`) // cost_usd missing

	result, err := svc.IngestBatch(context.Background(), testTenant, IngestRequest{
		Envelope: Envelope{AgentID: "agent-1"},
		Events:   []models.Event{e},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Accepted)
	assert.Equal(t, 0, result.Rejected)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0].Message, "cost_usd")
}

func TestAgentLocksReleaseEvictsEntries(t *testing.T) {
	l := agentLocks{held: make(map[string]*agentLock)}

	release := l.lockAll([]string{"t1\x00a1", "t1\x00a2"})
	l.mu.Lock()
	assert.Len(t, l.held, 2)
	l.mu.Unlock()

	// A contended key stays resident until its last holder lets go.
	done := make(chan struct{})
	go func() {
		r2 := l.lockAll([]string{"t1\x00a1"})
		r2()
		close(done)
	}()
	require.Eventually(t, func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.held["t1\x00a1"].refs == 2
	}, time.Second, time.Millisecond)

	release()
	<-done
	l.mu.Lock()
	assert.Empty(t, l.held)
	l.mu.Unlock()
}

func TestIngestBatchTooManyEvents(t *testing.T) {
	svc, _, _ := newTestIngest(t)

	events := make([]models.Event, MaxBatchEvents+1)
	for i := range events {
		events[i] = ingestEvent("e", models.EventHeartbeat, 0)
	}
	_, err := svc.IngestBatch(context.Background(), testTenant, IngestRequest{
		Envelope: Envelope{AgentID: "agent-1"},
		Events:   events,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), apierror.CodePayloadTooLarge)
}
