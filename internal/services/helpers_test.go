package services

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fleetlens/fleetlens-be/internal/database"
	"github.com/fleetlens/fleetlens-be/internal/models"
)

// newTestDB opens a fresh in-memory database with the full schema. A single
// pooled connection keeps the memory database alive for the whole test.
func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := sql.Open("sqlite", "file:"+name+"?mode=memory&cache=shared&_time_format=sqlite")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	require.NoError(t, database.Migrate(db))
	t.Cleanup(func() { db.Close() })
	return db
}

// insertTestEvents stores events directly through the event store, bypassing
// the ingestion pipeline.
func insertTestEvents(t *testing.T, db *sql.DB, store *EventStore, events ...models.Event) {
	t.Helper()
	tx, err := db.BeginTx(context.Background(), nil)
	require.NoError(t, err)
	for i := range events {
		events[i].ExtractPayloadMeta()
	}
	_, err = store.InsertEvents(context.Background(), tx, events)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
}

// stubHub records broadcasts for assertions.
type stubHub struct {
	mu      sync.Mutex
	events  []models.Event
	changes []StatusChange
	stuck   []string
}

func (h *stubHub) PublishEvent(tenantID string, e models.Event, agentProjects []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, e)
}

func (h *stubHub) PublishStatusChange(tenantID, agentID string, oldStatus, newStatus models.AgentStatus, projects []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.changes = append(h.changes, StatusChange{AgentID: agentID, OldStatus: oldStatus, NewStatus: newStatus, Projects: projects})
}

func (h *stubHub) PublishStuck(tenantID, agentID string, projects []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stuck = append(h.stuck, agentID)
}

func (h *stubHub) eventCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

func (h *stubHub) statusChanges() []StatusChange {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]StatusChange(nil), h.changes...)
}

// stubDispatcher records webhook deliveries.
type stubDispatcher struct {
	mu      sync.Mutex
	firings []models.AlertFiring
}

func (d *stubDispatcher) Dispatch(firing models.AlertFiring) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.firings = append(d.firings, firing)
}

func int64Ptr(n int64) *int64 { return &n }

func storedEvent(tenant, eventID, agentID string, eventType models.EventType, received time.Time) models.Event {
	return models.Event{
		TenantID:   tenant,
		EventID:    eventID,
		AgentID:    agentID,
		EventType:  eventType,
		Severity:   models.DefaultSeverity(eventType),
		Timestamp:  received,
		ReceivedAt: received,
	}
}
