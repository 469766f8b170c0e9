package services

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fleetlens/fleetlens-be/internal/models"
)

// EventFilter selects events for the activity stream and related reads.
// Heartbeats are noise for every consumer that doesn't ask for them, so the
// zero value leaves them out; an explicit type list always wins.
type EventFilter struct {
	EventTypes        []models.EventType
	Severities        []models.Severity
	ProjectID         string
	AgentID           string
	TaskID            string
	PayloadKind       string
	From              time.Time
	To                time.Time
	IncludeHeartbeats bool
	Cursor            string
	Limit             int
}

// EventStoreProvider is the append-only event log. Every read maps to one
// indexed query; if a read can't be expressed that way it doesn't belong
// here.
type EventStoreProvider interface {
	InsertEvents(ctx context.Context, tx *sql.Tx, events []models.Event) (inserted []bool, err error)
	EventsForTask(tenantID, taskID string) ([]models.Event, error)
	EventsForAgentSince(tenantID, agentID string, since time.Time, limit int) ([]models.Event, error)
	EventsMatching(tenantID string, f EventFilter) ([]models.Event, string, error)
	LatestPerGroup(tenantID, agentID, payloadKind string) ([]models.Event, error)
	LatestQueueSnapshot(tenantID, agentID string) (*models.Event, error)
	TaskLifecycleEvents(tenantID string, f EventFilter) ([]models.Event, error)
	TaskOpeningEvent(tenantID, taskID string) (*models.Event, error)
	CountEventsSince(tenantID string, types []models.EventType, projectID, agentID string, since time.Time) (int, error)
	MaxDurationSince(tenantID string, eventType models.EventType, projectID, agentID string, since time.Time) (*models.Event, error)
	SumCostSince(tenantID, projectID, agentID string, since time.Time) (float64, error)
	Tenants() ([]string, error)
	DeleteOlderThan(tenantID string, cutoff time.Time) (int64, error)
	DeleteHeartbeatsOlderThan(cutoff time.Time) (int64, error)
}

// EventStore persists events in SQLite.
type EventStore struct {
	db *sql.DB
}

// NewEventStore creates a new EventStore.
func NewEventStore(db *sql.DB) *EventStore {
	return &EventStore{db: db}
}

const eventColumns = `tenant_id, event_id, agent_id, project_id, task_id, task_run_id,
	action_id, parent_action_id, event_type, severity, status, duration_ms,
	timestamp, received_at, parent_event_id, payload_kind, group_key, cost_usd, payload_json`

// InsertEvents appends events inside the caller's transaction. Duplicate
// (tenant_id, event_id) pairs are silently skipped; the returned slice marks
// which events were newly inserted.
func (s *EventStore) InsertEvents(ctx context.Context, tx *sql.Tx, events []models.Event) ([]bool, error) {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	inserted := make([]bool, len(events))
	for i, e := range events {
		var payload *string
		if len(e.Payload) > 0 {
			p := string(e.Payload)
			payload = &p
		}
		res, err := stmt.ExecContext(ctx,
			e.TenantID, e.EventID, e.AgentID, e.ProjectID, e.TaskID, e.TaskRunID,
			e.ActionID, e.ParentActionID, e.EventType, e.Severity, e.Status, e.DurationMs,
			e.Timestamp.UTC(), e.ReceivedAt.UTC(), e.ParentEventID, e.PayloadKind, e.GroupKey, e.CostUSD, payload,
		)
		if err != nil {
			return nil, fmt.Errorf("insert event %s: %w", e.EventID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		inserted[i] = n > 0
	}
	return inserted, nil
}

// EventsForTask returns all events of one task, ascending by client timestamp.
func (s *EventStore) EventsForTask(tenantID, taskID string) ([]models.Event, error) {
	rows, err := s.db.Query(`
		SELECT `+eventColumns+` FROM events
		WHERE tenant_id = ? AND task_id = ?
		ORDER BY timestamp ASC, received_at ASC`, tenantID, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// EventsForAgentSince returns an agent's events newer than since, descending.
func (s *EventStore) EventsForAgentSince(tenantID, agentID string, since time.Time, limit int) ([]models.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT `+eventColumns+` FROM events
		WHERE tenant_id = ? AND agent_id = ? AND timestamp > ?
		ORDER BY timestamp DESC LIMIT ?`, tenantID, agentID, since.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// EventsMatching returns events matching the filter, descending by
// received_at, cursor-paginated. The second return value is the cursor for
// the next page ("" when exhausted).
func (s *EventStore) EventsMatching(tenantID string, f EventFilter) ([]models.Event, string, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var sb strings.Builder
	sb.WriteString(`SELECT ` + eventColumns + ` FROM events WHERE tenant_id = ?`)
	args := []interface{}{tenantID}

	if len(f.EventTypes) > 0 {
		sb.WriteString(` AND event_type IN (` + placeholders(len(f.EventTypes)) + `)`)
		for _, t := range f.EventTypes {
			args = append(args, string(t))
		}
	} else if !f.IncludeHeartbeats {
		sb.WriteString(` AND event_type != ?`)
		args = append(args, string(models.EventHeartbeat))
	}
	if len(f.Severities) > 0 {
		sb.WriteString(` AND severity IN (` + placeholders(len(f.Severities)) + `)`)
		for _, sev := range f.Severities {
			args = append(args, string(sev))
		}
	}
	if f.ProjectID != "" {
		sb.WriteString(` AND project_id = ?`)
		args = append(args, f.ProjectID)
	}
	if f.AgentID != "" {
		sb.WriteString(` AND agent_id = ?`)
		args = append(args, f.AgentID)
	}
	if f.TaskID != "" {
		sb.WriteString(` AND task_id = ?`)
		args = append(args, f.TaskID)
	}
	if f.PayloadKind != "" {
		sb.WriteString(` AND payload_kind = ?`)
		args = append(args, f.PayloadKind)
	}
	if !f.From.IsZero() {
		sb.WriteString(` AND received_at >= ?`)
		args = append(args, f.From.UTC())
	}
	if !f.To.IsZero() {
		sb.WriteString(` AND received_at <= ?`)
		args = append(args, f.To.UTC())
	}
	if f.Cursor != "" {
		ts, id, err := decodeCursor(f.Cursor)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor: %w", err)
		}
		sb.WriteString(` AND (received_at < ? OR (received_at = ? AND event_id < ?))`)
		args = append(args, ts, ts, id)
	}
	sb.WriteString(` ORDER BY received_at DESC, event_id DESC LIMIT ?`)
	args = append(args, limit+1)

	rows, err := s.db.Query(sb.String(), args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	events, err := scanEvents(rows)
	if err != nil {
		return nil, "", err
	}

	next := ""
	if len(events) > limit {
		events = events[:limit]
		last := events[len(events)-1]
		next = encodeCursor(last.ReceivedAt, last.EventID)
	}
	return events, next, nil
}

// LatestPerGroup returns, for each group_key of the given payload kind, the
// event with the greatest client timestamp. Used by the TODO/issue/schedule
// aggregates. agentID narrows the scan to one agent when non-empty.
func (s *EventStore) LatestPerGroup(tenantID, agentID, payloadKind string) ([]models.Event, error) {
	agentClause := ""
	args := []interface{}{tenantID, payloadKind}
	if agentID != "" {
		agentClause = ` AND agent_id = ?`
		args = append(args, agentID)
	}
	// Self-join on the per-group max timestamp; both sides hit
	// idx_events_group.
	q := `
		SELECT ` + qualify("e", eventColumns) + ` FROM events e
		JOIN (
			SELECT group_key, MAX(timestamp) AS max_ts
			FROM events
			WHERE tenant_id = ? AND payload_kind = ? AND group_key != ''` + agentClause + `
			GROUP BY group_key
		) m ON e.group_key = m.group_key AND e.timestamp = m.max_ts
		WHERE e.tenant_id = ? AND e.payload_kind = ?`
	args = append(args, tenantID, payloadKind)
	if agentID != "" {
		q += ` AND e.agent_id = ?`
		args = append(args, agentID)
	}
	q += ` ORDER BY e.timestamp DESC`

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	// Timestamp ties within a group are possible; keep the first row seen
	// per group (highest received_at wins because of the outer ordering).
	seen := make(map[string]bool, len(events))
	out := events[:0]
	for _, e := range events {
		if seen[e.GroupKey] {
			continue
		}
		seen[e.GroupKey] = true
		out = append(out, e)
	}
	return out, nil
}

// LatestQueueSnapshot returns the agent's most recent queue_snapshot event,
// or nil when none exists. Queue state is "latest wins", no aggregation.
func (s *EventStore) LatestQueueSnapshot(tenantID, agentID string) (*models.Event, error) {
	row := s.db.QueryRow(`
		SELECT `+eventColumns+` FROM events
		WHERE tenant_id = ? AND agent_id = ? AND payload_kind = ?
		ORDER BY timestamp DESC LIMIT 1`, tenantID, agentID, models.KindQueueSnapshot)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// TaskLifecycleEvents returns the task-boundary events used to assemble task
// summaries, newest tasks first. Non-boundary events (actions, custom) are
// excluded to keep the scan narrow.
func (s *EventStore) TaskLifecycleEvents(tenantID string, f EventFilter) ([]models.Event, error) {
	limit := f.Limit
	if limit <= 0 || limit > 5000 {
		limit = 2000
	}
	var sb strings.Builder
	sb.WriteString(`
		SELECT ` + eventColumns + ` FROM events
		WHERE tenant_id = ? AND task_id IS NOT NULL AND event_type IN (?, ?, ?, ?, ?, ?)`)
	args := []interface{}{tenantID,
		string(models.EventTaskStarted), string(models.EventTaskCompleted), string(models.EventTaskFailed),
		string(models.EventEscalated), string(models.EventApprovalRequested), string(models.EventApprovalReceived)}

	if f.AgentID != "" {
		sb.WriteString(` AND agent_id = ?`)
		args = append(args, f.AgentID)
	}
	if f.ProjectID != "" {
		sb.WriteString(` AND project_id = ?`)
		args = append(args, f.ProjectID)
	}
	if !f.From.IsZero() {
		sb.WriteString(` AND timestamp >= ?`)
		args = append(args, f.From.UTC())
	}
	if !f.To.IsZero() {
		sb.WriteString(` AND timestamp <= ?`)
		args = append(args, f.To.UTC())
	}
	sb.WriteString(` ORDER BY timestamp DESC LIMIT ?`)
	args = append(args, limit)

	rows, err := s.db.Query(sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// TaskOpeningEvent returns the earliest task_started event of a task, or nil.
// Task-scoped events inherit their project from this event.
func (s *EventStore) TaskOpeningEvent(tenantID, taskID string) (*models.Event, error) {
	row := s.db.QueryRow(`
		SELECT `+eventColumns+` FROM events
		WHERE tenant_id = ? AND task_id = ? AND event_type = ?
		ORDER BY timestamp ASC LIMIT 1`, tenantID, taskID, models.EventTaskStarted)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// CountEventsSince counts events of the given types in the window, scoped to
// a project and/or agent when non-empty.
func (s *EventStore) CountEventsSince(tenantID string, types []models.EventType, projectID, agentID string, since time.Time) (int, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT COUNT(*) FROM events WHERE tenant_id = ? AND received_at >= ?`)
	args := []interface{}{tenantID, since.UTC()}
	if len(types) > 0 {
		sb.WriteString(` AND event_type IN (` + placeholders(len(types)) + `)`)
		for _, t := range types {
			args = append(args, string(t))
		}
	}
	if projectID != "" {
		sb.WriteString(` AND project_id = ?`)
		args = append(args, projectID)
	}
	if agentID != "" {
		sb.WriteString(` AND agent_id = ?`)
		args = append(args, agentID)
	}
	var n int
	err := s.db.QueryRow(sb.String(), args...).Scan(&n)
	return n, err
}

// MaxDurationSince returns the event of the given type with the largest
// duration_ms in the window, or nil when none has a duration.
func (s *EventStore) MaxDurationSince(tenantID string, eventType models.EventType, projectID, agentID string, since time.Time) (*models.Event, error) {
	var sb strings.Builder
	sb.WriteString(`
		SELECT ` + eventColumns + ` FROM events
		WHERE tenant_id = ? AND event_type = ? AND duration_ms IS NOT NULL AND received_at >= ?`)
	args := []interface{}{tenantID, string(eventType), since.UTC()}
	if projectID != "" {
		sb.WriteString(` AND project_id = ?`)
		args = append(args, projectID)
	}
	if agentID != "" {
		sb.WriteString(` AND agent_id = ?`)
		args = append(args, agentID)
	}
	sb.WriteString(` ORDER BY duration_ms DESC LIMIT 1`)

	row := s.db.QueryRow(sb.String(), args...)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// SumCostSince sums the extracted llm_call cost over the window.
func (s *EventStore) SumCostSince(tenantID, projectID, agentID string, since time.Time) (float64, error) {
	var sb strings.Builder
	sb.WriteString(`
		SELECT COALESCE(SUM(cost_usd), 0) FROM events
		WHERE tenant_id = ? AND payload_kind = ? AND received_at >= ?`)
	args := []interface{}{tenantID, models.KindLLMCall, since.UTC()}
	if projectID != "" {
		sb.WriteString(` AND project_id = ?`)
		args = append(args, projectID)
	}
	if agentID != "" {
		sb.WriteString(` AND agent_id = ?`)
		args = append(args, agentID)
	}
	var total float64
	err := s.db.QueryRow(sb.String(), args...).Scan(&total)
	return total, err
}

// Tenants lists every tenant with stored events.
func (s *EventStore) Tenants() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT tenant_id FROM events`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

// DeleteOlderThan removes a tenant's events past the retention window.
func (s *EventStore) DeleteOlderThan(tenantID string, cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM events WHERE tenant_id = ? AND received_at < ?`, tenantID, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteHeartbeatsOlderThan compacts heartbeats, which age out faster than
// other events.
func (s *EventStore) DeleteHeartbeatsOlderThan(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM events WHERE event_type = ? AND received_at < ?`,
		string(models.EventHeartbeat), cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// scanEvent scans a single row into an Event.
func scanEvent(scanner interface{ Scan(...interface{}) error }) (models.Event, error) {
	var e models.Event
	var eventType, severity string
	var payload sql.NullString
	err := scanner.Scan(
		&e.TenantID, &e.EventID, &e.AgentID, &e.ProjectID, &e.TaskID, &e.TaskRunID,
		&e.ActionID, &e.ParentActionID, &eventType, &severity, &e.Status, &e.DurationMs,
		&e.Timestamp, &e.ReceivedAt, &e.ParentEventID, &e.PayloadKind, &e.GroupKey, &e.CostUSD, &payload,
	)
	if err != nil {
		return models.Event{}, err
	}
	e.EventType = models.EventType(eventType)
	e.Severity = models.Severity(severity)
	if payload.Valid {
		e.Payload = []byte(payload.String)
	}
	return e, nil
}

// scanEvents scans all rows into a slice of Events.
func scanEvents(rows *sql.Rows) ([]models.Event, error) {
	var events []models.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// qualify prefixes each column in a comma-separated list with a table alias.
func qualify(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func encodeCursor(ts time.Time, eventID string) string {
	raw := strconv.FormatInt(ts.UTC().UnixNano(), 10) + "|" + eventID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", err
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("malformed cursor")
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}, "", err
	}
	return time.Unix(0, nanos).UTC(), parts[1], nil
}
