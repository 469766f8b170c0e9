package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fleetlens/fleetlens-be/internal/apierror"
	"github.com/fleetlens/fleetlens-be/internal/metrics"
	"github.com/fleetlens/fleetlens-be/internal/models"
	"github.com/rs/zerolog/log"
)

// MaxBatchEvents bounds one ingestion batch.
const MaxBatchEvents = 500

// Envelope carries agent identity shared by all events in a batch.
type Envelope struct {
	AgentID     string `json:"agent_id"`
	AgentType   string `json:"agent_type,omitempty"`
	Framework   string `json:"framework,omitempty"`
	Environment string `json:"environment,omitempty"`
	Group       string `json:"group,omitempty"`
}

// IngestRequest is the write-endpoint body.
type IngestRequest struct {
	Envelope Envelope       `json:"envelope"`
	Events   []models.Event `json:"events"`
}

// EventError is a per-event rejection.
type EventError struct {
	EventID string `json:"event_id"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EventWarning is an advisory payload-convention violation. Warnings never
// reject events; payload shapes evolve and SDK versions must interoperate.
type EventWarning struct {
	EventID string `json:"event_id"`
	Message string `json:"message"`
}

// IngestResult is the batch outcome. Accepted counts structurally valid
// events, including idempotent duplicates.
type IngestResult struct {
	Accepted int            `json:"accepted"`
	Rejected int            `json:"rejected"`
	Errors   []EventError   `json:"errors,omitempty"`
	Warnings []EventWarning `json:"warnings,omitempty"`
}

// Partial reports whether the batch mixed accepted and rejected events.
func (r *IngestResult) Partial() bool {
	return r.Rejected > 0
}

// StatusChange is one derived-status transition observed during a batch.
type StatusChange struct {
	AgentID   string
	OldStatus models.AgentStatus
	NewStatus models.AgentStatus
	Projects  []string
}

// Broadcaster receives accepted events and derived-status transitions.
// Implemented by the websocket hub; fire-and-forget from the pipeline's
// point of view.
type Broadcaster interface {
	PublishEvent(tenantID string, e models.Event, agentProjects []string)
	PublishStatusChange(tenantID, agentID string, oldStatus, newStatus models.AgentStatus, projects []string)
	PublishStuck(tenantID, agentID string, projects []string)
}

// AlertEvaluator re-checks alert rules after a batch commit, scoped to the
// agents and projects the batch touched.
type AlertEvaluator interface {
	EvaluateScope(ctx context.Context, tenantID string, agentIDs, projectIDs []string)
}

// IngestServiceProvider defines the interface for the ingestion pipeline.
type IngestServiceProvider interface {
	IngestBatch(ctx context.Context, tenantID string, req IngestRequest) (*IngestResult, error)
}

// IngestService is the single mutation path: it validates a batch, commits
// it atomically with the derived caches, then notifies subscribers and the
// alert evaluator.
type IngestService struct {
	db                    *sql.DB
	store                 EventStoreProvider
	hub                   Broadcaster
	alerts                AlertEvaluator
	defaultStuckThreshold int

	locks agentLocks
}

// NewIngestService creates a new IngestService.
func NewIngestService(db *sql.DB, store EventStoreProvider, hub Broadcaster, alerts AlertEvaluator, defaultStuckThresholdSeconds int) *IngestService {
	return &IngestService{
		db:                    db,
		store:                 store,
		hub:                   hub,
		alerts:                alerts,
		defaultStuckThreshold: defaultStuckThresholdSeconds,
		locks:                 agentLocks{held: make(map[string]*agentLock)},
	}
}

// IngestBatch runs the pipeline:
// ValidateEnvelope -> ValidateEachEvent -> ExpandEnvelope ->
// ValidateProjectRefs -> Insert(dedup) -> UpdateAgentProfile ->
// UpdateProjectMembership -> Broadcast -> EvaluateAlerts.
//
// Validation is per-event: one malformed event never blackholes the rest of
// the batch. The returned error is reserved for envelope-level and storage
// failures.
func (s *IngestService) IngestBatch(ctx context.Context, tenantID string, req IngestRequest) (*IngestResult, error) {
	metrics.IngestBatches.Inc()

	if err := validateEnvelope(&req); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	result := &IngestResult{}
	var accepted []models.Event

	for i := range req.Events {
		e := req.Events[i]
		e.TenantID = tenantID
		expandEnvelope(&e, &req.Envelope)
		e.ReceivedAt = now // always server-assigned, never trusted from the client

		if evErr := validateEvent(&e); evErr != nil {
			result.Rejected++
			result.Errors = append(result.Errors, *evErr)
			metrics.EventsRejected.Inc()
			continue
		}
		e.ExtractPayloadMeta()
		result.Warnings = append(result.Warnings, conventionWarnings(&e)...)
		accepted = append(accepted, e)
	}

	accepted, refErrors := s.resolveProjectRefs(tenantID, accepted)
	for _, evErr := range refErrors {
		result.Rejected++
		result.Errors = append(result.Errors, evErr)
		metrics.EventsRejected.Inc()
	}
	result.Accepted = len(accepted)
	metrics.EventsAccepted.Add(float64(len(accepted)))

	commit, err := s.commitBatch(ctx, tenantID, &req.Envelope, accepted, now)
	if err != nil {
		return nil, err
	}
	metrics.EventsInserted.Add(float64(commit.insertedCount))

	// Fan-out and alerting are fire-and-forget relative to the response.
	for _, e := range commit.inserted {
		s.hub.PublishEvent(tenantID, e, commit.memberships[e.AgentID])
	}
	for _, ch := range commit.changes {
		s.hub.PublishStatusChange(tenantID, ch.AgentID, ch.OldStatus, ch.NewStatus, ch.Projects)
		if ch.NewStatus == models.AgentStuck {
			s.hub.PublishStuck(tenantID, ch.AgentID, ch.Projects)
		}
	}
	if s.alerts != nil && commit.insertedCount > 0 {
		agents, projects := commit.touched()
		go s.alerts.EvaluateScope(context.Background(), tenantID, agents, projects)
	}

	return result, nil
}

// validateEnvelope enforces batch-level structure.
func validateEnvelope(req *IngestRequest) error {
	if req.Envelope.AgentID == "" {
		// Events may still carry their own agent_id; the envelope one is a
		// default, required only when any event omits it.
		for _, e := range req.Events {
			if e.AgentID == "" {
				return apierror.New(apierror.CodeValidation, "envelope.agent_id required when events omit agent_id")
			}
		}
	}
	if len(req.Events) > MaxBatchEvents {
		return apierror.New(apierror.CodePayloadTooLarge, fmt.Sprintf("batch exceeds %d events", MaxBatchEvents))
	}
	return nil
}

// expandEnvelope fills per-event defaults from the batch envelope.
func expandEnvelope(e *models.Event, env *Envelope) {
	if e.AgentID == "" {
		e.AgentID = env.AgentID
	}
	if e.Severity == "" {
		e.Severity = models.DefaultSeverity(e.EventType)
	}
}

// agentLevelTypes must not carry task or project scope.
func agentLevel(t models.EventType) bool {
	return t == models.EventHeartbeat || t == models.EventRegistration
}

func taskRequired(t models.EventType) bool {
	switch t {
	case models.EventTaskStarted, models.EventTaskCompleted, models.EventTaskFailed,
		models.EventActionStarted, models.EventActionCompleted, models.EventActionFailed:
		return true
	}
	return false
}

// validateEvent enforces structural validity. Payload-convention checks live
// in conventionWarnings; they never reject.
func validateEvent(e *models.Event) *EventError {
	reject := func(code, msg string) *EventError {
		return &EventError{EventID: e.EventID, Code: code, Message: msg}
	}
	if e.EventID == "" {
		return reject(apierror.CodeMissingField, "event_id is required")
	}
	if e.AgentID == "" {
		return reject(apierror.CodeMissingField, "agent_id is required")
	}
	if !e.EventType.Valid() {
		return reject(apierror.CodeInvalidEventType, fmt.Sprintf("unknown event_type %q", e.EventType))
	}
	if !e.Severity.Valid() {
		return reject(apierror.CodeInvalidSeverity, fmt.Sprintf("unknown severity %q", e.Severity))
	}
	if e.Timestamp.IsZero() {
		return reject(apierror.CodeMissingField, "timestamp is required")
	}
	if e.Status != nil && !models.ValidStatus(*e.Status) {
		return reject(apierror.CodeValidation, fmt.Sprintf("unknown status %q", *e.Status))
	}
	if len(e.Payload) > models.MaxPayloadBytes {
		return reject(apierror.CodePayloadTooLarge, "payload exceeds 32KB")
	}
	if len(e.Payload) > 0 && !json.Valid(e.Payload) {
		return reject(apierror.CodeValidation, "payload is not valid JSON")
	}
	if agentLevel(e.EventType) && (e.TaskScoped() || (e.ProjectID != nil && *e.ProjectID != "")) {
		return reject(apierror.CodeValidation,
			fmt.Sprintf("%s events must not carry task_id or project_id", e.EventType))
	}
	if e.EventType == models.EventCustom && !e.TaskScoped() && e.ProjectID != nil && *e.ProjectID != "" {
		return reject(apierror.CodeValidation, "agent-level custom events must not carry project_id")
	}
	if taskRequired(e.EventType) && !e.TaskScoped() {
		return reject(apierror.CodeMissingField, fmt.Sprintf("%s events require task_id", e.EventType))
	}
	return nil
}

// conventionSubFields lists the recommended fields per recognized payload
// kind. Missing ones are warnings, never rejections.
var conventionSubFields = map[string][]string{
	models.KindLLMCall:       {"model", "cost_usd"},
	models.KindPlanCreated:   {"plan_id", "steps"},
	models.KindPlanStep:      {"plan_id", "step_index"},
	models.KindQueueSnapshot: {"depth"},
	models.KindTodo:          {"title", "state"},
	models.KindScheduled:     {"schedule_id"},
	models.KindIssue:         {"summary", "state"},
}

func conventionWarnings(e *models.Event) []EventWarning {
	required, ok := conventionSubFields[e.PayloadKind]
	if !ok {
		return nil
	}
	fields := e.PayloadFields()
	var warnings []EventWarning
	for _, f := range required {
		if _, present := fields[f]; !present {
			warnings = append(warnings, EventWarning{
				EventID: e.EventID,
				Message: fmt.Sprintf("payload kind %q is missing recommended field %q", e.PayloadKind, f),
			})
		}
	}
	return warnings
}

// resolveProjectRefs inherits project ids from each task's opening event and
// rejects contradictory references. Opening events inside the same batch are
// consulted before the store.
func (s *IngestService) resolveProjectRefs(tenantID string, events []models.Event) ([]models.Event, []EventError) {
	batchOpenings := make(map[string]*string)
	for i := range events {
		e := &events[i]
		if e.EventType == models.EventTaskStarted && e.TaskScoped() {
			if _, seen := batchOpenings[*e.TaskID]; !seen {
				batchOpenings[*e.TaskID] = e.ProjectID
			}
		}
	}

	opening := func(taskID string) (*string, bool) {
		if p, ok := batchOpenings[taskID]; ok {
			return p, true
		}
		ev, err := s.store.TaskOpeningEvent(tenantID, taskID)
		if err != nil {
			log.Error().Err(err).Str("task_id", taskID).Msg("Failed to look up task opening event")
			return nil, false
		}
		if ev == nil {
			return nil, false
		}
		batchOpenings[taskID] = ev.ProjectID
		return ev.ProjectID, true
	}

	var kept []models.Event
	var errors []EventError
	for i := range events {
		e := events[i]
		if e.TaskScoped() && e.EventType != models.EventTaskStarted {
			if proj, known := opening(*e.TaskID); known {
				if e.ProjectID == nil || *e.ProjectID == "" {
					e.ProjectID = proj
				} else if proj != nil && *proj != *e.ProjectID {
					errors = append(errors, EventError{
						EventID: e.EventID,
						Code:    apierror.CodeInvalidProjectReference,
						Message: fmt.Sprintf("task %s belongs to project %s, not %s", *e.TaskID, *proj, *e.ProjectID),
					})
					continue
				}
			}
		}
		kept = append(kept, e)
	}
	return kept, errors
}

// batchCommit carries the post-transaction facts needed for fan-out.
type batchCommit struct {
	inserted      []models.Event
	insertedCount int
	changes       []StatusChange
	memberships   map[string][]string
	agentIDs      []string
	projectIDs    []string
}

func (c *batchCommit) touched() (agents, projects []string) {
	return c.agentIDs, c.projectIDs
}

// commitBatch applies insert + profile update + membership update in one
// transaction, serialized per (tenant, agent) so concurrent batches for the
// same agent cannot lose profile updates. Batches for disjoint agents
// proceed in parallel.
func (s *IngestService) commitBatch(ctx context.Context, tenantID string, env *Envelope, events []models.Event, now time.Time) (*batchCommit, error) {
	agentSet := make(map[string]bool)
	for _, e := range events {
		agentSet[e.AgentID] = true
	}
	if env.AgentID != "" {
		agentSet[env.AgentID] = true
	}
	agentIDs := make([]string, 0, len(agentSet))
	for id := range agentSet {
		agentIDs = append(agentIDs, id)
	}
	sort.Strings(agentIDs)

	lockKeys := make([]string, len(agentIDs))
	for i, id := range agentIDs {
		lockKeys[i] = tenantID + "\x00" + id
	}
	unlock := s.locks.lockAll(lockKeys)
	defer unlock()

	// Derived status before the batch, per touched agent.
	preStatus := make(map[string]models.AgentStatus)
	preExists := make(map[string]bool)
	for _, agentID := range agentIDs {
		p, err := s.loadProfile(tenantID, agentID)
		if err != nil {
			return nil, err
		}
		if p != nil {
			preStatus[agentID] = DeriveAgentStatus(p, now)
			preExists[agentID] = true
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	insertedFlags, err := s.store.InsertEvents(ctx, tx, events)
	if err != nil {
		return nil, err
	}

	commit := &batchCommit{memberships: make(map[string][]string), agentIDs: agentIDs}
	perAgent := make(map[string][]models.Event)
	projectSet := make(map[string]bool)
	for i, e := range events {
		if !insertedFlags[i] {
			continue // idempotent retry: duplicates drive nothing downstream
		}
		commit.inserted = append(commit.inserted, e)
		commit.insertedCount++
		perAgent[e.AgentID] = append(perAgent[e.AgentID], e)
		if e.ProjectID != nil && *e.ProjectID != "" {
			projectSet[*e.ProjectID] = true
		}
	}

	for _, agentID := range agentIDs {
		if err := s.upsertProfile(ctx, tx, tenantID, agentID, env, perAgent[agentID], now); err != nil {
			return nil, err
		}
	}
	if err := s.upsertMemberships(ctx, tx, tenantID, commit.inserted, now); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	for p := range projectSet {
		commit.projectIDs = append(commit.projectIDs, p)
	}
	sort.Strings(commit.projectIDs)

	// Derived status after the batch; only real transitions are reported.
	for _, agentID := range agentIDs {
		projects, err := s.projectsForAgent(tenantID, agentID)
		if err != nil {
			log.Error().Err(err).Str("agent_id", agentID).Msg("Failed to load agent memberships")
		}
		commit.memberships[agentID] = projects

		p, err := s.loadProfile(tenantID, agentID)
		if err != nil || p == nil {
			continue
		}
		post := DeriveAgentStatus(p, now)
		if pre, had := preStatus[agentID]; !had || pre != post {
			if !preExists[agentID] && post == models.AgentIdle {
				continue // a brand-new idle agent is not a transition worth pushing
			}
			commit.changes = append(commit.changes, StatusChange{
				AgentID:   agentID,
				OldStatus: preStatus[agentID],
				NewStatus: post,
				Projects:  projects,
			})
		}
	}
	return commit, nil
}

// upsertProfile folds an agent's newly inserted events into its profile row.
// The cascade inputs are derived from the agent's own chronological stream,
// never from batch order: the latest non-heartbeat event by client timestamp
// sets last_event_type, and stale arrivals never regress it.
func (s *IngestService) upsertProfile(ctx context.Context, tx *sql.Tx, tenantID, agentID string, env *Envelope, events []models.Event, now time.Time) error {
	p, err := loadProfileTx(tx, tenantID, agentID)
	if err != nil {
		return err
	}
	if p == nil {
		p = &models.AgentProfile{
			TenantID:              tenantID,
			AgentID:               agentID,
			StuckThresholdSeconds: s.defaultStuckThreshold,
			LastSeenAt:            now,
			CreatedAt:             now,
		}
	}
	if agentID == env.AgentID {
		if env.AgentType != "" {
			p.AgentType = env.AgentType
		}
		if env.Framework != "" {
			p.Framework = env.Framework
		}
		if env.Environment != "" {
			p.Environment = env.Environment
		}
		if env.Group != "" {
			p.Group = env.Group
		}
	}

	sorted := make([]models.Event, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	for _, e := range sorted {
		if e.Timestamp.After(p.LastSeenAt) {
			p.LastSeenAt = e.Timestamp
		}
		switch e.EventType {
		case models.EventHeartbeat:
			ts := e.Timestamp
			if p.LastHeartbeatAt == nil || ts.After(*p.LastHeartbeatAt) {
				p.LastHeartbeatAt = &ts
			}
			continue
		case models.EventRegistration:
			if fields := e.PayloadFields(); fields != nil {
				if v, ok := fields["stuck_threshold_seconds"].(float64); ok && v > 0 {
					p.StuckThresholdSeconds = int(v)
				}
			}
		}
		if p.LastEventAt == nil || !e.Timestamp.Before(*p.LastEventAt) {
			ts := e.Timestamp
			p.LastEventAt = &ts
			p.LastEventType = e.EventType
		}
		switch e.EventType {
		case models.EventTaskStarted:
			p.CurrentTaskID = e.TaskID
			p.CurrentProjectID = e.ProjectID
		case models.EventTaskCompleted, models.EventTaskFailed:
			if p.CurrentTaskID != nil && e.TaskID != nil && *p.CurrentTaskID == *e.TaskID {
				p.CurrentTaskID = nil
				p.CurrentProjectID = nil
			}
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO agent_profiles (tenant_id, agent_id, agent_type, framework, environment, agent_group,
			last_seen_at, last_heartbeat_at, last_event_type, last_event_at,
			current_task_id, current_project_id, stuck_threshold_seconds, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, agent_id) DO UPDATE SET
			agent_type = excluded.agent_type,
			framework = excluded.framework,
			environment = excluded.environment,
			agent_group = excluded.agent_group,
			last_seen_at = excluded.last_seen_at,
			last_heartbeat_at = excluded.last_heartbeat_at,
			last_event_type = excluded.last_event_type,
			last_event_at = excluded.last_event_at,
			current_task_id = excluded.current_task_id,
			current_project_id = excluded.current_project_id,
			stuck_threshold_seconds = excluded.stuck_threshold_seconds`,
		p.TenantID, p.AgentID, p.AgentType, p.Framework, p.Environment, p.Group,
		p.LastSeenAt.UTC(), nullableTime(p.LastHeartbeatAt), string(p.LastEventType), nullableTime(p.LastEventAt),
		p.CurrentTaskID, p.CurrentProjectID, p.StuckThresholdSeconds, p.CreatedAt.UTC())
	return err
}

// upsertMemberships auto-creates projects and membership rows for inserted
// task events. The first (project_id, agent_id) pair wins; repeats no-op.
func (s *IngestService) upsertMemberships(ctx context.Context, tx *sql.Tx, tenantID string, events []models.Event, now time.Time) error {
	seen := make(map[string]bool)
	for _, e := range events {
		if e.ProjectID == nil || *e.ProjectID == "" {
			continue
		}
		key := *e.ProjectID + "\x00" + e.AgentID
		if seen[key] {
			continue
		}
		seen[key] = true
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO projects (tenant_id, project_id, name, created_at)
			VALUES (?, ?, ?, ?)`, tenantID, *e.ProjectID, *e.ProjectID, now); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO project_agents (tenant_id, project_id, agent_id, first_seen_at)
			VALUES (?, ?, ?, ?)`, tenantID, *e.ProjectID, e.AgentID, now); err != nil {
			return err
		}
	}
	return nil
}

const profileColumns = `tenant_id, agent_id, agent_type, framework, environment, agent_group,
	last_seen_at, last_heartbeat_at, last_event_type, last_event_at,
	current_task_id, current_project_id, stuck_threshold_seconds, created_at`

func (s *IngestService) loadProfile(tenantID, agentID string) (*models.AgentProfile, error) {
	row := s.db.QueryRow(`SELECT `+profileColumns+` FROM agent_profiles WHERE tenant_id = ? AND agent_id = ?`,
		tenantID, agentID)
	return scanProfile(row)
}

func loadProfileTx(tx *sql.Tx, tenantID, agentID string) (*models.AgentProfile, error) {
	row := tx.QueryRow(`SELECT `+profileColumns+` FROM agent_profiles WHERE tenant_id = ? AND agent_id = ?`,
		tenantID, agentID)
	return scanProfile(row)
}

func scanProfile(scanner interface{ Scan(...interface{}) error }) (*models.AgentProfile, error) {
	var p models.AgentProfile
	var lastEventType string
	err := scanner.Scan(
		&p.TenantID, &p.AgentID, &p.AgentType, &p.Framework, &p.Environment, &p.Group,
		&p.LastSeenAt, &p.LastHeartbeatAt, &lastEventType, &p.LastEventAt,
		&p.CurrentTaskID, &p.CurrentProjectID, &p.StuckThresholdSeconds, &p.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.LastEventType = models.EventType(lastEventType)
	return &p, nil
}

func (s *IngestService) projectsForAgent(tenantID, agentID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT project_id FROM project_agents WHERE tenant_id = ? AND agent_id = ?`,
		tenantID, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var projects []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// agentLocks serializes profile updates per (tenant, agent) without a global
// lock. Keys are acquired in sorted order so overlapping batches can't
// deadlock. Entries are refcounted and deleted once the last holder releases,
// so the map tracks in-flight batches rather than lifetime agent cardinality.
type agentLocks struct {
	mu   sync.Mutex
	held map[string]*agentLock
}

type agentLock struct {
	sync.Mutex
	refs int
}

func (l *agentLocks) lockAll(sortedKeys []string) func() {
	acquired := make([]*agentLock, 0, len(sortedKeys))
	for _, key := range sortedKeys {
		l.mu.Lock()
		m, ok := l.held[key]
		if !ok {
			m = &agentLock{}
			l.held[key] = m
		}
		m.refs++
		l.mu.Unlock()
		m.Lock()
		acquired = append(acquired, m)
	}
	return func() {
		for i := len(acquired) - 1; i >= 0; i-- {
			acquired[i].Unlock()
			l.mu.Lock()
			acquired[i].refs--
			if acquired[i].refs == 0 {
				delete(l.held, sortedKeys[i])
			}
			l.mu.Unlock()
		}
	}
}
