package services

import (
	"time"

	"github.com/fleetlens/fleetlens-be/internal/models"
)

// Derived-state rules. Status is never stored: it is a deterministic
// function of the event log plus the rebuildable agent profile cache.
// Everything in this file is a pure function so the rules are testable in
// isolation and can never disagree with themselves across call sites.

// DeriveAgentStatus applies the status priority cascade to one agent.
//
// Staleness wins over everything, including an active task: an agent that
// opened a task and then went silent is stuck, not processing. The
// remaining rules read the last non-heartbeat event type, which the
// ingestion pipeline maintains separately from the heartbeat timestamps.
func DeriveAgentStatus(p *models.AgentProfile, now time.Time) models.AgentStatus {
	if p.LastHeartbeatAt == nil || now.Sub(*p.LastHeartbeatAt) > p.StuckThreshold() {
		return models.AgentStuck
	}
	switch p.LastEventType {
	case models.EventTaskFailed, models.EventActionFailed:
		return models.AgentError
	case models.EventApprovalRequested:
		return models.AgentWaitingApproval
	case models.EventTaskStarted, models.EventActionStarted:
		return models.AgentProcessing
	default:
		return models.AgentIdle
	}
}

// HeartbeatAge returns the age of the last heartbeat in seconds, or nil when
// the agent has never heartbeated.
func HeartbeatAge(p *models.AgentProfile, now time.Time) *int64 {
	if p.LastHeartbeatAt == nil {
		return nil
	}
	age := int64(now.Sub(*p.LastHeartbeatAt).Seconds())
	return &age
}

// DeriveTaskStatus applies the task cascade over all events sharing a
// task_id. A completion always wins, even after failures and retries.
// Events may arrive in any order; only their types and timestamps matter.
func DeriveTaskStatus(events []models.Event) models.TaskStatus {
	var hasCompleted, hasFailed, hasEscalated bool
	var lastApprovalRequested, lastApprovalReceived time.Time
	for _, e := range events {
		switch e.EventType {
		case models.EventTaskCompleted:
			hasCompleted = true
		case models.EventTaskFailed:
			hasFailed = true
		case models.EventEscalated:
			hasEscalated = true
		case models.EventApprovalRequested:
			if e.Timestamp.After(lastApprovalRequested) {
				lastApprovalRequested = e.Timestamp
			}
		case models.EventApprovalReceived:
			if e.Timestamp.After(lastApprovalReceived) {
				lastApprovalReceived = e.Timestamp
			}
		}
	}
	switch {
	case hasCompleted:
		return models.TaskCompleted
	case hasFailed:
		return models.TaskFailed
	case hasEscalated:
		return models.TaskEscalated
	case !lastApprovalRequested.IsZero() && !lastApprovalRequested.Before(lastApprovalReceived):
		return models.TaskWaiting
	default:
		return models.TaskProcessing
	}
}

// BuildTaskSummary assembles the derived view of one task from its events.
// events must all share a task_id but need not be ordered.
func BuildTaskSummary(taskID string, events []models.Event) models.TaskSummary {
	sum := models.TaskSummary{
		TaskID: taskID,
		Status: DeriveTaskStatus(events),
	}
	var opened, ended time.Time
	for _, e := range events {
		sum.EventCount++
		if sum.AgentID == "" {
			sum.AgentID = e.AgentID
		}
		switch e.EventType {
		case models.EventTaskStarted:
			if opened.IsZero() || e.Timestamp.Before(opened) {
				opened = e.Timestamp
				sum.ProjectID = e.ProjectID
				sum.AgentID = e.AgentID
				sum.TaskRunID = e.TaskRunID
			}
		case models.EventTaskCompleted, models.EventTaskFailed:
			if e.Timestamp.After(ended) {
				ended = e.Timestamp
				sum.DurationMs = e.DurationMs
			}
		case models.EventRetryStarted:
			sum.Retries++
		}
		if e.EventType == models.EventTaskFailed || e.EventType == models.EventActionFailed {
			sum.Failures++
		}
	}
	sum.StartedAt = opened
	if !ended.IsZero() && (sum.Status == models.TaskCompleted || sum.Status == models.TaskFailed) {
		sum.EndedAt = &ended
		if sum.DurationMs == nil && !opened.IsZero() {
			d := ended.Sub(opened).Milliseconds()
			sum.DurationMs = &d
		}
	}
	return sum
}

// PipelineItem is one aggregated TODO/issue/schedule entry: the latest event
// per group key, with its lifecycle state.
type PipelineItem struct {
	GroupKey  string                 `json:"group_key"`
	AgentID   string                 `json:"agent_id"`
	State     string                 `json:"state,omitempty"`
	UpdatedAt time.Time              `json:"updated_at"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// ActivePipelineItems reduces latest-per-group events to the items still in
// an active lifecycle state. Malformed payloads never fail the aggregate: an
// unreadable state counts as active.
func ActivePipelineItems(latest []models.Event) []PipelineItem {
	var items []PipelineItem
	for _, e := range latest {
		fields := e.PayloadFields()
		state, _ := fields["state"].(string)
		if state == "" {
			state, _ = fields["status"].(string)
		}
		if !models.ActiveLifecycleState(state) {
			continue
		}
		items = append(items, PipelineItem{
			GroupKey:  e.GroupKey,
			AgentID:   e.AgentID,
			State:     state,
			UpdatedAt: e.Timestamp,
			Fields:    fields,
		})
	}
	return items
}

// QueueState is the decoded latest queue_snapshot for an agent.
type QueueState struct {
	Depth      int                    `json:"depth"`
	SnapshotAt time.Time              `json:"snapshot_at"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

// QueueStateFromEvent decodes a queue_snapshot event. A missing or
// unreadable payload yields an empty queue rather than an error.
func QueueStateFromEvent(e *models.Event) *QueueState {
	if e == nil {
		return nil
	}
	qs := &QueueState{SnapshotAt: e.Timestamp}
	fields := e.PayloadFields()
	if fields == nil {
		return qs
	}
	qs.Fields = fields
	if depth, ok := fields["depth"].(float64); ok {
		qs.Depth = int(depth)
	} else if items, ok := fields["items"].([]interface{}); ok {
		qs.Depth = len(items)
	}
	return qs
}

// BuildActionTree reconstructs the action hierarchy of a task from its
// action events. Orphaned parents (parent_action_id never seen) attach at
// the root rather than being dropped.
func BuildActionTree(events []models.Event) []*models.ActionNode {
	nodes := make(map[string]*models.ActionNode)
	parents := make(map[string]string)
	var order []string

	for _, e := range events {
		if e.ActionID == nil || *e.ActionID == "" {
			continue
		}
		id := *e.ActionID
		node, ok := nodes[id]
		if !ok {
			node = &models.ActionNode{ActionID: id}
			nodes[id] = node
			order = append(order, id)
		}
		if e.ParentActionID != nil && *e.ParentActionID != "" {
			parents[id] = *e.ParentActionID
		}
		ts := e.Timestamp
		switch e.EventType {
		case models.EventActionStarted:
			if node.StartedAt == nil || ts.Before(*node.StartedAt) {
				node.StartedAt = &ts
			}
		case models.EventActionCompleted, models.EventActionFailed:
			if node.EndedAt == nil || ts.After(*node.EndedAt) {
				node.EndedAt = &ts
				node.DurationMs = e.DurationMs
				if e.Status != nil {
					node.Status = *e.Status
				} else if e.EventType == models.EventActionFailed {
					node.Status = models.StatusFailure
				} else {
					node.Status = models.StatusSuccess
				}
			}
		}
	}

	var roots []*models.ActionNode
	for _, id := range order {
		node := nodes[id]
		if pid, ok := parents[id]; ok {
			if parent, ok := nodes[pid]; ok {
				parent.Children = append(parent.Children, node)
				continue
			}
		}
		roots = append(roots, node)
	}
	return roots
}

// BuildPlanOverlay derives the plan view from plan_created/plan_step events
// within a task. The latest plan_created wins; step events override the
// declared step states.
func BuildPlanOverlay(events []models.Event) *models.PlanOverlay {
	var planEvent *models.Event
	for i := range events {
		e := &events[i]
		if e.PayloadKind != models.KindPlanCreated {
			continue
		}
		if planEvent == nil || e.Timestamp.After(planEvent.Timestamp) {
			planEvent = e
		}
	}
	if planEvent == nil {
		return nil
	}

	overlay := &models.PlanOverlay{}
	fields := planEvent.PayloadFields()
	if fields != nil {
		overlay.PlanID, _ = fields["plan_id"].(string)
		if steps, ok := fields["steps"].([]interface{}); ok {
			for i, raw := range steps {
				step := models.PlanStep{Index: i}
				switch v := raw.(type) {
				case string:
					step.Title = v
				case map[string]interface{}:
					step.Title, _ = v["title"].(string)
					step.Status, _ = v["status"].(string)
				}
				overlay.Steps = append(overlay.Steps, step)
			}
		}
	}

	for _, e := range events {
		if e.PayloadKind != models.KindPlanStep {
			continue
		}
		fields := e.PayloadFields()
		if fields == nil {
			continue
		}
		if overlay.PlanID != "" {
			if pid, _ := fields["plan_id"].(string); pid != "" && pid != overlay.PlanID {
				continue
			}
		}
		idx, ok := fields["step_index"].(float64)
		if !ok || int(idx) < 0 || int(idx) >= len(overlay.Steps) {
			continue
		}
		if status, _ := fields["status"].(string); status != "" {
			overlay.Steps[int(idx)].Status = status
		}
	}
	return overlay
}
