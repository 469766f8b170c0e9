package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
)

// EventType enumerates the fixed set of telemetry event kinds.
type EventType string

const (
	EventRegistration      EventType = "registration"
	EventHeartbeat         EventType = "heartbeat"
	EventTaskStarted       EventType = "task_started"
	EventTaskCompleted     EventType = "task_completed"
	EventTaskFailed        EventType = "task_failed"
	EventActionStarted     EventType = "action_started"
	EventActionCompleted   EventType = "action_completed"
	EventActionFailed      EventType = "action_failed"
	EventRetryStarted      EventType = "retry_started"
	EventEscalated         EventType = "escalated"
	EventApprovalRequested EventType = "approval_requested"
	EventApprovalReceived  EventType = "approval_received"
	EventCustom            EventType = "custom"
)

var validEventTypes = map[EventType]bool{
	EventRegistration:      true,
	EventHeartbeat:         true,
	EventTaskStarted:       true,
	EventTaskCompleted:     true,
	EventTaskFailed:        true,
	EventActionStarted:     true,
	EventActionCompleted:   true,
	EventActionFailed:      true,
	EventRetryStarted:      true,
	EventEscalated:         true,
	EventApprovalRequested: true,
	EventApprovalReceived:  true,
	EventCustom:            true,
}

// Valid reports whether t is one of the fixed event kinds.
func (t EventType) Valid() bool {
	return validEventTypes[t]
}

// Severity is the event severity level.
type Severity string

const (
	SeverityDebug Severity = "debug"
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

var severityRank = map[Severity]int{
	SeverityDebug: 0,
	SeverityInfo:  1,
	SeverityWarn:  2,
	SeverityError: 3,
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// AtLeast reports whether s is at or above min.
func (s Severity) AtLeast(min Severity) bool {
	return severityRank[s] >= severityRank[min]
}

// DefaultSeverity returns the severity assigned when the client omits one.
func DefaultSeverity(t EventType) Severity {
	switch t {
	case EventTaskFailed, EventActionFailed:
		return SeverityError
	case EventEscalated, EventRetryStarted, EventApprovalRequested:
		return SeverityWarn
	case EventHeartbeat:
		return SeverityDebug
	default:
		return SeverityInfo
	}
}

// Event statuses (the optional outcome field, distinct from derived state).
const (
	StatusSuccess   = "success"
	StatusFailure   = "failure"
	StatusTimeout   = "timeout"
	StatusEscalated = "escalated"
	StatusCancelled = "cancelled"
)

var validStatuses = map[string]bool{
	StatusSuccess:   true,
	StatusFailure:   true,
	StatusTimeout:   true,
	StatusEscalated: true,
	StatusCancelled: true,
}

// ValidStatus reports whether s is a known outcome status.
func ValidStatus(s string) bool {
	return validStatuses[s]
}

// Recognized payload kinds. Anything else is stored as an opaque blob.
const (
	KindLLMCall       = "llm_call"
	KindPlanCreated   = "plan_created"
	KindPlanStep      = "plan_step"
	KindQueueSnapshot = "queue_snapshot"
	KindTodo          = "todo"
	KindScheduled     = "scheduled"
	KindIssue         = "issue"
)

// MaxPayloadBytes bounds the opaque payload field.
const MaxPayloadBytes = 32 * 1024

// Event is the sole persisted fact. Everything else in the system is
// derived from the event log or rebuildable from it.
type Event struct {
	TenantID       string          `json:"-"`
	EventID        string          `json:"event_id"`
	AgentID        string          `json:"agent_id"`
	ProjectID      *string         `json:"project_id,omitempty"`
	TaskID         *string         `json:"task_id,omitempty"`
	TaskRunID      *string         `json:"task_run_id,omitempty"`
	ActionID       *string         `json:"action_id,omitempty"`
	ParentActionID *string         `json:"parent_action_id,omitempty"`
	EventType      EventType       `json:"event_type"`
	Severity       Severity        `json:"severity,omitempty"`
	Status         *string         `json:"status,omitempty"`
	DurationMs     *int64          `json:"duration_ms,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	ReceivedAt     time.Time       `json:"received_at"`
	ParentEventID  *string         `json:"parent_event_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`

	// Columns extracted from the payload at ingest so aggregate reads
	// stay single-query. Never trusted as a source of truth on their own.
	PayloadKind string   `json:"payload_kind,omitempty"`
	GroupKey    string   `json:"-"`
	CostUSD     *float64 `json:"-"`
}

// TaskScoped reports whether the event belongs to a task.
func (e *Event) TaskScoped() bool {
	return e.TaskID != nil && *e.TaskID != ""
}

// PayloadFields unmarshals the payload into a generic map. Malformed or
// missing payloads yield nil; callers degrade rather than fail.
func (e *Event) PayloadFields() map[string]interface{} {
	if len(e.Payload) == 0 {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(e.Payload, &m); err != nil {
		return nil
	}
	return m
}

// ExtractPayloadMeta pulls the kind discriminator, the grouping key and the
// LLM cost out of the payload. Called once at ingest.
func (e *Event) ExtractPayloadMeta() {
	fields := e.PayloadFields()
	if fields == nil {
		return
	}
	kind, _ := fields["kind"].(string)
	e.PayloadKind = kind
	e.GroupKey = PayloadGroupKey(kind, fields)
	if kind == KindLLMCall {
		if cost, ok := fields["cost_usd"].(float64); ok {
			e.CostUSD = &cost
		}
	}
}

// PayloadGroupKey computes the identity under which todo/issue/scheduled
// events are collapsed into "latest state per item". The kind-specific id
// wins; a bare "id" field is accepted as a fallback since agents commonly
// send that. Items without any id are grouped by a content hash of their
// normalized summary; one rule for every storage path.
func PayloadGroupKey(kind string, fields map[string]interface{}) string {
	str := func(key string) string {
		s, _ := fields[key].(string)
		return s
	}
	firstID := func(keys ...string) string {
		for _, k := range keys {
			if id := str(k); id != "" {
				return id
			}
		}
		return ""
	}
	switch kind {
	case KindTodo:
		if id := firstID("todo_id", "id"); id != "" {
			return "todo:" + id
		}
		if sum := summaryHash(str("title"), str("summary")); sum != "" {
			return "todo:" + sum
		}
	case KindIssue:
		if id := firstID("issue_id", "id"); id != "" {
			return "issue:" + id
		}
		if sum := summaryHash(str("summary"), str("title")); sum != "" {
			return "issue:" + sum
		}
	case KindScheduled:
		if id := firstID("schedule_id", "item_id", "id"); id != "" {
			return "sched:" + id
		}
	}
	return ""
}

// summaryHash hashes the first non-empty candidate, lower-cased and
// whitespace-trimmed, so retransmissions of the same text group together.
func summaryHash(candidates ...string) string {
	for _, c := range candidates {
		c = strings.TrimSpace(strings.ToLower(c))
		if c == "" {
			continue
		}
		sum := sha256.Sum256([]byte(c))
		return "sum:" + hex.EncodeToString(sum[:8])
	}
	return ""
}

// Lifecycle states carried by todo/issue/scheduled payloads. An item is
// active unless its most recent event moved it to a closed state; a missing
// or unknown state counts as active (freshly created items often omit it).
var closedLifecycleStates = map[string]bool{
	"completed": true,
	"dismissed": true,
	"resolved":  true,
	"cancelled": true,
	"done":      true,
	"closed":    true,
}

// ActiveLifecycleState reports whether a payload state string still counts
// as active.
func ActiveLifecycleState(state string) bool {
	return !closedLifecycleStates[strings.ToLower(strings.TrimSpace(state))]
}
