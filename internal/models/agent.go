package models

import "time"

// AgentStatus is the derived operational state of an agent. It is never
// stored; it is computed from the agent profile cache, which itself is
// rebuildable from the event log.
type AgentStatus string

const (
	AgentStuck           AgentStatus = "stuck"
	AgentError           AgentStatus = "error"
	AgentWaitingApproval AgentStatus = "waiting_approval"
	AgentProcessing      AgentStatus = "processing"
	AgentIdle            AgentStatus = "idle"
)

// attentionRank orders agents for the "needs attention first" listing.
var attentionRank = map[AgentStatus]int{
	AgentStuck:           0,
	AgentError:           1,
	AgentWaitingApproval: 2,
	AgentProcessing:      3,
	AgentIdle:            4,
}

// AttentionRank returns the sort rank for a status (lower is more urgent).
func (s AgentStatus) AttentionRank() int {
	return attentionRank[s]
}

// AgentProfile is the per-agent materialized view over the event log.
// Mutated only by the ingestion pipeline. Heartbeats update the heartbeat
// and last-seen timestamps only; every other event type also updates
// LastEventType, so an in-flight task survives later heartbeats.
type AgentProfile struct {
	TenantID              string     `json:"-"`
	AgentID               string     `json:"agent_id"`
	AgentType             string     `json:"agent_type,omitempty"`
	Framework             string     `json:"framework,omitempty"`
	Environment           string     `json:"environment,omitempty"`
	Group                 string     `json:"group,omitempty"`
	LastSeenAt            time.Time  `json:"last_seen_at"`
	LastHeartbeatAt       *time.Time `json:"last_heartbeat_at,omitempty"`
	LastEventType         EventType  `json:"last_event_type,omitempty"`
	LastEventAt           *time.Time `json:"last_event_at,omitempty"`
	CurrentTaskID         *string    `json:"current_task_id,omitempty"`
	CurrentProjectID      *string    `json:"current_project_id,omitempty"`
	StuckThresholdSeconds int        `json:"stuck_threshold_seconds"`
	CreatedAt             time.Time  `json:"created_at"`
}

// StuckThreshold returns the configured threshold as a duration.
func (p *AgentProfile) StuckThreshold() time.Duration {
	return time.Duration(p.StuckThresholdSeconds) * time.Second
}

// AgentSummary is the list-agents response row.
type AgentSummary struct {
	AgentProfile
	Status              AgentStatus `json:"status"`
	HeartbeatAgeSeconds *int64      `json:"heartbeat_age_seconds,omitempty"`
}
