package models

import (
	"encoding/json"
	"time"
)

// Alert condition types. Each one is a single query over the event log or
// the agent profile cache within a rolling window.
const (
	ConditionHeartbeatStale = "heartbeat_stale"
	ConditionTaskFailed     = "task_failed"
	ConditionFailureRate    = "failure_rate"
	ConditionTaskDuration   = "task_duration"
	ConditionAgentOffline   = "agent_offline"
	ConditionLLMCost        = "llm_cost"
)

var validConditionTypes = map[string]bool{
	ConditionHeartbeatStale: true,
	ConditionTaskFailed:     true,
	ConditionFailureRate:    true,
	ConditionTaskDuration:   true,
	ConditionAgentOffline:   true,
	ConditionLLMCost:        true,
}

// ValidConditionType reports whether t is a known alert condition.
func ValidConditionType(t string) bool {
	return validConditionTypes[t]
}

// AlertParams are the per-condition tuning knobs. Unused fields are zero.
type AlertParams struct {
	ThresholdSeconds int     `json:"threshold_seconds,omitempty"`
	WindowSeconds    int     `json:"window_seconds,omitempty"`
	Rate             float64 `json:"rate,omitempty"`
	MinCount         int     `json:"min_count,omitempty"`
	MaxDurationMs    int64   `json:"max_duration_ms,omitempty"`
	AgentID          string  `json:"agent_id,omitempty"`
	MaxCostUSD       float64 `json:"max_cost_usd,omitempty"`
}

// AlertRule is a stored alert definition.
type AlertRule struct {
	ID              string      `json:"id"`
	TenantID        string      `json:"-"`
	Name            string      `json:"name"`
	ConditionType   string      `json:"condition_type"`
	Params          AlertParams `json:"params"`
	ProjectID       *string     `json:"project_id,omitempty"`
	AgentID         *string     `json:"agent_id,omitempty"`
	CooldownSeconds int         `json:"cooldown_seconds"`
	WebhookURL      string      `json:"webhook_url,omitempty"`
	IsActive        bool        `json:"is_active"`
	LastFiredAt     *time.Time  `json:"last_fired_at,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
}

// Window returns the rolling evaluation window, defaulting to 15 minutes.
func (r *AlertRule) Window() time.Duration {
	if r.Params.WindowSeconds > 0 {
		return time.Duration(r.Params.WindowSeconds) * time.Second
	}
	return 15 * time.Minute
}

// Cooldown returns the minimum interval between firings, defaulting to the
// window length when unset.
func (r *AlertRule) Cooldown() time.Duration {
	if r.CooldownSeconds > 0 {
		return time.Duration(r.CooldownSeconds) * time.Second
	}
	return r.Window()
}

// AlertFiring is an immutable record of one rule firing, with a snapshot of
// the triggering condition.
type AlertFiring struct {
	ID            string          `json:"id"`
	TenantID      string          `json:"-"`
	RuleID        string          `json:"rule_id"`
	RuleName      string          `json:"rule_name"`
	ConditionType string          `json:"condition_type"`
	FiredAt       time.Time       `json:"fired_at"`
	Snapshot      json.RawMessage `json:"snapshot,omitempty"`
	WebhookURL    string          `json:"-"`
}
