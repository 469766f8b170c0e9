package models

import "time"

// TaskStatus is the derived lifecycle status of a task, computed over all
// events sharing its task_id.
type TaskStatus string

const (
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskEscalated  TaskStatus = "escalated"
	TaskWaiting    TaskStatus = "waiting"
	TaskProcessing TaskStatus = "processing"
)

// ValidTaskStatus reports whether s is a known task status.
func ValidTaskStatus(s TaskStatus) bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskEscalated, TaskWaiting, TaskProcessing:
		return true
	}
	return false
}

// TaskSummary is a derived view of one task, assembled from its lifecycle
// events. It is never stored.
type TaskSummary struct {
	TaskID     string     `json:"task_id"`
	AgentID    string     `json:"agent_id"`
	ProjectID  *string    `json:"project_id,omitempty"`
	TaskRunID  *string    `json:"task_run_id,omitempty"`
	Status     TaskStatus `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	DurationMs *int64     `json:"duration_ms,omitempty"`
	EventCount int        `json:"event_count"`
	Failures   int        `json:"failures"`
	Retries    int        `json:"retries"`
}

// ActionNode is one node of the reconstructed action tree in a task
// timeline. Actions form a tree via action_id/parent_action_id.
type ActionNode struct {
	ActionID   string        `json:"action_id"`
	Status     string        `json:"status,omitempty"`
	StartedAt  *time.Time    `json:"started_at,omitempty"`
	EndedAt    *time.Time    `json:"ended_at,omitempty"`
	DurationMs *int64        `json:"duration_ms,omitempty"`
	Children   []*ActionNode `json:"children,omitempty"`
}

// PlanOverlay is derived from plan_created/plan_step payload events within
// a task, when present.
type PlanOverlay struct {
	PlanID string     `json:"plan_id,omitempty"`
	Steps  []PlanStep `json:"steps"`
}

// PlanStep is one step of a plan overlay.
type PlanStep struct {
	Index  int    `json:"index"`
	Title  string `json:"title,omitempty"`
	Status string `json:"status,omitempty"`
}

// TaskTimeline is the full reconstructed view of one task.
type TaskTimeline struct {
	Task    TaskSummary   `json:"task"`
	Events  []Event       `json:"events"`
	Actions []*ActionNode `json:"actions,omitempty"`
	Plan    *PlanOverlay  `json:"plan,omitempty"`
}
