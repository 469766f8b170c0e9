package models

import "time"

// Project groups agents and tasks. Rows are auto-created the first time an
// event references a project id, or explicitly via the CRUD API.
type Project struct {
	TenantID    string    `json:"-"`
	ProjectID   string    `json:"project_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ProjectMembership links an agent to a project. The first task event
// carrying a (project_id, agent_id) pair creates the row.
type ProjectMembership struct {
	TenantID    string    `json:"-"`
	ProjectID   string    `json:"project_id"`
	AgentID     string    `json:"agent_id"`
	FirstSeenAt time.Time `json:"first_seen_at"`
}
