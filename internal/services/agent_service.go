package services

import (
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/fleetlens/fleetlens-be/internal/models"
)

// AgentPipeline is the live work state of one agent, derived entirely from
// its agent-level custom events.
type AgentPipeline struct {
	AgentID   string         `json:"agent_id"`
	Queue     *QueueState    `json:"queue,omitempty"`
	Todos     []PipelineItem `json:"todos"`
	Scheduled []PipelineItem `json:"scheduled"`
	Issues    []PipelineItem `json:"issues"`
}

// AgentDetail is the single-agent response: profile, derived status and
// recent activity.
type AgentDetail struct {
	models.AgentSummary
	Projects     []string       `json:"projects,omitempty"`
	RecentEvents []models.Event `json:"recent_events"`
}

// AgentServiceProvider defines the read-side interface for agents.
type AgentServiceProvider interface {
	ListAgents(tenantID, projectID string) ([]models.AgentSummary, error)
	GetAgent(tenantID, agentID string) (*AgentDetail, error)
	GetPipeline(tenantID, agentID string) (*AgentPipeline, error)
	ListProfiles(tenantID string) ([]models.AgentProfile, error)
	AllProfiles() ([]models.AgentProfile, error)
	ProjectsForAgent(tenantID, agentID string) ([]string, error)
}

// AgentService provides derived views over agent profiles and events.
type AgentService struct {
	db    *sql.DB
	store EventStoreProvider
}

// NewAgentService creates a new AgentService.
func NewAgentService(db *sql.DB, store EventStoreProvider) *AgentService {
	return &AgentService{db: db, store: store}
}

// ListAgents returns all agents with derived status, sorted by attention:
// stuck first, then error, waiting, processing, idle; ties broken by oldest
// heartbeat.
func (s *AgentService) ListAgents(tenantID, projectID string) ([]models.AgentSummary, error) {
	var rows *sql.Rows
	var err error
	if projectID != "" {
		rows, err = s.db.Query(`
			SELECT `+qualify("p", profileColumns)+` FROM agent_profiles p
			JOIN project_agents m ON m.tenant_id = p.tenant_id AND m.agent_id = p.agent_id
			WHERE p.tenant_id = ? AND m.project_id = ?`, tenantID, projectID)
	} else {
		rows, err = s.db.Query(`SELECT `+profileColumns+` FROM agent_profiles WHERE tenant_id = ?`, tenantID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	profiles, err := scanProfiles(rows)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	summaries := make([]models.AgentSummary, 0, len(profiles))
	for i := range profiles {
		p := profiles[i]
		summaries = append(summaries, models.AgentSummary{
			AgentProfile:        p,
			Status:              DeriveAgentStatus(&p, now),
			HeartbeatAgeSeconds: HeartbeatAge(&p, now),
		})
	}
	sort.SliceStable(summaries, func(i, j int) bool {
		a, b := summaries[i], summaries[j]
		if a.Status != b.Status {
			return a.Status.AttentionRank() < b.Status.AttentionRank()
		}
		ai, bi := a.HeartbeatAgeSeconds, b.HeartbeatAgeSeconds
		switch {
		case ai == nil && bi == nil:
			return a.AgentID < b.AgentID
		case ai == nil:
			return true
		case bi == nil:
			return false
		default:
			return *ai > *bi
		}
	})
	return summaries, nil
}

// GetAgent returns one agent's profile, derived status, memberships and
// recent events.
func (s *AgentService) GetAgent(tenantID, agentID string) (*AgentDetail, error) {
	row := s.db.QueryRow(`SELECT `+profileColumns+` FROM agent_profiles WHERE tenant_id = ? AND agent_id = ?`,
		tenantID, agentID)
	p, err := scanProfile(row)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("agent %s not found", agentID)
	}

	now := time.Now().UTC()
	detail := &AgentDetail{
		AgentSummary: models.AgentSummary{
			AgentProfile:        *p,
			Status:              DeriveAgentStatus(p, now),
			HeartbeatAgeSeconds: HeartbeatAge(p, now),
		},
	}
	detail.Projects, err = s.ProjectsForAgent(tenantID, agentID)
	if err != nil {
		return nil, err
	}
	detail.RecentEvents, err = s.store.EventsForAgentSince(tenantID, agentID, now.Add(-24*time.Hour), 50)
	if err != nil {
		return nil, err
	}
	return detail, nil
}

// GetPipeline aggregates the agent's queue, active TODOs, scheduled items
// and open issues from its custom events.
func (s *AgentService) GetPipeline(tenantID, agentID string) (*AgentPipeline, error) {
	pipeline := &AgentPipeline{AgentID: agentID}

	snapshot, err := s.store.LatestQueueSnapshot(tenantID, agentID)
	if err != nil {
		return nil, err
	}
	pipeline.Queue = QueueStateFromEvent(snapshot)

	for _, agg := range []struct {
		kind string
		dest *[]PipelineItem
	}{
		{models.KindTodo, &pipeline.Todos},
		{models.KindScheduled, &pipeline.Scheduled},
		{models.KindIssue, &pipeline.Issues},
	} {
		latest, err := s.store.LatestPerGroup(tenantID, agentID, agg.kind)
		if err != nil {
			return nil, err
		}
		*agg.dest = ActivePipelineItems(latest)
	}
	return pipeline, nil
}

// ListProfiles returns the raw profile rows for one tenant.
func (s *AgentService) ListProfiles(tenantID string) ([]models.AgentProfile, error) {
	rows, err := s.db.Query(`SELECT `+profileColumns+` FROM agent_profiles WHERE tenant_id = ?`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanProfiles(rows)
}

// AllProfiles returns every profile across tenants; used by the background
// stuck monitor.
func (s *AgentService) AllProfiles() ([]models.AgentProfile, error) {
	rows, err := s.db.Query(`SELECT ` + profileColumns + ` FROM agent_profiles`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanProfiles(rows)
}

// ProjectsForAgent returns the project ids an agent is a member of.
func (s *AgentService) ProjectsForAgent(tenantID, agentID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT project_id FROM project_agents WHERE tenant_id = ? AND agent_id = ? ORDER BY project_id`,
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

func scanProfiles(rows *sql.Rows) ([]models.AgentProfile, error) {
	var profiles []models.AgentProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, *p)
	}
	return profiles, rows.Err()
}
