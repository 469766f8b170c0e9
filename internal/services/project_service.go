package services

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/fleetlens/fleetlens-be/internal/models"
)

// ProjectServiceProvider defines the interface for project management.
type ProjectServiceProvider interface {
	ListProjects(tenantID string) ([]models.Project, error)
	GetProject(tenantID, projectID string) (models.Project, error)
	CreateProject(tenantID, projectID, name, description string) (models.Project, error)
	UpdateProject(tenantID, projectID, name, description string) (models.Project, error)
	DeleteProject(tenantID, projectID string) error
	Members(tenantID, projectID string) ([]models.ProjectMembership, error)
}

// ProjectService provides project CRUD. Membership rows are written by the
// ingestion pipeline; this service only reads them.
type ProjectService struct {
	db *sql.DB
}

// NewProjectService creates a new ProjectService.
func NewProjectService(db *sql.DB) *ProjectService {
	return &ProjectService{db: db}
}

// ListProjects returns all projects of a tenant.
func (s *ProjectService) ListProjects(tenantID string) ([]models.Project, error) {
	rows, err := s.db.Query(`
		SELECT tenant_id, project_id, name, description, created_at
		FROM projects WHERE tenant_id = ? ORDER BY created_at DESC`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []models.Project
	for rows.Next() {
		var p models.Project
		if err := rows.Scan(&p.TenantID, &p.ProjectID, &p.Name, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// GetProject retrieves a single project.
func (s *ProjectService) GetProject(tenantID, projectID string) (models.Project, error) {
	var p models.Project
	row := s.db.QueryRow(`
		SELECT tenant_id, project_id, name, description, created_at
		FROM projects WHERE tenant_id = ? AND project_id = ?`, tenantID, projectID)
	err := row.Scan(&p.TenantID, &p.ProjectID, &p.Name, &p.Description, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return models.Project{}, fmt.Errorf("project %s not found", projectID)
	}
	if err != nil {
		return models.Project{}, err
	}
	return p, nil
}

// CreateProject registers a project explicitly. Ingest also auto-creates
// projects on first reference; explicit creation lets callers pick a name.
func (s *ProjectService) CreateProject(tenantID, projectID, name, description string) (models.Project, error) {
	if name == "" {
		name = projectID
	}
	_, err := s.db.Exec(`
		INSERT INTO projects (tenant_id, project_id, name, description, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, project_id) DO UPDATE SET name = excluded.name, description = excluded.description`,
		tenantID, projectID, name, description, time.Now().UTC())
	if err != nil {
		return models.Project{}, err
	}
	return s.GetProject(tenantID, projectID)
}

// UpdateProject renames or re-describes a project.
func (s *ProjectService) UpdateProject(tenantID, projectID, name, description string) (models.Project, error) {
	res, err := s.db.Exec(`UPDATE projects SET name = ?, description = ? WHERE tenant_id = ? AND project_id = ?`,
		name, description, tenantID, projectID)
	if err != nil {
		return models.Project{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.Project{}, fmt.Errorf("project %s not found", projectID)
	}
	return s.GetProject(tenantID, projectID)
}

// DeleteProject removes a project and its membership rows. Events referencing
// the project are untouched; they remain valid history.
func (s *ProjectService) DeleteProject(tenantID, projectID string) error {
	if _, err := s.db.Exec(`DELETE FROM project_agents WHERE tenant_id = ? AND project_id = ?`, tenantID, projectID); err != nil {
		return err
	}
	_, err := s.db.Exec(`DELETE FROM projects WHERE tenant_id = ? AND project_id = ?`, tenantID, projectID)
	return err
}

// Members lists the agents belonging to a project.
func (s *ProjectService) Members(tenantID, projectID string) ([]models.ProjectMembership, error) {
	rows, err := s.db.Query(`
		SELECT tenant_id, project_id, agent_id, first_seen_at
		FROM project_agents WHERE tenant_id = ? AND project_id = ? ORDER BY first_seen_at`, tenantID, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []models.ProjectMembership
	for rows.Next() {
		var m models.ProjectMembership
		if err := rows.Scan(&m.TenantID, &m.ProjectID, &m.AgentID, &m.FirstSeenAt); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}
