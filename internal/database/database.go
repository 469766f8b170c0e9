package database

import (
	"database/sql"

	_ "modernc.org/sqlite" // SQLite driver
)

// New creates a new database connection pool. _time_format makes the driver
// bind time.Time parameters in SQLite's text format; without it strftime and
// date bucketing cannot parse stored timestamps.
func New(dataSourceName string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dataSourceName+"?_time_format=sqlite&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	if err = db.Ping(); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate runs the SQL statements to set up the database schema.
func Migrate(db *sql.DB) error {
	const sqlStmt = `
	CREATE TABLE IF NOT EXISTS events (
		tenant_id TEXT NOT NULL,
		event_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		project_id TEXT,
		task_id TEXT,
		task_run_id TEXT,
		action_id TEXT,
		parent_action_id TEXT,
		event_type TEXT NOT NULL,
		severity TEXT NOT NULL,
		status TEXT,
		duration_ms INTEGER,
		timestamp DATETIME NOT NULL,
		received_at DATETIME NOT NULL,
		parent_event_id TEXT,
		-- Extracted from the payload at ingest so aggregate reads stay
		-- single-query.
		payload_kind TEXT NOT NULL DEFAULT '',
		group_key TEXT NOT NULL DEFAULT '',
		cost_usd REAL,
		payload_json TEXT,
		PRIMARY KEY (tenant_id, event_id)
	);
	CREATE INDEX IF NOT EXISTS idx_events_task ON events(tenant_id, task_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_events_agent ON events(tenant_id, agent_id, timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_events_received ON events(tenant_id, received_at DESC, event_id);
	CREATE INDEX IF NOT EXISTS idx_events_group ON events(tenant_id, payload_kind, group_key, timestamp);
	CREATE INDEX IF NOT EXISTS idx_events_type_time ON events(tenant_id, event_type, received_at DESC);

	CREATE TABLE IF NOT EXISTS agent_profiles (
		tenant_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		agent_type TEXT NOT NULL DEFAULT '',
		framework TEXT NOT NULL DEFAULT '',
		environment TEXT NOT NULL DEFAULT '',
		agent_group TEXT NOT NULL DEFAULT '',
		last_seen_at DATETIME NOT NULL,
		last_heartbeat_at DATETIME,
		last_event_type TEXT NOT NULL DEFAULT '',
		last_event_at DATETIME,
		current_task_id TEXT,
		current_project_id TEXT,
		stuck_threshold_seconds INTEGER NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (tenant_id, agent_id)
	);

	CREATE TABLE IF NOT EXISTS projects (
		tenant_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (tenant_id, project_id)
	);

	CREATE TABLE IF NOT EXISTS project_agents (
		tenant_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		first_seen_at DATETIME NOT NULL,
		PRIMARY KEY (tenant_id, project_id, agent_id)
	);
	CREATE INDEX IF NOT EXISTS idx_project_agents_agent ON project_agents(tenant_id, agent_id);

	CREATE TABLE IF NOT EXISTS alert_rules (
		id TEXT NOT NULL PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		condition_type TEXT NOT NULL,
		params_json TEXT NOT NULL DEFAULT '{}',
		project_id TEXT,
		agent_id TEXT,
		cooldown_seconds INTEGER NOT NULL DEFAULT 0,
		webhook_url TEXT NOT NULL DEFAULT '',
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		last_fired_at DATETIME,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_alert_rules_tenant ON alert_rules(tenant_id, is_active);

	CREATE TABLE IF NOT EXISTS alert_history (
		id TEXT NOT NULL PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		rule_id TEXT NOT NULL,
		rule_name TEXT NOT NULL,
		condition_type TEXT NOT NULL,
		fired_at DATETIME NOT NULL,
		snapshot_json TEXT NOT NULL DEFAULT '{}'
	);
	CREATE INDEX IF NOT EXISTS idx_alert_history_tenant ON alert_history(tenant_id, fired_at DESC);

	CREATE TABLE IF NOT EXISTS api_keys (
		id TEXT NOT NULL PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		role TEXT NOT NULL,
		key_hash TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_api_keys_tenant ON api_keys(tenant_id);
	`
	_, err := db.Exec(sqlStmt)
	return err
}
