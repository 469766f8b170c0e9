package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/fleetlens/fleetlens-be/internal/metrics"
	"github.com/fleetlens/fleetlens-be/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// AlertDispatcher delivers firings out-of-band (webhooks). Delivery failures
// never propagate back into ingestion.
type AlertDispatcher interface {
	Dispatch(firing models.AlertFiring)
}

// AlertServiceProvider defines rule management plus evaluation.
type AlertServiceProvider interface {
	CreateRule(rule models.AlertRule) (models.AlertRule, error)
	GetRule(tenantID, ruleID string) (models.AlertRule, error)
	ListRules(tenantID string) ([]models.AlertRule, error)
	UpdateRule(tenantID, ruleID string, rule models.AlertRule) (models.AlertRule, error)
	DeleteRule(tenantID, ruleID string) error
	History(tenantID string, limit int) ([]models.AlertFiring, error)
	EvaluateScope(ctx context.Context, tenantID string, agentIDs, projectIDs []string)
	EvaluatePeriodic(ctx context.Context)
}

// AlertService evaluates the six alert conditions over the event log and
// derived state, with per-rule cooldowns.
type AlertService struct {
	db         *sql.DB
	store      EventStoreProvider
	dispatcher AlertDispatcher

	mu        sync.Mutex
	lastFired map[string]time.Time // ruleID -> last firing, mirrors the DB column
}

// NewAlertService creates a new AlertService.
func NewAlertService(db *sql.DB, store EventStoreProvider, dispatcher AlertDispatcher) *AlertService {
	return &AlertService{
		db:         db,
		store:      store,
		dispatcher: dispatcher,
		lastFired:  make(map[string]time.Time),
	}
}

// CreateRule validates and stores a new alert rule.
func (s *AlertService) CreateRule(rule models.AlertRule) (models.AlertRule, error) {
	if !models.ValidConditionType(rule.ConditionType) {
		return models.AlertRule{}, fmt.Errorf("unknown condition type %q", rule.ConditionType)
	}
	if rule.Name == "" {
		return models.AlertRule{}, fmt.Errorf("rule name is required")
	}
	rule.ID = uuid.New().String()
	rule.IsActive = true

	params, err := json.Marshal(rule.Params)
	if err != nil {
		return models.AlertRule{}, err
	}
	_, err = s.db.Exec(`
		INSERT INTO alert_rules (id, tenant_id, name, condition_type, params_json, project_id, agent_id,
			cooldown_seconds, webhook_url, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.ID, rule.TenantID, rule.Name, rule.ConditionType, string(params),
		rule.ProjectID, rule.AgentID, rule.CooldownSeconds, rule.WebhookURL, rule.IsActive)
	if err != nil {
		return models.AlertRule{}, err
	}
	return s.GetRule(rule.TenantID, rule.ID)
}

const ruleColumns = `id, tenant_id, name, condition_type, params_json, project_id, agent_id,
	cooldown_seconds, webhook_url, is_active, last_fired_at, created_at`

// GetRule retrieves a single rule.
func (s *AlertService) GetRule(tenantID, ruleID string) (models.AlertRule, error) {
	row := s.db.QueryRow(`SELECT `+ruleColumns+` FROM alert_rules WHERE tenant_id = ? AND id = ?`, tenantID, ruleID)
	return scanRule(row)
}

// ListRules returns all rules of a tenant.
func (s *AlertService) ListRules(tenantID string) ([]models.AlertRule, error) {
	rows, err := s.db.Query(`SELECT `+ruleColumns+` FROM alert_rules WHERE tenant_id = ? ORDER BY created_at DESC`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []models.AlertRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// UpdateRule replaces a rule's definition.
func (s *AlertService) UpdateRule(tenantID, ruleID string, rule models.AlertRule) (models.AlertRule, error) {
	if !models.ValidConditionType(rule.ConditionType) {
		return models.AlertRule{}, fmt.Errorf("unknown condition type %q", rule.ConditionType)
	}
	params, err := json.Marshal(rule.Params)
	if err != nil {
		return models.AlertRule{}, err
	}
	res, err := s.db.Exec(`
		UPDATE alert_rules SET name = ?, condition_type = ?, params_json = ?, project_id = ?, agent_id = ?,
			cooldown_seconds = ?, webhook_url = ?, is_active = ?
		WHERE tenant_id = ? AND id = ?`,
		rule.Name, rule.ConditionType, string(params), rule.ProjectID, rule.AgentID,
		rule.CooldownSeconds, rule.WebhookURL, rule.IsActive, tenantID, ruleID)
	if err != nil {
		return models.AlertRule{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.AlertRule{}, fmt.Errorf("rule %s not found", ruleID)
	}
	return s.GetRule(tenantID, ruleID)
}

// DeleteRule removes a rule. Its history rows remain.
func (s *AlertService) DeleteRule(tenantID, ruleID string) error {
	_, err := s.db.Exec(`DELETE FROM alert_rules WHERE tenant_id = ? AND id = ?`, tenantID, ruleID)
	return err
}

// History returns recent firings, newest first.
func (s *AlertService) History(tenantID string, limit int) ([]models.AlertFiring, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, tenant_id, rule_id, rule_name, condition_type, fired_at, snapshot_json
		FROM alert_history WHERE tenant_id = ? ORDER BY fired_at DESC LIMIT ?`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var firings []models.AlertFiring
	for rows.Next() {
		var f models.AlertFiring
		var snapshot string
		if err := rows.Scan(&f.ID, &f.TenantID, &f.RuleID, &f.RuleName, &f.ConditionType, &f.FiredAt, &snapshot); err != nil {
			return nil, err
		}
		f.Snapshot = []byte(snapshot)
		firings = append(firings, f)
	}
	return firings, rows.Err()
}

// EvaluateScope re-checks a tenant's active rules after a batch commit,
// restricted to rules whose scope intersects the touched agents/projects.
// Runs asynchronously relative to the ingest response.
func (s *AlertService) EvaluateScope(ctx context.Context, tenantID string, agentIDs, projectIDs []string) {
	rules, err := s.ListRules(tenantID)
	if err != nil {
		log.Error().Err(err).Str("tenant_id", tenantID).Msg("Alert evaluation: failed to load rules")
		return
	}
	agents := toSet(agentIDs)
	projects := toSet(projectIDs)
	for _, rule := range rules {
		if !rule.IsActive {
			continue
		}
		if rule.AgentID != nil && *rule.AgentID != "" && !agents[*rule.AgentID] {
			continue
		}
		if rule.ProjectID != nil && *rule.ProjectID != "" && !projects[*rule.ProjectID] {
			continue
		}
		s.evaluateRule(ctx, &rule, time.Now().UTC())
	}
}

// EvaluatePeriodic re-checks the heartbeat-based conditions for every
// tenant. Agents going silent produce no events, so the post-batch hook
// alone would never notice them.
func (s *AlertService) EvaluatePeriodic(ctx context.Context) {
	rows, err := s.db.Query(`
		SELECT `+ruleColumns+` FROM alert_rules
		WHERE is_active = TRUE AND condition_type IN (?, ?)`,
		models.ConditionHeartbeatStale, models.ConditionAgentOffline)
	if err != nil {
		log.Error().Err(err).Msg("Alert sweep: failed to load rules")
		return
	}
	defer rows.Close()

	var rules []models.AlertRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			log.Error().Err(err).Msg("Alert sweep: failed to scan rule")
			return
		}
		rules = append(rules, rule)
	}
	now := time.Now().UTC()
	for i := range rules {
		s.evaluateRule(ctx, &rules[i], now)
	}
}

// evaluateRule runs one condition check, honoring the cooldown.
func (s *AlertService) evaluateRule(ctx context.Context, rule *models.AlertRule, now time.Time) {
	if s.inCooldown(rule, now) {
		return
	}
	snapshot, fired, err := s.checkCondition(rule, now)
	if err != nil {
		log.Error().Err(err).Str("rule_id", rule.ID).Str("condition", rule.ConditionType).
			Msg("Alert condition check failed")
		return
	}
	if !fired {
		return
	}
	s.fire(rule, snapshot, now)
}

func (s *AlertService) inCooldown(rule *models.AlertRule, now time.Time) bool {
	s.mu.Lock()
	last, ok := s.lastFired[rule.ID]
	s.mu.Unlock()
	if !ok && rule.LastFiredAt != nil {
		last = *rule.LastFiredAt
		ok = true
	}
	return ok && now.Sub(last) < rule.Cooldown()
}

// checkCondition runs the rule's single query and reports whether it fired,
// returning a snapshot of the triggering condition.
func (s *AlertService) checkCondition(rule *models.AlertRule, now time.Time) (map[string]interface{}, bool, error) {
	scopeProject := deref(rule.ProjectID)
	scopeAgent := deref(rule.AgentID)
	windowStart := now.Add(-rule.Window())

	switch rule.ConditionType {
	case models.ConditionHeartbeatStale:
		threshold := rule.Params.ThresholdSeconds
		if threshold <= 0 {
			threshold = 300
		}
		agents, err := s.staleAgents(rule.TenantID, scopeAgent, threshold, now)
		if err != nil || len(agents) == 0 {
			return nil, false, err
		}
		return map[string]interface{}{"stale_agents": agents, "threshold_seconds": threshold}, true, nil

	case models.ConditionTaskFailed:
		n, err := s.store.CountEventsSince(rule.TenantID, []models.EventType{models.EventTaskFailed},
			scopeProject, scopeAgent, windowStart)
		if err != nil || n == 0 {
			return nil, false, err
		}
		return map[string]interface{}{"failed_tasks": n, "window_seconds": int(rule.Window().Seconds())}, true, nil

	case models.ConditionFailureRate:
		failed, err := s.store.CountEventsSince(rule.TenantID, []models.EventType{models.EventTaskFailed},
			scopeProject, scopeAgent, windowStart)
		if err != nil {
			return nil, false, err
		}
		completed, err := s.store.CountEventsSince(rule.TenantID, []models.EventType{models.EventTaskCompleted},
			scopeProject, scopeAgent, windowStart)
		if err != nil {
			return nil, false, err
		}
		total := failed + completed
		minCount := rule.Params.MinCount
		if minCount <= 0 {
			minCount = 1
		}
		if total < minCount || total == 0 {
			return nil, false, nil
		}
		ratio := float64(failed) / float64(total)
		if ratio < rule.Params.Rate {
			return nil, false, nil
		}
		return map[string]interface{}{"failed": failed, "completed": completed, "rate": ratio}, true, nil

	case models.ConditionTaskDuration:
		ev, err := s.store.MaxDurationSince(rule.TenantID, models.EventTaskCompleted, scopeProject, scopeAgent, windowStart)
		if err != nil || ev == nil || ev.DurationMs == nil {
			return nil, false, err
		}
		if *ev.DurationMs <= rule.Params.MaxDurationMs {
			return nil, false, nil
		}
		return map[string]interface{}{
			"task_id": deref(ev.TaskID), "agent_id": ev.AgentID,
			"duration_ms": *ev.DurationMs, "max_duration_ms": rule.Params.MaxDurationMs,
		}, true, nil

	case models.ConditionAgentOffline:
		agentID := rule.Params.AgentID
		if agentID == "" {
			agentID = scopeAgent
		}
		if agentID == "" {
			return nil, false, fmt.Errorf("agent_offline rule without an agent id")
		}
		threshold := rule.Params.ThresholdSeconds
		if threshold <= 0 {
			threshold = 300
		}
		agents, err := s.staleAgents(rule.TenantID, agentID, threshold, now)
		if err != nil || len(agents) == 0 {
			return nil, false, err
		}
		return map[string]interface{}{"agent_id": agentID, "threshold_seconds": threshold}, true, nil

	case models.ConditionLLMCost:
		total, err := s.store.SumCostSince(rule.TenantID, scopeProject, scopeAgent, windowStart)
		if err != nil {
			return nil, false, err
		}
		if total <= rule.Params.MaxCostUSD {
			return nil, false, nil
		}
		return map[string]interface{}{"total_cost_usd": total, "max_cost_usd": rule.Params.MaxCostUSD}, true, nil
	}
	return nil, false, fmt.Errorf("unknown condition type %q", rule.ConditionType)
}

// staleAgents lists agents whose last heartbeat is missing or older than the
// threshold. One indexed query over the profile cache.
func (s *AlertService) staleAgents(tenantID, agentID string, thresholdSeconds int, now time.Time) ([]string, error) {
	cutoff := now.Add(-time.Duration(thresholdSeconds) * time.Second)
	q := `SELECT agent_id FROM agent_profiles
		WHERE tenant_id = ? AND (last_heartbeat_at IS NULL OR last_heartbeat_at < ?)`
	args := []interface{}{tenantID, cutoff.UTC()}
	if agentID != "" {
		q += ` AND agent_id = ?`
		args = append(args, agentID)
	}
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var agents []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// fire records the firing and hands it to the dispatcher.
func (s *AlertService) fire(rule *models.AlertRule, snapshot map[string]interface{}, now time.Time) {
	snapshotJSON, err := json.Marshal(snapshot)
	if err != nil {
		snapshotJSON = []byte("{}")
	}
	firing := models.AlertFiring{
		ID:            uuid.New().String(),
		TenantID:      rule.TenantID,
		RuleID:        rule.ID,
		RuleName:      rule.Name,
		ConditionType: rule.ConditionType,
		FiredAt:       now,
		Snapshot:      snapshotJSON,
		WebhookURL:    rule.WebhookURL,
	}
	if _, err := s.db.Exec(`
		INSERT INTO alert_history (id, tenant_id, rule_id, rule_name, condition_type, fired_at, snapshot_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		firing.ID, firing.TenantID, firing.RuleID, firing.RuleName, firing.ConditionType,
		firing.FiredAt, string(firing.Snapshot)); err != nil {
		log.Error().Err(err).Str("rule_id", rule.ID).Msg("Failed to record alert firing")
		return
	}
	if _, err := s.db.Exec(`UPDATE alert_rules SET last_fired_at = ? WHERE id = ?`, now, rule.ID); err != nil {
		log.Error().Err(err).Str("rule_id", rule.ID).Msg("Failed to update rule last_fired_at")
	}
	s.mu.Lock()
	s.lastFired[rule.ID] = now
	s.mu.Unlock()

	metrics.AlertsFired.Inc()
	log.Warn().Str("rule", rule.Name).Str("condition", rule.ConditionType).
		RawJSON("snapshot", firing.Snapshot).Msg("Alert fired")

	if s.dispatcher != nil && firing.WebhookURL != "" {
		s.dispatcher.Dispatch(firing)
	}
}

func scanRule(scanner interface{ Scan(...interface{}) error }) (models.AlertRule, error) {
	var rule models.AlertRule
	var params string
	err := scanner.Scan(&rule.ID, &rule.TenantID, &rule.Name, &rule.ConditionType, &params,
		&rule.ProjectID, &rule.AgentID, &rule.CooldownSeconds, &rule.WebhookURL,
		&rule.IsActive, &rule.LastFiredAt, &rule.CreatedAt)
	if err == sql.ErrNoRows {
		return models.AlertRule{}, fmt.Errorf("alert rule not found")
	}
	if err != nil {
		return models.AlertRule{}, err
	}
	if err := json.Unmarshal([]byte(params), &rule.Params); err != nil {
		// Unreadable params disable the rule's knobs, not the rule itself.
		rule.Params = models.AlertParams{}
	}
	return rule, nil
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
