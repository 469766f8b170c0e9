package services

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fleetlens/fleetlens-be/internal/models"
)

// ErrBadQuery marks caller mistakes in a metrics query, as opposed to
// storage failures.
var ErrBadQuery = errors.New("bad metrics query")

// IsQueryValidation reports whether err is a caller mistake.
func IsQueryValidation(err error) bool {
	return errors.Is(err, ErrBadQuery)
}

// MetricsQuery selects an aggregate over a time range, optionally grouped by
// one dimension.
type MetricsQuery struct {
	Metric    string // count, error_count, avg_duration_ms, total_cost_usd
	GroupBy   string // "", event_type, agent_id, project_id, severity
	ProjectID string
	AgentID   string
	From      time.Time
	To        time.Time
}

// MetricPoint is one aggregate value, keyed by group when grouped.
type MetricPoint struct {
	Group string  `json:"group,omitempty"`
	Value float64 `json:"value"`
}

// CostSummary aggregates llm_call spend over a range.
type CostSummary struct {
	TotalUSD float64 `json:"total_usd"`
	Calls    int     `json:"calls"`
}

// CostBucket is one time bucket of the cost timeseries.
type CostBucket struct {
	Bucket   string  `json:"bucket"`
	TotalUSD float64 `json:"total_usd"`
	Calls    int     `json:"calls"`
}

// MetricsServiceProvider defines the read-side aggregate interface.
type MetricsServiceProvider interface {
	Query(tenantID string, q MetricsQuery) ([]MetricPoint, error)
	CostSummary(tenantID, projectID, agentID string, from, to time.Time) (*CostSummary, error)
	CostTimeseries(tenantID, projectID, agentID string, from, to time.Time, bucket string) ([]CostBucket, error)
	CostCalls(tenantID string, f EventFilter) ([]models.Event, string, error)
}

// MetricsService answers scalar and grouped aggregates over the event log.
type MetricsService struct {
	db    *sql.DB
	store EventStoreProvider
}

// NewMetricsService creates a new MetricsService.
func NewMetricsService(db *sql.DB, store EventStoreProvider) *MetricsService {
	return &MetricsService{db: db, store: store}
}

var groupByColumns = map[string]string{
	"event_type": "event_type",
	"agent_id":   "agent_id",
	"project_id": "COALESCE(project_id, '')",
	"severity":   "severity",
}

// Query runs one aggregate. Each supported metric compiles to a single
// GROUP BY (or scalar) statement.
func (s *MetricsService) Query(tenantID string, q MetricsQuery) ([]MetricPoint, error) {
	var selectExpr string
	var extraWhere string
	switch q.Metric {
	case "", "count":
		selectExpr = "COUNT(*)"
	case "error_count":
		selectExpr = "COUNT(*)"
		extraWhere = ` AND severity = 'error'`
	case "avg_duration_ms":
		selectExpr = "COALESCE(AVG(duration_ms), 0)"
		extraWhere = ` AND duration_ms IS NOT NULL`
	case "total_cost_usd":
		selectExpr = "COALESCE(SUM(cost_usd), 0)"
		extraWhere = ` AND payload_kind = '` + models.KindLLMCall + `'`
	default:
		return nil, fmt.Errorf("%w: unknown metric %q", ErrBadQuery, q.Metric)
	}

	var sb strings.Builder
	args := []interface{}{tenantID}

	groupCol := ""
	if q.GroupBy != "" {
		col, ok := groupByColumns[q.GroupBy]
		if !ok {
			return nil, fmt.Errorf("%w: unknown group_by dimension %q", ErrBadQuery, q.GroupBy)
		}
		groupCol = col
		sb.WriteString(`SELECT ` + col + `, ` + selectExpr + ` FROM events WHERE tenant_id = ?`)
	} else {
		sb.WriteString(`SELECT ` + selectExpr + ` FROM events WHERE tenant_id = ?`)
	}
	sb.WriteString(extraWhere)

	if q.ProjectID != "" {
		sb.WriteString(` AND project_id = ?`)
		args = append(args, q.ProjectID)
	}
	if q.AgentID != "" {
		sb.WriteString(` AND agent_id = ?`)
		args = append(args, q.AgentID)
	}
	if !q.From.IsZero() {
		sb.WriteString(` AND received_at >= ?`)
		args = append(args, q.From.UTC())
	}
	if !q.To.IsZero() {
		sb.WriteString(` AND received_at <= ?`)
		args = append(args, q.To.UTC())
	}
	if groupCol != "" {
		sb.WriteString(` GROUP BY ` + groupCol + ` ORDER BY 2 DESC`)
	}

	rows, err := s.db.Query(sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []MetricPoint
	for rows.Next() {
		var p MetricPoint
		if groupCol != "" {
			if err := rows.Scan(&p.Group, &p.Value); err != nil {
				return nil, err
			}
		} else {
			if err := rows.Scan(&p.Value); err != nil {
				return nil, err
			}
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// CostSummary totals llm_call spend and call count over a range.
func (s *MetricsService) CostSummary(tenantID, projectID, agentID string, from, to time.Time) (*CostSummary, error) {
	var sb strings.Builder
	sb.WriteString(`
		SELECT COALESCE(SUM(cost_usd), 0), COUNT(*) FROM events
		WHERE tenant_id = ? AND payload_kind = ?`)
	args := []interface{}{tenantID, models.KindLLMCall}
	appendScope(&sb, &args, projectID, agentID, from, to)

	var sum CostSummary
	if err := s.db.QueryRow(sb.String(), args...).Scan(&sum.TotalUSD, &sum.Calls); err != nil {
		return nil, err
	}
	return &sum, nil
}

// CostTimeseries buckets llm_call spend by hour or day.
func (s *MetricsService) CostTimeseries(tenantID, projectID, agentID string, from, to time.Time, bucket string) ([]CostBucket, error) {
	format := "%Y-%m-%dT%H:00"
	if bucket == "day" {
		format = "%Y-%m-%d"
	}
	var sb strings.Builder
	sb.WriteString(`
		SELECT strftime('` + format + `', received_at), COALESCE(SUM(cost_usd), 0), COUNT(*)
		FROM events WHERE tenant_id = ? AND payload_kind = ?`)
	args := []interface{}{tenantID, models.KindLLMCall}
	appendScope(&sb, &args, projectID, agentID, from, to)
	sb.WriteString(` GROUP BY 1 ORDER BY 1`)

	rows, err := s.db.Query(sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var buckets []CostBucket
	for rows.Next() {
		var b CostBucket
		if err := rows.Scan(&b.Bucket, &b.TotalUSD, &b.Calls); err != nil {
			return nil, err
		}
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}

// CostCalls lists raw llm_call events, cursor-paginated.
func (s *MetricsService) CostCalls(tenantID string, f EventFilter) ([]models.Event, string, error) {
	f.PayloadKind = models.KindLLMCall
	return s.store.EventsMatching(tenantID, f)
}

func appendScope(sb *strings.Builder, args *[]interface{}, projectID, agentID string, from, to time.Time) {
	if projectID != "" {
		sb.WriteString(` AND project_id = ?`)
		*args = append(*args, projectID)
	}
	if agentID != "" {
		sb.WriteString(` AND agent_id = ?`)
		*args = append(*args, agentID)
	}
	if !from.IsZero() {
		sb.WriteString(` AND received_at >= ?`)
		*args = append(*args, from.UTC())
	}
	if !to.IsZero() {
		sb.WriteString(` AND received_at <= ?`)
		*args = append(*args, to.UTC())
	}
}
