package services

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fleetlens/fleetlens-be/internal/models"
)

// TaskFilter selects tasks for the list endpoint. Status is derived, so it
// is applied after grouping, not pushed into SQL.
type TaskFilter struct {
	AgentID   string
	ProjectID string
	Status    models.TaskStatus
	From      time.Time
	To        time.Time
	Cursor    string
	Limit     int
}

// TaskPage is one page of task summaries.
type TaskPage struct {
	Tasks      []models.TaskSummary `json:"tasks"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

// TaskServiceProvider defines the read-side interface for tasks.
type TaskServiceProvider interface {
	ListTasks(tenantID string, f TaskFilter) (*TaskPage, error)
	GetTimeline(tenantID, taskID string) (*models.TaskTimeline, error)
}

// TaskService derives task views from the event log. There is no tasks
// table: a task is the set of events sharing a task_id.
type TaskService struct {
	store EventStoreProvider
}

// NewTaskService creates a new TaskService.
func NewTaskService(store EventStoreProvider) *TaskService {
	return &TaskService{store: store}
}

// ListTasks groups lifecycle events into task summaries, derives each status
// and pages by start time (newest first).
func (s *TaskService) ListTasks(tenantID string, f TaskFilter) (*TaskPage, error) {
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	events, err := s.store.TaskLifecycleEvents(tenantID, EventFilter{
		AgentID:   f.AgentID,
		ProjectID: f.ProjectID,
		From:      f.From,
		To:        f.To,
	})
	if err != nil {
		return nil, err
	}

	byTask := make(map[string][]models.Event)
	for _, e := range events {
		byTask[*e.TaskID] = append(byTask[*e.TaskID], e)
	}

	summaries := make([]models.TaskSummary, 0, len(byTask))
	for taskID, taskEvents := range byTask {
		sum := BuildTaskSummary(taskID, taskEvents)
		if f.Status != "" && sum.Status != f.Status {
			continue
		}
		summaries = append(summaries, sum)
	}
	sort.Slice(summaries, func(i, j int) bool {
		if !summaries[i].StartedAt.Equal(summaries[j].StartedAt) {
			return summaries[i].StartedAt.After(summaries[j].StartedAt)
		}
		return summaries[i].TaskID > summaries[j].TaskID
	})

	if f.Cursor != "" {
		ts, id, err := decodeTaskCursor(f.Cursor)
		if err != nil {
			return nil, fmt.Errorf("invalid cursor: %w", err)
		}
		idx := sort.Search(len(summaries), func(i int) bool {
			s := summaries[i]
			return s.StartedAt.Before(ts) || (s.StartedAt.Equal(ts) && s.TaskID < id)
		})
		summaries = summaries[idx:]
	}

	page := &TaskPage{}
	if len(summaries) > limit {
		page.Tasks = summaries[:limit]
		last := page.Tasks[len(page.Tasks)-1]
		page.NextCursor = encodeTaskCursor(last.StartedAt, last.TaskID)
	} else {
		page.Tasks = summaries
	}
	return page, nil
}

// GetTimeline returns the ordered events of a task plus the reconstructed
// action tree and, when plan events exist, the plan overlay.
func (s *TaskService) GetTimeline(tenantID, taskID string) (*models.TaskTimeline, error) {
	events, err := s.store.EventsForTask(tenantID, taskID)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("task %s not found", taskID)
	}
	return &models.TaskTimeline{
		Task:    BuildTaskSummary(taskID, events),
		Events:  events,
		Actions: BuildActionTree(events),
		Plan:    BuildPlanOverlay(events),
	}, nil
}

func encodeTaskCursor(ts time.Time, taskID string) string {
	raw := strconv.FormatInt(ts.UTC().UnixNano(), 10) + "|" + taskID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeTaskCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", err
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("malformed cursor")
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}, "", err
	}
	return time.Unix(0, nanos).UTC(), parts[1], nil
}
