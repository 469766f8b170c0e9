package websocket

import (
	"encoding/json"
	"time"

	"github.com/fleetlens/fleetlens-be/internal/models"
)

// Message defines the structure for websocket messages in both directions.
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// Server push message types.
const (
	MsgEventNew           = "event.new"
	MsgAgentStatusChanged = "agent.status_changed"
	MsgAgentStuck         = "agent.stuck"
	MsgError              = "error"
	MsgSubscribed         = "subscribed"
)

// Subscribe channels.
const (
	ChannelEvents = "events"
	ChannelAgents = "agents"
)

// SubscribeRequest is the client's filter update.
type SubscribeRequest struct {
	Channels    []string `json:"channels"`
	ProjectID   string   `json:"project_id,omitempty"`
	AgentID     string   `json:"agent_id,omitempty"`
	EventTypes  []string `json:"event_types,omitempty"`
	MinSeverity string   `json:"min_severity,omitempty"`
}

// Subscription is a client's active filter.
type Subscription struct {
	Channels    map[string]bool
	ProjectID   string
	AgentID     string
	EventTypes  map[models.EventType]bool
	MinSeverity models.Severity
}

// DefaultSubscription subscribes to both channels with no filters.
func DefaultSubscription() Subscription {
	return Subscription{
		Channels: map[string]bool{ChannelEvents: true, ChannelAgents: true},
	}
}

// SubscriptionFromRequest builds a Subscription from the wire request.
func SubscriptionFromRequest(req SubscribeRequest) Subscription {
	sub := Subscription{
		Channels:  make(map[string]bool),
		ProjectID: req.ProjectID,
		AgentID:   req.AgentID,
	}
	for _, ch := range req.Channels {
		sub.Channels[ch] = true
	}
	if len(req.Channels) == 0 {
		sub.Channels[ChannelEvents] = true
		sub.Channels[ChannelAgents] = true
	}
	if len(req.EventTypes) > 0 {
		sub.EventTypes = make(map[models.EventType]bool, len(req.EventTypes))
		for _, t := range req.EventTypes {
			sub.EventTypes[models.EventType(t)] = true
		}
	}
	if req.MinSeverity != "" && models.Severity(req.MinSeverity).Valid() {
		sub.MinSeverity = models.Severity(req.MinSeverity)
	}
	return sub
}

// matchesProject applies the project scope. Agent-level events carry no
// project id, but still match when the agent is a member of the filtered
// project; that membership comes from the project_agents table.
func (s *Subscription) matchesProject(eventProject string, agentProjects []string) bool {
	if s.ProjectID == "" {
		return true
	}
	if eventProject != "" {
		return eventProject == s.ProjectID
	}
	for _, p := range agentProjects {
		if p == s.ProjectID {
			return true
		}
	}
	return false
}

// MatchesEvent reports whether an event.new push passes the filter.
func (s *Subscription) MatchesEvent(e *models.Event, agentProjects []string) bool {
	if !s.Channels[ChannelEvents] {
		return false
	}
	if s.AgentID != "" && s.AgentID != e.AgentID {
		return false
	}
	if s.EventTypes != nil && !s.EventTypes[e.EventType] {
		return false
	}
	if s.MinSeverity != "" && !e.Severity.AtLeast(s.MinSeverity) {
		return false
	}
	project := ""
	if e.ProjectID != nil {
		project = *e.ProjectID
	}
	return s.matchesProject(project, agentProjects)
}

// MatchesAgent reports whether an agent.* push passes the filter.
func (s *Subscription) MatchesAgent(agentID string, agentProjects []string) bool {
	if !s.Channels[ChannelAgents] {
		return false
	}
	if s.AgentID != "" && s.AgentID != agentID {
		return false
	}
	return s.matchesProject("", agentProjects)
}

// StatusChangePayload is the agent.status_changed body.
type StatusChangePayload struct {
	AgentID   string             `json:"agent_id"`
	OldStatus models.AgentStatus `json:"old_status,omitempty"`
	NewStatus models.AgentStatus `json:"new_status"`
	At        time.Time          `json:"at"`
}

// StuckPayload is the agent.stuck body.
type StuckPayload struct {
	AgentID string    `json:"agent_id"`
	At      time.Time `json:"at"`
}

// NewErrorMessage builds a marshaled error push.
func NewErrorMessage(msg string) []byte {
	b, _ := json.Marshal(Message{Type: MsgError, Payload: map[string]string{"message": msg}})
	return b
}
