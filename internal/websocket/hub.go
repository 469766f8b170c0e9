package websocket

import (
	"encoding/json"
	"time"

	"github.com/fleetlens/fleetlens-be/internal/metrics"
	"github.com/fleetlens/fleetlens-be/internal/models"
	"github.com/rs/zerolog/log"
)

// outbound is one push traveling through the hub, with everything filter
// matching needs.
type outbound struct {
	tenantID      string
	msgType       string
	agentID       string
	event         *models.Event
	agentProjects []string
	newStatus     models.AgentStatus
	payload       []byte
}

// Hub maintains the set of active clients and routes pushes to the ones
// whose filters match. It also owns the stuck-episode bookkeeping so an
// agent crossing its threshold produces exactly one agent.stuck push until
// it recovers, no matter which component noticed first.
type Hub struct {
	// Registered clients.
	clients map[*Client]bool

	// Register requests from the clients.
	Register chan *Client

	// Unregister requests from clients.
	Unregister chan *Client

	broadcast chan outbound

	// Connection cap per API key.
	maxPerKey int
	perKey    map[string]int

	// (tenant, agent) pairs currently in a stuck episode.
	stuckEpisodes map[string]bool
}

// NewHub creates a new Hub. maxPerKey bounds concurrent connections per API
// key; zero means unlimited.
func NewHub(maxPerKey int) *Hub {
	return &Hub{
		clients:       make(map[*Client]bool),
		Register:      make(chan *Client),
		Unregister:    make(chan *Client),
		broadcast:     make(chan outbound, 1024),
		maxPerKey:     maxPerKey,
		perKey:        make(map[string]int),
		stuckEpisodes: make(map[string]bool),
	}
}

// Run starts the Hub's message processing loop.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.Register:
			if h.maxPerKey > 0 && h.perKey[client.APIKeyID] >= h.maxPerKey {
				client.Push(NewErrorMessage("connection limit reached for this API key"))
				client.shutdown()
				continue
			}
			h.clients[client] = true
			h.perKey[client.APIKeyID]++
			metrics.WSConnections.Set(float64(len(h.clients)))
			log.Info().Int("total_clients", len(h.clients)).Msg("Subscriber connected")
		case client := <-h.Unregister:
			if _, ok := h.clients[client]; ok {
				h.drop(client)
				log.Info().Int("total_clients", len(h.clients)).Msg("Subscriber disconnected")
			}
		case msg := <-h.broadcast:
			h.route(msg)
		}
	}
}

// route delivers one push to every matching client. Slow clients are pruned
// rather than backpressuring the sender.
func (h *Hub) route(msg outbound) {
	if msg.msgType == MsgAgentStuck {
		key := msg.tenantID + "\x00" + msg.agentID
		if h.stuckEpisodes[key] {
			return // already notified for this episode
		}
		h.stuckEpisodes[key] = true
	}
	if msg.msgType == MsgAgentStatusChanged && msg.newStatus != models.AgentStuck {
		delete(h.stuckEpisodes, msg.tenantID+"\x00"+msg.agentID)
	}

	for client := range h.clients {
		if client.TenantID != msg.tenantID {
			continue
		}
		if !client.matches(&msg) {
			continue
		}
		if client.Push(msg.payload) {
			metrics.BroadcastMessages.Inc()
		} else {
			h.drop(client)
		}
	}
}

func (h *Hub) drop(client *Client) {
	delete(h.clients, client)
	client.shutdown()
	if h.perKey[client.APIKeyID] > 0 {
		h.perKey[client.APIKeyID]--
	}
	metrics.WSConnections.Set(float64(len(h.clients)))
}

// publish enqueues a push without ever blocking the caller; under extreme
// fan-out pressure messages are dropped and counted against the log.
func (h *Hub) publish(msg outbound) {
	select {
	case h.broadcast <- msg:
	default:
		log.Warn().Str("type", msg.msgType).Msg("Broadcast queue full, dropping message")
	}
}

// PublishEvent pushes an accepted event to matching subscribers.
func (h *Hub) PublishEvent(tenantID string, e models.Event, agentProjects []string) {
	payload, err := json.Marshal(Message{Type: MsgEventNew, Payload: e})
	if err != nil {
		return
	}
	h.publish(outbound{
		tenantID:      tenantID,
		msgType:       MsgEventNew,
		agentID:       e.AgentID,
		event:         &e,
		agentProjects: agentProjects,
		payload:       payload,
	})
}

// PublishStatusChange pushes a derived-status transition. Emitted only when
// the status actually changed, never on every heartbeat.
func (h *Hub) PublishStatusChange(tenantID, agentID string, oldStatus, newStatus models.AgentStatus, projects []string) {
	payload, err := json.Marshal(Message{Type: MsgAgentStatusChanged, Payload: StatusChangePayload{
		AgentID:   agentID,
		OldStatus: oldStatus,
		NewStatus: newStatus,
		At:        time.Now().UTC(),
	}})
	if err != nil {
		return
	}
	h.publish(outbound{
		tenantID:      tenantID,
		msgType:       MsgAgentStatusChanged,
		agentID:       agentID,
		agentProjects: projects,
		newStatus:     newStatus,
		payload:       payload,
	})
}

// PublishStuck pushes the one-per-episode stuck notification.
func (h *Hub) PublishStuck(tenantID, agentID string, projects []string) {
	payload, err := json.Marshal(Message{Type: MsgAgentStuck, Payload: StuckPayload{
		AgentID: agentID,
		At:      time.Now().UTC(),
	}})
	if err != nil {
		return
	}
	h.publish(outbound{
		tenantID:      tenantID,
		msgType:       MsgAgentStuck,
		agentID:       agentID,
		agentProjects: projects,
		payload:       payload,
	})
}
