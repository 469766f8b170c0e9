package websocket

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetlens/fleetlens-be/internal/models"
)

func wsStrPtr(s string) *string { return &s }

func wsEvent(agentID string, eventType models.EventType, severity models.Severity, projectID string) *models.Event {
	e := &models.Event{
		AgentID:   agentID,
		EventType: eventType,
		Severity:  severity,
	}
	if projectID != "" {
		e.ProjectID = wsStrPtr(projectID)
	}
	return e
}

func TestDefaultSubscriptionMatchesEverything(t *testing.T) {
	sub := DefaultSubscription()

	assert.True(t, sub.MatchesEvent(wsEvent("agent-1", models.EventTaskStarted, models.SeverityInfo, "proj-1"), nil))
	assert.True(t, sub.MatchesEvent(wsEvent("agent-2", models.EventHeartbeat, models.SeverityDebug, ""), nil))
	assert.True(t, sub.MatchesAgent("agent-1", nil))
}

func TestSubscriptionChannels(t *testing.T) {
	sub := SubscriptionFromRequest(SubscribeRequest{Channels: []string{ChannelEvents}})
	assert.True(t, sub.MatchesEvent(wsEvent("agent-1", models.EventTaskStarted, models.SeverityInfo, ""), nil))
	assert.False(t, sub.MatchesAgent("agent-1", nil))

	sub = SubscriptionFromRequest(SubscribeRequest{Channels: []string{ChannelAgents}})
	assert.False(t, sub.MatchesEvent(wsEvent("agent-1", models.EventTaskStarted, models.SeverityInfo, ""), nil))
	assert.True(t, sub.MatchesAgent("agent-1", nil))

	// No channels requested means both.
	sub = SubscriptionFromRequest(SubscribeRequest{})
	assert.True(t, sub.MatchesEvent(wsEvent("agent-1", models.EventTaskStarted, models.SeverityInfo, ""), nil))
	assert.True(t, sub.MatchesAgent("agent-1", nil))
}

func TestSubscriptionAgentFilter(t *testing.T) {
	sub := SubscriptionFromRequest(SubscribeRequest{AgentID: "agent-1"})

	assert.True(t, sub.MatchesEvent(wsEvent("agent-1", models.EventTaskStarted, models.SeverityInfo, ""), nil))
	assert.False(t, sub.MatchesEvent(wsEvent("agent-2", models.EventTaskStarted, models.SeverityInfo, ""), nil))
	assert.True(t, sub.MatchesAgent("agent-1", nil))
	assert.False(t, sub.MatchesAgent("agent-2", nil))
}

func TestSubscriptionEventTypeFilter(t *testing.T) {
	sub := SubscriptionFromRequest(SubscribeRequest{EventTypes: []string{"task_failed", "escalated"}})

	assert.True(t, sub.MatchesEvent(wsEvent("agent-1", models.EventTaskFailed, models.SeverityError, ""), nil))
	assert.True(t, sub.MatchesEvent(wsEvent("agent-1", models.EventEscalated, models.SeverityWarn, ""), nil))
	assert.False(t, sub.MatchesEvent(wsEvent("agent-1", models.EventTaskStarted, models.SeverityInfo, ""), nil))
}

func TestSubscriptionMinSeverity(t *testing.T) {
	sub := SubscriptionFromRequest(SubscribeRequest{MinSeverity: "warn"})

	assert.False(t, sub.MatchesEvent(wsEvent("agent-1", models.EventHeartbeat, models.SeverityDebug, ""), nil))
	assert.False(t, sub.MatchesEvent(wsEvent("agent-1", models.EventTaskStarted, models.SeverityInfo, ""), nil))
	assert.True(t, sub.MatchesEvent(wsEvent("agent-1", models.EventEscalated, models.SeverityWarn, ""), nil))
	assert.True(t, sub.MatchesEvent(wsEvent("agent-1", models.EventTaskFailed, models.SeverityError, ""), nil))

	// Unknown severities are ignored, leaving the filter open.
	sub = SubscriptionFromRequest(SubscribeRequest{MinSeverity: "loud"})
	assert.True(t, sub.MatchesEvent(wsEvent("agent-1", models.EventHeartbeat, models.SeverityDebug, ""), nil))
}

func TestSubscriptionProjectScope(t *testing.T) {
	sub := SubscriptionFromRequest(SubscribeRequest{ProjectID: "proj-1"})

	assert.True(t, sub.MatchesEvent(wsEvent("agent-1", models.EventTaskStarted, models.SeverityInfo, "proj-1"), nil))
	assert.False(t, sub.MatchesEvent(wsEvent("agent-1", models.EventTaskStarted, models.SeverityInfo, "proj-2"), nil))

	// An agent-level event carries no project; membership decides.
	hb := wsEvent("agent-1", models.EventHeartbeat, models.SeverityDebug, "")
	assert.True(t, sub.MatchesEvent(hb, []string{"proj-1", "proj-9"}))
	assert.False(t, sub.MatchesEvent(hb, []string{"proj-9"}))
	assert.False(t, sub.MatchesEvent(hb, nil))

	assert.True(t, sub.MatchesAgent("agent-1", []string{"proj-1"}))
	assert.False(t, sub.MatchesAgent("agent-1", []string{"proj-2"}))
}

// drain reads every queued message off a client's send channel.
func drain(c *Client) []Message {
	var msgs []Message
	for {
		select {
		case raw := <-c.Send:
			var m Message
			if err := json.Unmarshal(raw, &m); err == nil {
				msgs = append(msgs, m)
			}
		default:
			return msgs
		}
	}
}

// newHubWithClient wires a client straight into the hub's tables, skipping
// the Register channel so route can be driven synchronously.
func newHubWithClient(tenantID, keyID string) (*Hub, *Client) {
	hub := NewHub(0)
	client := NewClient(hub, nil, tenantID, keyID)
	hub.clients[client] = true
	hub.perKey[keyID]++
	return hub, client
}

func TestRouteTenantIsolation(t *testing.T) {
	hub, client := newHubWithClient("tenant-1", "key-1")
	other := NewClient(hub, nil, "tenant-2", "key-2")
	hub.clients[other] = true

	e := *wsEvent("agent-1", models.EventTaskStarted, models.SeverityInfo, "")
	payload, err := json.Marshal(Message{Type: MsgEventNew, Payload: e})
	require.NoError(t, err)
	hub.route(outbound{tenantID: "tenant-1", msgType: MsgEventNew, agentID: "agent-1", event: &e, payload: payload})

	assert.Len(t, drain(client), 1)
	assert.Empty(t, drain(other))
}

func TestRouteRespectsSubscription(t *testing.T) {
	hub, client := newHubWithClient("tenant-1", "key-1")
	client.UpdateSubscription(SubscriptionFromRequest(SubscribeRequest{AgentID: "agent-2"}))

	e := *wsEvent("agent-1", models.EventTaskStarted, models.SeverityInfo, "")
	payload, _ := json.Marshal(Message{Type: MsgEventNew, Payload: e})
	hub.route(outbound{tenantID: "tenant-1", msgType: MsgEventNew, agentID: "agent-1", event: &e, payload: payload})
	assert.Empty(t, drain(client))

	e2 := *wsEvent("agent-2", models.EventTaskStarted, models.SeverityInfo, "")
	payload2, _ := json.Marshal(Message{Type: MsgEventNew, Payload: e2})
	hub.route(outbound{tenantID: "tenant-1", msgType: MsgEventNew, agentID: "agent-2", event: &e2, payload: payload2})
	assert.Len(t, drain(client), 1)
}

func TestStuckEpisodeFiresOnce(t *testing.T) {
	hub, client := newHubWithClient("tenant-1", "key-1")

	stuckPayload, _ := json.Marshal(Message{Type: MsgAgentStuck, Payload: StuckPayload{AgentID: "agent-1"}})
	stuck := outbound{tenantID: "tenant-1", msgType: MsgAgentStuck, agentID: "agent-1", payload: stuckPayload}

	hub.route(stuck)
	hub.route(stuck)
	assert.Len(t, drain(client), 1, "second stuck push within the episode must be suppressed")

	// A transition into another stuck-adjacent state does not clear the
	// episode; only leaving stuck does.
	toStuck, _ := json.Marshal(Message{Type: MsgAgentStatusChanged, Payload: StatusChangePayload{AgentID: "agent-1", NewStatus: models.AgentStuck}})
	hub.route(outbound{tenantID: "tenant-1", msgType: MsgAgentStatusChanged, agentID: "agent-1", newStatus: models.AgentStuck, payload: toStuck})
	hub.route(stuck)
	assert.Len(t, drain(client), 1, "episode persists through stuck status changes")

	// Recovery clears the episode; the next stuck push goes out again.
	recovered, _ := json.Marshal(Message{Type: MsgAgentStatusChanged, Payload: StatusChangePayload{AgentID: "agent-1", NewStatus: models.AgentIdle}})
	hub.route(outbound{tenantID: "tenant-1", msgType: MsgAgentStatusChanged, agentID: "agent-1", newStatus: models.AgentIdle, payload: recovered})
	hub.route(stuck)
	msgs := drain(client)
	require.Len(t, msgs, 2)
	assert.Equal(t, MsgAgentStatusChanged, msgs[0].Type)
	assert.Equal(t, MsgAgentStuck, msgs[1].Type)
}

func TestStuckEpisodesArePerAgentAndTenant(t *testing.T) {
	hub, client := newHubWithClient("tenant-1", "key-1")

	mk := func(tenant, agent string) outbound {
		payload, _ := json.Marshal(Message{Type: MsgAgentStuck, Payload: StuckPayload{AgentID: agent}})
		return outbound{tenantID: tenant, msgType: MsgAgentStuck, agentID: agent, payload: payload}
	}

	hub.route(mk("tenant-1", "agent-1"))
	hub.route(mk("tenant-1", "agent-2"))
	assert.Len(t, drain(client), 2)

	// The same agent id under another tenant is a separate episode.
	hub.route(mk("tenant-2", "agent-1"))
	assert.True(t, hub.stuckEpisodes["tenant-2\x00agent-1"])
}

func TestConnectionLimitPerKey(t *testing.T) {
	hub := NewHub(1)
	go hub.Run()

	first := NewClient(hub, nil, "tenant-1", "key-1")
	hub.Register <- first

	second := NewClient(hub, nil, "tenant-1", "key-1")
	hub.Register <- second

	// The rejected client gets an error push and a closed channel.
	raw, ok := <-second.Send
	require.True(t, ok)
	var m Message
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, MsgError, m.Type)
	_, ok = <-second.Send
	assert.False(t, ok)

	// A different key is unaffected.
	third := NewClient(hub, nil, "tenant-1", "key-2")
	hub.Register <- third
	hub.Unregister <- third
	_, ok = <-third.Send
	assert.False(t, ok)
}

func TestPushAfterDropDoesNotPanic(t *testing.T) {
	hub, client := newHubWithClient("tenant-1", "key-1")
	hub.drop(client)

	// The read goroutine may still be handling a subscribe message after the
	// hub pruned the client; its pushes must land nowhere, not panic.
	assert.NotPanics(t, func() {
		assert.False(t, client.Push(NewErrorMessage("expected a subscribe message")))
	})

	// drop is idempotent: unregister after a prune must not double-close.
	assert.NotPanics(t, func() { client.shutdown() })
}

func TestSlowClientIsDropped(t *testing.T) {
	hub, client := newHubWithClient("tenant-1", "key-1")

	e := *wsEvent("agent-1", models.EventTaskStarted, models.SeverityInfo, "")
	payload, _ := json.Marshal(Message{Type: MsgEventNew, Payload: e})
	msg := outbound{tenantID: "tenant-1", msgType: MsgEventNew, agentID: "agent-1", event: &e, payload: payload}

	// Fill the send buffer, then overflow it.
	for i := 0; i < cap(client.Send); i++ {
		client.Send <- payload
	}
	hub.route(msg)

	assert.NotContains(t, hub.clients, client)
	_, ok := hub.perKey["key-1"]
	assert.True(t, !ok || hub.perKey["key-1"] == 0)
}
