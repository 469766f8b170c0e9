package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4096
)

// Client is one subscriber connection. Reads and writes run on dedicated
// goroutines; the hub never touches the connection directly.
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	// Buffered channel of outbound marshaled messages.
	Send chan []byte

	TenantID string
	APIKeyID string

	mu     sync.RWMutex
	sub    Subscription
	closed bool
}

// NewClient creates a client with the default (match-everything)
// subscription.
func NewClient(hub *Hub, conn *websocket.Conn, tenantID, apiKeyID string) *Client {
	return &Client{
		hub:      hub,
		conn:     conn,
		Send:     make(chan []byte, 256),
		TenantID: tenantID,
		APIKeyID: apiKeyID,
		sub:      DefaultSubscription(),
	}
}

// Push queues one marshaled message without blocking. It reports false when
// the queue is full or the client has already been shut down. Safe to call
// from any goroutine; the hub may shut the client down concurrently.
func (c *Client) Push(payload []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.Send <- payload:
		return true
	default:
		return false
	}
}

// shutdown closes the Send channel exactly once. Only the hub calls this, so
// every path that kills a client (prune, cap rejection, unregister) funnels
// through one closer and Push can never race a close.
func (c *Client) shutdown() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
	c.mu.Unlock()
}

// UpdateSubscription replaces the client's filter. Local to this connection.
func (c *Client) UpdateSubscription(sub Subscription) {
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()
}

// matches applies the client's current filter to one push.
func (c *Client) matches(msg *outbound) bool {
	c.mu.RLock()
	sub := c.sub
	c.mu.RUnlock()
	switch msg.msgType {
	case MsgEventNew:
		return sub.MatchesEvent(msg.event, msg.agentProjects)
	case MsgAgentStatusChanged, MsgAgentStuck:
		return sub.MatchesAgent(msg.agentID, msg.agentProjects)
	default:
		return true
	}
}

// ReadPump pumps messages from the websocket connection to the handler.
// Liveness is enforced by the read deadline: a peer that stops answering
// pings is disconnected.
func (c *Client) ReadPump(handler func(*Client, []byte)) {
	defer c.conn.Close()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Msg("Websocket read error")
			}
			return
		}
		handler(c, message)
	}
}

// WritePump pumps messages from the Send channel to the websocket
// connection and keeps the connection alive with periodic pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.Send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
