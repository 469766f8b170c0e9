package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/fleetlens/fleetlens-be/internal/apierror"
	"github.com/fleetlens/fleetlens-be/internal/auth"
	ws "github.com/fleetlens/fleetlens-be/internal/websocket"
)

// WebSocketHandler handles upgrading HTTP connections to WebSocket
// connections and per-connection subscription updates.
type WebSocketHandler struct {
	hub       *ws.Hub
	jwtSecret []byte
}

// NewWebSocketHandler creates a new WebSocketHandler.
func NewWebSocketHandler(hub *ws.Hub, jwtSecret []byte) *WebSocketHandler {
	return &WebSocketHandler{hub: hub, jwtSecret: jwtSecret}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins (consider tightening this in production).
		return true
	},
}

// Token mints a short-lived connect token. Browsers cannot set the API key
// header on a websocket upgrade, so clients exchange their key for a token
// here and pass it as a query parameter.
func (h *WebSocketHandler) Token(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		apierror.Write(w, http.StatusUnauthorized, apierror.CodeAuthenticationFailed, "Missing API key")
		return
	}
	token, err := auth.GenerateWSToken(id, h.jwtSecret)
	if err != nil {
		log.Error().Err(err).Msg("Failed to mint websocket token")
		apierror.Write(w, http.StatusInternalServerError, apierror.CodeInternal, "Failed to mint websocket token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// Serve validates the connect token and upgrades the connection.
func (h *WebSocketHandler) Serve(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.ValidateWSToken(r.URL.Query().Get("token"), h.jwtSecret)
	if err != nil {
		apierror.Write(w, http.StatusUnauthorized, apierror.CodeAuthenticationFailed, "Invalid or expired websocket token")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade websocket connection")
		return
	}

	client := ws.NewClient(h.hub, conn, claims.TenantID, claims.KeyID)
	h.hub.Register <- client

	go client.WritePump()
	go func() {
		client.ReadPump(h.handleIncomingWSMessage)
		h.hub.Unregister <- client
	}()
}

// handleIncomingWSMessage applies subscription updates sent by the client.
// Anything unparseable gets an error push and is otherwise ignored.
func (h *WebSocketHandler) handleIncomingWSMessage(client *ws.Client, message []byte) {
	var msg struct {
		Type    string              `json:"type"`
		Payload ws.SubscribeRequest `json:"payload"`
	}
	if err := json.Unmarshal(message, &msg); err != nil || msg.Type != "subscribe" {
		client.Push(ws.NewErrorMessage("expected a subscribe message"))
		return
	}

	client.UpdateSubscription(ws.SubscriptionFromRequest(msg.Payload))

	ack, _ := json.Marshal(ws.Message{Type: ws.MsgSubscribed, Payload: msg.Payload})
	client.Push(ack)
}
