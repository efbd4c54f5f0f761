// Package hub owns the WebSocket edge: upgrades, handshake auth, the
// per-connection pumps and topic fan-out. Everything above it speaks
// protocol envelopes; everything below it is gorilla/websocket.
package hub

import (
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"liku-server/internal/auth"
	"liku-server/internal/health"
	"liku-server/internal/protocol"
)

// CloseAuthFailed is the close code sent when handshake authentication
// fails.
const CloseAuthFailed = 4001

var ErrSlowConsumer = errors.New("send buffer full")

var ErrConnClosed = errors.New("connection closed")

var ErrAgentNotConnected = errors.New("agent has no live connection")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // agents connect from anywhere
	},
}

// Identity is what the handshake established about a client.
type Identity struct {
	AgentID   string
	Name      string
	Role      string
	Validated bool
}

// MessageHandler consumes decoded frames and connection lifecycle.
type MessageHandler interface {
	HandleMessage(c *Conn, msg *protocol.ClientMessage)
	ConnectionClosed(connID, agentID string)
}

// Hub tracks live connections and routes outbound traffic by agent or
// topic.
type Hub struct {
	mu      sync.RWMutex
	conns   map[string]*Conn            // conn id -> conn
	byAgent map[string]map[string]*Conn // agent id -> conn id -> conn

	identities map[string]Identity // conn id -> handshake identity

	tokens        *auth.TokenService
	tokenRequired bool
	maxClients    int
	heartbeat     time.Duration
	metrics       *health.Metrics

	handler MessageHandler
}

type Options struct {
	Tokens        *auth.TokenService
	TokenRequired bool
	MaxClients    int
	Heartbeat     time.Duration
	Metrics       *health.Metrics
}

func New(opts Options) *Hub {
	if opts.Heartbeat == 0 {
		opts.Heartbeat = 30 * time.Second
	}
	if opts.Metrics == nil {
		opts.Metrics = health.NewMetrics()
	}
	return &Hub{
		conns:         make(map[string]*Conn),
		byAgent:       make(map[string]map[string]*Conn),
		identities:    make(map[string]Identity),
		tokens:        opts.Tokens,
		tokenRequired: opts.TokenRequired,
		maxClients:    opts.MaxClients,
		heartbeat:     opts.Heartbeat,
		metrics:       opts.Metrics,
	}
}

// SetHandler wires the command router. Must be called before serving.
func (h *Hub) SetHandler(handler MessageHandler) {
	h.handler = handler
}

// HandleWebSocket upgrades and runs one client connection.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := extractToken(r)

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Hub] Upgrade failed: %v", err)
		return
	}

	c := newConn(h, ws)

	if h.maxClients > 0 && h.CurrentClients() >= h.maxClients {
		msg := protocol.ErrorMessage("", protocol.NewError(protocol.KindServerAtCapacity,
			"server is at capacity (%d clients)", h.maxClients))
		if raw, err := msg.Encode(); err == nil {
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = ws.WriteMessage(websocket.TextMessage, raw)
		}
		c.closeWith(websocket.CloseTryAgainLater, "at capacity")
		return
	}

	identity, err := h.authenticate(token)
	if err != nil {
		c.closeWith(CloseAuthFailed, err.Error())
		return
	}

	h.register(c, identity)

	go c.writePump()
	go c.readPump()

	h.sendWelcome(c, identity)
}

// authenticate resolves the handshake token. With TokenRequired off a
// missing token yields an anonymous identity; a present token is always
// verified.
func (h *Hub) authenticate(token string) (Identity, error) {
	if token == "" {
		if h.tokenRequired {
			return Identity{}, errors.New("token required")
		}
		return Identity{}, nil
	}
	if h.tokens == nil {
		return Identity{}, errors.New("token verification unavailable")
	}
	claims, err := h.tokens.Validate(token)
	if err != nil {
		return Identity{}, err
	}
	return Identity{
		AgentID:   claims.AgentID(),
		Name:      claims.Name,
		Role:      claims.Role,
		Validated: true,
	}, nil
}

// extractToken checks the Authorization header, then the WebSocket
// subprotocol list, then the query string.
func extractToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if after, found := strings.CutPrefix(header, "Bearer "); found {
			return after
		}
	}
	for _, proto := range websocket.Subprotocols(r) {
		if after, found := strings.CutPrefix(proto, "token."); found {
			return after
		}
	}
	return r.URL.Query().Get("token")
}

func (h *Hub) register(c *Conn, identity Identity) {
	h.mu.Lock()
	h.conns[c.ID] = c
	h.identities[c.ID] = identity
	if identity.AgentID != "" {
		h.bindLocked(c, identity.AgentID)
		c.mu.Lock()
		c.agentID = identity.AgentID
		c.mu.Unlock()
	}
	h.mu.Unlock()

	h.metrics.ConnectionsTotal.Add(1)
	log.Printf("[Hub] Connected: %s (agent=%q)", c.ID, identity.AgentID)
}

// BindAgent associates a connection with an agent after registration.
func (h *Hub) BindAgent(c *Conn, agentID string) {
	h.mu.Lock()
	h.bindLocked(c, agentID)
	h.mu.Unlock()

	c.mu.Lock()
	c.agentID = agentID
	c.mu.Unlock()
}

func (h *Hub) bindLocked(c *Conn, agentID string) {
	if h.byAgent[agentID] == nil {
		h.byAgent[agentID] = make(map[string]*Conn)
	}
	h.byAgent[agentID][c.ID] = c
}

func (h *Hub) unregister(c *Conn) {
	agentID := c.AgentID()

	h.mu.Lock()
	if _, ok := h.conns[c.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, c.ID)
	delete(h.identities, c.ID)
	if agentID != "" {
		if set, ok := h.byAgent[agentID]; ok {
			delete(set, c.ID)
			if len(set) == 0 {
				delete(h.byAgent, agentID)
			}
		}
	}
	h.mu.Unlock()

	c.closeSend()
	log.Printf("[Hub] Disconnected: %s (agent=%q)", c.ID, agentID)

	if h.handler != nil {
		h.handler.ConnectionClosed(c.ID, agentID)
	}
}

func (h *Hub) handleFrame(c *Conn, raw []byte) {
	if h.handler == nil {
		return
	}
	msg, err := protocol.Decode(raw)
	if err != nil {
		if errors.Is(err, protocol.ErrOversize) {
			c.closeWith(websocket.CloseMessageTooBig, "frame too large")
			return
		}
		_ = c.Send(protocol.ErrorMessage("", protocol.NewError(protocol.KindInvalidJSON, "%v", err)))
		return
	}
	h.handler.HandleMessage(c, msg)
}

func (h *Hub) sendWelcome(c *Conn, identity Identity) {
	data := map[string]interface{}{
		"connectionId":    c.ID,
		"protocolVersion": protocol.Version,
		"serverTime":      time.Now().UnixMilli(),
		"heartbeatMs":     h.heartbeat.Milliseconds(),
		"maxPayloadBytes": protocol.MaxPayloadBytes,
		"capabilities":    []string{"sessions", "matchmaking", "spectate", "chat", "jsonpatch"},
		"security": map[string]interface{}{
			"tokenValidated": identity.Validated,
			"role":           identity.Role,
		},
	}
	if identity.AgentID != "" {
		data["agent"] = map[string]interface{}{
			"agentId": identity.AgentID,
			"name":    identity.Name,
		}
	}
	_ = c.Send(protocol.NewMessage(protocol.TypeWelcome, data))
}

// Identity returns what the handshake established for a connection.
func (h *Hub) Identity(connID string) Identity {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.identities[connID]
}

// CurrentClients returns the live connection count.
func (h *Hub) CurrentClients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// SendToAgent delivers an envelope to every connection of an agent.
func (h *Hub) SendToAgent(agentID string, msg *protocol.ServerMessage) error {
	h.mu.RLock()
	conns := make([]*Conn, 0, 2)
	for _, c := range h.byAgent[agentID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	if len(conns) == 0 {
		return ErrAgentNotConnected
	}
	var lastErr error
	for _, c := range conns {
		if err := c.Send(msg); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// SubscribeAgent adds a topic on every live connection of an agent.
func (h *Hub) SubscribeAgent(agentID, topic string) {
	h.mu.RLock()
	conns := make([]*Conn, 0, 2)
	for _, c := range h.byAgent[agentID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.Subscribe(topic)
	}
}

// BroadcastTopic fans an envelope out to every subscriber of a topic.
func (h *Hub) BroadcastTopic(topic string, msg *protocol.ServerMessage) {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if c.Subscribed(topic) {
			_ = c.Send(msg)
		}
	}
}

// PublishSessionEvent implements the session event sink. Called under the
// session lock, so delivery must never block: Conn.Send drops on overflow.
func (h *Hub) PublishSessionEvent(sessionID, event string, data map[string]interface{}) {
	topic := "session:" + sessionID
	h.BroadcastTopic(topic, protocol.NewEvent(topic, event, data))
}

// PublishRoomEvent implements the chat event sink.
func (h *Hub) PublishRoomEvent(roomID, event string, data map[string]interface{}) {
	topic := "room:" + roomID
	h.BroadcastTopic(topic, protocol.NewEvent(topic, event, data))
}

// DeliverToUser implements targeted chat delivery (whispers).
func (h *Hub) DeliverToUser(userID string, roomID string, data map[string]interface{}) {
	_ = h.SendToAgent(userID, protocol.NewEvent("room:"+roomID, "whisper", data))
}

// CloseAll terminates every connection during shutdown.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
}
