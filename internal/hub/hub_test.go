package hub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liku-server/internal/auth"
	"liku-server/internal/protocol"
)

// recordHandler captures dispatched frames and teardown calls.
type recordHandler struct {
	mu     sync.Mutex
	msgs   []*protocol.ClientMessage
	closed []string
}

func (h *recordHandler) HandleMessage(c *Conn, msg *protocol.ClientMessage) {
	h.mu.Lock()
	h.msgs = append(h.msgs, msg)
	h.mu.Unlock()
	_ = c.Send(protocol.NewAck(msg.RequestID, map[string]interface{}{"seen": true}))
}

func (h *recordHandler) ConnectionClosed(connID, agentID string) {
	h.mu.Lock()
	h.closed = append(h.closed, connID)
	h.mu.Unlock()
}

func (h *recordHandler) messages() []*protocol.ClientMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*protocol.ClientMessage(nil), h.msgs...)
}

func (h *recordHandler) closedConns() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.closed...)
}

func dial(t *testing.T, server *httptest.Server, query string, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws" + query
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readEnvelope(t *testing.T, ws *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)
	var envelope map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &envelope))
	return envelope
}

func newTestServer(t *testing.T, opts Options, handler MessageHandler) (*Hub, *httptest.Server) {
	t.Helper()
	h := New(opts)
	if handler == nil {
		handler = &recordHandler{}
	}
	h.SetHandler(handler)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.HandleWebSocket)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	t.Cleanup(h.CloseAll)
	return h, server
}

func TestExtractToken(t *testing.T) {
	t.Run("bearer header wins", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/ws?token=from-query", nil)
		r.Header.Set("Authorization", "Bearer from-header")
		r.Header.Set("Sec-Websocket-Protocol", "token.from-proto")
		assert.Equal(t, "from-header", extractToken(r))
	})

	t.Run("subprotocol beats query", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/ws?token=from-query", nil)
		r.Header.Set("Sec-Websocket-Protocol", "liku.v1, token.from-proto")
		assert.Equal(t, "from-proto", extractToken(r))
	})

	t.Run("query fallback", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/ws?token=from-query", nil)
		assert.Equal(t, "from-query", extractToken(r))
	})

	t.Run("no token", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		assert.Empty(t, extractToken(r))
	})

	t.Run("malformed bearer falls through", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/ws?token=from-query", nil)
		r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
		assert.Equal(t, "from-query", extractToken(r))
	})
}

func TestConnSubscriptions(t *testing.T) {
	c := newConn(New(Options{}), nil)

	// Every connection implicitly follows its own state topic.
	assert.True(t, c.Subscribed("state"))
	assert.False(t, c.Subscribed("session:s1"))

	c.Subscribe("session:s1")
	assert.True(t, c.Subscribed("session:s1"))

	c.Unsubscribe("session:s1")
	assert.False(t, c.Subscribed("session:s1"))

	c.Subscribe("*")
	assert.True(t, c.Subscribed("anything-at-all"))
}

func TestConnSendSlowConsumer(t *testing.T) {
	c := newConn(New(Options{}), nil)

	msg := protocol.NewMessage(protocol.TypeEvent, map[string]interface{}{"n": 1})
	for i := 0; i < sendBufferSize; i++ {
		require.NoError(t, c.Send(msg))
	}
	// Nothing drains the buffer, so the next frame is dropped.
	assert.ErrorIs(t, c.Send(msg), ErrSlowConsumer)
}

func TestBroadcastRacingDisconnect(t *testing.T) {
	h := New(Options{})

	c := newConn(h, nil)
	h.register(c, Identity{AgentID: "agent-1"})
	c.Subscribe("session:s1")

	// Broadcasts from other goroutines must never hit a closed send
	// channel mid-disconnect; late sends report ErrConnClosed instead.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			h.BroadcastTopic("session:s1", protocol.NewMessage(protocol.TypeEvent, nil))
		}
	}()
	h.unregister(c)
	<-done

	assert.ErrorIs(t, c.Send(protocol.NewMessage(protocol.TypeEvent, nil)), ErrConnClosed)
	assert.Equal(t, 0, h.CurrentClients())
}

func TestSendToAgentFanOut(t *testing.T) {
	h := New(Options{})

	c1 := newConn(h, nil)
	c2 := newConn(h, nil)
	h.register(c1, Identity{AgentID: "agent-1"})
	h.register(c2, Identity{AgentID: "agent-1"})

	require.NoError(t, h.SendToAgent("agent-1", protocol.NewMessage(protocol.TypeEvent, nil)))
	assert.Len(t, c1.send, 1)
	assert.Len(t, c2.send, 1)

	assert.ErrorIs(t, h.SendToAgent("stranger", protocol.NewMessage(protocol.TypeEvent, nil)),
		ErrAgentNotConnected)
}

func TestBroadcastTopicFiltering(t *testing.T) {
	h := New(Options{})

	follower := newConn(h, nil)
	bystander := newConn(h, nil)
	h.register(follower, Identity{})
	h.register(bystander, Identity{})
	follower.Subscribe("session:s1")

	h.PublishSessionEvent("s1", "MoveMade", map[string]interface{}{"slot": "X"})

	assert.Len(t, follower.send, 1)
	assert.Empty(t, bystander.send)
}

func TestBindAgentAfterRegistration(t *testing.T) {
	h := New(Options{})

	c := newConn(h, nil)
	h.register(c, Identity{})
	require.ErrorIs(t, h.SendToAgent("agent-9", protocol.NewMessage(protocol.TypeEvent, nil)),
		ErrAgentNotConnected)

	h.BindAgent(c, "agent-9")
	assert.Equal(t, "agent-9", c.AgentID())
	assert.NoError(t, h.SendToAgent("agent-9", protocol.NewMessage(protocol.TypeEvent, nil)))
}

func TestSubscribeAgentTouchesEveryConn(t *testing.T) {
	h := New(Options{})

	c1 := newConn(h, nil)
	c2 := newConn(h, nil)
	h.register(c1, Identity{AgentID: "agent-1"})
	h.register(c2, Identity{AgentID: "agent-1"})

	h.SubscribeAgent("agent-1", "session:s1")
	assert.True(t, c1.Subscribed("session:s1"))
	assert.True(t, c2.Subscribed("session:s1"))
}

func TestWebSocketWelcome(t *testing.T) {
	_, server := newTestServer(t, Options{}, nil)
	ws := dial(t, server, "", nil)

	envelope := readEnvelope(t, ws)
	require.Equal(t, protocol.TypeWelcome, envelope["type"])

	data := envelope["data"].(map[string]interface{})
	assert.NotEmpty(t, data["connectionId"])
	assert.Equal(t, protocol.Version, data["protocolVersion"])
	assert.Contains(t, data, "heartbeatMs")
	assert.Contains(t, data["capabilities"], "jsonpatch")

	security := data["security"].(map[string]interface{})
	assert.Equal(t, false, security["tokenValidated"])
	assert.NotContains(t, data, "agent")
}

func TestWebSocketAuthenticatedWelcome(t *testing.T) {
	tokens, err := auth.NewTokenService("hub-test-secret", "HS256", "", "")
	require.NoError(t, err)
	token, err := tokens.Generate("agent-7", "Ann", "player", time.Hour)
	require.NoError(t, err)

	_, server := newTestServer(t, Options{Tokens: tokens, TokenRequired: true}, nil)
	ws := dial(t, server, "?token="+token, nil)

	envelope := readEnvelope(t, ws)
	require.Equal(t, protocol.TypeWelcome, envelope["type"])

	data := envelope["data"].(map[string]interface{})
	agent := data["agent"].(map[string]interface{})
	assert.Equal(t, "agent-7", agent["agentId"])
	assert.Equal(t, "Ann", agent["name"])

	security := data["security"].(map[string]interface{})
	assert.Equal(t, true, security["tokenValidated"])
	assert.Equal(t, "player", security["role"])
}

func TestWebSocketAuthRequired(t *testing.T) {
	tokens, err := auth.NewTokenService("hub-test-secret", "HS256", "", "")
	require.NoError(t, err)

	_, server := newTestServer(t, Options{Tokens: tokens, TokenRequired: true}, nil)
	ws := dial(t, server, "", nil)

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = ws.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected a close error, got %v", err)
	assert.Equal(t, CloseAuthFailed, closeErr.Code)
}

func TestWebSocketBadToken(t *testing.T) {
	tokens, err := auth.NewTokenService("hub-test-secret", "HS256", "", "")
	require.NoError(t, err)

	_, server := newTestServer(t, Options{Tokens: tokens}, nil)
	ws := dial(t, server, "?token=garbage", nil)

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = ws.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected a close error, got %v", err)
	assert.Equal(t, CloseAuthFailed, closeErr.Code)
}

func TestWebSocketAtCapacity(t *testing.T) {
	_, server := newTestServer(t, Options{MaxClients: 1}, nil)

	first := dial(t, server, "", nil)
	readEnvelope(t, first)

	second := dial(t, server, "", nil)
	envelope := readEnvelope(t, second)
	require.Equal(t, protocol.TypeError, envelope["type"])
	data := envelope["data"].(map[string]interface{})
	assert.Equal(t, protocol.KindServerAtCapacity, data["kind"])
}

func TestWebSocketFrameDispatch(t *testing.T) {
	handler := &recordHandler{}
	h, server := newTestServer(t, Options{}, handler)
	ws := dial(t, server, "", nil)
	readEnvelope(t, ws)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"action","requestId":"r1","action":"register"}`)))

	ack := readEnvelope(t, ws)
	assert.Equal(t, protocol.TypeAck, ack["type"])
	assert.Equal(t, "r1", ack["requestId"])

	msgs := handler.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.TypeAction, msgs[0].Type)
	assert.Equal(t, "r1", msgs[0].RequestID)

	// Malformed JSON comes back as an error envelope, not a disconnect.
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{nope`)))
	errEnvelope := readEnvelope(t, ws)
	require.Equal(t, protocol.TypeError, errEnvelope["type"])
	data := errEnvelope["data"].(map[string]interface{})
	assert.Equal(t, protocol.KindInvalidJSON, data["kind"])

	assert.Equal(t, 1, h.CurrentClients())
}

func TestWebSocketDisconnectTeardown(t *testing.T) {
	handler := &recordHandler{}
	h, server := newTestServer(t, Options{}, handler)
	ws := dial(t, server, "", nil)
	welcome := readEnvelope(t, ws)
	connID := welcome["data"].(map[string]interface{})["connectionId"].(string)

	ws.Close()

	require.Eventually(t, func() bool {
		return h.CurrentClients() == 0
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		closed := handler.closedConns()
		return len(closed) == 1 && closed[0] == connID
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAuthenticateUnit(t *testing.T) {
	tokens, err := auth.NewTokenService("hub-test-secret", "HS256", "", "")
	require.NoError(t, err)

	t.Run("anonymous allowed when optional", func(t *testing.T) {
		h := New(Options{Tokens: tokens})
		identity, err := h.authenticate("")
		require.NoError(t, err)
		assert.False(t, identity.Validated)
	})

	t.Run("anonymous rejected when required", func(t *testing.T) {
		h := New(Options{Tokens: tokens, TokenRequired: true})
		_, err := h.authenticate("")
		assert.Error(t, err)
	})

	t.Run("present token always verified", func(t *testing.T) {
		h := New(Options{Tokens: tokens})
		_, err := h.authenticate("garbage")
		assert.Error(t, err)
	})

	t.Run("valid token yields identity", func(t *testing.T) {
		h := New(Options{Tokens: tokens})
		token, err := tokens.Generate("agent-1", "Ann", "admin", time.Hour)
		require.NoError(t, err)
		identity, err := h.authenticate(token)
		require.NoError(t, err)
		assert.Equal(t, "agent-1", identity.AgentID)
		assert.Equal(t, "admin", identity.Role)
		assert.True(t, identity.Validated)
	})
}
