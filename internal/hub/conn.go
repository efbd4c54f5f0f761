package hub

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"liku-server/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 256
)

// Conn is one WebSocket client. Outbound frames go through a buffered
// channel; a slow consumer overflows the buffer and the frame is dropped
// with an error returned to the sender.
type Conn struct {
	ID  string
	hub *Hub
	ws  *websocket.Conn

	send chan []byte

	mu         sync.Mutex
	agentID    string
	subs       map[string]bool
	lastPing   time.Time // last app-level ping from the client
	sendClosed bool      // set under mu before the send channel closes

	closeOnce sync.Once
}

func newConn(h *Hub, ws *websocket.Conn) *Conn {
	return &Conn{
		ID:   uuid.NewString(),
		hub:  h,
		ws:   ws,
		send: make(chan []byte, sendBufferSize),
		// Every client implicitly follows its own state topic.
		subs: map[string]bool{"state": true},
	}
}

// AgentID returns the bound agent id, or "" before registration.
func (c *Conn) AgentID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agentID
}

// Send queues an outbound envelope. Returns an error when the client's
// buffer is full or the connection has been torn down, so callers can
// count delivery failures. The mutex orders the channel send against
// the close in unregister; broadcast goroutines race disconnects freely.
func (c *Conn) Send(msg *protocol.ServerMessage) error {
	raw, err := msg.Encode()
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendClosed {
		return ErrConnClosed
	}
	select {
	case c.send <- raw:
		c.hub.metrics.RecordSend(len(raw))
		return nil
	default:
		return ErrSlowConsumer
	}
}

// closeSend closes the outbound channel exactly once. Safe against
// concurrent Send calls.
func (c *Conn) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendClosed {
		return
	}
	c.sendClosed = true
	close(c.send)
}

// Subscribe adds a topic. "*" follows everything.
func (c *Conn) Subscribe(topic string) {
	c.mu.Lock()
	c.subs[topic] = true
	c.mu.Unlock()
}

// Unsubscribe drops a topic.
func (c *Conn) Unsubscribe(topic string) {
	c.mu.Lock()
	delete(c.subs, topic)
	c.mu.Unlock()
}

// Subscribed reports whether the client follows a topic.
func (c *Conn) Subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs["*"] || c.subs[topic]
}

// TouchPing records an app-level ping for staleness tracking.
func (c *Conn) TouchPing() {
	c.mu.Lock()
	c.lastPing = time.Now()
	c.mu.Unlock()
}

func (c *Conn) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.ws.Close()
	}()

	pongWait := c.hub.heartbeat * 2
	c.ws.SetReadLimit(protocol.MaxPayloadBytes)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[Hub] Read error on %s: %v", c.ID, err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		c.hub.metrics.RecordReceive(len(raw))
		c.hub.handleFrame(c, raw)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.hub.heartbeat)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case raw, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.ws.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(raw)
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// closeWith sends a close frame with an application code and drops the
// socket.
func (c *Conn) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.ws.WriteMessage(websocket.CloseMessage, msg)
		c.ws.Close()
	})
}
