package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const Version = "1.0"

// MaxPayloadBytes bounds a single inbound frame. Oversize frames close the
// connection with a policy violation code instead of an error envelope.
const MaxPayloadBytes = 1 << 20 // 1 MiB

// Inbound frame types.
const (
	TypeKey         = "key"
	TypeAction      = "action"
	TypeQuery       = "query"
	TypePing        = "ping"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
)

// Outbound frame types.
const (
	TypeWelcome = "welcome"
	TypeState   = "state"
	TypeAck     = "ack"
	TypeEvent   = "event"
	TypeResult  = "result"
	TypePong    = "pong"
	TypeError   = "error"
)

var inboundTypes = map[string]bool{
	TypeKey:         true,
	TypeAction:      true,
	TypeQuery:       true,
	TypePing:        true,
	TypeSubscribe:   true,
	TypeUnsubscribe: true,
}

var (
	ErrMalformed = errors.New("malformed frame")
	ErrOversize  = errors.New("frame exceeds size limit")
)

// ClientMessage is the decoded inbound envelope.
type ClientMessage struct {
	Type      string                 `json:"type"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	RequestID string                 `json:"requestId,omitempty"`
}

// ServerMessage is the outbound envelope. Timestamp is millisecond epoch.
type ServerMessage struct {
	Type      string      `json:"type"`
	RequestID string      `json:"requestId,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// Decode parses and validates an inbound frame.
func Decode(raw []byte) (*ClientMessage, error) {
	if len(raw) > MaxPayloadBytes {
		return nil, ErrOversize
	}
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !inboundTypes[msg.Type] {
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, msg.Type)
	}
	return &msg, nil
}

// NewMessage builds an outbound envelope stamped with the current time.
func NewMessage(msgType string, data interface{}) *ServerMessage {
	return &ServerMessage{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewAck builds an ack envelope correlated to a request.
func NewAck(requestID string, data interface{}) *ServerMessage {
	msg := NewMessage(TypeAck, data)
	msg.RequestID = requestID
	return msg
}

// NewEvent builds an event envelope tagged with an event name and topic.
func NewEvent(topic, event string, data map[string]interface{}) *ServerMessage {
	payload := map[string]interface{}{
		"topic": topic,
		"event": event,
	}
	for k, v := range data {
		payload[k] = v
	}
	return NewMessage(TypeEvent, payload)
}

// Encode serializes an outbound envelope.
func (m *ServerMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// String field extraction helpers for payload maps.

func (m *ClientMessage) StringField(key string) (string, bool) {
	v, ok := m.Payload[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (m *ClientMessage) IntField(key string) (int, bool) {
	v, ok := m.Payload[key]
	if !ok {
		return 0, false
	}
	// JSON numbers decode as float64
	f, ok := v.(float64)
	if !ok {
		return 0, false
	}
	return int(f), true
}

func (m *ClientMessage) BoolField(key string) (bool, bool) {
	v, ok := m.Payload[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}
