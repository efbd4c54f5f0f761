package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	t.Run("valid action frame", func(t *testing.T) {
		msg, err := Decode([]byte(`{"type":"action","requestId":"r-1","payload":{"action":"game_move","row":1}}`))
		require.NoError(t, err)
		assert.Equal(t, TypeAction, msg.Type)
		assert.Equal(t, "r-1", msg.RequestID)

		action, ok := msg.StringField("action")
		assert.True(t, ok)
		assert.Equal(t, "game_move", action)
	})

	t.Run("malformed json", func(t *testing.T) {
		_, err := Decode([]byte(`{"type":`))
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := Decode([]byte(`{"type":"welcome"}`))
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("missing type", func(t *testing.T) {
		_, err := Decode([]byte(`{"payload":{}}`))
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("oversize frame", func(t *testing.T) {
		raw := append([]byte(`{"type":"action","payload":{"blob":"`), bytes.Repeat([]byte("x"), MaxPayloadBytes)...)
		raw = append(raw, []byte(`"}}`)...)
		_, err := Decode(raw)
		assert.ErrorIs(t, err, ErrOversize)
	})
}

func TestFieldHelpers(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"query","payload":{"name":"agent","count":7,"deep":true}}`))
	require.NoError(t, err)

	name, ok := msg.StringField("name")
	assert.True(t, ok)
	assert.Equal(t, "agent", name)

	count, ok := msg.IntField("count")
	assert.True(t, ok)
	assert.Equal(t, 7, count)

	deep, ok := msg.BoolField("deep")
	assert.True(t, ok)
	assert.True(t, deep)

	t.Run("missing keys", func(t *testing.T) {
		_, ok := msg.StringField("nope")
		assert.False(t, ok)
		_, ok = msg.IntField("nope")
		assert.False(t, ok)
		_, ok = msg.BoolField("nope")
		assert.False(t, ok)
	})

	t.Run("wrong types", func(t *testing.T) {
		_, ok := msg.StringField("count")
		assert.False(t, ok)
		_, ok = msg.IntField("name")
		assert.False(t, ok)
		_, ok = msg.BoolField("count")
		assert.False(t, ok)
	})
}

func TestNewMessageEnvelopes(t *testing.T) {
	msg := NewMessage(TypeState, map[string]interface{}{"v": 1})
	assert.Equal(t, TypeState, msg.Type)
	assert.NotZero(t, msg.Timestamp)

	ack := NewAck("req-9", map[string]interface{}{"ok": true})
	assert.Equal(t, TypeAck, ack.Type)
	assert.Equal(t, "req-9", ack.RequestID)

	event := NewEvent("session:abc", "MoveMade", map[string]interface{}{"moveCount": 3})
	assert.Equal(t, TypeEvent, event.Type)
	payload := event.Data.(map[string]interface{})
	assert.Equal(t, "session:abc", payload["topic"])
	assert.Equal(t, "MoveMade", payload["event"])
	assert.Equal(t, 3, payload["moveCount"])
}

func TestEncodeOmitsEmptyFields(t *testing.T) {
	msg := NewMessage(TypePong, nil)
	raw, err := msg.Encode()
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.NotContains(t, decoded, "requestId")
	assert.NotContains(t, decoded, "data")
	assert.Contains(t, decoded, "timestamp")
}

func TestErrorMessage(t *testing.T) {
	t.Run("server error passes through", func(t *testing.T) {
		err := NewError(KindNotYourTurn, "it is %s's turn", "O").WithDetail("currentPlayer", "O")
		msg := ErrorMessage("req-1", err)

		assert.Equal(t, TypeError, msg.Type)
		assert.Equal(t, "req-1", msg.RequestID)
		data := msg.Data.(map[string]interface{})
		assert.Equal(t, KindNotYourTurn, data["kind"])
		assert.Equal(t, "it is O's turn", data["message"])
		detail := data["detail"].(map[string]interface{})
		assert.Equal(t, "O", detail["currentPlayer"])
	})

	t.Run("plain errors are masked", func(t *testing.T) {
		msg := ErrorMessage("", errors.New("pq: connection refused"))
		data := msg.Data.(map[string]interface{})
		assert.Equal(t, KindInternal, data["kind"])
		assert.NotContains(t, data["message"], "pq")
		assert.NotContains(t, data, "detail")
	})
}

func TestServerErrorString(t *testing.T) {
	err := NewError(KindRateLimited, "too fast")
	assert.Equal(t, "RATE_LIMITED: too fast", err.Error())
}
