package chat

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liku-server/internal/protocol"
)

type roomEvent struct {
	RoomID string
	Event  string
	Data   map[string]interface{}
}

type whisper struct {
	UserID string
	RoomID string
	Data   map[string]interface{}
}

// recordSink captures room events and whispers.
type recordSink struct {
	mu       sync.Mutex
	events   []roomEvent
	whispers []whisper
}

func (s *recordSink) PublishRoomEvent(roomID, event string, data map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, roomEvent{roomID, event, data})
}

func (s *recordSink) DeliverToUser(userID, roomID string, data map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.whispers = append(s.whispers, whisper{userID, roomID, data})
}

func (s *recordSink) last(event string) (roomEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].Event == event {
			return s.events[i], true
		}
	}
	return roomEvent{}, false
}

func kindOf(t *testing.T, err error) string {
	t.Helper()
	se, ok := err.(*protocol.ServerError)
	require.True(t, ok, "expected ServerError, got %T: %v", err, err)
	return se.Kind
}

// newTestRoom builds a manager with one populated room and a clock hook.
func newTestRoom(t *testing.T, settings Settings) (*Manager, *recordSink, func(d time.Duration)) {
	t.Helper()
	sink := &recordSink{}
	m := NewManager(DefaultRateLimits(), sink)

	base := time.Now()
	offset := time.Duration(0)
	m.now = func() time.Time { return base.Add(offset) }
	advance := func(d time.Duration) { offset += d }

	m.CreateRoom("room-1", "test room", RoomGame, settings)
	require.NoError(t, m.Join("room-1", "owner-1", "Olivia", RoleOwner))
	require.NoError(t, m.Join("room-1", "mod-1", "Mia", RoleModerator))
	require.NoError(t, m.Join("room-1", "player-1", "Pat", RolePlayer))
	require.NoError(t, m.Join("room-1", "viewer-1", "Vic", RoleViewer))
	return m, sink, advance
}

func TestCreateRoomIdempotent(t *testing.T) {
	m := NewManager(DefaultRateLimits(), &recordSink{})
	first := m.CreateRoom("r", "one", RoomLobby, DefaultSettings())
	second := m.CreateRoom("r", "two", RoomGame, DefaultSettings())
	assert.Same(t, first, second)
	assert.Equal(t, "one", second.Name)
	assert.Equal(t, 1, m.RoomCount())
}

func TestJoinLeaveEvents(t *testing.T) {
	m, sink, _ := newTestRoom(t, DefaultSettings())

	joined, ok := sink.last(EventJoin)
	require.True(t, ok)
	assert.Equal(t, "viewer-1", joined.Data["userId"])
	assert.Equal(t, 4, joined.Data["participants"])

	require.NoError(t, m.Leave("room-1", "viewer-1"))
	left, ok := sink.last(EventLeave)
	require.True(t, ok)
	assert.Equal(t, 3, left.Data["participants"])

	err := m.Leave("room-1", "stranger")
	assert.Equal(t, protocol.KindNotInRoom, kindOf(t, err))
}

func TestSendText(t *testing.T) {
	m, sink, _ := newTestRoom(t, DefaultSettings())

	msg, err := m.SendText("room-1", "player-1", "  hello there  ", "")
	require.NoError(t, err)
	assert.Equal(t, "hello there", msg.Content)
	assert.Equal(t, MessageText, msg.Type)
	assert.Equal(t, "Pat", msg.SenderName)
	assert.NotEmpty(t, msg.ID)

	event, ok := sink.last(EventMessage)
	require.True(t, ok)
	assert.Equal(t, msg, event.Data["message"])

	room, err := m.Get("room-1")
	require.NoError(t, err)
	history := room.History(0)
	require.Len(t, history, 1)
	assert.Equal(t, msg.ID, history[0].ID)
}

func TestSendValidation(t *testing.T) {
	m, _, _ := newTestRoom(t, DefaultSettings())

	t.Run("empty", func(t *testing.T) {
		_, err := m.SendText("room-1", "player-1", "   ", "")
		assert.Equal(t, protocol.KindEmptyMessage, kindOf(t, err))
	})

	t.Run("too long", func(t *testing.T) {
		_, err := m.SendText("room-1", "player-1", strings.Repeat("x", MaxContentRunes+1), "")
		assert.Equal(t, protocol.KindMessageTooLong, kindOf(t, err))
	})

	t.Run("exactly at the bound", func(t *testing.T) {
		_, err := m.SendText("room-1", "player-1", strings.Repeat("x", MaxContentRunes), "")
		assert.NoError(t, err)
	})

	t.Run("runes not bytes", func(t *testing.T) {
		_, err := m.SendText("room-1", "player-1", strings.Repeat("é", MaxContentRunes), "")
		assert.NoError(t, err)
	})

	t.Run("not a participant", func(t *testing.T) {
		_, err := m.SendText("room-1", "stranger", "hi", "")
		assert.Equal(t, protocol.KindNotInRoom, kindOf(t, err))
	})

	t.Run("unknown room", func(t *testing.T) {
		_, err := m.SendText("nope", "player-1", "hi", "")
		assert.Equal(t, protocol.KindNotFound, kindOf(t, err))
	})
}

func TestPerSecondRateLimit(t *testing.T) {
	m, _, advance := newTestRoom(t, DefaultSettings())

	// The per-second budget admits exactly the configured count.
	for i := 0; i < DefaultRateLimits().MessagesPerSecond; i++ {
		_, err := m.SendText("room-1", "player-1", fmt.Sprintf("msg %d", i), "")
		require.NoError(t, err)
	}
	_, err := m.SendText("room-1", "player-1", "one too many", "")
	require.Error(t, err)
	se := err.(*protocol.ServerError)
	assert.Equal(t, protocol.KindRateLimited, se.Kind)
	assert.Equal(t, "per_second", se.Detail["reason"])

	// A second later the window has slid open again.
	advance(1100 * time.Millisecond)
	_, err = m.SendText("room-1", "player-1", "fresh window", "")
	assert.NoError(t, err)
}

func TestPerMinuteRateLimit(t *testing.T) {
	m, _, advance := newTestRoom(t, DefaultSettings())

	limits := DefaultRateLimits()
	sent := 0
	for sent < limits.MessagesPerMinute {
		// Stay under the per-second and burst gates while filling the minute.
		_, err := m.SendText("room-1", "player-1", fmt.Sprintf("msg %d", sent), "")
		require.NoError(t, err)
		sent++
		advance(1500 * time.Millisecond)
	}

	_, err := m.SendText("room-1", "player-1", "over the minute", "")
	require.Error(t, err)
	se := err.(*protocol.ServerError)
	assert.Equal(t, protocol.KindRateLimited, se.Kind)
	assert.Equal(t, "per_minute", se.Detail["reason"])
}

func TestBurstCooldown(t *testing.T) {
	sink := &recordSink{}
	m := NewManager(RateLimits{
		MessagesPerSecond: 10,
		MessagesPerMinute: 100,
		BurstLimit:        3,
		Cooldown:          2 * time.Second,
	}, sink)

	base := time.Now()
	offset := time.Duration(0)
	m.now = func() time.Time { return base.Add(offset) }

	m.CreateRoom("room-1", "bursty", RoomLobby, DefaultSettings())
	require.NoError(t, m.Join("room-1", "player-1", "Pat", RolePlayer))

	for i := 0; i < 3; i++ {
		_, err := m.SendText("room-1", "player-1", fmt.Sprintf("msg %d", i), "")
		require.NoError(t, err)
		offset += 300 * time.Millisecond
	}

	_, err := m.SendText("room-1", "player-1", "burst", "")
	require.Error(t, err)
	se := err.(*protocol.ServerError)
	assert.Equal(t, protocol.KindRateLimited, se.Kind)
	assert.Equal(t, "burst", se.Detail["reason"])

	// The cooldown gates even a slow follow-up.
	offset += time.Second
	_, err = m.SendText("room-1", "player-1", "still cooling", "")
	require.Error(t, err)
	assert.Equal(t, "burst", err.(*protocol.ServerError).Detail["reason"])

	offset += 3 * time.Second
	_, err = m.SendText("room-1", "player-1", "recovered", "")
	assert.NoError(t, err)
}

func TestSlowMode(t *testing.T) {
	settings := DefaultSettings()
	settings.SlowModeSeconds = 5
	m, _, advance := newTestRoom(t, settings)

	_, err := m.SendText("room-1", "player-1", "first", "")
	require.NoError(t, err)

	advance(2 * time.Second)
	_, err = m.SendText("room-1", "player-1", "too soon", "")
	require.Error(t, err)
	se := err.(*protocol.ServerError)
	assert.Equal(t, "slow_mode", se.Detail["reason"])

	advance(4 * time.Second)
	_, err = m.SendText("room-1", "player-1", "after the gap", "")
	assert.NoError(t, err)
}

func TestMute(t *testing.T) {
	m, sink, advance := newTestRoom(t, DefaultSettings())

	require.NoError(t, m.Mute("room-1", "mod-1", "player-1", 30*time.Second))

	event, ok := sink.last(EventModeration)
	require.True(t, ok)
	assert.Equal(t, "mute", event.Data["action"])
	assert.Equal(t, 30, event.Data["durationSeconds"])

	_, err := m.SendText("room-1", "player-1", "hello?", "")
	require.Error(t, err)
	se := err.(*protocol.ServerError)
	assert.Equal(t, protocol.KindMuted, se.Kind)
	assert.InDelta(t, 30, se.Detail["remainingSeconds"], 1)

	t.Run("expires", func(t *testing.T) {
		advance(31 * time.Second)
		_, err := m.SendText("room-1", "player-1", "back", "")
		assert.NoError(t, err)
	})

	t.Run("unmute lifts early", func(t *testing.T) {
		require.NoError(t, m.Mute("room-1", "mod-1", "player-1", time.Hour))
		require.NoError(t, m.Unmute("room-1", "mod-1", "player-1"))
		_, err := m.SendText("room-1", "player-1", "unmuted", "")
		assert.NoError(t, err)
	})
}

func TestModerationPrivileges(t *testing.T) {
	m, _, _ := newTestRoom(t, DefaultSettings())

	t.Run("viewer cannot moderate", func(t *testing.T) {
		err := m.Mute("room-1", "viewer-1", "player-1", time.Minute)
		assert.Equal(t, protocol.KindPermissionDenied, kindOf(t, err))
	})

	t.Run("moderator cannot target a peer", func(t *testing.T) {
		err := m.Kick("room-1", "mod-1", "owner-1")
		assert.Equal(t, protocol.KindPermissionDenied, kindOf(t, err))
	})

	t.Run("owner can target a moderator", func(t *testing.T) {
		assert.NoError(t, m.Mute("room-1", "owner-1", "mod-1", time.Minute))
	})

	t.Run("kick removes the target", func(t *testing.T) {
		require.NoError(t, m.Kick("room-1", "mod-1", "viewer-1"))
		room, err := m.Get("room-1")
		require.NoError(t, err)
		_, still := room.roleOf("viewer-1")
		assert.False(t, still)
	})
}

func TestWhisper(t *testing.T) {
	m, sink, _ := newTestRoom(t, DefaultSettings())

	msg, err := m.SendWhisper("room-1", "player-1", "viewer-1", "psst")
	require.NoError(t, err)
	assert.Equal(t, MessageWhisper, msg.Type)

	// Delivered to the target only; never appended to history.
	sink.mu.Lock()
	require.Len(t, sink.whispers, 1)
	assert.Equal(t, "viewer-1", sink.whispers[0].UserID)
	sink.mu.Unlock()

	room, err := m.Get("room-1")
	require.NoError(t, err)
	assert.Empty(t, room.History(0))

	t.Run("target must be present", func(t *testing.T) {
		_, err := m.SendWhisper("room-1", "player-1", "stranger", "psst")
		assert.Equal(t, protocol.KindNotFound, kindOf(t, err))
	})

	t.Run("disabled by settings", func(t *testing.T) {
		settings := DefaultSettings()
		settings.WhispersAllowed = false
		m.CreateRoom("quiet", "no whispers", RoomLobby, settings)
		require.NoError(t, m.Join("quiet", "a", "A", RolePlayer))
		require.NoError(t, m.Join("quiet", "b", "B", RolePlayer))
		_, err := m.SendWhisper("quiet", "a", "b", "psst")
		assert.Equal(t, protocol.KindPermissionDenied, kindOf(t, err))
	})
}

func TestReactions(t *testing.T) {
	m, sink, _ := newTestRoom(t, DefaultSettings())

	msg, err := m.SendText("room-1", "player-1", "react to this", "")
	require.NoError(t, err)
	room, err := m.Get("room-1")
	require.NoError(t, err)

	require.NoError(t, m.AddReaction("room-1", "viewer-1", msg.ID, "👍"))
	event, ok := sink.last(EventReactionAdd)
	require.True(t, ok)
	assert.Equal(t, msg.ID, event.Data["messageId"])

	t.Run("duplicate is a no-op", func(t *testing.T) {
		require.NoError(t, m.AddReaction("room-1", "viewer-1", msg.ID, "👍"))
		assert.Len(t, room.Reactions(msg.ID), 1)
	})

	t.Run("different emoji stacks", func(t *testing.T) {
		require.NoError(t, m.AddReaction("room-1", "viewer-1", msg.ID, "🔥"))
		assert.Len(t, room.Reactions(msg.ID), 2)
	})

	t.Run("remove", func(t *testing.T) {
		require.NoError(t, m.RemoveReaction("room-1", "viewer-1", msg.ID, "👍"))
		assert.Len(t, room.Reactions(msg.ID), 1)
		err := m.RemoveReaction("room-1", "viewer-1", msg.ID, "👍")
		assert.Equal(t, protocol.KindNotFound, kindOf(t, err))
	})

	t.Run("unknown message", func(t *testing.T) {
		err := m.AddReaction("room-1", "viewer-1", "no-such-id", "👍")
		assert.Equal(t, protocol.KindNotFound, kindOf(t, err))
	})
}

func TestRetentionDropsOldestWithReactions(t *testing.T) {
	settings := DefaultSettings()
	settings.RetainedMessages = 3
	m, _, advance := newTestRoom(t, settings)
	room, err := m.Get("room-1")
	require.NoError(t, err)

	first, err := m.SendText("room-1", "player-1", "oldest", "")
	require.NoError(t, err)
	require.NoError(t, m.AddReaction("room-1", "viewer-1", first.ID, "👍"))

	for i := 0; i < 3; i++ {
		advance(time.Second)
		_, err := m.SendText("room-1", "player-1", fmt.Sprintf("filler %d", i), "")
		require.NoError(t, err)
	}

	history := room.History(0)
	require.Len(t, history, 3)
	assert.Equal(t, "filler 0", history[0].Content)
	assert.Empty(t, room.Reactions(first.ID))
}

func TestDeleteMessage(t *testing.T) {
	m, sink, _ := newTestRoom(t, DefaultSettings())
	room, err := m.Get("room-1")
	require.NoError(t, err)

	msg, err := m.SendText("room-1", "player-1", "delete me", "")
	require.NoError(t, err)
	require.NoError(t, m.AddReaction("room-1", "viewer-1", msg.ID, "👍"))

	t.Run("requires moderator", func(t *testing.T) {
		err := m.DeleteMessage("room-1", "player-1", msg.ID)
		assert.Equal(t, protocol.KindPermissionDenied, kindOf(t, err))
	})

	require.NoError(t, m.DeleteMessage("room-1", "mod-1", msg.ID))
	assert.Empty(t, room.History(0))
	assert.Empty(t, room.Reactions(msg.ID))

	event, ok := sink.last(EventModeration)
	require.True(t, ok)
	assert.Equal(t, "delete_message", event.Data["action"])

	err = m.DeleteMessage("room-1", "mod-1", msg.ID)
	assert.Equal(t, protocol.KindNotFound, kindOf(t, err))
}

func TestSystemMessageBypassesChecks(t *testing.T) {
	m, _, _ := newTestRoom(t, DefaultSettings())
	room, err := m.Get("room-1")
	require.NoError(t, err)

	// "system" is not a participant yet the notice lands.
	msg, err := m.SendSystem("room-1", "game started")
	require.NoError(t, err)
	assert.Equal(t, MessageSystem, msg.Type)
	assert.Equal(t, "system", msg.SenderID)
	assert.Len(t, room.History(0), 1)
}

func TestEmotes(t *testing.T) {
	m, _, _ := newTestRoom(t, DefaultSettings())

	msg, err := m.SendEmote("room-1", "player-1", "waves")
	require.NoError(t, err)
	assert.Equal(t, MessageEmote, msg.Type)

	settings := DefaultSettings()
	settings.EmotesAllowed = false
	m.CreateRoom("stoic", "no emotes", RoomLobby, settings)
	require.NoError(t, m.Join("stoic", "a", "A", RolePlayer))
	_, err = m.SendEmote("stoic", "a", "waves")
	assert.Equal(t, protocol.KindPermissionDenied, kindOf(t, err))
}

func TestTyping(t *testing.T) {
	m, sink, _ := newTestRoom(t, DefaultSettings())

	require.NoError(t, m.Typing("room-1", "player-1"))
	event, ok := sink.last(EventTyping)
	require.True(t, ok)
	assert.Equal(t, "player-1", event.Data["userId"])

	err := m.Typing("room-1", "stranger")
	assert.Equal(t, protocol.KindNotInRoom, kindOf(t, err))
}

func TestHistoryLimit(t *testing.T) {
	m, _, advance := newTestRoom(t, DefaultSettings())
	room, err := m.Get("room-1")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := m.SendText("room-1", "player-1", fmt.Sprintf("msg %d", i), "")
		require.NoError(t, err)
		advance(time.Second)
	}

	recent := room.History(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "msg 3", recent[0].Content)
	assert.Equal(t, "msg 4", recent[1].Content)
}

func TestRoomCapacity(t *testing.T) {
	settings := DefaultSettings()
	settings.MaxParticipants = 2
	m := NewManager(DefaultRateLimits(), &recordSink{})
	m.CreateRoom("tiny", "tiny", RoomLobby, settings)

	require.NoError(t, m.Join("tiny", "a", "A", RolePlayer))
	require.NoError(t, m.Join("tiny", "b", "B", RolePlayer))
	err := m.Join("tiny", "c", "C", RolePlayer)
	assert.Equal(t, protocol.KindNoFreeSlot, kindOf(t, err))

	// Rejoin never counts against capacity.
	assert.NoError(t, m.Join("tiny", "a", "A2", RolePlayer))
}

func TestSessionLifecycleRooms(t *testing.T) {
	m := NewManager(DefaultRateLimits(), &recordSink{})

	m.CreateRoom("sess-1", "tictactoe game", RoomGame, DefaultSettings())
	assert.Equal(t, 1, m.RoomCount())

	m.SessionClosed("sess-1")
	assert.Zero(t, m.RoomCount())
	_, err := m.Get("sess-1")
	assert.Equal(t, protocol.KindNotFound, kindOf(t, err))
}
