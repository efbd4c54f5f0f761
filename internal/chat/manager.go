// Package chat provides session-scoped and standalone rooms with
// moderation, reactions, retention and per-user rate limiting.
package chat

import (
	"log"
	"sync"
	"time"

	"liku-server/internal/protocol"
	"liku-server/internal/session"
)

// Room event names fanned out to subscribers.
const (
	EventMessage        = "message"
	EventReactionAdd    = "reaction_add"
	EventReactionRemove = "reaction_remove"
	EventJoin           = "join"
	EventLeave          = "leave"
	EventModeration     = "moderation"
	EventTyping         = "typing"
)

// RateLimits bound per-user send rates inside a room.
type RateLimits struct {
	MessagesPerSecond int
	MessagesPerMinute int
	BurstLimit        int
	Cooldown          time.Duration
}

func DefaultRateLimits() RateLimits {
	return RateLimits{
		MessagesPerSecond: 2,
		MessagesPerMinute: 30,
		BurstLimit:        5,
		Cooldown:          time.Second,
	}
}

// Sink receives room events. Whisper delivery targets a single user and
// never reaches room history.
type Sink interface {
	PublishRoomEvent(roomID, event string, data map[string]interface{})
	DeliverToUser(userID string, roomID string, data map[string]interface{})
}

// Manager owns every chat room.
type Manager struct {
	mu     sync.RWMutex
	rooms  map[string]*Room
	limits RateLimits
	sink   Sink
	now    func() time.Time
}

func NewManager(limits RateLimits, sink Sink) *Manager {
	if limits.MessagesPerSecond == 0 {
		limits = DefaultRateLimits()
	}
	return &Manager{
		rooms:  make(map[string]*Room),
		limits: limits,
		sink:   sink,
		now:    time.Now,
	}
}

// CreateRoom registers a room. Creating an existing id returns the
// existing room unchanged.
func (m *Manager) CreateRoom(id, name string, roomType RoomType, settings Settings) *Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rooms[id]; ok {
		return r
	}
	r := newRoom(id, name, roomType, settings)
	m.rooms[id] = r
	log.Printf("[Chat] Room created: %s (%s)", id, roomType)
	return r
}

// DeleteRoom drops a room and its history.
func (m *Manager) DeleteRoom(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rooms[id]; ok {
		delete(m.rooms, id)
		log.Printf("[Chat] Room deleted: %s", id)
	}
}

// Get resolves a room by id.
func (m *Manager) Get(id string) (*Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[id]
	if !ok {
		return nil, protocol.NewError(protocol.KindNotFound, "room %s not found", id)
	}
	return r, nil
}

// Join adds a user with a role.
func (m *Manager) Join(roomID, userID, name string, role Role) error {
	r, err := m.Get(roomID)
	if err != nil {
		return err
	}
	if err := r.join(userID, name, role); err != nil {
		return err
	}
	m.publish(roomID, EventJoin, map[string]interface{}{
		"userId":       userID,
		"name":         name,
		"role":         role,
		"participants": r.ParticipantCount(),
	})
	return nil
}

// Leave removes a user.
func (m *Manager) Leave(roomID, userID string) error {
	r, err := m.Get(roomID)
	if err != nil {
		return err
	}
	if !r.leave(userID) {
		return protocol.NewError(protocol.KindNotInRoom, "not a participant of room %s", roomID)
	}
	m.publish(roomID, EventLeave, map[string]interface{}{
		"userId":       userID,
		"participants": r.ParticipantCount(),
	})
	return nil
}

// SendText posts a text message to the room.
func (m *Manager) SendText(roomID, userID, content, replyTo string) (*Message, error) {
	return m.send(roomID, userID, MessageText, content, replyTo)
}

// SendEmote posts an emote, subject to room settings.
func (m *Manager) SendEmote(roomID, userID, content string) (*Message, error) {
	r, err := m.Get(roomID)
	if err != nil {
		return nil, err
	}
	if !r.Settings.EmotesAllowed {
		return nil, protocol.NewError(protocol.KindPermissionDenied, "emotes are disabled in this room")
	}
	return m.send(roomID, userID, MessageEmote, content, "")
}

func (m *Manager) send(roomID, userID string, msgType MessageType, content, replyTo string) (*Message, error) {
	r, err := m.Get(roomID)
	if err != nil {
		return nil, err
	}
	cleaned, err := validateContent(content)
	if err != nil {
		return nil, err
	}
	p, err := r.checkSender(userID, m.limits, m.now())
	if err != nil {
		return nil, err
	}

	msg := &Message{
		ID:         newMessageID(),
		Type:       msgType,
		SenderID:   userID,
		SenderName: p.Name,
		Content:    cleaned,
		Timestamp:  m.now().UnixMilli(),
		RoomID:     roomID,
		ReplyTo:    replyTo,
	}
	r.append(msg)
	m.publish(roomID, EventMessage, map[string]interface{}{"message": msg})
	return msg, nil
}

// SendSystem posts a server-originated notice, bypassing participant and
// rate checks.
func (m *Manager) SendSystem(roomID, content string) (*Message, error) {
	r, err := m.Get(roomID)
	if err != nil {
		return nil, err
	}
	msg := &Message{
		ID:         newMessageID(),
		Type:       MessageSystem,
		SenderID:   "system",
		SenderName: "system",
		Content:    content,
		Timestamp:  m.now().UnixMilli(),
		RoomID:     roomID,
	}
	r.append(msg)
	m.publish(roomID, EventMessage, map[string]interface{}{"message": msg})
	return msg, nil
}

// SendWhisper delivers privately to one participant. Whispers skip room
// history.
func (m *Manager) SendWhisper(roomID, userID, targetID, content string) (*Message, error) {
	r, err := m.Get(roomID)
	if err != nil {
		return nil, err
	}
	if !r.Settings.WhispersAllowed {
		return nil, protocol.NewError(protocol.KindPermissionDenied, "whispers are disabled in this room")
	}
	if _, ok := r.roleOf(targetID); !ok {
		return nil, protocol.NewError(protocol.KindNotFound, "target is not in the room")
	}
	cleaned, err := validateContent(content)
	if err != nil {
		return nil, err
	}
	p, err := r.checkSender(userID, m.limits, m.now())
	if err != nil {
		return nil, err
	}

	msg := &Message{
		ID:         newMessageID(),
		Type:       MessageWhisper,
		SenderID:   userID,
		SenderName: p.Name,
		Content:    cleaned,
		Timestamp:  m.now().UnixMilli(),
		RoomID:     roomID,
	}
	if m.sink != nil {
		m.sink.DeliverToUser(targetID, roomID, map[string]interface{}{"message": msg})
	}
	return msg, nil
}

// AddReaction attaches an emoji to a message.
func (m *Manager) AddReaction(roomID, userID, messageID, emoji string) error {
	r, err := m.Get(roomID)
	if err != nil {
		return err
	}
	if !r.Settings.ReactionsAllowed {
		return protocol.NewError(protocol.KindPermissionDenied, "reactions are disabled in this room")
	}
	if _, ok := r.roleOf(userID); !ok {
		return protocol.NewError(protocol.KindNotInRoom, "not a participant of room %s", roomID)
	}
	if r.findMessage(messageID) == nil {
		return protocol.NewError(protocol.KindNotFound, "message %s not found", messageID)
	}

	r.mu.Lock()
	for _, existing := range r.reactions[messageID] {
		if existing.UserID == userID && existing.Emoji == emoji {
			r.mu.Unlock()
			return nil // already reacted
		}
	}
	r.reactions[messageID] = append(r.reactions[messageID], Reaction{UserID: userID, Emoji: emoji})
	r.mu.Unlock()

	m.publish(roomID, EventReactionAdd, map[string]interface{}{
		"messageId": messageID,
		"userId":    userID,
		"emoji":     emoji,
	})
	return nil
}

// RemoveReaction detaches a user's emoji from a message.
func (m *Manager) RemoveReaction(roomID, userID, messageID, emoji string) error {
	r, err := m.Get(roomID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	list := r.reactions[messageID]
	removed := false
	for i, existing := range list {
		if existing.UserID == userID && existing.Emoji == emoji {
			r.reactions[messageID] = append(list[:i], list[i+1:]...)
			removed = true
			break
		}
	}
	r.mu.Unlock()

	if !removed {
		return protocol.NewError(protocol.KindNotFound, "reaction not found")
	}
	m.publish(roomID, EventReactionRemove, map[string]interface{}{
		"messageId": messageID,
		"userId":    userID,
		"emoji":     emoji,
	})
	return nil
}

// Mute silences a participant. Moderator-only; peers cannot mute
// moderators or owners.
func (m *Manager) Mute(roomID, moderatorID, targetID string, duration time.Duration) error {
	r, err := m.Get(roomID)
	if err != nil {
		return err
	}
	if err := m.checkModeration(r, moderatorID, targetID); err != nil {
		return err
	}

	r.mu.Lock()
	target, ok := r.participants[targetID]
	if ok {
		target.MuteExpiry = m.now().Add(duration)
	}
	r.mu.Unlock()
	if !ok {
		return protocol.NewError(protocol.KindNotFound, "target is not in the room")
	}

	m.publish(roomID, EventModeration, map[string]interface{}{
		"action":          "mute",
		"targetId":        targetID,
		"moderatorId":     moderatorID,
		"durationSeconds": int(duration.Seconds()),
	})
	return nil
}

// Unmute lifts a mute early.
func (m *Manager) Unmute(roomID, moderatorID, targetID string) error {
	r, err := m.Get(roomID)
	if err != nil {
		return err
	}
	role, ok := r.roleOf(moderatorID)
	if !ok || !isModerator(role) {
		return protocol.NewError(protocol.KindPermissionDenied, "moderator role required")
	}

	r.mu.Lock()
	target, found := r.participants[targetID]
	if found {
		target.MuteExpiry = time.Time{}
	}
	r.mu.Unlock()
	if !found {
		return protocol.NewError(protocol.KindNotFound, "target is not in the room")
	}

	m.publish(roomID, EventModeration, map[string]interface{}{
		"action":      "unmute",
		"targetId":    targetID,
		"moderatorId": moderatorID,
	})
	return nil
}

// Kick ejects a participant. Same privilege rules as Mute.
func (m *Manager) Kick(roomID, moderatorID, targetID string) error {
	r, err := m.Get(roomID)
	if err != nil {
		return err
	}
	if err := m.checkModeration(r, moderatorID, targetID); err != nil {
		return err
	}
	if !r.leave(targetID) {
		return protocol.NewError(protocol.KindNotFound, "target is not in the room")
	}
	m.publish(roomID, EventModeration, map[string]interface{}{
		"action":      "kick",
		"targetId":    targetID,
		"moderatorId": moderatorID,
	})
	return nil
}

// DeleteMessage removes a message and its reactions. Moderator-only.
func (m *Manager) DeleteMessage(roomID, moderatorID, messageID string) error {
	r, err := m.Get(roomID)
	if err != nil {
		return err
	}
	role, ok := r.roleOf(moderatorID)
	if !ok || !isModerator(role) {
		return protocol.NewError(protocol.KindPermissionDenied, "moderator role required")
	}

	r.mu.Lock()
	found := false
	for i, msg := range r.history {
		if msg.ID == messageID {
			r.history = append(r.history[:i], r.history[i+1:]...)
			delete(r.reactions, messageID)
			found = true
			break
		}
	}
	r.mu.Unlock()

	if !found {
		return protocol.NewError(protocol.KindNotFound, "message %s not found", messageID)
	}
	m.publish(roomID, EventModeration, map[string]interface{}{
		"action":      "delete_message",
		"messageId":   messageID,
		"moderatorId": moderatorID,
	})
	return nil
}

// Typing relays a typing indicator; no validation beyond membership.
func (m *Manager) Typing(roomID, userID string) error {
	r, err := m.Get(roomID)
	if err != nil {
		return err
	}
	if _, ok := r.roleOf(userID); !ok {
		return protocol.NewError(protocol.KindNotInRoom, "not a participant of room %s", roomID)
	}
	m.publish(roomID, EventTyping, map[string]interface{}{"userId": userID})
	return nil
}

// checkModeration enforces who may act on whom: moderators and owners
// cannot be targeted by a peer moderator.
func (m *Manager) checkModeration(r *Room, moderatorID, targetID string) error {
	modRole, ok := r.roleOf(moderatorID)
	if !ok || !isModerator(modRole) {
		return protocol.NewError(protocol.KindPermissionDenied, "moderator role required")
	}
	targetRole, ok := r.roleOf(targetID)
	if ok && isModerator(targetRole) && modRole != RoleOwner {
		return protocol.NewError(protocol.KindPermissionDenied, "cannot moderate a peer moderator")
	}
	return nil
}

func (m *Manager) publish(roomID, event string, data map[string]interface{}) {
	if m.sink != nil {
		m.sink.PublishRoomEvent(roomID, event, data)
	}
}

// SessionCreated opens the session's game room. Part of the session
// lifecycle observer; only the session id crosses the boundary.
func (m *Manager) SessionCreated(s *session.Session) {
	m.CreateRoom(s.ID, s.GameType+" game", RoomGame, DefaultSettings())
}

// SessionClosed drops the session's game room and its history.
func (m *Manager) SessionClosed(sessionID string) {
	m.DeleteRoom(sessionID)
}

// RoomCount returns the number of live rooms.
func (m *Manager) RoomCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}
