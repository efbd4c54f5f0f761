package chat

import (
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"liku-server/internal/protocol"
)

type RoomType string

const (
	RoomGame   RoomType = "game"
	RoomLobby  RoomType = "lobby"
	RoomDirect RoomType = "direct"
)

type Role string

const (
	RoleViewer    Role = "viewer"
	RolePlayer    Role = "player"
	RoleModerator Role = "moderator"
	RoleOwner     Role = "owner"
)

type MessageType string

const (
	MessageText     MessageType = "text"
	MessageReaction MessageType = "reaction"
	MessageSystem   MessageType = "system"
	MessageEmote    MessageType = "emote"
	MessageWhisper  MessageType = "whisper"
)

// MaxContentRunes bounds message content in code points, not bytes.
const MaxContentRunes = 500

// Settings are per-room knobs.
type Settings struct {
	MaxParticipants  int  `json:"maxParticipants"`
	SlowModeSeconds  int  `json:"slowModeSeconds"`
	ReactionsAllowed bool `json:"reactionsAllowed"`
	WhispersAllowed  bool `json:"whispersAllowed"`
	EmotesAllowed    bool `json:"emotesAllowed"`
	RetainedMessages int  `json:"retainedMessages"`
}

func DefaultSettings() Settings {
	return Settings{
		MaxParticipants:  100,
		SlowModeSeconds:  0,
		ReactionsAllowed: true,
		WhispersAllowed:  true,
		EmotesAllowed:    true,
		RetainedMessages: 500,
	}
}

type Message struct {
	ID         string                 `json:"id"`
	Type       MessageType            `json:"type"`
	SenderID   string                 `json:"senderId"`
	SenderName string                 `json:"senderName"`
	Content    string                 `json:"content"`
	Timestamp  int64                  `json:"timestamp"` // ms epoch
	RoomID     string                 `json:"roomId"`
	ReplyTo    string                 `json:"replyTo,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

type Reaction struct {
	UserID string `json:"userId"`
	Emoji  string `json:"emoji"`
}

type participant struct {
	UserID       string
	Name         string
	Role         Role
	JoinedAt     time.Time
	MuteExpiry   time.Time
	MessageCount int

	lastMessageAt time.Time   // slow mode
	recent        []time.Time // rate-limit window
	cooldownUntil time.Time
}

// Room holds one chat channel. All access goes through its mutex; rooms
// never call into sessions.
type Room struct {
	mu sync.Mutex

	ID       string
	Name     string
	Type     RoomType
	Settings Settings

	participants map[string]*participant
	history      []*Message
	reactions    map[string][]Reaction // message-id -> reactions
	createdAt    time.Time
}

func newRoom(id, name string, roomType RoomType, settings Settings) *Room {
	if settings.RetainedMessages == 0 {
		settings.RetainedMessages = DefaultSettings().RetainedMessages
	}
	if settings.MaxParticipants == 0 {
		settings.MaxParticipants = DefaultSettings().MaxParticipants
	}
	return &Room{
		ID:           id,
		Name:         name,
		Type:         roomType,
		Settings:     settings,
		participants: make(map[string]*participant),
		reactions:    make(map[string][]Reaction),
		createdAt:    time.Now(),
	}
}

func (r *Room) join(userID, name string, role Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.participants[userID]; ok {
		p.Name = name // rejoin refreshes the display name
		return nil
	}
	if len(r.participants) >= r.Settings.MaxParticipants {
		return protocol.NewError(protocol.KindNoFreeSlot, "room %s is full", r.ID)
	}
	if role == "" {
		role = RoleViewer
	}
	r.participants[userID] = &participant{
		UserID:   userID,
		Name:     name,
		Role:     role,
		JoinedAt: time.Now(),
	}
	return nil
}

func (r *Room) leave(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.participants[userID]; !ok {
		return false
	}
	delete(r.participants, userID)
	return true
}

// validateContent trims and bounds text. Returns the cleaned content.
func validateContent(content string) (string, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "", protocol.NewError(protocol.KindEmptyMessage, "message is empty")
	}
	if utf8.RuneCountInString(trimmed) > MaxContentRunes {
		return "", protocol.NewError(protocol.KindMessageTooLong,
			"message exceeds %d characters", MaxContentRunes)
	}
	return trimmed, nil
}

// checkSender enforces membership, mutes, slow mode and the per-user rate
// limit. Callers hold no room lock.
func (r *Room) checkSender(userID string, limits RateLimits, now time.Time) (*participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[userID]
	if !ok {
		return nil, protocol.NewError(protocol.KindNotInRoom, "not a participant of room %s", r.ID)
	}
	if now.Before(p.MuteExpiry) {
		return nil, protocol.NewError(protocol.KindMuted, "muted").
			WithDetail("remainingSeconds", int(p.MuteExpiry.Sub(now).Seconds()+0.5))
	}
	if now.Before(p.cooldownUntil) {
		return nil, protocol.NewError(protocol.KindRateLimited, "cooling down").
			WithDetail("reason", "burst").
			WithDetail("retryAfterSeconds", int(p.cooldownUntil.Sub(now).Seconds()+0.5))
	}
	if r.Settings.SlowModeSeconds > 0 {
		minGap := time.Duration(r.Settings.SlowModeSeconds) * time.Second
		if since := now.Sub(p.lastMessageAt); since < minGap {
			return nil, protocol.NewError(protocol.KindRateLimited, "slow mode").
				WithDetail("reason", "slow_mode").
				WithDetail("retryAfterSeconds", int((minGap - since).Seconds() + 0.5))
		}
	}

	// Sliding windows: one second and one minute, plus a short burst gate.
	cutoffMinute := now.Add(-time.Minute)
	kept := p.recent[:0]
	for _, t := range p.recent {
		if t.After(cutoffMinute) {
			kept = append(kept, t)
		}
	}
	p.recent = kept

	perSecond := 0
	burst := 0
	cutoffSecond := now.Add(-time.Second)
	cutoffBurst := now.Add(-2 * time.Second)
	for _, t := range p.recent {
		if t.After(cutoffSecond) {
			perSecond++
		}
		if t.After(cutoffBurst) {
			burst++
		}
	}

	switch {
	case perSecond >= limits.MessagesPerSecond:
		return nil, protocol.NewError(protocol.KindRateLimited, "too many messages").
			WithDetail("reason", "per_second").
			WithDetail("retryAfterSeconds", 1)
	case len(p.recent) >= limits.MessagesPerMinute:
		return nil, protocol.NewError(protocol.KindRateLimited, "too many messages").
			WithDetail("reason", "per_minute").
			WithDetail("retryAfterSeconds", 60)
	case burst >= limits.BurstLimit:
		p.cooldownUntil = now.Add(limits.Cooldown)
		return nil, protocol.NewError(protocol.KindRateLimited, "burst detected").
			WithDetail("reason", "burst").
			WithDetail("retryAfterSeconds", int(limits.Cooldown.Seconds()+0.5))
	}

	p.recent = append(p.recent, now)
	p.lastMessageAt = now
	p.MessageCount++
	return p, nil
}

// append stores a message and enforces retention: when the bound is
// crossed the oldest messages and their reactions drop.
func (r *Room) append(msg *Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.history = append(r.history, msg)
	for len(r.history) > r.Settings.RetainedMessages {
		oldest := r.history[0]
		r.history = r.history[1:]
		delete(r.reactions, oldest.ID)
	}
}

func (r *Room) findMessage(messageID string) *Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.history {
		if m.ID == messageID {
			return m
		}
	}
	return nil
}

func (r *Room) roleOf(userID string) (Role, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.participants[userID]
	if !ok {
		return "", false
	}
	return p.Role, true
}

func isModerator(role Role) bool {
	return role == RoleModerator || role == RoleOwner
}

// History returns up to limit most recent messages, oldest first.
func (r *Room) History(limit int) []*Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 || limit > len(r.history) {
		limit = len(r.history)
	}
	out := make([]*Message, limit)
	copy(out, r.history[len(r.history)-limit:])
	return out
}

// ParticipantCount returns the current membership size.
func (r *Room) ParticipantCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.participants)
}

// Reactions returns a copy of the reactions on a message.
func (r *Room) Reactions(messageID string) []Reaction {
	r.mu.Lock()
	defer r.mu.Unlock()
	src := r.reactions[messageID]
	out := make([]Reaction, len(src))
	copy(out, src)
	return out
}

func newMessageID() string {
	return uuid.NewString()
}
