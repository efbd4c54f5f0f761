// Package matchmaking pairs strangers through short human-readable codes.
// A host opens a ticket, a guest redeems the code, and both land in a
// freshly created session with coin-flipped sides.
package matchmaking

import (
	cryptorand "crypto/rand"
	"log"
	"math/big"
	"strings"
	"sync"
	"time"

	"liku-server/internal/agent"
	"liku-server/internal/protocol"
	"liku-server/internal/session"
)

// CodePrefix starts every match code.
const CodePrefix = "LIKU-"

// codeAlphabet avoids the ambiguous characters O/0/I/1.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const codeSuffixLen = 5

type TicketStatus string

const (
	TicketWaiting   TicketStatus = "waiting"
	TicketMatched   TicketStatus = "matched"
	TicketCancelled TicketStatus = "cancelled"
)

type Ticket struct {
	Code      string       `json:"code"`
	GameType  string       `json:"gameType"`
	HostID    string       `json:"hostId"`
	HostName  string       `json:"hostName"`
	Status    TicketStatus `json:"status"`
	CreatedAt time.Time    `json:"createdAt"`
	ExpiresAt time.Time    `json:"expiresAt"`
	SessionID string       `json:"sessionId,omitempty"` // set once matched
}

func (t *Ticket) view() map[string]interface{} {
	v := map[string]interface{}{
		"code":      t.Code,
		"gameType":  t.GameType,
		"hostName":  t.HostName,
		"status":    t.Status,
		"createdAt": t.CreatedAt.UnixMilli(),
		"expiresAt": t.ExpiresAt.UnixMilli(),
	}
	if t.SessionID != "" {
		v["sessionId"] = t.SessionID
	}
	return v
}

// MatchNotifier pushes a MatchFound notification to one agent.
type MatchNotifier func(agentID string, data map[string]interface{})

type Config struct {
	TicketTTL         time.Duration // default 30m
	MaxTicketsPerHost int           // default 3
	SweepEvery        time.Duration // default 30s
}

func (c *Config) applyDefaults() {
	if c.TicketTTL == 0 {
		c.TicketTTL = 30 * time.Minute
	}
	if c.MaxTicketsPerHost == 0 {
		c.MaxTicketsPerHost = 3
	}
	if c.SweepEvery == 0 {
		c.SweepEvery = 30 * time.Second
	}
}

type Matchmaker struct {
	mu       sync.RWMutex
	tickets  map[string]*Ticket // code (upper-case) -> ticket
	sessions *session.Manager
	agents   *agent.Registry
	cfg      Config
	notifier MatchNotifier

	ticker *time.Ticker
	stopCh chan struct{}
	now    func() time.Time
}

func New(sessions *session.Manager, agents *agent.Registry, cfg Config) *Matchmaker {
	cfg.applyDefaults()
	return &Matchmaker{
		tickets:  make(map[string]*Ticket),
		sessions: sessions,
		agents:   agents,
		cfg:      cfg,
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
}

// SetNotifier registers the MatchFound push callback.
func (m *Matchmaker) SetNotifier(fn MatchNotifier) {
	m.notifier = fn
}

// Start begins the expiry sweep loop.
func (m *Matchmaker) Start() {
	m.ticker = time.NewTicker(m.cfg.SweepEvery)
	go func() {
		for {
			select {
			case <-m.ticker.C:
				m.sweep()
			case <-m.stopCh:
				return
			}
		}
	}()
	log.Println("[Matchmaker] Started")
}

// Stop halts the sweep loop.
func (m *Matchmaker) Stop() {
	if m.ticker != nil {
		m.ticker.Stop()
	}
	close(m.stopCh)
	log.Println("[Matchmaker] Stopped")
}

// Host opens a ticket. One waiting ticket per host and game type: hosting
// again returns the existing ticket instead of minting a second code.
func (m *Matchmaker) Host(hostID, hostName, gameType string) (*Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	active := 0
	for _, t := range m.tickets {
		if t.HostID != hostID || t.Status != TicketWaiting || now.After(t.ExpiresAt) {
			continue
		}
		if t.GameType == gameType {
			return t, nil
		}
		active++
	}
	if active >= m.cfg.MaxTicketsPerHost {
		return nil, protocol.NewError(protocol.KindPermissionDenied,
			"ticket limit reached (%d)", m.cfg.MaxTicketsPerHost)
	}

	code := m.generateCodeLocked()
	ticket := &Ticket{
		Code:      code,
		GameType:  gameType,
		HostID:    hostID,
		HostName:  hostName,
		Status:    TicketWaiting,
		CreatedAt: now,
		ExpiresAt: now.Add(m.cfg.TicketTTL),
	}
	m.tickets[code] = ticket
	log.Printf("[Matchmaker] %s hosted %s (%s)", hostName, code, gameType)
	return ticket, nil
}

// Join redeems a code. On success a session exists with both players
// seated under a freshly shuffled slot mapping; neither side's preference
// is honored, independent of who hosted.
func (m *Matchmaker) Join(code, guestID, guestName string) (*Ticket, *session.Session, error) {
	folded := foldCode(code)

	m.mu.Lock()
	ticket, ok := m.tickets[folded]
	if !ok {
		m.mu.Unlock()
		return nil, nil, protocol.NewError(protocol.KindNotFound, "match code %s not found", folded)
	}
	now := m.now()
	switch {
	case ticket.Status == TicketMatched:
		m.mu.Unlock()
		return nil, nil, protocol.NewError(protocol.KindAlreadyStarted, "match already started")
	case ticket.Status == TicketCancelled || now.After(ticket.ExpiresAt):
		m.mu.Unlock()
		return nil, nil, protocol.NewError(protocol.KindExpired, "match code %s has expired", folded)
	case ticket.HostID == guestID:
		m.mu.Unlock()
		return nil, nil, protocol.NewError(protocol.KindSelfJoin, "cannot join your own match")
	}
	// Claim the ticket before releasing the lock so a concurrent join of
	// the same code fails with ALREADY_STARTED.
	ticket.Status = TicketMatched
	m.mu.Unlock()

	sess, err := m.createMatchSession(ticket, guestID, guestName)
	if err != nil {
		m.mu.Lock()
		ticket.Status = TicketWaiting
		m.mu.Unlock()
		return nil, nil, err
	}

	m.mu.Lock()
	ticket.SessionID = sess.ID
	m.mu.Unlock()

	m.notifyMatched(ticket, sess, guestID)
	log.Printf("[Matchmaker] %s matched: %s vs %s -> session %s",
		ticket.Code, ticket.HostName, guestName, sess.ID)
	return ticket, sess, nil
}

func (m *Matchmaker) createMatchSession(ticket *Ticket, guestID, guestName string) (*session.Session, error) {
	hostType := agent.TypeHuman
	guestType := agent.TypeHuman
	if a, err := m.agents.Get(ticket.HostID); err == nil {
		hostType = a.Type
	}
	if a, err := m.agents.Get(guestID); err == nil {
		guestType = a.Type
	}

	sess, err := m.sessions.Create(session.CreateParams{
		GameType:          ticket.GameType,
		Mode:              modeOf(hostType, guestType),
		SpectatorsAllowed: true,
		StartPolicy:       session.StartPolicyRandom,
		RandomSlots:       true,
		AutoStart:         true,
		RematchSwapSlots:  true,
	})
	if err != nil {
		return nil, err
	}

	if _, err := sess.Join(ticket.HostID, ticket.HostName, hostType, false, ""); err != nil {
		return nil, err
	}
	if _, err := sess.Join(guestID, guestName, guestType, false, ""); err != nil {
		return nil, err
	}
	// Matchmade games skip the ready handshake.
	if _, err := sess.SetReady(ticket.HostID, true); err != nil {
		return nil, err
	}
	if _, err := sess.SetReady(guestID, true); err != nil {
		return nil, err
	}
	return sess, nil
}

func (m *Matchmaker) notifyMatched(ticket *Ticket, sess *session.Session, guestID string) {
	if m.notifier == nil {
		return
	}
	slots := make(map[string]interface{})
	for slot, ref := range sess.Players() {
		slots[ref.AgentID] = slot
	}
	data := map[string]interface{}{
		"matchCode":      ticket.Code,
		"sessionId":      sess.ID,
		"gameType":       ticket.GameType,
		"startingPlayer": sess.CurrentSlot(),
		"slots":          slots,
	}
	m.notifier(ticket.HostID, data)
	m.notifier(guestID, data)
}

// Cancel withdraws a waiting ticket. Host only.
func (m *Matchmaker) Cancel(code, agentID string) error {
	folded := foldCode(code)
	m.mu.Lock()
	defer m.mu.Unlock()

	ticket, ok := m.tickets[folded]
	if !ok {
		return protocol.NewError(protocol.KindNotFound, "match code %s not found", folded)
	}
	if ticket.HostID != agentID {
		return protocol.NewError(protocol.KindPermissionDenied, "only the host may cancel")
	}
	if ticket.Status != TicketWaiting {
		return protocol.NewError(protocol.KindAlreadyStarted, "match already started")
	}
	ticket.Status = TicketCancelled
	delete(m.tickets, folded)
	return nil
}

// List returns waiting tickets excluding the caller's own.
func (m *Matchmaker) List(callerID string) []map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	var out []map[string]interface{}
	for _, t := range m.tickets {
		if t.Status != TicketWaiting || t.HostID == callerID || now.After(t.ExpiresAt) {
			continue
		}
		out = append(out, t.view())
	}
	return out
}

// Lookup resolves a ticket by code without mutating it.
func (m *Matchmaker) Lookup(code string) (*Ticket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tickets[foldCode(code)]
	if !ok {
		return nil, protocol.NewError(protocol.KindNotFound, "match code not found")
	}
	return t, nil
}

// sweep drops expired waiting tickets and stale matched records.
func (m *Matchmaker) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for code, t := range m.tickets {
		expired := t.Status == TicketWaiting && now.After(t.ExpiresAt)
		stale := t.Status == TicketMatched && now.After(t.ExpiresAt.Add(m.cfg.TicketTTL))
		if expired || stale {
			delete(m.tickets, code)
			removed++
		}
	}
	if removed > 0 {
		log.Printf("[Matchmaker] Swept %d tickets", removed)
	}
}

// generateCodeLocked mints an unused code. Collisions retry; the space is
// 32^5 so a handful of attempts always suffices.
func (m *Matchmaker) generateCodeLocked() string {
	for {
		suffix := make([]byte, codeSuffixLen)
		for i := range suffix {
			suffix[i] = codeAlphabet[randIndex(len(codeAlphabet))]
		}
		code := CodePrefix + string(suffix)
		if _, exists := m.tickets[code]; !exists {
			return code
		}
	}
}

func modeOf(a, b agent.Type) string {
	switch {
	case a == agent.TypeAI && b == agent.TypeAI:
		return "ai_vs_ai"
	case a == agent.TypeAI || b == agent.TypeAI:
		return "human_vs_ai"
	default:
		return "human_vs_human"
	}
}

func randIndex(n int) int {
	v, err := cryptorand.Int(cryptorand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0
	}
	return int(v.Int64())
}

// foldCode normalizes a user-supplied code for case-insensitive lookup.
// The prefix is optional on input.
func foldCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code != "" && !strings.HasPrefix(code, CodePrefix) {
		code = CodePrefix + code
	}
	return code
}
