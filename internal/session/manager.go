package session

import (
	"log"
	"sync"
	"time"

	"liku-server/internal/game"
	"liku-server/internal/protocol"
)

// ManagerConfig tunes session retention.
type ManagerConfig struct {
	FinishedTTL  time.Duration // evict finished sessions after this (default 1h)
	AbandonedTTL time.Duration // force-finish idle running sessions (default 2h)
	SweepEvery   time.Duration // reaper cadence (default 1m)
}

func (c *ManagerConfig) applyDefaults() {
	if c.FinishedTTL == 0 {
		c.FinishedTTL = time.Hour
	}
	if c.AbandonedTTL == 0 {
		c.AbandonedTTL = 2 * time.Hour
	}
	if c.SweepEvery == 0 {
		c.SweepEvery = time.Minute
	}
}

// ResultRecorder receives finished game results, e.g. for the statistics
// store. Called off the session lock.
type ResultRecorder func(sessionID, gameType, winner, reason string, players map[string]PlayerRef, moves int, duration time.Duration)

// SessionObserver is notified of session lifecycle for wiring side effects
// (chat room creation, broadcaster teardown).
type SessionObserver interface {
	SessionCreated(s *Session)
	SessionClosed(sessionID string)
}

// Manager owns every live session.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	games    *game.Registry
	sink     Sink
	cfg      ManagerConfig
	recorder ResultRecorder
	observer SessionObserver

	ticker *time.Ticker
	stopCh chan struct{}
}

func NewManager(games *game.Registry, sink Sink, cfg ManagerConfig) *Manager {
	cfg.applyDefaults()
	return &Manager{
		sessions: make(map[string]*Session),
		games:    games,
		sink:     sink,
		cfg:      cfg,
		stopCh:   make(chan struct{}),
	}
}

// SetRecorder registers the game-end statistics hook.
func (m *Manager) SetRecorder(fn ResultRecorder) {
	m.recorder = fn
}

// SetObserver registers the lifecycle observer.
func (m *Manager) SetObserver(obs SessionObserver) {
	m.observer = obs
}

// Start begins the background reaper loop.
func (m *Manager) Start() {
	m.ticker = time.NewTicker(m.cfg.SweepEvery)
	go m.reapLoop()
	log.Println("[Session] Manager started")
}

// Stop halts the reaper.
func (m *Manager) Stop() {
	if m.ticker != nil {
		m.ticker.Stop()
	}
	close(m.stopCh)
	log.Println("[Session] Manager stopped")
}

// Create builds a session for a registered game type.
func (m *Manager) Create(params CreateParams) (*Session, error) {
	proto, err := m.games.Get(params.GameType)
	if err != nil {
		return nil, protocol.NewError(protocol.KindNotFound, "unknown game type %q", params.GameType).
			WithDetail("knownTypes", m.games.Types())
	}

	s := newSession(proto, params, m.sink, m.onSessionEnded)

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	if m.observer != nil {
		m.observer.SessionCreated(s)
	}
	log.Printf("[Session] Created %s (%s, %s)", s.ID, s.GameType, s.Mode)
	return s, nil
}

// Get resolves a session by id.
func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, protocol.NewError(protocol.KindNotFound, "session %s not found", sessionID)
	}
	return s, nil
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// List returns session infos, optionally filtered by status.
func (m *Manager) List(status Status) []map[string]interface{} {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	var out []map[string]interface{}
	for _, s := range sessions {
		if status != "" && s.Status() != status {
			continue
		}
		out = append(out, s.Info())
	}
	return out
}

// AgentInActiveSession reports whether the agent holds a seat in any
// non-terminal session. The registry consults this before tearing an
// agent down.
func (m *Manager) AgentInActiveSession(agentID string) bool {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		if s.Status() != StatusFinished && s.HasPlayer(agentID) {
			return true
		}
	}
	return false
}

// DropSpectator removes a disconnected viewer from every session.
func (m *Manager) DropSpectator(agentID string) {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		if s.HasSpectator(agentID) {
			_ = s.Leave(agentID)
		}
	}
}

func (m *Manager) onSessionEnded(s *Session, winner, reason string) {
	if m.recorder != nil {
		m.recorder(s.ID, s.GameType, winner, reason, s.Players(), s.MoveCount(), s.Duration())
	}
}

func (m *Manager) reapLoop() {
	for {
		select {
		case <-m.ticker.C:
			m.reap()
		case <-m.stopCh:
			return
		}
	}
}

// reap evicts finished sessions past their TTL and force-finishes running
// sessions with no activity past the abandoned deadline.
func (m *Manager) reap() {
	now := time.Now()

	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	var evict []string
	for _, s := range sessions {
		if age := s.finishedFor(now); age >= 0 {
			if age > m.cfg.FinishedTTL {
				evict = append(evict, s.ID)
			}
			continue
		}
		if s.Status() == StatusPlaying && s.idle(now) > m.cfg.AbandonedTTL {
			log.Printf("[Session] Abandoning idle session %s", s.ID)
			s.Abandon()
		}
	}

	for _, id := range evict {
		m.Remove(id)
	}
	if len(evict) > 0 {
		log.Printf("[Session] Reaped %d finished sessions", len(evict))
	}
}

// Remove evicts a session immediately.
func (m *Manager) Remove(sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	s.Close()
	if m.observer != nil {
		m.observer.SessionClosed(sessionID)
	}
}
