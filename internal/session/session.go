package session

import (
	cryptorand "crypto/rand"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"liku-server/internal/agent"
	"liku-server/internal/game"
	"liku-server/internal/protocol"
)

type Status string

const (
	StatusWaiting  Status = "waiting"
	StatusReady    Status = "ready"
	StatusPlaying  Status = "playing"
	StatusPaused   Status = "paused"
	StatusFinished Status = "finished"
)

// Session lifecycle events fanned out to subscribers.
const (
	EventPlayerJoined    = "PlayerJoined"
	EventSpectatorJoined = "SpectatorJoined"
	EventPlayerLeft      = "PlayerLeft"
	EventSpectatorLeft   = "SpectatorLeft"
	EventGameStarted     = "GameStarted"
	EventMoveMade        = "MoveMade"
	EventGameEnded       = "GameEnded"
	EventTurnTimeout     = "TurnTimeout"
	EventSessionReset    = "SessionReset"
)

// StartPolicyRandom picks the starting slot by coin flip; any other value
// names the slot explicitly.
const StartPolicyRandom = "random"

// PlayerRef is a seat binding. Agents are referenced by id only; lookups go
// through the registry, never through shared pointers.
type PlayerRef struct {
	AgentID string     `json:"agentId"`
	Name    string     `json:"name"`
	Type    agent.Type `json:"type"`
}

// MoveRecord is one entry of the append-only move history.
type MoveRecord struct {
	Number  int         `json:"number"`
	Slot    string      `json:"slot"`
	AgentID string      `json:"agentId"`
	Action  game.Action `json:"action"`
	Reason  string      `json:"reason,omitempty"`
	At      time.Time   `json:"at"`
}

// CreateParams configures a new session.
type CreateParams struct {
	GameType          string
	Mode              string // human_vs_human, human_vs_ai, ai_vs_ai
	TurnBudget        time.Duration
	BudgetMode        game.TurnBudgetMode // used when TurnBudget is zero
	SpectatorsAllowed bool
	StartPolicy       string // StartPolicyRandom or an explicit slot
	RandomSlots       bool
	AutoStart         bool
	RematchSwapSlots  bool
}

// Session is the authoritative arbiter of one game. Every mutating
// operation takes the session lock; observers never see a half-applied
// move. Event sinks are invoked under the lock and must not call back in.
type Session struct {
	mu sync.Mutex

	ID       string
	GameType string
	Mode     string

	proto  game.Protocol
	state  game.State
	params CreateParams

	players    map[string]*PlayerRef // slot -> player
	ready      map[string]bool
	spectators map[string]*PlayerRef // agent-id -> viewer

	history []MoveRecord
	status  Status

	createdAt    time.Time
	startedAt    time.Time
	endedAt      time.Time
	lastActivity time.Time

	turnBudget time.Duration
	clock      *turnClock

	winner    string
	endReason string

	sink    Sink
	onEnded func(s *Session, winner, reason string)
}

// Sink receives session events. Implementations must be non-blocking and
// must not acquire the session lock.
type Sink interface {
	PublishSessionEvent(sessionID, event string, data map[string]interface{})
}

func newSession(proto game.Protocol, params CreateParams, sink Sink, onEnded func(*Session, string, string)) *Session {
	budget := params.TurnBudget
	if budget == 0 && params.BudgetMode != "" {
		budget = game.TurnBudget(params.BudgetMode)
	}
	if budget == 0 {
		budget = proto.DefaultTurnBudget()
	}

	now := time.Now()
	s := &Session{
		ID:           uuid.NewString(),
		GameType:     proto.Type(),
		Mode:         params.Mode,
		proto:        proto,
		params:       params,
		players:      make(map[string]*PlayerRef),
		ready:        make(map[string]bool),
		spectators:   make(map[string]*PlayerRef),
		status:       StatusWaiting,
		createdAt:    now,
		lastActivity: now,
		turnBudget:   budget,
		sink:         sink,
		onEnded:      onEnded,
	}
	s.state = proto.NewState(s.pickStartSlot())
	s.clock = newTurnClock(budget, s.handleTurnTimeout)
	return s
}

// pickStartSlot resolves the start-player policy. Fair coin flip by default.
func (s *Session) pickStartSlot() string {
	slots := s.proto.Slots()
	policy := s.params.StartPolicy
	if policy != "" && policy != StartPolicyRandom {
		for _, slot := range slots {
			if slot == policy {
				return slot
			}
		}
	}
	return slots[randIntn(len(slots))]
}

// randIntn draws an unbiased index from crypto/rand.
func randIntn(n int) int {
	v, err := cryptorand.Int(cryptorand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0
	}
	return int(v.Int64())
}

// JoinResult reports where a join landed.
type JoinResult struct {
	Slot      string // empty for spectators
	Spectator bool
	Started   bool
}

// Join seats an agent as a player (preferred slot honored while free) or
// adds a spectator.
func (s *Session) Join(agentID, name string, agentType agent.Type, asSpectator bool, preferredSlot string) (JoinResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastActivity = time.Now()

	if asSpectator {
		if !s.params.SpectatorsAllowed {
			return JoinResult{}, protocol.NewError(protocol.KindSpectatorsDisallowed, "session does not allow spectators")
		}
		if len(s.spectators) >= s.proto.MaxSpectators() {
			return JoinResult{}, protocol.NewError(protocol.KindNoFreeSlot, "spectator capacity reached")
		}
		s.spectators[agentID] = &PlayerRef{AgentID: agentID, Name: name, Type: agentType}
		s.publish(EventSpectatorJoined, map[string]interface{}{
			"agentId":        agentID,
			"name":           name,
			"spectatorCount": len(s.spectators),
		})
		return JoinResult{Spectator: true}, nil
	}

	if s.status != StatusWaiting && s.status != StatusReady {
		return JoinResult{}, protocol.NewError(protocol.KindAlreadyStarted, "session already started")
	}
	for slot, ref := range s.players {
		if ref.AgentID == agentID {
			// Rejoining player keeps their seat.
			return JoinResult{Slot: slot}, nil
		}
	}

	slot := s.assignSlot(preferredSlot)
	if slot == "" {
		return JoinResult{}, protocol.NewError(protocol.KindNoFreeSlot, "no free player slot")
	}
	s.players[slot] = &PlayerRef{AgentID: agentID, Name: name, Type: agentType}
	s.publish(EventPlayerJoined, map[string]interface{}{
		"agentId": agentID,
		"name":    name,
		"slot":    slot,
	})

	if s.slotsFilled() && s.status == StatusWaiting {
		s.status = StatusReady
	}
	started := s.maybeStartLocked()
	return JoinResult{Slot: slot, Started: started}, nil
}

func (s *Session) assignSlot(preferred string) string {
	if s.params.RandomSlots {
		preferred = "" // rendezvous sessions ignore side preferences
	}
	if preferred != "" {
		if _, taken := s.players[preferred]; !taken && s.validSlot(preferred) {
			return preferred
		}
	}
	free := s.freeSlots()
	if len(free) == 0 {
		return ""
	}
	if s.params.RandomSlots {
		return free[randIntn(len(free))]
	}
	return free[0]
}

func (s *Session) freeSlots() []string {
	var free []string
	for _, slot := range s.proto.Slots() {
		if _, taken := s.players[slot]; !taken {
			free = append(free, slot)
		}
	}
	return free
}

func (s *Session) validSlot(slot string) bool {
	for _, known := range s.proto.Slots() {
		if known == slot {
			return true
		}
	}
	return false
}

func (s *Session) slotsFilled() bool {
	return len(s.players) == len(s.proto.Slots())
}

// SetReady toggles the ready flag for the calling player and autostarts
// when every seat is filled and ready.
func (s *Session) SetReady(agentID string, ready bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot := s.slotOf(agentID)
	if slot == "" {
		return false, protocol.NewError(protocol.KindNotAPlayer, "agent is not seated in this session")
	}
	if s.status == StatusPlaying || s.status == StatusFinished {
		return false, protocol.NewError(protocol.KindAlreadyStarted, "session already started")
	}
	s.ready[slot] = ready
	s.lastActivity = time.Now()
	return s.maybeStartLocked(), nil
}

func (s *Session) maybeStartLocked() bool {
	if !s.params.AutoStart {
		return false
	}
	if s.status != StatusWaiting && s.status != StatusReady {
		return false
	}
	if !s.slotsFilled() {
		return false
	}
	for _, slot := range s.proto.Slots() {
		if !s.ready[slot] {
			return false
		}
	}
	s.startLocked()
	return true
}

func (s *Session) startLocked() {
	now := time.Now()
	s.status = StatusPlaying
	s.startedAt = now
	s.lastActivity = now
	s.clock.start(s.state.Current())
	s.publish(EventGameStarted, map[string]interface{}{
		"startingPlayer": s.state.Current(),
		"players":        s.playersView(),
		"state":          s.state.Snapshot(),
	})
}

func (s *Session) slotOf(agentID string) string {
	for slot, ref := range s.players {
		if ref.AgentID == agentID {
			return slot
		}
	}
	return ""
}

// SubmitMove validates and applies one move. The whole sequence runs under
// the session lock; no observer sees intermediate state.
func (s *Session) SubmitMove(agentID string, action game.Action, reason string) (MoveRecord, game.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot := s.slotOf(agentID)
	if slot == "" {
		return MoveRecord{}, game.Result{}, protocol.NewError(protocol.KindNotAPlayer, "agent is not seated in this session")
	}
	if s.status != StatusPlaying {
		return MoveRecord{}, game.Result{}, protocol.NewError(protocol.KindNotInProgress, "session is not in progress")
	}
	if current := s.state.Current(); current != slot {
		return MoveRecord{}, game.Result{}, protocol.NewError(protocol.KindNotYourTurn, "it is %s's turn", current)
	}
	if err := s.state.Legal(slot, action); err != nil {
		return MoveRecord{}, game.Result{}, protocol.NewError(protocol.KindIllegalMove, "%v", err)
	}

	result, err := s.state.Apply(slot, action)
	if err != nil {
		return MoveRecord{}, game.Result{}, protocol.NewError(protocol.KindIllegalMove, "%v", err)
	}

	record := MoveRecord{
		Number:  len(s.history) + 1,
		Slot:    slot,
		AgentID: agentID,
		Action:  action,
		Reason:  reason,
		At:      time.Now(),
	}
	s.history = append(s.history, record)
	s.lastActivity = record.At

	s.publish(EventMoveMade, map[string]interface{}{
		"move":  record,
		"state": s.state.Snapshot(),
	})

	if result.Ended {
		s.finishLocked(result.Winner, "played")
	} else {
		s.clock.start(s.state.Current())
	}
	return record, result, nil
}

// finishLocked freezes the session. Callers hold the lock.
func (s *Session) finishLocked(winner, reason string) {
	if s.status == StatusFinished {
		return
	}
	s.status = StatusFinished
	s.winner = winner
	s.endReason = reason
	s.endedAt = time.Now()
	s.clock.stop()

	data := map[string]interface{}{
		"winner": winner,
		"reason": reason,
		"state":  s.state.Snapshot(),
	}
	if line := s.state.WinningLine(); line != nil {
		data["winningLine"] = line
	}
	s.publish(EventGameEnded, data)

	if s.onEnded != nil {
		// Stats recording happens off the session lock.
		go s.onEnded(s, winner, reason)
	}
}

// Leave removes an agent. A player leaving a game in progress forfeits:
// in a two-player zero-sum game the opposing slot wins.
func (s *Session) Leave(agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.spectators[agentID]; ok {
		delete(s.spectators, agentID)
		s.publish(EventSpectatorLeft, map[string]interface{}{
			"agentId":        agentID,
			"spectatorCount": len(s.spectators),
		})
		return nil
	}

	slot := s.slotOf(agentID)
	if slot == "" {
		return protocol.NewError(protocol.KindNotAPlayer, "agent is not in this session")
	}

	s.publish(EventPlayerLeft, map[string]interface{}{
		"agentId": agentID,
		"slot":    slot,
	})

	if s.status == StatusPlaying {
		s.forfeitLocked(slot)
		return nil
	}

	delete(s.players, slot)
	delete(s.ready, slot)
	if s.status == StatusReady {
		s.status = StatusWaiting
	}
	return nil
}

// forfeitLocked ends a running game against the named slot.
func (s *Session) forfeitLocked(loser string) {
	winner := ""
	slots := s.proto.Slots()
	if len(slots) == 2 {
		if slots[0] == loser {
			winner = slots[1]
		} else {
			winner = slots[0]
		}
	}
	s.finishLocked(winner, "forfeit")
}

// Forfeit resigns the calling player's position.
func (s *Session) Forfeit(agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot := s.slotOf(agentID)
	if slot == "" {
		return protocol.NewError(protocol.KindNotAPlayer, "agent is not seated in this session")
	}
	if s.status != StatusPlaying {
		return protocol.NewError(protocol.KindNotInProgress, "session is not in progress")
	}
	s.forfeitLocked(slot)
	return nil
}

// handleTurnTimeout applies the game's timeout policy. The clock sequence
// guards against a timer racing a concurrent move.
func (s *Session) handleTurnTimeout(seq int, slot string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusPlaying {
		return
	}
	if curSeq, _ := s.clock.current(); curSeq != seq {
		return // a move restarted the clock while this timer was in flight
	}
	if s.state.Current() != slot {
		return
	}

	s.publish(EventTurnTimeout, map[string]interface{}{"slot": slot})

	switch s.proto.TimeoutPolicy() {
	case game.TimeoutForfeit:
		s.forfeitLocked(slot)
	case game.TimeoutSkip, game.TimeoutNone:
		// No state change; re-arm so the slot is probed again.
		s.clock.start(slot)
	}
}

// RematchConfig tunes Reset. SwapSlots defaults from the session params.
type RematchConfig struct {
	SwapSlots *bool
}

// Reset starts a rematch with the same players: fresh board, cleared ready
// flags, slots optionally swapped, starter re-picked per the start policy.
func (s *Session) Reset(cfg RematchConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusFinished {
		return protocol.NewError(protocol.KindNotInProgress, "session has not finished")
	}

	swap := s.params.RematchSwapSlots
	if cfg.SwapSlots != nil {
		swap = *cfg.SwapSlots
	}
	slots := s.proto.Slots()
	if swap && len(slots) == 2 {
		a, b := s.players[slots[0]], s.players[slots[1]]
		s.players[slots[0]], s.players[slots[1]] = b, a
	}

	// A random start policy re-rolls after the swap; explicit policies keep
	// their named slot.
	s.state = s.proto.NewState(s.pickStartSlot())
	s.history = nil
	s.ready = make(map[string]bool)
	s.status = StatusWaiting
	s.winner = ""
	s.endReason = ""
	s.startedAt = time.Time{}
	s.endedAt = time.Time{}
	s.lastActivity = time.Now()

	s.publish(EventSessionReset, map[string]interface{}{
		"players": s.playersView(),
		"state":   s.state.Snapshot(),
	})
	return nil
}

func (s *Session) publish(event string, data map[string]interface{}) {
	if s.sink != nil {
		s.sink.PublishSessionEvent(s.ID, event, data)
	}
}

func (s *Session) playersView() map[string]interface{} {
	view := make(map[string]interface{}, len(s.players))
	for slot, ref := range s.players {
		view[slot] = map[string]interface{}{
			"agentId": ref.AgentID,
			"name":    ref.Name,
			"type":    ref.Type,
		}
	}
	return view
}

// Accessors below take the lock so readers never observe torn state.

// Status returns the lifecycle status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// CurrentSlot returns the slot to move, or "" unless playing.
func (s *Session) CurrentSlot() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusPlaying {
		return ""
	}
	return s.state.Current()
}

// HasPlayer reports whether the agent occupies a slot.
func (s *Session) HasPlayer(agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slotOf(agentID) != ""
}

// SlotOf returns the agent's slot, or "".
func (s *Session) SlotOf(agentID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slotOf(agentID)
}

// HasSpectator reports whether the agent is watching.
func (s *Session) HasSpectator(agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.spectators[agentID]
	return ok
}

// SpectatorCount returns the live viewer count.
func (s *Session) SpectatorCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.spectators)
}

// BroadcastInterval returns the game's spectator broadcast cadence.
func (s *Session) BroadcastInterval() time.Duration {
	return s.proto.BroadcastInterval()
}

// PatchingEnabled reports whether spectator feeds may ship diffs.
func (s *Session) PatchingEnabled() bool {
	return s.proto.PatchingEnabled()
}

// Spectators returns the ids of every live viewer.
func (s *Session) Spectators() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.spectators))
	for id := range s.spectators {
		out = append(out, id)
	}
	return out
}

// MoveCount returns the number of applied moves.
func (s *Session) MoveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}

// History returns a copy of the move history.
func (s *Session) History() []MoveRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]MoveRecord, len(s.history))
	copy(out, s.history)
	return out
}

// StateSnapshot returns the game state view broadcast to spectators.
func (s *Session) StateSnapshot() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Snapshot()
}

// Render returns the terminal view of the position.
func (s *Session) Render() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Render()
}

// LegalActions enumerates the agent's legal moves right now.
func (s *Session) LegalActions(agentID string) []game.Action {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot := s.slotOf(agentID)
	if slot == "" || s.status != StatusPlaying {
		return nil
	}
	return s.state.LegalActions(slot)
}

// Info returns the session metadata for acks and listings.
func (s *Session) Info() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := map[string]interface{}{
		"sessionId":         s.ID,
		"gameType":          s.GameType,
		"mode":              s.Mode,
		"status":            s.status,
		"players":           s.playersView(),
		"spectatorCount":    len(s.spectators),
		"spectatorsAllowed": s.params.SpectatorsAllowed,
		"moveCount":         len(s.history),
		"createdAt":         s.createdAt.UnixMilli(),
		"turnBudgetMs":      s.turnBudget.Milliseconds(),
	}
	if s.status == StatusPlaying {
		info["currentPlayer"] = s.state.Current()
		info["startedAt"] = s.startedAt.UnixMilli()
	}
	if s.status == StatusFinished {
		info["winner"] = s.winner
		info["endReason"] = s.endReason
		info["endedAt"] = s.endedAt.UnixMilli()
	}
	return info
}

// idle reports how long the session has gone without activity.
func (s *Session) idle(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActivity)
}

// finishedFor reports how long ago the session finished, or -1.
func (s *Session) finishedFor(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusFinished {
		return -1
	}
	return now.Sub(s.endedAt)
}

// Abandon force-finishes an idle running session.
func (s *Session) Abandon() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusPlaying {
		s.finishLocked("", "abandoned")
	}
}

// Close stops timers when the manager evicts the session.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock.stop()
}

// Winner returns the winner and end reason once finished.
func (s *Session) Winner() (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.winner, s.endReason
}

// Players returns a copy of the seat map.
func (s *Session) Players() map[string]PlayerRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]PlayerRef, len(s.players))
	for slot, ref := range s.players {
		out[slot] = *ref
	}
	return out
}

// Duration returns game runtime once started.
func (s *Session) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startedAt.IsZero() {
		return 0
	}
	end := s.endedAt
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(s.startedAt)
}
