// Package game defines the pluggable game-protocol contract. The session
// manager is game-agnostic; each turn-based game implements this interface.
package game

import (
	"errors"
	"sync"
	"time"
)

// Action is a game-specific move payload as decoded from the wire.
type Action map[string]interface{}

// Result reports what applying an action did to the state.
type Result struct {
	Valid  bool
	Ended  bool
	Winner string  // occupied slot, "draw", or "" while running
	Reward float64 // from the mover's perspective: 1 win, 0.5 draw, 0 otherwise
}

// TimeoutPolicy decides what a turn timeout does.
type TimeoutPolicy string

const (
	TimeoutForfeit TimeoutPolicy = "forfeit"
	TimeoutSkip    TimeoutPolicy = "skip"
	TimeoutNone    TimeoutPolicy = "none"
)

// State is one live game position. Implementations are not safe for
// concurrent use; the owning session serializes access under its lock.
type State interface {
	// Current returns the slot to move, or "" when the game is over.
	Current() string
	// Legal reports whether slot may play action right now.
	Legal(slot string, action Action) error
	// Apply mutates the state with a legal action and reports the outcome.
	Apply(slot string, action Action) (Result, error)
	// LegalActions enumerates every action slot could play.
	LegalActions(slot string) []Action
	// Terminal reports whether the game ended and who won ("draw" for draws).
	Terminal() (bool, string)
	// WinningLine returns the winning cells as {row,col} maps, if any.
	WinningLine() []map[string]int
	// Snapshot returns the JSON-shaped view broadcast to spectators.
	Snapshot() map[string]interface{}
	// Render returns a terminal-friendly view of the position.
	Render() string
}

// Protocol describes one game type and constructs its states.
type Protocol interface {
	Type() string
	Slots() []string
	NewState(startSlot string) State
	// BroadcastInterval paces the spectator broadcaster for this game.
	BroadcastInterval() time.Duration
	MaxSpectators() int
	PatchingEnabled() bool
	// DefaultTurnBudget is the per-turn clock; zero disables the turn timer.
	DefaultTurnBudget() time.Duration
	TimeoutPolicy() TimeoutPolicy
}

var ErrUnknownGame = errors.New("unknown game type")

// Registry maps game-type tags to protocols.
type Registry struct {
	mu        sync.RWMutex
	protocols map[string]Protocol
}

func NewProtocolRegistry() *Registry {
	return &Registry{protocols: make(map[string]Protocol)}
}

func (r *Registry) Register(p Protocol) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.protocols[p.Type()] = p
}

func (r *Registry) Get(gameType string) (Protocol, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.protocols[gameType]
	if !ok {
		return nil, ErrUnknownGame
	}
	return p, nil
}

// Types lists registered game-type tags.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.protocols))
	for t := range r.protocols {
		out = append(out, t)
	}
	return out
}
