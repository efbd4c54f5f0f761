// Package agent tracks stable client identities. An agent outlives any
// single connection and may hold several at once; connections refer to
// agents by id, never by pointer.
package agent

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"liku-server/internal/utils"
)

type Type string

const (
	TypeHuman     Type = "human"
	TypeAI        Type = "ai"
	TypeSpectator Type = "spectator"
)

type Role string

const (
	RolePlayer    Role = "player"
	RoleSpectator Role = "spectator"
	RoleAdmin     Role = "admin"
)

var ErrNotFound = errors.New("agent not found")

type Agent struct {
	ID            string                 `json:"id"`
	Name          string                 `json:"name"`
	Type          Type                   `json:"type"`
	Role          Role                   `json:"role"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt     time.Time              `json:"createdAt"`
	LastActivity  time.Time              `json:"lastActivity"`
	Commands      int64                  `json:"commands"`
	Queries       int64                  `json:"queries"`
	MeanLatencyMs float64                `json:"meanLatencyMs"`

	connections map[string]bool
}

// ConnectionCount returns the number of live connections bound to the agent.
func (a *Agent) ConnectionCount() int {
	return len(a.connections)
}

// RegisterRequest carries everything the handshake knows about a client.
type RegisterRequest struct {
	Name     string
	TypeHint Type
	Role     Role
	AgentID  string // from validated token claims; empty allocates fresh
	Metadata map[string]interface{}
}

// Registry is the authoritative agent table.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Agent
	byConn map[string]string // connection-id -> agent-id
}

func NewRegistry() *Registry {
	return &Registry{
		agents: make(map[string]*Agent),
		byConn: make(map[string]string),
	}
}

// Register resolves or allocates an identity and binds it to a connection.
// A valid token subject rebinds the existing agent; anything else gets a
// fresh UUID.
func (r *Registry) Register(connID string, req RegisterRequest) *Agent {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	var a *Agent
	if req.AgentID != "" {
		a = r.agents[req.AgentID]
	}
	if a == nil {
		id := req.AgentID
		if id == "" {
			id = uuid.NewString()
		}
		agentType := req.TypeHint
		if agentType == "" {
			agentType = TypeHuman
		}
		role := req.Role
		if role == "" {
			role = RolePlayer
		}
		a = &Agent{
			ID:          id,
			Name:        utils.DisplayNameOrRandom(req.Name),
			Type:        agentType,
			Role:        role,
			Metadata:    req.Metadata,
			CreatedAt:   now,
			connections: make(map[string]bool),
		}
		r.agents[a.ID] = a
	} else if name := utils.SanitizeDisplayName(req.Name); name != "" {
		a.Name = name
	}

	a.LastActivity = now
	a.connections[connID] = true
	r.byConn[connID] = a.ID
	return a
}

// Get looks up an agent by id.
func (r *Registry) Get(agentID string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	return a, nil
}

// GetByConnection looks up the agent bound to a connection.
func (r *Registry) GetByConnection(connID string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byConn[connID]
	if !ok {
		return nil, ErrNotFound
	}
	a, ok := r.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return a, nil
}

// ReleaseConnection unbinds a closed connection. The agent is torn down
// once its last connection is gone and inActiveSession reports false.
// Returns the agent and whether it was removed.
func (r *Registry) ReleaseConnection(connID string, inActiveSession func(agentID string) bool) (*Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byConn[connID]
	if !ok {
		return nil, false
	}
	delete(r.byConn, connID)

	a, ok := r.agents[id]
	if !ok {
		return nil, false
	}
	delete(a.connections, connID)

	if len(a.connections) == 0 && (inActiveSession == nil || !inActiveSession(id)) {
		delete(r.agents, id)
		return a, true
	}
	return a, false
}

// Touch updates last-activity for the agent behind a connection.
func (r *Registry) Touch(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byConn[connID]; ok {
		if a, ok := r.agents[id]; ok {
			a.LastActivity = time.Now()
		}
	}
}

// RecordCommand feeds the command counter and the running latency mean.
func (r *Registry) RecordCommand(agentID string, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if !ok {
		return
	}
	a.Commands++
	ms := float64(latency.Microseconds()) / 1000.0
	// Incremental mean: avoids keeping per-command history.
	a.MeanLatencyMs += (ms - a.MeanLatencyMs) / float64(a.Commands)
	a.LastActivity = time.Now()
}

// RecordQuery feeds the query counter.
func (r *Registry) RecordQuery(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.agents[agentID]; ok {
		a.Queries++
		a.LastActivity = time.Now()
	}
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
