// Package stats persists finished game results and aggregates win/loss
// records per agent.
package stats

import (
	"context"
	"time"
)

// GameRecord is one finished game.
type GameRecord struct {
	SessionID  string            `bson:"sessionId" json:"sessionId"`
	GameType   string            `bson:"gameType" json:"gameType"`
	Winner     string            `bson:"winner" json:"winner"` // slot, "draw", or ""
	Reason     string            `bson:"reason" json:"reason"`
	Players    map[string]Player `bson:"players" json:"players"` // slot -> player
	Moves      int               `bson:"moves" json:"moves"`
	DurationMs int64             `bson:"durationMs" json:"durationMs"`
	EndedAt    time.Time         `bson:"endedAt" json:"endedAt"`
}

type Player struct {
	AgentID string `bson:"agentId" json:"agentId"`
	Name    string `bson:"name" json:"name"`
	Type    string `bson:"type" json:"type"`
}

// LeaderboardEntry aggregates one agent's record.
type LeaderboardEntry struct {
	AgentID string `bson:"_id" json:"agentId"`
	Name    string `bson:"name" json:"name"`
	Wins    int    `bson:"wins" json:"wins"`
	Losses  int    `bson:"losses" json:"losses"`
	Draws   int    `bson:"draws" json:"draws"`
	Games   int    `bson:"games" json:"games"`
}

// Store records results and serves the leaderboard.
type Store interface {
	RecordResult(ctx context.Context, rec GameRecord) error
	Leaderboard(ctx context.Context, gameType string, limit int) ([]LeaderboardEntry, error)
	Close(ctx context.Context) error
}
