package stats

import (
	"context"
	"sync"
)

// MemoryStore keeps results in process memory. Used when no MongoDB URI is
// configured; results do not survive a restart.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]GameRecord // session id -> record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]GameRecord)}
}

func (s *MemoryStore) RecordResult(_ context.Context, rec GameRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.SessionID] = rec
	return nil
}

func (s *MemoryStore) Leaderboard(_ context.Context, gameType string, limit int) ([]LeaderboardEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.RLock()
	records := make([]GameRecord, 0, len(s.records))
	for _, rec := range s.records {
		if gameType != "" && rec.GameType != gameType {
			continue
		}
		records = append(records, rec)
	}
	s.mu.RUnlock()
	return aggregate(records, limit), nil
}

func (s *MemoryStore) Close(context.Context) error {
	return nil
}
