package stats

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore persists game results in MongoDB.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
}

func NewMongoStore(uri, database string) (*MongoStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clientOptions := options.Client().
		ApplyURI(uri).
		SetMaxPoolSize(100).
		SetMinPoolSize(5).
		SetMaxConnIdleTime(5 * time.Minute)
	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	s := &MongoStore{
		client: client,
		db:     client.Database(database),
	}
	go s.ensureIndexes()
	return s, nil
}

// ensureIndexes creates all required indexes. Called once on startup.
func (s *MongoStore) ensureIndexes() {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	models := []mongo.IndexModel{
		{Keys: bson.D{{Key: "sessionId", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "gameType", Value: 1}, {Key: "endedAt", Value: -1}}},
		{Keys: bson.D{{Key: "endedAt", Value: -1}}},
	}
	if _, err := s.games().Indexes().CreateMany(ctx, models); err != nil {
		log.Printf("[Stats] Warning: failed to create indexes on games: %v", err)
		return
	}
	log.Println("[Stats] Database indexes ensured")
}

func (s *MongoStore) games() *mongo.Collection {
	return s.db.Collection("games")
}

// RecordResult upserts by session id so a replayed end event never double
// counts.
func (s *MongoStore) RecordResult(ctx context.Context, rec GameRecord) error {
	filter := bson.M{"sessionId": rec.SessionID}
	update := bson.M{"$set": rec}
	_, err := s.games().UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to record result: %w", err)
	}
	return nil
}

// Leaderboard aggregates wins, losses and draws per agent, sorted by wins.
func (s *MongoStore) Leaderboard(ctx context.Context, gameType string, limit int) ([]LeaderboardEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	filter := bson.M{}
	if gameType != "" {
		filter["gameType"] = gameType
	}

	cursor, err := s.games().Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to query games: %w", err)
	}
	defer cursor.Close(ctx)

	var records []GameRecord
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("failed to decode games: %w", err)
	}
	return aggregate(records, limit), nil
}

// Clear drops every stored game record. Maintenance use only.
func (s *MongoStore) Clear(ctx context.Context) (int64, error) {
	result, err := s.games().DeleteMany(ctx, bson.M{})
	if err != nil {
		return 0, fmt.Errorf("failed to delete games: %w", err)
	}
	return result.DeletedCount, nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// aggregate folds raw records into per-agent tallies. Shared with the
// in-memory store.
func aggregate(records []GameRecord, limit int) []LeaderboardEntry {
	byAgent := make(map[string]*LeaderboardEntry)
	entry := func(p Player) *LeaderboardEntry {
		e, ok := byAgent[p.AgentID]
		if !ok {
			e = &LeaderboardEntry{AgentID: p.AgentID, Name: p.Name}
			byAgent[p.AgentID] = e
		}
		e.Name = p.Name
		return e
	}

	for _, rec := range records {
		for slot, p := range rec.Players {
			e := entry(p)
			e.Games++
			switch {
			case rec.Winner == "draw":
				e.Draws++
			case rec.Winner == slot:
				e.Wins++
			case rec.Winner != "":
				e.Losses++
			}
		}
	}

	out := make([]LeaderboardEntry, 0, len(byAgent))
	for _, e := range byAgent {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Wins != out[j].Wins {
			return out[i].Wins > out[j].Wins
		}
		return out[i].Games > out[j].Games
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
