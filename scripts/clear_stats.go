package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"liku-server/internal/config"
	"liku-server/internal/stats"
)

func main() {
	cfg, err := config.Load(config.GetEnv())
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Stats.MongoURI == "" {
		log.Fatal("No Mongo URI configured; nothing to clear")
	}

	store, err := stats.NewMongoStore(cfg.Stats.MongoURI, cfg.Stats.Database)
	if err != nil {
		log.Fatalf("Failed to connect to MongoDB: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		store.Close(ctx)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	deleted, err := store.Clear(ctx)
	if err != nil {
		log.Fatalf("Failed to clear game records: %v", err)
	}
	fmt.Printf("Deleted %d game records\n", deleted)
}
