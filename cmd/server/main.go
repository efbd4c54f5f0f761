package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"liku-server/internal/agent"
	"liku-server/internal/auth"
	"liku-server/internal/chat"
	"liku-server/internal/config"
	"liku-server/internal/game"
	"liku-server/internal/health"
	"liku-server/internal/hub"
	"liku-server/internal/matchmaking"
	"liku-server/internal/protocol"
	"liku-server/internal/ratelimit"
	"liku-server/internal/router"
	"liku-server/internal/session"
	"liku-server/internal/spectator"
	"liku-server/internal/stats"
)

func main() {
	env := config.GetEnv()
	cfg, err := config.Load(env)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	log.Printf("Starting liku server in %s mode", cfg.Environment)

	// Statistics store: Mongo when configured, in-memory otherwise.
	var store stats.Store
	if cfg.Stats.MongoURI != "" {
		mongoStore, err := stats.NewMongoStore(cfg.Stats.MongoURI, cfg.Stats.Database)
		if err != nil {
			log.Fatalf("Failed to connect to MongoDB: %v", err)
		}
		store = mongoStore
		log.Printf("Connected to MongoDB database: %s", cfg.Stats.Database)
	} else {
		store = stats.NewMemoryStore()
		log.Println("Stats store running in-memory (no mongoUri configured)")
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		store.Close(ctx)
	}()

	tokens, err := auth.NewTokenService(cfg.Auth.Secret, cfg.Auth.Algorithm, cfg.Auth.Issuer, cfg.Auth.Audience)
	if err != nil {
		log.Fatalf("Failed to initialize token service: %v", err)
	}
	apiKeys := auth.NewAPIKeyService(cfg.Auth.AdminKeyHashes)

	metrics := health.NewMetrics()
	agents := agent.NewRegistry()

	games := game.NewProtocolRegistry()
	games.Register(game.NewTicTacToe())

	h := hub.New(hub.Options{
		Tokens:        tokens,
		TokenRequired: cfg.Auth.TokenRequired,
		MaxClients:    cfg.Server.MaxClients,
		Heartbeat:     cfg.HeartbeatInterval(),
		Metrics:       metrics,
	})

	sessions := session.NewManager(games, h, session.ManagerConfig{
		FinishedTTL:  time.Duration(cfg.Session.FinishedTTLMinutes) * time.Minute,
		AbandonedTTL: time.Duration(cfg.Session.AbandonedTTLMinutes) * time.Minute,
		SweepEvery:   time.Duration(cfg.Session.SweepSeconds) * time.Second,
	})
	sessions.SetRecorder(func(sessionID, gameType, winner, reason string, players map[string]session.PlayerRef, moves int, duration time.Duration) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rec := stats.GameRecord{
			SessionID:  sessionID,
			GameType:   gameType,
			Winner:     winner,
			Reason:     reason,
			Players:    make(map[string]stats.Player, len(players)),
			Moves:      moves,
			DurationMs: duration.Milliseconds(),
			EndedAt:    time.Now(),
		}
		for slot, ref := range players {
			rec.Players[slot] = stats.Player{AgentID: ref.AgentID, Name: ref.Name, Type: string(ref.Type)}
		}
		if err := store.RecordResult(ctx, rec); err != nil {
			log.Printf("Failed to record result for %s: %v", sessionID, err)
		}
	})
	sessions.Start()
	defer sessions.Stop()

	chatRooms := chat.NewManager(chat.RateLimits{
		MessagesPerSecond: cfg.Chat.MessagesPerSecond,
		MessagesPerMinute: cfg.Chat.MessagesPerMinute,
		BurstLimit:        cfg.Chat.BurstLimit,
		Cooldown:          time.Duration(cfg.Chat.CooldownSeconds) * time.Second,
	}, h)

	cast := spectator.NewBroadcaster(h)
	defer cast.Stop()

	// Session lifecycle fans out to chat (room per session) and the
	// broadcaster (feed teardown).
	sessions.SetObserver(lifecycleObserver{chatRooms, cast})

	matcher := matchmaking.New(sessions, agents, matchmaking.Config{
		TicketTTL:         time.Duration(cfg.Matchmaking.TicketTTLMinutes) * time.Minute,
		MaxTicketsPerHost: cfg.Matchmaking.MaxTicketsPerHost,
		SweepEvery:        time.Duration(cfg.Matchmaking.SweepSeconds) * time.Second,
	})
	matcher.SetNotifier(func(agentID string, data map[string]interface{}) {
		if sessionID, ok := data["sessionId"].(string); ok {
			h.SubscribeAgent(agentID, "session:"+sessionID)
			h.SubscribeAgent(agentID, "room:"+sessionID)
		}
		_ = h.SendToAgent(agentID, protocol.NewEvent("matchmaking", "MatchFound", data))
	})
	matcher.Start()
	defer matcher.Stop()

	limiter := ratelimit.New(ratelimit.Config{
		CommandsPerSecond: cfg.RateLimit.CommandsPerSecond,
		BurstCooldown:     time.Duration(cfg.RateLimit.BurstCooldownMs) * time.Millisecond,
		MaxBursts:         cfg.RateLimit.MaxBursts,
		BanDuration:       time.Duration(cfg.RateLimit.BanSeconds) * time.Second,
		BansBeforeLongBan: cfg.RateLimit.BansBeforeLongBan,
		LongBanDuration:   24 * time.Hour,
	})
	defer limiter.Stop()

	h.SetHandler(router.New(router.Deps{
		Hub:      h,
		Agents:   agents,
		Games:    games,
		Sessions: sessions,
		Match:    matcher,
		Chat:     chatRooms,
		Cast:     cast,
		Limiter:  limiter,
		APIKeys:  apiKeys,
	}))

	healthSrv := health.NewServer(
		fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HealthPort),
		cfg.Server.MaxClients,
		metrics,
		health.Gauges{
			CurrentClients: h.CurrentClients,
			SessionCount:   sessions.Count,
			AgentCount:     agents.Count,
			RoomCount:      chatRooms.RoomCount,
			TicketCount:    func() int { return len(matcher.List("")) },
		},
		store,
	)
	healthSrv.Start()

	r := mux.NewRouter()
	r.HandleFunc("/ws", h.HandleWebSocket)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: false,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:        addr,
		Handler:     corsHandler.Handler(r),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("Server listening on %s", addr)
		var err error
		if cfg.TLS.Enabled {
			server.TLSConfig = tlsConfig(cfg.TLS.MinVersion)
			err = server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	h.CloseAll()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	if err := healthSrv.Shutdown(ctx); err != nil {
		log.Printf("Health shutdown error: %v", err)
	}

	log.Println("Server stopped")
}

func tlsConfig(minVersion string) *tls.Config {
	version := uint16(tls.VersionTLS12)
	if minVersion == "1.3" {
		version = tls.VersionTLS13
	}
	return &tls.Config{MinVersion: version}
}

// lifecycleObserver fans session lifecycle out to the components that key
// state by session id.
type lifecycleObserver struct {
	chat *chat.Manager
	cast *spectator.Broadcaster
}

func (o lifecycleObserver) SessionCreated(s *session.Session) {
	o.chat.SessionCreated(s)
}

func (o lifecycleObserver) SessionClosed(sessionID string) {
	o.chat.SessionClosed(sessionID)
	o.cast.SessionClosed(sessionID)
}
