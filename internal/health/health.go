// Package health serves the operational sidecar: liveness, readiness,
// a rich health document, Prometheus-format metrics and the leaderboard.
// It listens on its own port so game traffic and probes never share a
// listener.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"liku-server/internal/protocol"
	"liku-server/internal/stats"
)

// Gauges supplies point-in-time values owned by other components.
type Gauges struct {
	CurrentClients func() int
	SessionCount   func() int
	AgentCount     func() int
	RoomCount      func() int
	TicketCount    func() int
}

type Server struct {
	srv        *http.Server
	metrics    *Metrics
	gauges     Gauges
	store      stats.Store
	maxClients int
	startedAt  time.Time
}

func NewServer(addr string, maxClients int, metrics *Metrics, gauges Gauges, store stats.Store) *Server {
	s := &Server{
		metrics:    metrics,
		gauges:     gauges,
		store:      store,
		maxClients: maxClients,
		startedAt:  time.Now(),
	}

	r := mux.NewRouter()
	r.HandleFunc("/live", s.handleLive).Methods("GET")
	r.HandleFunc("/ready", s.handleReady).Methods("GET")
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/metrics", s.handleMetrics).Methods("GET")
	r.HandleFunc("/leaderboard", s.handleLeaderboard).Methods("GET")

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start serves in the background.
func (s *Server) Start() {
	go func() {
		log.Printf("[Health] Listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[Health] Server error: %v", err)
		}
	}()
}

// Shutdown drains the health listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "alive",
		"timestamp": time.Now().UnixMilli(),
	})
}

// handleReady returns 503 once the client cap is reached so load balancers
// steer new connections elsewhere.
func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	current := s.gauges.CurrentClients()
	doc := map[string]interface{}{
		"clients":    current,
		"maxClients": s.maxClients,
	}
	if current >= s.maxClients {
		doc["status"] = "not_ready"
		writeJSON(w, http.StatusServiceUnavailable, doc)
		return
	}
	doc["status"] = "ready"
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	doc := map[string]interface{}{
		"status":          "ok",
		"protocolVersion": protocol.Version,
		"uptimeSeconds":   int64(time.Since(s.startedAt).Seconds()),
		"clients": map[string]interface{}{
			"current": s.gauges.CurrentClients(),
			"max":     s.maxClients,
		},
		"sessions": s.gauges.SessionCount(),
		"agents":   s.gauges.AgentCount(),
		"rooms":    s.gauges.RoomCount(),
		"tickets":  s.gauges.TicketCount(),
		"traffic": map[string]interface{}{
			"messagesReceived": s.metrics.MessagesReceivedTotal.Load(),
			"messagesSent":     s.metrics.MessagesSentTotal.Load(),
			"bytesReceived":    s.metrics.BytesReceivedTotal.Load(),
			"bytesSent":        s.metrics.BytesSentTotal.Load(),
		},
	}
	writeJSON(w, http.StatusOK, doc)
}

// handleMetrics renders the fixed metric set in Prometheus text format.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	write := func(name, help, typ string, value int64) {
		fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		fmt.Fprintf(w, "# TYPE %s %s\n", name, typ)
		fmt.Fprintf(w, "%s %d\n", name, value)
	}

	write("liku_clients_current", "Currently connected clients.", "gauge", int64(s.gauges.CurrentClients()))
	write("liku_clients_max", "Configured client capacity.", "gauge", int64(s.maxClients))
	write("liku_connections_total", "Connections accepted since start.", "counter", s.metrics.ConnectionsTotal.Load())
	write("liku_messages_received_total", "Frames received since start.", "counter", s.metrics.MessagesReceivedTotal.Load())
	write("liku_messages_sent_total", "Frames sent since start.", "counter", s.metrics.MessagesSentTotal.Load())
	write("liku_bytes_received_total", "Bytes received since start.", "counter", s.metrics.BytesReceivedTotal.Load())
	write("liku_bytes_sent_total", "Bytes sent since start.", "counter", s.metrics.BytesSentTotal.Load())
	write("liku_uptime_seconds", "Seconds since server start.", "gauge", int64(time.Since(s.startedAt).Seconds()))
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	gameType := r.URL.Query().Get("gameType")
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	entries, err := s.store.Leaderboard(ctx, gameType, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "leaderboard unavailable"})
		return
	}
	if entries == nil {
		entries = []stats.LeaderboardEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"gameType": gameType,
		"entries":  entries,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
