// Package ratelimit throttles per-connection command traffic with a
// one-second sliding window, a burst detector and escalating temporary bans.
// A banned connection keeps receiving event streams; only its inbound
// commands are rejected.
package ratelimit

import (
	"log"
	"sync"
	"time"
)

type Config struct {
	CommandsPerSecond int           // window limit (default 30)
	BurstCooldown     time.Duration // successive commands inside this gap count as a burst (default 30ms)
	MaxBursts         int           // burst events before a ban (default 10)
	BanDuration       time.Duration // temporary ban length (default 30s)
	BansBeforeLongBan int           // repeated bans before escalation (default 10)
	LongBanDuration   time.Duration // escalated ban length (default 24h)
}

func DefaultConfig() Config {
	return Config{
		CommandsPerSecond: 30,
		BurstCooldown:     30 * time.Millisecond,
		MaxBursts:         10,
		BanDuration:       30 * time.Second,
		BansBeforeLongBan: 10,
		LongBanDuration:   24 * time.Hour,
	}
}

type entry struct {
	stamps    []time.Time // command times inside the sliding window
	lastCmd   time.Time
	bursts    int
	banCount  int
	banUntil  time.Time
}

// Limiter tracks per-connection command rates.
type Limiter struct {
	mu      sync.Mutex
	cfg     Config
	entries map[string]*entry
	cleanup *time.Ticker
	done    chan struct{}
	now     func() time.Time
}

// Decision is the outcome of a single Allow call.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Reason     string // "window", "burst", "banned"
}

func New(cfg Config) *Limiter {
	if cfg.CommandsPerSecond == 0 {
		cfg = DefaultConfig()
	}
	rl := &Limiter{
		cfg:     cfg,
		entries: make(map[string]*entry),
		cleanup: time.NewTicker(5 * time.Minute),
		done:    make(chan struct{}),
		now:     time.Now,
	}
	go func() {
		for {
			select {
			case <-rl.cleanup.C:
				rl.cleanupExpired()
			case <-rl.done:
				return
			}
		}
	}()
	return rl
}

// Stop halts the cleanup goroutine.
func (rl *Limiter) Stop() {
	rl.cleanup.Stop()
	close(rl.done)
}

// SetClock overrides the time source. Test hook.
func (rl *Limiter) SetClock(now func() time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.now = now
}

// Allow records a command attempt for a connection and decides whether it
// may proceed. Ping frames must bypass this entirely; callers enforce that.
func (rl *Limiter) Allow(connID string) Decision {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	e, ok := rl.entries[connID]
	if !ok {
		e = &entry{}
		rl.entries[connID] = e
	}

	if now.Before(e.banUntil) {
		return Decision{Allowed: false, RetryAfter: e.banUntil.Sub(now), Reason: "banned"}
	}

	// Burst detection: successive commands landing inside the cooldown.
	if !e.lastCmd.IsZero() && now.Sub(e.lastCmd) < rl.cfg.BurstCooldown {
		e.bursts++
	}
	e.lastCmd = now

	// Slide the one-second window.
	cutoff := now.Add(-time.Second)
	kept := e.stamps[:0]
	for _, t := range e.stamps {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	e.stamps = append(kept, now)

	if len(e.stamps) > rl.cfg.CommandsPerSecond || e.bursts >= rl.cfg.MaxBursts {
		reason := "window"
		if e.bursts >= rl.cfg.MaxBursts {
			reason = "burst"
		}
		e.banCount++
		duration := rl.cfg.BanDuration
		if e.banCount >= rl.cfg.BansBeforeLongBan {
			duration = rl.cfg.LongBanDuration
			log.Printf("[RateLimit] Long ban for %s after %d bans", connID, e.banCount)
		}
		e.banUntil = now.Add(duration)
		e.bursts = 0
		e.stamps = e.stamps[:0]
		return Decision{Allowed: false, RetryAfter: duration, Reason: reason}
	}

	return Decision{Allowed: true}
}

// Forget drops tracking state for a closed connection. Ban history is
// intentionally dropped with it; bans do not survive reconnects or restarts.
func (rl *Limiter) Forget(connID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.entries, connID)
}

// cleanupExpired removes idle entries
func (rl *Limiter) cleanupExpired() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key, e := range rl.entries {
		if now.Sub(e.lastCmd) > 10*time.Minute && now.After(e.banUntil) {
			delete(rl.entries, key)
		}
	}
}
