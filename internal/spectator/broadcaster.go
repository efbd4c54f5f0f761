// Package spectator streams live game state to viewers. Each session with
// at least one watcher gets a broadcast loop that ships either full
// snapshots or RFC 6902 patches against the last state the viewer saw,
// throttled per viewer by a quality tier.
package spectator

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"liku-server/internal/jsonpatch"
	"liku-server/internal/protocol"
	"liku-server/internal/session"
)

// Tier selects a per-viewer broadcast cadence.
type Tier string

const (
	TierHigh   Tier = "high"   // 50ms
	TierMedium Tier = "medium" // 100ms
	TierLow    Tier = "low"    // 200ms
)

func tierInterval(t Tier) time.Duration {
	switch t {
	case TierHigh:
		return 50 * time.Millisecond
	case TierLow:
		return 200 * time.Millisecond
	default:
		return 100 * time.Millisecond
	}
}

// ValidTier reports whether t names a known tier.
func ValidTier(t Tier) bool {
	switch t {
	case TierHigh, TierMedium, TierLow:
		return true
	}
	return false
}

// Patch frames larger than half the full snapshot, or longer than this,
// fall back to a full send.
const maxPatchOps = 100

// maxSendFailures consecutive delivery errors drop the watcher.
const maxSendFailures = 3

// probeEvery is the cadence of latency probes on an active feed.
const probeEvery = 5 * time.Second

// Transport delivers frames to a connected agent. Implementations must not
// block on slow consumers.
type Transport interface {
	SendToAgent(agentID string, msg *protocol.ServerMessage) error
}

type watcher struct {
	agentID string

	tier         Tier
	tierPinned   bool // manual override wins over latency-based selection
	latencyEWMA  float64
	lastSendAt   time.Time
	lastSent     map[string]interface{} // nil until the first full snapshot
	lastVersion  uint64
	bytesSent    int64
	framesSent   int64
	sendFailures int
}

type feed struct {
	mu sync.Mutex

	sess     *session.Session
	interval time.Duration
	patching bool
	watchers map[string]*watcher

	version   uint64 // bumps whenever the snapshot changes
	lastState map[string]interface{}

	stopCh   chan struct{}
	stopOnce sync.Once
}

// Broadcaster owns one feed per watched session.
type Broadcaster struct {
	mu        sync.Mutex
	feeds     map[string]*feed
	transport Transport
}

func NewBroadcaster(transport Transport) *Broadcaster {
	return &Broadcaster{
		feeds:     make(map[string]*feed),
		transport: transport,
	}
}

// Watch attaches a viewer to a session feed and pushes the current full
// snapshot immediately. The caller has already seated the agent as a
// spectator on the session.
func (b *Broadcaster) Watch(sess *session.Session, agentID string, tier Tier) {
	// Viewers start on the high tier; latency samples demote them later.
	if !ValidTier(tier) {
		tier = TierHigh
	}

	// Registration happens entirely under the broadcaster lock: the feed's
	// empty-teardown re-check holds the same lock, so a watcher can never
	// attach to a feed that is winding down.
	b.mu.Lock()
	f, ok := b.feeds[sess.ID]
	if !ok {
		f = &feed{
			sess:     sess,
			interval: sess.BroadcastInterval(),
			patching: sess.PatchingEnabled(),
			watchers: make(map[string]*watcher),
			stopCh:   make(chan struct{}),
		}
		b.feeds[sess.ID] = f
		go f.run(b)
	}
	w := &watcher{agentID: agentID, tier: tier}
	f.mu.Lock()
	f.watchers[agentID] = w
	f.mu.Unlock()
	b.mu.Unlock()

	b.sendFull(f, w, sess.StateSnapshot())
	log.Printf("[Spectator] %s watching %s (%s)", agentID, sess.ID, tier)
}

// Unwatch detaches a viewer. The feed winds down on its own once empty.
func (b *Broadcaster) Unwatch(sessionID, agentID string) {
	b.mu.Lock()
	f, ok := b.feeds[sessionID]
	b.mu.Unlock()
	if !ok {
		return
	}
	f.mu.Lock()
	delete(f.watchers, agentID)
	f.mu.Unlock()
}

// SetTier pins a viewer to a tier, disabling latency-based selection.
func (b *Broadcaster) SetTier(sessionID, agentID string, tier Tier) error {
	if !ValidTier(tier) {
		return protocol.NewError(protocol.KindInvalidMessage, "unknown tier %q", tier)
	}
	b.mu.Lock()
	f, ok := b.feeds[sessionID]
	b.mu.Unlock()
	if !ok {
		return protocol.NewError(protocol.KindNotFound, "no active feed for session %s", sessionID)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.watchers[agentID]
	if !ok {
		return protocol.NewError(protocol.KindNotFound, "agent is not watching session %s", sessionID)
	}
	w.tier = tier
	w.tierPinned = true
	return nil
}

// RecordLatency feeds a round-trip sample into every feed the agent
// watches. Unpinned watchers are re-tiered from the smoothed value.
func (b *Broadcaster) RecordLatency(agentID string, rttMs float64) {
	b.mu.Lock()
	feeds := make([]*feed, 0, len(b.feeds))
	for _, f := range b.feeds {
		feeds = append(feeds, f)
	}
	b.mu.Unlock()

	for _, f := range feeds {
		f.mu.Lock()
		if w, ok := f.watchers[agentID]; ok {
			if w.latencyEWMA == 0 {
				w.latencyEWMA = rttMs
			} else {
				w.latencyEWMA = 0.7*w.latencyEWMA + 0.3*rttMs
			}
			if !w.tierPinned {
				w.tier = tierForLatency(w.latencyEWMA)
			}
		}
		f.mu.Unlock()
	}
}

func tierForLatency(ewmaMs float64) Tier {
	switch {
	case ewmaMs < 50:
		return TierHigh
	case ewmaMs < 150:
		return TierMedium
	default:
		return TierLow
	}
}

// DropAgent detaches a disconnected viewer from every feed.
func (b *Broadcaster) DropAgent(agentID string) {
	b.mu.Lock()
	feeds := make([]*feed, 0, len(b.feeds))
	for _, f := range b.feeds {
		feeds = append(feeds, f)
	}
	b.mu.Unlock()

	for _, f := range feeds {
		f.mu.Lock()
		delete(f.watchers, agentID)
		f.mu.Unlock()
	}
}

// WatcherStats returns per-viewer delivery counters for queries.
func (b *Broadcaster) WatcherStats(sessionID string) []map[string]interface{} {
	b.mu.Lock()
	f, ok := b.feeds[sessionID]
	b.mu.Unlock()
	if !ok {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]interface{}, 0, len(f.watchers))
	for _, w := range f.watchers {
		out = append(out, map[string]interface{}{
			"agentId":    w.agentID,
			"tier":       w.tier,
			"tierPinned": w.tierPinned,
			"latencyMs":  w.latencyEWMA,
			"bytesSent":  w.bytesSent,
			"framesSent": w.framesSent,
		})
	}
	return out
}

// SessionClosed tears down the session's feed.
func (b *Broadcaster) SessionClosed(sessionID string) {
	b.mu.Lock()
	f, ok := b.feeds[sessionID]
	if ok {
		delete(b.feeds, sessionID)
	}
	b.mu.Unlock()
	if ok {
		f.stop()
	}
}

// Stop halts every feed.
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	feeds := b.feeds
	b.feeds = make(map[string]*feed)
	b.mu.Unlock()
	for _, f := range feeds {
		f.stop()
	}
}

func (f *feed) stop() {
	f.stopOnce.Do(func() { close(f.stopCh) })
}

// run drives the broadcast loop. The base tick is the game's broadcast
// interval; per-viewer tiers throttle on top of it.
func (f *feed) run(b *Broadcaster) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	probe := time.NewTicker(probeEvery)
	defer probe.Stop()

	for {
		select {
		case <-f.stopCh:
			return
		case <-probe.C:
			f.sendProbes(b)
		case <-ticker.C:
			if f.tick(b) {
				return
			}
		}
	}
}

// tick ships one round of updates. Returns true when the feed is empty and
// should wind down.
func (f *feed) tick(b *Broadcaster) bool {
	f.mu.Lock()
	empty := len(f.watchers) == 0
	f.mu.Unlock()
	if empty {
		b.mu.Lock()
		// Re-check under the broadcaster lock so a racing Watch wins.
		f.mu.Lock()
		if len(f.watchers) == 0 {
			delete(b.feeds, f.sess.ID)
			f.mu.Unlock()
			b.mu.Unlock()
			f.stop()
			return true
		}
		f.mu.Unlock()
		b.mu.Unlock()
		return false
	}

	snapshot := f.sess.StateSnapshot()

	f.mu.Lock()
	if !deepEqualJSON(f.lastState, snapshot) {
		f.lastState = snapshot
		f.version++
	}
	version := f.version
	state := f.lastState
	now := time.Now()
	due := make([]*watcher, 0, len(f.watchers))
	for _, w := range f.watchers {
		if w.lastVersion == version && w.lastSent != nil {
			continue // viewer is current
		}
		if now.Sub(w.lastSendAt) < tierInterval(w.tier) {
			continue // tier throttle
		}
		due = append(due, w)
	}
	f.mu.Unlock()

	for _, w := range due {
		b.sendUpdate(f, w, state, version)
	}
	return false
}

// sendUpdate picks patch or full per viewer. A patch that saves less than
// half the bytes of the snapshot, or that grew past the op cap, is not
// worth the apply cost on the client.
func (b *Broadcaster) sendUpdate(f *feed, w *watcher, state map[string]interface{}, version uint64) {
	f.mu.Lock()
	prev := w.lastSent
	f.mu.Unlock()

	if !f.patching || prev == nil {
		b.sendFullVersioned(f, w, state, version)
		return
	}

	patch, err := jsonpatch.Diff(prev, state, jsonpatch.DefaultOptions())
	if err != nil || len(patch) > maxPatchOps {
		b.sendFullVersioned(f, w, state, version)
		return
	}
	if len(patch) == 0 {
		f.mu.Lock()
		w.lastVersion = version
		f.mu.Unlock()
		return
	}

	patchBytes, err := patch.Encode()
	if err != nil {
		b.sendFullVersioned(f, w, state, version)
		return
	}
	fullBytes, err := json.Marshal(state)
	if err != nil || len(patchBytes)*2 > len(fullBytes) {
		b.sendFullVersioned(f, w, state, version)
		return
	}

	msg := protocol.NewMessage(protocol.TypeState, map[string]interface{}{
		"sessionId": f.sess.ID,
		"mode":      "patch",
		"version":   version,
		"patch":     patch,
	})
	b.deliver(f, w, msg, state, version, int64(len(patchBytes)))
}

func (b *Broadcaster) sendFull(f *feed, w *watcher, state map[string]interface{}) {
	f.mu.Lock()
	if !deepEqualJSON(f.lastState, state) {
		f.lastState = state
		f.version++
	}
	version := f.version
	f.mu.Unlock()
	b.sendFullVersioned(f, w, state, version)
}

func (b *Broadcaster) sendFullVersioned(f *feed, w *watcher, state map[string]interface{}, version uint64) {
	msg := protocol.NewMessage(protocol.TypeState, map[string]interface{}{
		"sessionId": f.sess.ID,
		"mode":      "full",
		"version":   version,
		"state":     state,
	})
	size := int64(0)
	if raw, err := json.Marshal(state); err == nil {
		size = int64(len(raw))
	}
	b.deliver(f, w, msg, state, version, size)
}

func (b *Broadcaster) deliver(f *feed, w *watcher, msg *protocol.ServerMessage, state map[string]interface{}, version uint64, size int64) {
	err := b.transport.SendToAgent(w.agentID, msg)

	f.mu.Lock()
	if err != nil {
		w.sendFailures++
		dropped := w.sendFailures >= maxSendFailures
		if dropped {
			delete(f.watchers, w.agentID)
		}
		f.mu.Unlock()
		if dropped {
			log.Printf("[Spectator] Dropping %s from %s after %d send failures",
				w.agentID, f.sess.ID, maxSendFailures)
			_ = f.sess.Leave(w.agentID)
		}
		return
	}
	w.sendFailures = 0
	w.lastSendAt = time.Now()
	w.lastSent = cloneState(state)
	w.lastVersion = version
	w.bytesSent += size
	w.framesSent++
	f.mu.Unlock()
}

// sendProbes pushes a latency probe to every watcher. Clients echo the
// sentAt timestamp back and the round trip feeds RecordLatency.
func (f *feed) sendProbes(b *Broadcaster) {
	f.mu.Lock()
	ids := make([]string, 0, len(f.watchers))
	for id := range f.watchers {
		ids = append(ids, id)
	}
	f.mu.Unlock()

	data := map[string]interface{}{
		"sessionId": f.sess.ID,
		"sentAt":    time.Now().UnixMilli(),
	}
	for _, id := range ids {
		_ = b.transport.SendToAgent(id, protocol.NewEvent("spectator", "LatencyProbe", data))
	}
}

func cloneState(state map[string]interface{}) map[string]interface{} {
	normalized, err := jsonpatch.Normalize(state)
	if err != nil {
		return state
	}
	if m, ok := normalized.(map[string]interface{}); ok {
		return m
	}
	return state
}

func deepEqualJSON(a, b map[string]interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ra, err1 := json.Marshal(a)
	rb, err2 := json.Marshal(b)
	return err1 == nil && err2 == nil && string(ra) == string(rb)
}
