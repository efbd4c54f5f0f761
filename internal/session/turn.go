package session

import (
	"sync"
	"time"
)

// turnClock enforces the per-turn time budget for one session. Round-robin
// order lives in the game state itself; the clock only watches the wall
// time of the slot currently to move.
type turnClock struct {
	mu      sync.Mutex
	budget  time.Duration
	timer   *time.Timer
	seq     int // increments on every restart; stale timers check it
	slot    string
	expired func(seq int, slot string)
}

func newTurnClock(budget time.Duration, expired func(seq int, slot string)) *turnClock {
	return &turnClock{budget: budget, expired: expired}
}

// start arms the clock for a slot's turn, cancelling any previous turn.
// A zero budget disables the clock entirely.
func (tc *turnClock) start(slot string) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if tc.timer != nil {
		tc.timer.Stop()
		tc.timer = nil
	}
	tc.seq++
	tc.slot = slot
	if tc.budget <= 0 || slot == "" {
		return
	}
	seq := tc.seq
	tc.timer = time.AfterFunc(tc.budget, func() {
		tc.mu.Lock()
		current := tc.seq == seq
		timedOut := tc.slot
		tc.mu.Unlock()
		if current && tc.expired != nil {
			tc.expired(seq, timedOut)
		}
	})
}

// stop disarms the clock, e.g. when the session finishes.
func (tc *turnClock) stop() {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.timer != nil {
		tc.timer.Stop()
		tc.timer = nil
	}
	tc.seq++
	tc.slot = ""
}

// current reports the armed sequence and slot. Test hook.
func (tc *turnClock) current() (int, string) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.seq, tc.slot
}
