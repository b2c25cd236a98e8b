package queue

import (
	"sync"
	"time"
)

// Throttle rate-limits mutation submissions per key at the queue-entry
// boundary: a per-key last-call timestamp check, independent of any UI
// event loop.
//
// A zero minimum interval disables throttling.
type Throttle struct {
	mu       sync.Mutex
	interval time.Duration
	lastCall map[string]time.Time
}

// NewThrottle creates a throttle with the given per-key minimum interval.
func NewThrottle(interval time.Duration) *Throttle {
	return &Throttle{
		interval: interval,
		lastCall: make(map[string]time.Time),
	}
}

// Allow reports whether a call for key may proceed at now, and records the
// call time when it may. Calls inside the minimum interval are rejected
// without updating the timestamp, so a burst doesn't push the window out
// indefinitely.
func (t *Throttle) Allow(key string, now time.Time) bool {
	if t.interval <= 0 {
		return true
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if last, ok := t.lastCall[key]; ok && now.Sub(last) < t.interval {
		return false
	}
	t.lastCall[key] = now
	return true
}

// Enabled reports whether the throttle enforces an interval.
func (t *Throttle) Enabled() bool {
	return t.interval > 0
}

// Seed records a historical call time for a key unless a later one is
// already tracked.
func (t *Throttle) Seed(key string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if last, ok := t.lastCall[key]; ok && last.After(at) {
		return
	}
	t.lastCall[key] = at
}

// Forget drops the tracked timestamp for a key.
func (t *Throttle) Forget(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.lastCall, key)
}
