package observability

import (
	"sync"
	"time"
)

// cooldownTracker suppresses repeated alerts sharing the same fingerprint
// within a cooldown window — a duplicate is gated on time since the
// fingerprint last fired, not on a dedup-forever cache.
type cooldownTracker struct {
	mu       sync.Mutex
	window   time.Duration
	lastSeen map[string]time.Time
}

func newCooldownTracker(window time.Duration) *cooldownTracker {
	if window <= 0 {
		window = time.Minute
	}
	return &cooldownTracker{window: window, lastSeen: make(map[string]time.Time)}
}

// allow reports whether an alert with this fingerprint may fire now,
// recording the attempt either way.
func (c *cooldownTracker) allow(fingerprint string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	last, seen := c.lastSeen[fingerprint]
	if seen && now.Sub(last) < c.window {
		return false
	}
	c.lastSeen[fingerprint] = now
	return true
}
