package credentialgate

import (
	"log"
	"sync"
	"time"
)

// rateLimiter enforces a per-credential fixed 1-second window call
// budget, rejecting once the window's counter reaches the configured
// limit: a locked map keyed by credential identity, swept periodically to
// reclaim idle entries.
type rateLimiter struct {
	mu      sync.Mutex
	windows map[string]*rateLimitWindow
	logger  *log.Logger
}

type rateLimitWindow struct {
	count       int
	windowStart time.Time
}

const rateLimitWindowSize = time.Second

// idleGCThreshold is how long a window entry may sit unused before the
// periodic sweep reclaims it.
const idleGCThreshold = 60 * time.Second

func newRateLimiter() *rateLimiter {
	rl := &rateLimiter{
		windows: make(map[string]*rateLimitWindow),
		logger:  log.New(log.Writer(), "[CREDENTIAL-GATE] ", log.LstdFlags),
	}
	go rl.cleanup()
	return rl
}

// allow reports whether key may make one more call in the current 1-second
// window, given a per-credential limitPerSec. The (limitPerSec+1)-th call
// in a window is rejected; a new window resets the count.
func (rl *rateLimiter) allow(key string, limitPerSec int) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	window, exists := rl.windows[key]
	if !exists || now.Sub(window.windowStart) >= rateLimitWindowSize {
		rl.windows[key] = &rateLimitWindow{count: 1, windowStart: now}
		return true
	}

	window.count++
	return window.count <= limitPerSec
}

func (rl *rateLimiter) cleanup() {
	ticker := time.NewTicker(idleGCThreshold)
	defer ticker.Stop()
	for range ticker.C {
		rl.mu.Lock()
		now := time.Now()
		for key, window := range rl.windows {
			if now.Sub(window.windowStart) > idleGCThreshold {
				delete(rl.windows, key)
			}
		}
		rl.mu.Unlock()
	}
}

func (rl *rateLimiter) stats() map[string]interface{} {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return map[string]interface{}{"active_windows": len(rl.windows)}
}
