package realtime

import (
	"sync"
	"time"
)

// RateLimiter is a sliding-window limiter for outbound emits.
// The server disconnects chatty clients; refusing locally keeps the channel alive.
type RateLimiter struct {
	mu     sync.Mutex
	stamps []time.Time
	limit  int
	window time.Duration
}

// NewRateLimiter falls back to package defaults for non-positive inputs.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{
		stamps: make([]time.Time, 0, limit),
		limit:  limit,
		window: window,
	}
}

// Allow records an emit at now unless the window is already full.
func (r *RateLimiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.evictLocked(now)
	if len(r.stamps) >= r.limit {
		return false
	}
	r.stamps = append(r.stamps, now)
	return true
}

// Reset forgets the history; used when a new channel is established.
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	r.stamps = r.stamps[:0]
	r.mu.Unlock()
}

func (r *RateLimiter) evictLocked(now time.Time) {
	cut := now.Add(-r.window)
	i := 0
	for i < len(r.stamps) && !r.stamps[i].After(cut) {
		i++
	}
	if i > 0 {
		r.stamps = append(r.stamps[:0], r.stamps[i:]...)
	}
}
