package chat

import (
	"sync"
	"time"
)

// RateLimiter bounds inbound events per connection over a sliding window.
// It keeps the last `limit` event times in a fixed ring; an event is allowed
// when the slot it would evict has aged out of the window.
type RateLimiter struct {
	mu     sync.Mutex
	ring   []time.Time
	head   int
	window time.Duration
}

// NewRateLimiter constructs a RateLimiter with safe defaults when inputs are invalid.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{
		ring:   make([]time.Time, limit),
		window: window,
	}
}

// Allow reports whether an event at time "now" should be permitted and, if
// so, records it.
func (r *RateLimiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	oldest := r.ring[r.head]
	if !oldest.IsZero() && now.Sub(oldest) < r.window {
		return false
	}
	r.ring[r.head] = now
	r.head = (r.head + 1) % len(r.ring)
	return true
}

// RetryAfter reports how long after "now" the next event would be permitted.
// Zero means an event would be allowed immediately.
func (r *RateLimiter) RetryAfter(now time.Time) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	oldest := r.ring[r.head]
	if oldest.IsZero() {
		return 0
	}
	wait := r.window - now.Sub(oldest)
	if wait < 0 {
		return 0
	}
	return wait
}
