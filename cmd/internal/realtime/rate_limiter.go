package realtime

import (
	"sync"
	"time"
)

// RateLimiter bounds how many events one connection may emit per window.
// Sliding window over event timestamps; one instance per connection.
type RateLimiter struct {
	mu     sync.Mutex
	stamps []time.Time
	limit  int
	window time.Duration
}

// NewRateLimiter constructs a RateLimiter, falling back to the package
// defaults when inputs are invalid.
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

// Allow reports whether an event at time "now" fits the window.
func (r *RateLimiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Stamps are appended in order, so expired entries sit at the front.
	cut := now.Add(-r.window)
	drop := 0
	for drop < len(r.stamps) && !r.stamps[drop].After(cut) {
		drop++
	}
	if drop > 0 {
		r.stamps = append(r.stamps[:0], r.stamps[drop:]...)
	}

	if len(r.stamps) >= r.limit {
		return false
	}
	r.stamps = append(r.stamps, now)
	return true
}
