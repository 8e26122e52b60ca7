package networking

import (
	"sync"
	"time"
)

// Rate limiting logic for the Network

const rateLimitWindow = 60 * time.Second

// RateLimiter counts events per key over a sliding window.
type RateLimiter struct {
	mu     sync.Mutex
	window time.Duration
	max    int
	events map[string][]time.Time
	now    func() time.Time
}

func NewRateLimiter(window time.Duration, max int) *RateLimiter {
	return &RateLimiter{
		window: window,
		max:    max,
		events: make(map[string][]time.Time),
		now:    time.Now,
	}
}

// Hit records one event for key and returns how many fall in the window.
func (r *RateLimiter) Hit(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	times := r.events[key]
	// Keep only recent events
	recent := times[:0]
	for _, t := range times {
		if now.Sub(t) < r.window {
			recent = append(recent, t)
		}
	}
	recent = append(recent, now)
	r.events[key] = recent
	return len(recent)
}

// Allow records an event and reports whether key is still within the limit.
// A max of zero or less disables the limit.
func (r *RateLimiter) Allow(key string) bool {
	n := r.Hit(key)
	return r.max <= 0 || n <= r.max
}

// Reset forgets key.
func (r *RateLimiter) Reset(key string) {
	r.mu.Lock()
	delete(r.events, key)
	r.mu.Unlock()
}
