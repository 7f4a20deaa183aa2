package internal

import (
	"sync"
	"time"
)

// RateLimiter is a sliding-window limiter keyed by client address.
type RateLimiter struct {
	mu     sync.Mutex
	hits   map[string][]time.Time
	limit  int
	window time.Duration
	now    func() time.Time
	calls  int
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		hits:   make(map[string][]time.Time),
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

func (r *RateLimiter) Allow(key string) bool {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	windowStart := now.Add(-r.window)
	recent := prune(r.hits[key], windowStart)
	r.calls++
	if r.calls%256 == 0 {
		r.sweep(windowStart)
	}
	if len(recent) >= r.limit {
		r.hits[key] = recent
		return false
	}
	r.hits[key] = append(recent, now)
	return true
}

// sweep drops keys whose hits all fell out of the window and stores the
// pruned slice for the rest.
func (r *RateLimiter) sweep(windowStart time.Time) {
	for key, slice := range r.hits {
		if recent := prune(slice, windowStart); len(recent) == 0 {
			delete(r.hits, key)
		} else {
			r.hits[key] = recent
		}
	}
}

func prune(slice []time.Time, windowStart time.Time) []time.Time {
	idx := 0
	for _, ts := range slice {
		if ts.After(windowStart) {
			slice[idx] = ts
			idx++
		}
	}
	return slice[:idx]
}
