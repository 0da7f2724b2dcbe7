// Package ratelimit keeps one export rate limiter per provider project so the
// budget carries over when a connector task is rebuilt.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Registry hands out token-bucket limiters keyed by project (the API key).
type Registry struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		limiters: make(map[string]*rate.Limiter),
	}
}

// For returns the limiter for key allowing perHour requests per hour with a
// burst of perHour. An existing limiter is retuned in place so tokens already
// spent stay spent. A non-positive perHour removes the limit for key.
func (r *Registry) For(key string, perHour int) *rate.Limiter {
	if perHour <= 0 {
		r.mu.Lock()
		delete(r.limiters, key)
		r.mu.Unlock()
		return rate.NewLimiter(rate.Inf, 1)
	}

	limit := rate.Every(time.Hour / time.Duration(perHour))

	r.mu.Lock()
	defer r.mu.Unlock()

	lim, ok := r.limiters[key]
	if !ok {
		lim = rate.NewLimiter(limit, perHour)
		r.limiters[key] = lim
		return lim
	}
	if lim.Limit() != limit {
		lim.SetLimit(limit)
	}
	if lim.Burst() != perHour {
		lim.SetBurst(perHour)
	}
	return lim
}

// Len returns the number of projects with a configured limit.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.limiters)
}
