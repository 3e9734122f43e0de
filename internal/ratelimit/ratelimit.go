// Package ratelimit implements C4's pre-step-1 per-clientId rate limit
// (spec.md §4.4: "Rate-limiting is applied per clientId before step 1;
// exceeding the limit yields RateLimited without vault traffic.").
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limiter holds one token-bucket per clientId, created lazily on first
// use. Safe for concurrent use.
type Limiter struct {
	perMinute float64
	burst     int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// New constructs a Limiter. perMinute and burst come from config keys
// rate_limit.per_minute / rate_limit.burst (spec.md §6).
func New(perMinute float64, burst int) *Limiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		perMinute: perMinute,
		burst:     burst,
		buckets:   make(map[string]*rate.Limiter),
	}
}

// Allow reports whether clientId may proceed right now, consuming one
// token if so.
func (l *Limiter) Allow(clientID string) bool {
	return l.bucketFor(clientID).Allow()
}

func (l *Limiter) bucketFor(clientID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[clientID]
	if !ok {
		b = rate.NewLimiter(rate.Limit(l.perMinute/60.0), l.burst)
		l.buckets[clientID] = b
	}
	return b
}

// Forget drops clientId's bucket, e.g. after a long idle period, to bound
// memory growth across a large vendor population. Not called on a fixed
// schedule by this package; callers may wire it to their own eviction
// sweep if the client population is large and long-lived.
func (l *Limiter) Forget(clientID string) {
	l.mu.Lock()
	delete(l.buckets, clientID)
	l.mu.Unlock()
}
