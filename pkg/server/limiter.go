package server

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RateLimiter decides whether an identity may mutate right now.
type RateLimiter interface {
	Allow(identity string) bool
}

// one token bucket per identity, idle buckets are forgotten after idleTTL
type IdentityRateLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration

	mu      sync.Mutex
	buckets map[string]*bucket
	lastGC  time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIdentityRateLimiter allows maxRequests per window per identity.
// A non-positive window disables limiting.
func NewIdentityRateLimiter(maxRequests, burst int, window time.Duration, logger *zap.Logger) *IdentityRateLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	var limit rate.Limit
	if window > 0 && maxRequests > 0 {
		limit = rate.Limit(float64(maxRequests) / window.Seconds())
	} else {
		limit = rate.Inf
		logger.Warn("rate limit window or request count not positive, disabling rate limiter",
			zap.Duration("window", window), zap.Int("max_requests", maxRequests))
	}
	if burst <= 0 {
		burst = 1
	}
	return &IdentityRateLimiter{
		limit:   limit,
		burst:   burst,
		idleTTL: 10 * time.Minute,
		buckets: make(map[string]*bucket),
	}
}

func (l *IdentityRateLimiter) Allow(identity string) bool {
	if l.limit == rate.Inf {
		return true
	}
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.gcLocked(now)
	b, ok := l.buckets[identity]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[identity] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

func (l *IdentityRateLimiter) gcLocked(now time.Time) {
	if now.Sub(l.lastGC) < l.idleTTL {
		return
	}
	l.lastGC = now
	for id, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.idleTTL {
			delete(l.buckets, id)
		}
	}
}
