package httpapi

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

type userLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// userRateLimiter keeps one token bucket per authenticated user. Buckets idle
// for limiterIdleTTL are swept on access.
type userRateLimiter struct {
	limit rate.Limit
	burst int

	mu        sync.Mutex
	limiters  map[string]*userLimiter
	lastSweep time.Time
}

func newUserRateLimiter(limit rate.Limit, burst int) *userRateLimiter {
	return &userRateLimiter{
		limit:    limit,
		burst:    burst,
		limiters: map[string]*userLimiter{},
	}
}

func (l *userRateLimiter) allow(userID string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.lastSweep) > limiterIdleTTL {
		for key, entry := range l.limiters {
			if now.Sub(entry.lastAccess) > limiterIdleTTL {
				delete(l.limiters, key)
			}
		}
		l.lastSweep = now
	}
	entry, ok := l.limiters[userID]
	if !ok {
		entry = &userLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[userID] = entry
	}
	entry.lastAccess = now
	return entry.limiter.AllowN(now, 1)
}
