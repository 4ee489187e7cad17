// Package ratelimit implements a per-user token bucket rate limiter.
// Each user gets an independent golang.org/x/time/rate bucket; idle buckets
// are dropped lazily on Allow.
package ratelimit

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when a user has exhausted their token bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// idleTTL is how long an untouched bucket is kept before it is forgotten.
const idleTTL = 10 * time.Minute

// Config configures the token bucket rate limiter.
type Config struct {
	RequestsPerMinute int // Tokens added per minute. 0 = unlimited (Allow always succeeds).
	BurstSize         int // Maximum tokens in bucket. 0 = defaults to RequestsPerMinute.
}

// Limiter is a per-user token bucket rate limiter.
// One user cannot exhaust another's quota.
type Limiter struct {
	mu    sync.Mutex
	users map[string]*bucket
	limit rate.Limit
	burst int
	now   func() time.Time

	lastSweep time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLimiter creates a rate limiter with the given configuration.
// If RequestsPerMinute is 0, Allow always succeeds (unlimited).
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		users: make(map[string]*bucket),
		limit: rate.Limit(float64(cfg.RequestsPerMinute) / 60.0),
		burst: burst,
		now:   time.Now,
	}
}

// Allow consumes one token from the user's bucket.
// Returns ErrRateLimited if the bucket is empty.
func (l *Limiter) Allow(userID string) error {
	if l == nil || l.limit <= 0 {
		return nil
	}

	l.mu.Lock()
	now := l.now()
	b, ok := l.users[userID]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.users[userID] = b
	}
	b.lastSeen = now
	l.sweep(now)
	l.mu.Unlock()

	if !b.limiter.AllowN(now, 1) {
		return ErrRateLimited
	}
	return nil
}

// Users returns the number of tracked buckets.
func (l *Limiter) Users() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.users)
}

// sweep drops idle buckets at most once per idleTTL. Caller holds mu.
func (l *Limiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < idleTTL {
		return
	}
	l.lastSweep = now
	for id, b := range l.users {
		if now.Sub(b.lastSeen) > idleTTL {
			delete(l.users, id)
		}
	}
}
