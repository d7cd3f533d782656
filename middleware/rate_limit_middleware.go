package middleware

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"unary-rpc/dispatch"
	"unary-rpc/status"
)

// RateLimit admits calls at r per second with the given burst, using a token
// bucket shared by every method of the router. Calls over the limit fail
// with ResourceExhausted.
func RateLimit(r float64, burst int) dispatch.Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return newNamed("rate_limit", func(c *dispatch.Context, next dispatch.Next) error {
		if !limiter.Allow() {
			return status.New(status.ResourceExhausted, "rate limit exceeded")
		}
		return next()
	})
}

// DefaultIdleTTL is how long a per-key bucket survives without calls when
// PerKeyRateLimit is given no idle TTL.
const DefaultIdleTTL = 10 * time.Minute

// sweepEvery is the number of admissions between sweeps for idle keys.
const sweepEvery = 512

// KeyLimiter applies a token bucket per key. Buckets of keys idle for longer
// than the idle TTL are evicted periodically, so a key that returns after
// eviction starts with a full bucket.
type KeyLimiter struct {
	limit rate.Limit
	burst int
	idle  time.Duration

	mu    sync.Mutex
	byKey map[string]*keyBucket
	hits  uint64
}

type keyBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewKeyLimiter constructs a limiter admitting r calls per second per key,
// with the given burst. An idle TTL ≤ 0 means DefaultIdleTTL.
func NewKeyLimiter(r float64, burst int, idle time.Duration) *KeyLimiter {
	if idle <= 0 {
		idle = DefaultIdleTTL
	}
	return &KeyLimiter{
		limit: rate.Limit(r),
		burst: burst,
		idle:  idle,
		byKey: make(map[string]*keyBucket),
	}
}

// Allow reports whether a call for key may proceed at now.
func (l *KeyLimiter) Allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.byKey[key]
	if !ok {
		b = &keyBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.byKey[key] = b
	}
	b.lastSeen = now
	ok = b.limiter.AllowN(now, 1)

	l.hits++
	if l.hits%sweepEvery == 0 {
		cutoff := now.Add(-l.idle)
		for k, v := range l.byKey {
			if v.lastSeen.Before(cutoff) {
				delete(l.byKey, k)
			}
		}
	}
	return ok
}

// Len reports the number of keys holding a bucket.
func (l *KeyLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byKey)
}

// PerKeyRateLimit is as RateLimit, but keeps a separate bucket for each
// value of the metadata key, evicting buckets idle for longer than idle
// (DefaultIdleTTL if idle ≤ 0). Calls without the key share one bucket.
func PerKeyRateLimit(key string, r float64, burst int, idle time.Duration) dispatch.Middleware {
	limiter := NewKeyLimiter(r, burst, idle)
	return newNamed("rate_limit:"+key, func(c *dispatch.Context, next dispatch.Next) error {
		k := c.Metadata().Get(key)
		if !limiter.Allow(k, time.Now()) {
			return status.Newf(status.ResourceExhausted, "rate limit exceeded for %s %q", key, k)
		}
		return next()
	})
}
