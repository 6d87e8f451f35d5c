package relay

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"anchorid/internal/identity"
)

// accountLimiter is a token bucket per account. Idle buckets are evicted lazily.
type accountLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	ttl     time.Duration
	buckets map[identity.Address]*bucket
	sweep   time.Time
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

func newAccountLimiter(perSecond float64, burst int) *accountLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &accountLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		ttl:     5 * time.Minute,
		buckets: make(map[identity.Address]*bucket),
	}
}

func (l *accountLimiter) allow(account identity.Address, now time.Time) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.sweep) > l.ttl {
		for k, b := range l.buckets {
			if now.Sub(b.seen) > l.ttl {
				delete(l.buckets, k)
			}
		}
		l.sweep = now
	}

	b, ok := l.buckets[account]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[account] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1)
}
