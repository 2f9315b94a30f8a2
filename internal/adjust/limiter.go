package adjust

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Decision is the outcome of one limiter check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter is a token bucket keyed by caller.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// MemoryLimiter keeps one rate.Limiter per key in process memory. Buckets
// that have refilled completely are dropped, since a fresh bucket is
// identical.
type MemoryLimiter struct {
	limit rate.Limit
	burst int
	idle  time.Duration // time for an empty bucket to refill
	now   func() time.Time

	mu        sync.Mutex
	buckets   map[string]*rate.Limiter
	lastSweep time.Time
}

// NewMemoryLimiter holds capacity tokens per key and refills one token
// every refill.
func NewMemoryLimiter(capacity int, refill time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		limit:   rate.Every(refill),
		burst:   capacity,
		idle:    time.Duration(capacity) * refill,
		now:     time.Now,
		buckets: make(map[string]*rate.Limiter),
	}
}

func (m *MemoryLimiter) bucket(now time.Time, key string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	if now.Sub(m.lastSweep) >= m.idle {
		for k, b := range m.buckets {
			if b.TokensAt(now) >= float64(m.burst) {
				delete(m.buckets, k)
			}
		}
		m.lastSweep = now
	}
	lim, ok := m.buckets[key]
	if !ok {
		lim = rate.NewLimiter(m.limit, m.burst)
		m.buckets[key] = lim
	}
	return lim
}

// Allow consumes one token for key if one is available.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (Decision, error) {
	now := m.now()
	lim := m.bucket(now, key)
	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return Decision{}, nil
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return Decision{RetryAfter: d}, nil
	}
	return Decision{Allowed: true, Remaining: int(lim.TokensAt(now))}, nil
}

// Len reports how many buckets are held.
func (m *MemoryLimiter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}
