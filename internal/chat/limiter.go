package chat

import (
	"sync"
	"time"
)

const (
	DefaultBucketSize  = 8
	DefaultRefillEvery = 2500 * time.Millisecond
	DefaultMinGap      = 450 * time.Millisecond
)

// LimiterConfig configures the per-user send limiter.
type LimiterConfig struct {
	BucketSize  int
	RefillEvery time.Duration
	MinGap      time.Duration
	StateTTL    time.Duration
}

type bucket struct {
	tokens     int
	lastRefill time.Time
	lastSent   time.Time
}

// Limiter is a per-user token bucket with an absolute minimum gap between sends.
type Limiter struct {
	cfg LimiterConfig

	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewLimiter creates a limiter; zero fields use the defaults.
func NewLimiter(cfg LimiterConfig) *Limiter {
	if cfg.BucketSize <= 0 {
		cfg.BucketSize = DefaultBucketSize
	}
	if cfg.RefillEvery <= 0 {
		cfg.RefillEvery = DefaultRefillEvery
	}
	if cfg.MinGap < 0 {
		cfg.MinGap = 0
	}
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = DefaultStateTTL
	}
	return &Limiter{cfg: cfg, buckets: make(map[string]*bucket)}
}

// CanSend consumes a token for userID and reports whether the send may go out.
// A send less than MinGap after the previous successful send is refused no
// matter how many tokens remain.
func (l *Limiter) CanSend(userID string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.gcLocked(now, userID)

	b, ok := l.buckets[userID]
	if !ok {
		b = &bucket{tokens: l.cfg.BucketSize, lastRefill: now}
		l.buckets[userID] = b
	}

	if !b.lastSent.IsZero() && now.Sub(b.lastSent) < l.cfg.MinGap {
		return false
	}

	if elapsed := now.Sub(b.lastRefill); elapsed >= l.cfg.RefillEvery {
		intervals := int(elapsed / l.cfg.RefillEvery)
		b.tokens += intervals
		if b.tokens > l.cfg.BucketSize {
			b.tokens = l.cfg.BucketSize
		}
		b.lastRefill = b.lastRefill.Add(time.Duration(intervals) * l.cfg.RefillEvery)
	}

	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	b.lastSent = now
	return true
}

// Tracked returns the number of users with bucket state.
func (l *Limiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *Limiter) gcLocked(now time.Time, keep string) {
	cutoff := now.Add(-l.cfg.StateTTL)
	for id, b := range l.buckets {
		if id == keep {
			continue
		}
		last := b.lastSent
		if b.lastRefill.After(last) {
			last = b.lastRefill
		}
		if last.Before(cutoff) {
			delete(l.buckets, id)
		}
	}
}
