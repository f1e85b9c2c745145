// Package ratelimit enforces a per-key requests-per-minute ceiling using
// lazily created, lazily refilled token buckets. There is no background
// goroutine: a bucket only advances when a request actually checks it,
// and no cross-process coordination is attempted.
package ratelimit

import (
	"sync"
	"time"
)

// Result is the outcome of a rate limit check.
type Result struct {
	Allowed           bool
	Limit             int
	Remaining         int
	RetryAfterSeconds float64
}

// bucket is a token bucket with lazy refill.
type bucket struct {
	tokens   float64
	max      float64
	rate     float64 // tokens per second
	lastFill time.Time
}

func newBucket(rpm int) *bucket {
	return &bucket{
		tokens:   float64(rpm),
		max:      float64(rpm),
		rate:     float64(rpm) / 60.0,
		lastFill: time.Now(),
	}
}

func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastFill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = min(b.max, b.tokens+elapsed*b.rate)
	b.lastFill = now
}

func (b *bucket) tryConsume(now time.Time) (remaining int, allowed bool) {
	b.refill(now)
	if b.tokens >= 1 {
		b.tokens -= 1
		return int(b.tokens), true
	}
	return 0, false
}

func (b *bucket) retryAfter() float64 {
	if b.tokens >= 1 {
		return 0
	}
	return (1 - b.tokens) / b.rate
}

// Limiter holds a single RPM bucket for one key.
type Limiter struct {
	mu       sync.Mutex
	bucket   *bucket // nil when rpm <= 0, meaning unlimited
	rpm      int
	lastUsed time.Time
}

func newLimiter(rpm int) *Limiter {
	l := &Limiter{rpm: rpm, lastUsed: time.Now()}
	if rpm > 0 {
		l.bucket = newBucket(rpm)
	}
	return l
}

// Allow consumes one token from the bucket.
func (l *Limiter) Allow() Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	l.lastUsed = now

	if l.bucket == nil {
		return Result{Allowed: true}
	}

	remaining, ok := l.bucket.tryConsume(now)
	if ok {
		return Result{Allowed: true, Limit: l.rpm, Remaining: remaining}
	}
	return Result{
		Allowed:           false,
		Limit:             l.rpm,
		Remaining:         0,
		RetryAfterSeconds: l.bucket.retryAfter(),
	}
}

// Registry manages one Limiter per key, created on first use.
type Registry struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
}

// NewRegistry returns an empty rate limiter registry.
func NewRegistry() *Registry {
	return &Registry{limiters: make(map[string]*Limiter)}
}

// GetOrCreate returns the limiter for keyID, creating one with rpm if it
// doesn't exist yet. If the key's configured rpm has changed since the
// limiter was created, a fresh limiter replaces it.
func (r *Registry) GetOrCreate(keyID string, rpm int) *Limiter {
	r.mu.RLock()
	l, ok := r.limiters[keyID]
	r.mu.RUnlock()
	if ok && l.rpm == rpm {
		return l
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[keyID]; ok && l.rpm == rpm {
		return l
	}
	l = newLimiter(rpm)
	r.limiters[keyID] = l
	return l
}

// EvictStale removes limiters whose last use predates cutoff, bounding
// memory growth for registries that see many distinct, short-lived keys.
func (r *Registry) EvictStale(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for k, l := range r.limiters {
		l.mu.Lock()
		stale := l.lastUsed.Before(cutoff)
		l.mu.Unlock()
		if stale {
			delete(r.limiters, k)
			evicted++
		}
	}
	return evicted
}
