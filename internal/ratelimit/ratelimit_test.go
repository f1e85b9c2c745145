package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiter_AllowsUpToBurst(t *testing.T) {
	l := newLimiter(60) // 1 token/sec, burst of 60

	first := l.Allow()
	assert.True(t, first.Allowed)
	assert.Equal(t, 59, first.Remaining)
}

func TestLimiter_DeniesWhenExhausted(t *testing.T) {
	l := newLimiter(1)

	first := l.Allow()
	assert.True(t, first.Allowed)

	second := l.Allow()
	assert.False(t, second.Allowed)
	assert.Greater(t, second.RetryAfterSeconds, 0.0)
}

func TestLimiter_RefillsOverTime(t *testing.T) {
	l := newLimiter(60)
	l.bucket.tokens = 0
	l.bucket.lastFill = time.Now().Add(-2 * time.Second)

	result := l.Allow()
	assert.True(t, result.Allowed)
}

func TestLimiter_Unlimited(t *testing.T) {
	l := newLimiter(0)
	for i := 0; i < 1000; i++ {
		assert.True(t, l.Allow().Allowed)
	}
}

func TestRegistry_GetOrCreate_ReusesLimiter(t *testing.T) {
	r := NewRegistry()
	a := r.GetOrCreate("key-1", 60)
	b := r.GetOrCreate("key-1", 60)
	assert.Same(t, a, b)
}

func TestRegistry_GetOrCreate_RecreatesOnLimitChange(t *testing.T) {
	r := NewRegistry()
	a := r.GetOrCreate("key-1", 60)
	b := r.GetOrCreate("key-1", 30)
	assert.NotSame(t, a, b)
}

func TestRegistry_EvictStale(t *testing.T) {
	r := NewRegistry()
	r.GetOrCreate("key-1", 60)
	evicted := r.EvictStale(time.Now().Add(time.Hour))
	assert.Equal(t, 1, evicted)
}
