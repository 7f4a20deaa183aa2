package internal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterSlidingWindow(t *testing.T) {
	limiter := NewRateLimiter(2, time.Minute)
	now := fixedNow
	limiter.now = func() time.Time { return now }

	assert.True(t, limiter.Allow("10.0.0.1"))
	assert.True(t, limiter.Allow("10.0.0.1"))
	assert.False(t, limiter.Allow("10.0.0.1"))
	assert.True(t, limiter.Allow("10.0.0.2"), "keys are independent")

	now = now.Add(30 * time.Second)
	assert.False(t, limiter.Allow("10.0.0.1"))

	now = now.Add(31 * time.Second)
	assert.True(t, limiter.Allow("10.0.0.1"))
}

func TestRateLimiterSweepsIdleKeys(t *testing.T) {
	limiter := NewRateLimiter(1, time.Second)
	now := fixedNow
	limiter.now = func() time.Time { return now }

	limiter.Allow("idle")
	now = now.Add(time.Hour)
	for i := 0; i < 256; i++ {
		limiter.Allow("busy")
	}
	_, kept := limiter.hits["idle"]
	assert.False(t, kept)
}

func TestRateLimiterSweepKeepsLiveCounts(t *testing.T) {
	limiter := NewRateLimiter(3, time.Minute)
	now := fixedNow
	limiter.now = func() time.Time { return now }

	limiter.Allow("live")
	now = now.Add(50 * time.Second)
	limiter.Allow("live")
	now = now.Add(20 * time.Second)
	for limiter.calls%256 != 255 {
		limiter.Allow("other")
	}
	limiter.Allow("other")
	assert.Len(t, limiter.hits["live"], 1, "only the hit inside the window remains")

	assert.True(t, limiter.Allow("live"))
	assert.True(t, limiter.Allow("live"))
	assert.False(t, limiter.Allow("live"))
}

func TestPrune(t *testing.T) {
	base := fixedNow
	hits := []time.Time{base, base.Add(time.Second), base.Add(2 * time.Second)}

	assert.Equal(t, []time.Time{base.Add(2 * time.Second)}, prune(hits, base.Add(time.Second)))
	assert.Empty(t, prune(nil, base))
}
