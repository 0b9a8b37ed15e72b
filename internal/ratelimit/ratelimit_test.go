package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMessageBucketAllowsBurstThenBlocks(t *testing.T) {
	l := NewWithRates(1, 3, 1, 3)
	for i := 0; i < 3; i++ {
		assert.True(t, l.AllowMessage("user_alice"))
	}
	assert.False(t, l.AllowMessage("user_alice"))
}

func TestBucketsArePerIdentity(t *testing.T) {
	l := NewWithRates(1, 1, 1, 1)
	assert.True(t, l.AllowMessage("user_alice"))
	assert.False(t, l.AllowMessage("user_alice"))
	assert.True(t, l.AllowMessage("user_bob"))
}

func TestChunkBucketIndependentOfMessageBucket(t *testing.T) {
	l := NewWithRates(1, 1, 1, 1)
	assert.True(t, l.AllowMessage("user_alice"))
	assert.True(t, l.AllowChunk("user_alice"))
}

func TestRetryAfterIsPositiveWhenExhausted(t *testing.T) {
	l := NewWithRates(1, 1, 1, 1)
	assert.True(t, l.AllowMessage("user_alice"))
	assert.False(t, l.AllowMessage("user_alice"))
	assert.Greater(t, l.RetryAfterMessage("user_alice"), time.Duration(0))
}

func TestForgetDropsIdentityState(t *testing.T) {
	l := NewWithRates(1, 1, 1, 1)
	assert.True(t, l.AllowMessage("user_alice"))
	l.Forget("user_alice")
	// fresh bucket after forgetting: full burst available again.
	assert.True(t, l.AllowMessage("user_alice"))
}

func TestGCIdleRemovesOnlyStaleBuckets(t *testing.T) {
	l := New()
	l.AllowMessage("user_alice")
	removed := l.GCIdle(time.Now().Add(-gcIdleAfter - time.Second))
	assert.Equal(t, 0, removed, "touched-in-the-future cutoff should not remove anything")
	removed = l.GCIdle(time.Now().Add(gcIdleAfter + time.Second))
	assert.Equal(t, 1, removed)
}

func TestConnLimiterAllowsUpToMaxAccepts(t *testing.T) {
	c := NewConnLimiter()
	c.maxAccepts = 2
	c.rejectLimit = 100
	for i := 0; i < 2; i++ {
		assert.True(t, c.Allow("1.2.3.4:5000"))
	}
	assert.False(t, c.Allow("1.2.3.4:5001"))
}

func TestConnLimiterBansAfterRejectLimit(t *testing.T) {
	c := NewConnLimiter()
	c.maxAccepts = 1
	c.rejectLimit = 2
	c.banDuration = time.Hour

	assert.True(t, c.Allow("9.9.9.9:1"))
	assert.False(t, c.Allow("9.9.9.9:2")) // reject 1
	assert.False(t, c.Allow("9.9.9.9:3")) // reject 2 -> banned
	assert.False(t, c.Allow("9.9.9.9:4")) // banned regardless of window
}

func TestConnLimiterIsolatesByIP(t *testing.T) {
	c := NewConnLimiter()
	c.maxAccepts = 1
	assert.True(t, c.Allow("1.1.1.1:1"))
	assert.True(t, c.Allow("2.2.2.2:1"))
}
