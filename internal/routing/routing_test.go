package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLookupMissThenHitAfterSet(t *testing.T) {
	c := New()

	_, ok := c.Lookup("#dev")
	assert.False(t, ok)

	c.Set("#dev", map[string]bool{"user_alice": true})
	set, ok := c.Lookup("#dev")
	assert.True(t, ok)
	assert.True(t, set["user_alice"])

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestInvalidateForcesNextLookupToMiss(t *testing.T) {
	c := New()
	c.Set("#dev", map[string]bool{"user_alice": true})
	c.Invalidate("#dev")

	_, ok := c.Lookup("#dev")
	assert.False(t, ok)
}

func TestInvalidateAllClearsEveryChannel(t *testing.T) {
	c := New()
	c.Set("#dev", map[string]bool{"user_alice": true})
	c.Set("#ops", map[string]bool{"user_bob": true})

	c.InvalidateAll()

	_, devOK := c.Lookup("#dev")
	_, opsOK := c.Lookup("#ops")
	assert.False(t, devOK)
	assert.False(t, opsOK)
}

func TestMembersDoesNotAffectHitMissCounters(t *testing.T) {
	c := New()
	c.Set("#dev", map[string]bool{"user_alice": true})

	_, ok := c.Members("#dev")
	assert.True(t, ok)
	stats := c.Stats()
	assert.Equal(t, int64(0), stats.Hits)
	assert.Equal(t, int64(0), stats.Misses)
}
