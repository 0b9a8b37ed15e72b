package queue

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueueThenDrainPreservesOrder(t *testing.T) {
	q := New(t.TempDir())
	now := time.Now()
	for i := 0; i < 3; i++ {
		q.Enqueue("user_bob", "m"+string(rune('0'+i)), "user_alice", "alice", "private_message", json.RawMessage(`{}`), 0, now)
	}
	out := q.Drain("user_bob", now)
	require.Len(t, out, 3)
	assert.Equal(t, "m0", out[0].MessageID)
	assert.Equal(t, "m2", out[2].MessageID)
	assert.Equal(t, 0, q.Depth("user_bob"))
}

func TestDropOldestOnOverflow(t *testing.T) {
	q := NewWithLimits(t.TempDir(), 2, DefaultTTL)
	now := time.Now()
	q.Enqueue("user_bob", "m0", "user_alice", "alice", "private_message", nil, 0, now)
	q.Enqueue("user_bob", "m1", "user_alice", "alice", "private_message", nil, 0, now)
	q.Enqueue("user_bob", "m2", "user_alice", "alice", "private_message", nil, 0, now)

	out := q.Drain("user_bob", now)
	require.Len(t, out, 2)
	assert.Equal(t, "m1", out[0].MessageID)
	assert.Equal(t, "m2", out[1].MessageID)
	assert.Equal(t, int64(1), q.Stats().TotalDropped)
}

func TestDrainFiltersExpiredEntries(t *testing.T) {
	q := New(t.TempDir())
	past := time.Now().Add(-48 * time.Hour)
	q.Enqueue("user_bob", "old", "user_alice", "alice", "private_message", nil, time.Hour, past)
	q.Enqueue("user_bob", "fresh", "user_alice", "alice", "private_message", nil, 0, time.Now())

	out := q.Drain("user_bob", time.Now())
	require.Len(t, out, 1)
	assert.Equal(t, "fresh", out[0].MessageID)
	assert.Equal(t, int64(1), q.Stats().TotalExpired)
}

func TestCleanupExpiredWithoutDraining(t *testing.T) {
	q := New(t.TempDir())
	past := time.Now().Add(-48 * time.Hour)
	q.Enqueue("user_bob", "old", "user_alice", "alice", "private_message", nil, time.Hour, past)
	q.Enqueue("user_bob", "fresh", "user_alice", "alice", "private_message", nil, 0, time.Now())

	removed := q.CleanupExpired(time.Now())
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, q.Depth("user_bob"))
}

func TestFlushThenLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	q := New(dir)
	now := time.Now()
	q.Enqueue("user_bob", "m0", "user_alice", "alice", "private_message", json.RawMessage(`{"x":1}`), 0, now)
	require.NoError(t, q.Flush())

	reloaded := New(dir)
	require.NoError(t, reloaded.Load(time.Now()))
	out := reloaded.Drain("user_bob", time.Now())
	require.Len(t, out, 1)
	assert.Equal(t, "m0", out[0].MessageID)
	assert.Equal(t, int64(1), reloaded.Stats().TotalEnqueued)
}

func TestLoadFiltersExpiredEntries(t *testing.T) {
	dir := t.TempDir()
	q := New(dir)
	past := time.Now().Add(-48 * time.Hour)
	q.Enqueue("user_bob", "old", "user_alice", "alice", "private_message", nil, time.Hour, past)
	require.NoError(t, q.Flush())

	reloaded := New(dir)
	require.NoError(t, reloaded.Load(time.Now()))
	assert.Equal(t, 0, reloaded.Depth("user_bob"))
}

func TestFlushRemovesFileOnceQueueDrains(t *testing.T) {
	dir := t.TempDir()
	q := New(dir)
	now := time.Now()
	q.Enqueue("user_bob", "m0", "user_alice", "alice", "private_message", nil, 0, now)
	require.NoError(t, q.Flush())
	q.Drain("user_bob", now)
	require.NoError(t, q.Flush())

	reloaded := New(dir)
	require.NoError(t, reloaded.Load(now))
	assert.Equal(t, 0, reloaded.Depth("user_bob"))
}

func TestLoadMissingDirIsNotError(t *testing.T) {
	q := New(filepath.Join(t.TempDir(), "does-not-exist"))
	require.NoError(t, q.Load(time.Now()))
}
