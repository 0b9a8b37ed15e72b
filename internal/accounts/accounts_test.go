package accounts

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterThenAuthenticate(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "user_profiles.json"))
	now := time.Now()
	require.NoError(t, s.Register("alice", "hunter2", now))

	require.NoError(t, s.Authenticate("alice", "hunter2"))
	assert.Equal(t, ErrWrongPassword, s.Authenticate("alice", "wrong"))
}

func TestRegisterTwiceRejected(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "user_profiles.json"))
	now := time.Now()
	require.NoError(t, s.Register("alice", "hunter2", now))
	assert.Equal(t, ErrAlreadyRegistered, s.Register("alice", "other", now))
}

func TestAuthenticateUnregisteredNickname(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "user_profiles.json"))
	assert.Equal(t, ErrNotRegistered, s.Authenticate("ghost", "whatever"))
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "user_profiles.json")
	s := New(path)
	now := time.Now()
	require.NoError(t, s.Register("alice", "hunter2", now))

	reloaded := New(path)
	require.NoError(t, reloaded.Load())
	require.NoError(t, reloaded.Authenticate("alice", "hunter2"))
}

func TestUpdateProfilePartialUpdate(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "user_profiles.json"))
	now := time.Now()
	require.NoError(t, s.Register("alice", "hunter2", now))
	require.NoError(t, s.UpdateProfile("alice", "hi there", "", ""))
	require.NoError(t, s.UpdateProfile("alice", "", "brb", ""))

	acc, ok := s.Get("alice")
	require.True(t, ok)
	assert.Equal(t, "hi there", acc.Bio)
	assert.Equal(t, "brb", acc.StatusMessage)
}

func TestTouchUpdatesLastSeenForRegisteredOnly(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "user_profiles.json"))
	now := time.Now()
	require.NoError(t, s.Register("alice", "hunter2", now))

	later := now.Add(time.Hour)
	s.Touch("alice", later)
	s.Touch("ghost", later) // no-op, must not panic

	acc, ok := s.Get("alice")
	require.True(t, ok)
	assert.Equal(t, later, acc.LastSeen)
}

func TestLoadMissingFileIsNotError(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "does-not-exist.json"))
	require.NoError(t, s.Load())
}
