package ipfilter

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmptyFilterAllowsEverything(t *testing.T) {
	f := New(filepath.Join(t.TempDir(), "ipfilter.json"))
	assert.True(t, f.Allow("1.2.3.4"))
}

func TestBlacklistedAddressDenied(t *testing.T) {
	f := New(filepath.Join(t.TempDir(), "ipfilter.json"))
	require.NoError(t, f.Blacklist("1.2.3.4"))
	assert.False(t, f.Allow("1.2.3.4"))
	assert.True(t, f.Allow("5.6.7.8"))
}

func TestBlacklistedCIDRDeniesWholeRange(t *testing.T) {
	f := New(filepath.Join(t.TempDir(), "ipfilter.json"))
	require.NoError(t, f.Blacklist("10.0.0.0/24"))
	assert.False(t, f.Allow("10.0.0.42"))
	assert.True(t, f.Allow("10.0.1.1"))
}

func TestWhitelistModeDeniesNonMembers(t *testing.T) {
	f := New(filepath.Join(t.TempDir(), "ipfilter.json"))
	require.NoError(t, f.Whitelist("1.2.3.4"))
	assert.True(t, f.Allow("1.2.3.4"))
	assert.False(t, f.Allow("9.9.9.9"))
}

func TestBlacklistTakesPrecedenceOverWhitelist(t *testing.T) {
	f := New(filepath.Join(t.TempDir(), "ipfilter.json"))
	require.NoError(t, f.Whitelist("1.2.3.4"))
	require.NoError(t, f.Blacklist("1.2.3.4"))
	assert.False(t, f.Allow("1.2.3.4"))
}

func TestClearBlacklistRestoresAllow(t *testing.T) {
	f := New(filepath.Join(t.TempDir(), "ipfilter.json"))
	require.NoError(t, f.Blacklist("1.2.3.4"))
	require.NoError(t, f.ClearBlacklist())
	assert.True(t, f.Allow("1.2.3.4"))
}

func TestClearWhitelistTurnsModeOff(t *testing.T) {
	f := New(filepath.Join(t.TempDir(), "ipfilter.json"))
	require.NoError(t, f.Whitelist("1.2.3.4"))
	assert.True(t, f.WhitelistMode())
	require.NoError(t, f.ClearWhitelist())
	assert.False(t, f.WhitelistMode())
	assert.True(t, f.Allow("9.9.9.9"))
}

func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ipfilter.json")
	f := New(path)
	require.NoError(t, f.Blacklist("10.0.0.0/8"))
	require.NoError(t, f.Whitelist("192.168.1.1"))

	reloaded := New(path)
	require.NoError(t, reloaded.Load())
	assert.False(t, reloaded.Allow("10.1.2.3"))
	assert.True(t, reloaded.Allow("192.168.1.1"))
	assert.False(t, reloaded.Allow("8.8.8.8"))
}

func TestLoadMissingFileIsNotError(t *testing.T) {
	f := New(filepath.Join(t.TempDir(), "does-not-exist.json"))
	require.NoError(t, f.Load())
	assert.True(t, f.Allow("1.2.3.4"))
}

func TestLoadMalformedFileIsError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ipfilter.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	f := New(path)
	assert.Error(t, f.Load())
}
