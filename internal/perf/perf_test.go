package perf

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectTracksPeakConcurrency(t *testing.T) {
	m := New(time.Minute)
	now := time.Now()
	m.Connect("c1", now)
	m.Connect("c2", now)
	assert.Equal(t, 2, m.ActiveConnections())
	assert.Equal(t, 2, m.PeakConnections())

	m.Disconnect("c1")
	assert.Equal(t, 1, m.ActiveConnections())
	assert.Equal(t, 2, m.PeakConnections(), "peak must not decrease on disconnect")
}

func TestRecordReceivedUpdatesConnAndWindow(t *testing.T) {
	m := New(time.Minute)
	now := time.Now()
	m.Connect("c1", now)
	m.RecordReceived("c1", 128, now)
	m.RecordReceived("c1", 64, now)

	snap, ok := m.Snapshot("c1")
	require.True(t, ok)
	assert.Equal(t, int64(2), snap.MessagesReceived)
	assert.Equal(t, int64(192), snap.BytesReceived)
	assert.Equal(t, 2, m.MessageRate(now))
}

func TestMessageRateTrimsOutsideWindow(t *testing.T) {
	m := New(time.Minute)
	now := time.Now()
	m.Connect("c1", now)
	m.RecordReceived("c1", 1, now.Add(-2*time.Minute))
	m.RecordReceived("c1", 1, now)

	assert.Equal(t, 1, m.MessageRate(now))
}

func TestIdleConnectionsReportsOnlyStale(t *testing.T) {
	m := New(time.Minute)
	now := time.Now()
	m.Connect("fresh", now)
	m.Connect("stale", now.Add(-time.Hour))

	idle := m.IdleConnections(now, 10*time.Minute)
	require.Len(t, idle, 1)
	assert.Equal(t, "stale", idle[0])
}

func TestTouchRefreshesLastActivityWithoutCountingAMessage(t *testing.T) {
	m := New(time.Minute)
	now := time.Now()
	m.Connect("c1", now.Add(-time.Hour))
	m.Touch("c1", now)

	snap, ok := m.Snapshot("c1")
	require.True(t, ok)
	assert.Equal(t, int64(0), snap.MessagesReceived)
	assert.WithinDuration(t, now, snap.LastActivity, time.Second)
}

func TestChannelCountersAccumulate(t *testing.T) {
	m := New(time.Minute)
	m.SetChannelMembers("#dev", 3)
	m.RecordChannelMessage("#dev")
	m.RecordChannelMessage("#dev")

	snap := m.ChannelSnapshot("#dev")
	assert.Equal(t, 3, snap.Members)
	assert.Equal(t, int64(2), snap.Messages)
}

func TestSnapshotOfUnknownConnReturnsFalse(t *testing.T) {
	m := New(time.Minute)
	_, ok := m.Snapshot("ghost")
	assert.False(t, ok)
}

func TestSummaryIncludesConnectionAndChannelRows(t *testing.T) {
	m := New(time.Minute)
	now := time.Now()
	m.Connect("c1", now)
	m.RecordReceived("c1", 2048, now)
	m.RecordSent("c1", 1024, now)
	m.SetChannelMembers("#dev", 2)
	m.RecordChannelMessage("#dev")

	out := m.Summary(now)
	assert.True(t, strings.Contains(out, "active connections"))
	assert.True(t, strings.Contains(out, "#dev"))
}

func TestSummaryOmitsChannelTableWhenNoChannels(t *testing.T) {
	m := New(time.Minute)
	out := m.Summary(time.Now())
	assert.True(t, strings.Contains(out, "peak connections"))
	assert.False(t, strings.Contains(out, "members"))
}
