// Copyright (c) 2020 Sperax
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies of
// the Software, and to permit persons to whom the Software is furnished to do so,
// subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS
// FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE AUTHORS OR
// COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER
// IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN
// CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.

// Package perf tracks per-connection and broker-global performance
// counters: connection lifecycle timestamps and
// byte/message counts, a sliding window of recent message timestamps
// for rate reporting, per-channel counters, and peak concurrency.
package perf

import (
	"sync"
	"time"
)

// ConnStats is the per-connection accounting record.
type ConnStats struct {
	ConnectedAt      time.Time
	LastActivity     time.Time
	MessagesSent     int64
	MessagesReceived int64
	BytesSent        int64
	BytesReceived    int64
}

// IdleFor reports how long the connection has gone without activity,
// used by the broker's idle-connection cleanup task.
func (s ConnStats) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastActivity)
}

// ChannelStats is the per-channel message/member counters.
type ChannelStats struct {
	Messages int64
	Members  int
}

// windowCapacity bounds the sliding window's memory; entries older
// than the configured window are trimmed lazily on read.
const windowCapacity = 8192

// Monitor is the broker-global performance tracker. The zero value is
// not usable; construct with New.
type Monitor struct {
	mu sync.Mutex

	conns   map[string]*ConnStats
	peak    int
	channels map[string]*ChannelStats

	messageTimestamps []time.Time
	window            time.Duration
}

// New creates a Monitor with the given sliding-window duration for
// rate calculation.
func New(window time.Duration) *Monitor {
	return &Monitor{
		conns:    make(map[string]*ConnStats),
		channels: make(map[string]*ChannelStats),
		window:   window,
	}
}

// Connect registers a new connection under connID and updates the
// peak-concurrency counter.
func (m *Monitor) Connect(connID string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[connID] = &ConnStats{ConnectedAt: now, LastActivity: now}
	if len(m.conns) > m.peak {
		m.peak = len(m.conns)
	}
}

// Disconnect removes connID's accounting entry.
func (m *Monitor) Disconnect(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conns, connID)
}

// RecordReceived accounts for an inbound frame of n bytes on connID,
// and feeds the global rate-calculation sliding window.
func (m *Monitor) RecordReceived(connID string, n int, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conns[connID]; ok {
		c.MessagesReceived++
		c.BytesReceived += int64(n)
		c.LastActivity = now
	}
	m.messageTimestamps = append(m.messageTimestamps, now)
	if len(m.messageTimestamps) > windowCapacity {
		m.messageTimestamps = m.messageTimestamps[len(m.messageTimestamps)-windowCapacity:]
	}
}

// RecordSent accounts for an outbound frame of n bytes on connID.
func (m *Monitor) RecordSent(connID string, n int, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conns[connID]; ok {
		c.MessagesSent++
		c.BytesSent += int64(n)
		c.LastActivity = now
	}
}

// Touch refreshes a connection's last-activity time without recording
// a message, used for non-message traffic (e.g. a read that produced
// only a ping).
func (m *Monitor) Touch(connID string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conns[connID]; ok {
		c.LastActivity = now
	}
}

// Snapshot returns a copy of connID's current stats.
func (m *Monitor) Snapshot(connID string) (ConnStats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[connID]
	if !ok {
		return ConnStats{}, false
	}
	return *c, true
}

// IdleConnections returns the connection ids whose last activity is
// older than threshold as of now, for the broker's idle-cleanup pass.
func (m *Monitor) IdleConnections(now time.Time, threshold time.Duration) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var idle []string
	for id, c := range m.conns {
		if c.IdleFor(now) > threshold {
			idle = append(idle, id)
		}
	}
	return idle
}

// PeakConnections returns the highest simultaneous connection count
// observed since the Monitor was created.
func (m *Monitor) PeakConnections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peak
}

// ActiveConnections returns the current connection count.
func (m *Monitor) ActiveConnections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// MessageRate returns the count of messages recorded within the
// trailing window as of now, trimming stale timestamps first.
func (m *Monitor) MessageRate(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trimWindowLocked(now)
	return len(m.messageTimestamps)
}

func (m *Monitor) trimWindowLocked(now time.Time) {
	cutoff := now.Add(-m.window)
	i := 0
	for i < len(m.messageTimestamps) && m.messageTimestamps[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		m.messageTimestamps = m.messageTimestamps[i:]
	}
}

// RecordChannelMessage bumps channel's message counter.
func (m *Monitor) RecordChannelMessage(channel string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channelStatsLocked(channel).Messages++
}

// SetChannelMembers records channel's current member count.
func (m *Monitor) SetChannelMembers(channel string, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channelStatsLocked(channel).Members = count
}

func (m *Monitor) channelStatsLocked(channel string) *ChannelStats {
	c, ok := m.channels[channel]
	if !ok {
		c = &ChannelStats{}
		m.channels[channel] = c
	}
	return c
}

// ChannelSnapshot returns a copy of channel's stats.
func (m *Monitor) ChannelSnapshot(channel string) ChannelStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.channels[channel]; ok {
		return *c
	}
	return ChannelStats{}
}
