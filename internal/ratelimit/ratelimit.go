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

// Package ratelimit implements the per-identity message/chunk token
// buckets and the per-IP connection limiter. Bucket state
// is only ever mutated by its owning identity's session plus the
// periodic garbage-collection pass, so each bucket carries its own
// mutex rather than sharing one big lock across every identity.
package ratelimit

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Default bucket parameters.
const (
	DefaultMessageRatePerSec = 3.0 // 30 per 10s
	DefaultMessageBurst      = 30
	DefaultChunkRatePerSec   = 10.0 // 100 per 10s
	DefaultChunkBurst        = 100

	DefaultConnAccepts       = 5
	DefaultConnWindow        = 60 * time.Second
	DefaultConnRejectLimit   = 10
	DefaultConnTempBan       = 300 * time.Second

	// gcIdleAfter is how long an identity bucket may sit untouched
	// before the background sweep reclaims it.
	gcIdleAfter = 10 * time.Minute
)

// identityBuckets is the pair of token buckets assigned to every
// registered identity.
type identityBuckets struct {
	messages   *rate.Limiter
	chunks     *rate.Limiter
	lastTouch  time.Time
}

// Limiter tracks one token-bucket pair per identity. The zero value is
// not usable; construct with New.
type Limiter struct {
	mu    sync.Mutex
	byUser map[string]*identityBuckets

	messageRate  rate.Limit
	messageBurst int
	chunkRate    rate.Limit
	chunkBurst   int
}

// New creates a Limiter using the default rates.
func New() *Limiter {
	return NewWithRates(DefaultMessageRatePerSec, DefaultMessageBurst, DefaultChunkRatePerSec, DefaultChunkBurst)
}

// NewWithRates allows overriding the defaults, e.g. from config.
func NewWithRates(messageRatePerSec float64, messageBurst int, chunkRatePerSec float64, chunkBurst int) *Limiter {
	return &Limiter{
		byUser:       make(map[string]*identityBuckets),
		messageRate:  rate.Limit(messageRatePerSec),
		messageBurst: messageBurst,
		chunkRate:    rate.Limit(chunkRatePerSec),
		chunkBurst:   chunkBurst,
	}
}

func (l *Limiter) bucketsFor(userID string) *identityBuckets {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.byUser[userID]
	if !ok {
		b = &identityBuckets{
			messages: rate.NewLimiter(l.messageRate, l.messageBurst),
			chunks:   rate.NewLimiter(l.chunkRate, l.chunkBurst),
		}
		l.byUser[userID] = b
	}
	b.lastTouch = time.Now()
	return b
}

// AllowMessage reports whether userID may send one more message frame
// right now, consuming a token if so.
func (l *Limiter) AllowMessage(userID string) bool {
	return l.bucketsFor(userID).messages.Allow()
}

// AllowChunk reports whether userID may send one more image_chunk frame
// right now, consuming a token if so.
func (l *Limiter) AllowChunk(userID string) bool {
	return l.bucketsFor(userID).chunks.Allow()
}

// RetryAfterMessage reports how long userID must wait before its next
// message token is available, for the error{retry_after_seconds} reply.
func (l *Limiter) RetryAfterMessage(userID string) time.Duration {
	b := l.bucketsFor(userID)
	r := b.messages.Reserve()
	defer r.Cancel()
	return r.Delay()
}

// RetryAfterChunk is RetryAfterMessage's counterpart for chunk frames.
func (l *Limiter) RetryAfterChunk(userID string) time.Duration {
	b := l.bucketsFor(userID)
	r := b.chunks.Reserve()
	defer r.Cancel()
	return r.Delay()
}

// Forget drops an identity's buckets, called on disconnect cleanup so a
// churning client can't accumulate unbounded bucket state under
// rotating user ids.
func (l *Limiter) Forget(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.byUser, userID)
}

// GCIdle removes buckets untouched for longer than gcIdleAfter, so aged
// bucket entries are garbage-collected on a background pass.
func (l *Limiter) GCIdle(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for id, b := range l.byUser {
		if now.Sub(b.lastTouch) > gcIdleAfter {
			delete(l.byUser, id)
			removed++
		}
	}
	return removed
}

// connState is the per-IP accounting window for the connection limiter.
type connState struct {
	accepts   []time.Time
	rejects   int
	bannedUntil time.Time
}

// ConnLimiter gates new TCP accepts by source IP: at most
// DefaultConnAccepts accepts per DefaultConnWindow, and after
// DefaultConnRejectLimit rejections within that window the IP is
// temporarily banned. State is kept per IP in a sliding window rather
// than a single counter so old activity ages out naturally.
type ConnLimiter struct {
	mu    sync.Mutex
	byIP  map[string]*connState

	maxAccepts  int
	window      time.Duration
	rejectLimit int
	banDuration time.Duration
}

// NewConnLimiter creates a ConnLimiter using the default parameters.
func NewConnLimiter() *ConnLimiter {
	return &ConnLimiter{
		byIP:        make(map[string]*connState),
		maxAccepts:  DefaultConnAccepts,
		window:      DefaultConnWindow,
		rejectLimit: DefaultConnRejectLimit,
		banDuration: DefaultConnTempBan,
	}
}

// hostOf strips the port from a dial-style address, falling back to
// the raw string if it isn't host:port shaped (e.g. already bare).
func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// Allow reports whether a new connection from addr should be accepted.
// A rejection is recorded against the IP's window; crossing
// rejectLimit within the window starts a temporary ban.
func (c *ConnLimiter) Allow(addr string) bool {
	ip := hostOf(addr)
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.byIP[ip]
	if !ok {
		s = &connState{}
		c.byIP[ip] = s
	}

	if now.Before(s.bannedUntil) {
		return false
	}

	cutoff := now.Add(-c.window)
	kept := s.accepts[:0]
	for _, t := range s.accepts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.accepts = kept

	if len(s.accepts) >= c.maxAccepts {
		s.rejects++
		if s.rejects >= c.rejectLimit {
			s.bannedUntil = now.Add(c.banDuration)
			s.rejects = 0
		}
		return false
	}

	s.accepts = append(s.accepts, now)
	s.rejects = 0
	return true
}

// GCIdle drops per-IP state for addresses with no recent activity and
// no active ban, keeping the map bounded under IP churn.
func (c *ConnLimiter) GCIdle(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for ip, s := range c.byIP {
		if now.Before(s.bannedUntil) {
			continue
		}
		stale := true
		cutoff := now.Add(-c.window)
		for _, t := range s.accepts {
			if t.After(cutoff) {
				stale = false
				break
			}
		}
		if stale && s.rejects == 0 {
			delete(c.byIP, ip)
			removed++
		}
	}
	return removed
}
