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

// Package queue implements the offline message queue:
// per-recipient FIFO with a capacity cap and drop-oldest overflow,
// lazy+eager TTL expiry, and one-file-per-recipient JSON persistence,
// the same serialize-then-replace shape internal/store uses.
package queue

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Default capacity, retention, and flush parameters.
const (
	DefaultCapacity  = 1000
	DefaultTTL       = 7 * 24 * time.Hour
	DefaultFlushEvery = 60 * time.Second
	DefaultCleanupEvery = 3600 * time.Second
)

// Envelope is one queued record. Payload
// holds the exact JSON the recipient would have received live; the
// queue performs no transformation on it.
type Envelope struct {
	MessageID       string          `json:"message_id"`
	RecipientID     string          `json:"recipient_id"`
	SenderID        string          `json:"sender_id"`
	SenderNickname  string          `json:"sender_nickname"`
	MessageType     string          `json:"message_type"`
	OpaquePayload   json.RawMessage `json:"opaque_payload"`
	EnqueuedAt      time.Time       `json:"enqueued_at"`
	TTLSeconds      int64           `json:"ttl_seconds"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// expired reports whether e has outlived its TTL as of now.
func (e Envelope) expired(now time.Time) bool {
	return now.After(e.EnqueuedAt.Add(time.Duration(e.TTLSeconds) * time.Second))
}

// Stats is the observability counters persisted alongside the queue.
type Stats struct {
	TotalEnqueued int64 `json:"total_enqueued"`
	TotalDropped  int64 `json:"total_dropped"` // drop-oldest overflow evictions
	TotalExpired  int64 `json:"total_expired"`
	TotalDelivered int64 `json:"total_delivered"`
}

var ErrQueueDirRequired = errors.New("queue: directory path is required")

// Queue owns every recipient's FIFO and the shared stats counters.
type Queue struct {
	dir      string
	capacity int
	ttl      time.Duration

	mu      sync.Mutex
	byUser  map[string][]Envelope
	stats   Stats
}

// New creates a Queue persisting under dir with the spec default
// capacity and TTL.
func New(dir string) *Queue {
	return NewWithLimits(dir, DefaultCapacity, DefaultTTL)
}

// NewWithLimits allows overriding capacity/TTL, e.g. from config.
func NewWithLimits(dir string, capacity int, ttl time.Duration) *Queue {
	return &Queue{
		dir:      dir,
		capacity: capacity,
		ttl:      ttl,
		byUser:   make(map[string][]Envelope),
	}
}

func (q *Queue) fileFor(userID string) string {
	return filepath.Join(q.dir, userID+".json")
}

func (q *Queue) statsFile() string {
	return filepath.Join(q.dir, statsFileName)
}

// Enqueue appends a new envelope for recipientID, generating
// enqueued_at from now. If the recipient's queue is at capacity, the
// oldest entry is dropped to make room and a drop counter is
// incremented. Enqueue always succeeds from the caller's point of view.
func (q *Queue) Enqueue(recipientID, messageID, senderID, senderNickname, messageType string, payload json.RawMessage, ttl time.Duration, now time.Time) {
	if ttl <= 0 {
		ttl = q.ttl
	}
	env := Envelope{
		MessageID:      messageID,
		RecipientID:    recipientID,
		SenderID:       senderID,
		SenderNickname: senderNickname,
		MessageType:    messageType,
		OpaquePayload:  payload,
		EnqueuedAt:     now,
		TTLSeconds:     int64(ttl / time.Second),
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.stats.TotalEnqueued++
	fifo := q.byUser[recipientID]
	if len(fifo) >= q.capacity {
		fifo = fifo[1:]
		q.stats.TotalDropped++
	}
	q.byUser[recipientID] = append(fifo, env)
}

// Drain returns every non-expired envelope queued for userID, in
// enqueue order, and clears that user's queue. Called on reconnect so
// queued envelopes are emitted before any live traffic.
func (q *Queue) Drain(userID string, now time.Time) []Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()

	fifo := q.byUser[userID]
	delete(q.byUser, userID)
	if q.dir != "" {
		os.Remove(q.fileFor(userID))
	}

	out := make([]Envelope, 0, len(fifo))
	for _, e := range fifo {
		if e.expired(now) {
			q.stats.TotalExpired++
			continue
		}
		out = append(out, e)
	}
	q.stats.TotalDelivered += int64(len(out))
	return out
}

// Depth reports how many envelopes are currently queued for userID,
// for observability.
func (q *Queue) Depth(userID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byUser[userID])
}

// CleanupExpired removes expired entries from every recipient's queue
// without draining it, run eagerly on a periodic cleanup pass. Returns
// the number of entries removed.
func (q *Queue) CleanupExpired(now time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	for userID, fifo := range q.byUser {
		kept := fifo[:0]
		for _, e := range fifo {
			if e.expired(now) {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(q.byUser, userID)
		} else {
			q.byUser[userID] = kept
		}
	}
	q.stats.TotalExpired += int64(removed)
	return removed
}

// Stats returns a snapshot of the current counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}
