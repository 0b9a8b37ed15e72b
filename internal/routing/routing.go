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

// Package routing caches channel membership for fast fan-out lookups.
// It is an optimization only: the authoritative member
// set lives in internal/store and internal/auth; this cache exists so
// a broadcast does not have to walk the store on every message. Any
// membership mutation invalidates the affected channel's entry.
package routing

import "sync"

// Cache maps a channel name to its current member-id set. The zero
// value is not usable; construct with New.
type Cache struct {
	mu   sync.RWMutex
	byCh map[string]map[string]bool

	hits   int64
	misses int64
}

// New creates an empty Cache.
func New() *Cache {
	return &Cache{byCh: make(map[string]map[string]bool)}
}

// Members returns the cached member-id set for channel, and whether the
// entry was present (a cache hit). On a miss the caller is expected to
// populate the entry via Set from the authoritative store.
func (c *Cache) Members(channel string) (map[string]bool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	set, ok := c.byCh[channel]
	return set, ok
}

// Lookup is Members plus built-in hit/miss accounting, the shape most
// callers want.
func (c *Cache) Lookup(channel string) (map[string]bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.byCh[channel]
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	return set, ok
}

// Set installs the authoritative member-id set for channel, replacing
// any prior cached entry. Callers pass a fresh copy; Set does not clone
// its argument.
func (c *Cache) Set(channel string, members map[string]bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byCh[channel] = members
}

// Invalidate drops channel's cached entry, forcing the next Lookup to
// miss and the caller to repopulate from the store. Called on every
// membership mutation for the channel.
func (c *Cache) Invalidate(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byCh, channel)
}

// InvalidateAll clears every cached entry, used on broker restart or
// bulk channel-store reload.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byCh = make(map[string]map[string]bool)
}

// Stats is a point-in-time hit/miss snapshot for operator observability.
type Stats struct {
	Hits   int64
	Misses int64
}

// Stats returns the current hit/miss counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{Hits: c.hits, Misses: c.misses}
}
