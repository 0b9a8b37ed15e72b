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

// Package ipfilter holds the durable blacklist/whitelist of addresses
// and CIDR networks. The temporary-ban check lives in
// internal/ratelimit's ConnLimiter, not here: callers compose both (see
// internal/broker's accept path) since a temp-ban is connection-attempt
// state, not a durable administrative decision.
package ipfilter

import (
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
)

// entry is one persisted blacklist/whitelist item: either a bare IP or
// a CIDR network, stored as its original string form for round-trip
// fidelity and parsed lazily at evaluation time.
type entry struct {
	Raw string `json:"raw"`
}

// onDisk is the persisted shape of both lists.
type onDisk struct {
	Blacklist []entry `json:"blacklist"`
	Whitelist []entry `json:"whitelist"`
}

// Filter evaluates inbound addresses against a durable blacklist and
// an optional whitelist.
type Filter struct {
	path string

	mu            sync.RWMutex
	blacklist     []entry
	whitelist     []entry
	whitelistMode bool

	persistMu sync.Mutex
}

// New creates an empty Filter backed by path; call Load to populate it.
func New(path string) *Filter {
	return &Filter{path: path}
}

// Load reads the filter lists if the file exists. A missing file means
// both lists start empty, matching Store.Load's "first run" contract.
func (f *Filter) Load() error {
	bts, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var d onDisk
	if err := json.Unmarshal(bts, &d); err != nil {
		return err
	}
	f.mu.Lock()
	f.blacklist = d.Blacklist
	f.whitelist = d.Whitelist
	f.whitelistMode = len(d.Whitelist) > 0
	f.mu.Unlock()
	return nil
}

// save serializes both lists with the same atomic-replace pattern
// internal/store uses.
func (f *Filter) save() error {
	f.mu.RLock()
	d := onDisk{Blacklist: f.blacklist, Whitelist: f.whitelist}
	f.mu.RUnlock()

	bts, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}

	f.persistMu.Lock()
	defer f.persistMu.Unlock()

	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, ".ipfilter-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(bts); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, f.path)
}

// matches reports whether addr (a bare IP, no port) is covered by any
// entry in list, whether that entry is a single address or a CIDR.
func matches(list []entry, addr string) bool {
	ip := net.ParseIP(addr)
	for _, e := range list {
		if e.Raw == addr {
			return true
		}
		if ip == nil {
			continue
		}
		if _, network, err := net.ParseCIDR(e.Raw); err == nil && network.Contains(ip) {
			return true
		}
		if entryIP := net.ParseIP(e.Raw); entryIP != nil && entryIP.Equal(ip) {
			return true
		}
	}
	return false
}

// Allow evaluates the filter in order: blacklist hit denies;
// whitelist-mode-with-no-hit denies; otherwise allow. Active temp-ban
// checking is the caller's responsibility via ConnLimiter.
func (f *Filter) Allow(addr string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if matches(f.blacklist, addr) {
		return false
	}
	if f.whitelistMode && !matches(f.whitelist, addr) {
		return false
	}
	return true
}

// Blacklist adds addr (an IP or CIDR string) to the blacklist and
// persists the change.
func (f *Filter) Blacklist(addr string) error {
	f.mu.Lock()
	f.blacklist = append(f.blacklist, entry{Raw: addr})
	f.mu.Unlock()
	return f.save()
}

// Whitelist adds addr to the whitelist and persists the change. Adding
// the first whitelist entry switches the filter into whitelist mode.
func (f *Filter) Whitelist(addr string) error {
	f.mu.Lock()
	f.whitelist = append(f.whitelist, entry{Raw: addr})
	f.whitelistMode = true
	f.mu.Unlock()
	return f.save()
}

// ClearBlacklist empties the blacklist and persists the change.
func (f *Filter) ClearBlacklist() error {
	f.mu.Lock()
	f.blacklist = nil
	f.mu.Unlock()
	return f.save()
}

// ClearWhitelist empties the whitelist, also turning whitelist mode
// off, and persists the change.
func (f *Filter) ClearWhitelist() error {
	f.mu.Lock()
	f.whitelist = nil
	f.whitelistMode = false
	f.mu.Unlock()
	return f.save()
}

// Blacklisted reports whether addr currently matches the blacklist,
// used by admin tooling to display current state without mutating it.
func (f *Filter) Blacklisted(addr string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return matches(f.blacklist, addr)
}

// WhitelistMode reports whether the filter is currently enforcing a
// whitelist (i.e. has at least one whitelist entry).
func (f *Filter) WhitelistMode() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.whitelistMode
}
