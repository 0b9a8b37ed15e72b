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

// Package auth implements the join state machine, role management, and
// moderation operations on top of internal/store's durable
// channel records. Engine owns the transient, connection-scoped state
// the store deliberately excludes: which user ids are currently live
// members of a channel, and the pending-auth/pending-grant slots a
// multi-message handshake needs between requests.
package auth

import (
	"errors"
	"sync"

	"github.com/larry-lines/justirc/internal/store"
)

// Directory resolves a connected user's nickname and public key, so
// Engine can build member lists and broadcasts without owning
// connection state itself. The broker's session registry implements
// this.
type Directory interface {
	NicknameAndKey(userID string) (nickname, publicKeyB64 string, ok bool)
}

var (
	ErrChannelNotFound  = errors.New("auth: channel not found")
	ErrNotInChannel     = errors.New("auth: target is not a member")
	ErrNotConnected     = errors.New("auth: target is not connected")
	ErrPermissionDenied = errors.New("auth: insufficient privilege")
	ErrSelfTarget       = errors.New("auth: cannot target self")
	ErrPasswordTooShort = errors.New("auth: password must be at least 4 characters")
	ErrWrongPassword    = errors.New("auth: incorrect password")
	ErrNoPendingAuth    = errors.New("auth: no pending authorization for this user")
	ErrNoPendingGrant   = errors.New("auth: no pending grant for this user")
	ErrNotAnOperator    = errors.New("auth: target must be an operator")
	ErrInvalidMode      = errors.New("auth: invalid channel mode")
)

// BanError reports an active ban, carrying the reason for the
// user-facing message ("you are banned from C: reason").
type BanError struct {
	Channel string
	Reason  string
}

func (e *BanError) Error() string {
	return "you are banned from " + e.Channel + ": " + e.Reason
}

type pendingKey struct {
	channel string
	userID  string
}

// pendingAuth is the state carried between sending op_password_request
// and receiving op_password_response on the join path.
type pendingAuth struct {
	action           string // "set" | "verify"
	shouldBeOp       bool
	isOwner          bool
	decidedMod       bool
	existingRole     store.Role
	hasRoleCreds     bool
}

// pendingGrant is the state carried between sending op_password_request
// for a role grant (op_user/mod_user) and the response.
type pendingGrant struct {
	grantedBy string
	isMod     bool
}

// Engine resolves joins, tracks live membership, and carries out every
// moderation operation.
type Engine struct {
	store *store.Store
	dir   Directory

	mu           sync.Mutex
	live         map[string]map[string]bool // channel -> live user ids
	pendingAuth  map[pendingKey]*pendingAuth
	pendingGrant map[pendingKey]*pendingGrant
}

// New creates an Engine over st, resolving connected-user metadata
// through dir.
func New(st *store.Store, dir Directory) *Engine {
	return &Engine{
		store:        st,
		dir:          dir,
		live:         make(map[string]map[string]bool),
		pendingAuth:  make(map[pendingKey]*pendingAuth),
		pendingGrant: make(map[pendingKey]*pendingGrant),
	}
}

// LiveMembers returns the set of user ids currently live in channel.
func (e *Engine) LiveMembers(channel string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	set := e.live[channel]
	out := make([]string, 0, len(set))
	for uid := range set {
		out = append(out, uid)
	}
	return out
}

// IsLiveMember reports whether userID is currently a live member of
// channel.
func (e *Engine) IsLiveMember(channel, userID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.live[channel][userID]
}

// channelsOf returns every channel userID is currently a live member
// of, used by whois and disconnect cleanup.
func (e *Engine) channelsOf(userID string) []string {
	var out []string
	for ch, members := range e.live {
		if members[userID] {
			out = append(out, ch)
		}
	}
	return out
}

// ChannelsOf is the exported form of channelsOf.
func (e *Engine) ChannelsOf(userID string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.channelsOf(userID)
}

func (e *Engine) addLive(channel, userID string) {
	if e.live[channel] == nil {
		e.live[channel] = make(map[string]bool)
	}
	e.live[channel][userID] = true
}

func (e *Engine) removeLive(channel, userID string) {
	if members, ok := e.live[channel]; ok {
		delete(members, userID)
	}
}

// Disconnect removes userID from every channel's live membership and
// role sets (but not its stored role credentials, which survive for
// the next join) and clears any pending slots, called by the
// session-close cleanup path. It returns the channels the user was
// live in, so the caller can fan out `leave_channel`/`disconnect`
// notifications.
func (e *Engine) Disconnect(userID string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	channels := e.channelsOf(userID)
	for _, chName := range channels {
		e.removeLive(chName, userID)
		if ch, err := e.store.Get(chName); err == nil {
			delete(ch.Operators, userID)
			delete(ch.Mods, userID)
		}
	}
	for key := range e.pendingAuth {
		if key.userID == userID {
			delete(e.pendingAuth, key)
		}
	}
	for key := range e.pendingGrant {
		if key.userID == userID {
			delete(e.pendingGrant, key)
		}
	}
	e.store.Save()
	return channels
}
