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

// Package store holds the durable channel-record state: passwords
// (hashed), roles, bans, topic, and modes. Channel AEAD keys are
// generated once at channel creation and never rotated by the broker —
// rotating them would orphan any ciphertext already sitting in the
// offline message queue.
package store

import (
	"regexp"
	"strings"
	"time"
)

// Mode is one of a channel's mode flags.
type Mode byte

const (
	ModeModerated  Mode = 'm'
	ModeSecret     Mode = 's'
	ModeInviteOnly Mode = 'i'
	ModeNoExternal Mode = 'n'
	ModePrivate    Mode = 'p'
)

var validModes = map[Mode]bool{
	ModeModerated: true, ModeSecret: true, ModeInviteOnly: true,
	ModeNoExternal: true, ModePrivate: true,
}

// ValidMode reports whether m is one of the five recognized mode flags.
func ValidMode(m Mode) bool { return validModes[m] }

// Role is a per-user, per-channel privilege level beyond plain member.
type Role string

const (
	RoleOperator Role = "operator"
	RoleMod      Role = "mod"
)

// RoleCredential is the single shape every role-credential record is
// normalized to, regardless of the legacy shape it was loaded from.
type RoleCredential struct {
	PasswordHash string `json:"password_hash"`
	Role         Role   `json:"role"`
}

// BanRecord is one entry in a channel's ban list.
type BanRecord struct {
	BannedBy         string     `json:"banned_by"`
	BannedByNickname string     `json:"banned_by_nickname"`
	Reason           string     `json:"reason"`
	Timestamp        time.Time  `json:"timestamp"`
	ExpiresAt        *time.Time `json:"expires_at"`
}

// Expired reports whether the ban has lapsed as of now.
func (b BanRecord) Expired(now time.Time) bool {
	return b.ExpiresAt != nil && now.After(*b.ExpiresAt)
}

// Channel is the persistent record for one channel. Fields
// that are transient live-membership state are NOT here — see
// broker-side membership tracking in internal/routing and
// internal/session; this type only holds what must survive a restart.
type Channel struct {
	Name                string                     `json:"name"`
	JoinPasswordHash    string                     `json:"join_password_hash,omitempty"`
	CreatorPasswordHash string                     `json:"creator_password_hash"`
	Owner               string                     `json:"owner"`
	Operators           map[string]bool            `json:"operators"`
	Mods                map[string]bool            `json:"mods"`
	RoleCredentials     map[string]RoleCredential  `json:"role_credentials"`
	Banned              map[string]BanRecord       `json:"banned"`
	Topic               string                     `json:"topic"`
	Modes               map[Mode]bool              `json:"modes"`
	ChannelKeyB64        string                    `json:"channel_key"`
}

// NewChannel constructs an empty channel record with the given
// normalized name and channel key; all the mutable maps are
// pre-allocated so callers never need a nil check.
func NewChannel(name, channelKeyB64 string) *Channel {
	return &Channel{
		Name:            name,
		Operators:       make(map[string]bool),
		Mods:            make(map[string]bool),
		RoleCredentials: make(map[string]RoleCredential),
		Banned:          make(map[string]BanRecord),
		Modes:           make(map[Mode]bool),
		ChannelKeyB64:   channelKeyB64,
	}
}

// IsOperator reports operator-equivalent privilege: the owner has
// operator powers by policy even though storage does not require
// owner to also appear in Operators.
func (c *Channel) IsOperator(userID string) bool {
	return userID == c.Owner || c.Operators[userID]
}

// IsMod reports mod-or-higher privilege.
func (c *Channel) IsMod(userID string) bool {
	return c.IsOperator(userID) || c.Mods[userID]
}

// HasRoleCredential reports whether userID has ever been granted a role
// in this channel, even if currently offline: holding a credential does
// not imply current operators/mods membership.
func (c *Channel) HasRoleCredential(userID string) bool {
	_, ok := c.RoleCredentials[userID]
	return ok
}

// channelNamePattern enforces "#" + 1 char minimum body, alphanumerics
// plus "_-", 2-51 chars total after normalization.
var channelNamePattern = regexp.MustCompile(`^#[a-z0-9_-]{1,50}$`)

// NormalizeChannelName lowercases, turns spaces into hyphens, and
// validates the result. Normalization is idempotent: calling this
// twice on an already-normalized name is a no-op so long as it's
// already valid.
func NormalizeChannelName(raw string) (string, bool) {
	name := strings.ToLower(strings.TrimSpace(raw))
	name = strings.ReplaceAll(name, " ", "-")
	if !channelNamePattern.MatchString(name) {
		return "", false
	}
	if len(name) < 2 || len(name) > 51 {
		return "", false
	}
	return name, true
}
