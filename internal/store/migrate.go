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

package store

import (
	"encoding/json"
	"time"
)

// migrateChannel builds an in-memory Channel from the on-disk shape,
// normalizing legacy encodings along the way: old
// flat-hash role credentials become {password_hash, role: operator},
// and legacy ban entries keyed by user id that carry no timestamp
// become {reason: "legacy", timestamp: now, expires_at: nil} records.
// A ban list stored as a bare JSON array of user ids is not accepted:
// it fails to decode and Load returns the error. The normalized shape
// is what gets written back out on the next Save.
func migrateChannel(name string, raw onDiskChannel) (*Channel, error) {
	ch := NewChannel(name, raw.ChannelKeyB64)
	ch.JoinPasswordHash = raw.JoinPasswordHash
	ch.CreatorPasswordHash = raw.CreatorPasswordHash
	ch.Owner = raw.Owner
	ch.Topic = raw.Topic

	for _, uid := range raw.Operators {
		ch.Operators[uid] = true
	}
	for _, uid := range raw.Mods {
		ch.Mods[uid] = true
	}
	for _, m := range raw.Modes {
		if len(m) == 1 && ValidMode(Mode(m[0])) {
			ch.Modes[Mode(m[0])] = true
		}
	}

	for uid, rawCred := range raw.RoleCredentials {
		cred, err := migrateRoleCredential(rawCred)
		if err != nil {
			return nil, err
		}
		ch.RoleCredentials[uid] = cred
	}

	for uid, rawBan := range raw.Banned {
		ban, err := migrateBanRecord(rawBan)
		if err != nil {
			return nil, err
		}
		ch.Banned[uid] = ban
	}

	return ch, nil
}

// migrateRoleCredential accepts either the current {password_hash, role}
// shape or the legacy bare-hash-string shape: operator_passwords
// [channel][uid] being sometimes a hash string, sometimes a {password,
// role} dict. A legacy bare hash is assumed to have granted operator,
// since the legacy format predates moderator support.
func migrateRoleCredential(raw json.RawMessage) (RoleCredential, error) {
	var cred RoleCredential
	if err := json.Unmarshal(raw, &cred); err == nil && cred.PasswordHash != "" {
		if cred.Role == "" {
			cred.Role = RoleOperator
		}
		return cred, nil
	}

	var legacyHash string
	if err := json.Unmarshal(raw, &legacyHash); err != nil {
		return RoleCredential{}, err
	}
	return RoleCredential{PasswordHash: legacyHash, Role: RoleOperator}, nil
}

// legacyBanRecord is the old shape: just a marker that a user-id was
// banned, no metadata.
type legacyBanRecord struct {
	Reason string `json:"reason"`
}

// migrateBanRecord accepts the current {banned_by, reason, timestamp,
// expires_at} shape, or a legacy set-membership marker that carries no
// metadata at all. Legacy entries become {reason:"legacy", timestamp,
// expires_at:null} records.
func migrateBanRecord(raw json.RawMessage) (BanRecord, error) {
	var ban BanRecord
	if err := json.Unmarshal(raw, &ban); err == nil && !ban.Timestamp.IsZero() {
		return ban, nil
	}

	// legacy: either `true`/`{}`-shaped, or a bare reason string.
	return BanRecord{Reason: "legacy", Timestamp: time.Now(), ExpiresAt: nil}, nil
}
