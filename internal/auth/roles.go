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

package auth

import (
	"time"

	"github.com/larry-lines/justirc/internal/store"
)

// GrantRole begins an op_user/mod_user grant.
// Only the owner may grant operator; owner or any operator may grant
// mod. The target must be a live member. On success the caller must
// send an op_password_request{action:"set", granted_by, is_mod} to
// target and wait for HandleOpPasswordResponse.
func (e *Engine) GrantRole(granterID, targetID, channel string, mod bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ch, err := e.store.Get(channel)
	if err != nil {
		return err
	}
	if !e.live[channel][targetID] {
		return ErrNotInChannel
	}
	if granterID == targetID {
		return ErrSelfTarget
	}
	if mod {
		if !ch.IsOperator(granterID) {
			return ErrPermissionDenied
		}
	} else {
		if granterID != ch.Owner {
			return ErrPermissionDenied
		}
	}

	e.pendingGrant[pendingKey{channel, targetID}] = &pendingGrant{grantedBy: granterID, isMod: mod}
	return nil
}

// RevokeRole removes an operator or mod role:
// owner-only for unop, operator-or-above for unmod. The role set
// membership AND the stored role credential are both removed, so the
// target must fully re-authenticate to regain the role later.
func (e *Engine) RevokeRole(revokerID, targetID, channel string, mod bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ch, err := e.store.Get(channel)
	if err != nil {
		return err
	}
	if mod {
		if !ch.IsOperator(revokerID) {
			return ErrPermissionDenied
		}
		delete(ch.Mods, targetID)
	} else {
		if revokerID != ch.Owner {
			return ErrPermissionDenied
		}
		delete(ch.Operators, targetID)
	}
	delete(ch.RoleCredentials, targetID)
	return e.store.Save()
}

// Kick removes targetID from channel's live membership.
// Mods/ops/owner may kick; mods cannot kick ops; nobody can
// kick the owner; self-kick is rejected. Role-set membership is
// cleared but role credentials are kept, since a kick is not a revoke.
func (e *Engine) Kick(kickerID, targetID, channel, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ch, err := e.store.Get(channel)
	if err != nil {
		return err
	}
	if kickerID == targetID {
		return ErrSelfTarget
	}
	if !ch.IsMod(kickerID) {
		return ErrPermissionDenied
	}
	if targetID == ch.Owner {
		return ErrPermissionDenied
	}
	if ch.IsOperator(targetID) && !ch.IsOperator(kickerID) {
		return ErrPermissionDenied // a mod cannot kick an operator
	}
	if !e.live[channel][targetID] {
		return ErrNotInChannel
	}

	e.removeLive(channel, targetID)
	delete(ch.Operators, targetID)
	delete(ch.Mods, targetID)
	return e.store.Save()
}

// Leave removes userID from channel's live membership voluntarily. It
// is a no-op on role-set membership and credentials, unlike Kick/Ban,
// since the user chose to leave rather than being removed.
func (e *Engine) Leave(userID, channel string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.live[channel][userID] {
		return ErrNotInChannel
	}
	e.removeLive(channel, userID)
	return nil
}

// Ban adds a ban record for targetID, operator-or-
// owner only. durationSecs of zero means the ban never expires. If the
// target is currently a member, Ban implicitly kicks them too.
func (e *Engine) Ban(bannerID, bannerNickname, targetID, channel, reason string, durationSecs int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ch, err := e.store.Get(channel)
	if err != nil {
		return err
	}
	if !ch.IsOperator(bannerID) {
		return ErrPermissionDenied
	}

	var expires *time.Time
	if durationSecs > 0 {
		t := time.Now().Add(time.Duration(durationSecs) * time.Second)
		expires = &t
	}
	ch.Banned[targetID] = store.BanRecord{
		BannedBy:         bannerID,
		BannedByNickname: bannerNickname,
		Reason:           reason,
		Timestamp:        time.Now(),
		ExpiresAt:        expires,
	}

	if e.live[channel][targetID] {
		e.removeLive(channel, targetID)
		delete(ch.Operators, targetID)
		delete(ch.Mods, targetID)
	}
	return e.store.Save()
}

// Unban removes a ban record, symmetric with Ban.
func (e *Engine) Unban(actorID, targetID, channel string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ch, err := e.store.Get(channel)
	if err != nil {
		return err
	}
	if !ch.IsOperator(actorID) {
		return ErrPermissionDenied
	}
	delete(ch.Banned, targetID)
	return e.store.Save()
}

// CanInvite reports whether actorID may invite into channel
// (operator-or-owner, and must themselves be a member).
func (e *Engine) CanInvite(actorID, channel string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ch, err := e.store.Get(channel)
	if err != nil {
		return err
	}
	if !e.live[channel][actorID] {
		return ErrNotInChannel
	}
	if !ch.IsOperator(actorID) {
		return ErrPermissionDenied
	}
	return nil
}

// TransferOwnership hands channel ownership to targetID: owner-only,
// and the target must already be an operator.
func (e *Engine) TransferOwnership(ownerID, targetID, channel string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ch, err := e.store.Get(channel)
	if err != nil {
		return err
	}
	if ownerID != ch.Owner {
		return ErrPermissionDenied
	}
	if !ch.Operators[targetID] {
		return ErrNotAnOperator
	}
	ch.Owner = targetID
	return e.store.Save()
}

// SetTopic updates a channel's topic,
// operator-or-owner only.
func (e *Engine) SetTopic(actorID, channel, topic string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ch, err := e.store.Get(channel)
	if err != nil {
		return err
	}
	if !ch.IsOperator(actorID) {
		return ErrPermissionDenied
	}
	ch.Topic = topic
	return e.store.Save()
}

// SetMode toggles a channel mode flag, operator-or-owner only.
func (e *Engine) SetMode(actorID, channel string, mode store.Mode, enable bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !store.ValidMode(mode) {
		return ErrInvalidMode
	}
	ch, err := e.store.Get(channel)
	if err != nil {
		return err
	}
	if !ch.IsOperator(actorID) {
		return ErrPermissionDenied
	}
	if enable {
		ch.Modes[mode] = true
	} else {
		delete(ch.Modes, mode)
	}
	return e.store.Save()
}

// MayPostInModeratedChannel implements the moderated-channel send gate:
// when mode 'm' is set, only owner/operators/mods may post.
func (e *Engine) MayPostInModeratedChannel(userID, channel string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ch, err := e.store.Get(channel)
	if err != nil {
		return false, err
	}
	if !ch.Modes[store.ModeModerated] {
		return true, nil
	}
	return ch.IsMod(userID), nil
}
