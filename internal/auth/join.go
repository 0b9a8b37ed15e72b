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

// JoinOutcome is what the caller should do with a Resolve result.
type JoinOutcome int

const (
	// OutcomeComplete means the caller should immediately call
	// CompleteJoin with the decision's role flags.
	OutcomeComplete JoinOutcome = iota
	// OutcomePendingAuth means the caller must send an
	// op_password_request to the requester and wait for
	// HandleOpPasswordResponse before the join completes.
	OutcomePendingAuth
)

// JoinDecision is the result of Resolve: either go straight to
// completion, or prompt the requester for a role password first.
type JoinDecision struct {
	Outcome    JoinOutcome
	Action     string // "set" | "verify", only meaningful for OutcomePendingAuth
	ShouldBeOp bool
	IsOwner    bool
	IsMod      bool
	ChannelKey string // only populated for a brand-new channel
}

// Resolve runs the five-case join classification for
// userID joining channel with the given optional passwords. On success
// it either returns a decision the caller can complete immediately, or
// one that requires a password round-trip first (stashed in the
// pendingAuth slot under (channel, userID)).
func (e *Engine) Resolve(userID, channel, joinPassword, creatorPassword string) (JoinDecision, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ch, err := e.store.Get(channel)
	channelIsNew := err != nil

	if !channelIsNew {
		if ban, banned := ch.Banned[userID]; banned {
			if !ban.Expired(time.Now()) {
				return JoinDecision{}, &BanError{Channel: channel, Reason: ban.Reason}
			}
			delete(ch.Banned, userID)
		}
	}

	var (
		shouldBeOp     bool
		isOwner        bool
		authViaCreator bool
		newChannelKey  string
	)

	if channelIsNew {
		if len(creatorPassword) < 4 {
			return JoinDecision{}, ErrPasswordTooShort
		}
		key, kerr := store.GenerateChannelKeyB64()
		if kerr != nil {
			return JoinDecision{}, kerr
		}
		ch = store.NewChannel(channel, key)
		ch.Owner = userID
		ch.CreatorPasswordHash = store.HashPassword(creatorPassword)
		if joinPassword != "" {
			ch.JoinPasswordHash = store.HashPassword(joinPassword)
		}
		if cerr := e.store.Create(ch); cerr != nil {
			return JoinDecision{}, cerr
		}
		shouldBeOp = true
		isOwner = true
		// authViaCreator stays false: there is no prior stored hash to
		// match against at creation time, only one being set, so the
		// operator-prompt step below still runs.
		newChannelKey = key
	} else {
		// Existing, whether currently empty or already live: same
		// password logic either way.
		if creatorPassword != "" && ch.CreatorPasswordHash == store.HashPassword(creatorPassword) {
			shouldBeOp = true
			isOwner = ch.Owner == userID
			authViaCreator = true
		} else if ch.JoinPasswordHash != "" && !ch.HasRoleCredential(userID) {
			if joinPassword == "" || store.HashPassword(joinPassword) != ch.JoinPasswordHash {
				return JoinDecision{}, ErrWrongPassword
			}
		}
	}

	hasRoleCreds := ch.HasRoleCredential(userID)
	var existingRole store.Role
	if hasRoleCreds {
		existingRole = ch.RoleCredentials[userID].Role
	}

	decidedMod := existingRole == store.RoleMod

	switch {
	case hasRoleCreds && !shouldBeOp && !authViaCreator:
		e.pendingAuth[pendingKey{channel, userID}] = &pendingAuth{
			action:       "verify",
			shouldBeOp:   existingRole == store.RoleOperator,
			isOwner:      isOwner,
			decidedMod:   decidedMod,
			existingRole: existingRole,
			hasRoleCreds: true,
		}
		return JoinDecision{Outcome: OutcomePendingAuth, Action: "verify"}, nil

	case shouldBeOp && !authViaCreator:
		action := "set"
		if hasRoleCreds {
			action = "verify"
		}
		e.pendingAuth[pendingKey{channel, userID}] = &pendingAuth{
			action:       action,
			shouldBeOp:   true,
			isOwner:      isOwner,
			hasRoleCreds: hasRoleCreds,
		}
		return JoinDecision{Outcome: OutcomePendingAuth, Action: action}, nil

	default:
		return JoinDecision{
			Outcome:    OutcomeComplete,
			ShouldBeOp: shouldBeOp,
			IsOwner:    isOwner,
			IsMod:      decidedMod,
			ChannelKey: newChannelKey,
		}, nil
	}
}

// CompletionResult is what the caller needs to build the ack and the
// join_channel fan-out broadcast.
type CompletionResult struct {
	Channel     *store.Channel
	Members     []MemberView
	IsOperator  bool
	IsOwner     bool
	IsMod       bool
}

// MemberView is the per-member data the caller needs for the ack's
// member list and the join broadcast.
type MemberView struct {
	UserID     string
	Nickname   string
	PublicKey  string
	IsOperator bool
	IsMod      bool
	IsOwner    bool
}

// CompleteJoin admits userID into channel's live membership, grants the
// decided role, and returns the data needed to build the ack and
// broadcast. Invalidating routing state is left to the caller.
func (e *Engine) CompleteJoin(userID, channel string, shouldBeOp, isOwner, isMod bool) (*CompletionResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ch, err := e.store.Get(channel)
	if err != nil {
		return nil, err
	}

	e.addLive(channel, userID)
	if shouldBeOp {
		ch.Operators[userID] = true
	}
	if isMod {
		ch.Mods[userID] = true
	}
	if err := e.store.Save(); err != nil {
		return nil, err
	}

	return e.buildCompletion(ch, channel, shouldBeOp, isOwner, isMod), nil
}

// buildCompletion assumes e.mu is held.
func (e *Engine) buildCompletion(ch *store.Channel, channel string, isOperator, isOwner, isMod bool) *CompletionResult {
	members := make([]MemberView, 0, len(e.live[channel]))
	for uid := range e.live[channel] {
		nick, pub, _ := e.dir.NicknameAndKey(uid)
		members = append(members, MemberView{
			UserID:     uid,
			Nickname:   nick,
			PublicKey:  pub,
			IsOperator: ch.IsOperator(uid),
			IsMod:      ch.IsMod(uid),
			IsOwner:    uid == ch.Owner,
		})
	}
	return &CompletionResult{
		Channel:    ch,
		Members:    members,
		IsOperator: isOperator,
		IsOwner:    isOwner,
		IsMod:      isMod,
	}
}

// HandleOpPasswordResponse processes an op_password_response for
// userID in channel, covering both arms: a pending role grant
// (op_user/mod_user) and a pending join authentication.
// isGrant (with grantedMod) is set only on the grant arm; completion is
// non-nil only once the join path actually completes.
func (e *Engine) HandleOpPasswordResponse(userID, channel, password string) (completion *CompletionResult, grantedMod bool, isGrant bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := pendingKey{channel, userID}

	if grant, ok := e.pendingGrant[key]; ok {
		if len(password) < 4 {
			return nil, false, true, ErrPasswordTooShort
		}
		ch, gerr := e.store.Get(channel)
		if gerr != nil {
			return nil, false, true, gerr
		}
		role := store.RoleOperator
		if grant.isMod {
			role = store.RoleMod
		}
		ch.RoleCredentials[userID] = store.RoleCredential{PasswordHash: store.HashPassword(password), Role: role}
		if grant.isMod {
			ch.Mods[userID] = true
		} else {
			ch.Operators[userID] = true
		}
		if serr := e.store.Save(); serr != nil {
			return nil, false, true, serr
		}
		delete(e.pendingGrant, key)
		return nil, grant.isMod, true, nil
	}

	pending, ok := e.pendingAuth[key]
	if !ok {
		return nil, false, false, ErrNoPendingAuth
	}

	ch, gerr := e.store.Get(channel)
	if gerr != nil {
		return nil, false, false, gerr
	}

	if pending.hasRoleCreds {
		cred := ch.RoleCredentials[userID]
		if store.HashPassword(password) != cred.PasswordHash {
			return nil, false, false, ErrWrongPassword
		}
	} else {
		if len(password) < 4 {
			return nil, false, false, ErrPasswordTooShort
		}
		role := store.RoleOperator
		if !pending.shouldBeOp {
			role = store.RoleMod
		}
		ch.RoleCredentials[userID] = store.RoleCredential{PasswordHash: store.HashPassword(password), Role: role}
	}

	delete(e.pendingAuth, key)

	e.addLive(channel, userID)
	if pending.shouldBeOp {
		ch.Operators[userID] = true
	}
	if pending.decidedMod || pending.existingRole == store.RoleMod {
		ch.Mods[userID] = true
	}
	if serr := e.store.Save(); serr != nil {
		return nil, false, false, serr
	}

	result := e.buildCompletion(ch, channel, pending.shouldBeOp, pending.isOwner, pending.decidedMod || pending.existingRole == store.RoleMod)
	return result, false, false, nil
}
