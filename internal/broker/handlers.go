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

package broker

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/larry-lines/justirc/internal/auth"
	"github.com/larry-lines/justirc/internal/envelope"
	"github.com/larry-lines/justirc/internal/session"
	"github.com/larry-lines/justirc/internal/store"
)

// errDisconnect is a sentinel handler error that tells Serve to close
// the session without logging it as a protocol failure.
var errDisconnect = errors.New("broker: client requested disconnect")

// errAuthFailed tells Serve to close the session after a wrong
// password during join-gate verification, preventing repeated guesses
// over the same connection.
var errAuthFailed = errors.New("broker: join-gate password verification failed")

// dispatch routes one decoded envelope to its handler. A returned error
// closes the session (Serve's contract); handler-level problems that
// shouldn't drop the connection are reported with sendError instead.
func (b *Broker) dispatch(sess *session.Session, e *envelope.Envelope) error {
	now := time.Now()
	b.mon.Touch(sess.ID, now)

	switch e.Type {
	case envelope.TypeRegister:
		return b.handleRegister(sess, e, now)
	case envelope.TypeRegisterNickname:
		return b.handleRegisterNickname(sess, e)
	case envelope.TypeUpdateProfile:
		return b.handleUpdateProfile(sess, e)
	case envelope.TypeGetProfile:
		return b.handleGetProfile(sess, e)
	case envelope.TypeJoinChannel:
		return b.handleJoinChannel(sess, e)
	case envelope.TypeLeaveChannel:
		return b.handleLeaveChannel(sess, e)
	case envelope.TypeOpPasswordResponse:
		return b.handleOpPasswordResponse(sess, e)
	case envelope.TypeOpUser, envelope.TypeModUser:
		return b.handleGrantRole(sess, e, e.Type == envelope.TypeModUser)
	case envelope.TypeUnopUser, envelope.TypeUnmodUser:
		return b.handleRevokeRole(sess, e, e.Type == envelope.TypeUnmodUser)
	case envelope.TypeKickUser:
		return b.handleKick(sess, e)
	case envelope.TypeBanUser:
		return b.handleBan(sess, e)
	case envelope.TypeUnbanUser:
		return b.handleUnban(sess, e)
	case envelope.TypeKickbanUser:
		return b.handleKickban(sess, e)
	case envelope.TypeInviteUser:
		return b.handleInvite(sess, e)
	case envelope.TypeInviteResponse:
		return b.handleInviteResponse(sess, e)
	case envelope.TypeTransferOwnership:
		return b.handleTransferOwnership(sess, e)
	case envelope.TypeSetTopic:
		return b.handleSetTopic(sess, e)
	case envelope.TypeSetMode:
		return b.handleSetMode(sess, e)
	case envelope.TypeSetStatus:
		return b.handleSetStatus(sess, e)
	case envelope.TypeWhois:
		return b.handleWhois(sess, e)
	case envelope.TypeListChannels:
		return b.handleListChannels(sess)
	case envelope.TypePublicKeyRequest:
		return b.handlePublicKeyRequest(sess, e)
	case envelope.TypeRekeyRequest, envelope.TypeRekeyResponse:
		return b.relayToTarget(sess, e, rekeyTargetOf(e))
	case envelope.TypePrivateMessage:
		return b.handlePrivateMessage(sess, e, now)
	case envelope.TypeChannelMessage:
		return b.handleChannelMessage(sess, e, now)
	case envelope.TypeImageStart, envelope.TypeImageChunk, envelope.TypeImageEnd:
		return b.handleImageFrame(sess, e, now)
	case envelope.TypeDisconnect:
		return errDisconnect
	default:
		b.sendError(sess, "unrecognized envelope type: "+string(e.Type))
		return nil
	}
}

func (b *Broker) send(sess *session.Session, typ envelope.Type, payload interface{}) {
	env, err := envelope.New(typ, time.Now().Unix(), payload)
	if err != nil {
		return
	}
	sess.Send(env)
}

func (b *Broker) sendError(sess *session.Session, msg string) {
	b.send(sess, envelope.TypeError, &envelope.ErrorPayload{Error: msg})
}

func (b *Broker) sendRateLimited(sess *session.Session, retryAfter time.Duration) {
	b.send(sess, envelope.TypeError, &envelope.ErrorPayload{
		Error:          "rate limit exceeded",
		RetryAfterSecs: int64(retryAfter / time.Second),
	})
}

// --- registration -----------------------------------------------------

func (b *Broker) handleRegister(sess *session.Session, e *envelope.Envelope, now time.Time) error {
	var p envelope.RegisterPayload
	if err := e.Decode(&p); err != nil || p.Nickname == "" || p.PublicKey == "" {
		b.sendError(sess, "register requires nickname and public_key")
		return nil
	}

	if acc, ok := b.accounts.Get(p.Nickname); ok && acc.Registered {
		if err := b.accounts.Authenticate(p.Nickname, p.Password); err != nil {
			b.sendError(sess, "nickname is registered: wrong password")
			return nil
		}
	}

	b.mu.Lock()
	if _, taken := b.byNickname[p.Nickname]; taken {
		b.mu.Unlock()
		b.sendError(sess, "nickname already in use")
		return nil
	}
	userID := UserIDFor(p.Nickname)
	b.byUser[userID] = &user{
		userID:    userID,
		nickname:  p.Nickname,
		publicKey: p.PublicKey,
		status:    "online",
		sess:      sess,
	}
	b.byNickname[p.Nickname] = userID
	b.mu.Unlock()

	sess.SetIdentity(userID, p.Nickname)
	b.accounts.Touch(p.Nickname, now)

	b.send(sess, envelope.TypeAck, &envelope.AckPayload{Success: true, UserID: userID})

	drained := b.queue.Drain(userID, now)
	for _, qe := range drained {
		env := &envelope.Envelope{Version: envelope.ProtocolVersion, Type: envelope.Type(qe.MessageType), Timestamp: qe.EnqueuedAt.Unix(), Payload: qe.OpaquePayload}
		sess.Send(env)
	}
	if len(drained) > 0 {
		b.send(sess, envelope.TypeAck, &envelope.AckPayload{
			Success: true,
			Message: fmt.Sprintf("Delivered %d queued message(s)", len(drained)),
		})
	}
	return nil
}

func (b *Broker) handleRegisterNickname(sess *session.Session, e *envelope.Envelope) error {
	var p envelope.RegisterNicknamePayload
	if err := e.Decode(&p); err != nil || len(p.Password) < 4 {
		b.sendError(sess, "register_nickname requires nickname and a password of at least 4 characters")
		return nil
	}
	if err := b.accounts.Register(p.Nickname, p.Password, time.Now()); err != nil {
		b.sendError(sess, err.Error())
		return nil
	}
	b.send(sess, envelope.TypeAck, &envelope.AckPayload{Success: true})
	return nil
}

func (b *Broker) handleUpdateProfile(sess *session.Session, e *envelope.Envelope) error {
	nickname := sess.Nickname()
	if nickname == "" {
		b.sendError(sess, "register before updating a profile")
		return nil
	}
	var p envelope.UpdateProfilePayload
	if err := e.Decode(&p); err != nil {
		b.sendError(sess, "malformed update_profile")
		return nil
	}
	if err := b.accounts.UpdateProfile(nickname, p.Bio, p.StatusMessage, p.Avatar); err != nil {
		b.sendError(sess, err.Error())
		return nil
	}
	b.send(sess, envelope.TypeAck, &envelope.AckPayload{Success: true})
	return nil
}

func (b *Broker) handleGetProfile(sess *session.Session, e *envelope.Envelope) error {
	var p envelope.GetProfilePayload
	if err := e.Decode(&p); err != nil || p.TargetNickname == "" {
		b.sendError(sess, "get_profile requires target_nickname")
		return nil
	}
	acc, ok := b.accounts.Get(p.TargetNickname)
	if !ok {
		b.sendError(sess, "no profile for that nickname")
		return nil
	}
	resp := &envelope.ProfileResponsePayload{
		Nickname:      acc.Nickname,
		Bio:           acc.Bio,
		StatusMessage: acc.StatusMessage,
		Avatar:        acc.Avatar,
		Registered:    acc.Registered,
	}
	if !acc.RegistrationDate.IsZero() {
		resp.RegistrationDate = acc.RegistrationDate.Format(time.RFC3339)
	}
	if !acc.LastSeen.IsZero() {
		resp.LastSeen = acc.LastSeen.Format(time.RFC3339)
	}
	b.send(sess, envelope.TypeProfileResponse, resp)
	return nil
}

// --- channel join/leave -------------------------------------------------

func (b *Broker) handleJoinChannel(sess *session.Session, e *envelope.Envelope) error {
	userID := sess.UserID()
	if userID == "" {
		b.sendError(sess, "register before joining a channel")
		return nil
	}
	var p envelope.JoinChannelRequest
	if err := e.Decode(&p); err != nil {
		b.sendError(sess, "malformed join_channel")
		return nil
	}
	channel, ok := store.NormalizeChannelName(p.Channel)
	if !ok {
		b.sendError(sess, "invalid channel name")
		return nil
	}

	decision, err := b.authz.Resolve(userID, channel, p.Password, p.CreatorPassword)
	if err != nil {
		var banErr *auth.BanError
		if errors.As(err, &banErr) {
			b.sendError(sess, banErr.Error())
			return nil
		}
		b.sendError(sess, err.Error())
		return nil
	}

	if decision.Outcome == auth.OutcomePendingAuth {
		b.send(sess, envelope.TypeOpPasswordRequest, &envelope.OpPasswordRequestPayload{
			Channel: channel,
			Action:  decision.Action,
		})
		return nil
	}

	b.completeJoin(sess, userID, channel, decision.ShouldBeOp, decision.IsOwner, decision.IsMod, decision.ChannelKey)
	return nil
}

// completeJoin finishes an already-resolved join: admits live
// membership, acks the joiner with the member list, and broadcasts the
// arrival to everyone already in the channel.
func (b *Broker) completeJoin(sess *session.Session, userID, channel string, shouldBeOp, isOwner, isMod bool, newChannelKey string) {
	result, err := b.authz.CompleteJoin(userID, channel, shouldBeOp, isOwner, isMod)
	if err != nil {
		b.sendError(sess, err.Error())
		return
	}
	b.routes.Invalidate(channel)
	b.mon.SetChannelMembers(channel, len(result.Members))

	ack := &envelope.AckPayload{
		Success:     true,
		Channel:     channel,
		IsOperator:  result.IsOperator,
		IsOwner:     result.IsOwner,
		IsMod:       result.IsMod,
		Topic:       result.Channel.Topic,
		IsProtected: result.Channel.JoinPasswordHash != "",
		ChannelKey:  result.Channel.ChannelKeyB64,
	}
	for _, m := range result.Members {
		ack.Members = append(ack.Members, envelope.MemberInfo{
			UserID: m.UserID, Nickname: m.Nickname, PublicKey: m.PublicKey,
			IsOperator: m.IsOperator, IsMod: m.IsMod, IsOwner: m.IsOwner,
		})
	}
	b.send(sess, envelope.TypeAck, ack)

	nickname, publicKey, _ := b.NicknameAndKey(userID)
	broadcast := &envelope.JoinChannelBroadcast{
		UserID: userID, Nickname: nickname, Channel: channel, PublicKey: publicKey,
		IsOperator: result.IsOperator, IsMod: result.IsMod, IsOwner: result.IsOwner,
	}
	b.broadcastToChannel(channel, envelope.TypeJoinChannel, broadcast, userID)
}

func (b *Broker) handleOpPasswordResponse(sess *session.Session, e *envelope.Envelope) error {
	userID := sess.UserID()
	if userID == "" {
		return nil
	}
	var p envelope.OpPasswordResponsePayload
	if err := e.Decode(&p); err != nil {
		b.sendError(sess, "malformed op_password_response")
		return nil
	}
	completion, grantedMod, isGrant, err := b.authz.HandleOpPasswordResponse(userID, p.Channel, p.Password)
	if err != nil {
		b.sendError(sess, err.Error())
		if errors.Is(err, auth.ErrWrongPassword) {
			return errAuthFailed
		}
		return nil
	}

	if isGrant {
		b.send(sess, envelope.TypeAck, &envelope.AckPayload{Success: true, Channel: p.Channel, IsOperator: !grantedMod, IsMod: grantedMod})
		nickname, _, _ := b.NicknameAndKey(userID)
		grantType := envelope.TypeOpUser
		if grantedMod {
			grantType = envelope.TypeModUser
		}
		b.broadcastToChannel(p.Channel, grantType, &envelope.RoleBroadcastPayload{
			Channel: p.Channel, UserID: userID, Nickname: nickname,
		}, "")
		return nil
	}

	if completion != nil {
		b.routes.Invalidate(p.Channel)
		b.mon.SetChannelMembers(p.Channel, len(completion.Members))

		ack := &envelope.AckPayload{
			Success: true, Channel: p.Channel,
			IsOperator: completion.IsOperator, IsOwner: completion.IsOwner, IsMod: completion.IsMod,
			Topic: completion.Channel.Topic, ChannelKey: completion.Channel.ChannelKeyB64,
		}
		for _, m := range completion.Members {
			ack.Members = append(ack.Members, envelope.MemberInfo{
				UserID: m.UserID, Nickname: m.Nickname, PublicKey: m.PublicKey,
				IsOperator: m.IsOperator, IsMod: m.IsMod, IsOwner: m.IsOwner,
			})
		}
		b.send(sess, envelope.TypeAck, ack)

		nickname, publicKey, _ := b.NicknameAndKey(userID)
		b.broadcastToChannel(p.Channel, envelope.TypeJoinChannel, &envelope.JoinChannelBroadcast{
			UserID: userID, Nickname: nickname, Channel: p.Channel, PublicKey: publicKey,
			IsOperator: completion.IsOperator, IsMod: completion.IsMod, IsOwner: completion.IsOwner,
		}, userID)
	}
	return nil
}

func (b *Broker) handleLeaveChannel(sess *session.Session, e *envelope.Envelope) error {
	userID := sess.UserID()
	var p envelope.LeaveChannelPayload
	if err := e.Decode(&p); err != nil {
		b.sendError(sess, "malformed leave_channel")
		return nil
	}
	if err := b.authz.Leave(userID, p.Channel); err != nil {
		b.sendError(sess, err.Error())
		return nil
	}
	b.routes.Invalidate(p.Channel)
	nickname, _, _ := b.NicknameAndKey(userID)
	b.broadcastLeave(p.Channel, userID, nickname)
	return nil
}

// broadcastLeave tells a channel's remaining live members that userID
// is gone, used by both voluntary leave and disconnect cleanup.
func (b *Broker) broadcastLeave(channel, userID, nickname string) {
	b.broadcastToChannel(channel, envelope.TypeLeaveChannel, &envelope.LeaveChannelPayload{
		Channel: channel, UserID: userID, Nickname: nickname,
	}, userID)
	b.mon.SetChannelMembers(channel, len(b.authz.LiveMembers(channel)))
}

// --- roles and moderation ----------------------------------------------

func (b *Broker) handleGrantRole(sess *session.Session, e *envelope.Envelope, mod bool) error {
	granterID := sess.UserID()
	var p envelope.RoleRequestPayload
	if err := e.Decode(&p); err != nil {
		b.sendError(sess, "malformed role request")
		return nil
	}
	targetID, targetSess, online := b.resolveNickname(p.TargetNickname)
	if !online {
		b.sendError(sess, "target is not connected")
		return nil
	}
	if err := b.authz.GrantRole(granterID, targetID, p.Channel, mod); err != nil {
		b.sendError(sess, err.Error())
		return nil
	}
	b.send(targetSess, envelope.TypeOpPasswordRequest, &envelope.OpPasswordRequestPayload{
		Channel: p.Channel, Action: "set", GrantedBy: granterID, IsMod: mod,
	})
	return nil
}

func (b *Broker) handleRevokeRole(sess *session.Session, e *envelope.Envelope, mod bool) error {
	revokerID := sess.UserID()
	var p envelope.RoleRequestPayload
	if err := e.Decode(&p); err != nil {
		b.sendError(sess, "malformed role request")
		return nil
	}
	targetID, _, _ := b.resolveNickname(p.TargetNickname)
	if err := b.authz.RevokeRole(revokerID, targetID, p.Channel, mod); err != nil {
		b.sendError(sess, err.Error())
		return nil
	}
	b.send(sess, envelope.TypeAck, &envelope.AckPayload{Success: true, Channel: p.Channel})
	nickname, _, _ := b.NicknameAndKey(targetID)
	b.broadcastToChannel(p.Channel, envelope.TypeUnopUser, &envelope.RoleBroadcastPayload{
		Channel: p.Channel, UserID: targetID, Nickname: nickname, RemovedBy: revokerID,
	}, "")
	return nil
}

func (b *Broker) handleKick(sess *session.Session, e *envelope.Envelope) error {
	kickerID := sess.UserID()
	var p envelope.KickUserRequest
	if err := e.Decode(&p); err != nil {
		b.sendError(sess, "malformed kick_user")
		return nil
	}
	targetID, targetSess, online := b.resolveNickname(p.TargetNickname)
	if err := b.authz.Kick(kickerID, targetID, p.Channel, p.Reason); err != nil {
		b.sendError(sess, err.Error())
		return nil
	}
	b.routes.Invalidate(p.Channel)
	if online {
		b.send(targetSess, envelope.TypeKickUser, &envelope.KickNotify{Channel: p.Channel, KickedBy: kickerID, Reason: p.Reason})
	}
	nickname, _, _ := b.NicknameAndKey(targetID)
	b.broadcastLeave(p.Channel, targetID, nickname)
	return nil
}

func (b *Broker) handleBan(sess *session.Session, e *envelope.Envelope) error {
	bannerID := sess.UserID()
	bannerNick := sess.Nickname()
	var p envelope.BanUserRequest
	if err := e.Decode(&p); err != nil {
		b.sendError(sess, "malformed ban_user")
		return nil
	}
	targetID, targetSess, online := b.resolveNickname(p.TargetNickname)
	if err := b.authz.Ban(bannerID, bannerNick, targetID, p.Channel, p.Reason, p.DurationSecs); err != nil {
		b.sendError(sess, err.Error())
		return nil
	}
	b.routes.Invalidate(p.Channel)
	if online {
		b.send(targetSess, envelope.TypeBanUser, &envelope.BanNotify{Channel: p.Channel, BannedBy: bannerID, Reason: p.Reason})
	}
	nickname, _, _ := b.NicknameAndKey(targetID)
	b.broadcastLeave(p.Channel, targetID, nickname)
	return nil
}

func (b *Broker) handleKickban(sess *session.Session, e *envelope.Envelope) error {
	return b.handleBan(sess, e)
}

func (b *Broker) handleUnban(sess *session.Session, e *envelope.Envelope) error {
	actorID := sess.UserID()
	var p envelope.BanUserRequest
	if err := e.Decode(&p); err != nil {
		b.sendError(sess, "malformed unban_user")
		return nil
	}
	targetID, _, _ := b.resolveNickname(p.TargetNickname)
	if err := b.authz.Unban(actorID, targetID, p.Channel); err != nil {
		b.sendError(sess, err.Error())
		return nil
	}
	b.send(sess, envelope.TypeAck, &envelope.AckPayload{Success: true, Channel: p.Channel})
	return nil
}

func (b *Broker) handleInvite(sess *session.Session, e *envelope.Envelope) error {
	actorID := sess.UserID()
	var p envelope.InviteUserPayload
	if err := e.Decode(&p); err != nil {
		b.sendError(sess, "malformed invite_user")
		return nil
	}
	if err := b.authz.CanInvite(actorID, p.Channel); err != nil {
		b.sendError(sess, err.Error())
		return nil
	}
	_, targetSess, online := b.resolveNickname(p.TargetNickname)
	if !online {
		b.sendError(sess, "target is not connected")
		return nil
	}
	p.InviterID = actorID
	p.InviterNickname = sess.Nickname()
	b.send(targetSess, envelope.TypeInviteUser, &p)
	return nil
}

func (b *Broker) handleInviteResponse(sess *session.Session, e *envelope.Envelope) error {
	var p envelope.InviteResponsePayload
	if err := e.Decode(&p); err != nil {
		return nil
	}
	_, inviterSess, online := b.resolveNickname(p.InviterNickname)
	if online {
		b.send(inviterSess, envelope.TypeInviteResponse, &p)
	}
	return nil
}

func (b *Broker) handleTransferOwnership(sess *session.Session, e *envelope.Envelope) error {
	ownerID := sess.UserID()
	var p envelope.TransferOwnershipPayload
	if err := e.Decode(&p); err != nil {
		b.sendError(sess, "malformed transfer_ownership")
		return nil
	}
	targetID, _, _ := b.resolveNickname(p.TargetNickname)
	if err := b.authz.TransferOwnership(ownerID, targetID, p.Channel); err != nil {
		b.sendError(sess, err.Error())
		return nil
	}
	b.send(sess, envelope.TypeAck, &envelope.AckPayload{Success: true, Channel: p.Channel})
	nickname, _, _ := b.NicknameAndKey(targetID)
	b.broadcastToChannel(p.Channel, envelope.TypeTransferOwnership, &envelope.RoleBroadcastPayload{
		Channel: p.Channel, UserID: targetID, Nickname: nickname, GrantedBy: ownerID,
	}, "")
	return nil
}

func (b *Broker) handleSetTopic(sess *session.Session, e *envelope.Envelope) error {
	actorID := sess.UserID()
	var p envelope.SetTopicPayload
	if err := e.Decode(&p); err != nil {
		b.sendError(sess, "malformed set_topic")
		return nil
	}
	if err := b.authz.SetTopic(actorID, p.Channel, p.Topic); err != nil {
		b.sendError(sess, err.Error())
		return nil
	}
	b.broadcastToChannel(p.Channel, envelope.TypeSetTopic, &p, "")
	return nil
}

func (b *Broker) handleSetMode(sess *session.Session, e *envelope.Envelope) error {
	actorID := sess.UserID()
	var p envelope.SetModePayload
	if err := e.Decode(&p); err != nil || len(p.Mode) != 1 {
		b.sendError(sess, "malformed set_mode")
		return nil
	}
	if err := b.authz.SetMode(actorID, p.Channel, store.Mode(p.Mode[0]), p.Enable); err != nil {
		b.sendError(sess, err.Error())
		return nil
	}
	b.broadcastToChannel(p.Channel, envelope.TypeSetMode, &p, "")
	return nil
}

// --- presence ------------------------------------------------------------

func (b *Broker) handleSetStatus(sess *session.Session, e *envelope.Envelope) error {
	userID := sess.UserID()
	if userID == "" {
		return nil
	}
	var p envelope.SetStatusPayload
	if err := e.Decode(&p); err != nil {
		b.sendError(sess, "malformed set_status")
		return nil
	}

	b.mu.Lock()
	if u, ok := b.byUser[userID]; ok {
		u.status = p.Status
		u.statusMessage = p.CustomMessage
	}
	b.mu.Unlock()

	update := &envelope.StatusUpdatePayload{UserID: userID, Nickname: sess.Nickname(), Status: p.Status, CustomMessage: p.CustomMessage}
	for _, ch := range b.authz.ChannelsOf(userID) {
		b.broadcastToChannel(ch, envelope.TypeStatusUpdate, update, userID)
	}
	return nil
}

func (b *Broker) handleWhois(sess *session.Session, e *envelope.Envelope) error {
	var p envelope.WhoisRequest
	if err := e.Decode(&p); err != nil || p.TargetNickname == "" {
		b.sendError(sess, "whois requires target_nickname")
		return nil
	}
	targetID, _, online := b.resolveNickname(p.TargetNickname)
	resp := &envelope.WhoisResponse{Nickname: p.TargetNickname, Online: online}
	if online {
		b.mu.RLock()
		u := b.byUser[targetID]
		b.mu.RUnlock()
		resp.UserID = targetID
		resp.PublicKey = u.publicKey
		resp.Status = u.status
		resp.Channels = b.authz.ChannelsOf(targetID)
	}
	b.send(sess, envelope.TypeWhoisResponse, resp)
	return nil
}

func (b *Broker) handleListChannels(sess *session.Session) error {
	resp := &envelope.ListChannelsResponse{}
	for _, ch := range b.channels.All() {
		if ch.Modes[store.ModeSecret] && !b.authz.IsLiveMember(ch.Name, sess.UserID()) {
			continue
		}
		modes := make([]byte, 0, len(ch.Modes))
		for m := range ch.Modes {
			modes = append(modes, byte(m))
		}
		resp.Channels = append(resp.Channels, envelope.ChannelSummary{
			Name:        ch.Name,
			MemberCount: len(b.authz.LiveMembers(ch.Name)),
			Modes:       string(modes),
			Protected:   ch.JoinPasswordHash != "",
		})
	}
	b.send(sess, envelope.TypeListChannelsResp, resp)
	return nil
}

// --- key exchange and direct messaging -----------------------------------

func (b *Broker) handlePublicKeyRequest(sess *session.Session, e *envelope.Envelope) error {
	var p envelope.PublicKeyRequestPayload
	if err := e.Decode(&p); err != nil || p.TargetNickname == "" {
		b.sendError(sess, "public_key_request requires target_nickname")
		return nil
	}
	targetID, _, online := b.resolveNickname(p.TargetNickname)
	if !online {
		b.sendError(sess, "target is not connected")
		return nil
	}
	nickname, publicKey, _ := b.NicknameAndKey(targetID)
	b.send(sess, envelope.TypePublicKeyResponse, &envelope.PublicKeyResponsePayload{
		UserID: targetID, Nickname: nickname, PublicKey: publicKey,
	})
	return nil
}

func rekeyTargetOf(e *envelope.Envelope) string {
	var p envelope.RekeyRequestPayload
	if err := e.Decode(&p); err != nil {
		return ""
	}
	return p.ToID
}

// relayToTarget forwards an envelope verbatim to the session bound to
// targetUserID, queuing it for offline delivery when no such session is
// live. Used for rekey handshake frames the broker never interprets.
func (b *Broker) relayToTarget(sess *session.Session, e *envelope.Envelope, targetUserID string) error {
	if targetUserID == "" {
		b.sendError(sess, "malformed relay frame")
		return nil
	}
	b.mu.RLock()
	target, online := b.byUser[targetUserID]
	b.mu.RUnlock()
	if online {
		target.sess.Send(e)
		return nil
	}
	b.queue.Enqueue(targetUserID, sess.ID, sess.UserID(), sess.Nickname(), string(e.Type), e.Payload, 0, time.Now())
	return nil
}

func (b *Broker) handlePrivateMessage(sess *session.Session, e *envelope.Envelope, now time.Time) error {
	userID := sess.UserID()
	if !b.limiter.AllowMessage(userID) {
		b.sendRateLimited(sess, b.limiter.RetryAfterMessage(userID))
		return nil
	}
	var p envelope.PrivateMessagePayload
	if err := e.Decode(&p); err != nil || p.ToID == "" {
		b.sendError(sess, "malformed private_message")
		return nil
	}
	p.FromID = userID

	b.mu.RLock()
	target, online := b.byUser[p.ToID]
	b.mu.RUnlock()
	if online {
		b.send(target.sess, envelope.TypePrivateMessage, &p)
		return nil
	}
	raw, err := json.Marshal(&p)
	if err != nil {
		return nil
	}
	msgID := sess.ID + "-" + strconv.FormatInt(now.UnixNano(), 36)
	b.queue.Enqueue(p.ToID, msgID, userID, sess.Nickname(), string(envelope.TypePrivateMessage), raw, 0, now)
	return nil
}

func (b *Broker) handleChannelMessage(sess *session.Session, e *envelope.Envelope, now time.Time) error {
	userID := sess.UserID()
	if !b.limiter.AllowMessage(userID) {
		b.sendRateLimited(sess, b.limiter.RetryAfterMessage(userID))
		return nil
	}
	var p envelope.ChannelMessagePayload
	if err := e.Decode(&p); err != nil || p.ToID == "" {
		b.sendError(sess, "malformed channel_message")
		return nil
	}
	if !b.authz.IsLiveMember(p.ToID, userID) {
		b.sendError(sess, "not a member of that channel")
		return nil
	}
	ok, err := b.authz.MayPostInModeratedChannel(userID, p.ToID)
	if err != nil {
		b.sendError(sess, err.Error())
		return nil
	}
	if !ok {
		b.send(sess, envelope.TypeError, &envelope.ErrorPayload{Error: "channel is moderated", Moderated: true})
		return nil
	}
	p.FromID = userID
	b.mon.RecordChannelMessage(p.ToID)
	b.broadcastToChannel(p.ToID, envelope.TypeChannelMessage, &p, userID)
	return nil
}

func (b *Broker) handleImageFrame(sess *session.Session, e *envelope.Envelope, now time.Time) error {
	userID := sess.UserID()
	if !b.limiter.AllowChunk(userID) {
		b.sendRateLimited(sess, b.limiter.RetryAfterChunk(userID))
		return nil
	}

	var toID string
	switch e.Type {
	case envelope.TypeImageStart:
		var p envelope.ImageStartPayload
		e.Decode(&p)
		toID = p.ToID
	case envelope.TypeImageChunk:
		var p envelope.ImageChunkPayload
		e.Decode(&p)
		toID = p.ToID
	case envelope.TypeImageEnd:
		var p envelope.ImageEndPayload
		e.Decode(&p)
		toID = p.ToID
	}
	return b.relayToTarget(sess, e, toID)
}

// --- shared helpers --------------------------------------------------------

// resolveNickname looks up a live session by nickname.
func (b *Broker) resolveNickname(nickname string) (userID string, sess *session.Session, online bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	uid, ok := b.byNickname[nickname]
	if !ok {
		return "", nil, false
	}
	u, ok := b.byUser[uid]
	if !ok {
		return uid, nil, false
	}
	return uid, u.sess, true
}

// broadcastToChannel fans an envelope out to every live member's
// session, using the cached membership set when available and
// populating it on a miss.
func (b *Broker) broadcastToChannel(channel string, typ envelope.Type, payload interface{}, excludeUserID string) {
	members, ok := b.routes.Lookup(channel)
	if !ok {
		live := b.authz.LiveMembers(channel)
		members = make(map[string]bool, len(live))
		for _, uid := range live {
			members[uid] = true
		}
		b.routes.Set(channel, members)
	}

	env, err := envelope.New(typ, time.Now().Unix(), payload)
	if err != nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for uid := range members {
		if uid == excludeUserID {
			continue
		}
		if u, ok := b.byUser[uid]; ok {
			u.sess.Send(env)
		}
	}
}
