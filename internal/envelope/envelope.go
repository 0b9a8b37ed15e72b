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

// Package envelope implements the wire protocol: newline-delimited JSON
// frames exchanged between clients and the broker. The broker never
// inspects anything beyond the envelope's own fields — ciphertext
// payloads are opaque base64 strings to it.
package envelope

import "encoding/json"

// ProtocolVersion is the only version string this codec accepts.
const ProtocolVersion = "1.0"

// Type tags the variant of an Envelope's payload.
type Type string

const (
	TypeRegister           Type = "register"
	TypeAck                Type = "ack"
	TypeError              Type = "error"
	TypeUserList           Type = "user_list"
	TypePublicKeyRequest   Type = "public_key_request"
	TypePublicKeyResponse  Type = "public_key_response"
	TypeRekeyRequest       Type = "rekey_request"
	TypeRekeyResponse      Type = "rekey_response"
	TypePrivateMessage     Type = "private_message"
	TypeChannelMessage     Type = "channel_message"
	TypeJoinChannel        Type = "join_channel"
	TypeLeaveChannel       Type = "leave_channel"
	TypeOpUser             Type = "op_user"
	TypeUnopUser           Type = "unop_user"
	TypeModUser            Type = "mod_user"
	TypeUnmodUser          Type = "unmod_user"
	TypeOpPasswordRequest  Type = "op_password_request"
	TypeOpPasswordResponse Type = "op_password_response"
	TypeKickUser           Type = "kick_user"
	TypeBanUser            Type = "ban_user"
	TypeUnbanUser          Type = "unban_user"
	TypeKickbanUser        Type = "kickban_user"
	TypeInviteUser         Type = "invite_user"
	TypeInviteResponse     Type = "invite_response"
	TypeTransferOwnership  Type = "transfer_ownership"
	TypeSetTopic           Type = "set_topic"
	TypeSetMode            Type = "set_mode"
	TypeSetStatus          Type = "set_status"
	TypeStatusUpdate       Type = "status_update"
	TypeWhois              Type = "whois"
	TypeWhoisResponse      Type = "whois_response"
	TypeListChannels       Type = "list_channels"
	TypeListChannelsResp   Type = "list_channels_response"
	TypeRegisterNickname   Type = "register_nickname"
	TypeUpdateProfile      Type = "update_profile"
	TypeGetProfile         Type = "get_profile"
	TypeProfileResponse    Type = "profile_response"
	TypeImageStart         Type = "image_start"
	TypeImageChunk         Type = "image_chunk"
	TypeImageEnd           Type = "image_end"
	TypeDisconnect         Type = "disconnect"
)

// Envelope is the on-wire frame. Version, Type and Timestamp are always
// present; Payload carries the type-specific fields as a raw JSON object
// so that the broker can route on Type without fully decoding payloads
// it doesn't need to inspect.
type Envelope struct {
	Version   string          `json:"version"`
	Type      Type            `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Decode unmarshals Payload into v.
func (e *Envelope) Decode(v interface{}) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// New builds an Envelope with the given type and marshaled payload.
func New(t Type, now int64, payload interface{}) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		bts, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = bts
	}
	return &Envelope{Version: ProtocolVersion, Type: t, Timestamp: now, Payload: raw}, nil
}
