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

package envelope

// Payload shapes for every Type in the wire table. Fields are
// tagged exactly as the table names them so the broker and the client
// package agree on wire shape without an intermediate translation layer.

type RegisterPayload struct {
	Nickname     string `json:"nickname"`
	PublicKey    string `json:"public_key"`
	Password     string `json:"password,omitempty"`
	SessionToken string `json:"session_token,omitempty"`
}

type AckPayload struct {
	Success      bool              `json:"success"`
	Message      string            `json:"message,omitempty"`
	UserID       string            `json:"user_id,omitempty"`
	Channel      string            `json:"channel,omitempty"`
	Members      []MemberInfo      `json:"members,omitempty"`
	IsProtected  bool              `json:"is_protected,omitempty"`
	IsOperator   bool              `json:"is_operator,omitempty"`
	IsMod        bool              `json:"is_mod,omitempty"`
	IsOwner      bool              `json:"is_owner,omitempty"`
	Topic        string            `json:"topic,omitempty"`
	ChannelKey   string            `json:"channel_key,omitempty"`
	Extra        map[string]string `json:"extra,omitempty"`
}

type MemberInfo struct {
	UserID     string `json:"user_id"`
	Nickname   string `json:"nickname"`
	PublicKey  string `json:"public_key"`
	IsOperator bool   `json:"is_operator"`
	IsMod      bool   `json:"is_mod"`
	IsOwner    bool   `json:"is_owner"`
}

type ErrorPayload struct {
	Error           string `json:"error"`
	RetryAfterSecs  int64  `json:"retry_after_seconds,omitempty"`
	Moderated       bool   `json:"moderated,omitempty"`
}

type UserListPayload struct {
	Users []UserListEntry `json:"users"`
}

type UserListEntry struct {
	UserID        string `json:"user_id"`
	Nickname      string `json:"nickname"`
	PublicKey     string `json:"public_key"`
	Status        string `json:"status"`
	StatusMessage string `json:"status_message,omitempty"`
}

type PublicKeyRequestPayload struct {
	TargetNickname string `json:"target_nickname"`
}

type PublicKeyResponsePayload struct {
	UserID    string `json:"user_id"`
	Nickname  string `json:"nickname"`
	PublicKey string `json:"public_key"`
}

type RekeyRequestPayload struct {
	FromID       string `json:"from_id"`
	ToID         string `json:"to_id"`
	NewPublicKey string `json:"new_public_key"`
	FromNickname string `json:"from_nickname,omitempty"`
}

type RekeyResponsePayload struct {
	FromID       string `json:"from_id"`
	ToID         string `json:"to_id"`
	NewPublicKey string `json:"new_public_key"`
	FromNickname string `json:"from_nickname,omitempty"`
}

type PrivateMessagePayload struct {
	FromID        string `json:"from_id"`
	ToID          string `json:"to_id"`
	EncryptedData string `json:"encrypted_data"`
	Nonce         string `json:"nonce"`
}

type ChannelMessagePayload struct {
	FromID        string `json:"from_id"`
	ToID          string `json:"to_id"` // channel name
	EncryptedData string `json:"encrypted_data,omitempty"`
	Nonce         string `json:"nonce,omitempty"`
	Sender        string `json:"sender,omitempty"` // "SERVER" for broker-originated
	Text          string `json:"text,omitempty"`
}

type JoinChannelRequest struct {
	Channel         string `json:"channel"`
	Password        string `json:"password,omitempty"`
	CreatorPassword string `json:"creator_password,omitempty"`
}

type JoinChannelBroadcast struct {
	UserID     string `json:"user_id"`
	Nickname   string `json:"nickname"`
	Channel    string `json:"channel"`
	PublicKey  string `json:"public_key"`
	IsOperator bool   `json:"is_operator"`
	IsMod      bool   `json:"is_mod"`
	IsOwner    bool   `json:"is_owner"`
}

type LeaveChannelPayload struct {
	Channel  string `json:"channel"`
	UserID   string `json:"user_id,omitempty"`
	Nickname string `json:"nickname,omitempty"`
}

type RoleRequestPayload struct {
	Channel        string `json:"channel"`
	TargetNickname string `json:"target_nickname"`
}

type RoleBroadcastPayload struct {
	Channel    string `json:"channel"`
	UserID     string `json:"user_id"`
	Nickname   string `json:"nickname"`
	GrantedBy  string `json:"granted_by,omitempty"`
	RemovedBy  string `json:"removed_by,omitempty"`
}

type OpPasswordRequestPayload struct {
	Channel    string `json:"channel"`
	Action     string `json:"action"` // "set" | "verify"
	GrantedBy  string `json:"granted_by,omitempty"`
	IsMod      bool   `json:"is_mod,omitempty"`
}

type OpPasswordResponsePayload struct {
	Channel  string `json:"channel"`
	Password string `json:"password"`
}

type KickUserRequest struct {
	Channel        string `json:"channel"`
	TargetNickname string `json:"target_nickname"`
	Reason         string `json:"reason,omitempty"`
}

type KickNotify struct {
	Channel  string `json:"channel"`
	KickedBy string `json:"kicked_by"`
	Reason   string `json:"reason,omitempty"`
}

type BanUserRequest struct {
	Channel        string `json:"channel"`
	TargetNickname string `json:"target_nickname"`
	Reason         string `json:"reason,omitempty"`
	DurationSecs   int64  `json:"duration,omitempty"`
}

type BanNotify struct {
	Channel  string `json:"channel"`
	BannedBy string `json:"banned_by"`
	Reason   string `json:"reason,omitempty"`
}

type InviteUserPayload struct {
	Channel        string `json:"channel"`
	TargetNickname string `json:"target_nickname,omitempty"`
	InviterNickname string `json:"inviter_nickname,omitempty"`
	InviterID      string `json:"inviter_id,omitempty"`
}

type InviteResponsePayload struct {
	Channel         string `json:"channel"`
	InviterNickname string `json:"inviter_nickname"`
	Accepted        bool   `json:"accepted"`
}

type TransferOwnershipPayload struct {
	Channel        string `json:"channel"`
	TargetNickname string `json:"target_nickname"`
}

type SetTopicPayload struct {
	Channel string `json:"channel"`
	Topic   string `json:"topic"`
}

type SetModePayload struct {
	Channel string `json:"channel"`
	Mode    string `json:"mode"`
	Enable  bool   `json:"enable"`
}

type SetStatusPayload struct {
	Status        string `json:"status"`
	CustomMessage string `json:"custom_message,omitempty"`
}

type StatusUpdatePayload struct {
	UserID        string `json:"user_id"`
	Nickname      string `json:"nickname"`
	Status        string `json:"status"`
	CustomMessage string `json:"custom_message,omitempty"`
}

type WhoisRequest struct {
	TargetNickname string `json:"target_nickname"`
}

type WhoisResponse struct {
	UserID    string   `json:"user_id"`
	Nickname  string   `json:"nickname"`
	PublicKey string   `json:"public_key"`
	Status    string   `json:"status"`
	Channels  []string `json:"channels"`
	Online    bool     `json:"online"`
}

type ListChannelsResponse struct {
	Channels []ChannelSummary `json:"channels"`
}

type ChannelSummary struct {
	Name        string `json:"name"`
	MemberCount int    `json:"member_count"`
	Modes       string `json:"modes"`
	Protected   bool   `json:"protected"`
}

type RegisterNicknamePayload struct {
	Nickname string `json:"nickname"`
	Password string `json:"password"`
}

type UpdateProfilePayload struct {
	Bio           string `json:"bio,omitempty"`
	StatusMessage string `json:"status_message,omitempty"`
	Avatar        string `json:"avatar,omitempty"`
}

type GetProfilePayload struct {
	TargetNickname string `json:"target_nickname"`
}

type ProfileResponsePayload struct {
	Nickname         string `json:"nickname"`
	Bio              string `json:"bio,omitempty"`
	StatusMessage    string `json:"status_message,omitempty"`
	Avatar           string `json:"avatar,omitempty"`
	Registered       bool   `json:"registered"`
	RegistrationDate string `json:"registration_date,omitempty"`
	LastSeen         string `json:"last_seen,omitempty"`
}

type ImageStartPayload struct {
	TransferID         string `json:"transfer_id"`
	ToID               string `json:"to_id"`
	TotalChunks        int    `json:"total_chunks"`
	EncryptedMetadata  string `json:"encrypted_metadata"`
	Nonce              string `json:"nonce"`
}

type ImageChunkPayload struct {
	TransferID      string `json:"transfer_id"`
	ToID            string `json:"to_id"`
	ChunkIndex      int    `json:"chunk_index"`
	EncryptedDataB64 string `json:"encrypted_data_b64"`
	Nonce           string `json:"nonce"`
}

type ImageEndPayload struct {
	TransferID string `json:"transfer_id"`
	ToID       string `json:"to_id"`
}
