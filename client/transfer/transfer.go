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

// Package transfer implements the chunked file-transfer envelope
// protocol: sender-side chunking and AEAD, receiver-side
// accept/decline and reassembly, and resume-state persistence. The
// sender hands its chunks to the caller as a slice; sending them is
// left to the caller.
package transfer

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"os"

	"github.com/larry-lines/justirc/client/crypto"
)

// ChunkSize is the plaintext chunk size.
const ChunkSize = 32 * 1024

// MaxFileSize is the sender-side size cap.
const MaxFileSize = 100 * 1024 * 1024

var (
	ErrFileTooLarge  = errors.New("transfer: file exceeds maximum size")
	ErrFileEmpty     = errors.New("transfer: file is empty")
	ErrUnknownOffer  = errors.New("transfer: no pending offer for this transfer id")
	ErrChunkOutOfOrder = errors.New("transfer: chunk index out of range")
	ErrDeclined      = errors.New("transfer: transfer was declined")
)

// Metadata is the small JSON blob describing a transfer, encrypted under
// the pairwise key and sent inside image_start.
type Metadata struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	MimeType string `json:"mime_type,omitempty"`
}

// Decision is the host UI's answer to an incoming transfer offer.
type Decision int

const (
	Pending Decision = iota
	Accepted
	Declined
)

// OutgoingChunk is one AEAD-sealed chunk ready to place in an
// image_chunk envelope.
type OutgoingChunk struct {
	ChunkIndex       int
	EncryptedDataB64 string
	NonceB64         string
}

// Sender chunks a file's bytes and seals each chunk plus the metadata
// blob under the given pairwise session.
type Sender struct {
	TransferID  string
	Session     *crypto.PairwiseSession
	Metadata    Metadata
	data        []byte
}

// NewSender validates the file and prepares a Sender. transferID should
// be generated by the caller (e.g. a random base64 string) so it can be
// threaded through image_start/_chunk/_end without this package owning
// id generation policy.
func NewSender(transferID string, session *crypto.PairwiseSession, filename string, data []byte, mimeType string) (*Sender, error) {
	if len(data) == 0 {
		return nil, ErrFileEmpty
	}
	if len(data) > MaxFileSize {
		return nil, ErrFileTooLarge
	}
	return &Sender{
		TransferID: transferID,
		Session:    session,
		Metadata:   Metadata{Filename: filename, Size: int64(len(data)), MimeType: mimeType},
		data:       data,
	}, nil
}

// TotalChunks is the chunk count the receiver should expect.
func (s *Sender) TotalChunks() int {
	n := len(s.data) / ChunkSize
	if len(s.data)%ChunkSize != 0 {
		n++
	}
	return n
}

// StartPayload encrypts the metadata blob for the image_start envelope.
func (s *Sender) StartPayload() (encryptedMetadataB64, nonceB64 string, err error) {
	bts, err := json.Marshal(s.Metadata)
	if err != nil {
		return "", "", err
	}
	return s.Session.Encrypt(bts)
}

// Chunks yields every chunk in order, each sealed under a fresh nonce.
func (s *Sender) Chunks() ([]OutgoingChunk, error) {
	total := s.TotalChunks()
	chunks := make([]OutgoingChunk, 0, total)
	for i := 0; i < total; i++ {
		start := i * ChunkSize
		end := start + ChunkSize
		if end > len(s.data) {
			end = len(s.data)
		}
		ct, nonce, err := s.Session.Encrypt(s.data[start:end])
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, OutgoingChunk{ChunkIndex: i, EncryptedDataB64: ct, NonceB64: nonce})
	}
	return chunks, nil
}

// Receiver reassembles an incoming transfer. It queues chunks that
// arrive before the host UI has decided whether to accept, so none are
// lost while the decision is still pending.
type Receiver struct {
	TransferID  string
	Session     *crypto.PairwiseSession
	Metadata    Metadata
	TotalChunks int

	decision    Decision
	queued      map[int][]byte // chunks received while decision is Pending
	accepted    map[int][]byte // chunks accepted into the final assembly
}

// NewReceiverFromStart handles an incoming image_start envelope: it
// decrypts the metadata blob and returns a Receiver awaiting the host
// UI's accept/decline decision.
func NewReceiverFromStart(session *crypto.PairwiseSession, transferID string, totalChunks int, encryptedMetadataB64, nonceB64 string) (*Receiver, error) {
	plain, err := session.Decrypt(encryptedMetadataB64, nonceB64)
	if err != nil {
		return nil, err
	}
	var md Metadata
	if err := json.Unmarshal(plain, &md); err != nil {
		return nil, err
	}
	return &Receiver{
		TransferID:  transferID,
		Session:     session,
		Metadata:    md,
		TotalChunks: totalChunks,
		decision:    Pending,
		queued:      make(map[int][]byte),
		accepted:    make(map[int][]byte),
	}, nil
}

// OnChunk handles an incoming image_chunk. If the decision is still
// pending, the decrypted chunk is queued; once accepted it's decrypted
// and retained directly.
func (r *Receiver) OnChunk(chunkIndex int, encryptedDataB64, nonceB64 string) error {
	if chunkIndex < 0 || chunkIndex >= r.TotalChunks {
		return ErrChunkOutOfOrder
	}
	plain, err := r.Session.Decrypt(encryptedDataB64, nonceB64)
	if err != nil {
		return err
	}
	switch r.decision {
	case Accepted:
		r.accepted[chunkIndex] = plain
	case Declined:
		// drop silently; transfer is over.
	default:
		r.queued[chunkIndex] = plain
	}
	return nil
}

// Accept is called once the host UI has approved the transfer. Any
// chunks queued while pending move into the accepted set.
func (r *Receiver) Accept() {
	r.decision = Accepted
	for idx, data := range r.queued {
		r.accepted[idx] = data
	}
	r.queued = make(map[int][]byte)
}

// Decline drops all queued and accepted state.
func (r *Receiver) Decline() {
	r.decision = Declined
	r.queued = make(map[int][]byte)
	r.accepted = make(map[int][]byte)
}

// ReceivedIndices reports which chunk indices have been accepted so far,
// used both for resume persistence and for completeness checks.
func (r *Receiver) ReceivedIndices() []int {
	idx := make([]int, 0, len(r.accepted))
	for i := range r.accepted {
		idx = append(idx, i)
	}
	return idx
}

// Assemble is called on image_end: if accepted, concatenates every chunk
// in order and returns the reconstituted bytes plus metadata for the
// host UI. If declined, returns ErrDeclined.
func (r *Receiver) Assemble() ([]byte, Metadata, error) {
	if r.decision == Declined {
		return nil, Metadata{}, ErrDeclined
	}
	out := make([]byte, 0, r.Metadata.Size)
	for i := 0; i < r.TotalChunks; i++ {
		chunk, ok := r.accepted[i]
		if !ok {
			return nil, Metadata{}, ErrChunkOutOfOrder
		}
		out = append(out, chunk...)
	}
	return out, r.Metadata, nil
}

// ResumeState is the JSON shape persisted per transfer so a later
// process can re-enter the receiving state. Re-requesting
// missing chunks is out of scope here, as it is for the broker.
type ResumeState struct {
	TransferID      string   `json:"transfer_id"`
	Direction       string   `json:"direction"` // "send" | "receive"
	TotalChunks     int      `json:"total_chunks"`
	ReceivedIndices []int    `json:"received_indices"`
	Metadata        Metadata `json:"metadata"`
}

// SaveResumeState writes the receiver's current progress to path.
func (r *Receiver) SaveResumeState(path string) error {
	state := ResumeState{
		TransferID:      r.TransferID,
		Direction:       "receive",
		TotalChunks:     r.TotalChunks,
		ReceivedIndices: r.ReceivedIndices(),
		Metadata:        r.Metadata,
	}
	bts, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, bts, 0o600)
}

// LoadResumeState reads a previously persisted ResumeState.
func LoadResumeState(path string) (*ResumeState, error) {
	bts, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var state ResumeState
	if err := json.Unmarshal(bts, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// newTransferID is a convenience random id generator for callers that
// don't already have one (e.g. the demo CLI client).
func newTransferID() (string, error) {
	b := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// NewTransferID is exported for callers outside this package.
func NewTransferID() (string, error) { return newTransferID() }
