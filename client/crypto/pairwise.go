package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// hkdfInfo is the fixed HKDF info string used for every pairwise key
// derivation.
const hkdfInfo = "JustIRC-E2E-Encryption"

// DefaultKeyRotationInterval and DefaultMaxMessagesPerKey are the
// default rotation-policy parameters.
const (
	DefaultKeyRotationInterval = 3600 * time.Second
	DefaultMaxMessagesPerKey   = 10000
)

// ErrDecryptionFailed is raised locally on AEAD verification failure; it
// never crosses the wire.
var ErrDecryptionFailed = errors.New("crypto: AEAD verification failed")

// PairwiseSession tracks the derived key for one peer plus the counters
// that decide when a rotation is due. One PairwiseSession exists per
// peer the client has exchanged keys with.
type PairwiseSession struct {
	mu sync.Mutex

	peerID        string
	peerPublicKey [KeySize]byte
	key           [32]byte
	createdAt     time.Time
	messagesSent  int

	rotationInterval time.Duration
	maxMessages      int
}

// NewPairwiseSession derives a session key with the peer whose public
// key is peerPublicKey, using our current identity.
func NewPairwiseSession(peerID string, peerPublicKey [KeySize]byte, id *Identity) (*PairwiseSession, error) {
	key, err := derivePairwiseKey(id, peerPublicKey)
	if err != nil {
		return nil, err
	}
	return &PairwiseSession{
		peerID:           peerID,
		peerPublicKey:    peerPublicKey,
		key:              key,
		createdAt:        time.Now(),
		rotationInterval: DefaultKeyRotationInterval,
		maxMessages:      DefaultMaxMessagesPerKey,
	}, nil
}

func derivePairwiseKey(id *Identity, peerPublicKey [KeySize]byte) ([32]byte, error) {
	var out [32]byte
	secret, err := sharedSecret(rawPrivate(id), peerPublicKey)
	if err != nil {
		return out, err
	}
	h := hkdf.New(sha256.New, secret[:], nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(h, out[:]); err != nil {
		return out, err
	}
	return out, nil
}

// rawPrivate exposes the identity's private scalar to this file only;
// kept as a free function (not a method) so Identity's exported surface
// stays minimal.
func rawPrivate(id *Identity) [KeySize]byte { return id.private }

// SetRotationPolicy overrides the defaults, e.g. from broker/client
// configuration.
func (s *PairwiseSession) SetRotationPolicy(interval time.Duration, maxMessages int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rotationInterval = interval
	s.maxMessages = maxMessages
}

// RotationDue reports whether this session's key should be rotated:
// age past the interval, or message count reaching the cap.
func (s *PairwiseSession) RotationDue() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.createdAt) > s.rotationInterval || s.messagesSent >= s.maxMessages
}

// Encrypt seals plaintext under this session's current key with a fresh
// random 12-byte nonce, returning base64 ciphertext and nonce as
// transmitted on the wire.
func (s *PairwiseSession) Encrypt(plaintext []byte) (ciphertextB64, nonceB64 string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	aead, err := chacha20poly1305.New(s.key[:])
	if err != nil {
		return "", "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", "", err
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, nil)
	s.messagesSent++
	return base64.StdEncoding.EncodeToString(ciphertext), base64.StdEncoding.EncodeToString(nonce), nil
}

// Decrypt opens a ciphertext/nonce pair received from the peer. A
// verification failure is returned as ErrDecryptionFailed and must be
// handled locally — never surfaced as a protocol error.
func (s *PairwiseSession) Decrypt(ciphertextB64, nonceB64 string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ciphertext, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	nonce, err := base64.StdEncoding.DecodeString(nonceB64)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	aead, err := chacha20poly1305.New(s.key[:])
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// Rotate replaces this session's key after a rekey handshake completes:
// the caller supplies the new local identity and the peer's newly
// announced public key, and counters reset.
func (s *PairwiseSession) Rotate(id *Identity, newPeerPublicKey [KeySize]byte) error {
	key, err := derivePairwiseKey(id, newPeerPublicKey)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peerPublicKey = newPeerPublicKey
	s.key = key
	s.createdAt = time.Now()
	s.messagesSent = 0
	return nil
}

// PeerID returns the peer user-id this session is keyed to.
func (s *PairwiseSession) PeerID() string { return s.peerID }
