package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// ChannelKey is the symmetric AEAD key shared by every member of one
// channel. The broker generates it once, at channel creation
// (store.GenerateChannelKeyB64), and members receive it in the join
// ack; a client creating a channel does not send a key of its own.
type ChannelKey struct {
	key [32]byte
}

// NewChannelKey generates a fresh random channel key.
func NewChannelKey() (*ChannelKey, error) {
	var k ChannelKey
	if _, err := io.ReadFull(rand.Reader, k.key[:]); err != nil {
		return nil, err
	}
	return &k, nil
}

// ChannelKeyFromBase64 loads a channel key as redistributed by the
// broker on join: the broker stores it and hands it back verbatim in
// the ack of every completed join.
func ChannelKeyFromBase64(b64 string) (*ChannelKey, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil || len(raw) != 32 {
		return nil, ErrInvalidPublicKey
	}
	var k ChannelKey
	copy(k.key[:], raw)
	return &k, nil
}

// Base64 encodes the key in the same form the broker sends it in join
// acks.
func (k *ChannelKey) Base64() string {
	return base64.StdEncoding.EncodeToString(k.key[:])
}

// Encrypt seals a channel message under this key with a fresh nonce.
func (k *ChannelKey) Encrypt(plaintext []byte) (ciphertextB64, nonceB64 string, err error) {
	aead, err := chacha20poly1305.New(k.key[:])
	if err != nil {
		return "", "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", "", err
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(ciphertext), base64.StdEncoding.EncodeToString(nonce), nil
}

// Decrypt opens a channel message. AEAD failures are local-only errors,
// never protocol errors.
func (k *ChannelKey) Decrypt(ciphertextB64, nonceB64 string) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	nonce, err := base64.StdEncoding.DecodeString(nonceB64)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	aead, err := chacha20poly1305.New(k.key[:])
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}
