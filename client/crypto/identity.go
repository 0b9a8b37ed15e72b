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

// Package crypto implements the client-side end-to-end cryptographic
// envelope protocol: X25519 identity keys, pairwise key derivation via
// ECDH+HKDF, ChaCha20-Poly1305 AEAD, channel keys, and the rotation
// handshake. The broker never imports this package — it only ever sees
// the opaque ciphertext/nonce fields this package produces.
package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"

	"golang.org/x/crypto/curve25519"
)

// KeySize is the size of an X25519 scalar or point, in bytes.
const KeySize = 32

// ErrInvalidPublicKey is returned when a peer's announced public key
// decodes to the wrong length or to a known low-order point.
var ErrInvalidPublicKey = errors.New("crypto: invalid x25519 public key")

// Identity is a client's long-term (or, post-rotation, current) X25519
// keypair.
type Identity struct {
	private [KeySize]byte
	public  [KeySize]byte
}

// NewIdentity generates a fresh X25519 keypair, as done once at process
// start and again on every rotation.
func NewIdentity() (*Identity, error) {
	var priv [KeySize]byte
	if _, err := io.ReadFull(rand.Reader, priv[:]); err != nil {
		return nil, err
	}
	// X25519 clamping.
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}

	id := &Identity{private: priv}
	copy(id.public[:], pub)
	return id, nil
}

// PublicKeyBase64 is the form advertised at registration and in every
// channel join's member list.
func (id *Identity) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(id.public[:])
}

// PublicKey returns the raw 32-byte public key.
func (id *Identity) PublicKey() [KeySize]byte { return id.public }

// DecodePublicKey parses a base64-encoded peer public key as advertised
// over the wire.
func DecodePublicKey(b64 string) ([KeySize]byte, error) {
	var out [KeySize]byte
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil || len(raw) != KeySize {
		return out, ErrInvalidPublicKey
	}
	copy(out[:], raw)
	return out, nil
}

// sharedSecret performs the X25519 ECDH step. Low-order/all-zero results
// are rejected per curve25519's own safety contract.
func sharedSecret(priv [KeySize]byte, peerPublic [KeySize]byte) ([KeySize]byte, error) {
	var out [KeySize]byte
	secret, err := curve25519.X25519(priv[:], peerPublic[:])
	if err != nil {
		return out, ErrInvalidPublicKey
	}
	copy(out[:], secret)
	return out, nil
}
