package crypto

import (
	"errors"
	"sync"
)

// ErrNoSession is returned when an operation names a peer the manager
// has no pairwise session for.
var ErrNoSession = errors.New("crypto: no session for peer")

// ErrRotationInProgress guards against starting a second rotation with
// the same peer before the first's rekey_response has arrived.
var ErrRotationInProgress = errors.New("crypto: rotation already in progress with this peer")

// ErrNoRotationPending is returned by CompleteRotation when no rotation
// with the peer has been started.
var ErrNoRotationPending = errors.New("crypto: no rotation pending with this peer")

// Manager owns one client's identity and all of its pairwise sessions,
// and drives the rekey handshake: state is held between an outbound
// rekey_request and the inbound rekey_response that confirms it.
type Manager struct {
	mu sync.Mutex

	identity *Identity
	sessions map[string]*PairwiseSession

	// pendingIdentity is the freshly generated identity awaiting
	// confirmation from the peer that triggered rotation; it is not
	// adopted as the manager's current identity until that peer's
	// rekey_response arrives.
	pendingIdentity map[string]*Identity
}

// NewManager creates a Manager with a fresh identity.
func NewManager() (*Manager, error) {
	id, err := NewIdentity()
	if err != nil {
		return nil, err
	}
	return &Manager{
		identity:        id,
		sessions:        make(map[string]*PairwiseSession),
		pendingIdentity: make(map[string]*Identity),
	}, nil
}

// Identity returns the manager's current identity keypair.
func (m *Manager) Identity() *Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// LoadPeer establishes (or replaces) a pairwise session with peerID once
// their public key is known, e.g. from a public_key_response or a
// channel join's member list.
func (m *Manager) LoadPeer(peerID string, peerPublicKeyB64 string) error {
	pub, err := DecodePublicKey(peerPublicKeyB64)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, err := NewPairwiseSession(peerID, pub, m.identity)
	if err != nil {
		return err
	}
	m.sessions[peerID] = sess
	return nil
}

// Session returns the pairwise session for peerID, or ErrNoSession.
func (m *Manager) Session(peerID string) (*PairwiseSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[peerID]
	if !ok {
		return nil, ErrNoSession
	}
	return sess, nil
}

// RotationsDue returns the peer ids whose sessions are due for rotation.
func (m *Manager) RotationsDue() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []string
	for peerID, sess := range m.sessions {
		if sess.RotationDue() {
			due = append(due, peerID)
		}
	}
	return due
}

// BeginRotation is called by the sender when a session's key is due for
// rotation. It generates a fresh identity keypair and
// recomputes every other peer's shared secret under it immediately,
// while the triggering peer's session stays on the old key until its
// rekey_response arrives. Returns the new public key to place in the
// outbound rekey_request.
func (m *Manager) BeginRotation(peerID string) (newPublicKeyB64 string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pendingIdentity[peerID]; ok {
		return "", ErrRotationInProgress
	}
	if _, ok := m.sessions[peerID]; !ok {
		return "", ErrNoSession
	}

	newIdentity, err := NewIdentity()
	if err != nil {
		return "", err
	}

	// recompute shared secrets with every peer except the one we're
	// mid-handshake with, whose session stays valid under the old
	// identity until they confirm their own (possibly new) key.
	for otherID, sess := range m.sessions {
		if otherID == peerID {
			continue
		}
		if err := sess.Rotate(newIdentity, sess.peerPublicKey); err != nil {
			return "", err
		}
	}

	m.pendingIdentity[peerID] = newIdentity
	return newIdentity.PublicKeyBase64(), nil
}

// CompleteRotation is called when the peer's rekey_response arrives,
// carrying their own new public key. It finishes adopting the pending
// identity and rotates the one remaining session.
func (m *Manager) CompleteRotation(peerID string, peerNewPublicKeyB64 string) error {
	peerPub, err := DecodePublicKey(peerNewPublicKeyB64)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	newIdentity, ok := m.pendingIdentity[peerID]
	if !ok {
		return ErrNoRotationPending
	}
	sess, ok := m.sessions[peerID]
	if !ok {
		return ErrNoSession
	}

	if err := sess.Rotate(newIdentity, peerPub); err != nil {
		return err
	}
	m.identity = newIdentity
	delete(m.pendingIdentity, peerID)
	return nil
}

// HandleRekeyRequest is called by the receiver of a rekey_request: it
// rotates its session with the sender onto the sender's announced new
// public key, keeping its own identity unchanged (only the initiator
// generates a new identity), and returns the public key to place in the
// rekey_response.
func (m *Manager) HandleRekeyRequest(peerID string, peerNewPublicKeyB64 string) (replyPublicKeyB64 string, err error) {
	peerPub, err := DecodePublicKey(peerNewPublicKeyB64)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[peerID]
	if !ok {
		sess, err = NewPairwiseSession(peerID, peerPub, m.identity)
		if err != nil {
			return "", err
		}
		m.sessions[peerID] = sess
		return m.identity.PublicKeyBase64(), nil
	}

	if err := sess.Rotate(m.identity, peerPub); err != nil {
		return "", err
	}
	return m.identity.PublicKeyBase64(), nil
}
