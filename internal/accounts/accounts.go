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

// Package accounts persists registered nicknames: PBKDF2-SHA256
// password hashes and the profile fields exposed via get_profile /
// update_profile. Registration is
// optional — a nickname may be used live without ever registering —
// but once registered, reconnecting under that nickname requires the
// password.
package accounts

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 100000
	pbkdf2KeyLen     = 32
	saltSize         = 32
)

var (
	ErrNotRegistered     = errors.New("accounts: nickname is not registered")
	ErrAlreadyRegistered = errors.New("accounts: nickname is already registered")
	ErrWrongPassword     = errors.New("accounts: wrong password")
)

// Account is one registered nickname's durable record.
type Account struct {
	Nickname         string    `json:"nickname"`
	PasswordHash     string    `json:"password_hash"`
	Salt             string    `json:"salt"`
	Bio              string    `json:"bio,omitempty"`
	StatusMessage    string    `json:"status_message,omitempty"`
	Avatar           string    `json:"avatar,omitempty"`
	Registered       bool      `json:"registered"`
	RegistrationDate time.Time `json:"registration_date"`
	LastSeen         time.Time `json:"last_seen"`
}

func derive(password string, salt []byte) string {
	key := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, pbkdf2KeyLen, sha256.New)
	return base64.StdEncoding.EncodeToString(key)
}

func newSalt() ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// Store owns every registered account and serializes them to a single
// JSON file, the same shape internal/store uses for channels.
type Store struct {
	path string

	mu       sync.RWMutex
	accounts map[string]*Account

	persistMu sync.Mutex
}

// New creates an empty Store backed by path; call Load to populate it.
func New(path string) *Store {
	return &Store{path: path, accounts: make(map[string]*Account)}
}

// Load reads the accounts file if present. A missing file is not an
// error (first run).
func (s *Store) Load() error {
	bts, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	var onDisk map[string]*Account
	if err := json.Unmarshal(bts, &onDisk); err != nil {
		return err
	}

	s.mu.Lock()
	s.accounts = onDisk
	s.mu.Unlock()
	return nil
}

func (s *Store) saveLocked() error {
	s.mu.RLock()
	bts, err := json.MarshalIndent(s.accounts, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".accounts-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(bts); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, s.path)
}

// Save persists every account to disk.
func (s *Store) Save() error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	return s.saveLocked()
}

// Register creates a new account for nickname, hashing password with a
// fresh salt. Returns ErrAlreadyRegistered if the nickname already has
// a password on file.
func (s *Store) Register(nickname, password string, now time.Time) error {
	s.mu.Lock()
	if existing, ok := s.accounts[nickname]; ok && existing.Registered {
		s.mu.Unlock()
		return ErrAlreadyRegistered
	}
	s.mu.Unlock()

	salt, err := newSalt()
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.accounts[nickname] = &Account{
		Nickname:         nickname,
		PasswordHash:     derive(password, salt),
		Salt:             base64.StdEncoding.EncodeToString(salt),
		Registered:       true,
		RegistrationDate: now,
		LastSeen:         now,
	}
	s.mu.Unlock()

	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	return s.saveLocked()
}

// Authenticate verifies password against nickname's stored hash using a
// constant-time comparison.
func (s *Store) Authenticate(nickname, password string) error {
	s.mu.RLock()
	acc, ok := s.accounts[nickname]
	s.mu.RUnlock()
	if !ok || !acc.Registered {
		return ErrNotRegistered
	}

	salt, err := base64.StdEncoding.DecodeString(acc.Salt)
	if err != nil {
		return err
	}
	got := derive(password, salt)
	if subtle.ConstantTimeCompare([]byte(got), []byte(acc.PasswordHash)) != 1 {
		return ErrWrongPassword
	}
	return nil
}

// Get returns a copy of nickname's account, if any.
func (s *Store) Get(nickname string) (Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accounts[nickname]
	if !ok {
		return Account{}, false
	}
	return *acc, true
}

// Touch updates last_seen for nickname. A no-op for unregistered
// nicknames, since not every connected user is registered.
func (s *Store) Touch(nickname string, now time.Time) {
	s.mu.Lock()
	if acc, ok := s.accounts[nickname]; ok {
		acc.LastSeen = now
	}
	s.mu.Unlock()
}

// UpdateProfile sets the non-credential profile fields for a registered
// nickname. Empty fields leave the existing value unchanged, matching
// update_profile's partial-update semantics.
func (s *Store) UpdateProfile(nickname, bio, statusMessage, avatar string) error {
	s.mu.Lock()
	acc, ok := s.accounts[nickname]
	if !ok {
		s.mu.Unlock()
		return ErrNotRegistered
	}
	if bio != "" {
		acc.Bio = bio
	}
	if statusMessage != "" {
		acc.StatusMessage = statusMessage
	}
	if avatar != "" {
		acc.Avatar = avatar
	}
	s.mu.Unlock()

	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	return s.saveLocked()
}
