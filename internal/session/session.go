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

// Package session wraps one accepted TCP connection: a bounded
// read-loop over the envelope codec, an independent send-loop so a slow
// reader never blocks a writer, and a die/dieOnce shutdown idiom so
// either loop can trigger a clean close exactly once.
package session

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/larry-lines/justirc/internal/envelope"
)

// ErrClosed is returned by Send once the session has begun shutting
// down; the caller should treat it the same as a disconnect.
var ErrClosed = errors.New("session: closed")

// Session owns one connection's read/send loops and identity binding.
// The zero value is not usable; construct with New.
type Session struct {
	ID         string // stable per-connection id, independent of login
	conn       net.Conn
	remoteAddr string

	reader       *envelope.Reader
	writer       *envelope.Writer
	readTimeout  time.Duration

	die     chan struct{}
	dieOnce sync.Once

	outMu   sync.Mutex
	pending []*envelope.Envelope
	notify  chan struct{}

	idMu     sync.RWMutex
	userID   string
	nickname string
}

// New wraps conn, starting its send-loop immediately. The caller is
// responsible for invoking Serve (typically in its own goroutine) to
// drive the read loop.
func New(id string, conn net.Conn, readTimeout time.Duration, maxFrameSize int) *Session {
	r := envelope.NewReader(conn)
	if maxFrameSize > 0 {
		r.MaxFrameSize = maxFrameSize
	}
	s := &Session{
		ID:          id,
		conn:        conn,
		remoteAddr:  conn.RemoteAddr().String(),
		reader:      r,
		writer:      envelope.NewWriter(conn),
		readTimeout: readTimeout,
		die:         make(chan struct{}),
		notify:      make(chan struct{}, 1),
	}
	go s.sendLoop()
	return s
}

// RemoteAddr is the address captured at accept time; it never changes
// even if the peer vanishes, and is never leaked to other sessions.
func (s *Session) RemoteAddr() string { return s.remoteAddr }

// SetIdentity binds the session to a registered user-id and nickname,
// called once registration succeeds.
func (s *Session) SetIdentity(userID, nickname string) {
	s.idMu.Lock()
	s.userID = userID
	s.nickname = nickname
	s.idMu.Unlock()
}

// UserID returns the bound user id, or "" if registration hasn't
// happened yet.
func (s *Session) UserID() string {
	s.idMu.RLock()
	defer s.idMu.RUnlock()
	return s.userID
}

// Nickname returns the bound nickname, or "" if registration hasn't
// happened yet.
func (s *Session) Nickname() string {
	s.idMu.RLock()
	defer s.idMu.RUnlock()
	return s.nickname
}

// Send enqueues an envelope for the send-loop to deliver. Non-blocking
// with respect to the socket: the caller never waits on a slow peer.
func (s *Session) Send(e *envelope.Envelope) error {
	select {
	case <-s.die:
		return ErrClosed
	default:
	}

	s.outMu.Lock()
	s.pending = append(s.pending, e)
	s.outMu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

// Done returns a channel closed once the session has shut down.
func (s *Session) Done() <-chan struct{} { return s.die }

// Close terminates the connection and both loops. Idempotent.
func (s *Session) Close() {
	s.dieOnce.Do(func() {
		close(s.die)
		s.conn.Close()
	})
}

// Serve runs the read loop, handing each decoded envelope to handle.
// handle returning an error other than a protocol-framing error closes
// the session after the current iteration. Serve returns once the
// connection is closed, by either side.
func (s *Session) Serve(handle func(*envelope.Envelope) error) {
	defer s.Close()

	for {
		select {
		case <-s.die:
			return
		default:
		}

		if s.readTimeout > 0 {
			s.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		}

		env, err := s.reader.ReadEnvelope()
		if err != nil {
			if err == envelope.ErrBadEnvelope || err == envelope.ErrFrameTooLarge {
				s.Send(errorEnvelope(err.Error()))
				continue
			}
			return
		}

		if err := handle(env); err != nil {
			return
		}
	}
}

func errorEnvelope(msg string) *envelope.Envelope {
	e, _ := envelope.New(envelope.TypeError, time.Now().Unix(), &envelope.ErrorPayload{Error: msg})
	return e
}

// sendLoop drains the pending queue whenever notified, over a single
// outbound queue since sessions have only one class of outbound
// traffic.
func (s *Session) sendLoop() {
	defer s.Close()

	for {
		select {
		case <-s.notify:
			s.outMu.Lock()
			batch := s.pending
			s.pending = nil
			s.outMu.Unlock()

			for _, e := range batch {
				if err := s.writer.WriteEnvelope(e); err != nil {
					return
				}
			}
		case <-s.die:
			return
		}
	}
}
