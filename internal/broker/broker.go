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

// Package broker wires every subsystem (channel store, join/role
// engine, offline queue, rate limiter, IP filter, performance monitor,
// routing cache, account registry) into one control loop: bind/accept,
// background maintenance tasks, per-connection session dispatch, and
// graceful shutdown.
//
// The accept-and-dial startup sequence and acceptor/die shutdown shape
// follow the usual pattern for this kind of server, with four
// independent periodic maintenance tasks running alongside it.
package broker

import (
	"errors"
	"log"
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/net/netutil"

	"github.com/larry-lines/justirc/internal/accounts"
	"github.com/larry-lines/justirc/internal/auth"
	"github.com/larry-lines/justirc/internal/envelope"
	"github.com/larry-lines/justirc/internal/ipfilter"
	"github.com/larry-lines/justirc/internal/perf"
	"github.com/larry-lines/justirc/internal/queue"
	"github.com/larry-lines/justirc/internal/ratelimit"
	"github.com/larry-lines/justirc/internal/routing"
	"github.com/larry-lines/justirc/internal/session"
	"github.com/larry-lines/justirc/internal/store"
)

// ErrNotRunning is returned by Shutdown when the broker was never
// started.
var ErrNotRunning = errors.New("broker: not running")

// user is the live, connection-scoped record for one registered
// identity.
type user struct {
	userID        string
	nickname      string
	publicKey     string
	status        string
	statusMessage string
	sess          *session.Session
}

// Broker owns every subsystem and the live connection registry.
type Broker struct {
	cfg Config

	channels *store.Store
	accounts *accounts.Store
	authz    *auth.Engine
	queue    *queue.Queue
	limiter  *ratelimit.Limiter
	connLim  *ratelimit.ConnLimiter
	ipf      *ipfilter.Filter
	mon      *perf.Monitor
	routes   *routing.Cache

	mu         sync.RWMutex
	byUser     map[string]*user
	byNickname map[string]string    // nickname -> user id
	bySession  map[string]*session.Session // session id -> session, covers pre-registration connections too

	listener net.Listener
	done     chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Broker and loads every subsystem's durable state
// from cfg.DataDir. It does not bind a listener yet; call ListenAndServe.
func New(cfg Config) (*Broker, error) {
	b := &Broker{
		cfg:        cfg,
		channels:   store.New(filepath.Join(cfg.DataDir, "channels.json")),
		accounts:   accounts.New(filepath.Join(cfg.DataDir, "user_profiles.json")),
		queue:      queue.NewWithLimits(filepath.Join(cfg.DataDir, "message_queue"), cfg.MaxQueuedMessagesPerUser, queue.DefaultTTL),
		limiter:    ratelimit.New(),
		connLim:    ratelimit.NewConnLimiter(),
		ipf:        ipfilter.New(filepath.Join(cfg.DataDir, "ip_filter.json")),
		mon:        perf.New(time.Minute),
		routes:     routing.New(),
		byUser:     make(map[string]*user),
		byNickname: make(map[string]string),
		bySession:  make(map[string]*session.Session),
		done:       make(chan struct{}),
	}
	b.authz = auth.New(b.channels, b)

	if err := b.channels.Load(); err != nil {
		return nil, err
	}
	if err := b.accounts.Load(); err != nil {
		return nil, err
	}
	if err := b.ipf.Load(); err != nil {
		return nil, err
	}
	if err := b.queue.Load(time.Now()); err != nil {
		return nil, err
	}
	return b, nil
}

// NicknameAndKey implements auth.Directory over the live registry.
func (b *Broker) NicknameAndKey(userID string) (nickname, publicKeyB64 string, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	u, ok := b.byUser[userID]
	if !ok {
		return "", "", false
	}
	return u.nickname, u.publicKey, true
}

// UserIDFor derives the stable user id from a nickname: `"user_" ||
// nickname`.
func UserIDFor(nickname string) string { return "user_" + nickname }

// ListenAndServe binds the configured address and runs the accept loop
// until Shutdown is called. It blocks.
func (b *Broker) ListenAndServe() error {
	addr := net.JoinHostPort(b.cfg.Host, strconv.Itoa(b.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	if b.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, b.cfg.MaxConnections)
	}
	b.listener = ln

	b.startBackgroundTasks()
	log.Printf("broker listening on %s", addr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-b.done:
				return nil
			default:
				return err
			}
		}
		go b.acceptConn(conn)
	}
}

// acceptConn gates a freshly accepted connection through the
// connection-rate limiter and IP filter, in that order (active
// temp-ban first, then blacklist/whitelist), before spawning a session.
func (b *Broker) acceptConn(conn net.Conn) {
	addr := conn.RemoteAddr().String()
	host, _, splitErr := net.SplitHostPort(addr)
	if splitErr != nil {
		host = addr
	}
	if !b.connLim.Allow(addr) || !b.ipf.Allow(host) {
		conn.Close()
		return
	}

	id := addr + "#" + strconv.FormatInt(time.Now().UnixNano(), 36)
	sess := session.New(id, conn, b.cfg.ReadTimeout, b.cfg.MaxMessageSize)
	b.mon.Connect(id, time.Now())

	b.mu.Lock()
	b.bySession[id] = sess
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer b.cleanupSession(sess)
		sess.Serve(func(e *envelope.Envelope) error {
			return b.dispatch(sess, e)
		})
	}()
}

// Shutdown stops the accept loop and background tasks, then cancels
// background tasks, flushes the queue and channel store, and emits a
// final summary.
func (b *Broker) Shutdown() error {
	if b.listener == nil {
		return ErrNotRunning
	}
	close(b.done)
	err := b.listener.Close()
	b.wg.Wait()

	if ferr := b.queue.Flush(); ferr != nil && err == nil {
		err = ferr
	}
	if ferr := b.channels.Save(); ferr != nil && err == nil {
		err = ferr
	}
	log.Print(b.mon.Summary(time.Now()))
	return err
}

func (b *Broker) startBackgroundTasks() {
	b.runPeriodic(b.cfg.BanSweepEvery, b.sweepExpiredBans)
	b.runPeriodic(b.cfg.SummaryEvery, func() { log.Print(b.mon.Summary(time.Now())) })
	b.runPeriodic(b.cfg.QueueFlushEvery, func() {
		if err := b.queue.Flush(); err != nil {
			log.Printf("queue flush: %v", err)
		}
	})
	b.runPeriodic(b.cfg.IdleCleanupEvery, func() { b.cleanupIdleSessions(time.Now()) })
}

func (b *Broker) runPeriodic(every time.Duration, fn func()) {
	if every <= 0 {
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				fn()
			case <-b.done:
				return
			}
		}
	}()
}

// sweepExpiredBans eagerly removes lapsed bans from every channel.
func (b *Broker) sweepExpiredBans() {
	now := time.Now()
	for _, ch := range b.channels.All() {
		b.channels.Mutate(ch.Name, func(c *store.Channel) error {
			for uid, ban := range c.Banned {
				if ban.Expired(now) {
					delete(c.Banned, uid)
				}
			}
			return nil
		})
	}
	b.queue.CleanupExpired(now)
}

// cleanupSession retires a connection's registrations once its session
// has closed, releasing rate-limit state and broadcasting its departure
// from any channel it was still a live member of.
func (b *Broker) cleanupSession(sess *session.Session) {
	b.mon.Disconnect(sess.ID)

	b.mu.Lock()
	delete(b.bySession, sess.ID)
	userID := sess.UserID()
	var nickname string
	if userID != "" {
		if u, ok := b.byUser[userID]; ok {
			nickname = u.nickname
			delete(b.byNickname, u.nickname)
		}
		delete(b.byUser, userID)
	}
	b.mu.Unlock()

	if userID == "" {
		return
	}
	b.limiter.Forget(userID)
	channels := b.authz.Disconnect(userID)
	for _, ch := range channels {
		b.routes.Invalidate(ch)
		b.broadcastLeave(ch, userID, nickname)
	}
}

// cleanupIdleSessions closes connections that have sent nothing within
// the configured idle threshold.
func (b *Broker) cleanupIdleSessions(now time.Time) {
	if b.cfg.IdleThreshold <= 0 {
		return
	}
	for _, id := range b.mon.IdleConnections(now, b.cfg.IdleThreshold) {
		b.mu.RLock()
		sess, ok := b.bySession[id]
		b.mu.RUnlock()
		if ok {
			sess.Close()
		}
	}
}
