// Package pty implements a pool of reconnectable PTY sessions keyed by
// an opaque string (derived from an auth token and, for workspace
// shells, a workspace ID). A disconnected WebSocket doesn't kill the
// underlying shell: the session sits idle in the pool so a client that
// reconnects within the pool's session TTL picks the same shell back
// up, history and all. A background sweep reaps sessions that have sat
// disconnected past the TTL.
package pty

import (
	"errors"
	"log"
	"os/exec"
	"sync"
	"time"
)

// ErrSessionBusy is returned by Pool.Acquire when the session for a key
// is already attached to a live connection.
var ErrSessionBusy = errors.New("pty: session already in use")

// Spawner starts the underlying process/PTY pair for a brand-new
// session. Implementations live in the server package, which knows
// whether a key maps to a host shell, an SSH console, or a
// systemd-nspawn workspace shell. cmd is nil for SSH-routed sessions,
// which have no local child process to reap.
type Spawner func() (cmd *exec.Cmd, ptmx PTYFile, err error)

// Pool manages pooled PTY sessions keyed by an opaque string.
type Pool struct {
	mu       sync.Mutex
	sessions map[string]*Session

	sweepInterval time.Duration
	sessionTTL    time.Duration
	bufferSize    int

	stopSweep chan struct{}
}

// PoolConfig configures a Pool.
type PoolConfig struct {
	SweepInterval time.Duration // how often the reaper runs; default 10s
	SessionTTL    time.Duration // how long a disconnected session survives; default 30s
	BufferSize    int           // per-session output ring buffer bytes; default 256KiB
}

// NewPool creates a Pool and starts its background reaper.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 10 * time.Second
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 30 * time.Second
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 262144
	}
	p := &Pool{
		sessions:      make(map[string]*Session),
		sweepInterval: cfg.SweepInterval,
		sessionTTL:    cfg.SessionTTL,
		bufferSize:    cfg.BufferSize,
		stopSweep:     make(chan struct{}),
	}
	go p.sweepLoop()
	return p
}

// Acquire returns the session for key, creating it via spawn if it
// doesn't exist yet. If a session for key exists and is currently
// in use by another connection, ErrSessionBusy is returned: a
// websocket handler should close the new connection rather than steal
// the terminal out from under an active one.
func (p *Pool) Acquire(key string, rows, cols int, spawn Spawner) (*Session, bool, error) {
	p.mu.Lock()
	if existing, ok := p.sessions[key]; ok {
		existing.mu.Lock()
		if existing.InUse {
			existing.mu.Unlock()
			p.mu.Unlock()
			return nil, false, ErrSessionBusy
		}
		existing.InUse = true
		existing.DisconnectedAt = time.Time{}
		existing.mu.Unlock()
		p.mu.Unlock()
		return existing, false, nil
	}
	p.mu.Unlock()

	cmd, ptmx, err := spawn()
	if err != nil {
		return nil, false, err
	}

	session, err := newPooledSession(key, cmd, ptmx, rows, cols, p.bufferSize, func() {
		p.mu.Lock()
		delete(p.sessions, key)
		p.mu.Unlock()
	})
	if err != nil {
		return nil, false, err
	}
	session.InUse = true

	p.mu.Lock()
	if existing, ok := p.sessions[key]; ok {
		existing.mu.Lock()
		inUse := existing.InUse
		existing.mu.Unlock()
		if inUse {
			// Lost the race: another Acquire already installed a live
			// session for this key while we were spawning. Abort the
			// child we just created rather than stealing or replacing
			// the in-use session.
			p.mu.Unlock()
			_ = session.Close()
			return nil, false, ErrSessionBusy
		}
		// A stale, disconnected entry slipped in ahead of us: it loses
		// to the fresh session, so close it to avoid leaking its
		// process/PTY.
		_ = existing.Close()
	}
	p.sessions[key] = session
	p.mu.Unlock()

	return session, true, nil
}

// Release marks a session as disconnected (but still pooled) rather
// than closing it outright, so a reconnect within the session TTL can
// resume it.
func (p *Pool) Release(key string) {
	p.mu.Lock()
	session, ok := p.sessions[key]
	p.mu.Unlock()
	if !ok {
		return
	}
	session.mu.Lock()
	session.InUse = false
	session.DisconnectedAt = time.Now()
	session.mu.Unlock()
}

// Get returns the session for key without acquiring it, or nil.
func (p *Pool) Get(key string) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions[key]
}

// Count returns the number of pooled sessions.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Close shuts down a pooled session immediately regardless of TTL.
func (p *Pool) Close(key string) error {
	p.mu.Lock()
	session, ok := p.sessions[key]
	if ok {
		delete(p.sessions, key)
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return session.Close()
}

// CloseAll shuts down every pooled session, used on process shutdown.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	sessions := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.sessions = make(map[string]*Session)
	p.mu.Unlock()

	for _, s := range sessions {
		_ = s.Close()
	}
}

// Stop halts the background reaper.
func (p *Pool) Stop() {
	close(p.stopSweep)
}

func (p *Pool) sweepLoop() {
	ticker := time.NewTicker(p.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.sweepExpired()
		case <-p.stopSweep:
			return
		}
	}
}

// sweepExpired closes sessions that have been disconnected for longer
// than the pool's session TTL. Sessions currently in use, or that
// reconnected since being marked disconnected, are left alone.
func (p *Pool) sweepExpired() {
	now := time.Now()

	p.mu.Lock()
	var expired []*Session
	for key, s := range p.sessions {
		s.mu.Lock()
		stale := !s.InUse && !s.DisconnectedAt.IsZero() && now.Sub(s.DisconnectedAt) > p.sessionTTL
		s.mu.Unlock()
		if stale {
			expired = append(expired, s)
			delete(p.sessions, key)
		}
	}
	p.mu.Unlock()

	// Closing happens outside the pool lock: Session.Close blocks on
	// process teardown and must never hold up Acquire/Release for
	// unrelated keys.
	for _, s := range expired {
		log.Printf("pty: reaping expired pooled session %s", s.Key)
		_ = s.Close()
	}
}
