package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/researchaccelerator-hub/lesson-harvester/crawler"
	"github.com/rs/zerolog/log"
)

// ErrPoolExhausted is returned by Acquire when every session is in use.
var ErrPoolExhausted = errors.New("session pool exhausted")

// SessionPool hands out logged-in browsing sessions, one per concurrent
// lesson slot. Sessions are created lazily up to maxSize and reused after
// Release.
type SessionPool struct {
	mu        sync.Mutex
	available map[string]crawler.Session
	inUse     map[string]crawler.Session
	creating  int
	maxSize   int
	factory   crawler.SessionFactory
	auth      crawler.Authenticator
}

// PoolStats is a snapshot of pool occupancy.
type PoolStats struct {
	Available int
	InUse     int
	MaxSize   int
}

// NewSessionPool creates an empty pool. auth may be nil for sites that need
// no login.
func NewSessionPool(maxSize int, factory crawler.SessionFactory, auth crawler.Authenticator) *SessionPool {
	return &SessionPool{
		available: make(map[string]crawler.Session),
		inUse:     make(map[string]crawler.Session),
		maxSize:   maxSize,
		factory:   factory,
		auth:      auth,
	}
}

// Acquire returns an idle session or creates and logs in a new one. It
// returns ErrPoolExhausted if maxSize sessions are already checked out.
func (p *SessionPool) Acquire(ctx context.Context) (crawler.Session, error) {
	p.mu.Lock()
	for id, sess := range p.available {
		delete(p.available, id)
		p.inUse[id] = sess
		p.mu.Unlock()
		log.Debug().Str("session", id).Msg("Reusing existing session from pool")
		return sess, nil
	}

	if len(p.inUse)+p.creating >= p.maxSize {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w (all %d sessions in use)", ErrPoolExhausted, p.maxSize)
	}
	p.creating++
	p.mu.Unlock()

	sess, err := p.open(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.creating--
	if err != nil {
		return nil, err
	}
	p.inUse[sess.ID()] = sess
	log.Info().Str("session", sess.ID()).Msg("Created new session in pool")
	return sess, nil
}

// Release returns a session to the pool for reuse.
func (p *SessionPool) Release(sess crawler.Session) {
	if sess == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	id := sess.ID()
	if _, exists := p.inUse[id]; !exists {
		log.Warn().Str("session", id).Msg("Attempted to release a session that is not in the pool")
		return
	}
	delete(p.inUse, id)
	p.available[id] = sess
}

// HandleSessionError closes a broken session and replaces it with a fresh,
// logged-in one that stays checked out by the caller.
func (p *SessionPool) HandleSessionError(ctx context.Context, sess crawler.Session) (crawler.Session, error) {
	p.mu.Lock()
	id := sess.ID()
	if _, exists := p.inUse[id]; !exists {
		p.mu.Unlock()
		return nil, fmt.Errorf("session %s not checked out from pool", id)
	}
	delete(p.inUse, id)
	p.creating++
	p.mu.Unlock()

	log.Warn().Str("session", id).Msg("Handling session error by recreating session")
	closeSessionSafe(sess)

	fresh, err := p.open(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.creating--
	if err != nil {
		return nil, fmt.Errorf("failed to replace session %s: %w", id, err)
	}
	p.inUse[fresh.ID()] = fresh
	return fresh, nil
}

// Close shuts down every session, idle or checked out.
func (p *SessionPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, sess := range p.available {
		log.Debug().Str("session", id).Msg("Closing available session")
		closeSessionSafe(sess)
	}
	for id, sess := range p.inUse {
		log.Debug().Str("session", id).Msg("Closing in-use session")
		closeSessionSafe(sess)
	}

	p.available = make(map[string]crawler.Session)
	p.inUse = make(map[string]crawler.Session)
}

// Stats reports current occupancy.
func (p *SessionPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{Available: len(p.available), InUse: len(p.inUse), MaxSize: p.maxSize}
}

func (p *SessionPool) open(ctx context.Context) (crawler.Session, error) {
	sess, err := p.factory.NewSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	if p.auth != nil {
		if err := p.auth.Login(ctx, sess); err != nil {
			closeSessionSafe(sess)
			return nil, fmt.Errorf("failed to log in session %s: %w", sess.ID(), err)
		}
	}
	return sess, nil
}

// closeSessionSafe closes a session, giving up after five seconds if the
// browser does not respond.
func closeSessionSafe(sess crawler.Session) {
	if sess == nil {
		return
	}

	done := make(chan struct{})
	go func() {
		if err := sess.Close(); err != nil {
			log.Error().Err(err).Str("session", sess.ID()).Msg("Error closing session")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		log.Warn().Str("session", sess.ID()).Msg("Timeout waiting for session to close")
	}
}
