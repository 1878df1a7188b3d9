// Package session implements the session pool (C4): a bounded cache of
// warm, stateful provider sessions keyed by (tenantId, modelId) so repeated
// requests from the same tenant against the same model can reuse an
// established connection instead of paying handshake/auth cost per call.
//
// A Session here is deliberately opaque — it wraps whatever per-conversation
// state a provider adapter needs to keep alive (an open stream, a warmed
// HTTP/2 connection) behind a narrow interface so the pool never needs to
// know provider internals.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rkvantis/inferd/pkg/types"
)

// ErrPoolFull is returned by Acquire when a pool has reached MaxConcurrent
// and the acquisition deadline elapses before a slot frees up.
var ErrPoolFull = errors.New("session: pool at capacity")

// Session is a reusable, stateful handle to a provider. Implementations are
// supplied by provider adapters that benefit from connection reuse; for
// stateless adapters a Session can be a thin no-op wrapper.
type Session interface {
	// Key identifies which (tenant, model) slot this session belongs to.
	Key() Key

	// Idle reports how long the session has sat unused.
	Idle() time.Duration

	// Age reports how long the session has existed since creation.
	Age() time.Duration

	// Close releases any underlying resources. Must be idempotent.
	Close() error
}

// Key identifies a pool slot.
type Key struct {
	TenantID types.TenantId
	ModelID  string
}

// Factory constructs a new Session for key. Invoked by the pool when no idle
// session is available and the pool has room to grow.
type Factory func(ctx context.Context, key Key) (Session, error)

// Config tunes a [Pool]. Zero values are replaced with spec defaults by
// [New] — see internal/config for the YAML-facing equivalents.
type Config struct {
	// MaxConcurrent bounds in-flight + idle sessions per Key. Default: 10.
	MaxConcurrent int

	// MaxIdle is how long an unused session may sit in the pool before the
	// cleanup sweep closes it. Default: 15m.
	MaxIdle time.Duration

	// MaxAge is the maximum lifetime of a session regardless of use,
	// forcing periodic rotation (credential refresh, connection recycling).
	// Default: 60m.
	MaxAge time.Duration

	// ReuseEnabled, when false, makes every Acquire call create a fresh
	// session and Release immediately close it — effectively disabling
	// pooling while keeping the same call surface. [New] does not default
	// it, so the zero value disables pooling; internal/config defaults the
	// YAML-facing equivalent to true.
	ReuseEnabled bool

	// WarmPoolSize is how many sessions Prewarm creates per key up front.
	WarmPoolSize int

	// CleanupInterval is how often the background sweep runs. Default: 5m.
	CleanupInterval time.Duration
}

const (
	defaultMaxConcurrent   = 10
	defaultMaxIdle         = 15 * time.Minute
	defaultMaxAge          = 60 * time.Minute
	defaultWarmPoolSize    = 2
	defaultCleanupInterval = 5 * time.Minute
)

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = defaultMaxConcurrent
	}
	if c.MaxIdle <= 0 {
		c.MaxIdle = defaultMaxIdle
	}
	if c.MaxAge <= 0 {
		c.MaxAge = defaultMaxAge
	}
	if c.WarmPoolSize <= 0 {
		c.WarmPoolSize = defaultWarmPoolSize
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = defaultCleanupInterval
	}
	return c
}

// slot holds the live state for one Key.
type slot struct {
	mu      sync.Mutex
	idle    []Session
	inUse   int
	waiters []chan struct{}
}

// Pool is a bounded, per-Key cache of warm [Session] values. Safe for
// concurrent use.
type Pool struct {
	cfg     Config
	factory Factory

	mu    sync.Mutex
	slots map[Key]*slot

	stopCleanup chan struct{}
	cleanupDone chan struct{}
}

// New constructs a Pool. factory is called whenever the pool must create a
// fresh session for a key that has none idle and room to grow.
func New(cfg Config, factory Factory) *Pool {
	p := &Pool{
		cfg:         cfg.withDefaults(),
		factory:     factory,
		slots:       make(map[Key]*slot),
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}
	go p.cleanupLoop()
	return p
}

func (p *Pool) slotFor(key Key) *slot {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.slots[key]
	if !ok {
		s = &slot{}
		p.slots[key] = s
	}
	return s
}

// Acquire returns a ready Session for key, reusing an idle one when
// available, otherwise constructing a new one if the pool has room. It
// blocks until a session is available, ctx is cancelled, or timeout elapses
// — whichever comes first. The caller must call [Pool.Release] exactly once
// when done.
func (p *Pool) Acquire(ctx context.Context, key Key, timeout time.Duration) (Session, error) {
	if !p.cfg.ReuseEnabled {
		return p.factory(ctx, key)
	}

	deadline := time.Now().Add(timeout)
	s := p.slotFor(key)

	for {
		s.mu.Lock()
		if n := len(s.idle); n > 0 {
			sess := s.idle[n-1]
			s.idle = s.idle[:n-1]
			if p.shouldRetireLocked(sess) {
				s.mu.Unlock()
				_ = sess.Close()
				continue
			}
			s.inUse++
			s.mu.Unlock()
			return sess, nil
		}
		if s.inUse < p.cfg.MaxConcurrent {
			s.inUse++
			s.mu.Unlock()
			sess, err := p.factory(ctx, key)
			if err != nil {
				s.mu.Lock()
				s.inUse--
				p.wakeOneLocked(s)
				s.mu.Unlock()
				return nil, err
			}
			return sess, nil
		}

		wait := make(chan struct{})
		s.waiters = append(s.waiters, wait)
		s.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrPoolFull
		}
		timer := time.NewTimer(remaining)
		select {
		case <-wait:
			timer.Stop()
		case <-timer.C:
			return nil, ErrPoolFull
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

// Release returns sess to its pool slot for reuse, or closes it outright if
// it has aged out or reuse is disabled.
func (p *Pool) Release(sess Session) {
	if !p.cfg.ReuseEnabled {
		_ = sess.Close()
		return
	}

	s := p.slotFor(sess.Key())
	s.mu.Lock()
	s.inUse--
	if p.shouldRetireLocked(sess) {
		p.wakeOneLocked(s)
		s.mu.Unlock()
		_ = sess.Close()
		return
	}
	s.idle = append(s.idle, sess)
	p.wakeOneLocked(s)
	s.mu.Unlock()
}

func (p *Pool) wakeOneLocked(s *slot) {
	if len(s.waiters) == 0 {
		return
	}
	w := s.waiters[0]
	s.waiters = s.waiters[1:]
	close(w)
}

// shouldRetireLocked reports whether sess must be closed rather than kept —
// either past MaxAge or beyond MaxIdle since its last use.
func (p *Pool) shouldRetireLocked(sess Session) bool {
	return sess.Age() > p.cfg.MaxAge || sess.Idle() > p.cfg.MaxIdle
}

// Prewarm creates WarmPoolSize idle sessions for key ahead of first use.
func (p *Pool) Prewarm(ctx context.Context, key Key) error {
	if !p.cfg.ReuseEnabled {
		return nil
	}
	s := p.slotFor(key)
	for i := 0; i < p.cfg.WarmPoolSize; i++ {
		s.mu.Lock()
		room := s.inUse+len(s.idle) < p.cfg.MaxConcurrent
		s.mu.Unlock()
		if !room {
			break
		}
		sess, err := p.factory(ctx, key)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.idle = append(s.idle, sess)
		s.mu.Unlock()
	}
	return nil
}

// ActiveCount returns the number of in-use + idle sessions for key.
func (p *Pool) ActiveCount(key Key) int {
	s := p.slotFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inUse + len(s.idle)
}

// cleanupLoop periodically evicts idle sessions past MaxIdle/MaxAge.
func (p *Pool) cleanupLoop() {
	defer close(p.cleanupDone)
	t := time.NewTicker(p.cfg.CleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			p.sweep()
		case <-p.stopCleanup:
			return
		}
	}
}

func (p *Pool) sweep() {
	p.mu.Lock()
	slots := make(map[Key]*slot, len(p.slots))
	for k, s := range p.slots {
		slots[k] = s
	}
	p.mu.Unlock()

	for key, s := range slots {
		s.mu.Lock()
		kept := s.idle[:0]
		evicted := 0
		for _, sess := range s.idle {
			if p.shouldRetireLocked(sess) {
				evicted++
				go func(sess Session) { _ = sess.Close() }(sess)
				continue
			}
			kept = append(kept, sess)
		}
		s.idle = kept
		s.mu.Unlock()
		if evicted > 0 {
			slog.Debug("session pool swept idle sessions", "tenant", key.TenantID, "model", key.ModelID, "evicted", evicted)
		}
	}
}

// Close stops the cleanup sweep and closes every pooled session. In-use
// sessions are left to their callers to Release/Close.
func (p *Pool) Close() error {
	close(p.stopCleanup)
	<-p.cleanupDone

	p.mu.Lock()
	slots := p.slots
	p.slots = make(map[Key]*slot)
	p.mu.Unlock()

	var err error
	for _, s := range slots {
		s.mu.Lock()
		for _, sess := range s.idle {
			if cerr := sess.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
		s.idle = nil
		s.mu.Unlock()
	}
	return err
}
