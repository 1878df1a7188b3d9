// Package breaker provides the per-provider circuit breaker used by the
// router to stop dispatching to a provider that is failing too often.
//
// The central type is [Breaker], a three-state machine (closed → open →
// half-open) driven by a sliding window of recent call outcomes rather than
// a simple consecutive-failure counter, so a provider that fails half the
// time but succeeds the other half still trips.
//
// All types are safe for concurrent use.
package breaker

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rkvantis/inferd/internal/errs"
)

// State represents the current operating mode of a [Breaker].
type State int32

const (
	// StateClosed is the normal operating state — all calls are forwarded.
	StateClosed State = iota

	// StateOpen indicates the breaker has tripped. Calls are rejected
	// immediately until OpenDuration elapses.
	StateOpen

	// StateHalfOpen is the probe state entered after OpenDuration. A bounded
	// number of calls are allowed through; enough successes close the
	// breaker, any failure re-opens it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// FailurePredicate decides whether err counts against the breaker's failure
// window. The default predicate counts only retryable taxonomy errors, so
// client validation errors never trip a breaker.
type FailurePredicate func(err error) bool

// DefaultFailurePredicate reports errs.IsRetryable(err).
func DefaultFailurePredicate(err error) bool {
	return errs.IsRetryable(err)
}

// Config holds tuning knobs for a [Breaker].
type Config struct {
	// Name is a human-readable label used in log messages, typically the
	// provider ID.
	Name string

	// FailureThreshold is the absolute failure count within the sliding
	// window required to trip closed -> open. Default: 5.
	FailureThreshold int

	// FailureRateThreshold is the failure fraction within the window
	// required to trip, in (0, 1]. Default: 0.5.
	FailureRateThreshold float64

	// SlidingWindowSize is how many recent outcomes are retained for rate
	// calculation. Must be >= FailureThreshold. Default: 10.
	SlidingWindowSize int

	// OpenDuration is how long the breaker stays open before allowing a
	// half-open probe. Default: 30s.
	OpenDuration time.Duration

	// HalfOpenPermits bounds the number of trial calls allowed while
	// half-open. Default: 3.
	HalfOpenPermits int

	// HalfOpenSuccessThreshold is the number of successes among those
	// permits required to close the breaker again. Default: 2.
	HalfOpenSuccessThreshold int

	// FailurePredicate decides whether an error counts as a failure. Nil
	// means DefaultFailurePredicate.
	FailurePredicate FailurePredicate
}

const (
	defaultFailureThreshold         = 5
	defaultFailureRateThreshold     = 0.5
	defaultSlidingWindowSize        = 10
	defaultOpenDuration             = 30 * time.Second
	defaultHalfOpenPermits          = 3
	defaultHalfOpenSuccessThreshold = 2
)

// Breaker implements the sliding-window circuit breaker described above.
// State transitions are serialized by mu; the current state is also mirrored
// into an atomic so State() and PermitCall() take mu only for the lazy
// open -> half-open transition.
type Breaker struct {
	name string

	failureThreshold         int
	failureRateThreshold     float64
	slidingWindowSize        int
	openDuration             time.Duration
	halfOpenPermits          int
	halfOpenSuccessThreshold int
	failurePredicate         FailurePredicate

	mu       sync.Mutex
	state    atomic.Int32
	openedAt atomic.Int64 // UnixNano; valid while state == StateOpen

	window     []bool // ring buffer of outcomes, true = counted failure
	windowHead int
	windowLen  int

	halfOpenAttempts atomic.Int32
	halfOpenSuccess  atomic.Int32
}

// New constructs a Breaker, filling in defaults for zero-valued Config
// fields.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.FailureRateThreshold <= 0 {
		cfg.FailureRateThreshold = defaultFailureRateThreshold
	}
	if cfg.SlidingWindowSize < cfg.FailureThreshold {
		cfg.SlidingWindowSize = defaultSlidingWindowSize
		if cfg.SlidingWindowSize < cfg.FailureThreshold {
			cfg.SlidingWindowSize = cfg.FailureThreshold
		}
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = defaultOpenDuration
	}
	if cfg.HalfOpenPermits <= 0 {
		cfg.HalfOpenPermits = defaultHalfOpenPermits
	}
	if cfg.HalfOpenSuccessThreshold <= 0 {
		cfg.HalfOpenSuccessThreshold = defaultHalfOpenSuccessThreshold
	}
	if cfg.HalfOpenSuccessThreshold > cfg.HalfOpenPermits {
		cfg.HalfOpenSuccessThreshold = cfg.HalfOpenPermits
	}
	if cfg.FailurePredicate == nil {
		cfg.FailurePredicate = DefaultFailurePredicate
	}

	return &Breaker{
		name:                     cfg.Name,
		failureThreshold:         cfg.FailureThreshold,
		failureRateThreshold:     cfg.FailureRateThreshold,
		slidingWindowSize:        cfg.SlidingWindowSize,
		openDuration:             cfg.OpenDuration,
		halfOpenPermits:          cfg.HalfOpenPermits,
		halfOpenSuccessThreshold: cfg.HalfOpenSuccessThreshold,
		failurePredicate:         cfg.FailurePredicate,
		window:                   make([]bool, cfg.SlidingWindowSize),
	}
}

// State returns the current state, lazily transitioning open -> half-open if
// OpenDuration has elapsed since the trip.
func (b *Breaker) State() State {
	if State(b.state.Load()) == StateOpen && b.openElapsed() {
		b.mu.Lock()
		if State(b.state.Load()) == StateOpen && b.openElapsed() {
			b.toHalfOpenLocked()
		}
		b.mu.Unlock()
	}
	return State(b.state.Load())
}

func (b *Breaker) openElapsed() bool {
	opened := b.openedAt.Load()
	return opened != 0 && time.Since(time.Unix(0, opened)) >= b.openDuration
}

// PermitCall reports whether a call should be let through right now. In
// half-open it also reserves one of the bounded trial permits — a caller
// that receives true MUST report the outcome via RecordSuccess or
// RecordFailure exactly once.
func (b *Breaker) PermitCall() bool {
	switch b.State() {
	case StateClosed:
		return true
	case StateHalfOpen:
		if b.halfOpenAttempts.Add(1) > int32(b.halfOpenPermits) {
			b.halfOpenAttempts.Add(-1)
			return false
		}
		return true
	default: // StateOpen
		return false
	}
}

// Execute runs fn if PermitCall allows it and records the outcome. Returns
// an *errs.Error with Code CIRCUIT_BREAKER_OPEN if the call was rejected.
func (b *Breaker) Execute(fn func() error) error {
	if !b.PermitCall() {
		return errs.New(errs.CodeCircuitBreakerOpen, "").With("breaker", b.name)
	}

	err := fn()
	if err != nil && b.failurePredicate(err) {
		b.RecordFailure()
	} else {
		b.RecordSuccess()
	}
	return err
}

// RecordSuccess records a successful call outcome.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if State(b.state.Load()) == StateHalfOpen {
		if b.halfOpenSuccess.Add(1) >= int32(b.halfOpenSuccessThreshold) {
			b.toClosedLocked()
			slog.Info("circuit breaker closed after successful probes", "name", b.name)
		}
		return
	}
	b.pushOutcomeLocked(false)
}

// RecordFailure records a failed call outcome. Callers normally reach this
// through Execute, which already applies FailurePredicate.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if State(b.state.Load()) == StateHalfOpen {
		b.toOpenLocked()
		slog.Warn("circuit breaker re-opened from half-open", "name", b.name)
		return
	}

	b.pushOutcomeLocked(true)
	if b.shouldTripLocked() {
		b.toOpenLocked()
		slog.Warn("circuit breaker opened", "name", b.name, "window_len", b.windowLen)
	}
}

func (b *Breaker) pushOutcomeLocked(failure bool) {
	b.window[b.windowHead] = failure
	b.windowHead = (b.windowHead + 1) % len(b.window)
	if b.windowLen < len(b.window) {
		b.windowLen++
	}
}

func (b *Breaker) shouldTripLocked() bool {
	if b.windowLen == 0 {
		return false
	}
	failures := 0
	for i := 0; i < b.windowLen; i++ {
		if b.window[i] {
			failures++
		}
	}
	if failures < b.failureThreshold {
		return false
	}
	rate := float64(failures) / float64(b.windowLen)
	return rate >= b.failureRateThreshold
}

func (b *Breaker) toOpenLocked() {
	b.state.Store(int32(StateOpen))
	b.openedAt.Store(time.Now().UnixNano())
	b.halfOpenAttempts.Store(0)
	b.halfOpenSuccess.Store(0)
}

func (b *Breaker) toHalfOpenLocked() {
	b.state.Store(int32(StateHalfOpen))
	b.halfOpenAttempts.Store(0)
	b.halfOpenSuccess.Store(0)
	slog.Info("circuit breaker transitioning to half-open", "name", b.name)
}

func (b *Breaker) toClosedLocked() {
	b.state.Store(int32(StateClosed))
	b.openedAt.Store(0)
	b.halfOpenAttempts.Store(0)
	b.halfOpenSuccess.Store(0)
	for i := range b.window {
		b.window[i] = false
	}
	b.windowHead, b.windowLen = 0, 0
}

// Reset manually forces the breaker back to closed, clearing all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.toClosedLocked()
	slog.Info("circuit breaker manually reset", "name", b.name)
}

// TripOpen manually forces the breaker open.
func (b *Breaker) TripOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.toOpenLocked()
	slog.Warn("circuit breaker manually tripped open", "name", b.name)
}

// Name returns the breaker's configured name.
func (b *Breaker) Name() string { return b.name }
