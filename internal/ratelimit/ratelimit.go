// Package ratelimit implements per-provider outbound request pacing: a
// local, in-process limiter distinct from the tenant-facing quota enforcer
// (C3). Where the quota enforcer protects tenants from each other, this
// limiter protects a single upstream provider from this instance's own
// aggregate traffic — defense in depth against tripping the provider's own
// rate limiting before the circuit breaker would otherwise notice.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Limits is one provider's outbound pacing limit.
type Limits struct {
	// RequestsPerSecond is the sustained request rate allowed to the
	// provider. Zero means "use the fallback's rate" (20/s by default).
	RequestsPerSecond float64
	// Burst is the number of requests allowed to proceed immediately before
	// pacing kicks in. Zero means "use the fallback's burst" (5 by default).
	Burst int
}

const (
	defaultRequestsPerSecond = 20
	defaultBurst             = 5
)

// Limiter paces outbound requests per provider ID using a token-bucket
// limiter per provider, created lazily on first use.
type Limiter struct {
	mu       sync.Mutex
	limits   map[string]Limits
	fallback Limits
	buckets  map[string]*rate.Limiter
}

// New constructs a Limiter. perProvider overrides the fallback limits for
// specific provider IDs; fallback applies to any provider not named there.
// A zero fallback uses 20 requests per second with a burst of 5.
func New(perProvider map[string]Limits, fallback Limits) *Limiter {
	if fallback.RequestsPerSecond <= 0 {
		fallback.RequestsPerSecond = defaultRequestsPerSecond
	}
	if fallback.Burst <= 0 {
		fallback.Burst = defaultBurst
	}
	return &Limiter{
		limits:   perProvider,
		fallback: fallback,
		buckets:  make(map[string]*rate.Limiter),
	}
}

// Wait blocks until providerID's bucket admits one request, or ctx is
// cancelled.
func (l *Limiter) Wait(ctx context.Context, providerID string) error {
	return l.bucketFor(providerID).Wait(ctx)
}

func (l *Limiter) bucketFor(providerID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.buckets[providerID]; ok {
		return b
	}

	lim := l.fallback
	if override, ok := l.limits[providerID]; ok {
		if override.RequestsPerSecond > 0 {
			lim.RequestsPerSecond = override.RequestsPerSecond
		}
		if override.Burst > 0 {
			lim.Burst = override.Burst
		}
	}

	b := rate.NewLimiter(rate.Limit(lim.RequestsPerSecond), lim.Burst)
	l.buckets[providerID] = b
	return b
}
