// Package quota implements the quota enforcer (C3): per-tenant resource
// counters over a sliding window, checked before dispatch and updated as
// requests complete.
//
// Four resource kinds are tracked per tenant: requests, input tokens, output
// tokens, and concurrent in-flight requests. Limits default from
// DefaultLimits and may be overridden per tenant. Storage is pluggable via
// [Store]; [MemStore] is the in-process default and [PostgresStore] persists
// counters across restarts for multi-instance deployments.
package quota

import (
	"context"
	"time"

	"github.com/rkvantis/inferd/internal/errs"
	"github.com/rkvantis/inferd/pkg/types"
)

// Resource identifies a countable quota dimension.
type Resource string

const (
	ResourceRequests     Resource = "requests"
	ResourceInputTokens  Resource = "inputTokens"
	ResourceOutputTokens Resource = "outputTokens"
	ResourceConcurrent   Resource = "concurrent"
)

// Limits holds the per-resource ceilings for one tenant.
type Limits struct {
	Requests     int64
	InputTokens  int64
	OutputTokens int64
	Concurrent   int64
}

func (l Limits) forResource(r Resource) int64 {
	switch r {
	case ResourceRequests:
		return l.Requests
	case ResourceInputTokens:
		return l.InputTokens
	case ResourceOutputTokens:
		return l.OutputTokens
	case ResourceConcurrent:
		return l.Concurrent
	default:
		return 0
	}
}

// Store is the storage abstraction for quota counters. Implementations must
// be safe for concurrent use.
//
// Reserve increments the counter for (tenant, resource) by amount and
// returns the post-increment value and whether it fits within limit — when
// it does not fit, the counter is left unmodified (atomic check-and-add).
// Release decrements the counter, used to undo a Reserve that was not
// ultimately consumed (e.g. ResourceConcurrent on request completion).
type Store interface {
	Reserve(ctx context.Context, tenant types.TenantId, resource Resource, amount, limit int64, window time.Duration) (newValue int64, ok bool, err error)
	Release(ctx context.Context, tenant types.TenantId, resource Resource, amount int64) error
	Usage(ctx context.Context, tenant types.TenantId, resource Resource) (int64, error)
}

// Config configures the Enforcer.
type Config struct {
	// WindowSize is the sliding window duration over which Requests/
	// InputTokens/OutputTokens are accumulated before resetting. Default: 1h.
	WindowSize time.Duration

	// DefaultLimits applies to any tenant without a TenantOverrides entry.
	DefaultLimits Limits

	// TenantOverrides replaces DefaultLimits for specific tenants.
	TenantOverrides map[types.TenantId]Limits
}

const defaultWindowSize = time.Hour

// Enforcer is the quota enforcer (C3). It is the narrow interface the
// router depends on; [NewEnforcer] wires it to a concrete [Store].
type Enforcer struct {
	cfg   Config
	store Store
}

// NewEnforcer constructs an Enforcer backed by store.
func NewEnforcer(cfg Config, store Store) *Enforcer {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = defaultWindowSize
	}
	return &Enforcer{cfg: cfg, store: store}
}

func (e *Enforcer) limitsFor(tenant types.TenantId) Limits {
	if l, ok := e.cfg.TenantOverrides[tenant]; ok {
		return l
	}
	return e.cfg.DefaultLimits
}

// Check reserves one unit of ResourceRequests and ResourceConcurrent for
// tenant, returning a *errs.Error with CodeQuotaExceeded when either limit is
// exceeded. On success, the caller MUST call [Enforcer.OnComplete] when the
// request completes to release the ResourceConcurrent unit.
func (e *Enforcer) Check(ctx context.Context, tenant types.TenantId) error {
	limits := e.limitsFor(tenant)

	if limits.Concurrent > 0 {
		_, ok, err := e.store.Reserve(ctx, tenant, ResourceConcurrent, 1, limits.Concurrent, 0)
		if err != nil {
			return errs.Wrap(errs.CodeInternal, err, "quota: reserve concurrent failed")
		}
		if !ok {
			return errs.New(errs.CodeQuotaExceeded, "concurrent request limit exceeded").
				With("tenant_id", string(tenant)).With("resource", string(ResourceConcurrent))
		}
	}

	if limits.Requests > 0 {
		_, ok, err := e.store.Reserve(ctx, tenant, ResourceRequests, 1, limits.Requests, e.cfg.WindowSize)
		if err != nil {
			e.releaseConcurrent(ctx, tenant, limits)
			return errs.Wrap(errs.CodeInternal, err, "quota: reserve requests failed")
		}
		if !ok {
			e.releaseConcurrent(ctx, tenant, limits)
			return errs.New(errs.CodeQuotaExceeded, "request rate limit exceeded").
				With("tenant_id", string(tenant)).With("resource", string(ResourceRequests))
		}
	}

	return nil
}

func (e *Enforcer) releaseConcurrent(ctx context.Context, tenant types.TenantId, limits Limits) {
	if limits.Concurrent > 0 {
		_ = e.store.Release(ctx, tenant, ResourceConcurrent, 1)
	}
}

// ReserveTokens checks and reserves input/output token usage against the
// tenant's window limits. The router calls it once usage is known, after the
// provider reports a token count.
func (e *Enforcer) ReserveTokens(ctx context.Context, tenant types.TenantId, input, output int64) error {
	limits := e.limitsFor(tenant)

	if limits.InputTokens > 0 && input > 0 {
		_, ok, err := e.store.Reserve(ctx, tenant, ResourceInputTokens, input, limits.InputTokens, e.cfg.WindowSize)
		if err != nil {
			return errs.Wrap(errs.CodeInternal, err, "quota: reserve input tokens failed")
		}
		if !ok {
			return errs.New(errs.CodeQuotaExceeded, "input token budget exceeded").
				With("tenant_id", string(tenant)).With("resource", string(ResourceInputTokens))
		}
	}
	if limits.OutputTokens > 0 && output > 0 {
		_, ok, err := e.store.Reserve(ctx, tenant, ResourceOutputTokens, output, limits.OutputTokens, e.cfg.WindowSize)
		if err != nil {
			return errs.Wrap(errs.CodeInternal, err, "quota: reserve output tokens failed")
		}
		if !ok {
			return errs.New(errs.CodeQuotaExceeded, "output token budget exceeded").
				With("tenant_id", string(tenant)).With("resource", string(ResourceOutputTokens))
		}
	}
	return nil
}

// OnComplete releases the ResourceConcurrent unit reserved by Check. Must be
// called exactly once per successful Check, regardless of request outcome.
func (e *Enforcer) OnComplete(ctx context.Context, tenant types.TenantId) {
	limits := e.limitsFor(tenant)
	e.releaseConcurrent(ctx, tenant, limits)
}

// Usage returns the current counter value for (tenant, resource), for
// diagnostics.
func (e *Enforcer) Usage(ctx context.Context, tenant types.TenantId, resource Resource) (int64, int64, error) {
	v, err := e.store.Usage(ctx, tenant, resource)
	if err != nil {
		return 0, 0, err
	}
	return v, e.limitsFor(tenant).forResource(resource), nil
}
