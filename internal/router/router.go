// Package router implements the router (C7): the synchronous and streaming
// dispatch algorithm that ties together provider selection (C6), the runner
// factory (C5), the circuit breaker (C2), and the quota enforcer (C3) into
// one infer/inferStream entry point.
//
// Router depends only on narrow interfaces rather than concrete types from
// sibling packages, so it can be exercised with fakes in tests and so the
// dependency graph among C2–C6 stays acyclic even though the subsystems
// interact cyclically at runtime (a breaker trip affects selection, a
// selection affects load which affects the next selection, and so on).
package router

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/rkvantis/inferd/internal/errs"
	"github.com/rkvantis/inferd/internal/policy"
	"github.com/rkvantis/inferd/pkg/provider/llm"
	"github.com/rkvantis/inferd/pkg/types"
)

// RunnerLookup resolves a provider ID to a ready [llm.Provider], typically
// backed by the runner factory (C5).
type RunnerLookup interface {
	GetRunner(ctx context.Context, key types.RunnerCacheKey) (llm.Provider, error)
}

// Breaker is the narrow view of a per-provider circuit breaker the router
// needs: whether to permit a call, and how to report its outcome.
type Breaker interface {
	PermitCall() bool
	RecordSuccess()
	RecordFailure()
}

// BreakerLookup resolves a provider ID to its [Breaker].
type BreakerLookup interface {
	Breaker(providerID string) Breaker
}

// QuotaGuard is the narrow view of the quota enforcer (C3) the router needs.
type QuotaGuard interface {
	Check(ctx context.Context, tenant types.TenantId) error
	OnComplete(ctx context.Context, tenant types.TenantId)
	ReserveTokens(ctx context.Context, tenant types.TenantId, input, output int64) error
}

// CandidateSource supplies the current scored snapshot of eligible
// providers for a pool, independent of any one request — the router asks
// for a fresh snapshot per dispatch since load/health change continuously.
type CandidateSource interface {
	Candidates(poolID string) []policy.Candidate
}

// MetricsRecorder is the narrow view of the metrics sink (C10) the router
// needs. Implemented by *observe.Metrics.
type MetricsRecorder interface {
	RecordProviderRequest(ctx context.Context, provider, model, status string)
	RecordProviderError(ctx context.Context, provider, code string)
	RecordTokens(ctx context.Context, tenantID, direction string, count int64)
	RecordFailover(ctx context.Context, fromProvider, toProvider string)
}

// Pacer applies local, per-provider outbound pacing ahead of a dispatch —
// a defense-in-depth limiter distinct from the tenant-facing quota enforcer.
// Implemented by *ratelimit.Limiter. Optional: a Router with no Pacer
// configured dispatches unpaced.
type Pacer interface {
	Wait(ctx context.Context, providerID string) error
}

// Config configures a Router.
type Config struct {
	// MaxRetries bounds how many candidates are tried before giving up and
	// returning CodeAllRunnersFailed. Default: 3.
	MaxRetries int

	// DefaultStrategy is used when a pool does not specify its own.
	DefaultStrategy policy.Policy
}

const defaultMaxRetries = 3

// Router dispatches inference requests across providers with selection,
// quota enforcement, circuit breaking, and failover. Safe for concurrent use
// — all mutable state lives in the collaborators it holds references to.
type Router struct {
	cfg      Config
	runners  RunnerLookup
	breakers BreakerLookup
	quota    QuotaGuard
	sources  CandidateSource
	metrics  MetricsRecorder
	pacer    Pacer
}

// Option configures optional Router behavior.
type Option func(*Router)

// WithPacer attaches a [Pacer] that rate-limits outbound calls per provider
// ahead of every dispatch attempt.
func WithPacer(p Pacer) Option {
	return func(r *Router) { r.pacer = p }
}

// New constructs a Router from its collaborators.
func New(cfg Config, runners RunnerLookup, breakers BreakerLookup, quota QuotaGuard, sources CandidateSource, metrics MetricsRecorder, opts ...Option) *Router {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	r := &Router{cfg: cfg, runners: runners, breakers: breakers, quota: quota, sources: sources, metrics: metrics}
	for _, o := range opts {
		o(r)
	}
	return r
}

// pace applies the configured Pacer, if any, before a provider is called.
func (r *Router) pace(ctx context.Context, providerID string) error {
	if r.pacer == nil {
		return nil
	}
	return r.pacer.Wait(ctx, providerID)
}

// poolFor derives the candidate-source key for a request. In this design a
// pool is keyed by the requested model ID; callers that need multiple model
// aliases in one pool configure that in the PoolConfig itself.
func poolFor(req types.InferenceRequest) string {
	return req.Model
}

// rankedCandidates assembles and ranks the candidate list for req using the
// configured (or pool-specific) selection policy.
func (r *Router) rankedCandidates(req types.InferenceRequest, strategy policy.Policy) []policy.Candidate {
	candidates := r.sources.Candidates(poolFor(req))
	if strategy == nil {
		strategy = r.cfg.DefaultStrategy
	}
	if strategy == nil {
		return candidates
	}
	return strategy.Rank(req, candidates)
}

// prepare resolves the request's tenant and request ID defaults. Quota is
// checked by the caller (Infer or InferStream), once for the whole dispatch
// rather than per candidate, so a retried request is not double-charged
// against the tenant's request-rate limit.
func (r *Router) prepare(req *types.InferenceRequest) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.TenantID == "" {
		req.TenantID = types.CommunityTenant
	}
}

// Infer performs a synchronous, non-streaming dispatch: rank candidates,
// check quota once, then try each candidate in order (respecting its
// breaker) until one succeeds or MaxRetries candidates have been exhausted.
func (r *Router) Infer(ctx context.Context, req types.InferenceRequest, strategy policy.Policy) (*types.InferenceResponse, error) {
	r.prepare(&req)

	if err := r.quota.Check(ctx, req.TenantID); err != nil {
		return nil, err
	}
	defer r.quota.OnComplete(ctx, req.TenantID)

	candidates := r.rankedCandidates(req, strategy)
	if len(candidates) == 0 {
		return nil, errs.New(errs.CodeRoutingNoCandidate, "").With("model", req.Model)
	}

	tries := min(len(candidates), r.cfg.MaxRetries)
	var lastErr error
	for i := 0; i < tries; i++ {
		cand := candidates[i]
		if i > 0 {
			r.metrics.RecordFailover(ctx, candidates[i-1].ProviderID, cand.ProviderID)
		}

		resp, err := r.tryInfer(ctx, cand.ProviderID, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !errs.IsRetryable(err) {
			return nil, err
		}
	}
	return nil, errs.Wrap(errs.CodeAllRunnersFailed, lastErr, "").With("tried", tries)
}

func (r *Router) tryInfer(ctx context.Context, providerID string, req types.InferenceRequest) (*types.InferenceResponse, error) {
	b := r.breakers.Breaker(providerID)
	if b != nil && !b.PermitCall() {
		return nil, errs.New(errs.CodeCircuitBreakerOpen, "").With("provider", providerID)
	}
	if err := r.pace(ctx, providerID); err != nil {
		return nil, errs.Wrap(errs.CodeProviderUnavailable, err, "rate limit wait cancelled").With("provider", providerID)
	}

	start := time.Now()
	p, err := r.runners.GetRunner(ctx, types.RunnerCacheKey{TenantID: req.TenantID, ModelID: req.Model, ProviderID: providerID})
	if err != nil {
		if b != nil {
			b.RecordFailure()
		}
		r.metrics.RecordProviderRequest(ctx, providerID, req.Model, "error")
		return nil, err
	}

	resp, err := p.Infer(ctx, req)
	_ = time.Since(start)
	if err != nil {
		if b != nil {
			b.RecordFailure()
		}
		r.metrics.RecordProviderRequest(ctx, providerID, req.Model, "error")
		if code, ok := errs.CodeOf(err); ok {
			r.metrics.RecordProviderError(ctx, providerID, string(code))
		}
		return nil, err
	}

	if b != nil {
		b.RecordSuccess()
	}
	r.metrics.RecordProviderRequest(ctx, providerID, req.Model, "ok")
	if err := r.quota.ReserveTokens(ctx, req.TenantID, int64(resp.Usage.InputTokens), int64(resp.Usage.OutputTokens)); err != nil {
		// Token budget is enforced going forward; the already-completed
		// response is still returned since the work has been done.
	}
	r.metrics.RecordTokens(ctx, string(req.TenantID), "input", int64(resp.Usage.InputTokens))
	r.metrics.RecordTokens(ctx, string(req.TenantID), "output", int64(resp.Usage.OutputTokens))
	return resp, nil
}

// InferStream performs a streaming dispatch. Unlike Infer, once a candidate
// accepts the stream there is no failover mid-stream — a disconnect is
// surfaced as a terminal chunk with FinishError rather than silently
// retried, since partial output has already been emitted to the caller.
func (r *Router) InferStream(ctx context.Context, req types.InferenceRequest, strategy policy.Policy) (<-chan types.StreamChunk, error) {
	r.prepare(&req)

	if err := r.quota.Check(ctx, req.TenantID); err != nil {
		return nil, err
	}

	candidates := r.rankedCandidates(req, strategy)
	if len(candidates) == 0 {
		r.quota.OnComplete(ctx, req.TenantID)
		return nil, errs.New(errs.CodeRoutingNoCandidate, "").With("model", req.Model)
	}

	tries := min(len(candidates), r.cfg.MaxRetries)
	var lastErr error
	for i := 0; i < tries; i++ {
		cand := candidates[i]
		b := r.breakers.Breaker(cand.ProviderID)
		if b != nil && !b.PermitCall() {
			lastErr = errs.New(errs.CodeCircuitBreakerOpen, "").With("provider", cand.ProviderID)
			continue
		}

		if err := r.pace(ctx, cand.ProviderID); err != nil {
			lastErr = errs.Wrap(errs.CodeProviderUnavailable, err, "rate limit wait cancelled").With("provider", cand.ProviderID)
			continue
		}

		p, err := r.runners.GetRunner(ctx, types.RunnerCacheKey{TenantID: req.TenantID, ModelID: req.Model, ProviderID: cand.ProviderID})
		if err != nil {
			if b != nil {
				b.RecordFailure()
			}
			lastErr = err
			if !errs.IsRetryable(err) {
				r.quota.OnComplete(ctx, req.TenantID)
				return nil, err
			}
			continue
		}

		upstream, err := p.InferStream(ctx, req)
		if err != nil {
			if b != nil {
				b.RecordFailure()
			}
			lastErr = err
			if !errs.IsRetryable(err) {
				r.quota.OnComplete(ctx, req.TenantID)
				return nil, err
			}
			continue
		}

		r.metrics.RecordProviderRequest(ctx, cand.ProviderID, req.Model, "ok")
		return r.wrapStream(ctx, req, cand.ProviderID, b, upstream), nil
	}

	r.quota.OnComplete(ctx, req.TenantID)
	return nil, errs.Wrap(errs.CodeAllRunnersFailed, lastErr, "").With("tried", tries)
}

// wrapStream relays upstream chunks to the caller, recording the breaker
// outcome and releasing the quota reservation once the terminal chunk (or
// context cancellation) is observed.
func (r *Router) wrapStream(ctx context.Context, req types.InferenceRequest, providerID string, b Breaker, upstream <-chan types.StreamChunk) <-chan types.StreamChunk {
	out := make(chan types.StreamChunk)
	go func() {
		defer close(out)
		defer r.quota.OnComplete(ctx, req.TenantID)

		succeeded := true
		for chunk := range upstream {
			if chunk.FinishReason == types.FinishError {
				succeeded = false
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				succeeded = false
				goto done
			}
		}
	done:
		if b != nil {
			if succeeded {
				b.RecordSuccess()
			} else {
				b.RecordFailure()
			}
		}
	}()
	return out
}
