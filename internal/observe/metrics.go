// Package observe provides application-wide observability primitives for
// inferd: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all inferd metrics.
const meterName = "github.com/rkvantis/inferd"

// Metrics holds all OpenTelemetry metric instruments for the dispatch plane.
// This is the concrete realization of the Metrics Sink (C10): the Router and
// the App's periodic provider health probe record through one shared
// instance. All fields are safe for concurrent
// use — the underlying OTel types handle their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// InferDuration tracks end-to-end dispatch latency for infer/inferStream.
	InferDuration metric.Float64Histogram

	// RunnerAcquireDuration tracks time spent acquiring a runner/session.
	RunnerAcquireDuration metric.Float64Histogram

	// --- Request/error counters ---

	// ProviderRequests counts provider calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("model", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("code", ...)
	ProviderErrors metric.Int64Counter

	// TokensConsumed counts input/output tokens. Use with attributes:
	//   attribute.String("tenant_id", ...), attribute.String("direction", "input"|"output")
	TokensConsumed metric.Int64Counter

	// RoutingFailovers counts Router candidate-advance events.
	RoutingFailovers metric.Int64Counter

	// QuotaRejections counts QUOTA_EXCEEDED responses. Use with attribute:
	//   attribute.String("tenant_id", ...), attribute.String("resource", ...)
	QuotaRejections metric.Int64Counter

	// BreakerStateChanges counts circuit breaker transitions. Use with
	// attributes: attribute.String("breaker", ...), attribute.String("state", ...)
	BreakerStateChanges metric.Int64Counter

	// --- Gauges (UpDownCounters) ---

	// ActiveSessions tracks live session-pool sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveRunners tracks warm runners held by the Runner Factory.
	ActiveRunners metric.Int64UpDownCounter

	// CurrentLoad tracks in-flight requests per provider. Selection
	// strategies do not read it: they use policy.Candidate.CurrentLoad.
	CurrentLoad metric.Int64UpDownCounter

	// ProviderHealthy reports 1/0 for each provider's last health probe.
	// Use with attribute: attribute.String("provider", ...)
	ProviderHealthy metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time for handlers
	// wrapped by [Middleware] (the health/metrics server). Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// inference-dispatch latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.InferDuration, err = m.Float64Histogram("inferd.infer.duration",
		metric.WithDescription("Latency of infer/inferStream dispatch."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RunnerAcquireDuration, err = m.Float64Histogram("inferd.runner.acquire.duration",
		metric.WithDescription("Latency of session/runner acquisition."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.ProviderRequests, err = m.Int64Counter("inferd.provider.requests",
		metric.WithDescription("Total provider calls by provider, model, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("inferd.provider.errors",
		metric.WithDescription("Total provider errors by provider and error code."),
	); err != nil {
		return nil, err
	}
	if met.TokensConsumed, err = m.Int64Counter("inferd.tokens.consumed",
		metric.WithDescription("Total tokens consumed by tenant and direction."),
	); err != nil {
		return nil, err
	}
	if met.RoutingFailovers, err = m.Int64Counter("inferd.routing.failovers",
		metric.WithDescription("Total candidate-advance events during dispatch."),
	); err != nil {
		return nil, err
	}
	if met.QuotaRejections, err = m.Int64Counter("inferd.quota.rejections",
		metric.WithDescription("Total QUOTA_EXCEEDED rejections by tenant and resource."),
	); err != nil {
		return nil, err
	}
	if met.BreakerStateChanges, err = m.Int64Counter("inferd.breaker.state_changes",
		metric.WithDescription("Total circuit breaker state transitions."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("inferd.active_sessions",
		metric.WithDescription("Number of live sessions across all pools."),
	); err != nil {
		return nil, err
	}
	if met.ActiveRunners, err = m.Int64UpDownCounter("inferd.active_runners",
		metric.WithDescription("Number of warm runners held by the runner factory."),
	); err != nil {
		return nil, err
	}
	if met.CurrentLoad, err = m.Int64UpDownCounter("inferd.current_load",
		metric.WithDescription("In-flight requests per provider."),
	); err != nil {
		return nil, err
	}
	if met.ProviderHealthy, err = m.Int64UpDownCounter("inferd.provider.healthy",
		metric.WithDescription("1 if the provider's last health probe succeeded, else 0."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("inferd.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, model, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("model", model),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, code string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("code", code),
		),
	)
}

// RecordTokens is a convenience method that records token consumption split
// by direction ("input" or "output").
func (m *Metrics) RecordTokens(ctx context.Context, tenantID, direction string, count int64) {
	if count <= 0 {
		return
	}
	m.TokensConsumed.Add(ctx, count,
		metric.WithAttributes(
			attribute.String("tenant_id", tenantID),
			attribute.String("direction", direction),
		),
	)
}

// RecordFailover is a convenience method that records a routing failover event.
func (m *Metrics) RecordFailover(ctx context.Context, fromProvider, toProvider string) {
	m.RoutingFailovers.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", fromProvider),
			attribute.String("to", toProvider),
		),
	)
}

// RecordQuotaRejection is a convenience method that records a quota rejection.
func (m *Metrics) RecordQuotaRejection(ctx context.Context, tenantID, resource string) {
	m.QuotaRejections.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tenant_id", tenantID),
			attribute.String("resource", resource),
		),
	)
}

// RecordBreakerStateChange is a convenience method that records a breaker
// state transition.
func (m *Metrics) RecordBreakerStateChange(ctx context.Context, breaker, state string) {
	m.BreakerStateChanges.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("breaker", breaker),
			attribute.String("state", state),
		),
	)
}

// SetProviderHealthy records a provider's latest health probe result.
// prev must be the provider's previously recorded healthy value (0 or 1) so
// the UpDownCounter delta is correct; App.probeProviderHealth tracks this per
// provider.
func (m *Metrics) SetProviderHealthy(ctx context.Context, provider string, prev, healthy int64) {
	if delta := healthy - prev; delta != 0 {
		m.ProviderHealthy.Add(ctx, delta, metric.WithAttributes(attribute.String("provider", provider)))
	}
}
