// Package app wires all inferd dispatch-plane subsystems into a running
// application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems (quota enforcer, per-provider circuit breakers, runner
// factory, selection policy, router, async job manager, metrics, health),
// Run starts their background loops and blocks until ctx is cancelled, and
// Shutdown tears everything down in reverse-init order.
//
// For testing, inject test doubles via functional options (WithQuotaStore,
// WithManifestRepository, etc.). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rkvantis/inferd/internal/asyncjob"
	"github.com/rkvantis/inferd/internal/breaker"
	"github.com/rkvantis/inferd/internal/config"
	"github.com/rkvantis/inferd/internal/errs"
	"github.com/rkvantis/inferd/internal/health"
	"github.com/rkvantis/inferd/internal/manifest"
	"github.com/rkvantis/inferd/internal/observe"
	"github.com/rkvantis/inferd/internal/policy"
	"github.com/rkvantis/inferd/internal/quota"
	"github.com/rkvantis/inferd/internal/ratelimit"
	"github.com/rkvantis/inferd/internal/router"
	"github.com/rkvantis/inferd/internal/runner"
	"github.com/rkvantis/inferd/internal/session"
	"github.com/rkvantis/inferd/pkg/provider/llm"
	"github.com/rkvantis/inferd/pkg/types"
)

// App owns all subsystem lifetimes and orchestrates the inferd dispatch plane.
type App struct {
	// cfgMu guards cfg.Providers against concurrent reads (constructRunner,
	// probeProviderHealth, health checkers) while ReloadConfig applies a
	// hot-reloaded credential change from the config watcher.
	cfgMu    sync.RWMutex
	cfg      *config.Config
	registry *config.Registry

	configPath string
	cfgWatcher *config.Watcher
	logLevel   *slog.LevelVar

	// Subsystems — initialised in New, torn down in Shutdown.
	quotaEnforcer      *quota.Enforcer
	quotaStoreOverride quota.Store
	breakers           map[string]*breaker.Breaker
	runners            *runner.Factory
	sessions           *session.Pool
	manifests          manifest.Repository
	jobs               *asyncjob.Manager
	metrics            *observe.Metrics
	health             *health.Handler
	dispatcher         *router.Router

	pools map[string]config.PoolConfig

	// closers are called in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
	stopBg   chan struct{}
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithQuotaStore injects a quota.Store instead of selecting one from config
// (MemStore, or PostgresStore when QuotaConfig.PostgresDSN is set).
func WithQuotaStore(s quota.Store) Option {
	return func(a *App) { a.quotaStoreOverride = s }
}

// WithManifestRepository injects a manifest.Repository instead of selecting
// one from config (in-memory, or Postgres when ManifestConfig.PostgresDSN is
// set).
func WithManifestRepository(r manifest.Repository) Option {
	return func(a *App) { a.manifests = r }
}

// WithMetrics injects a *observe.Metrics instead of observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithConfigWatch starts a background [config.Watcher] on path, hot-reloading
// provider credentials (and the log level, if WithLogLevelVar is also given)
// without a restart, per SPEC_FULL.md §4.12. Routing/pool topology changes
// detected by the watcher are logged and otherwise ignored — those require a
// restart, per [config.Diff]'s own "safe to hot-reload" scope.
func WithConfigWatch(path string) Option {
	return func(a *App) { a.configPath = path }
}

// WithLogLevelVar lets config hot-reload adjust the running process's log
// level in place. Pass the same [slog.LevelVar] backing the handler given to
// slog.SetDefault at startup.
func WithLogLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// New creates an App by wiring all subsystems together from cfg. registry
// must have every ProviderEntry.Name referenced by cfg.Providers registered
// (typically done by main.go before calling New). Use Option functions to
// inject test doubles for any subsystem.
func New(ctx context.Context, cfg *config.Config, registry *config.Registry, opts ...Option) (*App, error) {
	a := &App{
		cfg:      cfg,
		registry: registry,
		breakers: make(map[string]*breaker.Breaker),
		pools:    make(map[string]config.PoolConfig),
		stopBg:   make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}

	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if a.manifests == nil {
		if err := a.initManifests(ctx); err != nil {
			return nil, fmt.Errorf("app: init manifests: %w", err)
		}
	}

	for _, pc := range cfg.Routing.Pools {
		a.pools[pc.ID] = pc
		for _, providerID := range pc.Providers {
			a.breakerFor(providerID)
		}
	}

	if err := a.initQuota(ctx); err != nil {
		return nil, fmt.Errorf("app: init quota: %w", err)
	}

	a.initRunnerFactory()
	a.initSessionPool()
	a.initRouter()
	a.initAsyncJobs()
	a.initHealth(ctx)

	if a.configPath != "" {
		if err := a.initConfigWatch(); err != nil {
			return nil, fmt.Errorf("app: init config watch: %w", err)
		}
	}

	return a, nil
}

// breakerFor returns (creating if necessary) the circuit breaker for
// providerID, configured from cfg.CircuitBreaker.
func (a *App) breakerFor(providerID string) *breaker.Breaker {
	if b, ok := a.breakers[providerID]; ok {
		return b
	}
	cb := a.cfg.CircuitBreaker
	b := breaker.New(breaker.Config{
		Name:                     providerID,
		FailureThreshold:         cb.FailureThreshold,
		FailureRateThreshold:     cb.FailureRateThreshold,
		SlidingWindowSize:        cb.SlidingWindowSize,
		OpenDuration:             cb.OpenDuration,
		HalfOpenPermits:          cb.HalfOpenPermits,
		HalfOpenSuccessThreshold: cb.HalfOpenSuccessThreshold,
	})
	a.breakers[providerID] = b
	return b
}

// initQuota selects MemStore or PostgresStore per QuotaConfig and builds
// the Enforcer.
func (a *App) initQuota(ctx context.Context) error {
	qcfg := quota.Config{
		WindowSize:      a.cfg.Quota.WindowSize,
		DefaultLimits:   limitsFromMap(a.cfg.Quota.DefaultLimits),
		TenantOverrides: make(map[types.TenantId]quota.Limits, len(a.cfg.Quota.TenantOverrides)),
	}
	for tenant, overrides := range a.cfg.Quota.TenantOverrides {
		qcfg.TenantOverrides[types.TenantId(tenant)] = limitsFromMap(overrides)
	}

	store := a.quotaStoreOverride
	if store == nil {
		if a.cfg.Quota.PostgresDSN != "" {
			pg, err := quota.NewPostgresStore(ctx, a.cfg.Quota.PostgresDSN)
			if err != nil {
				return err
			}
			store = pg
			a.closers = append(a.closers, func() error { pg.Close(); return nil })
		} else {
			store = quota.NewMemStore()
		}
	}

	a.quotaEnforcer = quota.NewEnforcer(qcfg, store)
	return nil
}

// initManifests selects the Postgres+pgvector-backed repository when
// ManifestConfig.PostgresDSN is set, otherwise the in-memory one.
func (a *App) initManifests(ctx context.Context) error {
	if a.cfg.Manifest.PostgresDSN == "" {
		a.manifests = manifest.NewMemRepository()
		return nil
	}
	pg, err := manifest.NewPostgresRepository(ctx, a.cfg.Manifest.PostgresDSN)
	if err != nil {
		return err
	}
	a.manifests = pg
	a.closers = append(a.closers, func() error { pg.Close(); return nil })
	return nil
}

// providerEntry returns the current [config.ProviderEntry] for providerID,
// safe for concurrent use alongside a config hot-reload applied by
// ReloadConfig.
func (a *App) providerEntry(providerID string) (config.ProviderEntry, bool) {
	a.cfgMu.RLock()
	defer a.cfgMu.RUnlock()
	entry, ok := a.cfg.Providers[providerID]
	return entry, ok
}

// providerEntries returns a snapshot of all configured providers, safe for
// concurrent use alongside ReloadConfig.
func (a *App) providerEntries() map[string]config.ProviderEntry {
	a.cfgMu.RLock()
	defer a.cfgMu.RUnlock()
	out := make(map[string]config.ProviderEntry, len(a.cfg.Providers))
	for id, entry := range a.cfg.Providers {
		out[id] = entry
	}
	return out
}

// initConfigWatch starts a [config.Watcher] polling a.configPath, applying
// hot-reloadable changes (provider credentials, log level) via ReloadConfig.
func (a *App) initConfigWatch() error {
	w, err := config.NewWatcher(a.configPath, a.ReloadConfig)
	if err != nil {
		return err
	}
	a.cfgWatcher = w
	a.closers = append(a.closers, func() error { w.Stop(); return nil })
	return nil
}

// ReloadConfig applies a hot-reloaded config to the running App. It is the
// [config.Watcher] onChange callback, but exported so tests and a manual
// SIGHUP handler can also drive it directly. Only provider credentials and
// log level are applied live; routing/pool topology changes are logged and
// otherwise ignored since rewiring breakers/pools requires a restart (per
// [config.Diff]'s own "safe to hot-reload" scope).
func (a *App) ReloadConfig(old, new *config.Config) {
	diff := config.Diff(old, new)
	log := observe.Logger(context.Background())

	if diff.ProvidersChanged {
		a.cfgMu.Lock()
		for _, pd := range diff.ProviderChanges {
			if pd.Removed {
				delete(a.cfg.Providers, pd.ID)
				continue
			}
			if entry, ok := new.Providers[pd.ID]; ok {
				a.cfg.Providers[pd.ID] = entry
			}
		}
		a.cfgMu.Unlock()

		for _, pd := range diff.ProviderChanges {
			if !pd.Added {
				a.runners.EvictProvider(pd.ID)
			}
			log.Info("provider config reloaded", "provider", pd.ID, "added", pd.Added, "removed", pd.Removed)
		}
	}

	if diff.LogLevelChanged {
		if a.logLevel != nil {
			a.logLevel.Set(slogLevel(diff.NewLogLevel))
			log.Info("log level reloaded", "new_level", diff.NewLogLevel)
		} else {
			log.Warn("log level changed in config but no LevelVar wired — restart to apply", "new_level", diff.NewLogLevel)
		}
	}
}

// slogLevel maps a config.LogLevel to its slog.Level, defaulting to Info.
func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogLevelDebug:
		return slog.LevelDebug
	case config.LogLevelWarn:
		return slog.LevelWarn
	case config.LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func limitsFromMap(m map[string]int64) quota.Limits {
	return quota.Limits{
		Requests:     m["requests"],
		InputTokens:  m["inputTokens"],
		OutputTokens: m["outputTokens"],
		Concurrent:   m["concurrent"],
	}
}

// initRunnerFactory constructs the warm runner cache. Its Constructor
// resolves the key's ProviderEntry from cfg.Providers and creates + initializes
// the provider via the registry.
func (a *App) initRunnerFactory() {
	rf := a.cfg.RunnerFactory
	a.runners = runner.New(runner.Config{
		MaxPoolSize: rf.MaxPoolSize,
		IdleTimeout: rf.IdleTimeout,
	}, a.constructRunner)
	a.closers = append(a.closers, a.runners.Close)
}

func (a *App) constructRunner(ctx context.Context, key types.RunnerCacheKey) (llm.Provider, error) {
	entry, ok := a.providerEntry(key.ProviderID)
	if !ok {
		return nil, errs.New(errs.CodeProviderUnavailable, "provider not configured").
			With("provider_id", key.ProviderID)
	}
	p, err := a.registry.CreateAndInitialize(entry)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInitFailed, err, "runner construction failed").
			With("provider_id", key.ProviderID)
	}
	return p, nil
}

// initSessionPool builds the session pool (C4), a bounded concurrency cache
// of warm provider handles per (tenant, model) layered on top of the runner
// factory's own global warm-provider cache (C5): the runner factory answers
// "is there already a constructed Provider for this key", the session pool
// answers "how many callers may use it concurrently right now".
func (a *App) initSessionPool() {
	sc := a.cfg.Session
	a.sessions = session.New(session.Config{
		MaxConcurrent: sc.MaxConcurrent,
		MaxIdle:       sc.MaxIdle,
		MaxAge:        sc.MaxAge,
		ReuseEnabled:  sc.Reuse(),
		WarmPoolSize:  sc.WarmPoolSize,
	}, a.constructSession)
	a.closers = append(a.closers, a.sessions.Close)
}

func (a *App) constructSession(ctx context.Context, key session.Key) (session.Session, error) {
	providerID := a.primaryProviderFor(key.ModelID)
	if providerID == "" {
		return nil, errs.New(errs.CodeModelNotFound, "").With("model_id", key.ModelID)
	}
	p, err := a.runners.GetRunner(ctx, types.RunnerCacheKey{TenantID: key.TenantID, ModelID: key.ModelID, ProviderID: providerID})
	if err != nil {
		return nil, err
	}
	return &providerSession{key: key, provider: p, createdAt: time.Now(), touchedAt: time.Now()}, nil
}

// primaryProviderFor returns the first provider configured for modelID's
// pool, or "" if no pool names it.
func (a *App) primaryProviderFor(modelID string) string {
	if pc, ok := a.pools[modelID]; ok && len(pc.Providers) > 0 {
		return pc.Providers[0]
	}
	return ""
}

// providerSession adapts an llm.Provider into a session.Session so the
// session pool can track its idle time and age without knowing provider
// internals.
type providerSession struct {
	key       session.Key
	provider  llm.Provider
	createdAt time.Time
	touchedAt time.Time
}

func (s *providerSession) Key() session.Key    { return s.key }
func (s *providerSession) Idle() time.Duration { return time.Since(s.touchedAt) }
func (s *providerSession) Age() time.Duration  { return time.Since(s.createdAt) }
func (s *providerSession) Close() error        { return nil }

var _ session.Session = (*providerSession)(nil)

// initRouter builds the Router, wiring it to this App as its
// BreakerLookup, RunnerLookup (via runners.GetRunner), QuotaGuard (via
// quotaEnforcer) and CandidateSource (via a.poolCandidates), plus a
// per-provider outbound pacer as defense-in-depth alongside the tenant
// quota enforcer.
func (a *App) initRouter() {
	rc := a.cfg.Routing
	a.dispatcher = router.New(
		router.Config{
			MaxRetries:      rc.MaxRetries,
			DefaultStrategy: policy.New(rc.DefaultStrategy),
		},
		runnerLookupFunc(a.runners.GetRunner),
		breakerLookupFunc(a.breakerFor),
		a.quotaEnforcer,
		candidateSourceFunc(a.poolCandidates),
		a.metrics,
		router.WithPacer(ratelimit.New(nil, ratelimit.Limits{})),
	)
}

// poolCandidates builds the live []policy.Candidate snapshot for a pool,
// reading current breaker state for each member provider. CurrentLoad,
// P95LatencyMs and CostPerMillionTokens default to zero here — a production
// deployment feeds these from the metrics sink's own gauges; wiring that
// feedback loop is out of scope for the core dispatch plane (spec.md §1).
func (a *App) poolCandidates(poolID string) []policy.Candidate {
	pc, ok := a.pools[poolID]
	if !ok {
		return nil
	}
	out := make([]policy.Candidate, 0, len(pc.Providers))
	for _, providerID := range pc.Providers {
		b := a.breakerFor(providerID)
		out = append(out, policy.Candidate{
			ProviderID:  providerID,
			Weight:      pc.Weights[providerID],
			Healthy:     true,
			BreakerOpen: b.State() == breaker.StateOpen,
		})
	}
	return out
}

// initAsyncJobs builds the Async Job Manager (C8), dispatching through the
// same Router used for synchronous requests.
func (a *App) initAsyncJobs() {
	a.jobs = asyncjob.New(asyncjob.Config{}, func(ctx context.Context, req types.InferenceRequest) (*types.InferenceResponse, error) {
		strategy := policy.New(a.cfg.Routing.DefaultStrategy)
		return a.dispatcher.Infer(ctx, req, strategy)
	})
	a.closers = append(a.closers, func() error {
		return a.jobs.Shutdown(context.Background())
	})
}

// initHealth builds the readiness handler, with one Checker per configured
// provider probing its live Health() status, following the teacher's
// named-Checker pattern (internal/health) but driven here by the provider
// registry instead of a fixed list.
func (a *App) initHealth(ctx context.Context) {
	checkers := make([]health.Checker, 0, len(a.cfg.Providers))
	for providerID := range a.cfg.Providers {
		providerID := providerID
		checkers = append(checkers, health.Checker{
			Name: providerID,
			Check: func(ctx context.Context) error {
				// Resolved at check-time, not closed over at startup, so a
				// hot-reloaded credential change (ReloadConfig) is reflected
				// on the very next probe.
				entry, ok := a.providerEntry(providerID)
				if !ok {
					return fmt.Errorf("provider %s removed by config reload", providerID)
				}
				p, err := a.registry.Create(entry)
				if err != nil {
					return err
				}
				h := p.Health(ctx)
				if h.Status == types.HealthDown {
					return fmt.Errorf("provider %s reports DOWN: %s", providerID, h.Message)
				}
				return nil
			},
		})
	}
	a.health = health.New(checkers...)
}

// Router returns the App's dispatcher, for an HTTP/WebSocket front end to
// call Infer/InferStream on.
func (a *App) Router() *router.Router { return a.dispatcher }

// Jobs returns the App's async job manager.
func (a *App) Jobs() *asyncjob.Manager { return a.jobs }

// Sessions returns the App's session pool.
func (a *App) Sessions() *session.Pool { return a.sessions }

// Health returns the App's readiness handler.
func (a *App) Health() *health.Handler { return a.health }

// Manifests returns the App's model manifest repository.
func (a *App) Manifests() manifest.Repository { return a.manifests }

// Metrics returns the App's metrics sink.
func (a *App) Metrics() *observe.Metrics { return a.metrics }

// Run starts background maintenance (periodic provider health probing) and
// blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.probeProviderHealth(ctx)
	}()

	observe.Logger(ctx).Info("inferd dispatch plane running", "providers", len(a.cfg.Providers), "pools", len(a.pools))
	<-ctx.Done()

	close(a.stopBg)
	wg.Wait()
	return ctx.Err()
}

const healthProbeInterval = 30 * time.Second

// probeProviderHealth periodically calls each provider's Health() and feeds
// the result into the metrics sink's ProviderHealthy gauge, per SPEC_FULL.md's
// supplemented "periodic health probing" feature.
func (a *App) probeProviderHealth(ctx context.Context) {
	t := time.NewTicker(healthProbeInterval)
	defer t.Stop()
	prev := make(map[string]int64, len(a.cfg.Providers))

	for {
		select {
		case <-t.C:
			for providerID, entry := range a.providerEntries() {
				p, err := a.registry.Create(entry)
				if err != nil {
					continue
				}
				h := p.Health(ctx)
				healthy := int64(0)
				if h.Status == types.HealthUp {
					healthy = 1
				}
				a.metrics.SetProviderHealthy(ctx, providerID, prev[providerID], healthy)
				prev[providerID] = healthy
			}
		case <-a.stopBg:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		log := observe.Logger(ctx)
		log.Info("shutting down", "closers", len(a.closers))
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				log.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				log.Warn("closer error", "index", i, "err", err)
			}
		}
		log.Info("shutdown complete")
	})
	return shutdownErr
}

// runnerLookupFunc adapts a plain function to router.RunnerLookup.
type runnerLookupFunc func(ctx context.Context, key types.RunnerCacheKey) (llm.Provider, error)

func (f runnerLookupFunc) GetRunner(ctx context.Context, key types.RunnerCacheKey) (llm.Provider, error) {
	return f(ctx, key)
}

// breakerLookupFunc adapts a plain function to router.BreakerLookup.
type breakerLookupFunc func(providerID string) *breaker.Breaker

func (f breakerLookupFunc) Breaker(providerID string) router.Breaker {
	return f(providerID)
}

// candidateSourceFunc adapts a plain function to router.CandidateSource.
type candidateSourceFunc func(poolID string) []policy.Candidate

func (f candidateSourceFunc) Candidates(poolID string) []policy.Candidate {
	return f(poolID)
}
