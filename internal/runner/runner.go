// Package runner implements the runner factory (C5): a warm cache of
// constructed provider runners keyed by [types.RunnerCacheKey], so repeated
// requests against the same (tenant, model, provider) triple reuse an
// already-initialized [llm.Provider] instead of paying Initialize cost again.
//
// Concurrent requests for the same missing key are coalesced through
// [singleflight.Group] so a cache stampede only constructs one runner; the
// rest wait on and share that result.
package runner

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rkvantis/inferd/pkg/provider/llm"
	"github.com/rkvantis/inferd/pkg/types"
)

// Constructor builds a fresh, initialized [llm.Provider] for key. Supplied
// by the caller (typically closing over a config.Registry and the tenant's
// resolved provider entry).
type Constructor func(ctx context.Context, key types.RunnerCacheKey) (llm.Provider, error)

// Config tunes a [Factory].
type Config struct {
	// MaxPoolSize bounds the number of warm runners held at once across all
	// keys; least-recently-used runners are evicted to make room. Default: 10.
	MaxPoolSize int

	// IdleTimeout is how long an unused runner may sit warm before the
	// cleanup sweep shuts it down. Default: 15m.
	IdleTimeout time.Duration

	// CleanupInterval is how often the background sweep runs. Default: 5m.
	CleanupInterval time.Duration
}

const (
	defaultMaxPoolSize     = 10
	defaultIdleTimeout     = 15 * time.Minute
	defaultCleanupInterval = 5 * time.Minute
)

func (c Config) withDefaults() Config {
	if c.MaxPoolSize <= 0 {
		c.MaxPoolSize = defaultMaxPoolSize
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = defaultCleanupInterval
	}
	return c
}

// entry is one warm runner held in the LRU.
type entry struct {
	key        types.RunnerCacheKey
	provider   llm.Provider
	lastUsedAt time.Time
	elem       *list.Element
}

// Factory is the runner factory (C5). It holds at most Config.MaxPoolSize
// warm runners, evicting the least-recently-used one when a new key must be
// constructed and the pool is full. Safe for concurrent use.
type Factory struct {
	cfg         Config
	constructor Constructor

	mu      sync.Mutex
	byKey   map[types.RunnerCacheKey]*entry
	lru     *list.List // front = most recently used
	inflight singleflight.Group

	stopCleanup chan struct{}
	cleanupDone chan struct{}
}

// New constructs a Factory. constructor is invoked (at most once per
// concurrent miss, thanks to singleflight) whenever GetRunner misses the
// warm cache.
func New(cfg Config, constructor Constructor) *Factory {
	f := &Factory{
		cfg:         cfg.withDefaults(),
		constructor: constructor,
		byKey:       make(map[types.RunnerCacheKey]*entry),
		lru:         list.New(),
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}
	go f.cleanupLoop()
	return f
}

// GetRunner returns a warm [llm.Provider] for key, constructing and caching
// one if none is warm. The returned provider remains owned by the factory —
// callers must not call Shutdown on it directly.
func (f *Factory) GetRunner(ctx context.Context, key types.RunnerCacheKey) (llm.Provider, error) {
	f.mu.Lock()
	if e, ok := f.byKey[key]; ok {
		f.lru.MoveToFront(e.elem)
		e.lastUsedAt = time.Now()
		p := e.provider
		f.mu.Unlock()
		return p, nil
	}
	f.mu.Unlock()

	sfKey := fmt.Sprintf("%s/%s/%s", key.TenantID, key.ModelID, key.ProviderID)
	v, err, _ := f.inflight.Do(sfKey, func() (any, error) {
		// Re-check: another goroutine may have populated the cache while we
		// waited to be the singleflight leader.
		f.mu.Lock()
		if e, ok := f.byKey[key]; ok {
			f.lru.MoveToFront(e.elem)
			e.lastUsedAt = time.Now()
			p := e.provider
			f.mu.Unlock()
			return p, nil
		}
		f.mu.Unlock()

		p, err := f.constructor(ctx, key)
		if err != nil {
			return nil, err
		}
		f.insert(key, p)
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(llm.Provider), nil
}

// Prewarm eagerly constructs and caches a runner for key, used at startup to
// avoid a cold first request.
func (f *Factory) Prewarm(ctx context.Context, key types.RunnerCacheKey) error {
	_, err := f.GetRunner(ctx, key)
	return err
}

func (f *Factory) insert(key types.RunnerCacheKey, p llm.Provider) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.byKey[key]; ok {
		return
	}

	for f.lru.Len() >= f.cfg.MaxPoolSize {
		f.evictOldestLocked()
	}

	elem := f.lru.PushFront(key)
	f.byKey[key] = &entry{key: key, provider: p, lastUsedAt: time.Now(), elem: elem}
}

// evictOldestLocked evicts the least-recently-used runner. Caller must hold f.mu.
func (f *Factory) evictOldestLocked() {
	back := f.lru.Back()
	if back == nil {
		return
	}
	key := back.Value.(types.RunnerCacheKey)
	e, ok := f.byKey[key]
	if !ok {
		f.lru.Remove(back)
		return
	}
	f.lru.Remove(back)
	delete(f.byKey, key)
	go func() {
		if err := e.provider.Shutdown(context.Background()); err != nil {
			slog.Warn("runner factory: shutdown error during eviction", "key", key, "err", err)
		}
	}()
}

// Evict removes and shuts down the warm runner for key, if any. Used when a
// provider's config changes (hot reload) and the old runner must not be
// reused.
func (f *Factory) Evict(key types.RunnerCacheKey) {
	f.mu.Lock()
	e, ok := f.byKey[key]
	if !ok {
		f.mu.Unlock()
		return
	}
	f.lru.Remove(e.elem)
	delete(f.byKey, key)
	f.mu.Unlock()

	if err := e.provider.Shutdown(context.Background()); err != nil {
		slog.Warn("runner factory: shutdown error during explicit eviction", "key", key, "err", err)
	}
}

// EvictProvider removes and shuts down every warm runner constructed for
// providerID, across all tenants and models. Used when a provider's
// credentials change via config hot-reload, so the next GetRunner rebuilds
// with the new config instead of reusing a runner initialized under the
// stale one.
func (f *Factory) EvictProvider(providerID string) {
	f.mu.Lock()
	var stale []*entry
	for key, e := range f.byKey {
		if key.ProviderID == providerID {
			stale = append(stale, e)
			f.lru.Remove(e.elem)
			delete(f.byKey, key)
		}
	}
	f.mu.Unlock()

	for _, e := range stale {
		if err := e.provider.Shutdown(context.Background()); err != nil {
			slog.Warn("runner factory: shutdown error during provider eviction", "provider", providerID, "err", err)
		}
	}
}

// WarmCount returns the number of currently warm runners, for metrics.
func (f *Factory) WarmCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lru.Len()
}

func (f *Factory) cleanupLoop() {
	defer close(f.cleanupDone)
	t := time.NewTicker(f.cfg.CleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			f.sweepIdle()
		case <-f.stopCleanup:
			return
		}
	}
}

func (f *Factory) sweepIdle() {
	f.mu.Lock()
	var stale []*entry
	for e := f.lru.Back(); e != nil; {
		prev := e.Prev()
		key := e.Value.(types.RunnerCacheKey)
		if ent, ok := f.byKey[key]; ok && time.Since(ent.lastUsedAt) > f.cfg.IdleTimeout {
			stale = append(stale, ent)
			f.lru.Remove(e)
			delete(f.byKey, key)
		}
		e = prev
	}
	f.mu.Unlock()

	for _, e := range stale {
		if err := e.provider.Shutdown(context.Background()); err != nil {
			slog.Warn("runner factory: shutdown error during idle sweep", "key", e.key, "err", err)
		}
	}
	if len(stale) > 0 {
		slog.Debug("runner factory swept idle runners", "count", len(stale))
	}
}

// Close stops the cleanup sweep and shuts down every warm runner.
func (f *Factory) Close() error {
	close(f.stopCleanup)
	<-f.cleanupDone

	f.mu.Lock()
	entries := make([]*entry, 0, len(f.byKey))
	for _, e := range f.byKey {
		entries = append(entries, e)
	}
	f.byKey = make(map[types.RunnerCacheKey]*entry)
	f.lru.Init()
	f.mu.Unlock()

	var firstErr error
	for _, e := range entries {
		if err := e.provider.Shutdown(context.Background()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
