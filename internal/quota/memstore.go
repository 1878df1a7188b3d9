package quota

import (
	"context"
	"sync"
	"time"

	"github.com/rkvantis/inferd/pkg/types"
)

// counterKey identifies one (tenant, resource) counter.
type counterKey struct {
	tenant   types.TenantId
	resource Resource
}

// windowedCounter tracks a count that resets once window has elapsed since
// windowStart. A zero window (used for ResourceConcurrent) never resets —
// the caller is expected to Release explicitly.
type windowedCounter struct {
	value       int64
	windowStart time.Time
}

// MemStore is an in-process [Store] backed by a mutex-guarded map. Suitable
// for single-instance deployments or as the default when no PostgresDSN is
// configured.
type MemStore struct {
	mu       sync.Mutex
	counters map[counterKey]*windowedCounter
}

// NewMemStore constructs an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{counters: make(map[counterKey]*windowedCounter)}
}

func (m *MemStore) Reserve(_ context.Context, tenant types.TenantId, resource Resource, amount, limit int64, window time.Duration) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := counterKey{tenant, resource}
	c, ok := m.counters[key]
	now := time.Now()
	if !ok {
		c = &windowedCounter{windowStart: now}
		m.counters[key] = c
	} else if window > 0 && now.Sub(c.windowStart) >= window {
		c.value = 0
		c.windowStart = now
	}

	if c.value+amount > limit {
		return c.value, false, nil
	}
	c.value += amount
	return c.value, true, nil
}

func (m *MemStore) Release(_ context.Context, tenant types.TenantId, resource Resource, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := counterKey{tenant, resource}
	c, ok := m.counters[key]
	if !ok {
		return nil
	}
	c.value -= amount
	if c.value < 0 {
		c.value = 0
	}
	return nil
}

func (m *MemStore) Usage(_ context.Context, tenant types.TenantId, resource Resource) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.counters[counterKey{tenant, resource}]
	if !ok {
		return 0, nil
	}
	return c.value, nil
}

var _ Store = (*MemStore)(nil)
