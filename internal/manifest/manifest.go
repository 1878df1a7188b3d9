// Package manifest implements the model manifest repository: lookup of
// [types.ModelManifest] records that describe which artifact formats,
// devices, and resource requirements a model needs, used by the selection
// policy and runner factory to filter candidates before dispatch.
package manifest

import (
	"context"
	"sync"

	"github.com/rkvantis/inferd/internal/errs"
	"github.com/rkvantis/inferd/pkg/types"
)

// Repository resolves model manifests by tenant and model ID.
type Repository interface {
	Get(ctx context.Context, tenant types.TenantId, modelID string) (types.ModelManifest, error)
	List(ctx context.Context, tenant types.TenantId) ([]types.ModelManifest, error)
	Put(ctx context.Context, m types.ModelManifest) error
	Delete(ctx context.Context, tenant types.TenantId, modelID string) error
}

// MemRepository is an in-memory Repository, suitable for tests and
// single-node deployments.
type MemRepository struct {
	mu    sync.RWMutex
	byKey map[repoKey]types.ModelManifest
}

type repoKey struct {
	tenant  types.TenantId
	modelID string
}

// NewMemRepository constructs an empty MemRepository.
func NewMemRepository() *MemRepository {
	return &MemRepository{byKey: make(map[repoKey]types.ModelManifest)}
}

func (r *MemRepository) Get(ctx context.Context, tenant types.TenantId, modelID string) (types.ModelManifest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byKey[repoKey{tenant, modelID}]
	if !ok {
		return types.ModelManifest{}, errs.New(errs.CodeModelNotFound, "").
			With("tenant_id", string(tenant)).With("model_id", modelID)
	}
	return m, nil
}

func (r *MemRepository) List(ctx context.Context, tenant types.TenantId) ([]types.ModelManifest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.ModelManifest, 0)
	for k, m := range r.byKey {
		if k.tenant == tenant {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *MemRepository) Put(ctx context.Context, m types.ModelManifest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKey[repoKey{m.TenantID, m.ModelID}] = m
	return nil
}

func (r *MemRepository) Delete(ctx context.Context, tenant types.TenantId, modelID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byKey, repoKey{tenant, modelID})
	return nil
}

var _ Repository = (*MemRepository)(nil)
