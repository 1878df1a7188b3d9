package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/rkvantis/inferd/internal/errs"
	"github.com/rkvantis/inferd/pkg/types"
)

// PostgresRepository is a [Repository] backed by PostgreSQL, used so model
// manifests survive restarts and stay consistent across multiple inferd
// instances sharing one control plane.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository connects to dsn and ensures the model_manifests
// table exists.
func NewPostgresRepository(ctx context.Context, dsn string) (*PostgresRepository, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("manifest postgres repository: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("manifest postgres repository: ping: %w", err)
	}
	if err := migrateManifests(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("manifest postgres repository: migrate: %w", err)
	}
	return &PostgresRepository{pool: pool}, nil
}

const manifestSchema = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS model_manifests (
	tenant_id  TEXT NOT NULL,
	model_id   TEXT NOT NULL,
	name       TEXT NOT NULL,
	version    TEXT NOT NULL,
	artifacts  JSONB NOT NULL DEFAULT '{}',
	devices    JSONB NOT NULL DEFAULT '[]',
	resources  JSONB NOT NULL DEFAULT '{}',
	metadata   JSONB NOT NULL DEFAULT '{}',
	description_embedding vector(384),
	PRIMARY KEY (tenant_id, model_id)
);

CREATE INDEX IF NOT EXISTS model_manifests_embedding_idx
	ON model_manifests USING hnsw (description_embedding vector_cosine_ops);
`

func migrateManifests(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, manifestSchema)
	return err
}

// row mirrors the table's JSONB columns for (de)serialization.
type row struct {
	Artifacts map[types.Format]string       `json:"artifacts"`
	Devices   []types.DeviceRequirement     `json:"devices"`
	Resources types.ResourceRequirements    `json:"resources"`
	Metadata  map[string]string             `json:"metadata"`
}

func (r *PostgresRepository) Get(ctx context.Context, tenant types.TenantId, modelID string) (types.ModelManifest, error) {
	const query = `
SELECT name, version, artifacts, devices, resources, metadata
FROM model_manifests WHERE tenant_id = $1 AND model_id = $2`

	var name, version string
	var artifactsJSON, devicesJSON, resourcesJSON, metadataJSON []byte
	err := r.pool.QueryRow(ctx, query, string(tenant), modelID).Scan(&name, &version, &artifactsJSON, &devicesJSON, &resourcesJSON, &metadataJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.ModelManifest{}, errs.New(errs.CodeModelNotFound, "").
				With("tenant_id", string(tenant)).With("model_id", modelID)
		}
		return types.ModelManifest{}, errs.Wrap(errs.CodeStorageUnavailable, err, "manifest: get failed")
	}

	var rr row
	if err := unmarshalRow(artifactsJSON, devicesJSON, resourcesJSON, metadataJSON, &rr); err != nil {
		return types.ModelManifest{}, errs.Wrap(errs.CodeStorageUnavailable, err, "manifest: decode failed")
	}

	return types.ModelManifest{
		ModelID:              modelID,
		Name:                 name,
		Version:              version,
		TenantID:             tenant,
		Artifacts:            rr.Artifacts,
		SupportedDevices:     rr.Devices,
		ResourceRequirements: rr.Resources,
		Metadata:             rr.Metadata,
	}, nil
}

func (r *PostgresRepository) List(ctx context.Context, tenant types.TenantId) ([]types.ModelManifest, error) {
	const query = `
SELECT model_id, name, version, artifacts, devices, resources, metadata
FROM model_manifests WHERE tenant_id = $1`

	rows, err := r.pool.Query(ctx, query, string(tenant))
	if err != nil {
		return nil, errs.Wrap(errs.CodeStorageUnavailable, err, "manifest: list failed")
	}
	defer rows.Close()

	var out []types.ModelManifest
	for rows.Next() {
		var modelID, name, version string
		var artifactsJSON, devicesJSON, resourcesJSON, metadataJSON []byte
		if err := rows.Scan(&modelID, &name, &version, &artifactsJSON, &devicesJSON, &resourcesJSON, &metadataJSON); err != nil {
			return nil, errs.Wrap(errs.CodeStorageUnavailable, err, "manifest: scan failed")
		}
		var rr row
		if err := unmarshalRow(artifactsJSON, devicesJSON, resourcesJSON, metadataJSON, &rr); err != nil {
			return nil, errs.Wrap(errs.CodeStorageUnavailable, err, "manifest: decode failed")
		}
		out = append(out, types.ModelManifest{
			ModelID:              modelID,
			Name:                 name,
			Version:              version,
			TenantID:             tenant,
			Artifacts:            rr.Artifacts,
			SupportedDevices:     rr.Devices,
			ResourceRequirements: rr.Resources,
			Metadata:             rr.Metadata,
		})
	}
	return out, rows.Err()
}

func (r *PostgresRepository) Put(ctx context.Context, m types.ModelManifest) error {
	artifactsJSON, err := json.Marshal(m.Artifacts)
	if err != nil {
		return errs.Wrap(errs.CodeValidationFailed, err, "manifest: encode artifacts failed")
	}
	devicesJSON, err := json.Marshal(m.SupportedDevices)
	if err != nil {
		return errs.Wrap(errs.CodeValidationFailed, err, "manifest: encode devices failed")
	}
	resourcesJSON, err := json.Marshal(m.ResourceRequirements)
	if err != nil {
		return errs.Wrap(errs.CodeValidationFailed, err, "manifest: encode resources failed")
	}
	metadataJSON, err := json.Marshal(m.Metadata)
	if err != nil {
		return errs.Wrap(errs.CodeValidationFailed, err, "manifest: encode metadata failed")
	}

	const upsert = `
INSERT INTO model_manifests (tenant_id, model_id, name, version, artifacts, devices, resources, metadata)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (tenant_id, model_id) DO UPDATE SET
	name = EXCLUDED.name,
	version = EXCLUDED.version,
	artifacts = EXCLUDED.artifacts,
	devices = EXCLUDED.devices,
	resources = EXCLUDED.resources,
	metadata = EXCLUDED.metadata
`
	_, err = r.pool.Exec(ctx, upsert, string(m.TenantID), m.ModelID, m.Name, m.Version, artifactsJSON, devicesJSON, resourcesJSON, metadataJSON)
	if err != nil {
		return errs.Wrap(errs.CodeStorageUnavailable, err, "manifest: put failed")
	}
	return nil
}

func (r *PostgresRepository) Delete(ctx context.Context, tenant types.TenantId, modelID string) error {
	const del = `DELETE FROM model_manifests WHERE tenant_id = $1 AND model_id = $2`
	_, err := r.pool.Exec(ctx, del, string(tenant), modelID)
	if err != nil {
		return errs.Wrap(errs.CodeStorageUnavailable, err, "manifest: delete failed")
	}
	return nil
}

// SetDescriptionEmbedding stores a pre-computed embedding of the model's
// description/capabilities summary, enabling semantic lookup via
// [PostgresRepository.FindSimilar] — e.g. "pick the cheapest model that can
// do what gpt-4o-mini does" without hand-maintained capability tags.
func (r *PostgresRepository) SetDescriptionEmbedding(ctx context.Context, tenant types.TenantId, modelID string, embedding []float32) error {
	const update = `
UPDATE model_manifests SET description_embedding = $3
WHERE tenant_id = $1 AND model_id = $2`
	vec := pgvector.NewVector(embedding)
	_, err := r.pool.Exec(ctx, update, string(tenant), modelID, vec)
	if err != nil {
		return errs.Wrap(errs.CodeStorageUnavailable, err, "manifest: set embedding failed")
	}
	return nil
}

// FindSimilar returns the topK manifests for tenant whose description
// embedding is closest (cosine distance) to query, ordered nearest-first.
// Manifests without a stored embedding are excluded.
func (r *PostgresRepository) FindSimilar(ctx context.Context, tenant types.TenantId, query []float32, topK int) ([]types.ModelManifest, error) {
	const q = `
SELECT model_id, name, version, artifacts, devices, resources, metadata
FROM model_manifests
WHERE tenant_id = $1 AND description_embedding IS NOT NULL
ORDER BY description_embedding <=> $2
LIMIT $3`

	queryVec := pgvector.NewVector(query)
	rows, err := r.pool.Query(ctx, q, string(tenant), queryVec, topK)
	if err != nil {
		return nil, errs.Wrap(errs.CodeStorageUnavailable, err, "manifest: find similar failed")
	}
	defer rows.Close()

	var out []types.ModelManifest
	for rows.Next() {
		var modelID, name, version string
		var artifactsJSON, devicesJSON, resourcesJSON, metadataJSON []byte
		if err := rows.Scan(&modelID, &name, &version, &artifactsJSON, &devicesJSON, &resourcesJSON, &metadataJSON); err != nil {
			return nil, errs.Wrap(errs.CodeStorageUnavailable, err, "manifest: scan failed")
		}
		var rr row
		if err := unmarshalRow(artifactsJSON, devicesJSON, resourcesJSON, metadataJSON, &rr); err != nil {
			return nil, errs.Wrap(errs.CodeStorageUnavailable, err, "manifest: decode failed")
		}
		out = append(out, types.ModelManifest{
			ModelID:              modelID,
			Name:                 name,
			Version:              version,
			TenantID:             tenant,
			Artifacts:            rr.Artifacts,
			SupportedDevices:     rr.Devices,
			ResourceRequirements: rr.Resources,
			Metadata:             rr.Metadata,
		})
	}
	return out, rows.Err()
}

// Close releases the underlying connection pool.
func (r *PostgresRepository) Close() {
	r.pool.Close()
}

func unmarshalRow(artifactsJSON, devicesJSON, resourcesJSON, metadataJSON []byte, rr *row) error {
	if err := json.Unmarshal(artifactsJSON, &rr.Artifacts); err != nil {
		return err
	}
	if err := json.Unmarshal(devicesJSON, &rr.Devices); err != nil {
		return err
	}
	if err := json.Unmarshal(resourcesJSON, &rr.Resources); err != nil {
		return err
	}
	if err := json.Unmarshal(metadataJSON, &rr.Metadata); err != nil {
		return err
	}
	return nil
}

var _ Repository = (*PostgresRepository)(nil)
