package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rkvantis/inferd/pkg/types"
)

// PostgresStore is a [Store] backed by PostgreSQL, used when quota counters
// must survive process restarts and be shared across multiple inferd
// instances. Reserve performs its check-and-increment as a single
// INSERT ... ON CONFLICT DO UPDATE ... RETURNING so concurrent reservations from other instances
// cannot race past the limit.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and ensures the quota_counters table
// exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("quota postgres store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("quota postgres store: ping: %w", err)
	}
	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("quota postgres store: migrate: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS quota_counters (
	tenant_id    TEXT NOT NULL,
	resource     TEXT NOT NULL,
	value        BIGINT NOT NULL DEFAULT 0,
	window_start TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (tenant_id, resource)
);
`

func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, schema)
	return err
}

// Reserve performs an atomic check-and-increment, resetting the window first
// if it has expired. The whole operation runs as one statement so two
// instances racing to reserve the last unit cannot both succeed.
func (s *PostgresStore) Reserve(ctx context.Context, tenant types.TenantId, resource Resource, amount, limit int64, window time.Duration) (int64, bool, error) {
	const upsert = `
INSERT INTO quota_counters (tenant_id, resource, value, window_start)
VALUES ($1, $2, $3, now())
ON CONFLICT (tenant_id, resource) DO UPDATE SET
	value = CASE
		WHEN $5::interval > interval '0' AND now() - quota_counters.window_start >= $5::interval
			THEN $3
		ELSE quota_counters.value + $3
	END,
	window_start = CASE
		WHEN $5::interval > interval '0' AND now() - quota_counters.window_start >= $5::interval
			THEN now()
		ELSE quota_counters.window_start
	END
WHERE ($5::interval > interval '0' AND now() - quota_counters.window_start >= $5::interval)
	OR quota_counters.value + $3 <= $4
RETURNING value,
	(value <= $4) AS within_limit
`
	var value int64
	var withinLimit bool
	err := s.pool.QueryRow(ctx, upsert, string(tenant), string(resource), amount, limit, window).Scan(&value, &withinLimit)
	if errors.Is(err, pgx.ErrNoRows) {
		// The WHERE guard skipped the update: adding amount would exceed
		// limit, so the counter is left unchanged.
		usage, uerr := s.Usage(ctx, tenant, resource)
		return usage, false, uerr
	}
	if err != nil {
		return 0, false, err
	}
	return value, withinLimit, nil
}

// Release decrements the counter, floored at zero.
func (s *PostgresStore) Release(ctx context.Context, tenant types.TenantId, resource Resource, amount int64) error {
	const update = `
UPDATE quota_counters
SET value = GREATEST(0, value - $3)
WHERE tenant_id = $1 AND resource = $2
`
	_, err := s.pool.Exec(ctx, update, string(tenant), string(resource), amount)
	return err
}

// Usage returns the current counter value, or 0 if no row exists yet.
func (s *PostgresStore) Usage(ctx context.Context, tenant types.TenantId, resource Resource) (int64, error) {
	const query = `SELECT value FROM quota_counters WHERE tenant_id = $1 AND resource = $2`
	var value int64
	err := s.pool.QueryRow(ctx, query, string(tenant), string(resource)).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return value, nil
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

var _ Store = (*PostgresStore)(nil)
