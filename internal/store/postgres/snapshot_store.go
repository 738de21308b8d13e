package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/dexpricer/internal/domain"
)

// SnapshotStore implements domain.SnapshotStore using PostgreSQL.
type SnapshotStore struct {
	pool *pgxpool.Pool
}

// NewSnapshotStore creates a SnapshotStore backed by pool.
func NewSnapshotStore(pool *pgxpool.Pool) *SnapshotStore {
	return &SnapshotStore{pool: pool}
}

// Upsert writes the snapshot for its (pool, tier, bucket) unless the stored
// row comes from a newer block.
func (s *SnapshotStore) Upsert(ctx context.Context, snap domain.PriceSnapshot) error {
	const query = `
		INSERT INTO price_snapshots (
			pool_id, tier, bucket, exchange_rate0, exchange_rate1,
			reserve0, reserve1, block_number, updated_at
		) VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6::numeric, $7::numeric, $8, $9)
		ON CONFLICT (pool_id, tier, bucket) DO UPDATE SET
			exchange_rate0 = EXCLUDED.exchange_rate0,
			exchange_rate1 = EXCLUDED.exchange_rate1,
			reserve0       = EXCLUDED.reserve0,
			reserve1       = EXCLUDED.reserve1,
			block_number   = EXCLUDED.block_number,
			updated_at     = EXCLUDED.updated_at
		WHERE price_snapshots.block_number <= EXCLUDED.block_number`

	if _, err := s.pool.Exec(ctx, query,
		snap.PoolID, snap.Tier, snap.Timestamp,
		numeric(snap.ExchangeRate0), numeric(snap.ExchangeRate1),
		numeric(snap.Reserve0), numeric(snap.Reserve1),
		int64(snap.BlockNumber), snap.UpdatedAt,
	); err != nil {
		return fmt.Errorf("postgres: upsert snapshot %s/%s/%d: %w", snap.PoolID, snap.Tier, snap.Timestamp, err)
	}
	return nil
}

const snapshotColumns = `pool_id, tier, bucket, exchange_rate0::text, exchange_rate1::text,
	reserve0::text, reserve1::text, block_number, updated_at`

// Get returns the snapshot of one bucket or domain.ErrNotFound.
func (s *SnapshotStore) Get(ctx context.Context, poolID, tier string, bucket int64) (domain.PriceSnapshot, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+snapshotColumns+` FROM price_snapshots WHERE pool_id = $1 AND tier = $2 AND bucket = $3`,
		poolID, tier, bucket)
	snap, err := scanSnapshot(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.PriceSnapshot{}, fmt.Errorf("postgres: snapshot %s/%s/%d: %w", poolID, tier, bucket, domain.ErrNotFound)
	}
	if err != nil {
		return domain.PriceSnapshot{}, fmt.Errorf("postgres: get snapshot: %w", err)
	}
	return snap, nil
}

// ListRange returns a pool's snapshots in [from, to], oldest first.
func (s *SnapshotStore) ListRange(ctx context.Context, poolID, tier string, from, to int64) ([]domain.PriceSnapshot, error) {
	return s.list(ctx,
		`SELECT `+snapshotColumns+` FROM price_snapshots
		 WHERE pool_id = $1 AND tier = $2 AND bucket BETWEEN $3 AND $4
		 ORDER BY bucket`,
		poolID, tier, from, to)
}

// ListBefore returns every snapshot of a tier older than before.
func (s *SnapshotStore) ListBefore(ctx context.Context, tier string, before int64) ([]domain.PriceSnapshot, error) {
	return s.list(ctx,
		`SELECT `+snapshotColumns+` FROM price_snapshots
		 WHERE tier = $1 AND bucket < $2
		 ORDER BY pool_id, bucket`,
		tier, before)
}

// DeleteBefore removes every snapshot of a tier older than before.
func (s *SnapshotStore) DeleteBefore(ctx context.Context, tier string, before int64) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM price_snapshots WHERE tier = $1 AND bucket < $2`, tier, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: prune %s snapshots: %w", tier, err)
	}
	return tag.RowsAffected(), nil
}

// Delete removes a single snapshot.
func (s *SnapshotStore) Delete(ctx context.Context, poolID, tier string, bucket int64) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM price_snapshots WHERE pool_id = $1 AND tier = $2 AND bucket = $3`,
		poolID, tier, bucket); err != nil {
		return fmt.Errorf("postgres: delete snapshot %s/%s/%d: %w", poolID, tier, bucket, err)
	}
	return nil
}

func (s *SnapshotStore) list(ctx context.Context, query string, args ...any) ([]domain.PriceSnapshot, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list snapshots: %w", err)
	}
	defer rows.Close()

	var out []domain.PriceSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan snapshot: %w", err)
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list snapshots rows: %w", err)
	}
	return out, nil
}

func scanSnapshot(row pgx.Row) (domain.PriceSnapshot, error) {
	var (
		snap                 domain.PriceSnapshot
		rate0, rate1, r0, r1 *string
		block                int64
	)
	if err := row.Scan(&snap.PoolID, &snap.Tier, &snap.Timestamp, &rate0, &rate1,
		&r0, &r1, &block, &snap.UpdatedAt); err != nil {
		return domain.PriceSnapshot{}, err
	}
	var err error
	if snap.ExchangeRate0, err = parseNumeric(rate0); err != nil {
		return domain.PriceSnapshot{}, err
	}
	if snap.ExchangeRate1, err = parseNumeric(rate1); err != nil {
		return domain.PriceSnapshot{}, err
	}
	if snap.Reserve0, err = parseNumeric(r0); err != nil {
		return domain.PriceSnapshot{}, err
	}
	if snap.Reserve1, err = parseNumeric(r1); err != nil {
		return domain.PriceSnapshot{}, err
	}
	snap.BlockNumber = uint64(block)
	return snap, nil
}
