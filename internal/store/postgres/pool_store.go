package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/dexpricer/internal/domain"
)

// PoolStore implements domain.PoolStore using PostgreSQL.
type PoolStore struct {
	pool *pgxpool.Pool
}

// NewPoolStore creates a PoolStore backed by pool.
func NewPoolStore(pool *pgxpool.Pool) *PoolStore {
	return &PoolStore{pool: pool}
}

// Upsert inserts a pool. Token ordering is fixed at creation, so an existing
// row is left unchanged.
func (s *PoolStore) Upsert(ctx context.Context, p domain.Pool) error {
	const query = `
		INSERT INTO pools (
			id, address, token0_id, token1_id,
			reserve0, reserve1, last_synced_block, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`

	if _, err := s.pool.Exec(ctx, query,
		p.ID, p.Address, p.Token0ID, p.Token1ID,
		numericOrZero(p.Reserve0), numericOrZero(p.Reserve1),
		int64(p.LastSyncedBlock), p.CreatedAt, p.UpdatedAt,
	); err != nil {
		return fmt.Errorf("postgres: upsert pool %s: %w", p.ID, err)
	}
	return nil
}

// UpdateReserves overwrites reserves only when r is from a newer block, or
// when the pool has never been synced.
func (s *PoolStore) UpdateReserves(ctx context.Context, r domain.Reserves) error {
	const query = `
		UPDATE pools SET
			reserve0          = $2::numeric,
			reserve1          = $3::numeric,
			last_synced_block = $4,
			updated_at        = NOW()
		WHERE id = $1 AND (last_synced_block < $4
			OR (last_synced_block = 0 AND reserve0 = 0 AND reserve1 = 0))`

	if _, err := s.pool.Exec(ctx, query,
		r.PoolID, numeric(r.Reserve0), numeric(r.Reserve1), int64(r.BlockNumber),
	); err != nil {
		return fmt.Errorf("postgres: update reserves %s: %w", r.PoolID, err)
	}
	return nil
}

const poolColumns = `id, address, token0_id, token1_id, reserve0::text, reserve1::text,
	last_synced_block, created_at, updated_at`

// GetByID returns a pool or domain.ErrNotFound.
func (s *PoolStore) GetByID(ctx context.Context, id string) (domain.Pool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+poolColumns+` FROM pools WHERE id = $1`, id)
	p, err := scanPool(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Pool{}, fmt.Errorf("postgres: pool %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Pool{}, fmt.Errorf("postgres: get pool %s: %w", id, err)
	}
	return p, nil
}

// List returns every pool ordered by ID.
func (s *PoolStore) List(ctx context.Context) ([]domain.Pool, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+poolColumns+` FROM pools ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pools: %w", err)
	}
	defer rows.Close()

	var out []domain.Pool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan pool: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list pools rows: %w", err)
	}
	return out, nil
}

func scanPool(row pgx.Row) (domain.Pool, error) {
	var (
		p      domain.Pool
		r0, r1 *string
		block  int64
	)
	if err := row.Scan(&p.ID, &p.Address, &p.Token0ID, &p.Token1ID, &r0, &r1,
		&block, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return domain.Pool{}, err
	}
	var err error
	if p.Reserve0, err = parseNumeric(r0); err != nil {
		return domain.Pool{}, err
	}
	if p.Reserve1, err = parseNumeric(r1); err != nil {
		return domain.Pool{}, err
	}
	p.LastSyncedBlock = uint64(block)
	return p, nil
}
