package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/dexpricer/internal/domain"
)

// TokenStore implements domain.TokenStore using PostgreSQL.
type TokenStore struct {
	pool *pgxpool.Pool
}

// NewTokenStore creates a TokenStore backed by pool.
func NewTokenStore(pool *pgxpool.Pool) *TokenStore {
	return &TokenStore{pool: pool}
}

// Upsert inserts a token. Decimals are never changed once stored.
func (s *TokenStore) Upsert(ctx context.Context, t domain.Token) error {
	const query = `
		INSERT INTO tokens (id, address, symbol, decimals, is_reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			symbol       = EXCLUDED.symbol,
			is_reference = EXCLUDED.is_reference`

	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	if _, err := s.pool.Exec(ctx, query,
		t.ID, t.Address, t.Symbol, int16(t.Decimals), t.IsReferenceAsset, createdAt,
	); err != nil {
		return fmt.Errorf("postgres: upsert token %s: %w", t.ID, err)
	}
	return nil
}

// UpdatePrice stores the last derived USD price of a token.
func (s *TokenStore) UpdatePrice(ctx context.Context, tokenID string, price decimal.Decimal, updatedAt time.Time) error {
	const query = `
		UPDATE tokens SET price_usd = $2::numeric, price_updated_at = $3
		WHERE id = $1 AND (price_updated_at IS NULL OR price_updated_at <= $3)`

	if _, err := s.pool.Exec(ctx, query, tokenID, price.String(), updatedAt); err != nil {
		return fmt.Errorf("postgres: update price %s: %w", tokenID, err)
	}
	return nil
}

const tokenColumns = `id, address, symbol, decimals, is_reference, price_usd::text, price_updated_at, created_at`

// GetByID returns a token or domain.ErrNotFound.
func (s *TokenStore) GetByID(ctx context.Context, id string) (domain.Token, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE id = $1`, id)
	t, err := scanToken(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Token{}, fmt.Errorf("postgres: token %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Token{}, fmt.Errorf("postgres: get token %s: %w", id, err)
	}
	return t, nil
}

// List returns every token ordered by ID.
func (s *TokenStore) List(ctx context.Context) ([]domain.Token, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+tokenColumns+` FROM tokens ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list tokens: %w", err)
	}
	defer rows.Close()

	var out []domain.Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan token: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list tokens rows: %w", err)
	}
	return out, nil
}

func scanToken(row pgx.Row) (domain.Token, error) {
	var (
		t        domain.Token
		decimals int16
		price    *string
	)
	if err := row.Scan(&t.ID, &t.Address, &t.Symbol, &decimals, &t.IsReferenceAsset,
		&price, &t.PriceUpdatedAt, &t.CreatedAt); err != nil {
		return domain.Token{}, err
	}
	t.Decimals = uint8(decimals)
	if price != nil {
		d, err := decimal.NewFromString(*price)
		if err != nil {
			return domain.Token{}, fmt.Errorf("price of %s: %w", t.ID, err)
		}
		t.PriceUSD = &d
	}
	return t, nil
}
