package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// TokenStore persists token metadata and the last derived price.
type TokenStore interface {
	Upsert(ctx context.Context, token Token) error
	UpdatePrice(ctx context.Context, tokenID string, price decimal.Decimal, updatedAt time.Time) error
	GetByID(ctx context.Context, id string) (Token, error)
	List(ctx context.Context) ([]Token, error)
}

// PoolStore persists pools and their latest reserves.
type PoolStore interface {
	Upsert(ctx context.Context, pool Pool) error
	// UpdateReserves overwrites the reserves only when BlockNumber is newer
	// than the stored last_synced_block.
	UpdateReserves(ctx context.Context, r Reserves) error
	GetByID(ctx context.Context, id string) (Pool, error)
	List(ctx context.Context) ([]Pool, error)
}

// SnapshotStore persists price snapshots keyed by (pool, tier, bucket).
type SnapshotStore interface {
	// Upsert inserts or replaces the row for (pool, tier, bucket). A row
	// written from a newer block is never replaced by an older one.
	Upsert(ctx context.Context, snap PriceSnapshot) error
	Get(ctx context.Context, poolID, tier string, bucket int64) (PriceSnapshot, error)
	// ListRange returns snapshots with from <= timestamp <= to, ascending.
	ListRange(ctx context.Context, poolID, tier string, from, to int64) ([]PriceSnapshot, error)
	// ListBefore returns every snapshot of the tier strictly older than before.
	ListBefore(ctx context.Context, tier string, before int64) ([]PriceSnapshot, error)
	DeleteBefore(ctx context.Context, tier string, before int64) (int64, error)
	Delete(ctx context.Context, poolID, tier string, bucket int64) error
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only event log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
