package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/dexpricer/internal/domain"
)

// PoolReader exposes the pool registry and live reserves.
type PoolReader interface {
	Pools() []domain.Pool
	Pool(poolID string) (domain.Pool, error)
	GetReserves(poolID string) (domain.Reserves, error)
}

// TVLReader values pools in USD.
type TVLReader interface {
	PoolTVL(ctx context.Context, poolID string) (decimal.Decimal, error)
	ProtocolTVL(ctx context.Context) decimal.Decimal
}

// HistoryReader serves price history from stored snapshots.
type HistoryReader interface {
	PriceHistory(ctx context.Context, poolID, timeframe string) ([]domain.PricePoint, error)
}

// PoolHandler serves pool, history and TVL endpoints.
type PoolHandler struct {
	pools   PoolReader
	tvl     TVLReader
	history HistoryReader
	logger  *slog.Logger
}

// NewPoolHandler creates a PoolHandler.
func NewPoolHandler(pools PoolReader, tvl TVLReader, history HistoryReader, logger *slog.Logger) *PoolHandler {
	return &PoolHandler{pools: pools, tvl: tvl, history: history, logger: logger}
}

type poolResponse struct {
	ID              string    `json:"id"`
	Address         string    `json:"address"`
	Token0ID        string    `json:"token0_id"`
	Token1ID        string    `json:"token1_id"`
	Reserve0        string    `json:"reserve0"`
	Reserve1        string    `json:"reserve1"`
	LastSyncedBlock uint64    `json:"last_synced_block"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func renderPool(p domain.Pool) poolResponse {
	return poolResponse{
		ID:              p.ID,
		Address:         p.Address,
		Token0ID:        p.Token0ID,
		Token1ID:        p.Token1ID,
		Reserve0:        bigString(p.Reserve0),
		Reserve1:        bigString(p.Reserve1),
		LastSyncedBlock: p.LastSyncedBlock,
		UpdatedAt:       p.UpdatedAt,
	}
}

// ListPools returns every registered pool.
// GET /api/pools
func (h *PoolHandler) ListPools(w http.ResponseWriter, r *http.Request) {
	pools := h.pools.Pools()
	out := make([]poolResponse, 0, len(pools))
	for _, p := range pools {
		out = append(out, renderPool(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"pools": out, "total": len(out)})
}

// GetPool returns one pool.
// GET /api/pools/{id}
func (h *PoolHandler) GetPool(w http.ResponseWriter, r *http.Request) {
	id, ok := addressParam(w, r, "id")
	if !ok {
		return
	}
	p, err := h.pools.Pool(id)
	if err != nil {
		writeDomainError(w, r, h.logger, err, "failed to get pool")
		return
	}
	writeJSON(w, http.StatusOK, renderPool(p))
}

// GetReserves returns the latest raw reserves of a pool.
// GET /api/pools/{id}/reserves
func (h *PoolHandler) GetReserves(w http.ResponseWriter, r *http.Request) {
	id, ok := addressParam(w, r, "id")
	if !ok {
		return
	}
	res, err := h.pools.GetReserves(id)
	if err != nil {
		writeDomainError(w, r, h.logger, err, "failed to get reserves")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pool_id":      res.PoolID,
		"reserve0":     bigString(res.Reserve0),
		"reserve1":     bigString(res.Reserve1),
		"block_number": res.BlockNumber,
	})
}

// GetHistory returns snapshot prices over a timeframe (default 24h).
// GET /api/pools/{id}/history?timeframe=24h
func (h *PoolHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := addressParam(w, r, "id")
	if !ok {
		return
	}
	timeframe := r.URL.Query().Get("timeframe")
	if timeframe == "" {
		timeframe = "24h"
	}
	points, err := h.history.PriceHistory(r.Context(), id, timeframe)
	if err != nil {
		writeDomainError(w, r, h.logger, err, "failed to get history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pool_id":   id,
		"timeframe": timeframe,
		"points":    points,
	})
}

// GetPoolTVL returns the USD value locked in a pool.
// GET /api/pools/{id}/tvl
func (h *PoolHandler) GetPoolTVL(w http.ResponseWriter, r *http.Request) {
	id, ok := addressParam(w, r, "id")
	if !ok {
		return
	}
	tvl, err := h.tvl.PoolTVL(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, err, "failed to get pool tvl")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pool_id": id, "tvl_usd": tvl.String()})
}

// GetProtocolTVL returns the summed TVL of every valued pool.
// GET /api/tvl
func (h *PoolHandler) GetProtocolTVL(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"tvl_usd": h.tvl.ProtocolTVL(r.Context()).String(),
		"pools":   len(h.pools.Pools()),
	})
}
