package domain

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// RateScale is the fixed-point scale of snapshot exchange rates (1e18).
var RateScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// PriceSnapshot is a time-bucketed exchange-rate observation of a pool.
// ExchangeRate0 is the price of token0 in token1 units scaled by 1e18;
// ExchangeRate1 is its reciprocal at the same scale.
type PriceSnapshot struct {
	PoolID        string    `json:"pool_id"`
	Tier          string    `json:"tier"`
	Timestamp     int64     `json:"timestamp"`
	ExchangeRate0 *big.Int  `json:"exchange_rate0"`
	ExchangeRate1 *big.Int  `json:"exchange_rate1"`
	Reserve0      *big.Int  `json:"reserve0"`
	Reserve1      *big.Int  `json:"reserve1"`
	BlockNumber   uint64    `json:"block_number"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// SnapshotTier is a retention tier: snapshots are bucketed at Granularity
// and kept for Retention (zero keeps them forever).
type SnapshotTier struct {
	Name        string
	Granularity time.Duration
	Retention   time.Duration
}

// Bucket returns the start of the bucket containing ts, in Unix seconds.
func (t SnapshotTier) Bucket(ts time.Time) int64 {
	g := int64(t.Granularity / time.Second)
	if g <= 0 {
		return ts.Unix()
	}
	u := ts.Unix()
	return u - (u % g)
}

// PricePoint is one entry of a pool's price history.
type PricePoint struct {
	Timestamp int64           `json:"timestamp"`
	Price0    decimal.Decimal `json:"price0"`
	Price1    decimal.Decimal `json:"price1"`
}
