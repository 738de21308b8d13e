package domain

import (
	"math/big"
	"time"
)

// Pool is a constant-product liquidity pool holding two tokens. Token0 is
// always the token with the lexicographically smaller address.
type Pool struct {
	ID              string
	Address         string
	Token0ID        string
	Token1ID        string
	Reserve0        *big.Int
	Reserve1        *big.Int
	LastSyncedBlock uint64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Reserves is the reserve pair of a pool as of a block.
type Reserves struct {
	PoolID      string
	Reserve0    *big.Int
	Reserve1    *big.Int
	BlockNumber uint64
}

// HasZero reports whether either side of the pair is empty.
func (r Reserves) HasZero() bool {
	return r.Reserve0 == nil || r.Reserve1 == nil || r.Reserve0.Sign() == 0 || r.Reserve1.Sign() == 0
}

// SyncResult reports the outcome of applying a sync event.
type SyncResult struct {
	Applied  bool
	Previous Reserves
	Current  Reserves
}

// PoolInfo is the static metadata needed to register a pool.
type PoolInfo struct {
	Address string
	Token0  TokenInfo
	Token1  TokenInfo
}

// TokenInfo is the static metadata of a token.
type TokenInfo struct {
	Address  string
	Symbol   string
	Decimals uint8
}
