package domain

import (
	"math/big"
	"time"
)

// EventType distinguishes inbound chain events.
type EventType string

const (
	EventSync EventType = "sync"
	EventSwap EventType = "swap"
)

// SyncEvent carries the authoritative reserves of a pool after a block.
type SyncEvent struct {
	PoolAddress string
	Reserve0    *big.Int
	Reserve1    *big.Int
	BlockNumber uint64
	Timestamp   time.Time
}

// SwapEvent carries the token amounts moved by a single swap.
type SwapEvent struct {
	PoolAddress string
	AmountIn0   *big.Int
	AmountIn1   *big.Int
	AmountOut0  *big.Int
	AmountOut1  *big.Int
	BlockNumber uint64
	Timestamp   time.Time
	// TxHash and LogIndex identify the log for redelivery detection. They
	// may be empty for sources that cannot provide them.
	TxHash      string
	LogIndex    uint
}

// Event is the envelope delivered by feeds. Exactly one of Sync or Swap is set.
type Event struct {
	Type EventType
	Sync *SyncEvent
	Swap *SwapEvent
}

// PoolAddress returns the pool the event refers to.
func (e Event) PoolAddress() string {
	switch {
	case e.Sync != nil:
		return e.Sync.PoolAddress
	case e.Swap != nil:
		return e.Swap.PoolAddress
	default:
		return ""
	}
}
