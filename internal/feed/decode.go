package feed

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/dexpricer/internal/domain"
)

// Constant-product pair events and metadata getters.
const pairABIJSON = `[
 {"anonymous":false,"inputs":[{"indexed":false,"name":"reserve0","type":"uint112"},{"indexed":false,"name":"reserve1","type":"uint112"}],"name":"Sync","type":"event"},
 {"anonymous":false,"inputs":[{"indexed":true,"name":"sender","type":"address"},{"indexed":false,"name":"amount0In","type":"uint256"},{"indexed":false,"name":"amount1In","type":"uint256"},{"indexed":false,"name":"amount0Out","type":"uint256"},{"indexed":false,"name":"amount1Out","type":"uint256"},{"indexed":true,"name":"to","type":"address"}],"name":"Swap","type":"event"},
 {"constant":true,"inputs":[],"name":"token0","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"},
 {"constant":true,"inputs":[],"name":"token1","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"}
]`

const erc20ABIJSON = `[
 {"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
 {"constant":true,"inputs":[],"name":"symbol","outputs":[{"name":"","type":"string"}],"stateMutability":"view","type":"function"}
]`

var (
	pairABI  = mustABI(pairABIJSON)
	erc20ABI = mustABI(erc20ABIJSON)

	// SyncTopic and SwapTopic are the topic0 hashes of the pair events.
	SyncTopic = pairABI.Events["Sync"].ID
	SwapTopic = pairABI.Events["Swap"].ID
)

// ErrUnknownLog is returned for logs that are neither Sync nor Swap.
var ErrUnknownLog = errors.New("feed: unknown log topic")

// ErrRemovedLog is returned for logs dropped by a chain reorganisation.
var ErrRemovedLog = errors.New("feed: removed log")

func mustABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(fmt.Sprintf("feed: parse abi: %v", err))
	}
	return parsed
}

// DecodeLog converts a pair log into a pipeline event. ts is the timestamp
// of the block that contains the log.
func DecodeLog(l types.Log, ts time.Time) (domain.Event, error) {
	if l.Removed {
		return domain.Event{}, ErrRemovedLog
	}
	if len(l.Topics) == 0 {
		return domain.Event{}, ErrUnknownLog
	}
	pool := strings.ToLower(l.Address.Hex())

	switch l.Topics[0] {
	case SyncTopic:
		vals, err := pairABI.Unpack("Sync", l.Data)
		if err != nil {
			return domain.Event{}, fmt.Errorf("feed: decode sync %s: %w", pool, err)
		}
		r, err := bigInts(vals, 2)
		if err != nil {
			return domain.Event{}, fmt.Errorf("feed: decode sync %s: %w", pool, err)
		}
		return domain.Event{Type: domain.EventSync, Sync: &domain.SyncEvent{
			PoolAddress: pool,
			Reserve0:    r[0],
			Reserve1:    r[1],
			BlockNumber: l.BlockNumber,
			Timestamp:   ts,
		}}, nil

	case SwapTopic:
		vals, err := pairABI.Unpack("Swap", l.Data)
		if err != nil {
			return domain.Event{}, fmt.Errorf("feed: decode swap %s: %w", pool, err)
		}
		a, err := bigInts(vals, 4)
		if err != nil {
			return domain.Event{}, fmt.Errorf("feed: decode swap %s: %w", pool, err)
		}
		return domain.Event{Type: domain.EventSwap, Swap: &domain.SwapEvent{
			PoolAddress: pool,
			AmountIn0:   a[0],
			AmountIn1:   a[1],
			AmountOut0:  a[2],
			AmountOut1:  a[3],
			BlockNumber: l.BlockNumber,
			Timestamp:   ts,
			TxHash:      l.TxHash.Hex(),
			LogIndex:    l.Index,
		}}, nil
	}
	return domain.Event{}, ErrUnknownLog
}

func bigInts(vals []interface{}, n int) ([]*big.Int, error) {
	if len(vals) != n {
		return nil, fmt.Errorf("want %d values, got %d", n, len(vals))
	}
	out := make([]*big.Int, n)
	for i, v := range vals {
		b, ok := v.(*big.Int)
		if !ok {
			return nil, fmt.Errorf("value %d is %T", i, v)
		}
		out[i] = b
	}
	return out, nil
}

// EventTopics returns the topic filter matching Sync and Swap logs.
func EventTopics() [][]common.Hash {
	return [][]common.Hash{{SyncTopic, SwapTopic}}
}
