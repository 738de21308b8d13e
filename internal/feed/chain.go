package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/alanyoungcy/dexpricer/internal/domain"
)

// LogClient is the subset of ethclient.Client the chain feed needs.
type LogClient interface {
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

var _ LogClient = (*ethclient.Client)(nil)

// Dial connects to an Ethereum node over websocket or IPC. Log
// subscriptions are not available over plain HTTP.
func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	c, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("feed: dial %s: %w", rpcURL, err)
	}
	return c, nil
}

const headerCacheSize = 256

// ChainSource subscribes to Sync and Swap logs of the configured pools and
// emits them as pipeline events. It resubscribes on disconnect.
type ChainSource struct {
	client         LogClient
	pools          []common.Address
	reconnectDelay time.Duration
	logger         *slog.Logger

	mu      sync.Mutex
	headers map[uint64]time.Time
	order   []uint64
}

// NewChainSource creates a ChainSource. An empty pool list subscribes to
// Sync and Swap logs of every contract.
func NewChainSource(client LogClient, pools []string, logger *slog.Logger) (*ChainSource, error) {
	addrs := make([]common.Address, 0, len(pools))
	for _, p := range pools {
		if !common.IsHexAddress(p) {
			return nil, fmt.Errorf("feed: pool %q: %w", p, domain.ErrInvalidAddress)
		}
		addrs = append(addrs, common.HexToAddress(p))
	}
	return &ChainSource{
		client:         client,
		pools:          addrs,
		reconnectDelay: 2 * time.Second,
		logger:         logger.With(slog.String("component", "chain_feed")),
		headers:        make(map[uint64]time.Time),
	}, nil
}

// Name implements pipeline.Source.
func (s *ChainSource) Name() string { return "chain" }

// Run subscribes and forwards decoded logs to emit until ctx is cancelled.
func (s *ChainSource) Run(ctx context.Context, emit func(context.Context, domain.Event) error) error {
	for {
		err := s.runSubscription(ctx, emit)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn("log subscription dropped, resubscribing", slog.String("error", errString(err)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.reconnectDelay):
		}
	}
}

func (s *ChainSource) runSubscription(ctx context.Context, emit func(context.Context, domain.Event) error) error {
	logs := make(chan types.Log, 256)
	q := ethereum.FilterQuery{Addresses: s.pools, Topics: EventTopics()}
	sub, err := s.client.SubscribeFilterLogs(ctx, q, logs)
	if err != nil {
		return fmt.Errorf("feed: subscribe logs: %w", err)
	}
	defer sub.Unsubscribe()
	s.logger.Info("log subscription started", slog.Int("pools", len(s.pools)))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return err
		case l := <-logs:
			if err := s.forward(ctx, l, emit); err != nil {
				return err
			}
		}
	}
}

func (s *ChainSource) forward(ctx context.Context, l types.Log, emit func(context.Context, domain.Event) error) error {
	ts, err := s.blockTime(ctx, l.BlockNumber)
	if err != nil {
		s.logger.Warn("block header lookup failed, using wall clock",
			slog.Uint64("block", l.BlockNumber),
			slog.String("error", err.Error()),
		)
		ts = time.Now().UTC()
	}
	ev, err := DecodeLog(l, ts)
	switch {
	case errors.Is(err, ErrRemovedLog), errors.Is(err, ErrUnknownLog):
		s.logger.Debug("log skipped",
			slog.String("address", l.Address.Hex()),
			slog.String("reason", err.Error()),
		)
		return nil
	case err != nil:
		s.logger.Warn("log decode failed", slog.String("error", err.Error()))
		return nil
	}
	return emit(ctx, ev)
}

func (s *ChainSource) blockTime(ctx context.Context, block uint64) (time.Time, error) {
	s.mu.Lock()
	ts, ok := s.headers[block]
	s.mu.Unlock()
	if ok {
		return ts, nil
	}

	h, err := s.client.HeaderByNumber(ctx, new(big.Int).SetUint64(block))
	if err != nil {
		return time.Time{}, err
	}
	ts = time.Unix(int64(h.Time), 0).UTC()

	s.mu.Lock()
	if _, ok := s.headers[block]; !ok {
		s.headers[block] = ts
		s.order = append(s.order, block)
		if len(s.order) > headerCacheSize {
			delete(s.headers, s.order[0])
			s.order = s.order[1:]
		}
	}
	s.mu.Unlock()
	return ts, nil
}

func errString(err error) string {
	if err == nil {
		return "subscription closed"
	}
	return err.Error()
}
