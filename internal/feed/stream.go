package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/alanyoungcy/dexpricer/internal/domain"
)

// DefaultStream is the Redis stream external indexers append events to.
const DefaultStream = "dex:events"

// StreamReader reads entries after lastID from a stream, blocking up to
// block for new ones.
type StreamReader interface {
	StreamRead(ctx context.Context, stream string, lastID string, count int, block time.Duration) ([]domain.StreamMessage, error)
}

// StreamEvent is the JSON wire form of an event on the stream. Big integers
// are decimal strings.
type StreamEvent struct {
	Type        domain.EventType `json:"type"`
	Pool        string           `json:"pool"`
	Reserve0    string           `json:"reserve0,omitempty"`
	Reserve1    string           `json:"reserve1,omitempty"`
	Amount0In   string           `json:"amount0_in,omitempty"`
	Amount1In   string           `json:"amount1_in,omitempty"`
	Amount0Out  string           `json:"amount0_out,omitempty"`
	Amount1Out  string           `json:"amount1_out,omitempty"`
	BlockNumber uint64           `json:"block_number"`
	Timestamp   int64            `json:"timestamp"`
	TxHash      string           `json:"tx_hash,omitempty"`
	LogIndex    uint             `json:"log_index,omitempty"`
}

// EncodeStreamEvent renders ev in its stream wire form.
func EncodeStreamEvent(ev domain.Event) ([]byte, error) {
	var se StreamEvent
	switch {
	case ev.Sync != nil:
		se = StreamEvent{
			Type:        domain.EventSync,
			Pool:        ev.Sync.PoolAddress,
			Reserve0:    intString(ev.Sync.Reserve0),
			Reserve1:    intString(ev.Sync.Reserve1),
			BlockNumber: ev.Sync.BlockNumber,
			Timestamp:   ev.Sync.Timestamp.Unix(),
		}
	case ev.Swap != nil:
		se = StreamEvent{
			Type:        domain.EventSwap,
			Pool:        ev.Swap.PoolAddress,
			Amount0In:   intString(ev.Swap.AmountIn0),
			Amount1In:   intString(ev.Swap.AmountIn1),
			Amount0Out:  intString(ev.Swap.AmountOut0),
			Amount1Out:  intString(ev.Swap.AmountOut1),
			BlockNumber: ev.Swap.BlockNumber,
			Timestamp:   ev.Swap.Timestamp.Unix(),
			TxHash:      ev.Swap.TxHash,
			LogIndex:    ev.Swap.LogIndex,
		}
	default:
		return nil, fmt.Errorf("feed: encode: empty event")
	}
	return json.Marshal(se)
}

// DecodeStreamEvent parses a stream payload into a pipeline event.
func DecodeStreamEvent(payload []byte) (domain.Event, error) {
	var se StreamEvent
	if err := json.Unmarshal(payload, &se); err != nil {
		return domain.Event{}, fmt.Errorf("feed: decode stream event: %w", err)
	}
	pool, err := domain.NormalizeAddress(se.Pool)
	if err != nil {
		return domain.Event{}, fmt.Errorf("feed: decode stream event pool %q: %w", se.Pool, err)
	}
	ts := time.Unix(se.Timestamp, 0).UTC()

	switch se.Type {
	case domain.EventSync:
		r0, err := parseInt(se.Reserve0)
		if err != nil {
			return domain.Event{}, fmt.Errorf("feed: sync reserve0: %w", err)
		}
		r1, err := parseInt(se.Reserve1)
		if err != nil {
			return domain.Event{}, fmt.Errorf("feed: sync reserve1: %w", err)
		}
		return domain.Event{Type: domain.EventSync, Sync: &domain.SyncEvent{
			PoolAddress: pool,
			Reserve0:    r0,
			Reserve1:    r1,
			BlockNumber: se.BlockNumber,
			Timestamp:   ts,
		}}, nil

	case domain.EventSwap:
		amounts := make([]*big.Int, 4)
		for i, s := range []string{se.Amount0In, se.Amount1In, se.Amount0Out, se.Amount1Out} {
			if s == "" {
				amounts[i] = new(big.Int)
				continue
			}
			v, err := parseInt(s)
			if err != nil {
				return domain.Event{}, fmt.Errorf("feed: swap amount %d: %w", i, err)
			}
			amounts[i] = v
		}
		return domain.Event{Type: domain.EventSwap, Swap: &domain.SwapEvent{
			PoolAddress: pool,
			AmountIn0:   amounts[0],
			AmountIn1:   amounts[1],
			AmountOut0:  amounts[2],
			AmountOut1:  amounts[3],
			BlockNumber: se.BlockNumber,
			Timestamp:   ts,
			TxHash:      se.TxHash,
			LogIndex:    se.LogIndex,
		}}, nil
	}
	return domain.Event{}, fmt.Errorf("feed: unknown event type %q", se.Type)
}

func parseInt(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", s)
	}
	return v, nil
}

func intString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// StreamSource consumes JSON events from a Redis stream.
type StreamSource struct {
	reader    StreamReader
	stream    string
	lastID    string
	batch     int
	block     time.Duration
	retryWait time.Duration
	logger    *slog.Logger
}

// NewStreamSource creates a StreamSource reading stream from startID.
// startID "$" consumes only entries appended after startup; "0" replays the
// whole stream.
func NewStreamSource(reader StreamReader, stream, startID string, logger *slog.Logger) *StreamSource {
	if stream == "" {
		stream = DefaultStream
	}
	if startID == "" {
		startID = "$"
	}
	return &StreamSource{
		reader:    reader,
		stream:    stream,
		lastID:    startID,
		batch:     100,
		block:     5 * time.Second,
		retryWait: time.Second,
		logger:    logger.With(slog.String("component", "stream_feed"), slog.String("stream", stream)),
	}
}

// Name implements pipeline.Source.
func (s *StreamSource) Name() string { return "stream" }

// Run reads the stream until ctx is cancelled. Malformed entries are logged
// and skipped.
func (s *StreamSource) Run(ctx context.Context, emit func(context.Context, domain.Event) error) error {
	s.logger.Info("stream consumer started", slog.String("from", s.lastID))
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msgs, err := s.reader.StreamRead(ctx, s.stream, s.lastID, s.batch, s.block)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("stream read failed", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.retryWait):
			}
			continue
		}
		for _, m := range msgs {
			s.lastID = m.ID
			ev, err := DecodeStreamEvent(m.Payload)
			if err != nil {
				s.logger.Warn("stream entry skipped",
					slog.String("id", m.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			if err := emit(ctx, ev); err != nil {
				return err
			}
		}
	}
}
