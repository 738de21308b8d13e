package pipeline

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/dexpricer/internal/domain"
)

// Handler processes a single inbound event.
type Handler interface {
	Handle(ctx context.Context, ev domain.Event) error
}

// Dispatcher fans events out to a fixed set of shards keyed by pool
// address. Events of one pool are handled in submission order by one
// worker; different pools proceed in parallel.
type Dispatcher struct {
	shards  []chan domain.Event
	handler Handler
	logger  *slog.Logger
}

// NewDispatcher creates a Dispatcher with workers shards of queueSize each.
func NewDispatcher(handler Handler, workers, queueSize int, logger *slog.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	shards := make([]chan domain.Event, workers)
	for i := range shards {
		shards[i] = make(chan domain.Event, queueSize)
	}
	return &Dispatcher{
		shards:  shards,
		handler: handler,
		logger:  logger.With(slog.String("component", "dispatcher")),
	}
}

// Submit queues ev on its pool's shard. It blocks while the shard is full,
// which pushes back on the feed.
func (d *Dispatcher) Submit(ctx context.Context, ev domain.Event) error {
	addr := ev.PoolAddress()
	if addr == "" {
		return fmt.Errorf("pipeline: submit: event without pool address")
	}
	shard := d.shards[shardFor(addr, len(d.shards))]
	select {
	case shard <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts one worker per shard and blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher starting", slog.Int("workers", len(d.shards)))
	g, ctx := errgroup.WithContext(ctx)
	for i, shard := range d.shards {
		g.Go(func() error {
			return d.work(ctx, i, shard)
		})
	}
	return g.Wait()
}

func (d *Dispatcher) work(ctx context.Context, id int, shard <-chan domain.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-shard:
			d.handle(ctx, id, ev)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, id int, ev domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.ErrorContext(ctx, "event handler panicked",
				slog.Int("worker", id),
				slog.String("pool", ev.PoolAddress()),
				slog.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	if err := d.handler.Handle(ctx, ev); err != nil && ctx.Err() == nil {
		d.logger.ErrorContext(ctx, "event handling failed",
			slog.Int("worker", id),
			slog.String("type", string(ev.Type)),
			slog.String("pool", ev.PoolAddress()),
			slog.String("error", err.Error()),
		)
	}
}

func shardFor(addr string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(strings.ToLower(addr)))
	return int(h.Sum32() % uint32(n))
}
