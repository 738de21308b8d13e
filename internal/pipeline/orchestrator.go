package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/dexpricer/internal/domain"
	"github.com/alanyoungcy/dexpricer/internal/notifier"
	"github.com/alanyoungcy/dexpricer/internal/volume"
)

// Source produces inbound events and hands each to emit until ctx ends.
type Source interface {
	Name() string
	Run(ctx context.Context, emit func(context.Context, domain.Event) error) error
}

// OrchestratorConfig holds the loop intervals of the pipeline.
type OrchestratorConfig struct {
	DecayInterval  time.Duration
	TVLInterval    time.Duration
	NotifyWorkers  int
	DisablePruning bool
}

// Orchestrator runs every pipeline goroutine: feeds, the dispatcher, the
// notifier fan-out, volume decay, TVL refresh and the retention pruner.
type Orchestrator struct {
	sources    []Source
	dispatcher *Dispatcher
	processor  *Processor
	aggregator *volume.Aggregator
	notifier   *notifier.Notifier
	pruner     *Pruner
	cfg        OrchestratorConfig
	logger     *slog.Logger
}

// NewOrchestrator creates an Orchestrator. pruner may be nil.
func NewOrchestrator(
	sources []Source,
	dispatcher *Dispatcher,
	processor *Processor,
	aggregator *volume.Aggregator,
	notify *notifier.Notifier,
	pruner *Pruner,
	cfg OrchestratorConfig,
	logger *slog.Logger,
) *Orchestrator {
	if cfg.TVLInterval <= 0 {
		cfg.TVLInterval = time.Minute
	}
	return &Orchestrator{
		sources:    sources,
		dispatcher: dispatcher,
		processor:  processor,
		aggregator: aggregator,
		notifier:   notify,
		pruner:     pruner,
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "orchestrator")),
	}
}

// Run starts all loops in an errgroup. A loop failing with anything other
// than cancellation stops the others and its error is returned.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("pipeline orchestrator starting",
		slog.Int("sources", len(o.sources)),
		slog.Duration("decay_interval", o.cfg.DecayInterval),
	)
	g, ctx := errgroup.WithContext(ctx)

	run := func(name string, fn func(context.Context) error) {
		g.Go(func() error {
			err := fn(ctx)
			if ctx.Err() != nil {
				return nil
			}
			if err == nil {
				o.logger.Info("pipeline loop finished", slog.String("loop", name))
				return nil
			}
			return fmt.Errorf("%s: %w", name, err)
		})
	}

	run("dispatcher", o.dispatcher.Run)
	run("notifier", func(ctx context.Context) error { return o.notifier.Run(ctx, o.cfg.NotifyWorkers) })
	run("volume decay", func(ctx context.Context) error { return o.aggregator.Run(ctx, o.cfg.DecayInterval) })
	run("tvl refresh", o.refreshTVL)
	if o.pruner != nil && !o.cfg.DisablePruning {
		run("pruner", o.pruner.RunCron)
	}
	for _, src := range o.sources {
		run("feed "+src.Name(), func(ctx context.Context) error {
			return src.Run(ctx, o.dispatcher.Submit)
		})
	}

	if err := g.Wait(); err != nil {
		o.logger.Error("pipeline orchestrator stopped with error", slog.String("error", err.Error()))
		return err
	}
	o.logger.Info("pipeline orchestrator stopped cleanly")
	return nil
}

func (o *Orchestrator) refreshTVL(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.TVLInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.processor.RefreshTVL(ctx)
		}
	}
}
