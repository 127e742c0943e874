// Package ingest runs one long-lived poller per ledger: it pulls bounded
// event batches from the chain adapter, holds them back until they are
// final, hands them to the correlator, and keeps the durable cursor in
// lock-step with what was consumed.
package ingest

import (
	"context"
	"log/slog"
	"time"

	"swaprelay/adapter"
	"swaprelay/core/swap"
	"swaprelay/correlate"
	"swaprelay/observability"
	"swaprelay/storage"
)

// Config tunes one ledger's ingestion loop.
type Config struct {
	Ledger        swap.Ledger
	PollInterval  time.Duration
	BatchSize     int
	FinalityDepth uint64
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
}

// Ingestor drives one ledger's subscription.
type Ingestor struct {
	cfg        Config
	chain      adapter.Adapter
	store      *storage.Store
	correlator *correlate.Correlator
	log        *slog.Logger
	metrics    *observability.CoordinatorMetrics
}

// New builds the ingestor for one ledger.
func New(cfg Config, chain adapter.Adapter, store *storage.Store, correlator *correlate.Correlator, log *slog.Logger, metrics *observability.CoordinatorMetrics) *Ingestor {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Ingestor{
		cfg:        cfg,
		chain:      chain,
		store:      store,
		correlator: correlator,
		log:        log,
		metrics:    metrics,
	}
}

// Run polls until the context is cancelled. The durable cursor moves only
// together with a consumed event (inside the correlator's transactions),
// when a fully settled batch jumps it to the adapter's resume point, or on
// a reorg rewind, so a crash between poll and persist replays the batch;
// downstream idempotency absorbs it.
func (i *Ingestor) Run(ctx context.Context) {
	ticker := time.NewTicker(i.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if err := i.Poll(ctx); err != nil && ctx.Err() == nil {
			i.log.Warn("ingest poll", "ledger", string(i.cfg.Ledger), "error", err.Error())
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll consumes one bounded batch. Exposed for tests and for catch-up on
// start.
func (i *Ingestor) Poll(ctx context.Context) error {
	cursor, err := i.store.Cursor(ctx, i.cfg.Ledger)
	if err != nil {
		return err
	}
	head, err := i.chain.Head(ctx)
	if err != nil {
		return err
	}
	if head >= cursor.Height {
		i.metrics.SetCursorLag(string(i.cfg.Ledger), float64(head-cursor.Height))
	}

	events, next, err := i.chain.EscrowEvents(ctx, cursor, i.cfg.BatchSize)
	if err != nil {
		if adapter.IsCode(err, adapter.CodeReorg) {
			return i.rewind(ctx, next)
		}
		return err
	}

	// Only events buried at least finality_depth below the head may be
	// consumed; the rest stay for a later poll.
	settled := head
	if i.cfg.FinalityDepth > 0 {
		if head < i.cfg.FinalityDepth {
			return nil
		}
		settled = head - i.cfg.FinalityDepth
	}
	consumedThrough := cursor
	for _, ev := range events {
		if ev.Height > settled {
			break
		}
		if err := i.correlator.HandleEvent(ctx, ev); err != nil {
			return err
		}
		consumedThrough = swap.Cursor{Ledger: i.cfg.Ledger, Height: ev.Height, Index: ev.EventIndex + 1}
	}
	// When the whole batch settled, jump the cursor to the adapter's
	// resume point so empty stretches of chain are not re-scanned.
	if len(events) == 0 || events[len(events)-1].Height <= settled {
		if next.Height > settled+1 {
			next = swap.Cursor{Ledger: i.cfg.Ledger, Height: settled + 1, Index: 0}
		}
		if consumedThrough.Before(next) {
			if err := i.store.AdvanceCursor(ctx, next); err != nil {
				return err
			}
		}
	}
	return nil
}

// rewind handles a reorg below the consumed cursor: the cursor is forced
// back to the divergence, invalidated events drop from the log, and the
// correlator demotes swaps whose escrows are no longer confirmed.
func (i *Ingestor) rewind(ctx context.Context, divergence swap.Cursor) error {
	i.metrics.ObserveReorgRewind(string(i.cfg.Ledger))
	i.log.Warn("cursor rewound after reorg", "ledger", string(i.cfg.Ledger), "height", divergence.Height)
	if err := i.store.RewindCursor(ctx, divergence); err != nil {
		return err
	}
	return i.correlator.HandleRewind(ctx, i.cfg.Ledger)
}
