// Package control owns process lifetime: it wires the store, adapters,
// ingestors, engine, scheduler, and admin server, registers the resolver
// on both ledgers, rebuilds timers after a restart, and drains everything
// on stop.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"swaprelay/adapter"
	"swaprelay/config"
	"swaprelay/core/swap"
	"swaprelay/correlate"
	"swaprelay/engine"
	"swaprelay/ingest"
	"swaprelay/observability"
	"swaprelay/sched"
	"swaprelay/server"
	"swaprelay/storage"
)

// Coordinator is the top-level daemon object.
type Coordinator struct {
	cfg      config.Config
	store    *storage.Store
	adapters map[swap.Ledger]adapter.Adapter

	engine     *engine.Engine
	correlator *correlate.Correlator
	ingestors  []*ingest.Ingestor
	timers     *sched.TimerWheel
	pool       *sched.Pool
	admin      *server.Server

	log            *slog.Logger
	metrics        *observability.CoordinatorMetrics
	now            func() time.Time
	safetyMarginMS int64

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// Options overrides for tests.
type Options struct {
	Now        func() time.Time
	Metrics    *observability.CoordinatorMetrics
	SkipServer bool
}

// New wires the coordinator from validated configuration and constructed
// collaborators. adapters must contain both ledgers.
func New(cfg config.Config, store *storage.Store, adapters map[swap.Ledger]adapter.Adapter, log *slog.Logger, opts Options) (*Coordinator, error) {
	if store == nil {
		return nil, fmt.Errorf("store required")
	}
	for _, ledger := range []swap.Ledger{swap.LedgerEVM, swap.LedgerSui} {
		if _, ok := adapters[ledger]; !ok {
			return nil, fmt.Errorf("adapter for ledger %s required", ledger)
		}
	}
	if log == nil {
		log = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.Coordinator()
	}

	profile, err := cfg.Network.Profile()
	if err != nil {
		return nil, err
	}

	c := &Coordinator{
		cfg:            cfg,
		store:          store,
		adapters:       adapters,
		log:            log,
		metrics:        metrics,
		now:            now,
		safetyMarginMS: profile.SafetyMargin.Milliseconds(),
	}

	c.pool = sched.NewPool(cfg.Workers)
	c.timers = sched.NewTimerWheel(func(swapID, reason string) {
		c.log.Debug("timer fired", "swap", swapID, "reason", reason)
		c.dispatch(swapID)
	}, now)

	limits := sched.NewLimiters(map[swap.Ledger]float64{
		swap.LedgerEVM: cfg.EVM.RateLimitRPS,
		swap.LedgerSui: cfg.Sui.RateLimitRPS,
	})

	c.engine = engine.New(store, adapters, c.timers, limits, engine.Config{
		Policy: engine.Policy{
			SafetyMarginMS: profile.SafetyMargin.Milliseconds(),
			MinTimeoutMS:   profile.MinTimeout.Milliseconds(),
			FeeBps:         cfg.FeeBps,
		},
		MaxAttempts:   cfg.Retry.MaxAttempts,
		BaseBackoff:   cfg.Retry.BaseBackoff.Duration,
		MaxBackoff:    cfg.Retry.MaxBackoff.Duration,
		RefundHorizon: cfg.RefundHorizon.Duration,
	}, log, metrics, now)

	c.correlator = correlate.New(store, c.dispatch, log, metrics, now)

	c.ingestors = []*ingest.Ingestor{
		ingest.New(ingest.Config{
			Ledger:        swap.LedgerEVM,
			PollInterval:  cfg.EVM.PollInterval.Duration,
			FinalityDepth: cfg.EVM.FinalityDepth,
		}, adapters[swap.LedgerEVM], store, c.correlator, log, metrics),
		ingest.New(ingest.Config{
			Ledger:        swap.LedgerSui,
			PollInterval:  cfg.Sui.PollInterval.Duration,
			FinalityDepth: cfg.Sui.FinalityDepth,
		}, adapters[swap.LedgerSui], store, c.correlator, log, metrics),
	}

	if !opts.SkipServer {
		admin, err := server.New(server.Config{
			ListenAddress: cfg.ListenAddress,
			AdminToken:    cfg.AdminToken,
		}, store, c, c, c, log)
		if err != nil {
			return nil, err
		}
		c.admin = admin
	}
	return c, nil
}

// dispatch hands a swap to the worker pool for re-evaluation. During
// drain, late signals are dropped; restart recovery re-evaluates every
// active swap anyway.
func (c *Coordinator) dispatch(swapID string) {
	if err := c.pool.Submit(func(ctx context.Context) {
		c.engine.Evaluate(ctx, swapID)
	}); err != nil {
		c.log.Debug("dropping signal during drain", "swap", swapID)
	}
}

// Start brings the coordinator up: resolver registration, timer rebuild,
// ingestion, the timer wheel, maintenance, and the admin server. It
// returns once everything is running.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return fmt.Errorf("coordinator already started")
	}
	runCtx, cancel := context.WithCancel(ctx)

	if err := c.RegisterResolver(runCtx); err != nil {
		cancel()
		return fmt.Errorf("register resolver: %w", err)
	}
	if err := c.rebuild(runCtx); err != nil {
		cancel()
		return fmt.Errorf("rebuild timers: %w", err)
	}

	c.cancel = cancel
	c.stopped = make(chan struct{})
	var wg sync.WaitGroup
	for _, ing := range c.ingestors {
		wg.Add(1)
		go func(ing *ingest.Ingestor) {
			defer wg.Done()
			ing.Run(runCtx)
		}(ing)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.timers.Run(runCtx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.maintain(runCtx)
	}()
	if c.admin != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.admin.ListenAndServe(runCtx); err != nil {
				c.log.Error("admin server", "error", err.Error())
			}
		}()
	}
	go func() {
		wg.Wait()
		close(c.stopped)
	}()
	c.log.Info("coordinator started", "network", string(c.cfg.Network))
	return nil
}

// Stop drains gracefully: subscriptions and timers cancel at their next
// suspension point, in-flight actions complete (they are idempotent and
// observable on-chain), then the worker pool drains.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	stopped := c.stopped
	c.cancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if stopped != nil {
		<-stopped
	}
	c.pool.Drain()
	c.log.Info("coordinator stopped")
}

// RegisterResolver bonds the configured stake on each ledger whose adapter
// supports staking. Registration is idempotent.
func (c *Coordinator) RegisterResolver(ctx context.Context) error {
	stakes := map[swap.Ledger]string{
		swap.LedgerEVM: c.cfg.EVM.ResolverStake,
		swap.LedgerSui: c.cfg.Sui.ResolverStake,
	}
	for ledger, raw := range stakes {
		raw = strings.TrimSpace(raw)
		if raw == "" || raw == "0" {
			continue
		}
		staker, ok := c.adapters[ledger].(adapter.Staker)
		if !ok {
			continue
		}
		stake, ok := new(big.Int).SetString(raw, 10)
		if !ok {
			return fmt.Errorf("resolver stake %q on %s not decimal", raw, ledger)
		}
		if err := staker.RegisterResolver(ctx, stake); err != nil {
			return err
		}
		c.log.Info("resolver registered", "ledger", string(ledger), "stake", stake.String())
	}
	return nil
}

// rebuild rescans the store after a restart: every active swap is
// re-evaluated and its deadline timer re-armed. Timers are persisted only
// as deadlines on swaps, so this is the whole recovery story.
func (c *Coordinator) rebuild(ctx context.Context) error {
	active, err := c.store.ActiveSwaps(ctx)
	if err != nil {
		return err
	}
	for _, record := range active {
		if earliest := record.EarliestDeadlineMS(); earliest > 0 {
			c.timers.Schedule(record.ID, earliest+1, "deadline")
		}
		c.dispatch(record.ID)
	}
	expired, err := c.store.SwapsByPhase(ctx, swap.PhaseExpired)
	if err != nil {
		return err
	}
	for _, record := range expired {
		// Expired swaps may still owe refunds.
		c.dispatch(record.ID)
	}
	c.log.Info("timer wheel rebuilt", "active", len(active), "expired", len(expired))
	return nil
}

// maintain runs the housekeeping loop: terminal-swap retention and the
// per-phase population gauge.
func (c *Coordinator) maintain(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		cutoff := c.now().Add(-c.cfg.Retention.Duration).UnixMilli()
		if purged, err := c.store.PurgeTerminalBefore(ctx, cutoff); err != nil {
			c.log.Warn("retention purge", "error", err.Error())
		} else if purged > 0 {
			c.log.Info("terminal swaps purged", "count", purged)
		}
		for _, phase := range []swap.Phase{swap.PhasePending, swap.PhaseOneSideLocked, swap.PhaseBothLocked, swap.PhaseRevealed, swap.PhaseCompleted, swap.PhaseExpired, swap.PhaseFailed} {
			records, err := c.store.SwapsByPhase(ctx, phase)
			if err != nil {
				continue
			}
			c.metrics.SetPhaseCount(phase.String(), float64(len(records)))
		}
	}
}

// ForceRefund satisfies the admin server's Refunder by delegating to the
// engine.
func (c *Coordinator) ForceRefund(ctx context.Context, swapID string) error {
	return c.engine.ForceRefund(ctx, swapID)
}

// CreateSwap pairs two already-on-chain escrows by operator request
// instead of waiting for event correlation. The swap id is derived from
// both escrow ids and the shared digest, so repeated requests converge on
// the same record. The escrows must form a legal pair and honour the
// network's deadline safety margin.
func (c *Coordinator) CreateSwap(ctx context.Context, aEscrowID, bEscrowID string) (*swap.Swap, error) {
	aSnap, err := c.adapters[swap.LedgerEVM].GetEscrow(ctx, aEscrowID)
	if err != nil {
		return nil, fmt.Errorf("load %s escrow: %w", swap.LedgerEVM, err)
	}
	bSnap, err := c.adapters[swap.LedgerSui].GetEscrow(ctx, bEscrowID)
	if err != nil {
		return nil, fmt.Errorf("load %s escrow: %w", swap.LedgerSui, err)
	}
	if err := swap.ValidPair(aSnap, bSnap); err != nil {
		return nil, err
	}
	if err := swap.CheckTimelocks(aSnap, bSnap, c.safetyMarginMS); err != nil {
		return nil, err
	}

	// The correlator may already track one of these escrows under its
	// event-derived key; attach to that record rather than forking a
	// second swap for the same digest.
	if existing, err := c.store.SwapByDigest(ctx, aSnap.Digest); err == nil && !existing.Phase.Terminal() {
		return existing, nil
	} else if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	id := swap.DeriveSwapID(aSnap.ID, bSnap.ID, aSnap.Digest)
	nowMS := c.now().UnixMilli()
	record := &swap.Swap{
		ID:        id,
		Digest:    aSnap.Digest,
		Algorithm: aSnap.Algorithm,
		Phase:     swap.PhasePending,
		CreatedMS: nowMS,
		UpdatedMS: nowMS,
	}
	record.SetSide(aSnap)
	record.SetSide(bSnap)
	if _, err := c.store.SaveSwap(ctx, record, 0); err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			// A concurrent request landed the same derived id first.
			return c.store.GetSwap(ctx, id)
		}
		return nil, err
	}
	if earliest := record.EarliestDeadlineMS(); earliest > 0 {
		c.timers.Schedule(record.ID, earliest+1, "deadline")
	}
	c.dispatch(record.ID)
	c.log.Info("swap created by operator", "swap", record.ID, "a_escrow", aSnap.ID, "b_escrow", bSnap.ID)
	return record, nil
}

// Health reports store reachability, ledger connectivity, and ingestion
// lag for /healthz.
func (c *Coordinator) Health(ctx context.Context) server.HealthReport {
	report := server.HealthReport{Healthy: true, Ledgers: map[string]server.LedgerHealth{}}
	if err := c.store.Ping(ctx); err != nil {
		report.Healthy = false
	} else {
		report.Store = true
	}
	for ledger, chain := range c.adapters {
		health := server.LedgerHealth{}
		head, err := chain.Head(ctx)
		if err == nil {
			health.Reachable = true
			health.Head = head
			if cursor, cerr := c.store.Cursor(ctx, ledger); cerr == nil && head >= cursor.Height {
				health.CursorLag = head - cursor.Height
			}
		} else {
			report.Healthy = false
		}
		report.Ledgers[string(ledger)] = health
	}
	return report
}

var _ server.HealthReporter = (*Coordinator)(nil)
var _ server.Refunder = (*Coordinator)(nil)
var _ server.SwapCreator = (*Coordinator)(nil)
