// Package engine drives the per-swap state machine: it reacts to correlator
// signals and timer firings, submits claims and refunds through the chain
// adapters, and never advances a swap except on observable on-chain facts.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"swaprelay/adapter"
	"swaprelay/core/swap"
	"swaprelay/observability"
	"swaprelay/sched"
	"swaprelay/storage"
)

// Policy bounds what the engine accepts before it arms a swap for
// automated progression.
type Policy struct {
	// SafetyMarginMS is the minimum deadline gap between the two sides.
	SafetyMarginMS int64
	// MinTimeoutMS is the minimum lock duration either side may carry.
	MinTimeoutMS int64
	// MinAmount and MaxAmount bound escrow amounts; nil means unbounded.
	MinAmount *big.Int
	MaxAmount *big.Int
	// FeeBps is the resolver fee in basis points, used for accounting.
	FeeBps int
}

// Config tunes retries and escalation.
type Config struct {
	Policy      Policy
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// RefundHorizon bounds how long an Expired swap may keep failing to
	// reach refunded sides before it escalates to Failed.
	RefundHorizon time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.RefundHorizon <= 0 {
		c.RefundHorizon = 6 * time.Hour
	}
}

// Engine owns swap progression. All public entry points serialize on the
// swap id, so at most one action is in flight per swap.
type Engine struct {
	store    *storage.Store
	adapters map[swap.Ledger]adapter.Adapter
	locks    *sched.KeyedLocks
	timers   *sched.TimerWheel
	limits   *sched.Limiters
	cfg      Config
	log      *slog.Logger
	metrics  *observability.CoordinatorMetrics
	now      func() time.Time
	jitter   func() float64
}

// New wires the engine. timers and limits may be nil in unit tests.
func New(store *storage.Store, adapters map[swap.Ledger]adapter.Adapter, timers *sched.TimerWheel, limits *sched.Limiters, cfg Config, log *slog.Logger, metrics *observability.CoordinatorMetrics, now func() time.Time) *Engine {
	cfg.applyDefaults()
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		store:    store,
		adapters: adapters,
		locks:    sched.NewKeyedLocks(),
		timers:   timers,
		limits:   limits,
		cfg:      cfg,
		log:      log,
		metrics:  metrics,
		now:      now,
		jitter:   rand.Float64,
	}
}

// Evaluate re-runs the swap's state machine until no further transition
// applies. Safe to call from multiple triggers; racing store writers make
// the loser reload and re-decide.
func (e *Engine) Evaluate(ctx context.Context, swapID string) {
	e.locks.Do(swapID, func() {
		if err := e.evaluate(ctx, swapID); err != nil {
			e.log.Error("evaluate swap", "swap", swapID, "error", err.Error())
		}
	})
}

func (e *Engine) evaluate(ctx context.Context, swapID string) error {
	for {
		record, err := e.store.GetSwap(ctx, swapID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if record.Phase.Terminal() && record.Phase != swap.PhaseExpired {
			return nil
		}
		if record.PauseReason != "" {
			return nil
		}
		changed, err := e.step(ctx, record)
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}
		record.UpdatedMS = e.now().UnixMilli()
		if _, err := e.store.SaveSwap(ctx, record, record.Version); err != nil {
			if errors.Is(err, storage.ErrVersionConflict) {
				// Another instance landed first; reload and re-decide.
				continue
			}
			return err
		}
	}
}

// ForceRefund schedules refunds for every still-locked side whose deadline
// has passed, regardless of pause state or automated policy.
func (e *Engine) ForceRefund(ctx context.Context, swapID string) error {
	var out error
	e.locks.Do(swapID, func() {
		record, err := e.store.GetSwap(ctx, swapID)
		if err != nil {
			out = err
			return
		}
		nowMS := e.now().UnixMilli()
		acted := false
		for _, side := range record.Sides() {
			if side.Terminal() || nowMS <= side.DeadlineMS() {
				continue
			}
			if err := e.refundSide(ctx, record, side); err != nil {
				out = err
				return
			}
			acted = true
		}
		if !acted {
			out = fmt.Errorf("no refundable side: deadlines not passed or already terminal")
			return
		}
		record.UpdatedMS = nowMS
		if _, err := e.store.SaveSwap(ctx, record, record.Version); err != nil && !errors.Is(err, storage.ErrVersionConflict) {
			out = err
		}
	})
	return out
}

// incident surfaces an unrecoverable condition to the operator.
func (e *Engine) incident(record *swap.Swap, reason, detail string) {
	id := uuid.NewString()
	record.LastError = fmt.Sprintf("incident %s: %s: %s", id, reason, detail)
	e.metrics.ObserveIncident(reason)
	e.log.Error("incident opened", "incident", id, "swap", record.ID, "reason", reason, "detail", detail)
}

func (e *Engine) schedule(swapID string, atMS int64, reason string) {
	if e.timers == nil {
		return
	}
	e.timers.Schedule(swapID, atMS, reason)
}

func (e *Engine) throttle(ctx context.Context, ledger swap.Ledger) error {
	if e.limits == nil {
		return nil
	}
	return e.limits.Wait(ctx, ledger)
}
