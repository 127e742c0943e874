// Package correlate joins escrow events from both ledgers into swaps keyed
// by their shared digest and signals the engine when a swap needs
// re-evaluation.
package correlate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"swaprelay/core/swap"
	"swaprelay/crypto/hashlock"
	"swaprelay/observability"
	"swaprelay/observability/logging"
	"swaprelay/storage"
)

// PauseAmbiguousPairing marks a swap excluded from automated progression
// because more than two escrows claim its digest, or the claimed pair is
// not a legal A/B pair.
const PauseAmbiguousPairing = "ambiguous_pairing"

// maxConflictRetries bounds reload-and-redecide loops against racing
// coordinator instances.
const maxConflictRetries = 5

// Signal is invoked with the affected swap id after a correlation decision
// landed durably.
type Signal func(swapID string)

// Correlator applies canonical escrow events to the swap table.
type Correlator struct {
	store   *storage.Store
	signal  Signal
	log     *slog.Logger
	metrics *observability.CoordinatorMetrics
	now     func() time.Time
}

// New builds a correlator. signal may be nil when nobody listens (tests).
func New(store *storage.Store, signal Signal, log *slog.Logger, metrics *observability.CoordinatorMetrics, now func() time.Time) *Correlator {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = slog.Default()
	}
	if signal == nil {
		signal = func(string) {}
	}
	return &Correlator{store: store, signal: signal, log: log, metrics: metrics, now: now}
}

// HandleEvent applies one event. Replays are absorbed; the cursor always
// advances atomically with whatever state the event produced.
func (c *Correlator) HandleEvent(ctx context.Context, raw *swap.EscrowEvent) error {
	ev, err := raw.Sanitize()
	if err != nil {
		return fmt.Errorf("correlate: %w", err)
	}
	seen, err := c.store.SeenEvent(ctx, ev)
	if err != nil {
		return err
	}
	if seen {
		return c.store.RecordEvent(ctx, ev)
	}
	c.metrics.ObserveEvent(string(ev.Ledger), ev.Kind.String())

	for attempt := 0; ; attempt++ {
		var swapID string
		switch ev.Kind {
		case swap.EventCreated:
			swapID, err = c.applyCreated(ctx, ev)
		case swap.EventWithdrawn:
			swapID, err = c.applyWithdrawn(ctx, ev)
		case swap.EventRefunded:
			swapID, err = c.applyRefunded(ctx, ev)
		}
		if errors.Is(err, storage.ErrVersionConflict) && attempt < maxConflictRetries {
			continue
		}
		if err != nil {
			return err
		}
		if swapID != "" {
			c.signal(swapID)
		}
		return nil
	}
}

func (c *Correlator) applyCreated(ctx context.Context, ev *swap.EscrowEvent) (string, error) {
	escrow, err := swap.EscrowFromCreated(ev)
	if err != nil {
		return "", err
	}
	record, err := c.store.SwapByDigest(ctx, ev.Digest)
	if errors.Is(err, storage.ErrNotFound) {
		fresh := &swap.Swap{
			ID:        swap.ProvisionalSwapID(ev.Ledger, ev.EscrowID, ev.Digest),
			Digest:    ev.Digest,
			Algorithm: ev.Algorithm,
			Phase:     swap.PhasePending,
			CreatedMS: c.now().UnixMilli(),
			UpdatedMS: c.now().UnixMilli(),
		}
		fresh.SetSide(escrow)
		if _, err := c.store.UpsertSwapAndAppendEvent(ctx, fresh, ev, 0); err != nil {
			if errors.Is(err, storage.ErrVersionConflict) {
				// Another instance created it first; reload and attach.
				return "", storage.ErrVersionConflict
			}
			return "", err
		}
		c.log.Info("swap opened", "swap", fresh.ID, "ledger", string(ev.Ledger), "escrow", ev.EscrowID)
		return fresh.ID, nil
	}
	if err != nil {
		return "", err
	}

	existing := record.Side(ev.Ledger)
	switch {
	case existing != nil && existing.ID == escrow.ID:
		// Same escrow observed again, e.g. after a rewind.
	case record.Paired(), existing != nil:
		// A third escrow claims this digest; exclude the swap from
		// automated progression until an operator decides.
		record.PauseReason = PauseAmbiguousPairing
		c.metrics.ObserveAmbiguousPairing()
		c.log.Warn("ambiguous pairing", "swap", record.ID, "ledger", string(ev.Ledger), "escrow", ev.EscrowID)
	default:
		other := record.Side(ev.Ledger.Other())
		if err := swap.ValidPair(other, escrow); err != nil {
			record.PauseReason = PauseAmbiguousPairing
			c.metrics.ObserveAmbiguousPairing()
			c.log.Warn("illegal pairing", "swap", record.ID, "error", err.Error())
		} else {
			record.SetSide(escrow)
			c.log.Info("swap paired", "swap", record.ID, "ledger", string(ev.Ledger), "escrow", ev.EscrowID)
		}
	}
	record.UpdatedMS = c.now().UnixMilli()
	if _, err := c.store.UpsertSwapAndAppendEvent(ctx, record, ev, record.Version); err != nil {
		return "", err
	}
	return record.ID, nil
}

func (c *Correlator) applyWithdrawn(ctx context.Context, ev *swap.EscrowEvent) (string, error) {
	record, err := c.store.SwapByDigest(ctx, ev.Digest)
	if errors.Is(err, storage.ErrNotFound) {
		record, err = c.swapByEscrow(ctx, ev)
	}
	if errors.Is(err, storage.ErrNotFound) {
		c.log.Warn("withdrawal for unknown swap", "ledger", string(ev.Ledger), "escrow", ev.EscrowID)
		return "", c.store.RecordEvent(ctx, ev)
	}
	if err != nil {
		return "", err
	}
	side := record.Side(ev.Ledger)
	if side == nil || side.ID != ev.EscrowID {
		c.log.Warn("withdrawal for unmatched escrow", "swap", record.ID, "escrow", ev.EscrowID)
		return "", c.store.RecordEvent(ctx, ev)
	}
	side.Withdrawn = true
	side.Refunded = false
	side.Secret = ev.Secret
	if ev.Secret != nil {
		reveal := &swap.Reveal{
			SwapID:       record.ID,
			Digest:       record.Digest,
			Secret:       *ev.Secret,
			SourceLedger: ev.Ledger,
			SourceTxRef:  ev.TxRef,
			ObservedMS:   ev.ObservedMS,
		}
		if err := c.store.InsertReveal(ctx, reveal); err != nil {
			return "", err
		}
	}
	record.UpdatedMS = c.now().UnixMilli()
	if _, err := c.store.UpsertSwapAndAppendEvent(ctx, record, ev, record.Version); err != nil {
		return "", err
	}
	c.log.Info("reveal observed", "swap", record.ID, "ledger", string(ev.Ledger),
		logging.MaskField("secret", redactedSecret(ev.Secret)))
	return record.ID, nil
}

func redactedSecret(s *hashlock.Secret) string {
	if s == nil {
		return ""
	}
	return s.Redacted()
}

func (c *Correlator) applyRefunded(ctx context.Context, ev *swap.EscrowEvent) (string, error) {
	record, err := c.store.SwapByDigest(ctx, ev.Digest)
	if errors.Is(err, storage.ErrNotFound) {
		record, err = c.swapByEscrow(ctx, ev)
	}
	if errors.Is(err, storage.ErrNotFound) {
		c.log.Warn("refund for unknown swap", "ledger", string(ev.Ledger), "escrow", ev.EscrowID)
		return "", c.store.RecordEvent(ctx, ev)
	}
	if err != nil {
		return "", err
	}
	side := record.Side(ev.Ledger)
	if side == nil || side.ID != ev.EscrowID {
		return "", c.store.RecordEvent(ctx, ev)
	}
	if !side.Withdrawn {
		side.Refunded = true
	}
	record.UpdatedMS = c.now().UnixMilli()
	if _, err := c.store.UpsertSwapAndAppendEvent(ctx, record, ev, record.Version); err != nil {
		return "", err
	}
	c.log.Info("refund observed", "swap", record.ID, "ledger", string(ev.Ledger))
	return record.ID, nil
}

// HandleRewind reconciles active swaps after the ledger's cursor was
// rewound: a side whose creation no longer appears in the event log is
// detached; a swap left with no side is removed. No on-chain action runs
// during the window of uncertainty, the swap simply drops back to Pending
// until the replacement history re-pairs it.
func (c *Correlator) HandleRewind(ctx context.Context, ledger swap.Ledger) error {
	active, err := c.store.ActiveSwaps(ctx)
	if err != nil {
		return err
	}
	for _, record := range active {
		side := record.Side(ledger)
		if side == nil || side.Terminal() {
			continue
		}
		confirmed, err := c.store.HasCreatedEvent(ctx, ledger, side.ID)
		if err != nil {
			return err
		}
		if confirmed {
			continue
		}
		other := record.Side(ledger.Other())
		if other == nil {
			if err := c.store.DeleteSwap(ctx, record.ID); err != nil {
				return err
			}
			c.log.Warn("swap dropped after rewind", "swap", record.ID, "ledger", string(ledger))
			continue
		}
		if err := c.store.DeleteEscrow(ctx, ledger, side.ID); err != nil {
			return err
		}
		switch ledger {
		case swap.LedgerEVM:
			record.AEscrow = nil
		case swap.LedgerSui:
			record.BEscrow = nil
		}
		record.Phase = swap.PhasePending
		record.UpdatedMS = c.now().UnixMilli()
		if _, err := c.store.SaveSwap(ctx, record, record.Version); err != nil && !errors.Is(err, storage.ErrVersionConflict) {
			return err
		}
		c.log.Warn("swap demoted after rewind", "swap", record.ID, "ledger", string(ledger))
		c.signal(record.ID)
	}
	return nil
}

// swapByEscrow resolves withdraw/refund events that arrive without a digest
// (object-model events may omit it) by the escrow's recorded pairing.
func (c *Correlator) swapByEscrow(ctx context.Context, ev *swap.EscrowEvent) (*swap.Swap, error) {
	active, err := c.store.ActiveSwaps(ctx)
	if err != nil {
		return nil, err
	}
	for _, record := range active {
		side := record.Side(ev.Ledger)
		if side != nil && side.ID == ev.EscrowID {
			return record, nil
		}
	}
	return nil, storage.ErrNotFound
}
