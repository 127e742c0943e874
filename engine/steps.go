package engine

import (
	"context"
	"fmt"

	"swaprelay/adapter"
	"swaprelay/core/swap"
	"swaprelay/crypto/hashlock"
	"swaprelay/sched"
)

// step applies at most one transition and reports whether the record
// changed. Transitions are never skipped: a BothLocked swap reaches
// Completed only through Revealed, one persisted step at a time.
func (e *Engine) step(ctx context.Context, record *swap.Swap) (bool, error) {
	switch record.Phase {
	case swap.PhasePending:
		return e.stepPending(record)
	case swap.PhaseOneSideLocked:
		return e.stepOneSideLocked(record)
	case swap.PhaseBothLocked:
		return e.stepBothLocked(ctx, record)
	case swap.PhaseRevealed:
		return e.stepRevealed(ctx, record)
	case swap.PhaseExpired:
		return e.stepExpired(ctx, record)
	default:
		return false, nil
	}
}

func (e *Engine) stepPending(record *swap.Swap) (bool, error) {
	if len(record.Sides()) == 0 {
		return false, nil
	}
	record.Phase = swap.PhaseOneSideLocked
	return true, nil
}

// stepOneSideLocked verifies policy on the known side(s); a violation ends
// the swap before any capital moves. With both sides present and legal the
// swap arms its deadline timers.
func (e *Engine) stepOneSideLocked(record *swap.Swap) (bool, error) {
	for _, side := range record.Sides() {
		if err := e.checkPolicy(record, side); err != nil {
			record.Phase = swap.PhaseFailed
			e.incident(record, "policy_violation", err.Error())
			return true, nil
		}
	}
	if e.deadlineCrossed(record) {
		record.Phase = swap.PhaseExpired
		return true, nil
	}
	if !record.Paired() {
		e.scheduleDeadline(record)
		return false, nil
	}
	if err := swap.CheckTimelocks(record.AEscrow, record.BEscrow, e.cfg.Policy.SafetyMarginMS); err != nil {
		record.Phase = swap.PhaseFailed
		e.incident(record, "timelock_violation", err.Error())
		return true, nil
	}
	record.Phase = swap.PhaseBothLocked
	return true, nil
}

// stepBothLocked waits: the initiator side's owner must reveal first. The
// engine only arms timers here; progression comes from observed events.
func (e *Engine) stepBothLocked(ctx context.Context, record *swap.Swap) (bool, error) {
	if e.revealKnown(ctx, record) {
		record.Phase = swap.PhaseRevealed
		return true, nil
	}
	if e.deadlineCrossed(record) {
		record.Phase = swap.PhaseExpired
		return true, nil
	}
	e.scheduleDeadline(record)
	return false, nil
}

// stepRevealed re-verifies the preimage and drives the complementary
// withdrawal. AlreadyProcessed counts as success; InvalidSecret opens an
// incident and fails the swap without retry.
func (e *Engine) stepRevealed(ctx context.Context, record *swap.Swap) (bool, error) {
	secret, ok := e.revealedSecret(ctx, record)
	if !ok {
		// Revealed without a recoverable secret cannot progress.
		record.Phase = swap.PhaseFailed
		e.incident(record, "reveal_lost", "revealed phase without a stored preimage")
		return true, nil
	}
	if !hashlock.Verify(secret, record.Digest, record.Algorithm) {
		record.Phase = swap.PhaseFailed
		e.incident(record, "invalid_secret", "observed preimage does not match the swap digest")
		return true, nil
	}
	changed := false
	for _, side := range record.Sides() {
		if side.Terminal() {
			continue
		}
		result, err := e.withdrawSide(ctx, record, side, secret)
		if err != nil {
			switch adapter.CodeOf(err) {
			case adapter.CodeAlreadyProcessed, adapter.CodeNotFound:
				// Someone else (or the contract's auto-claim) landed the
				// same preimage first; a vanished escrow settled and
				// destroyed itself.
				side.Withdrawn = true
				revealed := secret
				side.Secret = &revealed
				changed = true
				continue
			case adapter.CodeInvalidSecret:
				record.Phase = swap.PhaseFailed
				e.incident(record, "invalid_secret", fmt.Sprintf("ledger %s rejected the preimage", side.Ledger))
				return true, nil
			case adapter.CodeExpired:
				// Lock ran out under us; the refund path takes over.
				record.Phase = swap.PhaseExpired
				return true, nil
			default:
				record.RetryCount++
				record.LastError = err.Error()
				e.schedule(record.ID, e.now().UnixMilli()+e.cfg.BaseBackoff.Milliseconds(), "withdraw-retry")
				return changed, nil
			}
		}
		side.Withdrawn = true
		revealed := secret
		side.Secret = &revealed
		record.LastError = ""
		record.RetryCount = 0
		changed = true
		e.log.Info("complementary withdraw confirmed", "swap", record.ID, "ledger", string(side.Ledger), "tx", result.TxRef)
	}
	if record.Paired() && record.AEscrow.Withdrawn && record.BEscrow.Withdrawn {
		record.Phase = swap.PhaseCompleted
		for _, side := range record.Sides() {
			net, fee := SplitFee(side.Amount, e.cfg.Policy.FeeBps)
			e.log.Info("swap side settled", "swap", record.ID, "ledger", string(side.Ledger),
				"net", net.String(), "fee", fee.String())
		}
		return true, nil
	}
	return changed, nil
}

// stepExpired refunds every still-locked side whose deadline has passed. A
// side not yet due is rescheduled just after its deadline; NotExpired
// retries one timer tick later; exhausting the refund horizon escalates to
// Failed.
func (e *Engine) stepExpired(ctx context.Context, record *swap.Swap) (bool, error) {
	nowMS := e.now().UnixMilli()
	allSettled := true
	changed := false
	for _, side := range record.Sides() {
		if side.Terminal() {
			continue
		}
		if nowMS <= side.DeadlineMS() {
			allSettled = false
			e.schedule(record.ID, side.DeadlineMS()+1, "refund-due")
			continue
		}
		if err := e.refundSide(ctx, record, side); err != nil {
			allSettled = false
			switch adapter.CodeOf(err) {
			case adapter.CodeNotExpired:
				// Chain clock lags ours; try again shortly after.
				e.schedule(record.ID, nowMS+sched.Resolution.Milliseconds(), "refund-not-expired")
			default:
				record.RetryCount++
				record.LastError = err.Error()
				e.schedule(record.ID, nowMS+e.cfg.BaseBackoff.Milliseconds(), "refund-retry")
			}
		} else {
			changed = true
		}
	}
	if !allSettled && nowMS > record.EarliestDeadlineMS()+e.cfg.RefundHorizon.Milliseconds() {
		record.Phase = swap.PhaseFailed
		e.incident(record, "refund_horizon", "sides still locked past the refund horizon")
		return true, nil
	}
	return changed, nil
}

func (e *Engine) checkPolicy(record *swap.Swap, side *swap.Escrow) error {
	if !side.Algorithm.Valid() {
		return fmt.Errorf("unsupported hash algorithm flag %d", side.Algorithm)
	}
	if side.Algorithm != record.Algorithm {
		return fmt.Errorf("side algorithm %s differs from swap algorithm %s", side.Algorithm, record.Algorithm)
	}
	if side.DurationMS < e.cfg.Policy.MinTimeoutMS {
		return fmt.Errorf("lock duration %dms below minimum %dms", side.DurationMS, e.cfg.Policy.MinTimeoutMS)
	}
	if e.cfg.Policy.MinAmount != nil && side.Amount.Cmp(e.cfg.Policy.MinAmount) < 0 {
		return fmt.Errorf("amount below policy minimum")
	}
	if e.cfg.Policy.MaxAmount != nil && side.Amount.Cmp(e.cfg.Policy.MaxAmount) > 0 {
		return fmt.Errorf("amount above policy maximum")
	}
	return nil
}

func (e *Engine) deadlineCrossed(record *swap.Swap) bool {
	earliest := record.EarliestDeadlineMS()
	return earliest > 0 && e.now().UnixMilli() > earliest
}

func (e *Engine) scheduleDeadline(record *swap.Swap) {
	earliest := record.EarliestDeadlineMS()
	if earliest > 0 {
		e.schedule(record.ID, earliest+1, "deadline")
	}
}

// revealKnown reports whether the preimage surfaced anywhere: a side
// observed withdrawn, or a reveal record persisted.
func (e *Engine) revealKnown(ctx context.Context, record *swap.Swap) bool {
	for _, side := range record.Sides() {
		if side.Withdrawn {
			return true
		}
	}
	if _, err := e.store.Reveal(ctx, record.ID); err == nil {
		return true
	}
	return false
}

func (e *Engine) revealedSecret(ctx context.Context, record *swap.Swap) (hashlock.Secret, bool) {
	for _, side := range record.Sides() {
		if side.Withdrawn && side.Secret != nil {
			return *side.Secret, true
		}
	}
	if reveal, err := e.store.Reveal(ctx, record.ID); err == nil {
		return reveal.Secret, true
	}
	return hashlock.Secret{}, false
}
