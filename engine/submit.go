package engine

import (
	"context"
	"fmt"
	"time"

	"swaprelay/adapter"
	"swaprelay/core/swap"
	"swaprelay/crypto/hashlock"
)

// withdrawSide claims one escrow with the revealed preimage, retrying
// transient failures with backoff. Typed non-retryable failures pass
// through to the state machine.
func (e *Engine) withdrawSide(ctx context.Context, record *swap.Swap, side *swap.Escrow, secret hashlock.Secret) (adapter.TxResult, error) {
	chain, ok := e.adapters[side.Ledger]
	if !ok {
		return adapter.TxResult{}, fmt.Errorf("no adapter for ledger %s", side.Ledger)
	}
	return e.submitWithRetry(ctx, side.Ledger, "withdraw", func(ctx context.Context) (adapter.TxResult, error) {
		return chain.Withdraw(ctx, side.ID, secret)
	})
}

// refundSide returns one expired escrow to its owner. AlreadyProcessed and
// a vanished escrow both read as settled; the snapshot decides which
// terminal flag the side actually carries.
func (e *Engine) refundSide(ctx context.Context, record *swap.Swap, side *swap.Escrow) error {
	chain, ok := e.adapters[side.Ledger]
	if !ok {
		return fmt.Errorf("no adapter for ledger %s", side.Ledger)
	}
	result, err := e.submitWithRetry(ctx, side.Ledger, "refund", func(ctx context.Context) (adapter.TxResult, error) {
		return chain.Refund(ctx, side.ID)
	})
	if err != nil {
		// AlreadyProcessed means a racing actor settled the side; a
		// vanished escrow means the contract destroyed itself after
		// settling. Both read as terminal.
		if adapter.IsCode(err, adapter.CodeAlreadyProcessed) || adapter.IsCode(err, adapter.CodeNotFound) {
			e.settleFromChain(ctx, chain, side)
			return nil
		}
		return err
	}
	side.Refunded = true
	record.LastError = ""
	record.RetryCount = 0
	e.log.Info("refund confirmed", "swap", record.ID, "ledger", string(side.Ledger), "tx", result.TxRef)
	return nil
}

// settleFromChain copies the terminal flags from the on-chain view after a
// racing actor finished the side first. A vanished escrow (the contracts
// may destroy themselves after completion) counts as refunded here; a
// later Withdrawn event corrects the record if the race was a claim.
func (e *Engine) settleFromChain(ctx context.Context, chain adapter.Adapter, side *swap.Escrow) {
	snapshot, err := chain.GetEscrow(ctx, side.ID)
	if err != nil {
		side.Refunded = !side.Withdrawn
		return
	}
	side.Withdrawn = snapshot.Withdrawn
	side.Refunded = snapshot.Refunded
	if snapshot.Secret != nil {
		side.Secret = snapshot.Secret
	}
}

// submitWithRetry runs the submit under the ledger's rate limit, retrying
// retryable failures with exponential backoff (base 2, ±25% jitter,
// capped). Non-retryable failures return immediately.
func (e *Engine) submitWithRetry(ctx context.Context, ledger swap.Ledger, op string, fn func(ctx context.Context) (adapter.TxResult, error)) (adapter.TxResult, error) {
	var lastErr error
	for attempt := 0; attempt < e.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			e.metrics.ObserveRetry(string(ledger), op)
			if err := e.sleep(ctx, e.backoffDelay(attempt)); err != nil {
				return adapter.TxResult{}, err
			}
		}
		if err := e.throttle(ctx, ledger); err != nil {
			return adapter.TxResult{}, err
		}
		started := time.Now()
		result, err := fn(ctx)
		e.metrics.ObserveAction(string(ledger), op, time.Since(started))
		if err == nil {
			return result, nil
		}
		e.metrics.ObserveAdapterError(string(ledger), op, string(adapter.CodeOf(err)))
		if !adapter.Retryable(err) {
			return adapter.TxResult{}, err
		}
		lastErr = err
	}
	return adapter.TxResult{}, lastErr
}

// backoffDelay computes base * 2^(attempt-1) with ±25% jitter, capped at
// the configured maximum.
func (e *Engine) backoffDelay(attempt int) time.Duration {
	delay := e.cfg.BaseBackoff << uint(attempt-1)
	if delay > e.cfg.MaxBackoff || delay <= 0 {
		delay = e.cfg.MaxBackoff
	}
	factor := 0.75 + 0.5*e.jitter()
	jittered := time.Duration(float64(delay) * factor)
	if jittered > e.cfg.MaxBackoff {
		jittered = e.cfg.MaxBackoff
	}
	return jittered
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
