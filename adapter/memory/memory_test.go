package memory

import (
	"context"
	"math/big"
	"testing"
	"time"

	"swaprelay/adapter"
	"swaprelay/core/swap"
	"swaprelay/crypto/hashlock"
)

func fixedClock(ms int64) func() time.Time {
	return func() time.Time { return time.UnixMilli(ms) }
}

func lockParams(t *testing.T, seed byte) (hashlock.Secret, adapter.CreateEscrowParams) {
	t.Helper()
	var secret hashlock.Secret
	secret[0] = seed
	digest, err := hashlock.Compute(secret, hashlock.AlgSHA256)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	return secret, adapter.CreateEscrowParams{
		Token:        "usdc",
		Amount:       big.NewInt(250),
		Digest:       digest,
		Algorithm:    hashlock.AlgSHA256,
		Beneficiary:  "carol",
		LockDuration: time.Hour,
	}
}

func TestEscrowLifecycle(t *testing.T) {
	ctx := context.Background()
	now := int64(10_000)
	ledger := New(swap.LedgerEVM, func() time.Time { return time.UnixMilli(now) })
	secret, params := lockParams(t, 1)

	id, _, err := ledger.CreateEscrow(ctx, params)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Wrong preimage is refused, the right one claims.
	var wrong hashlock.Secret
	wrong[0] = 0xff
	if _, err := ledger.Withdraw(ctx, id, wrong); !adapter.IsCode(err, adapter.CodeInvalidSecret) {
		t.Fatalf("expected invalid secret, got %v", err)
	}
	if _, err := ledger.Withdraw(ctx, id, secret); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	// Replays converge on AlreadyProcessed.
	if _, err := ledger.Withdraw(ctx, id, secret); !adapter.IsCode(err, adapter.CodeAlreadyProcessed) {
		t.Fatalf("expected already processed, got %v", err)
	}
	if _, err := ledger.Refund(ctx, id); !adapter.IsCode(err, adapter.CodeAlreadyProcessed) {
		t.Fatalf("refund after withdraw must be already processed, got %v", err)
	}

	escrow, err := ledger.GetEscrow(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !escrow.Withdrawn || escrow.Refunded {
		t.Fatalf("terminal flags wrong: %+v", escrow)
	}
	if escrow.Secret == nil || *escrow.Secret != secret {
		t.Fatalf("revealed secret not recorded")
	}
}

func TestRefundRequiresExpiry(t *testing.T) {
	ctx := context.Background()
	now := int64(10_000)
	ledger := New(swap.LedgerEVM, func() time.Time { return time.UnixMilli(now) })
	_, params := lockParams(t, 2)
	id, _, err := ledger.CreateEscrow(ctx, params)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := ledger.Refund(ctx, id); !adapter.IsCode(err, adapter.CodeNotExpired) {
		t.Fatalf("expected not expired, got %v", err)
	}
	now += time.Hour.Milliseconds() + 1
	if _, err := ledger.Refund(ctx, id); err != nil {
		t.Fatalf("refund after expiry: %v", err)
	}
	var secret hashlock.Secret
	if _, err := ledger.Withdraw(ctx, id, secret); !adapter.IsCode(err, adapter.CodeAlreadyProcessed) {
		t.Fatalf("withdraw after refund must be already processed, got %v", err)
	}
}

func TestEventsAndDigestIndex(t *testing.T) {
	ctx := context.Background()
	ledger := New(swap.LedgerSui, fixedClock(1_000))
	secret, params := lockParams(t, 3)
	id, _, err := ledger.CreateEscrow(ctx, params)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := ledger.Withdraw(ctx, id, secret); err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	ids, err := ledger.FindEscrowsByDigest(ctx, params.Digest)
	if err != nil || len(ids) != 1 || ids[0] != id {
		t.Fatalf("digest index wrong: %v %v", ids, err)
	}

	events, next, err := ledger.EscrowEvents(ctx, swap.Cursor{Ledger: swap.LedgerSui}, 10)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 2 || events[0].Kind != swap.EventCreated || events[1].Kind != swap.EventWithdrawn {
		t.Fatalf("unexpected event stream: %+v", events)
	}
	if events[1].Secret == nil {
		t.Fatalf("withdrawn event missing secret")
	}
	// Resuming from the returned cursor delivers nothing new.
	more, _, err := ledger.EscrowEvents(ctx, next, 10)
	if err != nil || len(more) != 0 {
		t.Fatalf("cursor re-delivered events: %v %v", more, err)
	}
}

func TestRewindSignalsReorg(t *testing.T) {
	ctx := context.Background()
	ledger := New(swap.LedgerEVM, fixedClock(1_000))
	_, params := lockParams(t, 4)
	if _, _, err := ledger.CreateEscrow(ctx, params); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, next, err := ledger.EscrowEvents(ctx, swap.Cursor{Ledger: swap.LedgerEVM}, 10)
	if err != nil {
		t.Fatalf("events: %v", err)
	}

	ledger.Rewind(0)
	_, divergence, err := ledger.EscrowEvents(ctx, next, 10)
	if !adapter.IsCode(err, adapter.CodeReorg) {
		t.Fatalf("expected reorg signal, got %v", err)
	}
	if divergence.Height != 1 || divergence.Index != 0 {
		t.Fatalf("unexpected divergence: %+v", divergence)
	}
}
