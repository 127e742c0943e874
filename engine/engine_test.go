package engine

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"swaprelay/adapter"
	"swaprelay/adapter/memory"
	"swaprelay/core/swap"
	"swaprelay/correlate"
	"swaprelay/crypto/hashlock"
	"swaprelay/observability"
	"swaprelay/storage"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	store *storage.Store
	a     *memory.Ledger
	b     *memory.Ledger
	eng   *Engine
	cor   *correlate.Correlator
	clock *fakeClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clock := &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
	store, err := storage.Open(storage.MemoryDSN(t.Name()))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	a := memory.New(swap.LedgerEVM, clock.Now)
	b := memory.New(swap.LedgerSui, clock.Now)
	adapters := map[swap.Ledger]adapter.Adapter{
		swap.LedgerEVM: a,
		swap.LedgerSui: b,
	}
	eng := New(store, adapters, nil, nil, Config{
		Policy: Policy{
			SafetyMarginMS: (30 * time.Minute).Milliseconds(),
			MinTimeoutMS:   (10 * time.Minute).Milliseconds(),
		},
		MaxAttempts: 3,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	}, nil, observability.Coordinator(), clock.Now)
	cor := correlate.New(store, nil, nil, observability.Coordinator(), clock.Now)
	return &testEnv{store: store, a: a, b: b, eng: eng, cor: cor, clock: clock}
}

// pump drains both ledgers' event logs into the correlator.
func (env *testEnv) pump(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for _, ledger := range []adapter.Adapter{env.a, env.b} {
		cursor, err := env.store.Cursor(ctx, ledger.Ledger())
		if err != nil {
			t.Fatalf("cursor: %v", err)
		}
		events, _, err := ledger.EscrowEvents(ctx, cursor, 100)
		if err != nil {
			t.Fatalf("events: %v", err)
		}
		for _, ev := range events {
			if err := env.cor.HandleEvent(ctx, ev); err != nil {
				t.Fatalf("handle event: %v", err)
			}
		}
	}
}

func (env *testEnv) secretAndDigest(t *testing.T) (hashlock.Secret, hashlock.Digest) {
	t.Helper()
	var secret hashlock.Secret
	copy(secret[:], []byte("alpha-secret-alpha-secret-alpha!"))
	digest, err := hashlock.Compute(secret, hashlock.AlgSHA256)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	return secret, digest
}

// lockBothSides seeds the canonical S1 setup: a 3h lock on the EVM side,
// a 2.5h lock on the Sui side, same digest.
func (env *testEnv) lockBothSides(t *testing.T, digest hashlock.Digest) (aID, bID, swapID string) {
	t.Helper()
	aEv := env.a.Seed(&swap.Escrow{
		ID:          "0xaaa1",
		Owner:       "alice",
		Beneficiary: "resolver",
		Token:       "usdc",
		Amount:      big.NewInt(1000),
		Digest:      digest,
		Algorithm:   hashlock.AlgSHA256,
		StartMS:     env.clock.Now().UnixMilli(),
		DurationMS:  (3 * time.Hour).Milliseconds(),
	})
	bEv := env.b.Seed(&swap.Escrow{
		ID:          "0xbbb1",
		Owner:       "bob",
		Beneficiary: "alice",
		Token:       "wsui",
		Amount:      big.NewInt(1_000_000_000),
		Digest:      digest,
		Algorithm:   hashlock.AlgSHA256,
		StartMS:     env.clock.Now().UnixMilli(),
		DurationMS:  (150 * time.Minute).Milliseconds(),
	})
	env.pump(t)
	record, err := env.store.SwapByDigest(context.Background(), digest)
	if err != nil {
		t.Fatalf("swap by digest: %v", err)
	}
	return aEv.EscrowID, bEv.EscrowID, record.ID
}

func (env *testEnv) phase(t *testing.T, swapID string) swap.Phase {
	t.Helper()
	record, err := env.store.GetSwap(context.Background(), swapID)
	if err != nil {
		t.Fatalf("load swap: %v", err)
	}
	return record.Phase
}

func TestHappyPathCompletesViaRevealed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	secret, digest := env.secretAndDigest(t)
	aID, bID, swapID := env.lockBothSides(t, digest)

	env.eng.Evaluate(ctx, swapID)
	if got := env.phase(t, swapID); got != swap.PhaseBothLocked {
		t.Fatalf("expected both_locked, got %s", got)
	}

	// Alice claims the Sui side, revealing the preimage on-chain.
	if _, err := env.b.Withdraw(ctx, bID, secret); err != nil {
		t.Fatalf("reveal withdraw: %v", err)
	}
	env.pump(t)
	env.eng.Evaluate(ctx, swapID)

	record, err := env.store.GetSwap(ctx, swapID)
	if err != nil {
		t.Fatalf("load swap: %v", err)
	}
	if record.Phase != swap.PhaseCompleted {
		t.Fatalf("expected completed, got %s", record.Phase)
	}
	if !record.AEscrow.Withdrawn || !record.BEscrow.Withdrawn {
		t.Fatalf("both sides must be withdrawn: a=%v b=%v", record.AEscrow.Withdrawn, record.BEscrow.Withdrawn)
	}
	// The completion invariant: a preimage matching the digest exists.
	if record.AEscrow.Secret == nil || !hashlock.Verify(*record.AEscrow.Secret, record.Digest, record.Algorithm) {
		t.Fatalf("completed swap without a verifying preimage")
	}
	aEscrow, err := env.a.GetEscrow(ctx, aID)
	if err != nil {
		t.Fatalf("a escrow: %v", err)
	}
	if !aEscrow.Withdrawn || aEscrow.Refunded {
		t.Fatalf("a side not claimed on-chain: %+v", aEscrow)
	}
}

func TestExpiryRefundsBothSides(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, digest := env.secretAndDigest(t)
	aID, bID, swapID := env.lockBothSides(t, digest)

	env.eng.Evaluate(ctx, swapID)

	// Past the Sui deadline but before the EVM one: only B refunds.
	env.clock.Advance(151 * time.Minute)
	env.eng.Evaluate(ctx, swapID)
	record, err := env.store.GetSwap(ctx, swapID)
	if err != nil {
		t.Fatalf("load swap: %v", err)
	}
	if record.Phase != swap.PhaseExpired {
		t.Fatalf("expected expired, got %s", record.Phase)
	}
	if !record.BEscrow.Refunded || record.AEscrow.Refunded {
		t.Fatalf("only the b side should be refunded yet: a=%v b=%v", record.AEscrow.Refunded, record.BEscrow.Refunded)
	}

	// Past the EVM deadline the remaining side refunds too.
	env.clock.Advance(31 * time.Minute)
	env.eng.Evaluate(ctx, swapID)
	record, err = env.store.GetSwap(ctx, swapID)
	if err != nil {
		t.Fatalf("load swap: %v", err)
	}
	if !record.AEscrow.Refunded || !record.BEscrow.Refunded {
		t.Fatalf("both sides must be refunded: a=%v b=%v", record.AEscrow.Refunded, record.BEscrow.Refunded)
	}
	for _, pair := range []struct {
		ledger *memory.Ledger
		id     string
	}{{env.a, aID}, {env.b, bID}} {
		escrow, err := pair.ledger.GetEscrow(ctx, pair.id)
		if err != nil {
			t.Fatalf("escrow: %v", err)
		}
		if !escrow.Refunded || escrow.Withdrawn {
			t.Fatalf("on-chain state mismatch: %+v", escrow)
		}
	}
}

func TestRevealRaceTreatsAlreadyProcessedAsSuccess(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	secret, digest := env.secretAndDigest(t)
	aID, bID, swapID := env.lockBothSides(t, digest)
	env.eng.Evaluate(ctx, swapID)

	// Alice reveals on B; an unrelated party lands the A claim first.
	if _, err := env.b.Withdraw(ctx, bID, secret); err != nil {
		t.Fatalf("reveal withdraw: %v", err)
	}
	env.pump(t)
	if _, err := env.a.Withdraw(ctx, aID, secret); err != nil {
		t.Fatalf("racing withdraw: %v", err)
	}
	env.eng.Evaluate(ctx, swapID)

	if got := env.phase(t, swapID); got != swap.PhaseCompleted {
		t.Fatalf("expected completed despite the race, got %s", got)
	}
}

func TestInvalidSecretFailsWithoutRetry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	secret, digest := env.secretAndDigest(t)
	_, bID, swapID := env.lockBothSides(t, digest)
	env.eng.Evaluate(ctx, swapID)

	attempts := 0
	env.a.SetHooks(memory.Hooks{
		Withdraw: func(string, hashlock.Secret) error {
			attempts++
			return adapter.NewError(swap.LedgerEVM, "withdraw", adapter.CodeInvalidSecret, nil)
		},
	})
	if _, err := env.b.Withdraw(ctx, bID, secret); err != nil {
		t.Fatalf("reveal withdraw: %v", err)
	}
	env.pump(t)
	env.eng.Evaluate(ctx, swapID)

	record, err := env.store.GetSwap(ctx, swapID)
	if err != nil {
		t.Fatalf("load swap: %v", err)
	}
	if record.Phase != swap.PhaseFailed {
		t.Fatalf("expected failed, got %s", record.Phase)
	}
	if attempts != 1 {
		t.Fatalf("invalid secret must not retry, saw %d attempts", attempts)
	}
	if record.LastError == "" {
		t.Fatalf("incident not surfaced on the swap record")
	}
}

func TestMismatchedPreimageNeverReachesChain(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, digest := env.secretAndDigest(t)
	_, _, swapID := env.lockBothSides(t, digest)
	env.eng.Evaluate(ctx, swapID)

	// A forged withdrawal event carries a preimage that does not hash to
	// the swap digest. The engine must re-verify before submitting.
	var wrong hashlock.Secret
	wrong[0] = 0xee
	forged := &swap.EscrowEvent{
		Kind:       swap.EventWithdrawn,
		Ledger:     swap.LedgerSui,
		EscrowID:   "0xbbb1",
		Digest:     digest,
		Secret:     &wrong,
		TxRef:      "forged-tx",
		EventIndex: 0,
		Height:     99,
		ObservedMS: env.clock.Now().UnixMilli(),
	}
	if err := env.cor.HandleEvent(ctx, forged); err != nil {
		t.Fatalf("handle forged event: %v", err)
	}
	submitted := false
	env.a.SetHooks(memory.Hooks{
		Withdraw: func(string, hashlock.Secret) error {
			submitted = true
			return nil
		},
	})
	env.eng.Evaluate(ctx, swapID)

	if got := env.phase(t, swapID); got != swap.PhaseFailed {
		t.Fatalf("expected failed, got %s", got)
	}
	if submitted {
		t.Fatalf("mismatched preimage reached the chain adapter")
	}
}

func TestSecondInstanceReconcilesAfterRace(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	secret, digest := env.secretAndDigest(t)
	_, bID, swapID := env.lockBothSides(t, digest)
	env.eng.Evaluate(ctx, swapID)

	if _, err := env.b.Withdraw(ctx, bID, secret); err != nil {
		t.Fatalf("reveal withdraw: %v", err)
	}
	env.pump(t)

	// A second coordinator instance against the same store and ledgers.
	other := New(env.store, map[swap.Ledger]adapter.Adapter{
		swap.LedgerEVM: env.a,
		swap.LedgerSui: env.b,
	}, nil, nil, Config{
		Policy:      Policy{SafetyMarginMS: (30 * time.Minute).Milliseconds(), MinTimeoutMS: (10 * time.Minute).Milliseconds()},
		MaxAttempts: 3,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	}, nil, observability.Coordinator(), env.clock.Now)

	// The first instance lands the withdraw and completes the swap; the
	// second loads the completed record and submits nothing.
	env.eng.Evaluate(ctx, swapID)
	other.Evaluate(ctx, swapID)

	if got := env.phase(t, swapID); got != swap.PhaseCompleted {
		t.Fatalf("expected completed after reconciliation, got %s", got)
	}
	aEscrow, err := env.a.GetEscrow(ctx, "0xaaa1")
	if err != nil {
		t.Fatalf("a escrow: %v", err)
	}
	if !aEscrow.Withdrawn {
		t.Fatalf("a side not claimed exactly once: %+v", aEscrow)
	}
}

func TestRestartResumesFromPersistedPhase(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	secret, digest := env.secretAndDigest(t)
	_, bID, swapID := env.lockBothSides(t, digest)
	env.eng.Evaluate(ctx, swapID)
	if _, err := env.b.Withdraw(ctx, bID, secret); err != nil {
		t.Fatalf("reveal withdraw: %v", err)
	}
	env.pump(t)

	// Simulate a crash: a brand-new engine picks up the persisted state
	// and drives the swap to the same terminal phase.
	restarted := New(env.store, map[swap.Ledger]adapter.Adapter{
		swap.LedgerEVM: env.a,
		swap.LedgerSui: env.b,
	}, nil, nil, Config{
		Policy:      Policy{SafetyMarginMS: (30 * time.Minute).Milliseconds(), MinTimeoutMS: (10 * time.Minute).Milliseconds()},
		MaxAttempts: 3,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	}, nil, observability.Coordinator(), env.clock.Now)
	restarted.Evaluate(ctx, swapID)

	if got := env.phase(t, swapID); got != swap.PhaseCompleted {
		t.Fatalf("expected completed after restart, got %s", got)
	}
}

func TestForceRefundRequiresPassedDeadline(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, digest := env.secretAndDigest(t)
	_, _, swapID := env.lockBothSides(t, digest)
	env.eng.Evaluate(ctx, swapID)

	if err := env.eng.ForceRefund(ctx, swapID); err == nil {
		t.Fatalf("force refund before any deadline must be rejected")
	}

	env.clock.Advance(151 * time.Minute)
	if err := env.eng.ForceRefund(ctx, swapID); err != nil {
		t.Fatalf("force refund: %v", err)
	}
	record, err := env.store.GetSwap(ctx, swapID)
	if err != nil {
		t.Fatalf("load swap: %v", err)
	}
	if !record.BEscrow.Refunded {
		t.Fatalf("expired side not refunded: %+v", record.BEscrow)
	}
}
