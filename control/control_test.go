package control

import (
	"context"
	"math/big"
	"testing"
	"time"

	"swaprelay/adapter"
	"swaprelay/adapter/memory"
	"swaprelay/config"
	"swaprelay/core/swap"
	"swaprelay/crypto/hashlock"
	"swaprelay/observability"
	"swaprelay/storage"
)

func testConfig() config.Config {
	cfg := config.Config{
		Network:      config.NetworkDevnet,
		DatabasePath: "unused",
		AdminToken:   "token",
		Workers:      4,
	}
	cfg.EVM.Endpoint = "stub"
	cfg.EVM.Contract = "stub"
	cfg.EVM.PollInterval.Duration = 10 * time.Millisecond
	cfg.EVM.ResolverStake = "1000"
	cfg.Sui.Endpoint = "stub"
	cfg.Sui.Registry = "stub"
	cfg.Sui.PollInterval.Duration = 10 * time.Millisecond
	cfg.Retention.Duration = time.Hour
	return cfg
}

func newCoordinator(t *testing.T) (*Coordinator, *storage.Store, *memory.Ledger, *memory.Ledger) {
	t.Helper()
	store, err := storage.Open(storage.MemoryDSN(t.Name()))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	a := memory.New(swap.LedgerEVM, nil)
	b := memory.New(swap.LedgerSui, nil)
	coordinator, err := New(testConfig(), store, map[swap.Ledger]adapter.Adapter{
		swap.LedgerEVM: a,
		swap.LedgerSui: b,
	}, nil, Options{SkipServer: true, Metrics: observability.Coordinator()})
	if err != nil {
		t.Fatalf("wire coordinator: %v", err)
	}
	return coordinator, store, a, b
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached within %v", timeout)
}

func TestLifecycleDrivesSwapFromEventsToCompletion(t *testing.T) {
	coordinator, store, a, b := newCoordinator(t)
	ctx := context.Background()

	var secret hashlock.Secret
	secret[0] = 0x5a
	digest, err := hashlock.Compute(secret, hashlock.AlgSHA256)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}

	if err := coordinator.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer coordinator.Stop()

	// Resolver stake was bonded on the ledger that requires it.
	if a.Staked() == nil || a.Staked().Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("resolver stake not bonded: %v", a.Staked())
	}

	a.Seed(&swap.Escrow{
		ID:          "0xaaa1",
		Owner:       "alice",
		Beneficiary: "resolver",
		Amount:      big.NewInt(1000),
		Digest:      digest,
		Algorithm:   hashlock.AlgSHA256,
		StartMS:     time.Now().UnixMilli(),
		DurationMS:  (3 * time.Hour).Milliseconds(),
	})
	b.Seed(&swap.Escrow{
		ID:          "0xbbb1",
		Owner:       "bob",
		Beneficiary: "alice",
		Amount:      big.NewInt(1_000_000_000),
		Digest:      digest,
		Algorithm:   hashlock.AlgSHA256,
		StartMS:     time.Now().UnixMilli(),
		DurationMS:  (150 * time.Minute).Milliseconds(),
	})

	waitFor(t, 2*time.Second, func() bool {
		record, err := store.SwapByDigest(ctx, digest)
		return err == nil && record.Phase == swap.PhaseBothLocked
	})

	// Alice reveals on the Sui side; the coordinator claims the EVM side.
	if _, err := b.Withdraw(ctx, "0xbbb1", secret); err != nil {
		t.Fatalf("reveal withdraw: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		record, err := store.SwapByDigest(ctx, digest)
		return err == nil && record.Phase == swap.PhaseCompleted
	})

	report := coordinator.Health(ctx)
	if !report.Healthy || !report.Store {
		t.Fatalf("unhealthy report: %+v", report)
	}
}

func TestOperatorCreateSwapPairsOnChainEscrows(t *testing.T) {
	coordinator, store, a, b := newCoordinator(t)
	ctx := context.Background()

	var secret hashlock.Secret
	secret[0] = 0x5c
	digest, err := hashlock.Compute(secret, hashlock.AlgSHA256)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	a.Seed(&swap.Escrow{
		ID:          "0xaaa1",
		Owner:       "alice",
		Beneficiary: "resolver",
		Amount:      big.NewInt(1000),
		Digest:      digest,
		Algorithm:   hashlock.AlgSHA256,
		StartMS:     time.Now().UnixMilli(),
		DurationMS:  (3 * time.Hour).Milliseconds(),
	})
	b.Seed(&swap.Escrow{
		ID:          "0xbbb1",
		Owner:       "bob",
		Beneficiary: "alice",
		Amount:      big.NewInt(1_000_000_000),
		Digest:      digest,
		Algorithm:   hashlock.AlgSHA256,
		StartMS:     time.Now().UnixMilli(),
		DurationMS:  (150 * time.Minute).Milliseconds(),
	})

	record, err := coordinator.CreateSwap(ctx, "0xaaa1", "0xbbb1")
	if err != nil {
		t.Fatalf("create swap: %v", err)
	}
	want := swap.DeriveSwapID("0xaaa1", "0xbbb1", digest)
	if record.ID != want {
		t.Fatalf("swap id not content-addressed: %s != %s", record.ID, want)
	}
	if !record.Paired() {
		t.Fatalf("operator-created swap must carry both sides: %+v", record)
	}

	// Repeating the request converges on the same swap.
	again, err := coordinator.CreateSwap(ctx, "0xaaa1", "0xbbb1")
	if err != nil {
		t.Fatalf("repeat create: %v", err)
	}
	if again.ID != record.ID {
		t.Fatalf("repeat created a second swap: %s vs %s", again.ID, record.ID)
	}

	// The dispatched evaluation advances the pair through policy checks.
	waitFor(t, 2*time.Second, func() bool {
		reloaded, err := store.GetSwap(ctx, record.ID)
		return err == nil && reloaded.Phase == swap.PhaseBothLocked
	})

	// Escrows that violate the pairing rules are refused outright.
	var otherSecret hashlock.Secret
	otherSecret[0] = 0x5d
	otherDigest, err := hashlock.Compute(otherSecret, hashlock.AlgSHA256)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	b.Seed(&swap.Escrow{
		ID:         "0xbbb2",
		Owner:      "bob",
		Amount:     big.NewInt(1),
		Digest:     otherDigest,
		Algorithm:  hashlock.AlgSHA256,
		StartMS:    time.Now().UnixMilli(),
		DurationMS: time.Hour.Milliseconds(),
	})
	if _, err := coordinator.CreateSwap(ctx, "0xaaa1", "0xbbb2"); err == nil {
		t.Fatalf("digest mismatch accepted")
	}
}

func TestRestartRebuildsTimersFromStore(t *testing.T) {
	coordinator, store, _, _ := newCoordinator(t)
	ctx := context.Background()

	var secret hashlock.Secret
	secret[0] = 0x5b
	digest, err := hashlock.Compute(secret, hashlock.AlgSHA256)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	// A swap persisted by a previous incarnation, its deadline long past.
	record := &swap.Swap{
		ID:        swap.ProvisionalSwapID(swap.LedgerEVM, "old-escrow", digest),
		Digest:    digest,
		Algorithm: hashlock.AlgSHA256,
		Phase:     swap.PhaseOneSideLocked,
		CreatedMS: 1,
		UpdatedMS: 1,
	}
	record.SetSide(&swap.Escrow{
		ID:         "old-escrow",
		Ledger:     swap.LedgerEVM,
		Owner:      "alice",
		Amount:     big.NewInt(5),
		Digest:     digest,
		Algorithm:  hashlock.AlgSHA256,
		StartMS:    1,
		DurationMS: (20 * time.Minute).Milliseconds(),
	})
	if _, err := store.SaveSwap(ctx, record, 0); err != nil {
		t.Fatalf("persist old swap: %v", err)
	}

	if err := coordinator.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer coordinator.Stop()

	// The rebuilt evaluation notices the crossed deadline and expires the
	// swap; the escrow vanished on-chain so the refund settles as done.
	waitFor(t, 2*time.Second, func() bool {
		reloaded, err := store.GetSwap(ctx, record.ID)
		return err == nil && reloaded.Phase == swap.PhaseExpired
	})
}
