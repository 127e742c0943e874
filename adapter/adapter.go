package adapter

import (
	"context"
	"math/big"
	"time"

	"swaprelay/core/swap"
	"swaprelay/crypto/hashlock"
)

// CreateEscrowParams carries everything a ledger needs to open a hash-locked
// escrow. Amounts are in the ledger's smallest unit.
type CreateEscrowParams struct {
	Token        string
	Amount       *big.Int
	Digest       hashlock.Digest
	Algorithm    hashlock.Algorithm
	Beneficiary  string
	LockDuration time.Duration
}

// TxResult reports a submitted transaction after it reached the adapter's
// configured confirmation depth.
type TxResult struct {
	TxRef  string
	Height uint64
}

// Adapter is the uniform capability surface over one ledger. Submitting
// methods block until the transaction is final to the adapter's configured
// depth, so callers never see an unconfirmed success. Every submit is
// idempotent: implementations consult the on-chain view first and answer
// CodeAlreadyProcessed instead of double-spending.
type Adapter interface {
	// Ledger names the chain this adapter fronts.
	Ledger() swap.Ledger

	// CreateEscrow opens a new escrow and returns its canonical id.
	CreateEscrow(ctx context.Context, params CreateEscrowParams) (string, TxResult, error)

	// Withdraw claims an escrow with the revealed preimage.
	Withdraw(ctx context.Context, escrowID string, secret hashlock.Secret) (TxResult, error)

	// Refund returns an expired escrow to its owner.
	Refund(ctx context.Context, escrowID string) (TxResult, error)

	// GetEscrow snapshots current on-chain escrow state.
	GetEscrow(ctx context.Context, escrowID string) (*swap.Escrow, error)

	// FindEscrowsByDigest lists escrow ids locked behind the digest.
	FindEscrowsByDigest(ctx context.Context, digest hashlock.Digest) ([]string, error)

	// EscrowEvents returns a bounded batch of escrow lifecycle events at or
	// after the cursor, together with the cursor to resume from. Delivery is
	// at-least-once; consumers dedupe on (ledger, tx_ref, event_index).
	// When the chain reorganised below the caller's cursor the adapter
	// answers CodeReorg and the returned cursor is the oldest divergence.
	EscrowEvents(ctx context.Context, from swap.Cursor, limit int) ([]*swap.EscrowEvent, swap.Cursor, error)

	// Head reports the current chain height, used for finality and health.
	Head(ctx context.Context) (uint64, error)
}

// Staker is implemented by adapters whose on-chain contracts require the
// resolver to bond a stake before acting. Registration is idempotent.
type Staker interface {
	RegisterResolver(ctx context.Context, stake *big.Int) error
}
