// Package memory implements a deterministic in-process ledger used by the
// engine, ingestor, and correlator tests. Withdraw and Refund are
// idempotent (a repeat answers AlreadyProcessed) and rewinds signal a
// reorg; CreateEscrow always creates a new escrow without looking for an
// existing one.
package memory

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"swaprelay/adapter"
	"swaprelay/core/swap"
	"swaprelay/crypto/hashlock"
)

// Hooks lets tests intercept submits before the ledger applies them. A nil
// hook is a no-op; returning an error aborts the submit with that error.
type Hooks struct {
	Create   func(params adapter.CreateEscrowParams) error
	Withdraw func(escrowID string, secret hashlock.Secret) error
	Refund   func(escrowID string) error
}

// Ledger is an in-memory chain: a map of escrows plus an append-only event
// log with monotonically increasing heights.
type Ledger struct {
	mu sync.Mutex

	ledger swap.Ledger
	now    func() time.Time

	escrows map[string]*swap.Escrow
	events  []*swap.EscrowEvent

	head      uint64
	nextSeq   uint64
	divergent *swap.Cursor

	stake *big.Int
	hooks Hooks
}

// New builds an empty ledger. now drives escrow start times and deadline
// checks so tests control the clock.
func New(ledger swap.Ledger, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{
		ledger:  ledger,
		now:     now,
		escrows: make(map[string]*swap.Escrow),
	}
}

// SetHooks installs submit interceptors.
func (l *Ledger) SetHooks(h Hooks) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hooks = h
}

// Ledger names the chain.
func (l *Ledger) Ledger() swap.Ledger { return l.ledger }

// AdvanceHead moves the chain tip forward without producing events, letting
// tests bury existing events below a finality depth.
func (l *Ledger) AdvanceHead(blocks uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.head += blocks
}

// Head reports the current chain height.
func (l *Ledger) Head(context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.head, nil
}

func (l *Ledger) appendEvent(kind swap.EventKind, e *swap.Escrow, secret *hashlock.Secret) *swap.EscrowEvent {
	l.head++
	l.nextSeq++
	ev := &swap.EscrowEvent{
		Kind:        kind,
		Ledger:      l.ledger,
		EscrowID:    e.ID,
		Digest:      e.Digest,
		Algorithm:   e.Algorithm,
		Owner:       e.Owner,
		Beneficiary: e.Beneficiary,
		Token:       e.Token,
		Amount:      new(big.Int).Set(e.Amount),
		StartMS:     e.StartMS,
		DurationMS:  e.DurationMS,
		Secret:      secret,
		TxRef:       fmt.Sprintf("memtx-%d", l.nextSeq),
		EventIndex:  0,
		Height:      l.head,
		ObservedMS:  l.now().UnixMilli(),
	}
	l.events = append(l.events, ev)
	return ev
}

// CreateEscrow opens a new escrow. Ids are sequential and deterministic.
func (l *Ledger) CreateEscrow(ctx context.Context, params adapter.CreateEscrowParams) (string, adapter.TxResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.hooks.Create != nil {
		if err := l.hooks.Create(params); err != nil {
			return "", adapter.TxResult{}, err
		}
	}
	if params.Amount == nil || params.Amount.Sign() < 0 {
		return "", adapter.TxResult{}, adapter.NewError(l.ledger, "create", adapter.CodeRejected, fmt.Errorf("amount must be non-negative"))
	}
	id := fmt.Sprintf("esc-%s-%d", l.ledger, len(l.escrows)+1)
	escrow := &swap.Escrow{
		ID:          id,
		Ledger:      l.ledger,
		Owner:       "self",
		Beneficiary: params.Beneficiary,
		Token:       params.Token,
		Amount:      new(big.Int).Set(params.Amount),
		Digest:      params.Digest,
		Algorithm:   params.Algorithm,
		StartMS:     l.now().UnixMilli(),
		DurationMS:  params.LockDuration.Milliseconds(),
	}
	l.escrows[id] = escrow
	ev := l.appendEvent(swap.EventCreated, escrow, nil)
	return id, adapter.TxResult{TxRef: ev.TxRef, Height: ev.Height}, nil
}

// Seed installs an escrow created by a counterparty and emits its Created
// event, as if observed on-chain.
func (l *Ledger) Seed(e *swap.Escrow) *swap.EscrowEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	clone := e.Clone()
	clone.ID = swap.NormalizeID(clone.ID)
	clone.Ledger = l.ledger
	l.escrows[clone.ID] = clone
	return l.appendEvent(swap.EventCreated, clone, nil)
}

// Withdraw claims the escrow with the preimage. Terminal escrows answer
// AlreadyProcessed so racing claimers converge.
func (l *Ledger) Withdraw(ctx context.Context, escrowID string, secret hashlock.Secret) (adapter.TxResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.hooks.Withdraw != nil {
		if err := l.hooks.Withdraw(escrowID, secret); err != nil {
			return adapter.TxResult{}, err
		}
	}
	escrow, ok := l.escrows[swap.NormalizeID(escrowID)]
	if !ok {
		return adapter.TxResult{}, adapter.NewError(l.ledger, "withdraw", adapter.CodeNotFound, nil)
	}
	if escrow.Terminal() {
		return adapter.TxResult{}, adapter.NewError(l.ledger, "withdraw", adapter.CodeAlreadyProcessed, nil)
	}
	if !hashlock.Verify(secret, escrow.Digest, escrow.Algorithm) {
		return adapter.TxResult{}, adapter.NewError(l.ledger, "withdraw", adapter.CodeInvalidSecret, nil)
	}
	if l.now().UnixMilli() > escrow.DeadlineMS() {
		return adapter.TxResult{}, adapter.NewError(l.ledger, "withdraw", adapter.CodeExpired, nil)
	}
	escrow.Withdrawn = true
	revealed := secret
	escrow.Secret = &revealed
	ev := l.appendEvent(swap.EventWithdrawn, escrow, &revealed)
	return adapter.TxResult{TxRef: ev.TxRef, Height: ev.Height}, nil
}

// Refund returns an expired escrow to its owner.
func (l *Ledger) Refund(ctx context.Context, escrowID string) (adapter.TxResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.hooks.Refund != nil {
		if err := l.hooks.Refund(escrowID); err != nil {
			return adapter.TxResult{}, err
		}
	}
	escrow, ok := l.escrows[swap.NormalizeID(escrowID)]
	if !ok {
		return adapter.TxResult{}, adapter.NewError(l.ledger, "refund", adapter.CodeNotFound, nil)
	}
	if escrow.Terminal() {
		return adapter.TxResult{}, adapter.NewError(l.ledger, "refund", adapter.CodeAlreadyProcessed, nil)
	}
	if l.now().UnixMilli() <= escrow.DeadlineMS() {
		return adapter.TxResult{}, adapter.NewError(l.ledger, "refund", adapter.CodeNotExpired, nil)
	}
	escrow.Refunded = true
	ev := l.appendEvent(swap.EventRefunded, escrow, nil)
	return adapter.TxResult{TxRef: ev.TxRef, Height: ev.Height}, nil
}

// GetEscrow snapshots the escrow.
func (l *Ledger) GetEscrow(ctx context.Context, escrowID string) (*swap.Escrow, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	escrow, ok := l.escrows[swap.NormalizeID(escrowID)]
	if !ok {
		return nil, adapter.NewError(l.ledger, "get", adapter.CodeNotFound, nil)
	}
	return escrow.Clone(), nil
}

// FindEscrowsByDigest lists escrow ids locked behind the digest.
func (l *Ledger) FindEscrowsByDigest(ctx context.Context, digest hashlock.Digest) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var ids []string
	for _, ev := range l.events {
		if ev.Kind == swap.EventCreated && ev.Digest == digest {
			ids = append(ids, ev.EscrowID)
		}
	}
	return ids, nil
}

// EscrowEvents returns events at or after the cursor. After a Rewind, a
// cursor past the divergence answers CodeReorg with the divergence position.
func (l *Ledger) EscrowEvents(ctx context.Context, from swap.Cursor, limit int) ([]*swap.EscrowEvent, swap.Cursor, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.divergent != nil && l.divergent.Before(from) {
		div := *l.divergent
		l.divergent = nil
		return nil, div, adapter.NewError(l.ledger, "events", adapter.CodeReorg, fmt.Errorf("cursor beyond divergence at height %d", div.Height))
	}
	if limit <= 0 {
		limit = 100
	}
	next := from
	out := make([]*swap.EscrowEvent, 0, limit)
	for _, ev := range l.events {
		pos := ev.Cursor()
		if pos.Before(from) {
			continue
		}
		out = append(out, ev)
		next = swap.Cursor{Ledger: l.ledger, Height: pos.Height, Index: pos.Index + 1}
		if len(out) == limit {
			break
		}
	}
	return out, next, nil
}

// Rewind drops every event above height, simulating a reorg. The next poll
// whose cursor is past the divergence observes CodeReorg.
func (l *Ledger) Rewind(height uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.events[:0]
	for _, ev := range l.events {
		if ev.Height <= height {
			kept = append(kept, ev)
			continue
		}
		if ev.Kind == swap.EventCreated {
			delete(l.escrows, ev.EscrowID)
		}
	}
	l.events = kept
	l.head = height
	l.divergent = &swap.Cursor{Ledger: l.ledger, Height: height + 1, Index: 0}
}

// RegisterResolver bonds the resolver stake once; repeat calls are no-ops.
func (l *Ledger) RegisterResolver(ctx context.Context, stake *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stake != nil {
		return nil
	}
	if stake == nil {
		stake = big.NewInt(0)
	}
	l.stake = new(big.Int).Set(stake)
	return nil
}

// Staked reports the bonded stake, for tests.
func (l *Ledger) Staked() *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stake == nil {
		return nil
	}
	return new(big.Int).Set(l.stake)
}

var _ adapter.Adapter = (*Ledger)(nil)
var _ adapter.Staker = (*Ledger)(nil)
