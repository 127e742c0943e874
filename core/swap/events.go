package swap

import (
	"fmt"
	"math/big"

	"swaprelay/crypto/hashlock"
)

// EventKind enumerates the closed set of escrow lifecycle events the
// coordinator consumes. Anything a ledger emits outside this set is dropped
// at the adapter boundary.
type EventKind uint8

const (
	EventCreated EventKind = iota
	EventWithdrawn
	EventRefunded
)

// String returns the canonical event name used by the store and metrics.
func (k EventKind) String() string {
	switch k {
	case EventCreated:
		return "escrow.created"
	case EventWithdrawn:
		return "escrow.withdrawn"
	case EventRefunded:
		return "escrow.refunded"
	default:
		return fmt.Sprintf("event(%d)", uint8(k))
	}
}

// Valid reports whether the kind is within the supported set.
func (k EventKind) Valid() bool {
	switch k {
	case EventCreated, EventWithdrawn, EventRefunded:
		return true
	default:
		return false
	}
}

// EscrowEvent is the canonical form every ledger event is normalised into
// before it reaches the correlator. Created events carry the full escrow
// parameters; Withdrawn events carry the revealed secret.
type EscrowEvent struct {
	Kind        EventKind
	Ledger      Ledger
	EscrowID    string
	Digest      hashlock.Digest
	Algorithm   hashlock.Algorithm
	Owner       string
	Beneficiary string
	Token       string
	Amount      *big.Int
	StartMS     int64
	DurationMS  int64
	Secret      *hashlock.Secret
	TxRef       string
	EventIndex  uint32
	Height      uint64
	ObservedMS  int64
}

// Key is the deduplication identity: at-least-once delivery from the
// adapters collapses on it.
func (e *EscrowEvent) Key() string {
	return fmt.Sprintf("%s/%s/%d", e.Ledger, e.TxRef, e.EventIndex)
}

// Cursor returns the ingestion position of this event.
func (e *EscrowEvent) Cursor() Cursor {
	return Cursor{Ledger: e.Ledger, Height: e.Height, Index: e.EventIndex}
}

// Sanitize validates the event and normalises its escrow id. The original is
// not mutated.
func (e *EscrowEvent) Sanitize() (*EscrowEvent, error) {
	if e == nil {
		return nil, fmt.Errorf("nil event")
	}
	clone := *e
	if !clone.Kind.Valid() {
		return nil, fmt.Errorf("unsupported event kind: %d", clone.Kind)
	}
	if !clone.Ledger.Valid() {
		return nil, fmt.Errorf("unsupported ledger: %q", clone.Ledger)
	}
	clone.EscrowID = NormalizeID(clone.EscrowID)
	if clone.EscrowID == "" {
		return nil, fmt.Errorf("event escrow id required")
	}
	if clone.TxRef == "" {
		return nil, fmt.Errorf("event tx ref required")
	}
	switch clone.Kind {
	case EventCreated:
		if !clone.Algorithm.Valid() {
			return nil, fmt.Errorf("created event missing algorithm flag")
		}
		if clone.Amount == nil || clone.Amount.Sign() < 0 {
			return nil, fmt.Errorf("created event requires a non-negative amount")
		}
		clone.Amount = new(big.Int).Set(clone.Amount)
		if clone.DurationMS <= 0 {
			return nil, fmt.Errorf("created event requires a positive lock duration")
		}
	case EventWithdrawn:
		if clone.Secret == nil {
			return nil, fmt.Errorf("withdrawn event missing revealed secret")
		}
		secret := *clone.Secret
		clone.Secret = &secret
	}
	return &clone, nil
}

// EscrowFromCreated builds the escrow record announced by a Created event.
func EscrowFromCreated(e *EscrowEvent) (*Escrow, error) {
	sanitized, err := e.Sanitize()
	if err != nil {
		return nil, err
	}
	if sanitized.Kind != EventCreated {
		return nil, fmt.Errorf("escrow can only be built from a created event, got %s", sanitized.Kind)
	}
	return &Escrow{
		ID:          sanitized.EscrowID,
		Ledger:      sanitized.Ledger,
		Owner:       sanitized.Owner,
		Beneficiary: sanitized.Beneficiary,
		Token:       sanitized.Token,
		Amount:      sanitized.Amount,
		Digest:      sanitized.Digest,
		Algorithm:   sanitized.Algorithm,
		StartMS:     sanitized.StartMS,
		DurationMS:  sanitized.DurationMS,
	}, nil
}
