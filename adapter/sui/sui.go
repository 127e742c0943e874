package sui

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"swaprelay/adapter"
	"swaprelay/core/swap"
	"swaprelay/crypto/hashlock"
)

// RPC failure codes surfaced by the escrow signer service.
const (
	rpcCodeNotFound         = -32040
	rpcCodeInvalidSecret    = -32041
	rpcCodeExpired          = -32042
	rpcCodeAlreadyProcessed = -32043
	rpcCodeNotExpired       = -32044
	rpcCodeUnauthorized     = -32045
	rpcCodeInsufficient     = -32046
)

// Config tunes the adapter.
type Config struct {
	// RegistryObject is the registry carrying the digest -> escrow index.
	RegistryObject string
	// OwnerCapability references the capability object required for
	// refunds. Opaque to the coordinator.
	OwnerCapability string
	// Confirmations is the checkpoint depth a submit waits for.
	Confirmations uint64
}

// Adapter implements adapter.Adapter over the object-model escrow package.
type Adapter struct {
	client *Client
	cfg    Config
}

// New builds the adapter.
func New(client *Client, cfg Config) (*Adapter, error) {
	if client == nil {
		return nil, fmt.Errorf("sui rpc client required")
	}
	if strings.TrimSpace(cfg.RegistryObject) == "" {
		return nil, fmt.Errorf("sui registry object required")
	}
	return &Adapter{client: client, cfg: cfg}, nil
}

// Ledger names the chain.
func (a *Adapter) Ledger() swap.Ledger { return swap.LedgerSui }

func (a *Adapter) wrap(op string, err error) error {
	var rpcErr *rpcError
	if errors.As(err, &rpcErr) {
		code := adapter.CodeUnavailable
		switch rpcErr.Code {
		case rpcCodeNotFound:
			code = adapter.CodeNotFound
		case rpcCodeInvalidSecret:
			code = adapter.CodeInvalidSecret
		case rpcCodeExpired:
			code = adapter.CodeExpired
		case rpcCodeAlreadyProcessed:
			code = adapter.CodeAlreadyProcessed
		case rpcCodeNotExpired:
			code = adapter.CodeNotExpired
		case rpcCodeUnauthorized:
			code = adapter.CodeUnauthorized
		case rpcCodeInsufficient:
			code = adapter.CodeInsufficientFunds
		}
		return adapter.NewError(swap.LedgerSui, op, code, rpcErr)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return adapter.NewError(swap.LedgerSui, op, adapter.CodeTimeout, err)
	}
	return adapter.NewError(swap.LedgerSui, op, adapter.CodeDisconnected, err)
}

type escrowState struct {
	ObjectID    string `json:"objectId"`
	Owner       string `json:"owner"`
	Beneficiary string `json:"beneficiary"`
	Token       string `json:"token"`
	Amount      string `json:"amount"`
	Digest      string `json:"digest"`
	Algorithm   uint8  `json:"algorithm"`
	StartMS     int64  `json:"startMs"`
	DurationMS  int64  `json:"durationMs"`
	Withdrawn   bool   `json:"withdrawn"`
	Refunded    bool   `json:"refunded"`
	Secret      string `json:"secret,omitempty"`
}

func (s *escrowState) toEscrow() (*swap.Escrow, error) {
	digest, err := hashlock.ParseDigest(s.Digest)
	if err != nil {
		return nil, fmt.Errorf("escrow digest: %w", err)
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(s.Amount), 10)
	if !ok {
		return nil, fmt.Errorf("escrow amount %q not decimal", s.Amount)
	}
	escrow := &swap.Escrow{
		ID:          swap.NormalizeID(s.ObjectID),
		Ledger:      swap.LedgerSui,
		Owner:       swap.NormalizeID(s.Owner),
		Beneficiary: swap.NormalizeID(s.Beneficiary),
		Token:       s.Token,
		Amount:      amount,
		Digest:      digest,
		Algorithm:   hashlock.Algorithm(s.Algorithm),
		StartMS:     s.StartMS,
		DurationMS:  s.DurationMS,
		Withdrawn:   s.Withdrawn,
		Refunded:    s.Refunded,
	}
	if s.Secret != "" {
		secret, serr := hashlock.ParseSecret(s.Secret)
		if serr == nil {
			escrow.Secret = &secret
		}
	}
	return escrow, nil
}

type txResult struct {
	TxDigest   string `json:"txDigest"`
	Checkpoint uint64 `json:"checkpoint"`
	ObjectID   string `json:"objectId,omitempty"`
}

// GetEscrow snapshots the escrow object. A deleted object (the package
// destroys escrows after completion) maps to NotFound; the engine treats
// that as terminal.
func (a *Adapter) GetEscrow(ctx context.Context, escrowID string) (*swap.Escrow, error) {
	var state escrowState
	if err := a.client.call(ctx, "escrow_get", []interface{}{swap.NormalizeID(escrowID)}, &state); err != nil {
		return nil, a.wrap("get", err)
	}
	escrow, err := state.toEscrow()
	if err != nil {
		return nil, adapter.NewError(swap.LedgerSui, "get", adapter.CodeRejected, err)
	}
	return escrow, nil
}

// FindEscrowsByDigest queries the registry index.
func (a *Adapter) FindEscrowsByDigest(ctx context.Context, digest hashlock.Digest) ([]string, error) {
	var ids []string
	params := []interface{}{a.cfg.RegistryObject, digest.Hex()}
	if err := a.client.call(ctx, "escrow_byDigest", params, &ids); err != nil {
		return nil, a.wrap("find", err)
	}
	for i := range ids {
		ids[i] = swap.NormalizeID(ids[i])
	}
	return ids, nil
}

// CreateEscrow asks the signer service to publish a new escrow object. The
// service dedupes on (digest, beneficiary) so replays converge.
func (a *Adapter) CreateEscrow(ctx context.Context, params adapter.CreateEscrowParams) (string, adapter.TxResult, error) {
	if params.Amount == nil || params.Amount.Sign() < 0 {
		return "", adapter.TxResult{}, adapter.NewError(swap.LedgerSui, "create", adapter.CodeRejected, fmt.Errorf("amount must be non-negative"))
	}
	var result txResult
	req := map[string]interface{}{
		"registry":      a.cfg.RegistryObject,
		"token":         params.Token,
		"amount":        params.Amount.String(),
		"digest":        params.Digest.Hex(),
		"algorithm":     uint8(params.Algorithm),
		"beneficiary":   swap.NormalizeID(params.Beneficiary),
		"durationMs":    params.LockDuration.Milliseconds(),
		"confirmations": a.cfg.Confirmations,
	}
	if err := a.client.call(ctx, "escrow_create", []interface{}{req}, &result); err != nil {
		return "", adapter.TxResult{}, a.wrap("create", err)
	}
	return swap.NormalizeID(result.ObjectID), adapter.TxResult{TxRef: result.TxDigest, Height: result.Checkpoint}, nil
}

// Withdraw claims the escrow with the preimage, checking the object first
// so replays converge on AlreadyProcessed.
func (a *Adapter) Withdraw(ctx context.Context, escrowID string, secret hashlock.Secret) (adapter.TxResult, error) {
	snapshot, err := a.GetEscrow(ctx, escrowID)
	if err == nil && snapshot.Terminal() {
		return adapter.TxResult{}, adapter.NewError(swap.LedgerSui, "withdraw", adapter.CodeAlreadyProcessed, nil)
	}
	if err != nil && adapter.IsCode(err, adapter.CodeNotFound) {
		return adapter.TxResult{}, adapter.NewError(swap.LedgerSui, "withdraw", adapter.CodeAlreadyProcessed, nil)
	}
	var result txResult
	req := map[string]interface{}{
		"escrow":        swap.NormalizeID(escrowID),
		"secret":        secret.Hex(),
		"confirmations": a.cfg.Confirmations,
	}
	if err := a.client.call(ctx, "escrow_withdraw", []interface{}{req}, &result); err != nil {
		return adapter.TxResult{}, a.wrap("withdraw", err)
	}
	return adapter.TxResult{TxRef: result.TxDigest, Height: result.Checkpoint}, nil
}

// Refund returns an expired escrow using the configured owner capability.
func (a *Adapter) Refund(ctx context.Context, escrowID string) (adapter.TxResult, error) {
	snapshot, err := a.GetEscrow(ctx, escrowID)
	if err == nil && snapshot.Terminal() {
		return adapter.TxResult{}, adapter.NewError(swap.LedgerSui, "refund", adapter.CodeAlreadyProcessed, nil)
	}
	if err != nil && adapter.IsCode(err, adapter.CodeNotFound) {
		return adapter.TxResult{}, adapter.NewError(swap.LedgerSui, "refund", adapter.CodeAlreadyProcessed, nil)
	}
	var result txResult
	req := map[string]interface{}{
		"escrow":        swap.NormalizeID(escrowID),
		"ownerCap":      a.cfg.OwnerCapability,
		"confirmations": a.cfg.Confirmations,
	}
	if err := a.client.call(ctx, "escrow_refund", []interface{}{req}, &result); err != nil {
		return adapter.TxResult{}, a.wrap("refund", err)
	}
	return adapter.TxResult{TxRef: result.TxDigest, Height: result.Checkpoint}, nil
}

// Head reports the latest checkpoint sequence number.
func (a *Adapter) Head(ctx context.Context) (uint64, error) {
	var head uint64
	if err := a.client.call(ctx, "escrow_latestCheckpoint", []interface{}{}, &head); err != nil {
		return 0, a.wrap("head", err)
	}
	return head, nil
}

// RegisterResolver bonds the stake through the signer service; the package
// keeps registration idempotent on-chain.
func (a *Adapter) RegisterResolver(ctx context.Context, stake *big.Int) error {
	if stake == nil || stake.Sign() == 0 {
		return nil
	}
	req := map[string]interface{}{
		"registry": a.cfg.RegistryObject,
		"amount":   stake.String(),
	}
	if err := a.client.call(ctx, "resolver_register", []interface{}{req}, nil); err != nil {
		wrapped := a.wrap("stake", err)
		if adapter.IsCode(wrapped, adapter.CodeAlreadyProcessed) {
			return nil
		}
		return wrapped
	}
	return nil
}

type rpcEvent struct {
	Kind        string `json:"kind"`
	EscrowID    string `json:"escrowId"`
	Digest      string `json:"digest"`
	Algorithm   uint8  `json:"algorithm"`
	Owner       string `json:"owner"`
	Beneficiary string `json:"beneficiary"`
	Token       string `json:"token"`
	Amount      string `json:"amount"`
	StartMS     int64  `json:"startMs"`
	DurationMS  int64  `json:"durationMs"`
	Secret      string `json:"secret,omitempty"`
	TxDigest    string `json:"txDigest"`
	EventIndex  uint32 `json:"eventIndex"`
	Checkpoint  uint64 `json:"checkpoint"`
}

type eventsPage struct {
	Events        []rpcEvent `json:"events"`
	NextHeight    uint64     `json:"nextHeight"`
	NextIndex     uint32     `json:"nextIndex"`
	Rewound       bool       `json:"rewound"`
	RewindHeight  uint64     `json:"rewindHeight"`
	LatestSettled uint64     `json:"latestSettled"`
}

// EscrowEvents pulls a page of escrow events from the cursor. The fullnode
// reports pruned-and-replaced checkpoints via the rewound flag; that maps
// to CodeReorg with the rewind position.
func (a *Adapter) EscrowEvents(ctx context.Context, from swap.Cursor, limit int) ([]*swap.EscrowEvent, swap.Cursor, error) {
	if limit <= 0 {
		limit = 100
	}
	var page eventsPage
	params := []interface{}{a.cfg.RegistryObject, from.Height, from.Index, limit}
	if err := a.client.call(ctx, "escrow_events", params, &page); err != nil {
		return nil, from, a.wrap("events", err)
	}
	if page.Rewound {
		divergence := swap.Cursor{Ledger: swap.LedgerSui, Height: page.RewindHeight, Index: 0}
		return nil, divergence, adapter.NewError(swap.LedgerSui, "events", adapter.CodeReorg, fmt.Errorf("checkpoints rewound to %d", page.RewindHeight))
	}
	out := make([]*swap.EscrowEvent, 0, len(page.Events))
	now := time.Now().UnixMilli()
	for i := range page.Events {
		ev, err := a.decodeEvent(&page.Events[i], now)
		if err != nil {
			continue
		}
		out = append(out, ev)
	}
	next := swap.Cursor{Ledger: swap.LedgerSui, Height: page.NextHeight, Index: page.NextIndex}
	if next.Before(from) {
		next = from
	}
	return out, next, nil
}

func (a *Adapter) decodeEvent(raw *rpcEvent, nowMS int64) (*swap.EscrowEvent, error) {
	ev := &swap.EscrowEvent{
		Ledger:      swap.LedgerSui,
		EscrowID:    swap.NormalizeID(raw.EscrowID),
		Owner:       swap.NormalizeID(raw.Owner),
		Beneficiary: swap.NormalizeID(raw.Beneficiary),
		Token:       raw.Token,
		StartMS:     raw.StartMS,
		DurationMS:  raw.DurationMS,
		TxRef:       raw.TxDigest,
		EventIndex:  raw.EventIndex,
		Height:      raw.Checkpoint,
		ObservedMS:  nowMS,
	}
	switch strings.ToLower(raw.Kind) {
	case "created":
		ev.Kind = swap.EventCreated
	case "withdrawn":
		ev.Kind = swap.EventWithdrawn
	case "refunded":
		ev.Kind = swap.EventRefunded
	default:
		return nil, fmt.Errorf("unknown event kind %q", raw.Kind)
	}
	if raw.Digest != "" {
		digest, err := hashlock.ParseDigest(raw.Digest)
		if err != nil {
			return nil, err
		}
		ev.Digest = digest
		ev.Algorithm = hashlock.Algorithm(raw.Algorithm)
	}
	if raw.Amount != "" {
		amount, ok := new(big.Int).SetString(strings.TrimSpace(raw.Amount), 10)
		if !ok {
			return nil, fmt.Errorf("event amount %q not decimal", raw.Amount)
		}
		ev.Amount = amount
	}
	if ev.Kind == swap.EventWithdrawn {
		secret, err := hashlock.ParseSecret(raw.Secret)
		if err != nil {
			return nil, err
		}
		ev.Secret = &secret
	}
	return ev, nil
}

var _ adapter.Adapter = (*Adapter)(nil)
var _ adapter.Staker = (*Adapter)(nil)
