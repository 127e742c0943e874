package evm

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"swaprelay/adapter"
	"swaprelay/core/swap"
	"swaprelay/crypto/hashlock"
)

// maxBlockRange bounds a single log query so RPC providers with range caps
// keep answering.
const maxBlockRange = 2000

// EscrowEvents polls contract logs from the cursor. Continuity is tracked
// by block hash: when the previously seen block vanishes from the canonical
// chain the adapter answers CodeReorg with a cursor rewound below the
// divergence.
func (a *Adapter) EscrowEvents(ctx context.Context, from swap.Cursor, limit int) ([]*swap.EscrowEvent, swap.Cursor, error) {
	if limit <= 0 {
		limit = 100
	}
	head, err := a.Head(ctx)
	if err != nil {
		return nil, from, err
	}
	if rewound, divergence := a.checkContinuity(ctx); rewound {
		return nil, divergence, adapter.NewError(swap.LedgerEVM, "events", adapter.CodeReorg, fmt.Errorf("chain diverged below height %d", divergence.Height))
	}
	if from.Height > head {
		return nil, from, nil
	}
	to := from.Height + maxBlockRange
	if to > head {
		to = head
	}
	logs, err := a.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from.Height),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{a.cfg.Contract},
		Topics:    [][]common.Hash{{createdSig, withdrawnSig, refundedSig}},
	})
	if err != nil {
		return nil, from, adapter.NewError(swap.LedgerEVM, "events", adapter.CodeDisconnected, err)
	}
	next := swap.Cursor{Ledger: swap.LedgerEVM, Height: to + 1, Index: 0}
	out := make([]*swap.EscrowEvent, 0, limit)
	for i := range logs {
		log := logs[i]
		pos := swap.Cursor{Ledger: swap.LedgerEVM, Height: log.BlockNumber, Index: uint32(log.Index)}
		if pos.Before(from) {
			continue
		}
		ev, derr := a.decodeLog(&log)
		if derr != nil {
			continue
		}
		out = append(out, ev)
		if len(out) == limit {
			next = swap.Cursor{Ledger: swap.LedgerEVM, Height: pos.Height, Index: pos.Index + 1}
			break
		}
	}
	a.recordContinuity(ctx, to)
	return out, next, nil
}

// checkContinuity re-reads the header last reported to the caller; a hash
// mismatch means the canonical chain replaced it.
func (a *Adapter) checkContinuity(ctx context.Context) (bool, swap.Cursor) {
	a.mu.Lock()
	lastBlock, lastHash := a.lastBlock, a.lastHash
	a.mu.Unlock()
	if lastBlock == 0 || lastHash == (common.Hash{}) {
		return false, swap.Cursor{}
	}
	header, err := a.client.HeaderByNumber(ctx, new(big.Int).SetUint64(lastBlock))
	if err != nil || header == nil {
		return false, swap.Cursor{}
	}
	if header.Hash() == lastHash {
		return false, swap.Cursor{}
	}
	rewind := uint64(0)
	if lastBlock > a.cfg.Confirmations {
		rewind = lastBlock - a.cfg.Confirmations
	}
	a.mu.Lock()
	a.lastBlock, a.lastHash = 0, common.Hash{}
	a.mu.Unlock()
	return true, swap.Cursor{Ledger: swap.LedgerEVM, Height: rewind, Index: 0}
}

func (a *Adapter) recordContinuity(ctx context.Context, height uint64) {
	header, err := a.client.HeaderByNumber(ctx, new(big.Int).SetUint64(height))
	if err != nil || header == nil {
		return
	}
	a.mu.Lock()
	a.lastBlock, a.lastHash = height, header.Hash()
	a.mu.Unlock()
}

func (a *Adapter) decodeLog(log *gethtypes.Log) (*swap.EscrowEvent, error) {
	if len(log.Topics) == 0 {
		return nil, fmt.Errorf("log without topics")
	}
	base := swap.EscrowEvent{
		Ledger:     swap.LedgerEVM,
		TxRef:      log.TxHash.Hex(),
		EventIndex: uint32(log.Index),
		Height:     log.BlockNumber,
		ObservedMS: time.Now().UnixMilli(),
	}
	switch log.Topics[0] {
	case createdSig:
		if len(log.Topics) < 4 {
			return nil, fmt.Errorf("created log missing topics")
		}
		values, err := a.abi.Unpack("Created", log.Data)
		if err != nil || len(values) != 6 {
			return nil, fmt.Errorf("decode created: %w", err)
		}
		base.Kind = swap.EventCreated
		base.EscrowID = swap.NormalizeID(log.Topics[1].Hex())
		base.Owner = swap.NormalizeID(common.BytesToAddress(log.Topics[2].Bytes()).Hex())
		base.Beneficiary = swap.NormalizeID(common.BytesToAddress(log.Topics[3].Bytes()).Hex())
		base.Digest = hashlock.Digest(values[0].([32]byte))
		base.Algorithm = hashlock.Algorithm(values[1].(uint8))
		base.Token = swap.NormalizeID(values[2].(common.Address).Hex())
		base.Amount = values[3].(*big.Int)
		base.StartMS = int64(values[4].(uint64)) * 1000
		base.DurationMS = int64(values[5].(uint64)) * 1000
	case withdrawnSig:
		if len(log.Topics) < 3 {
			return nil, fmt.Errorf("withdrawn log missing topics")
		}
		values, err := a.abi.Unpack("Withdrawn", log.Data)
		if err != nil || len(values) != 1 {
			return nil, fmt.Errorf("decode withdrawn: %w", err)
		}
		base.Kind = swap.EventWithdrawn
		base.EscrowID = swap.NormalizeID(log.Topics[1].Hex())
		secret := hashlock.Secret(values[0].([32]byte))
		base.Secret = &secret
	case refundedSig:
		if len(log.Topics) < 3 {
			return nil, fmt.Errorf("refunded log missing topics")
		}
		base.Kind = swap.EventRefunded
		base.EscrowID = swap.NormalizeID(log.Topics[1].Hex())
		base.Owner = swap.NormalizeID(common.BytesToAddress(log.Topics[2].Bytes()).Hex())
	default:
		return nil, fmt.Errorf("unknown escrow log topic")
	}
	return &base, nil
}
