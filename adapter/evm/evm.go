// Package evm adapts the account-model chain: escrow lifecycle is driven
// through a single HTLC contract whose logs are polled over eth RPC. Key
// custody stays outside the coordinator; submits go through a TxSender
// capability.
package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"

	"swaprelay/adapter"
	"swaprelay/core/swap"
	"swaprelay/crypto/hashlock"
)

// escrowABI is the fragment of the HTLC contract the coordinator consumes.
const escrowABI = `[
  {"type":"event","name":"Created","inputs":[
    {"name":"id","type":"bytes32","indexed":true},
    {"name":"owner","type":"address","indexed":true},
    {"name":"beneficiary","type":"address","indexed":true},
    {"name":"digest","type":"bytes32","indexed":false},
    {"name":"algorithm","type":"uint8","indexed":false},
    {"name":"token","type":"address","indexed":false},
    {"name":"amount","type":"uint256","indexed":false},
    {"name":"startTime","type":"uint64","indexed":false},
    {"name":"duration","type":"uint64","indexed":false}]},
  {"type":"event","name":"Withdrawn","inputs":[
    {"name":"id","type":"bytes32","indexed":true},
    {"name":"caller","type":"address","indexed":true},
    {"name":"secret","type":"bytes32","indexed":false}]},
  {"type":"event","name":"Refunded","inputs":[
    {"name":"id","type":"bytes32","indexed":true},
    {"name":"owner","type":"address","indexed":true}]},
  {"type":"function","name":"getEscrow","stateMutability":"view","inputs":[
    {"name":"id","type":"bytes32"}],"outputs":[
    {"name":"owner","type":"address"},
    {"name":"beneficiary","type":"address"},
    {"name":"token","type":"address"},
    {"name":"amount","type":"uint256"},
    {"name":"digest","type":"bytes32"},
    {"name":"algorithm","type":"uint8"},
    {"name":"startTime","type":"uint64"},
    {"name":"duration","type":"uint64"},
    {"name":"withdrawn","type":"bool"},
    {"name":"refunded","type":"bool"}]},
  {"type":"function","name":"escrowsByDigest","stateMutability":"view","inputs":[
    {"name":"digest","type":"bytes32"}],"outputs":[
    {"name":"ids","type":"bytes32[]"}]}
]`

var (
	createdSig   = gethcrypto.Keccak256Hash([]byte("Created(bytes32,address,address,bytes32,uint8,address,uint256,uint64,uint64)"))
	withdrawnSig = gethcrypto.Keccak256Hash([]byte("Withdrawn(bytes32,address,bytes32)"))
	refundedSig  = gethcrypto.Keccak256Hash([]byte("Refunded(bytes32,address)"))
)

// Client is the subset of the Ethereum RPC the adapter depends on.
type Client interface {
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Dial initialises the RPC client for the provided endpoint.
func Dial(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("evm endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// TxSender signs and broadcasts contract calls. Implementations hold the
// private key material; the coordinator only ever sees transaction hashes.
type TxSender interface {
	SendCreate(ctx context.Context, token common.Address, amount *big.Int, digest [32]byte, algorithm uint8, beneficiary common.Address, duration uint64) (common.Hash, error)
	SendWithdraw(ctx context.Context, escrowID common.Hash, secret [32]byte) (common.Hash, error)
	SendRefund(ctx context.Context, escrowID common.Hash) (common.Hash, error)
	SendStake(ctx context.Context, amount *big.Int) (common.Hash, error)
}

// Config tunes the adapter.
type Config struct {
	Contract      common.Address
	Confirmations uint64
	PollInterval  time.Duration
	SubmitTimeout time.Duration
}

// Adapter implements adapter.Adapter over an HTLC escrow contract.
type Adapter struct {
	client Client
	sender TxSender
	cfg    Config
	abi    abi.ABI

	mu        sync.Mutex
	lastHash  common.Hash
	lastBlock uint64
	staked    bool
}

// New builds the adapter. sender may be nil for a read-only deployment; any
// submit then fails with CodeUnauthorized.
func New(client Client, sender TxSender, cfg Config) (*Adapter, error) {
	if client == nil {
		return nil, fmt.Errorf("evm client required")
	}
	parsed, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("parse escrow abi: %w", err)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 90 * time.Second
	}
	return &Adapter{client: client, sender: sender, cfg: cfg, abi: parsed}, nil
}

// Ledger names the chain.
func (a *Adapter) Ledger() swap.Ledger { return swap.LedgerEVM }

// Head reports the current block height.
func (a *Adapter) Head(ctx context.Context) (uint64, error) {
	header, err := a.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, adapter.NewError(swap.LedgerEVM, "head", adapter.CodeUnavailable, err)
	}
	if header == nil || header.Number == nil {
		return 0, adapter.NewError(swap.LedgerEVM, "head", adapter.CodeUnavailable, fmt.Errorf("empty header"))
	}
	return header.Number.Uint64(), nil
}

func escrowIDHash(escrowID string) (common.Hash, error) {
	raw := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(escrowID)), "0x")
	if len(raw) != 64 {
		return common.Hash{}, fmt.Errorf("escrow id must be 32 bytes of hex, got %q", escrowID)
	}
	return common.HexToHash(raw), nil
}

// GetEscrow snapshots the on-chain escrow.
func (a *Adapter) GetEscrow(ctx context.Context, escrowID string) (*swap.Escrow, error) {
	id, err := escrowIDHash(escrowID)
	if err != nil {
		return nil, adapter.NewError(swap.LedgerEVM, "get", adapter.CodeNotFound, err)
	}
	input, err := a.abi.Pack("getEscrow", id)
	if err != nil {
		return nil, adapter.NewError(swap.LedgerEVM, "get", adapter.CodeRejected, err)
	}
	contract := a.cfg.Contract
	out, err := a.client.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: input}, nil)
	if err != nil {
		return nil, adapter.NewError(swap.LedgerEVM, "get", adapter.CodeUnavailable, err)
	}
	values, err := a.abi.Unpack("getEscrow", out)
	if err != nil || len(values) != 10 {
		return nil, adapter.NewError(swap.LedgerEVM, "get", adapter.CodeRejected, fmt.Errorf("decode escrow: %w", err))
	}
	owner := values[0].(common.Address)
	beneficiary := values[1].(common.Address)
	token := values[2].(common.Address)
	amount := values[3].(*big.Int)
	digest := values[4].([32]byte)
	algorithm := values[5].(uint8)
	startTime := values[6].(uint64)
	duration := values[7].(uint64)
	withdrawn := values[8].(bool)
	refunded := values[9].(bool)
	if owner == (common.Address{}) {
		// Vanished or never-created escrows read as zeroed structs; a
		// selfdestructed contract is treated the same as terminal state by
		// the engine, which re-checks before acting.
		return nil, adapter.NewError(swap.LedgerEVM, "get", adapter.CodeNotFound, nil)
	}
	if _, overflow := uint256.FromBig(amount); overflow {
		return nil, adapter.NewError(swap.LedgerEVM, "get", adapter.CodeRejected, fmt.Errorf("amount exceeds uint256"))
	}
	return &swap.Escrow{
		ID:          swap.NormalizeID(id.Hex()),
		Ledger:      swap.LedgerEVM,
		Owner:       strings.ToLower(owner.Hex()),
		Beneficiary: strings.ToLower(beneficiary.Hex()),
		Token:       strings.ToLower(token.Hex()),
		Amount:      amount,
		Digest:      hashlock.Digest(digest),
		Algorithm:   hashlock.Algorithm(algorithm),
		StartMS:     int64(startTime) * 1000,
		DurationMS:  int64(duration) * 1000,
		Withdrawn:   withdrawn,
		Refunded:    refunded,
	}, nil
}

// FindEscrowsByDigest queries the contract's digest index.
func (a *Adapter) FindEscrowsByDigest(ctx context.Context, digest hashlock.Digest) ([]string, error) {
	input, err := a.abi.Pack("escrowsByDigest", [32]byte(digest))
	if err != nil {
		return nil, adapter.NewError(swap.LedgerEVM, "find", adapter.CodeRejected, err)
	}
	contract := a.cfg.Contract
	out, err := a.client.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: input}, nil)
	if err != nil {
		return nil, adapter.NewError(swap.LedgerEVM, "find", adapter.CodeUnavailable, err)
	}
	values, err := a.abi.Unpack("escrowsByDigest", out)
	if err != nil || len(values) != 1 {
		return nil, adapter.NewError(swap.LedgerEVM, "find", adapter.CodeRejected, fmt.Errorf("decode index: %w", err))
	}
	raw, ok := values[0].([][32]byte)
	if !ok {
		return nil, adapter.NewError(swap.LedgerEVM, "find", adapter.CodeRejected, fmt.Errorf("unexpected index shape"))
	}
	ids := make([]string, 0, len(raw))
	for _, id := range raw {
		ids = append(ids, swap.NormalizeID(common.Hash(id).Hex()))
	}
	return ids, nil
}

// CreateEscrow submits the escrow creation and waits for confirmations. If
// an escrow with the same digest and beneficiary already exists it is
// reused instead of re-submitting.
func (a *Adapter) CreateEscrow(ctx context.Context, params adapter.CreateEscrowParams) (string, adapter.TxResult, error) {
	if a.sender == nil {
		return "", adapter.TxResult{}, adapter.NewError(swap.LedgerEVM, "create", adapter.CodeUnauthorized, fmt.Errorf("no tx sender configured"))
	}
	existing, err := a.FindEscrowsByDigest(ctx, params.Digest)
	if err == nil && len(existing) > 0 {
		for _, id := range existing {
			snapshot, gerr := a.GetEscrow(ctx, id)
			if gerr != nil {
				continue
			}
			if strings.EqualFold(snapshot.Beneficiary, params.Beneficiary) && !snapshot.Terminal() {
				return id, adapter.TxResult{}, adapter.NewError(swap.LedgerEVM, "create", adapter.CodeAlreadyProcessed, nil)
			}
		}
	}
	txHash, err := a.sender.SendCreate(ctx, common.HexToAddress(params.Token), params.Amount, params.Digest, uint8(params.Algorithm), common.HexToAddress(params.Beneficiary), uint64(params.LockDuration/time.Second))
	if err != nil {
		return "", adapter.TxResult{}, classifySendError("create", err)
	}
	receipt, err := a.waitMined(ctx, txHash)
	if err != nil {
		return "", adapter.TxResult{}, err
	}
	for _, log := range receipt.Logs {
		if log == nil || len(log.Topics) == 0 || log.Topics[0] != createdSig {
			continue
		}
		return swap.NormalizeID(log.Topics[1].Hex()), adapter.TxResult{TxRef: txHash.Hex(), Height: receipt.BlockNumber.Uint64()}, nil
	}
	return "", adapter.TxResult{}, adapter.NewError(swap.LedgerEVM, "create", adapter.CodeRejected, fmt.Errorf("created event missing from receipt"))
}

// Withdraw claims the escrow with the preimage. The on-chain view is
// consulted first so replays converge on AlreadyProcessed.
func (a *Adapter) Withdraw(ctx context.Context, escrowID string, secret hashlock.Secret) (adapter.TxResult, error) {
	if a.sender == nil {
		return adapter.TxResult{}, adapter.NewError(swap.LedgerEVM, "withdraw", adapter.CodeUnauthorized, fmt.Errorf("no tx sender configured"))
	}
	snapshot, err := a.GetEscrow(ctx, escrowID)
	if err != nil {
		if adapter.IsCode(err, adapter.CodeNotFound) {
			// Selfdestructed after completion reads as terminal.
			return adapter.TxResult{}, adapter.NewError(swap.LedgerEVM, "withdraw", adapter.CodeAlreadyProcessed, nil)
		}
		return adapter.TxResult{}, err
	}
	if snapshot.Terminal() {
		return adapter.TxResult{}, adapter.NewError(swap.LedgerEVM, "withdraw", adapter.CodeAlreadyProcessed, nil)
	}
	if !hashlock.Verify(secret, snapshot.Digest, snapshot.Algorithm) {
		return adapter.TxResult{}, adapter.NewError(swap.LedgerEVM, "withdraw", adapter.CodeInvalidSecret, nil)
	}
	id, err := escrowIDHash(escrowID)
	if err != nil {
		return adapter.TxResult{}, adapter.NewError(swap.LedgerEVM, "withdraw", adapter.CodeNotFound, err)
	}
	txHash, err := a.sender.SendWithdraw(ctx, id, secret)
	if err != nil {
		return adapter.TxResult{}, classifySendError("withdraw", err)
	}
	receipt, err := a.waitMined(ctx, txHash)
	if err != nil {
		return adapter.TxResult{}, err
	}
	return adapter.TxResult{TxRef: txHash.Hex(), Height: receipt.BlockNumber.Uint64()}, nil
}

// Refund returns an expired escrow to its owner.
func (a *Adapter) Refund(ctx context.Context, escrowID string) (adapter.TxResult, error) {
	if a.sender == nil {
		return adapter.TxResult{}, adapter.NewError(swap.LedgerEVM, "refund", adapter.CodeUnauthorized, fmt.Errorf("no tx sender configured"))
	}
	snapshot, err := a.GetEscrow(ctx, escrowID)
	if err != nil {
		if adapter.IsCode(err, adapter.CodeNotFound) {
			return adapter.TxResult{}, adapter.NewError(swap.LedgerEVM, "refund", adapter.CodeAlreadyProcessed, nil)
		}
		return adapter.TxResult{}, err
	}
	if snapshot.Terminal() {
		return adapter.TxResult{}, adapter.NewError(swap.LedgerEVM, "refund", adapter.CodeAlreadyProcessed, nil)
	}
	header, err := a.client.HeaderByNumber(ctx, nil)
	if err == nil && header != nil && int64(header.Time)*1000 <= snapshot.DeadlineMS() {
		return adapter.TxResult{}, adapter.NewError(swap.LedgerEVM, "refund", adapter.CodeNotExpired, nil)
	}
	id, err := escrowIDHash(escrowID)
	if err != nil {
		return adapter.TxResult{}, adapter.NewError(swap.LedgerEVM, "refund", adapter.CodeNotFound, err)
	}
	txHash, err := a.sender.SendRefund(ctx, id)
	if err != nil {
		return adapter.TxResult{}, classifySendError("refund", err)
	}
	receipt, err := a.waitMined(ctx, txHash)
	if err != nil {
		return adapter.TxResult{}, err
	}
	return adapter.TxResult{TxRef: txHash.Hex(), Height: receipt.BlockNumber.Uint64()}, nil
}

// RegisterResolver bonds the resolver stake once per process.
func (a *Adapter) RegisterResolver(ctx context.Context, stake *big.Int) error {
	a.mu.Lock()
	already := a.staked
	a.mu.Unlock()
	if already || stake == nil || stake.Sign() == 0 {
		return nil
	}
	if a.sender == nil {
		return adapter.NewError(swap.LedgerEVM, "stake", adapter.CodeUnauthorized, fmt.Errorf("no tx sender configured"))
	}
	txHash, err := a.sender.SendStake(ctx, stake)
	if err != nil {
		return classifySendError("stake", err)
	}
	if _, err := a.waitMined(ctx, txHash); err != nil {
		return err
	}
	a.mu.Lock()
	a.staked = true
	a.mu.Unlock()
	return nil
}

// waitMined polls for the receipt until the configured confirmation depth
// is reached or the submit timeout expires.
func (a *Adapter) waitMined(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.SubmitTimeout)
	defer cancel()
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()
	for {
		receipt, err := a.client.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			if receipt.Status != gethtypes.ReceiptStatusSuccessful {
				return nil, adapter.NewError(swap.LedgerEVM, "wait", adapter.CodeRejected, fmt.Errorf("transaction %s reverted", txHash.Hex()))
			}
			confirmed, cerr := a.confirmations(ctx, receipt)
			if cerr == nil && confirmed >= a.cfg.Confirmations {
				return receipt, nil
			}
		} else if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, adapter.NewError(swap.LedgerEVM, "wait", adapter.CodeUnavailable, err)
		}
		select {
		case <-ctx.Done():
			return nil, adapter.NewError(swap.LedgerEVM, "wait", adapter.CodeTimeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (a *Adapter) confirmations(ctx context.Context, receipt *gethtypes.Receipt) (uint64, error) {
	header, err := a.client.HeaderByNumber(ctx, nil)
	if err != nil || header == nil || header.Number == nil || receipt.BlockNumber == nil {
		return 0, fmt.Errorf("block metadata unavailable")
	}
	if header.Number.Cmp(receipt.BlockNumber) < 0 {
		return 0, nil
	}
	confirmed := new(big.Int).Sub(header.Number, receipt.BlockNumber)
	return confirmed.Uint64() + 1, nil
}

func classifySendError(op string, err error) error {
	msg := strings.ToLower(err.Error())
	code := adapter.CodeUnavailable
	switch {
	case strings.Contains(msg, "insufficient funds"):
		code = adapter.CodeInsufficientFunds
	case strings.Contains(msg, "execution reverted"):
		code = adapter.CodeRejected
	case errors.Is(err, context.DeadlineExceeded):
		code = adapter.CodeTimeout
	}
	return adapter.NewError(swap.LedgerEVM, op, code, err)
}

var _ adapter.Adapter = (*Adapter)(nil)
var _ adapter.Staker = (*Adapter)(nil)
