package evm

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"swaprelay/adapter"
	"swaprelay/core/swap"
	"swaprelay/crypto/hashlock"
)

type stubClient struct {
	logs     []gethtypes.Log
	head     *big.Int
	callResp []byte
	receipts map[common.Hash]*gethtypes.Receipt
}

func (c *stubClient) FilterLogs(context.Context, ethereum.FilterQuery) ([]gethtypes.Log, error) {
	return c.logs, nil
}

func (c *stubClient) HeaderByNumber(_ context.Context, number *big.Int) (*gethtypes.Header, error) {
	if number == nil {
		return &gethtypes.Header{Number: c.head}, nil
	}
	return &gethtypes.Header{Number: new(big.Int).Set(number)}, nil
}

func (c *stubClient) TransactionReceipt(_ context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	if r, ok := c.receipts[txHash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (c *stubClient) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return c.callResp, nil
}

type panicSender struct {
	t *testing.T
}

func (s panicSender) SendCreate(context.Context, common.Address, *big.Int, [32]byte, uint8, common.Address, uint64) (common.Hash, error) {
	s.t.Fatalf("unexpected create submit")
	return common.Hash{}, nil
}

func (s panicSender) SendWithdraw(context.Context, common.Hash, [32]byte) (common.Hash, error) {
	s.t.Fatalf("unexpected withdraw submit")
	return common.Hash{}, nil
}

func (s panicSender) SendRefund(context.Context, common.Hash) (common.Hash, error) {
	s.t.Fatalf("unexpected refund submit")
	return common.Hash{}, nil
}

func (s panicSender) SendStake(context.Context, *big.Int) (common.Hash, error) {
	s.t.Fatalf("unexpected stake submit")
	return common.Hash{}, nil
}

func testAdapter(t *testing.T, client *stubClient, sender TxSender) *Adapter {
	t.Helper()
	a, err := New(client, sender, Config{
		Contract:      common.HexToAddress("0xaa"),
		Confirmations: 0,
		PollInterval:  time.Millisecond,
		SubmitTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	return a
}

func testSecretDigest(t *testing.T) (hashlock.Secret, hashlock.Digest) {
	t.Helper()
	var secret hashlock.Secret
	secret[0] = 0x11
	digest, err := hashlock.Compute(secret, hashlock.AlgKeccak256)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	return secret, digest
}

func TestDecodeCreatedLog(t *testing.T) {
	client := &stubClient{head: big.NewInt(50)}
	a := testAdapter(t, client, nil)
	_, digest := testSecretDigest(t)

	data, err := a.abi.Events["Created"].Inputs.NonIndexed().Pack(
		[32]byte(digest), uint8(hashlock.AlgKeccak256),
		common.HexToAddress("0x1111"), big.NewInt(1234),
		uint64(1_700_000_000), uint64(10_800),
	)
	if err != nil {
		t.Fatalf("pack event data: %v", err)
	}
	escrowID := common.HexToHash("0xbeef")
	log := &gethtypes.Log{
		Topics: []common.Hash{
			createdSig,
			escrowID,
			common.BytesToHash(common.HexToAddress("0x2222").Bytes()),
			common.BytesToHash(common.HexToAddress("0x3333").Bytes()),
		},
		Data:        data,
		BlockNumber: 44,
		TxHash:      common.HexToHash("0x77"),
		Index:       3,
	}
	ev, err := a.decodeLog(log)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Kind != swap.EventCreated || ev.EscrowID != swap.NormalizeID(escrowID.Hex()) {
		t.Fatalf("identity wrong: %+v", ev)
	}
	if ev.Digest != digest || ev.Algorithm != hashlock.AlgKeccak256 {
		t.Fatalf("lock wrong: %+v", ev)
	}
	if ev.Amount.Int64() != 1234 || ev.StartMS != 1_700_000_000_000 || ev.DurationMS != 10_800_000 {
		t.Fatalf("amounts wrong: %+v", ev)
	}
	if ev.Height != 44 || ev.EventIndex != 3 {
		t.Fatalf("position wrong: %+v", ev)
	}
}

func TestDecodeWithdrawnLogCarriesSecret(t *testing.T) {
	client := &stubClient{head: big.NewInt(50)}
	a := testAdapter(t, client, nil)
	secret, _ := testSecretDigest(t)

	data, err := a.abi.Events["Withdrawn"].Inputs.NonIndexed().Pack([32]byte(secret))
	if err != nil {
		t.Fatalf("pack event data: %v", err)
	}
	log := &gethtypes.Log{
		Topics: []common.Hash{
			withdrawnSig,
			common.HexToHash("0xbeef"),
			common.BytesToHash(common.HexToAddress("0x2222").Bytes()),
		},
		Data:        data,
		BlockNumber: 45,
		TxHash:      common.HexToHash("0x78"),
	}
	ev, err := a.decodeLog(log)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Kind != swap.EventWithdrawn || ev.Secret == nil || *ev.Secret != secret {
		t.Fatalf("secret not carried: %+v", ev)
	}
}

func TestWithdrawOnTerminalEscrowIsAlreadyProcessed(t *testing.T) {
	_, digest := testSecretDigest(t)
	client := &stubClient{head: big.NewInt(50)}
	a := testAdapter(t, client, panicSender{t: t})

	packed, err := a.abi.Methods["getEscrow"].Outputs.Pack(
		common.HexToAddress("0x2222"), common.HexToAddress("0x3333"),
		common.HexToAddress("0x1111"), big.NewInt(1234),
		[32]byte(digest), uint8(hashlock.AlgKeccak256),
		uint64(1_700_000_000), uint64(10_800), true, false,
	)
	if err != nil {
		t.Fatalf("pack outputs: %v", err)
	}
	client.callResp = packed

	secret, _ := testSecretDigest(t)
	_, err = a.Withdraw(context.Background(), common.HexToHash("0xbeef").Hex(), secret)
	if !adapter.IsCode(err, adapter.CodeAlreadyProcessed) {
		t.Fatalf("expected already processed, got %v", err)
	}
}
