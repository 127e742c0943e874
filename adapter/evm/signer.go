package evm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// SignerClient implements TxSender against an external signing sidecar.
// The sidecar holds the private key; the coordinator only names a key
// reference and receives transaction hashes.
type SignerClient struct {
	baseURL string
	keyRef  string
	http    *http.Client
}

// NewSignerClient builds the sidecar client.
func NewSignerClient(baseURL, keyRef string) *SignerClient {
	return &SignerClient{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		keyRef:  strings.TrimSpace(keyRef),
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type signRequest struct {
	KeyRef string                 `json:"keyRef"`
	Call   string                 `json:"call"`
	Args   map[string]interface{} `json:"args"`
}

type signResponse struct {
	TxHash string `json:"txHash"`
	Error  string `json:"error,omitempty"`
}

func (c *SignerClient) submit(ctx context.Context, call string, args map[string]interface{}) (common.Hash, error) {
	payload, err := json.Marshal(signRequest{KeyRef: c.keyRef, Call: call, Args: args})
	if err != nil {
		return common.Hash{}, fmt.Errorf("encode %s request: %w", call, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/sign-and-send", bytes.NewReader(payload))
	if err != nil {
		return common.Hash{}, fmt.Errorf("build %s request: %w", call, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return common.Hash{}, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return common.Hash{}, fmt.Errorf("read %s response: %w", call, err)
	}
	var decoded signResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return common.Hash{}, fmt.Errorf("decode %s response: %w", call, err)
	}
	if resp.StatusCode != http.StatusOK || decoded.Error != "" {
		return common.Hash{}, fmt.Errorf("%s rejected: status %d: %s", call, resp.StatusCode, decoded.Error)
	}
	return common.HexToHash(decoded.TxHash), nil
}

// SendCreate submits the escrow creation call.
func (c *SignerClient) SendCreate(ctx context.Context, token common.Address, amount *big.Int, digest [32]byte, algorithm uint8, beneficiary common.Address, duration uint64) (common.Hash, error) {
	return c.submit(ctx, "create", map[string]interface{}{
		"token":       token.Hex(),
		"amount":      amount.String(),
		"digest":      common.Hash(digest).Hex(),
		"algorithm":   algorithm,
		"beneficiary": beneficiary.Hex(),
		"duration":    duration,
	})
}

// SendWithdraw submits the claim call with the preimage.
func (c *SignerClient) SendWithdraw(ctx context.Context, escrowID common.Hash, secret [32]byte) (common.Hash, error) {
	return c.submit(ctx, "withdraw", map[string]interface{}{
		"escrow": escrowID.Hex(),
		"secret": common.Hash(secret).Hex(),
	})
}

// SendRefund submits the refund call.
func (c *SignerClient) SendRefund(ctx context.Context, escrowID common.Hash) (common.Hash, error) {
	return c.submit(ctx, "refund", map[string]interface{}{
		"escrow": escrowID.Hex(),
	})
}

// SendStake submits the resolver registration bond.
func (c *SignerClient) SendStake(ctx context.Context, amount *big.Int) (common.Hash, error) {
	return c.submit(ctx, "stake", map[string]interface{}{
		"amount": amount.String(),
	})
}

var _ TxSender = (*SignerClient)(nil)
