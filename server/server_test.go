package server

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"swaprelay/core/swap"
	"swaprelay/crypto/hashlock"
	"swaprelay/storage"
)

type stubHealth struct {
	report HealthReport
}

func (s stubHealth) Health(context.Context) HealthReport { return s.report }

type stubRefunder struct {
	called []string
	err    error
}

func (s *stubRefunder) ForceRefund(_ context.Context, swapID string) error {
	s.called = append(s.called, swapID)
	return s.err
}

type stubCreator struct {
	record *swap.Swap
	err    error
	pairs  [][2]string
}

func (s *stubCreator) CreateSwap(_ context.Context, aEscrowID, bEscrowID string) (*swap.Swap, error) {
	s.pairs = append(s.pairs, [2]string{aEscrowID, bEscrowID})
	return s.record, s.err
}

func newTestServer(t *testing.T, refunder Refunder, creator SwapCreator) (*Server, *storage.Store) {
	t.Helper()
	store, err := storage.Open(storage.MemoryDSN(t.Name()))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	health := stubHealth{report: HealthReport{Healthy: true, Store: true, Ledgers: map[string]LedgerHealth{}}}
	srv, err := New(Config{ListenAddress: ":0", AdminToken: "secret-token"}, store, health, refunder, creator, nil)
	require.NoError(t, err)
	return srv, store
}

func seedSwap(t *testing.T, store *storage.Store, phase swap.Phase) *swap.Swap {
	t.Helper()
	var secret hashlock.Secret
	secret[0] = byte(phase)
	digest, err := hashlock.Compute(secret, hashlock.AlgSHA256)
	require.NoError(t, err)
	record := &swap.Swap{
		ID:        swap.ProvisionalSwapID(swap.LedgerEVM, fmt.Sprintf("esc-%d", phase), digest),
		Digest:    digest,
		Algorithm: hashlock.AlgSHA256,
		Phase:     phase,
		CreatedMS: 1,
		UpdatedMS: 1,
	}
	record.SetSide(&swap.Escrow{
		ID:         fmt.Sprintf("esc-%d", phase),
		Ledger:     swap.LedgerEVM,
		Owner:      "alice",
		Amount:     big.NewInt(77),
		Digest:     digest,
		Algorithm:  hashlock.AlgSHA256,
		StartMS:    1,
		DurationMS: 1000,
	})
	_, err = store.SaveSwap(context.Background(), record, 0)
	require.NoError(t, err)
	return record
}

func TestBearerAuthRequired(t *testing.T) {
	srv, _ := newTestServer(t, &stubRefunder{}, &stubCreator{})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/swaps")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/swaps", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestListAndGetSwaps(t *testing.T) {
	srv, store := newTestServer(t, &stubRefunder{}, &stubCreator{})
	active := seedSwap(t, store, swap.PhaseBothLocked)
	seedSwap(t, store, swap.PhaseCompleted)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/swaps", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var listing struct {
		Swaps []swapView `json:"swaps"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listing))
	require.Len(t, listing.Swaps, 1)
	require.Equal(t, active.ID, listing.Swaps[0].ID)
	require.Equal(t, "both_locked", listing.Swaps[0].Phase)
	require.Equal(t, "77", listing.Swaps[0].AEscrow.Amount)

	req, _ = http.NewRequest(http.MethodGet, ts.URL+"/swaps/"+active.ID, nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	req, _ = http.NewRequest(http.MethodGet, ts.URL+"/swaps/nope", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestForceRefundDelegates(t *testing.T) {
	refunder := &stubRefunder{}
	srv, store := newTestServer(t, refunder, &stubCreator{})
	record := seedSwap(t, store, swap.PhaseExpired)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/swaps/"+record.ID+"/force-refund", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, []string{record.ID}, refunder.called)
}

func TestCreateSwapDelegates(t *testing.T) {
	created := seedRecord(t)
	creator := &stubCreator{record: created}
	srv, _ := newTestServer(t, &stubRefunder{}, creator)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body := strings.NewReader(`{"aEscrowId": "0xaaa1", "bEscrowId": "0xbbb1"}`)
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/swaps", body)
	req.Header.Set("Authorization", "Bearer secret-token")
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, [][2]string{{"0xaaa1", "0xbbb1"}}, creator.pairs)

	var view swapView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	require.Equal(t, created.ID, view.ID)

	// Missing escrow ids never reach the creator.
	req, _ = http.NewRequest(http.MethodPost, ts.URL+"/swaps", strings.NewReader(`{"aEscrowId": ""}`))
	req.Header.Set("Authorization", "Bearer secret-token")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Len(t, creator.pairs, 1)
}

// seedRecord builds an in-memory swap without persisting it, for stubbing
// the creator's response.
func seedRecord(t *testing.T) *swap.Swap {
	t.Helper()
	var secret hashlock.Secret
	secret[0] = 0x42
	digest, err := hashlock.Compute(secret, hashlock.AlgSHA256)
	require.NoError(t, err)
	record := &swap.Swap{
		ID:        swap.DeriveSwapID("0xaaa1", "0xbbb1", digest),
		Digest:    digest,
		Algorithm: hashlock.AlgSHA256,
		Phase:     swap.PhasePending,
	}
	return record
}

func TestHealthEndpointIsOpen(t *testing.T) {
	srv, _ := newTestServer(t, &stubRefunder{}, &stubCreator{})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var report HealthReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	require.True(t, report.Healthy)
}
