// Package server hosts the coordinator's admin and health endpoints.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"swaprelay/core/swap"
	"swaprelay/storage"
)

// HealthReporter produces the liveness report served on /healthz.
type HealthReporter interface {
	Health(ctx context.Context) HealthReport
}

// HealthReport is the JSON body of /healthz.
type HealthReport struct {
	Healthy bool                    `json:"healthy"`
	Store   bool                    `json:"store"`
	Ledgers map[string]LedgerHealth `json:"ledgers"`
}

// LedgerHealth reports one chain's connectivity and ingestion lag.
type LedgerHealth struct {
	Reachable bool   `json:"reachable"`
	Head      uint64 `json:"head"`
	CursorLag uint64 `json:"cursorLag"`
}

// Refunder schedules operator-forced refunds.
type Refunder interface {
	ForceRefund(ctx context.Context, swapID string) error
}

// SwapCreator pairs two on-chain escrows on operator request.
type SwapCreator interface {
	CreateSwap(ctx context.Context, aEscrowID, bEscrowID string) (*swap.Swap, error)
}

// Config defines HTTP server parameters.
type Config struct {
	ListenAddress string
	AdminToken    string
}

// Server exposes the operator surface: health, swap inspection, forced
// refunds, and Prometheus metrics.
type Server struct {
	cfg      Config
	store    *storage.Store
	health   HealthReporter
	refunder Refunder
	creator  SwapCreator
	log      *slog.Logger
}

// New constructs the admin server.
func New(cfg Config, store *storage.Store, health HealthReporter, refunder Refunder, creator SwapCreator, log *slog.Logger) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("storage required")
	}
	if strings.TrimSpace(cfg.AdminToken) == "" {
		return nil, fmt.Errorf("admin token required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Server{cfg: cfg, store: store, health: health, refunder: refunder, creator: creator, log: log}, nil
}

// Router assembles the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/healthz", s.handleHealth)
	r.Group(func(r chi.Router) {
		r.Use(s.requireBearer)
		r.Get("/swaps", s.handleListSwaps)
		r.Post("/swaps", s.handleCreateSwap)
		r.Get("/swaps/{id}", s.handleGetSwap)
		r.Post("/swaps/{id}/force-refund", s.handleForceRefund)
	})
	return otelhttp.NewHandler(r, "swaprelay-admin")
}

// ListenAndServe blocks until the context is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := HealthReport{Healthy: true, Store: true, Ledgers: map[string]LedgerHealth{}}
	if s.health != nil {
		report = s.health.Health(r.Context())
	}
	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

// swapView is the operator-facing swap rendering. Secrets never leave the
// process through this surface.
type swapView struct {
	ID          string      `json:"id"`
	Digest      string      `json:"digest"`
	Algorithm   string      `json:"algorithm"`
	Phase       string      `json:"phase"`
	PauseReason string      `json:"pauseReason,omitempty"`
	LastError   string      `json:"lastError,omitempty"`
	RetryCount  int         `json:"retryCount"`
	CreatedMS   int64       `json:"createdMs"`
	UpdatedMS   int64       `json:"updatedMs"`
	AEscrow     *escrowView `json:"aEscrow,omitempty"`
	BEscrow     *escrowView `json:"bEscrow,omitempty"`
}

type escrowView struct {
	ID          string `json:"id"`
	Ledger      string `json:"ledger"`
	Owner       string `json:"owner"`
	Beneficiary string `json:"beneficiary"`
	Token       string `json:"token"`
	Amount      string `json:"amount"`
	DeadlineMS  int64  `json:"deadlineMs"`
	Withdrawn   bool   `json:"withdrawn"`
	Refunded    bool   `json:"refunded"`
}

func renderEscrow(e *swap.Escrow) *escrowView {
	if e == nil {
		return nil
	}
	amount := "0"
	if e.Amount != nil {
		amount = e.Amount.String()
	}
	return &escrowView{
		ID:          e.ID,
		Ledger:      string(e.Ledger),
		Owner:       e.Owner,
		Beneficiary: e.Beneficiary,
		Token:       e.Token,
		Amount:      amount,
		DeadlineMS:  e.DeadlineMS(),
		Withdrawn:   e.Withdrawn,
		Refunded:    e.Refunded,
	}
}

func renderSwap(record *swap.Swap) swapView {
	return swapView{
		ID:          record.ID,
		Digest:      record.Digest.Hex(),
		Algorithm:   record.Algorithm.String(),
		Phase:       record.Phase.String(),
		PauseReason: record.PauseReason,
		LastError:   record.LastError,
		RetryCount:  record.RetryCount,
		CreatedMS:   record.CreatedMS,
		UpdatedMS:   record.UpdatedMS,
		AEscrow:     renderEscrow(record.AEscrow),
		BEscrow:     renderEscrow(record.BEscrow),
	}
}

func (s *Server) handleListSwaps(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.ActiveSwaps(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	views := make([]swapView, 0, len(records))
	for _, record := range records {
		views = append(views, renderSwap(record))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"swaps": views})
}

func (s *Server) handleGetSwap(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	record, err := s.store.GetSwap(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "swap not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, renderSwap(record))
}

type createSwapRequest struct {
	AEscrowID string `json:"aEscrowId"`
	BEscrowID string `json:"bEscrowId"`
}

func (s *Server) handleCreateSwap(w http.ResponseWriter, r *http.Request) {
	if s.creator == nil {
		writeError(w, http.StatusServiceUnavailable, "swap creation unavailable")
		return
	}
	var req createSwapRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.AEscrowID) == "" || strings.TrimSpace(req.BEscrowID) == "" {
		writeError(w, http.StatusBadRequest, "both escrow ids required")
		return
	}
	record, err := s.creator.CreateSwap(r.Context(), req.AEscrowID, req.BEscrowID)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.log.Info("swap created via admin surface", "swap", record.ID)
	writeJSON(w, http.StatusCreated, renderSwap(record))
}

func (s *Server) handleForceRefund(w http.ResponseWriter, r *http.Request) {
	if s.refunder == nil {
		writeError(w, http.StatusServiceUnavailable, "refunds unavailable")
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.refunder.ForceRefund(r.Context(), id); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.log.Info("force refund scheduled", "swap", id)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}
