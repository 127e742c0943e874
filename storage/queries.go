package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"swaprelay/core/swap"
	"swaprelay/crypto/hashlock"
)

type swapRow struct {
	id          string
	digest      string
	algorithm   string
	phase       string
	aEscrowID   string
	bEscrowID   string
	createdMS   int64
	updatedMS   int64
	lastError   string
	retryCount  int
	pauseReason string
	version     uint64
}

func scanSwapRow(scanner interface{ Scan(dest ...any) error }) (*swapRow, error) {
	var row swapRow
	err := scanner.Scan(&row.id, &row.digest, &row.algorithm, &row.phase,
		&row.aEscrowID, &row.bEscrowID, &row.createdMS, &row.updatedMS,
		&row.lastError, &row.retryCount, &row.pauseReason, &row.version)
	if err != nil {
		return nil, err
	}
	return &row, nil
}

const swapColumns = `id, digest, algorithm, phase, a_escrow_id, b_escrow_id, created_ms, updated_ms, last_error, retry_count, pause_reason, version`

func (s *Store) hydrateSwap(ctx context.Context, row *swapRow) (*swap.Swap, error) {
	digest, err := hashlock.ParseDigest(row.digest)
	if err != nil {
		return nil, fmt.Errorf("swap %s digest: %w", row.id, err)
	}
	algorithm, err := hashlock.ParseAlgorithm(row.algorithm)
	if err != nil {
		return nil, fmt.Errorf("swap %s: %w", row.id, err)
	}
	phase, err := swap.ParsePhase(row.phase)
	if err != nil {
		return nil, fmt.Errorf("swap %s: %w", row.id, err)
	}
	record := &swap.Swap{
		ID:          row.id,
		Digest:      digest,
		Algorithm:   algorithm,
		Phase:       phase,
		CreatedMS:   row.createdMS,
		UpdatedMS:   row.updatedMS,
		LastError:   row.lastError,
		RetryCount:  row.retryCount,
		PauseReason: row.pauseReason,
		Version:     row.version,
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT ledger, id, owner, beneficiary, token, amount, digest, algorithm, start_ms, duration_ms, withdrawn, refunded, secret
        FROM escrows WHERE swap_id = ?
    `, row.id)
	if err != nil {
		return nil, fmt.Errorf("query escrows for %s: %w", row.id, err)
	}
	defer rows.Close()
	for rows.Next() {
		escrow, err := scanEscrow(rows)
		if err != nil {
			return nil, fmt.Errorf("swap %s: %w", row.id, err)
		}
		record.SetSide(escrow)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate escrows for %s: %w", row.id, err)
	}
	return record, nil
}

func scanEscrow(rows *sql.Rows) (*swap.Escrow, error) {
	var (
		ledgerName    string
		id            string
		owner         string
		beneficiary   string
		token         string
		amountText    string
		digestHex     string
		algorithmName string
		startMS       int64
		durationMS    int64
		withdrawn     int
		refunded      int
		secretHex     string
	)
	if err := rows.Scan(&ledgerName, &id, &owner, &beneficiary, &token, &amountText,
		&digestHex, &algorithmName, &startMS, &durationMS, &withdrawn, &refunded, &secretHex); err != nil {
		return nil, err
	}
	amount, ok := new(big.Int).SetString(amountText, 10)
	if !ok {
		return nil, fmt.Errorf("escrow %s amount %q not decimal", id, amountText)
	}
	digest, err := hashlock.ParseDigest(digestHex)
	if err != nil {
		return nil, fmt.Errorf("escrow %s digest: %w", id, err)
	}
	algorithm, err := hashlock.ParseAlgorithm(algorithmName)
	if err != nil {
		return nil, fmt.Errorf("escrow %s: %w", id, err)
	}
	escrow := &swap.Escrow{
		ID:          id,
		Ledger:      swap.Ledger(ledgerName),
		Owner:       owner,
		Beneficiary: beneficiary,
		Token:       token,
		Amount:      amount,
		Digest:      digest,
		Algorithm:   algorithm,
		StartMS:     startMS,
		DurationMS:  durationMS,
		Withdrawn:   withdrawn != 0,
		Refunded:    refunded != 0,
	}
	if secretHex != "" {
		secret, serr := hashlock.ParseSecret(secretHex)
		if serr != nil {
			return nil, fmt.Errorf("escrow %s secret: %w", id, serr)
		}
		escrow.Secret = &secret
	}
	return escrow, nil
}

// GetSwap loads a swap with both escrow sides.
func (s *Store) GetSwap(ctx context.Context, id string) (*swap.Swap, error) {
	row, err := scanSwapRow(s.db.QueryRowContext(ctx, `
        SELECT `+swapColumns+` FROM swaps WHERE id = ?
    `, strings.TrimSpace(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query swap: %w", err)
	}
	return s.hydrateSwap(ctx, row)
}

func (s *Store) collectSwaps(ctx context.Context, query string, args ...any) ([]*swap.Swap, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query swaps: %w", err)
	}
	var scanned []*swapRow
	for rows.Next() {
		row, err := scanSwapRow(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan swap: %w", err)
		}
		scanned = append(scanned, row)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate swaps: %w", err)
	}
	rows.Close()
	out := make([]*swap.Swap, 0, len(scanned))
	for _, row := range scanned {
		record, err := s.hydrateSwap(ctx, row)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, nil
}

// SwapByDigest finds the swap correlated on the digest. Non-terminal swaps
// win over purged leftovers.
func (s *Store) SwapByDigest(ctx context.Context, digest hashlock.Digest) (*swap.Swap, error) {
	matches, err := s.collectSwaps(ctx, `
        SELECT `+swapColumns+` FROM swaps WHERE digest = ? ORDER BY created_ms ASC
    `, digest.Hex())
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, ErrNotFound
	}
	for _, record := range matches {
		if !record.Phase.Terminal() {
			return record, nil
		}
	}
	return matches[0], nil
}

// SwapsByPhase lists swaps in any of the given phases.
func (s *Store) SwapsByPhase(ctx context.Context, phases ...swap.Phase) ([]*swap.Swap, error) {
	if len(phases) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(phases))
	args := make([]any, len(phases))
	for i, p := range phases {
		placeholders[i] = "?"
		args[i] = p.String()
	}
	return s.collectSwaps(ctx, `
        SELECT `+swapColumns+` FROM swaps WHERE phase IN (`+strings.Join(placeholders, ", ")+`) ORDER BY created_ms ASC
    `, args...)
}

// ActiveSwaps lists every non-terminal swap.
func (s *Store) ActiveSwaps(ctx context.Context) ([]*swap.Swap, error) {
	return s.SwapsByPhase(ctx, swap.PhasePending, swap.PhaseOneSideLocked, swap.PhaseBothLocked, swap.PhaseRevealed)
}

// SwapsWithDeadlineBefore lists non-terminal swaps that have a side whose
// deadline is at or before the cutoff. The scheduler uses this to rebuild
// its timer wheel after a restart.
func (s *Store) SwapsWithDeadlineBefore(ctx context.Context, cutoffMS int64) ([]*swap.Swap, error) {
	return s.collectSwaps(ctx, `
        SELECT DISTINCT `+prefixedSwapColumns("s")+`
        FROM swaps s JOIN escrows e ON e.swap_id = s.id
        WHERE e.deadline_ms <= ? AND s.phase NOT IN (?, ?, ?)
        ORDER BY s.created_ms ASC
    `, cutoffMS, swap.PhaseCompleted.String(), swap.PhaseExpired.String(), swap.PhaseFailed.String())
}

func prefixedSwapColumns(alias string) string {
	cols := strings.Split(swapColumns, ", ")
	for i, col := range cols {
		cols[i] = alias + "." + col
	}
	return strings.Join(cols, ", ")
}

// EventRecord is one audited row of the event log.
type EventRecord struct {
	Ledger     string
	TxRef      string
	EventIndex uint32
	Kind       string
	EscrowID   string
	SwapID     string
	Digest     string
	Height     uint64
	ObservedMS int64
	Payload    string
}

// Events pages through the event log in ingestion order, for audit export.
func (s *Store) Events(ctx context.Context, limit, offset int) ([]EventRecord, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT ledger, tx_ref, event_index, kind, escrow_id, swap_id, digest, height, observed_ms, payload
        FROM events ORDER BY ledger, height, event_index LIMIT ? OFFSET ?
    `, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	var out []EventRecord
	for rows.Next() {
		var rec EventRecord
		if err := rows.Scan(&rec.Ledger, &rec.TxRef, &rec.EventIndex, &rec.Kind, &rec.EscrowID,
			&rec.SwapID, &rec.Digest, &rec.Height, &rec.ObservedMS, &rec.Payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}
