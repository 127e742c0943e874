// Package storage persists coordinator state in SQLite: swaps with
// optimistic versioning, escrows, reveals, per-ledger cursors, and the
// append-only event log used for replay and audit.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "github.com/glebarez/sqlite"

	"swaprelay/core/swap"
	"swaprelay/crypto/hashlock"
)

var (
	// ErrPathRequired is returned when the backing store path is missing.
	ErrPathRequired = errors.New("storage path must be configured")
	// ErrVersionConflict signals a racing writer; the caller reloads the
	// swap and re-decides.
	ErrVersionConflict = errors.New("swap version conflict")
	// ErrNotFound is returned for missing records.
	ErrNotFound = errors.New("record not found")
)

// Store wraps the coordinator persistence layer.
type Store struct {
	db *sql.DB
}

// Open initialises the backing store from a sqlite-compatible DSN.
func Open(dsn string) (*Store, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping verifies store reachability for health probes.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("storage not configured")
	}
	return s.db.PingContext(ctx)
}

func writeEscrowTx(ctx context.Context, tx *sql.Tx, swapID string, e *swap.Escrow) error {
	if e == nil {
		return nil
	}
	secret := ""
	if e.Secret != nil {
		secret = e.Secret.Hex()
	}
	amount := "0"
	if e.Amount != nil {
		amount = e.Amount.String()
	}
	_, err := tx.ExecContext(ctx, `
        INSERT INTO escrows(ledger, id, swap_id, owner, beneficiary, token, amount, digest, algorithm, start_ms, duration_ms, deadline_ms, withdrawn, refunded, secret)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(ledger, id) DO UPDATE SET
            swap_id = excluded.swap_id,
            owner = excluded.owner,
            beneficiary = excluded.beneficiary,
            token = excluded.token,
            amount = excluded.amount,
            withdrawn = MAX(escrows.withdrawn, excluded.withdrawn),
            refunded = MAX(escrows.refunded, excluded.refunded),
            secret = CASE WHEN excluded.secret != '' THEN excluded.secret ELSE escrows.secret END
    `, string(e.Ledger), e.ID, swapID, e.Owner, e.Beneficiary, e.Token, amount,
		e.Digest.Hex(), e.Algorithm.String(), e.StartMS, e.DurationMS, e.DeadlineMS(),
		boolInt(e.Withdrawn), boolInt(e.Refunded), secret)
	if err != nil {
		return fmt.Errorf("upsert escrow %s/%s: %w", e.Ledger, e.ID, err)
	}
	return nil
}

func writeSwapTx(ctx context.Context, tx *sql.Tx, s *swap.Swap, expectedVersion uint64) (uint64, error) {
	aID, bID := "", ""
	if s.AEscrow != nil {
		aID = s.AEscrow.ID
	}
	if s.BEscrow != nil {
		bID = s.BEscrow.ID
	}
	if expectedVersion == 0 {
		_, err := tx.ExecContext(ctx, `
            INSERT INTO swaps(id, digest, algorithm, phase, a_escrow_id, b_escrow_id, created_ms, updated_ms, last_error, retry_count, pause_reason, version)
            VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
        `, s.ID, s.Digest.Hex(), s.Algorithm.String(), s.Phase.String(), aID, bID,
			s.CreatedMS, s.UpdatedMS, s.LastError, s.RetryCount, s.PauseReason)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE") {
				return 0, ErrVersionConflict
			}
			return 0, fmt.Errorf("insert swap %s: %w", s.ID, err)
		}
		return 1, nil
	}
	res, err := tx.ExecContext(ctx, `
        UPDATE swaps SET digest = ?, algorithm = ?, phase = ?, a_escrow_id = ?, b_escrow_id = ?,
            updated_ms = ?, last_error = ?, retry_count = ?, pause_reason = ?, version = version + 1
        WHERE id = ? AND version = ?
    `, s.Digest.Hex(), s.Algorithm.String(), s.Phase.String(), aID, bID,
		s.UpdatedMS, s.LastError, s.RetryCount, s.PauseReason, s.ID, expectedVersion)
	if err != nil {
		return 0, fmt.Errorf("update swap %s: %w", s.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("update swap %s: %w", s.ID, err)
	}
	if affected == 0 {
		return 0, ErrVersionConflict
	}
	return expectedVersion + 1, nil
}

// SaveSwap persists the swap and both attached escrows. expectedVersion 0
// inserts a fresh row; otherwise the update only lands when nobody raced.
// The stored version after the write is returned.
func (s *Store) SaveSwap(ctx context.Context, record *swap.Swap, expectedVersion uint64) (uint64, error) {
	if record == nil {
		return 0, fmt.Errorf("nil swap")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	version, err := writeSwapTx(ctx, tx, record, expectedVersion)
	if err != nil {
		return 0, err
	}
	for _, side := range record.Sides() {
		if err := writeEscrowTx(ctx, tx, record.ID, side); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return version, nil
}

// UpsertSwapAndAppendEvent persists the swap, records the triggering event,
// and advances the ledger cursor in one transaction, so no event is
// consumed without being recorded. Replayed events are absorbed by the
// event log's primary key.
func (s *Store) UpsertSwapAndAppendEvent(ctx context.Context, record *swap.Swap, ev *swap.EscrowEvent, expectedVersion uint64) (uint64, error) {
	if record == nil || ev == nil {
		return 0, fmt.Errorf("swap and event required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	version, err := writeSwapTx(ctx, tx, record, expectedVersion)
	if err != nil {
		return 0, err
	}
	for _, side := range record.Sides() {
		if err := writeEscrowTx(ctx, tx, record.ID, side); err != nil {
			return 0, err
		}
	}
	if err := appendEventTx(ctx, tx, record.ID, ev); err != nil {
		return 0, err
	}
	if err := advanceCursorTx(ctx, tx, cursorAfter(ev)); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return version, nil
}

type eventPayload struct {
	Kind        string `json:"kind"`
	EscrowID    string `json:"escrowId"`
	Owner       string `json:"owner,omitempty"`
	Beneficiary string `json:"beneficiary,omitempty"`
	Token       string `json:"token,omitempty"`
	Amount      string `json:"amount,omitempty"`
	StartMS     int64  `json:"startMs,omitempty"`
	DurationMS  int64  `json:"durationMs,omitempty"`
}

func appendEventTx(ctx context.Context, tx *sql.Tx, swapID string, ev *swap.EscrowEvent) error {
	payload := eventPayload{
		Kind:        ev.Kind.String(),
		EscrowID:    ev.EscrowID,
		Owner:       ev.Owner,
		Beneficiary: ev.Beneficiary,
		Token:       ev.Token,
		StartMS:     ev.StartMS,
		DurationMS:  ev.DurationMS,
	}
	if ev.Amount != nil {
		payload.Amount = ev.Amount.String()
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
        INSERT OR IGNORE INTO events(ledger, tx_ref, event_index, kind, escrow_id, swap_id, digest, height, observed_ms, payload)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `, string(ev.Ledger), ev.TxRef, ev.EventIndex, ev.Kind.String(), ev.EscrowID, swapID,
		ev.Digest.Hex(), ev.Height, ev.ObservedMS, string(encoded))
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// HasCreatedEvent reports whether the event log still carries the creation
// of the escrow. After a reorg rewind dropped it, the escrow is unconfirmed.
func (s *Store) HasCreatedEvent(ctx context.Context, ledger swap.Ledger, escrowID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
        SELECT 1 FROM events WHERE ledger = ? AND escrow_id = ? AND kind = ?
    `, string(ledger), swap.NormalizeID(escrowID), swap.EventCreated.String()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query created event: %w", err)
	}
	return true, nil
}

// DeleteSwap removes a swap and its side records. Used when a rewind left
// the swap with no confirmed escrow on either ledger.
func (s *Store) DeleteSwap(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM swaps WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete swap: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM escrows WHERE swap_id = ?`, id); err != nil {
		return fmt.Errorf("delete escrows: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM reveals WHERE swap_id = ?`, id); err != nil {
		return fmt.Errorf("delete reveals: %w", err)
	}
	return tx.Commit()
}

// DeleteEscrow removes one escrow record, used when a rewind proved the
// escrow was never finalised.
func (s *Store) DeleteEscrow(ctx context.Context, ledger swap.Ledger, escrowID string) error {
	_, err := s.db.ExecContext(ctx, `
        DELETE FROM escrows WHERE ledger = ? AND id = ?
    `, string(ledger), swap.NormalizeID(escrowID))
	if err != nil {
		return fmt.Errorf("delete escrow: %w", err)
	}
	return nil
}

// RecordEvent appends the event and advances the cursor without touching
// any swap, used for replays and events that match no known swap.
func (s *Store) RecordEvent(ctx context.Context, ev *swap.EscrowEvent) error {
	if ev == nil {
		return fmt.Errorf("nil event")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	if err := appendEventTx(ctx, tx, "", ev); err != nil {
		return err
	}
	if err := advanceCursorTx(ctx, tx, cursorAfter(ev)); err != nil {
		return err
	}
	return tx.Commit()
}

// cursorAfter is the first position not yet consumed once ev landed. The
// cursor tables store this resume point so already-consumed events are not
// re-requested on the next poll.
func cursorAfter(ev *swap.EscrowEvent) swap.Cursor {
	return swap.Cursor{Ledger: ev.Ledger, Height: ev.Height, Index: ev.EventIndex + 1}
}

// SeenEvent reports whether the event was already recorded.
func (s *Store) SeenEvent(ctx context.Context, ev *swap.EscrowEvent) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
        SELECT 1 FROM events WHERE ledger = ? AND tx_ref = ? AND event_index = ?
    `, string(ev.Ledger), ev.TxRef, ev.EventIndex).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query event: %w", err)
	}
	return true, nil
}

func advanceCursorTx(ctx context.Context, tx *sql.Tx, c swap.Cursor) error {
	if _, err := tx.ExecContext(ctx, `
        INSERT OR IGNORE INTO cursors(ledger, height, event_index) VALUES(?, 0, 0)
    `, string(c.Ledger)); err != nil {
		return fmt.Errorf("seed cursor: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
        UPDATE cursors SET height = ?, event_index = ?
        WHERE ledger = ? AND (height < ? OR (height = ? AND event_index < ?))
    `, c.Height, c.Index, string(c.Ledger), c.Height, c.Height, c.Index); err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	return nil
}

// AdvanceCursor moves the ledger cursor forward. Positions behind the
// stored cursor are ignored, keeping it monotone.
func (s *Store) AdvanceCursor(ctx context.Context, c swap.Cursor) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	if err := advanceCursorTx(ctx, tx, c); err != nil {
		return err
	}
	return tx.Commit()
}

// RewindCursor force-sets the cursor, used only for reorg recovery. Events
// at or above the new position are dropped from the log so the replacement
// history can re-insert them.
func (s *Store) RewindCursor(ctx context.Context, c swap.Cursor) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `
        INSERT INTO cursors(ledger, height, event_index) VALUES(?, ?, ?)
        ON CONFLICT(ledger) DO UPDATE SET height = excluded.height, event_index = excluded.event_index
    `, string(c.Ledger), c.Height, c.Index); err != nil {
		return fmt.Errorf("rewind cursor: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
        DELETE FROM events WHERE ledger = ? AND (height > ? OR (height = ? AND event_index >= ?))
    `, string(c.Ledger), c.Height, c.Height, c.Index); err != nil {
		return fmt.Errorf("drop rewound events: %w", err)
	}
	return tx.Commit()
}

// Cursor loads the ledger's ingestion position. A missing row reads as the
// zero cursor.
func (s *Store) Cursor(ctx context.Context, ledger swap.Ledger) (swap.Cursor, error) {
	c := swap.Cursor{Ledger: ledger}
	err := s.db.QueryRowContext(ctx, `
        SELECT height, event_index FROM cursors WHERE ledger = ?
    `, string(ledger)).Scan(&c.Height, &c.Index)
	if errors.Is(err, sql.ErrNoRows) {
		return c, nil
	}
	if err != nil {
		return c, fmt.Errorf("query cursor: %w", err)
	}
	return c, nil
}

// InsertReveal records the first observed preimage for the swap. Later
// duplicates are ignored; the first reveal wins.
func (s *Store) InsertReveal(ctx context.Context, r *swap.Reveal) error {
	if r == nil {
		return fmt.Errorf("nil reveal")
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT OR IGNORE INTO reveals(swap_id, digest, secret, source_ledger, source_tx_ref, observed_ms)
        VALUES(?, ?, ?, ?, ?, ?)
    `, r.SwapID, r.Digest.Hex(), r.Secret.Hex(), string(r.SourceLedger), r.SourceTxRef, r.ObservedMS)
	if err != nil {
		return fmt.Errorf("insert reveal: %w", err)
	}
	return nil
}

// Reveal loads the recorded preimage for the swap.
func (s *Store) Reveal(ctx context.Context, swapID string) (*swap.Reveal, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT swap_id, digest, secret, source_ledger, source_tx_ref, observed_ms
        FROM reveals WHERE swap_id = ?
    `, swapID)
	var (
		r          swap.Reveal
		digestHex  string
		secretHex  string
		sourceName string
	)
	err := row.Scan(&r.SwapID, &digestHex, &secretHex, &sourceName, &r.SourceTxRef, &r.ObservedMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query reveal: %w", err)
	}
	if r.Digest, err = hashlock.ParseDigest(digestHex); err != nil {
		return nil, fmt.Errorf("reveal digest: %w", err)
	}
	if r.Secret, err = hashlock.ParseSecret(secretHex); err != nil {
		return nil, fmt.Errorf("reveal secret: %w", err)
	}
	r.SourceLedger = swap.Ledger(sourceName)
	return &r, nil
}

// PurgeTerminalBefore deletes terminal swaps not touched since the cutoff,
// together with their escrows and reveals. The event log is retained for
// audit.
func (s *Store) PurgeTerminalBefore(ctx context.Context, cutoffMS int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	terminal := []string{swap.PhaseCompleted.String(), swap.PhaseExpired.String(), swap.PhaseFailed.String()}
	res, err := tx.ExecContext(ctx, `
        DELETE FROM swaps WHERE phase IN (?, ?, ?) AND updated_ms < ?
    `, terminal[0], terminal[1], terminal[2], cutoffMS)
	if err != nil {
		return 0, fmt.Errorf("purge swaps: %w", err)
	}
	purged, _ := res.RowsAffected()
	if _, err := tx.ExecContext(ctx, `
        DELETE FROM escrows WHERE swap_id NOT IN (SELECT id FROM swaps)
    `); err != nil {
		return 0, fmt.Errorf("purge escrows: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
        DELETE FROM reveals WHERE swap_id NOT IN (SELECT id FROM swaps)
    `); err != nil {
		return 0, fmt.Errorf("purge reveals: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return purged, nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

const schema = `
CREATE TABLE IF NOT EXISTS swaps (
    id TEXT PRIMARY KEY,
    digest TEXT NOT NULL,
    algorithm TEXT NOT NULL,
    phase TEXT NOT NULL,
    a_escrow_id TEXT NOT NULL DEFAULT '',
    b_escrow_id TEXT NOT NULL DEFAULT '',
    created_ms INTEGER NOT NULL,
    updated_ms INTEGER NOT NULL,
    last_error TEXT NOT NULL DEFAULT '',
    retry_count INTEGER NOT NULL DEFAULT 0,
    pause_reason TEXT NOT NULL DEFAULT '',
    version INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_swaps_phase ON swaps(phase);
CREATE INDEX IF NOT EXISTS idx_swaps_digest ON swaps(digest);

CREATE TABLE IF NOT EXISTS escrows (
    ledger TEXT NOT NULL,
    id TEXT NOT NULL,
    swap_id TEXT NOT NULL,
    owner TEXT NOT NULL DEFAULT '',
    beneficiary TEXT NOT NULL DEFAULT '',
    token TEXT NOT NULL DEFAULT '',
    amount TEXT NOT NULL,
    digest TEXT NOT NULL,
    algorithm TEXT NOT NULL,
    start_ms INTEGER NOT NULL,
    duration_ms INTEGER NOT NULL,
    deadline_ms INTEGER NOT NULL,
    withdrawn INTEGER NOT NULL DEFAULT 0,
    refunded INTEGER NOT NULL DEFAULT 0,
    secret TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (ledger, id)
);
CREATE INDEX IF NOT EXISTS idx_escrows_digest ON escrows(digest);
CREATE INDEX IF NOT EXISTS idx_escrows_deadline ON escrows(deadline_ms);
CREATE INDEX IF NOT EXISTS idx_escrows_swap ON escrows(swap_id);

CREATE TABLE IF NOT EXISTS reveals (
    swap_id TEXT PRIMARY KEY,
    digest TEXT NOT NULL,
    secret TEXT NOT NULL,
    source_ledger TEXT NOT NULL,
    source_tx_ref TEXT NOT NULL,
    observed_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS cursors (
    ledger TEXT PRIMARY KEY,
    height INTEGER NOT NULL,
    event_index INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
    ledger TEXT NOT NULL,
    tx_ref TEXT NOT NULL,
    event_index INTEGER NOT NULL,
    kind TEXT NOT NULL,
    escrow_id TEXT NOT NULL,
    swap_id TEXT NOT NULL DEFAULT '',
    digest TEXT NOT NULL,
    height INTEGER NOT NULL,
    observed_ms INTEGER NOT NULL,
    payload TEXT NOT NULL,
    PRIMARY KEY (ledger, tx_ref, event_index)
);
CREATE INDEX IF NOT EXISTS idx_events_position ON events(ledger, height, event_index);
`
