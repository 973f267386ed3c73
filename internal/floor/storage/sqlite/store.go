// Package sqlite provides SQLite-backed persistence for the floor service.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/brigadehq/brigade/internal/floor/storage"
	"github.com/brigadehq/brigade/internal/floor/storage/sqlite/migrations"
	apperrors "github.com/brigadehq/brigade/internal/platform/errors"
	"github.com/brigadehq/brigade/internal/platform/storage/sqlitemigrate"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed persistence for floor state.
type Store struct {
	sqlDB *sql.DB
}

var _ storage.Store = (*Store)(nil)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a floor SQLite store at the provided path.
//
// Transactions start in immediate mode so every write transaction takes the
// database write lock up front; the allocation engine depends on this to
// serialize concurrent payments against one bill.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := ensureForeignKeysEnabled(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	store := &Store{sqlDB: sqlDB}
	if err := sqlitemigrate.Apply(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close closes the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func ensureForeignKeysEnabled(db *sql.DB) error {
	var enabled int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&enabled); err != nil {
		return fmt.Errorf("check sqlite foreign key pragma: %w", err)
	}
	if enabled != 1 {
		return fmt.Errorf("sqlite foreign keys are disabled")
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

// CreateSession persists one table session row.
func (s *Store) CreateSession(ctx context.Context, record storage.SessionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	participants, err := json.Marshal(record.Participants)
	if err != nil {
		return fmt.Errorf("marshal participants: %w", err)
	}
	var closedAt any
	if record.ClosedAt != nil {
		closedAt = toMillis(*record.ClosedAt)
	}
	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO sessions (id, unit_id, station_id, status, participants, created_at, closed_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.UnitID, record.StationID, record.Status,
		string(participants), toMillis(record.CreatedAt), closedAt,
	)
	if isUniqueViolation(err) {
		return storage.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession loads one session by id.
func (s *Store) GetSession(ctx context.Context, sessionID string) (storage.SessionRecord, error) {
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, unit_id, station_id, status, participants, created_at, closed_at
FROM sessions WHERE id = ?`, sessionID)
	return scanSession(row)
}

// ActiveSessionForStation returns the non-closed session occupying a station.
func (s *Store) ActiveSessionForStation(ctx context.Context, unitID string, stationID string) (storage.SessionRecord, error) {
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, unit_id, station_id, status, participants, created_at, closed_at
FROM sessions
WHERE unit_id = ? AND station_id = ? AND status != ?
ORDER BY created_at DESC LIMIT 1`, unitID, stationID, "CLOSED")
	return scanSession(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (storage.SessionRecord, error) {
	var record storage.SessionRecord
	var participants string
	var createdAt int64
	var closedAt sql.NullInt64
	err := row.Scan(&record.ID, &record.UnitID, &record.StationID, &record.Status,
		&participants, &createdAt, &closedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.SessionRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.SessionRecord{}, fmt.Errorf("scan session: %w", err)
	}
	if err := json.Unmarshal([]byte(participants), &record.Participants); err != nil {
		return storage.SessionRecord{}, fmt.Errorf("unmarshal participants: %w", err)
	}
	record.CreatedAt = fromMillis(createdAt)
	if closedAt.Valid {
		at := fromMillis(closedAt.Int64)
		record.ClosedAt = &at
	}
	return record, nil
}

// AddParticipant appends a participant to the session if not already present.
func (s *Store) AddParticipant(ctx context.Context, sessionID string, participantID string) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin add participant: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var raw string
	err = tx.QueryRowContext(ctx, "SELECT participants FROM sessions WHERE id = ?", sessionID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read participants: %w", err)
	}
	var participants []string
	if err := json.Unmarshal([]byte(raw), &participants); err != nil {
		return fmt.Errorf("unmarshal participants: %w", err)
	}
	for _, existing := range participants {
		if existing == participantID {
			return tx.Commit()
		}
	}
	participants = append(participants, participantID)
	updated, err := json.Marshal(participants)
	if err != nil {
		return fmt.Errorf("marshal participants: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "UPDATE sessions SET participants = ? WHERE id = ?", string(updated), sessionID); err != nil {
		return fmt.Errorf("update participants: %w", err)
	}
	return tx.Commit()
}

// UpdateSessionStatus moves a session between lifecycle statuses.
func (s *Store) UpdateSessionStatus(ctx context.Context, sessionID string, fromStatus string, toStatus string, closedAt *time.Time) error {
	var closed any
	if closedAt != nil {
		closed = toMillis(*closedAt)
	}
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE sessions SET status = ?, closed_at = ? WHERE id = ? AND status = ?`,
		toStatus, closed, sessionID, fromStatus)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("session status rows affected: %w", err)
	}
	if affected == 1 {
		return nil
	}
	if _, err := s.GetSession(ctx, sessionID); errors.Is(err, storage.ErrNotFound) {
		return storage.ErrNotFound
	}
	return storage.ErrConflict
}

// CreateRound atomically persists a round with its items and charges,
// assigning the next sequence number for the session.
func (s *Store) CreateRound(ctx context.Context, round storage.RoundRecord, items []storage.ItemRecord, charges []storage.ChargeRecord) (storage.RoundRecord, error) {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return storage.RoundRecord{}, fmt.Errorf("begin create round: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) + 1 FROM rounds WHERE session_id = ?",
		round.SessionID).Scan(&seq); err != nil {
		return storage.RoundRecord{}, fmt.Errorf("next round seq: %w", err)
	}
	round.Seq = seq
	round.Version = 1

	_, err = tx.ExecContext(ctx, `
INSERT INTO rounds (id, session_id, seq, status, idempotency_key, submitted_at, updated_at, version)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		round.ID, round.SessionID, round.Seq, round.Status, round.IdempotencyKey,
		toMillis(round.SubmittedAt), toMillis(round.UpdatedAt), round.Version)
	if isUniqueViolation(err) {
		return storage.RoundRecord{}, storage.ErrConflict
	}
	if err != nil {
		return storage.RoundRecord{}, fmt.Errorf("insert round: %w", err)
	}

	for _, item := range items {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO round_items (id, round_id, product_id, name, quantity, unit_price_cents, note, participant_id)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			item.ID, round.ID, item.ProductID, item.Name, item.Quantity,
			item.UnitPriceCents, item.Note, item.ParticipantID); err != nil {
			return storage.RoundRecord{}, fmt.Errorf("insert round item: %w", err)
		}
	}
	for _, charge := range charges {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO charges (id, session_id, round_id, item_id, participant_id, amount_cents, settled_cents, created_at)
VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
			charge.ID, charge.SessionID, round.ID, charge.ItemID, charge.ParticipantID,
			charge.AmountCents, toMillis(charge.CreatedAt)); err != nil {
			return storage.RoundRecord{}, fmt.Errorf("insert charge: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storage.RoundRecord{}, fmt.Errorf("commit create round: %w", err)
	}
	return round, nil
}

// GetRound loads one round by id.
func (s *Store) GetRound(ctx context.Context, roundID string) (storage.RoundRecord, error) {
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, session_id, seq, status, idempotency_key, submitted_at, updated_at, version
FROM rounds WHERE id = ?`, roundID)
	return scanRound(row)
}

// GetRoundByIdempotencyKey loads the round previously created with the key.
func (s *Store) GetRoundByIdempotencyKey(ctx context.Context, sessionID string, key string) (storage.RoundRecord, error) {
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, session_id, seq, status, idempotency_key, submitted_at, updated_at, version
FROM rounds WHERE session_id = ? AND idempotency_key = ?`, sessionID, key)
	return scanRound(row)
}

func scanRound(row rowScanner) (storage.RoundRecord, error) {
	var record storage.RoundRecord
	var submittedAt, updatedAt int64
	err := row.Scan(&record.ID, &record.SessionID, &record.Seq, &record.Status,
		&record.IdempotencyKey, &submittedAt, &updatedAt, &record.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.RoundRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.RoundRecord{}, fmt.Errorf("scan round: %w", err)
	}
	record.SubmittedAt = fromMillis(submittedAt)
	record.UpdatedAt = fromMillis(updatedAt)
	return record, nil
}

// ListRounds returns all rounds of a session ordered by sequence.
func (s *Store) ListRounds(ctx context.Context, sessionID string) ([]storage.RoundRecord, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, session_id, seq, status, idempotency_key, submitted_at, updated_at, version
FROM rounds WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list rounds: %w", err)
	}
	defer rows.Close()

	var records []storage.RoundRecord
	for rows.Next() {
		record, err := scanRound(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// ListRoundItems returns a round's line items in insertion order.
func (s *Store) ListRoundItems(ctx context.Context, roundID string) ([]storage.ItemRecord, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, round_id, product_id, name, quantity, unit_price_cents, note, participant_id
FROM round_items WHERE round_id = ? ORDER BY rowid ASC`, roundID)
	if err != nil {
		return nil, fmt.Errorf("list round items: %w", err)
	}
	defer rows.Close()

	var records []storage.ItemRecord
	for rows.Next() {
		var record storage.ItemRecord
		if err := rows.Scan(&record.ID, &record.RoundID, &record.ProductID, &record.Name,
			&record.Quantity, &record.UnitPriceCents, &record.Note, &record.ParticipantID); err != nil {
			return nil, fmt.Errorf("scan round item: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// UpdateRoundStatus writes the new status when the optimistic check holds.
func (s *Store) UpdateRoundStatus(ctx context.Context, roundID string, fromStatus string, toStatus string, at time.Time, version int64) (storage.RoundRecord, error) {
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE rounds SET status = ?, updated_at = ?, version = version + 1
WHERE id = ? AND status = ? AND version = ?`,
		toStatus, toMillis(at), roundID, fromStatus, version)
	if err != nil {
		return storage.RoundRecord{}, fmt.Errorf("update round status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return storage.RoundRecord{}, fmt.Errorf("round status rows affected: %w", err)
	}
	if affected == 0 {
		if _, err := s.GetRound(ctx, roundID); errors.Is(err, storage.ErrNotFound) {
			return storage.RoundRecord{}, storage.ErrNotFound
		}
		return storage.RoundRecord{}, storage.ErrConflict
	}
	return s.GetRound(ctx, roundID)
}

// ListCharges returns a session's charges oldest-first.
func (s *Store) ListCharges(ctx context.Context, sessionID string) ([]storage.ChargeRecord, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, session_id, round_id, item_id, participant_id, amount_cents, settled_cents, created_at
FROM charges WHERE session_id = ? ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list charges: %w", err)
	}
	defer rows.Close()
	return collectCharges(rows)
}

func collectCharges(rows *sql.Rows) ([]storage.ChargeRecord, error) {
	var records []storage.ChargeRecord
	for rows.Next() {
		var record storage.ChargeRecord
		var createdAt int64
		if err := rows.Scan(&record.ID, &record.SessionID, &record.RoundID, &record.ItemID,
			&record.ParticipantID, &record.AmountCents, &record.SettledCents, &createdAt); err != nil {
			return nil, fmt.Errorf("scan charge: %w", err)
		}
		record.CreatedAt = fromMillis(createdAt)
		records = append(records, record)
	}
	return records, rows.Err()
}

// ListAllocations returns the allocations recorded for one payment.
func (s *Store) ListAllocations(ctx context.Context, paymentID string) ([]storage.AllocationRecord, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, payment_id, charge_id, amount_cents, created_at
FROM allocations WHERE payment_id = ? ORDER BY created_at ASC, id ASC`, paymentID)
	if err != nil {
		return nil, fmt.Errorf("list allocations: %w", err)
	}
	defer rows.Close()

	var records []storage.AllocationRecord
	for rows.Next() {
		var record storage.AllocationRecord
		var createdAt int64
		if err := rows.Scan(&record.ID, &record.PaymentID, &record.ChargeID,
			&record.AmountCents, &createdAt); err != nil {
			return nil, fmt.Errorf("scan allocation: %w", err)
		}
		record.CreatedAt = fromMillis(createdAt)
		records = append(records, record)
	}
	return records, rows.Err()
}

// AllocatePayment persists a payment and its planned allocations inside one
// exclusive transaction over the session's charges.
func (s *Store) AllocatePayment(ctx context.Context, payment storage.PaymentRecord, plan storage.AllocationPlanner) (storage.AllocationResult, error) {
	if plan == nil {
		return storage.AllocationResult{}, fmt.Errorf("allocation planner is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return storage.AllocationResult{}, fmt.Errorf("begin allocate payment: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
SELECT id, session_id, round_id, item_id, participant_id, amount_cents, settled_cents, created_at
FROM charges WHERE session_id = ? ORDER BY created_at ASC, id ASC`, payment.SessionID)
	if err != nil {
		return storage.AllocationResult{}, fmt.Errorf("read charges for allocation: %w", err)
	}
	charges, err := collectCharges(rows)
	rows.Close()
	if err != nil {
		return storage.AllocationResult{}, err
	}

	allocations, surplus, err := plan(charges)
	if err != nil {
		return storage.AllocationResult{}, err
	}

	byID := make(map[string]storage.ChargeRecord, len(charges))
	for _, charge := range charges {
		byID[charge.ID] = charge
	}
	var allocated int64
	for _, allocation := range allocations {
		charge, ok := byID[allocation.ChargeID]
		if !ok {
			return storage.AllocationResult{}, apperrors.WithMetadata(apperrors.CodeAllocationExceedsCharge,
				"allocation targets a charge outside the session bill",
				map[string]string{"charge_id": allocation.ChargeID})
		}
		if allocation.AmountCents <= 0 || allocation.AmountCents > charge.AmountCents-charge.SettledCents {
			return storage.AllocationResult{}, apperrors.WithMetadata(apperrors.CodeAllocationExceedsCharge,
				"allocation exceeds charge outstanding balance",
				map[string]string{"charge_id": allocation.ChargeID})
		}
		allocated += allocation.AmountCents
	}
	if allocated > payment.AmountCents {
		return storage.AllocationResult{}, apperrors.New(apperrors.CodeAllocationExceedsPayment,
			"allocations exceed payment amount")
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO payments (id, session_id, participant_id, amount_cents, method, reference, received_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		payment.ID, payment.SessionID, payment.ParticipantID, payment.AmountCents,
		payment.Method, payment.Reference, toMillis(payment.ReceivedAt)); err != nil {
		return storage.AllocationResult{}, fmt.Errorf("insert payment: %w", err)
	}

	for _, allocation := range allocations {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO allocations (id, payment_id, charge_id, amount_cents, created_at)
VALUES (?, ?, ?, ?, ?)`,
			allocation.ID, payment.ID, allocation.ChargeID, allocation.AmountCents,
			toMillis(allocation.CreatedAt)); err != nil {
			return storage.AllocationResult{}, fmt.Errorf("insert allocation: %w", err)
		}
		result, err := tx.ExecContext(ctx, `
UPDATE charges SET settled_cents = settled_cents + ?
WHERE id = ? AND settled_cents + ? <= amount_cents`,
			allocation.AmountCents, allocation.ChargeID, allocation.AmountCents)
		if err != nil {
			return storage.AllocationResult{}, fmt.Errorf("advance charge balance: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return storage.AllocationResult{}, fmt.Errorf("charge balance rows affected: %w", err)
		}
		if affected != 1 {
			return storage.AllocationResult{}, apperrors.WithMetadata(apperrors.CodeAllocationExceedsCharge,
				"charge balance moved during allocation",
				map[string]string{"charge_id": allocation.ChargeID})
		}
	}

	var total, settled sql.NullInt64
	if err := tx.QueryRowContext(ctx, `
SELECT SUM(amount_cents), SUM(settled_cents) FROM charges WHERE session_id = ?`,
		payment.SessionID).Scan(&total, &settled); err != nil {
		return storage.AllocationResult{}, fmt.Errorf("sum charges: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return storage.AllocationResult{}, fmt.Errorf("commit allocate payment: %w", err)
	}

	outstanding := total.Int64 - settled.Int64
	return storage.AllocationResult{
		Allocations:      allocations,
		SurplusCents:     surplus,
		OutstandingCents: outstanding,
		TotalCents:       total.Int64,
		Settled:          total.Int64 > 0 && outstanding == 0,
	}, nil
}
