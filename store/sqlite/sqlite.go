/*
Package sqlite provides a SQLite-backed implementation of the ledger storage interfaces.

PURPOSE:
  Implements ledger.Store (payments + archives) and ledger.Counter using
  SQLite. In production the same patterns apply to PostgreSQL with minor
  dialect differences.

INTERFACES IMPLEMENTED:
  ledger.PaymentStore: Insert, conditional update, filtered reads
  ledger.ArchiveStore: Atomic archive + soft-delete, restore flag, reinstate
  ledger.Counter:      Atomic increment-and-fetch of named sequences

CONDITIONAL UPDATES:
  Every write to payments carries the expected version in its WHERE clause:

    UPDATE payments SET ..., version = version + 1
    WHERE id = ? AND version = ? AND deleted = 0

  Zero affected rows means another writer got there first
  (ErrConcurrentModification) or the row is gone (ErrNotFound).

KEY TABLES:
  payments:  One row per payment. Buckets live in amounts_json; the columns
             used by filters (clinic, status, total_owed, payment_date) are
             duplicated for indexing.
  archives:  Append-only copies of deleted payments. Only the restore
             columns are ever updated.
  counters:  Named sequences, one row each.

INDEXES:
  - idx_payments_clinic_status: Outstanding and revenue reports (hot path)
  - idx_payments_client:        Account summaries
  - idx_payments_date:          Date-range filters and aging
  - idx_archives_original:      Archive lookups by payment

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := ledger.NewEngine(store, allocator)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - ledger/store.go: Interface definitions and the update contract
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/mattn/go-sqlite3"

	"github.com/warp/payment-ledger/ledger"
)

// Fixed-width UTC layout so TEXT columns sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements ledger.Store and ledger.Counter using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Each connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return storageErr("ping", err)
	}
	return nil
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		payment_number TEXT NOT NULL UNIQUE,
		legacy_id TEXT,
		client_id TEXT NOT NULL,
		client_name TEXT,
		order_id TEXT,
		method TEXT NOT NULL,
		type TEXT NOT NULL,
		clinic TEXT NOT NULL,
		status TEXT NOT NULL,
		note TEXT,
		amounts_json TEXT NOT NULL,
		total_owed REAL NOT NULL DEFAULT 0,
		payment_date TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		created_by TEXT,
		updated_by TEXT,
		version INTEGER NOT NULL DEFAULT 1,
		deleted INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_payments_clinic_status
		ON payments(clinic, status) WHERE deleted = 0;
	CREATE INDEX IF NOT EXISTS idx_payments_client
		ON payments(client_id) WHERE deleted = 0;
	CREATE INDEX IF NOT EXISTS idx_payments_date
		ON payments(payment_date);

	-- Archives (append-only, restore columns excepted)
	CREATE TABLE IF NOT EXISTS archives (
		id TEXT PRIMARY KEY,
		original_id TEXT NOT NULL,
		client_id TEXT NOT NULL,
		clinic TEXT NOT NULL,
		payment_json TEXT NOT NULL,
		reason TEXT,
		archived_by TEXT,
		archived_at TEXT NOT NULL,
		is_restored INTEGER NOT NULL DEFAULT 0,
		restored_at TEXT,
		restored_by TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_archives_original
		ON archives(original_id);

	CREATE TABLE IF NOT EXISTS counters (
		name TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// PAYMENTS
// =============================================================================

const paymentColumns = `id, payment_number, legacy_id, client_id, client_name, order_id,
	method, type, clinic, status, note, amounts_json, payment_date,
	created_at, updated_at, created_by, updated_by, version, deleted`

func (s *Store) InsertPayment(ctx context.Context, p ledger.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertPayment(ctx, s.db, p)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertPayment(ctx context.Context, db execer, p ledger.Payment) error {
	amounts, err := json.Marshal(p.Amounts)
	if err != nil {
		return fmt.Errorf("failed to encode amounts: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO payments (`+paymentColumns+`, total_owed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, 0, ?)`,
		string(p.ID), p.PaymentNumber, nullString(p.LegacyID),
		string(p.ClientID), nullString(p.ClientName), nullString(p.OrderID),
		string(p.Method), string(p.Type), p.Clinic, string(p.Status), nullString(p.Note),
		string(amounts), formatTime(p.PaymentDate),
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
		nullString(p.CreatedBy), nullString(p.UpdatedBy),
		p.Amounts.TotalOwed().InexactFloat64(),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			if strings.Contains(err.Error(), "payments.payment_number") {
				return fmt.Errorf("%w: %s", ledger.ErrDuplicatePaymentNumber, p.PaymentNumber)
			}
			return fmt.Errorf("payment %s already exists: %w", p.ID, ledger.ErrConcurrentModification)
		}
		return storageErr("insert payment", err)
	}
	return nil
}

// UpdatePayment stores p if the row is still at expectedVersion.
// Identity and creation audit columns are never rewritten.
func (s *Store) UpdatePayment(ctx context.Context, p ledger.Payment, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	amounts, err := json.Marshal(p.Amounts)
	if err != nil {
		return fmt.Errorf("failed to encode amounts: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE payments SET
			legacy_id = ?, client_name = ?, order_id = ?, method = ?, type = ?,
			status = ?, note = ?, amounts_json = ?, total_owed = ?, payment_date = ?,
			updated_at = ?, updated_by = ?, version = version + 1
		WHERE id = ? AND version = ? AND deleted = 0`,
		nullString(p.LegacyID), nullString(p.ClientName), nullString(p.OrderID),
		string(p.Method), string(p.Type), string(p.Status), nullString(p.Note),
		string(amounts), p.Amounts.TotalOwed().InexactFloat64(), formatTime(p.PaymentDate),
		formatTime(p.UpdatedAt), nullString(p.UpdatedBy),
		string(p.ID), expectedVersion,
	)
	if err != nil {
		return storageErr("update payment", err)
	}
	return s.checkConditional(ctx, s.db, res, p.ID, expectedVersion)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// checkConditional turns zero affected rows into the matching sentinel.
func (s *Store) checkConditional(ctx context.Context, db queryer, res sql.Result, id ledger.PaymentID, expected int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("rows affected", err)
	}
	if n == 1 {
		return nil
	}

	var version int64
	var deleted bool
	err = db.QueryRowContext(ctx, `SELECT version, deleted FROM payments WHERE id = ?`, string(id)).
		Scan(&version, &deleted)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ledger.ErrNotFound
	case err != nil:
		return storageErr("check version", err)
	case deleted:
		return ledger.ErrNotFound
	}
	return fmt.Errorf("%w: payment %s at version %d, expected %d",
		ledger.ErrConcurrentModification, id, version, expected)
}

func (s *Store) GetPayment(ctx context.Context, id ledger.PaymentID) (ledger.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getPayment(ctx, `WHERE id = ? AND deleted = 0`, string(id))
}

func (s *Store) GetPaymentByNumber(ctx context.Context, number string) (ledger.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getPayment(ctx, `WHERE payment_number = ? AND deleted = 0`, number)
}

func (s *Store) getPayment(ctx context.Context, where string, args ...any) (ledger.Payment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments `+where, args...)
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Payment{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Payment{}, storageErr("get payment", err)
	}
	return p, nil
}

// ListPayments pushes every filter down to SQL, ordered by payment date then number.
func (s *Store) ListPayments(ctx context.Context, f ledger.PaymentFilter) ([]ledger.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where := []string{"deleted = 0"}
	var args []any
	if f.Clinic != "" {
		where = append(where, "clinic = ?")
		args = append(args, f.Clinic)
	}
	if f.ClientID != "" {
		where = append(where, "client_id = ?")
		args = append(args, string(f.ClientID))
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if f.From != nil {
		where = append(where, "payment_date >= ?")
		args = append(args, formatTime(*f.From))
	}
	if f.To != nil {
		where = append(where, "payment_date <= ?")
		args = append(args, formatTime(*f.To))
	}
	if f.OnlyOutstanding {
		where = append(where, "total_owed > 0")
	}

	query := `SELECT ` + paymentColumns + ` FROM payments WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY payment_date, payment_number`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, f.Offset)
		}
	} else if f.Offset > 0 {
		query += ` LIMIT -1 OFFSET ?`
		args = append(args, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list payments", err)
	}
	defer rows.Close()

	var result []ledger.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, storageErr("scan payment", err)
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list payments", err)
	}
	return result, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPayment(row scanner) (ledger.Payment, error) {
	var (
		p                                              ledger.Payment
		id, clientID, method, typ, status              string
		legacyID, clientName, orderID, note            sql.NullString
		createdBy, updatedBy                           sql.NullString
		amountsJSON, paymentDate, createdAt, updatedAt string
	)
	err := row.Scan(&id, &p.PaymentNumber, &legacyID, &clientID, &clientName, &orderID,
		&method, &typ, &p.Clinic, &status, &note, &amountsJSON, &paymentDate,
		&createdAt, &updatedAt, &createdBy, &updatedBy, &p.Version, &p.Deleted)
	if err != nil {
		return ledger.Payment{}, err
	}
	if err := json.Unmarshal([]byte(amountsJSON), &p.Amounts); err != nil {
		return ledger.Payment{}, fmt.Errorf("payment %s: corrupt amounts: %w", id, err)
	}

	p.ID = ledger.PaymentID(id)
	p.ClientID = ledger.ClientID(clientID)
	p.Method = ledger.Method(method)
	p.Type = ledger.Bucket(typ)
	p.Status = ledger.Status(status)
	p.LegacyID = legacyID.String
	p.ClientName = clientName.String
	p.OrderID = orderID.String
	p.Note = note.String
	p.CreatedBy = createdBy.String
	p.UpdatedBy = updatedBy.String
	p.PaymentDate = parseTime(paymentDate)
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return p, nil
}

// =============================================================================
// ARCHIVES
// =============================================================================

// ArchivePayment soft-deletes the payment and inserts rec in one transaction.
func (s *Store) ArchivePayment(ctx context.Context, rec ledger.ArchiveRecord, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot, err := json.Marshal(rec.Payment)
	if err != nil {
		return fmt.Errorf("failed to encode archive snapshot: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin archive", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE payments SET deleted = 1, version = version + 1, updated_at = ?, updated_by = ?
		WHERE id = ? AND version = ? AND deleted = 0`,
		formatTime(rec.ArchivedAt), nullString(rec.ArchivedBy), string(rec.OriginalID), expectedVersion)
	if err != nil {
		return storageErr("soft delete", err)
	}
	if err := s.checkConditional(ctx, tx, res, rec.OriginalID, expectedVersion); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO archives (id, original_id, client_id, clinic, payment_json, reason, archived_by, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(rec.ID), string(rec.OriginalID), string(rec.Payment.ClientID), rec.Payment.Clinic,
		string(snapshot), nullString(rec.Reason), nullString(rec.ArchivedBy), formatTime(rec.ArchivedAt))
	if err != nil {
		return storageErr("insert archive", err)
	}

	if err := tx.Commit(); err != nil {
		return storageErr("commit archive", err)
	}
	return nil
}

const archiveColumns = `id, original_id, payment_json, reason, archived_by, archived_at,
	is_restored, restored_at, restored_by`

func (s *Store) GetArchive(ctx context.Context, id ledger.ArchiveID) (ledger.ArchiveRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getArchive(ctx, s.db, id)
}

func (s *Store) getArchive(ctx context.Context, db queryer, id ledger.ArchiveID) (ledger.ArchiveRecord, error) {
	row := db.QueryRowContext(ctx, `SELECT `+archiveColumns+` FROM archives WHERE id = ?`, string(id))
	rec, err := scanArchive(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ArchiveRecord{}, ledger.ErrArchiveNotFound
	}
	if err != nil {
		return ledger.ArchiveRecord{}, storageErr("get archive", err)
	}
	return rec, nil
}

// ListArchives returns matches, newest first.
func (s *Store) ListArchives(ctx context.Context, f ledger.ArchiveFilter) ([]ledger.ArchiveRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where := []string{"1 = 1"}
	var args []any
	if f.ClientID != "" {
		where = append(where, "client_id = ?")
		args = append(args, string(f.ClientID))
	}
	if f.Clinic != "" {
		where = append(where, "clinic = ?")
		args = append(args, f.Clinic)
	}
	if f.Restored != nil {
		where = append(where, "is_restored = ?")
		args = append(args, *f.Restored)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+archiveColumns+` FROM archives WHERE `+
		strings.Join(where, " AND ")+` ORDER BY archived_at DESC, rowid DESC`, args...)
	if err != nil {
		return nil, storageErr("list archives", err)
	}
	defer rows.Close()

	var result []ledger.ArchiveRecord
	for rows.Next() {
		rec, err := scanArchive(rows)
		if err != nil {
			return nil, storageErr("scan archive", err)
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list archives", err)
	}
	return result, nil
}

// MarkArchiveRestored flips is_restored exactly once.
func (s *Store) MarkArchiveRestored(ctx context.Context, id ledger.ArchiveID, actor string, at time.Time) (ledger.ArchiveRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE archives SET is_restored = 1, restored_at = ?, restored_by = ?
		WHERE id = ? AND is_restored = 0`,
		formatTime(at), nullString(actor), string(id))
	if err != nil {
		return ledger.ArchiveRecord{}, storageErr("restore archive", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ledger.ArchiveRecord{}, storageErr("rows affected", err)
	}

	rec, err := s.getArchive(ctx, s.db, id)
	if err != nil {
		return ledger.ArchiveRecord{}, err
	}
	if n == 0 {
		return ledger.ArchiveRecord{}, ledger.ErrAlreadyRestored
	}
	return rec, nil
}

// ReinstatePayment clears the soft-delete flag, or re-inserts the snapshot
// when the payment row no longer exists.
func (s *Store) ReinstatePayment(ctx context.Context, p ledger.Payment) (ledger.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Payment{}, storageErr("begin reinstate", err)
	}
	defer tx.Rollback()

	var deleted bool
	err = tx.QueryRowContext(ctx, `SELECT deleted FROM payments WHERE id = ?`, string(p.ID)).Scan(&deleted)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if err := insertPayment(ctx, tx, p); err != nil {
			return ledger.Payment{}, err
		}
	case err != nil:
		return ledger.Payment{}, storageErr("reinstate lookup", err)
	case deleted:
		_, err = tx.ExecContext(ctx, `
			UPDATE payments SET deleted = 0, version = version + 1, updated_at = ?, updated_by = ?
			WHERE id = ?`,
			formatTime(p.UpdatedAt), nullString(p.UpdatedBy), string(p.ID))
		if err != nil {
			return ledger.Payment{}, storageErr("reinstate", err)
		}
	}

	row := tx.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = ?`, string(p.ID))
	out, err := scanPayment(row)
	if err != nil {
		return ledger.Payment{}, storageErr("reinstate read", err)
	}
	if err := tx.Commit(); err != nil {
		return ledger.Payment{}, storageErr("commit reinstate", err)
	}
	return out, nil
}

func scanArchive(row scanner) (ledger.ArchiveRecord, error) {
	var (
		rec                      ledger.ArchiveRecord
		id, originalID, snapshot string
		archivedAt               string
		reason, archivedBy       sql.NullString
		restoredAt, restoredBy   sql.NullString
	)
	err := row.Scan(&id, &originalID, &snapshot, &reason, &archivedBy, &archivedAt,
		&rec.IsRestored, &restoredAt, &restoredBy)
	if err != nil {
		return ledger.ArchiveRecord{}, err
	}
	if err := json.Unmarshal([]byte(snapshot), &rec.Payment); err != nil {
		return ledger.ArchiveRecord{}, fmt.Errorf("archive %s: corrupt snapshot: %w", id, err)
	}
	rec.ID = ledger.ArchiveID(id)
	rec.OriginalID = ledger.PaymentID(originalID)
	rec.Reason = reason.String
	rec.ArchivedBy = archivedBy.String
	rec.ArchivedAt = parseTime(archivedAt)
	rec.RestoredBy = restoredBy.String
	if restoredAt.Valid {
		t := parseTime(restoredAt.String)
		rec.RestoredAt = &t
	}
	return rec, nil
}

// =============================================================================
// COUNTER
// =============================================================================

// Next is a single upsert statement, atomic across connections.
func (s *Store) Next(ctx context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var value int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO counters (name, value) VALUES (?, 1)
		ON CONFLICT(name) DO UPDATE SET value = value + 1
		RETURNING value`, name).Scan(&value)
	if err != nil {
		return 0, storageErr("next "+name, err)
	}
	return value, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ledger.ErrStorageUnavailable, err)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
