/*
Package sqlite provides a SQLite-backed implementation of the ledger storage interfaces.

INTERFACES IMPLEMENTED:
  ledger.Store:          payment records (append-only)
  ledger.LoanCatalog:    loan terms and instalment schedules
  ledger.UploadLogStore: upload audit records

APPEND-ONLY ENFORCEMENT:
  - The store has no UPDATE or DELETE statement on payments
  - Triggers abort any UPDATE or DELETE that reaches the payments table
  - Corrections are new rows with the opposite amount

KEY TABLES:
  payments:     immutable ledger of payment records
  loans:        loan terms (written by the loader only)
  installments: schedule entries per loan
  upload_logs:  one row per upload, errors and warnings as JSON

INDEXES:
  - idx_payments_loan_date:  snapshot replay (hot path), (loan, date, id)
  - idx_payments_date_desc:  recent payments listing

DATES:
  Payment and due dates are stored as YYYY-MM-DD text so that lexical order
  is calendar order. Amounts are stored as decimal strings, never REAL.

MIGRATION:
  Schema is versioned under migrations/ and applied with golang-migrate on
  New(). The files are embedded, so the binary carries its own schema.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  l := ledger.NewLedger(store, store)

SEE ALSO:
  - ledger/store.go: interface definitions
  - ledger/store/memory.go: in-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/loan-ledger/ledger"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store implements the ledger storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New opens (or creates) the database at dbPath and applies pending
// migrations. Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection: ":memory:" databases are per connection, and SQLite
	// allows a single writer anyway.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
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

// migrate applies the embedded migrations. The migrate instance is not
// closed: closing it would close the shared *sql.DB.
func (s *Store) migrate() error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// =============================================================================
// PAYMENT STORE (ledger.Store interface)
// =============================================================================

const paymentColumns = `
	id, borrower_id, loan_id, payment_date, currency, description, amount,
	event_kind, unresolved_reference, upload_id, ingested_at`

// Append adds a payment record. Returns ledger.ErrDuplicateID if the id exists.
func (s *Store) Append(ctx context.Context, rec ledger.PaymentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `INSERT INTO payments (` + paymentColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.BorrowerID,
		rec.LoanID,
		rec.Date.String(),
		rec.Currency,
		rec.Description,
		rec.Amount.String(),
		rec.EventKind.String(),
		rec.UnresolvedReference,
		nullString(rec.UploadID),
		rec.IngestedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateID
		}
		return fmt.Errorf("failed to append payment: %w", err)
	}
	return nil
}

// Get returns a payment by id, or nil if absent.
func (s *Store) Get(ctx context.Context, id ledger.PaymentID) (*ledger.PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = ?`

	recs, err := s.queryPayments(ctx, query, id)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return &recs[0], nil
}

// LoadByLoan returns the loan's payments dated on or before upTo in replay
// order. A zero upTo returns the full history.
func (s *Store) LoadByLoan(ctx context.Context, loanID ledger.LoanID, upTo ledger.Date) ([]ledger.PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if upTo.IsZero() {
		query := `SELECT ` + paymentColumns + ` FROM payments
			WHERE loan_id = ?
			ORDER BY payment_date ASC, id ASC`
		return s.queryPayments(ctx, query, loanID)
	}

	query := `SELECT ` + paymentColumns + ` FROM payments
		WHERE loan_id = ? AND payment_date <= ?
		ORDER BY payment_date ASC, id ASC`
	return s.queryPayments(ctx, query, loanID, upTo.String())
}

// Recent returns at most limit payments across all loans, most recent first.
func (s *Store) Recent(ctx context.Context, limit int) ([]ledger.PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	query := `SELECT ` + paymentColumns + ` FROM payments
		ORDER BY payment_date DESC, id DESC
		LIMIT ?`
	return s.queryPayments(ctx, query, limit)
}

func (s *Store) queryPayments(ctx context.Context, query string, args ...any) ([]ledger.PaymentRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	records := []ledger.PaymentRecord{}
	for rows.Next() {
		rec, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func scanPayment(rows *sql.Rows) (ledger.PaymentRecord, error) {
	var (
		rec        ledger.PaymentRecord
		date       string
		amount     string
		eventKind  string
		uploadID   sql.NullString
		ingestedAt string
	)

	err := rows.Scan(
		&rec.ID, &rec.BorrowerID, &rec.LoanID, &date, &rec.Currency,
		&rec.Description, &amount, &eventKind, &rec.UnresolvedReference,
		&uploadID, &ingestedAt,
	)
	if err != nil {
		return rec, fmt.Errorf("failed to scan payment: %w", err)
	}

	if rec.Date, err = ledger.ParseDate(date); err != nil {
		return rec, fmt.Errorf("payment %s: %w", rec.ID, err)
	}
	if rec.Amount, err = decimal.NewFromString(amount); err != nil {
		return rec, fmt.Errorf("payment %s: bad amount %q: %w", rec.ID, amount, err)
	}
	if rec.EventKind, err = ledger.ParseEventKind(eventKind); err != nil {
		return rec, fmt.Errorf("payment %s: %w", rec.ID, err)
	}
	rec.UploadID = uploadID.String
	if rec.IngestedAt, err = time.Parse(time.RFC3339Nano, ingestedAt); err != nil {
		return rec, fmt.Errorf("payment %s: bad ingested_at %q: %w", rec.ID, ingestedAt, err)
	}

	return rec, nil
}

// =============================================================================
// LOAN CATALOG (ledger.LoanCatalog interface)
// =============================================================================

// SaveLoan inserts or replaces a loan and its schedule. Only the loader calls
// this; the ledger never writes loan terms.
func (s *Store) SaveLoan(ctx context.Context, loan ledger.Loan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO loans (id, borrower_id, name, principal, currency, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			borrower_id = excluded.borrower_id,
			name = excluded.name,
			principal = excluded.principal,
			currency = excluded.currency
	`,
		loan.ID,
		loan.BorrowerID,
		loan.Name,
		loan.Principal.String(),
		loan.Currency,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to save loan %s: %w", loan.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM installments WHERE loan_id = ?`, loan.ID); err != nil {
		return fmt.Errorf("failed to clear schedule for loan %s: %w", loan.ID, err)
	}

	for i, inst := range loan.Schedule {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO installments (loan_id, seq, due_date, due_amount)
			VALUES (?, ?, ?, ?)
		`, loan.ID, i+1, inst.DueDate.String(), inst.DueAmount.String())
		if err != nil {
			return fmt.Errorf("failed to save installment %d of loan %s: %w", i+1, loan.ID, err)
		}
	}

	return tx.Commit()
}

// Loan returns the loan with its schedule, or nil if unknown.
func (s *Store) Loan(ctx context.Context, id ledger.LoanID) (*ledger.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	loans, err := s.queryLoans(ctx, `
		SELECT id, borrower_id, name, principal, currency FROM loans WHERE id = ?
	`, id)
	if err != nil {
		return nil, err
	}
	if len(loans) == 0 {
		return nil, nil
	}

	schedules, err := s.querySchedules(ctx, `
		SELECT loan_id, due_date, due_amount FROM installments
		WHERE loan_id = ?
		ORDER BY seq ASC
	`, id)
	if err != nil {
		return nil, err
	}

	loan := loans[0]
	loan.Schedule = schedules[loan.ID]
	return &loan, nil
}

// Loans lists every loan ordered by id.
func (s *Store) Loans(ctx context.Context) ([]ledger.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	loans, err := s.queryLoans(ctx, `
		SELECT id, borrower_id, name, principal, currency FROM loans ORDER BY id ASC
	`)
	if err != nil {
		return nil, err
	}

	schedules, err := s.querySchedules(ctx, `
		SELECT loan_id, due_date, due_amount FROM installments
		ORDER BY loan_id ASC, seq ASC
	`)
	if err != nil {
		return nil, err
	}

	for i := range loans {
		loans[i].Schedule = schedules[loans[i].ID]
	}
	return loans, nil
}

// HasBorrower reports whether any loan belongs to the borrower.
func (s *Store) HasBorrower(ctx context.Context, id ledger.BorrowerID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM loans WHERE borrower_id = ?", id,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to look up borrower %s: %w", id, err)
	}
	return count > 0, nil
}

func (s *Store) queryLoans(ctx context.Context, query string, args ...any) ([]ledger.Loan, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query loans: %w", err)
	}
	defer rows.Close()

	loans := []ledger.Loan{}
	for rows.Next() {
		var (
			loan      ledger.Loan
			principal string
		)
		if err := rows.Scan(&loan.ID, &loan.BorrowerID, &loan.Name, &principal, &loan.Currency); err != nil {
			return nil, fmt.Errorf("failed to scan loan: %w", err)
		}
		if loan.Principal, err = decimal.NewFromString(principal); err != nil {
			return nil, fmt.Errorf("loan %s: bad principal %q: %w", loan.ID, principal, err)
		}
		loans = append(loans, loan)
	}
	return loans, rows.Err()
}

// querySchedules groups installment rows by loan. Rows must be ordered by seq
// within each loan.
func (s *Store) querySchedules(ctx context.Context, query string, args ...any) (map[ledger.LoanID][]ledger.Installment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query installments: %w", err)
	}
	defer rows.Close()

	schedules := make(map[ledger.LoanID][]ledger.Installment)
	for rows.Next() {
		var (
			loanID    ledger.LoanID
			dueDate   string
			dueAmount string
		)
		if err := rows.Scan(&loanID, &dueDate, &dueAmount); err != nil {
			return nil, fmt.Errorf("failed to scan installment: %w", err)
		}
		date, err := ledger.ParseDate(dueDate)
		if err != nil {
			return nil, fmt.Errorf("loan %s: %w", loanID, err)
		}
		amount, err := decimal.NewFromString(dueAmount)
		if err != nil {
			return nil, fmt.Errorf("loan %s: bad due amount %q: %w", loanID, dueAmount, err)
		}
		schedules[loanID] = append(schedules[loanID], ledger.Installment{DueDate: date, DueAmount: amount})
	}
	return schedules, rows.Err()
}

// =============================================================================
// UPLOAD LOGS (ledger.UploadLogStore interface)
// =============================================================================

// SaveUploadLog persists one upload's audit record.
func (s *Store) SaveUploadLog(ctx context.Context, log ledger.UploadLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	errorsJSON, err := json.Marshal(log.Errors)
	if err != nil {
		return fmt.Errorf("failed to encode upload errors: %w", err)
	}
	warningsJSON, err := json.Marshal(log.Warnings)
	if err != nil {
		return fmt.Errorf("failed to encode upload warnings: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO upload_logs
		(id, file_name, upload_timestamp, validation_status, message, total_rows,
		 processed_rows, valid_rows, error_rows, payments_processed, errors_json, warnings_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		log.ID,
		log.FileName,
		log.UploadTimestamp.UTC().Format(time.RFC3339Nano),
		string(log.ValidationStatus),
		log.Message,
		log.TotalRows,
		log.ProcessedRows,
		log.ValidRows,
		log.ErrorRows,
		log.PaymentsProcessed,
		string(errorsJSON),
		string(warningsJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to save upload log: %w", err)
	}
	return nil
}

// UploadLogs returns at most limit upload logs, newest first.
func (s *Store) UploadLogs(ctx context.Context, limit int) ([]ledger.UploadLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, file_name, upload_timestamp, validation_status, message, total_rows,
		       processed_rows, valid_rows, error_rows, payments_processed, errors_json, warnings_json
		FROM upload_logs
		ORDER BY upload_timestamp DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query upload logs: %w", err)
	}
	defer rows.Close()

	logs := []ledger.UploadLog{}
	for rows.Next() {
		var (
			log          ledger.UploadLog
			timestamp    string
			status       string
			errorsJSON   sql.NullString
			warningsJSON sql.NullString
		)
		err := rows.Scan(
			&log.ID, &log.FileName, &timestamp, &status, &log.Message, &log.TotalRows,
			&log.ProcessedRows, &log.ValidRows, &log.ErrorRows, &log.PaymentsProcessed,
			&errorsJSON, &warningsJSON,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan upload log: %w", err)
		}
		log.ValidationStatus = ledger.UploadStatus(status)
		if log.UploadTimestamp, err = time.Parse(time.RFC3339Nano, timestamp); err != nil {
			return nil, fmt.Errorf("upload log %s: bad timestamp %q: %w", log.ID, timestamp, err)
		}
		if errorsJSON.Valid && errorsJSON.String != "" {
			if err := json.Unmarshal([]byte(errorsJSON.String), &log.Errors); err != nil {
				return nil, fmt.Errorf("upload log %s: bad errors: %w", log.ID, err)
			}
		}
		if warningsJSON.Valid && warningsJSON.String != "" {
			if err := json.Unmarshal([]byte(warningsJSON.String), &log.Warnings); err != nil {
				return nil, fmt.Errorf("upload log %s: bad warnings: %w", log.ID, err)
			}
		}
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "PRIMARY KEY"))
}
