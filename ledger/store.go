/*
store.go - Persistence interfaces

KEY INTERFACES:
  Store:          append-only payment records
  LoanCatalog:    read-only loan terms (written only by the loader)
  UploadLogStore: upload audit records

APPEND-ONLY CONTRACT:
  Store has exactly one write method. There is no Update or Delete.
  Append must reject an id that already exists with ErrDuplicateID; deciding
  whether that is a harmless retry or a conflict is the ledger's job.

ORDERING:
  LoadByLoan returns records in replay order (date ascending, then id).
  Recent returns the reverse of that order across all loans.

IMPLEMENTATIONS:
  - store/sqlite: SQLite with migrations
  - ledger/store: in-memory for tests and demos
*/
package ledger

import "context"

// Store handles persistence of payment records.
type Store interface {
	// Append persists a record. Returns ErrDuplicateID if the id exists.
	Append(ctx context.Context, rec PaymentRecord) error

	// Get returns the record with the given id, or nil if absent.
	Get(ctx context.Context, id PaymentID) (*PaymentRecord, error)

	// LoadByLoan returns every record of the loan dated on or before upTo,
	// ordered by date then id. A zero upTo means no bound.
	LoadByLoan(ctx context.Context, loanID LoanID, upTo Date) ([]PaymentRecord, error)

	// Recent returns at most limit records, most recent first.
	Recent(ctx context.Context, limit int) ([]PaymentRecord, error)
}

// LoanCatalog resolves static loan data. The engine never writes to it.
type LoanCatalog interface {
	// Loan returns the loan, or nil if it is unknown.
	Loan(ctx context.Context, id LoanID) (*Loan, error)

	// Loans lists every known loan ordered by id.
	Loans(ctx context.Context) ([]Loan, error)

	// HasBorrower reports whether any loan belongs to the borrower.
	HasBorrower(ctx context.Context, id BorrowerID) (bool, error)
}

// UploadLogStore keeps the audit history of uploads.
type UploadLogStore interface {
	SaveUploadLog(ctx context.Context, log UploadLog) error

	// UploadLogs returns at most limit logs, newest first.
	UploadLogs(ctx context.Context, limit int) ([]UploadLog, error)
}
