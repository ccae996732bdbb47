package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// DefaultRecentWindow bounds LoanSnapshot.RecentPayments.
const DefaultRecentWindow = 10

// =============================================================================
// LOAN SNAPSHOT - Loan state as of a date
// =============================================================================

// LoanSnapshot is derived on demand from the ledger and the loan terms.
// It is never stored. Two snapshots of the same loan and date over the same
// ledger contents are identical.
type LoanSnapshot struct {
	LoanID          LoanID
	BorrowerID      BorrowerID
	LoanName        string
	Currency        string
	AsOf            Date
	PrincipalAmount decimal.Decimal

	TotalPaid          decimal.Decimal
	PaymentsMade       int
	OutstandingBalance decimal.Decimal
	// Overpaid is set when OutstandingBalance is negative. The balance is
	// reported as is, never clamped.
	Overpaid bool

	// Most recent first, at most the engine's window.
	RecentPayments []SnapshotPayment

	// Instalments due on or before AsOf without a satisfying payment.
	MissedInstallments []MissedInstallment
	NextInstallment    *InstallmentStatus
	Credit             decimal.Decimal
}

// SnapshotPayment is a record as seen by replay at the snapshot date. Status
// and the embedded EventKind both carry the replayed kind.
type SnapshotPayment struct {
	PaymentRecord
	Status EventKind
}

// =============================================================================
// SNAPSHOT ENGINE - Pure replay over immutable history
// =============================================================================

// SnapshotEngine only reads. It holds no state between calls.
type SnapshotEngine struct {
	Store        Store
	Loans        LoanCatalog
	RecentWindow int
}

func NewSnapshotEngine(store Store, loans LoanCatalog) *SnapshotEngine {
	return &SnapshotEngine{Store: store, Loans: loans, RecentWindow: DefaultRecentWindow}
}

// SnapshotAt parses rawDate and delegates to Snapshot.
func (e *SnapshotEngine) SnapshotAt(ctx context.Context, loanID LoanID, rawDate string) (*LoanSnapshot, error) {
	asOf, err := ParseDate(rawDate)
	if err != nil {
		return nil, err
	}
	return e.Snapshot(ctx, loanID, asOf)
}

func (e *SnapshotEngine) Snapshot(ctx context.Context, loanID LoanID, asOf Date) (*LoanSnapshot, error) {
	if asOf.IsZero() {
		return nil, &InvalidDateError{Input: ""}
	}
	loan, err := e.Loans.Loan(ctx, loanID)
	if err != nil {
		return nil, fmt.Errorf("lookup loan %s: %w", loanID, err)
	}
	if loan == nil {
		return nil, &LoanNotFoundError{LoanID: loanID}
	}

	records, err := e.Store.LoadByLoan(ctx, loanID, asOf)
	if err != nil {
		return nil, fmt.Errorf("load history for loan %s: %w", loanID, err)
	}
	return Build(*loan, asOf, records, e.window()), nil
}

func (e *SnapshotEngine) window() int {
	if e.RecentWindow <= 0 {
		return DefaultRecentWindow
	}
	return e.RecentWindow
}

// Build computes a snapshot from a loan and its records. Records dated after
// asOf are ignored, so callers may pass the full history.
func Build(loan Loan, asOf Date, records []PaymentRecord, window int) *LoanSnapshot {
	selected := make([]PaymentRecord, 0, len(records))
	for _, r := range records {
		if r.LoanID == loan.ID && r.Date.BeforeOrEqual(asOf) {
			selected = append(selected, r)
		}
	}

	state, replayed := Replay(loan.Schedule, selected)

	snap := &LoanSnapshot{
		LoanID:          loan.ID,
		BorrowerID:      loan.BorrowerID,
		LoanName:        loan.Name,
		Currency:        loan.Currency,
		AsOf:            asOf,
		PrincipalAmount: loan.Principal,
		TotalPaid:       decimal.Zero,
	}

	for _, r := range replayed {
		switch r.Kind {
		case EventPaymentReceived, EventShortPayment, EventOverPayment:
			snap.TotalPaid = snap.TotalPaid.Add(r.Record.Amount)
			snap.PaymentsMade++
		case EventUnclassified, EventMissedPayment:
			// never produced by replay of a known loan
		}
	}

	snap.OutstandingBalance = loan.Principal.Sub(snap.TotalPaid)
	snap.Overpaid = snap.OutstandingBalance.IsNegative()

	n := len(replayed)
	if n > window {
		n = window
	}
	snap.RecentPayments = make([]SnapshotPayment, 0, n)
	for i := len(replayed) - 1; i >= 0 && len(snap.RecentPayments) < n; i-- {
		rec := replayed[i].Record
		rec.EventKind = replayed[i].Kind
		snap.RecentPayments = append(snap.RecentPayments, SnapshotPayment{
			PaymentRecord: rec,
			Status:        replayed[i].Kind,
		})
	}

	snap.MissedInstallments = state.Missed(asOf)
	snap.NextInstallment = state.Next(asOf)
	snap.Credit = state.Credit()
	return snap
}
