/*
ledger.go - Append-only payment ledger

PURPOSE:
  The Ledger is the only way payment records enter the system. It classifies
  each new record against its loan's schedule, stamps it, and hands it to
  the Store. There is no update path and no delete path.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: records are never modified or removed
  2. IDEMPOTENT: re-appending identical content under an id is a no-op
  3. CONFLICT-SAFE: different content under a known id fails with
     ConflictError and the original stays as it was
  4. SERIALIZED PER LOAN: appends to one loan run one at a time, appends to
     different loans run in parallel

CORRECTIONS:
  A wrong payment is corrected with a new record carrying the opposite
  amount. Both remain in the ledger.

EXAMPLE FLOW:
  1. Borrower pays 2000 on 2025-01-01: PaymentReceivedEvent
  2. The bank recalls it:               -2000 (reversal), ShortPaymentEvent
  3. Snapshot on 2025-01-05:            total_paid 0, instalment missed

SEE ALSO:
  - classifier.go: how the kind is decided
  - sequencer.go: per-loan ownership tokens
  - store.go: persistence contract
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// LEDGER - Append-only record log
// =============================================================================

type Ledger interface {
	// Append classifies and stores a record. See AppendResult.
	Append(ctx context.Context, rec PaymentRecord) (AppendResult, error)

	// QueryByLoan returns the loan's records dated on or before upTo in
	// replay order. A zero upTo returns the full history.
	QueryByLoan(ctx context.Context, loanID LoanID, upTo Date) ([]PaymentRecord, error)

	// Get returns a record by id, or nil if absent.
	Get(ctx context.Context, id PaymentID) (*PaymentRecord, error)

	// Recent returns at most limit records, most recent first.
	Recent(ctx context.Context, limit int) ([]PaymentRecord, error)
}

// AppendResult describes the outcome of a successful Append.
type AppendResult struct {
	// Record is the stored record (the original one for a duplicate).
	Record PaymentRecord
	// Inserted is false when the append was an idempotent repeat.
	Inserted bool
}

// =============================================================================
// DEFAULT LEDGER - Implementation using Store + LoanCatalog
// =============================================================================

type DefaultLedger struct {
	Store Store
	Loans LoanCatalog

	// Clock stamps IngestedAt. Defaults to time.Now.
	Clock func() time.Time

	seq *Sequencer
}

func NewLedger(store Store, loans LoanCatalog) *DefaultLedger {
	return &DefaultLedger{
		Store: store,
		Loans: loans,
		Clock: time.Now,
		seq:   NewSequencer(),
	}
}

func (l *DefaultLedger) Append(ctx context.Context, rec PaymentRecord) (AppendResult, error) {
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}

	release := l.seq.Acquire(rec.LoanID)
	defer release()

	existing, err := l.Store.Get(ctx, rec.ID)
	if err != nil {
		return AppendResult{}, fmt.Errorf("lookup payment %s: %w", rec.ID, err)
	}
	if existing != nil {
		return l.resolveDuplicate(*existing, rec)
	}

	loan, err := l.Loans.Loan(ctx, rec.LoanID)
	if err != nil {
		return AppendResult{}, fmt.Errorf("lookup loan %s: %w", rec.LoanID, err)
	}

	if loan == nil {
		rec.EventKind = EventUnclassified
		rec.UnresolvedReference = true
	} else {
		prior, err := l.Store.LoadByLoan(ctx, rec.LoanID, rec.Date)
		if err != nil {
			return AppendResult{}, fmt.Errorf("load history for loan %s: %w", rec.LoanID, err)
		}
		rec.EventKind = Classify(rec, loan.Schedule, prior)
	}
	rec.IngestedAt = l.Clock().UTC()

	if err := l.Store.Append(ctx, rec); err != nil {
		if errors.Is(err, ErrDuplicateID) {
			// Same id raced in under another loan's token.
			existing, getErr := l.Store.Get(ctx, rec.ID)
			if getErr != nil {
				return AppendResult{}, fmt.Errorf("lookup payment %s: %w", rec.ID, getErr)
			}
			if existing != nil {
				return l.resolveDuplicate(*existing, rec)
			}
		}
		return AppendResult{}, err
	}
	return AppendResult{Record: rec, Inserted: true}, nil
}

func (l *DefaultLedger) resolveDuplicate(existing, incoming PaymentRecord) (AppendResult, error) {
	if existing.SameContent(incoming) {
		return AppendResult{Record: existing, Inserted: false}, nil
	}
	return AppendResult{}, &ConflictError{ID: incoming.ID, Existing: existing, Incoming: incoming}
}

func (l *DefaultLedger) QueryByLoan(ctx context.Context, loanID LoanID, upTo Date) ([]PaymentRecord, error) {
	return l.Store.LoadByLoan(ctx, loanID, upTo)
}

func (l *DefaultLedger) Get(ctx context.Context, id PaymentID) (*PaymentRecord, error) {
	return l.Store.Get(ctx, id)
}

func (l *DefaultLedger) Recent(ctx context.Context, limit int) ([]PaymentRecord, error) {
	return l.Store.Recent(ctx, limit)
}

// ReplayKinds returns copies of records whose EventKind is the kind each
// record receives when its loan's full history is replayed in (date, id)
// order. The stored kind reflects the history present at ingestion, so it
// can differ when an earlier-dated payment arrived later. Records of loans
// missing from the catalog are EventUnclassified.
func (l *DefaultLedger) ReplayKinds(ctx context.Context, records []PaymentRecord) ([]PaymentRecord, error) {
	kinds := make(map[LoanID]map[PaymentID]EventKind)
	out := make([]PaymentRecord, len(records))
	for i, rec := range records {
		byID, ok := kinds[rec.LoanID]
		if !ok {
			var err error
			byID, err = l.replayLoan(ctx, rec.LoanID)
			if err != nil {
				return nil, err
			}
			kinds[rec.LoanID] = byID
		}
		if kind, found := byID[rec.ID]; found {
			rec.EventKind = kind
		} else {
			rec.EventKind = EventUnclassified
		}
		out[i] = rec
	}
	return out, nil
}

func (l *DefaultLedger) replayLoan(ctx context.Context, loanID LoanID) (map[PaymentID]EventKind, error) {
	loan, err := l.Loans.Loan(ctx, loanID)
	if err != nil {
		return nil, fmt.Errorf("lookup loan %s: %w", loanID, err)
	}
	if loan == nil {
		return map[PaymentID]EventKind{}, nil
	}
	history, err := l.Store.LoadByLoan(ctx, loanID, Date{})
	if err != nil {
		return nil, fmt.Errorf("load history for loan %s: %w", loanID, err)
	}
	_, replayed := Replay(loan.Schedule, history)
	byID := make(map[PaymentID]EventKind, len(replayed))
	for _, r := range replayed {
		byID[r.Record.ID] = r.Kind
	}
	return byID, nil
}
