// Package store provides in-memory ledger storage.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/loan-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements ledger.Store, ledger.LoanCatalog and ledger.UploadLogStore.
// Records are kept per loan in replay order; readers always get copies.
type Memory struct {
	mu      sync.RWMutex
	byLoan  map[ledger.LoanID][]ledger.PaymentRecord
	byID    map[ledger.PaymentID]ledger.PaymentRecord
	loans   map[ledger.LoanID]ledger.Loan
	uploads []ledger.UploadLog
}

func NewMemory() *Memory {
	return &Memory{
		byLoan: make(map[ledger.LoanID][]ledger.PaymentRecord),
		byID:   make(map[ledger.PaymentID]ledger.PaymentRecord),
		loans:  make(map[ledger.LoanID]ledger.Loan),
	}
}

// Append adds a single record. Append-only.
func (m *Memory) Append(_ context.Context, rec ledger.PaymentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byID[rec.ID]; ok {
		return ledger.ErrDuplicateID
	}

	recs := m.byLoan[rec.LoanID]

	// Binary search for the insertion point keeps the slice in replay order.
	i := sort.Search(len(recs), func(i int) bool {
		return rec.Precedes(recs[i])
	})
	recs = append(recs, ledger.PaymentRecord{})
	copy(recs[i+1:], recs[i:])
	recs[i] = rec
	m.byLoan[rec.LoanID] = recs
	m.byID[rec.ID] = rec
	return nil
}

func (m *Memory) Get(_ context.Context, id ledger.PaymentID) (*ledger.PaymentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.byID[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *Memory) LoadByLoan(_ context.Context, loanID ledger.LoanID, upTo ledger.Date) ([]ledger.PaymentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]ledger.PaymentRecord, 0, len(m.byLoan[loanID]))
	for _, rec := range m.byLoan[loanID] {
		if !upTo.IsZero() && rec.Date.After(upTo) {
			break
		}
		result = append(result, rec)
	}
	return result, nil
}

func (m *Memory) Recent(_ context.Context, limit int) ([]ledger.PaymentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := make([]ledger.PaymentRecord, 0, len(m.byID))
	for _, rec := range m.byID {
		all = append(all, rec)
	}
	sort.Slice(all, func(i, j int) bool { return all[j].Precedes(all[i]) })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// =============================================================================
// LOAN CATALOG
// =============================================================================

// AddLoan registers loan terms. It is the loader's entry point, not the engine's.
func (m *Memory) AddLoan(loan ledger.Loan) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.loans[loan.ID] = copyLoan(loan)
}

// SaveLoan is AddLoan with the loader's signature.
func (m *Memory) SaveLoan(_ context.Context, loan ledger.Loan) error {
	m.AddLoan(loan)
	return nil
}

func (m *Memory) Loan(_ context.Context, id ledger.LoanID) (*ledger.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	loan, ok := m.loans[id]
	if !ok {
		return nil, nil
	}
	loan = copyLoan(loan)
	return &loan, nil
}

func (m *Memory) Loans(_ context.Context) ([]ledger.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]ledger.Loan, 0, len(m.loans))
	for _, loan := range m.loans {
		result = append(result, copyLoan(loan))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *Memory) HasBorrower(_ context.Context, id ledger.BorrowerID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, loan := range m.loans {
		if loan.BorrowerID == id {
			return true, nil
		}
	}
	return false, nil
}

func copyLoan(l ledger.Loan) ledger.Loan {
	schedule := make([]ledger.Installment, len(l.Schedule))
	copy(schedule, l.Schedule)
	l.Schedule = schedule
	return l
}

// =============================================================================
// UPLOAD LOGS
// =============================================================================

func (m *Memory) SaveUploadLog(_ context.Context, log ledger.UploadLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploads = append(m.uploads, log)
	return nil
}

func (m *Memory) UploadLogs(_ context.Context, limit int) ([]ledger.UploadLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]ledger.UploadLog, 0, len(m.uploads))
	for i := len(m.uploads) - 1; i >= 0; i-- {
		if limit > 0 && len(result) == limit {
			break
		}
		result = append(result, m.uploads[i])
	}
	return result, nil
}
