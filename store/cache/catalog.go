// Package cache provides a read-through cache in front of a ledger.LoanCatalog.
//
// Loan terms are static once loaded, so they are safe to cache. Balances are
// never cached: every snapshot is replayed from the ledger.
package cache

import (
	"context"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/warp/loan-ledger/factory"
	"github.com/warp/loan-ledger/ledger"
)

// DefaultTTL is used when New is given a non-positive ttl.
const DefaultTTL = 5 * time.Minute

// Catalog implements ledger.LoanCatalog. Only positive lookups are cached so a
// loan loaded after a miss is visible on the next call.
type Catalog struct {
	inner ledger.LoanCatalog
	items *gocache.Cache
}

func New(inner ledger.LoanCatalog, ttl time.Duration) *Catalog {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Catalog{
		inner: inner,
		items: gocache.New(ttl, 2*ttl),
	}
}

func loanKey(id ledger.LoanID) string         { return "loan:" + string(id) }
func borrowerKey(id ledger.BorrowerID) string { return "borrower:" + string(id) }

func (c *Catalog) Loan(ctx context.Context, id ledger.LoanID) (*ledger.Loan, error) {
	if v, found := c.items.Get(loanKey(id)); found {
		loan := copyLoan(v.(ledger.Loan))
		return &loan, nil
	}

	loan, err := c.inner.Loan(ctx, id)
	if err != nil || loan == nil {
		return loan, err
	}
	c.items.SetDefault(loanKey(id), copyLoan(*loan))
	return loan, nil
}

// Loans is not cached; listing is rare and must reflect newly loaded loans.
func (c *Catalog) Loans(ctx context.Context) ([]ledger.Loan, error) {
	return c.inner.Loans(ctx)
}

func (c *Catalog) HasBorrower(ctx context.Context, id ledger.BorrowerID) (bool, error) {
	if _, found := c.items.Get(borrowerKey(id)); found {
		return true, nil
	}

	ok, err := c.inner.HasBorrower(ctx, id)
	if err != nil || !ok {
		return ok, err
	}
	c.items.SetDefault(borrowerKey(id), true)
	return true, nil
}

// SaveLoan writes through to the underlying catalog and drops stale entries.
func (c *Catalog) SaveLoan(ctx context.Context, loan ledger.Loan) error {
	w, ok := c.inner.(factory.LoanWriter)
	if !ok {
		return fmt.Errorf("loan catalog %T is read-only", c.inner)
	}
	if err := w.SaveLoan(ctx, loan); err != nil {
		return err
	}
	c.Invalidate(loan.ID)
	return nil
}

// Invalidate drops a cached loan. Borrower entries are positive only, so a
// stale one can never hide a borrower.
func (c *Catalog) Invalidate(id ledger.LoanID) {
	c.items.Delete(loanKey(id))
}

// Len reports the number of cached entries.
func (c *Catalog) Len() int {
	return c.items.ItemCount()
}

func copyLoan(l ledger.Loan) ledger.Loan {
	schedule := make([]ledger.Installment, len(l.Schedule))
	copy(schedule, l.Schedule)
	l.Schedule = schedule
	return l
}
