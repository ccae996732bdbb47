/*
scheduler.go - Background arrears scanner

PURPOSE:
  Periodically computes a snapshot as of today for every loan and keeps the
  list of loans with overdue instalments. The result is served at
  GET /api/arrears.

DESIGN:
  - Runs a background goroutine with a configurable interval
  - Read-only: it never appends to the ledger. Missed instalments stay
    read-time indicators on snapshots
  - A failing loan is logged and skipped; the rest of the scan proceeds
  - The latest report replaces the previous one atomically

CONFIGURATION:
  - Interval: how often to scan (default: 1 hour, ARREARS_SCAN_INTERVAL)
  - Enabled: whether the scanner runs at all

USAGE:
  scanner := NewArrearsScanner(engine, loans, logger)
  scanner.Start()
  // ... later
  scanner.Stop()

SEE ALSO:
  - ledger/snapshot.go: SnapshotEngine
  - handlers.go: GetArrears
*/
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/loan-ledger/ledger"
	"go.uber.org/zap"
)

// LoanArrears summarizes one loan with overdue instalments.
type LoanArrears struct {
	LoanID             ledger.LoanID
	BorrowerID         ledger.BorrowerID
	LoanName           string
	MissedCount        int
	AmountOverdue      decimal.Decimal
	OldestDaysOverdue  int
	OutstandingBalance decimal.Decimal
}

// ArrearsReport is the result of one scan. Loans are in catalog order.
type ArrearsReport struct {
	AsOf      ledger.Date
	ScannedAt time.Time
	Loans     []LoanArrears
}

// ArrearsScanner handles periodic arrears detection.
type ArrearsScanner struct {
	Snapshots *ledger.SnapshotEngine
	Loans     ledger.LoanCatalog
	Logger    *zap.Logger
	Interval  time.Duration
	Enabled   bool

	// Clock decides "today". Defaults to time.Now.
	Clock func() time.Time

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	latestMu sync.RWMutex
	latest   *ArrearsReport
}

func NewArrearsScanner(snapshots *ledger.SnapshotEngine, loans ledger.LoanCatalog, log *zap.Logger) *ArrearsScanner {
	if log == nil {
		log = zap.NewNop()
	}
	return &ArrearsScanner{
		Snapshots: snapshots,
		Loans:     loans,
		Logger:    log,
		Interval:  time.Hour,
		Enabled:   true,
		Clock:     time.Now,
	}
}

// Start begins the scanner. The first scan runs immediately.
func (s *ArrearsScanner) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled || s.Interval <= 0 {
		s.Logger.Info("arrears scanner disabled")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.Interval)
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.run(s.ticker, s.stop)

	s.Logger.Info("arrears scanner started", zap.Duration("interval", s.Interval))
}

// Stop halts the scanner and waits for an in-flight scan to finish.
func (s *ArrearsScanner) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	s.Logger.Info("arrears scanner stopped")
}

func (s *ArrearsScanner) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	s.scanAndLog(ctx)
	for {
		select {
		case <-ticker.C:
			s.scanAndLog(ctx)
		case <-stop:
			return
		}
	}
}

func (s *ArrearsScanner) scanAndLog(ctx context.Context) {
	if _, err := s.RunNow(ctx); err != nil && ctx.Err() == nil {
		s.Logger.Error("arrears scan failed", zap.Error(err))
	}
}

// RunNow performs a scan as of today and publishes the report.
func (s *ArrearsScanner) RunNow(ctx context.Context) (ArrearsReport, error) {
	now := s.Clock()
	report, err := s.Scan(ctx, ledger.DateOf(now))
	if err != nil {
		return ArrearsReport{}, err
	}
	report.ScannedAt = now.UTC()

	s.latestMu.Lock()
	s.latest = &report
	s.latestMu.Unlock()

	var overdue decimal.Decimal
	for _, l := range report.Loans {
		overdue = overdue.Add(l.AmountOverdue)
	}
	s.Logger.Info("arrears scan complete",
		zap.String("as_of", report.AsOf.String()),
		zap.Int("loans_in_arrears", len(report.Loans)),
		zap.String("amount_overdue", overdue.String()),
	)
	return report, nil
}

// Scan computes arrears as of a date without publishing.
func (s *ArrearsScanner) Scan(ctx context.Context, asOf ledger.Date) (ArrearsReport, error) {
	loans, err := s.Loans.Loans(ctx)
	if err != nil {
		return ArrearsReport{}, fmt.Errorf("list loans: %w", err)
	}

	report := ArrearsReport{AsOf: asOf, Loans: []LoanArrears{}}
	for _, loan := range loans {
		if err := ctx.Err(); err != nil {
			return ArrearsReport{}, err
		}

		snap, err := s.Snapshots.Snapshot(ctx, loan.ID, asOf)
		if err != nil {
			s.Logger.Warn("arrears scan skipped loan", zap.String("loan_id", string(loan.ID)), zap.Error(err))
			continue
		}
		if len(snap.MissedInstallments) == 0 {
			continue
		}

		entry := LoanArrears{
			LoanID:             snap.LoanID,
			BorrowerID:         snap.BorrowerID,
			LoanName:           snap.LoanName,
			MissedCount:        len(snap.MissedInstallments),
			OutstandingBalance: snap.OutstandingBalance,
		}
		for _, m := range snap.MissedInstallments {
			entry.AmountOverdue = entry.AmountOverdue.Add(m.Remaining)
			if m.DaysOverdue > entry.OldestDaysOverdue {
				entry.OldestDaysOverdue = m.DaysOverdue
			}
		}
		report.Loans = append(report.Loans, entry)
	}
	return report, nil
}

// Latest returns the most recent published report.
func (s *ArrearsScanner) Latest() (ArrearsReport, bool) {
	s.latestMu.RLock()
	defer s.latestMu.RUnlock()

	if s.latest == nil {
		return ArrearsReport{}, false
	}
	return *s.latest, true
}

func toArrearsReportDTO(r ArrearsReport) ArrearsReportDTO {
	loans := make([]ArrearsLoanDTO, len(r.Loans))
	for i, l := range r.Loans {
		loans[i] = ArrearsLoanDTO{
			LoanID:             string(l.LoanID),
			BorrowerID:         string(l.BorrowerID),
			LoanName:           l.LoanName,
			MissedCount:        l.MissedCount,
			AmountOverdue:      number(l.AmountOverdue),
			OldestDaysOverdue:  l.OldestDaysOverdue,
			OutstandingBalance: number(l.OutstandingBalance),
		}
	}
	return ArrearsReportDTO{
		AsOf:      r.AsOf.String(),
		ScannedAt: timestamp(r.ScannedAt),
		Loans:     loans,
	}
}
