package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loan-ledger/ledger"
)

func TestArrearsScanner_Scan(t *testing.T) {
	// GIVEN: the arrears portfolio, where February's payment was returned
	// WHEN: scanned on 2025-04-01
	// THEN: February and March are overdue

	h, router, mem := newTestHandler(t, RouterOptions{})
	loadScenario(t, router, "arrears")
	loadScenario(t, router, "standard-loan")

	scanner := NewArrearsScanner(h.Snapshots, mem, nil)
	report, err := scanner.Scan(context.Background(), ledger.MustParseDate("2025-04-01"))
	require.NoError(t, err)

	// The standard loan is fully paid up on that date.
	require.Len(t, report.Loans, 1)
	got := report.Loans[0]
	assert.Equal(t, ledger.LoanID("L-ARR-001"), got.LoanID)
	assert.Equal(t, 2, got.MissedCount)
	assert.Equal(t, "2000", got.AmountOverdue.String())
	assert.Equal(t, 45, got.OldestDaysOverdue)
	assert.Equal(t, "11000", got.OutstandingBalance.String())
}

func TestArrearsScanner_EndpointRunsOnDemand(t *testing.T) {
	h, router, mem := newTestHandler(t, RouterOptions{})
	loadScenario(t, router, "arrears")

	h.Arrears = NewArrearsScanner(h.Snapshots, mem, nil)
	h.Arrears.Clock = func() time.Time { return time.Date(2025, time.April, 1, 8, 0, 0, 0, time.UTC) }

	rec := do(t, router, http.MethodGet, "/api/arrears", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	report := decode[ArrearsReportDTO](t, rec)
	assert.Equal(t, "2025-04-01", report.AsOf)
	assert.Equal(t, "2025-04-01T08:00:00Z", report.ScannedAt)
	require.Len(t, report.Loans, 1)
	assert.Equal(t, "L-ARR-001", report.Loans[0].LoanID)

	_, ok := h.Arrears.Latest()
	assert.True(t, ok)
}

func TestArrearsScanner_StartStop(t *testing.T) {
	h, router, mem := newTestHandler(t, RouterOptions{})
	loadScenario(t, router, "arrears")

	scanner := NewArrearsScanner(h.Snapshots, mem, nil)
	scanner.Interval = 10 * time.Millisecond
	scanner.Clock = func() time.Time { return time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC) }

	scanner.Start()
	require.Eventually(t, func() bool {
		_, ok := scanner.Latest()
		return ok
	}, time.Second, 5*time.Millisecond)
	scanner.Stop()
	scanner.Stop()

	report, _ := scanner.Latest()
	assert.Len(t, report.Loans, 1)
}

func TestArrearsScanner_Disabled(t *testing.T) {
	h, _, mem := newTestHandler(t, RouterOptions{})

	scanner := NewArrearsScanner(h.Snapshots, mem, nil)
	scanner.Enabled = false
	scanner.Start()
	scanner.Stop()

	_, ok := scanner.Latest()
	assert.False(t, ok)
}

func TestGetArrears_NotConfigured(t *testing.T) {
	_, router, _ := newTestHandler(t, RouterOptions{})

	rec := do(t, router, http.MethodGet, "/api/arrears", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
