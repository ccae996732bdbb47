package api

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loan-ledger/ledger"
	"github.com/warp/loan-ledger/ledger/store"
)

var testNow = time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)

func newTestHandler(t *testing.T, opts RouterOptions) (*Handler, http.Handler, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	h := NewHandler(HandlerConfig{Store: mem, Loans: mem, Logs: mem})
	h.Ledger.Clock = func() time.Time { return testNow }
	h.Uploads.Clock = func() time.Time { return testNow }
	return h, NewRouter(h, opts), mem
}

func do(t *testing.T, router http.Handler, method, path string, body []byte, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func multipartFile(t *testing.T, name, content string) ([]byte, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return buf.Bytes(), mw.FormDataContentType()
}

func loadScenario(t *testing.T, router http.Handler, id string) LoadScenarioResponse {
	t.Helper()
	rec := do(t, router, http.MethodPost, "/api/scenarios/load", []byte(`{"scenario_id":"`+id+`"}`), "application/json")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[LoadScenarioResponse](t, rec)
}

// =============================================================================
// UPLOAD
// =============================================================================

func TestUpload_MultipartCSV(t *testing.T) {
	// GIVEN: a loaded standard loan
	// WHEN: a CSV with one good row and one bad row is uploaded
	// THEN: the response reports both and the good payment is listed

	_, router, _ := newTestHandler(t, RouterOptions{})
	loadScenario(t, router, "standard-loan")

	body, ct := multipartFile(t, "june.csv",
		"id,borrower_id,loan_id,date,currency,description,amount\n"+
			"P-NEW-1,B-1001,L-STD-001,2025-06-01,GBP,June instalment,2000\n"+
			"P-NEW-2,B-1001,L-STD-001,not-a-date,GBP,July instalment,2000\n")

	rec := do(t, router, http.MethodPost, "/api/upload", body, ct)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[UploadResponse](t, rec)
	assert.Equal(t, "success", resp.Status)
	assert.NotEmpty(t, resp.UploadID)
	assert.Equal(t, 2, resp.Validation.ProcessedRows)
	assert.Equal(t, 1, resp.Validation.ValidRows)
	assert.Equal(t, 1, resp.Validation.ErrorRows)
	assert.Equal(t, 1, resp.PaymentsProcessed)
	require.Len(t, resp.Validation.Errors, 1)
	assert.Equal(t, IssueDTO{Row: 3, Field: "date", Code: "invalid_date", Message: `invalid date "not-a-date" (use YYYY-MM-DD)`}, resp.Validation.Errors[0])

	rec = do(t, router, http.MethodGet, "/api/payments/P-NEW-1", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	p := decode[PaymentDTO](t, rec)
	assert.Equal(t, "P-NEW-1", p.PaymentID)
	assert.Equal(t, "2000", p.Amount.String())
	assert.Equal(t, "PaymentReceivedEvent", p.PaymentStatus)
	assert.Equal(t, resp.UploadID, p.UploadID)
}

func TestUpload_JSONRows(t *testing.T) {
	_, router, _ := newTestHandler(t, RouterOptions{})
	loadScenario(t, router, "standard-loan")

	rec := do(t, router, http.MethodPost, "/api/upload", []byte(`{
		"file_name": "manual.json",
		"rows": [
			{"payment_id": "P-J-1", "borrower_id": "B-1001", "loan_id": "L-STD-001",
			 "payment_date": "2025-06-01", "currency": "gbp", "description": "June", "amount": 2000},
			{"payment_id": "P-J-2", "borrower_id": "B-1001", "loan_id": "L-STD-001",
			 "payment_date": "2025-07-01", "currency": "GBP", "description": "July"}
		]
	}`), "application/json")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[UploadResponse](t, rec)
	assert.Equal(t, 1, resp.Validation.ValidRows)
	require.Len(t, resp.Validation.Errors, 1)
	assert.Equal(t, 2, resp.Validation.Errors[0].Row)
	assert.Equal(t, "amount", resp.Validation.Errors[0].Field)
	assert.Equal(t, "missing_field", resp.Validation.Errors[0].Code)
}

func TestUpload_UnsupportedFile(t *testing.T) {
	_, router, _ := newTestHandler(t, RouterOptions{})

	body, ct := multipartFile(t, "payments.xls", "not a workbook")
	rec := do(t, router, http.MethodPost, "/api/upload", body, ct)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	resp := decode[UploadResponse](t, rec)
	assert.Equal(t, "failed", resp.Status)
	assert.Contains(t, resp.Message, "unsupported file format")

	rec = do(t, router, http.MethodGet, "/api/validation-logs", nil, "")
	logs := decode[[]ValidationLogDTO](t, rec)
	require.Len(t, logs, 1)
	assert.Equal(t, "payments.xls", logs[0].FileName)
	assert.Equal(t, "failed", logs[0].ValidationStatus)
}

func TestUpload_MissingFileField(t *testing.T) {
	_, router, _ := newTestHandler(t, RouterOptions{})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("note", "no file here"))
	require.NoError(t, mw.Close())

	rec := do(t, router, http.MethodPost, "/api/upload", buf.Bytes(), mw.FormDataContentType())
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_upload", decode[ErrorResponse](t, rec).Code)
}

func TestUpload_RateLimited(t *testing.T) {
	_, router, _ := newTestHandler(t, RouterOptions{UploadRatePerSecond: 0.001, UploadRateBurst: 1})
	body := []byte(`{"rows": []}`)

	rec := do(t, router, http.MethodPost, "/api/upload", body, "application/json")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, router, http.MethodPost, "/api/upload", body, "application/json")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", decode[ErrorResponse](t, rec).Code)

	// Reads are not throttled.
	rec = do(t, router, http.MethodGet, "/api/payments", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

// =============================================================================
// PAYMENTS AND LOANS
// =============================================================================

func TestListPayments_MostRecentFirst(t *testing.T) {
	_, router, _ := newTestHandler(t, RouterOptions{})
	loadScenario(t, router, "standard-loan")

	rec := do(t, router, http.MethodGet, "/api/payments?limit=2", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	payments := decode[[]PaymentDTO](t, rec)
	require.Len(t, payments, 2)
	assert.Equal(t, "P-STD-005", payments[0].ID)
	assert.Equal(t, "P-STD-004", payments[1].ID)
	assert.Equal(t, "2025-05-01", payments[0].PaymentDate)

	rec = do(t, router, http.MethodGet, "/api/payments?limit=abc", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_limit", decode[ErrorResponse](t, rec).Code)
}

func TestPaymentStatus_IndependentOfUploadOrder(t *testing.T) {
	// GIVEN: the same two January payments uploaded in opposite row orders
	// WHEN: payments, loan history and a snapshot are read back
	// THEN: both ledgers serve identical bodies, statuses included

	rows := map[string]string{
		"P-1": `{"id": "P-1", "borrower_id": "B-1", "loan_id": "L-1", "date": "2025-01-01", "currency": "GBP", "description": "January", "amount": 2000}`,
		"P-2": `{"id": "P-2", "borrower_id": "B-1", "loan_id": "L-1", "date": "2025-01-15", "currency": "GBP", "description": "Top-up", "amount": 1500}`,
	}

	read := func(order ...string) map[string]string {
		h, router, mem := newTestHandler(t, RouterOptions{})
		h.Uploads.NewID = func() string { return "U-1" }

		first := ledger.NewDate(2025, time.January, 1)
		loan := ledger.Loan{ID: "L-1", BorrowerID: "B-1", Name: "Monthly", Principal: decimal.NewFromInt(6000), Currency: "GBP"}
		for i := 0; i < 3; i++ {
			loan.Schedule = append(loan.Schedule, ledger.Installment{DueDate: first.AddMonths(i), DueAmount: decimal.NewFromInt(2000)})
		}
		mem.AddLoan(loan)

		body := `{"file_name": "jan.json", "rows": [` + rows[order[0]] + `,` + rows[order[1]] + `]}`
		rec := do(t, router, http.MethodPost, "/api/upload", []byte(body), "application/json")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		out := map[string]string{}
		for _, path := range []string{"/api/payments", "/api/payments/P-2", "/api/loans/L-1/payments", "/api/loans/L-1/snapshots/2025-01-31"} {
			rec := do(t, router, http.MethodGet, path, nil, "")
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			out[path] = rec.Body.String()
		}
		return out
	}

	inOrder := read("P-1", "P-2")
	reversed := read("P-2", "P-1")
	for path, body := range inOrder {
		assert.JSONEq(t, body, reversed[path], path)
	}

	var p2 PaymentDTO
	require.NoError(t, json.Unmarshal([]byte(reversed["/api/payments/P-2"]), &p2))
	assert.Equal(t, "OverPaymentEvent", p2.PaymentStatus)
}

func TestGetPayment_NotFound(t *testing.T) {
	_, router, _ := newTestHandler(t, RouterOptions{})

	rec := do(t, router, http.MethodGet, "/api/payments/P-NOPE", nil, "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "payment_not_found", decode[ErrorResponse](t, rec).Code)
}

func TestLoans(t *testing.T) {
	_, router, _ := newTestHandler(t, RouterOptions{})
	loadScenario(t, router, "standard-loan")
	loadScenario(t, router, "overpaid")

	rec := do(t, router, http.MethodGet, "/api/loans", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	loans := decode[[]LoanDTO](t, rec)
	require.Len(t, loans, 2)
	assert.Equal(t, "L-OVR-001", loans[0].LoanID)
	assert.Equal(t, "L-STD-001", loans[1].LoanID)

	rec = do(t, router, http.MethodGet, "/api/loans/L-STD-001", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	loan := decode[LoanDTO](t, rec)
	assert.Equal(t, "24000", loan.PrincipalAmount.String())
	require.Len(t, loan.Schedule, 12)
	assert.Equal(t, "2025-12-01", loan.Schedule[11].DueDate)

	rec = do(t, router, http.MethodGet, "/api/loans/L-NOPE", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetLoanPayments_AsOf(t *testing.T) {
	_, router, _ := newTestHandler(t, RouterOptions{})
	loadScenario(t, router, "standard-loan")

	rec := do(t, router, http.MethodGet, "/api/loans/L-STD-001/payments?as_of=2025-02-15", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	payments := decode[[]PaymentDTO](t, rec)
	require.Len(t, payments, 2)
	assert.Equal(t, "P-STD-001", payments[0].ID)
	assert.Equal(t, "P-STD-002", payments[1].ID)

	rec = do(t, router, http.MethodGet, "/api/loans/L-STD-001/payments?as_of=whenever", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// SNAPSHOTS
// =============================================================================

func TestGetSnapshot_StandardLoan(t *testing.T) {
	// GIVEN: five payments on the standard loan, one short and one over
	// WHEN: the snapshot at the end of May is requested
	// THEN: it comes back as a one-element array with replayed totals

	_, router, _ := newTestHandler(t, RouterOptions{})
	loadScenario(t, router, "standard-loan")

	rec := do(t, router, http.MethodGet, "/api/loans/L-STD-001/snapshots/2025-05-31", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	snaps := decode[[]SnapshotDTO](t, rec)
	require.Len(t, snaps, 1)
	s := snaps[0]

	assert.Equal(t, "L-STD-001", s.LoanID)
	assert.Equal(t, "B-1001", s.BorrowerID)
	assert.Equal(t, "Standard Personal Loan", s.LoanName)
	assert.Equal(t, "24000", s.PrincipalAmount.String())
	assert.Equal(t, "10000", s.TotalPaid.String())
	assert.Equal(t, "14000", s.OutstandingBalance.String())
	assert.Equal(t, 5, s.PaymentsMade)
	assert.False(t, s.Overpaid)
	assert.Empty(t, s.MissedInstallments)

	require.Len(t, s.RecentPayments, 5)
	assert.Equal(t, "P-STD-005", s.RecentPayments[0].PaymentID)
	assert.Equal(t, "2025-05-01", s.RecentPayments[0].Date)
	assert.Equal(t, "ShortPaymentEvent", s.RecentPayments[2].Status)

	require.NotNil(t, s.NextInstallment)
	assert.Equal(t, "2025-06-01", s.NextInstallment.DueDate)
}

func TestGetSnapshot_Overpaid(t *testing.T) {
	_, router, _ := newTestHandler(t, RouterOptions{})
	loadScenario(t, router, "overpaid")

	rec := do(t, router, http.MethodGet, "/api/loans/L-OVR-001/snapshots/2025-06-01", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	s := decode[[]SnapshotDTO](t, rec)[0]
	assert.Equal(t, "5500", s.TotalPaid.String())
	assert.Equal(t, "-500", s.OutstandingBalance.String())
	assert.True(t, s.Overpaid)
	assert.Nil(t, s.NextInstallment)
}

func TestGetSnapshot_Errors(t *testing.T) {
	_, router, _ := newTestHandler(t, RouterOptions{})
	loadScenario(t, router, "standard-loan")

	rec := do(t, router, http.MethodGet, "/api/loans/L-NOPE/snapshots/2025-05-31", nil, "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	errResp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "loan_not_found", errResp.Code)
	assert.Equal(t, "loan L-NOPE not found", errResp.Detail)

	rec = do(t, router, http.MethodGet, "/api/loans/L-STD-001/snapshots/31-05-2025", nil, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_date", decode[ErrorResponse](t, rec).Code)
}

// =============================================================================
// SCENARIOS AND MISC
// =============================================================================

func TestScenarios_LoadIsIdempotent(t *testing.T) {
	_, router, _ := newTestHandler(t, RouterOptions{})

	first := loadScenario(t, router, "standard-loan")
	assert.Equal(t, 1, first.Loans)
	assert.Equal(t, 5, first.Upload.PaymentsProcessed)

	second := loadScenario(t, router, "standard-loan")
	assert.Equal(t, "success", second.Upload.Status)
	assert.Equal(t, 5, second.Upload.Validation.ValidRows)
	assert.Equal(t, 0, second.Upload.PaymentsProcessed)

	rec := do(t, router, http.MethodGet, "/api/scenarios/current", nil, "")
	assert.Equal(t, "standard-loan", decode[ScenarioDTO](t, rec).ID)

	rec = do(t, router, http.MethodGet, "/api/scenarios", nil, "")
	assert.Len(t, decode[[]ScenarioDTO](t, rec), 3)

	rec = do(t, router, http.MethodPost, "/api/scenarios/load", []byte(`{"scenario_id":"nope"}`), "application/json")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestValidationLogs_NewestFirst(t *testing.T) {
	h, router, _ := newTestHandler(t, RouterOptions{})
	ids := []string{"U-A", "U-B"}
	h.Uploads.NewID = func() string {
		id := ids[0]
		ids = ids[1:]
		return id
	}

	do(t, router, http.MethodPost, "/api/upload", []byte(`{"file_name":"a.json","rows":[]}`), "application/json")
	do(t, router, http.MethodPost, "/api/upload", []byte(`{"file_name":"b.json","rows":[]}`), "application/json")

	rec := do(t, router, http.MethodGet, "/api/validation-logs?limit=10", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	logs := decode[[]ValidationLogDTO](t, rec)
	require.Len(t, logs, 2)
	assert.Equal(t, "U-B", logs[0].ID)
	assert.Equal(t, "b.json", logs[0].FileName)
	assert.Equal(t, "2025-06-01T12:00:00Z", logs[0].UploadTimestamp)
}

func TestRequestID(t *testing.T) {
	_, router, _ := newTestHandler(t, RouterOptions{})

	rec := do(t, router, http.MethodGet, "/healthz", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, "req-123", rr.Header().Get("X-Request-ID"))
	assert.True(t, strings.Contains(rr.Body.String(), "ok"))
}
