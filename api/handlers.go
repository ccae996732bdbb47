/*
handlers.go - HTTP API handlers for the payment ledger

PURPOSE:
  Exposes the ledger, the snapshot engine and the upload pipeline via REST.
  Handles HTTP request/response, JSON serialization, and delegates to
  domain logic.

ENDPOINTS:
  Uploads:
    POST   /api/upload                          Multipart file or JSON rows
    GET    /api/validation-logs                 Upload audit history

  Payments:
    GET    /api/payments                        Most recent first
    GET    /api/payments/{id}                   Single payment

  Loans:
    GET    /api/loans                           All loans
    GET    /api/loans/{id}                      Loan terms and schedule
    GET    /api/loans/{id}/payments             Loan history (?as_of=)
    GET    /api/loans/{id}/snapshots/{date}     Point-in-time state

  Monitoring:
    GET    /api/arrears                         Latest arrears scan
    GET    /healthz

  Scenarios:
    GET    /api/scenarios                       List demo portfolios
    POST   /api/scenarios/load                  Load a demo portfolio

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input
  3. Call domain logic (ledger, snapshot engine, coordinator)
  4. Serialize response
  5. Handle errors

ERROR HANDLING:
  Errors are returned as {error, code, detail} with:
  - 400: invalid dates, limits, bodies, unreadable files
  - 404: unknown loan or payment
  - 413: upload larger than the configured limit
  - 429: upload rate exceeded
  - 500: internal errors (logged with the request id)

SECURITY NOTE:
  No authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/warp/loan-ledger/factory"
	"github.com/warp/loan-ledger/ledger"
	"github.com/warp/loan-ledger/logger"
	"github.com/warp/loan-ledger/upload"
	"go.uber.org/zap"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500

	// DefaultMaxUploadSize applies when HandlerConfig leaves it unset.
	DefaultMaxUploadSize = 10 << 20
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// CatalogWriter is a loan catalog that also accepts loan definitions.
// Scenario loading writes through it.
type CatalogWriter interface {
	ledger.LoanCatalog
	factory.LoanWriter
}

// HandlerConfig wires a Handler. Store, Loans and Logs are required.
type HandlerConfig struct {
	Store         ledger.Store
	Loans         CatalogWriter
	Logs          ledger.UploadLogStore
	Logger        *zap.Logger
	RecentWindow  int
	MaxUploadSize int64
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger        *ledger.DefaultLedger
	Snapshots     *ledger.SnapshotEngine
	Loans         CatalogWriter
	Logs          ledger.UploadLogStore
	Uploads       *upload.Coordinator
	LoanFactory   *factory.LoanFactory
	Arrears       *ArrearsScanner
	MaxUploadSize int64

	mu              sync.Mutex
	currentScenario string
}

// NewHandler builds the ledger, snapshot engine and upload coordinator over
// one store so that every write goes through the same per-loan sequencer.
func NewHandler(cfg HandlerConfig) *Handler {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	l := ledger.NewLedger(cfg.Store, cfg.Loans)
	snapshots := ledger.NewSnapshotEngine(cfg.Store, cfg.Loans)
	if cfg.RecentWindow > 0 {
		snapshots.RecentWindow = cfg.RecentWindow
	}

	maxSize := cfg.MaxUploadSize
	if maxSize <= 0 {
		maxSize = DefaultMaxUploadSize
	}

	return &Handler{
		Ledger:        l,
		Snapshots:     snapshots,
		Loans:         cfg.Loans,
		Logs:          cfg.Logs,
		Uploads:       upload.NewCoordinator(l, cfg.Loans, cfg.Logs, log.Named("upload")),
		LoanFactory:   factory.NewLoanFactory(),
		MaxUploadSize: maxSize,
	}
}

// =============================================================================
// UPLOAD HANDLERS
// =============================================================================

// Upload ingests a payment file (multipart field "file") or a JSON body of rows.
// POST /api/upload
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		h.uploadRows(w, r)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.MaxUploadSize)
	if err := r.ParseMultipartForm(h.MaxUploadSize); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "file_too_large",
				fmt.Sprintf("File exceeds %d bytes", h.MaxUploadSize), err)
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_upload", "Expected a multipart form with a 'file' field", err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_upload", "Failed to retrieve file from request. Ensure 'file' field is used.", err)
		return
	}
	defer file.Close()

	log, err := h.Uploads.ProcessFile(r.Context(), header.Filename, file)
	h.writeUploadResult(w, r, log, err)
}

func (h *Handler) uploadRows(w http.ResponseWriter, r *http.Request) {
	var req UploadRowsRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.MaxUploadSize))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "Invalid request body", err)
		return
	}

	fileName := req.FileName
	if fileName == "" {
		fileName = "api-upload.json"
	}

	rows := make([]upload.RawRow, len(req.Rows))
	for i, raw := range req.Rows {
		fields := make(map[string]string, len(raw))
		for k, v := range raw {
			if v != nil {
				fields[k] = fmt.Sprint(v)
			}
		}
		rows[i] = upload.NormalizeRow(i+1, fields)
	}

	log, err := h.Uploads.ProcessUpload(r.Context(), fileName, rows)
	h.writeUploadResult(w, r, log, err)
}

func (h *Handler) writeUploadResult(w http.ResponseWriter, r *http.Request, log ledger.UploadLog, err error) {
	var fileErr *upload.FileError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, toUploadResponse(log))
	case errors.As(err, &fileErr):
		writeJSON(w, http.StatusBadRequest, toUploadResponse(log))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// The client went away; the partial upload is already logged.
		logger.FromContext(r.Context()).Warn("upload interrupted",
			zap.String("upload_id", log.ID), zap.Int("processed_rows", log.ProcessedRows))
	default:
		logger.FromContext(r.Context()).Error("upload failed", zap.String("upload_id", log.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "Upload failed", err)
	}
}

// ListValidationLogs returns upload logs, newest first.
// GET /api/validation-logs?limit=N
func (h *Handler) ListValidationLogs(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	logs, err := h.Logs.UploadLogs(r.Context(), limit)
	if err != nil {
		h.internalError(w, r, "Failed to list validation logs", err)
		return
	}

	dtos := make([]ValidationLogDTO, len(logs))
	for i, l := range logs {
		dtos[i] = toValidationLogDTO(l)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// ListPayments returns the most recent payments across all loans.
// GET /api/payments?limit=N
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	records, err := h.Ledger.Recent(r.Context(), limit)
	if err != nil {
		h.internalError(w, r, "Failed to list payments", err)
		return
	}
	h.writePayments(w, r, records)
}

// GetPayment returns a single payment.
// GET /api/payments/{id}
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := h.Ledger.Get(r.Context(), ledger.PaymentID(id))
	if err != nil {
		h.internalError(w, r, "Failed to get payment", err)
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "payment_not_found", "Payment not found", fmt.Errorf("payment %s not found", id))
		return
	}

	replayed, err := h.Ledger.ReplayKinds(r.Context(), []ledger.PaymentRecord{*rec})
	if err != nil {
		h.internalError(w, r, "Failed to get payment", err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTO(replayed[0]))
}

// writePayments serves records with their replayed kinds as payment_status,
// so the listing does not depend on the order payments were ingested in.
func (h *Handler) writePayments(w http.ResponseWriter, r *http.Request, records []ledger.PaymentRecord) {
	replayed, err := h.Ledger.ReplayKinds(r.Context(), records)
	if err != nil {
		h.internalError(w, r, "Failed to replay payments", err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTOs(replayed))
}

// =============================================================================
// LOAN HANDLERS
// =============================================================================

// ListLoans returns every loan in the catalog.
// GET /api/loans
func (h *Handler) ListLoans(w http.ResponseWriter, r *http.Request) {
	loans, err := h.Loans.Loans(r.Context())
	if err != nil {
		h.internalError(w, r, "Failed to list loans", err)
		return
	}

	dtos := make([]LoanDTO, len(loans))
	for i, l := range loans {
		dtos[i] = toLoanDTO(l)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetLoan returns loan terms and schedule.
// GET /api/loans/{id}
func (h *Handler) GetLoan(w http.ResponseWriter, r *http.Request) {
	id := ledger.LoanID(chi.URLParam(r, "id"))

	loan, err := h.Loans.Loan(r.Context(), id)
	if err != nil {
		h.internalError(w, r, "Failed to get loan", err)
		return
	}
	if loan == nil {
		h.writeLedgerError(w, r, &ledger.LoanNotFoundError{LoanID: id})
		return
	}
	writeJSON(w, http.StatusOK, toLoanDTO(*loan))
}

// GetLoanPayments returns a loan's history in replay order with replayed kinds.
// Payments recorded against an unknown loan id are listed too.
// GET /api/loans/{id}/payments?as_of=YYYY-MM-DD
func (h *Handler) GetLoanPayments(w http.ResponseWriter, r *http.Request) {
	id := ledger.LoanID(chi.URLParam(r, "id"))

	var upTo ledger.Date
	if raw := r.URL.Query().Get("as_of"); raw != "" {
		d, err := ledger.ParseDate(raw)
		if err != nil {
			h.writeLedgerError(w, r, err)
			return
		}
		upTo = d
	}

	records, err := h.Ledger.QueryByLoan(r.Context(), id, upTo)
	if err != nil {
		h.internalError(w, r, "Failed to list loan payments", err)
		return
	}
	h.writePayments(w, r, records)
}

// GetSnapshot returns the loan state as of a date. The body is a one-element
// array, which is what the dashboard consumes.
// GET /api/loans/{id}/snapshots/{date}
func (h *Handler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	id := ledger.LoanID(chi.URLParam(r, "id"))
	date := chi.URLParam(r, "date")

	snap, err := h.Snapshots.SnapshotAt(r.Context(), id, date)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, []SnapshotDTO{toSnapshotDTO(snap)})
}

// =============================================================================
// MONITORING
// =============================================================================

// GetArrears returns the latest arrears scan, running one if none exists yet.
// GET /api/arrears
func (h *Handler) GetArrears(w http.ResponseWriter, r *http.Request) {
	if h.Arrears == nil {
		writeError(w, http.StatusServiceUnavailable, "arrears_disabled", "Arrears scanning is not configured", nil)
		return
	}

	report, ok := h.Arrears.Latest()
	if !ok {
		var err error
		report, err = h.Arrears.RunNow(r.Context())
		if err != nil {
			h.internalError(w, r, "Arrears scan failed", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, toArrearsReportDTO(report))
}

// Health reports liveness.
// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string, err error) {
	resp := ErrorResponse{Error: message, Code: code}
	if err != nil {
		resp.Detail = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeLedgerError maps engine errors to HTTP responses.
func (h *Handler) writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ledger.ErrLoanNotFound):
		writeError(w, http.StatusNotFound, "loan_not_found", "Loan not found", err)
	case errors.Is(err, ledger.ErrInvalidDate):
		writeError(w, http.StatusBadRequest, "invalid_date", "Invalid date", err)
	case errors.Is(err, ledger.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", "Payment id already recorded with different content", err)
	case ledger.IsClientError(err):
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request", err)
	default:
		h.internalError(w, r, "Internal error", err)
	}
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, message string, err error) {
	logger.FromContext(r.Context()).Error(message, zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal", message, err)
}

// parseLimit reads ?limit=N, defaulting to 50 and capping at 500.
func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer", nil)
		return 0, false
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, true
}
