/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger model from the dashboard contract, so field names here follow
  what the dashboard reads (payment_status, recent_payments, detail ...).

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

AMOUNTS:
  Decimals are emitted as JSON numbers through json.Number so no precision
  is lost in the encoder and the dashboard can format them directly.

SEE ALSO:
  - handlers.go: Uses these types
  - ledger/types.go: domain types
*/
package api

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/loan-ledger/ledger"
)

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error  string `json:"error"`
	Code   string `json:"code,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// =============================================================================
// UPLOAD
// =============================================================================

// UploadRowsRequest is the JSON alternative to a multipart file upload.
// Row values may be strings or numbers.
type UploadRowsRequest struct {
	FileName string           `json:"file_name"`
	Rows     []map[string]any `json:"rows"`
}

type IssueDTO struct {
	Row     int    `json:"row"`
	Field   string `json:"field,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationDTO struct {
	TotalRows     int        `json:"total_rows"`
	ProcessedRows int        `json:"processed_rows"`
	ValidRows     int        `json:"valid_rows"`
	ErrorRows     int        `json:"error_rows"`
	Errors        []IssueDTO `json:"errors"`
	Warnings      []IssueDTO `json:"warnings"`
}

type UploadResponse struct {
	UploadID          string        `json:"upload_id"`
	Status            string        `json:"status"`
	Message           string        `json:"message"`
	Validation        ValidationDTO `json:"validation"`
	PaymentsProcessed int           `json:"payments_processed"`
}

// ValidationLogDTO is one entry of the upload audit history.
type ValidationLogDTO struct {
	ID                string     `json:"id"`
	FileName          string     `json:"file_name"`
	UploadTimestamp   string     `json:"upload_timestamp"`
	ValidationStatus  string     `json:"validation_status"`
	Message           string     `json:"message"`
	TotalRows         int        `json:"total_rows"`
	ProcessedRows     int        `json:"processed_rows"`
	ValidRows         int        `json:"valid_rows"`
	ErrorRows         int        `json:"error_rows"`
	PaymentsProcessed int        `json:"payments_processed"`
	Errors            []IssueDTO `json:"errors"`
	Warnings          []IssueDTO `json:"warnings"`
}

// =============================================================================
// PAYMENTS
// =============================================================================

// PaymentDTO carries both id and payment_id; the dashboard reads either.
type PaymentDTO struct {
	ID                  string      `json:"id"`
	PaymentID           string      `json:"payment_id"`
	BorrowerID          string      `json:"borrower_id"`
	LoanID              string      `json:"loan_id"`
	PaymentDate         string      `json:"payment_date"`
	Amount              json.Number `json:"amount"`
	Currency            string      `json:"currency"`
	Description         string      `json:"description"`
	PaymentStatus       string      `json:"payment_status"`
	UnresolvedReference bool        `json:"unresolved_reference"`
	UploadID            string      `json:"upload_id,omitempty"`
	IngestedAt          string      `json:"ingested_at,omitempty"`
}

// =============================================================================
// LOANS
// =============================================================================

type InstallmentDTO struct {
	DueDate   string      `json:"due_date"`
	DueAmount json.Number `json:"due_amount"`
}

type LoanDTO struct {
	LoanID          string           `json:"loan_id"`
	BorrowerID      string           `json:"borrower_id"`
	LoanName        string           `json:"loan_name"`
	PrincipalAmount json.Number      `json:"principal_amount"`
	Currency        string           `json:"currency"`
	Schedule        []InstallmentDTO `json:"schedule"`
}

// =============================================================================
// SNAPSHOTS
// =============================================================================

type SnapshotPaymentDTO struct {
	PaymentID   string      `json:"payment_id"`
	Date        string      `json:"date"`
	Description string      `json:"description"`
	Amount      json.Number `json:"amount"`
	Status      string      `json:"status"`
}

type InstallmentStatusDTO struct {
	Seq       int         `json:"seq"`
	DueDate   string      `json:"due_date"`
	DueAmount json.Number `json:"due_amount"`
	Paid      json.Number `json:"paid"`
	Remaining json.Number `json:"remaining"`
}

type MissedInstallmentDTO struct {
	InstallmentStatusDTO
	DaysOverdue int    `json:"days_overdue"`
	Status      string `json:"status"`
}

type SnapshotDTO struct {
	LoanID             string                 `json:"loan_id"`
	BorrowerID         string                 `json:"borrower_id"`
	LoanName           string                 `json:"loan_name"`
	Currency           string                 `json:"currency"`
	AsOf               string                 `json:"as_of"`
	PrincipalAmount    json.Number            `json:"principal_amount"`
	TotalPaid          json.Number            `json:"total_paid"`
	PaymentsMade       int                    `json:"payments_made"`
	OutstandingBalance json.Number            `json:"outstanding_balance"`
	Overpaid           bool                   `json:"overpaid"`
	Credit             json.Number            `json:"credit"`
	RecentPayments     []SnapshotPaymentDTO   `json:"recent_payments"`
	MissedInstallments []MissedInstallmentDTO `json:"missed_installments"`
	NextInstallment    *InstallmentStatusDTO  `json:"next_installment"`
}

// =============================================================================
// ARREARS
// =============================================================================

type ArrearsLoanDTO struct {
	LoanID             string      `json:"loan_id"`
	BorrowerID         string      `json:"borrower_id"`
	LoanName           string      `json:"loan_name"`
	MissedCount        int         `json:"missed_count"`
	AmountOverdue      json.Number `json:"amount_overdue"`
	OldestDaysOverdue  int         `json:"oldest_days_overdue"`
	OutstandingBalance json.Number `json:"outstanding_balance"`
}

type ArrearsReportDTO struct {
	AsOf      string           `json:"as_of"`
	ScannedAt string           `json:"scanned_at"`
	Loans     []ArrearsLoanDTO `json:"loans"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

type LoadScenarioResponse struct {
	Scenario ScenarioDTO    `json:"scenario"`
	Loans    int            `json:"loans"`
	Upload   UploadResponse `json:"upload"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func number(d decimal.Decimal) json.Number {
	return json.Number(d.String())
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func toIssueDTOs(issues []ledger.Issue) []IssueDTO {
	out := make([]IssueDTO, len(issues))
	for i, is := range issues {
		out[i] = IssueDTO{Row: is.Row, Field: is.Field, Code: is.Code, Message: is.Message}
	}
	return out
}

func toUploadResponse(log ledger.UploadLog) UploadResponse {
	return UploadResponse{
		UploadID: log.ID,
		Status:   string(log.ValidationStatus),
		Message:  log.Message,
		Validation: ValidationDTO{
			TotalRows:     log.TotalRows,
			ProcessedRows: log.ProcessedRows,
			ValidRows:     log.ValidRows,
			ErrorRows:     log.ErrorRows,
			Errors:        toIssueDTOs(log.Errors),
			Warnings:      toIssueDTOs(log.Warnings),
		},
		PaymentsProcessed: log.PaymentsProcessed,
	}
}

func toValidationLogDTO(log ledger.UploadLog) ValidationLogDTO {
	return ValidationLogDTO{
		ID:                log.ID,
		FileName:          log.FileName,
		UploadTimestamp:   timestamp(log.UploadTimestamp),
		ValidationStatus:  string(log.ValidationStatus),
		Message:           log.Message,
		TotalRows:         log.TotalRows,
		ProcessedRows:     log.ProcessedRows,
		ValidRows:         log.ValidRows,
		ErrorRows:         log.ErrorRows,
		PaymentsProcessed: log.PaymentsProcessed,
		Errors:            toIssueDTOs(log.Errors),
		Warnings:          toIssueDTOs(log.Warnings),
	}
}

func toPaymentDTO(p ledger.PaymentRecord) PaymentDTO {
	return PaymentDTO{
		ID:                  string(p.ID),
		PaymentID:           string(p.ID),
		BorrowerID:          string(p.BorrowerID),
		LoanID:              string(p.LoanID),
		PaymentDate:         p.Date.String(),
		Amount:              number(p.Amount),
		Currency:            p.Currency,
		Description:         p.Description,
		PaymentStatus:       p.EventKind.String(),
		UnresolvedReference: p.UnresolvedReference,
		UploadID:            p.UploadID,
		IngestedAt:          timestamp(p.IngestedAt),
	}
}

func toPaymentDTOs(records []ledger.PaymentRecord) []PaymentDTO {
	out := make([]PaymentDTO, len(records))
	for i, r := range records {
		out[i] = toPaymentDTO(r)
	}
	return out
}

func toLoanDTO(l ledger.Loan) LoanDTO {
	schedule := make([]InstallmentDTO, len(l.Schedule))
	for i, inst := range l.Schedule {
		schedule[i] = InstallmentDTO{DueDate: inst.DueDate.String(), DueAmount: number(inst.DueAmount)}
	}
	return LoanDTO{
		LoanID:          string(l.ID),
		BorrowerID:      string(l.BorrowerID),
		LoanName:        l.Name,
		PrincipalAmount: number(l.Principal),
		Currency:        l.Currency,
		Schedule:        schedule,
	}
}

func toInstallmentStatusDTO(s ledger.InstallmentStatus) InstallmentStatusDTO {
	return InstallmentStatusDTO{
		Seq:       s.Seq,
		DueDate:   s.DueDate.String(),
		DueAmount: number(s.DueAmount),
		Paid:      number(s.Paid),
		Remaining: number(s.Remaining),
	}
}

func toSnapshotDTO(s *ledger.LoanSnapshot) SnapshotDTO {
	recent := make([]SnapshotPaymentDTO, len(s.RecentPayments))
	for i, p := range s.RecentPayments {
		recent[i] = SnapshotPaymentDTO{
			PaymentID:   string(p.ID),
			Date:        p.Date.String(),
			Description: p.Description,
			Amount:      number(p.Amount),
			Status:      p.Status.String(),
		}
	}

	missed := make([]MissedInstallmentDTO, len(s.MissedInstallments))
	for i, m := range s.MissedInstallments {
		missed[i] = MissedInstallmentDTO{
			InstallmentStatusDTO: toInstallmentStatusDTO(m.InstallmentStatus),
			DaysOverdue:          m.DaysOverdue,
			Status:               m.Kind.String(),
		}
	}

	var next *InstallmentStatusDTO
	if s.NextInstallment != nil {
		dto := toInstallmentStatusDTO(*s.NextInstallment)
		next = &dto
	}

	return SnapshotDTO{
		LoanID:             string(s.LoanID),
		BorrowerID:         string(s.BorrowerID),
		LoanName:           s.LoanName,
		Currency:           s.Currency,
		AsOf:               s.AsOf.String(),
		PrincipalAmount:    number(s.PrincipalAmount),
		TotalPaid:          number(s.TotalPaid),
		PaymentsMade:       s.PaymentsMade,
		OutstandingBalance: number(s.OutstandingBalance),
		Overpaid:           s.Overpaid,
		Credit:             number(s.Credit),
		RecentPayments:     recent,
		MissedInstallments: missed,
		NextInstallment:    next,
	}
}
