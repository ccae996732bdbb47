/*
validator.go - Row validation for uploaded payment files

PURPOSE:
  Turn a RawRow into a PaymentRecord or a list of row-scoped issues.
  Validation never stops at the first problem in a row; the user gets every
  field that needs fixing.

RULES:
  Errors (row excluded):
    - missing_field:   any of the seven columns blank
    - invalid_date:    date not in an accepted layout
    - invalid_amount:  not a number, or zero
    - malformed_row:   the line could not be split into fields
  Warnings (row kept, UnresolvedReference=true):
    - unknown_reference: loan or borrower not in the catalog, or the borrower
      does not own the loan

  Negative amounts are reversals and are valid.
*/
package upload

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/warp/loan-ledger/ledger"
)

// =============================================================================
// ISSUES
// =============================================================================

type IssueCode string

const (
	CodeMissingField     IssueCode = "missing_field"
	CodeInvalidDate      IssueCode = "invalid_date"
	CodeInvalidAmount    IssueCode = "invalid_amount"
	CodeUnknownReference IssueCode = "unknown_reference"
	CodeConflict         IssueCode = "conflict"
	CodeMalformedRow     IssueCode = "malformed_row"
)

var (
	ErrMissingField  = errors.New("missing field")
	ErrInvalidAmount = errors.New("invalid amount")
	ErrMalformedRow  = errors.New("malformed row")
)

// ValidationError is one row-scoped problem. Err is the underlying cause and
// can be matched with errors.Is against ledger and upload sentinels.
type ValidationError struct {
	Row     int
	Field   string
	Code    IssueCode
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("row %d: %s: %s", e.Row, e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Issue converts to the persisted form.
func (e *ValidationError) Issue() ledger.Issue {
	return ledger.Issue{Row: e.Row, Field: e.Field, Code: string(e.Code), Message: e.Message}
}

// Result is the verdict for one row. Record is nil when Errors is not empty.
type Result struct {
	Row      int
	Record   *ledger.PaymentRecord
	Errors   []*ValidationError
	Warnings []*ValidationError
}

func (r Result) Valid() bool { return len(r.Errors) == 0 }

// =============================================================================
// VALIDATOR
// =============================================================================

type Validator struct {
	Loans ledger.LoanCatalog
}

func NewValidator(loans ledger.LoanCatalog) *Validator {
	return &Validator{Loans: loans}
}

// Validate checks one row. The returned error is reserved for catalog
// failures; everything wrong with the row itself is reported in Result.
func (v *Validator) Validate(ctx context.Context, row RawRow) (Result, error) {
	res := Result{Row: row.Row}

	if row.Malformed != nil {
		res.Errors = append(res.Errors, &ValidationError{
			Row: row.Row, Field: "row", Code: CodeMalformedRow,
			Message: row.Malformed.Error(),
			Err:     fmt.Errorf("%w: %w", ErrMalformedRow, row.Malformed),
		})
		return res, nil
	}

	values := make(map[string]string, len(RequiredFields))
	for _, f := range RequiredFields {
		val := strings.TrimSpace(row.Fields[f])
		if val == "" {
			res.Errors = append(res.Errors, &ValidationError{
				Row: row.Row, Field: f, Code: CodeMissingField,
				Message: f + " is required",
				Err:     ErrMissingField,
			})
			continue
		}
		values[f] = val
	}

	var date ledger.Date
	if raw, ok := values[FieldDate]; ok {
		d, err := ledger.ParseDate(raw)
		if err != nil {
			res.Errors = append(res.Errors, &ValidationError{
				Row: row.Row, Field: FieldDate, Code: CodeInvalidDate,
				Message: err.Error(),
				Err:     err,
			})
		}
		date = d
	}

	var amount decimal.Decimal
	if raw, ok := values[FieldAmount]; ok {
		a, err := parseAmount(raw)
		if err != nil {
			res.Errors = append(res.Errors, &ValidationError{
				Row: row.Row, Field: FieldAmount, Code: CodeInvalidAmount,
				Message: err.Error(),
				Err:     ErrInvalidAmount,
			})
		}
		amount = a
	}

	if !res.Valid() {
		return res, nil
	}

	rec := ledger.PaymentRecord{
		ID:          ledger.PaymentID(values[FieldID]),
		BorrowerID:  ledger.BorrowerID(values[FieldBorrowerID]),
		LoanID:      ledger.LoanID(values[FieldLoanID]),
		Date:        date,
		Currency:    strings.ToUpper(values[FieldCurrency]),
		Description: values[FieldDescription],
		Amount:      amount,
	}

	warnings, err := v.checkReferences(ctx, row.Row, rec)
	if err != nil {
		return Result{}, err
	}
	if len(warnings) > 0 {
		rec.UnresolvedReference = true
		res.Warnings = warnings
	}
	res.Record = &rec
	return res, nil
}

func (v *Validator) checkReferences(ctx context.Context, row int, rec ledger.PaymentRecord) ([]*ValidationError, error) {
	var warnings []*ValidationError
	warn := func(field string, ref *ledger.UnknownReferenceError) {
		warnings = append(warnings, &ValidationError{
			Row: row, Field: field, Code: CodeUnknownReference,
			Message: ref.Error(),
			Err:     ref,
		})
	}

	loan, err := v.Loans.Loan(ctx, rec.LoanID)
	if err != nil {
		return nil, fmt.Errorf("lookup loan %s: %w", rec.LoanID, err)
	}
	if loan == nil {
		warn(FieldLoanID, &ledger.UnknownReferenceError{Field: FieldLoanID, Value: string(rec.LoanID)})
	}

	known, err := v.Loans.HasBorrower(ctx, rec.BorrowerID)
	if err != nil {
		return nil, fmt.Errorf("lookup borrower %s: %w", rec.BorrowerID, err)
	}
	switch {
	case !known:
		warn(FieldBorrowerID, &ledger.UnknownReferenceError{Field: FieldBorrowerID, Value: string(rec.BorrowerID)})
	case loan != nil && loan.BorrowerID != rec.BorrowerID:
		warn(FieldBorrowerID, &ledger.UnknownReferenceError{
			Field:  FieldBorrowerID,
			Value:  string(rec.BorrowerID),
			Reason: fmt.Sprintf("borrower %q does not own loan %q", rec.BorrowerID, rec.LoanID),
		})
	}
	return warnings, nil
}

func parseAmount(raw string) (decimal.Decimal, error) {
	s := strings.TrimPrefix(strings.TrimSpace(raw), "+")
	amount, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("amount %q is not a number", raw)
	}
	if amount.IsZero() {
		return decimal.Zero, fmt.Errorf("amount must not be zero")
	}
	return amount, nil
}
