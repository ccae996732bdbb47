/*
errors.go - Centralized error types for the ledger engine

ERROR CATEGORIES:
  1. Store errors    - duplicate ids, conflicting re-appends
  2. Query errors    - unknown loan, unparsable date
  3. Reference issue - warning-grade, the row is still ingested

Row-level validation errors live in the upload package; they are collected,
never returned from the engine.

USAGE:
  if errors.Is(err, ledger.ErrConflict) {
      var c *ledger.ConflictError
      errors.As(err, &c) // c.Existing is the preserved original
  }
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrDuplicateID is returned by a Store when the id is already taken.
	// The ledger turns it into a no-op or a ConflictError.
	ErrDuplicateID = errors.New("duplicate payment id")

	// ErrConflict is returned when an id reappears with different content.
	ErrConflict = errors.New("payment id conflict")

	ErrLoanNotFound = errors.New("loan not found")

	ErrInvalidDate = errors.New("invalid date")

	// ErrUnknownReference marks warning-grade reference failures.
	ErrUnknownReference = errors.New("unknown reference")

	// ErrAppendOnly is returned by stores when asked to modify history.
	ErrAppendOnly = errors.New("ledger is append-only")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ConflictError reports a divergent re-append. The original is untouched.
type ConflictError struct {
	ID       PaymentID
	Existing PaymentRecord
	Incoming PaymentRecord
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("payment %s already recorded with different content", e.ID)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

type LoanNotFoundError struct {
	LoanID LoanID
}

func (e *LoanNotFoundError) Error() string {
	return fmt.Sprintf("loan %s not found", e.LoanID)
}

func (e *LoanNotFoundError) Unwrap() error { return ErrLoanNotFound }

type InvalidDateError struct {
	Input string
}

func (e *InvalidDateError) Error() string {
	return fmt.Sprintf("invalid date %q (use YYYY-MM-DD)", e.Input)
}

func (e *InvalidDateError) Unwrap() error { return ErrInvalidDate }

// UnknownReferenceError names the unresolved field (loan_id or borrower_id).
type UnknownReferenceError struct {
	Field string
	Value string
	// Reason overrides the default message, e.g. for a borrower/loan mismatch.
	Reason string
}

func (e *UnknownReferenceError) Error() string {
	if e.Reason != "" {
		return e.Reason
	}
	return fmt.Sprintf("unknown %s %q", e.Field, e.Value)
}

func (e *UnknownReferenceError) Unwrap() error { return ErrUnknownReference }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrInvalidDate) ||
		errors.Is(err, ErrUnknownReference)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrLoanNotFound)
}
