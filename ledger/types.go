/*
Package ledger provides the payment ledger and point-in-time snapshot engine.

PURPOSE:
  Payments against instalment loans are recorded once, classified against the
  loan's instalment schedule, and never edited. Every question about a loan's
  state ("what was outstanding on 31 March?") is answered by replaying the
  payments dated on or before that day. There is no stored balance.

KEY CONCEPTS IN THIS FILE (types.go):
  - Loan / Installment: static loan terms, owned by the loan catalog
  - PaymentRecord: an immutable ledger entry
  - EventKind: the closed set of classification outcomes
  - UploadLog / Issue: the audit record of one file upload

DESIGN PRINCIPLES:
  1. Immutability: records are never modified; corrections are new records
  2. Precision: amounts are decimal.Decimal, never float64
  3. Determinism: classification and snapshots depend on (date, id) order only
  4. Idempotency: the caller-supplied payment id is the idempotency key

SEE ALSO:
  - ledger.go: append path and per-loan serialization
  - classifier.go: schedule replay and event classification
  - snapshot.go: point-in-time reconstruction
*/
package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Tolerance is the largest difference (in major units) still treated as an
// exact match between a payment and the amount due: 0.01 minor units.
var Tolerance = decimal.New(1, -4)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type LoanID string
type BorrowerID string
type PaymentID string

// =============================================================================
// EVENT KIND - Closed sum type
// =============================================================================

// EventKind is the classification of a payment against its loan schedule.
// The zero value means the payment could not be classified because its loan
// is unknown.
type EventKind int

const (
	EventUnclassified EventKind = iota
	EventPaymentReceived
	EventShortPayment
	EventOverPayment
	// EventMissedPayment is derived at read time for overdue instalments.
	// It is never assigned to an ingested record.
	EventMissedPayment
)

func (k EventKind) String() string {
	switch k {
	case EventUnclassified:
		return "N/A"
	case EventPaymentReceived:
		return "PaymentReceivedEvent"
	case EventShortPayment:
		return "ShortPaymentEvent"
	case EventOverPayment:
		return "OverPaymentEvent"
	case EventMissedPayment:
		return "MissedPaymentEvent"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// ParseEventKind is the inverse of String.
func ParseEventKind(s string) (EventKind, error) {
	switch s {
	case "", "N/A":
		return EventUnclassified, nil
	case "PaymentReceivedEvent":
		return EventPaymentReceived, nil
	case "ShortPaymentEvent":
		return EventShortPayment, nil
	case "OverPaymentEvent":
		return EventOverPayment, nil
	case "MissedPaymentEvent":
		return EventMissedPayment, nil
	default:
		return EventUnclassified, fmt.Errorf("unknown event kind %q", s)
	}
}

func (k EventKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *EventKind) UnmarshalText(b []byte) error {
	parsed, err := ParseEventKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// CountsAsPayment reports whether records of this kind contribute to total paid.
func (k EventKind) CountsAsPayment() bool {
	switch k {
	case EventPaymentReceived, EventShortPayment, EventOverPayment:
		return true
	case EventUnclassified, EventMissedPayment:
		return false
	default:
		return false
	}
}

// =============================================================================
// LOAN - Static terms, loaded not written
// =============================================================================

type Installment struct {
	DueDate   Date
	DueAmount decimal.Decimal
}

type Loan struct {
	ID         LoanID
	BorrowerID BorrowerID
	Name       string
	Principal  decimal.Decimal
	Currency   string
	Schedule   []Installment
}

// =============================================================================
// PAYMENT RECORD - Immutable ledger entry
// =============================================================================

type PaymentRecord struct {
	ID          PaymentID
	BorrowerID  BorrowerID
	LoanID      LoanID
	Date        Date
	Currency    string
	Description string
	Amount      decimal.Decimal

	// Assigned by the ledger on first append; immutable afterwards.
	EventKind EventKind

	// Set when the loan or borrower could not be resolved at ingestion.
	UnresolvedReference bool

	// Audit fields. Never used by classification or snapshots.
	UploadID   string
	IngestedAt time.Time
}

// SameContent reports whether two records carry the same caller-supplied
// fields. Amounts compare by value, so "2000" and "2000.00" are equal.
func (p PaymentRecord) SameContent(other PaymentRecord) bool {
	return p.ID == other.ID &&
		p.BorrowerID == other.BorrowerID &&
		p.LoanID == other.LoanID &&
		p.Date.Equal(other.Date) &&
		p.Currency == other.Currency &&
		p.Description == other.Description &&
		p.Amount.Equal(other.Amount)
}

// Precedes is the canonical replay order: date ascending, then id.
func (p PaymentRecord) Precedes(other PaymentRecord) bool {
	if c := p.Date.Compare(other.Date); c != 0 {
		return c < 0
	}
	return p.ID < other.ID
}

// =============================================================================
// UPLOAD LOG - One per upload, immutable
// =============================================================================

type UploadStatus string

const (
	UploadSuccess UploadStatus = "success"
	UploadFailed  UploadStatus = "failed"
)

// Issue is a row-scoped validation error or warning.
type Issue struct {
	Row     int
	Field   string
	Code    string
	Message string
}

type UploadLog struct {
	ID                string
	FileName          string
	UploadTimestamp   time.Time
	ValidationStatus  UploadStatus
	Message           string
	TotalRows         int
	ProcessedRows     int
	ValidRows         int
	ErrorRows         int
	PaymentsProcessed int
	Errors            []Issue
	Warnings          []Issue
}
