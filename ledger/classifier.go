/*
classifier.go - Schedule replay and event classification

PURPOSE:
  Decides whether a payment was the instalment due, short of it, or more
  than it. The decision is made by replaying the loan's earlier payments
  against the schedule and comparing the new payment with what is left on
  the instalment it lands on.

MATCHING RULES:
  Instalments are consumed in ascending due-date order (first due, first
  matched). A payment targets the first instalment that is not yet
  satisfied, provided that instalment is due on or before the payment date.

    amount == remaining (within Tolerance) -> PaymentReceivedEvent
    amount <  remaining                    -> ShortPaymentEvent
    amount >  remaining                    -> OverPaymentEvent, surplus
                                              credited to the next
                                              instalments in order
    nothing due yet / all satisfied        -> OverPaymentEvent (pre-payment),
                                              credited forward the same way

  A negative amount is a reversal. It unwinds unallocated credit first, then
  paid amounts from the latest instalment backwards, and is classified as a
  ShortPaymentEvent.

  MissedPaymentEvent is never produced here. Overdue instalments are
  reported by ScheduleState.Missed at read time.

DETERMINISM:
  The outcome depends only on the schedule and the records ordered before the
  payment by (date, id). Insertion order is irrelevant.

EXAMPLE:
  Schedule: Jan 1 = 2000, Feb 1 = 2000
  Jan 1 pays 2500 -> OverPaymentEvent, Feb 1 now has 1500 remaining
  Feb 1 pays 1500 -> PaymentReceivedEvent
*/
package ledger

import (
	"sort"

	"github.com/shopspring/decimal"
)

// =============================================================================
// INSTALLMENT STATUS - Replay view of one schedule entry
// =============================================================================

type InstallmentStatus struct {
	Seq       int // 1-based position in due-date order
	DueDate   Date
	DueAmount decimal.Decimal
	Paid      decimal.Decimal
	Remaining decimal.Decimal
}

// MissedInstallment is an overdue, unsatisfied instalment as of a date.
// It is an indicator on a snapshot, not a ledger record.
type MissedInstallment struct {
	InstallmentStatus
	DaysOverdue int
	Kind        EventKind
}

type installmentState struct {
	Installment
	paid decimal.Decimal
}

func (s installmentState) remaining() decimal.Decimal { return s.DueAmount.Sub(s.paid) }
func (s installmentState) satisfied() bool          { return s.remaining().LessThanOrEqual(Tolerance) }

// =============================================================================
// SCHEDULE STATE - Accumulated payments against a schedule
// =============================================================================

// ScheduleState is the running allocation of payments to instalments. It is
// rebuilt from the ledger for every classification and every snapshot; it is
// never persisted.
type ScheduleState struct {
	entries []installmentState
	credit  decimal.Decimal
}

func NewScheduleState(schedule []Installment) *ScheduleState {
	entries := make([]installmentState, len(schedule))
	for i, inst := range schedule {
		entries[i] = installmentState{Installment: inst, paid: decimal.Zero}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].DueDate.Before(entries[j].DueDate)
	})
	return &ScheduleState{entries: entries, credit: decimal.Zero}
}

// Apply allocates one payment and returns its classification.
func (s *ScheduleState) Apply(p PaymentRecord) EventKind {
	if p.Amount.IsNegative() {
		s.unwind(p.Amount.Neg())
		return EventShortPayment
	}

	i := s.firstOpen()
	if i < 0 || s.entries[i].DueDate.After(p.Date) {
		s.allocateFrom(i, p.Amount)
		return EventOverPayment
	}

	target := &s.entries[i]
	diff := p.Amount.Sub(target.remaining())
	switch {
	case diff.Abs().LessThanOrEqual(Tolerance):
		target.paid = target.DueAmount
		return EventPaymentReceived
	case diff.IsNegative():
		target.paid = target.paid.Add(p.Amount)
		return EventShortPayment
	default:
		target.paid = target.DueAmount
		s.allocateFrom(i+1, diff)
		return EventOverPayment
	}
}

func (s *ScheduleState) firstOpen() int {
	for i := range s.entries {
		if !s.entries[i].satisfied() {
			return i
		}
	}
	return -1
}

// allocateFrom credits amount to open instalments starting at index from.
// from < 0 means nothing is open; the whole amount becomes credit.
func (s *ScheduleState) allocateFrom(from int, amount decimal.Decimal) {
	if s.credit.IsNegative() {
		restore := decimal.Min(s.credit.Neg(), amount)
		s.credit = s.credit.Add(restore)
		amount = amount.Sub(restore)
	}
	if from >= 0 {
		for j := from; j < len(s.entries) && amount.IsPositive(); j++ {
			if s.entries[j].satisfied() {
				continue
			}
			take := decimal.Min(s.entries[j].remaining(), amount)
			s.entries[j].paid = s.entries[j].paid.Add(take)
			amount = amount.Sub(take)
		}
	}
	s.credit = s.credit.Add(amount)
}

func (s *ScheduleState) unwind(amount decimal.Decimal) {
	if s.credit.IsPositive() {
		take := decimal.Min(s.credit, amount)
		s.credit = s.credit.Sub(take)
		amount = amount.Sub(take)
	}
	for j := len(s.entries) - 1; j >= 0 && amount.IsPositive(); j-- {
		if !s.entries[j].paid.IsPositive() {
			continue
		}
		take := decimal.Min(s.entries[j].paid, amount)
		s.entries[j].paid = s.entries[j].paid.Sub(take)
		amount = amount.Sub(take)
	}
	// Reversing more than was ever paid leaves a debit that later payments
	// settle before anything else.
	s.credit = s.credit.Sub(amount)
}

// Credit is the amount paid beyond every instalment (negative after an
// over-reversal).
func (s *ScheduleState) Credit() decimal.Decimal { return s.credit }

// Statuses returns every instalment in due-date order.
func (s *ScheduleState) Statuses() []InstallmentStatus {
	out := make([]InstallmentStatus, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.status(i)
	}
	return out
}

// Missed returns instalments due on or before asOf that are not satisfied.
func (s *ScheduleState) Missed(asOf Date) []MissedInstallment {
	var missed []MissedInstallment
	for i, e := range s.entries {
		if e.DueDate.After(asOf) {
			break
		}
		if e.satisfied() {
			continue
		}
		missed = append(missed, MissedInstallment{
			InstallmentStatus: e.status(i),
			DaysOverdue:       DaysBetween(e.DueDate, asOf),
			Kind:              EventMissedPayment,
		})
	}
	return missed
}

// Next returns the first open instalment due after asOf, or nil.
func (s *ScheduleState) Next(asOf Date) *InstallmentStatus {
	for i, e := range s.entries {
		if e.DueDate.After(asOf) && !e.satisfied() {
			st := e.status(i)
			return &st
		}
	}
	return nil
}

func (e installmentState) status(i int) InstallmentStatus {
	return InstallmentStatus{
		Seq:       i + 1,
		DueDate:   e.DueDate,
		DueAmount: e.DueAmount,
		Paid:      e.paid,
		Remaining: e.remaining(),
	}
}

// =============================================================================
// CLASSIFY / REPLAY
// =============================================================================

// Classify assigns an EventKind to p given the loan schedule and the loan's
// other records. Only records that precede p in (date, id) order are
// replayed; the rest of prior is ignored.
func Classify(p PaymentRecord, schedule []Installment, prior []PaymentRecord) EventKind {
	history := make([]PaymentRecord, 0, len(prior))
	for _, r := range prior {
		if r.ID != p.ID && r.Precedes(p) {
			history = append(history, r)
		}
	}
	state, _ := Replay(schedule, history)
	return state.Apply(p)
}

// Replayed pairs a record with the kind it receives on replay.
type Replayed struct {
	Record PaymentRecord
	Kind   EventKind
}

// Replay applies records in (date, id) order and returns the final state
// along with each record's replayed kind, in replay order.
func Replay(schedule []Installment, records []PaymentRecord) (*ScheduleState, []Replayed) {
	ordered := make([]PaymentRecord, len(records))
	copy(ordered, records)
	SortForReplay(ordered)

	state := NewScheduleState(schedule)
	out := make([]Replayed, len(ordered))
	for i, r := range ordered {
		out[i] = Replayed{Record: r, Kind: state.Apply(r)}
	}
	return state, out
}

// SortForReplay orders records by date, then id.
func SortForReplay(records []PaymentRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Precedes(records[j])
	})
}
