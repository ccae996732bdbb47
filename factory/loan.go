/*
Package factory converts loan definitions (JSON or YAML) into ledger.Loan values.

PURPOSE:
  Loan terms are static data. They are written once by a loader (the
  LOANS_FILE at startup, or a demo scenario) and only read by the engine.
  The factory validates the definition and builds the instalment schedule.

JSON SCHEMA:
  {
    "id": "L-1001",
    "borrower_id": "B-42",
    "name": "Car loan",
    "principal": "24000",
    "currency": "GBP",
    "plan": {
      "first_due_date": "2025-01-01",
      "installments": 12,
      "frequency": "monthly"
    }
  }

  Instead of "plan", a loan may list its schedule explicitly:
    "schedule": [{"due_date": "2025-01-01", "due_amount": "2000"}, ...]

PLANS:
  A plan splits the principal into equal instalments rounded to 2 places.
  The rounding remainder goes on the last instalment, so the schedule always
  sums to the principal exactly.

FILES:
  LoadFile accepts .json, .yaml and .yml. The document is either a list of
  loans or an object with a "loans" key.

SEE ALSO:
  - ledger/types.go: Loan and Installment
  - api/scenarios.go: demo portfolios built from these definitions
*/
package factory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/warp/loan-ledger/ledger"
)

// =============================================================================
// SCHEMA TYPES
// =============================================================================

// Amount is a decimal written either as a JSON/YAML number or a string.
type Amount string

func (a *Amount) UnmarshalJSON(b []byte) error {
	*a = Amount(strings.Trim(string(b), `"`))
	return nil
}

// LoanJSON is the serialized form of a loan.
type LoanJSON struct {
	ID         string            `json:"id" yaml:"id"`
	BorrowerID string            `json:"borrower_id" yaml:"borrower_id"`
	Name       string            `json:"name,omitempty" yaml:"name,omitempty"`
	Principal  Amount            `json:"principal" yaml:"principal"`
	Currency   string            `json:"currency,omitempty" yaml:"currency,omitempty"`
	Plan       *PlanJSON         `json:"plan,omitempty" yaml:"plan,omitempty"`
	Schedule   []InstallmentJSON `json:"schedule,omitempty" yaml:"schedule,omitempty"`
}

// PlanJSON generates an equal-instalment schedule.
type PlanJSON struct {
	FirstDueDate string `json:"first_due_date" yaml:"first_due_date"`
	Installments int    `json:"installments" yaml:"installments"`
	Frequency    string `json:"frequency,omitempty" yaml:"frequency,omitempty"` // monthly, biweekly, weekly
}

type InstallmentJSON struct {
	DueDate   string `json:"due_date" yaml:"due_date"`
	DueAmount Amount `json:"due_amount" yaml:"due_amount"`
}

type loansFile struct {
	Loans []LoanJSON `json:"loans" yaml:"loans"`
}

// Frequency is the spacing between generated instalments.
type Frequency string

const (
	FreqMonthly  Frequency = "monthly"
	FreqBiweekly Frequency = "biweekly"
	FreqWeekly   Frequency = "weekly"
)

// =============================================================================
// FACTORY
// =============================================================================

// LoanFactory creates loans from definitions.
type LoanFactory struct{}

func NewLoanFactory() *LoanFactory {
	return &LoanFactory{}
}

// ParseLoan parses a single JSON loan definition.
func (f *LoanFactory) ParseLoan(data []byte) (*ledger.Loan, error) {
	var lj LoanJSON
	if err := json.Unmarshal(data, &lj); err != nil {
		return nil, fmt.Errorf("failed to parse loan JSON: %w", err)
	}
	return f.FromJSON(lj)
}

// ParseLoans parses a document holding several loans. format is "json" or
// "yaml".
func (f *LoanFactory) ParseLoans(data []byte, format string) ([]ledger.Loan, error) {
	defs, err := decodeLoans(data, format)
	if err != nil {
		return nil, err
	}

	loans := make([]ledger.Loan, 0, len(defs))
	seen := make(map[ledger.LoanID]bool, len(defs))
	for i, lj := range defs {
		loan, err := f.FromJSON(lj)
		if err != nil {
			return nil, fmt.Errorf("loan #%d: %w", i+1, err)
		}
		if seen[loan.ID] {
			return nil, fmt.Errorf("loan #%d: duplicate loan id %s", i+1, loan.ID)
		}
		seen[loan.ID] = true
		loans = append(loans, *loan)
	}
	return loans, nil
}

// LoadFile reads loan definitions from a .json, .yaml or .yml file.
func (f *LoanFactory) LoadFile(path string) ([]ledger.Loan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read loans file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return f.ParseLoans(data, "json")
	case ".yaml", ".yml":
		return f.ParseLoans(data, "yaml")
	default:
		return nil, fmt.Errorf("unsupported loans file type %q (use .json, .yaml or .yml)", filepath.Ext(path))
	}
}

// FromJSON validates a definition and builds the loan with its schedule.
func (f *LoanFactory) FromJSON(lj LoanJSON) (*ledger.Loan, error) {
	if strings.TrimSpace(lj.ID) == "" {
		return nil, fmt.Errorf("loan id is required")
	}
	if strings.TrimSpace(lj.BorrowerID) == "" {
		return nil, fmt.Errorf("loan %s: borrower_id is required", lj.ID)
	}

	principal, err := parseAmount(lj.Principal)
	if err != nil {
		return nil, fmt.Errorf("loan %s: principal: %w", lj.ID, err)
	}
	if !principal.IsPositive() {
		return nil, fmt.Errorf("loan %s: principal must be positive", lj.ID)
	}

	loan := &ledger.Loan{
		ID:         ledger.LoanID(strings.TrimSpace(lj.ID)),
		BorrowerID: ledger.BorrowerID(strings.TrimSpace(lj.BorrowerID)),
		Name:       lj.Name,
		Principal:  principal,
		Currency:   strings.ToUpper(strings.TrimSpace(lj.Currency)),
	}

	switch {
	case lj.Plan != nil && len(lj.Schedule) > 0:
		return nil, fmt.Errorf("loan %s: give either plan or schedule, not both", lj.ID)
	case lj.Plan != nil:
		loan.Schedule, err = GenerateSchedule(principal, *lj.Plan)
	case len(lj.Schedule) > 0:
		loan.Schedule, err = parseSchedule(lj.Schedule)
	default:
		err = fmt.Errorf("a plan or a schedule is required")
	}
	if err != nil {
		return nil, fmt.Errorf("loan %s: %w", lj.ID, err)
	}

	return loan, nil
}

// ToJSON converts a loan back to its explicit-schedule definition.
func (f *LoanFactory) ToJSON(loan ledger.Loan) LoanJSON {
	lj := LoanJSON{
		ID:         string(loan.ID),
		BorrowerID: string(loan.BorrowerID),
		Name:       loan.Name,
		Principal:  Amount(loan.Principal.String()),
		Currency:   loan.Currency,
	}
	for _, inst := range loan.Schedule {
		lj.Schedule = append(lj.Schedule, InstallmentJSON{
			DueDate:   inst.DueDate.String(),
			DueAmount: Amount(inst.DueAmount.String()),
		})
	}
	return lj
}

// =============================================================================
// LOADER
// =============================================================================

// LoanWriter persists loan terms.
type LoanWriter interface {
	SaveLoan(ctx context.Context, loan ledger.Loan) error
}

// SaveAll writes every loan, stopping at the first failure.
func SaveAll(ctx context.Context, w LoanWriter, loans []ledger.Loan) error {
	for _, loan := range loans {
		if err := w.SaveLoan(ctx, loan); err != nil {
			return fmt.Errorf("save loan %s: %w", loan.ID, err)
		}
	}
	return nil
}

// =============================================================================
// SCHEDULE GENERATION
// =============================================================================

// GenerateSchedule splits principal into plan.Installments equal parts,
// truncated to cents, with the remainder on the last instalment. Monthly due
// dates keep the first date's day, clamped to short months.
func GenerateSchedule(principal decimal.Decimal, plan PlanJSON) ([]ledger.Installment, error) {
	if plan.Installments <= 0 {
		return nil, fmt.Errorf("plan needs at least one instalment")
	}
	first, err := ledger.ParseDate(plan.FirstDueDate)
	if err != nil {
		return nil, fmt.Errorf("plan first_due_date: %w", err)
	}
	freq, err := parseFrequency(plan.Frequency)
	if err != nil {
		return nil, err
	}

	n := int64(plan.Installments)
	each := principal.Div(decimal.NewFromInt(n)).Truncate(2)
	if !each.IsPositive() {
		return nil, fmt.Errorf("principal %s is too small for %d instalments", principal, n)
	}
	last := principal.Sub(each.Mul(decimal.NewFromInt(n - 1)))

	schedule := make([]ledger.Installment, plan.Installments)
	for i := range schedule {
		amount := each
		if i == len(schedule)-1 {
			amount = last
		}
		schedule[i] = ledger.Installment{
			DueDate:   dueDate(first, freq, i),
			DueAmount: amount,
		}
	}
	return schedule, nil
}

func dueDate(first ledger.Date, freq Frequency, i int) ledger.Date {
	switch freq {
	case FreqWeekly:
		return first.AddDays(7 * i)
	case FreqBiweekly:
		return first.AddDays(14 * i)
	case FreqMonthly:
		return first.AddMonths(i)
	default:
		return first.AddMonths(i)
	}
}

func parseFrequency(s string) (Frequency, error) {
	switch Frequency(strings.ToLower(strings.TrimSpace(s))) {
	case "", FreqMonthly:
		return FreqMonthly, nil
	case FreqBiweekly:
		return FreqBiweekly, nil
	case FreqWeekly:
		return FreqWeekly, nil
	default:
		return "", fmt.Errorf("unknown plan frequency %q", s)
	}
}

func parseSchedule(entries []InstallmentJSON) ([]ledger.Installment, error) {
	schedule := make([]ledger.Installment, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	for i, e := range entries {
		due, err := ledger.ParseDate(e.DueDate)
		if err != nil {
			return nil, fmt.Errorf("schedule entry %d: %w", i+1, err)
		}
		if seen[due.String()] {
			return nil, fmt.Errorf("schedule entry %d: duplicate due date %s", i+1, due)
		}
		seen[due.String()] = true

		amount, err := parseAmount(e.DueAmount)
		if err != nil {
			return nil, fmt.Errorf("schedule entry %d: %w", i+1, err)
		}
		if !amount.IsPositive() {
			return nil, fmt.Errorf("schedule entry %d: due amount must be positive", i+1)
		}
		schedule = append(schedule, ledger.Installment{DueDate: due, DueAmount: amount})
	}
	return schedule, nil
}

func parseAmount(a Amount) (decimal.Decimal, error) {
	s := strings.TrimSpace(string(a))
	if s == "" {
		return decimal.Zero, fmt.Errorf("amount is required")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q", s)
	}
	return d, nil
}

func decodeLoans(data []byte, format string) ([]LoanJSON, error) {
	trimmed := bytes.TrimSpace(data)

	switch format {
	case "json":
		if len(trimmed) > 0 && trimmed[0] == '[' {
			var defs []LoanJSON
			if err := json.Unmarshal(trimmed, &defs); err != nil {
				return nil, fmt.Errorf("failed to parse loans JSON: %w", err)
			}
			return defs, nil
		}
		var file loansFile
		if err := json.Unmarshal(trimmed, &file); err != nil {
			return nil, fmt.Errorf("failed to parse loans JSON: %w", err)
		}
		return file.Loans, nil

	case "yaml":
		var doc yaml.Node
		if err := yaml.Unmarshal(trimmed, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse loans YAML: %w", err)
		}
		if len(doc.Content) == 0 {
			return nil, nil
		}
		if doc.Content[0].Kind == yaml.SequenceNode {
			var defs []LoanJSON
			if err := doc.Content[0].Decode(&defs); err != nil {
				return nil, fmt.Errorf("failed to parse loans YAML: %w", err)
			}
			return defs, nil
		}
		var file loansFile
		if err := doc.Content[0].Decode(&file); err != nil {
			return nil, fmt.Errorf("failed to parse loans YAML: %w", err)
		}
		return file.Loans, nil

	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}
}
