package ledger

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// DATE - Calendar day without a time component
// =============================================================================

// DateLayout is the canonical wire and storage form of a Date.
const DateLayout = "2006-01-02"

// Date is a calendar day. The underlying time is always midnight UTC so that
// comparisons never depend on the zone a value was parsed in.
type Date struct {
	Time time.Time
}

func NewDate(year int, month time.Month, day int) Date {
	return Date{Time: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf truncates a timestamp to its calendar day in the timestamp's own zone.
func DateOf(t time.Time) Date {
	return NewDate(t.Year(), t.Month(), t.Day())
}

func Today() Date {
	return DateOf(time.Now())
}

// accepted input layouts, most specific first
var dateLayouts = []string{
	DateLayout,
	"2006/01/02",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"02 Jan 2006",
	"2 January 2006",
	"Jan 2, 2006",
}

// Spreadsheet serial day numbers count from 1899-12-30.
var serialEpoch = time.Date(1899, time.December, 30, 0, 0, 0, 0, time.UTC)

// ParseDate parses a calendar date in any of the accepted layouts. Timestamps
// are truncated to their date part. Bare numbers in a plausible range are
// read as spreadsheet serial day numbers, ignoring any fractional time.
func ParseDate(s string) (Date, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Date{}, &InvalidDateError{Input: s}
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return DateOf(t), nil
		}
	}
	// Date-time cells carry the time of day as a fraction.
	if f, err := strconv.ParseFloat(s, 64); err == nil && f > 366 && f < 2958466 {
		return DateOf(serialEpoch.AddDate(0, 0, int(math.Floor(f)))), nil
	}
	return Date{}, &InvalidDateError{Input: s}
}

// MustParseDate is for tests and static fixtures.
func MustParseDate(s string) Date {
	d, err := ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Comparison
func (d Date) Before(other Date) bool        { return d.Time.Before(other.Time) }
func (d Date) After(other Date) bool         { return d.Time.After(other.Time) }
func (d Date) Equal(other Date) bool         { return d.Time.Equal(other.Time) }
func (d Date) BeforeOrEqual(other Date) bool { return !d.After(other) }
func (d Date) AfterOrEqual(other Date) bool  { return !d.Before(other) }

// Compare returns -1, 0 or +1.
func (d Date) Compare(other Date) int { return d.Time.Compare(other.Time) }

// Arithmetic
func (d Date) AddDays(n int) Date { return Date{Time: d.Time.AddDate(0, 0, n)} }

// AddMonths moves n calendar months. The day is clamped to the last day of
// the target month, so January 31 plus one month is February 28.
func (d Date) AddMonths(n int) Date {
	year, month, day := d.Time.Date()
	target := time.Date(year, month+time.Month(n), 1, 0, 0, 0, 0, time.UTC)
	if last := target.AddDate(0, 1, -1).Day(); day > last {
		day = last
	}
	return NewDate(target.Year(), target.Month(), day)
}

func (d Date) IsZero() bool   { return d.Time.IsZero() }
func (d Date) String() string { return d.Time.Format(DateLayout) }

func (d Date) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Date) UnmarshalText(b []byte) error {
	parsed, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// DaysBetween returns the number of whole days from -> to (negative if to is earlier).
func DaysBetween(from, to Date) int { return int(to.Time.Sub(from.Time).Hours() / 24) }
