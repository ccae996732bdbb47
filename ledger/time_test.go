package ledger_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loan-ledger/ledger"
)

func TestParseDate_AcceptedLayouts(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"2025-01-31", "2025-01-31"},
		{" 2025-01-31 ", "2025-01-31"},
		{"2025/01/31", "2025-01-31"},
		{"2025-01-31T10:00:00Z", "2025-01-31"},
		{"2025-01-31T23:30:00+05:00", "2025-01-31"},
		{"2025-01-31 08:15:00", "2025-01-31"},
		{"31 Jan 2025", "2025-01-31"},
		{"31 January 2025", "2025-01-31"},
		{"Jan 31, 2025", "2025-01-31"},
		{"45658", "2025-01-01"},
		{"45688", "2025-01-31"},
		{"45658.5", "2025-01-01"},
		{"45688.999988", "2025-01-31"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			d, err := ledger.ParseDate(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.String())
		})
	}
}

func TestParseDate_Rejected(t *testing.T) {
	for _, input := range []string{"", "not-a-date", "2025-13-01", "2025-02-30", "31/01/2025", "12", "-5"} {
		t.Run(input, func(t *testing.T) {
			_, err := ledger.ParseDate(input)
			assert.ErrorIs(t, err, ledger.ErrInvalidDate)
		})
	}
}

func TestDate_TextRoundTrip(t *testing.T) {
	d := ledger.NewDate(2025, time.March, 9)

	b, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "2025-03-09", string(b))

	var back ledger.Date
	require.NoError(t, back.UnmarshalText(b))
	assert.True(t, back.Equal(d))
}

func TestDate_AddMonthsClampsToMonthEnd(t *testing.T) {
	jan31 := ledger.NewDate(2025, time.January, 31)
	assert.Equal(t, "2025-02-28", jan31.AddMonths(1).String())
	assert.Equal(t, "2025-03-31", jan31.AddMonths(2).String())
	assert.Equal(t, "2024-02-29", ledger.NewDate(2023, time.December, 31).AddMonths(2).String())
	assert.Equal(t, "2024-11-30", ledger.NewDate(2025, time.January, 30).AddMonths(-2).String())
}

func TestDaysBetween(t *testing.T) {
	jan1 := ledger.NewDate(2025, time.January, 1)
	assert.Equal(t, 31, ledger.DaysBetween(jan1, ledger.NewDate(2025, time.February, 1)))
	assert.Equal(t, -1, ledger.DaysBetween(jan1, ledger.NewDate(2024, time.December, 31)))
	assert.Equal(t, 0, ledger.DaysBetween(jan1, jan1))
}

func TestEventKind_TextRoundTrip(t *testing.T) {
	kinds := []ledger.EventKind{
		ledger.EventUnclassified,
		ledger.EventPaymentReceived,
		ledger.EventShortPayment,
		ledger.EventOverPayment,
		ledger.EventMissedPayment,
	}
	for _, k := range kinds {
		b, err := k.MarshalText()
		require.NoError(t, err)

		var back ledger.EventKind
		require.NoError(t, back.UnmarshalText(b))
		assert.Equal(t, k, back)
	}

	_, err := ledger.ParseEventKind("RefundEvent")
	assert.Error(t, err)
}
