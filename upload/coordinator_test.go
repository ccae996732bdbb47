package upload_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loan-ledger/ledger"
	"github.com/warp/loan-ledger/ledger/store"
	"github.com/warp/loan-ledger/upload"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var uploadTime = time.Date(2025, time.June, 1, 9, 30, 0, 0, time.UTC)

func newCoordinator(t *testing.T) (*upload.Coordinator, *store.Memory, *observer.ObservedLogs) {
	t.Helper()
	mem := catalog()
	l := ledger.NewLedger(mem, mem)
	core, logs := observer.New(zap.InfoLevel)

	c := upload.NewCoordinator(l, mem, mem, zap.New(core))
	c.Clock = func() time.Time { return uploadTime }
	n := 0
	c.NewID = func() string {
		n++
		return "U-" + string(rune('0'+n))
	}
	return c, mem, logs
}

// tenRows has three invalid rows (4, 7 and 10) and one warning (row 9).
const tenRows = header +
	"P-01,B-1,L-1,2025-01-01,GBP,Jan,2000\n" +
	"P-02,B-1,L-1,2025-02-01,GBP,Feb,1500\n" +
	"P-03,B-1,L-1,2025-03-01,GBP,Mar,\n" +
	"P-04,B-1,L-1,2025-04-01,GBP,Apr,2500\n" +
	"P-05,B-1,L-1,2025-05-01,GBP,May,2000\n" +
	"P-06,B-1,L-1,31/06/2025,GBP,Jun,2000\n" +
	"P-07,B-1,L-1,2025-07-01,GBP,Jul,2000\n" +
	"P-08,B-9,L-404,2025-07-02,GBP,Stray,100\n" +
	"P-09,B-1,L-1,2025-08-01,GBP,Aug,0\n" +
	"P-10,B-1,L-1,2025-09-01,GBP,Sep,2000\n"

func TestProcessFile_TenRowsThreeInvalid(t *testing.T) {
	// GIVEN: a file of 10 payment rows, 3 of which fail validation
	// WHEN: the file is uploaded
	// THEN: 7 rows are stored and the upload is a success

	c, mem, logs := newCoordinator(t)
	ctx := context.Background()

	log, err := c.ProcessFile(ctx, "june.csv", strings.NewReader(tenRows))
	require.NoError(t, err)

	assert.Equal(t, ledger.UploadSuccess, log.ValidationStatus)
	assert.Equal(t, 10, log.TotalRows)
	assert.Equal(t, 10, log.ProcessedRows)
	assert.Equal(t, 7, log.ValidRows)
	assert.Equal(t, 3, log.ErrorRows)
	assert.Equal(t, 7, log.PaymentsProcessed)
	assert.Equal(t, "U-1", log.ID)
	assert.Equal(t, uploadTime, log.UploadTimestamp)

	require.Len(t, log.Errors, 3)
	assert.Equal(t, ledger.Issue{Row: 4, Field: "amount", Code: "missing_field", Message: "amount is required"}, log.Errors[0])
	assert.Equal(t, 7, log.Errors[1].Row)
	assert.Equal(t, "invalid_date", log.Errors[1].Code)
	assert.Equal(t, 10, log.Errors[2].Row)
	assert.Equal(t, "invalid_amount", log.Errors[2].Code)

	require.Len(t, log.Warnings, 2)
	assert.Equal(t, 9, log.Warnings[0].Row)
	assert.Equal(t, "loan_id", log.Warnings[0].Field)
	assert.Equal(t, "borrower_id", log.Warnings[1].Field)

	// Stored rows carry the upload id and their ingestion verdicts.
	p2, err := mem.Get(ctx, "P-02")
	require.NoError(t, err)
	require.NotNil(t, p2)
	assert.Equal(t, "U-1", p2.UploadID)
	assert.Equal(t, ledger.EventShortPayment, p2.EventKind)

	stray, err := mem.Get(ctx, "P-08")
	require.NoError(t, err)
	assert.Equal(t, ledger.EventUnclassified, stray.EventKind)
	assert.True(t, stray.UnresolvedReference)

	bad, err := mem.Get(ctx, "P-03")
	require.NoError(t, err)
	assert.Nil(t, bad)

	saved, err := mem.UploadLogs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, log.ID, saved[0].ID)

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "upload processed", entry.Message)
	assert.Equal(t, int64(7), entry.ContextMap()["valid_rows"])
}

func TestProcessFile_ReuploadIsIdempotent(t *testing.T) {
	c, mem, _ := newCoordinator(t)
	ctx := context.Background()

	_, err := c.ProcessFile(ctx, "june.csv", strings.NewReader(tenRows))
	require.NoError(t, err)

	log, err := c.ProcessFile(ctx, "june.csv", strings.NewReader(tenRows))
	require.NoError(t, err)

	assert.Equal(t, ledger.UploadSuccess, log.ValidationStatus)
	assert.Equal(t, 7, log.ValidRows)
	assert.Equal(t, 0, log.PaymentsProcessed)

	records, err := mem.LoadByLoan(ctx, "L-1", ledger.Date{})
	require.NoError(t, err)
	assert.Len(t, records, 6)

	// The original upload id is kept on the stored record.
	p1, err := mem.Get(ctx, "P-01")
	require.NoError(t, err)
	assert.Equal(t, "U-1", p1.UploadID)
}

func TestProcessFile_MalformedLineIsRowError(t *testing.T) {
	// GIVEN: three rows, the middle one with a stray quote
	// WHEN: the file is uploaded
	// THEN: the other two rows are stored and the bad one is reported

	c, mem, _ := newCoordinator(t)
	ctx := context.Background()

	data := header +
		"P-1,B-1,L-1,2025-01-01,GBP,January,2000\n" +
		"P-2,B-1,L-1,2025-02-01,GBP,Feb \"x\" bad,2000\n" +
		"P-3,B-1,L-1,2025-03-01,GBP,March,2000\n"

	log, err := c.ProcessFile(ctx, "quotes.csv", strings.NewReader(data))
	require.NoError(t, err)

	assert.Equal(t, ledger.UploadSuccess, log.ValidationStatus)
	assert.Equal(t, 3, log.TotalRows)
	assert.Equal(t, 2, log.ValidRows)
	assert.Equal(t, 1, log.ErrorRows)
	require.Len(t, log.Errors, 1)
	assert.Equal(t, 3, log.Errors[0].Row)
	assert.Equal(t, "malformed_row", log.Errors[0].Code)

	records, err := mem.LoadByLoan(ctx, "L-1", ledger.Date{})
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestProcessUpload_ConflictIsRowError(t *testing.T) {
	// GIVEN: P-1 already recorded as 2000
	// WHEN: a later upload sends P-1 with 1500
	// THEN: the row is rejected and the original is untouched

	c, mem, _ := newCoordinator(t)
	ctx := context.Background()

	_, err := c.ProcessUpload(ctx, "first.csv", []upload.RawRow{row(2)})
	require.NoError(t, err)

	log, err := c.ProcessUpload(ctx, "second.csv", []upload.RawRow{row(2, upload.FieldAmount, "1500")})
	require.NoError(t, err)

	assert.Equal(t, ledger.UploadFailed, log.ValidationStatus)
	assert.Equal(t, 0, log.ValidRows)
	assert.Equal(t, 1, log.ErrorRows)
	require.Len(t, log.Errors, 1)
	assert.Equal(t, "id", log.Errors[0].Field)
	assert.Equal(t, "conflict", log.Errors[0].Code)

	p1, err := mem.Get(ctx, "P-1")
	require.NoError(t, err)
	assert.True(t, p1.Amount.Equal(decimal.NewFromInt(2000)))
}

// cancellingLedger cancels the upload context after the first append.
type cancellingLedger struct {
	ledger.Ledger
	cancel context.CancelFunc
}

func (l *cancellingLedger) Append(ctx context.Context, rec ledger.PaymentRecord) (ledger.AppendResult, error) {
	res, err := l.Ledger.Append(ctx, rec)
	l.cancel()
	return res, err
}

func TestProcessUpload_CancelledKeepsPrefixAndLog(t *testing.T) {
	c, mem, _ := newCoordinator(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Ledger = &cancellingLedger{Ledger: c.Ledger, cancel: cancel}

	rows := []upload.RawRow{
		row(2, upload.FieldID, "P-1"),
		row(3, upload.FieldID, "P-2", upload.FieldDate, "2025-02-01"),
		row(4, upload.FieldID, "P-3", upload.FieldDate, "2025-03-01"),
	}

	log, err := c.ProcessUpload(ctx, "big.csv", rows)
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, 3, log.TotalRows)
	assert.Equal(t, 1, log.ProcessedRows)
	assert.Equal(t, 1, log.ValidRows)
	assert.Equal(t, ledger.UploadSuccess, log.ValidationStatus)
	assert.Contains(t, log.Message, "stopped after 1 of 3 rows")

	bg := context.Background()
	p2, err := mem.Get(bg, "P-2")
	require.NoError(t, err)
	assert.Nil(t, p2)

	saved, err := mem.UploadLogs(bg, 0)
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, 1, saved[0].ValidRows)
}

func TestProcessFile_UnreadableFileIsLogged(t *testing.T) {
	c, mem, _ := newCoordinator(t)
	ctx := context.Background()

	log, err := c.ProcessFile(ctx, "payments.csv", strings.NewReader("id,amount\nP-1,10\n"))
	require.Error(t, err)

	var fileErr *upload.FileError
	require.True(t, errors.As(err, &fileErr))
	var missing *upload.MissingColumnsError
	assert.True(t, errors.As(err, &missing))

	assert.Equal(t, ledger.UploadFailed, log.ValidationStatus)
	assert.Contains(t, log.Message, "missing required columns")

	saved, err := mem.UploadLogs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, "payments.csv", saved[0].FileName)
}

func TestProcessUpload_NoRows(t *testing.T) {
	c, _, _ := newCoordinator(t)

	log, err := c.ProcessUpload(context.Background(), "empty.csv", nil)
	require.NoError(t, err)
	assert.Equal(t, ledger.UploadFailed, log.ValidationStatus)
	assert.Equal(t, "file contains no data rows", log.Message)
}
