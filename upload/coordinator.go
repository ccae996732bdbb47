package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/warp/loan-ledger/ledger"
	"go.uber.org/zap"
)

// =============================================================================
// COORDINATOR - One upload end to end
// =============================================================================

// Coordinator drives validation and ledger appends for one upload and keeps
// the audit log. Rows are handled in source order; a row's failure never
// aborts the rest of the file.
type Coordinator struct {
	Ledger    ledger.Ledger
	Validator *Validator
	Logs      ledger.UploadLogStore
	Logger    *zap.Logger

	// Clock stamps UploadTimestamp. Defaults to time.Now.
	Clock func() time.Time
	// NewID generates upload ids. Defaults to uuid.NewString.
	NewID func() string
}

func NewCoordinator(l ledger.Ledger, loans ledger.LoanCatalog, logs ledger.UploadLogStore, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		Ledger:    l,
		Validator: NewValidator(loans),
		Logs:      logs,
		Logger:    logger,
		Clock:     time.Now,
		NewID:     uuid.NewString,
	}
}

// ProcessFile parses and processes an uploaded file. A file that cannot be
// parsed still produces a failed UploadLog; the returned error is then a
// *FileError.
func (c *Coordinator) ProcessFile(ctx context.Context, fileName string, r io.Reader) (ledger.UploadLog, error) {
	rows, err := ParseFile(fileName, r)
	if err != nil {
		log := c.newLog(fileName)
		log.ValidationStatus = ledger.UploadFailed
		log.Message = err.Error()
		if saveErr := c.save(ctx, log); saveErr != nil {
			return log, saveErr
		}
		return log, err
	}
	return c.ProcessUpload(ctx, fileName, rows)
}

// ProcessUpload validates and appends rows. The UploadLog is persisted even
// when ctx is cancelled part way; in that case the rows already appended stay
// in the ledger and ctx.Err() is returned alongside the log.
func (c *Coordinator) ProcessUpload(ctx context.Context, fileName string, rows []RawRow) (ledger.UploadLog, error) {
	log := c.newLog(fileName)
	log.TotalRows = len(rows)

	var abort error
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			abort = err
			break
		}

		res, err := c.Validator.Validate(ctx, row)
		if err != nil {
			abort = err
			break
		}
		log.ProcessedRows++

		for _, w := range res.Warnings {
			log.Warnings = append(log.Warnings, w.Issue())
		}
		if !res.Valid() {
			log.ErrorRows++
			for _, e := range res.Errors {
				log.Errors = append(log.Errors, e.Issue())
			}
			continue
		}

		rec := *res.Record
		rec.UploadID = log.ID
		result, err := c.Ledger.Append(ctx, rec)
		if err != nil {
			var conflict *ledger.ConflictError
			if errors.As(err, &conflict) {
				log.ErrorRows++
				log.Errors = append(log.Errors, (&ValidationError{
					Row: row.Row, Field: FieldID, Code: CodeConflict,
					Message: conflict.Error(),
					Err:     err,
				}).Issue())
				continue
			}
			// The row was validated but not stored; it is neither valid nor an error.
			log.ProcessedRows--
			abort = err
			break
		}

		log.ValidRows++
		if result.Inserted {
			log.PaymentsProcessed++
		}
	}

	c.finish(&log, abort)
	if err := c.save(ctx, log); err != nil {
		return log, err
	}
	return log, abort
}

func (c *Coordinator) newLog(fileName string) ledger.UploadLog {
	return ledger.UploadLog{
		ID:              c.NewID(),
		FileName:        fileName,
		UploadTimestamp: c.Clock().UTC(),
	}
}

func (c *Coordinator) finish(log *ledger.UploadLog, abort error) {
	if log.ValidRows > 0 {
		log.ValidationStatus = ledger.UploadSuccess
	} else {
		log.ValidationStatus = ledger.UploadFailed
	}

	switch {
	case abort != nil:
		log.Message = fmt.Sprintf("upload stopped after %d of %d rows: %v", log.ProcessedRows, log.TotalRows, abort)
	case log.TotalRows == 0:
		log.Message = "file contains no data rows"
	case log.ValidRows == 0:
		log.Message = fmt.Sprintf("no valid rows: %d of %d rows have errors", log.ErrorRows, log.TotalRows)
	case log.ErrorRows > 0:
		log.Message = fmt.Sprintf("processed %d of %d rows, %d with errors", log.ValidRows, log.TotalRows, log.ErrorRows)
	default:
		log.Message = fmt.Sprintf("processed %d rows", log.ValidRows)
	}
}

// save persists the log and writes the summary line. It ignores cancellation
// of ctx so an interrupted upload still leaves its audit record.
func (c *Coordinator) save(ctx context.Context, log ledger.UploadLog) error {
	c.Logger.Info("upload processed",
		zap.String("upload_id", log.ID),
		zap.String("file_name", log.FileName),
		zap.String("status", string(log.ValidationStatus)),
		zap.Int("total_rows", log.TotalRows),
		zap.Int("valid_rows", log.ValidRows),
		zap.Int("error_rows", log.ErrorRows),
		zap.Int("warnings", len(log.Warnings)),
		zap.Int("payments_processed", log.PaymentsProcessed),
	)
	if c.Logs == nil {
		return nil
	}
	if err := c.Logs.SaveUploadLog(context.WithoutCancel(ctx), log); err != nil {
		return fmt.Errorf("save upload log %s: %w", log.ID, err)
	}
	return nil
}
