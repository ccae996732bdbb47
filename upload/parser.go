package upload

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/charmap"
)

// =============================================================================
// RAW ROWS - Parser output, validator input
// =============================================================================

// RawRow is one data row keyed by canonical column name. Row is the line
// number a user sees in the source file (the header is row 1).
//
// Malformed is set when the line itself could not be split into fields, for
// example a stray quote. Fields is empty then and the validator rejects the
// row without looking further.
type RawRow struct {
	Row       int
	Fields    map[string]string
	Malformed error
}

// Canonical column names.
const (
	FieldID          = "id"
	FieldBorrowerID  = "borrower_id"
	FieldLoanID      = "loan_id"
	FieldDate        = "date"
	FieldCurrency    = "currency"
	FieldDescription = "description"
	FieldAmount      = "amount"
)

// RequiredFields lists every column a payment row must carry, in report order.
var RequiredFields = []string{
	FieldID, FieldBorrowerID, FieldLoanID, FieldDate, FieldCurrency, FieldDescription, FieldAmount,
}

const utf8BOM = "\ufeff"

var headerAliases = map[string]string{
	"payment_id":   FieldID,
	"payment_date": FieldDate,
	"loan":         FieldLoanID,
	"borrower":     FieldBorrowerID,
}

var (
	ErrUnsupportedFormat = errors.New("unsupported file format")
	ErrEmptyFile         = errors.New("file has no header row")
)

// FileError means the file as a whole could not be read. No row was processed.
type FileError struct {
	FileName string
	Err      error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("cannot read %s: %v", e.FileName, e.Err)
}

func (e *FileError) Unwrap() error { return e.Err }

// MissingColumnsError lists required columns absent from the header.
type MissingColumnsError struct {
	Columns []string
}

func (e *MissingColumnsError) Error() string {
	return "missing required columns: " + strings.Join(e.Columns, ", ")
}

// =============================================================================
// DISPATCH
// =============================================================================

// ParseFile picks the parser from the file extension.
func ParseFile(fileName string, r io.Reader) ([]RawRow, error) {
	var (
		rows []RawRow
		err  error
	)
	switch ext := strings.ToLower(filepath.Ext(fileName)); ext {
	case ".csv":
		rows, err = ParseCSV(r)
	case ".xlsx":
		rows, err = ParseXLSX(r)
	default:
		err = fmt.Errorf("%w %q (use .csv or .xlsx)", ErrUnsupportedFormat, ext)
	}
	if err != nil {
		return nil, &FileError{FileName: fileName, Err: err}
	}
	return rows, nil
}

// =============================================================================
// CSV
// =============================================================================

// ParseCSV reads a comma separated file. A UTF-8 byte order mark is dropped;
// input that is not valid UTF-8 is decoded as Windows-1252.
func ParseCSV(r io.Reader) ([]RawRow, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimPrefix(data, []byte(utf8BOM))

	var src io.Reader = bytes.NewReader(data)
	if !utf8.Valid(data) {
		src = charmap.Windows1252.NewDecoder().Reader(bytes.NewReader(data))
	}

	reader := csv.NewReader(src)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrEmptyFile
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	columns, err := canonicalHeader(header)
	if err != nil {
		return nil, err
	}

	var rows []RawRow
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			// The reader resumes on the next line.
			rows = append(rows, RawRow{Row: parseErr.StartLine, Malformed: parseErr.Err})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		line, _ := reader.FieldPos(0)
		if row, ok := buildRow(line, columns, record); ok {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

// =============================================================================
// XLSX
// =============================================================================

// ParseXLSX reads the first sheet of a workbook. Cells are read raw, so dates
// arrive as serial day numbers and amounts without display formatting.
func ParseXLSX(r io.Reader) ([]RawRow, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, ErrEmptyFile
	}

	records, err := f.GetRows(sheets[0], excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("read sheet %s: %w", sheets[0], err)
	}

	// Leading blank rows are allowed before the header.
	start := 0
	for start < len(records) && blank(records[start]) {
		start++
	}
	if start == len(records) {
		return nil, ErrEmptyFile
	}

	columns, err := canonicalHeader(records[start])
	if err != nil {
		return nil, err
	}

	var rows []RawRow
	for i := start + 1; i < len(records); i++ {
		if row, ok := buildRow(i+1, columns, records[i]); ok {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// canonicalHeader normalizes header cells and checks required columns.
// Unknown columns are kept under their normalized name and ignored later.
func canonicalHeader(header []string) ([]string, error) {
	columns := make([]string, len(header))
	present := make(map[string]bool, len(header))
	for i, h := range header {
		name := canonicalName(h)
		columns[i] = name
		present[name] = true
	}

	var missing []string
	for _, f := range RequiredFields {
		if !present[f] {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return nil, &MissingColumnsError{Columns: missing}
	}
	return columns, nil
}

// canonicalName lower-cases a column name, joins words with underscores and
// resolves aliases, so "Payment Date" becomes "date".
func canonicalName(h string) string {
	name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, utf8BOM)))
	name = strings.Join(strings.Fields(name), "_")
	if alias, ok := headerAliases[name]; ok {
		return alias
	}
	return name
}

// NormalizeRow builds a RawRow from loosely keyed fields, such as a row posted
// as JSON. Keys go through the same aliasing as file headers; absent columns
// surface later as missing_field errors.
func NormalizeRow(row int, fields map[string]string) RawRow {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[canonicalName(k)] = v
	}
	return RawRow{Row: row, Fields: out}
}

// buildRow maps a record onto columns. Blank records are skipped.
func buildRow(line int, columns, record []string) (RawRow, bool) {
	if blank(record) {
		return RawRow{}, false
	}
	fields := make(map[string]string, len(columns))
	for i, col := range columns {
		if i < len(record) {
			if _, dup := fields[col]; !dup {
				fields[col] = record[i]
			}
		}
	}
	return RawRow{Row: line, Fields: fields}, true
}

func blank(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
