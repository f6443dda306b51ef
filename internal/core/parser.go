package core

// parser.go decodes uploaded CSV and spreadsheet bytes into a RawTable.
//
// Both paths share the same rules:
//  1. The header is the first row with at least one non-blank cell
//  2. Cells are trimmed; blank cells become null
//  3. Blank rows after the header are dropped (line numbers are kept)
//  4. More than MaxRows data rows fails with ErrRowLimitExceeded

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/xuri/excelize/v2"
)

// ContextCheckInterval is how many rows are decoded between ctx checks.
const ContextCheckInterval = 1000

// ParseOptions bounds and directs the File Parser.
type ParseOptions struct {
	MaxRows int    // 0 means unlimited
	Sheet   string // spreadsheet sheet name; empty selects the active sheet
	// MaxExpandedBytes caps the total unzipped size of a spreadsheet.
	// 0 leaves excelize's own default in place.
	MaxExpandedBytes int64
}

// DetectFormat resolves the declared content type, falling back to the file
// extension when nothing was declared. Unknown types fail with ErrUnsupportedFormat.
func DetectFormat(declared, fileName string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(declared)) {
	case "csv", "text/csv", "application/csv":
		return FormatCSV, nil
	case "spreadsheet", "xlsx",
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		"application/vnd.ms-excel.sheet.macroenabled.12":
		return FormatSpreadsheet, nil
	case "", "application/octet-stream":
		switch strings.ToLower(filepath.Ext(fileName)) {
		case ".csv", ".txt":
			return FormatCSV, nil
		case ".xlsx", ".xlsm":
			return FormatSpreadsheet, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, declared+" "+filepath.Ext(fileName))
}

// ParseFile decodes r according to format.
func ParseFile(ctx context.Context, r io.Reader, format Format, opts ParseOptions) (*RawTable, error) {
	b := &tableBuilder{table: &RawTable{Format: format}, maxRows: opts.MaxRows}

	var err error
	switch format {
	case FormatCSV:
		err = parseCSV(ctx, r, b)
	case FormatSpreadsheet:
		err = parseSpreadsheet(ctx, r, opts, b)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return nil, err
	}

	if b.table.Headers == nil || len(b.table.Rows) == 0 {
		return nil, ErrEmptyFile
	}
	return b.table, nil
}

func parseCSV(ctx context.Context, r io.Reader, b *tableBuilder) error {
	reader := csv.NewReader(wrapCSVReader(r))
	reader.FieldsPerRecord = -1 // ragged rows are padded with nulls
	reader.LazyQuotes = false   // unbalanced quotes are a malformed file

	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				return &LineError{Line: pe.StartLine, Err: fmt.Errorf("%w: %v", ErrMalformedFile, pe.Err)}
			}
			return fmt.Errorf("%w: %v", ErrMalformedFile, err)
		}

		line, _ := reader.FieldPos(0)
		if err := b.add(ctx, line, record); err != nil {
			return err
		}
	}
}

func parseSpreadsheet(ctx context.Context, r io.Reader, opts ParseOptions, b *tableBuilder) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read spreadsheet: %w", err)
	}

	var xopts excelize.Options
	if opts.MaxExpandedBytes > 0 {
		if err := checkExpandedSize(data, opts.MaxExpandedBytes); err != nil {
			return err
		}
		xopts.UnzipSizeLimit = opts.MaxExpandedBytes
		xopts.UnzipXMLSizeLimit = min(opts.MaxExpandedBytes, excelize.StreamChunkSize)
	}

	f, err := excelize.OpenReader(bytes.NewReader(data), xopts)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFile, err)
	}
	defer f.Close()

	sheet := opts.Sheet
	if sheet == "" {
		sheet = f.GetSheetName(f.GetActiveSheetIndex())
	}
	if sheet == "" {
		return ErrEmptyFile
	}
	b.table.Sheet = sheet

	rows, err := f.Rows(sheet)
	if err != nil {
		return fmt.Errorf("%w: sheet %q: %v", ErrMalformedFile, sheet, err)
	}
	defer rows.Close()

	line := 0
	for rows.Next() {
		line++
		cols, err := rows.Columns()
		if err != nil {
			return &LineError{Line: line, Err: fmt.Errorf("%w: %v", ErrMalformedFile, err)}
		}
		if err := b.add(ctx, line, cols); err != nil {
			return err
		}
	}
	if err := rows.Error(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFile, err)
	}
	return nil
}

// tableBuilder accumulates rows for both decoders.
type tableBuilder struct {
	table   *RawTable
	maxRows int
	seen    int
}

// checkExpandedSize fails with ErrFileTooLarge when the entries of the
// archive declare more than limit uncompressed bytes in total. archive/zip
// refuses to inflate an entry past its declared size.
func checkExpandedSize(data []byte, limit int64) error {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFile, err)
	}
	var total uint64
	for _, zf := range zr.File {
		total += zf.UncompressedSize64
		if total > uint64(limit) {
			return fmt.Errorf("%w: spreadsheet expands past %d bytes", ErrFileTooLarge, limit)
		}
	}
	return nil
}

func (b *tableBuilder) add(ctx context.Context, line int, record []string) error {
	b.seen++
	if b.seen%ContextCheckInterval == 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
	}

	if isEmptyRow(record) {
		return nil
	}

	if b.table.Headers == nil {
		b.table.Headers = uniqueHeaders(record)
		return nil
	}

	if b.maxRows > 0 && len(b.table.Rows) >= b.maxRows {
		return fmt.Errorf("%w: more than %d data rows", ErrRowLimitExceeded, b.maxRows)
	}

	cells := make([]pgtype.Text, len(b.table.Headers))
	for i := range cells {
		if i < len(record) {
			cells[i] = ToPgText(record[i])
		}
	}
	// Values past the last header have no column to map to and are dropped.
	b.table.Rows = append(b.table.Rows, RawRow{Line: line, Cells: cells})
	return nil
}

// isEmptyRow returns true if every cell is blank.
func isEmptyRow(record []string) bool {
	for _, cell := range record {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

// uniqueHeaders cleans header cells, names blank ones by position and
// suffixes repeats so every header is addressable by name.
func uniqueHeaders(record []string) []string {
	// Trailing blank header cells carry no column.
	end := len(record)
	for end > 0 && strings.TrimSpace(record[end-1]) == "" {
		end--
	}

	headers := make([]string, end)
	seen := make(map[string]int, end)
	for i := 0; i < end; i++ {
		h := CleanCell(record[i])
		if h == "" {
			h = fmt.Sprintf("Column %d", i+1)
		}
		key := strings.ToLower(h)
		seen[key]++
		if n := seen[key]; n > 1 {
			h = fmt.Sprintf("%s (%d)", h, n)
		}
		headers[i] = h
	}
	return headers
}
