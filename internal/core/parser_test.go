package core

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		name     string
		declared string
		file     string
		want     Format
		wantErr  bool
	}{
		{"declared csv", "text/csv", "takeoff.bin", FormatCSV, false},
		{"declared short name", "spreadsheet", "", FormatSpreadsheet, false},
		{"xlsx mime", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", "a", FormatSpreadsheet, false},
		{"octet stream falls back to extension", "application/octet-stream", "BOM.XLSX", FormatSpreadsheet, false},
		{"no declaration csv extension", "", "bom.csv", FormatCSV, false},
		{"no declaration unknown extension", "", "bom.pdf", "", true},
		{"unsupported declared type", "application/pdf", "bom.csv", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DetectFormat(tt.declared, tt.file)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnsupportedFormat)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func parseCSVString(t *testing.T, s string, opts ParseOptions) (*RawTable, error) {
	t.Helper()
	return ParseFile(context.Background(), strings.NewReader(s), FormatCSV, opts)
}

func TestParseFile_CSV(t *testing.T) {
	input := "\n" +
		"Drawing, Component ,Type,\n" +
		"P-001,V-201,Valve\n" +
		" , , \n" +
		"P-001, V-202 ,,extra\n"

	table, err := parseCSVString(t, input, ParseOptions{})
	require.NoError(t, err)

	assert.Equal(t, FormatCSV, table.Format)
	assert.Equal(t, []string{"Drawing", "Component", "Type"}, table.Headers)
	require.Len(t, table.Rows, 2)

	first := table.Rows[0]
	assert.Equal(t, 3, first.Line)
	assert.Equal(t, "V-201", first.Cell(1).String)

	second := table.Rows[1]
	assert.Equal(t, 5, second.Line, "blank rows keep their line numbers")
	assert.Equal(t, "V-202", second.Cell(1).String)
	assert.False(t, second.Cell(2).Valid, "blank cell is null")
	assert.Len(t, second.Cells, 3, "cells past the last header are dropped")
	assert.False(t, second.Cell(7).Valid)
}

func TestParseFile_CSVWithBOMAndRaggedRows(t *testing.T) {
	input := "\xEF\xBB\xBFDrawing,Component,Size\nP-001\nP-002,V-9,\"2\"\"\"\n"
	table, err := parseCSVString(t, input, ParseOptions{})
	require.NoError(t, err)

	assert.Equal(t, "Drawing", table.Headers[0])
	require.Len(t, table.Rows, 2)
	assert.False(t, table.Rows[0].Cell(1).Valid)
	assert.Equal(t, `2"`, table.Rows[1].Cell(2).String)
}

func TestParseFile_DuplicateAndBlankHeaders(t *testing.T) {
	table, err := parseCSVString(t, "Tag,,tag,TAG\na,b,c,d\n", ParseOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"Tag", "Column 2", "tag (2)", "TAG (3)"}, table.Headers)
}

func TestParseFile_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		opts  ParseOptions
		want  error
	}{
		{"empty", "", ParseOptions{}, ErrEmptyFile},
		{"header only", "Drawing,Component\n", ParseOptions{}, ErrEmptyFile},
		{"blank lines only", "\n , \n\n", ParseOptions{}, ErrEmptyFile},
		{"unbalanced quotes", "Drawing,Component\nP-1,\"V-1\n", ParseOptions{}, ErrMalformedFile},
		{"row limit", "Drawing\n1\n2\n3\n", ParseOptions{MaxRows: 2}, ErrRowLimitExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseCSVString(t, tt.input, tt.opts)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestParseFile_MalformedReportsLine(t *testing.T) {
	_, err := parseCSVString(t, "Drawing,Component\nP-1,V-1\nP-2,\"V-2\n", ParseOptions{})
	var lineErr *LineError
	require.True(t, errors.As(err, &lineErr), "got %v", err)
	assert.Equal(t, 3, lineErr.Line)
}

func TestParseFile_RowLimitAllowsExact(t *testing.T) {
	table, err := parseCSVString(t, "Drawing\n1\n2\n", ParseOptions{MaxRows: 2})
	require.NoError(t, err)
	assert.Len(t, table.Rows, 2)
}

func TestParseFile_Cancelled(t *testing.T) {
	var b strings.Builder
	b.WriteString("Drawing,Component\n")
	for i := 0; i < ContextCheckInterval*2; i++ {
		b.WriteString("P-1,V-1\n")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ParseFile(ctx, strings.NewReader(b.String()), FormatCSV, ParseOptions{})
	assert.ErrorIs(t, err, context.Canceled)
}

func buildSpreadsheet(t *testing.T, sheet string, rows [][]any) []byte {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()

	if sheet != "Sheet1" {
		idx, err := f.NewSheet(sheet)
		require.NoError(t, err)
		f.SetActiveSheet(idx)
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow(sheet, cell, &row))
	}
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	return buf.Bytes()
}

func TestParseFile_Spreadsheet(t *testing.T) {
	data := buildSpreadsheet(t, "Takeoff", [][]any{
		{"Drawing", "Component", "Type"},
		{"P-001", "V-201", "Valve"},
		{"", "", ""},
		{"P-001", "F-7", 3},
	})

	table, err := ParseFile(context.Background(), bytes.NewReader(data), FormatSpreadsheet, ParseOptions{})
	require.NoError(t, err)

	assert.Equal(t, FormatSpreadsheet, table.Format)
	assert.Equal(t, "Takeoff", table.Sheet)
	assert.Equal(t, []string{"Drawing", "Component", "Type"}, table.Headers)
	require.Len(t, table.Rows, 2)
	assert.Equal(t, 2, table.Rows[0].Line)
	assert.Equal(t, 4, table.Rows[1].Line)
	assert.Equal(t, "3", table.Rows[1].Cell(2).String)
}

func TestParseFile_SpreadsheetNamedSheet(t *testing.T) {
	data := buildSpreadsheet(t, "Sheet1", [][]any{{"Drawing"}, {"P-1"}})

	_, err := ParseFile(context.Background(), bytes.NewReader(data), FormatSpreadsheet, ParseOptions{Sheet: "Missing"})
	assert.ErrorIs(t, err, ErrMalformedFile)

	table, err := ParseFile(context.Background(), bytes.NewReader(data), FormatSpreadsheet, ParseOptions{Sheet: "Sheet1"})
	require.NoError(t, err)
	assert.Len(t, table.Rows, 1)
}

func TestParseFile_SpreadsheetCorrupt(t *testing.T) {
	_, err := ParseFile(context.Background(), strings.NewReader("not a zip"), FormatSpreadsheet, ParseOptions{})
	assert.ErrorIs(t, err, ErrMalformedFile)
}

func TestParseFile_SpreadsheetExpandedSize(t *testing.T) {
	rows := [][]any{{"Drawing", "Notes"}}
	for i := range 64 {
		rows = append(rows, []any{fmt.Sprintf("P-%03d", i), strings.Repeat("x", 4000) + strconv.Itoa(i)})
	}
	data := buildSpreadsheet(t, "Sheet1", rows)

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	var expanded int64
	for _, zf := range zr.File {
		expanded += int64(zf.UncompressedSize64)
	}
	require.Greater(t, expanded, int64(len(data))*4, "fixture should compress well")

	tests := []struct {
		name    string
		limit   int64
		wantErr error
	}{
		{"unlimited", 0, nil},
		{"exactly at limit", expanded, nil},
		{"one byte over", expanded - 1, ErrFileTooLarge},
		{"compressed size fits but expansion does not", int64(len(data)) * 2, ErrFileTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table, err := ParseFile(context.Background(), bytes.NewReader(data), FormatSpreadsheet,
				ParseOptions{MaxExpandedBytes: tt.limit})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, "IMP005", MapError(err).Code)
				return
			}
			require.NoError(t, err)
			assert.Len(t, table.Rows, 64)
		})
	}
}

func TestIsEmptyRow(t *testing.T) {
	assert.True(t, isEmptyRow(nil))
	assert.True(t, isEmptyRow([]string{"", " ", "\t"}))
	assert.False(t, isEmptyRow([]string{"", "x"}))
}
