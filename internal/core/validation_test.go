package core

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var takeoffHeaders = []string{"Drawing", "Component", "Type", "Size", "Received", "Notes"}

// rawRow builds a row; blank strings become null cells like the parser does.
func rawRow(line int, cells ...string) RawRow {
	row := RawRow{Line: line, Cells: make([]pgtype.Text, len(cells))}
	for i, c := range cells {
		if c != "" {
			row.Cells[i] = pgtype.Text{String: c, Valid: true}
		}
	}
	return row
}

func newTakeoffValidator(t *testing.T, opts ValidateOptions) *RowValidator {
	t.Helper()
	mapping := defaultMapper().Infer(takeoffHeaders)
	require.Empty(t, mapping.MissingRequired)
	return NewRowValidator(takeoffHeaders, mapping, opts)
}

func existingDrawings(numbers ...string) DrawingLookup {
	out := make(DrawingLookup, len(numbers))
	for _, n := range numbers {
		out[n] = Drawing{ID: uuid.New(), Number: n}
	}
	return out
}

// ----------------------------------------------------------------------------
// ValidateRow Tests
// ----------------------------------------------------------------------------

func TestValidateRow_Accepted(t *testing.T) {
	drawings := existingDrawings("P-001")
	v := newTakeoffValidator(t, ValidateOptions{Drawings: drawings})

	got := v.ValidateRow(rawRow(2, " p-001", "v-201", "valves", `2"`, "01/15/2024", "spare"), takeoffHeaders)

	assert.Equal(t, VerdictAccepted, got.Verdict)
	assert.Empty(t, got.Errors)
	assert.Empty(t, got.Warnings)
	assert.Equal(t, 2, got.Line)
	assert.Equal(t, drawings["P-001"].ID, got.DrawingID)
	assert.Equal(t, map[Field]string{
		FieldDrawingNumber:       "P-001",
		FieldComponentIdentifier: "V-201",
		FieldComponentType:       "VALVE",
		FieldSize:                "2",
		FieldReceivedDate:        "2024-01-15",
	}, got.Values)
	assert.Equal(t, map[string]string{"Notes": "spare"}, got.Attributes)
}

func TestValidateRow_BlankTypeDefaults(t *testing.T) {
	v := newTakeoffValidator(t, ValidateOptions{Drawings: existingDrawings("P-001")})

	got := v.ValidateRow(rawRow(2, "P-001", "V-201"), takeoffHeaders)

	assert.Equal(t, VerdictAccepted, got.Verdict)
	assert.Equal(t, DefaultComponentType, got.Value(FieldComponentType))
	assert.Nil(t, got.Attributes)
}

func TestValidateRow_Rejected(t *testing.T) {
	long := strings.Repeat("A", 101)

	tests := []struct {
		name    string
		row     RawRow
		reasons []string
	}{
		{
			name:    "missing identifier",
			row:     rawRow(2, "P-001", "", "Valve"),
			reasons: []string{"MissingRequiredField: componentIdentifier"},
		},
		{
			name:    "missing drawing",
			row:     rawRow(2, "  ", "V-1"),
			reasons: []string{"MissingRequiredField: drawingNumber"},
		},
		{
			name:    "unknown drawing",
			row:     rawRow(2, "P-404", "V-1"),
			reasons: []string{"UnknownDrawing: drawingNumber"},
		},
		{
			name:    "bad size",
			row:     rawRow(2, "P-001", "V-1", "Valve", "two inch"),
			reasons: []string{"InvalidFormat: size"},
		},
		{
			name:    "bad date",
			row:     rawRow(2, "P-001", "V-1", "Valve", "", "next tuesday"),
			reasons: []string{"InvalidFormat: receivedDate"},
		},
		{
			name:    "unknown type",
			row:     rawRow(2, "P-001", "V-1", "Widget"),
			reasons: []string{"InvalidValue: componentType"},
		},
		{
			name:    "identifier too long",
			row:     rawRow(2, "P-001", long),
			reasons: []string{"ValueTooLong: componentIdentifier"},
		},
		{
			name: "every reason reported",
			row:  rawRow(2, "P-404", "", "Widget", "huge"),
			reasons: []string{
				"MissingRequiredField: componentIdentifier",
				"InvalidValue: componentType",
				"InvalidFormat: size",
				"UnknownDrawing: drawingNumber",
			},
		},
	}

	v := newTakeoffValidator(t, ValidateOptions{Drawings: existingDrawings("P-001")})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := v.ValidateRow(tt.row, takeoffHeaders)
			assert.Equal(t, VerdictRejected, got.Verdict)
			assert.Equal(t, tt.reasons, got.Reasons())
		})
	}
}

func TestValidateRow_RejectedKeepsRawValue(t *testing.T) {
	v := newTakeoffValidator(t, ValidateOptions{Drawings: existingDrawings("P-001")})

	got := v.ValidateRow(rawRow(7, "P-001", "V-1", "", "huge"), takeoffHeaders)

	require.Len(t, got.Errors, 1)
	assert.Equal(t, "huge", got.Errors[0].Value)
	assert.Contains(t, got.Errors[0].Message, "huge")
}

func TestValidateRow_AutoCreateDrawing(t *testing.T) {
	v := newTakeoffValidator(t, ValidateOptions{AutoCreateDrawings: true})

	got := v.ValidateRow(rawRow(2, "p-900", "V-1"), takeoffHeaders)

	assert.Equal(t, VerdictAccepted, got.Verdict)
	assert.Equal(t, uuid.Nil, got.DrawingID)
	require.Len(t, got.Warnings, 1)
	assert.Equal(t, CodeDrawingCreated, got.Warnings[0].Code)
	assert.Equal(t, "P-900", got.Warnings[0].Value)
}

// ----------------------------------------------------------------------------
// ValidateTable Tests
// ----------------------------------------------------------------------------

func duplicateTable() *RawTable {
	return &RawTable{
		Format:  FormatCSV,
		Headers: takeoffHeaders,
		Rows: []RawRow{
			rawRow(2, "P-001", "V-201", "Valve", `2"`),
			rawRow(3, "P-001", "V-201", "Valve", `2"`, "", "other note"),
			rawRow(4, "P-001", "V-201", "Valve", `3"`),
			rawRow(5, "P-002", "V-300"),
		},
	}
}

func TestValidateTable_Duplicates(t *testing.T) {
	v := newTakeoffValidator(t, ValidateOptions{Drawings: existingDrawings("P-001"), Workers: 2})

	rows, summary, err := v.ValidateTable(context.Background(), duplicateTable())
	require.NoError(t, err)
	require.Len(t, rows, 4)

	assert.Equal(t, VerdictAccepted, rows[0].Verdict)

	assert.Equal(t, VerdictNeedsReview, rows[1].Verdict, "identical mapped cells")
	require.Len(t, rows[1].Warnings, 1)
	assert.Equal(t, CodeDuplicateRow, rows[1].Warnings[0].Code)
	assert.Equal(t, "identical to line 2", rows[1].Warnings[0].Message)

	assert.Equal(t, VerdictAccepted, rows[2].Verdict, "different size is a second physical instance")
	assert.Equal(t, VerdictRejected, rows[3].Verdict)

	assert.Equal(t, ValidationSummary{
		TotalRows:       4,
		Accepted:        2,
		Rejected:        1,
		NeedsReview:     1,
		DistinctGroups:  1,
		DuplicateGroups: 1,
	}, summary)
}

func TestValidateTable_AutoCreateSummary(t *testing.T) {
	v := newTakeoffValidator(t, ValidateOptions{Drawings: existingDrawings("P-001"), AutoCreateDrawings: true})

	_, summary, err := v.ValidateTable(context.Background(), duplicateTable())
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Accepted)
	assert.Equal(t, 0, summary.Rejected)
	assert.Equal(t, 1, summary.NewDrawings)
	assert.Equal(t, 2, summary.DistinctGroups)
}

func TestValidateTable_PreservesOrder(t *testing.T) {
	table := &RawTable{Headers: takeoffHeaders}
	for i := 0; i < validateChunk*3+17; i++ {
		table.Rows = append(table.Rows, rawRow(i+2, "P-001", fmt.Sprintf("V-%d", i)))
	}
	v := newTakeoffValidator(t, ValidateOptions{Drawings: existingDrawings("P-001"), Workers: 4})

	rows, summary, err := v.ValidateTable(context.Background(), table)
	require.NoError(t, err)
	require.Len(t, rows, len(table.Rows))

	for i, r := range rows {
		assert.Equal(t, table.Rows[i].Line, r.Line)
		assert.Equal(t, fmt.Sprintf("V-%d", i), r.Value(FieldComponentIdentifier))
	}
	assert.Equal(t, len(table.Rows), summary.Accepted)
	assert.Equal(t, 0, summary.DuplicateGroups)
}

func TestValidateTable_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	v := newTakeoffValidator(t, ValidateOptions{})

	_, _, err := v.ValidateTable(ctx, duplicateTable())
	assert.ErrorIs(t, err, context.Canceled)
}

// ----------------------------------------------------------------------------
// Summarize Tests
// ----------------------------------------------------------------------------

func TestSummarize(t *testing.T) {
	cand := func(verdict Verdict, drawing, id string, warnings ...ValidationError) CandidateRow {
		return CandidateRow{
			Verdict:  verdict,
			Values:   map[Field]string{FieldDrawingNumber: drawing, FieldComponentIdentifier: id},
			Warnings: warnings,
		}
	}
	created := ValidationError{Code: CodeDrawingCreated}

	rows := []CandidateRow{
		cand(VerdictAccepted, "P-1", "A"),
		cand(VerdictAccepted, "P-1", "A"),
		cand(VerdictNeedsReview, "P-2", "A", created),
		cand(VerdictAccepted, "P-2", "B", created),
		cand(VerdictRejected, "P-3", "A", created),
	}

	assert.Equal(t, ValidationSummary{
		TotalRows:       5,
		Accepted:        3,
		Rejected:        1,
		NeedsReview:     1,
		NewDrawings:     1,
		DistinctGroups:  3,
		DuplicateGroups: 1,
	}, Summarize(rows))

	assert.Equal(t, ValidationSummary{}, Summarize(nil))
}
