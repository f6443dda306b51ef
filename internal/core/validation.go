package core

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"
)

// ValidationCode classifies a row-level finding.
type ValidationCode string

const (
	CodeMissingRequired ValidationCode = "MissingRequiredField"
	CodeInvalidFormat   ValidationCode = "InvalidFormat"
	CodeInvalidValue    ValidationCode = "InvalidValue"
	CodeTooLong         ValidationCode = "ValueTooLong"
	CodeUnknownDrawing  ValidationCode = "UnknownDrawing"

	// Warnings
	CodeDuplicateRow   ValidationCode = "DuplicateRow"
	CodeDrawingCreated ValidationCode = "DrawingWillBeCreated"
)

// validateChunk is how many rows one validation task handles.
const validateChunk = 256

// ValidationError is one finding on one row. Errors reject the row;
// warnings ride along to commit.
type ValidationError struct {
	Field   Field          `json:"field,omitempty"`
	Code    ValidationCode `json:"code"`
	Value   string         `json:"value,omitempty"`
	Message string         `json:"message"`
}

// Error renders the reason shown to users, e.g. "MissingRequiredField: componentIdentifier".
func (e ValidationError) Error() string {
	if e.Field == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + string(e.Field)
}

// DrawingLookup resolves normalized drawing numbers to existing drawings.
type DrawingLookup map[string]Drawing

// ValidateOptions configures a RowValidator.
type ValidateOptions struct {
	Drawings           DrawingLookup
	AutoCreateDrawings bool
	Workers            int
}

// RowValidator applies field, referential and duplicate checks to raw rows
// under one mapping. It holds no mutable state and may be shared.
type RowValidator struct {
	mapping MappingResult
	specs   []FieldSpec
	opts    ValidateOptions
	extra   []int // unmapped columns kept as attributes
}

// NewRowValidator creates a validator for rows decoded under mapping.
func NewRowValidator(headers []string, mapping MappingResult, opts ValidateOptions) *RowValidator {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	used := make(map[int]bool, len(mapping.Matches))
	for _, m := range mapping.Matches {
		used[m.Column] = true
	}
	var extra []int
	for col := range headers {
		if !used[col] {
			extra = append(extra, col)
		}
	}
	return &RowValidator{
		mapping: mapping,
		specs:   CanonicalFields(),
		opts:    opts,
		extra:   extra,
	}
}

// ValidateRow checks a single row. Every check runs so that all reasons
// are reported together. Duplicate detection needs the whole file and is
// done by ValidateTable.
func (v *RowValidator) ValidateRow(row RawRow, headers []string) CandidateRow {
	cand := CandidateRow{
		Line:   row.Line,
		Values: make(map[Field]string, len(v.specs)),
	}

	for _, spec := range v.specs {
		raw := ""
		if col, ok := v.mapping.Column(spec.Field); ok {
			if cell := row.Cell(col); cell.Valid {
				raw = cell.String
			}
		}

		value := raw
		if spec.Normalizer != nil && (raw != "" || spec.Field == FieldComponentType) {
			value = spec.Normalizer(raw)
		}
		if value != "" {
			cand.Values[spec.Field] = value
		}

		if value == "" {
			if spec.Required {
				cand.Errors = append(cand.Errors, ValidationError{
					Field:   spec.Field,
					Code:    CodeMissingRequired,
					Message: fmt.Sprintf("%s is required", spec.Header),
				})
			}
			continue
		}

		if spec.MaxLength > 0 && utf8.RuneCountInString(value) > spec.MaxLength {
			cand.Errors = append(cand.Errors, ValidationError{
				Field:   spec.Field,
				Code:    CodeTooLong,
				Value:   raw,
				Message: fmt.Sprintf("%s exceeds %d characters", spec.Header, spec.MaxLength),
			})
		}

		if ve, ok := checkType(spec, raw, value); !ok {
			cand.Errors = append(cand.Errors, ve)
		} else if spec.Type == FieldDate {
			cand.Values[spec.Field] = ToPgDate(raw).Time.Format("2006-01-02")
		}
	}

	v.checkDrawing(&cand)

	if len(v.extra) > 0 {
		for _, col := range v.extra {
			if cell := row.Cell(col); cell.Valid && col < len(headers) {
				if cand.Attributes == nil {
					cand.Attributes = make(map[string]string)
				}
				cand.Attributes[headers[col]] = cell.String
			}
		}
	}

	if len(cand.Errors) > 0 {
		cand.Verdict = VerdictRejected
	} else {
		cand.Verdict = VerdictAccepted
	}
	return cand
}

// checkType validates a normalized value against its field type.
func checkType(spec FieldSpec, raw, value string) (ValidationError, bool) {
	switch spec.Type {
	case FieldDimension:
		if _, ok := ParseDimension(value); !ok {
			return ValidationError{
				Field:   spec.Field,
				Code:    CodeInvalidFormat,
				Value:   raw,
				Message: fmt.Sprintf("%q is not a recognised size", raw),
			}, false
		}
	case FieldDate:
		if !ToPgDate(raw).Valid {
			return ValidationError{
				Field:   spec.Field,
				Code:    CodeInvalidFormat,
				Value:   raw,
				Message: fmt.Sprintf("%q is not a date (use YYYY-MM-DD or MM/DD/YYYY)", raw),
			}, false
		}
	case FieldEnum:
		if _, ok := LookupType(value); !ok {
			return ValidationError{
				Field:   spec.Field,
				Code:    CodeInvalidValue,
				Value:   raw,
				Message: fmt.Sprintf("unknown component type %q (expected one of: %s)", raw, strings.Join(TypeCodes(), ", ")),
			}, false
		}
	}
	return ValidationError{}, true
}

// checkDrawing resolves the row's drawing against the project.
func (v *RowValidator) checkDrawing(cand *CandidateRow) {
	number := cand.Values[FieldDrawingNumber]
	if number == "" {
		return
	}
	if d, ok := v.opts.Drawings[number]; ok {
		cand.DrawingID = d.ID
		return
	}
	if v.opts.AutoCreateDrawings {
		cand.Warnings = append(cand.Warnings, ValidationError{
			Field:   FieldDrawingNumber,
			Code:    CodeDrawingCreated,
			Value:   number,
			Message: fmt.Sprintf("drawing %s will be created", number),
		})
		return
	}
	cand.Errors = append(cand.Errors, ValidationError{
		Field:   FieldDrawingNumber,
		Code:    CodeUnknownDrawing,
		Value:   number,
		Message: fmt.Sprintf("drawing %s does not exist in this project", number),
	})
}

// ValidateTable validates every row of table in parallel and then flags
// byte-identical repeats. Output order matches table.Rows.
func (v *RowValidator) ValidateTable(ctx context.Context, table *RawTable) ([]CandidateRow, ValidationSummary, error) {
	rows := make([]CandidateRow, len(table.Rows))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.opts.Workers)
	for start := 0; start < len(table.Rows); start += validateChunk {
		start, end := start, min(start+validateChunk, len(table.Rows))
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			for i := start; i < end; i++ {
				rows[i] = v.ValidateRow(table.Rows[i], table.Headers)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, ValidationSummary{}, err
	}

	v.flagDuplicates(table, rows)
	return rows, Summarize(rows), nil
}

// flagDuplicates marks every repeat of an earlier row whose mapped cells are
// byte-identical. Rows that differ in any mapped cell are physical duplicates
// and are left for the reconciler.
func (v *RowValidator) flagDuplicates(table *RawTable, rows []CandidateRow) {
	cols := make([]int, 0, len(v.mapping.Matches))
	for _, m := range v.mapping.Matches {
		cols = append(cols, m.Column)
	}

	first := make(map[string]int, len(rows))
	for i, raw := range table.Rows {
		key := fingerprint(raw, cols)
		orig, seen := first[key]
		if !seen {
			first[key] = raw.Line
			continue
		}
		cand := &rows[i]
		cand.Warnings = append(cand.Warnings, ValidationError{
			Code:    CodeDuplicateRow,
			Message: fmt.Sprintf("identical to line %d", orig),
		})
		if cand.Verdict == VerdictAccepted {
			cand.Verdict = VerdictNeedsReview
		}
	}
}

// fingerprint joins the mapped cells of a row; nulls and blanks differ.
func fingerprint(row RawRow, cols []int) string {
	var b strings.Builder
	for _, col := range cols {
		cell := row.Cell(col)
		if cell.Valid {
			b.WriteByte('v')
			b.WriteString(cell.String)
		} else {
			b.WriteByte('n')
		}
		b.WriteByte(0x1f)
	}
	return b.String()
}

// Summarize counts verdicts, drawings to create and instance groups.
func Summarize(rows []CandidateRow) ValidationSummary {
	s := ValidationSummary{TotalRows: len(rows)}
	newDrawings := make(map[string]struct{})
	groups := make(map[groupKey]int)

	for i := range rows {
		r := &rows[i]
		switch r.Verdict {
		case VerdictAccepted:
			s.Accepted++
		case VerdictRejected:
			s.Rejected++
			continue
		case VerdictNeedsReview:
			s.NeedsReview++
		}
		for _, w := range r.Warnings {
			if w.Code == CodeDrawingCreated {
				newDrawings[r.Value(FieldDrawingNumber)] = struct{}{}
			}
		}
		groups[groupKey{r.Value(FieldDrawingNumber), r.Value(FieldComponentIdentifier)}]++
	}

	s.NewDrawings = len(newDrawings)
	s.DistinctGroups = len(groups)
	for _, n := range groups {
		if n > 1 {
			s.DuplicateGroups++
		}
	}
	return s
}
