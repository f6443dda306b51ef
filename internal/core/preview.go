package core

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Sample limits
const (
	DefaultPreviewRows  = 50
	maxErrorSamples     = 20
	maxDuplicateSamples = 10
	DefaultRowsPageSize = 100
	MaxRowsPageSize     = 1000
)

// ErrorPreview is a rejected row with its full reason list.
type ErrorPreview struct {
	Line    int              `json:"line"`
	Values  map[Field]string `json:"values"`
	Reasons []string         `json:"reasons"`
}

// DuplicatePreview is an instance group that occurs more than once in the file.
type DuplicatePreview struct {
	DrawingNumber       string `json:"drawingNumber"`
	ComponentIdentifier string `json:"componentIdentifier"`
	Lines               []int  `json:"lines"`
}

// Preview is returned by Upload, Remap and Get.
type Preview struct {
	BatchID          uuid.UUID          `json:"batchId"`
	ProjectID        uuid.UUID          `json:"projectId"`
	State            BatchState         `json:"state"`
	FileName         string             `json:"fileName"`
	Format           Format             `json:"format,omitempty"`
	Sheet            string             `json:"sheet,omitempty"`
	Headers          []string           `json:"headers"`
	Mapping          MappingResult      `json:"mapping"`
	Rows             []CandidateRow     `json:"rows"`
	Summary          ValidationSummary  `json:"summary"`
	ErrorSamples     []ErrorPreview     `json:"errorSamples,omitempty"`
	DuplicateSamples []DuplicatePreview `json:"duplicateSamples,omitempty"`
	Error            *UserMessage       `json:"error,omitempty"`
	CreatedAt        time.Time          `json:"createdAt"`
	UpdatedAt        time.Time          `json:"updatedAt"`
}

// newPreview summarizes a batch, keeping at most limit leading rows.
func newPreview(batch *ImportBatch, limit int) *Preview {
	p := &Preview{
		BatchID:   batch.ID,
		ProjectID: batch.ProjectID,
		State:     batch.State,
		FileName:  batch.FileName,
		Mapping:   batch.Mapping,
		Summary:   batch.Summary,
		Error:     batch.Failure,
		CreatedAt: batch.CreatedAt,
		UpdatedAt: batch.UpdatedAt,
	}
	if batch.Table != nil {
		p.Format = batch.Table.Format
		p.Sheet = batch.Table.Sheet
		p.Headers = batch.Table.Headers
	}
	if batch.State == BatchNeedsMapping {
		msg := MapError(batch.Mapping.Err())
		p.Error = &msg
	}

	if limit <= 0 {
		limit = DefaultPreviewRows
	}
	p.Rows = batch.Rows[:min(limit, len(batch.Rows))]

	groups := make(map[groupKey][]int)
	var order []groupKey
	for i := range batch.Rows {
		r := &batch.Rows[i]
		if r.Verdict == VerdictRejected {
			if len(p.ErrorSamples) < maxErrorSamples {
				p.ErrorSamples = append(p.ErrorSamples, ErrorPreview{
					Line:    r.Line,
					Values:  r.Values,
					Reasons: r.Reasons(),
				})
			}
			continue
		}
		key := groupKey{r.Value(FieldDrawingNumber), r.Value(FieldComponentIdentifier)}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], r.Line)
	}
	for _, key := range order {
		if len(p.DuplicateSamples) >= maxDuplicateSamples {
			break
		}
		if lines := groups[key]; len(lines) > 1 {
			p.DuplicateSamples = append(p.DuplicateSamples, DuplicatePreview{
				DrawingNumber:       key.drawing,
				ComponentIdentifier: key.identifier,
				Lines:               lines,
			})
		}
	}
	return p
}

// RowsQuery pages through a batch's candidate rows.
type RowsQuery struct {
	Verdict Verdict // empty selects all
	Offset  int
	Limit   int
}

// RowsPage is one page of candidate rows.
type RowsPage struct {
	BatchID uuid.UUID      `json:"batchId"`
	Total   int            `json:"total"`
	Offset  int            `json:"offset"`
	Limit   int            `json:"limit"`
	Rows    []CandidateRow `json:"rows"`
}

// pageRows filters rows by verdict and slices out one page.
func pageRows(batch *ImportBatch, q RowsQuery) *RowsPage {
	if q.Limit <= 0 {
		q.Limit = DefaultRowsPageSize
	}
	q.Limit = min(q.Limit, MaxRowsPageSize)
	q.Offset = max(q.Offset, 0)

	filtered := batch.Rows
	if q.Verdict != "" {
		filtered = make([]CandidateRow, 0, len(batch.Rows))
		for _, r := range batch.Rows {
			if r.Verdict == q.Verdict {
				filtered = append(filtered, r)
			}
		}
	}

	page := &RowsPage{BatchID: batch.ID, Total: len(filtered), Offset: q.Offset, Limit: q.Limit}
	if q.Offset < len(filtered) {
		page.Rows = filtered[q.Offset:min(q.Offset+q.Limit, len(filtered))]
	}
	if page.Rows == nil {
		page.Rows = []CandidateRow{}
	}
	return page
}

// drawingNumbers returns the distinct non-empty drawing numbers in table
// under mapping, normalized and sorted.
func drawingNumbers(table *RawTable, mapping MappingResult) []string {
	col, ok := mapping.Column(FieldDrawingNumber)
	if !ok {
		return nil
	}
	set := make(map[string]struct{})
	for _, row := range table.Rows {
		if cell := row.Cell(col); cell.Valid {
			if n := NormalizeDrawingNumber(cell.String); n != "" {
				set[n] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
