package core

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

// Format is the declared content type of an uploaded file.
type Format string

const (
	FormatCSV         Format = "csv"
	FormatSpreadsheet Format = "spreadsheet"
)

// RawRow is one data row as decoded from the file. Line is the 1-based
// source line (CSV) or sheet row number (spreadsheet).
type RawRow struct {
	Line  int           `json:"line"`
	Cells []pgtype.Text `json:"cells"`
}

// RawTable is the parser's output. Immutable once produced.
type RawTable struct {
	Format  Format   `json:"format"`
	Sheet   string   `json:"sheet,omitempty"`
	Headers []string `json:"headers"`
	Rows    []RawRow `json:"rows"`
}

// Cell returns the cell at column col, or a null cell when the row is short.
func (r RawRow) Cell(col int) pgtype.Text {
	if col < 0 || col >= len(r.Cells) {
		return pgtype.Text{}
	}
	return r.Cells[col]
}

// HeaderIndex maps header names to their column position.
type HeaderIndex map[string]int

// Verdict is the validation outcome for one candidate row.
type Verdict string

const (
	VerdictAccepted    Verdict = "accepted"
	VerdictRejected    Verdict = "rejected"
	VerdictNeedsReview Verdict = "needs_review"
)

// CandidateRow is a raw row with its canonical values and verdict.
type CandidateRow struct {
	Line   int              `json:"line"`
	Values map[Field]string `json:"values"`
	// Attributes holds cells from unmapped headers, keyed by header.
	Attributes map[string]string `json:"attributes,omitempty"`
	Verdict    Verdict           `json:"verdict"`
	Errors     []ValidationError `json:"errors,omitempty"`
	Warnings   []ValidationError `json:"warnings,omitempty"`

	// DrawingID is set when the drawing already exists in the project.
	DrawingID uuid.UUID `json:"drawingId"`
}

// Value returns the canonical value for f ("" when absent).
func (r *CandidateRow) Value(f Field) string {
	return r.Values[f]
}

// Reasons returns the row's hard errors as display strings.
func (r *CandidateRow) Reasons() []string {
	out := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		out[i] = e.Error()
	}
	return out
}

// BatchState tracks an ImportBatch through the preview lifecycle.
type BatchState string

const (
	BatchProcessing   BatchState = "processing"
	BatchNeedsMapping BatchState = "needs_mapping"
	BatchReady        BatchState = "ready"
	BatchFailed       BatchState = "failed"
)

// ValidationSummary counts verdicts across a batch.
type ValidationSummary struct {
	TotalRows       int `json:"totalRows"`
	Accepted        int `json:"accepted"`
	Rejected        int `json:"rejected"`
	NeedsReview     int `json:"needsReview"`
	NewDrawings     int `json:"newDrawings"`
	DistinctGroups  int `json:"distinctGroups"`
	DuplicateGroups int `json:"duplicateGroups"`
}

// ImportBatch is the staged result of one upload. It is owned by a single
// import session and stored in a SessionStore until commit or expiry.
type ImportBatch struct {
	ID                 uuid.UUID         `json:"id"`
	ProjectID          uuid.UUID         `json:"projectId"`
	ActorID            string            `json:"actorId"`
	FileName           string            `json:"fileName"`
	AutoCreateDrawings bool              `json:"autoCreateDrawings"`
	State              BatchState        `json:"state"`
	Failure            *UserMessage      `json:"failure,omitempty"`
	Table              *RawTable         `json:"table,omitempty"`
	Mapping            MappingResult     `json:"mapping"`
	Overrides          ColumnMapping     `json:"overrides,omitempty"`
	Rows               []CandidateRow    `json:"rows,omitempty"`
	Summary            ValidationSummary `json:"summary"`
	CreatedAt          time.Time         `json:"createdAt"`
	UpdatedAt          time.Time         `json:"updatedAt"`
}

// Drawing is an engineering drawing within a project.
type Drawing struct {
	ID        uuid.UUID `json:"id"`
	ProjectID uuid.UUID `json:"projectId"`
	Number    string    `json:"number"`
}

// Component is one physical instance of a component identifier on a drawing.
type Component struct {
	ID                      uuid.UUID
	ProjectID               uuid.UUID
	DrawingID               uuid.UUID
	Identifier              string
	InstanceNumber          int
	TotalInstancesOnDrawing int
	Type                    string
	Description             pgtype.Text
	Size                    pgtype.Text
	MaterialSpec            pgtype.Text
	Area                    pgtype.Text
	System                  pgtype.Text
	TestPackage             pgtype.Text
	CommodityCode           pgtype.Text
	ReceivedDate            pgtype.Date
	Attributes              json.RawMessage
	ImportBatchID           uuid.UUID
	CreatedBy               string
	CreatedAt               time.Time
}

// ComponentMilestone is the progress state of one milestone on one component.
type ComponentMilestone struct {
	ID            uuid.UUID
	ComponentID   uuid.UUID
	Name          string
	Sequence      int
	IsCompleted   bool
	EffectiveDate pgtype.Date
}

// AuditAction names the kind of change an audit entry records.
type AuditAction string

const ActionImportCommit AuditAction = "IMPORT_COMMIT"

// AuditLogEntry is an immutable record of a change made by an import.
type AuditLogEntry struct {
	ID                uuid.UUID       `json:"id"`
	ProjectID         uuid.UUID       `json:"projectId"`
	ActorID           string          `json:"actorId"`
	Action            AuditAction     `json:"action"`
	TargetComponentID uuid.UUID       `json:"targetComponentId"`
	BatchID           uuid.UUID       `json:"batchId"`
	Timestamp         time.Time       `json:"timestamp"`
	Payload           json.RawMessage `json:"payload"`
}

// InstanceStats is the persisted state of one (drawing, identifier) group.
type InstanceStats struct {
	Count       int
	MaxInstance int
}

// RowStatus is the per-row result of a commit.
type RowStatus string

const (
	RowCommitted RowStatus = "committed"
	RowRejected  RowStatus = "rejected"
	RowSkipped   RowStatus = "skipped"
	RowFailed    RowStatus = "failed"
)

// RowOutcome reports what happened to one candidate row during commit.
type RowOutcome struct {
	Line           int       `json:"line"`
	Status         RowStatus `json:"status"`
	Reason         string    `json:"reason,omitempty"`
	ComponentID    string    `json:"componentId,omitempty"`
	InstanceNumber int       `json:"instanceNumber,omitempty"`
	TotalInstances int       `json:"totalInstances,omitempty"`
	SubBatch       int       `json:"subBatch,omitempty"`
}

// CommitOutcome distinguishes how much of a batch reached storage.
type CommitOutcome string

const (
	OutcomeNothingSaved   CommitOutcome = "nothing_saved"
	OutcomePartiallySaved CommitOutcome = "partially_saved"
	OutcomeFullySaved     CommitOutcome = "fully_saved"
)

// CommitCounts aggregates row outcomes.
type CommitCounts struct {
	Committed int `json:"committed"`
	Rejected  int `json:"rejected"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// CommitResult is the structured outcome returned by Commit.
type CommitResult struct {
	BatchID          string        `json:"batchId"`
	Outcome          CommitOutcome `json:"outcome"`
	AlreadyCommitted bool          `json:"alreadyCommitted"`
	Cancelled        bool          `json:"cancelled,omitempty"`
	Counts           CommitCounts  `json:"counts"`
	Error            *UserMessage  `json:"error,omitempty"`
	Rows             []RowOutcome  `json:"rows,omitempty"`
	Duration         time.Duration `json:"durationNs"`
}
