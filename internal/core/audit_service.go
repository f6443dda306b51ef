package core

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const (
	DefaultAuditPageSize = 50
	MaxAuditPageSize     = 500
)

// ----------------------------------------------------------------------------
// Batch Audit History
// ----------------------------------------------------------------------------

// AuditQuery pages through the audit entries of one batch.
type AuditQuery struct {
	Limit  int
	Offset int
}

// AuditPage is one page of a batch's audit history.
type AuditPage struct {
	BatchID    uuid.UUID       `json:"batchId"`
	Entries    []AuditLogEntry `json:"entries"`
	TotalCount int             `json:"totalCount"`
	Page       int             `json:"page"`
	PageSize   int             `json:"pageSize"`
	TotalPages int             `json:"totalPages"`
}

// BatchAudit returns the audit entries written by a batch's commits. It
// reads the commit ledger rather than the import session, so the history
// stays available after the session is gone.
func (s *Service) BatchAudit(ctx context.Context, batchID uuid.UUID, actorID string, q AuditQuery) (*AuditPage, error) {
	ledger, found, err := s.store.BatchLedger(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("read commit ledger: %w", err)
	}
	if !found {
		return nil, ErrBatchNotFound
	}
	if err := s.auth.AuthorizeImport(ctx, actorID, ledger.ProjectID); err != nil {
		return nil, err
	}

	if q.Limit <= 0 {
		q.Limit = DefaultAuditPageSize
	}
	q.Limit = min(q.Limit, MaxAuditPageSize)
	q.Offset = max(q.Offset, 0)

	entries, total, err := s.store.ListAuditEntries(ctx, batchID, q.Limit, q.Offset)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	if entries == nil {
		entries = []AuditLogEntry{}
	}

	totalPages := (total + q.Limit - 1) / q.Limit
	if totalPages < 1 {
		totalPages = 1
	}
	return &AuditPage{
		BatchID:    batchID,
		Entries:    entries,
		TotalCount: total,
		Page:       q.Offset/q.Limit + 1,
		PageSize:   q.Limit,
		TotalPages: totalPages,
	}, nil
}

// ----------------------------------------------------------------------------
// Row Report Export
// ----------------------------------------------------------------------------

// RowReportHeader is the header record of the row report.
var RowReportHeader = []string{
	"Line", "Verdict", "Drawing Number", "Component ID", "Component Type", "Size", "Errors", "Warnings",
}

// RowReportRecord renders one candidate row in RowReportHeader order.
func RowReportRecord(r *CandidateRow) []string {
	warnings := make([]string, len(r.Warnings))
	for i, w := range r.Warnings {
		warnings[i] = w.Message
		if warnings[i] == "" {
			warnings[i] = w.Error()
		}
	}
	return []string{
		strconv.Itoa(r.Line),
		string(r.Verdict),
		r.Value(FieldDrawingNumber),
		r.Value(FieldComponentIdentifier),
		r.Value(FieldComponentType),
		r.Value(FieldSize),
		strings.Join(r.Reasons(), "; "),
		strings.Join(warnings, "; "),
	}
}

// ExportRows calls fn for every candidate row of a prepared batch in file
// order, optionally filtered by verdict. Returning an error from fn stops
// the export and is returned as is.
func (s *Service) ExportRows(ctx context.Context, batchID uuid.UUID, actorID string, verdict Verdict, fn func(*CandidateRow) error) error {
	batch, err := s.loadAuthorized(ctx, batchID, actorID)
	if err != nil {
		return err
	}
	if batch.State != BatchReady {
		return fmt.Errorf("%w: state %s", ErrBatchNotReady, batch.State)
	}

	for i := range batch.Rows {
		if i%ContextCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		row := &batch.Rows[i]
		if verdict != "" && row.Verdict != verdict {
			continue
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	return nil
}
