package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RequestOrigin describes where a commit request came from. It is recorded
// on every audit entry the commit writes.
type RequestOrigin struct {
	IPAddress string
	UserAgent string
}

type originKey struct{}

// ContextWithOrigin attaches the request origin to ctx.
func ContextWithOrigin(ctx context.Context, o RequestOrigin) context.Context {
	return context.WithValue(ctx, originKey{}, o)
}

// OriginFromContext returns the origin set by ContextWithOrigin, or the zero value.
func OriginFromContext(ctx context.Context) RequestOrigin {
	o, _ := ctx.Value(originKey{}).(RequestOrigin)
	return o
}

// importCommitPayload is the JSON body of an IMPORT_COMMIT audit entry.
type importCommitPayload struct {
	BatchID             string           `json:"batchId"`
	FileName            string           `json:"fileName,omitempty"`
	SourceLine          int              `json:"sourceLine"`
	SubBatch            int              `json:"subBatch"`
	DrawingNumber       string           `json:"drawingNumber"`
	ComponentIdentifier string           `json:"componentIdentifier"`
	ComponentType       string           `json:"componentType"`
	InstanceNumber      int              `json:"instanceNumber"`
	TotalInstances      int              `json:"totalInstances"`
	Milestones          int              `json:"milestones"`
	Values              map[Field]string `json:"values"`
	Warnings            []string         `json:"warnings,omitempty"`
	IPAddress           string           `json:"ipAddress,omitempty"`
	UserAgent           string           `json:"userAgent,omitempty"`
}

// newImportAuditEntry builds the audit record for one committed component.
// Warnings are carried so NeedsReview rows stay visible after commit.
func newImportAuditEntry(ctx context.Context, batch *ImportBatch, r *ReconciledRow, subBatch, milestones int, now time.Time) (AuditLogEntry, error) {
	origin := OriginFromContext(ctx)
	payload := importCommitPayload{
		BatchID:             batch.ID.String(),
		FileName:            batch.FileName,
		SourceLine:          r.Row.Line,
		SubBatch:            subBatch,
		DrawingNumber:       r.Row.Value(FieldDrawingNumber),
		ComponentIdentifier: r.Row.Value(FieldComponentIdentifier),
		ComponentType:       r.Row.Value(FieldComponentType),
		InstanceNumber:      r.InstanceNumber,
		TotalInstances:      r.TotalInstances,
		Milestones:          milestones,
		Values:              r.Row.Values,
		IPAddress:           origin.IPAddress,
		UserAgent:           origin.UserAgent,
	}
	for _, w := range r.Row.Warnings {
		payload.Warnings = append(payload.Warnings, w.Error()+": "+w.Message)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return AuditLogEntry{}, fmt.Errorf("marshal audit payload: %w", err)
	}

	return AuditLogEntry{
		ID:                uuid.New(),
		ProjectID:         batch.ProjectID,
		ActorID:           batch.ActorID,
		Action:            ActionImportCommit,
		TargetComponentID: r.ComponentID,
		BatchID:           batch.ID,
		Timestamp:         now,
		Payload:           body,
	}, nil
}
