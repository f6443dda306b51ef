package core

// commit.go is the Commit Coordinator.
//
// A commit walks the batch's rows in file order:
//  1. Rows that were rejected, skipped, or recorded in the ledger by an earlier
//     attempt are reported without touching storage
//  2. The remaining rows are cut into sub-batches of SubBatchSize
//  3. Each sub-batch runs in its own transaction: lock drawings, read instance
//     counts, reconcile, insert components with milestones and audit entries,
//     rewrite group totals, record the sub-batch in the ledger
//  4. A sub-batch that finds a drawing locked is retried with backoff; any
//     other failure rolls back that sub-batch only
//
// Cancellation is observed between sub-batches. A transaction that has begun
// always runs to commit or rollback under its own timeout.

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/JonMunkholm/pipeimport/internal/logging"
	"github.com/JonMunkholm/pipeimport/internal/metrics"
)

const tracerName = "github.com/JonMunkholm/pipeimport/internal/core"

// Commit defaults, used when CommitConfig leaves a field zero.
const (
	DefaultSubBatchSize    = 500
	DefaultSubBatchTimeout = 60 * time.Second
	DefaultLockAttempts    = 5
	DefaultLockBackoff     = 100 * time.Millisecond
)

// CommitConfig bounds the Commit Coordinator.
type CommitConfig struct {
	SubBatchSize    int
	SubBatchTimeout time.Duration
	LockAttempts    int
	LockBackoff     time.Duration
}

// CommitOptions are supplied per commit request.
type CommitOptions struct {
	IdempotencyToken string
	SkipNeedsReview  bool
}

// Coordinator persists reconciled rows. Safe for concurrent use; batches
// touching different drawings commit independently.
type Coordinator struct {
	store  Store
	cfg    CommitConfig
	now    func() time.Time
	tracer trace.Tracer
}

// NewCoordinator creates a Coordinator over store.
func NewCoordinator(store Store, cfg CommitConfig) *Coordinator {
	if cfg.SubBatchSize <= 0 {
		cfg.SubBatchSize = DefaultSubBatchSize
	}
	if cfg.SubBatchTimeout <= 0 {
		cfg.SubBatchTimeout = DefaultSubBatchTimeout
	}
	if cfg.LockAttempts <= 0 {
		cfg.LockAttempts = DefaultLockAttempts
	}
	if cfg.LockBackoff <= 0 {
		cfg.LockBackoff = DefaultLockBackoff
	}
	return &Coordinator{
		store:  store,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
		tracer: otel.Tracer(tracerName),
	}
}

// Commit writes the eligible rows of batch. It returns an error only when
// nothing could be attempted (ledger unreadable, no usable template);
// per-row and per-sub-batch failures are reported in the result.
func (c *Coordinator) Commit(ctx context.Context, batch *ImportBatch, opts CommitOptions) (*CommitResult, error) {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "import.commit", trace.WithAttributes(
		attribute.String("import.batch_id", batch.ID.String()),
		attribute.Int("import.rows", len(batch.Rows)),
	))
	defer span.End()

	log := logging.WithFields(ctx, "batch_id", batch.ID, "project_id", batch.ProjectID)

	ledger, found, err := c.store.BatchLedger(ctx, batch.ID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("read commit ledger: %w", err)
	}
	if found && ledger.State == LedgerCommitted {
		log.Infow("commit skipped, batch already committed")
		return alreadyCommittedResult(batch.ID, ledger), nil
	}

	tpl, err := c.loadTemplate(ctx, batch.ProjectID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	done := make(map[int]bool, len(ledger.CommittedLines))
	for _, line := range ledger.CommittedLines {
		done[line] = true
	}

	outcomes := make([]RowOutcome, len(batch.Rows))
	var pending []int
	previous := 0
	for i := range batch.Rows {
		row := &batch.Rows[i]
		out := &outcomes[i]
		out.Line = row.Line

		switch {
		case row.Verdict == VerdictRejected:
			out.Status = RowRejected
			out.Reason = strings.Join(row.Reasons(), "; ")
		case row.Verdict == VerdictNeedsReview && opts.SkipNeedsReview:
			out.Status = RowSkipped
			out.Reason = "NeedsReview: " + joinWarnings(row.Warnings)
		case done[row.Line]:
			out.Status = RowCommitted
			out.Reason = "committed by an earlier attempt"
			previous++
		default:
			if _, err := tpl.MilestonesFor(row.Value(FieldComponentType)); err != nil {
				out.Status = RowRejected
				out.Reason = fmt.Sprintf("%s: %s", CodeInvalidValue, err)
				continue
			}
			pending = append(pending, i)
		}
	}

	result := &CommitResult{BatchID: batch.ID.String()}

	if len(pending) > 0 {
		err := c.store.BeginBatch(ctx, BatchLedger{
			BatchID:          batch.ID,
			ProjectID:        batch.ProjectID,
			ActorID:          batch.ActorID,
			IdempotencyToken: opts.IdempotencyToken,
			SubBatchSize:     c.cfg.SubBatchSize,
			State:            LedgerCommitting,
			UpdatedAt:        c.now(),
		})
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("open commit ledger: %w", err)
		}
	}

	// Totals change as later sub-batches add to a group; the final value
	// is reported for every committed row.
	totals := make(map[InstanceKey]int)
	keys := make(map[int]InstanceKey, len(pending))

	index := ledger.LastSubBatch
	size := c.cfg.SubBatchSize
	for from := 0; from < len(pending); from += size {
		chunk := pending[from:min(from+size, len(pending))]

		if ctx.Err() != nil {
			result.Cancelled = true
			markSkipped(outcomes, pending[from:], "Cancelled")
			break
		}

		index++
		rows := make([]*CandidateRow, len(chunk))
		for j, i := range chunk {
			rows[j] = &batch.Rows[i]
		}

		rec, err := c.commitSubBatch(ctx, batch, index, rows, tpl)
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, context.Cause(ctx)) {
				result.Cancelled = true
				markSkipped(outcomes, pending[from:], "Cancelled")
				break
			}
			log.Warnw("sub-batch rolled back", "sub_batch", index, "rows", len(chunk), "error", err)
			reason := reasonFor(err)
			for _, i := range chunk {
				outcomes[i].Status = RowFailed
				outcomes[i].Reason = reason
				outcomes[i].SubBatch = index
			}
			continue
		}

		for j, i := range chunk {
			r := rec.Rows[j]
			outcomes[i].Status = RowCommitted
			outcomes[i].ComponentID = r.ComponentID.String()
			outcomes[i].InstanceNumber = r.InstanceNumber
			outcomes[i].SubBatch = index
			key := InstanceKey{DrawingID: r.DrawingID, Identifier: r.Row.Value(FieldComponentIdentifier)}
			keys[i] = key
		}
		for _, g := range rec.Groups {
			totals[g.Key] = g.Total
		}
	}
	for i, key := range keys {
		outcomes[i].TotalInstances = totals[key]
	}

	result.Rows = outcomes
	for _, o := range outcomes {
		switch o.Status {
		case RowCommitted:
			result.Counts.Committed++
		case RowRejected:
			result.Counts.Rejected++
		case RowSkipped:
			result.Counts.Skipped++
		case RowFailed:
			result.Counts.Failed++
		}
	}

	eligible := len(pending) + previous
	switch {
	case result.Counts.Committed == 0:
		result.Outcome = OutcomeNothingSaved
	case result.Counts.Committed == eligible:
		result.Outcome = OutcomeFullySaved
	default:
		result.Outcome = OutcomePartiallySaved
	}
	if result.Counts.Failed > 0 {
		failure := MapError(fmt.Errorf("%w: %d of %d rows rolled back", ErrCommitFailed, result.Counts.Failed, eligible))
		result.Error = &failure
	}

	if eligible > 0 {
		state := LedgerPartial
		if result.Counts.Committed == eligible {
			state = LedgerCommitted
		}
		// The ledger must reflect what was written even when the caller
		// has gone away.
		if err := c.store.FinishBatch(context.WithoutCancel(ctx), batch.ID, state); err != nil {
			log.Errorw("failed to close commit ledger", "error", err)
		}
	}

	result.Duration = time.Since(start)
	span.SetAttributes(
		attribute.String("import.outcome", string(result.Outcome)),
		attribute.Int("import.committed", result.Counts.Committed),
		attribute.Int("import.failed", result.Counts.Failed),
	)
	log.Infow("import commit finished",
		"outcome", result.Outcome,
		"committed", result.Counts.Committed,
		"rejected", result.Counts.Rejected,
		"skipped", result.Counts.Skipped,
		"failed", result.Counts.Failed,
		"cancelled", result.Cancelled,
		"duration_ms", result.Duration.Milliseconds(),
	)
	return result, nil
}

// loadTemplate reads and parses the project's active milestone template.
func (c *Coordinator) loadTemplate(ctx context.Context, projectID uuid.UUID) (*MilestoneTemplate, error) {
	rec, err := c.store.ActiveMilestoneTemplate(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("load milestone template: %w", err)
	}
	tpl, err := ParseMilestoneTemplate(rec.Document)
	if err != nil {
		return nil, fmt.Errorf("template %s: %w", rec.ID, err)
	}
	tpl.ID = rec.ID
	tpl.ProjectID = rec.ProjectID
	if rec.Version > 0 {
		tpl.Version = rec.Version
	}
	return tpl, nil
}

// commitSubBatch runs one sub-batch transaction, retrying while a drawing
// it needs is locked by another import.
func (c *Coordinator) commitSubBatch(ctx context.Context, batch *ImportBatch, index int, rows []*CandidateRow, tpl *MilestoneTemplate) (Reconciliation, error) {
	ctx, span := c.tracer.Start(ctx, "import.commit.sub_batch", trace.WithAttributes(
		attribute.Int("import.sub_batch", index),
		attribute.Int("import.rows", len(rows)),
	))
	defer span.End()
	start := time.Now()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.LockBackoff
	b.MaxInterval = 20 * c.cfg.LockBackoff

	op := func() (Reconciliation, error) {
		txCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.SubBatchTimeout)
		defer cancel()

		var rec Reconciliation
		err := c.store.WithTx(txCtx, func(tx StoreTx) error {
			var err error
			rec, err = c.writeSubBatch(txCtx, tx, batch, index, rows, tpl)
			return err
		})
		if err == nil {
			return rec, nil
		}
		if errors.Is(err, ErrDrawingLocked) {
			return Reconciliation{}, err
		}
		return Reconciliation{}, backoff.Permanent(err)
	}

	rec, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.cfg.LockAttempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			metrics.LockRetries.Inc()
			logging.FromContext(ctx).Debugw("drawing locked, retrying sub-batch",
				"sub_batch", index, "wait_ms", wait.Milliseconds(), "error", err)
		}),
	)
	if err != nil {
		metrics.RecordSubBatch("failed", len(rows), time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		var le *LineError
		if errors.As(err, &le) {
			return Reconciliation{}, &SubBatchError{Index: index, Line: le.Line, Err: le.Err}
		}
		return Reconciliation{}, &SubBatchError{Index: index, Err: err}
	}

	metrics.RecordSubBatch("committed", len(rows), time.Since(start))
	return rec, nil
}

// writeSubBatch is the body of one sub-batch transaction.
func (c *Coordinator) writeSubBatch(ctx context.Context, tx StoreTx, batch *ImportBatch, index int, rows []*CandidateRow, tpl *MilestoneTemplate) (Reconciliation, error) {
	numbers := distinctDrawings(rows)

	// Every drawing is locked before any count is read.
	for _, n := range numbers {
		ok, err := tx.TryLockDrawing(ctx, batch.ProjectID, n)
		if err != nil {
			return Reconciliation{}, fmt.Errorf("lock drawing %s: %w", n, err)
		}
		if !ok {
			return Reconciliation{}, fmt.Errorf("%w: %s", ErrDrawingLocked, n)
		}
	}

	drawings := make(map[string]Drawing, len(numbers))
	for _, n := range numbers {
		d, err := tx.EnsureDrawing(ctx, batch.ProjectID, n, batch.AutoCreateDrawings)
		if err != nil {
			return Reconciliation{}, fmt.Errorf("drawing %s: %w", n, err)
		}
		drawings[n] = d
	}

	// Reconcile copies so a rolled back drawing id never leaks into the session.
	work := make([]*CandidateRow, len(rows))
	identifiers := make(map[uuid.UUID][]string)
	seen := make(map[InstanceKey]bool)
	for i, r := range rows {
		cp := *r
		cp.DrawingID = drawings[r.Value(FieldDrawingNumber)].ID
		work[i] = &cp

		key := InstanceKey{DrawingID: cp.DrawingID, Identifier: cp.Value(FieldComponentIdentifier)}
		if !seen[key] {
			seen[key] = true
			identifiers[key.DrawingID] = append(identifiers[key.DrawingID], key.Identifier)
		}
	}

	existing := make(map[InstanceKey]InstanceStats)
	for _, n := range numbers {
		drawingID := drawings[n].ID
		stats, err := tx.InstanceStats(ctx, drawingID, identifiers[drawingID])
		if err != nil {
			return Reconciliation{}, fmt.Errorf("instance stats for %s: %w", n, err)
		}
		for ident, s := range stats {
			existing[InstanceKey{DrawingID: drawingID, Identifier: ident}] = s
		}
	}

	rec := Reconcile(work, existing)

	now := c.now()
	components := make([]Component, 0, len(rec.Rows))
	audits := make([]AuditLogEntry, 0, len(rec.Rows))
	var milestones []ComponentMilestone
	lines := make([]int, 0, len(rec.Rows))

	for i := range rec.Rows {
		r := &rec.Rows[i]
		r.ComponentID = uuid.New()

		comp, err := newComponent(batch, r, now)
		if err != nil {
			return Reconciliation{}, &LineError{Line: r.Row.Line, Err: err}
		}
		defs, err := tpl.MilestonesFor(comp.Type)
		if err != nil {
			return Reconciliation{}, &LineError{Line: r.Row.Line, Err: err}
		}
		for _, d := range defs {
			milestones = append(milestones, ComponentMilestone{
				ID:          uuid.New(),
				ComponentID: comp.ID,
				Name:        d.Name,
				Sequence:    d.Sequence,
				IsCompleted: false,
			})
		}
		entry, err := newImportAuditEntry(ctx, batch, r, index, len(defs), now)
		if err != nil {
			return Reconciliation{}, &LineError{Line: r.Row.Line, Err: err}
		}

		components = append(components, comp)
		audits = append(audits, entry)
		lines = append(lines, r.Row.Line)
	}

	if err := tx.InsertComponents(ctx, components); err != nil {
		return Reconciliation{}, fmt.Errorf("insert components: %w", err)
	}
	if err := tx.InsertMilestones(ctx, milestones); err != nil {
		return Reconciliation{}, fmt.Errorf("insert milestones: %w", err)
	}
	for _, g := range rec.Groups {
		if g.Existing == 0 {
			continue
		}
		if err := tx.SetTotalInstances(ctx, g.Key.DrawingID, g.Key.Identifier, g.Total); err != nil {
			return Reconciliation{}, fmt.Errorf("update totals for %s: %w", g.Key.Identifier, err)
		}
	}
	if err := tx.InsertAuditEntries(ctx, audits); err != nil {
		return Reconciliation{}, fmt.Errorf("insert audit entries: %w", err)
	}
	if err := tx.RecordSubBatch(ctx, SubBatchRecord{
		BatchID:     batch.ID,
		Index:       index,
		Lines:       lines,
		CommittedAt: now,
	}); err != nil {
		return Reconciliation{}, fmt.Errorf("record sub-batch: %w", err)
	}
	return rec, nil
}

// newComponent maps a reconciled row onto the persisted Component.
func newComponent(batch *ImportBatch, r *ReconciledRow, now time.Time) (Component, error) {
	row := r.Row
	comp := Component{
		ID:                      r.ComponentID,
		ProjectID:               batch.ProjectID,
		DrawingID:               r.DrawingID,
		Identifier:              row.Value(FieldComponentIdentifier),
		InstanceNumber:          r.InstanceNumber,
		TotalInstancesOnDrawing: r.TotalInstances,
		Type:                    row.Value(FieldComponentType),
		Description:             ToPgText(row.Value(FieldDescription)),
		Size:                    ToPgText(row.Value(FieldSize)),
		MaterialSpec:            ToPgText(row.Value(FieldMaterialSpec)),
		Area:                    ToPgText(row.Value(FieldArea)),
		System:                  ToPgText(row.Value(FieldSystem)),
		TestPackage:             ToPgText(row.Value(FieldTestPackage)),
		CommodityCode:           ToPgText(row.Value(FieldCommodityCode)),
		ReceivedDate:            ToPgDate(row.Value(FieldReceivedDate)),
		ImportBatchID:           batch.ID,
		CreatedBy:               batch.ActorID,
		CreatedAt:               now,
	}
	if comp.Type == "" {
		comp.Type = DefaultComponentType
	}
	if len(row.Attributes) > 0 {
		attrs, err := json.Marshal(row.Attributes)
		if err != nil {
			return Component{}, fmt.Errorf("marshal attributes: %w", err)
		}
		comp.Attributes = attrs
	}
	return comp, nil
}

// distinctDrawings returns the sorted drawing numbers referenced by rows.
func distinctDrawings(rows []*CandidateRow) []string {
	set := make(map[string]struct{})
	for _, r := range rows {
		set[r.Value(FieldDrawingNumber)] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func markSkipped(outcomes []RowOutcome, idx []int, reason string) {
	for _, i := range idx {
		outcomes[i].Status = RowSkipped
		outcomes[i].Reason = reason
	}
}

func joinWarnings(ws []ValidationError) string {
	parts := make([]string, len(ws))
	for i, w := range ws {
		parts[i] = w.Message
	}
	return strings.Join(parts, "; ")
}

func alreadyCommittedResult(batchID uuid.UUID, ledger BatchLedger) *CommitResult {
	return &CommitResult{
		BatchID:          batchID.String(),
		Outcome:          OutcomeFullySaved,
		AlreadyCommitted: true,
		Counts:           CommitCounts{Committed: len(ledger.CommittedLines)},
	}
}
