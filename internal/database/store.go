// Package database is the Postgres implementation of core.Store.
package database

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/pipeimport/internal/core"
)

//go:embed schema.sql
var schemaSQL string

// Postgres error codes
const (
	codeUniqueViolation  = "23505"
	codeLockNotAvailable = "55P03"
)

// DBTX is the query surface shared by the pool and a transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
}

// Store persists imports in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

var _ core.Store = (*Store)(nil)

// NewStore wraps a connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate creates any missing tables and indexes.
func Migrate(ctx context.Context, db DBTX) error {
	if _, err := db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// ActivateTemplate installs doc as the project's active milestone template,
// deactivating any previous version.
func (s *Store) ActivateTemplate(ctx context.Context, projectID uuid.UUID, doc []byte) (core.TemplateRecord, error) {
	if _, err := core.ParseMilestoneTemplate(doc); err != nil {
		return core.TemplateRecord{}, err
	}

	var rec core.TemplateRecord
	err := s.WithTx(ctx, func(tx core.StoreTx) error {
		q := tx.(*storeTx).q
		if _, err := q.Exec(ctx, `UPDATE milestone_templates SET is_active = false WHERE project_id = $1 AND is_active`, projectID); err != nil {
			return fmt.Errorf("deactivate template: %w", err)
		}
		rec = core.TemplateRecord{ID: uuid.New(), ProjectID: projectID, Document: doc}
		return q.QueryRow(ctx, `
			INSERT INTO milestone_templates (id, project_id, version, document, is_active)
			VALUES ($1, $2, COALESCE((SELECT max(version) FROM milestone_templates WHERE project_id = $2), 0) + 1, $3, true)
			RETURNING version`,
			rec.ID, projectID, string(doc),
		).Scan(&rec.Version)
	})
	if err != nil {
		return core.TemplateRecord{}, fmt.Errorf("activate template: %w", err)
	}
	return rec, nil
}

func (s *Store) FindDrawings(ctx context.Context, projectID uuid.UUID, numbers []string) (core.DrawingLookup, error) {
	out := make(core.DrawingLookup, len(numbers))
	if len(numbers) == 0 {
		return out, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, project_id, number FROM drawings WHERE project_id = $1 AND number = ANY($2)`,
		projectID, numbers)
	if err != nil {
		return nil, fmt.Errorf("find drawings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var d core.Drawing
		if err := rows.Scan(&d.ID, &d.ProjectID, &d.Number); err != nil {
			return nil, fmt.Errorf("scan drawing: %w", err)
		}
		out[d.Number] = d
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate drawings: %w", err)
	}
	return out, nil
}

func (s *Store) ActiveMilestoneTemplate(ctx context.Context, projectID uuid.UUID) (core.TemplateRecord, error) {
	var rec core.TemplateRecord
	err := s.pool.QueryRow(ctx, `
		SELECT id, project_id, version, document
		FROM milestone_templates
		WHERE project_id = $1 AND is_active
		ORDER BY version DESC
		LIMIT 1`, projectID,
	).Scan(&rec.ID, &rec.ProjectID, &rec.Version, &rec.Document)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.TemplateRecord{}, core.ErrNoMilestoneTemplate
	}
	if err != nil {
		return core.TemplateRecord{}, fmt.Errorf("query milestone template: %w", err)
	}
	return rec, nil
}

func (s *Store) BatchLedger(ctx context.Context, batchID uuid.UUID) (core.BatchLedger, bool, error) {
	var (
		l     core.BatchLedger
		state string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT batch_id, project_id, actor_id, idempotency_token, sub_batch_size, state, last_sub_batch, updated_at
		FROM import_batches WHERE batch_id = $1`, batchID,
	).Scan(&l.BatchID, &l.ProjectID, &l.ActorID, &l.IdempotencyToken, &l.SubBatchSize, &state, &l.LastSubBatch, &l.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.BatchLedger{}, false, nil
	}
	if err != nil {
		return core.BatchLedger{}, false, fmt.Errorf("query import batch: %w", err)
	}
	l.State = core.LedgerState(state)

	rows, err := s.pool.Query(ctx, `SELECT line FROM import_sub_batches WHERE batch_id = $1 ORDER BY line`, batchID)
	if err != nil {
		return core.BatchLedger{}, false, fmt.Errorf("query committed lines: %w", err)
	}
	l.CommittedLines, err = pgx.CollectRows(rows, pgx.RowTo[int])
	if err != nil {
		return core.BatchLedger{}, false, fmt.Errorf("scan committed lines: %w", err)
	}
	return l, true, nil
}

func (s *Store) BeginBatch(ctx context.Context, l core.BatchLedger) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO import_batches (batch_id, project_id, actor_id, idempotency_token, sub_batch_size, state, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (batch_id) DO UPDATE
		SET state = EXCLUDED.state,
		    idempotency_token = EXCLUDED.idempotency_token,
		    updated_at = EXCLUDED.updated_at`,
		l.BatchID, l.ProjectID, l.ActorID, l.IdempotencyToken, l.SubBatchSize, string(l.State), l.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("open import batch: %w", err)
	}
	return nil
}

func (s *Store) FinishBatch(ctx context.Context, batchID uuid.UUID, state core.LedgerState) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE import_batches SET state = $2, updated_at = now() WHERE batch_id = $1`,
		batchID, string(state))
	if err != nil {
		return fmt.Errorf("close import batch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("close import batch %s: %w", batchID, core.ErrBatchNotFound)
	}
	return nil
}

// WithTx runs fn in a transaction. Advisory locks taken inside are released
// at commit or rollback.
func (s *Store) WithTx(ctx context.Context, fn func(core.StoreTx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&storeTx{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type storeTx struct {
	q DBTX
}

// drawingLockKey derives the advisory lock key for a drawing.
func drawingLockKey(projectID uuid.UUID, number string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("drawing:"))
	_, _ = h.Write(projectID[:])
	_, _ = h.Write([]byte{':'})
	_, _ = h.Write([]byte(number))
	return int64(h.Sum64())
}

func (t *storeTx) TryLockDrawing(ctx context.Context, projectID uuid.UUID, number string) (bool, error) {
	var ok bool
	err := t.q.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock($1)`, drawingLockKey(projectID, number)).Scan(&ok)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == codeLockNotAvailable {
			return false, nil
		}
		return false, err
	}
	return ok, nil
}

func (t *storeTx) EnsureDrawing(ctx context.Context, projectID uuid.UUID, number string, create bool) (core.Drawing, error) {
	d := core.Drawing{ProjectID: projectID, Number: number}
	err := t.q.QueryRow(ctx,
		`SELECT id FROM drawings WHERE project_id = $1 AND number = $2`,
		projectID, number,
	).Scan(&d.ID)
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return core.Drawing{}, fmt.Errorf("query drawing: %w", err)
	}
	if !create {
		return core.Drawing{}, core.ErrDrawingNotFound
	}

	err = t.q.QueryRow(ctx, `
		INSERT INTO drawings (id, project_id, number)
		VALUES ($1, $2, $3)
		ON CONFLICT (project_id, number) DO UPDATE SET number = EXCLUDED.number
		RETURNING id`,
		uuid.New(), projectID, number,
	).Scan(&d.ID)
	if err != nil {
		return core.Drawing{}, fmt.Errorf("create drawing: %w", err)
	}
	return d, nil
}

func (t *storeTx) InstanceStats(ctx context.Context, drawingID uuid.UUID, identifiers []string) (map[string]core.InstanceStats, error) {
	rows, err := t.q.Query(ctx, `
		SELECT identifier, count(*), max(instance_number)
		FROM components
		WHERE drawing_id = $1 AND identifier = ANY($2)
		GROUP BY identifier`, drawingID, identifiers)
	if err != nil {
		return nil, fmt.Errorf("query instance stats: %w", err)
	}
	defer rows.Close()

	out := make(map[string]core.InstanceStats)
	for rows.Next() {
		var (
			id    string
			count int64
			maxN  int32
		)
		if err := rows.Scan(&id, &count, &maxN); err != nil {
			return nil, fmt.Errorf("scan instance stats: %w", err)
		}
		out[id] = core.InstanceStats{Count: int(count), MaxInstance: int(maxN)}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate instance stats: %w", err)
	}
	return out, nil
}

var componentColumns = []string{
	"id", "project_id", "drawing_id", "identifier", "instance_number", "total_instances_on_drawing",
	"component_type", "description", "size", "material_spec", "area", "system", "test_package",
	"commodity_code", "received_date", "attributes", "import_batch_id", "created_by", "created_at",
}

func (t *storeTx) InsertComponents(ctx context.Context, components []core.Component) error {
	rows := make([][]any, len(components))
	for i, c := range components {
		attrs := []byte(c.Attributes)
		if len(attrs) == 0 {
			attrs = []byte("{}")
		}
		rows[i] = []any{
			c.ID, c.ProjectID, c.DrawingID, c.Identifier, int32(c.InstanceNumber), int32(c.TotalInstancesOnDrawing),
			c.Type, c.Description, c.Size, c.MaterialSpec, c.Area, c.System, c.TestPackage,
			c.CommodityCode, c.ReceivedDate, attrs, nullUUID(c.ImportBatchID), c.CreatedBy, c.CreatedAt,
		}
	}
	if _, err := t.q.CopyFrom(ctx, pgx.Identifier{"components"}, componentColumns, pgx.CopyFromRows(rows)); err != nil {
		return fmt.Errorf("insert components: %w", err)
	}
	return nil
}

func (t *storeTx) SetTotalInstances(ctx context.Context, drawingID uuid.UUID, identifier string, total int) error {
	_, err := t.q.Exec(ctx,
		`UPDATE components SET total_instances_on_drawing = $3 WHERE drawing_id = $1 AND identifier = $2`,
		drawingID, identifier, int32(total))
	if err != nil {
		return fmt.Errorf("update instance totals for %s: %w", identifier, err)
	}
	return nil
}

func (t *storeTx) InsertMilestones(ctx context.Context, milestones []core.ComponentMilestone) error {
	rows := make([][]any, len(milestones))
	for i, m := range milestones {
		rows[i] = []any{m.ID, m.ComponentID, m.Name, int32(m.Sequence), m.IsCompleted, m.EffectiveDate}
	}
	_, err := t.q.CopyFrom(ctx, pgx.Identifier{"component_milestones"},
		[]string{"id", "component_id", "name", "sequence", "is_completed", "effective_date"},
		pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("insert milestones: %w", err)
	}
	return nil
}

func (t *storeTx) InsertAuditEntries(ctx context.Context, entries []core.AuditLogEntry) error {
	rows := make([][]any, len(entries))
	for i, e := range entries {
		rows[i] = []any{e.ID, e.ProjectID, e.ActorID, string(e.Action), nullUUID(e.TargetComponentID), nullUUID(e.BatchID), e.Timestamp, []byte(e.Payload)}
	}
	_, err := t.q.CopyFrom(ctx, pgx.Identifier{"audit_log"},
		[]string{"id", "project_id", "actor_id", "action", "target_component_id", "batch_id", "created_at", "payload"},
		pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("insert audit entries: %w", err)
	}
	return nil
}

func (t *storeTx) RecordSubBatch(ctx context.Context, rec core.SubBatchRecord) error {
	rows := make([][]any, len(rec.Lines))
	for i, line := range rec.Lines {
		rows[i] = []any{rec.BatchID, int32(line), int32(rec.Index), rec.CommittedAt}
	}
	_, err := t.q.CopyFrom(ctx, pgx.Identifier{"import_sub_batches"},
		[]string{"batch_id", "line", "sub_batch", "committed_at"},
		pgx.CopyFromRows(rows))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
			return fmt.Errorf("sub-batch %d: %w", rec.Index, core.ErrRowAlreadyCommitted)
		}
		return fmt.Errorf("record sub-batch %d: %w", rec.Index, err)
	}

	_, err = t.q.Exec(ctx, `
		UPDATE import_batches
		SET last_sub_batch = GREATEST(last_sub_batch, $2), updated_at = $3
		WHERE batch_id = $1`,
		rec.BatchID, int32(rec.Index), rec.CommittedAt)
	if err != nil {
		return fmt.Errorf("advance import batch: %w", err)
	}
	return nil
}

func (s *Store) ListAuditEntries(ctx context.Context, batchID uuid.UUID, limit, offset int) ([]core.AuditLogEntry, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM audit_log WHERE batch_id = $1`, batchID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count audit entries: %w", err)
	}
	if total == 0 || offset >= total {
		return nil, total, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, project_id, actor_id, action, target_component_id, batch_id, created_at, payload
		FROM audit_log
		WHERE batch_id = $1
		ORDER BY created_at, id
		LIMIT $2 OFFSET $3`,
		batchID, int32(limit), int32(offset))
	if err != nil {
		return nil, 0, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	entries := make([]core.AuditLogEntry, 0, min(limit, total))
	for rows.Next() {
		var (
			e       core.AuditLogEntry
			action  string
			target  pgtype.UUID
			batch   pgtype.UUID
			payload []byte
		)
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.ActorID, &action, &target, &batch, &e.Timestamp, &payload); err != nil {
			return nil, 0, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Action = core.AuditAction(action)
		if target.Valid {
			e.TargetComponentID = target.Bytes
		}
		if batch.Valid {
			e.BatchID = batch.Bytes
		}
		e.Payload = payload
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("read audit entries: %w", err)
	}
	return entries, total, nil
}

func nullUUID(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: id != uuid.Nil}
}

// Ping verifies connectivity within timeout.
func (s *Store) Ping(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.pool.Ping(ctx)
}
