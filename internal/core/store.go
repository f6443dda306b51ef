package core

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the persistent storage the pipeline reads from and commits into.
// Implementations: database.Store (Postgres) and memstore.Store.
type Store interface {
	// FindDrawings returns the existing drawings among numbers, keyed by
	// normalized drawing number. Missing numbers are simply absent.
	FindDrawings(ctx context.Context, projectID uuid.UUID, numbers []string) (DrawingLookup, error)

	// ActiveMilestoneTemplate returns the stored template document.
	// Returns ErrNoMilestoneTemplate when the project has none.
	ActiveMilestoneTemplate(ctx context.Context, projectID uuid.UUID) (TemplateRecord, error)

	// BatchLedger returns the commit ledger for a batch. ok is false when
	// the batch was never committed.
	BatchLedger(ctx context.Context, batchID uuid.UUID) (ledger BatchLedger, ok bool, err error)

	// BeginBatch creates or refreshes the ledger header before sub-batches run.
	BeginBatch(ctx context.Context, ledger BatchLedger) error

	// FinishBatch records the final ledger state of a commit attempt.
	FinishBatch(ctx context.Context, batchID uuid.UUID, state LedgerState) error

	// WithTx runs fn in one transaction. A non-nil error from fn rolls back.
	WithTx(ctx context.Context, fn func(tx StoreTx) error) error

	// ListAuditEntries returns one page of the audit entries a batch wrote,
	// oldest first, and the total number of entries for the batch.
	ListAuditEntries(ctx context.Context, batchID uuid.UUID, limit, offset int) ([]AuditLogEntry, int, error)
}

// StoreTx is the write surface available inside one sub-batch transaction.
type StoreTx interface {
	// TryLockDrawing takes the per-drawing lock for the rest of the
	// transaction. It returns false when another transaction holds it.
	TryLockDrawing(ctx context.Context, projectID uuid.UUID, drawingNumber string) (bool, error)

	// EnsureDrawing returns the drawing, creating it when create is set.
	// Returns ErrDrawingNotFound when it is absent and create is false.
	EnsureDrawing(ctx context.Context, projectID uuid.UUID, drawingNumber string, create bool) (Drawing, error)

	// InstanceStats returns count and max instance per identifier on a drawing.
	InstanceStats(ctx context.Context, drawingID uuid.UUID, identifiers []string) (map[string]InstanceStats, error)

	InsertComponents(ctx context.Context, components []Component) error

	// SetTotalInstances writes total onto every instance of identifier on the drawing.
	SetTotalInstances(ctx context.Context, drawingID uuid.UUID, identifier string, total int) error

	InsertMilestones(ctx context.Context, milestones []ComponentMilestone) error
	InsertAuditEntries(ctx context.Context, entries []AuditLogEntry) error

	// RecordSubBatch marks lines as committed for the batch. Returns
	// ErrRowAlreadyCommitted when any line was recorded before.
	RecordSubBatch(ctx context.Context, rec SubBatchRecord) error
}

// TemplateRecord is a stored milestone template before parsing.
type TemplateRecord struct {
	ID        uuid.UUID
	ProjectID uuid.UUID
	Version   int
	Document  []byte
}

// LedgerState is the persisted commit state of a batch.
type LedgerState string

const (
	LedgerCommitting LedgerState = "committing"
	LedgerPartial    LedgerState = "partial"
	LedgerCommitted  LedgerState = "committed"
)

// BatchLedger is the durable commit record of an ImportBatch. It outlives
// the session so a retried commit never writes a row twice.
type BatchLedger struct {
	BatchID          uuid.UUID
	ProjectID        uuid.UUID
	ActorID          string
	IdempotencyToken string
	SubBatchSize     int
	State            LedgerState
	CommittedLines   []int
	LastSubBatch     int // highest recorded sub-batch index, 0 when none
	UpdatedAt        time.Time
}

// SubBatchRecord is one committed sub-batch.
type SubBatchRecord struct {
	BatchID     uuid.UUID
	Index       int
	Lines       []int
	CommittedAt time.Time
}

// SessionStore holds staged ImportBatches between upload and commit.
// Entries expire after the store's TTL.
type SessionStore interface {
	Save(ctx context.Context, batch *ImportBatch) error
	// Load returns ErrBatchNotFound for unknown or expired batches.
	Load(ctx context.Context, batchID uuid.UUID) (*ImportBatch, error)
	Delete(ctx context.Context, batchID uuid.UUID) error
}

// Authorizer decides whether an actor may import into a project.
type Authorizer interface {
	AuthorizeImport(ctx context.Context, actorID string, projectID uuid.UUID) error
}

// AllowAll authorizes every non-empty actor.
type AllowAll struct{}

func (AllowAll) AuthorizeImport(_ context.Context, actorID string, _ uuid.UUID) error {
	if actorID == "" {
		return ErrUnauthorized
	}
	return nil
}

// FileArchive keeps a copy of uploaded source files.
type FileArchive interface {
	Put(ctx context.Context, projectID, batchID uuid.UUID, fileName, contentType string, data []byte) error
}
