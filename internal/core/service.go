package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/JonMunkholm/pipeimport/internal/logging"
	"github.com/JonMunkholm/pipeimport/internal/metrics"
)

// Service defaults, used when ServiceConfig leaves a field zero.
const (
	DefaultMaxFileSize    = 50 << 20
	DefaultMaxRows        = 50000
	DefaultSoftBudget     = 5 * time.Second
	DefaultProcessTimeout = 5 * time.Minute
	// SpreadsheetExpansionFactor bounds the unzipped size of a spreadsheet
	// relative to MaxFileSize when MaxExpandedSize is unset.
	SpreadsheetExpansionFactor = 10
	archiveTimeout             = 30 * time.Second
)

// ServiceConfig bounds upload preparation and commit.
type ServiceConfig struct {
	MaxFileSize     int64
	MaxExpandedSize int64
	MaxRows         int
	PreviewRows     int
	SoftBudget      time.Duration
	ProcessTimeout  time.Duration
	ValidateWorkers int
	MaxConcurrent   int
	MaxWait         time.Duration
	Commit          CommitConfig
}

// Service is the import pipeline facade used by the HTTP layer.
type Service struct {
	store       Store
	sessions    SessionStore
	auth        Authorizer
	archive     FileArchive
	mapper      *Mapper
	coordinator *Coordinator
	limiter     *ImportLimiter
	cfg         ServiceConfig
	tracer      trace.Tracer
	now         func() time.Time

	batchLocks keyedMutex

	mu      sync.Mutex
	commits map[uuid.UUID]context.CancelFunc

	background sync.WaitGroup
}

// Option configures optional Service collaborators.
type Option func(*Service)

// WithAuthorizer sets the project authorization collaborator.
func WithAuthorizer(a Authorizer) Option {
	return func(s *Service) { s.auth = a }
}

// WithArchive enables archiving of uploaded source files.
func WithArchive(a FileArchive) Option {
	return func(s *Service) { s.archive = a }
}

// WithMapper replaces the default column mapper.
func WithMapper(m *Mapper) Option {
	return func(s *Service) { s.mapper = m }
}

// NewService wires the pipeline over a store and a session store.
func NewService(store Store, sessions SessionStore, cfg ServiceConfig, opts ...Option) *Service {
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = DefaultMaxFileSize
	}
	if cfg.MaxExpandedSize <= 0 {
		cfg.MaxExpandedSize = cfg.MaxFileSize * SpreadsheetExpansionFactor
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = DefaultMaxRows
	}
	if cfg.PreviewRows <= 0 {
		cfg.PreviewRows = DefaultPreviewRows
	}
	if cfg.SoftBudget <= 0 {
		cfg.SoftBudget = DefaultSoftBudget
	}
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = DefaultProcessTimeout
	}
	if cfg.ValidateWorkers <= 0 {
		cfg.ValidateWorkers = 1
	}

	s := &Service{
		store:       store,
		sessions:    sessions,
		auth:        AllowAll{},
		mapper:      NewMapper(DefaultAliases(), DefaultFuzzyThreshold),
		coordinator: NewCoordinator(store, cfg.Commit),
		limiter:     NewImportLimiter(cfg.MaxConcurrent, cfg.MaxWait),
		cfg:         cfg,
		tracer:      otel.Tracer(tracerName),
		now:         func() time.Time { return time.Now().UTC() },
		commits:     make(map[uuid.UUID]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// UploadRequest is one file submitted for import.
type UploadRequest struct {
	ProjectID          uuid.UUID
	ActorID            string
	FileName           string
	ContentType        string
	Data               []byte
	AutoCreateDrawings bool
	Overrides          ColumnMapping
}

// prepJob hands a preparation off between the request and the background
// goroutine once the soft budget elapses.
type prepJob struct {
	mu       sync.Mutex
	finished bool
	detached bool
}

// Upload parses, maps and validates a file. If preparation finishes within
// the soft budget the full preview is returned. Otherwise a preview in state
// processing is returned and the batch is completed in the background.
//
// Ingestion errors that surface within the budget are returned directly and
// leave no batch behind.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (*Preview, error) {
	if err := s.auth.AuthorizeImport(ctx, req.ActorID, req.ProjectID); err != nil {
		return nil, err
	}
	if int64(len(req.Data)) > s.cfg.MaxFileSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrFileTooLarge, len(req.Data), s.cfg.MaxFileSize)
	}
	format, err := DetectFormat(req.ContentType, req.FileName)
	if err != nil {
		return nil, err
	}

	if err := s.limiter.Acquire(ctx, JobPrepare); err != nil {
		return nil, err
	}

	now := s.now()
	batch := &ImportBatch{
		ID:                 uuid.New(),
		ProjectID:          req.ProjectID,
		ActorID:            req.ActorID,
		FileName:           req.FileName,
		AutoCreateDrawings: req.AutoCreateDrawings,
		State:              BatchProcessing,
		Overrides:          req.Overrides,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	ctx = logging.ContextWithFields(ctx, "batch_id", batch.ID, "project_id", batch.ProjectID)
	log := logging.FromContext(ctx)

	job := &prepJob{}
	done := make(chan error, 1)

	s.background.Add(1)
	go func() {
		defer s.background.Done()
		defer s.limiter.Release(JobPrepare)

		prepCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ProcessTimeout)
		defer cancel()

		rec := metrics.NewRecorder(string(format))
		start := time.Now()
		err := s.safePrepare(prepCtx, batch, format, req.Data)

		job.mu.Lock()
		job.finished = true
		detached := job.detached
		job.mu.Unlock()

		if err != nil {
			rec.RecordUpload("failed", time.Since(start))
			log.Warnw("import preparation failed", "error", err, "detached", detached)
			if detached {
				msg := MapError(err)
				batch.State = BatchFailed
				batch.Failure = &msg
				batch.UpdatedAt = s.now()
				if serr := s.sessions.Save(prepCtx, batch); serr != nil {
					log.Errorw("failed to record preparation failure", "error", serr)
				}
			}
			done <- err
			return
		}

		rec.RecordUpload(string(batch.State), time.Since(start))
		batch.UpdatedAt = s.now()
		if err := s.sessions.Save(prepCtx, batch); err != nil {
			log.Errorw("failed to save import session", "error", err)
			done <- fmt.Errorf("save import session: %w", err)
			return
		}
		log.Infow("import prepared",
			"state", batch.State,
			"rows", batch.Summary.TotalRows,
			"accepted", batch.Summary.Accepted,
			"rejected", batch.Summary.Rejected,
			"needs_review", batch.Summary.NeedsReview,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		done <- nil

		s.archiveSource(prepCtx, batch, req)
	}()

	timer := time.NewTimer(s.cfg.SoftBudget)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			return nil, err
		}
		return newPreview(batch, s.cfg.PreviewRows), nil
	case <-timer.C:
	case <-ctx.Done():
	}

	job.mu.Lock()
	defer job.mu.Unlock()
	if job.finished {
		// Finished while the timer fired; the result is already on done.
		if err := <-done; err != nil {
			return nil, err
		}
		return newPreview(batch, s.cfg.PreviewRows), nil
	}
	job.detached = true

	placeholder := &ImportBatch{
		ID:                 batch.ID,
		ProjectID:          batch.ProjectID,
		ActorID:            batch.ActorID,
		FileName:           batch.FileName,
		AutoCreateDrawings: batch.AutoCreateDrawings,
		State:              BatchProcessing,
		CreatedAt:          batch.CreatedAt,
		UpdatedAt:          batch.CreatedAt,
	}
	if err := s.sessions.Save(context.WithoutCancel(ctx), placeholder); err != nil {
		return nil, fmt.Errorf("save import session: %w", err)
	}
	log.Infow("import still processing after soft budget", "budget", s.cfg.SoftBudget)
	return newPreview(placeholder, s.cfg.PreviewRows), nil
}

// safePrepare converts a panic during preparation into an error so the
// batch is still marked failed.
func (s *Service) safePrepare(ctx context.Context, batch *ImportBatch, format Format, data []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logging.FromContext(ctx).Errorw("panic in import preparation", "panic", r)
			err = fmt.Errorf("internal error: %v", r)
		}
	}()
	return s.prepare(ctx, batch, format, data)
}

// prepare runs the File Parser, Column Mapper and Row Validator over data.
func (s *Service) prepare(ctx context.Context, batch *ImportBatch, format Format, data []byte) error {
	ctx, span := s.tracer.Start(ctx, "import.prepare", trace.WithAttributes(
		attribute.String("import.format", string(format)),
		attribute.Int("import.bytes", len(data)),
	))
	defer span.End()

	table, err := ParseFile(ctx, bytes.NewReader(data), format, ParseOptions{
		MaxRows:          s.cfg.MaxRows,
		MaxExpandedBytes: s.cfg.MaxExpandedSize,
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	batch.Table = table
	span.SetAttributes(attribute.Int("import.rows", len(table.Rows)))

	mapping, err := s.mapper.Apply(table.Headers, batch.Overrides)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return s.validate(ctx, batch, mapping)
}

// validate applies mapping to the batch's table and stores verdicts.
// A mapping without every required field leaves the batch in needs_mapping.
func (s *Service) validate(ctx context.Context, batch *ImportBatch, mapping MappingResult) error {
	batch.Mapping = mapping
	batch.Rows = nil
	batch.Summary = ValidationSummary{TotalRows: len(batch.Table.Rows)}

	if mapping.Err() != nil {
		batch.State = BatchNeedsMapping
		return nil
	}

	drawings, err := s.store.FindDrawings(ctx, batch.ProjectID, drawingNumbers(batch.Table, mapping))
	if err != nil {
		return fmt.Errorf("look up drawings: %w", err)
	}

	v := NewRowValidator(batch.Table.Headers, mapping, ValidateOptions{
		Drawings:           drawings,
		AutoCreateDrawings: batch.AutoCreateDrawings,
		Workers:            s.cfg.ValidateWorkers,
	})
	rows, summary, err := v.ValidateTable(ctx, batch.Table)
	if err != nil {
		return err
	}
	batch.Rows = rows
	batch.Summary = summary
	batch.State = BatchReady
	metrics.RecordVerdicts(summary.Accepted, summary.Rejected, summary.NeedsReview)
	return nil
}

// archiveSource stores the uploaded bytes when an archive is configured.
// Failure is logged and never fails the upload.
func (s *Service) archiveSource(ctx context.Context, batch *ImportBatch, req UploadRequest) {
	if s.archive == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, archiveTimeout)
	defer cancel()
	if err := s.archive.Put(ctx, batch.ProjectID, batch.ID, req.FileName, req.ContentType, req.Data); err != nil {
		logging.FromContext(ctx).Warnw("failed to archive source file", "error", err)
	}
}

// loadAuthorized loads a batch and checks the actor may act on its project.
func (s *Service) loadAuthorized(ctx context.Context, batchID uuid.UUID, actorID string) (*ImportBatch, error) {
	batch, err := s.sessions.Load(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if err := s.auth.AuthorizeImport(ctx, actorID, batch.ProjectID); err != nil {
		return nil, err
	}
	return batch, nil
}

// Get returns the current preview of a batch.
func (s *Service) Get(ctx context.Context, batchID uuid.UUID, actorID string) (*Preview, error) {
	batch, err := s.loadAuthorized(ctx, batchID, actorID)
	if err != nil {
		return nil, err
	}
	return newPreview(batch, s.cfg.PreviewRows), nil
}

// Rows returns one page of a batch's candidate rows.
func (s *Service) Rows(ctx context.Context, batchID uuid.UUID, actorID string, q RowsQuery) (*RowsPage, error) {
	batch, err := s.loadAuthorized(ctx, batchID, actorID)
	if err != nil {
		return nil, err
	}
	if batch.State == BatchProcessing || batch.State == BatchFailed {
		return nil, fmt.Errorf("%w: state %s", ErrBatchNotReady, batch.State)
	}
	return pageRows(batch, q), nil
}

// Remap replaces the manual overrides of a batch and re-runs validation.
func (s *Service) Remap(ctx context.Context, batchID uuid.UUID, actorID string, overrides ColumnMapping) (*Preview, error) {
	unlock := s.batchLocks.Lock(batchID)
	defer unlock()

	if s.committing(batchID) {
		return nil, ErrCommitInProgress
	}
	batch, err := s.loadAuthorized(ctx, batchID, actorID)
	if err != nil {
		return nil, err
	}
	if batch.State != BatchReady && batch.State != BatchNeedsMapping {
		return nil, fmt.Errorf("%w: state %s", ErrBatchNotReady, batch.State)
	}
	if _, found, err := s.store.BatchLedger(ctx, batchID); err != nil {
		return nil, fmt.Errorf("read commit ledger: %w", err)
	} else if found {
		return nil, fmt.Errorf("%w: batch has committed rows", ErrBatchNotReady)
	}

	mapping, err := s.mapper.Apply(batch.Table.Headers, overrides)
	if err != nil {
		return nil, err
	}
	batch.Overrides = overrides
	if err := s.validate(ctx, batch, mapping); err != nil {
		return nil, err
	}
	batch.UpdatedAt = s.now()
	if err := s.sessions.Save(ctx, batch); err != nil {
		return nil, fmt.Errorf("save import session: %w", err)
	}

	logging.FromContext(ctx).Infow("import remapped",
		"batch_id", batchID, "state", batch.State, "overrides", len(overrides))
	return newPreview(batch, s.cfg.PreviewRows), nil
}

// Commit persists a prepared batch. A batch whose ledger shows it fully
// committed returns alreadyCommitted without writing anything, even after
// its session has expired.
func (s *Service) Commit(ctx context.Context, batchID uuid.UUID, actorID string, opts CommitOptions) (*CommitResult, error) {
	commitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	batch, err := s.beginCommit(commitCtx, batchID, actorID, cancel)
	if err != nil {
		if errors.Is(err, ErrBatchNotFound) {
			return s.committedWithoutSession(ctx, batchID, err)
		}
		return nil, err
	}
	defer s.endCommit(batchID)

	if err := s.limiter.Acquire(ctx, JobCommit); err != nil {
		return nil, err
	}
	defer s.limiter.Release(JobCommit)

	result, err := s.coordinator.Commit(commitCtx, batch, opts)
	if err != nil {
		return nil, err
	}

	if result.Outcome == OutcomeFullySaved || result.AlreadyCommitted {
		if err := s.sessions.Delete(context.WithoutCancel(ctx), batchID); err != nil {
			logging.FromContext(ctx).Warnw("failed to delete import session", "batch_id", batchID, "error", err)
		}
	}
	return result, nil
}

// beginCommit loads and checks the batch and registers the commit as in
// flight, all under the batch lock so Remap cannot interleave.
func (s *Service) beginCommit(ctx context.Context, batchID uuid.UUID, actorID string, cancel context.CancelFunc) (*ImportBatch, error) {
	unlock := s.batchLocks.Lock(batchID)
	defer unlock()

	batch, err := s.loadAuthorized(ctx, batchID, actorID)
	if err != nil {
		return nil, err
	}
	switch batch.State {
	case BatchReady:
	case BatchNeedsMapping:
		return nil, batch.Mapping.Err()
	default:
		return nil, fmt.Errorf("%w: state %s", ErrBatchNotReady, batch.State)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, running := s.commits[batchID]; running {
		return nil, ErrCommitInProgress
	}
	s.commits[batchID] = cancel
	return batch, nil
}

func (s *Service) endCommit(batchID uuid.UUID) {
	s.mu.Lock()
	delete(s.commits, batchID)
	s.mu.Unlock()
}

func (s *Service) committing(batchID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.commits[batchID]
	return ok
}

// committedWithoutSession answers a commit for a batch whose session is gone.
func (s *Service) committedWithoutSession(ctx context.Context, batchID uuid.UUID, notFound error) (*CommitResult, error) {
	ledger, found, err := s.store.BatchLedger(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("read commit ledger: %w", err)
	}
	if !found || ledger.State != LedgerCommitted {
		return nil, notFound
	}
	return alreadyCommittedResult(batchID, ledger), nil
}

// CancelCommit signals a running commit to stop after its current
// sub-batch. It reports whether a commit was running.
func (s *Service) CancelCommit(ctx context.Context, batchID uuid.UUID, actorID string) (bool, error) {
	if _, err := s.loadAuthorized(ctx, batchID, actorID); err != nil {
		return false, err
	}
	s.mu.Lock()
	cancel, ok := s.commits[batchID]
	s.mu.Unlock()
	if ok {
		cancel()
		logging.FromContext(ctx).Infow("import commit cancellation requested", "batch_id", batchID)
	}
	return ok, nil
}

// LimiterStatus reports import slot usage.
func (s *Service) LimiterStatus() LimiterStatus {
	return s.limiter.Status()
}

// WaitForImports blocks until background preparations and in-flight
// commits finish, or ctx is done.
func (s *Service) WaitForImports(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.background.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.limiter.WaitForDrain(ctx)
}

// keyedMutex serializes writers per batch id.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

// Lock locks id and returns its unlock func.
func (k *keyedMutex) Lock(id uuid.UUID) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[uuid.UUID]*keyedEntry)
	}
	e, ok := k.locks[id]
	if !ok {
		e = &keyedEntry{}
		k.locks[id] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}
