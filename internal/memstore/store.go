// Package memstore is an in-memory core.Store.
//
// Transactions stage their writes and apply them atomically on commit, so a
// failed sub-batch leaves nothing behind. Per-drawing locks are real: a
// second transaction asking for a held drawing gets false from
// TryLockDrawing until the holder commits or rolls back.
//
// Used by tests and by STORE_DRIVER=memory for local development.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/pipeimport/internal/core"
)

// Store holds all state in maps guarded by one mutex.
type Store struct {
	mu         sync.Mutex
	drawings   map[drawingKey]core.Drawing
	components map[uuid.UUID]core.Component
	milestones []core.ComponentMilestone
	audit      []core.AuditLogEntry
	templates  map[uuid.UUID]core.TemplateRecord
	ledgers    map[uuid.UUID]*core.BatchLedger
	defaultTpl []byte

	lockMu sync.Mutex
	locks  map[drawingKey]*tx

	// BeforeInsert runs for every staged component. A non-nil error fails
	// the transaction. Tests use it to inject failures and delays.
	BeforeInsert func(ctx context.Context, c core.Component) error

	// FailCommit fails every transaction at commit time when set.
	FailCommit error

	BeginCalls    int
	CommitCalls   int
	RollbackCalls int
}

type drawingKey struct {
	project uuid.UUID
	number  string
}

var _ core.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithDefaultTemplate serves doc to projects that have no template of their own.
func WithDefaultTemplate(doc []byte) Option {
	return func(s *Store) { s.defaultTpl = doc }
}

// New returns an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		drawings:   make(map[drawingKey]core.Drawing),
		components: make(map[uuid.UUID]core.Component),
		templates:  make(map[uuid.UUID]core.TemplateRecord),
		ledgers:    make(map[uuid.UUID]*core.BatchLedger),
		locks:      make(map[drawingKey]*tx),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddDrawing creates a drawing outside any import.
func (s *Store) AddDrawing(projectID uuid.UUID, number string) core.Drawing {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := drawingKey{projectID, core.NormalizeDrawingNumber(number)}
	if d, ok := s.drawings[key]; ok {
		return d
	}
	d := core.Drawing{ID: uuid.New(), ProjectID: projectID, Number: key.number}
	s.drawings[key] = d
	return d
}

// SetTemplate stores the active milestone template document for a project.
func (s *Store) SetTemplate(projectID uuid.UUID, version int, doc []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[projectID] = core.TemplateRecord{
		ID:        uuid.New(),
		ProjectID: projectID,
		Version:   version,
		Document:  doc,
	}
}

// AddComponent stores a component as if committed by an earlier import.
func (s *Store) AddComponent(c core.Component) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	s.components[c.ID] = c
}

// Components returns the components on a drawing ordered by identifier and
// instance number.
func (s *Store) Components(drawingID uuid.UUID) []core.Component {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.Component
	for _, c := range s.components {
		if c.DrawingID == drawingID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Identifier != out[j].Identifier {
			return out[i].Identifier < out[j].Identifier
		}
		return out[i].InstanceNumber < out[j].InstanceNumber
	})
	return out
}

// ComponentCount returns the number of stored components.
func (s *Store) ComponentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.components)
}

// Milestones returns a component's milestones ordered by sequence.
func (s *Store) Milestones(componentID uuid.UUID) []core.ComponentMilestone {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.ComponentMilestone
	for _, m := range s.milestones {
		if m.ComponentID == componentID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

// AuditEntries returns every audit entry in insertion order.
func (s *Store) AuditEntries() []core.AuditLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.AuditLogEntry(nil), s.audit...)
}

func (s *Store) ListAuditEntries(_ context.Context, batchID uuid.UUID, limit, offset int) ([]core.AuditLogEntry, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []core.AuditLogEntry
	for _, e := range s.audit {
		if e.BatchID == batchID {
			matched = append(matched, e)
		}
	}
	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	end := total
	if limit > 0 {
		end = min(offset+limit, total)
	}
	return append([]core.AuditLogEntry(nil), matched[offset:end]...), total, nil
}

// Drawing looks up a drawing by number.
func (s *Store) Drawing(projectID uuid.UUID, number string) (core.Drawing, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drawings[drawingKey{projectID, core.NormalizeDrawingNumber(number)}]
	return d, ok
}

func (s *Store) FindDrawings(_ context.Context, projectID uuid.UUID, numbers []string) (core.DrawingLookup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(core.DrawingLookup, len(numbers))
	for _, n := range numbers {
		if d, ok := s.drawings[drawingKey{projectID, n}]; ok {
			out[n] = d
		}
	}
	return out, nil
}

func (s *Store) ActiveMilestoneTemplate(_ context.Context, projectID uuid.UUID) (core.TemplateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.templates[projectID]; ok {
		return rec, nil
	}
	if s.defaultTpl != nil {
		return core.TemplateRecord{ProjectID: projectID, Version: 1, Document: s.defaultTpl}, nil
	}
	return core.TemplateRecord{}, core.ErrNoMilestoneTemplate
}

func (s *Store) BatchLedger(_ context.Context, batchID uuid.UUID) (core.BatchLedger, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.ledgers[batchID]
	if !ok {
		return core.BatchLedger{}, false, nil
	}
	out := *l
	out.CommittedLines = append([]int(nil), l.CommittedLines...)
	return out, true, nil
}

func (s *Store) BeginBatch(_ context.Context, ledger core.BatchLedger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.ledgers[ledger.BatchID]; ok {
		l.State = ledger.State
		l.IdempotencyToken = ledger.IdempotencyToken
		l.UpdatedAt = ledger.UpdatedAt
		return nil
	}
	l := ledger
	l.CommittedLines = nil
	s.ledgers[ledger.BatchID] = &l
	return nil
}

func (s *Store) FinishBatch(_ context.Context, batchID uuid.UUID, state core.LedgerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.ledgers[batchID]
	if !ok {
		return fmt.Errorf("finish batch %s: %w", batchID, core.ErrBatchNotFound)
	}
	l.State = state
	l.UpdatedAt = time.Now().UTC()
	return nil
}

// WithTx runs fn against a staged transaction and applies it on success.
func (s *Store) WithTx(ctx context.Context, fn func(core.StoreTx) error) error {
	s.mu.Lock()
	s.BeginCalls++
	s.mu.Unlock()

	t := &tx{store: s}
	defer s.releaseLocks(t)

	if err := fn(t); err != nil {
		s.rollback()
		return err
	}
	// A transaction past its deadline never commits.
	if err := ctx.Err(); err != nil {
		s.rollback()
		return fmt.Errorf("commit: %w", err)
	}
	return s.apply(t)
}

func (s *Store) rollback() {
	s.mu.Lock()
	s.RollbackCalls++
	s.mu.Unlock()
}

// apply checks constraints and publishes the staged writes.
func (s *Store) apply(t *tx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fail := func(err error) error {
		s.RollbackCalls++
		return err
	}
	if s.FailCommit != nil {
		return fail(s.FailCommit)
	}

	type instanceKey struct {
		drawing    uuid.UUID
		identifier string
		instance   int
	}
	taken := make(map[instanceKey]bool, len(s.components)+len(t.components))
	for _, c := range s.components {
		taken[instanceKey{c.DrawingID, c.Identifier, c.InstanceNumber}] = true
	}
	for _, c := range t.components {
		k := instanceKey{c.DrawingID, c.Identifier, c.InstanceNumber}
		if taken[k] {
			return fail(fmt.Errorf("duplicate key value violates unique constraint \"components_instance_key\": %s #%d", c.Identifier, c.InstanceNumber))
		}
		taken[k] = true
	}

	known := make(map[uuid.UUID]bool, len(t.components))
	for _, c := range t.components {
		known[c.ID] = true
	}
	for _, m := range t.milestones {
		if !known[m.ComponentID] {
			if _, ok := s.components[m.ComponentID]; !ok {
				return fail(fmt.Errorf("insert milestone %s: violates foreign key constraint", m.Name))
			}
		}
	}

	for _, rec := range t.subBatches {
		l, ok := s.ledgers[rec.BatchID]
		if !ok {
			return fail(fmt.Errorf("record sub-batch %d: violates foreign key constraint", rec.Index))
		}
		done := make(map[int]bool, len(l.CommittedLines))
		for _, line := range l.CommittedLines {
			done[line] = true
		}
		for _, line := range rec.Lines {
			if done[line] {
				return fail(fmt.Errorf("line %d: %w", line, core.ErrRowAlreadyCommitted))
			}
		}
	}

	// Constraints hold; publish.
	for key, d := range t.drawings {
		s.drawings[key] = d
	}
	for _, c := range t.components {
		s.components[c.ID] = c
	}
	for _, u := range t.totals {
		for id, c := range s.components {
			if c.DrawingID == u.drawingID && c.Identifier == u.identifier {
				c.TotalInstancesOnDrawing = u.total
				s.components[id] = c
			}
		}
	}
	s.milestones = append(s.milestones, t.milestones...)
	s.audit = append(s.audit, t.audit...)
	for _, rec := range t.subBatches {
		l := s.ledgers[rec.BatchID]
		l.CommittedLines = append(l.CommittedLines, rec.Lines...)
		l.LastSubBatch = max(l.LastSubBatch, rec.Index)
		l.UpdatedAt = rec.CommittedAt
	}
	s.CommitCalls++
	return nil
}

func (s *Store) releaseLocks(t *tx) {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	for key, holder := range s.locks {
		if holder == t {
			delete(s.locks, key)
		}
	}
}

// tx stages writes until Store.apply.
type tx struct {
	store *Store

	drawings   map[drawingKey]core.Drawing
	components []core.Component
	milestones []core.ComponentMilestone
	audit      []core.AuditLogEntry
	totals     []totalUpdate
	subBatches []core.SubBatchRecord
}

type totalUpdate struct {
	drawingID  uuid.UUID
	identifier string
	total      int
}

func (t *tx) TryLockDrawing(_ context.Context, projectID uuid.UUID, number string) (bool, error) {
	s := t.store
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	key := drawingKey{projectID, number}
	if holder, held := s.locks[key]; held && holder != t {
		return false, nil
	}
	s.locks[key] = t
	return true, nil
}

func (t *tx) EnsureDrawing(_ context.Context, projectID uuid.UUID, number string, create bool) (core.Drawing, error) {
	key := drawingKey{projectID, number}
	if d, ok := t.drawings[key]; ok {
		return d, nil
	}

	t.store.mu.Lock()
	d, ok := t.store.drawings[key]
	t.store.mu.Unlock()
	if ok {
		return d, nil
	}
	if !create {
		return core.Drawing{}, core.ErrDrawingNotFound
	}

	d = core.Drawing{ID: uuid.New(), ProjectID: projectID, Number: number}
	if t.drawings == nil {
		t.drawings = make(map[drawingKey]core.Drawing)
	}
	t.drawings[key] = d
	return d, nil
}

func (t *tx) InstanceStats(_ context.Context, drawingID uuid.UUID, identifiers []string) (map[string]core.InstanceStats, error) {
	want := make(map[string]bool, len(identifiers))
	for _, id := range identifiers {
		want[id] = true
	}

	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	out := make(map[string]core.InstanceStats)
	for _, c := range t.store.components {
		if c.DrawingID != drawingID || !want[c.Identifier] {
			continue
		}
		st := out[c.Identifier]
		st.Count++
		st.MaxInstance = max(st.MaxInstance, c.InstanceNumber)
		out[c.Identifier] = st
	}
	return out, nil
}

func (t *tx) InsertComponents(ctx context.Context, components []core.Component) error {
	for _, c := range components {
		if hook := t.store.BeforeInsert; hook != nil {
			if err := hook(ctx, c); err != nil {
				return err
			}
		}
		if strings.TrimSpace(c.Identifier) == "" {
			return errors.New("insert component: null value in column \"identifier\"")
		}
		t.components = append(t.components, c)
	}
	return nil
}

func (t *tx) SetTotalInstances(_ context.Context, drawingID uuid.UUID, identifier string, total int) error {
	t.totals = append(t.totals, totalUpdate{drawingID, identifier, total})
	return nil
}

func (t *tx) InsertMilestones(_ context.Context, milestones []core.ComponentMilestone) error {
	t.milestones = append(t.milestones, milestones...)
	return nil
}

func (t *tx) InsertAuditEntries(_ context.Context, entries []core.AuditLogEntry) error {
	t.audit = append(t.audit, entries...)
	return nil
}

func (t *tx) RecordSubBatch(_ context.Context, rec core.SubBatchRecord) error {
	t.subBatches = append(t.subBatches, rec)
	return nil
}
