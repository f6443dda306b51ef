// Package session holds staged import batches between upload and commit.
//
// Batches are stored as JSON in both implementations, so a caller that
// mutates a loaded batch never changes what another request sees.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/pipeimport/internal/core"
	"github.com/JonMunkholm/pipeimport/internal/logging"
)

// DefaultTTL is how long a staged batch lives without being touched.
const DefaultTTL = 24 * time.Hour

type entry struct {
	data    []byte
	expires time.Time
}

// MemoryStore is a process-local core.SessionStore.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[uuid.UUID]entry
	ttl     time.Duration
	now     func() time.Time
}

var _ core.SessionStore = (*MemoryStore)(nil)

// NewMemoryStore creates a store whose entries expire ttl after their last save.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		entries: make(map[uuid.UUID]entry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (m *MemoryStore) Save(_ context.Context, batch *core.ImportBatch) error {
	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encode batch %s: %w", batch.ID, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[batch.ID] = entry{data: data, expires: m.now().Add(m.ttl)}
	return nil
}

func (m *MemoryStore) Load(_ context.Context, batchID uuid.UUID) (*core.ImportBatch, error) {
	m.mu.Lock()
	e, ok := m.entries[batchID]
	if ok && !m.now().Before(e.expires) {
		delete(m.entries, batchID)
		ok = false
	}
	m.mu.Unlock()
	if !ok {
		return nil, core.ErrBatchNotFound
	}

	var batch core.ImportBatch
	if err := json.Unmarshal(e.data, &batch); err != nil {
		return nil, fmt.Errorf("decode batch %s: %w", batchID, err)
	}
	return &batch, nil
}

func (m *MemoryStore) Delete(_ context.Context, batchID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, batchID)
	return nil
}

// Len returns the number of stored entries, expired or not.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Sweep evicts expired entries and returns how many were removed.
func (m *MemoryStore) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	removed := 0
	for id, e := range m.entries {
		if !now.Before(e.expires) {
			delete(m.entries, id)
			removed++
		}
	}
	return removed
}

// StartSweeper evicts expired batches every interval until ctx is cancelled.
func (m *MemoryStore) StartSweeper(ctx context.Context, interval time.Duration) {
	log := logging.FromContext(ctx)
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	log.Infow("session sweeper started", "interval", interval, "ttl", m.ttl)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Infow("session sweeper stopped")
			return
		case <-ticker.C:
			start := time.Now()
			if n := m.Sweep(); n > 0 {
				log.Infow("expired import sessions evicted",
					"evicted", n,
					"remaining", m.Len(),
					"duration_ms", time.Since(start).Milliseconds(),
				)
			}
		}
	}
}
