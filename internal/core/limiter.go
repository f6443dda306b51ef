package core

// limiter.go bounds concurrent import work.
//
// The limiter uses a semaphore to cap parallel preparations and commits,
// preventing resource exhaustion under load. When all slots are occupied,
// new requests wait up to maxWait before failing with ErrTooManyImports.
//
// WaitForDrain blocks until all active jobs complete, for graceful shutdown.

import (
	"context"
	"sync"
	"time"

	"github.com/JonMunkholm/pipeimport/internal/metrics"
)

// DefaultMaxConcurrentImports is the default limit for parallel import jobs.
const DefaultMaxConcurrentImports = 5

// DefaultMaxWaitTime is how long to wait for a slot before rejecting.
const DefaultMaxWaitTime = 30 * time.Second

// Job kinds reported on the active jobs gauge.
const (
	JobPrepare = "prepare"
	JobCommit  = "commit"
)

// ImportLimiter controls concurrent import processing using a semaphore.
type ImportLimiter struct {
	semaphore chan struct{}
	maxWait   time.Duration

	mu     sync.RWMutex
	active map[string]int
}

// NewImportLimiter creates a limiter that allows at most maxConcurrent jobs.
// Requests that cannot acquire a slot within maxWait get ErrTooManyImports.
func NewImportLimiter(maxConcurrent int, maxWait time.Duration) *ImportLimiter {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentImports
	}
	if maxWait <= 0 {
		maxWait = DefaultMaxWaitTime
	}

	return &ImportLimiter{
		semaphore: make(chan struct{}, maxConcurrent),
		maxWait:   maxWait,
		active:    make(map[string]int),
	}
}

// Acquire takes a slot for a job of the given kind.
// The caller MUST call Release with the same kind when the job completes.
func (l *ImportLimiter) Acquire(ctx context.Context, kind string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if l.TryAcquire(kind) {
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, l.maxWait)
	defer cancel()

	select {
	case l.semaphore <- struct{}{}:
		l.track(kind, 1)
		return nil

	case <-waitCtx.Done():
		// Caller cancellation is reported as such, not as a busy system
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrTooManyImports
	}
}

// TryAcquire takes a slot without blocking.
func (l *ImportLimiter) TryAcquire(kind string) bool {
	select {
	case l.semaphore <- struct{}{}:
		l.track(kind, 1)
		return true
	default:
		return false
	}
}

// Release releases a previously acquired slot.
// Must be called exactly once for each successful Acquire/TryAcquire.
func (l *ImportLimiter) Release(kind string) {
	l.track(kind, -1)
	<-l.semaphore
}

func (l *ImportLimiter) track(kind string, delta int) {
	l.mu.Lock()
	l.active[kind] += delta
	l.mu.Unlock()
	metrics.ActiveJobs.WithLabelValues(kind).Add(float64(delta))
}

// ActiveCount returns the number of jobs holding a slot.
func (l *ImportLimiter) ActiveCount() int {
	return len(l.semaphore)
}

// Available returns the number of free slots.
func (l *ImportLimiter) Available() int {
	return cap(l.semaphore) - len(l.semaphore)
}

// WaitForDrain blocks until all active jobs complete or ctx is cancelled.
func (l *ImportLimiter) WaitForDrain(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if l.ActiveCount() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// LimiterStatus is a snapshot of the limiter's state.
type LimiterStatus struct {
	Active        int            `json:"active"`
	Available     int            `json:"available"`
	MaxConcurrent int            `json:"max_concurrent"`
	ByKind        map[string]int `json:"by_kind"`
}

// Status returns the current limiter state for monitoring.
func (l *ImportLimiter) Status() LimiterStatus {
	l.mu.RLock()
	byKind := make(map[string]int, len(l.active))
	for k, v := range l.active {
		if v > 0 {
			byKind[k] = v
		}
	}
	l.mu.RUnlock()

	return LimiterStatus{
		Active:        len(l.semaphore),
		Available:     cap(l.semaphore) - len(l.semaphore),
		MaxConcurrent: cap(l.semaphore),
		ByKind:        byKind,
	}
}
