package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImportLimiter_Defaults(t *testing.T) {
	l := NewImportLimiter(0, 0)
	assert.Equal(t, DefaultMaxConcurrentImports, l.Status().MaxConcurrent)
	assert.Equal(t, DefaultMaxWaitTime, l.maxWait)
}

func TestImportLimiter_AcquireRelease(t *testing.T) {
	l := NewImportLimiter(2, 50*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx, JobPrepare))
	require.NoError(t, l.Acquire(ctx, JobCommit))

	assert.Equal(t, LimiterStatus{
		Active:        2,
		Available:     0,
		MaxConcurrent: 2,
		ByKind:        map[string]int{JobPrepare: 1, JobCommit: 1},
	}, l.Status())

	start := time.Now()
	err := l.Acquire(ctx, JobPrepare)
	assert.ErrorIs(t, err, ErrTooManyImports)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.False(t, l.TryAcquire(JobPrepare))

	l.Release(JobCommit)
	assert.Equal(t, 1, l.Available())
	assert.Equal(t, map[string]int{JobPrepare: 1}, l.Status().ByKind, "drained kinds are omitted")

	assert.True(t, l.TryAcquire(JobCommit))
	assert.Equal(t, 2, l.ActiveCount())

	l.Release(JobCommit)
	l.Release(JobPrepare)
	assert.Equal(t, 0, l.ActiveCount())
}

func TestImportLimiter_CallerCancellation(t *testing.T) {
	l := NewImportLimiter(1, time.Minute)
	require.True(t, l.TryAcquire(JobCommit))
	defer l.Release(JobCommit)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := l.Acquire(ctx, JobPrepare)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrTooManyImports)
}

func TestImportLimiter_FreeSlotDoesNotWait(t *testing.T) {
	// maxWait is long enough that any trip through the wait path would show.
	l := NewImportLimiter(1, time.Hour)

	start := time.Now()
	require.NoError(t, l.Acquire(context.Background(), JobPrepare))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 0, l.Available())
	l.Release(JobPrepare)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, l.Acquire(ctx, JobPrepare), context.Canceled, "cancelled callers never take a free slot")
	assert.Equal(t, 1, l.Available())
}

func TestImportLimiter_WaitForDrain(t *testing.T) {
	l := NewImportLimiter(1, time.Second)
	require.True(t, l.TryAcquire(JobCommit))

	short, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.WaitForDrain(short), context.DeadlineExceeded)

	go func() {
		time.Sleep(20 * time.Millisecond)
		l.Release(JobCommit)
	}()

	ctx, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	assert.NoError(t, l.WaitForDrain(ctx))
	assert.Equal(t, 0, l.ActiveCount())
}
