package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-feed-triage/internal/adapter/repo/memory"
	"github.com/fairyhunter13/ai-feed-triage/internal/domain"
)

func newManager(store *memory.Store, now *time.Time) *Manager {
	return NewManager(store.Locks(), store.Jobs(), time.Hour).
		WithClock(func() time.Time { return *now })
}

func TestAcquireAndRelease(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.NewStore()
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	m := newManager(store, &now)

	require.NoError(t, m.Acquire(ctx, "classify", "worker-a"))
	assert.ErrorIs(t, m.Acquire(ctx, "classify", "worker-b"), domain.ErrLockUnavailable)

	require.NoError(t, m.Release(ctx, "classify", "worker-a"))
	require.NoError(t, m.Acquire(ctx, "classify", "worker-b"))
}

func TestAcquireReentrantRefreshesExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.NewStore()
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	m := newManager(store, &now)

	require.NoError(t, m.Acquire(ctx, "classify", "worker-a"))
	first, err := store.Locks().Get(ctx, "classify")
	require.NoError(t, err)

	now = now.Add(30 * time.Minute)
	require.NoError(t, m.Acquire(ctx, "classify", "worker-a"))
	second, err := store.Locks().Get(ctx, "classify")
	require.NoError(t, err)
	assert.True(t, second.ExpiresAt.After(first.ExpiresAt))
}

func TestAcquireTakesOverExpiredLock(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.NewStore()
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	m := newManager(store, &now)

	require.NoError(t, m.Acquire(ctx, "classify", "worker-a"))
	now = now.Add(2 * time.Hour)
	require.NoError(t, m.Acquire(ctx, "classify", "worker-b"))

	l, err := store.Locks().Get(ctx, "classify")
	require.NoError(t, err)
	assert.Equal(t, "worker-b", l.LockedBy)
}

func TestAcquireTakesOverDeadJobHolder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.NewStore()
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	m := newManager(store, &now)

	// A completed job still "holds" the lock within TTL: recoverable.
	j, err := store.Jobs().Create(ctx, domain.Job{Type: domain.JobClassifyTweets, Status: domain.JobCompleted})
	require.NoError(t, err)
	require.NoError(t, store.Locks().Insert(ctx, domain.SystemLock{
		Key:       "classify",
		LockedBy:  JobHolder(j.ID),
		LockedAt:  now,
		ExpiresAt: now.Add(time.Hour),
	}))

	require.NoError(t, m.Acquire(ctx, "classify", "worker-b"))
	l, err := store.Locks().Get(ctx, "classify")
	require.NoError(t, err)
	assert.Equal(t, "worker-b", l.LockedBy)
}

func TestAcquireTakesOverMissingJobHolder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.NewStore()
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	m := newManager(store, &now)

	require.NoError(t, store.Locks().Insert(ctx, domain.SystemLock{
		Key:       "classify",
		LockedBy:  JobHolder("gone"),
		LockedAt:  now,
		ExpiresAt: now.Add(time.Hour),
	}))
	require.NoError(t, m.Acquire(ctx, "classify", JobHolder("j2")))
}

func TestAcquireRespectsRunningJobHolder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.NewStore()
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	m := newManager(store, &now)

	j, err := store.Jobs().Create(ctx, domain.Job{Type: domain.JobClassifyTweets, Status: domain.JobPending})
	require.NoError(t, err)
	ok, err := store.Jobs().Claim(ctx, j.ID, "w1", now)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, m.Acquire(ctx, "classify", JobHolder(j.ID)))
	assert.ErrorIs(t, m.Acquire(ctx, "classify", "worker-b"), domain.ErrLockUnavailable)
}

func TestAcquireTakesOverMalformedRow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.NewStore()
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	m := newManager(store, &now)

	require.NoError(t, store.Locks().Insert(ctx, domain.SystemLock{
		Key:      "classify",
		LockedBy: "worker-a",
		// LockedAt and ExpiresAt never set.
	}))
	require.NoError(t, m.Acquire(ctx, "classify", "worker-b"))
}

func TestReleaseForeignHolderIsNoOp(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.NewStore()
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	m := newManager(store, &now)

	require.NoError(t, m.Acquire(ctx, "classify", "worker-a"))
	require.NoError(t, m.Release(ctx, "classify", "worker-b"))

	l, err := store.Locks().Get(ctx, "classify")
	require.NoError(t, err)
	assert.Equal(t, "worker-a", l.LockedBy)
}

func TestWithLockReleasesOnError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.NewStore()
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	m := newManager(store, &now)

	boom := errors.New("inner failure")
	err := m.WithLock(ctx, "classify", "worker-a", func() error { return boom })
	assert.ErrorIs(t, err, boom)

	_, err = store.Locks().Get(ctx, "classify")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMinTTLFloor(t *testing.T) {
	t.Parallel()
	store := memory.NewStore()
	m := NewManager(store.Locks(), store.Jobs(), time.Second)
	assert.Equal(t, MinTTL, m.ttl)
}
