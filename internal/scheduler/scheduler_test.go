package scheduler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-feed-triage/internal/adapter/repo/memory"
	"github.com/fairyhunter13/ai-feed-triage/internal/domain"
	"github.com/fairyhunter13/ai-feed-triage/internal/queue"
)

func newScheduler(store *memory.Store, now time.Time) *Scheduler {
	q := queue.New(store.Jobs()).WithClock(func() time.Time { return now })
	return New(q, store.Profiles(), "UTC").WithClock(func() time.Time { return now })
}

func TestEnqueueFetchDedupes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.NewStore()
	now := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	s := newScheduler(store, now)

	s.enqueueFetch(ctx)
	s.enqueueFetch(ctx)

	j, err := store.Jobs().FindActiveByType(ctx, domain.JobFetchSubscriptions)
	require.NoError(t, err)
	assert.Equal(t, domain.JobPending, j.Status)
	// A second tick while the first job is still pending adds nothing.
	jobs := store.Jobs().All()
	count := 0
	for _, job := range jobs {
		if job.Type == domain.JobFetchSubscriptions {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestEnqueueReportCarriesWindowEnd(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.NewStore()
	now := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	s := newScheduler(store, now)

	s.enqueueReport(ctx, "profile-1")

	j, err := store.Jobs().FindActiveByType(ctx, domain.JobReportProfile)
	require.NoError(t, err)
	var payload domain.ReportProfilePayload
	require.NoError(t, json.Unmarshal(j.Payload, &payload))
	assert.Equal(t, "profile-1", payload.ProfileID)
	assert.True(t, payload.Notify)
	assert.True(t, payload.WindowEnd.Equal(now))
}

func TestEnqueueReportNotDedupedAcrossProfiles(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.NewStore()
	now := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	s := newScheduler(store, now)

	s.enqueueReport(ctx, "profile-1")
	s.enqueueReport(ctx, "profile-2")

	count := 0
	for _, job := range store.Jobs().All() {
		if job.Type == domain.JobReportProfile {
			count++
		}
	}
	assert.Equal(t, 2, count)
}

func TestSyncProfilesAddUpdateRemove(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.NewStore()
	now := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	s := newScheduler(store, now)

	p1, err := store.Profiles().Upsert(ctx, domain.ReportProfile{
		Name: "daily", Enabled: true, Cron: "0 9 * * *", WindowHours: 24,
		Timezone: "Asia/Shanghai", GroupBy: domain.GroupByCluster,
	})
	require.NoError(t, err)
	_, err = store.Profiles().Upsert(ctx, domain.ReportProfile{
		Name: "weekly", Enabled: true, Cron: "0 10 * * 1", WindowHours: 168,
		GroupBy: domain.GroupByTag,
	})
	require.NoError(t, err)

	added, removed, err := s.SyncProfiles(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, added)
	assert.Zero(t, removed)
	assert.Equal(t, 2, s.RegisteredProfiles())

	// Unchanged profiles are left alone on resync.
	added, removed, err = s.SyncProfiles(ctx)
	require.NoError(t, err)
	assert.Zero(t, added)
	assert.Zero(t, removed)

	// Changing the cron re-registers the entry.
	p1.Cron = "30 9 * * *"
	_, err = store.Profiles().Upsert(ctx, p1)
	require.NoError(t, err)
	added, removed, err = s.SyncProfiles(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, added)
	assert.Equal(t, 1, removed)

	// Disabling drops the entry.
	p1.Enabled = false
	_, err = store.Profiles().Upsert(ctx, p1)
	require.NoError(t, err)
	_, removed, err = s.SyncProfiles(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, s.RegisteredProfiles())
}

func TestSyncProfilesSkipsInvalidCron(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.NewStore()
	now := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	s := newScheduler(store, now)

	_, err := store.Profiles().Upsert(ctx, domain.ReportProfile{
		Name: "broken", Enabled: true, Cron: "not a cron", WindowHours: 24,
		GroupBy: domain.GroupByTag,
	})
	require.NoError(t, err)

	added, _, err := s.SyncProfiles(ctx)
	require.NoError(t, err)
	assert.Zero(t, added)
	assert.Zero(t, s.RegisteredProfiles())
}

func TestStartRejectsInvalidFixedSpec(t *testing.T) {
	t.Parallel()
	store := memory.NewStore()
	now := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	s := newScheduler(store, now)
	err := s.Start(context.Background(), "bogus", "*/15 * * * *")
	require.Error(t, err)
}
