package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-feed-triage/internal/adapter/repo/memory"
	"github.com/fairyhunter13/ai-feed-triage/internal/domain"
	"github.com/fairyhunter13/ai-feed-triage/internal/queue"
)

type stubTimeline struct {
	byHandle map[string][]domain.FetchedPost
	errs     map[string]error
	calls    []string
}

func (s *stubTimeline) Fetch(_ domain.Context, handle string) ([]domain.FetchedPost, error) {
	s.calls = append(s.calls, handle)
	if err, ok := s.errs[handle]; ok {
		return nil, err
	}
	return s.byHandle[handle], nil
}

func TestFetchSweep(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.NewStore()
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	alice, err := store.Subscriptions().Upsert(ctx, domain.Subscription{Handle: "alice", Status: domain.SubscriptionActive})
	require.NoError(t, err)
	// Bob was fetched recently; inside cooldown, must be skipped.
	bob, err := store.Subscriptions().Upsert(ctx, domain.Subscription{Handle: "bob", Status: domain.SubscriptionActive})
	require.NoError(t, err)
	require.NoError(t, store.Subscriptions().TouchFetched(ctx, bob.ID, now.Add(-1*time.Hour)))

	tl := &stubTimeline{byHandle: map[string][]domain.FetchedPost{
		"alice": {
			{ExternalID: "a1", CreatedAt: now.Add(-2 * time.Hour), Text: "one", Lang: "en", AuthorHandle: "alice"},
			{ExternalID: "a2", CreatedAt: now.Add(-1 * time.Hour), Text: "two", Lang: "en", AuthorHandle: "alice"},
		},
	}}
	q := queue.New(store.Jobs()).WithClock(func() time.Time { return now })
	f := NewFetcher(store.Subscriptions(), store.Posts(), tl, q, 10, 12).
		WithClock(func() time.Time { return now })

	require.NoError(t, f.Handle(ctx, domain.Job{}))

	assert.Equal(t, []string{"alice"}, tl.calls)
	p, ok := store.Posts().Snapshot("a1")
	require.True(t, ok)
	assert.Equal(t, alice.ID, p.SubscriptionID)
	assert.Equal(t, domain.RoutingPending, p.RoutingStatus)

	sub, err := store.Subscriptions().Get(ctx, alice.ID)
	require.NoError(t, err)
	require.NotNil(t, sub.LastFetchedAt)
	assert.True(t, sub.LastFetchedAt.Equal(now))

	// New posts kick a deduped classify sweep.
	j, err := store.Jobs().FindActiveByType(ctx, domain.JobClassifyTweets)
	require.NoError(t, err)
	assert.Equal(t, domain.JobPending, j.Status)
}

func TestFetchSweepIdempotentUpsert(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.NewStore()
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	_, err := store.Subscriptions().Upsert(ctx, domain.Subscription{Handle: "alice", Status: domain.SubscriptionActive})
	require.NoError(t, err)

	tl := &stubTimeline{byHandle: map[string][]domain.FetchedPost{
		"alice": {{ExternalID: "a1", CreatedAt: now, Text: "one", Lang: "en", AuthorHandle: "alice"}},
	}}
	q := queue.New(store.Jobs()).WithClock(func() time.Time { return now })
	f := NewFetcher(store.Subscriptions(), store.Posts(), tl, q, 10, 0).
		WithClock(func() time.Time { return now })

	require.NoError(t, f.Handle(ctx, domain.Job{}))
	// Force the cooldown past and fetch again; same external id, no dup.
	f2 := NewFetcher(store.Subscriptions(), store.Posts(), tl, q, 10, 12).
		WithClock(func() time.Time { return now.Add(13 * time.Hour) })
	require.NoError(t, f2.Handle(ctx, domain.Job{}))

	posts, err := store.Posts().GetByExternalIDs(ctx, []string{"a1"})
	require.NoError(t, err)
	assert.Len(t, posts, 1)
}

func TestFetchFailedHandleSurfacesButOthersProceed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.NewStore()
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	_, err := store.Subscriptions().Upsert(ctx, domain.Subscription{Handle: "alice", Status: domain.SubscriptionActive})
	require.NoError(t, err)
	ghost, err := store.Subscriptions().Upsert(ctx, domain.Subscription{Handle: "ghost", Status: domain.SubscriptionActive})
	require.NoError(t, err)

	tl := &stubTimeline{
		byHandle: map[string][]domain.FetchedPost{
			"alice": {{ExternalID: "a1", CreatedAt: now, Text: "one", Lang: "en", AuthorHandle: "alice"}},
		},
		errs: map[string]error{"ghost": errors.New("status 404")},
	}
	q := queue.New(store.Jobs()).WithClock(func() time.Time { return now })
	f := NewFetcher(store.Subscriptions(), store.Posts(), tl, q, 10, 12).
		WithClock(func() time.Time { return now })

	err = f.Handle(ctx, domain.Job{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")

	// Alice's fetch still landed.
	_, ok := store.Posts().Snapshot("a1")
	assert.True(t, ok)
	// Ghost stays due for the next sweep.
	g, err := store.Subscriptions().Get(ctx, ghost.ID)
	require.NoError(t, err)
	assert.Nil(t, g.LastFetchedAt)
}
