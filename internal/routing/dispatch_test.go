package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-feed-triage/internal/adapter/repo/memory"
	"github.com/fairyhunter13/ai-feed-triage/internal/domain"
	"github.com/fairyhunter13/ai-feed-triage/internal/queue"
)

func seedRouted(t *testing.T, store *memory.Store, tag string, n int, base time.Time) {
	t.Helper()
	posts := make([]domain.Post, 0, n)
	for i := 0; i < n; i++ {
		routedAt := base.Add(time.Duration(i) * time.Minute)
		posts = append(posts, domain.Post{
			ExternalID:    fmt.Sprintf("%s-%03d", tag, i),
			Text:          "text",
			TweetedAt:     base,
			RoutingStatus: domain.RoutingRouted,
			RoutingTag:    tag,
			RoutedAt:      &routedAt,
		})
	}
	_, err := store.Posts().UpsertBatch(context.Background(), posts)
	require.NoError(t, err)
}

func TestDispatchBelowTagMinWaits(t *testing.T) {
	t.Parallel()
	store := memory.NewStore()
	base := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	seedRouted(t, store, "policy", 4, base)

	q := queue.New(store.Jobs())
	d := NewDispatcher(store.Posts(), q, 10, 1000)

	n, err := d.Dispatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = store.Jobs().FindActiveByType(context.Background(), domain.JobClassifyTweetsLLM)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDispatchClaimsAndEnqueues(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.NewStore()
	base := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	// 60 routed posts: two batches of 50 and 10.
	seedRouted(t, store, "policy", 60, base)

	now := base.Add(2 * time.Hour)
	q := queue.New(store.Jobs()).WithClock(func() time.Time { return now })
	d := NewDispatcher(store.Posts(), q, 10, 1000).WithClock(func() time.Time { return now })

	n, err := d.Dispatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 60, n)

	// All posts flipped to llm_queued.
	counts, err := store.Posts().CountRoutedByTag(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts["policy"])
	p, ok := store.Posts().Snapshot("policy-000")
	require.True(t, ok)
	assert.Equal(t, domain.RoutingLLMQueued, p.RoutingStatus)
	require.NotNil(t, p.LLMQueuedAt)

	// Two jobs, oldest-routed batch first, carrying ids and tag.
	j, err := store.Jobs().NextDue(ctx, now)
	require.NoError(t, err)
	var payload domain.ClassifyLLMPayload
	require.NoError(t, json.Unmarshal(j.Payload, &payload))
	assert.Equal(t, "policy", payload.Tag)
	assert.Len(t, payload.PostIDs, 50)
	assert.Equal(t, "policy-000", payload.PostIDs[0])
}

func TestDispatchIdempotentWhenAlreadyClaimed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.NewStore()
	base := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	seedRouted(t, store, "market", 12, base)

	q := queue.New(store.Jobs())
	d := NewDispatcher(store.Posts(), q, 10, 1000)

	n, err := d.Dispatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 12, n)

	// Second sweep finds nothing claimable and enqueues nothing new.
	n, err = d.Dispatch(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
