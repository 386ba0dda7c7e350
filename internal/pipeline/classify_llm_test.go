package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-feed-triage/internal/adapter/repo/memory"
	"github.com/fairyhunter13/ai-feed-triage/internal/domain"
	"github.com/fairyhunter13/ai-feed-triage/internal/lock"
)

var allowedTags = []string{"policy", "market", "protocol", "security", "macro", "other"}

// scriptedAI returns canned chat responses (or errors) in order.
type scriptedAI struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	calls     int
}

func (s *scriptedAI) ChatJSON(domain.Context, string, string, int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	if err != nil {
		return "", err
	}
	if i < len(s.responses) {
		return s.responses[i], nil
	}
	return `{"items":[]}`, nil
}

func (s *scriptedAI) Embed(domain.Context, []string) ([][]float32, error) { return nil, nil }

func seedQueued(t *testing.T, store *memory.Store, n int, now time.Time) []string {
	t.Helper()
	ids := make([]string, 0, n)
	posts := make([]domain.Post, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("q-%02d", i)
		ids = append(ids, id)
		q := now
		posts = append(posts, domain.Post{
			ExternalID:    id,
			Text:          fmt.Sprintf("queued post %d", i),
			Lang:          "en",
			TweetedAt:     now,
			RoutingStatus: domain.RoutingLLMQueued,
			RoutingTag:    "policy",
			LLMQueuedAt:   &q,
		})
	}
	_, err := store.Posts().UpsertBatch(context.Background(), posts)
	require.NoError(t, err)
	return ids
}

func newLLM(store *memory.Store, aiClient domain.AIClient, now time.Time) *LLMClassifier {
	locks := lock.NewManager(store.Locks(), store.Jobs(), time.Hour)
	return NewLLMClassifier(store.Posts(), store.Insights(), aiClient, locks, "gpt-4o-mini", allowedTags, 2).
		WithClock(func() time.Time { return now }).
		WithRetryDelay(time.Millisecond)
}

func llmJob(t *testing.T, store *memory.Store, ids []string) domain.Job {
	t.Helper()
	payload, err := json.Marshal(domain.ClassifyLLMPayload{PostIDs: ids, Tag: "policy"})
	require.NoError(t, err)
	j, err := store.Jobs().Create(context.Background(), domain.Job{
		Type:    domain.JobClassifyTweetsLLM,
		Payload: payload,
		Status:  domain.JobPending,
	})
	require.NoError(t, err)
	ok, err := store.Jobs().Claim(context.Background(), j.ID, "w1", time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	j, err = store.Jobs().Get(context.Background(), j.ID)
	require.NoError(t, err)
	return j
}

func TestClassifyLLMSuccess(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.NewStore()
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	ids := seedQueued(t, store, 2, now)

	aiClient := &scriptedAI{responses: []string{"```json\n" + `{"items":[
		{"tweetId":"q-00","verdict":"actionable","summary":"ETF approved","importance":5,"tags":["Policy"],"suggestion":"track flows"},
		{"tweetId":"q-01","verdict":"watch","summary":"minor update","importance":2.6,"tags":["unknown-tag"]}
	]}` + "\n```"}}
	c := newLLM(store, aiClient, now)

	require.NoError(t, c.Handle(ctx, llmJob(t, store, ids)))

	in0, ok := store.Insights().Snapshot("q-00")
	require.True(t, ok)
	assert.Equal(t, domain.VerdictActionable, in0.Verdict)
	assert.Equal(t, 5, in0.Importance)
	assert.Equal(t, []string{"policy"}, in0.Tags)
	assert.Equal(t, "track flows", in0.Suggestion)

	// Importance 2.6 rounds to 3; unknown tag falls back to other.
	in1, ok := store.Insights().Snapshot("q-01")
	require.True(t, ok)
	assert.Equal(t, 3, in1.Importance)
	assert.Equal(t, []string{domain.FallbackTag}, in1.Tags)

	for _, id := range ids {
		p, ok := store.Posts().Snapshot(id)
		require.True(t, ok)
		assert.Equal(t, domain.RoutingCompleted, p.RoutingStatus)
		require.NotNil(t, p.ProcessedAt)
	}
}

func TestClassifyLLMContentRiskAbandonsBatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.NewStore()
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	ids := seedQueued(t, store, 10, now)

	aiClient := &scriptedAI{errs: []error{fmt.Errorf("%w: 上下文过长", domain.ErrContentRisk)}}
	c := newLLM(store, aiClient, now)

	require.NoError(t, c.Handle(ctx, llmJob(t, store, ids)))

	// No retry: one call, whole batch abandoned, no insights.
	assert.Equal(t, 1, aiClient.calls)
	for _, id := range ids {
		p, ok := store.Posts().Snapshot(id)
		require.True(t, ok)
		require.NotNil(t, p.AbandonedAt)
		assert.Equal(t, AbandonContentRisk, p.AbandonReason)
		exists, err := store.Insights().Exists(ctx, id)
		require.NoError(t, err)
		assert.False(t, exists)
	}
}

func TestClassifyLLMMaxRetriesAbandons(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.NewStore()
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	ids := seedQueued(t, store, 3, now)

	boom := fmt.Errorf("chat status 500")
	aiClient := &scriptedAI{errs: []error{boom, boom, boom}}
	c := newLLM(store, aiClient, now)

	require.NoError(t, c.Handle(ctx, llmJob(t, store, ids)))

	assert.Equal(t, 3, aiClient.calls)
	for _, id := range ids {
		p, ok := store.Posts().Snapshot(id)
		require.True(t, ok)
		require.NotNil(t, p.AbandonedAt)
		assert.Equal(t, AbandonMaxRetries, p.AbandonReason)
	}
}

func TestClassifyLLMZeroItemsSynthesizes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.NewStore()
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	ids := seedQueued(t, store, 4, now)

	aiClient := &scriptedAI{responses: []string{`{"items":[]}`}}
	c := newLLM(store, aiClient, now)

	require.NoError(t, c.Handle(ctx, llmJob(t, store, ids)))

	for _, id := range ids {
		in, ok := store.Insights().Snapshot(id)
		require.True(t, ok)
		assert.Equal(t, domain.VerdictWatch, in.Verdict)
		assert.Equal(t, 2, in.Importance)
		assert.Equal(t, []string{domain.FallbackTag}, in.Tags)
		p, _ := store.Posts().Snapshot(id)
		assert.Equal(t, domain.RoutingCompleted, p.RoutingStatus)
	}
}

func TestClassifyLLMParseFailureRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.NewStore()
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	ids := seedQueued(t, store, 1, now)

	aiClient := &scriptedAI{responses: []string{
		"total garbage with no json",
		`{"items":[{"tweetId":"q-00","verdict":"watch","summary":"ok","importance":3,"tags":["policy"]}]}`,
	}}
	c := newLLM(store, aiClient, now)

	require.NoError(t, c.Handle(ctx, llmJob(t, store, ids)))
	assert.Equal(t, 2, aiClient.calls)
	in, ok := store.Insights().Snapshot("q-00")
	require.True(t, ok)
	assert.Equal(t, domain.VerdictWatch, in.Verdict)
}

func TestClassifyLLMSkipsAlreadyTerminalPosts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.NewStore()
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	ids := seedQueued(t, store, 2, now)
	require.NoError(t, store.Posts().MarkProcessed(ctx, []string{ids[0]}, now))

	aiClient := &scriptedAI{responses: []string{`{"items":[]}`}}
	c := newLLM(store, aiClient, now)
	require.NoError(t, c.Handle(ctx, llmJob(t, store, ids)))

	// Only the still-queued post was sent and synthesized.
	exists, err := store.Insights().Exists(ctx, ids[0])
	require.NoError(t, err)
	assert.False(t, exists)
	exists, err = store.Insights().Exists(ctx, ids[1])
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestClassifyLLMActionableWithoutSuggestionDemoted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.NewStore()
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	ids := seedQueued(t, store, 1, now)

	aiClient := &scriptedAI{responses: []string{
		`{"items":[{"tweetId":"q-00","verdict":"actionable","summary":"big","importance":5,"tags":["policy"]}]}`,
	}}
	c := newLLM(store, aiClient, now)
	require.NoError(t, c.Handle(ctx, llmJob(t, store, ids)))

	in, ok := store.Insights().Snapshot("q-00")
	require.True(t, ok)
	assert.Equal(t, domain.VerdictWatch, in.Verdict)
	assert.Equal(t, 3, in.Importance)
}
