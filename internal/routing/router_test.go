package routing

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-feed-triage/internal/adapter/repo/memory"
	"github.com/fairyhunter13/ai-feed-triage/internal/domain"
)

// unit returns a normalized 2d vector with the given first component.
func unit(x float64) []float32 {
	y := math.Sqrt(1 - x*x)
	return []float32{float32(x), float32(y)}
}

var e1 = []float32{1, 0}

func cacheWith(samples map[string][][]float32, negatives [][]float32) domain.RoutingCache {
	return domain.RoutingCache{Samples: samples, Negatives: negatives}
}

func TestDecideTable(t *testing.T) {
	t.Parallel()

	policy := map[string][][]float32{"policy": {e1}}

	tests := []struct {
		name       string
		v          []float32
		cache      domain.RoutingCache
		kind       DecisionKind
		tag        string
		reason     string
		importance int
	}{
		{
			name:   "no samples routes unrouted",
			v:      e1,
			cache:  cacheWith(map[string][][]float32{}, nil),
			kind:   DecideAnalyze,
			tag:    UnroutedTag,
			reason: ReasonEmbedUnrouted,
		},
		{
			name:   "low score ignored",
			v:      unit(0.70),
			cache:  cacheWith(policy, nil),
			kind:   DecideIgnore,
			tag:    "policy",
			reason: ReasonEmbedLow,
		},
		{
			name:   "just above lowSim analyzed",
			v:      unit(0.73),
			cache:  cacheWith(policy, nil),
			kind:   DecideAnalyze,
			tag:    "policy",
			reason: ReasonEmbedAnalyze,
		},
		{
			name:       "perfect match auto-high strict",
			v:          e1,
			cache:      cacheWith(policy, nil),
			kind:       DecideAutoHigh,
			tag:        "policy",
			reason:     ReasonEmbedHigh,
			importance: 5,
		},
		{
			name:       "high but below strict gets importance 4",
			v:          unit(0.88),
			cache:      cacheWith(policy, nil),
			kind:       DecideAutoHigh,
			tag:        "policy",
			reason:     ReasonEmbedHigh,
			importance: 4,
		},
		{
			name:   "mid score analyzed",
			v:      unit(0.80),
			cache:  cacheWith(policy, nil),
			kind:   DecideAnalyze,
			tag:    "policy",
			reason: ReasonEmbedAnalyze,
		},
		{
			name:   "close to negatives ignored",
			v:      unit(0.80),
			cache:  cacheWith(policy, [][]float32{unit(0.80)}),
			kind:   DecideIgnore,
			tag:    "policy",
			reason: ReasonEmbedNegative,
		},
		{
			name:   "small neg gap blocks auto-high",
			v:      e1,
			cache:  cacheWith(policy, [][]float32{unit(0.94)}),
			kind:   DecideAnalyze,
			tag:    "policy",
			reason: ReasonEmbedAnalyze,
		},
		{
			name: "tie breaks by tag name ascending",
			v:    e1,
			cache: cacheWith(map[string][][]float32{
				"market": {e1},
				"policy": {e1},
			}, nil),
			kind:   DecideAnalyze, // margin 0 < highMargin
			tag:    "market",
			reason: ReasonEmbedAnalyze,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := Decide(tt.v, tt.cache, nil)
			assert.Equal(t, tt.kind, d.Kind)
			assert.Equal(t, tt.tag, d.Tag)
			assert.Equal(t, tt.reason, d.Reason)
			if tt.importance > 0 {
				assert.Equal(t, tt.importance, d.Importance)
			}
		})
	}
}

func TestDecideDeterministic(t *testing.T) {
	t.Parallel()
	cache := cacheWith(map[string][][]float32{
		"market": {unit(0.9), unit(0.7)},
		"policy": {e1, unit(0.95)},
	}, [][]float32{unit(0.2)})
	v := unit(0.85)
	first := Decide(v, cache, nil)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Decide(v, cache, nil))
	}
}

func TestDecideNoNegativesNeverEmbedNegative(t *testing.T) {
	t.Parallel()
	cache := cacheWith(map[string][][]float32{"policy": {e1}}, nil)
	for _, x := range []float64{0.0, 0.5, 0.73, 0.85, 0.95, 1.0} {
		d := Decide(unit(x), cache, nil)
		assert.NotEqual(t, ReasonEmbedNegative, d.Reason)
	}
}

// stubAI serves canned embeddings keyed by exact embed text.
type stubAI struct {
	vectors map[string][]float32
}

func (s *stubAI) ChatJSON(domain.Context, string, string, int) (string, error) {
	return "", nil
}

func (s *stubAI) Embed(_ domain.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, ok := s.vectors[t]
		if !ok {
			v = unit(0.5)
		}
		out[i] = v
	}
	return out, nil
}

func seedCache(t *testing.T, store *memory.Store, embedder *Embedder, windowDays, sampleLimit int, samples map[string][][]float32) {
	t.Helper()
	require.NoError(t, store.RoutingCaches().Save(context.Background(), domain.RoutingCache{
		Model:       embedder.Model(),
		Dimensions:  embedder.Dimensions(),
		WindowDays:  windowDays,
		SampleLimit: sampleLimit,
		Samples:     samples,
	}))
}

func TestRouteEmbedFailureLeavesPostPending(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.NewStore()
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	text := "SEC filing deadline moved to 2026-03-01, 12% fee cut proposed"
	// The provider returns no vector for this post.
	ai := &stubAI{vectors: map[string][]float32{
		BuildEmbedText(text, "en"): {},
	}}
	embedder := NewEmbedder(store.Embeddings(), ai, "test-model", 2)
	cm := NewCacheManager(store.RoutingCaches(), store.Insights(), store.Posts(), embedder, 30, 200)
	seedCache(t, store, embedder, 30, 200, map[string][][]float32{"policy": {e1}})

	posts := []domain.Post{
		{ExternalID: "p1", SubscriptionID: "s1", Text: text, Lang: "en", TweetedAt: now, RoutingStatus: domain.RoutingPending},
	}
	_, err := store.Posts().UpsertBatch(ctx, posts)
	require.NoError(t, err)

	router := NewRouter(store.Posts(), store.Insights(), embedder, cm).
		WithClock(func() time.Time { return now })
	res, err := router.Route(ctx, posts)
	require.NoError(t, err)
	assert.Zero(t, res.Routed)
	assert.Zero(t, res.Ignored)
	assert.Zero(t, res.AutoHigh)

	// The post stays pending so the next sweep retries the embedding.
	p1, ok := store.Posts().Snapshot("p1")
	require.True(t, ok)
	assert.Equal(t, domain.RoutingPending, p1.RoutingStatus)
	assert.Nil(t, p1.ProcessedAt)
	_, ok = store.Insights().Snapshot("p1")
	assert.False(t, ok)
}

func TestRouteEndToEnd(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.NewStore()
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	highText := "SEC announces new ETF policy effective 2026-02-01; $BTC reaction to 4% gain"
	midText := "governance proposal draft circulating"
	ai := &stubAI{vectors: map[string][]float32{
		BuildEmbedText(highText, "en"): unit(0.93),
		BuildEmbedText(midText, "en"):  unit(0.80),
	}}
	embedder := NewEmbedder(store.Embeddings(), ai, "test-model", 2)
	cm := NewCacheManager(store.RoutingCaches(), store.Insights(), store.Posts(), embedder, 30, 200)
	seedCache(t, store, embedder, 30, 200, map[string][][]float32{
		"policy": {e1},
		"market": {{0, 1}},
	})

	posts := []domain.Post{
		{ExternalID: "p1", SubscriptionID: "s1", Text: highText, Lang: "en", TweetedAt: now, RoutingStatus: domain.RoutingPending},
		{ExternalID: "p2", SubscriptionID: "s1", Text: midText, Lang: "en", TweetedAt: now, RoutingStatus: domain.RoutingPending},
		{ExternalID: "p3", SubscriptionID: "s1", Text: "gm", Lang: "en", TweetedAt: now, RoutingStatus: domain.RoutingPending},
	}
	_, err := store.Posts().UpsertBatch(ctx, posts)
	require.NoError(t, err)

	router := NewRouter(store.Posts(), store.Insights(), embedder, cm).
		WithClock(func() time.Time { return now })

	res, err := router.Route(ctx, posts)
	require.NoError(t, err)
	assert.Equal(t, 1, res.RuleDropped)
	assert.Equal(t, 1, res.Ignored)
	assert.Equal(t, 1, res.AutoHigh)
	assert.Equal(t, 1, res.Routed)

	// p1: auto-high importance 5 (0.93 >= highStrict 0.90), processedAt set,
	// synthesized watch insight under policy.
	p1, ok := store.Posts().Snapshot("p1")
	require.True(t, ok)
	assert.Equal(t, domain.RoutingAutoHigh, p1.RoutingStatus)
	assert.Equal(t, "policy", p1.RoutingTag)
	require.NotNil(t, p1.ProcessedAt)
	in1, ok := store.Insights().Snapshot("p1")
	require.True(t, ok)
	assert.Equal(t, domain.VerdictWatch, in1.Verdict)
	assert.Equal(t, 5, in1.Importance)
	assert.Equal(t, []string{"policy"}, in1.Tags)

	// p2: mid-score, routed for LLM analysis.
	p2, ok := store.Posts().Snapshot("p2")
	require.True(t, ok)
	assert.Equal(t, domain.RoutingRouted, p2.RoutingStatus)
	assert.Equal(t, "policy", p2.RoutingTag)
	assert.Equal(t, ReasonEmbedAnalyze, p2.RoutingReason)
	require.NotNil(t, p2.RoutedAt)

	// p3: rule-dropped with synthesized ignore insight.
	p3, ok := store.Posts().Snapshot("p3")
	require.True(t, ok)
	assert.Equal(t, domain.RoutingIgnored, p3.RoutingStatus)
	assert.Equal(t, DropLowInfoShort, p3.RoutingReason)
	in3, ok := store.Insights().Snapshot("p3")
	require.True(t, ok)
	assert.Equal(t, domain.VerdictIgnore, in3.Verdict)
	assert.Equal(t, 1, in3.Importance)
	assert.Equal(t, []string{domain.FallbackTag}, in3.Tags)

	// Embeddings persisted for the survivors.
	embs, err := store.Embeddings().GetByPostIDs(ctx, []string{"p1", "p2", "p3"})
	require.NoError(t, err)
	assert.Len(t, embs, 2)
}

func TestRouteEmptyInput(t *testing.T) {
	t.Parallel()
	store := memory.NewStore()
	ai := &stubAI{}
	embedder := NewEmbedder(store.Embeddings(), ai, "test-model", 2)
	cm := NewCacheManager(store.RoutingCaches(), store.Insights(), store.Posts(), embedder, 30, 200)
	router := NewRouter(store.Posts(), store.Insights(), embedder, cm)

	res, err := router.Route(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, RouteResult{}, res)
}
