package routing

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/ai-feed-triage/internal/domain"
)

// PrimaryMinSamples is how many high-importance samples the cache builder
// aims for before topping up with importance-3 posts.
const PrimaryMinSamples = 100

// highImportance is the floor for primary routing samples.
const highImportance = 4

// CacheManager owns the singleton routing tag cache: it rebuilds the cache
// when stale and keeps an in-memory mirror refreshed off the row's
// updated_at so routing runs don't reload the blob on every sweep.
type CacheManager struct {
	caches   domain.RoutingCacheRepository
	insights domain.InsightRepository
	posts    domain.PostRepository
	embedder *Embedder

	windowDays  int
	sampleLimit int
	now         func() time.Time

	mu     sync.Mutex
	mirror *domain.RoutingCache
}

// NewCacheManager constructs a CacheManager.
func NewCacheManager(
	caches domain.RoutingCacheRepository,
	insights domain.InsightRepository,
	posts domain.PostRepository,
	embedder *Embedder,
	windowDays, sampleLimit int,
) *CacheManager {
	return &CacheManager{
		caches:      caches,
		insights:    insights,
		posts:       posts,
		embedder:    embedder,
		windowDays:  windowDays,
		sampleLimit: sampleLimit,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the clock; tests only.
func (m *CacheManager) WithClock(now func() time.Time) *CacheManager {
	m.now = now
	return m
}

// Load returns a usable routing cache, rebuilding when the stored one is
// absent or was built with different model, dimension or window parameters.
func (m *CacheManager) Load(ctx domain.Context) (domain.RoutingCache, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, err := m.caches.Get(ctx)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return m.rebuildLocked(ctx)
	case err != nil:
		return domain.RoutingCache{}, fmt.Errorf("op=routing.cacheLoad: %w", err)
	}

	if m.stale(stored) {
		return m.rebuildLocked(ctx)
	}
	if m.mirror == nil || !m.mirror.UpdatedAt.Equal(stored.UpdatedAt) {
		m.mirror = &stored
	}
	return *m.mirror, nil
}

// Rebuild forces a cache rebuild regardless of staleness.
func (m *CacheManager) Rebuild(ctx domain.Context) (domain.RoutingCache, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rebuildLocked(ctx)
}

func (m *CacheManager) stale(c domain.RoutingCache) bool {
	return c.Model != m.embedder.Model() ||
		c.Dimensions != m.embedder.Dimensions() ||
		c.WindowDays != m.windowDays ||
		c.SampleLimit != m.sampleLimit
}

func (m *CacheManager) rebuildLocked(ctx domain.Context) (domain.RoutingCache, error) {
	now := m.now()
	since := now.AddDate(0, 0, -m.windowDays)

	primary, err := m.insights.ListRoutingSamples(ctx, since, highImportance, m.sampleLimit)
	if err != nil {
		return domain.RoutingCache{}, fmt.Errorf("op=routing.cacheRebuild: %w", err)
	}
	if len(primary) < PrimaryMinSamples {
		wider, err := m.insights.ListRoutingSamples(ctx, since, highImportance-1, m.sampleLimit)
		if err != nil {
			return domain.RoutingCache{}, fmt.Errorf("op=routing.cacheRebuild: %w", err)
		}
		seen := make(map[string]struct{}, len(primary))
		for _, s := range primary {
			seen[s.PostExternalID] = struct{}{}
		}
		for _, s := range wider {
			if len(primary) >= PrimaryMinSamples || len(primary) >= m.sampleLimit {
				break
			}
			if _, ok := seen[s.PostExternalID]; ok {
				continue
			}
			primary = append(primary, s)
		}
	}

	negatives, err := m.insights.ListNegativeSamples(ctx, since, m.sampleLimit)
	if err != nil {
		return domain.RoutingCache{}, fmt.Errorf("op=routing.cacheRebuild: %w", err)
	}

	vectors, err := m.sampleVectors(ctx, append(append([]domain.RoutingSample{}, primary...), negatives...))
	if err != nil {
		return domain.RoutingCache{}, err
	}

	cache := domain.RoutingCache{
		ID:          domain.RoutingCacheID,
		Model:       m.embedder.Model(),
		Dimensions:  m.embedder.Dimensions(),
		WindowDays:  m.windowDays,
		SampleLimit: m.sampleLimit,
		Samples:     map[string][][]float32{},
		Counts:      map[string]int{},
		UpdatedAt:   now,
	}
	for _, s := range primary {
		v, ok := vectors[s.PostExternalID]
		if !ok {
			continue
		}
		tag := primaryTag(s.Tags)
		if len(cache.Samples[tag]) >= m.sampleLimit {
			continue
		}
		cache.Samples[tag] = append(cache.Samples[tag], v)
		cache.Counts[tag]++
	}
	for _, s := range negatives {
		if v, ok := vectors[s.PostExternalID]; ok {
			cache.Negatives = append(cache.Negatives, v)
		}
	}

	if err := m.caches.Save(ctx, cache); err != nil {
		return domain.RoutingCache{}, fmt.Errorf("op=routing.cacheRebuild: %w", err)
	}
	// Re-read so the mirror carries the store-stamped updated_at.
	if saved, err := m.caches.Get(ctx); err == nil {
		cache = saved
	}
	m.mirror = &cache

	slog.Info("routing cache rebuilt",
		slog.Int("tags", len(cache.Samples)),
		slog.Int("positives", len(primary)),
		slog.Int("negatives", len(cache.Negatives)),
		slog.String("model", cache.Model))
	return cache, nil
}

// sampleVectors resolves normalized embeddings for the sample posts.
func (m *CacheManager) sampleVectors(ctx domain.Context, samples []domain.RoutingSample) (map[string][]float32, error) {
	ids := make([]string, 0, len(samples))
	seen := map[string]struct{}{}
	for _, s := range samples {
		if _, ok := seen[s.PostExternalID]; ok {
			continue
		}
		seen[s.PostExternalID] = struct{}{}
		ids = append(ids, s.PostExternalID)
	}
	posts, err := m.posts.GetByExternalIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("op=routing.cacheRebuild: %w", err)
	}
	vectors, err := m.embedder.Resolve(ctx, posts)
	if err != nil {
		return nil, fmt.Errorf("op=routing.cacheRebuild: %w", err)
	}
	return vectors, nil
}

// primaryTag is the first tag of a sample, falling back to the shared
// fallback tag.
func primaryTag(tags []string) string {
	if len(tags) == 0 {
		return domain.FallbackTag
	}
	return tags[0]
}
