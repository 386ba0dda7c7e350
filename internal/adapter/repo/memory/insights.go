package memory

import (
	"sort"
	"time"

	"github.com/fairyhunter13/ai-feed-triage/internal/domain"
)

// InsightRepo is the in-memory InsightRepository.
type InsightRepo struct{ s *Store }

// Upsert writes one insight; identical payloads only move updated_at.
func (r *InsightRepo) Upsert(_ domain.Context, in domain.Insight) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	in.Normalize()
	if existing, ok := r.s.insights[in.PostExternalID]; ok {
		in.CreatedAt = existing.CreatedAt
	} else {
		in.CreatedAt = r.s.now()
	}
	in.UpdatedAt = r.s.now()
	r.s.insights[in.PostExternalID] = in
	return nil
}

// UpsertBatch writes insights.
func (r *InsightRepo) UpsertBatch(ctx domain.Context, ins []domain.Insight) error {
	for _, in := range ins {
		if err := r.Upsert(ctx, in); err != nil {
			return err
		}
	}
	return nil
}

// Exists reports whether an insight row exists for the post.
func (r *InsightRepo) Exists(_ domain.Context, postExternalID string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	_, ok := r.s.insights[postExternalID]
	return ok, nil
}

// Snapshot returns a copy of one insight for test assertions.
func (r *InsightRepo) Snapshot(postExternalID string) (domain.Insight, bool) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	in, ok := r.s.insights[postExternalID]
	return in, ok
}

// ListForWindow loads window insights (verdict≠ignore) joined with post
// attributes.
func (r *InsightRepo) ListForWindow(_ domain.Context, from, to time.Time) ([]domain.InsightWithPost, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []domain.InsightWithPost
	for id, in := range r.s.insights {
		p, ok := r.s.posts[id]
		if !ok || in.Verdict == domain.VerdictIgnore || p.AbandonedAt != nil {
			continue
		}
		if p.TweetedAt.Before(from) || !p.TweetedAt.Before(to) {
			continue
		}
		var authorTags []string
		if sub, ok := r.s.subscriptions[p.SubscriptionID]; ok {
			authorTags = sub.Tags
		}
		out = append(out, domain.InsightWithPost{
			Insight:      in,
			AuthorHandle: p.AuthorHandle,
			AuthorTags:   authorTags,
			Text:         p.Text,
			TweetedAt:    p.TweetedAt,
			URL:          postURL(p.AuthorHandle, id),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Importance != out[j].Importance {
			return out[i].Importance > out[j].Importance
		}
		if !out[i].TweetedAt.Equal(out[j].TweetedAt) {
			return out[i].TweetedAt.After(out[j].TweetedAt)
		}
		return out[i].PostExternalID < out[j].PostExternalID
	})
	return out, nil
}

// ListRoutingSamples returns positive routing samples.
func (r *InsightRepo) ListRoutingSamples(_ domain.Context, since time.Time, minImportance int, limit int) ([]domain.RoutingSample, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []domain.RoutingSample
	for id, in := range r.s.insights {
		p, ok := r.s.posts[id]
		if !ok || p.TweetedAt.Before(since) {
			continue
		}
		if in.Verdict == domain.VerdictIgnore || in.Importance < minImportance {
			continue
		}
		out = append(out, domain.RoutingSample{PostExternalID: id, Tags: in.Tags, Importance: in.Importance, Verdict: in.Verdict})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Importance != out[j].Importance {
			return out[i].Importance > out[j].Importance
		}
		return out[i].PostExternalID < out[j].PostExternalID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListNegativeSamples returns judged low-value posts.
func (r *InsightRepo) ListNegativeSamples(_ domain.Context, since time.Time, limit int) ([]domain.RoutingSample, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []domain.RoutingSample
	for id, in := range r.s.insights {
		p, ok := r.s.posts[id]
		if !ok || p.TweetedAt.Before(since) {
			continue
		}
		if in.Verdict != domain.VerdictIgnore && in.Importance > 1 {
			continue
		}
		out = append(out, domain.RoutingSample{PostExternalID: id, Tags: in.Tags, Importance: in.Importance, Verdict: in.Verdict})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PostExternalID < out[j].PostExternalID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// EmbeddingRepo is the in-memory EmbeddingRepository.
type EmbeddingRepo struct{ s *Store }

// GetByPostIDs loads stored embeddings keyed by post external id.
func (r *EmbeddingRepo) GetByPostIDs(_ domain.Context, ids []string) (map[string]domain.PostEmbedding, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := map[string]domain.PostEmbedding{}
	for _, id := range ids {
		if e, ok := r.s.embeddings[id]; ok {
			out[id] = e
		}
	}
	return out, nil
}

// UpsertBatch writes embeddings.
func (r *EmbeddingRepo) UpsertBatch(_ domain.Context, embs []domain.PostEmbedding) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, e := range embs {
		e.UpdatedAt = r.s.now()
		r.s.embeddings[e.PostExternalID] = e
	}
	return nil
}

// RoutingCacheRepo is the in-memory RoutingCacheRepository.
type RoutingCacheRepo struct{ s *Store }

// Get loads the singleton routing cache.
func (r *RoutingCacheRepo) Get(_ domain.Context) (domain.RoutingCache, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.cache == nil {
		return domain.RoutingCache{}, domain.ErrNotFound
	}
	return *r.s.cache, nil
}

// Save upserts the singleton routing cache.
func (r *RoutingCacheRepo) Save(_ domain.Context, c domain.RoutingCache) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c.ID = domain.RoutingCacheID
	c.UpdatedAt = r.s.now()
	r.s.cache = &c
	return nil
}
