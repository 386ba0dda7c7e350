package memory

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/ai-feed-triage/internal/domain"
)

// SubscriptionRepo is the in-memory SubscriptionRepository.
type SubscriptionRepo struct{ s *Store }

// Upsert writes a subscription keyed on the lowercased handle.
func (r *SubscriptionRepo) Upsert(_ domain.Context, sub domain.Subscription) (domain.Subscription, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sub.Handle = strings.ToLower(sub.Handle)
	for id, existing := range r.s.subscriptions {
		if existing.Handle == sub.Handle {
			sub.ID = id
			if sub.Status == domain.SubscriptionActive {
				sub.UnsubscribedAt = nil
			} else if sub.UnsubscribedAt == nil {
				now := r.s.now()
				sub.UnsubscribedAt = &now
			}
			sub.LastFetchedAt = existing.LastFetchedAt
			r.s.subscriptions[id] = sub
			return sub, nil
		}
	}
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	r.s.subscriptions[sub.ID] = sub
	return sub, nil
}

// Get loads a subscription by id.
func (r *SubscriptionRepo) Get(_ domain.Context, id string) (domain.Subscription, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sub, ok := r.s.subscriptions[id]
	if !ok {
		return domain.Subscription{}, domain.ErrNotFound
	}
	return sub, nil
}

// ListDueForFetch returns subscribed accounts due for a fetch.
func (r *SubscriptionRepo) ListDueForFetch(_ domain.Context, olderThan time.Time, limit int) ([]domain.Subscription, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []domain.Subscription
	for _, sub := range r.s.subscriptions {
		if sub.Status != domain.SubscriptionActive {
			continue
		}
		if sub.LastFetchedAt == nil || sub.LastFetchedAt.Before(olderThan) {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		li, lj := out[i].LastFetchedAt, out[j].LastFetchedAt
		switch {
		case li == nil && lj == nil:
			return out[i].Handle < out[j].Handle
		case li == nil:
			return true
		case lj == nil:
			return false
		case !li.Equal(*lj):
			return li.Before(*lj)
		}
		return out[i].Handle < out[j].Handle
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// TouchFetched records a completed fetch.
func (r *SubscriptionRepo) TouchFetched(_ domain.Context, id string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sub, ok := r.s.subscriptions[id]
	if !ok {
		return domain.ErrNotFound
	}
	sub.LastFetchedAt = &at
	r.s.subscriptions[id] = sub
	return nil
}

// PostRepo is the in-memory PostRepository.
type PostRepo struct{ s *Store }

// UpsertBatch writes posts keyed on external id, preserving routing state on
// conflict. Returns the number of newly inserted rows.
func (r *PostRepo) UpsertBatch(_ domain.Context, posts []domain.Post) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	inserted := 0
	for _, p := range posts {
		if existing, ok := r.s.posts[p.ExternalID]; ok {
			existing.Text = p.Text
			existing.Lang = p.Lang
			existing.Raw = p.Raw
			r.s.posts[p.ExternalID] = existing
			continue
		}
		if p.ID == "" {
			p.ID = uuid.New().String()
		}
		if p.RoutingStatus == "" {
			p.RoutingStatus = domain.RoutingPending
		}
		p.CreatedAt = r.s.now()
		r.s.posts[p.ExternalID] = p
		inserted++
	}
	return inserted, nil
}

// GetByExternalIDs loads posts by external id, oldest first.
func (r *PostRepo) GetByExternalIDs(_ domain.Context, ids []string) ([]domain.Post, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []domain.Post
	for _, id := range ids {
		if p, ok := r.s.posts[id]; ok {
			out = append(out, p)
		}
	}
	sortPosts(out)
	return out, nil
}

// ListPending returns the oldest pending posts.
func (r *PostRepo) ListPending(_ domain.Context, limit int) ([]domain.Post, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []domain.Post
	for _, p := range r.s.posts {
		if p.RoutingStatus == domain.RoutingPending && p.AbandonedAt == nil {
			out = append(out, p)
		}
	}
	sortPosts(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListRoutedByTag returns the oldest-routed unclaimed posts for one tag.
func (r *PostRepo) ListRoutedByTag(_ domain.Context, tag string, limit int) ([]domain.Post, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []domain.Post
	for _, p := range r.s.posts {
		if p.RoutingStatus == domain.RoutingRouted && p.RoutingTag == tag && p.LLMQueuedAt == nil && p.AbandonedAt == nil {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := out[i].RoutedAt, out[j].RoutedAt
		if ri != nil && rj != nil && !ri.Equal(*rj) {
			return ri.Before(*rj)
		}
		return out[i].ExternalID < out[j].ExternalID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountRoutedByTag returns routed-and-unclaimed counts per tag.
func (r *PostRepo) CountRoutedByTag(_ domain.Context) (map[string]int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := map[string]int{}
	for _, p := range r.s.posts {
		if p.RoutingStatus == domain.RoutingRouted && p.LLMQueuedAt == nil && p.AbandonedAt == nil {
			out[p.RoutingTag]++
		}
	}
	return out, nil
}

// ApplyRouting applies router decisions with the state-machine guard: only
// pending and routed posts move, abandoned posts never do.
func (r *PostRepo) ApplyRouting(_ domain.Context, updates []domain.RoutingUpdate) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, u := range updates {
		p, ok := r.s.posts[u.ExternalID]
		if !ok || p.AbandonedAt != nil {
			continue
		}
		if p.RoutingStatus != domain.RoutingPending && p.RoutingStatus != domain.RoutingRouted {
			continue
		}
		p.RoutingStatus = u.Status
		p.RoutingTag = u.Tag
		p.RoutingScore = u.Score
		p.RoutingMargin = u.Margin
		p.RoutingReason = u.Reason
		p.RoutedAt = u.RoutedAt
		p.ProcessedAt = u.Processed
		r.s.posts[u.ExternalID] = p
	}
	return nil
}

// ClaimForLLM flips routed posts to llm_queued under the CAS predicate.
func (r *PostRepo) ClaimForLLM(_ domain.Context, ids []string, at time.Time) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	claimed := 0
	for _, id := range ids {
		p, ok := r.s.posts[id]
		if !ok || p.AbandonedAt != nil {
			continue
		}
		if p.RoutingStatus != domain.RoutingRouted || p.LLMQueuedAt != nil {
			continue
		}
		t := at
		p.RoutingStatus = domain.RoutingLLMQueued
		p.LLMQueuedAt = &t
		r.s.posts[id] = p
		claimed++
	}
	return claimed, nil
}

// MarkProcessed moves posts to completed.
func (r *PostRepo) MarkProcessed(_ domain.Context, ids []string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, id := range ids {
		p, ok := r.s.posts[id]
		if !ok || p.AbandonedAt != nil {
			continue
		}
		t := at
		p.RoutingStatus = domain.RoutingCompleted
		p.ProcessedAt = &t
		r.s.posts[id] = p
	}
	return nil
}

// MarkAbandoned flags posts so they are never re-attempted.
func (r *PostRepo) MarkAbandoned(_ domain.Context, ids []string, reason string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, id := range ids {
		p, ok := r.s.posts[id]
		if !ok || p.AbandonedAt != nil {
			continue
		}
		t := at
		p.AbandonedAt = &t
		p.AbandonReason = reason
		r.s.posts[id] = p
	}
	return nil
}

// Snapshot returns a copy of one post for test assertions.
func (r *PostRepo) Snapshot(externalID string) (domain.Post, bool) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.posts[externalID]
	return p, ok
}

func sortPosts(out []domain.Post) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].TweetedAt.Equal(out[j].TweetedAt) {
			return out[i].TweetedAt.Before(out[j].TweetedAt)
		}
		return out[i].ExternalID < out[j].ExternalID
	})
}

// postURL mirrors the postgres adapter's link construction.
func postURL(handle, externalID string) string {
	return fmt.Sprintf("https://x.com/%s/status/%s", handle, externalID)
}
