package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/ai-feed-triage/internal/domain"
	"github.com/fairyhunter13/ai-feed-triage/internal/queue"
)

// Fetcher handles fetch-subscriptions jobs: pull timelines for accounts past
// their cooldown, upsert posts idempotently and kick a classify sweep.
type Fetcher struct {
	subscriptions domain.SubscriptionRepository
	posts         domain.PostRepository
	timeline      domain.TimelineFetcher
	queue         *queue.Queue

	batchSize     int
	cooldownHours int
	now           func() time.Time
}

// NewFetcher constructs a Fetcher.
func NewFetcher(
	subscriptions domain.SubscriptionRepository,
	posts domain.PostRepository,
	timeline domain.TimelineFetcher,
	q *queue.Queue,
	batchSize, cooldownHours int,
) *Fetcher {
	if batchSize <= 0 {
		batchSize = 10
	}
	if cooldownHours <= 0 {
		cooldownHours = 12
	}
	return &Fetcher{
		subscriptions: subscriptions,
		posts:         posts,
		timeline:      timeline,
		queue:         q,
		batchSize:     batchSize,
		cooldownHours: cooldownHours,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the clock; tests only.
func (f *Fetcher) WithClock(now func() time.Time) *Fetcher {
	f.now = now
	return f
}

// Handle runs one fetch sweep. Failed handles don't block the rest of the
// batch; their last-fetch stays untouched so the next sweep retries them,
// and the job reports the combined failure.
func (f *Fetcher) Handle(ctx domain.Context, _ domain.Job) error {
	now := f.now()
	olderThan := now.Add(-time.Duration(f.cooldownHours) * time.Hour)

	due, err := f.subscriptions.ListDueForFetch(ctx, olderThan, f.batchSize)
	if err != nil {
		return fmt.Errorf("op=pipeline.fetch: %w", err)
	}
	if len(due) == 0 {
		slog.Debug("no subscriptions due for fetch")
		return nil
	}

	var errs []error
	fetched := 0
	inserted := 0
	for _, sub := range due {
		entries, err := f.timeline.Fetch(ctx, sub.Handle)
		if err != nil {
			slog.Error("timeline fetch failed",
				slog.String("handle", sub.Handle),
				slog.Any("error", err))
			errs = append(errs, fmt.Errorf("handle=%s: %w", sub.Handle, err))
			continue
		}

		posts := make([]domain.Post, 0, len(entries))
		for _, e := range entries {
			posts = append(posts, domain.Post{
				ExternalID:     e.ExternalID,
				SubscriptionID: sub.ID,
				AuthorHandle:   e.AuthorHandle,
				AuthorName:     e.AuthorName,
				Text:           e.Text,
				Lang:           e.Lang,
				TweetedAt:      e.CreatedAt,
				Raw:            e.Raw,
				RoutingStatus:  domain.RoutingPending,
			})
		}
		n, err := f.posts.UpsertBatch(ctx, posts)
		if err != nil {
			errs = append(errs, fmt.Errorf("handle=%s: %w", sub.Handle, err))
			continue
		}
		if err := f.subscriptions.TouchFetched(ctx, sub.ID, now); err != nil {
			errs = append(errs, fmt.Errorf("handle=%s: %w", sub.Handle, err))
			continue
		}
		fetched++
		inserted += n
		slog.Info("timeline fetched",
			slog.String("handle", sub.Handle),
			slog.Int("entries", len(entries)),
			slog.Int("new_posts", n))
	}

	if inserted > 0 {
		if _, err := f.queue.Enqueue(ctx, domain.JobClassifyTweets, nil, queue.EnqueueOptions{Dedupe: true}); err != nil {
			errs = append(errs, fmt.Errorf("enqueue classify: %w", err))
		}
	}

	slog.Info("fetch sweep done", slog.Int("due", len(due)), slog.Int("fetched", fetched), slog.Int("new_posts", inserted))
	if len(errs) > 0 {
		return fmt.Errorf("op=pipeline.fetch: %w", errors.Join(errs...))
	}
	return nil
}
