package routing

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/fairyhunter13/ai-feed-triage/internal/domain"
	"github.com/fairyhunter13/ai-feed-triage/internal/queue"
)

// dispatchBatchSize is how many posts travel in one classify-tweets-llm job.
const dispatchBatchSize = 50

// Dispatcher hands routed posts to the LLM classifier: tags with enough
// inventory are claimed batch-wise under a compare-and-set and enqueued.
type Dispatcher struct {
	posts domain.PostRepository
	queue *queue.Queue

	tagMin   int // per-tag inventory floor before a tag dispatches
	maxTotal int // cap on candidates loaded per tag per sweep
	now      func() time.Time
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(posts domain.PostRepository, q *queue.Queue, tagMin, maxTotal int) *Dispatcher {
	if tagMin <= 0 {
		tagMin = 10
	}
	if maxTotal <= 0 {
		maxTotal = 1000
	}
	return &Dispatcher{
		posts:    posts,
		queue:    q,
		tagMin:   tagMin,
		maxTotal: maxTotal,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the clock; tests only.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Dispatch claims routed posts per tag and enqueues classify-tweets-llm jobs.
// Tags below the inventory floor wait for more posts. Returns how many posts
// were dispatched.
func (d *Dispatcher) Dispatch(ctx domain.Context) (int, error) {
	counts, err := d.posts.CountRoutedByTag(ctx)
	if err != nil {
		return 0, fmt.Errorf("op=routing.dispatch: %w", err)
	}

	tags := make([]string, 0, len(counts))
	for tag, n := range counts {
		if n >= d.tagMin {
			tags = append(tags, tag)
		}
	}
	sort.Strings(tags)

	dispatched := 0
	for _, tag := range tags {
		n, err := d.dispatchTag(ctx, tag)
		if err != nil {
			return dispatched, err
		}
		dispatched += n
	}
	return dispatched, nil
}

func (d *Dispatcher) dispatchTag(ctx domain.Context, tag string) (int, error) {
	candidates, err := d.posts.ListRoutedByTag(ctx, tag, d.maxTotal)
	if err != nil {
		return 0, fmt.Errorf("op=routing.dispatch tag=%s: %w", tag, err)
	}

	dispatched := 0
	for start := 0; start < len(candidates); start += dispatchBatchSize {
		end := start + dispatchBatchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		ids := make([]string, 0, end-start)
		for _, p := range candidates[start:end] {
			ids = append(ids, p.ExternalID)
		}

		claimed, err := d.posts.ClaimForLLM(ctx, ids, d.now())
		if err != nil {
			return dispatched, fmt.Errorf("op=routing.dispatch tag=%s: %w", tag, err)
		}
		if claimed == 0 {
			// Another worker got there first.
			continue
		}

		if _, err := d.queue.Enqueue(ctx, domain.JobClassifyTweetsLLM, domain.ClassifyLLMPayload{
			PostIDs: ids,
			Tag:     tag,
		}, queue.EnqueueOptions{}); err != nil {
			return dispatched, fmt.Errorf("op=routing.dispatch tag=%s: %w", tag, err)
		}
		dispatched += claimed
		slog.Info("llm batch dispatched", slog.String("tag", tag), slog.Int("claimed", claimed), slog.Int("batch", len(ids)))
	}
	return dispatched, nil
}
