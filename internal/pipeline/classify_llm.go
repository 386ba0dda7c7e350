package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/ai-feed-triage/internal/adapter/ai"
	"github.com/fairyhunter13/ai-feed-triage/internal/adapter/observability"
	"github.com/fairyhunter13/ai-feed-triage/internal/domain"
	"github.com/fairyhunter13/ai-feed-triage/internal/lock"
)

// llmBatchSize is how many posts go into one model call.
const llmBatchSize = 10

// llmMaxAttempts bounds retries per model call.
const llmMaxAttempts = 3

// Abandon reasons recorded on posts the classifier gives up on.
const (
	AbandonContentRisk = "content-risk"
	AbandonMaxRetries  = "max-retries"
)

// LLMClassifier handles classify-tweets-llm jobs: one claimed chunk of posts
// is classified in model-call batches under a bounded pool.
type LLMClassifier struct {
	posts    domain.PostRepository
	insights domain.InsightRepository
	aiClient domain.AIClient
	locks    *lock.Manager
	cleaner  *ai.ResponseCleaner

	model       string
	allowedTags []string
	concurrency int
	retryDelay  time.Duration
	now         func() time.Time
}

// NewLLMClassifier constructs an LLMClassifier.
func NewLLMClassifier(
	posts domain.PostRepository,
	insights domain.InsightRepository,
	aiClient domain.AIClient,
	locks *lock.Manager,
	model string,
	allowedTags []string,
	concurrency int,
) *LLMClassifier {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &LLMClassifier{
		posts:       posts,
		insights:    insights,
		aiClient:    aiClient,
		locks:       locks,
		cleaner:     ai.NewResponseCleaner(),
		model:       model,
		allowedTags: allowedTags,
		concurrency: concurrency,
		retryDelay:  1500 * time.Millisecond,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the clock; tests only.
func (c *LLMClassifier) WithClock(now func() time.Time) *LLMClassifier {
	c.now = now
	return c
}

// WithRetryDelay overrides the linear backoff base; tests only.
func (c *LLMClassifier) WithRetryDelay(d time.Duration) *LLMClassifier {
	c.retryDelay = d
	return c
}

// Handle classifies the job's claimed posts under the classify lock. Batches
// that exhaust retries or hit a content-risk refusal are abandoned; they do
// not fail the job, so sibling batches still land.
func (c *LLMClassifier) Handle(ctx domain.Context, j domain.Job) error {
	var payload domain.ClassifyLLMPayload
	if err := json.Unmarshal(j.Payload, &payload); err != nil {
		return fmt.Errorf("op=pipeline.classifyLLM: %w: %v", domain.ErrSchemaInvalid, err)
	}
	if len(payload.PostIDs) == 0 {
		return nil
	}

	return c.locks.WithLock(ctx, ClassifyLockKey, lock.JobHolder(j.ID), func() error {
		return c.run(ctx, payload)
	})
}

func (c *LLMClassifier) run(ctx domain.Context, payload domain.ClassifyLLMPayload) error {
	posts, err := c.posts.GetByExternalIDs(ctx, payload.PostIDs)
	if err != nil {
		return fmt.Errorf("op=pipeline.classifyLLM: %w", err)
	}
	// A retried job may see posts already completed or abandoned; only the
	// still-queued ones go to the model.
	queued := posts[:0]
	for _, p := range posts {
		if p.RoutingStatus == domain.RoutingLLMQueued && p.AbandonedAt == nil {
			queued = append(queued, p)
		}
	}
	if len(queued) == 0 {
		return nil
	}

	batches := make(chan []domain.Post)
	var wg sync.WaitGroup
	workers := c.concurrency
	if workers > (len(queued)+llmBatchSize-1)/llmBatchSize {
		workers = (len(queued) + llmBatchSize - 1) / llmBatchSize
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for batch := range batches {
				c.classifyBatch(ctx, batch, payload.Tag)
			}
		}()
	}
	for start := 0; start < len(queued); start += llmBatchSize {
		end := start + llmBatchSize
		if end > len(queued) {
			end = len(queued)
		}
		batches <- queued[start:end]
	}
	close(batches)
	wg.Wait()
	return nil
}

// classifyBatch runs one model call with retries and applies the outcome.
func (c *LLMClassifier) classifyBatch(ctx domain.Context, batch []domain.Post, tag string) {
	ids := make([]string, len(batch))
	for i, p := range batch {
		ids[i] = p.ExternalID
	}

	system := classifySystemPrompt(c.allowedTags, promptTag(tag))
	user := classifyUserPrompt(batch)
	budget := completionBudget(system, user, c.model, len(batch))

	var items []classifiedItem
	var lastErr error
	for attempt := 1; attempt <= llmMaxAttempts; attempt++ {
		raw, err := c.aiClient.ChatJSON(ctx, system, user, budget)
		if err == nil {
			items, err = c.parseItems(raw)
		}
		if err == nil {
			c.applyItems(ctx, batch, items)
			return
		}
		if errors.Is(err, domain.ErrContentRisk) {
			slog.Warn("llm batch refused for content risk",
				slog.String("tag", tag),
				slog.Int("posts", len(batch)))
			c.abandon(ctx, ids, AbandonContentRisk)
			return
		}
		lastErr = err
		if attempt < llmMaxAttempts {
			select {
			case <-time.After(time.Duration(attempt) * c.retryDelay):
			case <-ctx.Done():
				lastErr = ctx.Err()
				attempt = llmMaxAttempts
			}
		}
	}

	slog.Error("llm batch exhausted retries",
		slog.String("tag", tag),
		slog.Int("posts", len(batch)),
		slog.Any("error", lastErr))
	c.abandon(ctx, ids, AbandonMaxRetries)
}

// parseItems tolerates fenced and prose-wrapped JSON.
func (c *LLMClassifier) parseItems(raw string) ([]classifiedItem, error) {
	cleaned, err := c.cleaner.CleanAndValidateJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSchemaInvalid, err)
	}
	var resp classifyResponse
	if err := json.Unmarshal([]byte(cleaned), &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSchemaInvalid, err)
	}
	return resp.Items, nil
}

// applyItems upserts one insight per input post, synthesizing defaults for
// posts the model skipped, then marks them processed.
func (c *LLMClassifier) applyItems(ctx domain.Context, batch []domain.Post, items []classifiedItem) {
	allowed := make(map[string]struct{}, len(c.allowedTags))
	for _, t := range c.allowedTags {
		allowed[t] = struct{}{}
	}
	byID := make(map[string]classifiedItem, len(items))
	for _, item := range items {
		byID[item.TweetID] = item
	}

	insights := make([]domain.Insight, 0, len(batch))
	ids := make([]string, 0, len(batch))
	for _, p := range batch {
		ids = append(ids, p.ExternalID)
		if item, ok := byID[p.ExternalID]; ok {
			insights = append(insights, toInsight(item, allowed))
		} else {
			insights = append(insights, synthesizedInsight(p))
		}
	}

	if err := c.insights.UpsertBatch(ctx, insights); err != nil {
		slog.Error("insight upsert failed", slog.Any("error", err))
		return
	}
	if err := c.posts.MarkProcessed(ctx, ids, c.now()); err != nil {
		slog.Error("mark processed failed", slog.Any("error", err))
	}
}

func (c *LLMClassifier) abandon(ctx domain.Context, ids []string, reason string) {
	observability.PostsAbandonedTotal.WithLabelValues(reason).Add(float64(len(ids)))
	if err := c.posts.MarkAbandoned(ctx, ids, reason, c.now()); err != nil {
		slog.Error("mark abandoned failed", slog.String("reason", reason), slog.Any("error", err))
	}
}
