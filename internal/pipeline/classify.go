package pipeline

import (
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/ai-feed-triage/internal/domain"
	"github.com/fairyhunter13/ai-feed-triage/internal/lock"
	"github.com/fairyhunter13/ai-feed-triage/internal/routing"
)

// ClassifyLockKey serializes large classify runs across worker processes.
const ClassifyLockKey = "classify"

// ClassifyResult counts one classify sweep.
type ClassifyResult struct {
	Pending      int
	AutoInsights int
	Ignored      int
	Dispatched   int
}

// Classifier handles classify-tweets jobs: rule filter, embedding router and
// LLM dispatch under the classify lock.
type Classifier struct {
	posts      domain.PostRepository
	router     *routing.Router
	dispatcher *routing.Dispatcher
	locks      *lock.Manager

	minTweets int
	maxTweets int
}

// NewClassifier constructs a Classifier.
func NewClassifier(
	posts domain.PostRepository,
	router *routing.Router,
	dispatcher *routing.Dispatcher,
	locks *lock.Manager,
	minTweets, maxTweets int,
) *Classifier {
	if minTweets <= 0 {
		minTweets = 10
	}
	if maxTweets <= 0 {
		maxTweets = 1000
	}
	return &Classifier{
		posts:      posts,
		router:     router,
		dispatcher: dispatcher,
		locks:      locks,
		minTweets:  minTweets,
		maxTweets:  maxTweets,
	}
}

// Handle runs one classify sweep under the classify lock. Returns
// domain.ErrLockUnavailable unchanged so the worker requeues without
// counting a failure.
func (c *Classifier) Handle(ctx domain.Context, j domain.Job) error {
	return c.locks.WithLock(ctx, ClassifyLockKey, lock.JobHolder(j.ID), func() error {
		res, err := c.run(ctx)
		if err != nil {
			return err
		}
		slog.Info("classify sweep done",
			slog.Int("pending", res.Pending),
			slog.Int("auto_insights", res.AutoInsights),
			slog.Int("ignored", res.Ignored),
			slog.Int("dispatched", res.Dispatched))
		return nil
	})
}

func (c *Classifier) run(ctx domain.Context) (ClassifyResult, error) {
	var res ClassifyResult

	pending, err := c.posts.ListPending(ctx, c.maxTweets)
	if err != nil {
		return res, fmt.Errorf("op=pipeline.classify: %w", err)
	}
	res.Pending = len(pending)
	if len(pending) < c.minTweets {
		slog.Info("classify deferred, below minimum",
			slog.Int("pending", len(pending)),
			slog.Int("min", c.minTweets))
		return res, nil
	}

	routed, err := c.router.Route(ctx, pending)
	if err != nil {
		return res, err
	}
	res.AutoInsights = routed.AutoHigh
	res.Ignored = routed.Ignored

	dispatched, err := c.dispatcher.Dispatch(ctx)
	if err != nil {
		return res, err
	}
	res.Dispatched = dispatched
	return res, nil
}
