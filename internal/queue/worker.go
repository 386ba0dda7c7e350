package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fairyhunter13/ai-feed-triage/internal/domain"
)

// Handler processes one reserved job.
type Handler func(ctx context.Context, job domain.Job) error

// Worker drains the queue: reserve → handle → complete/fail. A handler that
// returns domain.ErrLockUnavailable gets its job requeued with the attempt
// reverted, since losing the classify lock is not a failure.
type Worker struct {
	ID            string
	Queue         *Queue
	Handlers      map[domain.JobType]Handler
	IdleSleep     time.Duration
	SweepCutoff   time.Duration
	SweepInterval time.Duration
}

// NewWorker constructs a worker with the given handler registry.
func NewWorker(id string, q *Queue, handlers map[domain.JobType]Handler, idleSleep, sweepCutoff, sweepInterval time.Duration) *Worker {
	if idleSleep <= 0 {
		idleSleep = 2 * time.Second
	}
	if sweepCutoff <= 0 {
		sweepCutoff = 2 * time.Hour
	}
	if sweepInterval <= 0 {
		sweepInterval = time.Hour
	}
	return &Worker{ID: id, Queue: q, Handlers: handlers, IdleSleep: idleSleep, SweepCutoff: sweepCutoff, SweepInterval: sweepInterval}
}

// Run loops until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	slog.Info("queue worker starting", slog.String("worker_id", w.ID))
	lastSweep := time.Now()
	for {
		select {
		case <-ctx.Done():
			slog.Info("queue worker stopping", slog.String("worker_id", w.ID))
			return
		default:
		}

		if time.Since(lastSweep) >= w.SweepInterval {
			if n, err := w.Queue.SweepStaleRunning(ctx, w.SweepCutoff); err != nil {
				slog.Error("stale job sweep failed", slog.Any("error", err))
			} else if n > 0 {
				slog.Info("stale job sweep completed", slog.Int("swept", n))
			}
			lastSweep = time.Now()
		}

		if !w.RunOnce(ctx) {
			select {
			case <-ctx.Done():
			case <-time.After(w.IdleSleep):
			}
		}
	}
}

// RunOnce reserves and handles at most one job. Returns false when the queue
// was empty.
func (w *Worker) RunOnce(ctx context.Context) bool {
	job, err := w.Queue.ReserveNext(ctx, w.ID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false
		}
		slog.Error("job reservation failed", slog.Any("error", err))
		return false
	}

	lg := slog.With(slog.String("job_id", job.ID), slog.String("type", string(job.Type)), slog.Int("attempt", job.Attempts))
	handler, ok := w.Handlers[job.Type]
	if !ok {
		// Unknown types are logged and skipped so one bad row cannot wedge
		// the queue.
		lg.Warn("unknown job type, skipping")
		if err := w.Queue.MarkComplete(ctx, job); err != nil {
			lg.Error("failed to complete unknown job", slog.Any("error", err))
		}
		return true
	}

	lg.Info("handling job")
	start := time.Now()
	handleErr := handler(ctx, job)
	switch {
	case handleErr == nil:
		if err := w.Queue.MarkComplete(ctx, job); err != nil {
			lg.Error("failed to mark job complete", slog.Any("error", err))
		}
		lg.Info("job completed", slog.Duration("took", time.Since(start)))
	case errors.Is(handleErr, domain.ErrLockUnavailable):
		lg.Info("lock unavailable, requeueing without counting a failure")
		if err := w.Queue.Requeue(ctx, job, RequeueOptions{Delay: w.IdleSleep, RevertAttempt: true}); err != nil {
			lg.Error("failed to requeue job", slog.Any("error", err))
		}
	default:
		lg.Error("job failed", slog.Any("error", handleErr))
		if err := w.Queue.MarkFailed(ctx, job, handleErr, DefaultRetryDelay); err != nil {
			lg.Error("failed to mark job failed", slog.Any("error", err))
		}
	}
	return true
}
