// Package queue implements the durable background job queue on top of the
// job repository: at-least-once execution, dedupe on enqueue, lease-based
// reservation and stale-lease recovery.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/ai-feed-triage/internal/adapter/observability"
	"github.com/fairyhunter13/ai-feed-triage/internal/domain"
)

// DefaultMaxAttempts applies when EnqueueOptions leaves MaxAttempts unset.
const DefaultMaxAttempts = 3

// DefaultRetryDelay spaces retries of failed jobs.
const DefaultRetryDelay = 5 * time.Second

// EnqueueOptions tunes one enqueue call.
type EnqueueOptions struct {
	// Dedupe suppresses the insert when a non-terminal job of the same type
	// already exists.
	Dedupe      bool
	RunAt       time.Time
	MaxAttempts int
}

// EnqueueResult reports what Enqueue did.
type EnqueueResult struct {
	Job     domain.Job
	Created bool
}

// Queue exposes the durable job queue operations.
type Queue struct {
	jobs domain.JobRepository
	now  func() time.Time
}

// New constructs a Queue over the given repository.
func New(jobs domain.JobRepository) *Queue {
	return &Queue{jobs: jobs, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the clock; tests only.
func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

// Enqueue inserts a pending job. With Dedupe set, an existing non-terminal
// job of the same type short-circuits the insert.
func (q *Queue) Enqueue(ctx domain.Context, t domain.JobType, payload any, opts EnqueueOptions) (EnqueueResult, error) {
	if opts.Dedupe {
		existing, err := q.jobs.FindActiveByType(ctx, t)
		if err == nil {
			return EnqueueResult{Job: existing, Created: false}, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return EnqueueResult{}, fmt.Errorf("op=queue.enqueue: %w", err)
		}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("op=queue.enqueue: %w", err)
	}
	runAt := opts.RunAt
	if runAt.IsZero() {
		runAt = q.now()
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	j, err := q.jobs.Create(ctx, domain.Job{
		Type:        t,
		Payload:     raw,
		Status:      domain.JobPending,
		ScheduledAt: runAt,
		MaxAttempts: maxAttempts,
	})
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("op=queue.enqueue: %w", err)
	}
	observability.JobsEnqueuedTotal.WithLabelValues(string(t)).Inc()
	return EnqueueResult{Job: j, Created: true}, nil
}

// ReserveNext leases the oldest due pending job under workerID. Returns
// ErrNotFound when the queue is empty. Lost claim races retry internally.
func (q *Queue) ReserveNext(ctx domain.Context, workerID string) (domain.Job, error) {
	for {
		j, err := q.jobs.NextDue(ctx, q.now())
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return domain.Job{}, domain.ErrNotFound
			}
			return domain.Job{}, fmt.Errorf("op=queue.reserve: %w", err)
		}
		ok, err := q.jobs.Claim(ctx, j.ID, workerID, q.now())
		if err != nil {
			return domain.Job{}, fmt.Errorf("op=queue.reserve: %w", err)
		}
		if !ok {
			// Lost the race to another worker; look again.
			continue
		}
		return q.jobs.Get(ctx, j.ID)
	}
}

// MarkComplete finishes a job and clears its lease.
func (q *Queue) MarkComplete(ctx domain.Context, j domain.Job) error {
	j.Status = domain.JobCompleted
	j.LockedAt = nil
	j.LockedBy = ""
	if err := q.jobs.Update(ctx, j); err != nil {
		return fmt.Errorf("op=queue.complete: %w", err)
	}
	observability.JobsCompletedTotal.WithLabelValues(string(j.Type)).Inc()
	return nil
}

// MarkFailed records the error; the job retries after retryDelay until
// attempts reach maxAttempts, then it fails permanently.
func (q *Queue) MarkFailed(ctx domain.Context, j domain.Job, jobErr error, retryDelay time.Duration) error {
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	j.LastError = jobErr.Error()
	j.LockedAt = nil
	j.LockedBy = ""
	if j.Attempts < j.MaxAttempts {
		j.Status = domain.JobPending
		j.ScheduledAt = q.now().Add(retryDelay)
	} else {
		j.Status = domain.JobFailed
		observability.JobsFailedTotal.WithLabelValues(string(j.Type)).Inc()
	}
	if err := q.jobs.Update(ctx, j); err != nil {
		return fmt.Errorf("op=queue.fail: %w", err)
	}
	return nil
}

// RequeueOptions tunes one Requeue call.
type RequeueOptions struct {
	Delay time.Duration
	// RevertAttempt gives the attempt back; used when lock-unavailable is not
	// a real failure.
	RevertAttempt bool
}

// Requeue puts a running job back to pending.
func (q *Queue) Requeue(ctx domain.Context, j domain.Job, opts RequeueOptions) error {
	j.Status = domain.JobPending
	j.ScheduledAt = q.now().Add(opts.Delay)
	j.LockedAt = nil
	j.LockedBy = ""
	if opts.RevertAttempt && j.Attempts > 0 {
		j.Attempts--
	}
	if err := q.jobs.Update(ctx, j); err != nil {
		return fmt.Errorf("op=queue.requeue: %w", err)
	}
	observability.JobsRequeuedTotal.WithLabelValues(string(j.Type)).Inc()
	return nil
}

// SweepStaleRunning force-completes running jobs whose lease started before
// now-cutoff so the queue cannot deadlock on dead workers. Returns the number
// of jobs swept.
func (q *Queue) SweepStaleRunning(ctx domain.Context, cutoff time.Duration) (int, error) {
	stale, err := q.jobs.ListStaleRunning(ctx, q.now().Add(-cutoff))
	if err != nil {
		return 0, fmt.Errorf("op=queue.sweep: %w", err)
	}
	swept := 0
	for _, j := range stale {
		slog.Warn("force-completing stale running job",
			slog.String("job_id", j.ID),
			slog.String("type", string(j.Type)),
			slog.String("locked_by", j.LockedBy))
		j.Status = domain.JobCompleted
		j.LastError = "stale-sweep: lease expired"
		j.LockedAt = nil
		j.LockedBy = ""
		if err := q.jobs.Update(ctx, j); err != nil {
			return swept, fmt.Errorf("op=queue.sweep: %w", err)
		}
		observability.JobsSweptTotal.Inc()
		swept++
	}
	return swept, nil
}
