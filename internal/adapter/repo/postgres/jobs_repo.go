package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fairyhunter13/ai-feed-triage/internal/domain"
)

// JobRepo persists queue jobs. The queue's lease semantics live on top of
// the compare-and-set Claim below.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

const jobColumns = `id, type, payload, status, scheduled_at, locked_at, COALESCE(locked_by,''), attempts, max_attempts, COALESCE(last_error,''), created_at, updated_at`

func scanJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	err := row.Scan(&j.ID, &j.Type, &j.Payload, &j.Status, &j.ScheduledAt, &j.LockedAt, &j.LockedBy, &j.Attempts, &j.MaxAttempts, &j.LastError, &j.CreatedAt, &j.UpdatedAt)
	return j, err
}

// Create inserts a new job row.
func (r *JobRepo) Create(ctx domain.Context, j domain.Job) (domain.Job, error) {
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	j.CreatedAt, j.UpdatedAt = now, now
	q := `INSERT INTO jobs (id, type, payload, status, scheduled_at, attempts, max_attempts, created_at, updated_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	_, err := r.Pool.Exec(ctx, q, j.ID, j.Type, j.Payload, j.Status, j.ScheduledAt, j.Attempts, j.MaxAttempts, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=job.create: %w", err)
	}
	return j, nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx domain.Context, id string) (domain.Job, error) {
	row := r.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1`, id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// FindActiveByType returns a pending or running job of the given type.
func (r *JobRepo) FindActiveByType(ctx domain.Context, t domain.JobType) (domain.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE type=$1 AND status IN ('pending','running') ORDER BY created_at ASC LIMIT 1`
	j, err := scanJob(r.Pool.QueryRow(ctx, q, t))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.find_active: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.find_active: %w", err)
	}
	return j, nil
}

// NextDue returns the oldest pending job scheduled at or before now.
func (r *JobRepo) NextDue(ctx domain.Context, now time.Time) (domain.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE status='pending' AND scheduled_at<=$1 ORDER BY scheduled_at ASC, created_at ASC LIMIT 1`
	j, err := scanJob(r.Pool.QueryRow(ctx, q, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.next_due: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.next_due: %w", err)
	}
	return j, nil
}

// Claim compare-and-sets pending→running under workerID. A lost race returns
// false with no error.
func (r *JobRepo) Claim(ctx domain.Context, id, workerID string, now time.Time) (bool, error) {
	q := `UPDATE jobs SET status='running', locked_at=$2, locked_by=$3, attempts=attempts+1, updated_at=$2 WHERE id=$1 AND status='pending'`
	tag, err := r.Pool.Exec(ctx, q, id, now, workerID)
	if err != nil {
		return false, fmt.Errorf("op=job.claim: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Update writes back the mutable job fields.
func (r *JobRepo) Update(ctx domain.Context, j domain.Job) error {
	q := `UPDATE jobs SET status=$2, scheduled_at=$3, locked_at=$4, locked_by=$5, attempts=$6, last_error=$7, updated_at=$8 WHERE id=$1`
	var lockedBy *string
	if j.LockedBy != "" {
		lockedBy = &j.LockedBy
	}
	_, err := r.Pool.Exec(ctx, q, j.ID, j.Status, j.ScheduledAt, j.LockedAt, lockedBy, j.Attempts, j.LastError, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=job.update: %w", err)
	}
	return nil
}

// ListStaleRunning returns running jobs whose lease started before the cutoff.
func (r *JobRepo) ListStaleRunning(ctx domain.Context, lockedBefore time.Time) ([]domain.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE status='running' AND locked_at IS NOT NULL AND locked_at<$1 ORDER BY locked_at ASC`
	rows, err := r.Pool.Query(ctx, q, lockedBefore)
	if err != nil {
		return nil, fmt.Errorf("op=job.list_stale: %w", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.list_stale: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
