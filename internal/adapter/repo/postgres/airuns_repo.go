package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/ai-feed-triage/internal/domain"
)

// AiRunRepo records AI-driven runs for operator visibility.
type AiRunRepo struct{ Pool PgxPool }

// NewAiRunRepo constructs an AiRunRepo with the given pool.
func NewAiRunRepo(p PgxPool) *AiRunRepo { return &AiRunRepo{Pool: p} }

// Start inserts a running row and returns it.
func (r *AiRunRepo) Start(ctx domain.Context, kind string) (domain.AiRun, error) {
	run := domain.AiRun{ID: uuid.New().String(), Kind: kind, Status: domain.AiRunRunning, StartedAt: time.Now().UTC()}
	q := `INSERT INTO ai_runs (id, kind, status, started_at) VALUES ($1,$2,$3,$4)`
	if _, err := r.Pool.Exec(ctx, q, run.ID, run.Kind, run.Status, run.StartedAt); err != nil {
		return domain.AiRun{}, fmt.Errorf("op=ai_run.start: %w", err)
	}
	return run, nil
}

// Finish closes a run with its final status.
func (r *AiRunRepo) Finish(ctx domain.Context, id string, status domain.AiRunStatus, errMsg string) error {
	q := `UPDATE ai_runs SET status=$2, error=$3, finished_at=$4 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, status, errMsg, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=ai_run.finish: %w", err)
	}
	return nil
}
