package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// CleanupService prunes terminal jobs, old AI runs and embeddings of
// abandoned posts past the retention window.
type CleanupService struct {
	Pool          PgxPool
	RetentionDays int
}

// NewCleanupService creates a new cleanup service.
func NewCleanupService(pool PgxPool, retentionDays int) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	return &CleanupService{Pool: pool, RetentionDays: retentionDays}
}

// CleanupOldData removes data older than the retention period.
func (s *CleanupService) CleanupOldData(ctx context.Context) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.RetentionDays)

	tag, err := s.Pool.Exec(ctx, `DELETE FROM jobs WHERE status IN ('completed','failed') AND updated_at < $1`, cutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.jobs: %w", err)
	}
	jobs := tag.RowsAffected()

	tag, err = s.Pool.Exec(ctx, `DELETE FROM ai_runs WHERE started_at < $1`, cutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.ai_runs: %w", err)
	}
	runs := tag.RowsAffected()

	tag, err = s.Pool.Exec(ctx, `DELETE FROM post_embeddings e USING posts p WHERE p.external_id=e.post_external_id AND p.abandoned_at IS NOT NULL AND p.abandoned_at < $1`, cutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.embeddings: %w", err)
	}
	slog.Info("cleanup completed",
		slog.Int64("jobs_deleted", jobs),
		slog.Int64("ai_runs_deleted", runs),
		slog.Int64("embeddings_deleted", tag.RowsAffected()))
	return nil
}

// Run executes cleanup on the given interval until the context is cancelled.
func (s *CleanupService) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("cleanup failed", slog.Any("error", err))
			}
		}
	}
}
