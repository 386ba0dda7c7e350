package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fairyhunter13/ai-feed-triage/internal/domain"
)

// ReportRepo persists emitted digests.
type ReportRepo struct{ Pool PgxPool }

// NewReportRepo constructs a ReportRepo with the given pool.
func NewReportRepo(p PgxPool) *ReportRepo { return &ReportRepo{Pool: p} }

// Create inserts a report. The unique (profile_id, period_end) index maps a
// duplicate period onto ErrConflict.
func (r *ReportRepo) Create(ctx domain.Context, rep domain.Report) (domain.Report, error) {
	if rep.ID == "" {
		rep.ID = uuid.New().String()
	}
	rep.CreatedAt = time.Now().UTC()
	q := `INSERT INTO reports (id, profile_id, period_start, period_end, headline, content, outline, created_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	if _, err := r.Pool.Exec(ctx, q, rep.ID, rep.ProfileID, rep.PeriodStart, rep.PeriodEnd, rep.Headline, rep.Content, rep.Outline, rep.CreatedAt); err != nil {
		return domain.Report{}, fmt.Errorf("op=report.create: %w", err)
	}
	return rep, nil
}

// ExistsForPeriod reports whether a report exists for (profile, periodEnd).
func (r *ReportRepo) ExistsForPeriod(ctx domain.Context, profileID string, periodEnd time.Time) (bool, error) {
	var one int
	err := r.Pool.QueryRow(ctx, `SELECT 1 FROM reports WHERE profile_id=$1 AND period_end=$2`, profileID, periodEnd).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("op=report.exists: %w", err)
	}
	return true, nil
}

// MarkDelivered records notification delivery.
func (r *ReportRepo) MarkDelivered(ctx domain.Context, id string, at time.Time) error {
	if _, err := r.Pool.Exec(ctx, `UPDATE reports SET delivered_at=$2 WHERE id=$1`, id, at); err != nil {
		return fmt.Errorf("op=report.mark_delivered: %w", err)
	}
	return nil
}
