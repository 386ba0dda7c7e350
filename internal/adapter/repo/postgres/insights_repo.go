package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fairyhunter13/ai-feed-triage/internal/domain"
)

// InsightRepo persists classifier judgments keyed by post external id.
type InsightRepo struct{ Pool PgxPool }

// NewInsightRepo constructs an InsightRepo with the given pool.
func NewInsightRepo(p PgxPool) *InsightRepo { return &InsightRepo{Pool: p} }

const insightUpsertQ = `INSERT INTO insights (post_external_id, verdict, summary, importance, tags, suggestion, created_at, updated_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$7)
	ON CONFLICT (post_external_id)
	DO UPDATE SET verdict=EXCLUDED.verdict, summary=EXCLUDED.summary, importance=EXCLUDED.importance, tags=EXCLUDED.tags, suggestion=EXCLUDED.suggestion, updated_at=EXCLUDED.updated_at`

// Upsert writes one insight; identical payloads only move updated_at.
func (r *InsightRepo) Upsert(ctx domain.Context, in domain.Insight) error {
	in.Normalize()
	_, err := r.Pool.Exec(ctx, insightUpsertQ, in.PostExternalID, in.Verdict, in.Summary, in.Importance, in.Tags, in.Suggestion, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=insight.upsert: %w", err)
	}
	return nil
}

// UpsertBatch writes insights in chunks of 100 per transaction.
func (r *InsightRepo) UpsertBatch(ctx domain.Context, ins []domain.Insight) error {
	for start := 0; start < len(ins); start += bulkChunk {
		end := start + bulkChunk
		if end > len(ins) {
			end = len(ins)
		}
		tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return fmt.Errorf("op=insight.upsert_batch: %w", err)
		}
		for _, in := range ins[start:end] {
			in.Normalize()
			if _, err := tx.Exec(ctx, insightUpsertQ, in.PostExternalID, in.Verdict, in.Summary, in.Importance, in.Tags, in.Suggestion, time.Now().UTC()); err != nil {
				_ = tx.Rollback(ctx)
				return fmt.Errorf("op=insight.upsert_batch: %w", err)
			}
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("op=insight.upsert_batch: %w", err)
		}
	}
	return nil
}

// Exists reports whether an insight row exists for the post.
func (r *InsightRepo) Exists(ctx domain.Context, postExternalID string) (bool, error) {
	var one int
	err := r.Pool.QueryRow(ctx, `SELECT 1 FROM insights WHERE post_external_id=$1`, postExternalID).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("op=insight.exists: %w", err)
	}
	return true, nil
}

// ListForWindow loads window insights (verdict≠ignore) joined with the post
// attributes report filtering needs.
func (r *InsightRepo) ListForWindow(ctx domain.Context, from, to time.Time) ([]domain.InsightWithPost, error) {
	q := `SELECT i.post_external_id, i.verdict, i.summary, i.importance, i.tags, COALESCE(i.suggestion,''), i.created_at, i.updated_at,
		p.author_handle, COALESCE(s.tags, '{}'::text[]), p.text, p.tweeted_at
	FROM insights i
	JOIN posts p ON p.external_id = i.post_external_id
	LEFT JOIN subscriptions s ON s.id = p.subscription_id
	WHERE p.tweeted_at >= $1 AND p.tweeted_at < $2 AND i.verdict <> 'ignore' AND p.abandoned_at IS NULL
	ORDER BY i.importance DESC, p.tweeted_at DESC`
	rows, err := r.Pool.Query(ctx, q, from, to)
	if err != nil {
		return nil, fmt.Errorf("op=insight.list_window: %w", err)
	}
	defer rows.Close()
	var out []domain.InsightWithPost
	for rows.Next() {
		var it domain.InsightWithPost
		if err := rows.Scan(&it.PostExternalID, &it.Verdict, &it.Summary, &it.Importance, &it.Tags, &it.Suggestion, &it.CreatedAt, &it.UpdatedAt,
			&it.AuthorHandle, &it.AuthorTags, &it.Text, &it.TweetedAt); err != nil {
			return nil, fmt.Errorf("op=insight.list_window: %w", err)
		}
		it.URL = fmt.Sprintf("https://x.com/%s/status/%s", it.AuthorHandle, it.PostExternalID)
		out = append(out, it)
	}
	return out, rows.Err()
}

// ListRoutingSamples returns judged posts used as positive routing samples.
func (r *InsightRepo) ListRoutingSamples(ctx domain.Context, since time.Time, minImportance int, limit int) ([]domain.RoutingSample, error) {
	q := `SELECT i.post_external_id, i.tags, i.importance, i.verdict
	FROM insights i JOIN posts p ON p.external_id = i.post_external_id
	WHERE p.tweeted_at >= $1 AND i.importance >= $2 AND i.verdict <> 'ignore'
	ORDER BY i.importance DESC, p.tweeted_at DESC LIMIT $3`
	return r.querySamples(ctx, q, since, minImportance, limit)
}

// ListNegativeSamples returns judged low-value posts for the negative bucket.
func (r *InsightRepo) ListNegativeSamples(ctx domain.Context, since time.Time, limit int) ([]domain.RoutingSample, error) {
	q := `SELECT i.post_external_id, i.tags, i.importance, i.verdict
	FROM insights i JOIN posts p ON p.external_id = i.post_external_id
	WHERE p.tweeted_at >= $1 AND (i.verdict = 'ignore' OR i.importance <= 1)
	ORDER BY p.tweeted_at DESC LIMIT $2`
	return r.querySamples(ctx, q, since, limit)
}

func (r *InsightRepo) querySamples(ctx domain.Context, q string, args ...any) ([]domain.RoutingSample, error) {
	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=insight.samples: %w", err)
	}
	defer rows.Close()
	var out []domain.RoutingSample
	for rows.Next() {
		var s domain.RoutingSample
		if err := rows.Scan(&s.PostExternalID, &s.Tags, &s.Importance, &s.Verdict); err != nil {
			return nil, fmt.Errorf("op=insight.samples: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
