package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fairyhunter13/ai-feed-triage/internal/domain"
)

// PostRepo persists posts and their routing state.
type PostRepo struct{ Pool PgxPool }

// NewPostRepo constructs a PostRepo with the given pool.
func NewPostRepo(p PgxPool) *PostRepo { return &PostRepo{Pool: p} }

const postColumns = `id, external_id, subscription_id, author_handle, COALESCE(author_name,''), text, COALESCE(lang,''), tweeted_at, raw,
	routing_status, COALESCE(routing_tag,''), routing_score, routing_margin, COALESCE(routing_reason,''), routed_at, llm_queued_at, processed_at, abandoned_at, COALESCE(abandon_reason,''), created_at, updated_at`

func scanPost(row pgx.Row) (domain.Post, error) {
	var p domain.Post
	err := row.Scan(&p.ID, &p.ExternalID, &p.SubscriptionID, &p.AuthorHandle, &p.AuthorName, &p.Text, &p.Lang, &p.TweetedAt, &p.Raw,
		&p.RoutingStatus, &p.RoutingTag, &p.RoutingScore, &p.RoutingMargin, &p.RoutingReason, &p.RoutedAt, &p.LLMQueuedAt, &p.ProcessedAt, &p.AbandonedAt, &p.AbandonReason, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

// UpsertBatch writes posts keyed on external_id, chunked to bound lock time.
// Routing fields are never touched on conflict so retries stay idempotent.
// Returns the number of newly inserted rows.
func (r *PostRepo) UpsertBatch(ctx domain.Context, posts []domain.Post) (int, error) {
	inserted := 0
	for start := 0; start < len(posts); start += bulkChunk {
		end := start + bulkChunk
		if end > len(posts) {
			end = len(posts)
		}
		tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return inserted, fmt.Errorf("op=post.upsert_batch: %w", err)
		}
		for _, p := range posts[start:end] {
			if p.ID == "" {
				p.ID = uuid.New().String()
			}
			now := time.Now().UTC()
			q := `INSERT INTO posts (id, external_id, subscription_id, author_handle, author_name, text, lang, tweeted_at, raw, routing_status, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,'pending',$10,$10)
			ON CONFLICT (external_id)
			DO UPDATE SET text=EXCLUDED.text, lang=EXCLUDED.lang, raw=EXCLUDED.raw, updated_at=EXCLUDED.updated_at
			RETURNING (xmax = 0)`
			var isInsert bool
			if err := tx.QueryRow(ctx, q, p.ID, p.ExternalID, p.SubscriptionID, p.AuthorHandle, p.AuthorName, p.Text, p.Lang, p.TweetedAt, p.Raw, now).Scan(&isInsert); err != nil {
				_ = tx.Rollback(ctx)
				return inserted, fmt.Errorf("op=post.upsert_batch: %w", err)
			}
			if isInsert {
				inserted++
			}
		}
		if err := tx.Commit(ctx); err != nil {
			return inserted, fmt.Errorf("op=post.upsert_batch: %w", err)
		}
	}
	return inserted, nil
}

// GetByExternalIDs loads posts by external id.
func (r *PostRepo) GetByExternalIDs(ctx domain.Context, ids []string) ([]domain.Post, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	q := `SELECT ` + postColumns + ` FROM posts WHERE external_id = ANY($1) ORDER BY tweeted_at ASC`
	rows, err := r.Pool.Query(ctx, q, ids)
	if err != nil {
		return nil, fmt.Errorf("op=post.get_by_ids: %w", err)
	}
	defer rows.Close()
	return collectPosts(rows)
}

// ListPending returns the oldest pending posts.
func (r *PostRepo) ListPending(ctx domain.Context, limit int) ([]domain.Post, error) {
	q := `SELECT ` + postColumns + ` FROM posts WHERE routing_status='pending' AND abandoned_at IS NULL ORDER BY tweeted_at ASC LIMIT $1`
	rows, err := r.Pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("op=post.list_pending: %w", err)
	}
	defer rows.Close()
	return collectPosts(rows)
}

// ListRoutedByTag returns the oldest-routed unclaimed posts for one tag.
func (r *PostRepo) ListRoutedByTag(ctx domain.Context, tag string, limit int) ([]domain.Post, error) {
	q := `SELECT ` + postColumns + ` FROM posts WHERE routing_status='routed' AND routing_tag=$1 AND llm_queued_at IS NULL AND abandoned_at IS NULL ORDER BY routed_at ASC, external_id ASC LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, tag, limit)
	if err != nil {
		return nil, fmt.Errorf("op=post.list_routed: %w", err)
	}
	defer rows.Close()
	return collectPosts(rows)
}

// CountRoutedByTag returns routed-and-unclaimed counts per routing tag.
func (r *PostRepo) CountRoutedByTag(ctx domain.Context) (map[string]int, error) {
	q := `SELECT routing_tag, COUNT(*) FROM posts WHERE routing_status='routed' AND llm_queued_at IS NULL AND abandoned_at IS NULL GROUP BY routing_tag`
	rows, err := r.Pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=post.count_routed: %w", err)
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var tag string
		var n int
		if err := rows.Scan(&tag, &n); err != nil {
			return nil, fmt.Errorf("op=post.count_routed: %w", err)
		}
		out[tag] = n
	}
	return out, rows.Err()
}

// ApplyRouting writes router decisions in chunks of 100 per transaction.
// The state-machine predicate only admits transitions out of pending or
// routed, and never touches abandoned posts.
func (r *PostRepo) ApplyRouting(ctx domain.Context, updates []domain.RoutingUpdate) error {
	for start := 0; start < len(updates); start += bulkChunk {
		end := start + bulkChunk
		if end > len(updates) {
			end = len(updates)
		}
		tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return fmt.Errorf("op=post.apply_routing: %w", err)
		}
		for _, u := range updates[start:end] {
			q := `UPDATE posts SET routing_status=$2, routing_tag=$3, routing_score=$4, routing_margin=$5, routing_reason=$6, routed_at=$7, processed_at=$8, updated_at=$9
			WHERE external_id=$1 AND routing_status IN ('pending','routed') AND abandoned_at IS NULL`
			if _, err := tx.Exec(ctx, q, u.ExternalID, u.Status, u.Tag, u.Score, u.Margin, u.Reason, u.RoutedAt, u.Processed, time.Now().UTC()); err != nil {
				_ = tx.Rollback(ctx)
				return fmt.Errorf("op=post.apply_routing: %w", err)
			}
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("op=post.apply_routing: %w", err)
		}
	}
	return nil
}

// ClaimForLLM conditionally flips routed posts to llm_queued; double dispatch
// is impossible because the predicate requires a nil llm_queued_at.
func (r *PostRepo) ClaimForLLM(ctx domain.Context, ids []string, at time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	q := `UPDATE posts SET routing_status='llm_queued', llm_queued_at=$2, updated_at=$2 WHERE external_id = ANY($1) AND routing_status='routed' AND llm_queued_at IS NULL AND abandoned_at IS NULL`
	tag, err := r.Pool.Exec(ctx, q, ids, at)
	if err != nil {
		return 0, fmt.Errorf("op=post.claim_llm: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// MarkProcessed moves posts to completed.
func (r *PostRepo) MarkProcessed(ctx domain.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	q := `UPDATE posts SET routing_status='completed', processed_at=$2, updated_at=$2 WHERE external_id = ANY($1) AND abandoned_at IS NULL`
	if _, err := r.Pool.Exec(ctx, q, ids, at); err != nil {
		return fmt.Errorf("op=post.mark_processed: %w", err)
	}
	return nil
}

// MarkAbandoned flags posts so they are never re-attempted.
func (r *PostRepo) MarkAbandoned(ctx domain.Context, ids []string, reason string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	q := `UPDATE posts SET abandoned_at=$2, abandon_reason=$3, updated_at=$2 WHERE external_id = ANY($1) AND abandoned_at IS NULL`
	if _, err := r.Pool.Exec(ctx, q, ids, at, reason); err != nil {
		return fmt.Errorf("op=post.mark_abandoned: %w", err)
	}
	return nil
}

func collectPosts(rows pgx.Rows) ([]domain.Post, error) {
	var out []domain.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("op=post.scan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
