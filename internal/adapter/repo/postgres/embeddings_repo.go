package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fairyhunter13/ai-feed-triage/internal/domain"
)

// EmbeddingRepo persists post embeddings (1:1 with posts by external id).
type EmbeddingRepo struct{ Pool PgxPool }

// NewEmbeddingRepo constructs an EmbeddingRepo with the given pool.
func NewEmbeddingRepo(p PgxPool) *EmbeddingRepo { return &EmbeddingRepo{Pool: p} }

// GetByPostIDs loads stored embeddings keyed by post external id.
func (r *EmbeddingRepo) GetByPostIDs(ctx domain.Context, ids []string) (map[string]domain.PostEmbedding, error) {
	if len(ids) == 0 {
		return map[string]domain.PostEmbedding{}, nil
	}
	q := `SELECT post_external_id, vector, model, dimensions, text_hash, created_at, updated_at FROM post_embeddings WHERE post_external_id = ANY($1)`
	rows, err := r.Pool.Query(ctx, q, ids)
	if err != nil {
		return nil, fmt.Errorf("op=embedding.get: %w", err)
	}
	defer rows.Close()
	out := make(map[string]domain.PostEmbedding, len(ids))
	for rows.Next() {
		var e domain.PostEmbedding
		if err := rows.Scan(&e.PostExternalID, &e.Vector, &e.Model, &e.Dimensions, &e.TextHash, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("op=embedding.get: %w", err)
		}
		out[e.PostExternalID] = e
	}
	return out, rows.Err()
}

// UpsertBatch writes embeddings in chunks of 100 per transaction.
func (r *EmbeddingRepo) UpsertBatch(ctx domain.Context, embs []domain.PostEmbedding) error {
	for start := 0; start < len(embs); start += bulkChunk {
		end := start + bulkChunk
		if end > len(embs) {
			end = len(embs)
		}
		tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return fmt.Errorf("op=embedding.upsert_batch: %w", err)
		}
		for _, e := range embs[start:end] {
			q := `INSERT INTO post_embeddings (post_external_id, vector, model, dimensions, text_hash, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$6)
			ON CONFLICT (post_external_id)
			DO UPDATE SET vector=EXCLUDED.vector, model=EXCLUDED.model, dimensions=EXCLUDED.dimensions, text_hash=EXCLUDED.text_hash, updated_at=EXCLUDED.updated_at`
			if _, err := tx.Exec(ctx, q, e.PostExternalID, e.Vector, e.Model, e.Dimensions, e.TextHash, time.Now().UTC()); err != nil {
				_ = tx.Rollback(ctx)
				return fmt.Errorf("op=embedding.upsert_batch: %w", err)
			}
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("op=embedding.upsert_batch: %w", err)
		}
	}
	return nil
}
