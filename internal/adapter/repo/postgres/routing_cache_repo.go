package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fairyhunter13/ai-feed-triage/internal/domain"
)

// RoutingCacheRepo persists the singleton routing tag cache as a JSONB blob.
type RoutingCacheRepo struct{ Pool PgxPool }

// NewRoutingCacheRepo constructs a RoutingCacheRepo with the given pool.
func NewRoutingCacheRepo(p PgxPool) *RoutingCacheRepo { return &RoutingCacheRepo{Pool: p} }

type routingCacheBlob struct {
	Model       string                  `json:"model"`
	Dimensions  int                     `json:"dimensions"`
	WindowDays  int                     `json:"windowDays"`
	SampleLimit int                     `json:"sampleLimit"`
	Samples     map[string][][]float32  `json:"samples"`
	Counts      map[string]int          `json:"counts"`
	Negatives   [][]float32             `json:"negatives"`
}

// Get loads the singleton cache row.
func (r *RoutingCacheRepo) Get(ctx domain.Context) (domain.RoutingCache, error) {
	q := `SELECT id, blob, updated_at FROM routing_caches WHERE id=$1`
	var id string
	var raw []byte
	var updatedAt time.Time
	if err := r.Pool.QueryRow(ctx, q, domain.RoutingCacheID).Scan(&id, &raw, &updatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.RoutingCache{}, fmt.Errorf("op=routing_cache.get: %w", domain.ErrNotFound)
		}
		return domain.RoutingCache{}, fmt.Errorf("op=routing_cache.get: %w", err)
	}
	var blob routingCacheBlob
	if err := json.Unmarshal(raw, &blob); err != nil {
		return domain.RoutingCache{}, fmt.Errorf("op=routing_cache.get: %w", err)
	}
	return domain.RoutingCache{
		ID:          id,
		Model:       blob.Model,
		Dimensions:  blob.Dimensions,
		WindowDays:  blob.WindowDays,
		SampleLimit: blob.SampleLimit,
		Samples:     blob.Samples,
		Counts:      blob.Counts,
		Negatives:   blob.Negatives,
		UpdatedAt:   updatedAt,
	}, nil
}

// Save upserts the singleton cache row.
func (r *RoutingCacheRepo) Save(ctx domain.Context, c domain.RoutingCache) error {
	raw, err := json.Marshal(routingCacheBlob{
		Model:       c.Model,
		Dimensions:  c.Dimensions,
		WindowDays:  c.WindowDays,
		SampleLimit: c.SampleLimit,
		Samples:     c.Samples,
		Counts:      c.Counts,
		Negatives:   c.Negatives,
	})
	if err != nil {
		return fmt.Errorf("op=routing_cache.save: %w", err)
	}
	q := `INSERT INTO routing_caches (id, blob, updated_at) VALUES ($1,$2,$3)
	ON CONFLICT (id) DO UPDATE SET blob=EXCLUDED.blob, updated_at=EXCLUDED.updated_at`
	if _, err := r.Pool.Exec(ctx, q, domain.RoutingCacheID, raw, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=routing_cache.save: %w", err)
	}
	return nil
}
