package postgres

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fairyhunter13/ai-feed-triage/internal/domain"
)

// SubscriptionRepo persists tracked accounts.
type SubscriptionRepo struct{ Pool PgxPool }

// NewSubscriptionRepo constructs a SubscriptionRepo with the given pool.
func NewSubscriptionRepo(p PgxPool) *SubscriptionRepo { return &SubscriptionRepo{Pool: p} }

const subColumns = `id, handle, status, tags, last_fetched_at, unsubscribed_at, created_at, updated_at`

func scanSubscription(row pgx.Row) (domain.Subscription, error) {
	var s domain.Subscription
	err := row.Scan(&s.ID, &s.Handle, &s.Status, &s.Tags, &s.LastFetchedAt, &s.UnsubscribedAt, &s.CreatedAt, &s.UpdatedAt)
	return s, err
}

// Upsert writes a subscription keyed on the lowercased handle. Resubscribing
// nulls unsubscribed_at.
func (r *SubscriptionRepo) Upsert(ctx domain.Context, s domain.Subscription) (domain.Subscription, error) {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	s.Handle = strings.ToLower(s.Handle)
	now := time.Now().UTC()
	var unsubAt *time.Time
	if s.Status == domain.SubscriptionInactive {
		if s.UnsubscribedAt != nil {
			unsubAt = s.UnsubscribedAt
		} else {
			unsubAt = &now
		}
	}
	q := `INSERT INTO subscriptions (id, handle, status, tags, unsubscribed_at, created_at, updated_at)
	VALUES ($1,$2,$3,$4,$5,$6,$6)
	ON CONFLICT (handle)
	DO UPDATE SET status=EXCLUDED.status, tags=EXCLUDED.tags, unsubscribed_at=EXCLUDED.unsubscribed_at, updated_at=EXCLUDED.updated_at
	RETURNING ` + subColumns
	out, err := scanSubscription(r.Pool.QueryRow(ctx, q, s.ID, s.Handle, s.Status, s.Tags, unsubAt, now))
	if err != nil {
		return domain.Subscription{}, fmt.Errorf("op=subscription.upsert: %w", err)
	}
	return out, nil
}

// Get loads a subscription by id.
func (r *SubscriptionRepo) Get(ctx domain.Context, id string) (domain.Subscription, error) {
	s, err := scanSubscription(r.Pool.QueryRow(ctx, `SELECT `+subColumns+` FROM subscriptions WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Subscription{}, fmt.Errorf("op=subscription.get: %w", domain.ErrNotFound)
		}
		return domain.Subscription{}, fmt.Errorf("op=subscription.get: %w", err)
	}
	return s, nil
}

// ListDueForFetch returns subscribed accounts not fetched since olderThan,
// least-recently-fetched first.
func (r *SubscriptionRepo) ListDueForFetch(ctx domain.Context, olderThan time.Time, limit int) ([]domain.Subscription, error) {
	q := `SELECT ` + subColumns + ` FROM subscriptions
	WHERE status='subscribed' AND (last_fetched_at IS NULL OR last_fetched_at < $1)
	ORDER BY last_fetched_at ASC NULLS FIRST, handle ASC LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("op=subscription.list_due: %w", err)
	}
	defer rows.Close()
	var out []domain.Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("op=subscription.list_due: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// TouchFetched records a completed fetch.
func (r *SubscriptionRepo) TouchFetched(ctx domain.Context, id string, at time.Time) error {
	if _, err := r.Pool.Exec(ctx, `UPDATE subscriptions SET last_fetched_at=$2, updated_at=$2 WHERE id=$1`, id, at); err != nil {
		return fmt.Errorf("op=subscription.touch: %w", err)
	}
	return nil
}
