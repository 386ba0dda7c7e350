package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fairyhunter13/ai-feed-triage/internal/domain"
)

// NotificationConfigRepo reads and writes the singleton notification row.
type NotificationConfigRepo struct{ Pool PgxPool }

// NewNotificationConfigRepo constructs the repo with the given pool.
func NewNotificationConfigRepo(p PgxPool) *NotificationConfigRepo {
	return &NotificationConfigRepo{Pool: p}
}

// Get loads the singleton notification config.
func (r *NotificationConfigRepo) Get(ctx domain.Context) (domain.NotificationConfig, error) {
	q := `SELECT id, enabled, webhook_url, items_per_message, updated_at FROM notification_configs WHERE id=$1`
	var c domain.NotificationConfig
	if err := r.Pool.QueryRow(ctx, q, domain.NotificationConfigID).Scan(&c.ID, &c.Enabled, &c.WebhookURL, &c.ItemsPerMessage, &c.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.NotificationConfig{}, fmt.Errorf("op=notification.get: %w", domain.ErrNotFound)
		}
		return domain.NotificationConfig{}, fmt.Errorf("op=notification.get: %w", err)
	}
	return c, nil
}

// Save upserts the singleton notification config.
func (r *NotificationConfigRepo) Save(ctx domain.Context, c domain.NotificationConfig) error {
	q := `INSERT INTO notification_configs (id, enabled, webhook_url, items_per_message, updated_at) VALUES ($1,$2,$3,$4,$5)
	ON CONFLICT (id) DO UPDATE SET enabled=EXCLUDED.enabled, webhook_url=EXCLUDED.webhook_url, items_per_message=EXCLUDED.items_per_message, updated_at=EXCLUDED.updated_at`
	if _, err := r.Pool.Exec(ctx, q, domain.NotificationConfigID, c.Enabled, c.WebhookURL, c.ItemsPerMessage, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=notification.save: %w", err)
	}
	return nil
}
