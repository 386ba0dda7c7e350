package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fairyhunter13/ai-feed-triage/internal/domain"
)

// LockRepo persists system lock rows. The takeover decision logic lives in
// internal/lock; this repo only provides the conditional primitives.
type LockRepo struct{ Pool PgxPool }

// NewLockRepo constructs a LockRepo with the given pool.
func NewLockRepo(p PgxPool) *LockRepo { return &LockRepo{Pool: p} }

// Get loads a lock row by key.
func (r *LockRepo) Get(ctx domain.Context, key string) (domain.SystemLock, error) {
	q := `SELECT key, locked_by, locked_at, expires_at FROM system_locks WHERE key=$1`
	var l domain.SystemLock
	if err := r.Pool.QueryRow(ctx, q, key).Scan(&l.Key, &l.LockedBy, &l.LockedAt, &l.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.SystemLock{}, fmt.Errorf("op=lock.get: %w", domain.ErrNotFound)
		}
		return domain.SystemLock{}, fmt.Errorf("op=lock.get: %w", err)
	}
	return l, nil
}

// Insert creates the lock row; ErrConflict when the key already exists.
func (r *LockRepo) Insert(ctx domain.Context, l domain.SystemLock) error {
	q := `INSERT INTO system_locks (key, locked_by, locked_at, expires_at) VALUES ($1,$2,$3,$4)`
	if _, err := r.Pool.Exec(ctx, q, l.Key, l.LockedBy, l.LockedAt, l.ExpiresAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("op=lock.insert: %w", domain.ErrConflict)
		}
		return fmt.Errorf("op=lock.insert: %w", err)
	}
	return nil
}

// Replace compare-and-sets the row contents against the previous holder.
func (r *LockRepo) Replace(ctx domain.Context, l domain.SystemLock, prevHolder string) (bool, error) {
	q := `UPDATE system_locks SET locked_by=$2, locked_at=$3, expires_at=$4 WHERE key=$1 AND locked_by=$5`
	tag, err := r.Pool.Exec(ctx, q, l.Key, l.LockedBy, l.LockedAt, l.ExpiresAt, prevHolder)
	if err != nil {
		return false, fmt.Errorf("op=lock.replace: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Release deletes the row when held by holder.
func (r *LockRepo) Release(ctx domain.Context, key, holder string) (bool, error) {
	tag, err := r.Pool.Exec(ctx, `DELETE FROM system_locks WHERE key=$1 AND locked_by=$2`, key, holder)
	if err != nil {
		return false, fmt.Errorf("op=lock.release: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
