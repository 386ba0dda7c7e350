// Package lock implements cross-process mutual exclusion over system lock
// rows, with TTL expiry, self-reentrancy and stale-holder recovery keyed on
// queue job liveness.
package lock

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fairyhunter13/ai-feed-triage/internal/domain"
)

// MinTTL is the floor applied to every lock TTL to prevent pathological
// churn.
const MinTTL = time.Minute

// JobHolderPrefix marks holders that are queue jobs; their liveness is
// checked against the jobs table during takeover.
const JobHolderPrefix = "job:"

// JobHolder formats a queue job id as a lock holder.
func JobHolder(jobID string) string { return JobHolderPrefix + jobID }

// Manager acquires and releases system locks.
type Manager struct {
	locks domain.LockRepository
	jobs  domain.JobRepository
	ttl   time.Duration
	now   func() time.Time
}

// NewManager constructs a Manager. jobs may be nil when no job-liveness
// recovery is wanted.
func NewManager(locks domain.LockRepository, jobs domain.JobRepository, ttl time.Duration) *Manager {
	if ttl < MinTTL {
		ttl = MinTTL
	}
	return &Manager{locks: locks, jobs: jobs, ttl: ttl, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the clock; tests only.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Acquire takes the lock for holder or returns domain.ErrLockUnavailable.
// Reacquiring under the same holder refreshes the expiry. A row whose holder
// is expired, malformed, or a queue job that is no longer running is taken
// over.
func (m *Manager) Acquire(ctx domain.Context, key, holder string) error {
	now := m.now()
	want := domain.SystemLock{Key: key, LockedBy: holder, LockedAt: now, ExpiresAt: now.Add(m.ttl)}

	existing, err := m.locks.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("op=lock.acquire: %w", err)
		}
		if insErr := m.locks.Insert(ctx, want); insErr != nil {
			if errors.Is(insErr, domain.ErrConflict) {
				// Someone created the row between Get and Insert.
				return domain.ErrLockUnavailable
			}
			return fmt.Errorf("op=lock.acquire: %w", insErr)
		}
		return nil
	}

	if existing.LockedBy == holder {
		if _, err := m.locks.Replace(ctx, want, holder); err != nil {
			return fmt.Errorf("op=lock.acquire: %w", err)
		}
		return nil
	}

	if reason := m.staleReason(ctx, existing, now); reason != "" {
		slog.Info("recovering stale lock",
			slog.String("key", key),
			slog.String("previous_holder", existing.LockedBy),
			slog.String("reason", reason))
		ok, err := m.locks.Replace(ctx, want, existing.LockedBy)
		if err != nil {
			return fmt.Errorf("op=lock.acquire: %w", err)
		}
		if !ok {
			return domain.ErrLockUnavailable
		}
		return nil
	}

	return domain.ErrLockUnavailable
}

// staleReason reports why the existing row can be taken over, or "".
func (m *Manager) staleReason(ctx domain.Context, l domain.SystemLock, now time.Time) string {
	if l.LockedBy == "" || l.LockedAt.IsZero() || l.ExpiresAt.IsZero() {
		return "missing-fields"
	}
	if !l.ExpiresAt.After(now) {
		return "expired"
	}
	if m.jobs != nil && strings.HasPrefix(l.LockedBy, JobHolderPrefix) {
		jobID := strings.TrimPrefix(l.LockedBy, JobHolderPrefix)
		j, err := m.jobs.Get(ctx, jobID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return "holder-job-missing"
			}
			return ""
		}
		if j.Status != domain.JobRunning {
			return "holder-job-not-running"
		}
	}
	return ""
}

// Release clears the lock when held by holder; releasing a lock you do not
// hold is a no-op.
func (m *Manager) Release(ctx domain.Context, key, holder string) error {
	if _, err := m.locks.Release(ctx, key, holder); err != nil {
		return fmt.Errorf("op=lock.release: %w", err)
	}
	return nil
}

// WithLock runs fn while holding the lock, releasing it afterwards.
func (m *Manager) WithLock(ctx domain.Context, key, holder string, fn func() error) error {
	if err := m.Acquire(ctx, key, holder); err != nil {
		return err
	}
	defer func() {
		if err := m.Release(ctx, key, holder); err != nil {
			slog.Error("lock release failed", slog.String("key", key), slog.Any("error", err))
		}
	}()
	return fn()
}
