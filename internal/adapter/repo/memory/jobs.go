package memory

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/ai-feed-triage/internal/domain"
)

// JobRepo is the in-memory JobRepository.
type JobRepo struct{ s *Store }

// Create inserts a new job row.
func (r *JobRepo) Create(_ domain.Context, j domain.Job) (domain.Job, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	now := r.s.now()
	j.CreatedAt, j.UpdatedAt = now, now
	r.s.jobs[j.ID] = j
	return j, nil
}

// All returns every job ordered by creation for test assertions.
func (r *JobRepo) All() []domain.Job {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]domain.Job, 0, len(r.s.jobs))
	for _, j := range r.s.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Get loads a job by id.
func (r *JobRepo) Get(_ domain.Context, id string) (domain.Job, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	j, ok := r.s.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return j, nil
}

// FindActiveByType returns a pending or running job of the given type.
func (r *JobRepo) FindActiveByType(_ domain.Context, t domain.JobType) (domain.Job, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var candidates []domain.Job
	for _, j := range r.s.jobs {
		if j.Type == t && !j.Status.Terminal() {
			candidates = append(candidates, j)
		}
	}
	if len(candidates) == 0 {
		return domain.Job{}, domain.ErrNotFound
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].CreatedAt.Before(candidates[j].CreatedAt) })
	return candidates[0], nil
}

// NextDue returns the oldest pending job scheduled at or before now.
func (r *JobRepo) NextDue(_ domain.Context, now time.Time) (domain.Job, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var candidates []domain.Job
	for _, j := range r.s.jobs {
		if j.Status == domain.JobPending && !j.ScheduledAt.After(now) {
			candidates = append(candidates, j)
		}
	}
	if len(candidates) == 0 {
		return domain.Job{}, domain.ErrNotFound
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].ScheduledAt.Equal(candidates[j].ScheduledAt) {
			return candidates[i].ScheduledAt.Before(candidates[j].ScheduledAt)
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	return candidates[0], nil
}

// Claim compare-and-sets pending→running under workerID.
func (r *JobRepo) Claim(_ domain.Context, id, workerID string, now time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	j, ok := r.s.jobs[id]
	if !ok || j.Status != domain.JobPending {
		return false, nil
	}
	t := now
	j.Status = domain.JobRunning
	j.LockedAt = &t
	j.LockedBy = workerID
	j.Attempts++
	j.UpdatedAt = t
	r.s.jobs[id] = j
	return true, nil
}

// Update writes back the mutable job fields.
func (r *JobRepo) Update(_ domain.Context, j domain.Job) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.jobs[j.ID]; !ok {
		return domain.ErrNotFound
	}
	j.UpdatedAt = r.s.now()
	r.s.jobs[j.ID] = j
	return nil
}

// ListStaleRunning returns running jobs whose lease started before cutoff.
func (r *JobRepo) ListStaleRunning(_ domain.Context, lockedBefore time.Time) ([]domain.Job, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []domain.Job
	for _, j := range r.s.jobs {
		if j.Status == domain.JobRunning && j.LockedAt != nil && j.LockedAt.Before(lockedBefore) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LockedAt.Before(*out[j].LockedAt) })
	return out, nil
}

// LockRepo is the in-memory LockRepository.
type LockRepo struct{ s *Store }

// Get loads a lock row by key.
func (r *LockRepo) Get(_ domain.Context, key string) (domain.SystemLock, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	l, ok := r.s.locks[key]
	if !ok {
		return domain.SystemLock{}, domain.ErrNotFound
	}
	return l, nil
}

// Insert creates the lock row; ErrConflict when the key already exists.
func (r *LockRepo) Insert(_ domain.Context, l domain.SystemLock) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.locks[l.Key]; ok {
		return domain.ErrConflict
	}
	r.s.locks[l.Key] = l
	return nil
}

// Replace compare-and-sets the row against the previous holder.
func (r *LockRepo) Replace(_ domain.Context, l domain.SystemLock, prevHolder string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	existing, ok := r.s.locks[l.Key]
	if !ok || existing.LockedBy != prevHolder {
		return false, nil
	}
	r.s.locks[l.Key] = l
	return true, nil
}

// Release deletes the row when held by holder.
func (r *LockRepo) Release(_ domain.Context, key, holder string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	existing, ok := r.s.locks[key]
	if !ok || existing.LockedBy != holder {
		return false, nil
	}
	delete(r.s.locks, key)
	return true, nil
}
