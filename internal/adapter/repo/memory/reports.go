package memory

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/ai-feed-triage/internal/domain"
)

// ReportRepo is the in-memory ReportRepository.
type ReportRepo struct{ s *Store }

// Create inserts a generated report.
func (r *ReportRepo) Create(_ domain.Context, rep domain.Report) (domain.Report, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if rep.ID == "" {
		rep.ID = uuid.New().String()
	}
	rep.CreatedAt = r.s.now()
	r.s.reports[rep.ID] = rep
	return rep, nil
}

// ExistsForPeriod reports whether the profile already has a report ending at
// the exact period boundary.
func (r *ReportRepo) ExistsForPeriod(_ domain.Context, profileID string, periodEnd time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, rep := range r.s.reports {
		if rep.ProfileID == profileID && rep.PeriodEnd.Equal(periodEnd) {
			return true, nil
		}
	}
	return false, nil
}

// MarkDelivered records the notification timestamp.
func (r *ReportRepo) MarkDelivered(_ domain.Context, id string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rep, ok := r.s.reports[id]
	if !ok {
		return domain.ErrNotFound
	}
	t := at
	rep.DeliveredAt = &t
	r.s.reports[id] = rep
	return nil
}

// Snapshot returns one report for test assertions.
func (r *ReportRepo) Snapshot(id string) (domain.Report, bool) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rep, ok := r.s.reports[id]
	return rep, ok
}

// All returns every stored report ordered by creation for test assertions.
func (r *ReportRepo) All() []domain.Report {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]domain.Report, 0, len(r.s.reports))
	for _, rep := range r.s.reports {
		out = append(out, rep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ProfileRepo is the in-memory ReportProfileRepository.
type ProfileRepo struct{ s *Store }

// Get loads a profile by id.
func (r *ProfileRepo) Get(_ domain.Context, id string) (domain.ReportProfile, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.profiles[id]
	if !ok {
		return domain.ReportProfile{}, domain.ErrNotFound
	}
	return p, nil
}

// ListEnabled returns enabled profiles ordered by id.
func (r *ProfileRepo) ListEnabled(_ domain.Context) ([]domain.ReportProfile, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []domain.ReportProfile
	for _, p := range r.s.profiles {
		if p.Enabled {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Upsert writes a profile.
func (r *ProfileRepo) Upsert(_ domain.Context, p domain.ReportProfile) (domain.ReportProfile, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := r.s.now()
	if existing, ok := r.s.profiles[p.ID]; ok {
		p.CreatedAt = existing.CreatedAt
	} else {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	r.s.profiles[p.ID] = p
	return p, nil
}

// AiRunRepo is the in-memory AiRunRepository.
type AiRunRepo struct{ s *Store }

// Start records the beginning of an AI-backed run.
func (r *AiRunRepo) Start(_ domain.Context, kind string) (domain.AiRun, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	run := domain.AiRun{ID: uuid.New().String(), Kind: kind, Status: domain.AiRunRunning, StartedAt: r.s.now()}
	r.s.runs[run.ID] = run
	return run, nil
}

// Finish records the run outcome.
func (r *AiRunRepo) Finish(_ domain.Context, id string, status domain.AiRunStatus, errMsg string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	run, ok := r.s.runs[id]
	if !ok {
		return domain.ErrNotFound
	}
	run.Status = status
	run.Error = errMsg
	t := r.s.now()
	run.FinishedAt = &t
	r.s.runs[id] = run
	return nil
}

// Runs returns every recorded run for test assertions.
func (r *AiRunRepo) Runs() []domain.AiRun {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]domain.AiRun, 0, len(r.s.runs))
	for _, run := range r.s.runs {
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// NotificationConfigRepo is the in-memory NotificationConfigRepository.
type NotificationConfigRepo struct{ s *Store }

// Get loads the singleton notification config.
func (r *NotificationConfigRepo) Get(_ domain.Context) (domain.NotificationConfig, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.notifyConfig == nil {
		return domain.NotificationConfig{}, domain.ErrNotFound
	}
	return *r.s.notifyConfig, nil
}

// Save upserts the singleton notification config.
func (r *NotificationConfigRepo) Save(_ domain.Context, c domain.NotificationConfig) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c.ID = domain.NotificationConfigID
	c.UpdatedAt = r.s.now()
	r.s.notifyConfig = &c
	return nil
}
