// Package scheduler turns cron schedules into queue jobs: periodic fetch and
// classify sweeps plus one report job per enabled profile on its own cron.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fairyhunter13/ai-feed-triage/internal/domain"
	"github.com/fairyhunter13/ai-feed-triage/internal/queue"
)

// profileSyncSpec keeps registered profile crons in step with the database.
const profileSyncSpec = "*/5 * * * *"

type profileEntry struct {
	spec string
	tz   string
	id   cron.EntryID
}

// Scheduler owns the cron runner and the queue-facing enqueue callbacks.
type Scheduler struct {
	cron      *cron.Cron
	queue     *queue.Queue
	profiles  domain.ReportProfileRepository
	defaultTZ string
	now       func() time.Time

	mu      sync.Mutex
	entries map[string]profileEntry
}

// New constructs a Scheduler.
func New(q *queue.Queue, profiles domain.ReportProfileRepository, defaultTZ string) *Scheduler {
	if defaultTZ == "" {
		defaultTZ = "UTC"
	}
	return &Scheduler{
		cron:      cron.New(),
		queue:     q,
		profiles:  profiles,
		defaultTZ: defaultTZ,
		now:       time.Now,
		entries:   map[string]profileEntry{},
	}
}

// WithClock overrides the time source for tests.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Start registers the fixed schedules, syncs profile crons and starts the
// runner.
func (s *Scheduler) Start(ctx context.Context, fetchSpec, classifySpec string) error {
	if _, err := s.cron.AddFunc(fetchSpec, func() { s.enqueueFetch(ctx) }); err != nil {
		return fmt.Errorf("op=scheduler.start fetch: %w", err)
	}
	if _, err := s.cron.AddFunc(classifySpec, func() { s.enqueueClassify(ctx) }); err != nil {
		return fmt.Errorf("op=scheduler.start classify: %w", err)
	}
	if _, err := s.cron.AddFunc(profileSyncSpec, func() {
		if _, _, err := s.SyncProfiles(ctx); err != nil {
			slog.Error("profile schedule sync failed", slog.Any("error", err))
		}
	}); err != nil {
		return fmt.Errorf("op=scheduler.start sync: %w", err)
	}
	if _, _, err := s.SyncProfiles(ctx); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the runner and waits for in-flight callbacks.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// SyncProfiles reconciles the registered profile crons with the enabled
// profiles. Invalid cron specs are skipped with a log line. Returns how many
// entries were added and removed.
func (s *Scheduler) SyncProfiles(ctx context.Context) (added, removed int, err error) {
	profiles, err := s.profiles.ListEnabled(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("op=scheduler.sync: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := map[string]bool{}
	for _, p := range profiles {
		seen[p.ID] = true
		tz := p.Timezone
		if tz == "" {
			tz = s.defaultTZ
		}
		if cur, ok := s.entries[p.ID]; ok {
			if cur.spec == p.Cron && cur.tz == tz {
				continue
			}
			s.cron.Remove(cur.id)
			delete(s.entries, p.ID)
			removed++
		}
		profileID := p.ID
		id, addErr := s.cron.AddFunc(fmt.Sprintf("CRON_TZ=%s %s", tz, p.Cron), func() {
			s.enqueueReport(ctx, profileID)
		})
		if addErr != nil {
			slog.Warn("skipping profile with invalid cron",
				slog.String("profile", p.ID),
				slog.String("cron", p.Cron),
				slog.Any("error", addErr))
			continue
		}
		s.entries[p.ID] = profileEntry{spec: p.Cron, tz: tz, id: id}
		added++
	}
	for profileID, entry := range s.entries {
		if seen[profileID] {
			continue
		}
		s.cron.Remove(entry.id)
		delete(s.entries, profileID)
		removed++
	}
	return added, removed, nil
}

// RegisteredProfiles returns how many profile crons are currently scheduled.
func (s *Scheduler) RegisteredProfiles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Scheduler) enqueueFetch(ctx context.Context) {
	res, err := s.queue.Enqueue(ctx, domain.JobFetchSubscriptions, nil, queue.EnqueueOptions{Dedupe: true})
	if err != nil {
		slog.Error("fetch enqueue failed", slog.Any("error", err))
		return
	}
	if res.Created {
		slog.Info("fetch sweep scheduled", slog.String("job_id", res.Job.ID))
	}
}

func (s *Scheduler) enqueueClassify(ctx context.Context) {
	res, err := s.queue.Enqueue(ctx, domain.JobClassifyTweets, nil, queue.EnqueueOptions{Dedupe: true})
	if err != nil {
		slog.Error("classify enqueue failed", slog.Any("error", err))
		return
	}
	if res.Created {
		slog.Info("classify sweep scheduled", slog.String("job_id", res.Job.ID))
	}
}

// enqueueReport schedules one report generation at the current period end.
// Deliberately not deduped: different profiles share the job type and the
// generator dedupes by period anyway.
func (s *Scheduler) enqueueReport(ctx context.Context, profileID string) {
	_, err := s.queue.Enqueue(ctx, domain.JobReportProfile, domain.ReportProfilePayload{
		ProfileID: profileID,
		Notify:    true,
		WindowEnd: s.now(),
	}, queue.EnqueueOptions{})
	if err != nil {
		slog.Error("report enqueue failed",
			slog.String("profile", profileID),
			slog.Any("error", err))
		return
	}
	slog.Info("report scheduled", slog.String("profile", profileID))
}
