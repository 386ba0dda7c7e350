// Package memory provides in-memory implementations of the repository ports.
// They back unit tests and dev seeding; production uses the postgres
// adapters. One Store holds all aggregates behind a single mutex and hands
// out per-port facades.
package memory

import (
	"sync"
	"time"

	"github.com/fairyhunter13/ai-feed-triage/internal/domain"
)

// Store aggregates all in-memory state.
type Store struct {
	mu sync.Mutex

	subscriptions map[string]domain.Subscription
	posts         map[string]domain.Post // keyed by external id
	insights      map[string]domain.Insight
	embeddings    map[string]domain.PostEmbedding
	jobs          map[string]domain.Job
	locks         map[string]domain.SystemLock
	cache         *domain.RoutingCache
	reports       map[string]domain.Report
	profiles      map[string]domain.ReportProfile
	runs          map[string]domain.AiRun
	notifyConfig  *domain.NotificationConfig

	now func() time.Time
}

// NewStore returns an empty in-memory store.
func NewStore() *Store {
	return &Store{
		subscriptions: map[string]domain.Subscription{},
		posts:         map[string]domain.Post{},
		insights:      map[string]domain.Insight{},
		embeddings:    map[string]domain.PostEmbedding{},
		jobs:          map[string]domain.Job{},
		locks:         map[string]domain.SystemLock{},
		reports:       map[string]domain.Report{},
		profiles:      map[string]domain.ReportProfile{},
		runs:          map[string]domain.AiRun{},
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Facades.

// Subscriptions returns the SubscriptionRepository facade.
func (s *Store) Subscriptions() *SubscriptionRepo { return &SubscriptionRepo{s: s} }

// Posts returns the PostRepository facade.
func (s *Store) Posts() *PostRepo { return &PostRepo{s: s} }

// Insights returns the InsightRepository facade.
func (s *Store) Insights() *InsightRepo { return &InsightRepo{s: s} }

// Embeddings returns the EmbeddingRepository facade.
func (s *Store) Embeddings() *EmbeddingRepo { return &EmbeddingRepo{s: s} }

// Jobs returns the JobRepository facade.
func (s *Store) Jobs() *JobRepo { return &JobRepo{s: s} }

// Locks returns the LockRepository facade.
func (s *Store) Locks() *LockRepo { return &LockRepo{s: s} }

// RoutingCaches returns the RoutingCacheRepository facade.
func (s *Store) RoutingCaches() *RoutingCacheRepo { return &RoutingCacheRepo{s: s} }

// Reports returns the ReportRepository facade.
func (s *Store) Reports() *ReportRepo { return &ReportRepo{s: s} }

// Profiles returns the ReportProfileRepository facade.
func (s *Store) Profiles() *ProfileRepo { return &ProfileRepo{s: s} }

// AiRuns returns the AiRunRepository facade.
func (s *Store) AiRuns() *AiRunRepo { return &AiRunRepo{s: s} }

// NotificationConfigs returns the NotificationConfigRepository facade.
func (s *Store) NotificationConfigs() *NotificationConfigRepo { return &NotificationConfigRepo{s: s} }

// Compile-time port checks.
var (
	_ domain.SubscriptionRepository       = (*SubscriptionRepo)(nil)
	_ domain.PostRepository               = (*PostRepo)(nil)
	_ domain.InsightRepository            = (*InsightRepo)(nil)
	_ domain.EmbeddingRepository          = (*EmbeddingRepo)(nil)
	_ domain.JobRepository                = (*JobRepo)(nil)
	_ domain.LockRepository               = (*LockRepo)(nil)
	_ domain.RoutingCacheRepository       = (*RoutingCacheRepo)(nil)
	_ domain.ReportRepository             = (*ReportRepo)(nil)
	_ domain.ReportProfileRepository      = (*ProfileRepo)(nil)
	_ domain.AiRunRepository              = (*AiRunRepo)(nil)
	_ domain.NotificationConfigRepository = (*NotificationConfigRepo)(nil)
)
