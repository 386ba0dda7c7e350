// Package domain defines the entities, enumerations and ports of the feed
// triage engine. Adapters depend on this package, never the other way around.
package domain

import (
	"context"
	"time"
)

// Context is an alias so ports read uniformly; adapters pass context.Context.
type Context = context.Context

// SubscriptionStatus enumerates subscription states.
type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "subscribed"
	SubscriptionInactive SubscriptionStatus = "unsubscribed"
)

// Subscription is a tracked account. Handle is stored lowercased and unique.
type Subscription struct {
	ID             string
	Handle         string
	Status         SubscriptionStatus
	Tags           []string
	LastFetchedAt  *time.Time
	UnsubscribedAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// RoutingStatus enumerates the post routing state machine.
//
// Transitions are monotone except routed→llm_queued and routed→ignored on a
// retried classify run; auto_high and ignored never go back to pending.
type RoutingStatus string

const (
	RoutingPending   RoutingStatus = "pending"
	RoutingRouted    RoutingStatus = "routed"
	RoutingLLMQueued RoutingStatus = "llm_queued"
	RoutingIgnored   RoutingStatus = "ignored"
	RoutingAutoHigh  RoutingStatus = "auto_high"
	RoutingCompleted RoutingStatus = "completed"
)

// Post is an ingested unit of social content keyed by its external id.
type Post struct {
	ID             string
	ExternalID     string
	SubscriptionID string
	AuthorHandle   string
	AuthorName     string
	Text           string
	Lang           string
	TweetedAt      time.Time
	Raw            []byte // original payload, opaque

	RoutingStatus RoutingStatus
	RoutingTag    string
	RoutingScore  *float64
	RoutingMargin *float64
	RoutingReason string
	RoutedAt      *time.Time
	LLMQueuedAt   *time.Time
	ProcessedAt   *time.Time
	AbandonedAt   *time.Time
	AbandonReason string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Verdict enumerates classifier judgments.
type Verdict string

const (
	VerdictIgnore     Verdict = "ignore"
	VerdictWatch      Verdict = "watch"
	VerdictActionable Verdict = "actionable"
)

// ValidVerdict reports whether v belongs to the closed verdict set.
func ValidVerdict(v Verdict) bool {
	switch v {
	case VerdictIgnore, VerdictWatch, VerdictActionable:
		return true
	}
	return false
}

// FallbackTag is assigned when no allowed tag survives normalization.
const FallbackTag = "other"

// Insight is the classifier's structured judgment of a post (1:1 by external id).
type Insight struct {
	PostExternalID string
	Verdict        Verdict
	Summary        string
	Importance     int // 1..5
	Tags           []string
	Suggestion     string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Normalize enforces the insight invariants in place: verdict coerced to the
// closed set, importance clamped to [1,5], actionable without a suggestion
// demoted to watch with importance capped at 3, summary bounded to 120 runes.
func (i *Insight) Normalize() {
	if !ValidVerdict(i.Verdict) {
		i.Verdict = VerdictIgnore
	}
	if i.Importance < 1 {
		i.Importance = 1
	}
	if i.Importance > 5 {
		i.Importance = 5
	}
	if i.Verdict == VerdictActionable && i.Suggestion == "" {
		i.Verdict = VerdictWatch
		if i.Importance > 3 {
			i.Importance = 3
		}
	}
	if r := []rune(i.Summary); len(r) > 120 {
		i.Summary = string(r[:120])
	}
	if len(i.Tags) == 0 {
		i.Tags = []string{FallbackTag}
	}
}

// PostEmbedding stores the embedding vector for one post (1:1).
type PostEmbedding struct {
	PostExternalID string
	Vector         []float32
	Model          string
	Dimensions     int
	TextHash       string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Fresh reports whether the stored embedding still matches the model,
// dimension and normalized-text hash it would be computed from today.
func (e PostEmbedding) Fresh(model string, dims int, textHash string) bool {
	return e.Model == model && e.Dimensions == dims && e.TextHash == textHash && len(e.Vector) == dims
}

// RoutingCacheID is the singleton row key for the routing tag cache.
const RoutingCacheID = "routing-tag-cache"

// RoutingCache holds per-tag positive samples and the shared negative bucket
// used by the embedding router. Vectors are stored normalized.
type RoutingCache struct {
	ID          string
	Model       string
	Dimensions  int
	WindowDays  int
	SampleLimit int
	Samples     map[string][][]float32
	Counts      map[string]int
	Negatives   [][]float32
	UpdatedAt   time.Time
}

// SystemLock is one cross-process mutual-exclusion row.
type SystemLock struct {
	Key       string
	LockedBy  string
	LockedAt  time.Time
	ExpiresAt time.Time
}

// Held reports whether the lock row currently looks held based on expiry
// alone; queue-job liveness is evaluated by the lock manager.
func (l SystemLock) Held(now time.Time) bool {
	return l.LockedBy != "" && l.ExpiresAt.After(now)
}

// GroupBy enumerates report grouping modes.
type GroupBy string

const (
	GroupByCluster GroupBy = "cluster"
	GroupByTag     GroupBy = "tag"
	GroupByAuthor  GroupBy = "author"
)

// ReportProfile configures one recurring digest.
type ReportProfile struct {
	ID          string
	Name        string `validate:"required"`
	Enabled     bool
	Cron        string `validate:"required"`
	WindowHours int    `validate:"gt=0"`
	Timezone    string

	IncludeTags       []string
	ExcludeTags       []string
	IncludeAuthorTags []string
	ExcludeAuthorTags []string
	MinImportance     int       `validate:"gte=0,lte=5"`
	Verdicts          []Verdict `validate:"dive,oneof=ignore watch actionable"`
	GroupBy           GroupBy   `validate:"oneof=cluster tag author"`

	AIFilterEnabled         bool
	AIFilterPrompt          string
	AIFilterMaxKeepPerChunk int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Report is an emitted digest. At most one per (profile, periodEnd).
type Report struct {
	ID          string
	ProfileID   string
	PeriodStart time.Time
	PeriodEnd   time.Time
	Headline    string
	Content     string
	Outline     []byte // structured outline JSON with a mode discriminator
	DeliveredAt *time.Time
	CreatedAt   time.Time
}

// AiRunStatus enumerates AI run states.
type AiRunStatus string

const (
	AiRunRunning   AiRunStatus = "running"
	AiRunCompleted AiRunStatus = "completed"
	AiRunFailed    AiRunStatus = "failed"
)

// AiRun records one AI-driven run (report generation, classify sweep) for
// operator visibility.
type AiRun struct {
	ID         string
	Kind       string
	Status     AiRunStatus
	Error      string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// NotificationConfigID is the singleton row key for notification settings.
const NotificationConfigID = "default"

// NotificationConfig holds downstream chat-push settings.
type NotificationConfig struct {
	ID              string
	Enabled         bool
	WebhookURL      string
	ItemsPerMessage int
	UpdatedAt       time.Time
}

// FetchedPost is one upstream timeline entry prior to persistence.
type FetchedPost struct {
	ExternalID   string
	CreatedAt    time.Time
	Text         string
	Lang         string
	AuthorName   string
	AuthorHandle string
	Raw          []byte
}
