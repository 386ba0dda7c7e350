package domain

import "time"

// Repositories (ports)

// SubscriptionRepository persists tracked accounts.
type SubscriptionRepository interface {
	Upsert(ctx Context, s Subscription) (Subscription, error)
	Get(ctx Context, id string) (Subscription, error)
	ListDueForFetch(ctx Context, olderThan time.Time, limit int) ([]Subscription, error)
	TouchFetched(ctx Context, id string, at time.Time) error
}

// RoutingUpdate is one post routing transition applied in bulk after the
// embedding router decides.
type RoutingUpdate struct {
	ExternalID string
	Status     RoutingStatus
	Tag        string
	Score      *float64
	Margin     *float64
	Reason     string
	RoutedAt   *time.Time
	Processed  *time.Time
}

// PostRepository persists posts and their routing state.
type PostRepository interface {
	UpsertBatch(ctx Context, posts []Post) (int, error)
	GetByExternalIDs(ctx Context, ids []string) ([]Post, error)
	ListPending(ctx Context, limit int) ([]Post, error)
	ListRoutedByTag(ctx Context, tag string, limit int) ([]Post, error)
	CountRoutedByTag(ctx Context) (map[string]int, error)
	ApplyRouting(ctx Context, updates []RoutingUpdate) error
	// ClaimForLLM conditionally flips ids from routed with a nil llmQueuedAt
	// to llm_queued and returns how many rows were claimed.
	ClaimForLLM(ctx Context, ids []string, at time.Time) (int, error)
	MarkProcessed(ctx Context, ids []string, at time.Time) error
	MarkAbandoned(ctx Context, ids []string, reason string, at time.Time) error
}

// InsightWithPost joins an insight with the post attributes report filtering
// and clustering need.
type InsightWithPost struct {
	Insight
	AuthorHandle string
	AuthorTags   []string
	Text         string
	TweetedAt    time.Time
	URL          string
}

// RoutingSample is one historical post used to build the routing cache.
type RoutingSample struct {
	PostExternalID string
	Tags           []string
	Importance     int
	Verdict        Verdict
}

// InsightRepository persists classifier judgments.
type InsightRepository interface {
	Upsert(ctx Context, in Insight) error
	UpsertBatch(ctx Context, ins []Insight) error
	Exists(ctx Context, postExternalID string) (bool, error)
	ListForWindow(ctx Context, from, to time.Time) ([]InsightWithPost, error)
	// ListRoutingSamples returns judged posts inside the window with
	// importance at or above min, excluding ignore verdicts.
	ListRoutingSamples(ctx Context, since time.Time, minImportance int, limit int) ([]RoutingSample, error)
	// ListNegativeSamples returns judged low-value posts inside the window.
	ListNegativeSamples(ctx Context, since time.Time, limit int) ([]RoutingSample, error)
}

// EmbeddingRepository persists post embeddings.
type EmbeddingRepository interface {
	GetByPostIDs(ctx Context, ids []string) (map[string]PostEmbedding, error)
	UpsertBatch(ctx Context, embs []PostEmbedding) error
}

// JobRepository is the storage port underneath the job queue.
type JobRepository interface {
	Create(ctx Context, j Job) (Job, error)
	Get(ctx Context, id string) (Job, error)
	// FindActiveByType returns a non-terminal job of the given type, or
	// ErrNotFound.
	FindActiveByType(ctx Context, t JobType) (Job, error)
	// NextDue returns the oldest pending job scheduled at or before now, or
	// ErrNotFound.
	NextDue(ctx Context, now time.Time) (Job, error)
	// Claim compare-and-sets the job from pending to running under workerID,
	// incrementing attempts. Returns false when the race was lost.
	Claim(ctx Context, id, workerID string, now time.Time) (bool, error)
	Update(ctx Context, j Job) error
	ListStaleRunning(ctx Context, lockedBefore time.Time) ([]Job, error)
}

// LockRepository is the storage port underneath the lock manager.
type LockRepository interface {
	Get(ctx Context, key string) (SystemLock, error)
	// Insert creates the row; ErrConflict when the key already exists.
	Insert(ctx Context, l SystemLock) error
	// Replace compare-and-sets the row contents against the previous holder
	// (empty prevHolder matches a cleared row). Returns false on a lost race.
	Replace(ctx Context, l SystemLock, prevHolder string) (bool, error)
	// Release clears the row when held by holder. Returns false otherwise.
	Release(ctx Context, key, holder string) (bool, error)
}

// RoutingCacheRepository persists the singleton routing tag cache.
type RoutingCacheRepository interface {
	Get(ctx Context) (RoutingCache, error)
	Save(ctx Context, c RoutingCache) error
}

// ReportRepository persists emitted digests.
type ReportRepository interface {
	Create(ctx Context, r Report) (Report, error)
	ExistsForPeriod(ctx Context, profileID string, periodEnd time.Time) (bool, error)
	MarkDelivered(ctx Context, id string, at time.Time) error
}

// ReportProfileRepository persists digest profiles.
type ReportProfileRepository interface {
	Get(ctx Context, id string) (ReportProfile, error)
	ListEnabled(ctx Context) ([]ReportProfile, error)
	Upsert(ctx Context, p ReportProfile) (ReportProfile, error)
}

// AiRunRepository records AI-driven runs.
type AiRunRepository interface {
	Start(ctx Context, kind string) (AiRun, error)
	Finish(ctx Context, id string, status AiRunStatus, errMsg string) error
}

// NotificationConfigRepository reads the singleton notification settings row.
type NotificationConfigRepository interface {
	Get(ctx Context) (NotificationConfig, error)
	Save(ctx Context, c NotificationConfig) error
}

// External collaborators (ports)

// TimelineFetcher pulls recent posts for one handle from the upstream source.
type TimelineFetcher interface {
	Fetch(ctx Context, handle string) ([]FetchedPost, error)
}

// AIClient talks to the external chat and embedding services.
type AIClient interface {
	// ChatJSON returns a completion expected to contain a JSON object.
	ChatJSON(ctx Context, systemPrompt, userPrompt string, maxTokens int) (string, error)
	// Embed returns one vector per input text.
	Embed(ctx Context, texts []string) ([][]float32, error)
}

// Notifier delivers a rendered markdown block to the chat channel.
type Notifier interface {
	Send(ctx Context, markdown string) error
}
