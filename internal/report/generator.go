package report

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/ai-feed-triage/internal/adapter/observability"
	"github.com/fairyhunter13/ai-feed-triage/internal/domain"
	"github.com/fairyhunter13/ai-feed-triage/internal/lock"
	"github.com/fairyhunter13/ai-feed-triage/internal/routing"
)

// ReportLockKey serializes report generation across worker processes.
const ReportLockKey = "report"

// aiRunKindReport tags report generations in the ai run ledger.
const aiRunKindReport = "report"

// Generator handles report-profile jobs: window the insights, apply the
// profile filters, optionally re-judge mid-tier items, group, render and
// deliver.
type Generator struct {
	profiles domain.ReportProfileRepository
	reports  domain.ReportRepository
	insights domain.InsightRepository
	posts    domain.PostRepository
	aiRuns   domain.AiRunRepository
	embedder *routing.Embedder
	triage   *MidTriage
	notifier domain.Notifier
	locks    *lock.Manager

	clusterThreshold float64
	crossTagBump     float64
	defaultTimezone  string
	now              func() time.Time
}

// GeneratorDeps bundles the collaborators a Generator needs.
type GeneratorDeps struct {
	Profiles domain.ReportProfileRepository
	Reports  domain.ReportRepository
	Insights domain.InsightRepository
	Posts    domain.PostRepository
	AiRuns   domain.AiRunRepository
	Embedder *routing.Embedder
	Triage   *MidTriage
	Notifier domain.Notifier
	Locks    *lock.Manager
}

// NewGenerator constructs a Generator.
func NewGenerator(deps GeneratorDeps, clusterThreshold, crossTagBump float64, defaultTimezone string) *Generator {
	if defaultTimezone == "" {
		defaultTimezone = "UTC"
	}
	return &Generator{
		profiles:         deps.Profiles,
		reports:          deps.Reports,
		insights:         deps.Insights,
		posts:            deps.Posts,
		aiRuns:           deps.AiRuns,
		embedder:         deps.Embedder,
		triage:           deps.Triage,
		notifier:         deps.Notifier,
		locks:            deps.Locks,
		clusterThreshold: clusterThreshold,
		crossTagBump:     crossTagBump,
		defaultTimezone:  defaultTimezone,
		now:              time.Now,
	}
}

// WithClock overrides the time source for tests.
func (g *Generator) WithClock(now func() time.Time) *Generator {
	g.now = now
	return g
}

// Handle runs one report-profile job under the report lock. Returns
// domain.ErrLockUnavailable unchanged so the worker requeues without
// counting a failure.
func (g *Generator) Handle(ctx domain.Context, j domain.Job) error {
	var payload domain.ReportProfilePayload
	if err := json.Unmarshal(j.Payload, &payload); err != nil {
		return fmt.Errorf("op=report.generate: %w: %v", domain.ErrSchemaInvalid, err)
	}
	if payload.ProfileID == "" {
		return fmt.Errorf("op=report.generate: %w: missing profileId", domain.ErrSchemaInvalid)
	}
	return g.locks.WithLock(ctx, ReportLockKey, lock.JobHolder(j.ID), func() error {
		return g.run(ctx, payload)
	})
}

func (g *Generator) run(ctx domain.Context, payload domain.ReportProfilePayload) error {
	profile, err := g.profiles.Get(ctx, payload.ProfileID)
	if err != nil {
		return fmt.Errorf("op=report.generate profile=%s: %w", payload.ProfileID, err)
	}
	if !profile.Enabled {
		slog.Info("report profile disabled, skipping", slog.String("profile", profile.ID))
		return nil
	}

	loc := g.location(profile.Timezone)
	periodEnd := payload.WindowEnd
	if periodEnd.IsZero() {
		periodEnd = g.now()
	}
	periodEnd = periodEnd.In(loc)
	periodStart := periodEnd.Add(-time.Duration(profile.WindowHours) * time.Hour)

	exists, err := g.reports.ExistsForPeriod(ctx, profile.ID, periodEnd)
	if err != nil {
		return fmt.Errorf("op=report.generate profile=%s: %w", profile.ID, err)
	}
	if exists {
		slog.Info("report already generated for period",
			slog.String("profile", profile.ID),
			slog.Time("period_end", periodEnd))
		return nil
	}

	run, err := g.aiRuns.Start(ctx, aiRunKindReport)
	if err != nil {
		return fmt.Errorf("op=report.generate profile=%s: %w", profile.ID, err)
	}
	genErr := g.generate(ctx, profile, payload.Notify, periodStart, periodEnd, loc)
	status, msg := domain.AiRunCompleted, ""
	if genErr != nil {
		status, msg = domain.AiRunFailed, genErr.Error()
	}
	if err := g.aiRuns.Finish(ctx, run.ID, status, msg); err != nil {
		slog.Warn("failed to finish ai run", slog.String("run", run.ID), slog.Any("error", err))
	}
	return genErr
}

func (g *Generator) generate(ctx domain.Context, profile domain.ReportProfile, notify bool, periodStart, periodEnd time.Time, loc *time.Location) error {
	items, err := g.insights.ListForWindow(ctx, periodStart, periodEnd)
	if err != nil {
		return fmt.Errorf("op=report.generate profile=%s: %w", profile.ID, err)
	}
	items = filterItems(profile, items)

	var triageRes TriageResult
	if profile.AIFilterEnabled && g.triage != nil && len(items) > 0 {
		items, triageRes = g.triage.Filter(ctx, profile.AIFilterPrompt, profile.AIFilterMaxKeepPerChunk, items)
	}
	if len(items) == 0 {
		slog.Info("no insights in window, skipping report",
			slog.String("profile", profile.ID),
			slog.Time("period_end", periodEnd))
		return nil
	}

	in := RenderInput{
		ProfileName: profile.Name,
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
		Location:    loc,
		GroupBy:     profile.GroupBy,
		Total:       len(items),
		Triage:      triageRes,
	}
	switch profile.GroupBy {
	case domain.GroupByCluster:
		clusters, ok := g.cluster(ctx, items)
		if ok {
			in.Clusters = clusters
		} else {
			// Embedding trouble degrades to tag grouping rather than
			// dropping the digest.
			in.GroupBy = domain.GroupByTag
			in.Groups = GroupItemsByTag(items)
		}
	case domain.GroupByAuthor:
		in.Groups = GroupItemsByAuthor(items)
	default:
		in.Groups = GroupItemsByTag(items)
	}

	headline, markdown, outline, err := Render(in)
	if err != nil {
		return err
	}
	rep, err := g.reports.Create(ctx, domain.Report{
		ProfileID:   profile.ID,
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
		Headline:    headline,
		Content:     markdown,
		Outline:     outline,
	})
	if err != nil {
		return fmt.Errorf("op=report.generate profile=%s: %w", profile.ID, err)
	}
	observability.ReportsGeneratedTotal.Inc()
	slog.Info("report generated",
		slog.String("profile", profile.ID),
		slog.String("report", rep.ID),
		slog.Int("items", len(items)),
		slog.Int("clusters", len(in.Clusters)))

	if !notify || g.notifier == nil {
		return nil
	}
	// A failed delivery is logged, not retried: the period dedupe would
	// skip a rerun before it could resend.
	if err := g.notifier.Send(ctx, markdown); err != nil {
		slog.Error("report delivery failed",
			slog.String("report", rep.ID),
			slog.Any("error", err))
		return nil
	}
	if err := g.reports.MarkDelivered(ctx, rep.ID, g.now()); err != nil {
		return fmt.Errorf("op=report.generate report=%s: %w", rep.ID, err)
	}
	return nil
}

// cluster embeds the items' posts and greedy-clusters them. Returns ok=false
// when vectors cannot be resolved, so the caller can degrade to tag grouping.
func (g *Generator) cluster(ctx domain.Context, items []domain.InsightWithPost) ([]*Cluster, bool) {
	if g.embedder == nil {
		return nil, false
	}
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.PostExternalID)
	}
	posts, err := g.posts.GetByExternalIDs(ctx, ids)
	if err != nil {
		slog.Warn("cluster grouping degraded, post lookup failed", slog.Any("error", err))
		return nil, false
	}
	vectors, err := g.embedder.Resolve(ctx, posts)
	if err != nil {
		slog.Warn("cluster grouping degraded, embedding failed", slog.Any("error", err))
		return nil, false
	}
	candidates := make([]Candidate, 0, len(items))
	for _, it := range items {
		// Items without a vector still cluster: a nil vector scores zero
		// against every centroid and becomes its own cluster.
		candidates = append(candidates, Candidate{Item: it, Vector: vectors[it.PostExternalID]})
	}
	return GreedyCluster(candidates, g.clusterThreshold, g.crossTagBump), true
}

func (g *Generator) location(tz string) *time.Location {
	for _, name := range []string{tz, g.defaultTimezone} {
		if name == "" {
			continue
		}
		if loc, err := time.LoadLocation(name); err == nil {
			return loc
		}
		slog.Warn("unknown timezone, falling back", slog.String("tz", name))
	}
	return time.UTC
}

// filterItems applies the profile's verdict, tag, author-tag and importance
// filters. With the AI filter enabled, importance 2..3 items bypass the floor
// so the judge sees them.
func filterItems(p domain.ReportProfile, items []domain.InsightWithPost) []domain.InsightWithPost {
	verdicts := map[domain.Verdict]bool{}
	for _, v := range p.Verdicts {
		verdicts[v] = true
	}
	var out []domain.InsightWithPost
	for _, it := range items {
		// Ignore-verdict insights never reach a report, whitelist or not.
		if it.Verdict == domain.VerdictIgnore {
			continue
		}
		if len(verdicts) > 0 && !verdicts[it.Verdict] {
			continue
		}
		if len(p.IncludeTags) > 0 && !anyOverlap(it.Tags, p.IncludeTags) {
			continue
		}
		if anyOverlap(it.Tags, p.ExcludeTags) {
			continue
		}
		if len(p.IncludeAuthorTags) > 0 && !anyOverlap(it.AuthorTags, p.IncludeAuthorTags) {
			continue
		}
		if anyOverlap(it.AuthorTags, p.ExcludeAuthorTags) {
			continue
		}
		if it.Importance < p.MinImportance {
			if !(p.AIFilterEnabled && it.Importance >= midTierLow && it.Importance <= midTierHigh) {
				continue
			}
		}
		out = append(out, it)
	}
	return out
}

func anyOverlap(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	set := map[string]bool{}
	for _, x := range a {
		set[x] = true
	}
	for _, y := range b {
		if set[y] {
			return true
		}
	}
	return false
}
