package routing

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/fairyhunter13/ai-feed-triage/internal/adapter/observability"
	"github.com/fairyhunter13/ai-feed-triage/internal/domain"
	"github.com/fairyhunter13/ai-feed-triage/pkg/textx"
	"github.com/fairyhunter13/ai-feed-triage/pkg/vecx"
)

// TopKSamples is how many nearest per-tag samples score one post.
const TopKSamples = 5

// UnroutedTag marks posts the embedding router could not place under any tag;
// they still go to the LLM classifier.
const UnroutedTag = "__unrouted__"

// persistChunk bounds one bulk routing-state transaction.
const persistChunk = 100

// Router reasons recorded on routed posts.
const (
	ReasonEmbedLow      = "embed-low"
	ReasonEmbedNegative = "embed-negative"
	ReasonEmbedHigh     = "embed-high"
	ReasonEmbedAnalyze  = "embed-analyze"
	ReasonEmbedUnrouted = "embed-unrouted"
)

// DecisionKind enumerates router outcomes.
type DecisionKind string

const (
	DecideIgnore   DecisionKind = "ignore"
	DecideAutoHigh DecisionKind = "auto_high"
	DecideAnalyze  DecisionKind = "analyze"
)

// Decision is the router's verdict for one post vector.
type Decision struct {
	Kind       DecisionKind
	Tag        string
	Score      float64
	Margin     float64
	Scored     bool // false when no tag had comparable samples
	Reason     string
	Importance int // set for auto-high
}

// Decide runs the decision table for one normalized vector against a cache
// snapshot. The function is pure: same vector and snapshot, same decision.
func Decide(v []float32, cache domain.RoutingCache, overrides map[string]map[string]float64) Decision {
	tags := make([]string, 0, len(cache.Samples))
	for tag := range cache.Samples {
		tags = append(tags, tag)
	}
	sort.Strings(tags) // ties break by tag name ascending

	var bestTag string
	var bestScore, secondScore float64
	scored := false
	for _, tag := range tags {
		samples := cache.Samples[tag]
		if len(samples) == 0 {
			continue
		}
		s := vecx.TopKMeanDot(v, samples, TopKSamples)
		if !scored || s > bestScore {
			if scored {
				secondScore = bestScore
			}
			bestTag, bestScore = tag, s
			scored = true
			continue
		}
		if s > secondScore {
			secondScore = s
		}
	}
	if !scored {
		return Decision{Kind: DecideAnalyze, Tag: UnroutedTag, Reason: ReasonEmbedUnrouted}
	}

	margin := bestScore - secondScore
	t := Adapt(ComputeTagStats(cache.Samples[bestTag], TopKSamples), overrides[bestTag])

	negGapDefined := false
	var negGap float64
	if negCentroid := vecx.Centroid(cache.Negatives); negCentroid != nil {
		negGap = bestScore - vecx.Cosine(v, negCentroid)
		negGapDefined = true
	}

	d := Decision{Tag: bestTag, Score: bestScore, Margin: margin, Scored: true}
	switch {
	case bestScore <= t.LowSim:
		d.Kind, d.Reason = DecideIgnore, ReasonEmbedLow
	case negGapDefined && negGap < t.NegGapLow:
		d.Kind, d.Reason = DecideIgnore, ReasonEmbedNegative
	case bestScore >= t.HighSim && margin >= t.HighMargin && (!negGapDefined || negGap >= t.NegGapHigh):
		d.Kind, d.Reason = DecideAutoHigh, ReasonEmbedHigh
		d.Importance = 4
		if bestScore >= t.HighStrict {
			d.Importance = 5
		}
	default:
		d.Kind, d.Reason = DecideAnalyze, ReasonEmbedAnalyze
	}
	return d
}

// RouteResult counts one routing sweep.
type RouteResult struct {
	RuleDropped int
	Ignored     int
	AutoHigh    int
	Routed      int
}

// Router applies the rule pre-filter and the embedding decision table to
// pending posts and persists the transitions.
type Router struct {
	posts    domain.PostRepository
	insights domain.InsightRepository
	embedder *Embedder
	cache    *CacheManager

	// ThresholdOverrides are operator-set per-tag threshold pins.
	ThresholdOverrides map[string]map[string]float64

	now func() time.Time
}

// NewRouter constructs a Router.
func NewRouter(posts domain.PostRepository, insights domain.InsightRepository, embedder *Embedder, cache *CacheManager) *Router {
	return &Router{
		posts:    posts,
		insights: insights,
		embedder: embedder,
		cache:    cache,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the clock; tests only.
func (r *Router) WithClock(now func() time.Time) *Router {
	r.now = now
	return r
}

// Route triages the given pending posts: rule filter, embed, decide,
// persist. Transitions and synthesized insights are written in chunks.
func (r *Router) Route(ctx domain.Context, posts []domain.Post) (RouteResult, error) {
	var res RouteResult
	if len(posts) == 0 {
		return res, nil
	}
	now := r.now()

	var updates []domain.RoutingUpdate
	var synthesized []domain.Insight
	var survivors []domain.Post
	for _, p := range posts {
		rd := Evaluate(p)
		if rd.Keep {
			survivors = append(survivors, p)
			continue
		}
		res.RuleDropped++
		res.Ignored++
		observability.PostsRoutedTotal.WithLabelValues("rule_drop").Inc()
		updates = append(updates, domain.RoutingUpdate{
			ExternalID: p.ExternalID,
			Status:     domain.RoutingIgnored,
			Reason:     rd.Reason,
			Processed:  &now,
		})
		synthesized = append(synthesized, ignoreInsight(p))
	}

	if len(survivors) > 0 {
		cache, err := r.cache.Load(ctx)
		if err != nil {
			return res, err
		}
		vectors, err := r.embedder.Resolve(ctx, survivors)
		if err != nil {
			return res, err
		}
		for _, p := range survivors {
			v, ok := vectors[p.ExternalID]
			if !ok {
				// Embedding failed for this post; leave it pending for the
				// next sweep.
				slog.Warn("post missing embedding, left pending", slog.String("external_id", p.ExternalID))
				continue
			}
			d := Decide(v, cache, r.ThresholdOverrides)
			score, margin := d.Score, d.Margin
			u := domain.RoutingUpdate{ExternalID: p.ExternalID, Tag: d.Tag, Reason: d.Reason}
			if d.Scored {
				u.Score, u.Margin = &score, &margin
			}
			switch d.Kind {
			case DecideIgnore:
				res.Ignored++
				observability.PostsRoutedTotal.WithLabelValues("ignore").Inc()
				u.Status = domain.RoutingIgnored
				u.Processed = &now
				synthesized = append(synthesized, ignoreInsight(p))
			case DecideAutoHigh:
				res.AutoHigh++
				observability.PostsRoutedTotal.WithLabelValues("auto_high").Inc()
				u.Status = domain.RoutingAutoHigh
				u.Processed = &now
				synthesized = append(synthesized, autoHighInsight(p, d))
			default:
				res.Routed++
				observability.PostsRoutedTotal.WithLabelValues("analyze").Inc()
				u.Status = domain.RoutingRouted
				u.RoutedAt = &now
			}
			updates = append(updates, u)
		}
	}

	for start := 0; start < len(updates); start += persistChunk {
		end := start + persistChunk
		if end > len(updates) {
			end = len(updates)
		}
		if err := r.posts.ApplyRouting(ctx, updates[start:end]); err != nil {
			return res, fmt.Errorf("op=routing.route: %w", err)
		}
	}
	if len(synthesized) > 0 {
		if err := r.insights.UpsertBatch(ctx, synthesized); err != nil {
			return res, fmt.Errorf("op=routing.route: %w", err)
		}
	}

	slog.Info("routing sweep done",
		slog.Int("posts", len(posts)),
		slog.Int("rule_dropped", res.RuleDropped),
		slog.Int("ignored", res.Ignored),
		slog.Int("auto_high", res.AutoHigh),
		slog.Int("routed", res.Routed))
	return res, nil
}

func ignoreInsight(p domain.Post) domain.Insight {
	return domain.Insight{
		PostExternalID: p.ExternalID,
		Verdict:        domain.VerdictIgnore,
		Summary:        textx.TruncateRunes(textx.CollapseWhitespace(p.Text), 80),
		Importance:     1,
		Tags:           []string{domain.FallbackTag},
	}
}

func autoHighInsight(p domain.Post, d Decision) domain.Insight {
	return domain.Insight{
		PostExternalID: p.ExternalID,
		Verdict:        domain.VerdictWatch,
		Summary:        textx.TruncateRunes(textx.CollapseWhitespace(p.Text), 80),
		Importance:     d.Importance,
		Tags:           []string{d.Tag},
	}
}
