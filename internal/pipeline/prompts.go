// Package pipeline wires the queue job handlers: timeline fetching, the
// classify sweep (rule filter + embedding router + dispatch) and the LLM
// classification of dispatched batches.
package pipeline

import (
	"fmt"
	"strings"

	"github.com/fairyhunter13/ai-feed-triage/internal/adapter/ai/tokencount"
	"github.com/fairyhunter13/ai-feed-triage/internal/domain"
	"github.com/fairyhunter13/ai-feed-triage/internal/routing"
	"github.com/fairyhunter13/ai-feed-triage/pkg/textx"
)

// tagHints carries per-tag context injected into the classify prompt when
// the routing tag is known.
var tagHints = map[string]string{
	"policy":   "Focus: regulation, legislation, enforcement actions, ETF decisions. High value: concrete rulings, dates, named agencies. Low value: vague speculation about regulators.",
	"market":   "Focus: price action with causes, flows, listings, liquidations. High value: quantified moves with attribution. Low value: bare price callouts.",
	"protocol": "Focus: launches, upgrades, tokenomics changes, partnerships. High value: shipped changes with scope. Low value: roadmap hype.",
	"security": "Focus: exploits, vulnerabilities, recovered funds, audits. High value: confirmed incidents with amounts. Low value: unverified FUD.",
	"macro":    "Focus: rates, inflation prints, liquidity conditions. High value: released figures and policy decisions. Low value: generic macro takes.",
}

// classifySystemPrompt pins the closed sets and the response schema.
func classifySystemPrompt(allowedTags []string, tag string) string {
	var b strings.Builder
	b.WriteString("You triage social media posts about crypto and markets.\n")
	b.WriteString("Allowed verdicts: ignore, watch, actionable.\n")
	b.WriteString("Allowed tags: " + strings.Join(allowedTags, ", ") + ".\n")
	b.WriteString("Respond with ONLY a JSON object of shape ")
	b.WriteString(`{"items":[{"tweetId":"...","verdict":"...","summary":"...","importance":1,"tags":["..."],"suggestion":""}]}.` + "\n")
	b.WriteString("Rules: summary at most 50 characters; importance is an integer 1-5; ")
	b.WriteString("every tag must come from the allowed set (use \"other\" when unsure); ")
	b.WriteString("return each given tweetId exactly once; verdict actionable requires a non-empty suggestion.\n")
	if hint, ok := tagHints[tag]; ok {
		b.WriteString("Context for this batch: " + hint + "\n")
	}
	return b.String()
}

// classifyUserPrompt lists the batch posts with their ids.
func classifyUserPrompt(posts []domain.Post) string {
	var b strings.Builder
	b.WriteString("Classify these posts:\n")
	for _, p := range posts {
		text := textx.TruncateRunes(textx.CollapseWhitespace(p.Text), 500)
		fmt.Fprintf(&b, "[%s] @%s: %s\n", p.ExternalID, p.AuthorHandle, text)
	}
	return b.String()
}

// completionBudget sizes max_tokens off the real prompt length: enough room
// for one item per post plus slack, bounded so a runaway prompt cannot ask
// for an absurd completion.
func completionBudget(system, user, model string, postCount int) int {
	const perItem = 80
	const floor, ceil = 512, 4096
	budget := 256 + perItem*postCount
	promptTokens, err := tokencount.DefaultCounter.CountChatTokens(system, user, model)
	if err == nil && promptTokens > 6000 {
		// Very long prompts get the ceiling so truncation never eats items.
		budget = ceil
	}
	if budget < floor {
		budget = floor
	}
	if budget > ceil {
		budget = ceil
	}
	return budget
}

// classifiedItem is one model judgment in the response schema.
type classifiedItem struct {
	TweetID    string   `json:"tweetId"`
	Verdict    string   `json:"verdict"`
	Summary    string   `json:"summary"`
	Importance float64  `json:"importance"`
	Tags       []string `json:"tags"`
	Suggestion string   `json:"suggestion"`
}

type classifyResponse struct {
	Items []classifiedItem `json:"items"`
}

// tagAliases maps common model drift onto the closed tag set.
var tagAliases = map[string]string{
	"regulation": "policy",
	"regulatory": "policy",
	"legal":      "policy",
	"price":      "market",
	"trading":    "market",
	"markets":    "market",
	"defi":       "protocol",
	"tech":       "protocol",
	"upgrade":    "protocol",
	"hack":       "security",
	"exploit":    "security",
	"economy":    "macro",
	"fed":        "macro",
	"misc":       "other",
	"general":    "other",
}

// normalizeTags maps aliases, filters to the allowed set and dedupes
// preserving first appearance, falling back to the shared fallback tag.
func normalizeTags(raw []string, allowed map[string]struct{}) []string {
	var out []string
	seen := map[string]struct{}{}
	for _, t := range raw {
		t = strings.ToLower(strings.TrimSpace(t))
		if alias, ok := tagAliases[t]; ok {
			t = alias
		}
		if _, ok := allowed[t]; !ok {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	if len(out) == 0 {
		return []string{domain.FallbackTag}
	}
	return out
}

// toInsight converts one model item to a normalized Insight.
func toInsight(item classifiedItem, allowed map[string]struct{}) domain.Insight {
	in := domain.Insight{
		PostExternalID: item.TweetID,
		Verdict:        domain.Verdict(strings.ToLower(strings.TrimSpace(item.Verdict))),
		Summary:        item.Summary,
		Importance:     int(item.Importance + 0.5), // clamp happens in Normalize
		Tags:           normalizeTags(item.Tags, allowed),
		Suggestion:     strings.TrimSpace(item.Suggestion),
	}
	in.Normalize()
	return in
}

// synthesizedInsight is the fallback judgment for a post the model skipped.
func synthesizedInsight(p domain.Post) domain.Insight {
	in := domain.Insight{
		PostExternalID: p.ExternalID,
		Verdict:        domain.VerdictWatch,
		Summary:        textx.TruncateRunes(textx.CollapseWhitespace(p.Text), 80),
		Importance:     2,
		Tags:           []string{domain.FallbackTag},
	}
	in.Normalize()
	return in
}

// promptTag hides the internal unrouted marker from the model.
func promptTag(tag string) string {
	if tag == routing.UnroutedTag {
		return ""
	}
	return tag
}
