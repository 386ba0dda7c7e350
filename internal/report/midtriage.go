package report

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/fairyhunter13/ai-feed-triage/internal/adapter/ai"
	"github.com/fairyhunter13/ai-feed-triage/internal/domain"
	"github.com/fairyhunter13/ai-feed-triage/pkg/textx"
)

// Mid-tier triage bounds: insights in this importance band go to the judge,
// anything above is always kept.
const (
	midTierLow  = 2
	midTierHigh = 3
)

// MidTriage re-judges mid-importance insights through an LLM so digests stay
// short. It fails open: any judge failure keeps the whole chunk.
type MidTriage struct {
	aiClient domain.AIClient
	cleaner  *ai.ResponseCleaner

	chunkSize   int
	maxKeep     int
	concurrency int
}

// NewMidTriage constructs a MidTriage.
func NewMidTriage(aiClient domain.AIClient, chunkSize, maxKeep, concurrency int) *MidTriage {
	if chunkSize <= 0 {
		chunkSize = 40
	}
	if maxKeep <= 0 {
		maxKeep = 10
	}
	if concurrency <= 0 {
		concurrency = 2
	}
	return &MidTriage{
		aiClient:    aiClient,
		cleaner:     ai.NewResponseCleaner(),
		chunkSize:   chunkSize,
		maxKeep:     maxKeep,
		concurrency: concurrency,
	}
}

// TriageResult summarizes one mid-tier pass for the overview section.
type TriageResult struct {
	Evaluated int
	Kept      int
}

// Filter splits items into always-kept high-tier and judged mid-tier, runs
// the judge chunk-wise in parallel and returns survivors in stable order.
// maxKeep overrides the default per-chunk keep cap when positive.
func (m *MidTriage) Filter(ctx domain.Context, prompt string, maxKeep int, items []domain.InsightWithPost) ([]domain.InsightWithPost, TriageResult) {
	if maxKeep <= 0 {
		maxKeep = m.maxKeep
	}
	var high, mid []domain.InsightWithPost
	for _, it := range items {
		if it.Importance >= midTierLow && it.Importance <= midTierHigh {
			mid = append(mid, it)
		} else {
			high = append(high, it)
		}
	}
	if len(mid) == 0 {
		return items, TriageResult{}
	}

	chunks := make([][]domain.InsightWithPost, 0, (len(mid)+m.chunkSize-1)/m.chunkSize)
	for start := 0; start < len(mid); start += m.chunkSize {
		end := start + m.chunkSize
		if end > len(mid) {
			end = len(mid)
		}
		chunks = append(chunks, mid[start:end])
	}

	kept := make([][]domain.InsightWithPost, len(chunks))
	var wg sync.WaitGroup
	sem := make(chan struct{}, m.concurrency)
	for i, chunk := range chunks {
		wg.Add(1)
		go func(i int, chunk []domain.InsightWithPost) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			kept[i] = m.judgeChunk(ctx, prompt, maxKeep, chunk)
		}(i, chunk)
	}
	wg.Wait()

	out := append([]domain.InsightWithPost(nil), high...)
	keptMid := 0
	for _, k := range kept {
		out = append(out, k...)
		keptMid += len(k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Importance != out[j].Importance {
			return out[i].Importance > out[j].Importance
		}
		if !out[i].TweetedAt.Equal(out[j].TweetedAt) {
			return out[i].TweetedAt.After(out[j].TweetedAt)
		}
		return out[i].PostExternalID < out[j].PostExternalID
	})
	return out, TriageResult{Evaluated: len(mid), Kept: keptMid}
}

// judgeChunk asks the model which items to keep; at most maxKeep survive.
// Any failure keeps the full chunk.
func (m *MidTriage) judgeChunk(ctx domain.Context, prompt string, maxKeep int, chunk []domain.InsightWithPost) []domain.InsightWithPost {
	system := triageSystemPrompt(prompt, maxKeep)
	var b strings.Builder
	b.WriteString("Judge these items:\n")
	for _, it := range chunk {
		fmt.Fprintf(&b, "[%s] (importance %d) %s\n", it.PostExternalID, it.Importance, textx.TruncateRunes(it.Summary, 120))
	}

	raw, err := m.aiClient.ChatJSON(ctx, system, b.String(), 1024)
	if err != nil {
		slog.Warn("mid-triage judge failed, keeping chunk", slog.Int("items", len(chunk)), slog.Any("error", err))
		return chunk
	}
	cleaned, err := m.cleaner.CleanAndValidateJSON(raw)
	if err != nil {
		slog.Warn("mid-triage judge returned invalid json, keeping chunk", slog.Int("items", len(chunk)))
		return chunk
	}
	var resp struct {
		Items []struct {
			TweetID string `json:"tweetId"`
			Keep    bool   `json:"keep"`
		} `json:"items"`
	}
	if err := json.Unmarshal([]byte(cleaned), &resp); err != nil {
		slog.Warn("mid-triage judge schema mismatch, keeping chunk", slog.Int("items", len(chunk)))
		return chunk
	}

	keep := map[string]bool{}
	for _, it := range resp.Items {
		if it.Keep {
			keep[it.TweetID] = true
		}
	}
	var out []domain.InsightWithPost
	for _, it := range chunk {
		if keep[it.PostExternalID] {
			out = append(out, it)
		}
		if len(out) >= maxKeep {
			break
		}
	}
	return out
}

func triageSystemPrompt(custom string, maxKeep int) string {
	var b strings.Builder
	b.WriteString("You curate a market intelligence digest. Decide which items carry real signal.\n")
	if custom != "" {
		b.WriteString("Editorial guidance: " + custom + "\n")
	}
	fmt.Fprintf(&b, "Keep at most %d items. Respond with ONLY a JSON object ", maxKeep)
	b.WriteString(`{"items":[{"tweetId":"...","keep":true}]} covering every given id.`)
	return b.String()
}
