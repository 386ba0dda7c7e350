package report

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fairyhunter13/ai-feed-triage/internal/domain"
	"github.com/fairyhunter13/ai-feed-triage/pkg/textx"
)

const highlightCap = 10

// Group is one rendered bucket in tag or author mode.
type Group struct {
	Key   string
	Items []domain.InsightWithPost
}

// RenderInput is everything the renderer needs for one digest.
type RenderInput struct {
	ProfileName string
	PeriodStart time.Time
	PeriodEnd   time.Time
	Location    *time.Location
	GroupBy     domain.GroupBy
	Total       int
	Triage      TriageResult

	// Clusters is set in cluster mode, Groups in tag/author mode.
	Clusters []*Cluster
	Groups   []Group
}

// Outline is the structured report skeleton stored next to the markdown.
type Outline struct {
	Mode     string           `json:"mode"`
	Sections []OutlineSection `json:"sections"`
}

// OutlineSection is one heading of the outline.
type OutlineSection struct {
	Key   string        `json:"key"`
	Count int           `json:"count"`
	Items []OutlineItem `json:"items"`
}

// OutlineItem is one bullet of the outline.
type OutlineItem struct {
	PostExternalID string `json:"postExternalId"`
	Summary        string `json:"summary"`
	Importance     int    `json:"importance"`
	URL            string `json:"url,omitempty"`
	Size           int    `json:"size,omitempty"`
}

// stars renders importance as a five-slot star bar.
func stars(importance int) string {
	if importance < 1 {
		importance = 1
	}
	if importance > 5 {
		importance = 5
	}
	return strings.Repeat("★", importance) + strings.Repeat("☆", 5-importance)
}

func itemLine(it domain.InsightWithPost) string {
	var b strings.Builder
	fmt.Fprintf(&b, "- [%s] @%s：%s", stars(it.Importance), it.AuthorHandle, textx.TruncateRunes(it.Summary, 120))
	if it.Suggestion != "" {
		fmt.Fprintf(&b, "｜建议：%s", textx.TruncateRunes(it.Suggestion, 80))
	}
	if it.URL != "" {
		fmt.Fprintf(&b, " — [链接](%s)", it.URL)
	}
	return b.String()
}

func clusterLine(c *Cluster) string {
	rep := c.Representative
	var b strings.Builder
	fmt.Fprintf(&b, "- [%s] @%s：%s", stars(c.PeakImportance), rep.AuthorHandle, textx.TruncateRunes(rep.Summary, 120))
	if len(c.Items) > 1 {
		fmt.Fprintf(&b, "（相关 %d 条）", len(c.Items))
	}
	if rep.Suggestion != "" {
		fmt.Fprintf(&b, "｜建议：%s", textx.TruncateRunes(rep.Suggestion, 80))
	}
	if rep.URL != "" {
		fmt.Fprintf(&b, " — [链接](%s)", rep.URL)
	}
	return b.String()
}

// Render produces the digest markdown, its headline and the outline JSON.
func Render(in RenderInput) (headline, markdown string, outline []byte, err error) {
	loc := in.Location
	if loc == nil {
		loc = time.UTC
	}
	headline = fmt.Sprintf("%s 情报摘要 %s", in.ProfileName, in.PeriodEnd.In(loc).Format("2006-01-02"))

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", headline)
	fmt.Fprintf(&b, "> 时间范围：%s — %s\n\n",
		in.PeriodStart.In(loc).Format("2006-01-02 15:04"),
		in.PeriodEnd.In(loc).Format("2006-01-02 15:04"))

	b.WriteString("## 概览\n\n")
	fmt.Fprintf(&b, "- 收录洞察 %d 条\n", in.Total)
	if in.Triage.Evaluated > 0 {
		fmt.Fprintf(&b, "- AI 复筛：评估 %d 条，保留 %d 条\n", in.Triage.Evaluated, in.Triage.Kept)
	}
	if in.GroupBy == domain.GroupByCluster {
		fmt.Fprintf(&b, "- 聚类 %d 组\n", len(in.Clusters))
	}
	b.WriteString("\n")

	highlights := collectHighlights(in)
	if len(highlights) > 0 {
		b.WriteString("## 重点洞察\n\n")
		for _, it := range highlights {
			b.WriteString(itemLine(it) + "\n")
		}
		b.WriteString("\n")
	}

	out := Outline{Mode: string(in.GroupBy)}
	b.WriteString("## 分类\n\n")
	switch in.GroupBy {
	case domain.GroupByCluster:
		for _, bucket := range bucketClusters(in.Clusters) {
			fmt.Fprintf(&b, "### 分类：%s\n\n", bucket.Key)
			sec := OutlineSection{Key: bucket.Key}
			for _, c := range bucket.Clusters {
				b.WriteString(clusterLine(c) + "\n")
				sec.Count += len(c.Items)
				sec.Items = append(sec.Items, OutlineItem{
					PostExternalID: c.Representative.PostExternalID,
					Summary:        c.Representative.Summary,
					Importance:     c.PeakImportance,
					URL:            c.Representative.URL,
					Size:           len(c.Items),
				})
			}
			b.WriteString("\n")
			out.Sections = append(out.Sections, sec)
		}
	case domain.GroupByAuthor:
		for _, g := range in.Groups {
			fmt.Fprintf(&b, "### 作者：@%s\n\n", g.Key)
			out.Sections = append(out.Sections, renderGroup(&b, g))
		}
	default:
		for _, g := range in.Groups {
			fmt.Fprintf(&b, "### 分类：%s\n\n", g.Key)
			out.Sections = append(out.Sections, renderGroup(&b, g))
		}
	}

	outline, err = json.Marshal(out)
	if err != nil {
		return "", "", nil, fmt.Errorf("op=report.Render: %w", err)
	}
	return headline, strings.TrimRight(b.String(), "\n") + "\n", outline, nil
}

func renderGroup(b *strings.Builder, g Group) OutlineSection {
	sec := OutlineSection{Key: g.Key, Count: len(g.Items)}
	for _, it := range g.Items {
		b.WriteString(itemLine(it) + "\n")
		sec.Items = append(sec.Items, OutlineItem{
			PostExternalID: it.PostExternalID,
			Summary:        it.Summary,
			Importance:     it.Importance,
			URL:            it.URL,
		})
	}
	b.WriteString("\n")
	return sec
}

// collectHighlights picks importance-5 items across the input, capped.
func collectHighlights(in RenderInput) []domain.InsightWithPost {
	var items []domain.InsightWithPost
	if in.GroupBy == domain.GroupByCluster {
		for _, c := range in.Clusters {
			items = append(items, c.Items...)
		}
	} else {
		for _, g := range in.Groups {
			items = append(items, g.Items...)
		}
	}
	var out []domain.InsightWithPost
	for _, it := range items {
		if it.Importance >= 5 {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return moreRepresentative(out[i], out[j]) })
	if len(out) > highlightCap {
		out = out[:highlightCap]
	}
	return out
}

type clusterBucket struct {
	Key      string
	Clusters []*Cluster
	total    int
	peak     int
}

// bucketClusters groups clusters under their primary tag, ordered by peak
// importance, then total item count, ties by name.
func bucketClusters(clusters []*Cluster) []clusterBucket {
	byTag := map[string]*clusterBucket{}
	var order []string
	for _, c := range clusters {
		key := c.PrimaryTag()
		b, ok := byTag[key]
		if !ok {
			b = &clusterBucket{Key: key}
			byTag[key] = b
			order = append(order, key)
		}
		b.Clusters = append(b.Clusters, c)
		b.total += len(c.Items)
		if c.PeakImportance > b.peak {
			b.peak = c.PeakImportance
		}
	}
	out := make([]clusterBucket, 0, len(order))
	for _, k := range order {
		out = append(out, *byTag[k])
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].peak != out[j].peak {
			return out[i].peak > out[j].peak
		}
		if out[i].total != out[j].total {
			return out[i].total > out[j].total
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// GroupByTag buckets items under their primary tag.
func GroupItemsByTag(items []domain.InsightWithPost) []Group {
	return groupItems(items, func(it domain.InsightWithPost) string {
		if len(it.Tags) > 0 {
			return it.Tags[0]
		}
		return domain.FallbackTag
	})
}

// GroupItemsByAuthor buckets items under their author handle.
func GroupItemsByAuthor(items []domain.InsightWithPost) []Group {
	return groupItems(items, func(it domain.InsightWithPost) string {
		return it.AuthorHandle
	})
}

func groupItems(items []domain.InsightWithPost, key func(domain.InsightWithPost) string) []Group {
	byKey := map[string]*Group{}
	var order []string
	for _, it := range items {
		k := key(it)
		g, ok := byKey[k]
		if !ok {
			g = &Group{Key: k}
			byKey[k] = g
			order = append(order, k)
		}
		g.Items = append(g.Items, it)
	}
	out := make([]Group, 0, len(order))
	for _, k := range order {
		out = append(out, *byKey[k])
	}
	sort.Slice(out, func(i, j int) bool {
		pi, pj := peakImportance(out[i].Items), peakImportance(out[j].Items)
		if pi != pj {
			return pi > pj
		}
		if len(out[i].Items) != len(out[j].Items) {
			return len(out[i].Items) > len(out[j].Items)
		}
		return out[i].Key < out[j].Key
	})
	for i := range out {
		sort.Slice(out[i].Items, func(a, b int) bool {
			return moreRepresentative(out[i].Items[a], out[i].Items[b])
		})
	}
	return out
}

func peakImportance(items []domain.InsightWithPost) int {
	peak := 0
	for _, it := range items {
		if it.Importance > peak {
			peak = it.Importance
		}
	}
	return peak
}
