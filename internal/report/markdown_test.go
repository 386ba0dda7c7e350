package report

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-feed-triage/internal/domain"
)

func renderItem(id string, importance int, tag, handle string) domain.InsightWithPost {
	return domain.InsightWithPost{
		Insight: domain.Insight{
			PostExternalID: id,
			Summary:        "summary " + id,
			Importance:     importance,
			Tags:           []string{tag},
			Verdict:        domain.VerdictWatch,
		},
		AuthorHandle: handle,
		TweetedAt:    time.Date(2026, 8, 20, 8, 0, 0, 0, time.UTC),
		URL:          "https://x.com/" + handle + "/status/" + id,
	}
}

func TestGroupItemsByTagOrdersByPeakImportance(t *testing.T) {
	t.Parallel()
	// A single importance-5 insight outranks a larger bucket of mid items.
	groups := GroupItemsByTag([]domain.InsightWithPost{
		renderItem("m1", 3, "market", "bob"),
		renderItem("m2", 3, "market", "carol"),
		renderItem("p1", 5, "policy", "alice"),
	})
	require.Len(t, groups, 2)
	assert.Equal(t, "policy", groups[0].Key)
	assert.Equal(t, "market", groups[1].Key)

	// Equal peaks fall back to size, then key.
	groups = GroupItemsByTag([]domain.InsightWithPost{
		renderItem("p1", 4, "policy", "alice"),
		renderItem("m1", 4, "market", "bob"),
		renderItem("m2", 3, "market", "carol"),
	})
	require.Len(t, groups, 2)
	assert.Equal(t, "market", groups[0].Key)
	assert.Equal(t, "policy", groups[1].Key)
}

func TestBucketClustersOrdersByPeakImportance(t *testing.T) {
	t.Parallel()
	m1 := newCluster(Candidate{Item: renderItem("m1", 3, "market", "bob"), Vector: []float32{0, 1}})
	m2 := newCluster(Candidate{Item: renderItem("m2", 3, "market", "carol"), Vector: []float32{0, 1}})
	p1 := newCluster(Candidate{Item: renderItem("p1", 5, "policy", "alice"), Vector: []float32{1, 0}})

	buckets := bucketClusters([]*Cluster{m1, m2, p1})
	require.Len(t, buckets, 2)
	assert.Equal(t, "policy", buckets[0].Key)
	assert.Equal(t, 5, buckets[0].peak)
	assert.Equal(t, "market", buckets[1].Key)
	assert.Equal(t, 2, buckets[1].total)
}

func TestStars(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "★★★★★", stars(5))
	assert.Equal(t, "★★★☆☆", stars(3))
	assert.Equal(t, "★☆☆☆☆", stars(0))
	assert.Equal(t, "★★★★★", stars(9))
}

func TestRenderTagMode(t *testing.T) {
	t.Parallel()
	items := []domain.InsightWithPost{
		renderItem("a", 5, "policy", "alice"),
		renderItem("b", 3, "policy", "bob"),
		renderItem("c", 4, "market", "carol"),
	}
	in := RenderInput{
		ProfileName: "晨报",
		PeriodStart: time.Date(2026, 8, 19, 9, 0, 0, 0, time.UTC),
		PeriodEnd:   time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC),
		GroupBy:     domain.GroupByTag,
		Total:       3,
		Groups:      GroupItemsByTag(items),
	}
	headline, markdown, outline, err := Render(in)
	require.NoError(t, err)

	assert.Equal(t, "晨报 情报摘要 2026-08-20", headline)
	assert.Contains(t, markdown, "> 时间范围：2026-08-19 09:00 — 2026-08-20 09:00")
	assert.Contains(t, markdown, "- 收录洞察 3 条")
	// Importance 5 item shows up under highlights and its own section.
	assert.Contains(t, markdown, "## 重点洞察")
	assert.Contains(t, markdown, "### 分类：policy")
	assert.Contains(t, markdown, "### 分类：market")
	assert.Contains(t, markdown, "- [★★★★★] @alice：summary a — [链接](https://x.com/alice/status/a)")

	var out Outline
	require.NoError(t, json.Unmarshal(outline, &out))
	assert.Equal(t, "tag", out.Mode)
	require.Len(t, out.Sections, 2)
	// Heavier bucket first.
	assert.Equal(t, "policy", out.Sections[0].Key)
	assert.Equal(t, 2, out.Sections[0].Count)
}

func TestRenderClusterModeBullets(t *testing.T) {
	t.Parallel()
	c1 := newCluster(Candidate{Item: renderItem("a", 4, "policy", "alice"), Vector: []float32{1, 0}})
	c1.assign(Candidate{Item: renderItem("b", 3, "policy", "bob"), Vector: []float32{1, 0}})
	c2 := newCluster(Candidate{Item: renderItem("c", 3, "market", "carol"), Vector: []float32{0, 1}})

	in := RenderInput{
		ProfileName: "daily",
		PeriodStart: time.Date(2026, 8, 19, 9, 0, 0, 0, time.UTC),
		PeriodEnd:   time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC),
		GroupBy:     domain.GroupByCluster,
		Total:       3,
		Clusters:    []*Cluster{c1, c2},
	}
	_, markdown, outline, err := Render(in)
	require.NoError(t, err)

	assert.Contains(t, markdown, "- 聚类 2 组")
	assert.Contains(t, markdown, "（相关 2 条）")
	assert.Contains(t, markdown, "### 分类：policy")
	assert.Contains(t, markdown, "### 分类：market")

	var out Outline
	require.NoError(t, json.Unmarshal(outline, &out))
	assert.Equal(t, "cluster", out.Mode)
	require.Len(t, out.Sections, 2)
	assert.Equal(t, 2, out.Sections[0].Items[0].Size)
}

func TestRenderSuggestionLine(t *testing.T) {
	t.Parallel()
	it := renderItem("a", 4, "policy", "alice")
	it.Verdict = domain.VerdictActionable
	it.Suggestion = "关注资金流向"
	line := itemLine(it)
	assert.Contains(t, line, "｜建议：关注资金流向")
}
