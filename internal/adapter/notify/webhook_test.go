package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-feed-triage/internal/adapter/repo/memory"
	"github.com/fairyhunter13/ai-feed-triage/internal/domain"
)

const sampleDigest = `## 概览
- 共 7 条洞察

### 分类：policy
- [1] item one
  detail line
- [2] item two
- [3] item three

### 分类：market
- [4] item four
`

func TestSplitMarkdownHeaderAndSections(t *testing.T) {
	t.Parallel()
	parts := SplitMarkdown(sampleDigest, 2)
	require.Len(t, parts, 4)

	assert.True(t, strings.HasPrefix(parts[0], "## 概览"))
	assert.True(t, strings.HasPrefix(parts[1], "### 分类：policy"))
	assert.Contains(t, parts[1], "item one")
	assert.Contains(t, parts[1], "detail line")
	assert.Contains(t, parts[1], "item two")
	assert.NotContains(t, parts[1], "item three")

	assert.True(t, strings.HasPrefix(parts[2], "### 分类：policy（续）"))
	assert.Contains(t, parts[2], "item three")

	assert.True(t, strings.HasPrefix(parts[3], "### 分类：market"))
}

func TestSplitMarkdownSingleMessage(t *testing.T) {
	t.Parallel()
	parts := SplitMarkdown(sampleDigest, 10)
	require.Len(t, parts, 3)
	assert.NotContains(t, parts[1], "（续）")
}

func TestSplitMarkdownEmpty(t *testing.T) {
	t.Parallel()
	assert.Empty(t, SplitMarkdown("", 5))
}

func TestWebhookSendSequential(t *testing.T) {
	t.Parallel()
	var got []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Markdown struct {
				Content string `json:"content"`
			} `json:"markdown"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		got = append(got, body.Markdown.Content)
	}))
	defer srv.Close()

	store := memory.NewStore()
	require.NoError(t, store.NotificationConfigs().Save(context.Background(), domain.NotificationConfig{
		Enabled:         true,
		WebhookURL:      srv.URL,
		ItemsPerMessage: 2,
	}))

	wh := NewWebhook(store.NotificationConfigs())
	require.NoError(t, wh.Send(context.Background(), sampleDigest))

	require.Len(t, got, 4)
	assert.True(t, strings.HasPrefix(got[0], "## 概览"))
	assert.True(t, strings.HasPrefix(got[3], "### 分类：market"))
}

func TestWebhookDisabledIsNoop(t *testing.T) {
	t.Parallel()
	store := memory.NewStore()
	require.NoError(t, store.NotificationConfigs().Save(context.Background(), domain.NotificationConfig{
		Enabled:    false,
		WebhookURL: "http://unused",
	}))
	wh := NewWebhook(store.NotificationConfigs())
	assert.NoError(t, wh.Send(context.Background(), sampleDigest))
}

func TestWebhookMissingConfigIsNoop(t *testing.T) {
	t.Parallel()
	store := memory.NewStore()
	wh := NewWebhook(store.NotificationConfigs())
	assert.NoError(t, wh.Send(context.Background(), sampleDigest))
}
