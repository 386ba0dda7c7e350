// Package notify implements domain.Notifier as a chat webhook push with
// message splitting for long digests.
package notify

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/fairyhunter13/ai-feed-triage/internal/adapter/observability"
	"github.com/fairyhunter13/ai-feed-triage/internal/domain"
)

// DefaultItemsPerMessage bounds one webhook message when the notification
// config does not say otherwise.
const DefaultItemsPerMessage = 5

// Webhook posts markdown messages to a configured chat webhook.
type Webhook struct {
	configs domain.NotificationConfigRepository
	hc      *http.Client
}

var _ domain.Notifier = (*Webhook)(nil)

// NewWebhook constructs a webhook notifier reading its target from the
// notification config repository at send time, so operators can repoint the
// channel without a restart.
func NewWebhook(configs domain.NotificationConfigRepository) *Webhook {
	return &Webhook{configs: configs, hc: &http.Client{Timeout: 30 * time.Second}}
}

// Send splits markdown into webhook-sized parts and delivers them in order.
// A disabled or missing config is a silent no-op.
func (w *Webhook) Send(ctx domain.Context, markdown string) error {
	cfg, err := w.configs.Get(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			slog.Debug("notification config missing, skipping send")
			return nil
		}
		return fmt.Errorf("op=notify.send: %w", err)
	}
	if !cfg.Enabled || cfg.WebhookURL == "" {
		slog.Debug("notifications disabled, skipping send")
		return nil
	}

	itemsPerMessage := cfg.ItemsPerMessage
	if itemsPerMessage <= 0 {
		itemsPerMessage = DefaultItemsPerMessage
	}

	parts := SplitMarkdown(markdown, itemsPerMessage)
	for i, part := range parts {
		if err := w.post(ctx, cfg.WebhookURL, part); err != nil {
			return fmt.Errorf("op=notify.send part=%d/%d: %w", i+1, len(parts), err)
		}
		observability.NotificationsSentTotal.Inc()
	}
	return nil
}

func (w *Webhook) post(ctx domain.Context, webhookURL, text string) error {
	body, err := json.Marshal(map[string]any{
		"msgtype":  "markdown",
		"markdown": map[string]string{"content": text},
	})
	if err != nil {
		return err
	}
	r, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	r.Header.Set("Content-Type", "application/json")
	resp, err := w.hc.Do(r)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("webhook status %d: %s", resp.StatusCode, string(snippet))
	}
	return nil
}

// SplitMarkdown splits a rendered digest into messages. The header block
// (everything before the first "### " category) leads the first message;
// each category section is then split so at most itemsPerMessage list items
// travel together, repeating the category heading on continuation parts.
func SplitMarkdown(markdown string, itemsPerMessage int) []string {
	if itemsPerMessage <= 0 {
		itemsPerMessage = DefaultItemsPerMessage
	}
	sections := splitSections(markdown)
	if len(sections) == 0 {
		return nil
	}

	var parts []string
	for _, sec := range sections {
		if sec.heading == "" {
			if s := strings.TrimSpace(sec.body); s != "" {
				parts = append(parts, s)
			}
			continue
		}
		items := splitItems(sec.body)
		if len(items) == 0 {
			parts = append(parts, strings.TrimSpace(sec.heading))
			continue
		}
		for start := 0; start < len(items); start += itemsPerMessage {
			end := start + itemsPerMessage
			if end > len(items) {
				end = len(items)
			}
			heading := sec.heading
			if start > 0 {
				heading = sec.heading + "（续）"
			}
			parts = append(parts, strings.TrimSpace(heading+"\n"+strings.Join(items[start:end], "\n")))
		}
	}
	return parts
}

type section struct {
	heading string
	body    string
}

// splitSections cuts markdown at "### " category headings, keeping any
// preamble as a heading-less first section.
func splitSections(markdown string) []section {
	lines := strings.Split(markdown, "\n")
	var out []section
	cur := section{}
	flush := func() {
		if strings.TrimSpace(cur.heading) != "" || strings.TrimSpace(cur.body) != "" {
			out = append(out, cur)
		}
	}
	for _, line := range lines {
		if strings.HasPrefix(line, "### ") {
			flush()
			cur = section{heading: line}
			continue
		}
		if cur.body == "" {
			cur.body = line
		} else {
			cur.body += "\n" + line
		}
	}
	flush()
	return out
}

// splitItems groups a section body into list items: a "- " line starts an
// item and carries its indented continuation lines with it.
func splitItems(body string) []string {
	lines := strings.Split(body, "\n")
	var items []string
	var cur []string
	flush := func() {
		if len(cur) > 0 {
			items = append(items, strings.Join(cur, "\n"))
			cur = nil
		}
	}
	for _, line := range lines {
		if strings.HasPrefix(line, "- ") {
			flush()
			cur = []string{line}
			continue
		}
		if len(cur) > 0 {
			cur = append(cur, line)
		}
	}
	flush()
	return items
}
