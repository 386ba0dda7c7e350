// Package timeline implements domain.TimelineFetcher against the upstream
// timeline HTTP API.
package timeline

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/ai-feed-triage/internal/config"
	"github.com/fairyhunter13/ai-feed-triage/internal/domain"
)

// Client fetches recent posts for one handle.
type Client struct {
	cfg config.Config
	hc  *http.Client
}

var _ domain.TimelineFetcher = (*Client)(nil)

// New constructs a timeline client honoring the configured per-call timeout.
func New(cfg config.Config) *Client {
	return &Client{cfg: cfg, hc: &http.Client{Timeout: cfg.TimelineTimeout}}
}

type timelineEntry struct {
	ID           string          `json:"id"`
	CreatedAt    time.Time       `json:"created_at"`
	Text         string          `json:"text"`
	Lang         string          `json:"lang"`
	AuthorName   string          `json:"author_name"`
	AuthorHandle string          `json:"author_handle"`
	Raw          json.RawMessage `json:"raw,omitempty"`
}

// Fetch returns the recent timeline entries for handle, retrying transient
// failures. Persistent 4xx responses surface as errors so the job fails
// visibly instead of silently skipping a subscription.
func (c *Client) Fetch(ctx domain.Context, handle string) ([]domain.FetchedPost, error) {
	endpoint := fmt.Sprintf("%s/timeline/%s", c.cfg.TimelineBaseURL, url.PathEscape(handle))

	var entries []timelineEntry
	op := func() error {
		r, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		if c.cfg.TimelineAPIKey != "" {
			r.Header.Set("Authorization", "Bearer "+c.cfg.TimelineAPIKey)
		}
		resp, err := c.hc.Do(r)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		bodyBytes, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			slog.Warn("timeline rate limited", slog.String("handle", handle))
			return fmt.Errorf("%w: status 429", domain.ErrUpstreamRateLimit)
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			snippet := string(bodyBytes)
			if len(snippet) > 256 {
				snippet = snippet[:256]
			}
			return backoff.Permanent(fmt.Errorf("timeline status %d: %s", resp.StatusCode, snippet))
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return fmt.Errorf("timeline status %d", resp.StatusCode)
		}
		entries = nil
		if err := json.Unmarshal(bodyBytes, &entries); err != nil {
			return backoff.Permanent(fmt.Errorf("timeline decode: %w", err))
		}
		return nil
	}

	expo := backoff.NewExponentialBackOff()
	maxElapsedTime, initialInterval, maxInterval, multiplier := c.cfg.GetAIBackoffConfig()
	expo.MaxElapsedTime = maxElapsedTime
	expo.InitialInterval = initialInterval
	expo.MaxInterval = maxInterval
	expo.Multiplier = multiplier
	if err := backoff.Retry(op, backoff.WithContext(expo, ctx)); err != nil {
		return nil, fmt.Errorf("op=timeline.fetch: %w", err)
	}

	out := make([]domain.FetchedPost, 0, len(entries))
	for _, e := range entries {
		if e.ID == "" {
			continue
		}
		out = append(out, domain.FetchedPost{
			ExternalID:   e.ID,
			CreatedAt:    e.CreatedAt,
			Text:         e.Text,
			Lang:         e.Lang,
			AuthorName:   e.AuthorName,
			AuthorHandle: e.AuthorHandle,
			Raw:          e.Raw,
		})
	}
	return out, nil
}
