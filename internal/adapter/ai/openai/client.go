// Package openai implements domain.AIClient against any OpenAI-compatible
// chat and embedding endpoint.
package openai

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

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/ai-feed-triage/internal/adapter/observability"
	"github.com/fairyhunter13/ai-feed-triage/internal/config"
	"github.com/fairyhunter13/ai-feed-triage/internal/domain"
)

// Client implements domain.AIClient using one OpenAI-compatible provider for
// both chat completions and embeddings.
type Client struct {
	cfg     config.Config
	chatHC  *http.Client
	embedHC *http.Client
}

var _ domain.AIClient = (*Client)(nil)

// New constructs a client with per-operation timeouts.
func New(cfg config.Config) *Client {
	embedTimeout := 60 * time.Second
	return &Client{
		cfg:     cfg,
		chatHC:  &http.Client{Timeout: cfg.ChatTimeout},
		embedHC: &http.Client{Timeout: embedTimeout},
	}
}

func (c *Client) getBackoffConfig() *backoff.ExponentialBackOff {
	expo := backoff.NewExponentialBackOff()
	maxElapsedTime, initialInterval, maxInterval, multiplier := c.cfg.GetAIBackoffConfig()
	expo.MaxElapsedTime = maxElapsedTime
	expo.InitialInterval = initialInterval
	expo.MaxInterval = maxInterval
	expo.Multiplier = multiplier
	return expo
}

// contentRisk reports whether the provider message matches one of the
// configured non-retryable content patterns.
func (c *Client) contentRisk(msg string) bool {
	for _, p := range c.cfg.ContentRiskPatterns {
		if p != "" && strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

type chatRequest struct {
	Model          string         `json:"model"`
	Temperature    float64        `json:"temperature"`
	MaxTokens      int            `json:"max_tokens,omitempty"`
	Messages       []chatMessage  `json:"messages"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// ChatJSON calls chat completions and returns the message content. The
// request asks for a JSON object response; providers that reject the
// response_format parameter get one retry without it. Content-risk refusals
// surface as domain.ErrContentRisk and are never retried.
func (c *Client) ChatJSON(ctx domain.Context, systemPrompt, userPrompt string, maxTokens int) (string, error) {
	if c.cfg.OpenAIAPIKey == "" {
		return "", fmt.Errorf("%w: OPENAI_API_KEY missing", domain.ErrInvalidArgument)
	}

	req := chatRequest{
		Model:       c.cfg.ChatModel,
		Temperature: 0.2,
		MaxTokens:   maxTokens,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		ResponseFormat: map[string]any{"type": "json_object"},
	}

	content, err := c.chatOnce(ctx, req)
	if err != nil && errors.Is(err, errResponseFormatRejected) {
		slog.Debug("provider rejected response_format, retrying without",
			slog.String("model", c.cfg.ChatModel))
		req.ResponseFormat = nil
		content, err = c.chatOnce(ctx, req)
	}
	if err != nil {
		return "", err
	}
	return content, nil
}

// errResponseFormatRejected marks a 4xx complaining about response_format.
var errResponseFormatRejected = errors.New("response_format rejected")

func (c *Client) chatOnce(ctx domain.Context, req chatRequest) (string, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("op=openai.chat: %w", err)
	}

	var out chatResponse
	op := func() error {
		start := time.Now()
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.OpenAIBaseURL+"/chat/completions", bytes.NewReader(b))
		if err != nil {
			return backoff.Permanent(err)
		}
		r.Header.Set("Authorization", "Bearer "+c.cfg.OpenAIAPIKey)
		r.Header.Set("Content-Type", "application/json")

		resp, err := c.chatHC.Do(r)
		observability.AIRequestDuration.WithLabelValues("chat").Observe(time.Since(start).Seconds())
		if err != nil {
			observability.AIRequestsTotal.WithLabelValues("chat", "transport_error").Inc()
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		bodyBytes, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		snippet := string(bodyBytes)
		if len(snippet) > 512 {
			snippet = snippet[:512]
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			observability.AIRequestsTotal.WithLabelValues("chat", "rate_limited").Inc()
			slog.Warn("ai provider rate limited", slog.String("op", "chat"), slog.Int("status", resp.StatusCode))
			return fmt.Errorf("%w: status 429", domain.ErrUpstreamRateLimit)
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			observability.AIRequestsTotal.WithLabelValues("chat", "client_error").Inc()
			if c.contentRisk(snippet) {
				return backoff.Permanent(fmt.Errorf("%w: %s", domain.ErrContentRisk, snippet))
			}
			if strings.Contains(snippet, "response_format") {
				return backoff.Permanent(errResponseFormatRejected)
			}
			slog.Warn("ai provider 4xx", slog.String("op", "chat"), slog.Int("status", resp.StatusCode), slog.String("body", snippet))
			return backoff.Permanent(fmt.Errorf("chat status %d", resp.StatusCode))
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			observability.AIRequestsTotal.WithLabelValues("chat", "server_error").Inc()
			slog.Error("ai provider non-2xx", slog.String("op", "chat"), slog.Int("status", resp.StatusCode), slog.String("body", snippet))
			return fmt.Errorf("chat status %d", resp.StatusCode)
		}
		if err := json.Unmarshal(bodyBytes, &out); err != nil {
			observability.AIRequestsTotal.WithLabelValues("chat", "decode_error").Inc()
			return err
		}
		if out.Error != nil {
			if c.contentRisk(out.Error.Message) {
				return backoff.Permanent(fmt.Errorf("%w: %s", domain.ErrContentRisk, out.Error.Message))
			}
			return fmt.Errorf("chat provider error: %s", out.Error.Message)
		}
		observability.AIRequestsTotal.WithLabelValues("chat", "ok").Inc()
		return nil
	}

	bo := backoff.WithContext(c.getBackoffConfig(), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		if errors.Is(err, errResponseFormatRejected) || errors.Is(err, domain.ErrContentRisk) {
			return "", err
		}
		return "", fmt.Errorf("op=openai.chat: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("op=openai.chat: empty choices")
	}
	content := out.Choices[0].Message.Content
	if c.contentRisk(content) {
		return "", fmt.Errorf("%w: %s", domain.ErrContentRisk, firstRunes(content, 120))
	}
	return content, nil
}

type embedRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Embed returns one vector per input text, preserving order. Inputs are sent
// in batches so one oversized call cannot take the whole run down.
func (c *Client) Embed(ctx domain.Context, texts []string) ([][]float32, error) {
	if c.cfg.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("%w: OPENAI_API_KEY missing", domain.ErrInvalidArgument)
	}
	if len(texts) == 0 {
		return nil, nil
	}

	batch := c.cfg.EmbeddingBatch
	if batch <= 0 {
		batch = 10
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += batch {
		end := start + batch
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := c.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (c *Client) embedBatch(ctx domain.Context, texts []string) ([][]float32, error) {
	b, err := json.Marshal(embedRequest{Model: c.cfg.EmbeddingModel, Input: texts, Dimensions: c.cfg.EmbeddingDims})
	if err != nil {
		return nil, fmt.Errorf("op=openai.embed: %w", err)
	}

	var out embedResponse
	op := func() error {
		start := time.Now()
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.OpenAIBaseURL+"/embeddings", bytes.NewReader(b))
		if err != nil {
			return backoff.Permanent(err)
		}
		r.Header.Set("Authorization", "Bearer "+c.cfg.OpenAIAPIKey)
		r.Header.Set("Content-Type", "application/json")

		resp, err := c.embedHC.Do(r)
		observability.AIRequestDuration.WithLabelValues("embed").Observe(time.Since(start).Seconds())
		if err != nil {
			observability.AIRequestsTotal.WithLabelValues("embed", "transport_error").Inc()
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		bodyBytes, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			observability.AIRequestsTotal.WithLabelValues("embed", "rate_limited").Inc()
			return fmt.Errorf("%w: status 429", domain.ErrUpstreamRateLimit)
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			observability.AIRequestsTotal.WithLabelValues("embed", "client_error").Inc()
			snippet := string(bodyBytes)
			if len(snippet) > 512 {
				snippet = snippet[:512]
			}
			slog.Warn("ai provider 4xx", slog.String("op", "embed"), slog.Int("status", resp.StatusCode), slog.String("body", snippet))
			return backoff.Permanent(fmt.Errorf("embed status %d", resp.StatusCode))
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			observability.AIRequestsTotal.WithLabelValues("embed", "server_error").Inc()
			return fmt.Errorf("embed status %d", resp.StatusCode)
		}
		if err := json.Unmarshal(bodyBytes, &out); err != nil {
			observability.AIRequestsTotal.WithLabelValues("embed", "decode_error").Inc()
			return err
		}
		if out.Error != nil {
			return fmt.Errorf("embed provider error: %s", out.Error.Message)
		}
		observability.AIRequestsTotal.WithLabelValues("embed", "ok").Inc()
		return nil
	}

	bo := backoff.WithContext(c.getBackoffConfig(), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, fmt.Errorf("op=openai.embed: %w", err)
	}
	if len(out.Data) != len(texts) {
		return nil, fmt.Errorf("op=openai.embed: got %d vectors for %d inputs", len(out.Data), len(texts))
	}
	vecs := make([][]float32, len(texts))
	for _, d := range out.Data {
		if d.Index < 0 || d.Index >= len(vecs) {
			return nil, fmt.Errorf("op=openai.embed: index %d out of range", d.Index)
		}
		vecs[d.Index] = d.Embedding
	}
	return vecs, nil
}

func firstRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
