// Package llm is the OpenAI-compatible client for the upstream generation
// backend. Unlike the screening backends it carries no failure policy of
// its own: upstream errors are classified and surfaced to the caller.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ecoshield-ai/ecoshield/pkg/chat"
	"github.com/ecoshield-ai/ecoshield/pkg/httputil"
)

// ErrorKind partitions upstream failures for billing-aware handling.
type ErrorKind string

const (
	ErrQuota     ErrorKind = "quota"
	ErrAuth      ErrorKind = "auth"
	ErrRateLimit ErrorKind = "rate_limit"
	ErrUpstream  ErrorKind = "upstream"
)

// Usage is the upstream-reported token accounting for one generation.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is one completed generation.
type Response struct {
	Text  string `json:"text"`
	Model string `json:"model"`
	Usage Usage  `json:"usage"`
}

// Params tune a single generation request. Zero values fall back to the
// backend's defaults.
type Params struct {
	Temperature float64
	MaxTokens   int
	TopP        float64
}

// Config configures the upstream client.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration // 0 = the 60s generation tier baseline
}

// Client calls the upstream generation backend.
type Client struct {
	baseURL string
	apiKey  string
	model   string
	httpc   *http.Client
}

type chatRequest struct {
	Model       string         `json:"model"`
	Messages    []chat.Message `json:"messages"`
	Temperature float64        `json:"temperature,omitempty"`
	MaxTokens   int            `json:"max_tokens,omitempty"`
	TopP        float64        `json:"top_p,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chat.Message `json:"message"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

// New creates an upstream client.
func New(cfg Config) *Client {
	httpc := httputil.Client(httputil.TierGeneration)
	if cfg.Timeout > 0 && cfg.Timeout != httputil.Timeout(httputil.TierGeneration) {
		httpc = httputil.ClientWithTimeout(cfg.Timeout)
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		httpc:   httpc,
	}
}

// Model returns the configured upstream model name.
func (c *Client) Model() string { return c.model }

// Generate sends the (already screened and compressed) conversation
// upstream and returns the completion with real token usage.
func (c *Client) Generate(ctx context.Context, messages []chat.Message, params Params) (*Response, error) {
	body, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: params.Temperature,
		MaxTokens:   params.MaxTokens,
		TopP:        params.TopP,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := c.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream call failed: %w", err)
	}
	defer httputil.DrainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		msg, _ := httputil.ReadErrorBody(resp.Body)
		return nil, fmt.Errorf("upstream status %d: %s", resp.StatusCode, msg)
	}

	raw, err := httputil.ReadResponseBody(resp.Body, httputil.MaxResponseSize)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var cr chatResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(cr.Choices) == 0 {
		return nil, fmt.Errorf("upstream returned no choices")
	}

	model := cr.Model
	if model == "" {
		model = c.model
	}
	return &Response{
		Text:  cr.Choices[0].Message.Content,
		Model: model,
		Usage: cr.Usage,
	}, nil
}

// ClassifyError maps an upstream error to a billing-relevant kind by
// message inspection. Quota exhaustion is checked before generic rate
// limiting because providers often phrase it as a rate-limit error.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return ErrUpstream
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "quota") || strings.Contains(msg, "billing") || strings.Contains(msg, "credits"):
		return ErrQuota
	case strings.Contains(msg, "permission") || strings.Contains(msg, "authentication"):
		return ErrAuth
	case strings.Contains(msg, "rate") && strings.Contains(msg, "limit"):
		return ErrRateLimit
	default:
		return ErrUpstream
	}
}

// HTTPStatus maps an error kind to the status returned to the caller.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case ErrQuota, ErrRateLimit:
		return http.StatusTooManyRequests
	case ErrAuth:
		return http.StatusUnauthorized
	default:
		return http.StatusBadGateway
	}
}
