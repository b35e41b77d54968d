// Package sieve adapts the external prompt-compression backend. It pins
// system messages (compressing instruction content would let the backend
// alter guardrail text) and compresses only the most recent user turn,
// wrapped in fixed delimiters so injection attempts inside the compressed
// payload stay structurally detectable.
//
// Failure policy: FAIL OPEN. A degraded compression backend costs savings,
// never availability - the original messages pass through unmodified.
package sieve

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/ecoshield-ai/ecoshield/pkg/chat"
	"github.com/ecoshield-ai/ecoshield/pkg/httputil"
)

// Strict delimiters around the user turn sent to the compression backend.
const (
	UserStart = "[USER_START]"
	UserEnd   = "[USER_END]"
)

// Result carries the compressed message set and token accounting.
type Result struct {
	Messages         []chat.Message `json:"messages"`
	OriginalTokens   int            `json:"original_tokens"`
	CompressedTokens int            `json:"compressed_tokens"`
	SavedTokens      int            `json:"saved_tokens"`
	SavingsPct       float64        `json:"savings_pct"`
	Succeeded        bool           `json:"succeeded"`
}

// Config configures the compression backend client.
type Config struct {
	URL     string
	APIKey  string
	Model   string
	Timeout time.Duration // 0 = the 10s compression tier baseline
}

// Client calls the external compression backend.
type Client struct {
	url    string
	apiKey string
	model  string
	httpc  *http.Client
}

type compressRequest struct {
	Model               string              `json:"model"`
	Input               string              `json:"input"`
	CompressionSettings compressionSettings `json:"compression_settings"`
}

type compressionSettings struct {
	Aggressiveness float64 `json:"aggressiveness"`
}

type compressResponse struct {
	OriginalInputTokens int    `json:"original_input_tokens"`
	OutputTokens        int    `json:"output_tokens"`
	Output              string `json:"output"`
}

// New creates a compression client.
func New(cfg Config) *Client {
	httpc := httputil.Client(httputil.TierCompression)
	if cfg.Timeout > 0 && cfg.Timeout != httputil.Timeout(httputil.TierCompression) {
		httpc = httputil.ClientWithTimeout(cfg.Timeout)
	}
	if cfg.Model == "" {
		cfg.Model = "bear-1"
	}
	return &Client{
		url:    cfg.URL,
		apiKey: cfg.APIKey,
		model:  cfg.Model,
		httpc:  httpc,
	}
}

// Process compresses the most recent user turn at the given aggressiveness
// and reassembles the conversation as pinned system messages plus the
// compressed user message. Conversations without a user turn pass through
// untouched.
func (c *Client) Process(ctx context.Context, messages []chat.Message, aggressiveness float64) Result {
	system, userContent := splitMessages(messages)
	if userContent == "" {
		return Result{Messages: messages, Succeeded: true}
	}

	data, err := c.compress(ctx, wrapUserInput(userContent), aggressiveness)
	if err != nil {
		// Fail open: degraded savings, never blocked traffic.
		log.Printf("[WARN] compression backend unavailable, passing prompt through: %v", err)
		estimate := EstimateTokens(userContent)
		return Result{
			Messages:         messages,
			OriginalTokens:   estimate,
			CompressedTokens: estimate,
			Succeeded:        false,
		}
	}

	compressed := stripDelimiters(data.Output, userContent)

	saved := data.OriginalInputTokens - data.OutputTokens
	pct := 0.0
	if data.OriginalInputTokens > 0 {
		pct = float64(saved) / float64(data.OriginalInputTokens) * 100
	}

	out := make([]chat.Message, 0, len(system)+1)
	out = append(out, system...)
	out = append(out, chat.Message{Role: chat.RoleUser, Content: compressed})

	return Result{
		Messages:         out,
		OriginalTokens:   data.OriginalInputTokens,
		CompressedTokens: data.OutputTokens,
		SavedTokens:      saved,
		SavingsPct:       pct,
		Succeeded:        true,
	}
}

func (c *Client) compress(ctx context.Context, input string, aggressiveness float64) (*compressResponse, error) {
	body, err := json.Marshal(compressRequest{
		Model:               c.model,
		Input:               input,
		CompressionSettings: compressionSettings{Aggressiveness: aggressiveness},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("compression call failed: %w", err)
	}
	defer httputil.DrainAndClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := httputil.ReadErrorBody(resp.Body)
		return nil, fmt.Errorf("compression backend status %d: %s", resp.StatusCode, msg)
	}

	raw, err := httputil.ReadResponseBody(resp.Body, httputil.MaxResponseSize)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var data compressResponse
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &data, nil
}

// splitMessages separates pinned system messages from the most recent user
// turn (the only compression target).
func splitMessages(messages []chat.Message) (system []chat.Message, userContent string) {
	for _, m := range messages {
		switch m.Role {
		case chat.RoleSystem:
			system = append(system, m)
		case chat.RoleUser:
			userContent = m.Content
		}
	}
	return system, userContent
}

func wrapUserInput(content string) string {
	return UserStart + "\n" + content + "\n" + UserEnd
}

// stripDelimiters removes the wrapping delimiters if the backend echoed
// them back. An empty backend output falls back to the original content.
func stripDelimiters(output, fallback string) string {
	if output == "" {
		return fallback
	}
	if strings.Contains(output, UserStart) || strings.Contains(output, UserEnd) {
		output = strings.ReplaceAll(output, UserStart, "")
		output = strings.ReplaceAll(output, UserEnd, "")
		output = strings.TrimSpace(output)
	}
	return output
}

// EstimateTokens is the crude whitespace-token count used whenever the
// backends cannot report real usage (fail-open path, pre-block estimates).
func EstimateTokens(text string) int {
	return len(strings.Fields(text))
}
