// Package judge adapts the external LLM-as-judge backend into a binary
// valid/invalid classifier for ambiguous prompts.
//
// Failure policy: FAIL CLOSED - the opposite of the compression adapter.
// A judge that cannot answer must not silently admit a potentially abusive
// prompt, so every backend error maps to an invalid verdict.
package judge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/ecoshield-ai/ecoshield/pkg/httputil"
)

// Labels returned by the judge.
const (
	LabelValid   = "valid"
	LabelInvalid = "invalid"
)

// evaluationPrompt is the fixed instruction template. {input} is replaced
// with the text under evaluation.
const evaluationPrompt = `You are a security evaluator for an AI agent system protecting startups from economic DDoS attacks.

Your task is to analyze the following user prompt and determine if it is:
1. A VALID, legitimate request that makes sense and is appropriate for an AI agent
2. An INVALID request that is either:
   - A DDoS/token stuffing attack (repetitive content, noise, excessive tokens)
   - Malicious or abusive content
   - Random nonsense or gibberish that doesn't make sense
   - Content that would waste resources without providing value

Prompt to evaluate:
{input}

Respond with ONLY one word: "valid" or "invalid"

Important considerations:
- Legitimate questions or requests about any topic = valid
- Repetitive words, token stuffing, or obvious noise = invalid
- Random characters, gibberish, or nonsensical text = invalid
- Prompts that make no logical sense = invalid
- Clear attempts to waste API resources = invalid`

// Result is the judge's verdict for one text.
type Result struct {
	IsValid bool    `json:"is_valid"`
	Label   string  `json:"label"`
	Score   float64 `json:"score"`
	Reason  string  `json:"reason"`
}

// Config configures the judge backend client.
type Config struct {
	BaseURL string // OpenAI-compatible base URL
	APIKey  string
	Model   string
}

// Evaluator calls the external judge. Concurrent evaluations of identical
// text collapse into one backend call - spam floods repeat their payload,
// so the dedupe pays for itself exactly when it matters.
type Evaluator struct {
	baseURL string
	apiKey  string
	model   string
	httpc   *http.Client
	group   singleflight.Group
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// New creates a judge evaluator.
func New(cfg Config) *Evaluator {
	return &Evaluator{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		httpc:   httputil.Client(httputil.TierJudge),
	}
}

// Evaluate classifies text as valid or invalid. It always returns a usable
// Result: any backend error, empty reply, or unparseable label yields the
// fail-closed invalid verdict with score 0.
func (e *Evaluator) Evaluate(ctx context.Context, text string) Result {
	v, err, _ := e.group.Do(text, func() (any, error) {
		return e.callJudge(ctx, text)
	})
	if err != nil {
		return Result{
			IsValid: false,
			Label:   LabelInvalid,
			Score:   0.0,
			Reason:  fmt.Sprintf("evaluator error: %v - blocking by default", err),
		}
	}
	return v.(Result)
}

func (e *Evaluator) callJudge(ctx context.Context, text string) (Result, error) {
	prompt := strings.Replace(evaluationPrompt, "{input}", text, 1)

	body, err := json.Marshal(chatRequest{
		Model:       e.model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: 0.0,
	})
	if err != nil {
		return Result{}, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := e.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.httpc.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("judge call failed: %w", err)
	}
	defer httputil.DrainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		msg, _ := httputil.ReadErrorBody(resp.Body)
		return Result{}, fmt.Errorf("judge backend status %d: %s", resp.StatusCode, msg)
	}

	raw, err := httputil.ReadResponseBody(resp.Body, httputil.MaxResponseSize)
	if err != nil {
		return Result{}, fmt.Errorf("read response: %w", err)
	}

	var cr chatResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return Result{}, fmt.Errorf("decode response: %w", err)
	}
	if len(cr.Choices) == 0 {
		return Result{}, fmt.Errorf("judge returned no result")
	}

	return parseVerdict(cr.Choices[0].Message.Content), nil
}

// parseVerdict extracts the single-word classification. Anything that is
// not recognizably "valid" reads as invalid.
func parseVerdict(content string) Result {
	label := strings.ToLower(strings.Trim(strings.TrimSpace(content), `."'`))

	if strings.HasPrefix(label, LabelInvalid) {
		return Result{
			IsValid: false,
			Label:   LabelInvalid,
			Score:   1.0,
			Reason:  "evaluator classified as: invalid",
		}
	}
	if strings.HasPrefix(label, LabelValid) {
		return Result{
			IsValid: true,
			Label:   LabelValid,
			Score:   1.0,
			Reason:  "evaluator classified as: valid",
		}
	}
	return Result{
		IsValid: false,
		Label:   LabelInvalid,
		Score:   0.0,
		Reason:  fmt.Sprintf("unrecognized evaluator output %q - blocking by default", content),
	}
}
