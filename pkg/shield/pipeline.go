// Package shield runs each inbound request through the admission pipeline:
// fingerprint, signature scan, entropy classification, penalty-aware
// compression, judge validation, then the upstream call. The pipeline is the
// only writer of the penalty engine's cost window and flag store.
package shield

import (
	"context"
	"errors"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/ecoshield-ai/ecoshield/pkg/chat"
	"github.com/ecoshield-ai/ecoshield/pkg/entropy"
	"github.com/ecoshield-ai/ecoshield/pkg/identity"
	"github.com/ecoshield-ai/ecoshield/pkg/judge"
	"github.com/ecoshield-ai/ecoshield/pkg/llm"
	"github.com/ecoshield-ai/ecoshield/pkg/patterns"
	"github.com/ecoshield-ai/ecoshield/pkg/penalty"
	"github.com/ecoshield-ai/ecoshield/pkg/sieve"
	"github.com/ecoshield-ai/ecoshield/pkg/telemetry"
)

// ErrMalformedInput rejects a request before any pipeline stage runs.
var ErrMalformedInput = errors.New("request has no non-empty user message")

// savingsAttackThreshold: a compression ratio above this marks the prompt
// as mostly redundant filler.
const savingsAttackThreshold = 0.8

// Compressor is the slice of the compression adapter the pipeline uses.
type Compressor interface {
	Process(ctx context.Context, messages []chat.Message, aggressiveness float64) sieve.Result
}

// Judge is the slice of the tie-breaker the pipeline uses.
type Judge interface {
	Evaluate(ctx context.Context, text string) judge.Result
}

// Upstream is the slice of the generation client the pipeline uses.
type Upstream interface {
	Generate(ctx context.Context, messages []chat.Message, params llm.Params) (*llm.Response, error)
}

// Pipeline wires the screening stages around the shared penalty engine.
type Pipeline struct {
	registry   *patterns.Registry
	classifier *entropy.Classifier
	engine     *penalty.Engine
	compressor Compressor
	judge      Judge
	upstream   Upstream
	audit      *telemetry.Client
}

// Deps carries the pipeline's collaborators. Registry and Classifier fall
// back to package defaults when nil; Audit may stay nil.
type Deps struct {
	Registry   *patterns.Registry
	Classifier *entropy.Classifier
	Engine     *penalty.Engine
	Compressor Compressor
	Judge      Judge
	Upstream   Upstream
	Audit      *telemetry.Client
}

// New assembles a pipeline.
func New(d Deps) *Pipeline {
	if d.Registry == nil {
		d.Registry = patterns.Get()
	}
	if d.Classifier == nil {
		d.Classifier = entropy.NewClassifier(0, 0)
	}
	return &Pipeline{
		registry:   d.Registry,
		classifier: d.Classifier,
		engine:     d.Engine,
		compressor: d.Compressor,
		judge:      d.Judge,
		upstream:   d.Upstream,
		audit:      d.Audit,
	}
}

// Engine exposes the shared penalty engine for the read-only stats and
// administrative surfaces.
func (p *Pipeline) Engine() *penalty.Engine { return p.engine }

// Handle runs one request through the pipeline. It returns ErrMalformedInput
// for requests with no usable user turn; every other outcome, including
// blocks and upstream failures, is expressed in the Verdict.
func (p *Pipeline) Handle(ctx context.Context, fp identity.Fingerprint, messages []chat.Message, params llm.Params) (*Verdict, error) {
	userContent := strings.TrimSpace(chat.LastUserContent(messages))
	if len(messages) == 0 || userContent == "" {
		return nil, ErrMalformedInput
	}

	v := &Verdict{
		ID:                "chatcmpl-" + uuid.NewString(),
		Fingerprint:       fp,
		AttackProbability: AttackLow,
	}

	// Stage: signature scan. A match terminates before any cost exists.
	if scan := p.registry.Scan(userContent); scan.Malicious {
		v.Blocked = true
		v.BlockReason = string(scan.Threat)
		v.Tier = entropy.TierHigh
		log.Printf("[BLOCK] fingerprint=%s reason=%s pattern=%s", fp, v.BlockReason, scan.Pattern)
		p.track("request_blocked", v, map[string]any{"pattern": scan.Pattern})
		return v, nil
	}

	// Stage: entropy classification.
	v.Entropy, v.Tier = p.classifier.ClassifyText(userContent)
	if v.Tier == entropy.TierHigh {
		// No backend ran, so the cost on record is a word-count estimate.
		// The block itself is evidence for future compression escalation.
		estimate := sieve.EstimateTokens(userContent)
		p.engine.RecordTokenCost(fp, estimate)
		flagged := p.engine.FlagForPenalty(fp, estimate)

		v.Blocked = true
		v.BlockReason = ReasonHighEntropy
		v.OriginalTokens = estimate
		log.Printf("[BLOCK] fingerprint=%s reason=%s entropy=%.2f flagged=%t", fp, v.BlockReason, v.Entropy, flagged)
		p.track("request_blocked", v, map[string]any{"flagged": flagged})
		return v, nil
	}

	// Stage: penalty-aware compression. Fail-open inside the adapter.
	decision := p.engine.Decision(fp)
	v.CompressionLevel = decision.Aggressiveness
	v.PenaltyApplied = decision.IsPenalty

	res := p.compressor.Process(ctx, messages, decision.Aggressiveness)
	v.OriginalTokens = res.OriginalTokens
	v.CompressedTokens = res.CompressedTokens
	v.SavedTokens = res.SavedTokens
	v.SavingsPct = res.SavingsPct
	if v.SavingsRatio() > savingsAttackThreshold {
		v.AttackProbability = AttackHigh
	}

	// Stage: judge. Tie-break for SUSPICIOUS, standard validation for
	// CLEAN. Identical logic, different reason codes; a CLEAN prompt
	// failing validation is relabeled HIGH, SUSPICIOUS keeps its label
	// either way.
	jr := p.judge.Evaluate(ctx, chat.LastUserContent(res.Messages))
	v.Judge = &jr
	if !jr.IsValid {
		if v.Tier == entropy.TierSuspicious {
			v.BlockReason = ReasonJudgeInvalid
		} else {
			v.BlockReason = ReasonEvaluatorInvalid
			v.Tier = entropy.TierHigh
		}
		v.Blocked = true

		// Cost on record is the pre-compression count: the requester
		// authored the original prompt, not the compressed one.
		p.engine.RecordTokenCost(fp, res.OriginalTokens)
		flagged := p.engine.FlagForPenalty(fp, res.OriginalTokens)
		log.Printf("[BLOCK] fingerprint=%s reason=%s judge=%q flagged=%t", fp, v.BlockReason, jr.Reason, flagged)
		p.track("request_blocked", v, map[string]any{"flagged": flagged})
		return v, nil
	}

	// Admitted: forward the compressed conversation upstream.
	resp, err := p.upstream.Generate(ctx, res.Messages, params)
	if err != nil {
		// A backend fault is not requester misbehavior: no cost, no flag.
		v.UpstreamErr = err
		v.UpstreamErrKind = llm.ClassifyError(err)
		log.Printf("[WARN] upstream failure fingerprint=%s kind=%s: %v", fp, v.UpstreamErrKind, err)
		p.track("upstream_error", v, map[string]any{"kind": string(v.UpstreamErrKind)})
		return v, nil
	}

	v.Response = resp
	p.engine.RecordTokenCost(fp, resp.Usage.TotalTokens)
	p.track("request_admitted", v, map[string]any{"total_tokens": resp.Usage.TotalTokens})
	return v, nil
}

func (p *Pipeline) track(name string, v *Verdict, extra map[string]any) {
	if p.audit == nil {
		return
	}
	props := map[string]any{
		"id":          v.ID,
		"fingerprint": string(v.Fingerprint),
		"tier":        string(v.Tier),
		"entropy":     v.Entropy,
		"reason":      v.BlockReason,
		"saved":       v.SavedTokens,
	}
	for k, val := range extra {
		props[k] = val
	}
	p.audit.Track(name, props)
}
