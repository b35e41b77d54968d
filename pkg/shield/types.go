package shield

import (
	"github.com/ecoshield-ai/ecoshield/pkg/entropy"
	"github.com/ecoshield-ai/ecoshield/pkg/identity"
	"github.com/ecoshield-ai/ecoshield/pkg/judge"
	"github.com/ecoshield-ai/ecoshield/pkg/llm"
)

// Stable block reason codes reported to callers.
const (
	ReasonHighEntropy      = "high_entropy_weird"
	ReasonJudgeInvalid     = "llm_judge_invalid" // SUSPICIOUS tie-break path
	ReasonEvaluatorInvalid = "evaluator_invalid" // CLEAN standard-validation path
)

// Attack probability heuristic values. Reporting only, never a blocking
// input.
const (
	AttackHigh = "HIGH"
	AttackLow  = "LOW"
)

// Verdict is the terminal record of one request's trip through the
// pipeline. Exactly one of Blocked, UpstreamErr != nil, or Response != nil
// describes the outcome.
type Verdict struct {
	ID          string
	Fingerprint identity.Fingerprint

	Blocked     bool
	BlockReason string

	Tier    entropy.Tier
	Entropy float64

	CompressionLevel float64
	PenaltyApplied   bool

	OriginalTokens    int
	CompressedTokens  int
	SavedTokens       int
	SavingsPct        float64
	AttackProbability string

	Judge *judge.Result

	Response        *llm.Response
	UpstreamErr     error
	UpstreamErrKind llm.ErrorKind
}

// Admitted reports whether the request survived screening and the upstream
// call completed.
func (v *Verdict) Admitted() bool {
	return !v.Blocked && v.UpstreamErr == nil
}

// SavingsRatio is SavedTokens/OriginalTokens, 0 when nothing was measured.
func (v *Verdict) SavingsRatio() float64 {
	if v.OriginalTokens <= 0 {
		return 0
	}
	return float64(v.SavedTokens) / float64(v.OriginalTokens)
}
