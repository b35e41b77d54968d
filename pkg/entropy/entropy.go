// Package entropy scores prompts by character-distribution randomness and
// buckets them into threat tiers. High-entropy prompts (token stuffing,
// encoded payloads, generated noise) are the cheap-to-detect core of
// economic denial-of-service attacks.
package entropy

import "math"

// Tier is the threat bucket derived from a prompt's Shannon entropy.
type Tier string

const (
	TierClean      Tier = "CLEAN"
	TierSuspicious Tier = "SUSPICIOUS"
	TierHigh       Tier = "HIGH"
)

// Default thresholds. Typical English prose sits around 4.0-4.5 bits per
// character; values above ~5.5 indicate unusual character diversity and
// above ~6.5 near-random content.
const (
	DefaultWeirdThreshold      = 6.5
	DefaultSuspiciousThreshold = 5.5
)

// Score computes the Shannon entropy H = -sum(p(c) * log2(p(c))) over the
// distinct characters (runes, not bytes) of text. Empty input scores 0.
func Score(text string) float64 {
	if text == "" {
		return 0
	}

	counts := make(map[rune]int)
	total := 0
	for _, r := range text {
		counts[r]++
		total++
	}

	h := 0.0
	n := float64(total)
	for _, c := range counts {
		p := float64(c) / n
		h -= p * math.Log2(p)
	}
	return h
}

// Classifier maps entropy scores onto threat tiers using two thresholds.
// The zero value is not usable; construct with NewClassifier.
type Classifier struct {
	weird      float64
	suspicious float64
}

// NewClassifier builds a classifier. Non-positive thresholds fall back to
// the defaults; an inverted pair is normalized by swapping.
func NewClassifier(weird, suspicious float64) *Classifier {
	if weird <= 0 {
		weird = DefaultWeirdThreshold
	}
	if suspicious <= 0 {
		suspicious = DefaultSuspiciousThreshold
	}
	if suspicious > weird {
		weird, suspicious = suspicious, weird
	}
	return &Classifier{weird: weird, suspicious: suspicious}
}

// Classify buckets an entropy score: H > weird is HIGH, suspicious < H <=
// weird is SUSPICIOUS, everything else CLEAN.
func (c *Classifier) Classify(score float64) Tier {
	switch {
	case score > c.weird:
		return TierHigh
	case score > c.suspicious:
		return TierSuspicious
	default:
		return TierClean
	}
}

// ClassifyText is a convenience for Score followed by Classify.
func (c *Classifier) ClassifyText(text string) (float64, Tier) {
	s := Score(text)
	return s, c.Classify(s)
}
