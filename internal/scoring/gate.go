package scoring

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/itemforge/internal/config"
)

// Decision is the gate outcome for one item.
type Decision string

const (
	Keep    Decision = "KEEP"
	Revise  Decision = "REVISE"
	Discard Decision = "DISCARD"
)

// MissingRating is substituted for any rating a reviewer did not supply.
const MissingRating = 3

// Ratings are the raw reviewer scores for one item.
type Ratings struct {
	Target int
	Orbit1 int
	Orbit2 int

	Grammar      int
	Ease         int
	NegativeFree int
	Clarity      int

	Bias int

	ContentNote    string
	LingNote       string
	BiasNote       string
	ContentMissing bool
}

// NewRatings returns ratings with every score at MissingRating.
func NewRatings() Ratings {
	return Ratings{
		Target: MissingRating, Orbit1: MissingRating, Orbit2: MissingRating,
		Grammar: MissingRating, Ease: MissingRating, NegativeFree: MissingRating, Clarity: MissingRating,
		Bias: MissingRating,
	}
}

// LingMin is the lowest of the four linguistic sub-scores.
func (r Ratings) LingMin() int {
	return min(r.Grammar, r.Ease, r.NegativeFree, r.Clarity)
}

// Thresholds parameterize the gate.
type Thresholds struct {
	ScaleMax           int
	ContentMin         float64
	DistinctMin        float64
	KeepBiasFloor      int
	KeepLingFloor      int
	DiscardBiasCeiling int
	DiscardLingCeiling int
}

// DefaultThresholds returns the thresholds for a 7-point scale.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ScaleMax:           7,
		ContentMin:         0.83,
		DistinctMin:        0.35,
		KeepBiasFloor:      4,
		KeepLingFloor:      4,
		DiscardBiasCeiling: 2,
		DiscardLingCeiling: 2,
	}
}

// ThresholdsFromConfig converts the gate config section.
func ThresholdsFromConfig(gc config.GateConfig) Thresholds {
	return Thresholds{
		ScaleMax:           gc.ScaleMax,
		ContentMin:         gc.ContentMin,
		DistinctMin:        gc.DistinctMin,
		KeepBiasFloor:      gc.KeepBiasFloor,
		KeepLingFloor:      gc.KeepLingFloor,
		DiscardBiasCeiling: gc.DiscardBiasCeiling,
		DiscardLingCeiling: gc.DiscardLingCeiling,
	}
}

// ScoreCard is the gate result for one item.
type ScoreCard struct {
	ContentValidity float64  `json:"c"`
	Distinctiveness float64  `json:"d"`
	ContentOK       bool     `json:"content_ok"`
	LingMin         int      `json:"ling_min"`
	Bias            int      `json:"bias"`
	Decision        Decision `json:"decision"`
	Reason          string   `json:"reason"`
}

// Decide applies the gate to r. It is a pure function.
func Decide(r Ratings, th Thresholds) ScoreCard {
	span := float64(th.ScaleMax - 1)
	if span <= 0 {
		span = float64(DefaultThresholds().ScaleMax - 1)
	}

	c := clamp(float64(r.Target)/span, 0, 1)
	d := clamp((float64(r.Target-r.Orbit1)+float64(r.Target-r.Orbit2))/2/span, -1, 1)
	contentOK := c >= th.ContentMin && d >= th.DistinctMin
	lingMin := r.LingMin()

	var decision Decision
	switch {
	case contentOK && r.Bias >= th.KeepBiasFloor && lingMin >= th.KeepLingFloor:
		decision = Keep
	case r.Bias <= th.DiscardBiasCeiling || lingMin <= th.DiscardLingCeiling:
		decision = Discard
	default:
		decision = Revise
	}

	return ScoreCard{
		ContentValidity: c,
		Distinctiveness: d,
		ContentOK:       contentOK,
		LingMin:         lingMin,
		Bias:            r.Bias,
		Decision:        decision,
		Reason:          reason(r, c, d, contentOK, lingMin),
	}
}

func reason(r Ratings, c, d float64, ok bool, lingMin int) string {
	parts := []string{
		fmt.Sprintf("content(c=%.2f,d=%.2f,ok=%t)", c, d, ok),
		fmt.Sprintf("ling_min=%d", lingMin),
		fmt.Sprintf("bias=%d", r.Bias),
	}
	switch {
	case r.ContentMissing:
		parts = append(parts, "content_note=missing_content_review")
	case r.ContentNote != "":
		parts = append(parts, "content_note="+r.ContentNote)
	}
	if r.LingNote != "" {
		parts = append(parts, "ling_note="+r.LingNote)
	}
	if r.BiasNote != "" {
		parts = append(parts, "bias_note="+r.BiasNote)
	}
	return strings.Join(parts, "; ")
}

func clamp(v, lo, hi float64) float64 {
	return max(lo, min(hi, v))
}
