package eval

import (
	"math"

	"github.com/shelfsense-ai/shelfwatch/internal/decision"
)

// LocalScorer is the deterministic fallback used when the scoring engine is
// unavailable. Same record in, same score out; replay depends on it.
//
// The raw score rewards resolved outcomes and penalizes abandonment, alert
// spam, consistency failures on surfaced alerts, and poorly calibrated
// confidence; it is then normalized from its theoretical range into [0,1].
type LocalScorer struct{}

// Score computes the [0,1] quality score for a record.
func (LocalScorer) Score(r Record) float64 {
	sig := r.OutcomeSignals

	var rciPenalty float64
	if r.Decision.Alert && !r.Verdict.Pass {
		rciPenalty = 1
	}

	var calibrationGap float64
	if r.Decision.Source == decision.SourceReasoning {
		calibrationGap = math.Abs(r.Decision.Confidence - r.Event.Evidence.Strength())
	}

	raw := sig.Resolved - sig.Abandoned - 0.8*sig.Spam - 0.5*rciPenalty - 0.25*calibrationGap

	// raw ranges over [-2.55, 1.0]; map into [0,1]
	norm := (raw + 2.55) / 3.55
	if norm < 0 {
		norm = 0
	}
	if norm > 1 {
		norm = 1
	}
	return math.Round(norm*10000) / 10000
}
