// Package eval persists one scored record per decision and exposes the
// recent window plus the watermark that paces the optimizer.
package eval

import (
	"time"

	"github.com/shelfsense-ai/shelfwatch/internal/decision"
	"github.com/shelfsense-ai/shelfwatch/internal/event"
	"github.com/shelfsense-ai/shelfwatch/internal/rci"
)

// ScorerSource tags where a record's score came from, so optimizer input is
// never silently mixed between the engine and local heuristics.
type ScorerSource string

const (
	ScorerEngine ScorerSource = "engine"
	ScorerLocal  ScorerSource = "local"
)

// OutcomeSignals are the proxies the scorer consumes. In replay mode a
// ground-truth label drives them; live they are derived from the verdict and
// evidence.
type OutcomeSignals struct {
	Resolved  float64 `json:"resolved_proxy"`
	Abandoned float64 `json:"abandoned_proxy"`
	Spam      float64 `json:"spam_proxy"`
}

// Record is the append-only evaluation entry for one decision. Immutable
// once written.
type Record struct {
	RecordType     string            `json:"record_type"`
	Event          event.Event       `json:"event"`
	Decision       decision.Decision `json:"decision"`
	Verdict        rci.Verdict       `json:"rci_verdict"`
	OutcomeSignals OutcomeSignals    `json:"outcome_signals"`
	Score          float64           `json:"score"`
	ScorerSource   ScorerSource      `json:"scorer_source"`
	PolicyVersion  int64             `json:"policy_version"`
	Timestamp      time.Time         `json:"ts"`
}

// deriveSignals computes the outcome proxies. A ground-truth label (replay
// fixtures) takes precedence over the live heuristics.
func deriveSignals(ev event.Event, d decision.Decision, v rci.Verdict) OutcomeSignals {
	if gt := ev.Evidence.GroundTruthAlert; gt != nil {
		return OutcomeSignals{
			Resolved:  b2f(d.Alert && *gt),
			Abandoned: b2f(!d.Alert && *gt),
			Spam:      b2f(d.Alert && !*gt),
		}
	}
	strength := ev.Evidence.Strength()
	return OutcomeSignals{
		Resolved:  b2f(d.Alert && v.Pass),
		Abandoned: b2f(!d.Alert && strength >= 0.70),
		Spam:      b2f(d.Alert && !v.Pass),
	}
}

func b2f(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
