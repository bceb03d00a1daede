// Package rci implements the consistency inspector: pure, local structural
// checks a decision must pass before it may surface as an alert.
package rci

import (
	"fmt"

	"github.com/shelfsense-ai/shelfwatch/internal/decision"
	"github.com/shelfsense-ai/shelfwatch/internal/event"
)

// Verdict is the inspector's judgment. A failing verdict downgrades the
// decision for output purposes only; the decision itself is still recorded.
type Verdict struct {
	Pass   bool   `json:"pass"`
	Reason string `json:"reason,omitempty"`
}

// Inspector validates a decision's internal consistency against its event.
// It makes no external calls and keeps no state.
type Inspector struct{}

// New returns an Inspector.
func New() Inspector { return Inspector{} }

// Inspect checks structural consistency rules:
//
//   - an alerting decision must cite evidence (a rationale plus at least one tag);
//   - confidence must sit inside the band implied by evidence strength;
//   - alert_kind must be compatible with the event kind.
//
// Non-alerting decisions pass by construction; there is nothing to surface.
func (Inspector) Inspect(d decision.Decision, ev event.Event) Verdict {
	if !d.Alert {
		return Verdict{Pass: true}
	}

	if d.Rationale == "" {
		return Verdict{Pass: false, Reason: "alert without rationale"}
	}
	if len(d.Tags) == 0 {
		return Verdict{Pass: false, Reason: "alert cites no evidence tags"}
	}
	if d.AlertKind != ev.Kind {
		return Verdict{
			Pass:   false,
			Reason: fmt.Sprintf("alert_kind %s incompatible with event kind %s", d.AlertKind, ev.Kind),
		}
	}

	strength := ev.Evidence.Strength()
	switch {
	case strength < 0.30 && d.Confidence > 0.85:
		return Verdict{
			Pass:   false,
			Reason: fmt.Sprintf("confidence %.2f inconsistent with weak evidence (strength %.2f)", d.Confidence, strength),
		}
	case strength >= 0.70 && d.Confidence < 0.40:
		return Verdict{
			Pass:   false,
			Reason: fmt.Sprintf("confidence %.2f inconsistent with strong evidence (strength %.2f)", d.Confidence, strength),
		}
	}

	return Verdict{Pass: true}
}
