// Package decision produces one typed alert decision per event by querying
// the external reasoning service, validating its output against a strict
// schema, and degrading to a safe no-alert default on any failure.
package decision

import (
	"github.com/shelfsense-ai/shelfwatch/internal/event"
)

// Source records how a Decision was produced.
type Source string

const (
	SourceReasoning Source = "reasoning" // validated reasoning-service output
	SourceFallback  Source = "fallback"  // safe default after failure
	SourceHeuristic Source = "heuristic" // deterministic guardrail promotion
)

// Decision is the agent's judgment for one Event. Immutable once created;
// exactly one Decision exists per Event.
type Decision struct {
	EventID           string     `json:"event_id"`
	Alert             bool       `json:"alert"`
	AlertKind         event.Kind `json:"alert_kind,omitempty"`
	Confidence        float64    `json:"confidence"`
	Rationale         string     `json:"rationale"`
	RecommendedAction string     `json:"recommended_action,omitempty"`
	Tags              []string   `json:"tags,omitempty"`
	PolicyVersion     int64      `json:"policy_version"`
	Source            Source     `json:"source"`
}

// fallback builds the safe-default Decision for an event. The cause lands in
// the rationale so the outcome stays auditable without being an error.
func fallback(ev event.Event, policyVersion int64, cause string) Decision {
	return Decision{
		EventID:       ev.ID,
		Alert:         false,
		Confidence:    0,
		Rationale:     "fallback: " + cause,
		PolicyVersion: policyVersion,
		Source:        SourceFallback,
	}
}
