// Package policy holds the versioned threshold set that drives alerting
// behavior, and the stores that persist it with an auditable change log.
package policy

import (
	"time"

	"github.com/shelfsense-ai/shelfwatch/internal/event"
)

// Threshold keys. Per-kind confidence cutoffs are what the optimizer tunes;
// the remaining keys gate the event trigger.
const (
	KeyMinEvidence = "min_evidence_strength"
	KeyCooldownSec = "cooldown_sec"
)

// ConfidenceKey returns the threshold key holding the alert confidence
// cutoff for an event kind.
func ConfidenceKey(k event.Kind) string {
	return "confidence." + string(k)
}

// Policy is the active set of tunable thresholds. Values are immutable:
// stores hand out copies, and only Store.Propose produces a new version.
type Policy struct {
	Version    int64              `json:"version"`
	UpdatedAt  time.Time          `json:"updated_at"`
	Thresholds map[string]float64 `json:"thresholds"`
}

// Threshold returns the named threshold, or def when absent.
func (p Policy) Threshold(name string, def float64) float64 {
	if v, ok := p.Thresholds[name]; ok {
		return v
	}
	return def
}

// Clone returns a deep copy safe for mutation by the caller.
func (p Policy) Clone() Policy {
	out := Policy{Version: p.Version, UpdatedAt: p.UpdatedAt, Thresholds: make(map[string]float64, len(p.Thresholds))}
	for k, v := range p.Thresholds {
		out.Thresholds[k] = v
	}
	return out
}

// Default returns the version-1 policy the system boots with when no
// persisted state exists.
func Default() Policy {
	t := map[string]float64{
		KeyMinEvidence: 0.35,
		KeyCooldownSec: 120,
	}
	for _, k := range event.Kinds {
		t[ConfidenceKey(k)] = 0.75
	}
	return Policy{Version: 1, Thresholds: t}
}

// Range bounds a single threshold; proposals outside it are clamped.
type Range struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`
}

// Clamp returns v forced into the range.
func (r Range) Clamp(v float64) float64 {
	if v < r.Min {
		return r.Min
	}
	if v > r.Max {
		return r.Max
	}
	return v
}

// DefaultBounds returns the safe ranges that cap the optimizer's authority.
func DefaultBounds() map[string]Range {
	b := map[string]Range{
		KeyMinEvidence: {Min: 0.10, Max: 0.90},
		KeyCooldownSec: {Min: 30, Max: 900},
	}
	for _, k := range event.Kinds {
		b[ConfidenceKey(k)] = Range{Min: 0.55, Max: 0.95}
	}
	return b
}

// Change is the audit entry appended for every Propose call. Deltas holds
// the applied (post-clamp) adjustments; Clamped maps any threshold whose raw
// proposal was out of range to the boundary value that was recorded instead.
type Change struct {
	ID               string             `json:"change_id"`
	FromVersion      int64              `json:"from_version"`
	ToVersion        int64              `json:"to_version"`
	Deltas           map[string]float64 `json:"deltas"`
	Clamped          map[string]float64 `json:"clamped,omitempty"`
	TriggerBatchSize int                `json:"trigger_batch_size"`
	Reason           string             `json:"reason"`
	Timestamp        time.Time          `json:"ts"`
}

// ProposalMeta carries audit fields into a Change.
type ProposalMeta struct {
	TriggerBatchSize int
	Reason           string
}
