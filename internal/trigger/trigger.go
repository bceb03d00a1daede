// Package trigger gates perception signals into pipeline events, applying
// debounce and minimum-evidence rules so the decision agent is not flooded.
package trigger

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shelfsense-ai/shelfwatch/internal/event"
	"github.com/shelfsense-ai/shelfwatch/internal/policy"
)

// Trigger emits at most one Event per perception signal. Candidates of the
// same kind+zone are suppressed for the policy cooldown window after firing.
type Trigger struct {
	logger    *zap.Logger
	now       func() time.Time
	zones     map[string]struct{} // empty = accept any zone
	seq       uint64
	lastFired map[string]time.Time // kind|zone → last emit time
}

// New creates a Trigger. now defaults to time.Now; replay injects a
// deterministic clock. When zones is non-empty, candidates referencing an
// undeclared zone are treated as malformed.
func New(logger *zap.Logger, now func() time.Time, zones []string) *Trigger {
	if now == nil {
		now = time.Now
	}
	zs := make(map[string]struct{}, len(zones))
	for _, z := range zones {
		zs[z] = struct{}{}
	}
	return &Trigger{
		logger:    logger,
		now:       now,
		zones:     zs,
		lastFired: make(map[string]time.Time),
	}
}

// Evaluate scans the signal's candidates in order and returns the first one
// that passes the gates, or false when none does. Malformed candidates are
// dropped with a logged reason and never raise into the pipeline.
func (t *Trigger) Evaluate(sig event.PerceptionSignal, pol policy.Policy) (event.Event, bool) {
	minStrength := pol.Threshold(policy.KeyMinEvidence, 0.35)
	cooldown := time.Duration(pol.Threshold(policy.KeyCooldownSec, 120)) * time.Second
	now := t.now()

	for _, c := range sig.Candidates {
		if err := c.Validate(); err != nil {
			t.logger.Warn("dropping malformed perception candidate",
				zap.String("zone_id", c.ZoneID),
				zap.String("kind", string(c.Kind)),
				zap.Error(err),
			)
			continue
		}
		if len(t.zones) > 0 {
			if _, ok := t.zones[c.ZoneID]; !ok {
				t.logger.Warn("dropping candidate for undeclared zone",
					zap.String("zone_id", c.ZoneID),
				)
				continue
			}
		}

		strength := c.Evidence.Strength()
		if strength < minStrength {
			continue
		}

		key := string(c.Kind) + "|" + c.ZoneID
		if last, ok := t.lastFired[key]; ok && now.Sub(last) < cooldown {
			continue
		}

		t.lastFired[key] = now
		t.seq++
		ev := event.Event{
			ID:                 uuid.NewString(),
			Seq:                t.seq,
			Kind:               c.Kind,
			Timestamp:          sig.FrameTS,
			ZoneID:             c.ZoneID,
			EphemeralEntityIDs: append([]int(nil), c.EntityIDs...),
			Evidence:           c.Evidence,
		}
		if ev.Timestamp.IsZero() {
			ev.Timestamp = now
		}
		return ev, true
	}
	return event.Event{}, false
}
