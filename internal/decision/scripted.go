package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/shelfsense-ai/shelfwatch/internal/event"
	"github.com/shelfsense-ai/shelfwatch/internal/retry"
)

// ScriptedClient is a deterministic stand-in for the reasoning service, used
// by replay runs: the same signal file always yields the same decisions, so
// two replays produce identical alert and policy histories.
type ScriptedClient struct{}

const observationMarker = "\nObservation: "

// Complete derives a schema-valid response from the observation embedded in
// the prompt. Decisions key off evidence strength alone.
func (ScriptedClient) Complete(_ context.Context, prompt string) ([]byte, error) {
	idx := strings.LastIndex(prompt, observationMarker)
	if idx < 0 {
		return nil, retry.Permanent(fmt.Errorf("prompt carries no observation"))
	}
	var obs struct {
		Kind     event.Kind     `json:"kind"`
		ZoneID   string         `json:"zone_id"`
		Evidence event.Evidence `json:"evidence"`
		Cutoff   float64        `json:"confidence_cutoff"`
	}
	if err := json.Unmarshal([]byte(prompt[idx+len(observationMarker):]), &obs); err != nil {
		return nil, retry.Permanent(fmt.Errorf("parse observation: %w", err))
	}

	strength := obs.Evidence.Strength()
	confidence := math.Round((0.5+strength/2)*1000) / 1000

	payload := map[string]any{
		"alert":      false,
		"alert_kind": "none",
		"confidence": confidence,
		"rationale":  fmt.Sprintf("scripted: evidence strength %.2f below alerting band", strength),
		"tags":       []string{"scripted"},
	}
	if strength >= 0.55 {
		payload["alert"] = true
		payload["alert_kind"] = string(obs.Kind)
		payload["rationale"] = fmt.Sprintf("scripted: evidence strength %.2f supports %s in %s", strength, obs.Kind, obs.ZoneID)
		payload["recommended_action"] = "Dispatch associate to " + obs.ZoneID
	}
	return json.Marshal(payload)
}
