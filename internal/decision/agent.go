package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/shelfsense-ai/shelfwatch/internal/event"
	"github.com/shelfsense-ai/shelfwatch/internal/policy"
	"github.com/shelfsense-ai/shelfwatch/internal/retry"
)

// promptByteLimit bounds the prompt regardless of evidence size.
const promptByteLimit = 4096

// Agent turns a triggered event plus the active policy into exactly one
// Decision. Any uncertainty (transport failure, timeout, retry exhaustion,
// schema violation, cancellation) resolves to the safe no-alert default.
type Agent struct {
	client    ReasoningClient
	validator *Validator
	retry     retry.Policy
	logger    *zap.Logger

	// Guardrail, when enabled, promotes the fallback to an alert on
	// unambiguous evidence (long dwell, low motion) so a total reasoning
	// outage in live operation still surfaces the strongest signals.
	// Disabled by default: replay and the conservative-alerting guarantees
	// rely on fallback meaning no alert.
	Guardrail bool
}

// NewAgent wires an Agent with the shared retry policy.
func NewAgent(client ReasoningClient, rp retry.Policy, logger *zap.Logger) *Agent {
	return &Agent{
		client:    client,
		validator: NewValidator(),
		retry:     rp,
		logger:    logger,
	}
}

// Decide queries the reasoning service for ev under pol and returns the
// resulting Decision. It never returns an error: the fallback variant is a
// first-class outcome.
func (a *Agent) Decide(ctx context.Context, ev event.Event, pol policy.Policy) Decision {
	prompt, err := buildPrompt(ev, pol)
	if err != nil {
		a.logger.Warn("prompt build failed, using fallback decision",
			zap.String("event_id", ev.ID),
			zap.Error(err),
		)
		return a.finish(ev, pol, fallback(ev, pol.Version, "prompt: "+err.Error()))
	}

	var raw []byte
	err = a.retry.Do(ctx, func(ctx context.Context) error {
		var opErr error
		raw, opErr = a.client.Complete(ctx, prompt)
		return opErr
	})
	if err != nil {
		a.logger.Warn("reasoning service unavailable, using fallback decision",
			zap.String("event_id", ev.ID),
			zap.Error(err),
		)
		return a.finish(ev, pol, fallback(ev, pol.Version, "reasoning unavailable: "+err.Error()))
	}

	payload, err := a.validator.Validate(raw)
	if err != nil {
		a.logger.Warn("reasoning response rejected, using fallback decision",
			zap.String("event_id", ev.ID),
			zap.Error(err),
		)
		return a.finish(ev, pol, fallback(ev, pol.Version, "invalid response: "+err.Error()))
	}

	d := Decision{
		EventID:           ev.ID,
		Alert:             payload.Alert,
		Confidence:        payload.Confidence,
		Rationale:         payload.Rationale,
		RecommendedAction: payload.RecommendedAction,
		Tags:              payload.Tags,
		PolicyVersion:     pol.Version,
		Source:            SourceReasoning,
	}
	if payload.Alert {
		d.AlertKind = event.Kind(payload.AlertKind)
	}
	return d
}

// finish applies the optional heuristic guardrail to a fallback decision.
func (a *Agent) finish(ev event.Event, pol policy.Policy, d Decision) Decision {
	if !a.Guardrail || d.Source != SourceFallback {
		return d
	}
	if ev.Evidence.DwellSec < 20 || ev.Evidence.MotionScore > 0.25 {
		return d
	}
	conf := math.Min(0.95, 0.72+ev.Evidence.DwellSec/90.0)
	return Decision{
		EventID:           ev.ID,
		Alert:             true,
		AlertKind:         ev.Kind,
		Confidence:        math.Round(conf*1000) / 1000,
		Rationale:         "heuristic: prolonged dwell with low motion",
		RecommendedAction: "Dispatch associate to " + ev.ZoneID,
		Tags:              []string{"heuristic_guardrail"},
		PolicyVersion:     pol.Version,
		Source:            SourceHeuristic,
	}
}

// buildPrompt serializes the evidence and the policy snapshot relevant to
// the event kind into a bounded instruction block.
func buildPrompt(ev event.Event, pol policy.Policy) (string, error) {
	observation := map[string]any{
		"event_id":     ev.ID,
		"kind":         ev.Kind,
		"zone_id":      ev.ZoneID,
		"evidence":     ev.Evidence,
		"confidence_cutoff": pol.Threshold(policy.ConfidenceKey(ev.Kind), 0.75),
	}
	obs, err := json.Marshal(observation)
	if err != nil {
		return "", fmt.Errorf("marshal observation: %w", err)
	}

	prompt := "You monitor retail shelf zones. Given the observation, decide whether " +
		"to raise a staff alert. Reply with JSON only, matching " +
		`{"alert": bool, "alert_kind": "shelf_empty"|"misplaced_item"|"crowding"|"none", ` +
		`"confidence": 0..1, "rationale": string, "recommended_action": string, "tags": [string]}.` +
		"\nObservation: " + string(obs)
	if len(prompt) > promptByteLimit {
		return "", fmt.Errorf("prompt exceeds %d bytes", promptByteLimit)
	}
	return prompt, nil
}
