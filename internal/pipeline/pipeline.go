// Package pipeline drives the per-event path Trigger → Decision → RCI →
// Eval Recorder → (every N records) Optimizer, and hosts the replay harness.
package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shelfsense-ai/shelfwatch/internal/decision"
	"github.com/shelfsense-ai/shelfwatch/internal/eval"
	"github.com/shelfsense-ai/shelfwatch/internal/event"
	"github.com/shelfsense-ai/shelfwatch/internal/optimize"
	"github.com/shelfsense-ai/shelfwatch/internal/policy"
	"github.com/shelfsense-ai/shelfwatch/internal/rci"
	"github.com/shelfsense-ai/shelfwatch/internal/storage"
	"github.com/shelfsense-ai/shelfwatch/internal/trigger"
)

// Alert is the surfaced, user-visible form of an alerting decision that
// passed RCI and cleared the confidence cutoff.
type Alert struct {
	ID                string     `json:"alert_id"`
	EventID           string     `json:"event_id"`
	Timestamp         time.Time  `json:"ts"`
	ZoneID            string     `json:"zone_id"`
	Kind              event.Kind `json:"kind"`
	Confidence        float64    `json:"confidence"`
	RecommendedAction string     `json:"recommended_action,omitempty"`
	Rationale         string     `json:"rationale"`
	Tags              []string   `json:"tags,omitempty"`
	PolicyVersion     int64      `json:"policy_version"`
}

// Outcome reports what one signal produced. Event is nil when the trigger
// suppressed the signal; Alert is nil when nothing surfaced.
type Outcome struct {
	Event    *event.Event
	Decision *decision.Decision
	Verdict  *rci.Verdict
	Record   *eval.Record
	Alert    *Alert
	Change   *policy.Change
}

// Pipeline wires the feedback loop's components. One instance serves a
// single logical event stream; per-event processing is sequential because
// each stage feeds the next.
type Pipeline struct {
	trigger   *trigger.Trigger
	agent     *decision.Agent
	inspector rci.Inspector
	recorder  *eval.Recorder
	store     policy.Store
	optimizer *optimize.Agent
	writer    storage.Writer
	logger    *zap.Logger
	now       func() time.Time
}

// New assembles a Pipeline. now defaults to time.Now.
func New(
	tr *trigger.Trigger,
	agent *decision.Agent,
	inspector rci.Inspector,
	recorder *eval.Recorder,
	store policy.Store,
	optimizer *optimize.Agent,
	writer storage.Writer,
	logger *zap.Logger,
	now func() time.Time,
) *Pipeline {
	if now == nil {
		now = time.Now
	}
	return &Pipeline{
		trigger:   tr,
		agent:     agent,
		inspector: inspector,
		recorder:  recorder,
		store:     store,
		optimizer: optimizer,
		writer:    writer,
		logger:    logger,
		now:       now,
	}
}

// HandleSignal runs one perception signal through the full path. Every
// triggered event terminates in exactly one Decision and one Record; the
// only error surface is the optimizer's policy proposal, which the caller
// logs without stopping the stream.
func (p *Pipeline) HandleSignal(ctx context.Context, sig event.PerceptionSignal) (Outcome, error) {
	pol := p.store.Active()

	ev, ok := p.trigger.Evaluate(sig, pol)
	if !ok {
		return Outcome{}, nil
	}
	p.writer.Write(storage.StreamEvents, ev)

	d := p.agent.Decide(ctx, ev, pol)
	v := p.inspector.Inspect(d, ev)
	if !v.Pass {
		p.logger.Info("decision downgraded by consistency check",
			zap.String("event_id", ev.ID),
			zap.String("reason", v.Reason),
		)
	}

	out := Outcome{Event: &ev, Decision: &d, Verdict: &v}

	cutoff := pol.Threshold(policy.ConfidenceKey(ev.Kind), 0.75)
	if d.Alert && v.Pass && d.Confidence >= cutoff {
		alert := Alert{
			ID:                uuid.NewString(),
			EventID:           ev.ID,
			Timestamp:         p.now(),
			ZoneID:            ev.ZoneID,
			Kind:              d.AlertKind,
			Confidence:        d.Confidence,
			RecommendedAction: d.RecommendedAction,
			Rationale:         d.Rationale,
			Tags:              d.Tags,
			PolicyVersion:     d.PolicyVersion,
		}
		p.writer.Write(storage.StreamAlerts, alert)
		out.Alert = &alert
	}

	rec := p.recorder.Record(ctx, ev, d, v)
	out.Record = &rec

	change, err := p.optimizer.MaybeOptimize(ctx)
	if err != nil {
		return out, err
	}
	out.Change = change
	return out, nil
}
