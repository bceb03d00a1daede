// Package optimize adjusts policy thresholds from batches of scored eval
// records: a damped, clamped, monotone step per batch, never a jump.
package optimize

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/shelfsense-ai/shelfwatch/internal/eval"
	"github.com/shelfsense-ai/shelfwatch/internal/event"
	"github.com/shelfsense-ai/shelfwatch/internal/policy"
)

// Tuning constants for the step function. The step is deliberately small:
// it trades convergence speed for stability on noisy small-batch signals.
const (
	minKindSamples      = 3    // kinds with fewer records in the window are left alone
	falseAlertRateLimit = 0.20 // over-triggering proxy above this raises the cutoff
	missRateLimit       = 0.25 // under-triggering proxy above this lowers it
	lowScoreCeiling     = 0.45 // mean score below this forces a move
)

// Config bounds the optimizer's authority per batch.
type Config struct {
	BatchTrigger int     // run after this many newly appended records
	MaxStep      float64 // hard cap on any single threshold move
	Damping      float64 // fraction of MaxStep actually applied, in (0,1]
}

// DefaultConfig mirrors the production cadence: every 20 records, steps of
// at most 0.05 damped to 0.02.
func DefaultConfig() Config {
	return Config{BatchTrigger: 20, MaxStep: 0.05, Damping: 0.4}
}

// Agent consumes scored record batches and proposes bounded threshold
// deltas to the policy store. It keeps no authority of its own: the store's
// safe ranges clamp whatever it proposes.
type Agent struct {
	store    policy.Store
	recorder *eval.Recorder
	cfg      Config
	logger   *zap.Logger

	lastMark uint64 // recorder watermark at the previous run
}

// NewAgent wires an optimization agent.
func NewAgent(store policy.Store, recorder *eval.Recorder, cfg Config, logger *zap.Logger) *Agent {
	if cfg.BatchTrigger < 1 {
		cfg.BatchTrigger = 20
	}
	if cfg.MaxStep <= 0 {
		cfg.MaxStep = 0.05
	}
	if cfg.Damping <= 0 || cfg.Damping > 1 {
		cfg.Damping = 0.4
	}
	return &Agent{store: store, recorder: recorder, cfg: cfg, logger: logger}
}

// kindAggregate is the per-alert-kind view of a record window.
type kindAggregate struct {
	n              int
	scoreSum       float64
	alerts         int
	falseAlerts    int // alerting records that failed RCI or scored as spam
	missedNoAlerts int // non-alerting records flagged abandoned
}

// MaybeOptimize runs when the recorder watermark has advanced by at least
// the batch trigger since the last run. It returns the Change it proposed,
// or nil when the cadence has not been reached or the window shows nothing
// actionable.
func (a *Agent) MaybeOptimize(ctx context.Context) (*policy.Change, error) {
	count := a.recorder.Count()
	if count-a.lastMark < uint64(a.cfg.BatchTrigger) {
		return nil, nil
	}
	a.lastMark = count

	windowSize := a.cfg.BatchTrigger
	if windowSize < 50 {
		windowSize = 50
	}
	window := a.recorder.RecentWindow(ctx, windowSize)
	if len(window) < a.cfg.BatchTrigger {
		// Engine returned a short authoritative window; wait for more data.
		return nil, nil
	}

	aggs := a.aggregate(window)
	deltas, reasons := a.computeDeltas(aggs)
	if len(deltas) == 0 {
		return nil, nil
	}

	change, err := a.store.Propose(ctx, deltas, policy.ProposalMeta{
		TriggerBatchSize: a.cfg.BatchTrigger,
		Reason:           strings.Join(reasons, ","),
	})
	if err != nil {
		return nil, fmt.Errorf("propose policy change: %w", err)
	}
	return &change, nil
}

// aggregate folds the window into per-kind counters, skipping records whose
// decision does not reference their own event (data integrity failures are
// excluded from aggregation, never fatal).
func (a *Agent) aggregate(window []eval.Record) map[event.Kind]*kindAggregate {
	aggs := make(map[event.Kind]*kindAggregate)
	for _, rec := range window {
		if rec.Decision.EventID != rec.Event.ID {
			a.logger.Warn("eval record decision references unknown event, skipping",
				zap.String("event_id", rec.Event.ID),
				zap.String("decision_event_id", rec.Decision.EventID),
			)
			continue
		}

		kind := rec.Event.Kind
		agg, ok := aggs[kind]
		if !ok {
			agg = &kindAggregate{}
			aggs[kind] = agg
		}
		agg.n++
		agg.scoreSum += rec.Score
		if rec.Decision.Alert {
			agg.alerts++
			if !rec.Verdict.Pass || rec.OutcomeSignals.Spam > 0 {
				agg.falseAlerts++
			}
		} else if rec.OutcomeSignals.Abandoned > 0 {
			agg.missedNoAlerts++
		}
	}
	return aggs
}

// computeDeltas applies the step function per kind. Direction: raise the
// confidence cutoff to cut over-triggering, lower it to cut under-triggering;
// a uniformly low mean score without a dominant failure mode moves in the
// direction implied by the alert rate. Magnitude is always the damped step,
// never more than MaxStep. Kinds absent from the window are untouched.
func (a *Agent) computeDeltas(aggs map[event.Kind]*kindAggregate) (map[string]float64, []string) {
	step := a.cfg.MaxStep * a.cfg.Damping

	deltas := make(map[string]float64)
	var reasons []string
	for kind, agg := range aggs {
		if agg.n < minKindSamples {
			continue
		}

		meanScore := agg.scoreSum / float64(agg.n)
		falseAlertRate := float64(agg.falseAlerts) / float64(agg.n)
		missRate := float64(agg.missedNoAlerts) / float64(agg.n)
		alertRate := float64(agg.alerts) / float64(agg.n)

		key := policy.ConfidenceKey(kind)
		switch {
		case falseAlertRate > falseAlertRateLimit && falseAlertRate >= missRate:
			deltas[key] = step
			reasons = append(reasons, "false_alert_high:"+string(kind))
		case missRate > missRateLimit:
			deltas[key] = -step
			reasons = append(reasons, "miss_high:"+string(kind))
		case meanScore < lowScoreCeiling:
			if alertRate >= 0.5 {
				deltas[key] = step
			} else {
				deltas[key] = -step
			}
			reasons = append(reasons, "score_low:"+string(kind))
		}
	}
	sort.Strings(reasons)
	return deltas, reasons
}
