package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shelfsense-ai/shelfwatch/internal/decision"
	"github.com/shelfsense-ai/shelfwatch/internal/event"
	"github.com/shelfsense-ai/shelfwatch/internal/policy"
)

// Clock is a fixed-step replay clock. Every component in a replay shares one
// Clock so that cooldowns, timestamps and record ordering come out identical
// across runs of the same signal file.
type Clock struct {
	mu   sync.Mutex
	at   time.Time
	step time.Duration
}

// NewClock starts a clock at start, advancing by step per signal.
func NewClock(start time.Time, step time.Duration) *Clock {
	return &Clock{at: start, step: step}
}

// Now returns the current replay instant without advancing it.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.at
}

// Tick advances the clock by one step and returns the new instant.
func (c *Clock) Tick() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.at = c.at.Add(c.step)
	return c.at
}

// LoadSignals reads a JSON array of perception signals from path.
func LoadSignals(path string) ([]event.PerceptionSignal, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signals file: %w", err)
	}
	var signals []event.PerceptionSignal
	if err := json.Unmarshal(raw, &signals); err != nil {
		return nil, fmt.Errorf("parse signals file: %w", err)
	}
	return signals, nil
}

// Summary aggregates what a replay run produced.
type Summary struct {
	Signals        int     `json:"signals"`
	Events         int     `json:"events"`
	Alerts         int     `json:"alerts"`
	Fallbacks      int     `json:"fallback_decisions"`
	RCIFailures    int     `json:"consistency_failures"`
	PolicyVersions []int64 `json:"policy_versions"`
}

// Replay feeds a recorded signal set through a pipeline built around a
// fixed-step clock.
type Replay struct {
	pipeline *Pipeline
	store    policy.Store
	clock    *Clock
	logger   *zap.Logger
}

// NewReplay wires a replay harness over an assembled pipeline.
func NewReplay(p *Pipeline, store policy.Store, clock *Clock, logger *zap.Logger) *Replay {
	return &Replay{pipeline: p, store: store, clock: clock, logger: logger}
}

// Run replays signals in order, advancing the clock once per signal.
// The returned summary's PolicyVersions records the version at start plus
// every version the optimizer moved through.
func (r *Replay) Run(ctx context.Context, signals []event.PerceptionSignal) (Summary, error) {
	sum := Summary{
		Signals:        len(signals),
		PolicyVersions: []int64{r.store.Active().Version},
	}

	for i, sig := range signals {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		r.clock.Tick()

		out, err := r.pipeline.HandleSignal(ctx, sig)
		if err != nil {
			return sum, fmt.Errorf("signal %d: %w", i, err)
		}
		if out.Event == nil {
			continue
		}
		sum.Events++
		if out.Alert != nil {
			sum.Alerts++
		}
		if out.Decision != nil && out.Decision.Source == decision.SourceFallback {
			sum.Fallbacks++
		}
		if out.Verdict != nil && !out.Verdict.Pass {
			sum.RCIFailures++
		}
		if out.Change != nil {
			sum.PolicyVersions = append(sum.PolicyVersions, out.Change.ToVersion)
			r.logger.Info("replay policy change",
				zap.Int64("to_version", out.Change.ToVersion),
				zap.String("reason", out.Change.Reason),
			)
		}
	}
	return sum, nil
}
