package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shelfsense-ai/shelfwatch/internal/eval"
	"github.com/shelfsense-ai/shelfwatch/internal/event"
)

const metricsInterval = 10 * time.Second

// Runner hosts the live pipeline: one goroutine consuming perception
// signals, one flushing metrics snapshots, both under a shared cancellation
// domain. Shutdown mid-event still resolves the in-flight decision (the
// agent's fallback handles cancellation) before the loop exits.
type Runner struct {
	pipeline   *Pipeline
	recorder   *eval.Recorder
	runtimeDir string
	logger     *zap.Logger
}

// NewRunner wires a Runner over an assembled pipeline.
func NewRunner(p *Pipeline, recorder *eval.Recorder, runtimeDir string, logger *zap.Logger) *Runner {
	return &Runner{pipeline: p, recorder: recorder, runtimeDir: runtimeDir, logger: logger}
}

// Run consumes signals until the channel closes or ctx is cancelled.
func (r *Runner) Run(ctx context.Context, signals <-chan event.PerceptionSignal) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel() // input exhaustion also stops the metrics loop
		for {
			select {
			case sig, ok := <-signals:
				if !ok {
					return nil
				}
				out, err := r.pipeline.HandleSignal(ctx, sig)
				if err != nil {
					r.logger.Error("policy optimization failed", zap.Error(err))
				}
				if out.Alert != nil {
					r.logger.Info("alert surfaced",
						zap.String("alert_id", out.Alert.ID),
						zap.String("zone_id", out.Alert.ZoneID),
						zap.String("kind", string(out.Alert.Kind)),
						zap.Float64("confidence", out.Alert.Confidence),
					)
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(metricsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := r.writeMetrics(); err != nil {
					r.logger.Warn("metrics snapshot failed", zap.Error(err))
				}
			case <-ctx.Done():
				return nil // metrics loss on shutdown is acceptable
			}
		}
	})

	return g.Wait()
}

// Metrics is the operator-facing snapshot written to metrics.json.
type Metrics struct {
	Total        uint64  `json:"total"`
	AvgScoreLast float64 `json:"avg_score_last_50"`
	SpamRate     float64 `json:"spam_rate"`
	ResolvedRate float64 `json:"resolved_rate"`
}

// ComputeMetrics folds a record window into the snapshot.
func ComputeMetrics(total uint64, window []eval.Record) Metrics {
	m := Metrics{Total: total}
	if len(window) == 0 {
		return m
	}
	var score, spam, resolved float64
	for _, rec := range window {
		score += rec.Score
		spam += rec.OutcomeSignals.Spam
		resolved += rec.OutcomeSignals.Resolved
	}
	n := float64(len(window))
	m.AvgScoreLast = round4(score / n)
	m.SpamRate = round4(spam / n)
	m.ResolvedRate = round4(resolved / n)
	return m
}

func (r *Runner) writeMetrics() error {
	m := ComputeMetrics(r.recorder.Count(), r.recorder.LocalRecent(50))
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	path := filepath.Join(r.runtimeDir, "metrics.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("swap metrics: %w", err)
	}
	return nil
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
