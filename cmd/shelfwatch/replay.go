package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shelfsense-ai/shelfwatch/internal/config"
	"github.com/shelfsense-ai/shelfwatch/internal/decision"
	"github.com/shelfsense-ai/shelfwatch/internal/eval"
	"github.com/shelfsense-ai/shelfwatch/internal/event"
	"github.com/shelfsense-ai/shelfwatch/internal/optimize"
	"github.com/shelfsense-ai/shelfwatch/internal/pipeline"
	"github.com/shelfsense-ai/shelfwatch/internal/rci"
	"github.com/shelfsense-ai/shelfwatch/internal/retry"
	"github.com/shelfsense-ai/shelfwatch/internal/storage"
	"github.com/shelfsense-ai/shelfwatch/internal/trigger"
)

var replayFlags struct {
	signalsPath string
	runtimeDir  string
	stepMs      int
	start       string
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay a recorded signal file through the full loop deterministically",
	Long: "Replay feeds a JSON array of perception signals through the identical\n" +
		"trigger/decision/inspect/score/optimize path under a fixed-step clock and\n" +
		"a scripted reasoning client, so two runs of the same file produce the same\n" +
		"alerts and the same policy version history.",
	RunE: runReplay,
}

func init() {
	f := replayCmd.Flags()
	f.StringVar(&replayFlags.signalsPath, "signals", "", "Path to JSON array of perception signals (required)")
	f.StringVar(&replayFlags.runtimeDir, "runtime", "replay-runtime", "Directory for replayed records and policy state")
	f.IntVar(&replayFlags.stepMs, "step-ms", 1000, "Clock advance per signal in milliseconds")
	f.StringVar(&replayFlags.start, "start", "2026-01-01T00:00:00Z", "Replay clock start (RFC 3339)")

	_ = replayCmd.MarkFlagRequired("signals")
}

func runReplay(cmd *cobra.Command, _ []string) error {
	cfg := config.Load()
	logger := mustBuildLogger(cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck // best-effort flush

	start, err := time.Parse(time.RFC3339, replayFlags.start)
	if err != nil {
		return fmt.Errorf("parse --start: %w", err)
	}

	signals, err := pipeline.LoadSignals(replayFlags.signalsPath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(replayFlags.runtimeDir, 0o755); err != nil {
		return fmt.Errorf("create runtime dir: %w", err)
	}

	zones, bounds, err := loadZoneSetup(cfg, logger)
	if err != nil {
		return err
	}
	if zones == nil {
		zones = zonesFromSignals(signals)
	}

	clock := pipeline.NewClock(start, time.Duration(replayFlags.stepMs)*time.Millisecond)

	store, err := buildPolicyStore(cfg, replayFlags.runtimeDir, bounds, logger, clock.Now)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	writer, err := storage.NewJSONLWriter(replayFlags.runtimeDir, logger)
	if err != nil {
		return fmt.Errorf("open record writer: %w", err)
	}
	defer writer.Close()

	agent := decision.NewAgent(
		decision.ScriptedClient{},
		retry.New(1, time.Second, 0),
		logger,
	)
	recorder := eval.NewRecorder(nil, retry.New(1, time.Second, 0), writer, logger, clock.Now)
	optimizer := optimize.NewAgent(store, recorder, optimize.Config{
		BatchTrigger: cfg.OptimizeEveryN,
		MaxStep:      cfg.MaxStep,
		Damping:      cfg.Damping,
	}, logger)

	p := pipeline.New(
		trigger.New(logger, clock.Now, zones),
		agent, rci.New(), recorder, store, optimizer, writer, logger, clock.Now,
	)

	rep := pipeline.NewReplay(p, store, clock, logger)
	sum, err := rep.Run(context.Background(), signals)
	if err != nil {
		return err
	}
	if err := store.VerifyChangeLog(context.Background()); err != nil {
		return fmt.Errorf("post-replay change log verification failed: %w", err)
	}

	raw, err := json.MarshalIndent(sum, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(raw))
	logger.Info("replay complete",
		zap.Int("signals", sum.Signals),
		zap.Int("alerts", sum.Alerts),
		zap.Int64("final_policy_version", sum.PolicyVersions[len(sum.PolicyVersions)-1]),
	)
	return nil
}

// zonesFromSignals collects every zone the fixture references so an
// unconfigured replay does not drop all candidates as undeclared.
func zonesFromSignals(signals []event.PerceptionSignal) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, sig := range signals {
		for _, c := range sig.Candidates {
			if _, ok := seen[c.ZoneID]; ok {
				continue
			}
			seen[c.ZoneID] = struct{}{}
			out = append(out, c.ZoneID)
		}
	}
	return out
}
