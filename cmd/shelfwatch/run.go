package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

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
	"github.com/shelfsense-ai/shelfwatch/internal/trigger"
)

// maxSignalLineBytes bounds one NDJSON perception line on stdin.
const maxSignalLineBytes = 1 << 20

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the live loop over NDJSON perception signals on stdin",
	RunE:  runRun,
}

func runRun(_ *cobra.Command, _ []string) error {
	cfg := config.Load()
	logger := mustBuildLogger(cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck // best-effort flush

	if err := os.MkdirAll(cfg.RuntimeDir, 0o755); err != nil {
		return fmt.Errorf("create runtime dir: %w", err)
	}

	zones, bounds, err := loadZoneSetup(cfg, logger)
	if err != nil {
		return err
	}

	store, err := buildPolicyStore(cfg, cfg.RuntimeDir, bounds, logger, nil)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// A policy store that fails replay must not serve decisions.
	if err := store.VerifyChangeLog(ctx); err != nil {
		return fmt.Errorf("policy change log verification failed: %w", err)
	}
	logger.Info("policy store verified",
		zap.Int64("active_version", store.Active().Version),
	)

	writer, err := buildWriter(cfg, cfg.RuntimeDir, logger)
	if err != nil {
		return err
	}
	defer writer.Close()

	if cfg.ReasoningURL == "" {
		logger.Warn("REASONING_URL not set, every decision will take the no-alert fallback path")
	}
	agent := decision.NewAgent(
		decision.NewHTTPReasoningClient(cfg.ReasoningURL, cfg.ReasoningAPIKey, cfg.ReasoningModel),
		retry.New(cfg.ReasoningMaxAttempts, cfg.ReasoningTimeout, cfg.ReasoningBackoff),
		logger,
	)
	agent.Guardrail = cfg.GuardrailEnabled

	var engine eval.Engine
	if cfg.ScoringURL != "" {
		engine = eval.NewHTTPEngine(cfg.ScoringURL, cfg.ScoringAPIKey, cfg.ScoringProject)
		logger.Info("scoring engine configured", zap.String("project", cfg.ScoringProject))
	} else {
		logger.Info("no SCORING_URL set, records will carry local scores")
	}
	recorder := eval.NewRecorder(
		engine,
		retry.New(cfg.ScoringMaxAttempts, cfg.ScoringTimeout, cfg.ScoringBackoff),
		writer, logger, nil,
	)

	optimizer := optimize.NewAgent(store, recorder, optimize.Config{
		BatchTrigger: cfg.OptimizeEveryN,
		MaxStep:      cfg.MaxStep,
		Damping:      cfg.Damping,
	}, logger)

	p := pipeline.New(
		trigger.New(logger, nil, zones),
		agent, rci.New(), recorder, store, optimizer, writer, logger, nil,
	)

	signals := make(chan event.PerceptionSignal, 16)
	go readSignals(ctx, os.Stdin, signals, logger)

	logger.Info("shelfwatch running",
		zap.String("runtime_dir", cfg.RuntimeDir),
		zap.Int("optimize_every_n", cfg.OptimizeEveryN),
	)
	runner := pipeline.NewRunner(p, recorder, cfg.RuntimeDir, logger)
	if err := runner.Run(ctx, signals); err != nil && err != context.Canceled {
		return err
	}
	logger.Info("shelfwatch stopped")
	return nil
}

// readSignals decodes NDJSON perception signals until EOF or cancellation.
// A malformed line is dropped with a warning; the stream continues.
func readSignals(ctx context.Context, r *os.File, out chan<- event.PerceptionSignal, logger *zap.Logger) {
	defer close(out)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxSignalLineBytes)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var sig event.PerceptionSignal
		if err := json.Unmarshal(line, &sig); err != nil {
			logger.Warn("dropping malformed perception signal", zap.Error(err))
			continue
		}
		select {
		case out <- sig:
		case <-ctx.Done():
			return
		}
	}
	if err := sc.Err(); err != nil {
		logger.Error("signal input failed", zap.Error(err))
	}
}
