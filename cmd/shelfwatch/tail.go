package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/shelfsense-ai/shelfwatch/internal/config"
	"github.com/shelfsense-ai/shelfwatch/internal/storage"
)

var tailFlags struct {
	stream string
	limit  int
	stats  bool
	hours  int
}

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show recent records from the ClickHouse mirror",
	RunE:  runTail,
}

func init() {
	f := tailCmd.Flags()
	f.StringVar(&tailFlags.stream, "stream", storage.StreamAlerts, "Stream to read (events, alerts, evals)")
	f.IntVar(&tailFlags.limit, "limit", 20, "Maximum rows to show")
	f.BoolVar(&tailFlags.stats, "stats", false, "Show per-stream counts instead of rows")
	f.IntVar(&tailFlags.hours, "hours", 24, "Stats window in hours")

	rootCmd.AddCommand(tailCmd)
}

func runTail(cmd *cobra.Command, _ []string) error {
	cfg := config.Load()
	logger := mustBuildLogger(cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck // best-effort flush

	if cfg.ClickHouseDSN == "" {
		return fmt.Errorf("tail needs CLICKHOUSE_DSN; the JSONL files in %s are the canonical log", cfg.RuntimeDir)
	}
	reader, err := storage.NewReader(cfg.ClickHouseDSN, logger)
	if err != nil {
		return fmt.Errorf("connect clickhouse: %w", err)
	}
	defer func() { _ = reader.Close() }()

	ctx := context.Background()
	out := cmd.OutOrStdout()

	if tailFlags.stats {
		since := time.Now().UTC().Add(-time.Duration(tailFlags.hours) * time.Hour)
		stats, err := reader.Stats(ctx, since)
		if err != nil {
			return err
		}
		for _, s := range stats {
			fmt.Fprintf(out, "%-8s %d\n", s.Stream, s.Count)
		}
		return nil
	}

	rows, err := reader.Recent(ctx, tailFlags.stream, tailFlags.limit)
	if err != nil {
		return err
	}
	for _, r := range rows {
		fmt.Fprintf(out, "%s %s\n", r.Timestamp.Format(time.RFC3339), r.Payload)
	}
	return nil
}
