package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shelfsense-ai/shelfwatch/internal/config"
)

var verifyFlags struct {
	runtimeDir string
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Replay the policy change log and check it reproduces the active policy",
	RunE:  runVerify,
}

func init() {
	verifyCmd.Flags().StringVar(&verifyFlags.runtimeDir, "runtime", "", "Policy state directory (default: SHELFWATCH_RUNTIME_DIR)")
}

func runVerify(cmd *cobra.Command, _ []string) error {
	cfg := config.Load()
	logger := mustBuildLogger(cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck // best-effort flush

	dir := verifyFlags.runtimeDir
	if dir == "" {
		dir = cfg.RuntimeDir
	}

	_, bounds, err := loadZoneSetup(cfg, logger)
	if err != nil {
		return err
	}
	store, err := buildPolicyStore(cfg, dir, bounds, logger, nil)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if err := store.VerifyChangeLog(context.Background()); err != nil {
		return fmt.Errorf("change log verification failed: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "policy change log verified, active version %d\n", store.Active().Version)
	return nil
}
