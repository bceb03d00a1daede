package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx as database/sql driver
	"go.uber.org/zap"

	"github.com/shelfsense-ai/shelfwatch/internal/config"
	"github.com/shelfsense-ai/shelfwatch/internal/policy"
	"github.com/shelfsense-ai/shelfwatch/internal/storage"
)

// loadZoneSetup resolves the declared zones and the threshold safe ranges.
// Without a zones file the trigger accepts any zone and the default bounds
// apply.
func loadZoneSetup(cfg config.Config, logger *zap.Logger) ([]string, map[string]policy.Range, error) {
	bounds := policy.DefaultBounds()
	if cfg.ZonesPath == "" {
		logger.Info("no zones file configured, accepting all zones")
		return nil, bounds, nil
	}
	zf, err := config.LoadZones(cfg.ZonesPath)
	if err != nil {
		return nil, nil, fmt.Errorf("zones file %s: %w", cfg.ZonesPath, err)
	}
	for key, r := range zf.Bounds {
		bounds[key] = r
	}
	logger.Info("zones loaded",
		zap.String("path", cfg.ZonesPath),
		zap.Int("zones", len(zf.Zones)),
		zap.Int("bound_overrides", len(zf.Bounds)),
	)
	return zf.ZoneIDs(), bounds, nil
}

// buildPolicyStore opens the Postgres-backed store when POSTGRES_DSN is set,
// the file-backed store under dir otherwise.
func buildPolicyStore(cfg config.Config, dir string, bounds map[string]policy.Range, logger *zap.Logger, now func() time.Time) (policy.Store, error) {
	if cfg.PostgresDSN == "" {
		st, err := policy.OpenFileStore(dir, bounds, logger, now)
		if err != nil {
			return nil, fmt.Errorf("open policy store in %s: %w", dir, err)
		}
		return st, nil
	}

	db, err := sql.Open("pgx", cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	st, err := policy.OpenPostgresStore(db, bounds, logger, now)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open postgres policy store: %w", err)
	}
	logger.Info("postgres policy store connected")
	return st, nil
}

// buildWriter appends JSONL streams under dir and mirrors them to ClickHouse
// when CLICKHOUSE_DSN is set. A failed ClickHouse connection degrades to the
// JSONL writer alone.
func buildWriter(cfg config.Config, dir string, logger *zap.Logger) (storage.Writer, error) {
	jw, err := storage.NewJSONLWriter(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("open record writer in %s: %w", dir, err)
	}
	if cfg.ClickHouseDSN == "" {
		return jw, nil
	}
	chw, err := storage.NewClickHouseWriter(cfg.ClickHouseDSN, logger)
	if err != nil {
		logger.Warn("clickhouse connection failed, keeping jsonl writer only",
			zap.Error(err),
		)
		return jw, nil
	}
	logger.Info("clickhouse writer connected")
	return storage.NewMultiWriter(jw, chw), nil
}
