// Package config gathers environment-driven settings and the optional YAML
// zone/bounds file into one struct built once at startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/shelfsense-ai/shelfwatch/internal/policy"
)

// Config is the full runtime configuration.
type Config struct {
	RuntimeDir string
	LogLevel   string

	ReasoningURL         string
	ReasoningAPIKey      string
	ReasoningModel       string
	ReasoningTimeout     time.Duration
	ReasoningMaxAttempts int
	ReasoningBackoff     time.Duration

	ScoringURL         string
	ScoringAPIKey      string
	ScoringProject     string
	ScoringTimeout     time.Duration
	ScoringMaxAttempts int
	ScoringBackoff     time.Duration

	OptimizeEveryN int
	MaxStep        float64
	Damping        float64

	ClickHouseDSN string
	PostgresDSN   string

	GuardrailEnabled bool
	ZonesPath        string
}

// Load reads .env (best effort) and the environment.
func Load() Config {
	_ = godotenv.Load() // absent .env is the normal case

	return Config{
		RuntimeDir: envOrDefault("SHELFWATCH_RUNTIME_DIR", "runtime"),
		LogLevel:   envOrDefault("SHELFWATCH_LOG_LEVEL", "info"),

		ReasoningURL:         os.Getenv("REASONING_URL"),
		ReasoningAPIKey:      os.Getenv("REASONING_API_KEY"),
		ReasoningModel:       envOrDefault("REASONING_MODEL", "shelf-reasoner-1"),
		ReasoningTimeout:     envOrDefaultDuration("REASONING_TIMEOUT_MS", 12_000),
		ReasoningMaxAttempts: envOrDefaultInt("REASONING_MAX_ATTEMPTS", 4),
		ReasoningBackoff:     envOrDefaultDuration("REASONING_BACKOFF_MS", 700),

		ScoringURL:         os.Getenv("SCORING_URL"),
		ScoringAPIKey:      os.Getenv("SCORING_API_KEY"),
		ScoringProject:     envOrDefault("SCORING_PROJECT", "shelfwatch"),
		ScoringTimeout:     envOrDefaultDuration("SCORING_TIMEOUT_MS", 8_000),
		ScoringMaxAttempts: envOrDefaultInt("SCORING_MAX_ATTEMPTS", 2),
		ScoringBackoff:     envOrDefaultDuration("SCORING_BACKOFF_MS", 500),

		OptimizeEveryN: envOrDefaultInt("OPTIMIZE_EVERY_N_RECORDS", 20),
		MaxStep:        envOrDefaultFloat("OPTIMIZE_MAX_STEP", 0.05),
		Damping:        envOrDefaultFloat("OPTIMIZE_DAMPING", 0.4),

		ClickHouseDSN: os.Getenv("CLICKHOUSE_DSN"),
		PostgresDSN:   os.Getenv("POSTGRES_DSN"),

		GuardrailEnabled: envOrDefault("DECISION_GUARDRAIL", "false") == "true",
		ZonesPath:        os.Getenv("SHELFWATCH_ZONES_FILE"),
	}
}

// Zone is one monitored shelf region; the rect is normalized [x1,y1,x2,y2].
type Zone struct {
	ID   string     `yaml:"id"`
	Rect [4]float64 `yaml:"rect"`
}

// ZonesFile is the optional YAML document declaring the known zones and any
// threshold safe-range overrides.
type ZonesFile struct {
	Zones  []Zone                  `yaml:"zones"`
	Bounds map[string]policy.Range `yaml:"bounds"`
}

// LoadZones parses the YAML zones file.
func LoadZones(path string) (*ZonesFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read zones file: %w", err)
	}
	var zf ZonesFile
	if err := yaml.Unmarshal(raw, &zf); err != nil {
		return nil, fmt.Errorf("parse zones file: %w", err)
	}
	for _, z := range zf.Zones {
		if z.ID == "" {
			return nil, fmt.Errorf("zones file: zone with empty id")
		}
	}
	return &zf, nil
}

// ZoneIDs returns the declared zone identifiers.
func (zf *ZonesFile) ZoneIDs() []string {
	out := make([]string, 0, len(zf.Zones))
	for _, z := range zf.Zones {
		out = append(out, z.ID)
	}
	return out
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envOrDefaultFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envOrDefaultDuration(key string, defaultMs int) time.Duration {
	return time.Duration(envOrDefaultInt(key, defaultMs)) * time.Millisecond
}
