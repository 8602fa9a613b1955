package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/moneta-lab/project-moneta/internal/analytics"
)

// Config represents the top-level application config plus resolved
// metric-rule loading config.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	Sync      SyncConfig      `koanf:"sync"`
	Anomaly   AnomalyConfig   `koanf:"anomaly"`
	Analytics AnalyticsConfig `koanf:"analytics"`

	// RuleLoading is populated by Load after parsing metric rule files.
	RuleLoading RuleLoadingConfig `koanf:"-"`
}

type ServerConfig struct {
	Port          int    `koanf:"port"`
	Host          string `koanf:"host"`
	MaxBodySizeMB int    `koanf:"max_body_size_mb"`
	Mode          string `koanf:"mode"` // debug | release
}

type DatabaseConfig struct {
	Type         string `koanf:"type"`
	DSN          string `koanf:"dsn"`
	MaxOpenConns int    `koanf:"max_open_conns"`
	MaxIdleConns int    `koanf:"max_idle_conns"`
	AutoMigrate  bool   `koanf:"auto_migrate"`
}

type SyncConfig struct {
	RelationshipsDir string `koanf:"relationships_dir"`
	PollInterval     string `koanf:"poll_interval"` // bus idle poll, parsed on startup
}

type AnomalyConfig struct {
	Trees           int     `koanf:"trees"`
	Contamination   float64 `koanf:"contamination"`
	Seed            int64   `koanf:"seed"`
	ZScoreThreshold float64 `koanf:"zscore_threshold"`
	HistoryLimit    int     `koanf:"history_limit"` // max historical transactions fed per detection
}

type AnalyticsConfig struct {
	RulesDir      string `koanf:"rules_dir"`
	Enabled       bool   `koanf:"enabled"`
	FlushInterval string `koanf:"flush_interval"`
}

type RuleLoadingConfig struct {
	RulesDir string
	Rules    []analytics.MetricRule
}

func (c SyncConfig) EffectivePollInterval() (time.Duration, error) {
	if c.PollInterval == "" {
		return time.Second, nil
	}
	return time.ParseDuration(c.PollInterval)
}

func (c AnalyticsConfig) EffectiveFlushInterval() (time.Duration, error) {
	if c.FlushInterval == "" {
		return 30 * time.Second, nil
	}
	return time.ParseDuration(c.FlushInterval)
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d (must be 1-65535)", c.Server.Port)
	}
	if strings.TrimSpace(c.Server.Host) == "" {
		return fmt.Errorf("server.host is required")
	}
	if c.Server.MaxBodySizeMB <= 0 {
		return fmt.Errorf("server.max_body_size_mb must be > 0")
	}
	if c.Server.Mode != "debug" && c.Server.Mode != "release" {
		return fmt.Errorf("invalid server.mode %q (must be debug or release)", c.Server.Mode)
	}

	if strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be > 0")
	}
	if c.Database.MaxIdleConns <= 0 {
		return fmt.Errorf("database.max_idle_conns must be > 0")
	}
	if c.Database.Type != "" && c.Database.Type != "postgres" {
		return fmt.Errorf("unsupported database.type %q", c.Database.Type)
	}

	if poll, err := c.Sync.EffectivePollInterval(); err != nil {
		return fmt.Errorf("invalid sync.poll_interval %q: %w", c.Sync.PollInterval, err)
	} else if poll <= 0 {
		return fmt.Errorf("sync.poll_interval must be > 0")
	}

	if c.Anomaly.Trees < 0 {
		return fmt.Errorf("anomaly.trees must be >= 0")
	}
	if c.Anomaly.Contamination < 0 || c.Anomaly.Contamination >= 1 {
		return fmt.Errorf("anomaly.contamination must be in [0, 1)")
	}
	if c.Anomaly.ZScoreThreshold < 0 {
		return fmt.Errorf("anomaly.zscore_threshold must be >= 0")
	}
	if c.Anomaly.HistoryLimit <= 0 {
		return fmt.Errorf("anomaly.history_limit must be > 0")
	}

	if flush, err := c.Analytics.EffectiveFlushInterval(); err != nil {
		return fmt.Errorf("invalid analytics.flush_interval %q: %w", c.Analytics.FlushInterval, err)
	} else if flush <= 0 {
		return fmt.Errorf("analytics.flush_interval must be > 0")
	}

	return nil
}

// Load parses config from file + env, validates it, then loads and validates
// metric rules. Rules are resolved here rather than at server startup so a
// broken rule file fails the process before any traffic is accepted.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]interface{}{
		"server.port":              8080,
		"server.host":              "0.0.0.0",
		"server.max_body_size_mb":  1,
		"server.mode":              "release",
		"database.type":            "postgres",
		"database.dsn":             "",
		"database.max_open_conns":  25,
		"database.max_idle_conns":  25,
		"database.auto_migrate":    true,
		"sync.relationships_dir":   "./config/relationships",
		"sync.poll_interval":       "1s",
		"anomaly.trees":            100,
		"anomaly.contamination":    0.1,
		"anomaly.seed":             42,
		"anomaly.zscore_threshold": 3.0,
		"anomaly.history_limit":    500,
		"analytics.rules_dir":      "./config/metrics",
		"analytics.enabled":        true,
		"analytics.flush_interval": "30s",
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider("MONETA_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "MONETA_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	repo, err := analytics.NewFileSystemRuleRepository(cfg.Analytics.RulesDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load metric rules: %w", err)
	}
	rules := repo.GetRules()
	if len(rules) == 0 {
		// No operator-supplied rules; run with the built-in set so the
		// rollup surface is never empty.
		rules = analytics.DefaultRules()
	}

	cfg.RuleLoading = RuleLoadingConfig{
		RulesDir: cfg.Analytics.RulesDir,
		Rules:    rules,
	}

	return &cfg, nil
}
