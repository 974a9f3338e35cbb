// Package config loads server configuration from an optional YAML file with
// environment-variable overrides. Environment always wins so deployments can
// keep one config file and vary secrets per instance.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full server configuration.
type Config struct {
	Port string `yaml:"port"`

	// PaperDatabaseURL and RealDatabaseURL point at the two physically
	// separate ledgers. Empty means the in-memory ledger (dev mode).
	PaperDatabaseURL string `yaml:"paper_database_url"`
	RealDatabaseURL  string `yaml:"real_database_url"`

	RedisURL string `yaml:"redis_url"`

	Broker BrokerConfig `yaml:"broker"`
	Jobs   JobsConfig   `yaml:"jobs"`
}

// BrokerConfig configures the exchange gateway for real-mode mirroring.
type BrokerConfig struct {
	APIKey      string        `yaml:"api_key"`
	APISecret   string        `yaml:"api_secret"`
	BaseURL     string        `yaml:"base_url"`
	MinInterval time.Duration `yaml:"min_interval"`
}

// Enabled reports whether real-mode broker mirroring is configured.
func (b BrokerConfig) Enabled() bool { return b.APIKey != "" && b.APISecret != "" }

// JobsConfig configures scheduler cadence. Zero values take defaults.
type JobsConfig struct {
	PendingSweep time.Duration `yaml:"pending_sweep"`
	AIPass       time.Duration `yaml:"ai_pass"`
	SnapshotTick time.Duration `yaml:"snapshot_tick"`
	Purge        time.Duration `yaml:"purge"`
	BalanceSync  time.Duration `yaml:"balance_sync"`
}

// Load reads the YAML file at path (skipped when path is empty or absent)
// and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Port: "8080",
		Broker: BrokerConfig{
			MinInterval: 2 * time.Second,
		},
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Env-only configuration is fine.
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Port, "PORT")
	setString(&cfg.PaperDatabaseURL, "PAPER_DATABASE_URL")
	setString(&cfg.RealDatabaseURL, "REAL_DATABASE_URL")
	setString(&cfg.RedisURL, "REDIS_URL")
	setString(&cfg.Broker.APIKey, "BROKER_API_KEY")
	setString(&cfg.Broker.APISecret, "BROKER_API_SECRET")
	setString(&cfg.Broker.BaseURL, "BROKER_BASE_URL")
	setDuration(&cfg.Broker.MinInterval, "BROKER_MIN_INTERVAL")
	setDuration(&cfg.Jobs.PendingSweep, "JOB_PENDING_SWEEP")
	setDuration(&cfg.Jobs.AIPass, "JOB_AI_PASS")
	setDuration(&cfg.Jobs.SnapshotTick, "JOB_SNAPSHOT_TICK")
	setDuration(&cfg.Jobs.Purge, "JOB_PURGE")
	setDuration(&cfg.Jobs.BalanceSync, "JOB_BALANCE_SYNC")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
		return
	}
	// Bare numbers are seconds.
	if secs, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(secs) * time.Second
	}
}
