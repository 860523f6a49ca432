package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the runtime settings for the loan pool daemon. Pool and
// ledger parameters live in the node's TOML file referenced by NodeConfig.
type Config struct {
	ListenAddress string               `yaml:"listen"`
	NodeConfig    string               `yaml:"node_config"`
	TLS           TLSConfig            `yaml:"tls"`
	Auth          AuthConfig           `yaml:"auth"`
	RateLimits    map[string]RateLimit `yaml:"rate_limits"`
	Journal       JournalConfig        `yaml:"journal"`
	Stream        StreamConfig         `yaml:"stream"`
	Sweep         SweepConfig          `yaml:"sweep"`
	Logging       LoggingConfig        `yaml:"logging"`
	Telemetry     TelemetryConfig      `yaml:"telemetry"`
}

// TLSConfig describes the TLS material for the HTTP listener.
type TLSConfig struct {
	CertPath      string `yaml:"cert"`
	KeyPath       string `yaml:"key"`
	AllowInsecure bool   `yaml:"allow_insecure"`
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	Enabled bool `yaml:"enabled"`
	// HMACSecretEnv names the environment variable holding the signing
	// secret. It takes precedence over HMACSecret.
	HMACSecretEnv string        `yaml:"hmac_secret_env"`
	HMACSecret    string        `yaml:"hmac_secret"`
	Issuer        string        `yaml:"issuer"`
	Audience      string        `yaml:"audience"`
	ScopeClaim    string        `yaml:"scope_claim"`
	ClockSkew     time.Duration `yaml:"clock_skew"`
}

type RateLimit struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// JournalConfig selects the SQL database events are journaled to. An empty DSN
// disables the journal.
type JournalConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type StreamConfig struct {
	Enabled bool     `yaml:"enabled"`
	Origins []string `yaml:"origins"`
}

// SweepConfig schedules the interest accrual sweep. A zero interval disables
// the timer; sweeps can still be triggered over the API.
type SweepConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type LoggingConfig struct {
	Level       string `yaml:"level"`
	File        string `yaml:"file"`
	MaxSizeMB   int    `yaml:"max_size_mb"`
	MaxBackups  int    `yaml:"max_backups"`
	MaxAgeDays  int    `yaml:"max_age_days"`
	LogRequests bool   `yaml:"log_requests"`
}

type TelemetryConfig struct {
	Endpoint    string            `yaml:"endpoint"`
	Insecure    bool              `yaml:"insecure"`
	Headers     map[string]string `yaml:"headers"`
	Traces      bool              `yaml:"traces"`
	Metrics     bool              `yaml:"metrics"`
	SampleRatio float64           `yaml:"sample_ratio"`
}

// Load reads the YAML configuration from disk and validates the result.
func Load(path string) (Config, error) {
	cfg := Config{
		ListenAddress: ":8090",
		NodeConfig:    "config.toml",
		Sweep:         SweepConfig{Interval: time.Minute},
		Stream:        StreamConfig{Enabled: true},
	}
	if path == "" {
		return cfg, fmt.Errorf("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() {
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8090"
	}
	cfg.NodeConfig = strings.TrimSpace(cfg.NodeConfig)
	cfg.TLS.CertPath = strings.TrimSpace(cfg.TLS.CertPath)
	cfg.TLS.KeyPath = strings.TrimSpace(cfg.TLS.KeyPath)
	if env := strings.TrimSpace(cfg.Auth.HMACSecretEnv); env != "" {
		if secret := strings.TrimSpace(os.Getenv(env)); secret != "" {
			cfg.Auth.HMACSecret = secret
		}
	}
	cfg.Auth.HMACSecret = strings.TrimSpace(cfg.Auth.HMACSecret)
	cfg.Journal.Driver = strings.ToLower(strings.TrimSpace(cfg.Journal.Driver))
	if cfg.Journal.Driver == "" {
		cfg.Journal.Driver = "sqlite"
	}
	cfg.Journal.DSN = strings.TrimSpace(cfg.Journal.DSN)
	origins := make([]string, 0, len(cfg.Stream.Origins))
	for _, origin := range cfg.Stream.Origins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	cfg.Stream.Origins = origins
}

func (cfg *Config) validate() error {
	if cfg.NodeConfig == "" {
		return fmt.Errorf("node_config is required")
	}
	hasCert := cfg.TLS.CertPath != ""
	if hasCert != (cfg.TLS.KeyPath != "") {
		return fmt.Errorf("tls: cert and key must either both be provided or both be empty")
	}
	if !cfg.TLS.AllowInsecure && !hasCert {
		return fmt.Errorf("tls: cert and key are required unless allow_insecure=true")
	}
	if cfg.Auth.Enabled && cfg.Auth.HMACSecret == "" {
		return fmt.Errorf("auth: hmac secret required when auth is enabled")
	}
	if cfg.Auth.ClockSkew < 0 {
		return fmt.Errorf("auth: clock_skew must not be negative")
	}
	for key, limit := range cfg.RateLimits {
		if limit.RequestsPerMinute <= 0 || limit.Burst <= 0 {
			return fmt.Errorf("rate_limits.%s: requests_per_minute and burst must be positive", key)
		}
	}
	switch cfg.Journal.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("journal: unsupported driver %q", cfg.Journal.Driver)
	}
	if cfg.Sweep.Interval < 0 {
		return fmt.Errorf("sweep: interval must not be negative")
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry: sample_ratio must be within [0, 1]")
	}
	return nil
}
