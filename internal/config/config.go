// Package config loads the loom service configuration: the runtime
// concerns (journal backend, log output, telemetry) that belong to the
// installation rather than to a user's settings files.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Journal backend names.
const (
	StoreJSONL    = "jsonl"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Config is the service configuration, conventionally <home>/config.yaml.
type Config struct {
	Journal JournalConfig `yaml:"journal"`
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// JournalConfig selects where session journals persist.
type JournalConfig struct {
	// Store is one of jsonl, sqlite, postgres.
	Store string `yaml:"store"`

	// Path overrides the sqlite database file. Empty means
	// <home>/sessions.db.
	Path string `yaml:"path"`

	// DSN is the postgres connection string. Required for the postgres
	// store, ignored otherwise.
	DSN string `yaml:"dsn"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig configures OTLP span export. An empty endpoint leaves
// tracing as a no-op.
type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	Insecure     bool    `yaml:"insecure"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig exposes Prometheus metrics over HTTP when Addr is set,
// e.g. "127.0.0.1:9090".
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Load reads and parses the configuration file. A missing file yields
// defaults so the CLI runs with no setup at all.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		if !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
		cfg = Config{}
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	cfg.Journal.Store = strings.ToLower(strings.TrimSpace(cfg.Journal.Store))
	if cfg.Journal.Store == "" {
		cfg.Journal.Store = StoreJSONL
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "warn"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1.0
	}
}

// Validate rejects configurations the runtime cannot honor.
func (c *Config) Validate() error {
	switch c.Journal.Store {
	case StoreJSONL, StoreSQLite, StorePostgres:
	default:
		return fmt.Errorf("journal.store must be one of %s, %s, %s; got %q",
			StoreJSONL, StoreSQLite, StorePostgres, c.Journal.Store)
	}
	if c.Journal.Store == StorePostgres && strings.TrimSpace(c.Journal.DSN) == "" {
		return fmt.Errorf("journal.store %s requires journal.dsn", StorePostgres)
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("tracing.sampling_rate must be within [0, 1]; got %v", c.Tracing.SamplingRate)
	}
	return nil
}
