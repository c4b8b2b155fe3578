// Package config loads the Daedalus process configuration from YAML or TOML
// files with DAEDALUS_* environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	natsconn "github.com/wehubfusion/Daedalus/internal/nats"
	"github.com/wehubfusion/Daedalus/internal/tracing"
	"github.com/wehubfusion/Daedalus/pkg/jsoperator"
	"github.com/wehubfusion/Daedalus/pkg/operator"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// ServiceName is the default service name reported to tracing and Sentry
const ServiceName = "daedalus"

// Config is the full process configuration
type Config struct {
	Log         LogConfig                    `yaml:"log" toml:"log"`
	Tracing     TracingConfig                `yaml:"tracing" toml:"tracing"`
	Interpreter jsoperator.InterpreterConfig `yaml:"interpreter" toml:"interpreter"`
	Source      SourceConfig                 `yaml:"source" toml:"source"`
	NATS        NATSConfig                   `yaml:"nats" toml:"nats"`
	Sentry      SentryConfig                 `yaml:"sentry" toml:"sentry"`
	Metrics     MetricsConfig                `yaml:"metrics" toml:"metrics"`
	Operators   []OperatorConfig             `yaml:"operators" toml:"operators"`
}

// LogConfig configures the zap logger
type LogConfig struct {
	Level       string `yaml:"level" toml:"level"`
	Development bool   `yaml:"development" toml:"development"`
}

// TracingConfig enables OTLP tracing
type TracingConfig struct {
	Enabled               bool `yaml:"enabled" toml:"enabled"`
	tracing.TracingConfig `yaml:",inline"`
}

// SourceConfig configures how remote operator sources are fetched
type SourceConfig struct {
	CacheDir    string        `yaml:"cache_dir" toml:"cache_dir"`
	AlwaysFetch bool          `yaml:"always_fetch" toml:"always_fetch"`
	HTTPTimeout time.Duration `yaml:"http_timeout" toml:"http_timeout"`
	MaxTries    uint          `yaml:"max_tries" toml:"max_tries"`

	// AzureConnectionString enables azblob:// sources
	AzureConnectionString string `yaml:"azure_connection_string" toml:"azure_connection_string"`
}

// NATSConfig configures the NATS transport. Transport is disabled when URL is empty.
type NATSConfig struct {
	natsconn.ConnectionConfig `yaml:",inline"`
	SubjectPrefix             string `yaml:"subject_prefix" toml:"subject_prefix"`
	Buffer                    int    `yaml:"buffer" toml:"buffer"`
	PendingLimit              int    `yaml:"pending_limit" toml:"pending_limit"`
}

// SentryConfig configures crash reporting. Reporting is disabled when DSN is empty.
type SentryConfig struct {
	DSN         string  `yaml:"dsn" toml:"dsn"`
	Environment string  `yaml:"environment" toml:"environment"`
	SampleRate  float64 `yaml:"sample_rate" toml:"sample_rate"`
}

// MetricsConfig configures the Prometheus endpoint. Disabled when Addr is empty.
type MetricsConfig struct {
	Addr string `yaml:"addr" toml:"addr"`
	Path string `yaml:"path" toml:"path"`
}

// OperatorConfig names one operator to host
type OperatorConfig struct {
	NodeID     operator.NodeID     `yaml:"node_id" toml:"node_id"`
	OperatorID operator.OperatorID `yaml:"operator_id" toml:"operator_id"`
	Source     string              `yaml:"source" toml:"source"`
}

// Load reads the configuration file at path. The format is chosen by extension
// (.yaml, .yml or .toml). Environment overrides and defaults are applied and the
// result is validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := &Config{}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config %s: %w", path, err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse TOML config %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}

	cfg.ApplyEnv()
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from DAEDALUS_* environment variables
func (c *Config) ApplyEnv() {
	c.Log.Level = getEnv("DAEDALUS_LOG_LEVEL", c.Log.Level)
	c.Log.Development = getEnvBool("DAEDALUS_LOG_DEVELOPMENT", c.Log.Development)
	c.Tracing.Enabled = getEnvBool("DAEDALUS_TRACING_ENABLED", c.Tracing.Enabled)
	c.Tracing.OTLPEndpoint = getEnv("DAEDALUS_OTLP_ENDPOINT", c.Tracing.OTLPEndpoint)
	c.Interpreter.SecurityLevel = getEnv("DAEDALUS_SECURITY_LEVEL", c.Interpreter.SecurityLevel)
	c.Source.CacheDir = getEnv("DAEDALUS_CACHE_DIR", c.Source.CacheDir)
	c.Source.AzureConnectionString = getEnv("DAEDALUS_AZURE_CONNECTION_STRING", c.Source.AzureConnectionString)
	c.NATS.URL = getEnv("DAEDALUS_NATS_URL", c.NATS.URL)
	c.Sentry.DSN = getEnv("DAEDALUS_SENTRY_DSN", c.Sentry.DSN)
	c.Metrics.Addr = getEnv("DAEDALUS_METRICS_ADDR", c.Metrics.Addr)
}

// ApplyDefaults fills unset fields
func (c *Config) ApplyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	defaults := tracing.DefaultConfig(ServiceName)
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = defaults.ServiceName
	}
	if c.Tracing.ServiceVersion == "" {
		c.Tracing.ServiceVersion = defaults.ServiceVersion
	}
	if c.Tracing.Environment == "" {
		c.Tracing.Environment = defaults.Environment
	}
	if c.Tracing.OTLPEndpoint == "" {
		c.Tracing.OTLPEndpoint = defaults.OTLPEndpoint
	}
	if c.Tracing.SampleRatio == 0 {
		c.Tracing.SampleRatio = defaults.SampleRatio
	}

	c.Interpreter.ApplyDefaults()

	if c.Source.HTTPTimeout == 0 {
		c.Source.HTTPTimeout = 30 * time.Second
	}
	if c.Source.MaxTries == 0 {
		c.Source.MaxTries = 3
	}

	if c.NATS.URL != "" {
		natsDefaults := natsconn.DefaultConnectionConfig(c.NATS.URL)
		if c.NATS.Name == "" {
			c.NATS.Name = natsDefaults.Name
		}
		if c.NATS.MaxReconnects == 0 {
			c.NATS.MaxReconnects = natsDefaults.MaxReconnects
		}
		if c.NATS.ReconnectWait == 0 {
			c.NATS.ReconnectWait = natsDefaults.ReconnectWait
		}
		if c.NATS.Timeout == 0 {
			c.NATS.Timeout = natsDefaults.Timeout
		}
	}
	if c.NATS.Buffer == 0 {
		c.NATS.Buffer = 64
	}
	if c.NATS.PendingLimit == 0 {
		c.NATS.PendingLimit = 65536
	}

	if c.Sentry.Environment == "" {
		c.Sentry.Environment = c.Tracing.Environment
	}
	if c.Sentry.SampleRate == 0 {
		c.Sentry.SampleRate = 1.0
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be between 0 and 1")
	}
	if err := c.Interpreter.Validate(); err != nil {
		return fmt.Errorf("interpreter: %w", err)
	}
	if c.NATS.Buffer < 0 {
		return fmt.Errorf("nats.buffer cannot be negative")
	}
	if c.NATS.PendingLimit < 0 {
		return fmt.Errorf("nats.pending_limit cannot be negative")
	}
	if c.Sentry.SampleRate < 0 || c.Sentry.SampleRate > 1 {
		return fmt.Errorf("sentry.sample_rate must be between 0 and 1")
	}

	seen := make(map[string]struct{}, len(c.Operators))
	for i, op := range c.Operators {
		if op.NodeID == "" || op.OperatorID == "" {
			return fmt.Errorf("operators[%d]: node_id and operator_id are required", i)
		}
		if op.Source == "" {
			return fmt.Errorf("operators[%d]: source is required", i)
		}
		key := string(op.NodeID) + "/" + string(op.OperatorID)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("operators[%d]: duplicate operator %s", i, key)
		}
		seen[key] = struct{}{}
	}
	return nil
}

// NewLogger builds the process logger
func (c LogConfig) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}

	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// getEnv retrieves a string from environment variable with default fallback
func getEnv(key string, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool retrieves a boolean from environment variable with default fallback
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
