package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the main configuration
type Config struct {
	Logging         LoggingConfig   `yaml:"logging"`
	Decode          DecodeConfig    `yaml:"decode"`
	Follow          FollowConfig    `yaml:"follow"`
	Server          ServerConfig    `yaml:"server"`
	Metrics         MetricsConfig   `yaml:"metrics"`
	Health          HealthConfig    `yaml:"health"`
	Tracing         TracingConfig   `yaml:"tracing"`
	Profiling       ProfilingConfig `yaml:"profiling"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout,omitempty"`
}

// LoggingConfig defines logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// DecodeConfig controls what happens to records after decoding
type DecodeConfig struct {
	// Verbose keeps every record; otherwise only the important types pass
	Verbose bool `yaml:"verbose"`
	// Types, when set, replaces the important-types allow-list
	Types []string `yaml:"types,omitempty"`
	// Namespace prefixes extracted property keys
	Namespace string `yaml:"namespace,omitempty"`
	// FailOnErrorExit treats a decoded error-exit record as a failure
	FailOnErrorExit bool `yaml:"fail_on_error_exit"`
	// Workers bounds how many inputs are decoded at once
	Workers int `yaml:"workers,omitempty"`
}

// FollowConfig defines capture files to follow
type FollowConfig struct {
	Paths              []string      `yaml:"paths,omitempty"`
	CheckpointPath     string        `yaml:"checkpoint_path,omitempty"`
	CheckpointInterval time.Duration `yaml:"checkpoint_interval,omitempty"`
	StartAt            string        `yaml:"start_at,omitempty"` // beginning or end
}

// ServerConfig defines the decode HTTP endpoint
type ServerConfig struct {
	Address      string        `yaml:"address"`
	DecodePath   string        `yaml:"decode_path,omitempty"`
	APIKeys      []string      `yaml:"api_keys,omitempty"`
	RateLimit    int           `yaml:"rate_limit,omitempty"`
	MaxBodySize  int64         `yaml:"max_body_size,omitempty"`
	ReadTimeout  time.Duration `yaml:"read_timeout,omitempty"`
	WriteTimeout time.Duration `yaml:"write_timeout,omitempty"`
	TLS          TLSConfig     `yaml:"tls"`
}

// TLSConfig enables HTTPS on the decode listener
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file,omitempty"`
	KeyFile  string `yaml:"key_file,omitempty"`
	// CAFile, when set, requires clients to present a certificate it signed
	CAFile string `yaml:"ca_file,omitempty"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path,omitempty"`
	// PushGateway receives the decode command's metrics when set
	PushGateway string `yaml:"push_gateway,omitempty"`
}

// HealthConfig holds health check configuration
type HealthConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Address       string        `yaml:"address"`
	LivenessPath  string        `yaml:"liveness_path,omitempty"`
	ReadinessPath string        `yaml:"readiness_path,omitempty"`
	Timeout       time.Duration `yaml:"timeout,omitempty"`
}

// TracingConfig holds tracing configuration
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint,omitempty"`
	SampleRate float64 `yaml:"sample_rate,omitempty"`
}

// ProfilingConfig exposes pprof endpoints and optional profile files
type ProfilingConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Address      string `yaml:"address,omitempty"`
	CPUProfile   string `yaml:"cpu_profile,omitempty"`
	MemProfile   string `yaml:"mem_profile,omitempty"`
	BlockProfile bool   `yaml:"block_profile,omitempty"`
	MutexProfile bool   `yaml:"mutex_profile,omitempty"`
}

// Default values
const (
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "json"
	DefaultNamespace          = "vagrant"
	DefaultDecodeWorkers      = 4
	DefaultCheckpointPath     = "/var/lib/vagrantlog/checkpoints"
	DefaultCheckpointInterval = 5 * time.Second
	DefaultStartAt            = StartAtBeginning
	DefaultServerAddress      = "127.0.0.1:8080"
	DefaultDecodePath         = "/decode"
	DefaultMaxBodySize        = 10 * 1024 * 1024
	DefaultServerTimeout      = 30 * time.Second
	DefaultMetricsPath        = "/metrics"
	DefaultLivenessPath       = "/health/live"
	DefaultReadinessPath      = "/health/ready"
	DefaultHealthTimeout      = 5 * time.Second
	DefaultShutdownTimeout    = 30 * time.Second
)

// Follow start positions
const (
	StartAtBeginning = "beginning"
	StartAtEnd       = "end"
)

// Load loads configuration from a YAML file with environment variable overrides.
// A .env file beside the config is loaded first; variables already set win.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}

	return Parse(data)
}

// Parse parses YAML config content, expanding ${VAR} references
func Parse(data []byte) (*Config, error) {
	expandedData := []byte(os.ExpandEnv(string(data)))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(expandedData, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault loads the config at path, or returns defaults when path is empty
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	return Load(path)
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to stat env file: %w", err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// applyDefaults sets default values for unspecified configuration
func (c *Config) applyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}

	if c.Decode.Workers == 0 {
		c.Decode.Workers = DefaultDecodeWorkers
	}

	if c.Follow.CheckpointPath == "" {
		c.Follow.CheckpointPath = DefaultCheckpointPath
	}
	if c.Follow.CheckpointInterval == 0 {
		c.Follow.CheckpointInterval = DefaultCheckpointInterval
	}
	if c.Follow.StartAt == "" {
		c.Follow.StartAt = DefaultStartAt
	}

	if c.Server.Address == "" {
		c.Server.Address = DefaultServerAddress
	}
	if c.Server.DecodePath == "" {
		c.Server.DecodePath = DefaultDecodePath
	}
	if c.Server.MaxBodySize == 0 {
		c.Server.MaxBodySize = DefaultMaxBodySize
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = DefaultServerTimeout
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = DefaultServerTimeout
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
	if c.Health.LivenessPath == "" {
		c.Health.LivenessPath = DefaultLivenessPath
	}
	if c.Health.ReadinessPath == "" {
		c.Health.ReadinessPath = DefaultReadinessPath
	}
	if c.Health.Timeout == 0 {
		c.Health.Timeout = DefaultHealthTimeout
	}

	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"json": true, "console": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	for i, tag := range c.Decode.Types {
		if tag == "" {
			return fmt.Errorf("decode type %d is empty", i)
		}
	}

	if c.Decode.Workers < 0 {
		return fmt.Errorf("decode workers must not be negative")
	}

	for i, p := range c.Follow.Paths {
		if p == "" {
			return fmt.Errorf("follow path %d is empty", i)
		}
	}
	if c.Follow.StartAt != StartAtBeginning && c.Follow.StartAt != StartAtEnd {
		return fmt.Errorf("invalid follow start_at: %s", c.Follow.StartAt)
	}

	if c.Server.RateLimit < 0 {
		return fmt.Errorf("server rate_limit must not be negative")
	}
	if c.Server.MaxBodySize < 0 {
		return fmt.Errorf("server max_body_size must not be negative")
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return fmt.Errorf("metrics enabled but no address configured")
	}
	if c.Health.Enabled && c.Health.Address == "" {
		return fmt.Errorf("health enabled but no address configured")
	}

	if c.Server.TLS.Enabled && (c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "") {
		return fmt.Errorf("server tls enabled but cert_file or key_file missing")
	}
	if c.Profiling.Enabled && c.Profiling.Address == "" &&
		c.Profiling.CPUProfile == "" && c.Profiling.MemProfile == "" {
		return fmt.Errorf("profiling enabled but no address or profile path configured")
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing sample_rate must be between 0 and 1")
	}

	return nil
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	cfg := &Config{
		Logging: LoggingConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
		Decode: DecodeConfig{
			Verbose:         true,
			Namespace:       DefaultNamespace,
			FailOnErrorExit: true,
		},
	}
	cfg.applyDefaults()
	return cfg
}
