// Package config provides configuration management for the Project Tab backend.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the backend.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Bus         BusConfig         `mapstructure:"bus"`
	Tick        TickConfig        `mapstructure:"tick"`
	Sandbox     SandboxConfig     `mapstructure:"sandbox"`
	Decision    DecisionConfig    `mapstructure:"decision"`
	Checkpoints CheckpointsConfig `mapstructure:"checkpoints"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Quarantine  QuarantineConfig  `mapstructure:"quarantine"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// AuthConfig holds sandbox token configuration.
type AuthConfig struct {
	JWTSecret     string `mapstructure:"jwtSecret"`
	TokenDuration int    `mapstructure:"tokenDuration"` // in seconds
}

// BusConfig holds event bus configuration.
type BusConfig struct {
	DedupCapacity           int    `mapstructure:"dedupCapacity"`
	MaxQueuePerAgent        int    `mapstructure:"maxQueuePerAgent"`
	MaxHighPriorityPerAgent int    `mapstructure:"maxHighPriorityPerAgent"`
	GapWarningCapacity      int    `mapstructure:"gapWarningCapacity"`
	NATSURL                 string `mapstructure:"natsUrl"` // empty disables the NATS mirror
}

// TickConfig holds logical clock configuration.
type TickConfig struct {
	Mode       string `mapstructure:"mode"`       // wall_clock or manual
	IntervalMs int    `mapstructure:"intervalMs"` // wall_clock increment interval
}

// SandboxConfig holds sandbox shim spawn and stream configuration.
type SandboxConfig struct {
	Command                 string   `mapstructure:"command"`
	Args                    []string `mapstructure:"args"`
	HealthPollIntervalMs    int      `mapstructure:"healthPollIntervalMs"`
	HealthStartupTimeoutMs  int      `mapstructure:"healthStartupTimeoutMs"`
	InitialReconnectDelayMs int      `mapstructure:"initialReconnectDelayMs"`
	MaxReconnectDelayMs     int      `mapstructure:"maxReconnectDelayMs"`
	RPCTimeoutMs            int      `mapstructure:"rpcTimeoutMs"`
	ShutdownGraceMs         int      `mapstructure:"shutdownGraceMs"`
	ShutdownOuterDeadlineMs int      `mapstructure:"shutdownOuterDeadlineMs"`
	ArtifactUploadEndpoint  string   `mapstructure:"artifactUploadEndpoint"`
	BackendURL              string   `mapstructure:"backendUrl"`
}

// DecisionConfig holds decision queue configuration.
type DecisionConfig struct {
	OrphanGracePeriodTicks int64 `mapstructure:"orphanGracePeriodTicks"`
}

// CheckpointsConfig holds checkpoint retention configuration.
type CheckpointsConfig struct {
	MaxPerAgent int `mapstructure:"maxPerAgent"`
}

// DatabaseConfig holds knowledge store database configuration.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // memory, sqlite, or postgres
	Path   string `mapstructure:"path"`   // sqlite file path
	DSN    string `mapstructure:"dsn"`    // postgres connection string
}

// QuarantineConfig holds quarantine store configuration.
type QuarantineConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// TracingConfig holds OpenTelemetry tracing configuration.
type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	OTLPEndpoint string `mapstructure:"otlpEndpoint"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// TokenDurationTime returns the token TTL as a time.Duration.
func (a *AuthConfig) TokenDurationTime() time.Duration {
	return time.Duration(a.TokenDuration) * time.Second
}

// TickInterval returns the wall clock tick interval as a time.Duration.
func (t *TickConfig) TickInterval() time.Duration {
	return time.Duration(t.IntervalMs) * time.Millisecond
}

// HealthPollInterval returns the health poll interval as a time.Duration.
func (s *SandboxConfig) HealthPollInterval() time.Duration {
	return time.Duration(s.HealthPollIntervalMs) * time.Millisecond
}

// HealthStartupTimeout returns the health startup timeout as a time.Duration.
func (s *SandboxConfig) HealthStartupTimeout() time.Duration {
	return time.Duration(s.HealthStartupTimeoutMs) * time.Millisecond
}

// RPCTimeout returns the sandbox RPC timeout as a time.Duration.
func (s *SandboxConfig) RPCTimeout() time.Duration {
	return time.Duration(s.RPCTimeoutMs) * time.Millisecond
}

// InitialReconnectDelay returns the stream client's first backoff delay.
func (s *SandboxConfig) InitialReconnectDelay() time.Duration {
	return time.Duration(s.InitialReconnectDelayMs) * time.Millisecond
}

// MaxReconnectDelay returns the stream client's backoff ceiling.
func (s *SandboxConfig) MaxReconnectDelay() time.Duration {
	return time.Duration(s.MaxReconnectDelayMs) * time.Millisecond
}

// ShutdownGrace returns the per-agent grace given to kills at shutdown.
func (s *SandboxConfig) ShutdownGrace() time.Duration {
	return time.Duration(s.ShutdownGraceMs) * time.Millisecond
}

// ShutdownOuterDeadline returns the bound on total agent teardown time.
func (s *SandboxConfig) ShutdownOuterDeadline() time.Duration {
	return time.Duration(s.ShutdownOuterDeadlineMs) * time.Millisecond
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("PROJECTTAB_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Auth defaults
	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("auth.tokenDuration", 3600) // 1 hour

	// Bus defaults
	v.SetDefault("bus.dedupCapacity", 10000)
	v.SetDefault("bus.maxQueuePerAgent", 500)
	v.SetDefault("bus.maxHighPriorityPerAgent", 0) // 0 means 2x maxQueuePerAgent
	v.SetDefault("bus.gapWarningCapacity", 256)
	v.SetDefault("bus.natsUrl", "")

	// Tick defaults
	v.SetDefault("tick.mode", "wall_clock")
	v.SetDefault("tick.intervalMs", 1000)

	// Sandbox defaults
	v.SetDefault("sandbox.command", "mock-sandbox")
	v.SetDefault("sandbox.args", []string{})
	v.SetDefault("sandbox.healthPollIntervalMs", 250)
	v.SetDefault("sandbox.healthStartupTimeoutMs", 15000)
	v.SetDefault("sandbox.initialReconnectDelayMs", 500)
	v.SetDefault("sandbox.maxReconnectDelayMs", 30000)
	v.SetDefault("sandbox.rpcTimeoutMs", 30000)
	v.SetDefault("sandbox.shutdownGraceMs", 2000)
	v.SetDefault("sandbox.shutdownOuterDeadlineMs", 3000)
	v.SetDefault("sandbox.backendUrl", "http://localhost:8080")
	v.SetDefault("sandbox.artifactUploadEndpoint", "/api/artifacts/upload")

	// Decision queue defaults
	v.SetDefault("decision.orphanGracePeriodTicks", 5)

	// Checkpoint defaults
	v.SetDefault("checkpoints.maxPerAgent", 3)

	// Database defaults - memory means no persistence
	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.path", "./projecttab.db")
	v.SetDefault("database.dsn", "")

	// Quarantine defaults
	v.SetDefault("quarantine.capacity", 256)

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.otlpEndpoint", "localhost:4318")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix PROJECTTAB_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/projecttab/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("PROJECTTAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("auth.jwtSecret", "PROJECTTAB_AUTH_JWT_SECRET")
	_ = v.BindEnv("bus.natsUrl", "PROJECTTAB_BUS_NATS_URL")
	_ = v.BindEnv("sandbox.backendUrl", "PROJECTTAB_SANDBOX_BACKEND_URL")
	_ = v.BindEnv("database.dsn", "PROJECTTAB_DATABASE_DSN")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/projecttab/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Auth validation - generate random secret if not set (dev mode)
	if cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = generateDevSecret()
	}
	if cfg.Auth.TokenDuration <= 0 {
		errs = append(errs, "auth.tokenDuration must be positive")
	}

	if cfg.Bus.DedupCapacity <= 0 {
		errs = append(errs, "bus.dedupCapacity must be positive")
	}
	if cfg.Bus.MaxQueuePerAgent <= 0 {
		errs = append(errs, "bus.maxQueuePerAgent must be positive")
	}
	if cfg.Bus.MaxHighPriorityPerAgent == 0 {
		cfg.Bus.MaxHighPriorityPerAgent = 2 * cfg.Bus.MaxQueuePerAgent
	}

	switch cfg.Tick.Mode {
	case "wall_clock", "manual":
	default:
		errs = append(errs, "tick.mode must be one of: wall_clock, manual")
	}
	if cfg.Tick.IntervalMs <= 0 {
		errs = append(errs, "tick.intervalMs must be positive")
	}

	if cfg.Decision.OrphanGracePeriodTicks <= 0 {
		errs = append(errs, "decision.orphanGracePeriodTicks must be positive")
	}
	if cfg.Checkpoints.MaxPerAgent <= 0 {
		errs = append(errs, "checkpoints.maxPerAgent must be positive")
	}
	if cfg.Quarantine.Capacity <= 0 {
		errs = append(errs, "quarantine.capacity must be positive")
	}

	switch cfg.Database.Driver {
	case "memory", "sqlite":
	case "postgres":
		if cfg.Database.DSN == "" {
			errs = append(errs, "database.dsn is required when database.driver is postgres")
		}
	default:
		errs = append(errs, "database.driver must be one of: memory, sqlite, postgres")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// generateDevSecret generates a random secret for development mode.
func generateDevSecret() string {
	// Use a fixed dev secret with a warning prefix
	// In production, users should set PROJECTTAB_AUTH_JWT_SECRET
	return "dev-secret-change-in-production-" + fmt.Sprintf("%d", time.Now().UnixNano())
}
