package core

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every top-level setting HostBridge needs to boot. Precedence
// (lowest to highest), matching the teacher framework's Config:
//  1. Defaults (DefaultConfig)
//  2. YAML file (LoadYAML, if configured)
//  3. Environment variables (applyEnv)
//  4. Functional options (Option)
type Config struct {
	// HTTP server
	Port int `yaml:"port"`

	// Workspace sandbox root (§4.1)
	WorkspaceRoot string `yaml:"workspace_root"`

	// Secrets file path, .env format (§4.2)
	SecretsFile string `yaml:"secrets_file"`

	// Policy rules file path, YAML list of policy.Rule (§4.3)
	PolicyFile string `yaml:"policy_file"`

	// SQLite database path shared by audit, hitl, plan, and knowledge stores
	DatabasePath string `yaml:"database_path"`

	// HITL defaults
	HITLDefaultTTL time.Duration `yaml:"hitl_default_ttl"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	Logger    Logger
	Telemetry Telemetry
}

// Option configures a Config using the functional-options pattern, the
// convention the teacher framework uses throughout core.Config.
type Option func(*Config)

// DefaultConfig returns the zero-configuration baseline.
func DefaultConfig() *Config {
	return &Config{
		Port:           8080,
		WorkspaceRoot:  "/workspace",
		SecretsFile:    "/secrets/secrets.env",
		PolicyFile:     "/config/policy.yaml",
		DatabasePath:   "/data/hostbridge.db",
		HITLDefaultTTL: 5 * time.Minute,
		LogLevel:       "INFO",
		LogFormat:      "text",
		Logger:         NoOpLogger{},
		Telemetry:      NoOpTelemetry{},
	}
}

// WithPort sets the HTTP listen port.
func WithPort(port int) Option { return func(c *Config) { c.Port = port } }

// WithWorkspaceRoot sets the sandbox root directory.
func WithWorkspaceRoot(root string) Option { return func(c *Config) { c.WorkspaceRoot = root } }

// WithSecretsFile sets the .env-format secrets file path.
func WithSecretsFile(path string) Option { return func(c *Config) { c.SecretsFile = path } }

// WithPolicyFile sets the YAML policy rules file path.
func WithPolicyFile(path string) Option { return func(c *Config) { c.PolicyFile = path } }

// WithDatabasePath sets the shared SQLite database path.
func WithDatabasePath(path string) Option { return func(c *Config) { c.DatabasePath = path } }

// WithHITLDefaultTTL sets the default HITL request TTL.
func WithHITLDefaultTTL(ttl time.Duration) Option {
	return func(c *Config) { c.HITLDefaultTTL = ttl }
}

// WithLogging sets the logging level and format ("json" or "text").
func WithLogging(level, format string) Option {
	return func(c *Config) { c.LogLevel = level; c.LogFormat = format }
}

// WithLogger overrides the logger instance directly.
func WithLogger(logger Logger) Option {
	return func(c *Config) {
		if logger != nil {
			c.Logger = logger
		}
	}
}

// WithTelemetry overrides the telemetry instance directly.
func WithTelemetry(t Telemetry) Option {
	return func(c *Config) {
		if t != nil {
			c.Telemetry = t
		}
	}
}

// NewConfig builds a Config from defaults, an optional YAML file, the
// HOSTBRIDGE_* environment variables, and finally the given options — in
// that precedence order, matching the teacher's three-layer model.
func NewConfig(yamlPath string, opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	if yamlPath != "" {
		if err := cfg.loadYAML(yamlPath); err != nil {
			return nil, fmt.Errorf("core: loading config file: %w", err)
		}
	}

	cfg.applyEnv()

	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.Logger == nil || isNoOp(cfg.Logger) {
		cfg.Logger = NewProductionLogger("hostbridge", cfg.LogLevel, cfg.LogFormat)
	}

	return cfg, nil
}

func isNoOp(l Logger) bool {
	_, ok := l.(NoOpLogger)
	return ok
}

func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, c)
}

// applyEnv overlays HOSTBRIDGE_* environment variables, following the
// teacher's env-tag convention (GOMIND_* there, HOSTBRIDGE_* here).
func (c *Config) applyEnv() {
	if v := os.Getenv("HOSTBRIDGE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv("HOSTBRIDGE_WORKSPACE_ROOT"); v != "" {
		c.WorkspaceRoot = v
	}
	if v := os.Getenv("HOSTBRIDGE_SECRETS_FILE"); v != "" {
		c.SecretsFile = v
	}
	if v := os.Getenv("HOSTBRIDGE_POLICY_FILE"); v != "" {
		c.PolicyFile = v
	}
	if v := os.Getenv("HOSTBRIDGE_DATABASE_PATH"); v != "" {
		c.DatabasePath = v
	}
	if v := os.Getenv("HOSTBRIDGE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("HOSTBRIDGE_LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}
	if v := os.Getenv("HOSTBRIDGE_HITL_DEFAULT_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.HITLDefaultTTL = d
		}
	}
}
