// Package config provides application configuration with multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.atelier/config.yaml)
//  3. Default values
//
// Main configuration categories:
//   - AI: provider and model for the generation agent
//   - Storage: PostgreSQL connection (see storage.go)
//   - Sandbox: remote execution sandbox endpoint and turn ceiling
//   - Credits: per-tier generation quotas and the reset period
//   - Observability: OTLP trace export (optional)
//
// Security: sensitive values (passwords, tokens) are never logged and are
// masked in MarshalJSON. Validation uses sentinel errors checkable with
// errors.Is().
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrMissingAPIKey indicates a required API key is missing.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidModelName indicates the model name is invalid.
	ErrInvalidModelName = errors.New("invalid model name")

	// ErrInvalidProvider indicates the AI provider is not supported.
	ErrInvalidProvider = errors.New("invalid provider")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is invalid.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidPostgresPassword indicates the PostgreSQL password is invalid.
	ErrInvalidPostgresPassword = errors.New("invalid PostgreSQL password")

	// ErrInvalidSandboxURL indicates the sandbox base URL is missing or malformed.
	ErrInvalidSandboxURL = errors.New("invalid sandbox URL")

	// ErrInvalidTurnLimits indicates turn iteration or timeout settings are out of range.
	ErrInvalidTurnLimits = errors.New("invalid turn limits")

	// ErrInvalidCreditQuota indicates a credit quota is out of range.
	ErrInvalidCreditQuota = errors.New("invalid credit quota")
)

// AI provider identifiers used in Config.Provider.
const (
	ProviderGemini = "gemini"
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
)

// Turn defaults. The iteration cap bounds the agentic loop; the timeout is
// one generous wall-clock ceiling for a whole turn including sandbox work.
const (
	DefaultMaxIterations = 16
	MaxAllowedIterations = 64
	DefaultTurnTimeout   = 20 * time.Minute
)

// Credit defaults: two tiers with fixed per-period quotas.
const (
	DefaultFreeQuota    = 5
	DefaultProQuota     = 100
	DefaultCreditPeriod = 30 * 24 * time.Hour
)

// Config stores application configuration.
// SECURITY: sensitive fields are explicitly masked in MarshalJSON().
// When adding new sensitive fields (passwords, API keys, tokens), update MarshalJSON.
type Config struct {
	// AI provider and model configuration
	Provider   string `mapstructure:"provider" json:"provider"`     // "gemini" (default), "ollama", "openai"
	ModelName  string `mapstructure:"model_name" json:"model_name"` // Model identifier (e.g., "gemini-2.5-flash")
	OllamaHost string `mapstructure:"ollama_host" json:"ollama_host"`

	// Turn orchestration
	MaxIterations int           `mapstructure:"max_iterations" json:"max_iterations"` // Agentic loop cap per turn
	TurnTimeout   time.Duration `mapstructure:"turn_timeout" json:"turn_timeout"`     // Wall-clock ceiling per turn

	// Sandbox (remote code-execution service)
	SandboxURL   string `mapstructure:"sandbox_url" json:"sandbox_url"`
	SandboxToken string `mapstructure:"sandbox_token" json:"-"` // From SANDBOX_TOKEN env
	PreviewPort  int    `mapstructure:"preview_port" json:"preview_port"`

	// Credit ledger
	FreeQuota    int           `mapstructure:"free_quota" json:"free_quota"`
	ProQuota     int           `mapstructure:"pro_quota" json:"pro_quota"`
	CreditPeriod time.Duration `mapstructure:"credit_period" json:"credit_period"`

	// PostgreSQL configuration
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"-"`
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// HTTP server
	ServerAddr string `mapstructure:"server_addr" json:"server_addr"`

	// Observability (optional OTLP trace export)
	Otel OtelConfig `mapstructure:"otel" json:"otel"`

	// Logging
	LogJSON  bool   `mapstructure:"log_json" json:"log_json"`
	LogLevel string `mapstructure:"log_level" json:"log_level"`
}

// OtelConfig configures OTLP HTTP trace export.
type OtelConfig struct {
	Enabled     bool   `mapstructure:"enabled" json:"enabled"`
	Endpoint    string `mapstructure:"endpoint" json:"endpoint"` // host:port of the OTLP HTTP collector
	ServiceName string `mapstructure:"service_name" json:"service_name"`
	Environment string `mapstructure:"environment" json:"environment"`
}

// MarshalJSON masks sensitive fields so the config can be logged safely.
func (c *Config) MarshalJSON() ([]byte, error) {
	type alias Config // avoid recursion
	masked := alias(*c)
	if masked.PostgresPassword != "" {
		masked.PostgresPassword = "***"
	}
	if masked.SandboxToken != "" {
		masked.SandboxToken = "***"
	}
	return json.Marshal(masked)
}

// Load reads configuration from file, environment, and defaults.
// Validation runs immediately; a Config returned without error is usable.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".atelier")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".") // Also support current directory

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		// Configuration file not found is not an error, use default values
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using default values",
			"search_paths", []string{configDir, "."},
			"config_name", "config.yaml")
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// DATABASE_URL has highest priority for PostgreSQL settings
	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults() {
	// AI defaults
	viper.SetDefault("provider", ProviderGemini)
	viper.SetDefault("model_name", "gemini-2.5-flash")
	viper.SetDefault("ollama_host", "http://localhost:11434")

	// Turn defaults
	viper.SetDefault("max_iterations", DefaultMaxIterations)
	viper.SetDefault("turn_timeout", DefaultTurnTimeout)

	// Sandbox defaults
	viper.SetDefault("sandbox_url", "")
	viper.SetDefault("preview_port", 3000)

	// Credit defaults
	viper.SetDefault("free_quota", DefaultFreeQuota)
	viper.SetDefault("pro_quota", DefaultProQuota)
	viper.SetDefault("credit_period", DefaultCreditPeriod)

	// PostgreSQL defaults (matching docker-compose.yml)
	viper.SetDefault("postgres_host", "localhost")
	viper.SetDefault("postgres_port", 5432)
	viper.SetDefault("postgres_user", "atelier")
	viper.SetDefault("postgres_password", "atelier_dev_password")
	viper.SetDefault("postgres_db_name", "atelier")
	viper.SetDefault("postgres_ssl_mode", "disable")

	// Server defaults
	viper.SetDefault("server_addr", "127.0.0.1:3400")

	// Logging defaults
	viper.SetDefault("log_json", false)
	viper.SetDefault("log_level", "info")
}

// bindEnvVariables binds sensitive environment variables explicitly.
// Secrets never live in config.yaml:
//  1. GEMINI_API_KEY - read directly by Genkit, checked in Validate()
//  2. SANDBOX_TOKEN  - bearer token for the sandbox service
//  3. DATABASE_URL   - parsed separately in parseDatabaseURL()
func bindEnvVariables() {
	// Hardcoded keys cannot fail to bind; a panic here is a programming error.
	mustBind := func(key, env string) {
		if err := viper.BindEnv(key, env); err != nil {
			panic(fmt.Sprintf("binding %s: %v", env, err))
		}
	}

	mustBind("sandbox_token", "SANDBOX_TOKEN")
	mustBind("sandbox_url", "SANDBOX_URL")
	mustBind("server_addr", "ATELIER_ADDR")
}
