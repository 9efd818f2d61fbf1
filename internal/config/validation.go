package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"slices"
)

// Validate validates configuration values.
// Returns sentinel errors that can be checked with errors.Is().
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	// 1. Provider and API key validation
	validProviders := []string{ProviderGemini, ProviderOllama, ProviderOpenAI}
	if !slices.Contains(validProviders, c.Provider) {
		return fmt.Errorf("%w: %q (supported: %v)", ErrInvalidProvider, c.Provider, validProviders)
	}

	switch c.Provider {
	case ProviderGemini:
		if os.Getenv("GEMINI_API_KEY") == "" {
			return fmt.Errorf("%w: GEMINI_API_KEY environment variable is required\n"+
				"Get your API key at: https://ai.google.dev/gemini-api/docs/api-key",
				ErrMissingAPIKey)
		}
	case ProviderOpenAI:
		if os.Getenv("OPENAI_API_KEY") == "" {
			return fmt.Errorf("%w: OPENAI_API_KEY environment variable is required", ErrMissingAPIKey)
		}
	}

	if c.ModelName == "" {
		return fmt.Errorf("%w: model_name cannot be empty", ErrInvalidModelName)
	}

	// 2. Turn limit validation
	if c.MaxIterations < 1 || c.MaxIterations > MaxAllowedIterations {
		return fmt.Errorf("%w: max_iterations must be between 1 and %d, got %d",
			ErrInvalidTurnLimits, MaxAllowedIterations, c.MaxIterations)
	}
	if c.TurnTimeout <= 0 {
		return fmt.Errorf("%w: turn_timeout must be positive, got %s", ErrInvalidTurnLimits, c.TurnTimeout)
	}

	// 3. Sandbox validation
	if c.SandboxURL == "" {
		return fmt.Errorf("%w: sandbox_url is required (set SANDBOX_URL or sandbox_url in config.yaml)",
			ErrInvalidSandboxURL)
	}
	u, err := url.Parse(c.SandboxURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q must be an http(s) URL", ErrInvalidSandboxURL, c.SandboxURL)
	}
	if c.PreviewPort < 1 || c.PreviewPort > 65535 {
		return fmt.Errorf("%w: preview_port must be between 1 and 65535, got %d",
			ErrInvalidSandboxURL, c.PreviewPort)
	}

	// 4. Credit quota validation
	if c.FreeQuota < 1 {
		return fmt.Errorf("%w: free_quota must be at least 1, got %d", ErrInvalidCreditQuota, c.FreeQuota)
	}
	if c.ProQuota < c.FreeQuota {
		return fmt.Errorf("%w: pro_quota (%d) must be at least free_quota (%d)",
			ErrInvalidCreditQuota, c.ProQuota, c.FreeQuota)
	}
	if c.CreditPeriod <= 0 {
		return fmt.Errorf("%w: credit_period must be positive, got %s", ErrInvalidCreditQuota, c.CreditPeriod)
	}

	// 5. PostgreSQL configuration validation
	if c.PostgresHost == "" {
		return fmt.Errorf("%w: host cannot be empty", ErrInvalidPostgresHost)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: must be between 1 and 65535, got %d", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if c.PostgresDBName == "" {
		return fmt.Errorf("%w: database name cannot be empty", ErrInvalidPostgresDBName)
	}
	if c.PostgresPassword == "" {
		return fmt.Errorf("%w: postgres_password must be set in config.yaml", ErrInvalidPostgresPassword)
	}
	if c.PostgresPassword == "atelier_dev_password" {
		slog.Warn("Using default development password for PostgreSQL",
			"warning", "Change postgres_password in config.yaml for production deployments")
	}

	return nil
}
