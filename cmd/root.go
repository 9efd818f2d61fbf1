// Package cmd contains the atelier CLI commands.
package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/atelier-dev/atelier/internal/config"
	"github.com/atelier-dev/atelier/internal/log"
)

var rootCmd = &cobra.Command{
	Use:   "atelier",
	Short: "Atelier - AI app builder backend",
	Long: `Atelier turns natural-language descriptions into working web apps.

The serve command runs the HTTP API: users create projects, send prompts,
and an AI agent builds the app in an ephemeral sandbox, persisting each
turn's outcome to PostgreSQL.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig loads and validates configuration, then builds the logger
// from it. Shared by the commands that need full initialization.
func loadConfig() (*config.Config, log.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	logger := log.New(log.Config{
		Level: parseLevel(cfg.LogLevel),
		JSON:  cfg.LogJSON,
	})
	return cfg, logger, nil
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func init() {
	cobra.OnInitialize(func() {
		if os.Getenv("DEBUG") != "" {
			slog.SetLogLoggerLevel(slog.LevelDebug)
		}
	})
}
