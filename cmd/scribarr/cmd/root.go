// Package cmd implements the CLI commands for scribarr.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/scribarr/scribarr/internal/config"
	"github.com/scribarr/scribarr/internal/observability"
	"github.com/scribarr/scribarr/internal/version"
)

// cfgFile holds the config file path from the CLI flag.
var cfgFile string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "scribarr",
	Short:   "Video transcription and summarization service",
	Version: version.Short(),
	Long: `scribarr ingests video URLs, downloads them, extracts the audio,
transcribes the speech and writes an LLM summary, serving the results
over a REST API.

Items move through a staged queue (download, convert, transcribe,
summarize) with crash recovery, download pacing and channel
subscriptions for automatic ingestion.`,
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		return initLogging()
	}

	// These flags are not bound to viper. They are applied after the
	// config loads, and only when explicitly set, preserving the
	// priority: CLI flag > env var > config file > default.
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml or /etc/scribarr/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (text, json)")
}

// loggingConfig overlays explicitly set CLI flags onto the loaded
// logging configuration.
func loggingConfig(base config.LoggingConfig) config.LoggingConfig {
	if rootCmd.PersistentFlags().Changed("log-level") {
		base.Level, _ = rootCmd.PersistentFlags().GetString("log-level")
	}
	if rootCmd.PersistentFlags().Changed("log-format") {
		base.Format, _ = rootCmd.PersistentFlags().GetString("log-format")
	}

	base.Level = strings.ToLower(base.Level)
	if base.Level == "warning" {
		base.Level = "warn"
	}
	base.Format = strings.ToLower(base.Format)
	return base
}

// initLogging installs a flag-driven default logger so output before the
// config file loads is already structured. Serve swaps in the configured
// logger once the config is read.
func initLogging() error {
	logger := observability.NewLoggerWithWriter(loggingConfig(config.LoggingConfig{
		Level:  "info",
		Format: "json",
	}), os.Stderr)
	observability.SetDefault(logger)
	return nil
}
