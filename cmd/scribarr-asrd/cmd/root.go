// Package cmd implements the CLI commands for scribarr-asrd.
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
	Use:     "scribarr-asrd",
	Short:   "Transcription runner daemon for scribarr",
	Version: version.Short(),
	Long: `scribarr-asrd is a transcription daemon, typically deployed on a GPU
host. It accepts WAV uploads over HTTP, transcribes them through
whisper-cli on a bounded worker pool with round-robin device selection,
and reports per-job progress for the orchestrator to poll.

Configuration uses SCRIBARR_ASRD_-prefixed environment variables or a
YAML file (asrd.yaml in the working directory or /etc/scribarr).

Examples:
  # CPU-only on the default port
  scribarr-asrd serve

  # Four concurrent jobs from a config file listing the GPU ids
  SCRIBARR_ASRD_MAX_CONCURRENT=4 scribarr-asrd serve --config asrd.yaml`,
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

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./asrd.yaml or /etc/scribarr/asrd.yaml)")
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

// initLogging installs a flag-driven default logger before the config
// file is read.
func initLogging() error {
	logger := observability.NewLoggerWithWriter(loggingConfig(config.LoggingConfig{
		Level:  "info",
		Format: "json",
	}), os.Stderr)
	observability.SetDefault(logger)
	return nil
}
