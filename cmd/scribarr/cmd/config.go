package cmd

import (
	"fmt"
	"reflect"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/scribarr/scribarr/internal/config"
	"github.com/scribarr/scribarr/pkg/duration"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing scribarr configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the default configuration",
	Long: `Dump the default configuration values in YAML format.

This shows all available configuration options with their default values.
Redirect the output to a file to create a configuration template:

  scribarr config dump > config.yaml

Configuration can be set via:
  - Config file (config.yaml in the working directory or /etc/scribarr)
  - Environment variables (SCRIBARR_SERVER_PORT, SCRIBARR_DATABASE_DSN, ...)
  - Command-line flags (for some options)

Environment variables use the SCRIBARR_ prefix and underscores for
nesting. Example: server.port -> SCRIBARR_SERVER_PORT`,
	RunE: runConfigDump,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

// toMap converts a config struct to a map keyed by mapstructure tags,
// formatting durations for human readability.
func toMap(v any) map[string]any {
	result := make(map[string]any)
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)

		key := fieldType.Tag.Get("mapstructure")
		if key == "" {
			key = fieldType.Name
		}

		switch value := field.Interface().(type) {
		case time.Duration:
			result[key] = duration.Format(value)
		default:
			if field.Kind() == reflect.Struct {
				result[key] = toMap(field.Interface())
			} else {
				result[key] = field.Interface()
			}
		}
	}
	return result
}

func runConfigDump(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load("")
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	yamlData, err := yaml.Marshal(toMap(cfg))
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	fmt.Println("# scribarr Configuration File")
	fmt.Println("# ===========================")
	fmt.Println("#")
	fmt.Println("# All values shown below are defaults.")
	fmt.Println("# Duration format: 30s, 5m, 1h")
	fmt.Println("#")
	fmt.Println("# Environment variable overrides:")
	fmt.Println("#   SCRIBARR_SERVER_HOST, SCRIBARR_SERVER_PORT")
	fmt.Println("#   SCRIBARR_DATABASE_DRIVER, SCRIBARR_DATABASE_DSN")
	fmt.Println("#   SCRIBARR_STORAGE_VIDEO_DIR")
	fmt.Println("#   SCRIBARR_RUNNER_URL")
	fmt.Println("#   SCRIBARR_LOGGING_LEVEL, SCRIBARR_LOGGING_FORMAT")
	fmt.Println("#   etc.")
	fmt.Println("#")
	fmt.Println("")
	fmt.Print(string(yamlData))

	return nil
}
