package cmd

import (
	"fmt"
	"io"
	"reflect"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/hlsforge/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing hlsforge configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the effective configuration",
	Long: `Dump the effective configuration in YAML format.

With no config file or environment overrides this shows every option with its
default value. Redirect the output to create a configuration template:

  hlsforge config dump > config.yaml

Configuration can be set via:
  - Config file (config.yaml, ./configs/config.yaml, /etc/hlsforge/config.yaml)
  - A .env file in the working directory
  - Environment variables (HLSFORGE_SERVER_PORT, HLSFORGE_DATABASE_DSN, etc.)
  - Command-line flags (for some options)

Environment variables use the HLSFORGE_ prefix and underscores for nesting.
Example: transcode.max_concurrent -> HLSFORGE_TRANSCODE_MAX_CONCURRENT`,
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
		if !fieldType.IsExported() {
			continue
		}

		key := fieldType.Tag.Get("mapstructure")
		if key == "" {
			key = fieldType.Name
		}

		switch v := field.Interface().(type) {
		case time.Duration:
			result[key] = v.String()
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

func runConfigDump(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	return writeConfig(cmd.OutOrStdout(), cfg)
}

// writeConfig writes cfg as YAML with database credentials redacted.
func writeConfig(w io.Writer, cfg *config.Config) error {
	shown := *cfg
	shown.Database.DSN = cfg.Database.RedactedDSN()

	yamlData, err := yaml.Marshal(toMap(&shown))
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	fmt.Fprintln(w, "# hlsforge Configuration File")
	fmt.Fprintln(w, "# ============================")
	fmt.Fprintln(w, "#")
	fmt.Fprintln(w, "# Duration format: 30s, 5m, 1h")
	fmt.Fprintln(w, "# Size format: 500MB, 2GB")
	fmt.Fprintln(w, "# Cron format: 6 fields with leading seconds, e.g. \"0 */15 * * * *\"")
	fmt.Fprintln(w, "#")
	fmt.Fprintln(w, "# Environment variable overrides:")
	fmt.Fprintln(w, "#   HLSFORGE_SERVER_HOST, HLSFORGE_SERVER_PORT")
	fmt.Fprintln(w, "#   HLSFORGE_DATABASE_DRIVER, HLSFORGE_DATABASE_DSN")
	fmt.Fprintln(w, "#   HLSFORGE_STORAGE_BASE_DIR, HLSFORGE_FFMPEG_BINARY_PATH")
	fmt.Fprintln(w, "#   HLSFORGE_LOGGING_LEVEL, HLSFORGE_LOGGING_FORMAT")
	fmt.Fprintln(w, "#   etc.")
	fmt.Fprintln(w, "#")
	fmt.Fprintln(w)
	_, err = w.Write(yamlData)
	return err
}
