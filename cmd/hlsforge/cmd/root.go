// Package cmd implements the CLI commands for hlsforge.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jmylchreest/hlsforge/internal/config"
	"github.com/jmylchreest/hlsforge/internal/observability"
	"github.com/jmylchreest/hlsforge/internal/version"
)

// cfgFile holds the config file path from CLI flag.
var cfgFile string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "hlsforge",
	Short:   "Video transcoding and content-addressed HLS packaging",
	Version: version.Short(),
	Long: `hlsforge transcodes a source video into a multi-resolution HLS ladder,
addresses every segment and playlist by content, and produces a master
playlist whose references point at a gateway, ready for upload.

Run it as a service with "serve", or package a single file with "transcode".`,
	SilenceUsage: true,
	// PersistentPreRunE is set in init() to avoid initialization cycle
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	cobra.OnInitialize(initConfig)

	// initLogging references rootCmd.PersistentFlags
	rootCmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		return initLogging()
	}

	// These flags are not bound to viper; they only override config and env
	// when explicitly set, preserving flag > env > config > default.
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml or /etc/hlsforge/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (text, json)")
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintln(os.Stderr, "Ignoring .env:", err)
	}

	v := viper.GetViper()
	config.SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/hlsforge")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home + "/.hlsforge")
		}
	}

	config.ConfigureEnv(v)

	if err := v.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", v.ConfigFileUsed())
	}
}

// loadConfig decodes and validates the configuration assembled by initConfig
// and the bound command flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Decode(viper.GetViper())
	if err != nil {
		return nil, err
	}
	cfg.Logging.Level, cfg.Logging.Format = logSettings()
	return cfg, nil
}

// logSettings resolves the log level and format.
//
// Priority order (highest to lowest):
//  1. CLI flags (--log-level, --log-format), only if explicitly provided
//  2. Environment variables (HLSFORGE_LOGGING_LEVEL, HLSFORGE_LOGGING_FORMAT)
//  3. Config file values
//  4. Built-in defaults (info, json)
func logSettings() (level, format string) {
	level = viper.GetString("logging.level")
	format = viper.GetString("logging.format")

	if rootCmd.PersistentFlags().Changed("log-level") {
		level, _ = rootCmd.PersistentFlags().GetString("log-level")
	}
	if rootCmd.PersistentFlags().Changed("log-format") {
		format, _ = rootCmd.PersistentFlags().GetString("log-format")
	}

	if level == "" {
		level = "info"
	}
	if format == "" {
		format = "json"
	}
	level = strings.ToLower(level)
	if level == "warning" {
		level = "warn"
	}
	return level, strings.ToLower(format)
}

// initLogging installs the default slog logger.
func initLogging() error {
	level, format := logSettings()
	logger := observability.NewLoggerWithWriter(config.LoggingConfig{
		Level:      level,
		Format:     format,
		AddSource:  viper.GetBool("logging.add_source"),
		TimeFormat: viper.GetString("logging.time_format"),
	}, os.Stderr)
	slog.SetDefault(logger.With(slog.String("app", version.ApplicationName)))
	return nil
}

// mustBindPFlag binds a viper key to a cobra flag and panics if binding fails.
func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("failed to bind flag %q to key %q: %v", flag.Name, key, err))
	}
}
