// Package config provides configuration management for hlsforge using Viper.
// It supports configuration from files, .env files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-sql-driver/mysql"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for all environment variable overrides.
const EnvPrefix = "HLSFORGE"

// Default configuration values.
const (
	defaultServerPort        = 8080
	defaultServerTimeout     = 30 * time.Second
	defaultShutdownTimeout   = 10 * time.Second
	defaultMaxUploadSize     = "2GB"
	defaultMaxOpenConns      = 25
	defaultMaxIdleConns      = 10
	defaultConnMaxIdleTime   = 30 * time.Minute
	defaultExecTimeout       = 2 * time.Hour
	defaultSegmentDuration   = 4
	defaultStallWindow       = 5 * time.Second
	defaultMaxStalls         = 30
	defaultWorkerInitTimeout = 10 * time.Second
	defaultMaxConcurrent     = 2
	defaultGatewayURL        = "https://ipfs.io/ipfs"
	defaultPreviewTTL        = time.Hour
	defaultCleanupSchedule   = "0 */15 * * * *"
	defaultCleanupMaxAge     = 6 * time.Hour
	defaultLedgerRetention   = 30 * 24 * time.Hour
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	FFmpeg    FFmpegConfig    `mapstructure:"ffmpeg"`
	Transcode TranscodeConfig `mapstructure:"transcode"`
	Content   ContentConfig   `mapstructure:"content"`
	Preview   PreviewConfig   `mapstructure:"preview"`
	Cleanup   CleanupConfig   `mapstructure:"cleanup"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	// MaxUploadSize accepts human-readable sizes such as "2GB" or "500 MiB".
	MaxUploadSize string `mapstructure:"max_upload_size"`
}

// DatabaseConfig holds database connection configuration for the session ledger.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

const redactedSecret = "xxxxx"

var (
	kvPasswordRe   = regexp.MustCompile(`(?i)(\bpassword\s*=\s*)('(?:[^'\\]|\\.)*'|\S+)`)
	userPasswordRe = regexp.MustCompile(`^([^:@/]*):[^@]*@`)
)

// RedactedDSN returns the DSN with any password replaced, for display.
func (c DatabaseConfig) RedactedDSN() string {
	dsn := c.DSN
	if strings.Contains(dsn, "://") {
		if u, err := url.Parse(dsn); err == nil {
			return u.Redacted()
		}
	}
	switch c.Driver {
	case "mysql":
		if mc, err := mysql.ParseDSN(dsn); err == nil {
			if mc.Passwd != "" {
				mc.Passwd = redactedSecret
			}
			return mc.FormatDSN()
		}
		return userPasswordRe.ReplaceAllString(dsn, "${1}:"+redactedSecret+"@")
	case "postgres":
		return kvPasswordRe.ReplaceAllString(dsn, "${1}"+redactedSecret)
	}
	return dsn
}

// StorageConfig holds on-disk workspace configuration.
type StorageConfig struct {
	BaseDir   string `mapstructure:"base_dir"`
	WorkDir   string `mapstructure:"work_dir"`
	OutputDir string `mapstructure:"output_dir"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// FFmpegConfig holds FFmpeg binary configuration.
type FFmpegConfig struct {
	BinaryPath  string        `mapstructure:"binary_path"`  // empty = auto-detect
	ExecTimeout time.Duration `mapstructure:"exec_timeout"` // per command, 0 = none
	Threads     int           `mapstructure:"threads"`      // 0 = let ffmpeg decide
}

// TranscodeConfig holds defaults for transcode sessions.
type TranscodeConfig struct {
	Strategy          string        `mapstructure:"strategy"`     // sequential, parallel
	Speed             string        `mapstructure:"speed"`        // x264 preset
	QualityMode       string        `mapstructure:"quality_mode"` // bitrate, crf
	SegmentDuration   int           `mapstructure:"segment_duration"`
	StallWindow       time.Duration `mapstructure:"stall_window"`
	MaxStalls         int           `mapstructure:"max_stalls"`
	WorkerInitTimeout time.Duration `mapstructure:"worker_init_timeout"`
	PosterFormat      string        `mapstructure:"poster_format"` // jpg, webp
	// MaxConcurrent caps sessions running at once; further submissions queue.
	MaxConcurrent int `mapstructure:"max_concurrent"`
}

// ContentConfig holds content-addressing configuration.
type ContentConfig struct {
	GatewayURL string `mapstructure:"gateway_url"`
}

// PreviewConfig holds local preview configuration.
type PreviewConfig struct {
	BasePath string        `mapstructure:"base_path"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// CleanupConfig holds orphaned workspace sweep configuration.
type CleanupConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Schedule string        `mapstructure:"schedule"` // 6-field cron expression
	MaxAge   time.Duration `mapstructure:"max_age"`
	// LedgerRetention drops finished ledger rows older than this; 0 keeps them.
	LedgerRetention time.Duration `mapstructure:"ledger_retention"`
}

// MetricsConfig holds Prometheus exposition configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// Load reads configuration from file and environment variables.
// A .env file in the working directory, if present, is loaded into the process
// environment first. Environment variables take precedence over file configuration
// and use the HLSFORGE_ prefix with underscores for nesting.
// Example: HLSFORGE_SERVER_PORT=8080.
func Load(configPath string) (*Config, error) {
	if err := LoadDotEnv(); err != nil {
		return nil, err
	}

	v := viper.New()
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/hlsforge")
		v.AddConfigPath("$HOME/.hlsforge")
	}

	ConfigureEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	return Decode(v)
}

// Decode unmarshals and validates the configuration held by v.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// ConfigureEnv enables HLSFORGE_ environment overrides on v.
func ConfigureEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
}

// LoadDotEnv loads the given .env files (default ".env") into the environment.
// Missing files are ignored; existing environment variables are never overwritten.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("loading %s: %w", p, err)
		}
	}
	return nil
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", 0) // uploads and SSE streams are long-lived
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.max_upload_size", defaultMaxUploadSize)

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "hlsforge.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("database.log_level", "warn")

	// Storage defaults
	v.SetDefault("storage.base_dir", "./data")
	v.SetDefault("storage.work_dir", "work")
	v.SetDefault("storage.output_dir", "output")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// FFmpeg defaults
	v.SetDefault("ffmpeg.binary_path", "")
	v.SetDefault("ffmpeg.exec_timeout", defaultExecTimeout)
	v.SetDefault("ffmpeg.threads", 0)

	// Transcode defaults
	v.SetDefault("transcode.strategy", "sequential")
	v.SetDefault("transcode.speed", "veryfast")
	v.SetDefault("transcode.quality_mode", "bitrate")
	v.SetDefault("transcode.segment_duration", defaultSegmentDuration)
	v.SetDefault("transcode.stall_window", defaultStallWindow)
	v.SetDefault("transcode.max_stalls", defaultMaxStalls)
	v.SetDefault("transcode.worker_init_timeout", defaultWorkerInitTimeout)
	v.SetDefault("transcode.poster_format", "jpg")
	v.SetDefault("transcode.max_concurrent", defaultMaxConcurrent)

	// Content addressing defaults
	v.SetDefault("content.gateway_url", defaultGatewayURL)

	// Preview defaults
	v.SetDefault("preview.base_path", "/preview")
	v.SetDefault("preview.ttl", defaultPreviewTTL)

	// Cleanup defaults
	v.SetDefault("cleanup.enabled", true)
	v.SetDefault("cleanup.schedule", defaultCleanupSchedule)
	v.SetDefault("cleanup.max_age", defaultCleanupMaxAge)
	v.SetDefault("cleanup.ledger_retention", defaultLedgerRetention)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}
	if _, err := c.Server.MaxUploadBytes(); err != nil {
		return fmt.Errorf("server.max_upload_size: %w", err)
	}

	validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("database.driver must be one of: sqlite, postgres, mysql")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	if c.Storage.BaseDir == "" {
		return fmt.Errorf("storage.base_dir is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	validStrategies := map[string]bool{"sequential": true, "parallel": true}
	if !validStrategies[c.Transcode.Strategy] {
		return fmt.Errorf("transcode.strategy must be one of: sequential, parallel")
	}
	validQuality := map[string]bool{"bitrate": true, "crf": true}
	if !validQuality[c.Transcode.QualityMode] {
		return fmt.Errorf("transcode.quality_mode must be one of: bitrate, crf")
	}
	if c.Transcode.SegmentDuration < 1 {
		return fmt.Errorf("transcode.segment_duration must be at least 1")
	}
	if c.Transcode.MaxStalls < 1 {
		return fmt.Errorf("transcode.max_stalls must be at least 1")
	}
	if c.Transcode.StallWindow <= 0 {
		return fmt.Errorf("transcode.stall_window must be positive")
	}
	if c.Transcode.MaxConcurrent < 0 {
		return fmt.Errorf("transcode.max_concurrent must not be negative")
	}
	validPoster := map[string]bool{"jpg": true, "webp": true}
	if !validPoster[c.Transcode.PosterFormat] {
		return fmt.Errorf("transcode.poster_format must be one of: jpg, webp")
	}

	if c.Content.GatewayURL == "" {
		return fmt.Errorf("content.gateway_url is required")
	}

	if c.Cleanup.Enabled && c.Cleanup.Schedule == "" {
		return fmt.Errorf("cleanup.schedule is required when cleanup is enabled")
	}
	if c.Cleanup.LedgerRetention < 0 {
		return fmt.Errorf("cleanup.ledger_retention must not be negative")
	}

	if !strings.HasPrefix(c.Preview.BasePath, "/") {
		return fmt.Errorf("preview.base_path must start with /")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// MaxUploadBytes parses MaxUploadSize into a byte count. Empty means unlimited (0).
func (c *ServerConfig) MaxUploadBytes() (int64, error) {
	if c.MaxUploadSize == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(c.MaxUploadSize)
	if err != nil {
		return 0, err
	}
	return int64(n), nil
}

// WorkPath returns the directory holding per-session transcode workspaces.
func (c *StorageConfig) WorkPath() string {
	return filepath.Join(c.BaseDir, c.WorkDir)
}

// OutputPath returns the directory where finished packages are exported.
func (c *StorageConfig) OutputPath() string {
	return filepath.Join(c.BaseDir, c.OutputDir)
}

// LockPath returns the path of the workspace lock file.
func (c *StorageConfig) LockPath() string {
	return filepath.Join(c.BaseDir, ".hlsforge.lock")
}
