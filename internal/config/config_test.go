package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validTestConfig() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080, MaxUploadSize: "1GB"},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "test.db",
		},
		Storage: StorageConfig{BaseDir: "./data", WorkDir: "work", OutputDir: "output"},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Transcode: TranscodeConfig{
			Strategy:        "sequential",
			QualityMode:     "bitrate",
			SegmentDuration: 4,
			StallWindow:     5 * time.Second,
			MaxStalls:       30,
			PosterFormat:    "jpg",
		},
		Content: ContentConfig{GatewayURL: "https://ipfs.io/ipfs"},
		Preview: PreviewConfig{BasePath: "/preview"},
	}
}

// chdirTemp moves the test into an empty directory so no stray config or .env is read.
func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "2GB", cfg.Server.MaxUploadSize)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "hlsforge.db", cfg.Database.DSN)

	assert.Equal(t, "./data", cfg.Storage.BaseDir)
	assert.Equal(t, "info", cfg.Logging.Level)

	assert.Equal(t, "sequential", cfg.Transcode.Strategy)
	assert.Equal(t, 5*time.Second, cfg.Transcode.StallWindow)
	assert.Equal(t, 30, cfg.Transcode.MaxStalls)
	assert.Equal(t, 10*time.Second, cfg.Transcode.WorkerInitTimeout)
	assert.Equal(t, 4, cfg.Transcode.SegmentDuration)
	assert.Equal(t, 2, cfg.Transcode.MaxConcurrent)

	assert.Equal(t, "https://ipfs.io/ipfs", cfg.Content.GatewayURL)
	assert.Equal(t, "/preview", cfg.Preview.BasePath)
	assert.True(t, cfg.Cleanup.Enabled)
	assert.Equal(t, "0 */15 * * * *", cfg.Cleanup.Schedule)
	assert.Equal(t, 30*24*time.Hour, cfg.Cleanup.LedgerRetention)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestLoad_FromFile(t *testing.T) {
	dir := chdirTemp(t)
	configPath := filepath.Join(dir, "config.yaml")
	configContent := `
server:
  port: 9090
transcode:
  strategy: parallel
  stall_window: 2s
content:
  gateway_url: https://gateway.example/ipfs
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0o600))

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "parallel", cfg.Transcode.Strategy)
	assert.Equal(t, 2*time.Second, cfg.Transcode.StallWindow)
	assert.Equal(t, "https://gateway.example/ipfs", cfg.Content.GatewayURL)
	// untouched values keep their defaults
	assert.Equal(t, "sqlite", cfg.Database.Driver)
}

func TestLoad_EnvOverride(t *testing.T) {
	chdirTemp(t)
	t.Setenv("HLSFORGE_SERVER_PORT", "3000")
	t.Setenv("HLSFORGE_TRANSCODE_MAX_STALLS", "5")
	t.Setenv("HLSFORGE_LOGGING_LEVEL", "warn")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Transcode.MaxStalls)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("HLSFORGE_SERVER_PORT=4321\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("HLSFORGE_SERVER_PORT") })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 4321, cfg.Server.Port)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)
	configPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("server:\n  port: 7000\n"), 0o600))
	t.Setenv("HLSFORGE_SERVER_PORT", "9000")

	cfg, err := Load(configPath)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
}

func TestLoad_InvalidConfigFile(t *testing.T) {
	dir := chdirTemp(t)
	configPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("server: [unclosed"), 0o600))

	_, err := Load(configPath)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"port zero", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"port too high", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"bad upload size", func(c *Config) { c.Server.MaxUploadSize = "lots" }, "server.max_upload_size"},
		{"bad driver", func(c *Config) { c.Database.Driver = "oracle" }, "database.driver"},
		{"empty dsn", func(c *Config) { c.Database.DSN = "" }, "database.dsn"},
		{"empty base dir", func(c *Config) { c.Storage.BaseDir = "" }, "storage.base_dir"},
		{"bad log level", func(c *Config) { c.Logging.Level = "trace" }, "logging.level"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"bad strategy", func(c *Config) { c.Transcode.Strategy = "random" }, "transcode.strategy"},
		{"bad quality", func(c *Config) { c.Transcode.QualityMode = "best" }, "transcode.quality_mode"},
		{"zero segment", func(c *Config) { c.Transcode.SegmentDuration = 0 }, "transcode.segment_duration"},
		{"zero stalls", func(c *Config) { c.Transcode.MaxStalls = 0 }, "transcode.max_stalls"},
		{"zero stall window", func(c *Config) { c.Transcode.StallWindow = 0 }, "transcode.stall_window"},
		{"negative concurrency", func(c *Config) { c.Transcode.MaxConcurrent = -1 }, "transcode.max_concurrent"},
		{"bad poster", func(c *Config) { c.Transcode.PosterFormat = "gif" }, "transcode.poster_format"},
		{"no gateway", func(c *Config) { c.Content.GatewayURL = "" }, "content.gateway_url"},
		{"relative preview path", func(c *Config) { c.Preview.BasePath = "preview" }, "preview.base_path"},
		{"empty cleanup schedule", func(c *Config) { c.Cleanup.Enabled = true }, "cleanup.schedule"},
		{"negative retention", func(c *Config) { c.Cleanup.LedgerRetention = -time.Hour }, "cleanup.ledger_retention"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validTestConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestServerConfig_MaxUploadBytes(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"", 0},
		{"1024", 1024},
		{"1KB", 1000},
		{"1KiB", 1024},
		{"2GB", 2_000_000_000},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			c := ServerConfig{MaxUploadSize: tt.in}
			got, err := c.MaxUploadBytes()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestServerConfig_Address(t *testing.T) {
	c := ServerConfig{Host: "127.0.0.1", Port: 8080}
	assert.Equal(t, "127.0.0.1:8080", c.Address())
}

func TestStorageConfig_Paths(t *testing.T) {
	c := StorageConfig{BaseDir: "/var/lib/hlsforge", WorkDir: "work", OutputDir: "out"}
	assert.Equal(t, "/var/lib/hlsforge/work", c.WorkPath())
	assert.Equal(t, "/var/lib/hlsforge/out", c.OutputPath())
	assert.Equal(t, "/var/lib/hlsforge/.hlsforge.lock", c.LockPath())
}

func TestDatabaseConfig_RedactedDSN(t *testing.T) {
	tests := []struct {
		name   string
		driver string
		dsn    string
		want   string
	}{
		{"postgres url", "postgres", "postgres://hlsforge:s3cret@db:5432/hlsforge?sslmode=disable", "postgres://hlsforge:xxxxx@db:5432/hlsforge?sslmode=disable"},
		{"postgres keywords", "postgres", "host=db user=hlsforge password=s3cret dbname=hlsforge", "host=db user=hlsforge password=xxxxx dbname=hlsforge"},
		{"postgres quoted password", "postgres", "host=db password='s3 cret' dbname=hlsforge", "host=db password=xxxxx dbname=hlsforge"},
		{"mysql", "mysql", "hlsforge:s3cret@tcp(db:3306)/hlsforge", "hlsforge:xxxxx@tcp(db:3306)/hlsforge"},
		{"url without password", "postgres", "postgres://hlsforge@db/hlsforge", "postgres://hlsforge@db/hlsforge"},
		{"sqlite path", "sqlite", "data/hlsforge.db?_pragma=foreign_keys(1)", "data/hlsforge.db?_pragma=foreign_keys(1)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DatabaseConfig{Driver: tt.driver, DSN: tt.dsn}.RedactedDSN()
			assert.Equal(t, tt.want, got)
			assert.NotContains(t, got, "s3cret")
		})
	}
}
