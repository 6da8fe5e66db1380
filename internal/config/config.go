package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	API      APIConfig      `yaml:"api"`
	Database DatabaseConfig `yaml:"database"`
	NATS     NATSConfig     `yaml:"nats"`
	JWT      JWTConfig      `yaml:"jwt"`
	Log      LogConfig      `yaml:"log"`
	Update   UpdateConfig   `yaml:"update"`
	Firmware FirmwareConfig `yaml:"firmware"`
	OTA      OTAConfig      `yaml:"ota"`
}

// ServerConfig represents server identification
type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// APIConfig represents REST API configuration
type APIConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// NATSConfig represents NATS configuration
type NATSConfig struct {
	URL               string        `yaml:"url"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// JWTConfig represents JWT configuration
type JWTConfig struct {
	Secret          string        `yaml:"secret"`
	AccessTokenTTL  time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// UpdateConfig represents the update coordinator configuration
type UpdateConfig struct {
	// CheckInterval is the period between scheduled release checks per
	// device. The release cache TTL defaults to the same interval.
	CheckInterval time.Duration `yaml:"check_interval"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`
}

// FirmwareConfig represents release catalog and download configuration
type FirmwareConfig struct {
	CatalogTimeout  time.Duration `yaml:"catalog_timeout"`
	DownloadTimeout time.Duration `yaml:"download_timeout"`

	// Accepted byte-size bounds for a downloaded binary. Catches
	// truncated downloads and catalogs serving HTML error pages.
	MinSize int64 `yaml:"min_size"`
	MaxSize int64 `yaml:"max_size"`

	// ArtifactTTL is the freshness window of the artifact cache
	ArtifactTTL time.Duration `yaml:"artifact_ttl"`

	// Rate-limit backoff when the catalog answers 403/429 without a
	// Retry-After hint
	BackoffBase    time.Duration `yaml:"backoff_base"`
	BackoffCeiling time.Duration `yaml:"backoff_ceiling"`
}

// OTAConfig represents chunked transfer protocol configuration
type OTAConfig struct {
	// ChunkCeiling caps the chunk size regardless of the negotiated
	// transport payload limit
	ChunkCeiling int `yaml:"chunk_ceiling"`

	// ChunkRetries is the retry budget per chunk before the session fails
	ChunkRetries int `yaml:"chunk_retries"`

	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	AckTimeout      time.Duration `yaml:"ack_timeout"`
	FinalizeTimeout time.Duration `yaml:"finalize_timeout"`
	FlashTimeout    time.Duration `yaml:"flash_timeout"`

	// ChunkDelay paces writes so the device-side flash keeps up
	ChunkDelay   time.Duration `yaml:"chunk_delay"`
	CommandDelay time.Duration `yaml:"command_delay"`
}

// Load loads configuration from file
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Database.DSN = dsn
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}

	if jwtSecret := os.Getenv("JWT_SECRET"); jwtSecret != "" {
		c.JWT.Secret = jwtSecret
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}
}

// applyDefaults fills unset fields with working defaults
func (c *Config) applyDefaults() {
	if c.Server.Name == "" {
		c.Server.Name = "atc-ota-server"
	}

	if c.API.Port == 0 {
		c.API.Port = 8080
	}

	if c.JWT.AccessTokenTTL == 0 {
		c.JWT.AccessTokenTTL = 15 * time.Minute
	}
	if c.JWT.RefreshTokenTTL == 0 {
		c.JWT.RefreshTokenTTL = 7 * 24 * time.Hour
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	if c.Update.CheckInterval == 0 {
		c.Update.CheckInterval = time.Hour
	}
	if c.Update.CacheTTL == 0 {
		c.Update.CacheTTL = c.Update.CheckInterval
	}

	if c.Firmware.CatalogTimeout == 0 {
		c.Firmware.CatalogTimeout = 30 * time.Second
	}
	if c.Firmware.DownloadTimeout == 0 {
		c.Firmware.DownloadTimeout = 60 * time.Second
	}
	if c.Firmware.MinSize == 0 {
		c.Firmware.MinSize = 1024
	}
	if c.Firmware.MaxSize == 0 {
		c.Firmware.MaxSize = 512 * 1024
	}
	if c.Firmware.ArtifactTTL == 0 {
		c.Firmware.ArtifactTTL = c.Update.CacheTTL
	}
	if c.Firmware.BackoffBase == 0 {
		c.Firmware.BackoffBase = 2 * time.Second
	}
	if c.Firmware.BackoffCeiling == 0 {
		c.Firmware.BackoffCeiling = 15 * time.Minute
	}

	if c.OTA.ChunkCeiling == 0 {
		c.OTA.ChunkCeiling = 244
	}
	if c.OTA.ChunkRetries == 0 {
		c.OTA.ChunkRetries = 3
	}
	if c.OTA.ConnectTimeout == 0 {
		c.OTA.ConnectTimeout = 20 * time.Second
	}
	if c.OTA.AckTimeout == 0 {
		c.OTA.AckTimeout = 5 * time.Second
	}
	if c.OTA.FinalizeTimeout == 0 {
		c.OTA.FinalizeTimeout = 30 * time.Second
	}
	if c.OTA.FlashTimeout == 0 {
		c.OTA.FlashTimeout = 5 * time.Minute
	}
	if c.OTA.ChunkDelay == 0 {
		c.OTA.ChunkDelay = 20 * time.Millisecond
	}
	if c.OTA.CommandDelay == 0 {
		c.OTA.CommandDelay = 500 * time.Millisecond
	}
}

// validate rejects configurations that cannot work
func (c *Config) validate() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	if c.JWT.Secret == "" {
		return fmt.Errorf("jwt.secret is required")
	}

	if c.Firmware.MinSize >= c.Firmware.MaxSize {
		return fmt.Errorf("firmware.min_size (%d) must be below firmware.max_size (%d)",
			c.Firmware.MinSize, c.Firmware.MaxSize)
	}

	if c.OTA.ChunkCeiling < 1 {
		return fmt.Errorf("ota.chunk_ceiling must be positive")
	}

	return nil
}
