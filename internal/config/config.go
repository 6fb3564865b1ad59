package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Server          ServerConfig          `yaml:"server"`
	Database        DatabaseConfig        `yaml:"database"`
	Ledger          LedgerConfig          `yaml:"ledger"`
	Auth            AuthConfig            `yaml:"auth"`
	Sync            SyncConfig            `yaml:"sync"`
	Worker          WorkerConfig          `yaml:"worker"`
	SnapshotStorage SnapshotStorageConfig `yaml:"snapshot_storage"`
	Log             LogConfig             `yaml:"log"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
}

// DatabaseConfig contains database settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LedgerConfig contains the ledger keys. Both are env-only secrets.
type LedgerConfig struct {
	HMACKey string `yaml:"-"` // env-only, never in YAML
	SignKey string `yaml:"-"` // env-only, never in YAML
}

// AuthConfig contains session settings.
type AuthConfig struct {
	AccessSecret        string   `yaml:"-"` // env-only, never in YAML
	AccessTokenTTL      Duration `yaml:"access_token_ttl"`
	RefreshTokenTTLDays int      `yaml:"refresh_token_ttl_days"`
}

// RefreshTokenTTL returns the refresh token lifetime as a duration.
func (c AuthConfig) RefreshTokenTTL() time.Duration {
	return time.Duration(c.RefreshTokenTTLDays) * 24 * time.Hour
}

// SyncConfig contains push/pull protocol limits.
type SyncConfig struct {
	PullDefaultLimit int `yaml:"pull_default_limit"`
	PushMaxTotal     int `yaml:"push_max_total"`
	PushMaxPerTable  int `yaml:"push_max_per_table"`
	PollIntervalMs   int `yaml:"poll_interval_ms"`
}

// WorkerConfig contains background worker settings.
type WorkerConfig struct {
	CheckpointInterval Duration `yaml:"checkpoint_interval"`
	RetentionInterval  Duration `yaml:"retention_interval"`
}

// SnapshotStorageConfig contains S3-compatible snapshot upload settings.
// An empty bucket disables uploads.
type SnapshotStorageConfig struct {
	Endpoint  string   `yaml:"endpoint"`
	Bucket    string   `yaml:"bucket"`
	Region    string   `yaml:"region"`
	AccessKey string   `yaml:"-"` // env-only, never in YAML
	SecretKey string   `yaml:"-"` // env-only, never in YAML
	UseSSL    *bool    `yaml:"use_ssl"`
	URLExpiry Duration `yaml:"url_expiry"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("SHOPSYNC_CONFIG_PATH", "config/shopsync.yaml")

	// Load YAML file if it exists (missing file is not an error)
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
			AllowedOrigins:  []string{"*"},
		},
		Database: DatabaseConfig{
			Path: "data/shopsync.db",
		},
		Auth: AuthConfig{
			AccessTokenTTL:      Duration(15 * time.Minute),
			RefreshTokenTTLDays: 30,
		},
		Sync: SyncConfig{
			PullDefaultLimit: 2000,
			PushMaxTotal:     5000,
			PushMaxPerTable:  1000,
			PollIntervalMs:   20000,
		},
		Worker: WorkerConfig{
			CheckpointInterval: Duration(1 * time.Hour),
			RetentionInterval:  Duration(1 * time.Hour),
		},
		SnapshotStorage: SnapshotStorageConfig{
			URLExpiry: Duration(15 * time.Minute),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
// Missing file is not an error; we just use defaults.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Server
	if v := os.Getenv("SHOPSYNC_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SHOPSYNC_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ReadTimeout = Duration(d)
		}
	}
	if v := os.Getenv("SHOPSYNC_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.WriteTimeout = Duration(d)
		}
	}
	if v := os.Getenv("SHOPSYNC_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ShutdownTimeout = Duration(d)
		}
	}
	if v := os.Getenv("SHOPSYNC_ALLOWED_ORIGINS"); v != "" {
		origins := strings.Split(v, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
		cfg.Server.AllowedOrigins = origins
	}

	// Database
	if v := os.Getenv("SHOPSYNC_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Ledger keys
	if v := os.Getenv("LEDGER_HMAC_KEY"); v != "" {
		cfg.Ledger.HMACKey = v
	}
	if v := os.Getenv("LEDGER_SIGN_KEY"); v != "" {
		cfg.Ledger.SignKey = v
	}

	// Auth
	if v := os.Getenv("SHOPSYNC_ACCESS_SECRET"); v != "" {
		cfg.Auth.AccessSecret = v
	}
	if v := os.Getenv("SHOPSYNC_ACCESS_TOKEN_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Auth.AccessTokenTTL = Duration(d)
		}
	}
	if v := os.Getenv("REFRESH_TOKEN_TTL_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Auth.RefreshTokenTTLDays = n
		}
	}

	// Sync limits
	if v := os.Getenv("SYNC_PULL_DEFAULT_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.PullDefaultLimit = n
		}
	}
	if v := os.Getenv("SYNC_PUSH_MAX_TOTAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.PushMaxTotal = n
		}
	}
	if v := os.Getenv("SYNC_PUSH_MAX_PER_TABLE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.PushMaxPerTable = n
		}
	}
	if v := os.Getenv("SYNC_POLL_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.PollIntervalMs = n
		}
	}

	// Worker
	if v := os.Getenv("SHOPSYNC_CHECKPOINT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Worker.CheckpointInterval = Duration(d)
		}
	}
	if v := os.Getenv("SHOPSYNC_RETENTION_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Worker.RetentionInterval = Duration(d)
		}
	}

	// Snapshot storage
	if v := os.Getenv("SHOPSYNC_S3_ENDPOINT"); v != "" {
		cfg.SnapshotStorage.Endpoint = v
	}
	if v := os.Getenv("SHOPSYNC_S3_BUCKET"); v != "" {
		cfg.SnapshotStorage.Bucket = v
	}
	if v := os.Getenv("SHOPSYNC_S3_REGION"); v != "" {
		cfg.SnapshotStorage.Region = v
	}
	if v := os.Getenv("SHOPSYNC_S3_ACCESS_KEY"); v != "" {
		cfg.SnapshotStorage.AccessKey = v
	}
	if v := os.Getenv("SHOPSYNC_S3_SECRET_KEY"); v != "" {
		cfg.SnapshotStorage.SecretKey = v
	}
	if v := os.Getenv("SHOPSYNC_S3_USE_SSL"); v != "" {
		useSSL := v == "true" || v == "1"
		cfg.SnapshotStorage.UseSSL = &useSSL
	}
	if v := os.Getenv("SHOPSYNC_S3_URL_EXPIRY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SnapshotStorage.URLExpiry = Duration(d)
		}
	}

	// Log
	if v := os.Getenv("SHOPSYNC_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("SHOPSYNC_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// validate checks that required configuration values are set.
// In dev mode (SHOPSYNC_DEV_MODE=true), missing secrets fall back to
// insecure development values instead of failing startup.
func (c *Config) validate() error {
	if c.Sync.PullDefaultLimit <= 0 {
		return errors.New("sync pull_default_limit must be positive")
	}
	if c.Sync.PushMaxTotal <= 0 || c.Sync.PushMaxPerTable <= 0 {
		return errors.New("sync push limits must be positive")
	}
	if c.Sync.PushMaxPerTable > c.Sync.PushMaxTotal {
		return errors.New("sync push_max_per_table cannot exceed push_max_total")
	}
	if c.Auth.RefreshTokenTTLDays <= 0 {
		return errors.New("auth refresh_token_ttl_days must be positive")
	}

	if os.Getenv("SHOPSYNC_DEV_MODE") == "true" {
		if c.Ledger.HMACKey == "" {
			c.Ledger.HMACKey = "dev-ledger-hmac-key"
		}
		if c.Ledger.SignKey == "" {
			c.Ledger.SignKey = "dev-ledger-sign-key"
		}
		if c.Auth.AccessSecret == "" {
			c.Auth.AccessSecret = "dev-access-secret"
		}
		return nil
	}

	if c.Ledger.HMACKey == "" {
		return errors.New("LEDGER_HMAC_KEY is required")
	}
	if c.Ledger.SignKey == "" {
		return errors.New("LEDGER_SIGN_KEY is required")
	}
	if c.Auth.AccessSecret == "" {
		return errors.New("SHOPSYNC_ACCESS_SECRET is required")
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
