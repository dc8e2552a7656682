// Package config handles configuration loading from YAML, CLI flags, and environment variables.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Retention   RetentionConfig   `yaml:"retention"`
	Session     SessionConfig     `yaml:"session"`
	Privacy     PrivacyConfig     `yaml:"privacy"`
	Logging     LoggingConfig     `yaml:"logging"`
	Auth        AuthConfig        `yaml:"auth"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
}

// ServerConfig configures the local API server.
type ServerConfig struct {
	Listen string `yaml:"listen"` // e.g., "localhost:9191"
	Host   string `yaml:"host"`   // Bind host
	Port   int    `yaml:"port"`   // Bind port (alternative to listen)
}

// RateLimitConfig sets per-client request budgets for each route class.
type RateLimitConfig struct {
	Read   BudgetConfig `yaml:"read"`   // GET endpoints
	Record BudgetConfig `yaml:"record"` // POST /api/calls
	Write  BudgetConfig `yaml:"write"`  // rule edits, checkpoint
}

// BudgetConfig is a token bucket. A burst of 0 disables limiting.
type BudgetConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// PersistenceConfig configures SQLite persistence.
type PersistenceConfig struct {
	DBPath string `yaml:"db_path"`
	// Timezone is the IANA name used for stored timestamps; empty means Local.
	// Stored values carry no offset, so in a zone with DST the repeated
	// fall-back hour sorts out of order for retention and daily stats.
	// A fixed-offset zone such as "UTC" avoids that.
	Timezone string `yaml:"timezone"`
}

// RetentionConfig configures how long logged calls are kept.
type RetentionConfig struct {
	CallsTTLDays int    `yaml:"calls_ttl_days"` // 0 keeps calls forever
	Schedule     string `yaml:"schedule"`       // cron spec for the retention job
}

// SessionConfig configures the service-run bookkeeping.
type SessionConfig struct {
	HeartbeatSeconds int `yaml:"heartbeat_seconds"` // 0 disables the running-marker heartbeat
}

// PrivacyConfig controls how phone numbers appear outside the database.
type PrivacyConfig struct {
	MaskNumbersInLogs    bool `yaml:"mask_numbers_in_logs"`
	MaskNumbersInExports bool `yaml:"mask_numbers_in_exports"`
	VisibleDigits        int  `yaml:"visible_digits"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// AuthConfig configures API authentication.
type AuthConfig struct {
	Token string `yaml:"token"` // Bearer token for API access
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen: "localhost:9191",
		},
		Persistence: PersistenceConfig{
			DBPath: "", // Set in Load based on platform
		},
		Retention: RetentionConfig{
			CallsTTLDays: 90,
			Schedule:     "@daily",
		},
		Session: SessionConfig{
			HeartbeatSeconds: 60,
		},
		Privacy: PrivacyConfig{
			MaskNumbersInLogs:    true,
			MaskNumbersInExports: false,
			VisibleDigits:        4,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Auth: AuthConfig{
			Token: "", // Generated on first run if empty
		},
		RateLimit: RateLimitConfig{
			Read:   BudgetConfig{PerSecond: 20, Burst: 100},
			Record: BudgetConfig{PerSecond: 10, Burst: 50},
			Write:  BudgetConfig{PerSecond: 5, Burst: 20},
		},
	}
}

// ConfigDir returns the platform-specific config directory.
func ConfigDir() (string, error) {
	switch runtime.GOOS {
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			return "", fmt.Errorf("APPDATA environment variable not set")
		}
		return filepath.Join(appData, "callblocker"), nil
	default:
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("getting home directory: %w", err)
		}
		return filepath.Join(home, ".config", "callblocker"), nil
	}
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// DefaultDBPath returns the default database path.
func DefaultDBPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "callblocker.db"), nil
}

// Load loads configuration from file, with environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	dbPath, err := DefaultDBPath()
	if err != nil {
		return nil, fmt.Errorf("getting default db path: %w", err)
	}
	cfg.Persistence.DBPath = dbPath

	if path == "" {
		path, err = DefaultConfigPath()
		if err != nil {
			return nil, fmt.Errorf("getting default config path: %w", err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Generate and persist a token on first run
	if cfg.Auth.Token == "" {
		cfg.Auth.Token, err = generateToken()
		if err != nil {
			return nil, fmt.Errorf("generating auth token: %w", err)
		}
		if err := cfg.Save(path); err != nil {
			return nil, fmt.Errorf("saving config: %w", err)
		}
	}

	return cfg, nil
}

// Validate checks values that would otherwise fail later at runtime.
func (c *Config) Validate() error {
	if _, err := c.Persistence.Location(); err != nil {
		return fmt.Errorf("invalid persistence.timezone %q: %w", c.Persistence.Timezone, err)
	}
	if c.Retention.CallsTTLDays < 0 {
		return fmt.Errorf("retention.calls_ttl_days must be >= 0, got %d", c.Retention.CallsTTLDays)
	}
	if c.Session.HeartbeatSeconds < 0 {
		return fmt.Errorf("session.heartbeat_seconds must be >= 0, got %d", c.Session.HeartbeatSeconds)
	}
	for name, b := range map[string]BudgetConfig{
		"read": c.RateLimit.Read, "record": c.RateLimit.Record, "write": c.RateLimit.Write,
	} {
		if b.PerSecond < 0 || b.Burst < 0 {
			return fmt.Errorf("rate_limit.%s must not be negative", name)
		}
	}
	return nil
}

// Save writes the config to the specified path with secure permissions.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	// Owner read/write only: the file holds the API token
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CALLBLOCKER_LISTEN"); v != "" {
		c.Server.Listen = v
	}
	if v := os.Getenv("CALLBLOCKER_DB_PATH"); v != "" {
		c.Persistence.DBPath = v
	}
	if v := os.Getenv("CALLBLOCKER_AUTH_TOKEN"); v != "" {
		c.Auth.Token = v
	}
	if v := os.Getenv("CALLBLOCKER_TIMEZONE"); v != "" {
		c.Persistence.Timezone = v
	}
	if v := os.Getenv("CALLBLOCKER_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// generateToken generates a cryptographically random auth token.
func generateToken() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return "callblocker_" + hex.EncodeToString(bytes), nil
}

// ListenAddr returns the listen address, handling host:port vs listen field.
func (c *ServerConfig) ListenAddr() string {
	if c.Listen != "" {
		return c.Listen
	}
	host := c.Host
	if host == "" {
		host = "localhost"
	}
	port := c.Port
	if port == 0 {
		port = 9191
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// Location resolves the configured timezone. Empty means time.Local.
func (c *PersistenceConfig) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

// HeartbeatInterval returns the heartbeat period, or 0 when disabled.
func (c *SessionConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

// SlogLevel maps the configured level name to a slog.Level (info on unknown).
func (c *LoggingConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
