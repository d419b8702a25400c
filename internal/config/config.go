package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Sync     SyncConfig     `yaml:"sync"`
	Autoheal AutohealConfig `yaml:"autoheal"`
	Worker   WorkerConfig   `yaml:"worker"`
	Log      LogConfig      `yaml:"log"`
	Client   ClientConfig   `yaml:"client"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig contains database settings.
type DatabaseConfig struct {
	Path    string `yaml:"path"`
	KeyPath string `yaml:"key_path"` // block signing key; created if missing
}

// AuthConfig contains authentication settings.
type AuthConfig struct {
	JWTSecret string `yaml:"-"` // env-only, never in YAML
}

// SyncConfig contains push/pull protocol settings.
type SyncConfig struct {
	V2Enforce       bool `yaml:"v2_enforce"`
	PullPageDefault int  `yaml:"pull_page_default"`
	PullPageMax     int  `yaml:"pull_page_max"`
}

// AutohealConfig contains autoheal controller thresholds and budgets.
type AutohealConfig struct {
	Enabled                  bool     `yaml:"enabled"`
	Cooldown                 Duration `yaml:"cooldown"`
	SameFingerprintCooldown  Duration `yaml:"same_fingerprint_cooldown"`
	MaxActionsPer24h         int      `yaml:"max_actions_per_24h"`
	MaxDeepRepairPer24h      int      `yaml:"max_deep_repair_per_24h"`
	ObserveRatio             float64  `yaml:"observe_ratio"`
	DegradedRatio            float64  `yaml:"degraded_ratio"`
	CriticalRatio            float64  `yaml:"critical_ratio"`
	ResetConsecutive         int      `yaml:"reset_consecutive"`
	CriticalConsecutive      int      `yaml:"critical_consecutive"`
	ForceFullPullConsecutive int      `yaml:"force_pull_consecutive"`
	DriftThreshold           int      `yaml:"drift_threshold"`
}

// WorkerConfig contains background worker settings.
type WorkerConfig struct {
	AutohealInterval Duration `yaml:"autoheal_interval"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ClientConfig contains sync agent settings (client subcommand only).
type ClientConfig struct {
	BaseURL      string   `yaml:"base_url"`
	ClientID     string   `yaml:"client_id"`
	DatabasePath string   `yaml:"database_path"`
	SyncInterval Duration `yaml:"sync_interval"`
	Token        string   `yaml:"-"` // env-only, never in YAML
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

	configPath := getEnv("RECORDSYNC_CONFIG_PATH", "config/recordsync.yaml")

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
		},
		Database: DatabaseConfig{
			Path:    "data/recordsync.db",
			KeyPath: "data/signer.key",
		},
		Sync: SyncConfig{
			V2Enforce:       false,
			PullPageDefault: 5000,
			PullPageMax:     20000,
		},
		Autoheal: AutohealConfig{
			Enabled:                  true,
			Cooldown:                 Duration(15 * time.Minute),
			SameFingerprintCooldown:  Duration(6 * time.Hour),
			MaxActionsPer24h:         3,
			MaxDeepRepairPer24h:      1,
			ObserveRatio:             0.08,
			DegradedRatio:            0.15,
			CriticalRatio:            0.35,
			ResetConsecutive:         4,
			CriticalConsecutive:      2,
			ForceFullPullConsecutive: 8,
			DriftThreshold:           2,
		},
		Worker: WorkerConfig{
			AutohealInterval: Duration(5 * time.Minute),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Client: ClientConfig{
			BaseURL:      "http://localhost:8080",
			DatabasePath: "data/recordsync-client.db",
			SyncInterval: Duration(2 * time.Minute),
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
// Only non-empty env vars override config values. The sync protocol and
// autoheal knobs keep their wire-documented names; everything else is
// RECORDSYNC_-prefixed.
func applyEnvOverrides(cfg *Config) {
	// Server
	if v := os.Getenv("RECORDSYNC_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("RECORDSYNC_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ReadTimeout = Duration(d)
		}
	}
	if v := os.Getenv("RECORDSYNC_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.WriteTimeout = Duration(d)
		}
	}
	if v := os.Getenv("RECORDSYNC_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ShutdownTimeout = Duration(d)
		}
	}

	// Database
	if v := os.Getenv("RECORDSYNC_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("RECORDSYNC_SIGNER_KEY_PATH"); v != "" {
		cfg.Database.KeyPath = v
	}

	// Auth
	if v := os.Getenv("RECORDSYNC_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}

	// Sync protocol
	if v := os.Getenv("SYNC_V2_ENFORCE"); v != "" {
		cfg.Sync.V2Enforce = v == "1" || v == "true"
	}
	if v := os.Getenv("SYNC_PULL_PAGE_DEFAULT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.PullPageDefault = n
		}
	}
	if v := os.Getenv("SYNC_PULL_PAGE_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.PullPageMax = n
		}
	}

	// Autoheal
	if v := os.Getenv("AUTOHEAL_ENABLED"); v != "" {
		cfg.Autoheal.Enabled = v == "1" || v == "true"
	}
	if v := os.Getenv("AUTOHEAL_COOLDOWN_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Autoheal.Cooldown = Duration(time.Duration(n) * time.Millisecond)
		}
	}
	if v := os.Getenv("AUTOHEAL_SAME_FINGERPRINT_COOLDOWN_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Autoheal.SameFingerprintCooldown = Duration(time.Duration(n) * time.Millisecond)
		}
	}
	if v := os.Getenv("AUTOHEAL_MAX_ACTIONS_PER_24H"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Autoheal.MaxActionsPer24h = n
		}
	}
	if v := os.Getenv("AUTOHEAL_MAX_DEEP_REPAIR_PER_24H"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Autoheal.MaxDeepRepairPer24h = n
		}
	}
	if v := os.Getenv("AUTOHEAL_OBSERVE_RATIO"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Autoheal.ObserveRatio = f
		}
	}
	if v := os.Getenv("AUTOHEAL_DEGRADED_RATIO"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Autoheal.DegradedRatio = f
		}
	}
	if v := os.Getenv("AUTOHEAL_CRITICAL_RATIO"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Autoheal.CriticalRatio = f
		}
	}
	if v := os.Getenv("AUTOHEAL_RESET_CONSECUTIVE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Autoheal.ResetConsecutive = n
		}
	}
	if v := os.Getenv("AUTOHEAL_CRITICAL_CONSECUTIVE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Autoheal.CriticalConsecutive = n
		}
	}
	if v := os.Getenv("AUTOHEAL_FORCE_PULL_CONSECUTIVE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Autoheal.ForceFullPullConsecutive = n
		}
	}
	if v := os.Getenv("DRIFT_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Autoheal.DriftThreshold = n
		}
	}

	// Worker
	if v := os.Getenv("RECORDSYNC_AUTOHEAL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Worker.AutohealInterval = Duration(d)
		}
	}

	// Log
	if v := os.Getenv("RECORDSYNC_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("RECORDSYNC_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}

	// Client agent
	if v := os.Getenv("RECORDSYNC_API_BASE_URL"); v != "" {
		cfg.Client.BaseURL = v
	}
	if v := os.Getenv("RECORDSYNC_CLIENT_ID"); v != "" {
		cfg.Client.ClientID = v
	}
	if v := os.Getenv("RECORDSYNC_CLIENT_DB_PATH"); v != "" {
		cfg.Client.DatabasePath = v
	}
	if v := os.Getenv("RECORDSYNC_SYNC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Client.SyncInterval = Duration(d)
		}
	}
	if v := os.Getenv("RECORDSYNC_CLIENT_TOKEN"); v != "" {
		cfg.Client.Token = v
	}
}

// validate checks that required configuration values are set.
// In dev mode (RECORDSYNC_DEV_MODE=true), JWT secret validation is skipped.
func (c *Config) validate() error {
	if c.Sync.PullPageDefault < 1 {
		return errors.New("sync.pull_page_default must be >= 1")
	}
	if c.Sync.PullPageMax < c.Sync.PullPageDefault {
		return errors.New("sync.pull_page_max must be >= sync.pull_page_default")
	}

	if os.Getenv("RECORDSYNC_DEV_MODE") == "true" {
		return nil
	}

	if c.Auth.JWTSecret == "" {
		return errors.New("RECORDSYNC_JWT_SECRET is required")
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
