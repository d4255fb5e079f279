package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// MaterializeConfig holds the generation caps of the materializer.
type MaterializeConfig struct {
	// EagerCount is how many upcoming dates a new series materializes.
	EagerCount int `yaml:"eager_count" json:"eager_count"`
	// BatchSize is how many of those run concurrently.
	BatchSize int `yaml:"batch_size" json:"batch_size"`
	// ItemTimeout bounds one eager materialization.
	ItemTimeout time.Duration `yaml:"item_timeout" json:"item_timeout"`
	// NextWindow is how many upcoming slots "next occurrence" scans.
	NextWindow int `yaml:"next_window" json:"next_window"`
	// MaxGenerate caps any single listing or generation.
	MaxGenerate int `yaml:"max_generate" json:"max_generate"`
	// Eager is "async" (default), "sync" or "off".
	Eager string `yaml:"eager" json:"eager"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// DatabasePath is the SQLite file holding series and occurrences.
	DatabasePath string `yaml:"database_path" json:"database_path"`

	// DefaultTimezone is the IANA zone of series created without one.
	DefaultTimezone string `yaml:"default_timezone" json:"default_timezone"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// LookaheadCron schedules the next-occurrence job (e.g. "0 * * * *").
	// "off" disables it.
	LookaheadCron string `yaml:"lookahead_cron" json:"lookahead_cron"`

	Materialize MaterializeConfig `yaml:"materialize" json:"materialize"`

	// ImportTimeout bounds fetching a calendar URL for import.
	ImportTimeout time.Duration `yaml:"import_timeout" json:"import_timeout"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:          "127.0.0.1:8080",
		DatabasePath:    "/var/lib/eventseries/eventseries.db",
		DefaultTimezone: "UTC",
		LogLevel:        "info",
		LookaheadCron:   "0 * * * *",
		Materialize: MaterializeConfig{
			EagerCount:  5,
			BatchSize:   2,
			ItemTimeout: 5 * time.Second,
			NextWindow:  5,
			MaxGenerate: 500,
			Eager:       "async",
		},
		ImportTimeout: 15 * time.Second,
		BasicAuth:     nil,
	}
}

// Normalize fills in missing/zero values with defaults so partially-filled
// configs still behave correctly.
func (c *Config) Normalize() {
	def := DefaultConfig()
	if c.Listen == "" {
		c.Listen = def.Listen
	}
	if c.DatabasePath == "" {
		c.DatabasePath = def.DatabasePath
	}
	if c.DefaultTimezone == "" {
		c.DefaultTimezone = def.DefaultTimezone
	}
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		c.LogLevel = def.LogLevel
	}
	if c.LookaheadCron == "" {
		c.LookaheadCron = def.LookaheadCron
	}

	m := &c.Materialize
	if m.EagerCount <= 0 {
		m.EagerCount = def.Materialize.EagerCount
	}
	if m.BatchSize <= 0 {
		m.BatchSize = def.Materialize.BatchSize
	}
	if m.ItemTimeout <= 0 {
		m.ItemTimeout = def.Materialize.ItemTimeout
	}
	if m.NextWindow <= 0 {
		m.NextWindow = def.Materialize.NextWindow
	}
	if m.MaxGenerate <= 0 {
		m.MaxGenerate = def.Materialize.MaxGenerate
	}
	switch m.Eager {
	case "async", "sync", "off":
	default:
		m.Eager = def.Materialize.Eager
	}
	if c.ImportTimeout <= 0 {
		c.ImportTimeout = def.ImportTimeout
	}
	if c.BasicAuth != nil && c.BasicAuth.Username == "" && c.BasicAuth.Password == "" {
		c.BasicAuth = nil
	}
}

// Validate reports settings Normalize cannot repair.
func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.DefaultTimezone); err != nil {
		return fmt.Errorf("default_timezone %q: %w", c.DefaultTimezone, err)
	}
	if c.Materialize.MaxGenerate < c.Materialize.EagerCount || c.Materialize.MaxGenerate < c.Materialize.NextWindow {
		return errors.New("materialize.max_generate must cover eager_count and next_window")
	}
	return nil
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults and validate
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes cfg to path atomically (temp file + rename) with 0600
// permissions, creating the parent directory (0700) if needed.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".eventseries-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func (c *Config) Save(path string) error {
	return Save(path, c)
}
