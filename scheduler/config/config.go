// Package config loads and saves the scheduler's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/fieldsvc/schedule/scheduler/materialize"
	"github.com/fieldsvc/schedule/scheduler/recurrence"
	"github.com/fieldsvc/schedule/scheduler/storage/redis"
)

// Storage backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// EngineConfig configures expansion.
type EngineConfig struct {
	CacheEnabled bool                   `yaml:"cache_enabled"`
	Cache        recurrence.CacheConfig `yaml:"cache"`
	// MaxPeriods caps the rule periods walked per expansion.
	MaxPeriods int `yaml:"max_periods"`
}

// Recurrence converts the section to an engine configuration.
func (c EngineConfig) Recurrence() recurrence.EngineConfig {
	return recurrence.EngineConfig{
		CacheEnabled: c.CacheEnabled,
		CacheConfig:  c.Cache,
		MaxPeriods:   c.MaxPeriods,
	}
}

// RefreshConfig controls background re-materialization.
type RefreshConfig struct {
	// Cron is a standard five-field schedule rolling the window forward.
	Cron string `yaml:"cron"`
	// OnChange re-materializes a calendar whenever one of its series changes.
	OnChange bool `yaml:"on_change"`
}

// StorageConfig selects and configures the tree store.
type StorageConfig struct {
	Backend    string       `yaml:"backend"`
	SQLitePath string       `yaml:"sqlite_path,omitempty"`
	Redis      redis.Config `yaml:"redis,omitempty"`
}

// Config is the top-level configuration.
type Config struct {
	Window   materialize.Config `yaml:"window"`
	Engine   EngineConfig       `yaml:"engine"`
	Refresh  RefreshConfig      `yaml:"refresh"`
	Storage  StorageConfig      `yaml:"storage"`
	LogLevel string             `yaml:"log_level"`
}

// DefaultConfig returns the default configuration: an in-memory store,
// a window of one month back and six ahead, refreshed hourly.
func DefaultConfig() *Config {
	return &Config{
		Window: materialize.DefaultConfig,
		Engine: EngineConfig{
			CacheEnabled: recurrence.DefaultEngineConfig.CacheEnabled,
			Cache:        recurrence.DefaultCacheConfig,
			MaxPeriods:   recurrence.DefaultMaxPeriods,
		},
		Refresh: RefreshConfig{
			Cron:     "0 * * * *",
			OnChange: true,
		},
		Storage: StorageConfig{
			Backend: BackendMemory,
		},
		LogLevel: "info",
	}
}

// Normalize replaces out-of-range values with defaults.
func (c *Config) Normalize() {
	def := DefaultConfig()

	if c.Window.MonthsBack < 0 {
		c.Window.MonthsBack = def.Window.MonthsBack
	}
	if c.Window.MonthsAhead <= 0 {
		c.Window.MonthsAhead = def.Window.MonthsAhead
	}
	if c.Window.Concurrency < 0 {
		c.Window.Concurrency = def.Window.Concurrency
	}

	if c.Engine.MaxPeriods <= 0 {
		c.Engine.MaxPeriods = def.Engine.MaxPeriods
	}
	if c.Engine.Cache.TTL <= 0 {
		c.Engine.Cache.TTL = def.Engine.Cache.TTL
	}
	if c.Engine.Cache.MaxEntries <= 0 {
		c.Engine.Cache.MaxEntries = def.Engine.Cache.MaxEntries
	}
	if c.Engine.Cache.CleanupInterval <= 0 {
		c.Engine.Cache.CleanupInterval = def.Engine.Cache.CleanupInterval
	}

	if c.Refresh.Cron == "" {
		c.Refresh.Cron = def.Refresh.Cron
	}

	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	if c.Storage.Backend == "" {
		c.Storage.Backend = BackendMemory
	}
	if c.Storage.Backend == BackendSQLite && c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = "scheduler.db"
	}
	if c.Storage.Backend == BackendRedis {
		rd := redis.DefaultConfig(c.Storage.Redis.Address)
		if c.Storage.Redis.Address == "" {
			c.Storage.Redis.Address = "localhost:6379"
		}
		if c.Storage.Redis.Prefix == "" {
			c.Storage.Redis.Prefix = rd.Prefix
		}
		if c.Storage.Redis.Timeout <= 0 {
			c.Storage.Redis.Timeout = rd.Timeout
		}
		if c.Storage.Redis.PoolSize <= 0 {
			c.Storage.Redis.PoolSize = rd.PoolSize
		}
	}

	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
}

// Validate reports settings Normalize cannot repair.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Backend {
	case BackendMemory, BackendSQLite, BackendRedis:
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.Storage.Backend))
	}
	if _, err := cron.ParseStandard(c.Refresh.Cron); err != nil {
		errs = append(errs, fmt.Errorf("invalid refresh cron %q: %w", c.Refresh.Cron, err))
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		errs = append(errs, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err))
	}
	return errors.Join(errs...)
}

// Level returns the configured log level, defaulting to info.
func (c *Config) Level() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// Load reads the configuration at path. On first run the file does not
// exist yet; the defaults are written there and returned.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	// Keys missing from the file keep their defaults.
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to path atomically (temp file + rename) with 0600
// permissions.
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

	tmp, err := os.CreateTemp(dir, ".scheduler-config-*.tmp")
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

// Save is shorthand for Save(path, c).
func (c *Config) Save(path string) error {
	return Save(path, c)
}
