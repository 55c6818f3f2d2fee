package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/conduit-lang/persist/internal/orm/storage/cache"
	"github.com/conduit-lang/persist/internal/orm/storage/sqlstore"
	"github.com/conduit-lang/persist/internal/orm/transaction"
)

// EnvPrefix is prepended to every environment override, e.g.
// PERSIST_DATABASE_DSN for database.dsn
const EnvPrefix = "PERSIST"

// Config represents the persist configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Session  SessionConfig  `mapstructure:"session"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Log      LogConfig      `mapstructure:"log"`
	Mapping  MappingConfig  `mapstructure:"mapping"`
}

// DatabaseConfig selects the store sessions flush into
type DatabaseConfig struct {
	Driver    string        `mapstructure:"driver"`
	DSN       string        `mapstructure:"dsn"`
	Isolation string        `mapstructure:"isolation"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// SessionConfig holds unit-of-work defaults
type SessionConfig struct {
	MaxFetchDepth int `mapstructure:"max_fetch_depth"`
}

// CacheConfig configures the Redis row cache
type CacheConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
	Prefix   string        `mapstructure:"prefix"`
}

// LogConfig configures the zap logger
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// MappingConfig points at a YAML mapping document. Empty means the built-in
// Member/Team model.
type MappingConfig struct {
	File string `mapstructure:"file"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "file::memory:?cache=shared&_foreign_keys=on")
	v.SetDefault("database.isolation", "read_committed")
	v.SetDefault("database.timeout", 0)
	v.SetDefault("session.max_fetch_depth", 10)
	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.addr", "localhost:6379")
	v.SetDefault("cache.password", "")
	v.SetDefault("cache.db", 0)
	v.SetDefault("cache.ttl", 5*time.Minute)
	v.SetDefault("cache.prefix", "persist:")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("mapping.file", "")
}

// Load reads persist.yaml from the working directory, or path when it is
// not empty, and applies PERSIST_* environment overrides. A missing
// persist.yaml is not an error; a missing explicit path is.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("persist")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

// Default returns the configuration Load produces with no file and no
// environment overrides
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var config Config
	_ = v.Unmarshal(&config)
	return &config
}

// TxOptions converts the database section into transaction options
func (c *Config) TxOptions() (transaction.Options, error) {
	level, err := transaction.ParseIsolationLevel(c.Database.Isolation)
	if err != nil {
		return transaction.Options{}, err
	}
	return transaction.Options{Isolation: level, Timeout: c.Database.Timeout}, nil
}

// CacheOptions converts the cache section into cache gateway options
func (c *Config) CacheOptions() cache.Config {
	return cache.Config{
		Addr:     c.Cache.Addr,
		Password: c.Cache.Password,
		DB:       c.Cache.DB,
		TTL:      c.Cache.TTL,
		Prefix:   c.Cache.Prefix,
	}
}

// validateConfig validates the configuration
func validateConfig(cfg *Config) error {
	if _, _, err := sqlstore.DriverName(cfg.Database.Driver); err != nil {
		return fmt.Errorf("database.driver: %w", err)
	}
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database.dsn must not be empty")
	}
	if _, err := transaction.ParseIsolationLevel(cfg.Database.Isolation); err != nil {
		return fmt.Errorf("database.isolation: %w", err)
	}
	if cfg.Database.Timeout < 0 {
		return fmt.Errorf("database.timeout must not be negative, got: %s", cfg.Database.Timeout)
	}
	if cfg.Session.MaxFetchDepth < 1 {
		return fmt.Errorf("session.max_fetch_depth must be at least 1, got: %d", cfg.Session.MaxFetchDepth)
	}
	if cfg.Cache.Enabled {
		if cfg.Cache.Addr == "" {
			return fmt.Errorf("cache.addr must be set when the cache is enabled")
		}
		if cfg.Cache.TTL <= 0 {
			return fmt.Errorf("cache.ttl must be positive, got: %s", cfg.Cache.TTL)
		}
	}
	if _, err := zapcore.ParseLevel(cfg.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}
