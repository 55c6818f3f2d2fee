package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/conduit-lang/persist/internal/orm/transaction"
)

func TestLoad(t *testing.T) {
	// Test loading with no config file (should use defaults)
	tmpDir := t.TempDir()
	oldWd, _ := os.Getwd()
	os.Chdir(tmpDir)
	defer os.Chdir(oldWd)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("expected no error loading defaults, got %v", err)
	}

	if cfg.Database.Driver != "sqlite" {
		t.Errorf("expected default driver 'sqlite', got %s", cfg.Database.Driver)
	}
	if !strings.Contains(cfg.Database.DSN, ":memory:") {
		t.Errorf("expected an in-memory default DSN, got %s", cfg.Database.DSN)
	}
	if cfg.Session.MaxFetchDepth != 10 {
		t.Errorf("expected default max fetch depth 10, got %d", cfg.Session.MaxFetchDepth)
	}
	if cfg.Cache.Enabled {
		t.Error("expected the cache to be disabled by default")
	}
	if cfg.Cache.TTL != 5*time.Minute {
		t.Errorf("expected default cache TTL 5m, got %s", cfg.Cache.TTL)
	}
	if cfg.Cache.Prefix != "persist:" {
		t.Errorf("expected default cache prefix 'persist:', got %s", cfg.Cache.Prefix)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected default log level 'info', got %s", cfg.Log.Level)
	}

	if *cfg != *Default() {
		t.Errorf("expected Load without a file to match Default, got %+v", cfg)
	}
}

func TestLoadWithConfigFile(t *testing.T) {
	tmpDir := t.TempDir()
	oldWd, _ := os.Getwd()
	os.Chdir(tmpDir)
	defer os.Chdir(oldWd)

	configContent := `
database:
  driver: postgres
  dsn: postgres://localhost/persist?sslmode=disable
  isolation: serializable
  timeout: 30s
session:
  max_fetch_depth: 3
cache:
  enabled: true
  addr: redis:6379
  ttl: 1m
log:
  level: debug
  development: true
mapping:
  file: model.yaml
`
	os.WriteFile("persist.yaml", []byte(configContent), 0644)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("expected no error loading config, got %v", err)
	}

	if cfg.Database.Driver != "postgres" {
		t.Errorf("expected driver 'postgres', got %s", cfg.Database.Driver)
	}
	if cfg.Database.Timeout != 30*time.Second {
		t.Errorf("expected timeout 30s, got %s", cfg.Database.Timeout)
	}
	if cfg.Session.MaxFetchDepth != 3 {
		t.Errorf("expected max fetch depth 3, got %d", cfg.Session.MaxFetchDepth)
	}
	if !cfg.Cache.Enabled || cfg.Cache.Addr != "redis:6379" || cfg.Cache.TTL != time.Minute {
		t.Errorf("unexpected cache config: %+v", cfg.Cache)
	}
	if cfg.Cache.Prefix != "persist:" {
		t.Errorf("expected the default prefix to survive, got %s", cfg.Cache.Prefix)
	}
	if !cfg.Log.Development {
		t.Error("expected development logging")
	}
	if cfg.Mapping.File != "model.yaml" {
		t.Errorf("expected mapping file 'model.yaml', got %s", cfg.Mapping.File)
	}

	opts, err := cfg.TxOptions()
	if err != nil {
		t.Fatalf("expected valid tx options, got %v", err)
	}
	if opts.Isolation != transaction.Serializable || opts.Timeout != 30*time.Second {
		t.Errorf("unexpected tx options: %+v", opts)
	}

	cacheOpts := cfg.CacheOptions()
	if cacheOpts.Addr != "redis:6379" || cacheOpts.TTL != time.Minute || cacheOpts.Prefix != "persist:" {
		t.Errorf("unexpected cache options: %+v", cacheOpts)
	}
}

func TestLoadExplicitPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.yaml")
	os.WriteFile(path, []byte("session:\n  max_fetch_depth: 2\n"), 0644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("expected no error loading %s, got %v", path, err)
	}
	if cfg.Session.MaxFetchDepth != 2 {
		t.Errorf("expected max fetch depth 2, got %d", cfg.Session.MaxFetchDepth)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected an error for a missing explicit config file")
	}
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	tmpDir := t.TempDir()
	oldWd, _ := os.Getwd()
	os.Chdir(tmpDir)
	defer os.Chdir(oldWd)

	t.Setenv("PERSIST_DATABASE_DSN", "file:test.db?_foreign_keys=on")
	t.Setenv("PERSIST_SESSION_MAX_FETCH_DEPTH", "4")
	t.Setenv("PERSIST_LOG_LEVEL", "warn")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.Database.DSN != "file:test.db?_foreign_keys=on" {
		t.Errorf("expected DSN from environment, got %s", cfg.Database.DSN)
	}
	if cfg.Session.MaxFetchDepth != 4 {
		t.Errorf("expected max fetch depth 4 from environment, got %d", cfg.Session.MaxFetchDepth)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("expected log level from environment, got %s", cfg.Log.Level)
	}
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown driver", func(c *Config) { c.Database.Driver = "oracle" }, "database.driver"},
		{"empty dsn", func(c *Config) { c.Database.DSN = "" }, "database.dsn"},
		{"bad isolation", func(c *Config) { c.Database.Isolation = "snapshot" }, "database.isolation"},
		{"negative timeout", func(c *Config) { c.Database.Timeout = -time.Second }, "database.timeout"},
		{"zero depth", func(c *Config) { c.Session.MaxFetchDepth = 0 }, "session.max_fetch_depth"},
		{"cache without ttl", func(c *Config) { c.Cache.Enabled = true; c.Cache.TTL = 0 }, "cache.ttl"},
		{"cache without addr", func(c *Config) { c.Cache.Enabled = true; c.Cache.Addr = "" }, "cache.addr"},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := validateConfig(cfg)
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error to mention %s, got %v", tt.want, err)
			}
		})
	}

	if err := validateConfig(Default()); err != nil {
		t.Errorf("expected defaults to validate, got %v", err)
	}
}
