/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suparena/membership/errors"
)

func TestDefaults(t *testing.T) {
	cfg, err := LoadWithViper(NewViper())
	require.NoError(t, err)

	assert.Equal(t, BackendSQLite, cfg.Backend)
	assert.Equal(t, 15, cfg.PageSize)
	assert.Equal(t, "membership.db", cfg.SQLite.Path)
	assert.Equal(t, 5*time.Second, cfg.SQLite.BusyTimeout)
	assert.Equal(t, time.Hour, cfg.Sweep.Interval)
	assert.Equal(t, CacheLocal, cfg.Cache.Kind)
	assert.Zero(t, cfg.Cache.TTL, "cache is off by default")
	assert.Equal(t, "membership:events", cfg.Redis.Channel)
	assert.Empty(t, cfg.Trace.Endpoint)
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "membership.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
backend: postgres
page_size: 25
postgres:
  dsn: postgres://localhost/membership
cache:
  kind: memcached
  ttl: 30s
  memcached: ["127.0.0.1:11211"]
sweep:
  interval: 15m
  rate: 50
log:
  json: true
  level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, BackendPostgres, cfg.Backend)
	assert.Equal(t, 25, cfg.PageSize)
	assert.Equal(t, "postgres://localhost/membership", cfg.Postgres.DSN)
	assert.Equal(t, 30*time.Second, cfg.Cache.TTL)
	assert.Equal(t, []string{"127.0.0.1:11211"}, cfg.Cache.Memcached)
	assert.Equal(t, 15*time.Minute, cfg.Sweep.Interval)
	assert.Equal(t, 50.0, cfg.Sweep.Rate)
	assert.True(t, cfg.Log.JSON)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, "backend: sqlite\nsqlite:\n  path: file.db\n")
	t.Setenv("MEMBERSHIP_SQLITE_PATH", "env.db")
	t.Setenv("MEMBERSHIP_SWEEP_INTERVAL", "2h")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "env.db", cfg.SQLite.Path)
	assert.Equal(t, 2*time.Hour, cfg.Sweep.Interval)
}

func TestCredentialFallbackVariables(t *testing.T) {
	t.Setenv("MEMBERSHIP_BACKEND", "postgres")
	t.Setenv("DATABASE_URL", "postgres://fallback/membership")

	cfg, err := LoadWithViper(NewViper())
	require.NoError(t, err)
	assert.Equal(t, "postgres://fallback/membership", cfg.Postgres.DSN)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := LoadWithViper(NewViper())
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"unknown backend", func(c *Config) { c.Backend = "mongo" }, "backend"},
		{"sqlite without path", func(c *Config) { c.SQLite.Path = "" }, "sqlite.path"},
		{"postgres without dsn", func(c *Config) { c.Backend = BackendPostgres }, "postgres.dsn"},
		{"dynamodb without table", func(c *Config) { c.Backend = BackendDynamoDB; c.DynamoDB.Table = "" }, "dynamodb.table"},
		{"zero page size", func(c *Config) { c.PageSize = 0 }, "page_size"},
		{"unknown cache", func(c *Config) { c.Cache.Kind = "disk" }, "cache.kind"},
		{"memcached without servers", func(c *Config) { c.Cache.Kind = CacheMemcached; c.Cache.TTL = time.Minute }, "cache.memcached"},
		{"negative ttl", func(c *Config) { c.Cache.TTL = -time.Second }, "cache.ttl"},
		{"zero sweep interval", func(c *Config) { c.Sweep.Interval = 0 }, "sweep.interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsValidationError(err))

			var ve *errors.ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, tt.field, ve.Field)
		})
	}

	assert.NoError(t, base().Validate())
	memory := base()
	memory.Backend = BackendMemory
	assert.NoError(t, memory.Validate())
}
