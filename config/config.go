/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

// Package config loads the membership service configuration from a YAML
// file, a .env file and MEMBERSHIP_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/suparena/membership/errors"
)

// Backend names.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendDynamoDB = "dynamodb"
)

// Cache kinds.
const (
	CacheNone      = "none"
	CacheLocal     = "local"
	CacheMemcached = "memcached"
)

// Config is the complete service configuration.
type Config struct {
	Backend      string `mapstructure:"backend"`
	PageSize     int    `mapstructure:"page_size"`
	Capabilities string `mapstructure:"capabilities"`

	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	DynamoDB DynamoDBConfig `mapstructure:"dynamodb"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Sweep    SweepConfig    `mapstructure:"sweep"`
	Log      LogConfig      `mapstructure:"log"`
	Trace    TraceConfig    `mapstructure:"trace"`
}

type SQLiteConfig struct {
	Path        string        `mapstructure:"path"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`
}

type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

type DynamoDBConfig struct {
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Table     string `mapstructure:"table"`
	Endpoint  string `mapstructure:"endpoint"`
}

// RedisConfig enables publishing lifecycle events to Redis when Addr is set.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

// CacheConfig configures the listing cache. A TTL of zero disables it.
type CacheConfig struct {
	Kind      string        `mapstructure:"kind"`
	TTL       time.Duration `mapstructure:"ttl"`
	Memcached []string      `mapstructure:"memcached"`
	Prefix    string        `mapstructure:"prefix"`
}

type SweepConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	Rate      float64       `mapstructure:"rate"`
	Burst     int           `mapstructure:"burst"`
	BatchSize int           `mapstructure:"batch_size"`
}

type LogConfig struct {
	JSON  bool   `mapstructure:"json"`
	Level string `mapstructure:"level"`
}

type TraceConfig struct {
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"service_name"`
}

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("backend", BackendSQLite)
	v.SetDefault("page_size", 15)
	v.SetDefault("capabilities", "")

	v.SetDefault("sqlite.path", "membership.db")
	v.SetDefault("sqlite.busy_timeout", 5*time.Second)

	v.SetDefault("postgres.dsn", "")

	v.SetDefault("dynamodb.region", "us-east-1")
	v.SetDefault("dynamodb.access_key", "")
	v.SetDefault("dynamodb.secret_key", "")
	v.SetDefault("dynamodb.table", "memberships")
	v.SetDefault("dynamodb.endpoint", "")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "membership:events")

	v.SetDefault("cache.kind", CacheLocal)
	v.SetDefault("cache.ttl", time.Duration(0))
	v.SetDefault("cache.memcached", []string{})
	v.SetDefault("cache.prefix", "membership")

	v.SetDefault("sweep.interval", time.Hour)
	v.SetDefault("sweep.rate", 0.0)
	v.SetDefault("sweep.burst", 1)
	v.SetDefault("sweep.batch_size", 100)

	v.SetDefault("log.json", false)
	v.SetDefault("log.level", "info")

	v.SetDefault("trace.endpoint", "")
	v.SetDefault("trace.service_name", "membership")
}

// BindSensitiveEnvVars binds credentials to their conventional variables as
// well as the MEMBERSHIP_* ones.
func BindSensitiveEnvVars(v *viper.Viper) {
	_ = v.BindEnv("postgres.dsn", "MEMBERSHIP_POSTGRES_DSN", "DATABASE_URL")
	_ = v.BindEnv("dynamodb.access_key", "MEMBERSHIP_DYNAMODB_ACCESS_KEY", "AWS_ACCESS_KEY_ID")
	_ = v.BindEnv("dynamodb.secret_key", "MEMBERSHIP_DYNAMODB_SECRET_KEY", "AWS_SECRET_ACCESS_KEY")
	_ = v.BindEnv("redis.password", "MEMBERSHIP_REDIS_PASSWORD")
}

// NewViper returns a viper instance with defaults and environment binding.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("MEMBERSHIP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	BindSensitiveEnvVars(v)
	SetDefaults(v)
	return v
}

// Load reads the configuration. A .env file in the working directory is
// loaded first when present; path may be empty to rely on defaults and the
// environment alone. Environment variables override the file.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := NewViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", path)
		}
	}
	return LoadWithViper(v)
}

// LoadWithViper decodes and validates the configuration held by v.
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings the selected backend and cache depend on.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.SQLite.Path == "" {
			return errors.NewValidationError("sqlite.path", "required for the sqlite backend")
		}
	case BackendPostgres:
		if c.Postgres.DSN == "" {
			return errors.NewValidationError("postgres.dsn", "required for the postgres backend")
		}
	case BackendDynamoDB:
		if c.DynamoDB.Table == "" {
			return errors.NewValidationError("dynamodb.table", "required for the dynamodb backend")
		}
	default:
		return errors.NewValidationError("backend", fmt.Sprintf("unknown backend %q", c.Backend))
	}

	if c.PageSize <= 0 {
		return errors.NewValidationError("page_size", "must be positive")
	}

	switch c.Cache.Kind {
	case CacheNone, CacheLocal:
	case CacheMemcached:
		if c.Cache.TTL > 0 && len(c.Cache.Memcached) == 0 {
			return errors.NewValidationError("cache.memcached", "at least one server is required")
		}
	default:
		return errors.NewValidationError("cache.kind", fmt.Sprintf("unknown cache kind %q", c.Cache.Kind))
	}
	if c.Cache.TTL < 0 {
		return errors.NewValidationError("cache.ttl", "must not be negative")
	}

	if c.Sweep.Interval <= 0 {
		return errors.NewValidationError("sweep.interval", "must be positive")
	}
	return nil
}
