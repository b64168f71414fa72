/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

package commands

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/suparena/membership"
	"github.com/suparena/membership/cache"
	"github.com/suparena/membership/config"
	"github.com/suparena/membership/datastore"
	"github.com/suparena/membership/datastore/ddb"
	"github.com/suparena/membership/datastore/mock"
	"github.com/suparena/membership/datastore/pg"
	"github.com/suparena/membership/datastore/sqlite"
	"github.com/suparena/membership/errors"
	"github.com/suparena/membership/logger"
	"github.com/suparena/membership/notify"
	"github.com/suparena/membership/registry"
	"github.com/suparena/membership/sweeper"
	"github.com/suparena/membership/tracing"
)

var (
	// ConfigPath is the configuration file given with --config.
	ConfigPath string

	cfg *config.Config
)

// ErrNothingRemoved is returned by sweep when no membership had expired.
var ErrNothingRemoved = errors.New("no expired memberships found")

// Setup loads the configuration and initializes the global logger.
func Setup() error {
	c, err := config.Load(ConfigPath)
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}
	if err := logger.Initialize(c.Log.JSON, c.Log.Level); err != nil {
		return errors.Wrap(err, "failed to initialize logger")
	}
	cfg = c
	return nil
}

type closeFunc func(ctx context.Context) error

// app holds the wired services a command runs against.
type app struct {
	store   *membership.Store
	sweeper *sweeper.Sweeper
	logger  *zap.SugaredLogger
	closers []closeFunc
}

func openApp(ctx context.Context) (_ *app, err error) {
	l := logger.Named("membership")
	a := &app{logger: l}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	tp, shutdown, err := tracing.Setup(ctx, cfg.Trace.ServiceName, cfg.Trace.Endpoint)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closeFunc(shutdown))

	reg := registry.New(registry.WithLogger(l))
	if cfg.Capabilities != "" {
		if err := reg.LoadFile(cfg.Capabilities); err != nil {
			return nil, err
		}
	} else {
		l.Warnw("No capabilities file configured, every membership will be rejected")
	}

	ds, closeDS, err := openDataStore(ctx, l)
	if err != nil {
		return nil, err
	}
	if closeDS != nil {
		a.closers = append(a.closers, closeDS)
	}

	c := newCache()
	bus := notify.NewBus(l)
	// Sweeps bypass the Store, so their events drive invalidation.
	bus.Subscribe(notify.Expired, cache.InvalidationHandler(c))

	if cfg.Redis.Addr != "" {
		client := notify.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		bus.SubscribeAll(notify.NewRedisSink(client, cfg.Redis.Channel).Handle)
		l.Infow("Publishing events to Redis", "addr", cfg.Redis.Addr, "channel", cfg.Redis.Channel)
	}

	a.store = membership.New(ds, reg,
		membership.WithNotifier(bus),
		membership.WithCache(c),
		membership.WithLogger(l),
		membership.WithTracerProvider(tp),
		membership.WithDefaultPageSize(cfg.PageSize),
	)
	a.sweeper = sweeper.New(ds,
		sweeper.WithNotifier(bus),
		sweeper.WithLogger(l),
		sweeper.WithTracerProvider(tp),
		sweeper.WithBatchSize(cfg.Sweep.BatchSize),
		sweeper.WithRateLimit(cfg.Sweep.Rate, cfg.Sweep.Burst),
	)
	return a, nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warnw("Failed to release resource", "error", err)
		}
	}
	a.closers = nil
}

// openDataStore opens the configured backend, creating or migrating its
// schema.
func openDataStore(ctx context.Context, l *zap.SugaredLogger) (datastore.DataStore, closeFunc, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		l.Warnw("Using the in-memory backend, memberships are lost on exit")
		return mock.New(), nil, nil
	case config.BackendSQLite:
		s, err := sqlite.Open(ctx, cfg.SQLite.Path, cfg.SQLite.BusyTimeout, l)
		if err != nil {
			return nil, nil, err
		}
		return s, func(context.Context) error { return s.Close() }, nil
	case config.BackendPostgres:
		s, err := pg.Open(cfg.Postgres.DSN, l)
		if err != nil {
			return nil, nil, err
		}
		return s, func(context.Context) error { return s.Close() }, nil
	case config.BackendDynamoDB:
		s, err := ddb.Open(ctx, ddb.ClientConfig{
			AccessKey: cfg.DynamoDB.AccessKey,
			SecretKey: cfg.DynamoDB.SecretKey,
			Region:    cfg.DynamoDB.Region,
			Endpoint:  cfg.DynamoDB.Endpoint,
		}, cfg.DynamoDB.Table, l)
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	}
	return nil, nil, errors.NewValidationError("backend", "unknown backend "+cfg.Backend)
}

func newCache() cache.Cache {
	switch cfg.Cache.Kind {
	case config.CacheLocal:
		return cache.NewLocal(cfg.Cache.TTL)
	case config.CacheMemcached:
		if cfg.Cache.TTL <= 0 {
			return cache.Nop()
		}
		return cache.NewMemcached(cache.NewMemcachedClient(cfg.Cache.Memcached...), cfg.Cache.Prefix, cfg.Cache.TTL)
	}
	return cache.Nop()
}
