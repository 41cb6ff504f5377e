package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"seqtx"
	cbmemory "seqtx/circuit/memory"
	"seqtx/event"
	"seqtx/lock"
	redislock "seqtx/lock/redis"
	"seqtx/logging"
	prommetrics "seqtx/metrics/prometheus"
	"seqtx/store/memory"
	"seqtx/store/mysql"
	"seqtx/store/postgres"
	redisstore "seqtx/store/redis"
	"seqtx/tracing"
)

// Runtime is a coordinator wired to the configured backend.
type Runtime struct {
	Config      *Config
	Coordinator *seqtx.Coordinator
	Events      *event.MemoryEventBus
	Breaker     *cbmemory.MemoryBreaker
	Metrics     *prommetrics.PrometheusMetrics
	Registry    *prometheus.Registry
	Logger      *zap.Logger

	// Locker is set for the redis backend only.
	Locker lock.Locker

	closers []func() error
}

// Open builds the store, the ambient stack and the coordinator described by cfg.
func Open(ctx context.Context, cfg *Config) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}

	rt := &Runtime{
		Config:   cfg,
		Logger:   logger,
		Registry: prometheus.NewRegistry(),
		Events:   event.NewMemoryEventBus(event.WithLogger(logger)),
	}
	rt.closers = append(rt.closers, func() error {
		_ = logger.Sync()
		return nil
	})

	store, err := rt.openStore(ctx)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}

	rt.Metrics = prommetrics.New(prommetrics.Config{
		Namespace: cfg.Metrics.Namespace,
		Registry:  rt.Registry,
	})

	coordCfg := cfg.CoordinatorConfig()
	rt.Breaker = cbmemory.NewMemoryBreakerWithConfig(coordCfg.ToBreakerConfig())
	coord, err := seqtx.NewCoordinator(
		seqtx.WithStore(store),
		seqtx.WithCoordinatorConfig(coordCfg),
		seqtx.WithBreaker(rt.Breaker),
		seqtx.WithEventBus(rt.Events),
		seqtx.WithMetrics(rt.Metrics),
		seqtx.WithTracer(tracing.NewOTelTracer(tracing.DefaultConfig())),
		seqtx.WithLogger(logger),
	)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.Coordinator = coord

	logger.Debug("runtime ready", zap.String("backend", cfg.Backend))
	return rt, nil
}

func (rt *Runtime) openStore(ctx context.Context) (seqtx.Store, error) {
	cfg := rt.Config

	switch cfg.Backend {
	case BackendMemory:
		return memory.New(), nil

	case BackendMySQL:
		db, err := mysql.Open(cfg.MySQL.DSN)
		if err != nil {
			return nil, fmt.Errorf("open mysql: %w", err)
		}
		rt.closers = append(rt.closers, db.Close)
		var opts []mysql.Option
		if cfg.MySQL.Table != "" {
			opts = append(opts, mysql.WithTable(cfg.MySQL.Table))
		}
		return mysql.New(db, opts...), nil

	case BackendPostgres:
		pool, err := postgres.Connect(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		rt.closers = append(rt.closers, func() error {
			pool.Close()
			return nil
		})
		var opts []postgres.Option
		if cfg.Postgres.Table != "" {
			opts = append(opts, postgres.WithTable(cfg.Postgres.Table))
		}
		return postgres.New(pool, opts...), nil

	case BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rt.closers = append(rt.closers, client.Close)

		var lockOpts []redislock.Option
		if cfg.Redis.LockPrefix != "" {
			lockOpts = append(lockOpts, redislock.WithPrefix(cfg.Redis.LockPrefix))
		}
		rt.Locker = redislock.NewRedisLocker(client, lockOpts...)

		var opts []redisstore.Option
		if cfg.Redis.Prefix != "" {
			opts = append(opts, redisstore.WithPrefix(cfg.Redis.Prefix))
		}
		return redisstore.New(client, opts...), nil
	}

	return nil, fmt.Errorf("%w: unknown backend %q", seqtx.ErrInvalidConfig, cfg.Backend)
}

// Close releases connections in reverse order of creation.
func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
