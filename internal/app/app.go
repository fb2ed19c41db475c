// Package app assembles the store, the hand-off transport and the job
// components from configuration. The binaries under cmd/ share it.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"readings-service/internal/config"
	"readings-service/internal/dispatch"
	"readings-service/internal/extraction"
	"readings-service/internal/jobstate"
	"readings-service/internal/repository"
	"readings-service/internal/repository/memory"
	"readings-service/internal/repository/postgresql"
	"readings-service/internal/repository/sqlite"
	"readings-service/internal/shepherd"
	"readings-service/internal/worker"
)

var (
	_ repository.Store = pgStore{}
	_ repository.Store = (*sqlite.Store)(nil)
	_ repository.Store = (*memory.Store)(nil)
)

type pgStore struct {
	*postgresql.Store
	pool *pgxpool.Pool
}

func (s pgStore) Close() error {
	s.pool.Close()
	return nil
}

// OpenStore connects the configured backend and brings its schema up to date.
func OpenStore(ctx context.Context, cfg config.StoreConfig, log *zap.Logger) (repository.Store, error) {
	switch cfg.Driver {
	case config.StorePostgres:
		pool, err := postgresql.NewPool(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		if err := postgresql.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		log.Info("store: postgres ready", zap.String("dsn", config.RedactDSN(cfg.PostgresDSN)))
		return pgStore{Store: postgresql.NewStore(pool), pool: pool}, nil
	case config.StoreSQLite:
		s, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite: %w", err)
		}
		log.Info("store: sqlite ready", zap.String("path", cfg.SQLitePath))
		return s, nil
	case config.StoreMemory:
		log.Warn("store: in-memory, state is lost on exit")
		return memory.New(), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

// Transport is one hand-off channel seen from both ends.
type Transport struct {
	Dispatcher dispatch.Dispatcher
	Source     dispatch.Source
	// Redis is set only for the redis driver; workers sweep it.
	Redis   *dispatch.RedisQueue
	Driver  string
	closers []func() error
}

func (t *Transport) Close() error {
	var errs []error
	for i := len(t.closers) - 1; i >= 0; i-- {
		errs = append(errs, t.closers[i]())
	}
	return errors.Join(errs...)
}

func OpenTransport(ctx context.Context, cfg config.DispatchConfig, log *zap.Logger) (*Transport, error) {
	switch cfg.Driver {
	case config.DispatchRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		q := dispatch.NewRedisQueue(rdb, cfg.QueueKey, cfg.ProcessingKey)
		log.Info("dispatch: redis ready", zap.String("addr", cfg.RedisAddr), zap.String("queue_key", cfg.QueueKey))
		return &Transport{Dispatcher: q, Source: q, Redis: q, Driver: cfg.Driver, closers: []func() error{rdb.Close}}, nil
	case config.DispatchAMQP:
		q, err := dispatch.NewAMQPQueue(cfg.AMQPURL, cfg.AMQPQueue, cfg.AMQPPrefetch)
		if err != nil {
			return nil, fmt.Errorf("amqp: %w", err)
		}
		log.Info("dispatch: amqp ready", zap.String("url", config.RedactDSN(cfg.AMQPURL)), zap.String("queue", cfg.AMQPQueue))
		return &Transport{Dispatcher: q, Source: q, Driver: cfg.Driver, closers: []func() error{q.Close}}, nil
	case config.DispatchLocal:
		q := dispatch.NewLocalQueue(cfg.LocalBuffer)
		return &Transport{Dispatcher: q, Source: q, Driver: cfg.Driver}, nil
	}
	return nil, fmt.Errorf("unknown dispatch driver %q", cfg.Driver)
}

func Policy(c config.ShepherdConfig) jobstate.Policy {
	p := jobstate.DefaultPolicy()
	p.MaxRetries = c.MaxRetries
	return p
}

func NewShepherd(cfg *config.Config, store shepherd.Store, d dispatch.Dispatcher, log *zap.Logger) *shepherd.Shepherd {
	c := cfg.Shepherd
	return shepherd.New(store, d, shepherd.Config{
		DispatchBatch:       c.DispatchBatch,
		DispatchConcurrency: c.DispatchConcurrency,
		DispatchTimeout:     c.DispatchTimeout,
		AuditBatch:          c.AuditBatch,
		StaleAfter:          c.StaleAfter,
		Retention:           c.Retention,
		FailureThreshold:    c.FailureThreshold,
		BreakerCooldown:     c.BreakerCooldown,
		Policy:              Policy(c),
	}, log)
}

// NewProcessor wires the worker to the HTTP extraction service.
func NewProcessor(cfg *config.Config, store worker.Store, log *zap.Logger) (*worker.Processor, error) {
	if err := cfg.ValidateWorker(); err != nil {
		return nil, err
	}
	mapper, err := extraction.NewMapper()
	if err != nil {
		return nil, err
	}
	extractor := extraction.NewHTTPExtractor(cfg.Extractor.URL, cfg.Extractor.Token, cfg.Extractor.Timeout, log)
	return worker.NewProcessor(store, extractor, extraction.NewRefLoader(cfg.Worker.InputBaseDir), mapper, worker.Config{
		Policy:            Policy(cfg.Shepherd),
		CriticalFields:    cfg.Worker.CriticalFields,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
	}, log), nil
}
