package main

import (
	"context"
	stdlog "log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"readings-service/internal/app"
	"readings-service/internal/config"
	"readings-service/internal/dispatch"
	"readings-service/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		stdlog.Fatalf("config: %v", err)
	}
	log, err := config.NewLogger(cfg.Log)
	if err != nil {
		stdlog.Fatalf("logger: %v", err)
	}
	defer log.Sync()

	if cfg.Dispatch.Driver == config.DispatchLocal {
		log.Fatal("worker: DISPATCH_DRIVER=local only reaches workers inside cmd/api or cmd/shepherd")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := app.OpenStore(ctx, cfg.Store, log)
	if err != nil {
		log.Fatal("worker: open store", zap.Error(err))
	}
	defer store.Close()

	tr, err := app.OpenTransport(ctx, cfg.Dispatch, log)
	if err != nil {
		log.Fatal("worker: open transport", zap.Error(err))
	}
	defer tr.Close()

	processor, err := app.NewProcessor(cfg, store, log)
	if err != nil {
		log.Fatal("worker: build processor", zap.Error(err))
	}

	// Hand-offs whose worker died stay in the Redis processing lists. The
	// job itself comes back through the shepherd audit with a new lease, so
	// old entries are only dropped, never re-pushed.
	if tr.Redis != nil {
		go sweep(ctx, tr.Redis, cfg.Dispatch.SweepEvery, cfg.Shepherd.StaleAfter, log)
	}

	log.Info("worker: config",
		zap.Int("workers", cfg.Worker.Workers),
		zap.String("store", cfg.Store.Driver),
		zap.String("dispatch", cfg.Dispatch.Driver),
		zap.String("extractor", cfg.Extractor.URL),
		zap.String("postgres_dsn", config.RedactDSN(cfg.Store.PostgresDSN)),
	)

	pool := worker.NewPool(tr.Source, processor, cfg.Worker.Workers, log)
	if err := pool.Run(ctx); err != nil {
		log.Error("worker: pool stopped with error", zap.Error(err))
	}
}

func sweep(ctx context.Context, q *dispatch.RedisQueue, every, staleAfter time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := q.Sweep(ctx, time.Now().Add(-staleAfter))
			if err != nil {
				log.Warn("worker: sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				log.Info("worker: swept stale hand-offs", zap.Int64("count", n))
			}
		}
	}
}
