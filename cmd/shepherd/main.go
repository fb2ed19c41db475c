package main

import (
	"context"
	"flag"
	stdlog "log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"readings-service/internal/app"
	"readings-service/internal/config"
	"readings-service/internal/worker"
)

func main() {
	once := flag.Bool("once", false, "run a single pass and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		stdlog.Fatalf("config: %v", err)
	}
	log, err := config.NewLogger(cfg.Log)
	if err != nil {
		stdlog.Fatalf("logger: %v", err)
	}
	defer log.Sync()

	local := cfg.Dispatch.Driver == config.DispatchLocal
	if *once && local {
		log.Fatal("shepherd: -once needs a transport that outlives the process (redis or amqp)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := app.OpenStore(ctx, cfg.Store, log)
	if err != nil {
		log.Fatal("shepherd: open store", zap.Error(err))
	}
	defer store.Close()

	tr, err := app.OpenTransport(ctx, cfg.Dispatch, log)
	if err != nil {
		log.Fatal("shepherd: open transport", zap.Error(err))
	}
	defer tr.Close()

	sh := app.NewShepherd(cfg, store, tr.Dispatcher, log)

	if *once {
		rep := app.RunOnce(ctx, sh, log)
		log.Info("shepherd: single pass done", zap.Any("report", rep))
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	if local {
		processor, err := app.NewProcessor(cfg, store, log)
		if err != nil {
			log.Fatal("shepherd: build processor", zap.Error(err))
		}
		pool := worker.NewPool(tr.Source, processor, cfg.Worker.Workers, log)
		g.Go(func() error { return pool.Run(gctx) })
	}
	g.Go(func() error { return app.Schedule(gctx, cfg.Shepherd.Schedule, sh, log) })

	if err := g.Wait(); err != nil {
		log.Error("shepherd: stopped with error", zap.Error(err))
		return
	}
	log.Info("shepherd: stopped")
}
