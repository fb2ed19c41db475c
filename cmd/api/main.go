// @title Readings Service API
// @version 1.0
// @description Enqueue meter images for reading extraction, query job status and dedup fingerprints.
// @BasePath /
package main

import (
	"context"
	"errors"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	_ "readings-service/docs"
	"readings-service/internal/app"
	"readings-service/internal/config"
	"readings-service/internal/service"
	httptransport "readings-service/internal/transport/http"
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := app.OpenStore(ctx, cfg.Store, log)
	if err != nil {
		log.Fatal("api: open store", zap.Error(err))
	}
	defer store.Close()

	svc := service.NewJobService(store, log)
	g, gctx := errgroup.WithContext(ctx)

	// The trigger endpoint needs a transport to dispatch on. With the local
	// driver the whole pipeline runs in this process.
	var runner httptransport.ShepherdRunner
	if cfg.HTTP.AdminTokenHash != "" || cfg.Dispatch.Driver == config.DispatchLocal {
		tr, err := app.OpenTransport(ctx, cfg.Dispatch, log)
		if err != nil {
			log.Fatal("api: open transport", zap.Error(err))
		}
		defer tr.Close()

		sh := app.NewShepherd(cfg, store, tr.Dispatcher, log)
		runner = sh

		if tr.Driver == config.DispatchLocal {
			proc, err := app.NewProcessor(cfg, store, log)
			if err != nil {
				log.Fatal("api: build processor", zap.Error(err))
			}
			pool := worker.NewPool(tr.Source, proc, cfg.Worker.Workers, log)
			g.Go(func() error { return pool.Run(gctx) })
			g.Go(func() error { return app.Schedule(gctx, cfg.Shepherd.Schedule, sh, log) })
			log.Info("api: running embedded shepherd and workers", zap.Int("workers", cfg.Worker.Workers))
		}
	}

	h := httptransport.NewHandler(svc, runner, cfg.HTTP.AdminTokenHash, log)
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           httptransport.Routes(h, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		log.Info("api: listening", zap.String("addr", cfg.HTTP.Addr), zap.String("store", cfg.Store.Driver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("api: stopped with error", zap.Error(err))
		return
	}
	log.Info("api: stopped")
}
