package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/dunamismax/pixelconvert/internal/app"
	"github.com/dunamismax/pixelconvert/internal/config"
	"github.com/dunamismax/pixelconvert/internal/telemetry"
	"github.com/dunamismax/pixelconvert/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := log.New(os.Stdout, "[worker] ", log.LstdFlags|log.Lmsgprefix)

	shutdownTracing, err := telemetry.SetupTracing(context.Background(), telemetry.TraceConfigFrom("pixelconvert-worker", cfg.Telemetry), logger)
	if err != nil {
		logger.Fatalf("tracing setup failed: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Printf("tracing shutdown error: %v", err)
		}
	}()

	metrics := worker.NewMetrics()
	rt, err := app.Open(context.Background(), cfg, logger, app.Options{
		Observer:   metrics,
		SharedLock: true,
	})
	if err != nil {
		logger.Fatalf("startup failed: %v", err)
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Printf("close error: %v", err)
		}
	}()

	srv, err := worker.NewServer(logger, cfg.Queue, cfg.Worker, cfg.Registry, rt.Registry, metrics)
	if err != nil {
		logger.Fatalf("worker setup failed: %v", err)
	}

	metricsServer := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           srv.MetricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Printf("metrics listening on %s", cfg.Worker.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("metrics server failed: %v", err)
		}
	}()

	logger.Printf(
		"starting worker concurrency=%d queue=%s redis=%s registry=%s blobs=%s",
		cfg.Worker.Concurrency,
		cfg.Queue.Name,
		cfg.Queue.RedisAddr,
		cfg.Registry.Backend,
		cfg.Storage.Backend,
	)

	// Run returns once asynq has handled SIGINT/SIGTERM.
	runErr := srv.Run()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(ctx); err != nil {
		logger.Printf("metrics shutdown failed: %v", err)
	}
	if runErr != nil {
		logger.Printf("worker failed: %v", runErr)
	}
}
