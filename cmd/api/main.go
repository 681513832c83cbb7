package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/pixelconvert/internal/api"
	"github.com/dunamismax/pixelconvert/internal/app"
	"github.com/dunamismax/pixelconvert/internal/config"
	"github.com/dunamismax/pixelconvert/internal/queue"
	"github.com/dunamismax/pixelconvert/internal/registry"
	"github.com/dunamismax/pixelconvert/internal/telemetry"
)

func main() {
	cfg := config.Load()
	logger := log.New(os.Stdout, "[api] ", log.LstdFlags|log.Lmsgprefix)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfigFrom("pixelconvert-api", cfg.Telemetry), logger)
	if err != nil {
		logger.Fatalf("tracing setup failed: %v", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Printf("tracing shutdown error: %v", err)
		}
	}()

	queued := cfg.API.DispatchMode == config.DispatchQueue
	metrics := api.NewMetrics()
	rt, err := app.Open(ctx, cfg, logger, app.Options{
		Observer:   metrics,
		SharedLock: queued,
	})
	if err != nil {
		logger.Fatalf("startup failed: %v", err)
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Printf("close error: %v", err)
		}
	}()

	var queueClient *queue.Client
	if queued {
		queueClient = queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name, cfg.Convert.Timeout)
		defer func() {
			if err := queueClient.Close(); err != nil {
				logger.Printf("queue client close error: %v", err)
			}
		}()
	} else {
		// The worker owns expiry in queue mode.
		go expireLoop(ctx, logger, rt.Registry, cfg.Registry)
	}

	opts := api.Options{
		DispatchMode:   cfg.API.DispatchMode,
		QueueName:      cfg.Queue.Name,
		MaxUploadBytes: cfg.API.MaxUploadBytes(),
		DefaultQuality: cfg.Convert.DefaultQuality,
	}
	var server *api.Server
	if queueClient != nil {
		server, err = api.NewServer(logger, rt.Registry, queueClient, metrics, opts)
	} else {
		server, err = api.NewServer(logger, rt.Registry, nil, metrics, opts)
	}
	if err != nil {
		logger.Fatalf("api setup failed: %v", err)
	}

	// Inline conversions can run up to the conversion timeout inside a request.
	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      server.Handler(),
		ReadTimeout:  2 * time.Minute,
		WriteTimeout: cfg.Convert.Timeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Printf("listening on %s dispatch=%s", cfg.API.Addr, cfg.API.DispatchMode)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("server failed: %v", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Println("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
}

func expireLoop(ctx context.Context, logger *log.Logger, reg *registry.Registry, cfg config.RegistryConfig) {
	if cfg.FileTTL <= 0 || cfg.CleanupInterval <= 0 {
		return
	}
	ticker := time.NewTicker(cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := reg.Expire(ctx, cfg.FileTTL); err != nil {
				logger.Printf("expiry failed err=%v", err)
			}
		}
	}
}
