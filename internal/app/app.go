// Package app assembles the file registry and its backends from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/dunamismax/pixelconvert/internal/config"
	"github.com/dunamismax/pixelconvert/internal/lock"
	"github.com/dunamismax/pixelconvert/internal/pipeline"
	"github.com/dunamismax/pixelconvert/internal/registry"
	"github.com/dunamismax/pixelconvert/internal/storage"
	"github.com/dunamismax/pixelconvert/internal/store"
	"github.com/redis/go-redis/v9"
)

type Options struct {
	Observer registry.Observer
	// SharedLock switches per-file locking to Redis so conversions for one
	// id are serialized across processes.
	SharedLock bool
}

type Runtime struct {
	Registry *registry.Registry
	closers  []func() error
}

// Close releases backends in reverse order of opening.
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

func Open(ctx context.Context, cfg config.Config, logger *log.Logger, opts Options) (*Runtime, error) {
	rt := &Runtime{}
	opened := false
	defer func() {
		if !opened {
			_ = rt.Close()
		}
	}()

	if err := pipeline.Startup(); err != nil {
		return nil, fmt.Errorf("start image runtime: %w", err)
	}
	rt.closers = append(rt.closers, func() error {
		pipeline.Shutdown()
		return nil
	})

	converter, err := pipeline.NewConverter(logger, pipeline.Config{
		Fallback:   cfg.Convert.Fallback,
		AutoOrient: cfg.Convert.AutoOrient,
	})
	if err != nil {
		return nil, err
	}

	records, err := rt.openRecords(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	blobs, err := openBlobs(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, err
	}
	locker, err := rt.openLocker(ctx, cfg, logger, opts.SharedLock)
	if err != nil {
		return nil, err
	}

	reg, err := registry.New(registry.Deps{
		Store:     records,
		Blobs:     blobs,
		Converter: converter,
		Locker:    locker,
		Observer:  opts.Observer,
		Logger:    logger,
	}, registry.Config{
		Timeout: cfg.Convert.Timeout,
		Naming:  cfg.Registry.Naming,
	})
	if err != nil {
		return nil, err
	}
	rt.Registry = reg
	opened = true
	return rt, nil
}

func (rt *Runtime) openRecords(ctx context.Context, cfg config.Config, logger *log.Logger) (store.RecordStore, error) {
	switch cfg.Registry.Backend {
	case "", config.BackendMemory:
		if cfg.API.DispatchMode == config.DispatchQueue {
			logger.Printf("warning: memory registry is not shared with other processes backend=%s dispatch=%s", config.BackendMemory, cfg.API.DispatchMode)
		}
		return store.NewMemoryRecordStore(), nil
	case config.BackendPostgres:
		s, err := store.NewPostgresRecordStore(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, s.Close)
		logger.Printf("registry backend=postgres")
		return s, nil
	case config.BackendBadger:
		s, err := store.NewBadgerRecordStore(cfg.Registry.BadgerDir)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, s.Close)
		logger.Printf("registry backend=badger dir=%s", cfg.Registry.BadgerDir)
		return s, nil
	default:
		return nil, fmt.Errorf("unknown registry backend %q", cfg.Registry.Backend)
	}
}

func openBlobs(ctx context.Context, cfg config.StorageConfig, logger *log.Logger) (storage.BlobStore, error) {
	switch cfg.Backend {
	case "", config.BlobLocal:
		blobs, err := storage.NewLocalBlobStore(cfg.LocalDir)
		if err != nil {
			return nil, err
		}
		logger.Printf("blob backend=local dir=%s", cfg.LocalDir)
		return blobs, nil
	case config.BlobMinio:
		blobs, err := storage.NewMinioBlobStore(storage.MinioConfig{
			Endpoint: cfg.Endpoint,
			Access:   cfg.AccessKey,
			Secret:   cfg.SecretKey,
			Bucket:   cfg.Bucket,
			UseSSL:   cfg.UseSSL,
		})
		if err != nil {
			return nil, err
		}
		bucketCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := blobs.EnsureBucket(bucketCtx); err != nil {
			return nil, err
		}
		logger.Printf("blob backend=minio endpoint=%s bucket=%s", cfg.Endpoint, cfg.Bucket)
		return blobs, nil
	default:
		return nil, fmt.Errorf("unknown blob backend %q", cfg.Backend)
	}
}

func (rt *Runtime) openLocker(ctx context.Context, cfg config.Config, logger *log.Logger, shared bool) (lock.Locker, error) {
	if !shared {
		return lock.NewKeyedMutex(), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Queue.RedisAddr,
		Password: cfg.Queue.RedisPassword,
		DB:       cfg.Queue.RedisDB,
	})
	rt.closers = append(rt.closers, client.Close)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	// The lease outlives the slowest permitted conversion.
	return lock.NewRedisLocker(client, "pixelconvert:lock", cfg.Convert.Timeout+time.Minute, logger)
}
