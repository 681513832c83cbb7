package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/dunamismax/pixelconvert/internal/config"
	"github.com/dunamismax/pixelconvert/internal/domain"
	"github.com/dunamismax/pixelconvert/internal/pipeline"
	"github.com/dunamismax/pixelconvert/internal/queue"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// FileRegistry is the part of the registry the worker drives.
type FileRegistry interface {
	Get(ctx context.Context, id string) (domain.FileRecord, error)
	Convert(ctx context.Context, id string, opts domain.ConvertOptions) (domain.FileRecord, pipeline.Result, error)
	Fail(ctx context.Context, id, reason string) (domain.FileRecord, error)
	Expire(ctx context.Context, maxAge time.Duration) (int, error)
}

type Server struct {
	logger          *log.Logger
	server          *asynq.Server
	scheduler       *asynq.Scheduler
	queueName       string
	registry        FileRegistry
	metrics         *Metrics
	tracer          trace.Tracer
	fileTTL         time.Duration
	cleanupInterval time.Duration
}

func NewServer(
	logger *log.Logger,
	queueCfg config.QueueConfig,
	workerCfg config.WorkerConfig,
	registryCfg config.RegistryConfig,
	registry FileRegistry,
	metrics *Metrics,
) (*Server, error) {
	if registry == nil {
		return nil, fmt.Errorf("file registry is required")
	}
	if metrics == nil {
		metrics = NewMetrics()
	}

	s := &Server{
		logger: logger,
		server: asynq.NewServer(
			queueCfg.RedisClientOpt(),
			asynq.Config{
				Concurrency: max(1, workerCfg.Concurrency),
				Queues: map[string]int{
					queueCfg.Name: 1,
				},
				LogLevel: asynq.InfoLevel,
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					retried, _ := asynq.GetRetryCount(ctx)
					maxRetry, _ := asynq.GetMaxRetry(ctx)
					logger.Printf("task failed type=%s retry=%d/%d err=%v", task.Type(), retried, maxRetry, err)
				}),
			},
		),
		scheduler: asynq.NewScheduler(queueCfg.RedisClientOpt(), &asynq.SchedulerOpts{
			LogLevel: asynq.WarnLevel,
		}),
		queueName:       queueCfg.Name,
		registry:        registry,
		metrics:         metrics,
		tracer:          otel.Tracer("pixelconvert/worker"),
		fileTTL:         registryCfg.FileTTL,
		cleanupInterval: registryCfg.CleanupInterval,
	}
	return s, nil
}

func (s *Server) Handler() asynq.Handler {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeConvertFile, s.handleConvertFile)
	mux.HandleFunc(queue.TypeExpireFiles, s.handleExpireFiles)
	return mux
}

// Run blocks until the asynq server is told to stop.
func (s *Server) Run() error {
	if s.fileTTL > 0 && s.cleanupInterval > 0 {
		task, err := queue.NewExpireFilesTask(s.fileTTL)
		if err != nil {
			return err
		}
		spec := fmt.Sprintf("@every %s", s.cleanupInterval)
		if _, err := s.scheduler.Register(spec, task, asynq.Queue(s.queueName), asynq.MaxRetry(0)); err != nil {
			return fmt.Errorf("register expiry task: %w", err)
		}
		if err := s.scheduler.Start(); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		defer s.scheduler.Shutdown()
		s.logger.Printf("expiry scheduled every=%s ttl=%s", s.cleanupInterval, s.fileTTL)
	}

	return s.server.Run(s.Handler())
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) track(taskType string) func(status string) {
	startedAt := time.Now()
	s.metrics.activeTasks.Inc()
	return func(status string) {
		s.metrics.activeTasks.Dec()
		s.metrics.taskDuration.WithLabelValues(taskType, status).Observe(time.Since(startedAt).Seconds())
		s.metrics.tasksTotal.WithLabelValues(taskType, status).Inc()
	}
}

func (s *Server) handleConvertFile(ctx context.Context, task *asynq.Task) error {
	outcome := "failed"
	done := s.track(queue.TypeConvertFile)
	defer func() { done(outcome) }()

	payload, err := queue.ParseConvertFilePayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	ctx, span := s.tracer.Start(ctx, "worker.convert_file", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("file.id", payload.FileID),
		attribute.String("convert.format", payload.Request.TargetFormat),
	)
	defer span.End()

	rec, err := s.registry.Get(ctx, payload.FileID)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, domain.ErrNotFound) {
			s.logger.Printf("convert skipped file_id=%s reason=removed before conversion", payload.FileID)
			outcome = "skipped"
			return nil
		}
		return fmt.Errorf("load record: %w", err)
	}

	opts, err := payload.Request.Options(rec.TargetFormat)
	if err != nil {
		s.fail(ctx, payload.FileID, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request")
		return fmt.Errorf("convert options: %v: %w", err, asynq.SkipRetry)
	}

	s.logger.Printf("Working... file_id=%s format=%s queued_for=%s", payload.FileID, opts.Format, time.Since(payload.RequestedAt).Round(time.Millisecond))

	rec, res, err := s.registry.Convert(ctx, payload.FileID, opts)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			outcome = "skipped"
			return nil
		}
		s.fail(ctx, payload.FileID, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "convert failed")
		return fmt.Errorf("convert file: %w", err)
	}
	if !res.Success {
		// The record already carries the error; retrying cannot fix bad input.
		if pipeline.IsClientError(res.Err) {
			outcome = "rejected"
		}
		span.SetStatus(codes.Error, res.Error)
		return nil
	}

	s.logger.Printf("Converted file_id=%s format=%s bytes=%d", rec.ID, opts.Format, rec.ConvertedSize)
	outcome = "succeeded"
	span.SetStatus(codes.Ok, "converted")
	return nil
}

func (s *Server) handleExpireFiles(ctx context.Context, task *asynq.Task) error {
	outcome := "failed"
	done := s.track(queue.TypeExpireFiles)
	defer func() { done(outcome) }()

	payload, err := queue.ParseExpireFilesPayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	removed, err := s.registry.Expire(ctx, payload.MaxAge())
	if err != nil {
		return fmt.Errorf("expire files: %w", err)
	}
	s.metrics.expiredFilesTotal.Add(float64(removed))
	outcome = "succeeded"
	return nil
}

func (s *Server) fail(ctx context.Context, id string, cause error) {
	if _, err := s.registry.Fail(context.WithoutCancel(ctx), id, cause.Error()); err != nil {
		s.logger.Printf("mark failed file_id=%s err=%v", id, err)
	}
}
