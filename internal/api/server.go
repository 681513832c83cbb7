package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/dunamismax/pixelconvert/internal/config"
	"github.com/dunamismax/pixelconvert/internal/domain"
	"github.com/dunamismax/pixelconvert/internal/queue"
	"github.com/dunamismax/pixelconvert/internal/registry"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	maxFilesPerUpload = 50
	maxBodyBytes      = 1 << 20
)

type Server struct {
	logger       *log.Logger
	registry     *registry.Registry
	queueClient  queueEnqueuer
	queueName    string
	dispatchMode string
	quality      int
	policy       domain.UploadPolicy
	metrics      *Metrics
	tracer       trace.Tracer
	mux          *http.ServeMux
}

type queueEnqueuer interface {
	EnqueueConvert(ctx context.Context, payload queue.ConvertFilePayload) (*asynq.TaskInfo, error)
}

type Options struct {
	DispatchMode   string
	QueueName      string
	MaxUploadBytes int64
	DefaultQuality int
}

// NewServer wires the HTTP surface. queueClient may be nil in inline mode.
func NewServer(logger *log.Logger, reg *registry.Registry, queueClient queueEnqueuer, metrics *Metrics, opts Options) (*Server, error) {
	if reg == nil {
		return nil, errors.New("file registry is required")
	}
	mode := strings.ToLower(strings.TrimSpace(opts.DispatchMode))
	if mode == "" {
		mode = config.DispatchInline
	}
	switch mode {
	case config.DispatchInline:
	case config.DispatchQueue:
		if queueClient == nil {
			return nil, errors.New("queue dispatch needs a queue client")
		}
	default:
		return nil, fmt.Errorf("unknown dispatch mode %q", opts.DispatchMode)
	}
	if metrics == nil {
		metrics = NewMetrics()
	}

	s := &Server{
		logger:       logger,
		registry:     reg,
		queueClient:  queueClient,
		queueName:    opts.QueueName,
		dispatchMode: mode,
		quality:      domain.ClampQuality(opts.DefaultQuality),
		policy:       domain.UploadPolicy{MaxBytes: opts.MaxUploadBytes},
		metrics:      metrics,
		tracer:       otel.Tracer("pixelconvert/api"),
		mux:          http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.metrics.withHTTPMetrics(s.withTracing(s.mux))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())

	s.mux.HandleFunc("POST /v1/files", s.handleUpload)
	s.mux.HandleFunc("GET /v1/files", s.handleList)
	s.mux.HandleFunc("DELETE /v1/files", s.handleClear)
	s.mux.HandleFunc("GET /v1/files/{id}", s.handleGet)
	s.mux.HandleFunc("DELETE /v1/files/{id}", s.handleRemove)
	s.mux.HandleFunc("PUT /v1/files/{id}/format", s.handleSetFormat)
	s.mux.HandleFunc("POST /v1/files/{id}/convert", s.handleConvert)
	s.mux.HandleFunc("GET /v1/files/{id}/download", s.handleDownload)
	s.mux.HandleFunc("GET /v1/bundle", s.handleBundle)
	s.mux.HandleFunc("GET /v1/naming", s.handleGetNaming)
	s.mux.HandleFunc("PUT /v1/naming", s.handleSetNaming)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "dispatch": s.dispatchMode})
}

// writeError maps domain sentinels to status codes. Anything unrecognised is
// logged and reported as a 500 with a generic message.
func (s *Server) writeError(w http.ResponseWriter, action string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrTooLarge):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, domain.ErrUnsupportedUpload),
		errors.Is(err, domain.ErrInvalidRequest),
		errors.Is(err, domain.ErrUnsupportedFormat):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrInvalidTransition):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.logger.Printf("%s failed err=%v", action, err)
		writeJSON(w, status, map[string]string{"error": fmt.Sprintf("failed to %s", action)})
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeJSON(r *http.Request, into any) error {
	limited := io.LimitReader(r.Body, maxBodyBytes)
	decoder := json.NewDecoder(limited)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", domain.ErrInvalidRequest, err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("%w: invalid JSON body: multiple JSON values are not allowed", domain.ErrInvalidRequest)
	}
	return nil
}

// decodeOptionalJSON treats an empty body as the zero value.
func decodeOptionalJSON(r *http.Request, into any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", domain.ErrInvalidRequest, err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return decodeJSON(r, into)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
