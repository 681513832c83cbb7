package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/pixelconvert/internal/domain"
	"github.com/dunamismax/pixelconvert/internal/pipeline"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the API registry. In inline dispatch it is also the
// registry's conversion observer.
type Metrics struct {
	registry           *prometheus.Registry
	requestTotal       *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	queueEnqueued      *prometheus.CounterVec
	conversionsTotal   *prometheus.CounterVec
	conversionDuration *prometheus.HistogramVec
	activeConversions  prometheus.Gauge
	sourceBytesTotal   prometheus.Counter
	outputBytesTotal   prometheus.Counter
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelconvert_api_requests_total",
			Help: "Total HTTP requests handled by the API.",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pixelconvert_api_request_duration_seconds",
			Help:    "API request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		queueEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelconvert_queue_conversions_enqueued_total",
			Help: "Total conversions handed to the queue.",
		}, []string{"queue"}),
		conversionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelconvert_conversions_total",
			Help: "Total conversions by requested format and outcome.",
		}, []string{"format", "outcome"}),
		conversionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pixelconvert_conversion_duration_seconds",
			Help:    "Decode, transform and encode time per conversion.",
			Buckets: prometheus.DefBuckets,
		}, []string{"format", "outcome"}),
		activeConversions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pixelconvert_api_active_conversions",
			Help: "Conversions currently running inside the API process.",
		}),
		sourceBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixelconvert_conversion_source_bytes_total",
			Help: "Total source bytes read by conversions.",
		}),
		outputBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixelconvert_conversion_output_bytes_total",
			Help: "Total bytes written by successful conversions.",
		}),
	}
	registry.MustRegister(
		m.requestTotal,
		m.requestDuration,
		m.queueEnqueued,
		m.conversionsTotal,
		m.conversionDuration,
		m.activeConversions,
		m.sourceBytesTotal,
		m.outputBytesTotal,
	)
	return m
}

func (m *Metrics) ConversionFinished(format domain.Format, res pipeline.Result, sourceBytes int64, elapsed time.Duration) {
	outcome := "success"
	if !res.Success {
		outcome = "failure"
	}
	m.conversionsTotal.WithLabelValues(string(format), outcome).Inc()
	m.conversionDuration.WithLabelValues(string(format), outcome).Observe(elapsed.Seconds())
	m.sourceBytesTotal.Add(float64(sourceBytes))
	if res.Success {
		m.outputBytesTotal.Add(float64(res.Size))
	}
}

func (m *Metrics) metricsHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) withHTTPMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		route := routeLabel(r.URL.Path)
		if route == "/v1/files/{id}/convert" {
			m.activeConversions.Inc()
			defer m.activeConversions.Dec()
		}

		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		status := statusLabel(recorder.status)
		m.requestTotal.WithLabelValues(r.Method, route, status).Inc()
		m.requestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
	})
}

func statusLabel(status int) string {
	return strconv.Itoa(status)
}

func routeLabel(path string) string {
	switch {
	case path == "/v1/files" || path == "/v1/files/":
		return "/v1/files"
	case strings.HasPrefix(path, "/v1/files/"):
		parts := strings.Split(strings.Trim(strings.TrimPrefix(path, "/v1/files/"), "/"), "/")
		switch {
		case len(parts) == 1:
			return "/v1/files/{id}"
		case len(parts) == 2 && (parts[1] == "format" || parts[1] == "convert" || parts[1] == "download"):
			return "/v1/files/{id}/" + parts[1]
		default:
			return "unmatched"
		}
	case path == "/v1/bundle":
		return "/v1/bundle"
	case path == "/v1/naming":
		return "/v1/naming"
	case strings.HasPrefix(path, "/healthz"):
		return "/healthz"
	case strings.HasPrefix(path, "/metrics"):
		return "/metrics"
	default:
		return "unmatched"
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.status = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}
