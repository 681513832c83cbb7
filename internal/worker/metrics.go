package worker

import (
	"net/http"
	"time"

	"github.com/dunamismax/pixelconvert/internal/domain"
	"github.com/dunamismax/pixelconvert/internal/pipeline"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the worker's Prometheus registry. It also observes conversions
// run by the file registry.
type Metrics struct {
	registry           *prometheus.Registry
	tasksTotal         *prometheus.CounterVec
	taskDuration       *prometheus.HistogramVec
	activeTasks        prometheus.Gauge
	conversionsTotal   *prometheus.CounterVec
	conversionDuration *prometheus.HistogramVec
	sourceBytesTotal   prometheus.Counter
	outputBytesTotal   prometheus.Counter
	expiredFilesTotal  prometheus.Counter
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelconvert_worker_tasks_total",
			Help: "Total worker tasks by type and final status.",
		}, []string{"type", "status"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pixelconvert_worker_task_duration_seconds",
			Help:    "Total handling duration for each worker task.",
			Buckets: prometheus.DefBuckets,
		}, []string{"type", "status"}),
		activeTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pixelconvert_worker_active_tasks",
			Help: "Current number of tasks being handled by the worker.",
		}),
		conversionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelconvert_conversions_total",
			Help: "Total conversions by requested format and outcome.",
		}, []string{"format", "outcome"}),
		conversionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pixelconvert_conversion_duration_seconds",
			Help:    "Decode, transform and encode time per conversion.",
			Buckets: prometheus.DefBuckets,
		}, []string{"format", "outcome"}),
		sourceBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixelconvert_conversion_source_bytes_total",
			Help: "Total source bytes read by conversions.",
		}),
		outputBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixelconvert_conversion_output_bytes_total",
			Help: "Total bytes written by successful conversions.",
		}),
		expiredFilesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixelconvert_expired_files_total",
			Help: "Total files removed by the expiry task.",
		}),
	}

	registry.MustRegister(
		m.tasksTotal,
		m.taskDuration,
		m.activeTasks,
		m.conversionsTotal,
		m.conversionDuration,
		m.sourceBytesTotal,
		m.outputBytesTotal,
		m.expiredFilesTotal,
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

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
