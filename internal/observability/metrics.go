// Package observability holds the worker's Prometheus metrics and OpenTelemetry
// tracer. Nothing here is registered globally; both are injected.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"forgescan/tool-runner/internal/model"
)

// Rejection stages.
const (
	StageDecode     = "decode"
	StageValidation = "validation"
	StageTarget     = "target"
	StageScope      = "scope"
	StageManifest   = "manifest"
)

// UnknownTool labels jobs whose tool name matched no manifest.
const UnknownTool = "unknown"

// Metrics uses a custom registry. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	JobsTotal      *prometheus.CounterVec
	JobDuration    *prometheus.HistogramVec
	JobsRunning    prometheus.Gauge
	Rejections     *prometheus.CounterVec
	ReportFailures prometheus.Counter
	ReportAlerts   prometheus.Counter
	QueueErrors    prometheus.Counter
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		JobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "toolrunner",
			Name:      "jobs_total",
			Help:      "Jobs finished, by tool and terminal status.",
		}, []string{"tool", "status"}),

		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "toolrunner",
			Name:      "job_duration_seconds",
			Help:      "Sandboxed execution duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"tool"}),

		JobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "toolrunner",
			Name:      "jobs_running",
			Help:      "Jobs currently executing.",
		}),

		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "toolrunner",
			Name:      "rejections_total",
			Help:      "Jobs rejected before execution, by pipeline stage.",
		}, []string{"stage"}),

		ReportFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "toolrunner",
			Name:      "report_failures_total",
			Help:      "Failed attempts to publish a result.",
		}),

		ReportAlerts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "toolrunner",
			Name:      "report_alerts_total",
			Help:      "Result publications that exhausted a full retry burst.",
		}),

		QueueErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "toolrunner",
			Name:      "queue_errors_total",
			Help:      "Queue infrastructure errors.",
		}),
	}

	reg.MustRegister(
		m.JobsTotal,
		m.JobDuration,
		m.JobsRunning,
		m.Rejections,
		m.ReportFailures,
		m.ReportAlerts,
		m.QueueErrors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// JobFinished counts res under tool, which must come from a known manifest
// or be UnknownTool.
func (m *Metrics) JobFinished(tool string, res *model.Result) {
	if m == nil {
		return
	}
	m.JobsTotal.WithLabelValues(tool, string(res.Status)).Inc()
	if res.Duration > 0 {
		m.JobDuration.WithLabelValues(tool).Observe((time.Duration(res.Duration) * time.Millisecond).Seconds())
	}
}

func (m *Metrics) JobStarted() {
	if m != nil {
		m.JobsRunning.Inc()
	}
}

func (m *Metrics) JobDone() {
	if m != nil {
		m.JobsRunning.Dec()
	}
}

func (m *Metrics) Rejected(stage string) {
	if m != nil {
		m.Rejections.WithLabelValues(stage).Inc()
	}
}

func (m *Metrics) ReportFailed() {
	if m != nil {
		m.ReportFailures.Inc()
	}
}

func (m *Metrics) ReportAlert() {
	if m != nil {
		m.ReportAlerts.Inc()
	}
}

func (m *Metrics) QueueError() {
	if m != nil {
		m.QueueErrors.Inc()
	}
}
