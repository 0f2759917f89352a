// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the collectors of one server. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	submissions    *prometheus.CounterVec
	ingestLatency  prometheus.Histogram
	mirrorWrites   *prometheus.CounterVec
	httpStatus     *prometheus.CounterVec
	attachmentSize prometheus.Histogram
}

// New registers every collector on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		submissions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kobocat_submissions_total",
			Help: "Submissions processed, by outcome.",
		}, []string{"outcome"}),
		ingestLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "kobocat_ingest_duration_seconds",
			Help:    "Time spent in the submission pipeline.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		mirrorWrites: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kobocat_mirror_writes_total",
			Help: "Mirror writes, by operation and outcome.",
		}, []string{"op", "outcome"}),
		httpStatus: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kobocat_http_status_total",
			Help: "Count of HTTP responses by status.",
		}, []string{"status"}),
		attachmentSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "kobocat_attachment_bytes",
			Help:    "Size of stored attachments.",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		}),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveSubmission counts one pipeline run.
func (m *Metrics) ObserveSubmission(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(outcome).Inc()
	m.ingestLatency.Observe(took.Seconds())
}

// ObserveMirror counts one mirror write attempt.
func (m *Metrics) ObserveMirror(op, outcome string) {
	if m == nil {
		return
	}
	m.mirrorWrites.WithLabelValues(op, outcome).Inc()
}

// ObserveStatus counts one HTTP response.
func (m *Metrics) ObserveStatus(status int) {
	if m == nil {
		return
	}
	m.httpStatus.WithLabelValues(strconv.Itoa(status)).Inc()
}

// ObserveAttachment records the size of a newly stored attachment.
func (m *Metrics) ObserveAttachment(size int64) {
	if m == nil {
		return
	}
	m.attachmentSize.Observe(float64(size))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
