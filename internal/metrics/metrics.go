// Package metrics exposes Prometheus collectors for the capture service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	admissionDecisionsTotal    *prometheus.CounterVec
	admissionInFlight          prometheus.Gauge
	captureJobsTotal           *prometheus.CounterVec
	capturePagesTotal          prometheus.Counter
	captureDocumentBytes       prometheus.Histogram
	capturePhaseSeconds        *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	captureActiveWorkers       prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		admissionDecisionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "doccapture_admission_decisions_total",
				Help: "Admission decisions, labeled by outcome (admitted, cooldown, capacity).",
			},
			[]string{"outcome"},
		)

		admissionInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "doccapture_admission_in_flight",
				Help: "Number of admitted jobs that have not been released.",
			},
		)

		captureJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "doccapture_jobs_total",
				Help: "Terminal jobs, labeled by phase and failure kind.",
			},
			[]string{"phase", "kind"},
		)

		capturePagesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "doccapture_pages_captured_total",
				Help: "Total number of page images captured.",
			},
		)

		captureDocumentBytes = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "doccapture_document_bytes",
				Help:    "Size of assembled documents in bytes.",
				Buckets: prometheus.ExponentialBuckets(64*1024, 2, 10),
			},
		)

		capturePhaseSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "doccapture_phase_duration_seconds",
				Help:    "Time spent in each job phase.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"phase"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		captureActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "doccapture_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveAdmission records one admission decision and the resulting in-flight count.
func ObserveAdmission(outcome string, inFlight int) {
	Init()
	admissionDecisionsTotal.WithLabelValues(outcome).Inc()
	admissionInFlight.Set(float64(inFlight))
}

// SetInFlight updates the in-flight gauge after a release.
func SetInFlight(inFlight int) {
	Init()
	admissionInFlight.Set(float64(inFlight))
}

// ObserveJob increments the terminal job counter.
func ObserveJob(phase, kind string) {
	Init()
	if kind == "" {
		kind = "none"
	}
	captureJobsTotal.WithLabelValues(phase, kind).Inc()
}

// ObservePages adds captured pages to the page counter.
func ObservePages(n int) {
	Init()
	if n > 0 {
		capturePagesTotal.Add(float64(n))
	}
}

// ObserveDocument records the size of an assembled document.
func ObserveDocument(byteSize int) {
	Init()
	captureDocumentBytes.Observe(float64(byteSize))
}

// ObservePhase records how long a job stayed in phase.
func ObservePhase(phase string, d time.Duration) {
	Init()
	capturePhaseSeconds.WithLabelValues(phase).Observe(d.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	captureActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	captureActiveWorkers.Dec()
}
