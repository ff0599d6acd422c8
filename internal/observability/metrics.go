package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal     *prometheus.CounterVec
	httpRequestDuration   *prometheus.HistogramVec
	upstreamRequestsTotal *prometheus.CounterVec
	upstreamDuration      *prometheus.HistogramVec
	modelCacheTotal       *prometheus.CounterVec
	modelLoadDuration     *prometheus.HistogramVec
	backendCallsTotal     *prometheus.CounterVec
	backendDuration       *prometheus.HistogramVec
	gateActive            prometheus.Gauge
	gateWaiting           prometheus.Gauge
	gateWait              prometheus.Histogram
	cleanupTotal          *prometheus.CounterVec
	cleanupDuration       *prometheus.HistogramVec
	audioSeconds          prometheus.Histogram
	pipelineErrors        *prometheus.CounterVec
}

// Backend calls and model loads run for seconds to minutes.
var slowBuckets = []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scribe_http_requests_total",
				Help: "Total number of HTTP requests handled.",
			},
			[]string{"route", "method", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scribe_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds.",
				Buckets: slowBuckets,
			},
			[]string{"route", "method", "status"},
		),
		upstreamRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scribe_upstream_requests_total",
				Help: "Total requests to the cleanup LLM endpoint.",
			},
			[]string{"endpoint", "status"},
		),
		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scribe_upstream_request_duration_seconds",
				Help:    "Cleanup LLM request duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint", "status"},
		),
		modelCacheTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scribe_model_cache_acquire_total",
				Help: "Model cache acquisitions by outcome (hit, loaded, failed).",
			},
			[]string{"backend", "outcome"},
		),
		modelLoadDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scribe_model_load_duration_seconds",
				Help:    "Time spent constructing models.",
				Buckets: slowBuckets,
			},
			[]string{"backend", "outcome"},
		),
		backendCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scribe_backend_invocations_total",
				Help: "Backend invocations by outcome.",
			},
			[]string{"backend", "outcome"},
		),
		backendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scribe_backend_invocation_duration_seconds",
				Help:    "Backend invocation duration in seconds.",
				Buckets: slowBuckets,
			},
			[]string{"backend", "outcome"},
		),
		gateActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scribe_transcriptions_in_flight",
			Help: "Transcriptions currently holding a gate slot.",
		}),
		gateWaiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scribe_transcriptions_queued",
			Help: "Transcriptions waiting for a gate slot.",
		}),
		gateWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scribe_transcription_queue_wait_seconds",
			Help:    "Time spent waiting for a gate slot.",
			Buckets: slowBuckets,
		}),
		cleanupTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scribe_cleanup_total",
				Help: "Cleanup runs by mode and outcome.",
			},
			[]string{"mode", "outcome"},
		),
		cleanupDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scribe_cleanup_duration_seconds",
				Help:    "Cleanup duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"mode"},
		),
		audioSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scribe_audio_duration_seconds",
			Help:    "Duration of accepted audio.",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		}),
		pipelineErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scribe_pipeline_errors_total",
				Help: "Failed transcription requests by error kind.",
			},
			[]string{"kind"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.upstreamRequestsTotal,
		m.upstreamDuration,
		m.modelCacheTotal,
		m.modelLoadDuration,
		m.backendCallsTotal,
		m.backendDuration,
		m.gateActive,
		m.gateWaiting,
		m.gateWait,
		m.cleanupTotal,
		m.cleanupDuration,
		m.audioSeconds,
		m.pipelineErrors,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveHTTP(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if method == "" {
		method = "UNKNOWN"
	}
	statusLabel := strconv.Itoa(status)
	m.httpRequestsTotal.WithLabelValues(route, method, statusLabel).Inc()
	m.httpRequestDuration.WithLabelValues(route, method, statusLabel).Observe(duration.Seconds())
}

func (m *Metrics) ObserveUpstream(endpoint string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	statusLabel := strconv.Itoa(status)
	m.upstreamRequestsTotal.WithLabelValues(endpoint, statusLabel).Inc()
	m.upstreamDuration.WithLabelValues(endpoint, statusLabel).Observe(duration.Seconds())
}

func (m *Metrics) ObserveModelCache(backend, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.modelCacheTotal.WithLabelValues(backend, outcome).Inc()
	if outcome != "hit" {
		m.modelLoadDuration.WithLabelValues(backend, outcome).Observe(duration.Seconds())
	}
}

func (m *Metrics) ObserveBackend(backend, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.backendCallsTotal.WithLabelValues(backend, outcome).Inc()
	m.backendDuration.WithLabelValues(backend, outcome).Observe(duration.Seconds())
}

// ObserveGate records gate occupancy. A zero wait is a release, not an admission.
func (m *Metrics) ObserveGate(active, waiting int64, wait time.Duration) {
	if m == nil {
		return
	}
	m.gateActive.Set(float64(active))
	m.gateWaiting.Set(float64(waiting))
	if wait > 0 {
		m.gateWait.Observe(wait.Seconds())
	}
}

func (m *Metrics) ObserveCleanup(mode, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.cleanupTotal.WithLabelValues(mode, outcome).Inc()
	m.cleanupDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

func (m *Metrics) ObserveAudio(seconds float64) {
	if m == nil {
		return
	}
	m.audioSeconds.Observe(seconds)
}

func (m *Metrics) IncPipelineError(kind string) {
	if m == nil {
		return
	}
	m.pipelineErrors.WithLabelValues(kind).Inc()
}
