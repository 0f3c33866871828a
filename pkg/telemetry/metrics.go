package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the engine. A disabled
// instance records nothing and serves no endpoint.
type Metrics struct {
	config   MetricsConfig
	registry *prometheus.Registry

	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	unitsExecuted *prometheus.CounterVec
	unitDuration  *prometheus.HistogramVec
	unitRetries   *prometheus.CounterVec

	providerCalls  *prometheus.CounterVec
	providerErrors *prometheus.CounterVec

	driftDetections *prometheus.CounterVec

	activeRuns prometheus.Gauge
}

// NewMetrics creates the collectors and registers them.
func NewMetrics(cfg MetricsConfig) *Metrics {
	if !cfg.Enabled {
		return &Metrics{config: cfg}
	}

	ns := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "runs_started_total",
			Help: "Total runs started",
		}, []string{"stack"}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "runs_completed_total",
			Help: "Total runs completed by final status",
		}, []string{"stack", "status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Name: "run_duration_seconds",
			Help:    "Run wall-clock duration",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
		}, []string{"status"}),

		unitsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "units_executed_total",
			Help: "Total plan units executed by operation and status",
		}, []string{"operation", "status"}),
		unitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Name: "unit_duration_seconds",
			Help:    "Plan unit execution duration",
			Buckets: []float64{0.5, 1, 5, 15, 60, 300, 900, 1800},
		}, []string{"operation", "resource_type"}),
		unitRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "unit_retries_total",
			Help: "Total retry attempts by error class",
		}, []string{"resource_type", "error_class"}),

		providerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "provider_calls_total",
			Help: "Total provider calls",
		}, []string{"provider", "operation"}),
		providerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "provider_errors_total",
			Help: "Total provider errors by class",
		}, []string{"provider", "error_class"}),

		driftDetections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "drift_detections_total",
			Help: "Total drift detections by status",
		}, []string{"resource_type", "status"}),

		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "active_runs",
			Help: "Number of runs currently executing",
		}),
	}

	registry.MustRegister(
		m.runsStarted, m.runsCompleted, m.runDuration,
		m.unitsExecuted, m.unitDuration, m.unitRetries,
		m.providerCalls, m.providerErrors,
		m.driftDetections, m.activeRuns,
	)
	return m
}

// Handler returns the metrics HTTP handler, or nil when disabled.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return nil
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve starts the metrics endpoint. It blocks and is meant to run in its
// own goroutine.
func (m *Metrics) Serve() error {
	handler := m.Handler()
	if handler == nil {
		return nil
	}
	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, handler)
	return http.ListenAndServe(m.config.ListenAddress, mux)
}

func (m *Metrics) RunStarted(stack string) {
	if m.registry == nil {
		return
	}
	m.runsStarted.WithLabelValues(stack).Inc()
	m.activeRuns.Inc()
}

func (m *Metrics) RunCompleted(stack, status string, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.runsCompleted.WithLabelValues(stack, status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

func (m *Metrics) UnitExecuted(operation, status, resourceType string, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.unitsExecuted.WithLabelValues(operation, status).Inc()
	m.unitDuration.WithLabelValues(operation, resourceType).Observe(duration.Seconds())
}

func (m *Metrics) UnitRetried(resourceType, errorClass string) {
	if m.registry == nil {
		return
	}
	m.unitRetries.WithLabelValues(resourceType, errorClass).Inc()
}

func (m *Metrics) ProviderCall(provider, operation string) {
	if m.registry == nil {
		return
	}
	m.providerCalls.WithLabelValues(provider, operation).Inc()
}

func (m *Metrics) ProviderError(provider, errorClass string) {
	if m.registry == nil {
		return
	}
	m.providerErrors.WithLabelValues(provider, errorClass).Inc()
}

func (m *Metrics) DriftDetected(resourceType, status string) {
	if m.registry == nil {
		return
	}
	m.driftDetections.WithLabelValues(resourceType, status).Inc()
}
