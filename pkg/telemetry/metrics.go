package telemetry

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for the configuration engine. Every
// Record method is a no-op on a disabled or nil instance.
type Metrics struct {
	config MetricsConfig

	// Commit episode metrics
	episodesStarted   *prometheus.CounterVec
	episodesCompleted *prometheus.CounterVec
	episodeDuration   *prometheus.HistogramVec
	rowsCommitted     *prometheus.CounterVec

	// Driver metrics
	driverCalls    *prometheus.CounterVec
	driverDuration *prometheus.HistogramVec
	driverErrors   *prometheus.CounterVec

	// Status and capability metrics
	consolidations   *prometheus.CounterVec
	capabilityFilter *prometheus.CounterVec

	// Error metrics
	errorsByCode        *prometheus.CounterVec
	notificationsFailed *prometheus.CounterVec

	activeEpisodes prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a metrics collector on a private registry.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		episodesStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commit_episodes_started_total",
				Help:      "Total number of commit episodes started",
			},
			[]string{"kind"},
		),
		episodesCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commit_episodes_completed_total",
				Help:      "Total number of commit episodes completed",
			},
			[]string{"kind", "status"},
		),
		episodeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "commit_episode_duration_seconds",
				Help:      "Duration of commit episodes in seconds",
				Buckets:   buckets,
			},
			[]string{"kind"},
		),
		rowsCommitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rows_committed_total",
				Help:      "Total number of main rows committed to running",
			},
			[]string{"key_type", "operation"},
		),

		driverCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "driver_calls_total",
				Help:      "Total number of controller driver calls",
			},
			[]string{"controller", "operation"},
		),
		driverDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "driver_call_duration_seconds",
				Help:      "Duration of controller driver calls in seconds",
				Buckets:   buckets,
			},
			[]string{"controller", "operation"},
		),
		driverErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "driver_errors_total",
				Help:      "Total number of failed controller driver calls by result code",
			},
			[]string{"controller", "operation", "code"},
		),

		consolidations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "status_consolidations_total",
				Help:      "Total number of main-row status consolidations by outcome",
			},
			[]string{"key_type", "status"},
		),
		capabilityFilter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "capability_filter_total",
				Help:      "Total number of capability filter runs by outcome",
			},
			[]string{"key_type", "outcome"},
		),

		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by result code",
			},
			[]string{"code"},
		),

		notificationsFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "change_notifications_failed_total",
				Help:      "Total number of committed rows whose change notification could not be enqueued",
			},
			[]string{"key_type"},
		),

		activeEpisodes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_commit_episodes",
				Help:      "Current number of running commit episodes",
			},
		),
	}

	registry.MustRegister(
		m.episodesStarted,
		m.episodesCompleted,
		m.episodeDuration,
		m.rowsCommitted,
		m.driverCalls,
		m.driverDuration,
		m.driverErrors,
		m.consolidations,
		m.capabilityFilter,
		m.errorsByCode,
		m.notificationsFailed,
		m.activeEpisodes,
	)

	return m, nil
}

// RecordEpisodeStarted counts a started commit episode of the given kind
// (commit, audit, import, startup).
func (m *Metrics) RecordEpisodeStarted(kind string) {
	if m == nil || m.episodesStarted == nil {
		return
	}
	m.episodesStarted.WithLabelValues(kind).Inc()
	m.activeEpisodes.Inc()
}

// RecordEpisodeCompleted records a finished commit episode.
func (m *Metrics) RecordEpisodeCompleted(kind, status string, duration time.Duration) {
	if m == nil || m.episodesCompleted == nil {
		return
	}
	m.episodesCompleted.WithLabelValues(kind, status).Inc()
	m.episodeDuration.WithLabelValues(kind).Observe(duration.Seconds())
	m.activeEpisodes.Dec()
}

// RecordRowCommitted counts one main row copied to running.
func (m *Metrics) RecordRowCommitted(keyType, operation string) {
	if m == nil || m.rowsCommitted == nil {
		return
	}
	m.rowsCommitted.WithLabelValues(keyType, operation).Inc()
}

// RecordDriverCall records a driver call with its duration.
func (m *Metrics) RecordDriverCall(controller, operation string, duration time.Duration) {
	if m == nil || m.driverCalls == nil {
		return
	}
	m.driverCalls.WithLabelValues(controller, operation).Inc()
	m.driverDuration.WithLabelValues(controller, operation).Observe(duration.Seconds())
}

// RecordDriverError records a driver call that did not succeed.
func (m *Metrics) RecordDriverError(controller, operation, code string) {
	if m == nil || m.driverErrors == nil {
		return
	}
	m.driverErrors.WithLabelValues(controller, operation, code).Inc()
}

// RecordConsolidation records the outcome of one status consolidation.
func (m *Metrics) RecordConsolidation(keyType, status string) {
	if m == nil || m.consolidations == nil {
		return
	}
	m.consolidations.WithLabelValues(keyType, status).Inc()
}

// RecordCapabilityFilter records one capability filter run. Outcome is
// "passed", "filtered" or "rejected".
func (m *Metrics) RecordCapabilityFilter(keyType, outcome string) {
	if m == nil || m.capabilityFilter == nil {
		return
	}
	m.capabilityFilter.WithLabelValues(keyType, outcome).Inc()
}

// RecordError records an error by result code.
func (m *Metrics) RecordError(code string) {
	if m == nil || m.errorsByCode == nil || code == "" {
		return
	}
	m.errorsByCode.WithLabelValues(code).Inc()
}

// RecordNotificationFailed counts a committed row whose change
// notification was not enqueued.
func (m *Metrics) RecordNotificationFailed(keyType string) {
	if m == nil || m.notificationsFailed == nil {
		return
	}
	m.notificationsFailed.WithLabelValues(keyType).Inc()
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer serves the metrics endpoint in the background and
// returns the function that stops it. It does nothing when metrics are
// disabled or no listen address is set.
func (m *Metrics) StartMetricsServer() (func(context.Context) error, error) {
	stop := func(context.Context) error { return nil }
	if m == nil || !m.config.Enabled || m.config.ListenAddress == "" {
		return stop, nil
	}

	ln, err := net.Listen("tcp", m.config.ListenAddress)
	if err != nil {
		return stop, fmt.Errorf("failed to listen for metrics on %s: %w", m.config.ListenAddress, err)
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Str("address", ln.Addr().String()).Msg("Metrics server stopped")
		}
	}()

	log.Debug().Str("address", ln.Addr().String()).Str("path", m.config.Path).Msg("Serving metrics")
	return server.Shutdown, nil
}
