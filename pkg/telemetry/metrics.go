package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the hunt loop. All record methods
// are no-ops on a disabled instance so call sites never need nil checks.
type Metrics struct {
	config MetricsConfig

	// Hunt run metrics
	huntsStarted  *prometheus.CounterVec
	huntsFinished *prometheus.CounterVec
	huntDuration  *prometheus.HistogramVec

	// Attempt metrics
	attemptsTotal   *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec

	// Zone metrics
	zoneOutcomes *prometheus.CounterVec
	zonesSkipped *prometheus.CounterVec

	// Classification metrics
	classifications *prometheus.CounterVec

	// Store metrics
	lockWaitDuration prometheus.Histogram
	cacheHits        *prometheus.CounterVec

	// System metrics
	activeAttempts prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// No-op instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		huntsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "hunts_started_total",
				Help:      "Total number of hunt runs started",
			},
			[]string{"region"},
		),
		huntsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "hunts_finished_total",
				Help:      "Total number of hunt runs finished",
			},
			[]string{"status"},
		),
		huntDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "hunt_duration_seconds",
				Help:      "Duration of hunt runs in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"status"},
		),

		attemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "attempts_total",
				Help:      "Total number of provisioning attempts",
			},
			[]string{"profile", "outcome"},
		),
		attemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "attempt_duration_seconds",
				Help:      "Duration of provisioning attempts in seconds",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"profile"},
		),

		zoneOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "zone_outcomes_total",
				Help:      "Per-zone provisioning call outcomes",
			},
			[]string{"zone", "classification"},
		),
		zonesSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "zones_skipped_total",
				Help:      "Zones skipped by the circuit breaker",
			},
			[]string{"zone"},
		),

		classifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "classifications_total",
				Help:      "Command output classifications observed",
			},
			[]string{"classification"},
		),

		lockWaitDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "store_lock_wait_seconds",
				Help:      "Time spent waiting on the record store lock",
				Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30},
			},
		),
		cacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "state_cache_lookups_total",
				Help:      "State cache lookups by result",
			},
			[]string{"result"},
		),

		activeAttempts: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_attempts",
				Help:      "Current number of in-flight provisioning attempts",
			},
		),
	}

	registry.MustRegister(
		m.huntsStarted,
		m.huntsFinished,
		m.huntDuration,
		m.attemptsTotal,
		m.attemptDuration,
		m.zoneOutcomes,
		m.zonesSkipped,
		m.classifications,
		m.lockWaitDuration,
		m.cacheHits,
		m.activeAttempts,
	)

	return m, nil
}

// RecordHuntStarted increments the counter for started hunt runs.
func (m *Metrics) RecordHuntStarted(region string) {
	if m == nil || m.huntsStarted == nil {
		return
	}
	m.huntsStarted.WithLabelValues(region).Inc()
}

// RecordHuntFinished records a finished hunt with its status and duration.
func (m *Metrics) RecordHuntFinished(status string, duration time.Duration) {
	if m == nil || m.huntsFinished == nil {
		return
	}
	m.huntsFinished.WithLabelValues(status).Inc()
	m.huntDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordAttempt records one profile attempt with its outcome and duration.
func (m *Metrics) RecordAttempt(profile, outcome string, duration time.Duration) {
	if m == nil || m.attemptsTotal == nil {
		return
	}
	m.attemptsTotal.WithLabelValues(profile, outcome).Inc()
	m.attemptDuration.WithLabelValues(profile).Observe(duration.Seconds())
}

// RecordZoneOutcome records a per-zone provisioning call classification.
func (m *Metrics) RecordZoneOutcome(zone, classification string) {
	if m == nil || m.zoneOutcomes == nil {
		return
	}
	m.zoneOutcomes.WithLabelValues(zone, classification).Inc()
	m.classifications.WithLabelValues(classification).Inc()
}

// RecordZoneSkipped records a circuit-breaker skip.
func (m *Metrics) RecordZoneSkipped(zone string) {
	if m == nil || m.zonesSkipped == nil {
		return
	}
	m.zonesSkipped.WithLabelValues(zone).Inc()
}

// RecordLockWait records time spent acquiring the store lock.
func (m *Metrics) RecordLockWait(d time.Duration) {
	if m == nil || m.lockWaitDuration == nil {
		return
	}
	m.lockWaitDuration.Observe(d.Seconds())
}

// RecordCacheLookup records a state-cache lookup result (hit or miss).
func (m *Metrics) RecordCacheLookup(result string) {
	if m == nil || m.cacheHits == nil {
		return
	}
	m.cacheHits.WithLabelValues(result).Inc()
}

// AttemptStarted marks an attempt in flight.
func (m *Metrics) AttemptStarted() {
	if m == nil || m.activeAttempts == nil {
		return
	}
	m.activeAttempts.Inc()
}

// AttemptDone marks an attempt finished.
func (m *Metrics) AttemptDone() {
	if m == nil || m.activeAttempts == nil {
		return
	}
	m.activeAttempts.Dec()
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

// StartMetricsServer starts an HTTP server to expose metrics for the lifetime
// of the hunt run.
func (m *Metrics) StartMetricsServer() error {
	if m == nil || !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
