package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the build and deployment pipeline.
// All recording methods are safe to call on a disabled instance.
type Metrics struct {
	config MetricsConfig

	// Build metrics
	buildsStarted   *prometheus.CounterVec
	buildsCompleted *prometheus.CounterVec
	buildDuration   *prometheus.HistogramVec

	// Compilation metrics
	compileDuration *prometheus.HistogramVec
	binarySizeBytes *prometheus.HistogramVec

	// Cache metrics
	cacheHits      prometheus.Counter
	cacheMisses    prometheus.Counter
	cacheEvictions prometheus.Counter
	cacheSizeBytes prometheus.Gauge

	// Deployment metrics
	deploymentsTotal *prometheus.CounterVec
	deployDuration   *prometheus.HistogramVec
	transferBytes    prometheus.Counter
	transferRetries  prometheus.Counter
	rollbacksTotal   *prometheus.CounterVec
	policyViolations *prometheus.CounterVec

	// Error metrics
	errorsByCode *prometheus.CounterVec

	// System metrics
	activeDeployments prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	// Create a new registry
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		// Build metrics
		buildsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "builds_started_total",
				Help:      "Total number of builds started",
			},
			[]string{"profile"},
		),
		buildsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "builds_completed_total",
				Help:      "Total number of builds completed, by status",
			},
			[]string{"status"},
		),
		buildDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "build_duration_seconds",
				Help:      "End to end build duration in seconds",
				Buckets:   buckets,
			},
			[]string{"profile"},
		),

		// Compilation metrics
		compileDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "compile_duration_seconds",
				Help:      "Per target compilation duration in seconds",
				Buckets:   buckets,
			},
			[]string{"triple", "profile"},
		),
		binarySizeBytes: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "binary_size_bytes",
				Help:      "Size of produced runner binaries in bytes",
				Buckets:   prometheus.ExponentialBuckets(1<<20, 2, 10),
			},
			[]string{"triple"},
		),

		// Cache metrics
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of compilation cache hits",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of compilation cache misses",
		}),
		cacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Total number of cache entries evicted",
		}),
		cacheSizeBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_size_bytes",
			Help:      "Current size of the compilation cache in bytes",
		}),

		// Deployment metrics
		deploymentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deployments_total",
				Help:      "Total number of per host deployments, by final status",
			},
			[]string{"status"},
		),
		deployDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "deploy_duration_seconds",
				Help:      "Per host deployment duration in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		transferBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_bytes_total",
			Help:      "Total bytes transferred to remote hosts",
		}),
		transferRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_retries_total",
			Help:      "Total number of transfer retry attempts",
		}),
		rollbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollbacks_total",
				Help:      "Total number of rollbacks, by trigger",
			},
			[]string{"trigger"},
		),
		policyViolations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_violations_total",
				Help:      "Total number of deployment policy violations",
			},
			[]string{"policy", "severity"},
		),

		// Error metrics
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of errors, by classification code",
			},
			[]string{"code"},
		),

		// System metrics
		activeDeployments: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_deployments",
			Help:      "Number of deployments currently in flight",
		}),
	}

	registry.MustRegister(
		m.buildsStarted,
		m.buildsCompleted,
		m.buildDuration,
		m.compileDuration,
		m.binarySizeBytes,
		m.cacheHits,
		m.cacheMisses,
		m.cacheEvictions,
		m.cacheSizeBytes,
		m.deploymentsTotal,
		m.deployDuration,
		m.transferBytes,
		m.transferRetries,
		m.rollbacksTotal,
		m.policyViolations,
		m.errorsByCode,
		m.activeDeployments,
	)

	return m, nil
}

// RecordBuildStarted records the start of a build.
func (m *Metrics) RecordBuildStarted(profile string) {
	if m.buildsStarted == nil {
		return
	}
	m.buildsStarted.WithLabelValues(profile).Inc()
}

// RecordBuildCompleted records a completed build with its status and duration.
func (m *Metrics) RecordBuildCompleted(profile, status string, duration time.Duration) {
	if m.buildsCompleted == nil {
		return
	}
	m.buildsCompleted.WithLabelValues(status).Inc()
	m.buildDuration.WithLabelValues(profile).Observe(duration.Seconds())
}

// RecordCompile records a single target compilation.
func (m *Metrics) RecordCompile(triple, profile string, duration time.Duration, sizeBytes int64) {
	if m.compileDuration == nil {
		return
	}
	m.compileDuration.WithLabelValues(triple, profile).Observe(duration.Seconds())
	if sizeBytes > 0 {
		m.binarySizeBytes.WithLabelValues(triple).Observe(float64(sizeBytes))
	}
}

// RecordCacheHit records a compilation cache hit.
func (m *Metrics) RecordCacheHit() {
	if m.cacheHits == nil {
		return
	}
	m.cacheHits.Inc()
}

// RecordCacheMiss records a compilation cache miss.
func (m *Metrics) RecordCacheMiss() {
	if m.cacheMisses == nil {
		return
	}
	m.cacheMisses.Inc()
}

// RecordCacheEviction records evicted cache entries.
func (m *Metrics) RecordCacheEviction(count int) {
	if m.cacheEvictions == nil {
		return
	}
	m.cacheEvictions.Add(float64(count))
}

// SetCacheSize updates the current cache size gauge.
func (m *Metrics) SetCacheSize(bytes int64) {
	if m.cacheSizeBytes == nil {
		return
	}
	m.cacheSizeBytes.Set(float64(bytes))
}

// RecordDeployment records a finished per host deployment.
func (m *Metrics) RecordDeployment(status string, duration time.Duration) {
	if m.deploymentsTotal == nil {
		return
	}
	m.deploymentsTotal.WithLabelValues(status).Inc()
	m.deployDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordTransfer records bytes transferred to a remote host.
func (m *Metrics) RecordTransfer(bytes int64) {
	if m.transferBytes == nil {
		return
	}
	m.transferBytes.Add(float64(bytes))
}

// RecordTransferRetry records a transfer retry attempt.
func (m *Metrics) RecordTransferRetry() {
	if m.transferRetries == nil {
		return
	}
	m.transferRetries.Inc()
}

// RecordRollback records a rollback. Trigger is "verify" for automatic
// rollbacks after a checksum mismatch and "operator" for explicit ones.
func (m *Metrics) RecordRollback(trigger string) {
	if m.rollbacksTotal == nil {
		return
	}
	m.rollbacksTotal.WithLabelValues(trigger).Inc()
}

// RecordPolicyViolation records a deployment policy violation.
func (m *Metrics) RecordPolicyViolation(policy, severity string) {
	if m.policyViolations == nil {
		return
	}
	m.policyViolations.WithLabelValues(policy, severity).Inc()
}

// RecordError records an error by its classification code.
func (m *Metrics) RecordError(code string) {
	if m.errorsByCode == nil {
		return
	}
	m.errorsByCode.WithLabelValues(code).Inc()
}

// DeploymentStarted increments the in flight deployment gauge.
func (m *Metrics) DeploymentStarted() {
	if m.activeDeployments == nil {
		return
	}
	m.activeDeployments.Inc()
}

// DeploymentFinished decrements the in flight deployment gauge.
func (m *Metrics) DeploymentFinished() {
	if m.activeDeployments == nil {
		return
	}
	m.activeDeployments.Dec()
}

// Timer is a helper for timing operations.
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

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
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
			// Log error but don't fail the application
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
