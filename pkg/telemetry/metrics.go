package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics provides Prometheus metrics for workflow runs. It implements
// engine.Metrics. A disabled instance accepts every call and records nothing.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsTotal   *prometheus.CounterVec
	runDuration *prometheus.HistogramVec

	// Node metrics
	nodesTotal     *prometheus.CounterVec
	nodeDuration   *prometheus.HistogramVec
	retriesTotal   *prometheus.CounterVec
	loopIterations prometheus.Counter

	// Admission metrics
	policyViolations *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
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

		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of finished workflow runs by status",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of workflow runs in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		nodesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "nodes_total",
				Help:      "Total number of nodes reaching a terminal state",
			},
			[]string{"state"},
		),
		nodeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "node_duration_seconds",
				Help:      "Duration of node execution in seconds",
				Buckets:   buckets,
			},
			[]string{"task"},
		),
		retriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_total",
				Help:      "Total number of action retries",
			},
			[]string{"task"},
		),
		loopIterations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "loop_iterations_total",
				Help:      "Total number of executed loop iterations and until attempts",
			},
		),

		policyViolations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_violations_total",
				Help:      "Total number of admission policy violations",
			},
			[]string{"policy", "severity"},
		),
	}

	registry.MustRegister(
		m.runsTotal,
		m.runDuration,
		m.nodesTotal,
		m.nodeDuration,
		m.retriesTotal,
		m.loopIterations,
		m.policyViolations,
	)

	return m, nil
}

// RecordRun records a finished run.
func (m *Metrics) RecordRun(status string, duration time.Duration) {
	if m.runsTotal == nil {
		return
	}
	m.runsTotal.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordNode records a node reaching a terminal state. Skipped nodes have a
// zero duration and are not observed in the histogram.
func (m *Metrics) RecordNode(task, state string, duration time.Duration) {
	if m.nodesTotal == nil {
		return
	}
	m.nodesTotal.WithLabelValues(state).Inc()
	if duration > 0 {
		m.nodeDuration.WithLabelValues(task).Observe(duration.Seconds())
	}
}

// RecordRetry records one retry of a task's action.
func (m *Metrics) RecordRetry(task string) {
	if m.retriesTotal == nil {
		return
	}
	m.retriesTotal.WithLabelValues(task).Inc()
}

// RecordLoopIteration records one executed loop iteration or until attempt.
func (m *Metrics) RecordLoopIteration(task string) {
	if m.loopIterations == nil {
		return
	}
	m.loopIterations.Inc()
}

// RecordPolicyViolation records a violation reported by an admission policy.
func (m *Metrics) RecordPolicyViolation(policy, severity string) {
	if m.policyViolations == nil {
		return
	}
	m.policyViolations.WithLabelValues(policy, severity).Inc()
}

// Registry returns the Prometheus registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
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

// Serve exposes the metrics endpoint until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context) error {
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
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	zerolog.Ctx(ctx).Info().Str("address", m.config.ListenAddress).Str("path", m.config.Path).Msg("Serving metrics")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
