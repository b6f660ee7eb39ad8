package telemetry

import (
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects per-invocation counters. A disabled instance accepts
// every call and records nothing.
type Metrics struct {
	config MetricsConfig

	appliesTotal     *prometheus.CounterVec
	applyDuration    *prometheus.HistogramVec
	trackedFiles     *prometheus.GaugeVec
	revisions        prometheus.Gauge
	currentRevision  prometheus.Gauge
	capabilityErrors *prometheus.CounterVec
	scriptSteps      prometheus.Gauge

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

		appliesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "applies_total",
				Help:      "Total number of apply runs by outcome",
			},
			[]string{"status", "dry_run"},
		),
		applyDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "apply_duration_seconds",
				Help:      "Duration of apply runs in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		trackedFiles: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tracked_files",
				Help:      "Files tracked by the last apply, by kind",
			},
			[]string{"kind"},
		),
		revisions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "revisions",
				Help:      "Number of revisions in the store",
			},
		),
		currentRevision: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "current_revision",
				Help:      "Id of the current revision, -1 when there is none",
			},
		),
		capabilityErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "capability_errors_total",
				Help:      "Errors raised by capability calls, by class",
			},
			[]string{"class"},
		),
		scriptSteps: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "script_steps",
				Help:      "Interpreter steps used by the last apply",
			},
		),
	}

	collectors := []prometheus.Collector{
		m.appliesTotal,
		m.applyDuration,
		m.trackedFiles,
		m.revisions,
		m.currentRevision,
		m.capabilityErrors,
		m.scriptSteps,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}

	return m, nil
}

// Enabled reports whether metrics are being recorded.
func (m *Metrics) Enabled() bool {
	return m.registry != nil
}

// RecordApply records a finished apply with its status and duration.
func (m *Metrics) RecordApply(status string, dryRun bool, duration time.Duration) {
	if m.appliesTotal == nil {
		return
	}
	m.appliesTotal.WithLabelValues(status, strconv.FormatBool(dryRun)).Inc()
	m.applyDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// SetTracked sets the number of files of kind tracked by the last apply.
func (m *Metrics) SetTracked(kind string, n int) {
	if m.trackedFiles == nil {
		return
	}
	m.trackedFiles.WithLabelValues(kind).Set(float64(n))
}

// SetRevisions records the store size and the current revision id.
func (m *Metrics) SetRevisions(count int, current int, ok bool) {
	if m.revisions == nil {
		return
	}
	m.revisions.Set(float64(count))
	if !ok {
		current = -1
	}
	m.currentRevision.Set(float64(current))
}

// RecordError counts an error of the given class.
func (m *Metrics) RecordError(class string) {
	if m.capabilityErrors == nil {
		return
	}
	if class == "" {
		class = "unclassified"
	}
	m.capabilityErrors.WithLabelValues(class).Inc()
}

// SetSteps records the interpreter steps of the last apply.
func (m *Metrics) SetSteps(steps uint64) {
	if m.scriptSteps == nil {
		return
	}
	m.scriptSteps.Set(float64(steps))
}

// Registry returns the underlying registry, nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WriteTextfile writes every metric to the configured textfile path in
// the Prometheus text format.
func (m *Metrics) WriteTextfile() error {
	if m.registry == nil || m.config.TextfilePath == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(m.config.TextfilePath, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics: %w", err)
	}
	return nil
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
