package telemetry

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics provides Prometheus metrics for rebase runs. A disabled instance
// records nothing; every method is safe to call on it.
type Metrics struct {
	config MetricsConfig

	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	patchOutcomes *prometheus.CounterVec

	buildAttempts *prometheus.CounterVec
	buildDuration *prometheus.HistogramVec

	pollCycles   prometheus.Counter
	pendingTasks prometheus.Gauge

	failureRecords *prometheus.CounterVec
	checkerRuns    *prometheus.CounterVec
	errorsByClass  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates the collectors in a private registry. Builds are
// labelled by stage (SRPM, RPM) and version (old, new).
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}
	f := factory{namespace: cfg.Namespace, buckets: buckets, registry: prometheus.NewRegistry()}

	m := &Metrics{
		config:         cfg,
		registry:       f.registry,
		runsCompleted:  f.counter("runs_completed_total", "Rebase runs by final status", "status"),
		runDuration:    f.histogram("run_duration_seconds", "Wall time of rebase runs", "status"),
		patchOutcomes:  f.counter("patches_total", "Reconciled patches by final status", "status"),
		buildAttempts:  f.counter("build_attempts_total", "Build attempts by stage, version and result", "stage", "version", "result"),
		buildDuration:  f.histogram("build_duration_seconds", "Wall time of build attempts", "stage", "version"),
		failureRecords: f.counter("failure_records_total", "Classified build failures by category", "category"),
		checkerRuns:    f.counter("checker_runs_total", "Checker executions by checker and result", "checker", "result"),
		errorsByClass:  f.counter("errors_total", "Errors by class", "class"),
	}

	m.pollCycles = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Name:      "poll_cycles_total",
		Help:      "Poll cycles spent waiting for remote builds",
	})
	m.pendingTasks = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: cfg.Namespace,
		Name:      "remote_tasks_pending",
		Help:      "Remote build tasks not yet terminal after the last poll cycle",
	})
	f.registry.MustRegister(m.pollCycles, m.pendingTasks)

	return m, nil
}

// factory registers vectors as it creates them.
type factory struct {
	namespace string
	buckets   []float64
	registry  *prometheus.Registry
}

func (f factory) counter(name, help string, labels ...string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: f.namespace, Name: name, Help: help}, labels)
	f.registry.MustRegister(c)
	return c
}

func (f factory) histogram(name, help string, labels ...string) *prometheus.HistogramVec {
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: f.namespace,
		Name:      name,
		Help:      help,
		Buckets:   f.buckets,
	}, labels)
	f.registry.MustRegister(h)
	return h
}

// RecordRunCompleted records a completed run with its status and duration.
func (m *Metrics) RecordRunCompleted(status string, duration time.Duration) {
	if m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordPatch records the final status of one patch.
func (m *Metrics) RecordPatch(status string) {
	if m.patchOutcomes == nil {
		return
	}
	m.patchOutcomes.WithLabelValues(status).Inc()
}

// RecordBuildAttempt records one build attempt of a stage.
func (m *Metrics) RecordBuildAttempt(stage, version, result string, duration time.Duration) {
	if m.buildAttempts == nil {
		return
	}
	m.buildAttempts.WithLabelValues(stage, version, result).Inc()
	m.buildDuration.WithLabelValues(stage, version).Observe(duration.Seconds())
}

// RecordPollCycle records a poll cycle and the tasks still pending after it.
func (m *Metrics) RecordPollCycle(pending int) {
	if m.pollCycles == nil {
		return
	}
	m.pollCycles.Inc()
	m.pendingTasks.Set(float64(pending))
}

// RecordFailure records a classified build failure.
func (m *Metrics) RecordFailure(category string) {
	if m.failureRecords == nil {
		return
	}
	m.failureRecords.WithLabelValues(category).Inc()
}

// RecordCheckerRun records a checker execution.
func (m *Metrics) RecordCheckerRun(checker, result string) {
	if m.checkerRuns == nil {
		return
	}
	m.checkerRuns.WithLabelValues(checker, result).Inc()
}

// RecordError records an error by class.
func (m *Metrics) RecordError(errorClass string) {
	if m.errorsByClass == nil || errorClass == "" {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
}

// Registry returns the underlying registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WriteTextfile writes the registry in the Prometheus text format. Relative
// textfile paths are resolved against dir.
func (m *Metrics) WriteTextfile(dir string) (string, error) {
	if m.registry == nil {
		return "", nil
	}

	path := m.config.Textfile
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return "", fmt.Errorf("failed to write metrics: %w", err)
	}
	return path, nil
}

// Timer measures the wall time of a run or build attempt.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
