package graph

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics collects Prometheus metrics for graph runs.
//
// Metrics exposed (all namespaced with "promptflow_"):
//
//  1. step_latency_ms (histogram): step invocation duration.
//     Labels: step, status (success, failed, timeout).
//  2. step_runs_total (counter): step invocations. Labels: step, status.
//  3. step_retries_total (counter): retried attempts. Labels: step.
//  4. fanout_width (histogram): elements per fan-out execution. Labels: step.
//  5. gate_halts_total (counter): branches halted on missing inputs. Labels: step.
//  6. sink_failures_total (counter): run records the data store rejected. Labels: step.
//  7. runs_total (counter): finished runs. Labels: status (success, error).
//  8. inflight_runs (gauge): runs currently executing.
//
// A nil *PrometheusMetrics is valid and records nothing, so the graph calls
// it unconditionally.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := graph.NewPrometheusMetrics(registry)
//	g, _ := graph.New("facts", graph.WithMetrics(metrics))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
type PrometheusMetrics struct {
	stepLatency  *prometheus.HistogramVec
	stepRuns     *prometheus.CounterVec
	retries      *prometheus.CounterVec
	fanoutWidth  *prometheus.HistogramVec
	gateHalts    *prometheus.CounterVec
	sinkFailures *prometheus.CounterVec
	runs         *prometheus.CounterVec
	inflightRuns prometheus.Gauge

	mu      sync.RWMutex
	enabled bool
}

// NewPrometheusMetrics creates and registers the metrics with registry.
// A nil registry means prometheus.DefaultRegisterer.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &PrometheusMetrics{
		enabled: true,
		stepLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "promptflow",
			Name:      "step_latency_ms",
			Help:      "Step invocation duration in milliseconds",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 60000},
		}, []string{"step", "status"}),
		stepRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "promptflow",
			Name:      "step_runs_total",
			Help:      "Step invocations by outcome",
		}, []string{"step", "status"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "promptflow",
			Name:      "step_retries_total",
			Help:      "Retried step attempts",
		}, []string{"step"}),
		fanoutWidth: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "promptflow",
			Name:      "fanout_width",
			Help:      "Number of elements a fan-out step ran over",
			Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
		}, []string{"step"}),
		gateHalts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "promptflow",
			Name:      "gate_halts_total",
			Help:      "Branches halted because a step's inputs were incomplete",
		}, []string{"step"}),
		sinkFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "promptflow",
			Name:      "sink_failures_total",
			Help:      "Step run records the data store failed to persist",
		}, []string{"step"}),
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "promptflow",
			Name:      "runs_total",
			Help:      "Finished graph runs by outcome",
		}, []string{"status"}),
		inflightRuns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "promptflow",
			Name:      "inflight_runs",
			Help:      "Graph runs currently executing",
		}),
	}
}

func (pm *PrometheusMetrics) on() bool {
	if pm == nil {
		return false
	}
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.enabled
}

// RecordStep records one invocation's latency and outcome.
func (pm *PrometheusMetrics) RecordStep(step, status string, latency time.Duration) {
	if !pm.on() {
		return
	}
	pm.stepLatency.WithLabelValues(step, status).Observe(float64(latency.Milliseconds()))
	pm.stepRuns.WithLabelValues(step, status).Inc()
}

// IncRetries counts a retried attempt.
func (pm *PrometheusMetrics) IncRetries(step string) {
	if !pm.on() {
		return
	}
	pm.retries.WithLabelValues(step).Inc()
}

// ObserveFanOut records the width of a fan-out execution.
func (pm *PrometheusMetrics) ObserveFanOut(step string, width int) {
	if !pm.on() {
		return
	}
	pm.fanoutWidth.WithLabelValues(step).Observe(float64(width))
}

// IncGateHalts counts a branch halted at step's input gate.
func (pm *PrometheusMetrics) IncGateHalts(step string) {
	if !pm.on() {
		return
	}
	pm.gateHalts.WithLabelValues(step).Inc()
}

// IncSinkFailures counts a run record the data store rejected.
func (pm *PrometheusMetrics) IncSinkFailures(step string) {
	if !pm.on() {
		return
	}
	pm.sinkFailures.WithLabelValues(step).Inc()
}

// RecordRun counts a finished run.
func (pm *PrometheusMetrics) RecordRun(status string) {
	if !pm.on() {
		return
	}
	pm.runs.WithLabelValues(status).Inc()
}

// IncInflightRuns marks a run as started.
func (pm *PrometheusMetrics) IncInflightRuns() {
	if !pm.on() {
		return
	}
	pm.inflightRuns.Inc()
}

// DecInflightRuns marks a run as finished.
func (pm *PrometheusMetrics) DecInflightRuns() {
	if !pm.on() {
		return
	}
	pm.inflightRuns.Dec()
}

// Disable temporarily disables metric recording.
func (pm *PrometheusMetrics) Disable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = false
}

// Enable re-enables metric recording after Disable.
func (pm *PrometheusMetrics) Enable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = true
}
