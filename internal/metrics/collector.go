// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Collector gathers engine metrics: runs, per-node executions, retries,
// token usage and streaming. Each collector owns its own registry so tests
// and embedded deployments can create several without panicking on
// duplicate registration.
type Collector struct {
	registry *prometheus.Registry

	runsTotal    *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
	runsInflight prometheus.Gauge

	nodeExecutionsTotal *prometheus.CounterVec
	nodeDuration        *prometheus.HistogramVec
	nodeRetriesTotal    *prometheus.CounterVec

	tokensUsed *prometheus.CounterVec
	costUSD    *prometheus.CounterVec

	streamEventsTotal *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector creates a collector under the given namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	c := &Collector{
		registry: registry,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	c.runsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Total number of flow runs by terminal status",
		},
		[]string{"status"},
	)

	c.runDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Flow run duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"status"},
	)

	c.runsInflight = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_inflight",
			Help:      "Number of runs currently executing",
		},
	)

	c.nodeExecutionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_executions_total",
			Help:      "Total number of node executions",
		},
		[]string{"kind", "status"},
	)

	c.nodeDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_duration_seconds",
			Help:      "Node execution duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"kind"},
	)

	c.nodeRetriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_retries_total",
			Help:      "Total number of node retry attempts",
		},
		[]string{"kind"},
	)

	c.tokensUsed = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_used_total",
			Help:      "Total number of tokens used",
		},
		[]string{"model", "type"}, // type: prompt, completion
	)

	c.costUSD = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cost_usd_total",
			Help:      "Total model cost in USD",
		},
		[]string{"model"},
	)

	c.streamEventsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_events_total",
			Help:      "Total number of outbound stream events",
		},
		[]string{"type"},
	)

	return c
}

// ObserveRun records a completed run.
func (c *Collector) ObserveRun(status string, d time.Duration) {
	c.runsTotal.WithLabelValues(status).Inc()
	c.runDuration.WithLabelValues(status).Observe(d.Seconds())
}

// RunStarted increments the in-flight gauge.
func (c *Collector) RunStarted() { c.runsInflight.Inc() }

// RunEnded decrements the in-flight gauge.
func (c *Collector) RunEnded() { c.runsInflight.Dec() }

// ObserveNodeExecution records a node reaching a terminal state.
func (c *Collector) ObserveNodeExecution(kind, status string, d time.Duration) {
	c.nodeExecutionsTotal.WithLabelValues(kind, status).Inc()
	c.nodeDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// ObserveRetry records one retry attempt for a node kind.
func (c *Collector) ObserveRetry(kind string) {
	c.nodeRetriesTotal.WithLabelValues(kind).Inc()
}

// ObserveTokens records model token and cost usage.
func (c *Collector) ObserveTokens(model string, prompt, completion int, costUSD float64) {
	c.tokensUsed.WithLabelValues(model, "prompt").Add(float64(prompt))
	c.tokensUsed.WithLabelValues(model, "completion").Add(float64(completion))
	if costUSD > 0 {
		c.costUSD.WithLabelValues(model).Add(costUSD)
	}
}

// ObserveStreamEvent counts one outbound stream event.
func (c *Collector) ObserveStreamEvent(eventType string) {
	c.streamEventsTotal.WithLabelValues(eventType).Inc()
}

// Handler exposes the collector's registry for a /metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry for custom gatherers.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
