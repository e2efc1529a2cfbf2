// Package metrics provides internal Prometheus metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/flowgate/flowgate/failure"
	"github.com/flowgate/flowgate/resource"
)

// Collector exposes engine, resource pool and circuit breaker metrics. It
// implements workflow.MetricsRecorder, resource.Observer and
// failure.CircuitBreakerEventHandler so one instance can be wired into all
// three components.
type Collector struct {
	// workflow metrics
	workflowsTotal   *prometheus.CounterVec
	workflowDuration *prometheus.HistogramVec
	nodesTotal       *prometheus.CounterVec
	nodeDuration     *prometheus.HistogramVec
	nodeRetriesTotal *prometheus.CounterVec

	// resource pool metrics
	poolCapacity        *prometheus.GaugeVec
	poolAvailable       *prometheus.GaugeVec
	allocationsGranted  *prometheus.CounterVec
	allocationsReleased *prometheus.CounterVec

	// circuit breaker metrics
	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector creates a collector registered against reg. A nil registerer
// falls back to the default Prometheus registry.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.workflowsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_total",
			Help:      "Total number of finished workflow runs",
		},
		[]string{"status"},
	)

	c.workflowDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_duration_seconds",
			Help:      "Workflow run duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 1800},
		},
		[]string{"status"},
	)

	c.nodesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_total",
			Help:      "Total number of finished node executions",
		},
		[]string{"task_type", "status"},
	)

	c.nodeDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_duration_seconds",
			Help:      "Node execution duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"task_type"},
	)

	c.nodeRetriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_retries_total",
			Help:      "Total number of node recovery retries",
		},
		[]string{"node_id"},
	)

	c.poolCapacity = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "resource_pool_capacity",
			Help:      "Total capacity of a resource pool",
		},
		[]string{"type"},
	)

	c.poolAvailable = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "resource_pool_available",
			Help:      "Available capacity of a resource pool",
		},
		[]string{"type"},
	)

	c.allocationsGranted = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resource_allocations_granted_total",
			Help:      "Total resource amount granted, by pool type",
		},
		[]string{"type"},
	)

	c.allocationsReleased = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resource_allocations_released_total",
			Help:      "Total resource amount released, by pool type",
		},
		[]string{"type"},
	)

	c.breakerState = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per node (0 closed, 1 open, 2 half-open)",
		},
		[]string{"node_id"},
	)

	c.breakerTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Circuit breaker state transitions",
		},
		[]string{"node_id", "from", "to"},
	)

	return c
}

// WorkflowFinished implements workflow.MetricsRecorder.
func (c *Collector) WorkflowFinished(status string, duration time.Duration) {
	c.workflowsTotal.WithLabelValues(status).Inc()
	c.workflowDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// NodeFinished implements workflow.MetricsRecorder.
func (c *Collector) NodeFinished(taskType, status string, duration time.Duration) {
	c.nodesTotal.WithLabelValues(taskType, status).Inc()
	c.nodeDuration.WithLabelValues(taskType).Observe(duration.Seconds())
}

// NodeRetried implements workflow.MetricsRecorder.
func (c *Collector) NodeRetried(nodeID string) {
	c.nodeRetriesTotal.WithLabelValues(nodeID).Inc()
}

// PoolChanged implements resource.Observer.
func (c *Collector) PoolChanged(poolType resource.Type, total, available float64) {
	c.poolCapacity.WithLabelValues(string(poolType)).Set(total)
	c.poolAvailable.WithLabelValues(string(poolType)).Set(available)
}

// AllocationGranted implements resource.Observer.
func (c *Collector) AllocationGranted(poolType resource.Type, amount float64) {
	c.allocationsGranted.WithLabelValues(string(poolType)).Add(amount)
}

// AllocationReleased implements resource.Observer.
func (c *Collector) AllocationReleased(poolType resource.Type, amount float64) {
	c.allocationsReleased.WithLabelValues(string(poolType)).Add(amount)
}

// OnStateChange implements failure.CircuitBreakerEventHandler.
func (c *Collector) OnStateChange(event failure.CircuitBreakerEvent) {
	c.breakerState.WithLabelValues(event.NodeID).Set(float64(event.NewState))
	c.breakerTransitions.WithLabelValues(event.NodeID, event.OldState.String(), event.NewState.String()).Inc()
	c.logger.Debug("circuit breaker transition",
		zap.String("node_id", event.NodeID),
		zap.String("from", event.OldState.String()),
		zap.String("to", event.NewState.String()))
}
