package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flowgate/flowgate/failure"
	"github.com/flowgate/flowgate/resource"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollector("flowgate", reg, zap.NewNop()), reg
}

func TestCollectorWorkflowMetrics(t *testing.T) {
	c, _ := newTestCollector(t)

	c.WorkflowFinished("completed", 2*time.Second)
	c.WorkflowFinished("completed", time.Second)
	c.WorkflowFinished("failed", time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.workflowsTotal.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.workflowsTotal.WithLabelValues("failed")))
}

func TestCollectorNodeMetrics(t *testing.T) {
	c, _ := newTestCollector(t)

	c.NodeFinished("shell", "completed", 100*time.Millisecond)
	c.NodeFinished("shell", "failed", 50*time.Millisecond)
	c.NodeRetried("n1")
	c.NodeRetried("n1")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.nodesTotal.WithLabelValues("shell", "completed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.nodeRetriesTotal.WithLabelValues("n1")))
}

func TestCollectorObservesResourcePools(t *testing.T) {
	c, reg := newTestCollector(t)

	manager := resource.NewManager([]resource.PoolSpec{
		{Type: resource.TypeWorkerSlot, Name: "worker_slot", Total: 10, Unit: "slots"},
	}, resource.WithObserver(c))

	allocs, err := manager.Allocate("n1", []resource.Requirement{
		{Type: resource.TypeWorkerSlot, Amount: 4},
	})
	require.NoError(t, err)

	assert.Equal(t, 10.0, testutil.ToFloat64(c.poolCapacity.WithLabelValues("worker_slot")))
	assert.Equal(t, 6.0, testutil.ToFloat64(c.poolAvailable.WithLabelValues("worker_slot")))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.allocationsGranted.WithLabelValues("worker_slot")))

	require.NoError(t, manager.Deallocate(allocs[0].ID))
	assert.Equal(t, 10.0, testutil.ToFloat64(c.poolAvailable.WithLabelValues("worker_slot")))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.allocationsReleased.WithLabelValues("worker_slot")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestCollectorBreakerTransitions(t *testing.T) {
	c, _ := newTestCollector(t)

	breaker := failure.NewCircuitBreaker("n1", failure.CircuitBreakerConfig{
		FailureThreshold: 2,
		RecoveryTimeout:  time.Minute,
		SuccessThreshold: 1,
	}, c, zap.NewNop())

	breaker.RecordFailure()
	breaker.RecordFailure()
	require.Equal(t, failure.CircuitOpen, breaker.State())

	assert.Equal(t, float64(failure.CircuitOpen), testutil.ToFloat64(c.breakerState.WithLabelValues("n1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.breakerTransitions.WithLabelValues("n1", "closed", "open")))
}
