package workflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowgate/flowgate/execution"
	"github.com/flowgate/flowgate/failure"
	"github.com/flowgate/flowgate/resource"
)

// orderRecorder is a task executor that records completion order.
type orderRecorder struct {
	mu    sync.Mutex
	order []string
}

func (r *orderRecorder) Execute(_ context.Context, node *Node, _ *execution.Context) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, node.ID)
	return node.ID + ":done", nil
}

func (r *orderRecorder) indexOf(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, got := range r.order {
		if got == id {
			return i
		}
	}
	return -1
}

func quickHandler(t *testing.T, patterns ...*failure.Pattern) *failure.Handler {
	t.Helper()
	return failure.NewHandler(failure.DefaultHandlerConfig(), failure.WithPatterns(patterns))
}

func diamondDefinition(id string) *Definition {
	return &Definition{
		ID: id,
		Nodes: []*Node{
			NewNode("A", "A", "test"),
			NewNode("B", "B", "test").WithDependencies("A"),
			NewNode("C", "C", "test").WithDependencies("A"),
			NewNode("D", "D", "test").WithDependencies("B", "C"),
		},
	}
}

func TestExecuteWorkflowDiamond(t *testing.T) {
	engine := NewEngine(DefaultEngineConfig())
	rec := &orderRecorder{}
	engine.RegisterExecutor("test", rec)
	require.NoError(t, engine.CreateWorkflow(diamondDefinition("wf-diamond")))

	result, err := engine.ExecuteWorkflow(t.Context(), "wf-diamond", map[string]any{"run": "first"})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, result.Status)
	require.Len(t, result.NodeResults, 4)
	for id, nr := range result.NodeResults {
		assert.Equal(t, NodeCompleted, nr.Status, "node %s", id)
		assert.Equal(t, 1, nr.Attempts, "node %s", id)
		assert.Equal(t, id+":done", nr.Output)
		assert.NotEmpty(t, nr.ExecutionID)
	}

	// dependency order: A first, D last
	assert.Equal(t, 0, rec.indexOf("A"))
	assert.Equal(t, 3, rec.indexOf("D"))

	// the run landed in history
	runs := engine.History().ListByWorkflow("wf-diamond")
	require.Len(t, runs, 1)
	assert.Equal(t, result.ExecutionID, runs[0].ExecutionID)
}

func TestExecuteWorkflowReusable(t *testing.T) {
	engine := NewEngine(DefaultEngineConfig())
	engine.RegisterExecutor("test", &orderRecorder{})
	require.NoError(t, engine.CreateWorkflow(diamondDefinition("wf-reuse")))

	for i := 0; i < 3; i++ {
		result, err := engine.ExecuteWorkflow(t.Context(), "wf-reuse", nil)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, result.Status)
	}
	assert.Len(t, engine.History().ListByWorkflow("wf-reuse"), 3)

	// the registered template stayed pristine
	graph, err := engine.Workflow("wf-reuse")
	require.NoError(t, err)
	for _, n := range graph.Nodes() {
		assert.Equal(t, NodePending, n.Status)
	}
}

func TestExecuteWorkflowRetryExhausted(t *testing.T) {
	pattern, err := failure.NewPattern("timeout_retry", failure.TypeTimeout, nil,
		failure.RecoveryAction{Strategy: failure.StrategyRetry, Delay: time.Millisecond, MaxAttempts: 2}, 50)
	require.NoError(t, err)

	engine := NewEngine(DefaultEngineConfig(), WithFailureHandler(quickHandler(t, pattern)))

	var calls atomic.Int32
	engine.RegisterExecutor("flaky", TaskExecutorFunc(func(context.Context, *Node, *execution.Context) (any, error) {
		calls.Add(1)
		return nil, errors.New("upstream call timed out")
	}))

	require.NoError(t, engine.CreateWorkflow(&Definition{
		ID:    "wf-retry",
		Nodes: []*Node{NewNode("n1", "n1", "flaky")},
	}))

	result, err := engine.ExecuteWorkflow(t.Context(), "wf-retry", nil)
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, result.Status)
	nr := result.NodeResults["n1"]
	require.NotNil(t, nr)
	assert.Equal(t, NodeFailed, nr.Status)
	assert.Equal(t, 2, nr.Attempts)
	assert.Equal(t, string(failure.TypeTimeout), nr.FailureType)
	assert.EqualValues(t, 2, calls.Load())
}

func TestExecuteWorkflowRetrySucceedsSecondAttempt(t *testing.T) {
	pattern, err := failure.NewPattern("net_retry", failure.TypeNetworkError, nil,
		failure.RecoveryAction{Strategy: failure.StrategyRetry, Delay: time.Millisecond, MaxAttempts: 3}, 50)
	require.NoError(t, err)

	engine := NewEngine(DefaultEngineConfig(), WithFailureHandler(quickHandler(t, pattern)))

	var calls atomic.Int32
	engine.RegisterExecutor("flaky", TaskExecutorFunc(func(context.Context, *Node, *execution.Context) (any, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("connection reset by peer")
		}
		return "recovered", nil
	}))

	require.NoError(t, engine.CreateWorkflow(&Definition{
		ID:    "wf-flaky",
		Nodes: []*Node{NewNode("n1", "n1", "flaky")},
	}))

	result, err := engine.ExecuteWorkflow(t.Context(), "wf-flaky", nil)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, result.Status)
	nr := result.NodeResults["n1"]
	assert.Equal(t, NodeCompleted, nr.Status)
	assert.Equal(t, 2, nr.Attempts)
	assert.Equal(t, "recovered", nr.Output)
}

func TestExecuteWorkflowSkipRecovery(t *testing.T) {
	pattern, err := failure.NewPattern("validation_skip", failure.TypeValidationError, nil,
		failure.RecoveryAction{Strategy: failure.StrategySkip}, 50)
	require.NoError(t, err)

	engine := NewEngine(DefaultEngineConfig(), WithFailureHandler(quickHandler(t, pattern)))
	engine.RegisterExecutor("bad", TaskExecutorFunc(func(context.Context, *Node, *execution.Context) (any, error) {
		return nil, errors.New("validation failed: missing field")
	}))
	engine.RegisterExecutor("test", &orderRecorder{})

	require.NoError(t, engine.CreateWorkflow(&Definition{
		ID: "wf-skip",
		Nodes: []*Node{
			NewNode("optional", "optional", "bad"),
			NewNode("after", "after", "test").WithDependencies("optional"),
		},
	}))

	result, err := engine.ExecuteWorkflow(t.Context(), "wf-skip", nil)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, NodeSkipped, result.NodeResults["optional"].Status)
	assert.Equal(t, NodeCompleted, result.NodeResults["after"].Status)
}

func TestExecuteWorkflowPartialComplete(t *testing.T) {
	pattern, err := failure.NewPattern("fail_fast", failure.TypeUnknown, nil,
		failure.RecoveryAction{Strategy: failure.StrategyFailFast}, 50)
	require.NoError(t, err)

	engine := NewEngine(DefaultEngineConfig(), WithFailureHandler(quickHandler(t, pattern)))
	engine.RegisterExecutor("test", &orderRecorder{})
	engine.RegisterExecutor("boom", TaskExecutorFunc(func(context.Context, *Node, *execution.Context) (any, error) {
		return nil, errors.New("boom")
	}))

	require.NoError(t, engine.CreateWorkflow(&Definition{
		ID: "wf-partial",
		Nodes: []*Node{
			NewNode("ok", "ok", "test"),
			NewNode("bad", "bad", "boom").WithDependencies("ok"),
			NewNode("never", "never", "test").WithDependencies("bad"),
		},
	}))

	result, err := engine.ExecuteWorkflow(t.Context(), "wf-partial", nil)
	require.NoError(t, err)

	assert.Equal(t, StatusPartialComplete, result.Status)
	assert.Equal(t, NodeCompleted, result.NodeResults["ok"].Status)
	assert.Equal(t, NodeFailed, result.NodeResults["bad"].Status)
	assert.Equal(t, NodeCancelled, result.NodeResults["never"].Status)
	assert.Contains(t, result.Error, "bad")
}

func TestExecuteWorkflowFailedWhenNothingCompleted(t *testing.T) {
	pattern, err := failure.NewPattern("fail_fast", failure.TypeUnknown, nil,
		failure.RecoveryAction{Strategy: failure.StrategyFailFast}, 50)
	require.NoError(t, err)

	engine := NewEngine(DefaultEngineConfig(), WithFailureHandler(quickHandler(t, pattern)))
	engine.RegisterExecutor("boom", TaskExecutorFunc(func(context.Context, *Node, *execution.Context) (any, error) {
		return nil, errors.New("boom")
	}))

	require.NoError(t, engine.CreateWorkflow(&Definition{
		ID:    "wf-fail",
		Nodes: []*Node{NewNode("only", "only", "boom")},
	}))

	result, err := engine.ExecuteWorkflow(t.Context(), "wf-fail", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Status)
}

func TestExecuteWorkflowTimeout(t *testing.T) {
	engine := NewEngine(DefaultEngineConfig(), WithFailureHandler(quickHandler(t)))
	engine.RegisterExecutor("slow", TaskExecutorFunc(func(ctx context.Context, _ *Node, _ *execution.Context) (any, error) {
		select {
		case <-time.After(5 * time.Second):
			return "too late", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}))

	require.NoError(t, engine.CreateWorkflow(&Definition{
		ID:      "wf-slow",
		Timeout: 50 * time.Millisecond,
		Nodes:   []*Node{NewNode("n1", "n1", "slow")},
	}))

	result, err := engine.ExecuteWorkflow(t.Context(), "wf-slow", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, result.Status)
	assert.Equal(t, NodeFailed, result.NodeResults["n1"].Status)
	assert.Equal(t, string(failure.TypeTimeout), result.NodeResults["n1"].FailureType)
}

func TestExecuteWorkflowEngineConfigTimeout(t *testing.T) {
	config := DefaultEngineConfig()
	config.WorkflowTimeout = 50 * time.Millisecond
	engine := NewEngine(config, WithFailureHandler(quickHandler(t)))
	engine.RegisterExecutor("slow", TaskExecutorFunc(func(ctx context.Context, _ *Node, _ *execution.Context) (any, error) {
		select {
		case <-time.After(5 * time.Second):
			return "too late", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}))

	// No definition-level timeout: the engine-wide one must apply.
	require.NoError(t, engine.CreateWorkflow(&Definition{
		ID:    "wf-engine-deadline",
		Nodes: []*Node{NewNode("n1", "n1", "slow")},
	}))

	result, err := engine.ExecuteWorkflow(t.Context(), "wf-engine-deadline", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, result.Status)
	assert.Empty(t, engine.ActiveExecutions())
}

func TestExecuteWorkflowCancellation(t *testing.T) {
	engine := NewEngine(DefaultEngineConfig())
	started := make(chan struct{})
	engine.RegisterExecutor("block", TaskExecutorFunc(func(ctx context.Context, _ *Node, _ *execution.Context) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	require.NoError(t, engine.CreateWorkflow(&Definition{
		ID:    "wf-cancel",
		Nodes: []*Node{NewNode("n1", "n1", "block")},
	}))

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan *Result, 1)
	go func() {
		result, err := engine.ExecuteWorkflow(ctx, "wf-cancel", nil)
		assert.NoError(t, err)
		done <- result
	}()

	<-started
	assert.Len(t, engine.ActiveExecutions(), 1)
	cancel()

	select {
	case result := <-done:
		assert.Equal(t, StatusCancelled, result.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("workflow did not stop after cancellation")
	}
	assert.Empty(t, engine.ActiveExecutions())
}

func TestExecuteWorkflowResourceContention(t *testing.T) {
	manager := resource.NewManager([]resource.PoolSpec{
		{Type: resource.TypeWorkerSlot, Name: "worker_slot", Total: 1, Unit: "slots"},
	})
	pattern, err := failure.NewPattern("resource_retry", failure.TypeResourceExhaustion, nil,
		failure.RecoveryAction{Strategy: failure.StrategyRetryWithBackoff, Delay: 10 * time.Millisecond, MaxAttempts: 10}, 50)
	require.NoError(t, err)

	engine := NewEngine(DefaultEngineConfig(),
		WithResourceManager(manager),
		WithFailureHandler(quickHandler(t, pattern)))

	var running atomic.Int32
	engine.RegisterExecutor("hold", TaskExecutorFunc(func(context.Context, *Node, *execution.Context) (any, error) {
		if running.Add(1) > 1 {
			return nil, errors.New("two holders of a single slot")
		}
		time.Sleep(30 * time.Millisecond)
		running.Add(-1)
		return "ok", nil
	}))

	slot := resource.Requirement{Type: resource.TypeWorkerSlot, Amount: 1}
	require.NoError(t, engine.CreateWorkflow(&Definition{
		ID: "wf-contend",
		Nodes: []*Node{
			NewNode("w1", "w1", "hold").WithResources(slot),
			NewNode("w2", "w2", "hold").WithResources(slot),
		},
	}))

	result, err := engine.ExecuteWorkflow(t.Context(), "wf-contend", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)

	// every grant was released
	util := manager.Utilization()[resource.TypeWorkerSlot]
	assert.Equal(t, 1.0, util.Available)
}

func TestExecuteWorkflowCircuitBreakerGate(t *testing.T) {
	handler := quickHandler(t)
	engine := NewEngine(DefaultEngineConfig(), WithFailureHandler(handler))

	var calls atomic.Int32
	engine.RegisterExecutor("test", TaskExecutorFunc(func(context.Context, *Node, *execution.Context) (any, error) {
		calls.Add(1)
		return "ok", nil
	}))
	require.NoError(t, engine.CreateWorkflow(&Definition{
		ID:    "wf-gated",
		Nodes: []*Node{NewNode("n1", "n1", "test")},
	}))

	// trip the node's breaker before the run
	breaker := handler.Breaker("n1")
	for breaker.State() != failure.CircuitOpen {
		breaker.RecordFailure()
	}

	result, err := engine.ExecuteWorkflow(t.Context(), "wf-gated", nil)
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, NodeFailed, result.NodeResults["n1"].Status)
	assert.Equal(t, FailureCircuitOpen, result.NodeResults["n1"].FailureType,
		"a gate refusal is the node's own breaker, not a classified task failure")
	assert.EqualValues(t, 0, calls.Load(), "executor must not run behind an open breaker")
}

func TestCreateWorkflowRejectsBadDefinitions(t *testing.T) {
	engine := NewEngine(DefaultEngineConfig())

	assert.Error(t, engine.CreateWorkflow(nil))
	assert.Error(t, engine.CreateWorkflow(&Definition{ID: "empty"}))

	err := engine.CreateWorkflow(&Definition{
		ID: "cyclic",
		Nodes: []*Node{
			NewNode("a", "a", "test").WithDependencies("b"),
			NewNode("b", "b", "test").WithDependencies("a"),
		},
	})
	assert.ErrorContains(t, err, "cycle")

	err = engine.CreateWorkflow(&Definition{
		ID:           "dangling",
		Nodes:        []*Node{NewNode("a", "a", "test")},
		Dependencies: [][2]string{{"a", "ghost"}},
	})
	assert.ErrorIs(t, err, ErrUnknownNode)

	// nothing was registered
	_, err = engine.Workflow("cyclic")
	assert.ErrorIs(t, err, ErrUnknownWorkflow)
	_, err = engine.Workflow("dangling")
	assert.ErrorIs(t, err, ErrUnknownWorkflow)
}

func TestExecuteWorkflowUnknownID(t *testing.T) {
	engine := NewEngine(DefaultEngineConfig())
	_, err := engine.ExecuteWorkflow(t.Context(), "nope", nil)
	assert.ErrorIs(t, err, ErrUnknownWorkflow)
}

func TestExecuteWorkflowUnregisteredTaskType(t *testing.T) {
	engine := NewEngine(DefaultEngineConfig(), WithFailureHandler(quickHandler(t)))
	require.NoError(t, engine.CreateWorkflow(&Definition{
		ID:    "wf-notype",
		Nodes: []*Node{NewNode("n1", "n1", "missing_type")},
	}))

	result, err := engine.ExecuteWorkflow(t.Context(), "wf-notype", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Contains(t, result.NodeResults["n1"].Error, "no executor registered")
}

func TestExecuteWorkflowParamsReachContexts(t *testing.T) {
	engine := NewEngine(DefaultEngineConfig())
	var got any
	engine.RegisterExecutor("test", TaskExecutorFunc(func(_ context.Context, _ *Node, ec *execution.Context) (any, error) {
		got, _ = ec.GetInput("repo")
		return "ok", nil
	}))
	require.NoError(t, engine.CreateWorkflow(&Definition{
		ID:    "wf-params",
		Nodes: []*Node{NewNode("n1", "n1", "test")},
	}))

	_, err := engine.ExecuteWorkflow(t.Context(), "wf-params", map[string]any{"repo": "flowgate"})
	require.NoError(t, err)
	assert.Equal(t, "flowgate", got)
}

func TestGetPerformanceMetrics(t *testing.T) {
	engine := NewEngine(DefaultEngineConfig())
	engine.RegisterExecutor("test", &orderRecorder{})
	require.NoError(t, engine.CreateWorkflow(diamondDefinition("wf-metrics")))

	_, err := engine.ExecuteWorkflow(t.Context(), "wf-metrics", nil)
	require.NoError(t, err)

	pm := engine.GetPerformanceMetrics()
	assert.Equal(t, 1, pm.TotalRuns)
	assert.Equal(t, 0, pm.ActiveRuns)
	assert.Equal(t, 1.0, pm.SuccessRate)
	assert.NotEmpty(t, pm.ResourceUsage)
}
