package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/flowgate/flowgate/execution"
	"github.com/flowgate/flowgate/failure"
	"github.com/flowgate/flowgate/resource"
)

// ErrUnknownWorkflow is returned when a run references an unregistered
// workflow id.
var ErrUnknownWorkflow = errors.New("workflow: unknown workflow")

// EngineConfig tunes the workflow engine.
type EngineConfig struct {
	// MaxParallelNodes bounds concurrent node executions within one level.
	MaxParallelNodes int `yaml:"max_parallel_nodes" json:"max_parallel_nodes"`
	// DefaultNodeTimeout applies to nodes without their own timeout.
	DefaultNodeTimeout time.Duration `yaml:"default_node_timeout" json:"default_node_timeout"`
	// WorkflowTimeout bounds a whole run. Zero means no deadline.
	WorkflowTimeout time.Duration `yaml:"workflow_timeout" json:"workflow_timeout"`
	// DispatchRate throttles node starts per second. Zero disables the
	// limiter.
	DispatchRate float64 `yaml:"dispatch_rate" json:"dispatch_rate"`
	// DispatchBurst is the limiter burst size when DispatchRate is set.
	DispatchBurst int `yaml:"dispatch_burst" json:"dispatch_burst"`
	// HistoryCapacity bounds the in-memory run history.
	HistoryCapacity int `yaml:"history_capacity" json:"history_capacity"`
}

// DefaultEngineConfig returns the shipped defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxParallelNodes:   4,
		DefaultNodeTimeout: 5 * time.Minute,
		HistoryCapacity:    1000,
	}
}

// Definition declares a workflow: its nodes and the dependency edges
// between them.
type Definition struct {
	ID   string
	Name string
	// Nodes are the workflow tasks. Dependencies declared on the nodes
	// themselves are honored alongside the Dependencies edge list.
	Nodes []*Node
	// Dependencies lists extra edges as [node, dependsOn] pairs.
	Dependencies [][2]string
	// MaxParallelNodes overrides the engine default when positive.
	MaxParallelNodes int
	// Timeout overrides the engine's workflow timeout when positive.
	Timeout  time.Duration
	Metadata map[string]any
}

// MetricsRecorder receives engine throughput observations.
type MetricsRecorder interface {
	WorkflowFinished(status string, duration time.Duration)
	NodeFinished(taskType, status string, duration time.Duration)
	NodeRetried(nodeID string)
}

// HistorySink receives completed run results for durable storage, in
// addition to the engine's in-memory history.
type HistorySink interface {
	SaveResult(ctx context.Context, result *Result) error
}

type workflowEntry struct {
	def   *Definition
	graph *Graph
}

// Engine registers workflow definitions and executes them level by level:
// nodes whose dependencies are satisfied run concurrently up to the
// parallelism bound, resources are allocated before each task and released
// after it, and failures flow through classification and recovery before a
// node is given up on.
type Engine struct {
	config    EngineConfig
	workflows map[string]*workflowEntry
	active    map[string]context.CancelFunc

	resources *resource.Manager
	failures  *failure.Handler
	contexts  *execution.Manager
	executors *ExecutorRegistry
	history   *HistoryStore

	sink     HistorySink
	ctxStore execution.Store
	metrics  MetricsRecorder
	tracer   trace.Tracer
	limiter  *rate.Limiter

	logger *zap.Logger
	mu     sync.RWMutex
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineLogger sets the engine logger.
func WithEngineLogger(logger *zap.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// WithResourceManager replaces the default resource manager.
func WithResourceManager(m *resource.Manager) EngineOption {
	return func(e *Engine) { e.resources = m }
}

// WithFailureHandler replaces the default failure handler.
func WithFailureHandler(h *failure.Handler) EngineOption {
	return func(e *Engine) { e.failures = h }
}

// WithContextStore persists execution contexts as they reach terminal
// states.
func WithContextStore(s execution.Store) EngineOption {
	return func(e *Engine) { e.ctxStore = s }
}

// WithHistorySink mirrors completed run results to durable storage.
func WithHistorySink(s HistorySink) EngineOption {
	return func(e *Engine) { e.sink = s }
}

// WithMetrics installs a throughput metrics recorder.
func WithMetrics(m MetricsRecorder) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithTracer enables span creation around runs and node executions.
func WithTracer(t trace.Tracer) EngineOption {
	return func(e *Engine) { e.tracer = t }
}

// NewEngine creates an engine. Missing collaborators get working defaults:
// default resource pools, a failure handler with the shipped patterns, and
// an in-memory history.
func NewEngine(config EngineConfig, opts ...EngineOption) *Engine {
	if config.MaxParallelNodes <= 0 {
		config.MaxParallelNodes = DefaultEngineConfig().MaxParallelNodes
	}
	if config.DefaultNodeTimeout <= 0 {
		config.DefaultNodeTimeout = DefaultEngineConfig().DefaultNodeTimeout
	}
	e := &Engine{
		config:    config,
		workflows: make(map[string]*workflowEntry),
		active:    make(map[string]context.CancelFunc),
		executors: NewExecutorRegistry(),
		history:   NewHistoryStore(config.HistoryCapacity),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	e.logger = e.logger.With(zap.String("component", "workflow_engine"))
	if e.resources == nil {
		e.resources = resource.NewManager(resource.DefaultPoolSpecs(), resource.WithLogger(e.logger))
	}
	if e.failures == nil {
		e.failures = failure.NewHandler(failure.DefaultHandlerConfig(), failure.WithHandlerLogger(e.logger))
	}
	if e.contexts == nil {
		e.contexts = execution.NewManager(e.logger)
	}
	if config.DispatchRate > 0 {
		burst := config.DispatchBurst
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(config.DispatchRate), burst)
	}
	return e
}

// Executors exposes the task executor registry.
func (e *Engine) Executors() *ExecutorRegistry { return e.executors }

// RegisterExecutor binds an executor to a task type.
func (e *Engine) RegisterExecutor(taskType string, ex TaskExecutor) {
	e.executors.Register(taskType, ex)
}

// Resources exposes the resource manager.
func (e *Engine) Resources() *resource.Manager { return e.resources }

// Failures exposes the failure handler.
func (e *Engine) Failures() *failure.Handler { return e.failures }

// Contexts exposes the execution context manager.
func (e *Engine) Contexts() *execution.Manager { return e.contexts }

// History exposes the in-memory run history.
func (e *Engine) History() *HistoryStore { return e.history }

// CreateWorkflow registers a definition. The graph is built and validated
// up front; a definition with structural problems is rejected as a whole
// and nothing is registered.
func (e *Engine) CreateWorkflow(def *Definition) error {
	if def == nil || def.ID == "" {
		return fmt.Errorf("workflow: definition must have an id")
	}
	if len(def.Nodes) == 0 {
		return fmt.Errorf("workflow %s: definition has no nodes", def.ID)
	}

	graph := NewGraph(e.logger)
	for _, n := range def.Nodes {
		if err := graph.AddNode(n.Clone()); err != nil {
			return fmt.Errorf("workflow %s: %w", def.ID, err)
		}
	}
	for _, edge := range def.Dependencies {
		if err := graph.AddDependency(edge[0], edge[1]); err != nil {
			return fmt.Errorf("workflow %s: %w", def.ID, err)
		}
	}
	if errs := graph.Validate(); len(errs) > 0 {
		return fmt.Errorf("workflow %s: invalid graph: %w", def.ID, errors.Join(errs...))
	}
	if _, err := graph.ExecutionOrder(); err != nil {
		return fmt.Errorf("workflow %s: %w", def.ID, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.workflows[def.ID]; exists {
		return fmt.Errorf("workflow %s: already registered", def.ID)
	}
	e.workflows[def.ID] = &workflowEntry{def: def, graph: graph}
	e.logger.Info("workflow registered",
		zap.String("workflow_id", def.ID),
		zap.Int("nodes", graph.Len()))
	return nil
}

// Workflow returns the registered graph for a workflow id. The returned
// graph is the pristine template, not a running copy.
func (e *Engine) Workflow(workflowID string) (*Graph, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	entry, ok := e.workflows[workflowID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkflow, workflowID)
	}
	return entry.graph, nil
}

// RemoveWorkflow unregisters a definition. Active runs keep their own
// graph copy and are unaffected.
func (e *Engine) RemoveWorkflow(workflowID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.workflows[workflowID]; !ok {
		return false
	}
	delete(e.workflows, workflowID)
	return true
}

// CancelExecution cancels a running execution by id.
func (e *Engine) CancelExecution(executionID string) bool {
	e.mu.RLock()
	cancel, ok := e.active[executionID]
	e.mu.RUnlock()
	if ok {
		cancel()
	}
	return ok
}

// ActiveExecutions lists the execution ids currently running.
func (e *Engine) ActiveExecutions() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	return ids
}

// ExecuteWorkflow runs a registered workflow to completion. Each run works
// on a fresh copy of the graph, so a workflow can run repeatedly and
// concurrently. The returned error covers setup problems only; node
// failures are reported through the Result.
func (e *Engine) ExecuteWorkflow(ctx context.Context, workflowID string, params map[string]any) (*Result, error) {
	e.mu.RLock()
	entry, ok := e.workflows[workflowID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkflow, workflowID)
	}

	graph := entry.graph.Clone()
	levels, err := graph.ExecutionOrder()
	if err != nil {
		return nil, fmt.Errorf("workflow %s: %w", workflowID, err)
	}

	timeout := e.config.WorkflowTimeout
	if entry.def.Timeout > 0 {
		timeout = entry.def.Timeout
	}
	var runCtx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	executionID := uuid.NewString()
	e.mu.Lock()
	e.active[executionID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.active, executionID)
		e.mu.Unlock()
	}()

	if e.tracer != nil {
		var span trace.Span
		runCtx, span = e.tracer.Start(runCtx, "workflow.execute",
			trace.WithAttributes(
				attribute.String("workflow.id", workflowID),
				attribute.String("workflow.execution_id", executionID),
				attribute.Int("workflow.nodes", graph.Len()),
			))
		defer span.End()
	}

	result := &Result{
		WorkflowID:  workflowID,
		ExecutionID: executionID,
		Status:      StatusRunning,
		NodeResults: make(map[string]*NodeResult),
		StartedAt:   time.Now(),
	}
	var resultMu sync.Mutex

	maxParallel := e.config.MaxParallelNodes
	if entry.def.MaxParallelNodes > 0 {
		maxParallel = entry.def.MaxParallelNodes
	}

	e.logger.Info("workflow run started",
		zap.String("workflow_id", workflowID),
		zap.String("execution_id", executionID),
		zap.Int("levels", len(levels)),
		zap.Int("max_parallel", maxParallel))

	aborted := false
levels:
	for _, level := range levels {
		if runCtx.Err() != nil {
			break
		}
		var g errgroup.Group
		g.SetLimit(maxParallel)
		for _, nodeID := range level {
			node, _ := graph.Node(nodeID)
			g.Go(func() error {
				nr := e.runNode(runCtx, graph, node, workflowID, executionID, params)
				resultMu.Lock()
				result.NodeResults[node.ID] = nr
				resultMu.Unlock()
				return nil
			})
		}
		g.Wait()

		for _, nodeID := range level {
			if n, _ := graph.Node(nodeID); n.Status == NodeFailed {
				aborted = true
				break levels
			}
		}
	}

	// Nodes never dispatched are cancelled, whatever stopped the run.
	for id, n := range graph.Nodes() {
		if n.Status.Terminal() {
			continue
		}
		graph.UpdateNodeStatus(id, NodeCancelled, "workflow stopped before node ran")
		resultMu.Lock()
		result.NodeResults[id] = &NodeResult{NodeID: id, Status: NodeCancelled}
		resultMu.Unlock()
	}

	result.CompletedAt = time.Now()
	result.Duration = result.CompletedAt.Sub(result.StartedAt)
	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		result.Status = StatusTimeout
		result.Error = "workflow deadline exceeded"
	case runCtx.Err() != nil:
		result.Status = StatusCancelled
		result.Error = "workflow cancelled"
	case aborted && result.CompletedNodes() > 0:
		result.Status = StatusPartialComplete
		result.Error = firstFailureMessage(result)
	case aborted:
		result.Status = StatusFailed
		result.Error = firstFailureMessage(result)
	default:
		result.Status = StatusCompleted
	}

	e.finishRun(result)
	return result, nil
}

func firstFailureMessage(r *Result) string {
	for _, nr := range r.NodeResults {
		if nr.Status == NodeFailed && nr.Error != "" {
			return fmt.Sprintf("node %s failed: %s", nr.NodeID, nr.Error)
		}
	}
	return "node failure"
}

func (e *Engine) finishRun(result *Result) {
	e.history.Save(result)
	if e.metrics != nil {
		e.metrics.WorkflowFinished(string(result.Status), result.Duration)
	}
	if e.sink != nil {
		saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.sink.SaveResult(saveCtx, result); err != nil {
			e.logger.Warn("persist run result failed",
				zap.String("execution_id", result.ExecutionID),
				zap.Error(err))
		}
	}
	e.logger.Info("workflow run finished",
		zap.String("workflow_id", result.WorkflowID),
		zap.String("execution_id", result.ExecutionID),
		zap.String("status", string(result.Status)),
		zap.Duration("duration", result.Duration))
}

// runNode drives one node through dispatch gating, resource allocation,
// task execution and failure recovery. It never returns an error; the
// outcome lands in the NodeResult and the graph.
func (e *Engine) runNode(ctx context.Context, graph *Graph, node *Node, workflowID, executionID string, params map[string]any) *NodeResult {
	nr := &NodeResult{NodeID: node.ID, StartedAt: time.Now()}
	finish := func(status NodeStatus) *NodeResult {
		nr.Status = status
		nr.CompletedAt = time.Now()
		nr.Duration = nr.CompletedAt.Sub(nr.StartedAt)
		if e.metrics != nil {
			e.metrics.NodeFinished(node.TaskType, string(status), nr.Duration)
		}
		return nr
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			graph.UpdateNodeStatus(node.ID, NodeCancelled, "dispatch cancelled")
			nr.Error = err.Error()
			return finish(NodeCancelled)
		}
	}

	// The breaker gates dispatch: an open circuit fails the node without
	// touching its resources or executor.
	if allowed, err := e.failures.Breaker(node.ID).AllowRequest(); !allowed {
		graph.UpdateNodeStatus(node.ID, NodeFailed, err.Error())
		nr.Error = err.Error()
		nr.FailureType = FailureCircuitOpen
		return finish(NodeFailed)
	}

	executor, err := e.executors.Resolve(node.TaskType)
	if err != nil {
		graph.UpdateNodeStatus(node.ID, NodeFailed, err.Error())
		nr.Error = err.Error()
		nr.FailureType = string(failure.TypeValidationError)
		return finish(NodeFailed)
	}

	ec := e.contexts.Create(workflowID, node.ID,
		execution.WithEnvironment(execution.Environment{
			Timeout:    e.nodeTimeout(node),
			MaxRetries: node.MaxRetries,
		}))
	nr.ExecutionID = ec.ID
	for k, v := range params {
		ec.SetInput(k, v)
	}
	for k, v := range node.Parameters {
		ec.SetInput(k, v)
	}

	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.Start(ctx, "workflow.node",
			trace.WithAttributes(
				attribute.String("node.id", node.ID),
				attribute.String("node.task_type", node.TaskType),
				attribute.String("execution.id", ec.ID),
			))
		defer span.End()
	}

	graph.UpdateNodeStatus(node.ID, NodeRunning, "")
	ec.UpdateStatus(execution.StatusRunning, "dispatched")

	// task covers one full attempt: allocate, execute with timeout,
	// release. Recovery strategies re-invoke it as a whole, so retries
	// contend for resources again instead of pinning them.
	task := func(tctx context.Context) (any, error) {
		allocs, err := e.resources.Allocate(node.ID, node.Resources)
		if err != nil {
			return nil, fmt.Errorf("allocate for node %s: %w", node.ID, err)
		}
		defer func() {
			for _, a := range allocs {
				e.resources.Deallocate(a.ID)
			}
		}()
		ec.SetResourceAllocations(allocs)

		attemptCtx, cancel := context.WithTimeout(tctx, e.nodeTimeout(node))
		defer cancel()
		return executor.Execute(attemptCtx, node, ec)
	}

	attempts := 1
	value, taskErr := task(ctx)
	if taskErr == nil {
		e.failures.Breaker(node.ID).RecordSuccess()
		ec.SetOutput("result", value)
		e.completeNode(graph, ec, node, nr, NodeCompleted, "")
		nr.Output = value
		nr.Attempts = attempts
		return finish(NodeCompleted)
	}

	fc, action := e.failures.HandleFailure(node.ID, taskErr, attempts)
	nr.FailureType = string(fc.Type)

	var outcome *failure.Outcome
	var recErr error
	switch action.Strategy {
	case failure.StrategyRetry, failure.StrategyRetryWithBackoff:
		// The first invocation already consumed one attempt of the
		// action's budget.
		remaining := action.MaxAttempts - attempts
		if remaining >= 1 {
			action.MaxAttempts = remaining
			outcome, recErr = e.failures.ExecuteRecovery(ctx, node.ID, action, task)
		} else {
			recErr = taskErr
		}
	default:
		outcome, recErr = e.failures.ExecuteRecovery(ctx, node.ID, action, task)
	}
	if outcome != nil {
		attempts += outcome.Attempts
		if outcome.Attempts > 0 && e.metrics != nil {
			e.metrics.NodeRetried(node.ID)
		}
	}
	nr.Attempts = attempts

	switch {
	case outcome != nil && outcome.Success && outcome.Skipped:
		e.completeNode(graph, ec, node, nr, NodeSkipped, "skipped by recovery policy")
		return finish(NodeSkipped)
	case outcome != nil && outcome.Success:
		ec.SetOutput("result", outcome.Value)
		e.completeNode(graph, ec, node, nr, NodeCompleted, "")
		nr.Output = outcome.Value
		return finish(NodeCompleted)
	}

	msg := taskErr.Error()
	if recErr != nil {
		msg = recErr.Error()
	}
	nr.Error = msg
	if fc.Type == failure.TypeTimeout {
		ec.SetError("cause", "timeout")
	}
	e.completeNode(graph, ec, node, nr, NodeFailed, msg)
	return finish(NodeFailed)
}

// completeNode applies a terminal status to the graph node and the
// execution context, then persists the context if a store is configured.
func (e *Engine) completeNode(graph *Graph, ec *execution.Context, node *Node, nr *NodeResult, status NodeStatus, message string) {
	graph.UpdateNodeStatus(node.ID, status, message)

	var ecStatus execution.Status
	switch status {
	case NodeCompleted:
		ecStatus = execution.StatusCompleted
	case NodeSkipped:
		ecStatus = execution.StatusSkipped
	case NodeCancelled:
		ecStatus = execution.StatusCancelled
	default:
		ecStatus = execution.StatusFailed
		if nr.FailureType == string(failure.TypeTimeout) {
			ecStatus = execution.StatusTimeout
		}
	}
	ec.UpdateStatus(ecStatus, message)

	if e.ctxStore != nil {
		saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.ctxStore.Save(saveCtx, ec); err != nil {
			e.logger.Warn("persist execution context failed",
				zap.String("execution_id", ec.ID),
				zap.Error(err))
		}
	}
}

func (e *Engine) nodeTimeout(node *Node) time.Duration {
	if node.Timeout > 0 {
		return node.Timeout
	}
	return e.config.DefaultNodeTimeout
}

// PerformanceMetrics aggregates engine health across the run history and
// the resource pools.
type PerformanceMetrics struct {
	TotalRuns        int                                `json:"total_runs"`
	ActiveRuns       int                                `json:"active_runs"`
	SuccessRate      float64                            `json:"success_rate"`
	AverageDuration  time.Duration                      `json:"average_duration"`
	ResourceUsage    map[resource.Type]resource.PoolUtilization `json:"resource_usage"`
	FailureSummary   failure.Statistics                 `json:"failure_summary"`
	ContextSummary   execution.Stats                    `json:"context_summary"`
}

// GetPerformanceMetrics snapshots engine health.
func (e *Engine) GetPerformanceMetrics() PerformanceMetrics {
	e.mu.RLock()
	active := len(e.active)
	e.mu.RUnlock()
	return PerformanceMetrics{
		TotalRuns:       e.history.Len(),
		ActiveRuns:      active,
		SuccessRate:     e.history.SuccessRate(),
		AverageDuration: e.history.AverageDuration(),
		ResourceUsage:   e.resources.Utilization(),
		FailureSummary:  e.failures.GetStatistics(),
		ContextSummary:  e.contexts.Summary(),
	}
}
