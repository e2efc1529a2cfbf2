package workflow

import (
	"context"
	"fmt"
	"sync"

	"github.com/flowgate/flowgate/execution"
)

// TaskExecutor runs the work behind a node. Implementations read input
// from the node parameters and the execution context, and return the task
// output. Returned errors drive failure classification and recovery.
type TaskExecutor interface {
	Execute(ctx context.Context, node *Node, ec *execution.Context) (any, error)
}

// TaskExecutorFunc adapts a function to the TaskExecutor interface.
type TaskExecutorFunc func(ctx context.Context, node *Node, ec *execution.Context) (any, error)

// Execute implements TaskExecutor.
func (f TaskExecutorFunc) Execute(ctx context.Context, node *Node, ec *execution.Context) (any, error) {
	return f(ctx, node, ec)
}

// ExecutorRegistry maps task types to executors. A default executor, when
// set, handles task types without a dedicated registration.
type ExecutorRegistry struct {
	mu       sync.RWMutex
	byType   map[string]TaskExecutor
	fallback TaskExecutor
}

// NewExecutorRegistry creates an empty registry.
func NewExecutorRegistry() *ExecutorRegistry {
	return &ExecutorRegistry{byType: make(map[string]TaskExecutor)}
}

// Register binds an executor to a task type, replacing any previous one.
func (r *ExecutorRegistry) Register(taskType string, ex TaskExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[taskType] = ex
}

// SetDefault installs the fallback executor for unregistered task types.
func (r *ExecutorRegistry) SetDefault(ex TaskExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = ex
}

// Resolve finds the executor for a task type.
func (r *ExecutorRegistry) Resolve(taskType string) (TaskExecutor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if ex, ok := r.byType[taskType]; ok {
		return ex, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("workflow: no executor registered for task type %q", taskType)
}

// TaskTypes lists the registered task types.
func (r *ExecutorRegistry) TaskTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.byType))
	for t := range r.byType {
		types = append(types, t)
	}
	return types
}
