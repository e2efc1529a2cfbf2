package execution

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrContextNotFound is returned for lookups of unknown execution ids.
var ErrContextNotFound = errors.New("execution context not found")

// ContextOption configures a context at creation time.
type ContextOption func(*Context)

// WithPriority sets the scheduling priority (higher runs first).
func WithPriority(priority int) ContextOption {
	return func(c *Context) { c.Priority = priority }
}

// WithParent links the new context under a parent execution.
func WithParent(parentID string) ContextOption {
	return func(c *Context) { c.ParentID = parentID }
}

// WithDependencies sets the execution ids this context waits for.
func WithDependencies(ids ...string) ContextOption {
	return func(c *Context) { c.DependencyIDs = append(c.DependencyIDs, ids...) }
}

// WithEnvironment sets the runtime environment.
func WithEnvironment(env Environment) ContextOption {
	return func(c *Context) { c.Environment = env }
}

// WithTags sets initial tags.
func WithTags(tags map[string]string) ContextOption {
	return func(c *Context) {
		for k, v := range tags {
			c.Tags[k] = v
		}
	}
}

// Manager is a keyed store of execution contexts with per-workflow indexing
// and automatic parent/child linkage. Removal is explicit; the manager never
// evicts on its own.
type Manager struct {
	contexts   map[string]*Context
	byWorkflow map[string]map[string]struct{}
	logger     *zap.Logger
	mu         sync.RWMutex
}

// NewManager creates an empty manager.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		contexts:   make(map[string]*Context),
		byWorkflow: make(map[string]map[string]struct{}),
		logger:     logger.With(zap.String("component", "execution_manager")),
	}
}

// Create builds and registers a context for one node run. When a parent is
// set, the parent's child list is updated automatically.
func (m *Manager) Create(workflowID, nodeID string, opts ...ContextOption) *Context {
	ctx := NewContext(uuid.NewString(), workflowID, nodeID)
	for _, opt := range opts {
		opt(ctx)
	}

	m.mu.Lock()
	m.contexts[ctx.ID] = ctx
	if m.byWorkflow[workflowID] == nil {
		m.byWorkflow[workflowID] = make(map[string]struct{})
	}
	m.byWorkflow[workflowID][ctx.ID] = struct{}{}
	parent := m.contexts[ctx.ParentID]
	m.mu.Unlock()

	if parent != nil {
		parent.addChild(ctx.ID)
	}

	m.logger.Debug("execution context created",
		zap.String("execution_id", ctx.ID),
		zap.String("workflow_id", workflowID),
		zap.String("node_id", nodeID),
	)
	return ctx
}

// Get returns the context for an execution id.
func (m *Manager) Get(executionID string) (*Context, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ctx, ok := m.contexts[executionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrContextNotFound, executionID)
	}
	return ctx, nil
}

// Remove evicts a context from the store.
func (m *Manager) Remove(executionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, ok := m.contexts[executionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrContextNotFound, executionID)
	}
	delete(m.contexts, executionID)
	if idx := m.byWorkflow[ctx.WorkflowID]; idx != nil {
		delete(idx, executionID)
		if len(idx) == 0 {
			delete(m.byWorkflow, ctx.WorkflowID)
		}
	}
	return nil
}

// RemoveWorkflow evicts every context belonging to a workflow and returns
// how many were removed.
func (m *Manager) RemoveWorkflow(workflowID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := m.byWorkflow[workflowID]
	for id := range ids {
		delete(m.contexts, id)
	}
	removed := len(ids)
	delete(m.byWorkflow, workflowID)
	return removed
}

// ListByWorkflow returns every context of a workflow, unordered.
func (m *Manager) ListByWorkflow(workflowID string) []*Context {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Context, 0, len(m.byWorkflow[workflowID]))
	for id := range m.byWorkflow[workflowID] {
		out = append(out, m.contexts[id])
	}
	return out
}

// ReadyContexts returns pending contexts whose dependency executions are all
// completed, sorted by descending priority.
func (m *Manager) ReadyContexts() []*Context {
	m.mu.RLock()
	completed := make(map[string]struct{})
	var pending []*Context
	for id, ctx := range m.contexts {
		switch ctx.GetStatus() {
		case StatusCompleted:
			completed[id] = struct{}{}
		case StatusPending:
			pending = append(pending, ctx)
		}
	}
	m.mu.RUnlock()

	var ready []*Context
	for _, ctx := range pending {
		if ctx.IsReadyToExecute(completed) {
			ready = append(ready, ctx)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool { return ready[i].Priority > ready[j].Priority })
	return ready
}

// Stats summarizes the managed contexts.
type Stats struct {
	Total      int            `json:"total"`
	ByStatus   map[Status]int `json:"by_status"`
	Workflows  int            `json:"workflows"`
	OldestAge  time.Duration  `json:"oldest_age"`
	NewestAge  time.Duration  `json:"newest_age"`
	AvgRuntime time.Duration  `json:"avg_runtime"`
}

// Summary aggregates the store's contents.
func (m *Manager) Summary() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{ByStatus: make(map[Status]int), Workflows: len(m.byWorkflow)}
	now := time.Now()
	var totalRuntime time.Duration
	finished := 0
	for _, ctx := range m.contexts {
		stats.Total++
		stats.ByStatus[ctx.GetStatus()]++
		age := now.Sub(ctx.CreatedAt)
		if age > stats.OldestAge {
			stats.OldestAge = age
		}
		if stats.NewestAge == 0 || age < stats.NewestAge {
			stats.NewestAge = age
		}
		if d := ctx.Metrics.Duration; d > 0 {
			totalRuntime += d
			finished++
		}
	}
	if finished > 0 {
		stats.AvgRuntime = totalRuntime / time.Duration(finished)
	}
	return stats
}
