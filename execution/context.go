package execution

import (
	"fmt"
	"sync"
	"time"

	"github.com/flowgate/flowgate/resource"
)

// Status is the lifecycle state of one execution context. It is a superset
// of the node statuses: contexts begin INITIALIZING and may end TIMEOUT.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusPending      Status = "pending"
	StatusReady        Status = "ready"
	StatusRunning      Status = "running"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusSkipped      Status = "skipped"
	StatusCancelled    Status = "cancelled"
	StatusTimeout      Status = "timeout"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusSkipped, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

// Environment carries the runtime settings handed to the task executor.
type Environment struct {
	Variables  map[string]string `json:"variables,omitempty"`
	Secrets    map[string]string `json:"secrets,omitempty"`
	Timeout    time.Duration     `json:"timeout,omitempty"`
	MaxRetries int               `json:"max_retries,omitempty"`
}

// Metrics accumulates timing and counters for one run.
type Metrics struct {
	StartTime *time.Time         `json:"start_time,omitempty"`
	EndTime   *time.Time         `json:"end_time,omitempty"`
	Duration  time.Duration      `json:"duration,omitempty"`
	Counters  map[string]float64 `json:"counters,omitempty"`
}

// StatusChange is one entry in the append-only status history.
type StatusChange struct {
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

// Context is the per-run state container for one node execution.
type Context struct {
	ID         string `json:"execution_id"`
	WorkflowID string `json:"workflow_id"`
	NodeID     string `json:"node_id"`
	Status     Status `json:"status"`
	Priority   int    `json:"priority"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	InputData        map[string]any `json:"input_data"`
	OutputData       map[string]any `json:"output_data"`
	IntermediateData map[string]any `json:"intermediate_data"`
	ErrorData        map[string]any `json:"error_data"`

	Environment Environment `json:"environment"`

	// ResourceAllocations snapshots the grants held while running; it is a
	// record, not an ownership handle; the resource manager stays
	// authoritative.
	ResourceAllocations []resource.Allocation `json:"resource_allocations,omitempty"`

	Metrics Metrics `json:"metrics"`

	ParentID      string   `json:"parent_execution_id,omitempty"`
	ChildIDs      []string `json:"child_execution_ids,omitempty"`
	DependencyIDs []string `json:"dependency_execution_ids,omitempty"`

	Tags map[string]string `json:"tags,omitempty"`

	StatusHistory []StatusChange            `json:"status_history"`
	Checkpoints   map[string]map[string]any `json:"checkpoint_data,omitempty"`

	mu sync.RWMutex
}

// NewContext creates a context in the INITIALIZING state.
func NewContext(id, workflowID, nodeID string) *Context {
	now := time.Now()
	return &Context{
		ID:               id,
		WorkflowID:       workflowID,
		NodeID:           nodeID,
		Status:           StatusInitializing,
		CreatedAt:        now,
		UpdatedAt:        now,
		InputData:        make(map[string]any),
		OutputData:       make(map[string]any),
		IntermediateData: make(map[string]any),
		ErrorData:        make(map[string]any),
		Tags:             make(map[string]string),
		Checkpoints:      make(map[string]map[string]any),
		Metrics:          Metrics{Counters: make(map[string]float64)},
	}
}

// UpdateStatus transitions the context and appends to the status history.
// Entering RUNNING records the metrics start time once; entering a terminal
// state records the end time and duration.
func (c *Context) UpdateStatus(status Status, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	c.StatusHistory = append(c.StatusHistory, StatusChange{
		From:      c.Status,
		To:        status,
		Timestamp: now,
		Reason:    reason,
	})
	c.Status = status
	c.UpdatedAt = now

	if status == StatusRunning && c.Metrics.StartTime == nil {
		start := now
		c.Metrics.StartTime = &start
	}
	if status.Terminal() && c.Metrics.EndTime == nil {
		end := now
		c.Metrics.EndTime = &end
		if c.Metrics.StartTime != nil {
			c.Metrics.Duration = end.Sub(*c.Metrics.StartTime)
		}
	}
}

// GetStatus returns the current status.
func (c *Context) GetStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Status
}

// SetInput stores one input value.
func (c *Context) SetInput(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.InputData[key] = value
	c.UpdatedAt = time.Now()
}

// SetOutput stores one output value.
func (c *Context) SetOutput(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.OutputData[key] = value
	c.UpdatedAt = time.Now()
}

// SetIntermediate stores one intermediate value.
func (c *Context) SetIntermediate(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.IntermediateData[key] = value
	c.UpdatedAt = time.Now()
}

// SetError stores one error detail.
func (c *Context) SetError(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ErrorData[key] = value
	c.UpdatedAt = time.Now()
}

// GetInput reads one input value.
func (c *Context) GetInput(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.InputData[key]
	return v, ok
}

// GetOutput reads one output value.
func (c *Context) GetOutput(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.OutputData[key]
	return v, ok
}

// GetIntermediate reads one intermediate value.
func (c *Context) GetIntermediate(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.IntermediateData[key]
	return v, ok
}

// AddCounter increments a named metrics counter.
func (c *Context) AddCounter(name string, delta float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Metrics.Counters == nil {
		c.Metrics.Counters = make(map[string]float64)
	}
	c.Metrics.Counters[name] += delta
	c.UpdatedAt = time.Now()
}

// SetResourceAllocations snapshots the grants held for this run.
func (c *Context) SetResourceAllocations(allocs []*resource.Allocation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ResourceAllocations = c.ResourceAllocations[:0]
	for _, a := range allocs {
		c.ResourceAllocations = append(c.ResourceAllocations, *a)
	}
	c.UpdatedAt = time.Now()
}

// SetTag sets one tag.
func (c *Context) SetTag(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Tags[key] = value
	c.UpdatedAt = time.Now()
}

// CreateCheckpoint snapshots the intermediate data under the given name,
// replacing any previous checkpoint with that name.
func (c *Context) CreateCheckpoint(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	snapshot := make(map[string]any, len(c.IntermediateData))
	for k, v := range c.IntermediateData {
		snapshot[k] = v
	}
	c.Checkpoints[name] = snapshot
	c.UpdatedAt = time.Now()
}

// RestoreCheckpoint replaces the intermediate data with the named snapshot.
func (c *Context) RestoreCheckpoint(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	snapshot, ok := c.Checkpoints[name]
	if !ok {
		return fmt.Errorf("checkpoint %q not found for execution %s", name, c.ID)
	}
	restored := make(map[string]any, len(snapshot))
	for k, v := range snapshot {
		restored[k] = v
	}
	c.IntermediateData = restored
	c.UpdatedAt = time.Now()
	return nil
}

// IsReadyToExecute reports whether every dependency execution id is in the
// completed set.
func (c *Context) IsReadyToExecute(completed map[string]struct{}) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, dep := range c.DependencyIDs {
		if _, ok := completed[dep]; !ok {
			return false
		}
	}
	return true
}

// addChild links a child execution id. Called by the Manager.
func (c *Context) addChild(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ChildIDs = append(c.ChildIDs, id)
	c.UpdatedAt = time.Now()
}

// snapshot returns a deep-enough copy safe for serialization while other
// goroutines keep mutating the context.
func (c *Context) snapshot() *Context {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cp := &Context{
		ID:          c.ID,
		WorkflowID:  c.WorkflowID,
		NodeID:      c.NodeID,
		Status:      c.Status,
		Priority:    c.Priority,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
		Environment: c.Environment,
		Metrics: Metrics{
			StartTime: c.Metrics.StartTime,
			EndTime:   c.Metrics.EndTime,
			Duration:  c.Metrics.Duration,
			Counters:  copyMap(c.Metrics.Counters),
		},
		ParentID:            c.ParentID,
		ChildIDs:            append([]string(nil), c.ChildIDs...),
		DependencyIDs:       append([]string(nil), c.DependencyIDs...),
		ResourceAllocations: append([]resource.Allocation(nil), c.ResourceAllocations...),
		StatusHistory:       append([]StatusChange(nil), c.StatusHistory...),
		InputData:           copyMap(c.InputData),
		OutputData:          copyMap(c.OutputData),
		IntermediateData:    copyMap(c.IntermediateData),
		ErrorData:           copyMap(c.ErrorData),
		Tags:                copyMap(c.Tags),
		Checkpoints:         make(map[string]map[string]any, len(c.Checkpoints)),
	}
	for name, data := range c.Checkpoints {
		cp.Checkpoints[name] = copyMap(data)
	}
	return cp
}

func copyMap[K comparable, V any](src map[K]V) map[K]V {
	if src == nil {
		return nil
	}
	dst := make(map[K]V, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
