package workflow

import "time"

// Status is the lifecycle state of a whole workflow run.
type Status string

const (
	// StatusPending means the run is created but not yet started.
	StatusPending Status = "pending"
	// StatusRunning means at least one node level is executing.
	StatusRunning Status = "running"
	// StatusCompleted means every node completed or was skipped.
	StatusCompleted Status = "completed"
	// StatusFailed means a node failed before any node completed.
	StatusFailed Status = "failed"
	// StatusPartialComplete means a node failed after others completed.
	StatusPartialComplete Status = "partial_complete"
	// StatusCancelled means the run was cancelled by the caller.
	StatusCancelled Status = "cancelled"
	// StatusTimeout means the run deadline expired.
	StatusTimeout Status = "timeout"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusPartialComplete, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

// FailureCircuitOpen is the NodeResult.FailureType for a node the engine
// refused to dispatch because the node's own circuit breaker was open. It
// is distinct from the classified failure types, which describe errors
// returned by the task itself.
const FailureCircuitOpen = "circuit_open"

// NodeResult is the outcome of one node within a run.
type NodeResult struct {
	NodeID      string         `json:"node_id"`
	ExecutionID string         `json:"execution_id"`
	Status      NodeStatus     `json:"status"`
	Output      any            `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	FailureType string         `json:"failure_type,omitempty"`
	Attempts    int            `json:"attempts"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
	Duration    time.Duration  `json:"duration"`
}

// Result is the outcome of one workflow run.
type Result struct {
	WorkflowID  string                 `json:"workflow_id"`
	ExecutionID string                 `json:"execution_id"`
	Status      Status                 `json:"status"`
	NodeResults map[string]*NodeResult `json:"node_results"`
	Error       string                 `json:"error,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt time.Time              `json:"completed_at"`
	Duration    time.Duration          `json:"duration"`
}

// Succeeded reports whether the run completed fully.
func (r *Result) Succeeded() bool {
	return r.Status == StatusCompleted
}

// CompletedNodes counts the nodes that finished successfully.
func (r *Result) CompletedNodes() int {
	n := 0
	for _, nr := range r.NodeResults {
		if nr.Status == NodeCompleted {
			n++
		}
	}
	return n
}
