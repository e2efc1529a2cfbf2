package workflow

import (
	"time"

	"github.com/flowgate/flowgate/resource"
)

// NodeStatus is the lifecycle state of a workflow node.
type NodeStatus string

const (
	// NodePending means the node is waiting for its dependencies.
	NodePending NodeStatus = "pending"
	// NodeReady means every dependency has completed.
	NodeReady NodeStatus = "ready"
	// NodeRunning means the task executor is working on the node.
	NodeRunning NodeStatus = "running"
	// NodeCompleted is the successful terminal state.
	NodeCompleted NodeStatus = "completed"
	// NodeFailed is the unsuccessful terminal state after recovery exhausted.
	NodeFailed NodeStatus = "failed"
	// NodeSkipped means a recovery pattern skipped the node.
	NodeSkipped NodeStatus = "skipped"
	// NodeCancelled means the workflow was cancelled before the node ran.
	NodeCancelled NodeStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s NodeStatus) Terminal() bool {
	switch s {
	case NodeCompleted, NodeFailed, NodeSkipped, NodeCancelled:
		return true
	}
	return false
}

// Node is one task in a workflow graph. ID and Dependencies are immutable
// after the node joins a graph; dependency edits go through
// Graph.AddDependency and status changes through Graph.UpdateNodeStatus.
type Node struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	TaskType     string                 `json:"task_type"`
	Dependencies []string               `json:"dependencies"`
	Parameters   map[string]any         `json:"parameters,omitempty"`
	Resources    []resource.Requirement `json:"resource_requirements,omitempty"`
	Timeout      time.Duration          `json:"-"`
	MaxRetries   int                    `json:"max_retries"`

	Status       NodeStatus `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	RetryCount   int        `json:"retry_count"`
}

// NewNode creates a pending node.
func NewNode(id, name, taskType string) *Node {
	return &Node{
		ID:        id,
		Name:      name,
		TaskType:  taskType,
		Status:    NodePending,
		CreatedAt: time.Now(),
	}
}

// WithDependencies declares the node ids this node waits for.
func (n *Node) WithDependencies(ids ...string) *Node {
	n.Dependencies = append(n.Dependencies, ids...)
	return n
}

// WithParameters sets the opaque task parameters.
func (n *Node) WithParameters(params map[string]any) *Node {
	n.Parameters = params
	return n
}

// WithResources declares the node's resource requirements.
func (n *Node) WithResources(reqs ...resource.Requirement) *Node {
	n.Resources = append(n.Resources, reqs...)
	return n
}

// WithTimeout bounds one task invocation.
func (n *Node) WithTimeout(d time.Duration) *Node {
	n.Timeout = d
	return n
}

// WithMaxRetries bounds engine-level retries for the node.
func (n *Node) WithMaxRetries(max int) *Node {
	n.MaxRetries = max
	return n
}

// hasDependency reports whether dep is already declared.
func (n *Node) hasDependency(dep string) bool {
	for _, d := range n.Dependencies {
		if d == dep {
			return true
		}
	}
	return false
}

// Clone deep-copies the node.
func (n *Node) Clone() *Node {
	cp := *n
	cp.Dependencies = append([]string(nil), n.Dependencies...)
	cp.Resources = append([]resource.Requirement(nil), n.Resources...)
	if n.Parameters != nil {
		cp.Parameters = make(map[string]any, len(n.Parameters))
		for k, v := range n.Parameters {
			cp.Parameters[k] = v
		}
	}
	if n.StartedAt != nil {
		t := *n.StartedAt
		cp.StartedAt = &t
	}
	if n.CompletedAt != nil {
		t := *n.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
