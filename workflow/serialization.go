package workflow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/flowgate/flowgate/resource"
)

// nodeSnapshot is the wire form of a Node. Timeouts travel as seconds so
// snapshots stay readable and language neutral.
type nodeSnapshot struct {
	ID             string                 `json:"id"`
	Name           string                 `json:"name"`
	TaskType       string                 `json:"task_type"`
	Dependencies   []string               `json:"dependencies"`
	Parameters     map[string]any         `json:"parameters,omitempty"`
	Resources      []resource.Requirement `json:"resource_requirements,omitempty"`
	TimeoutSeconds float64                `json:"timeout_seconds,omitempty"`
	MaxRetries     int                    `json:"max_retries"`
	Status         NodeStatus             `json:"status"`
	CreatedAt      time.Time              `json:"created_at"`
	StartedAt      *time.Time             `json:"started_at,omitempty"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
	ErrorMessage   string                 `json:"error_message,omitempty"`
	RetryCount     int                    `json:"retry_count"`
}

// GraphSnapshot is a point-in-time JSON serializable view of a graph.
type GraphSnapshot struct {
	Nodes          map[string]nodeSnapshot `json:"nodes"`
	ExecutionOrder [][]string              `json:"execution_order,omitempty"`
	Statistics     Statistics              `json:"statistics"`
	Metadata       map[string]any          `json:"metadata,omitempty"`
}

// Snapshot captures the graph for persistence or transport. It holds the
// write lock for the whole capture: executionOrderLocked may fill the
// order cache, and the statistics must describe the same instant as the
// node set.
func (g *Graph) Snapshot(metadata map[string]any) *GraphSnapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	snap := &GraphSnapshot{
		Nodes:      make(map[string]nodeSnapshot, len(g.nodes)),
		Statistics: g.statisticsLocked(),
		Metadata:   metadata,
	}
	for id, n := range g.nodes {
		snap.Nodes[id] = nodeSnapshot{
			ID:             n.ID,
			Name:           n.Name,
			TaskType:       n.TaskType,
			Dependencies:   append([]string(nil), n.Dependencies...),
			Parameters:     n.Parameters,
			Resources:      append([]resource.Requirement(nil), n.Resources...),
			TimeoutSeconds: n.Timeout.Seconds(),
			MaxRetries:     n.MaxRetries,
			Status:         n.Status,
			CreatedAt:      n.CreatedAt,
			StartedAt:      n.StartedAt,
			CompletedAt:    n.CompletedAt,
			ErrorMessage:   n.ErrorMessage,
			RetryCount:     n.RetryCount,
		}
	}
	if order, err := g.executionOrderLocked(); err == nil {
		snap.ExecutionOrder = order
	}
	return snap
}

// MarshalJSON serializes the graph as its snapshot.
func (g *Graph) MarshalJSON() ([]byte, error) {
	return json.Marshal(g.Snapshot(nil))
}

// FromSnapshot rebuilds a graph from a snapshot, restoring node statuses,
// timestamps and retry counters.
func FromSnapshot(snap *GraphSnapshot) (*Graph, error) {
	if snap == nil {
		return nil, fmt.Errorf("workflow: nil snapshot")
	}
	g := NewGraph(nil)
	for id, ns := range snap.Nodes {
		if ns.ID == "" {
			ns.ID = id
		}
		if ns.ID != id {
			return nil, fmt.Errorf("workflow: snapshot node key %q does not match id %q", id, ns.ID)
		}
		node := &Node{
			ID:           ns.ID,
			Name:         ns.Name,
			TaskType:     ns.TaskType,
			Dependencies: append([]string(nil), ns.Dependencies...),
			Parameters:   ns.Parameters,
			Resources:    append([]resource.Requirement(nil), ns.Resources...),
			Timeout:      time.Duration(ns.TimeoutSeconds * float64(time.Second)),
			MaxRetries:   ns.MaxRetries,
			Status:       ns.Status,
			CreatedAt:    ns.CreatedAt,
			StartedAt:    ns.StartedAt,
			CompletedAt:  ns.CompletedAt,
			ErrorMessage: ns.ErrorMessage,
			RetryCount:   ns.RetryCount,
		}
		if err := g.AddNode(node); err != nil {
			return nil, err
		}
	}
	if errs := g.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("workflow: snapshot is not a valid graph: %v", errs[0])
	}
	return g, nil
}

// UnmarshalGraph parses a JSON snapshot into a graph.
func UnmarshalGraph(data []byte) (*Graph, error) {
	var snap GraphSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("workflow: decode snapshot: %w", err)
	}
	return FromSnapshot(&snap)
}
