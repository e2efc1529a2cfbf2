package workflow

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrUnknownNode is returned when an operation references a node id that
// was never added to the graph.
var ErrUnknownNode = fmt.Errorf("workflow: unknown node")

// StatusChange is one entry of the graph's status transition log.
type StatusChange struct {
	NodeID    string     `json:"node_id"`
	From      NodeStatus `json:"from"`
	To        NodeStatus `json:"to"`
	Timestamp time.Time  `json:"timestamp"`
	Message   string     `json:"message,omitempty"`
}

// Graph is a directed acyclic dependency graph of workflow nodes. An edge
// from A to B (B depends on A) means B may only start after A completed.
// All methods are safe for concurrent use.
type Graph struct {
	mu        sync.RWMutex
	nodes     map[string]*Node
	order     [][]string // cached execution levels, invalidated on mutation
	changeLog []StatusChange
	logger    *zap.Logger
}

// NewGraph creates an empty graph. A nil logger falls back to a no-op one.
func NewGraph(logger *zap.Logger) *Graph {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Graph{
		nodes:  make(map[string]*Node),
		logger: logger.With(zap.String("component", "workflow_graph")),
	}
}

// AddNode registers a node. Node ids are unique within a graph.
func (g *Graph) AddNode(node *Node) error {
	if node == nil || node.ID == "" {
		return fmt.Errorf("workflow: node must have an id")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.nodes[node.ID]; exists {
		return fmt.Errorf("workflow: duplicate node id %q", node.ID)
	}
	if node.Status == "" {
		node.Status = NodePending
	}
	if node.CreatedAt.IsZero() {
		node.CreatedAt = time.Now()
	}
	g.nodes[node.ID] = node
	g.order = nil
	g.logger.Debug("node added",
		zap.String("node_id", node.ID),
		zap.String("task_type", node.TaskType))
	return nil
}

// AddDependency declares that nodeID waits for dependsOn. Both nodes must
// already exist. Duplicate declarations are ignored.
func (g *Graph) AddDependency(nodeID, dependsOn string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	node, ok := g.nodes[nodeID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownNode, nodeID)
	}
	if _, ok := g.nodes[dependsOn]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownNode, dependsOn)
	}
	if nodeID == dependsOn {
		return fmt.Errorf("workflow: node %q cannot depend on itself", nodeID)
	}
	if !node.hasDependency(dependsOn) {
		node.Dependencies = append(node.Dependencies, dependsOn)
		g.order = nil
	}
	return nil
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) (*Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns all nodes keyed by id. The map is a fresh copy but the
// nodes are shared.
func (g *Graph) Nodes() map[string]*Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]*Node, len(g.nodes))
	for id, n := range g.nodes {
		out[id] = n
	}
	return out
}

// Len returns the node count.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Validate checks the graph for structural problems and returns every
// issue found: dependencies on unknown nodes and cycles. An empty slice
// means the graph is executable.
func (g *Graph) Validate() []error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.validateLocked()
}

func (g *Graph) validateLocked() []error {
	var errs []error
	for _, id := range g.sortedIDsLocked() {
		for _, dep := range g.nodes[id].Dependencies {
			if _, ok := g.nodes[dep]; !ok {
				errs = append(errs, fmt.Errorf("workflow: node %q depends on unknown node %q", id, dep))
			}
		}
	}
	if cycle := g.findCycleLocked(); cycle != nil {
		errs = append(errs, fmt.Errorf("workflow: dependency cycle: %v", cycle))
	}
	return errs
}

// findCycleLocked runs DFS with an explicit recursion stack and returns
// the nodes of the first cycle found, or nil.
func (g *Graph) findCycleLocked() []string {
	const (
		white = 0 // unvisited
		grey  = 1 // on recursion stack
		black = 2 // fully explored
	)
	color := make(map[string]int, len(g.nodes))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = grey
		stack = append(stack, id)
		for _, dep := range g.nodes[id].Dependencies {
			if _, ok := g.nodes[dep]; !ok {
				continue // reported separately by Validate
			}
			switch color[dep] {
			case white:
				if visit(dep) {
					return true
				}
			case grey:
				// dep is on the stack, the slice from dep onward is the cycle
				for i, s := range stack {
					if s == dep {
						cycle = append(append([]string(nil), stack[i:]...), dep)
						return true
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, id := range g.sortedIDsLocked() {
		if color[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}

// ExecutionOrder groups the nodes into dependency levels using Kahn's
// algorithm. Nodes within one level have no dependencies on each other and
// may run in parallel; every dependency of a level-k node sits in a level
// strictly before k. Returns an error if the graph contains a cycle.
func (g *Graph) ExecutionOrder() ([][]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.executionOrderLocked()
}

func (g *Graph) executionOrderLocked() ([][]string, error) {
	if g.order != nil {
		return g.order, nil
	}
	indegree := make(map[string]int, len(g.nodes))
	dependents := make(map[string][]string, len(g.nodes))
	for id, n := range g.nodes {
		if _, ok := indegree[id]; !ok {
			indegree[id] = 0
		}
		for _, dep := range n.Dependencies {
			if _, ok := g.nodes[dep]; !ok {
				return nil, fmt.Errorf("%w: %q (dependency of %q)", ErrUnknownNode, dep, id)
			}
			indegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var current []string
	for id, deg := range indegree {
		if deg == 0 {
			current = append(current, id)
		}
	}

	var levels [][]string
	processed := 0
	for len(current) > 0 {
		sort.Strings(current)
		levels = append(levels, current)
		processed += len(current)
		var next []string
		for _, id := range current {
			for _, dep := range dependents[id] {
				indegree[dep]--
				if indegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		current = next
	}
	if processed != len(g.nodes) {
		return nil, fmt.Errorf("workflow: dependency cycle prevents execution ordering")
	}
	g.order = levels
	return levels, nil
}

// ReadyNodes returns the pending nodes whose dependencies have all
// completed, sorted by id for deterministic dispatch.
func (g *Graph) ReadyNodes() []*Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var ready []*Node
	for _, id := range g.sortedIDsLocked() {
		n := g.nodes[id]
		if n.Status != NodePending {
			continue
		}
		ok := true
		for _, dep := range n.Dependencies {
			d, exists := g.nodes[dep]
			if !exists || d.Status != NodeCompleted {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, n)
		}
	}
	return ready
}

// UpdateNodeStatus transitions a node and maintains its timestamps: the
// first move to running stamps StartedAt, any terminal status stamps
// CompletedAt. A failed transition records the message and increments the
// retry counter. Every transition is appended to the change log.
func (g *Graph) UpdateNodeStatus(id string, status NodeStatus, message string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownNode, id)
	}
	now := time.Now()
	prev := n.Status
	n.Status = status
	switch {
	case status == NodeRunning:
		if n.StartedAt == nil {
			n.StartedAt = &now
		}
	case status.Terminal():
		n.CompletedAt = &now
	}
	if status == NodeFailed {
		n.ErrorMessage = message
		n.RetryCount++
	}
	g.changeLog = append(g.changeLog, StatusChange{
		NodeID:    id,
		From:      prev,
		To:        status,
		Timestamp: now,
		Message:   message,
	})
	g.logger.Debug("node status changed",
		zap.String("node_id", id),
		zap.String("from", string(prev)),
		zap.String("to", string(status)))
	return nil
}

// ChangeLog returns a copy of the status transition log.
func (g *Graph) ChangeLog() []StatusChange {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]StatusChange(nil), g.changeLog...)
}

// CriticalPath returns the longest dependency chain through the graph as
// an ordered node id slice, computed with dynamic programming over the
// topological levels. Returns nil for an empty or cyclic graph.
func (g *Graph) CriticalPath() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	levels, err := g.executionOrderLocked()
	if err != nil || len(levels) == 0 {
		return nil
	}

	// longest[id] is the length of the longest chain ending at id,
	// prev[id] the predecessor realizing it.
	longest := make(map[string]int, len(g.nodes))
	prev := make(map[string]string, len(g.nodes))
	for _, level := range levels {
		for _, id := range level {
			longest[id] = 1
			for _, dep := range g.nodes[id].Dependencies {
				if longest[dep]+1 > longest[id] {
					longest[id] = longest[dep] + 1
					prev[id] = dep
				}
			}
		}
	}

	end, best := "", 0
	for _, id := range g.sortedIDsLocked() {
		if longest[id] > best {
			end, best = id, longest[id]
		}
	}

	path := make([]string, 0, best)
	for id := end; id != ""; id = prev[id] {
		path = append(path, id)
		if _, ok := prev[id]; !ok {
			break
		}
	}
	// reverse into execution order
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// Clone deep-copies the graph, nodes included. The change log is not
// carried over.
func (g *Graph) Clone() *Graph {
	g.mu.RLock()
	defer g.mu.RUnlock()
	cp := NewGraph(g.logger)
	for id, n := range g.nodes {
		cp.nodes[id] = n.Clone()
	}
	return cp
}

// Statistics summarizes the graph shape and node states.
type Statistics struct {
	NodeCount  int                `json:"node_count"`
	EdgeCount  int                `json:"edge_count"`
	LevelCount int                `json:"level_count"`
	ByStatus   map[NodeStatus]int `json:"by_status"`
}

// Statistics computes the current graph summary.
func (g *Graph) Statistics() Statistics {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.statisticsLocked()
}

func (g *Graph) statisticsLocked() Statistics {
	stats := Statistics{
		NodeCount: len(g.nodes),
		ByStatus:  make(map[NodeStatus]int),
	}
	for _, n := range g.nodes {
		stats.EdgeCount += len(n.Dependencies)
		stats.ByStatus[n.Status]++
	}
	if levels, err := g.executionOrderLocked(); err == nil {
		stats.LevelCount = len(levels)
	}
	return stats
}

func (g *Graph) sortedIDsLocked() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
