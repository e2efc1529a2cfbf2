package workflow

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildDiamond(t *testing.T) *Graph {
	t.Helper()
	g := NewGraph(nil)
	for _, id := range []string{"A", "B", "C", "D"} {
		require.NoError(t, g.AddNode(NewNode(id, "node "+id, "test")))
	}
	require.NoError(t, g.AddDependency("B", "A"))
	require.NoError(t, g.AddDependency("C", "A"))
	require.NoError(t, g.AddDependency("D", "B"))
	require.NoError(t, g.AddDependency("D", "C"))
	return g
}

func TestExecutionOrderDiamond(t *testing.T) {
	g := buildDiamond(t)
	levels, err := g.ExecutionOrder()
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"A"}, {"B", "C"}, {"D"}}, levels)
}

func TestExecutionOrderSingleNode(t *testing.T) {
	g := NewGraph(nil)
	require.NoError(t, g.AddNode(NewNode("only", "only", "test")))
	levels, err := g.ExecutionOrder()
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"only"}}, levels)
}

func TestExecutionOrderIndependentNodes(t *testing.T) {
	g := NewGraph(nil)
	for _, id := range []string{"x", "y", "z"} {
		require.NoError(t, g.AddNode(NewNode(id, id, "test")))
	}
	levels, err := g.ExecutionOrder()
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"x", "y", "z"}}, levels)
}

func TestAddNodeDuplicate(t *testing.T) {
	g := NewGraph(nil)
	require.NoError(t, g.AddNode(NewNode("a", "a", "test")))
	err := g.AddNode(NewNode("a", "again", "test"))
	assert.ErrorContains(t, err, "duplicate node id")
}

func TestAddDependencyUnknownNode(t *testing.T) {
	g := NewGraph(nil)
	require.NoError(t, g.AddNode(NewNode("a", "a", "test")))

	assert.ErrorIs(t, g.AddDependency("a", "ghost"), ErrUnknownNode)
	assert.ErrorIs(t, g.AddDependency("ghost", "a"), ErrUnknownNode)
}

func TestAddDependencySelf(t *testing.T) {
	g := NewGraph(nil)
	require.NoError(t, g.AddNode(NewNode("a", "a", "test")))
	assert.ErrorContains(t, g.AddDependency("a", "a"), "cannot depend on itself")
}

func TestAddDependencyIdempotent(t *testing.T) {
	g := NewGraph(nil)
	require.NoError(t, g.AddNode(NewNode("a", "a", "test")))
	require.NoError(t, g.AddNode(NewNode("b", "b", "test")))
	require.NoError(t, g.AddDependency("b", "a"))
	require.NoError(t, g.AddDependency("b", "a"))

	node, ok := g.Node("b")
	require.True(t, ok)
	assert.Equal(t, []string{"a"}, node.Dependencies)
}

func TestValidateDetectsCycle(t *testing.T) {
	g := NewGraph(nil)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, g.AddNode(NewNode(id, id, "test")))
	}
	require.NoError(t, g.AddDependency("b", "a"))
	require.NoError(t, g.AddDependency("c", "b"))
	require.NoError(t, g.AddDependency("a", "c"))

	errs := g.Validate()
	require.Len(t, errs, 1)
	assert.ErrorContains(t, errs[0], "cycle")

	_, err := g.ExecutionOrder()
	assert.Error(t, err)
}

func TestValidateUnknownDependency(t *testing.T) {
	g := NewGraph(nil)
	require.NoError(t, g.AddNode(NewNode("a", "a", "test").WithDependencies("missing")))

	errs := g.Validate()
	require.Len(t, errs, 1)
	assert.ErrorContains(t, errs[0], `unknown node "missing"`)
}

func TestValidateCleanGraph(t *testing.T) {
	g := buildDiamond(t)
	assert.Empty(t, g.Validate())
}

func TestReadyNodes(t *testing.T) {
	g := buildDiamond(t)

	ready := g.ReadyNodes()
	require.Len(t, ready, 1)
	assert.Equal(t, "A", ready[0].ID)

	require.NoError(t, g.UpdateNodeStatus("A", NodeCompleted, ""))
	ids := func() []string {
		var out []string
		for _, n := range g.ReadyNodes() {
			out = append(out, n.ID)
		}
		return out
	}
	assert.Equal(t, []string{"B", "C"}, ids())

	require.NoError(t, g.UpdateNodeStatus("B", NodeCompleted, ""))
	// D still waits for C
	assert.Equal(t, []string{"C"}, ids())

	require.NoError(t, g.UpdateNodeStatus("C", NodeCompleted, ""))
	assert.Equal(t, []string{"D"}, ids())
}

func TestReadyNodesFailedDependencyBlocks(t *testing.T) {
	g := buildDiamond(t)
	require.NoError(t, g.UpdateNodeStatus("A", NodeFailed, "boom"))
	assert.Empty(t, g.ReadyNodes())
}

func TestUpdateNodeStatusTimestamps(t *testing.T) {
	g := NewGraph(nil)
	require.NoError(t, g.AddNode(NewNode("a", "a", "test")))

	require.NoError(t, g.UpdateNodeStatus("a", NodeRunning, ""))
	node, _ := g.Node("a")
	require.NotNil(t, node.StartedAt)
	started := *node.StartedAt

	// a second running transition must not move the start time
	require.NoError(t, g.UpdateNodeStatus("a", NodeRunning, ""))
	assert.Equal(t, started, *node.StartedAt)

	require.NoError(t, g.UpdateNodeStatus("a", NodeFailed, "disk full"))
	require.NotNil(t, node.CompletedAt)
	assert.Equal(t, "disk full", node.ErrorMessage)
	assert.Equal(t, 1, node.RetryCount)

	log := g.ChangeLog()
	require.Len(t, log, 3)
	assert.Equal(t, NodePending, log[0].From)
	assert.Equal(t, NodeRunning, log[0].To)
	assert.Equal(t, NodeFailed, log[2].To)
}

func TestUpdateNodeStatusUnknownNode(t *testing.T) {
	g := NewGraph(nil)
	assert.ErrorIs(t, g.UpdateNodeStatus("ghost", NodeRunning, ""), ErrUnknownNode)
}

func TestCriticalPath(t *testing.T) {
	g := NewGraph(nil)
	// chain a->b->c->d plus a short branch x->d
	for _, id := range []string{"a", "b", "c", "d", "x"} {
		require.NoError(t, g.AddNode(NewNode(id, id, "test")))
	}
	require.NoError(t, g.AddDependency("b", "a"))
	require.NoError(t, g.AddDependency("c", "b"))
	require.NoError(t, g.AddDependency("d", "c"))
	require.NoError(t, g.AddDependency("d", "x"))

	assert.Equal(t, []string{"a", "b", "c", "d"}, g.CriticalPath())
}

func TestCriticalPathDiamond(t *testing.T) {
	g := buildDiamond(t)
	path := g.CriticalPath()
	require.Len(t, path, 3)
	assert.Equal(t, "A", path[0])
	assert.Equal(t, "D", path[2])
}

func TestCriticalPathEmptyAndCyclic(t *testing.T) {
	assert.Nil(t, NewGraph(nil).CriticalPath())

	g := NewGraph(nil)
	require.NoError(t, g.AddNode(NewNode("a", "a", "test")))
	require.NoError(t, g.AddNode(NewNode("b", "b", "test")))
	require.NoError(t, g.AddDependency("a", "b"))
	require.NoError(t, g.AddDependency("b", "a"))
	assert.Nil(t, g.CriticalPath())
}

func TestCloneIsIndependent(t *testing.T) {
	g := buildDiamond(t)
	cp := g.Clone()

	require.NoError(t, cp.UpdateNodeStatus("A", NodeCompleted, ""))
	original, _ := g.Node("A")
	assert.Equal(t, NodePending, original.Status)

	require.NoError(t, cp.AddNode(NewNode("E", "extra", "test")))
	assert.Equal(t, 4, g.Len())
	assert.Equal(t, 5, cp.Len())
}

func TestStatistics(t *testing.T) {
	g := buildDiamond(t)
	require.NoError(t, g.UpdateNodeStatus("A", NodeCompleted, ""))

	stats := g.Statistics()
	assert.Equal(t, 4, stats.NodeCount)
	assert.Equal(t, 4, stats.EdgeCount)
	assert.Equal(t, 3, stats.LevelCount)
	assert.Equal(t, 1, stats.ByStatus[NodeCompleted])
	assert.Equal(t, 3, stats.ByStatus[NodePending])
}

func TestSnapshotRoundTrip(t *testing.T) {
	g := buildDiamond(t)
	node, _ := g.Node("B")
	node.Timeout = 90 * time.Second
	node.MaxRetries = 3
	node.Parameters = map[string]any{"shard": "eu-1"}
	require.NoError(t, g.UpdateNodeStatus("A", NodeCompleted, ""))
	require.NoError(t, g.UpdateNodeStatus("B", NodeFailed, "downstream refused"))

	data, err := json.Marshal(g)
	require.NoError(t, err)

	restored, err := UnmarshalGraph(data)
	require.NoError(t, err)
	require.Equal(t, 4, restored.Len())

	b, ok := restored.Node("B")
	require.True(t, ok)
	assert.Equal(t, 90*time.Second, b.Timeout)
	assert.Equal(t, 3, b.MaxRetries)
	assert.Equal(t, NodeFailed, b.Status)
	assert.Equal(t, "downstream refused", b.ErrorMessage)
	assert.Equal(t, 1, b.RetryCount)
	assert.Equal(t, "eu-1", b.Parameters["shard"])
	assert.ElementsMatch(t, []string{"A"}, b.Dependencies)

	levels, err := restored.ExecutionOrder()
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"A"}, {"B", "C"}, {"D"}}, levels)
}

func TestSnapshotIncludesOrderAndStatistics(t *testing.T) {
	g := buildDiamond(t)
	snap := g.Snapshot(map[string]any{"owner": "platform"})
	assert.Equal(t, [][]string{{"A"}, {"B", "C"}, {"D"}}, snap.ExecutionOrder)
	assert.Equal(t, 4, snap.Statistics.NodeCount)
	assert.Equal(t, "platform", snap.Metadata["owner"])
}

// Exercises the snapshot path while mutations keep invalidating the
// cached execution order. Snapshot must hold the write lock because a
// cache miss recomputes and stores the order; run with -race.
func TestSnapshotConcurrentWithMutation(t *testing.T) {
	g := buildDiamond(t)

	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				snap := g.Snapshot(nil)
				assert.GreaterOrEqual(t, snap.Statistics.NodeCount, 4)
				_, err := json.Marshal(g)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			id := fmt.Sprintf("extra-%d", i)
			assert.NoError(t, g.AddNode(NewNode(id, id, "test")))
			assert.NoError(t, g.AddDependency(id, "D"))
			assert.NoError(t, g.UpdateNodeStatus(id, NodeCompleted, ""))
		}
	}()
	wg.Wait()

	snap := g.Snapshot(nil)
	assert.Equal(t, 204, snap.Statistics.NodeCount)
	assert.Len(t, snap.ExecutionOrder, 4)
}

func TestFromSnapshotRejectsCycle(t *testing.T) {
	g := NewGraph(nil)
	require.NoError(t, g.AddNode(NewNode("a", "a", "test").WithDependencies("b")))
	require.NoError(t, g.AddNode(NewNode("b", "b", "test").WithDependencies("a")))

	data, err := json.Marshal(g)
	require.NoError(t, err)
	_, err = UnmarshalGraph(data)
	assert.ErrorContains(t, err, "not a valid graph")
}
