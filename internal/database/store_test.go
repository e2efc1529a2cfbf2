package database

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flowgate/flowgate/workflow"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(":memory:")
	require.NoError(t, err)
	store, err := NewStore(db, DefaultPoolConfig(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleResult(executionID, workflowID string, status workflow.Status, started time.Time) *workflow.Result {
	return &workflow.Result{
		WorkflowID:  workflowID,
		ExecutionID: executionID,
		Status:      status,
		StartedAt:   started,
		CompletedAt: started.Add(3 * time.Second),
		Duration:    3 * time.Second,
		NodeResults: map[string]*workflow.NodeResult{
			"fetch": {
				NodeID:   "fetch",
				Status:   workflow.NodeCompleted,
				Attempts: 1,
				Duration: time.Second,
			},
			"report": {
				NodeID:      "report",
				Status:      workflow.NodeFailed,
				FailureType: "timeout",
				Error:       "deadline exceeded",
				Attempts:    3,
				Duration:    2 * time.Second,
			},
		},
	}
}

func TestStoreSaveAndGetRun(t *testing.T) {
	store := newTestStore(t)
	result := sampleResult("exec-1", "wf-1", workflow.StatusPartialComplete, time.Now().UTC())

	require.NoError(t, store.SaveResult(t.Context(), result))

	record, err := store.GetRun(t.Context(), "exec-1")
	require.NoError(t, err)
	assert.Equal(t, "wf-1", record.WorkflowID)
	assert.Equal(t, string(workflow.StatusPartialComplete), record.Status)
	assert.EqualValues(t, 3000, record.DurationMS)
	require.Len(t, record.Nodes, 2)

	byNode := map[string]NodeRunRecord{}
	for _, n := range record.Nodes {
		byNode[n.NodeID] = n
	}
	assert.Equal(t, 3, byNode["report"].Attempts)
	assert.Equal(t, "timeout", byNode["report"].FailureType)
	assert.Equal(t, string(workflow.NodeCompleted), byNode["fetch"].Status)
}

func TestStoreGetRunNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetRun(t.Context(), "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestStoreListByWorkflow(t *testing.T) {
	store := newTestStore(t)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"exec-a", "exec-b", "exec-c"} {
		wf := "wf-1"
		if id == "exec-c" {
			wf = "wf-2"
		}
		r := sampleResult(id, wf, workflow.StatusCompleted, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, store.SaveResult(t.Context(), r))
	}

	runs, err := store.ListByWorkflow(t.Context(), "wf-1", 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	// newest first
	assert.Equal(t, "exec-b", runs[0].ExecutionID)
	assert.Equal(t, "exec-a", runs[1].ExecutionID)
}

func TestStoreCountByStatus(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()
	require.NoError(t, store.SaveResult(t.Context(), sampleResult("e1", "wf", workflow.StatusCompleted, now)))
	require.NoError(t, store.SaveResult(t.Context(), sampleResult("e2", "wf", workflow.StatusCompleted, now)))
	require.NoError(t, store.SaveResult(t.Context(), sampleResult("e3", "wf", workflow.StatusFailed, now)))

	counts, err := store.CountByStatus(t.Context())
	require.NoError(t, err)
	assert.EqualValues(t, 2, counts[string(workflow.StatusCompleted)])
	assert.EqualValues(t, 1, counts[string(workflow.StatusFailed)])
}

func TestStorePruneBefore(t *testing.T) {
	store := newTestStore(t)
	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Now().UTC()
	require.NoError(t, store.SaveResult(t.Context(), sampleResult("old", "wf", workflow.StatusCompleted, old)))
	require.NoError(t, store.SaveResult(t.Context(), sampleResult("new", "wf", workflow.StatusCompleted, recent)))

	removed, err := store.PruneBefore(t.Context(), recent.Add(-time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)

	_, err = store.GetRun(t.Context(), "old")
	assert.ErrorIs(t, err, ErrRunNotFound)
	_, err = store.GetRun(t.Context(), "new")
	assert.NoError(t, err)
}

func TestStoreDuplicateExecutionIDRejected(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()
	require.NoError(t, store.SaveResult(t.Context(), sampleResult("dup", "wf", workflow.StatusCompleted, now)))
	assert.Error(t, store.SaveResult(t.Context(), sampleResult("dup", "wf", workflow.StatusCompleted, now)))
}
