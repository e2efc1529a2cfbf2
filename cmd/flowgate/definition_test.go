package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowgate/flowgate/resource"
	"github.com/flowgate/flowgate/workflow"
)

const sampleWorkflowYAML = `
id: nightly-report
name: Nightly report pipeline
max_parallel_nodes: 2
timeout: 30m
nodes:
  - id: fetch
    task_type: shell
    parameters:
      command: echo fetch
    resources:
      - type: cpu
        amount: 2
  - id: transform
    depends_on: [fetch]
    timeout: 5m
    max_retries: 2
    parameters:
      command: echo transform
  - id: report
    depends_on: [transform]
    parameters:
      command: echo report
`

func TestParseDefinition(t *testing.T) {
	def, err := ParseDefinition([]byte(sampleWorkflowYAML))
	require.NoError(t, err)

	assert.Equal(t, "nightly-report", def.ID)
	assert.Equal(t, 2, def.MaxParallelNodes)
	assert.Equal(t, 30*time.Minute, def.Timeout)
	require.Len(t, def.Nodes, 3)

	fetch := def.Nodes[0]
	assert.Equal(t, "shell", fetch.TaskType)
	assert.Equal(t, "echo fetch", fetch.Parameters["command"])
	require.Len(t, fetch.Resources, 1)
	assert.Equal(t, resource.TypeCPU, fetch.Resources[0].Type)
	assert.Equal(t, 2.0, fetch.Resources[0].Amount)

	transform := def.Nodes[1]
	assert.Equal(t, "shell", transform.TaskType, "task_type defaults to shell")
	assert.Equal(t, "transform", transform.Name, "name defaults to id")
	assert.Equal(t, []string{"fetch"}, transform.Dependencies)
	assert.Equal(t, 5*time.Minute, transform.Timeout)
	assert.Equal(t, 2, transform.MaxRetries)
}

func TestParseDefinitionRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"not yaml":        "{{nope",
		"missing id":      "name: x\nnodes:\n  - id: a",
		"no nodes":        "id: x",
		"node without id": "id: x\nnodes:\n  - task_type: shell",
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseDefinition([]byte(input))
			require.Error(t, err)
		})
	}
}

func TestShellExecutorRunsParsedWorkflow(t *testing.T) {
	def, err := ParseDefinition([]byte(sampleWorkflowYAML))
	require.NoError(t, err)
	def.Timeout = 30 * time.Second

	engine := workflow.NewEngine(workflow.DefaultEngineConfig())
	engine.RegisterExecutor("shell", NewShellExecutor())
	require.NoError(t, engine.CreateWorkflow(def))

	result, err := engine.ExecuteWorkflow(t.Context(), def.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, result.Status)
	assert.Equal(t, "fetch", result.NodeResults["fetch"].Output)
}

func TestShellExecutorFailure(t *testing.T) {
	ex := NewShellExecutor()
	node := workflow.NewNode("n1", "n1", "shell").
		WithParameters(map[string]any{"command": "echo oops >&2; exit 3"})
	_, err := ex.Execute(context.Background(), node, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oops")

	node = workflow.NewNode("n2", "n2", "shell")
	_, err = ex.Execute(context.Background(), node, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "command")
}

func TestShellExecutorHonorsContext(t *testing.T) {
	ex := NewShellExecutor()
	node := workflow.NewNode("n1", "n1", "shell").
		WithParameters(map[string]any{"command": "sleep 10"})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := ex.Execute(ctx, node, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
