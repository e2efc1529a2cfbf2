/*
Package workflow implements the DAG workflow engine: a dependency graph of
task nodes, topological level scheduling, and an engine that runs registered
workflows with bounded parallelism, resource admission and failure recovery.

# Core types

  - Node / NodeStatus  : one task with dependencies, resources and retry budget
  - Graph              : concurrent-safe DAG with validation, Kahn leveling and critical path
  - GraphSnapshot      : JSON form of a graph for persistence and transport
  - Definition         : a workflow: nodes plus dependency edges
  - TaskExecutor       : the work behind a task type, bound via ExecutorRegistry
  - Engine             : registers definitions and executes runs level by level
  - Result / NodeResult: outcome of a run and of each node within it
  - HistoryStore       : bounded in-memory record of completed runs

# Execution model

ExecuteWorkflow clones the registered graph, groups nodes into topological
levels and runs each level through an errgroup bounded by MaxParallelNodes.
Before a node's task runs, its circuit breaker must be closed and its
resource requirements must be granted as a unit; both are released when the
attempt ends. A failing task flows through the failure package's
classification and recovery patterns. A node that stays failed stops the run
after its level drains: later nodes are cancelled and the run ends FAILED,
or PARTIAL_COMPLETE when earlier nodes already finished.

	engine := workflow.NewEngine(workflow.DefaultEngineConfig())
	engine.RegisterExecutor("shell", shellExecutor)
	err := engine.CreateWorkflow(&workflow.Definition{
		ID: "nightly-report",
		Nodes: []*workflow.Node{
			workflow.NewNode("fetch", "Fetch inputs", "shell"),
			workflow.NewNode("report", "Build report", "shell").WithDependencies("fetch"),
		},
	})
	result, err := engine.ExecuteWorkflow(ctx, "nightly-report", nil)
*/
package workflow
