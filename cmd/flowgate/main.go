// Command flowgate runs workflow definitions from the command line.
//
// Usage:
//
//	flowgate run --workflow pipeline.yaml            # execute a workflow file
//	flowgate run --workflow pipeline.yaml --config flowgate.yaml
//	flowgate validate --workflow pipeline.yaml       # check structure only
//	flowgate version                                 # show version information
//
// Workflow files declare nodes with task types, dependencies and resource
// requirements. The built-in "shell" task type runs the node's "command"
// parameter through the system shell.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/flowgate/flowgate"
	"github.com/flowgate/flowgate/workflow"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runWorkflow(os.Args[2:])
	case "validate":
		runValidate(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runWorkflow(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to engine configuration file (YAML)")
	workflowPath := fs.String("workflow", "", "Path to workflow definition file (YAML)")
	fs.Parse(args)

	if *workflowPath == "" {
		fmt.Fprintln(os.Stderr, "run: --workflow is required")
		os.Exit(1)
	}

	def, err := LoadDefinition(*workflowPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load workflow: %v\n", err)
		os.Exit(1)
	}

	app, err := flowgate.New(
		flowgate.WithConfigFile(*configPath),
		flowgate.WithExecutor("shell", NewShellExecutor()),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize: %v\n", err)
		os.Exit(1)
	}
	logger := app.Logger
	defer logger.Sync()

	logger.Info("starting flowgate",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	if err := app.Engine.CreateWorkflow(def); err != nil {
		logger.Fatal("invalid workflow definition", zap.Error(err))
	}

	// Ctrl-C cancels the run; in-flight nodes are marked cancelled.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result, err := app.Engine.ExecuteWorkflow(ctx, def.ID, nil)
	if err != nil {
		logger.Error("workflow execution failed", zap.Error(err))
	}

	if closeErr := app.Close(context.Background()); closeErr != nil {
		logger.Warn("shutdown", zap.Error(closeErr))
	}

	if result != nil {
		printResult(result)
		if !result.Succeeded() {
			os.Exit(1)
		}
		return
	}
	os.Exit(1)
}

func runValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	workflowPath := fs.String("workflow", "", "Path to workflow definition file (YAML)")
	fs.Parse(args)

	if *workflowPath == "" {
		fmt.Fprintln(os.Stderr, "validate: --workflow is required")
		os.Exit(1)
	}

	def, err := LoadDefinition(*workflowPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid: %v\n", err)
		os.Exit(1)
	}

	engine := workflow.NewEngine(workflow.DefaultEngineConfig())
	if err := engine.CreateWorkflow(def); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid: %v\n", err)
		os.Exit(1)
	}

	graph, _ := engine.Workflow(def.ID)
	order, _ := graph.ExecutionOrder()
	fmt.Printf("OK: %d nodes, %d levels\n", graph.Len(), len(order))
	for i, level := range order {
		fmt.Printf("  level %d: %v\n", i, level)
	}
}

func printResult(result *workflow.Result) {
	fmt.Printf("Workflow %s finished: %s (%s)\n",
		result.WorkflowID, result.Status, result.Duration.Round(time.Millisecond))
	for _, nr := range result.NodeResults {
		line := fmt.Sprintf("  %-20s %-12s attempts=%d duration=%s",
			nr.NodeID, nr.Status, nr.Attempts, nr.Duration.Round(time.Millisecond))
		if nr.Error != "" {
			line += " error=" + nr.Error
		}
		fmt.Println(line)
	}
}

func printVersion() {
	fmt.Printf("flowgate %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`flowgate - workflow orchestration engine

Usage:
  flowgate <command> [options]

Commands:
  run       Execute a workflow definition
  validate  Validate a workflow definition without running it
  version   Show version information
  help      Show this help message

Options for 'run':
  --workflow <path>  Path to the workflow definition file (YAML, required)
  --config <path>    Path to the engine configuration file (YAML)

Examples:
  flowgate run --workflow pipeline.yaml
  flowgate run --workflow pipeline.yaml --config /etc/flowgate/config.yaml
  flowgate validate --workflow pipeline.yaml`)
}
