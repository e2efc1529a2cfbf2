package main

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/flowgate/flowgate/execution"
	"github.com/flowgate/flowgate/workflow"
)

// NewShellExecutor returns the built-in "shell" task executor. It runs the
// node's "command" parameter through sh -c and returns trimmed stdout. The
// command is killed when the node context expires.
func NewShellExecutor() workflow.TaskExecutor {
	return workflow.TaskExecutorFunc(func(ctx context.Context, node *workflow.Node, ec *execution.Context) (any, error) {
		command, ok := node.Parameters["command"].(string)
		if !ok || command == "" {
			return nil, fmt.Errorf("node %s: shell task requires a \"command\" parameter", node.ID)
		}

		cmd := exec.CommandContext(ctx, "sh", "-c", command)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = err.Error()
			}
			return nil, fmt.Errorf("node %s: command failed: %s", node.ID, msg)
		}
		return strings.TrimSpace(stdout.String()), nil
	})
}
