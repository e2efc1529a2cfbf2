package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flowgate/flowgate/resource"
	"github.com/flowgate/flowgate/workflow"
)

// definitionFile is the YAML shape of a workflow file:
//
//	id: nightly-report
//	name: Nightly report pipeline
//	max_parallel_nodes: 4
//	timeout: 30m
//	nodes:
//	  - id: fetch
//	    task_type: shell
//	    parameters:
//	      command: ./fetch.sh
//	    resources:
//	      - type: cpu
//	        amount: 2
//	  - id: report
//	    task_type: shell
//	    depends_on: [fetch]
//	    timeout: 5m
//	    max_retries: 2
//	    parameters:
//	      command: ./report.sh
type definitionFile struct {
	ID               string         `yaml:"id"`
	Name             string         `yaml:"name"`
	MaxParallelNodes int            `yaml:"max_parallel_nodes"`
	Timeout          time.Duration  `yaml:"timeout"`
	Metadata         map[string]any `yaml:"metadata"`
	Nodes            []nodeFile     `yaml:"nodes"`
}

type nodeFile struct {
	ID         string                 `yaml:"id"`
	Name       string                 `yaml:"name"`
	TaskType   string                 `yaml:"task_type"`
	DependsOn  []string               `yaml:"depends_on"`
	Parameters map[string]any         `yaml:"parameters"`
	Resources  []resource.Requirement `yaml:"resources"`
	Timeout    time.Duration          `yaml:"timeout"`
	MaxRetries int                    `yaml:"max_retries"`
}

// LoadDefinition reads a workflow definition from a YAML file.
func LoadDefinition(path string) (*workflow.Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow file: %w", err)
	}
	return ParseDefinition(data)
}

// ParseDefinition builds a workflow definition from YAML bytes.
func ParseDefinition(data []byte) (*workflow.Definition, error) {
	var file definitionFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse workflow file: %w", err)
	}
	if file.ID == "" {
		return nil, fmt.Errorf("workflow file: id is required")
	}
	if len(file.Nodes) == 0 {
		return nil, fmt.Errorf("workflow file: at least one node is required")
	}

	def := &workflow.Definition{
		ID:               file.ID,
		Name:             file.Name,
		MaxParallelNodes: file.MaxParallelNodes,
		Timeout:          file.Timeout,
		Metadata:         file.Metadata,
	}
	for _, nf := range file.Nodes {
		if nf.ID == "" {
			return nil, fmt.Errorf("workflow file: node without id")
		}
		name := nf.Name
		if name == "" {
			name = nf.ID
		}
		taskType := nf.TaskType
		if taskType == "" {
			taskType = "shell"
		}
		node := workflow.NewNode(nf.ID, name, taskType).
			WithDependencies(nf.DependsOn...).
			WithTimeout(nf.Timeout).
			WithMaxRetries(nf.MaxRetries)
		if len(nf.Parameters) > 0 {
			node = node.WithParameters(nf.Parameters)
		}
		if len(nf.Resources) > 0 {
			node = node.WithResources(nf.Resources...)
		}
		def.Nodes = append(def.Nodes, node)
	}
	return def, nil
}
