package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Store persists execution context snapshots.
type Store interface {
	Save(ctx context.Context, ec *Context) error
	Load(ctx context.Context, executionID string) (*Context, error)
	Delete(ctx context.Context, executionID string) error
	List(ctx context.Context, workflowID string) ([]string, error)
}

// SaveToFile writes the context as pretty-printed JSON.
func (c *Context) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c.snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal execution context %s: %w", c.ID, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write execution context %s: %w", c.ID, err)
	}
	return nil
}

// LoadFromFile reads a context previously written by SaveToFile.
func LoadFromFile(path string) (*Context, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read execution context: %w", err)
	}
	var ec Context
	if err := json.Unmarshal(data, &ec); err != nil {
		return nil, fmt.Errorf("parse execution context: %w", err)
	}
	return &ec, nil
}

// FileStore keeps one JSON file per context under a directory.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create context store dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(executionID string) string {
	return filepath.Join(s.dir, executionID+".json")
}

// Save writes the context snapshot to its file.
func (s *FileStore) Save(_ context.Context, ec *Context) error {
	return ec.SaveToFile(s.path(ec.ID))
}

// Load reads one context by execution id.
func (s *FileStore) Load(_ context.Context, executionID string) (*Context, error) {
	ec, err := LoadFromFile(s.path(executionID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrContextNotFound, executionID)
		}
		return nil, err
	}
	return ec, nil
}

// Delete removes one context file. Deleting a missing context is not an
// error.
func (s *FileStore) Delete(_ context.Context, executionID string) error {
	err := os.Remove(s.path(executionID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete execution context %s: %w", executionID, err)
	}
	return nil
}

// List returns the execution ids stored for a workflow. Empty workflowID
// lists everything.
func (s *FileStore) List(_ context.Context, workflowID string) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list context store: %w", err)
	}
	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		if workflowID != "" {
			ec, err := LoadFromFile(s.path(id))
			if err != nil || ec.WorkflowID != workflowID {
				continue
			}
		}
		ids = append(ids, id)
	}
	return ids, nil
}
