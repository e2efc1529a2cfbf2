package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowgate/flowgate/resource"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Engine.MaxParallelNodes)
	assert.Equal(t, 5*time.Minute, cfg.Engine.DefaultNodeTimeout)
	assert.Equal(t, 5, cfg.Failure.FailureThreshold)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.Telemetry.Enabled)
}

func TestLoadFromYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flowgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
engine:
  max_parallel_nodes: 8
  default_node_timeout: 30s
  dispatch_rate: 2.5
resources:
  pools:
    - type: worker_slot
      name: workers
      total: 32
      unit: slots
failure:
  failure_threshold: 3
  recovery_timeout: 10s
log:
  level: debug
  format: console
`), 0o600))

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Engine.MaxParallelNodes)
	assert.Equal(t, 30*time.Second, cfg.Engine.DefaultNodeTimeout)
	assert.Equal(t, 2.5, cfg.Engine.DispatchRate)
	assert.Equal(t, 3, cfg.Failure.FailureThreshold)
	assert.Equal(t, 10*time.Second, cfg.Failure.RecoveryTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)

	specs := cfg.Resources.PoolSpecs()
	require.Len(t, specs, 1)
	assert.Equal(t, resource.TypeWorkerSlot, specs[0].Type)
	assert.Equal(t, 32.0, specs[0].Total)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/nonexistent/flowgate.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Engine.MaxParallelNodes)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flowgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  max_parallel_nodes: 8\n"), 0o600))

	t.Setenv("FLOWGATE_ENGINE_MAX_PARALLEL_NODES", "16")
	t.Setenv("FLOWGATE_ENGINE_WORKFLOW_TIMEOUT", "90s")
	t.Setenv("FLOWGATE_REDIS_ENABLED", "true")
	t.Setenv("FLOWGATE_LOG_OUTPUT_PATHS", "stdout, /var/log/flowgate.log")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 16, cfg.Engine.MaxParallelNodes)
	assert.Equal(t, 90*time.Second, cfg.Engine.WorkflowTimeout)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, []string{"stdout", "/var/log/flowgate.log"}, cfg.Log.OutputPaths)
}

func TestEnvPrefixOverride(t *testing.T) {
	t.Setenv("CUSTOM_ENGINE_MAX_PARALLEL_NODES", "2")
	cfg, err := NewLoader().WithEnvPrefix("CUSTOM").Load()
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Engine.MaxParallelNodes)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	t.Setenv("FLOWGATE_ENGINE_MAX_PARALLEL_NODES", "0")
	_, err := NewLoader().Load()
	assert.ErrorContains(t, err, "max_parallel_nodes")
}

func TestLoadRejectsBadEnvValue(t *testing.T) {
	t.Setenv("FLOWGATE_ENGINE_MAX_PARALLEL_NODES", "many")
	_, err := NewLoader().Load()
	assert.ErrorContains(t, err, "FLOWGATE_ENGINE_MAX_PARALLEL_NODES")
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.Telemetry.SampleRate = 2
	assert.ErrorContains(t, cfg.Validate(), "sample_rate")

	cfg = DefaultConfig()
	cfg.Log.Format = "xml"
	assert.ErrorContains(t, cfg.Validate(), "log.format")

	cfg = DefaultConfig()
	cfg.Resources.Pools = []PoolConfig{{Type: "cpu", Total: 0}}
	assert.ErrorContains(t, cfg.Validate(), "total must be positive")
}

func TestWithValidator(t *testing.T) {
	called := false
	_, err := NewLoader().WithValidator(func(c *Config) error {
		called = true
		return nil
	}).Load()
	require.NoError(t, err)
	assert.True(t, called)
}

func TestConversions(t *testing.T) {
	cfg := DefaultConfig()

	ec := cfg.Engine.EngineConfig()
	assert.Equal(t, cfg.Engine.MaxParallelNodes, ec.MaxParallelNodes)

	hc := cfg.Failure.HandlerConfig()
	assert.Equal(t, cfg.Failure.FailureThreshold, hc.Breaker.FailureThreshold)
	assert.Equal(t, cfg.Failure.RecoveryTimeout, hc.Breaker.RecoveryTimeout)

	rc := cfg.Redis.StoreConfig()
	assert.Equal(t, cfg.Redis.Addr, rc.Addr)
	assert.Equal(t, cfg.Redis.TTL, rc.TTL)

	assert.Len(t, cfg.Resources.PoolSpecs(), len(resource.DefaultPoolSpecs()))
}
