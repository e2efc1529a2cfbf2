package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/flowgate/flowgate/execution"
	"github.com/flowgate/flowgate/failure"
	"github.com/flowgate/flowgate/resource"
	"github.com/flowgate/flowgate/workflow"
)

// Config is the complete FlowGate configuration.
type Config struct {
	// Engine tunes workflow execution.
	Engine EngineConfig `yaml:"engine" env:"ENGINE"`

	// Resources declares the resource pools. Empty means the defaults.
	Resources ResourcesConfig `yaml:"resources" env:"RESOURCES"`

	// Failure tunes classification, recovery and circuit breaking.
	Failure FailureConfig `yaml:"failure" env:"FAILURE"`

	// Redis configures the optional redis execution context store.
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Database configures the optional run history database.
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Log configures structured logging.
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry configures OpenTelemetry export.
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// EngineConfig mirrors the engine tunables.
type EngineConfig struct {
	// Maximum concurrent node executions within one level.
	MaxParallelNodes int `yaml:"max_parallel_nodes" env:"MAX_PARALLEL_NODES"`
	// Timeout for nodes without their own.
	DefaultNodeTimeout time.Duration `yaml:"default_node_timeout" env:"DEFAULT_NODE_TIMEOUT"`
	// Deadline for a whole run; zero disables it.
	WorkflowTimeout time.Duration `yaml:"workflow_timeout" env:"WORKFLOW_TIMEOUT"`
	// Node dispatches per second; zero disables throttling.
	DispatchRate float64 `yaml:"dispatch_rate" env:"DISPATCH_RATE"`
	// Limiter burst when dispatch throttling is on.
	DispatchBurst int `yaml:"dispatch_burst" env:"DISPATCH_BURST"`
	// In-memory run history capacity.
	HistoryCapacity int `yaml:"history_capacity" env:"HISTORY_CAPACITY"`
}

// ResourcesConfig declares resource pool capacities.
type ResourcesConfig struct {
	// Pools lists the pool specs. Empty falls back to the built-in set.
	Pools []PoolConfig `yaml:"pools"`
}

// PoolConfig is one resource pool.
type PoolConfig struct {
	Type  string  `yaml:"type"`
	Name  string  `yaml:"name"`
	Total float64 `yaml:"total"`
	Unit  string  `yaml:"unit"`
}

// FailureConfig tunes the failure handler and circuit breakers.
type FailureConfig struct {
	// Failure count that forces the circuit-breaker strategy.
	CircuitBreakerFailureLimit int `yaml:"circuit_breaker_failure_limit" env:"CIRCUIT_BREAKER_FAILURE_LIMIT"`
	// Consecutive failures that open a breaker.
	FailureThreshold int `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	// How long a breaker stays open before probing.
	RecoveryTimeout time.Duration `yaml:"recovery_timeout" env:"RECOVERY_TIMEOUT"`
	// Concurrent probes while half-open.
	HalfOpenMaxProbes int `yaml:"half_open_max_probes" env:"HALF_OPEN_MAX_PROBES"`
	// Half-open successes that close a breaker.
	SuccessThreshold int `yaml:"success_threshold" env:"SUCCESS_THRESHOLD"`
	// Record stack traces with failures.
	CaptureStacks bool `yaml:"capture_stacks" env:"CAPTURE_STACKS"`
}

// RedisConfig configures the redis execution context store.
type RedisConfig struct {
	// Enabled turns the redis context store on.
	Enabled   bool          `yaml:"enabled" env:"ENABLED"`
	Addr      string        `yaml:"addr" env:"ADDR"`
	Password  string        `yaml:"password" env:"PASSWORD"`
	DB        int           `yaml:"db" env:"DB"`
	KeyPrefix string        `yaml:"key_prefix" env:"KEY_PREFIX"`
	TTL       time.Duration `yaml:"ttl" env:"TTL"`
	PoolSize  int           `yaml:"pool_size" env:"POOL_SIZE"`
}

// DatabaseConfig configures the run history database.
type DatabaseConfig struct {
	// Enabled turns durable run history on.
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// Path is the SQLite database file, or ":memory:".
	Path            string        `yaml:"path" env:"PATH"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	// Level: debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format: json or console.
	Format string `yaml:"format" env:"FORMAT"`
	// OutputPaths, zap style ("stdout", file paths).
	OutputPaths      []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// DefaultConfig returns the shipped defaults.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			MaxParallelNodes:   4,
			DefaultNodeTimeout: 5 * time.Minute,
			HistoryCapacity:    1000,
		},
		Failure: FailureConfig{
			CircuitBreakerFailureLimit: 5,
			FailureThreshold:           5,
			RecoveryTimeout:            60 * time.Second,
			HalfOpenMaxProbes:          1,
			SuccessThreshold:           1,
			CaptureStacks:              true,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "flowgate:exec",
			TTL:       24 * time.Hour,
			PoolSize:  10,
		},
		Database: DatabaseConfig{
			Path:            "flowgate.db",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: time.Hour,
		},
		Log: LogConfig{
			Level:        "info",
			Format:       "json",
			OutputPaths:  []string{"stdout"},
			EnableCaller: true,
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: "localhost:4317",
			ServiceName:  "flowgate",
			SampleRate:   1.0,
		},
	}
}

// Validate reports configuration errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Engine.MaxParallelNodes <= 0 {
		errs = append(errs, "engine.max_parallel_nodes must be positive")
	}
	if c.Engine.DispatchRate < 0 {
		errs = append(errs, "engine.dispatch_rate cannot be negative")
	}
	for _, p := range c.Resources.Pools {
		if p.Total <= 0 {
			errs = append(errs, fmt.Sprintf("resources: pool %s total must be positive", p.Type))
		}
	}
	if c.Failure.FailureThreshold < 0 {
		errs = append(errs, "failure.failure_threshold cannot be negative")
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, "telemetry.sample_rate must be within [0, 1]")
	}
	switch c.Log.Format {
	case "", "json", "console":
	default:
		errs = append(errs, "log.format must be json or console")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// EngineConfig converts to the engine's own config type.
func (c *EngineConfig) EngineConfig() workflow.EngineConfig {
	return workflow.EngineConfig{
		MaxParallelNodes:   c.MaxParallelNodes,
		DefaultNodeTimeout: c.DefaultNodeTimeout,
		WorkflowTimeout:    c.WorkflowTimeout,
		DispatchRate:       c.DispatchRate,
		DispatchBurst:      c.DispatchBurst,
		HistoryCapacity:    c.HistoryCapacity,
	}
}

// PoolSpecs converts the declared pools, falling back to the built-in set
// when none are declared.
func (c *ResourcesConfig) PoolSpecs() []resource.PoolSpec {
	if len(c.Pools) == 0 {
		return resource.DefaultPoolSpecs()
	}
	specs := make([]resource.PoolSpec, 0, len(c.Pools))
	for _, p := range c.Pools {
		specs = append(specs, resource.PoolSpec{
			Type:  resource.Type(p.Type),
			Name:  p.Name,
			Total: p.Total,
			Unit:  p.Unit,
		})
	}
	return specs
}

// HandlerConfig converts to the failure handler's config type.
func (c *FailureConfig) HandlerConfig() failure.HandlerConfig {
	return failure.HandlerConfig{
		CircuitBreakerFailureLimit: c.CircuitBreakerFailureLimit,
		Breaker: failure.CircuitBreakerConfig{
			FailureThreshold:  c.FailureThreshold,
			RecoveryTimeout:   c.RecoveryTimeout,
			HalfOpenMaxProbes: c.HalfOpenMaxProbes,
			SuccessThreshold:  c.SuccessThreshold,
		},
		CaptureStacks: c.CaptureStacks,
	}
}

// StoreConfig converts to the redis context store's config type.
func (c *RedisConfig) StoreConfig() execution.RedisStoreConfig {
	return execution.RedisStoreConfig{
		Addr:      c.Addr,
		Password:  c.Password,
		DB:        c.DB,
		KeyPrefix: c.KeyPrefix,
		TTL:       c.TTL,
		PoolSize:  c.PoolSize,
	}
}
