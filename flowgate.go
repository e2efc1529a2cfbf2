// Package flowgate provides a top-level convenience entry point that wires
// the workflow engine together with its supporting services.
//
// Usage:
//
//	import "github.com/flowgate/flowgate"
//
//	app, err := flowgate.New(
//	    flowgate.WithConfigFile("flowgate.yaml"),
//	    flowgate.WithExecutor("shell", shellExecutor),
//	)
//	defer app.Close(ctx)
//
//	result, err := app.Engine.ExecuteWorkflow(ctx, "nightly-report", nil)
//
// New builds the engine from configuration: resource pools, the failure
// handler, Prometheus metrics, and optionally a redis execution context
// store, a SQLite run history database and OpenTelemetry export.
package flowgate

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/flowgate/flowgate/config"
	"github.com/flowgate/flowgate/execution"
	"github.com/flowgate/flowgate/failure"
	"github.com/flowgate/flowgate/internal/database"
	"github.com/flowgate/flowgate/internal/metrics"
	"github.com/flowgate/flowgate/internal/telemetry"
	"github.com/flowgate/flowgate/resource"
	"github.com/flowgate/flowgate/workflow"
)

// App bundles a wired engine with the services behind it.
type App struct {
	Engine *workflow.Engine
	Config *config.Config
	Logger *zap.Logger

	historyDB *database.Store
	ctxStore  *execution.RedisStore
	providers *telemetry.Providers
}

type options struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger
	executors  map[string]workflow.TaskExecutor
	fallback   workflow.TaskExecutor
	registerer prometheus.Registerer
	noMetrics  bool
	ctxStore   execution.Store
}

// Option configures the app created by [New].
type Option func(*options)

// WithConfig supplies a resolved configuration.
func WithConfig(cfg *config.Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithConfigFile loads configuration from a YAML file plus FLOWGATE_*
// environment variables.
func WithConfigFile(path string) Option {
	return func(o *options) { o.configPath = path }
}

// WithLogger overrides the logger built from the log configuration.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithExecutor registers a task executor for a task type.
func WithExecutor(taskType string, ex workflow.TaskExecutor) Option {
	return func(o *options) {
		if o.executors == nil {
			o.executors = make(map[string]workflow.TaskExecutor)
		}
		o.executors[taskType] = ex
	}
}

// WithDefaultExecutor registers the fallback executor for task types
// without a dedicated registration.
func WithDefaultExecutor(ex workflow.TaskExecutor) Option {
	return func(o *options) { o.fallback = ex }
}

// WithMetricsRegisterer registers metrics against a custom registerer
// instead of the Prometheus default.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithoutMetrics disables Prometheus metrics entirely.
func WithoutMetrics() Option {
	return func(o *options) { o.noMetrics = true }
}

// WithContextStore overrides the execution context store that the
// configuration would otherwise select.
func WithContextStore(s execution.Store) Option {
	return func(o *options) { o.ctxStore = s }
}

// New builds a fully wired App.
func New(opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cfg := o.cfg
	if cfg == nil {
		var err error
		cfg, err = config.NewLoader().WithConfigPath(o.configPath).Load()
		if err != nil {
			return nil, fmt.Errorf("flowgate: %w", err)
		}
	}

	logger := o.logger
	if logger == nil {
		var err error
		logger, err = config.BuildLogger(cfg.Log)
		if err != nil {
			return nil, fmt.Errorf("flowgate: %w", err)
		}
	}

	app := &App{Config: cfg, Logger: logger}

	var collector *metrics.Collector
	if !o.noMetrics {
		collector = metrics.NewCollector("flowgate", o.registerer, logger)
	}

	resourceOpts := []resource.ManagerOption{resource.WithLogger(logger)}
	if collector != nil {
		resourceOpts = append(resourceOpts, resource.WithObserver(collector))
	}
	resources := resource.NewManager(cfg.Resources.PoolSpecs(), resourceOpts...)

	failureOpts := []failure.HandlerOption{failure.WithHandlerLogger(logger)}
	if collector != nil {
		failureOpts = append(failureOpts, failure.WithBreakerEvents(collector))
	}
	failures := failure.NewHandler(cfg.Failure.HandlerConfig(), failureOpts...)

	engineOpts := []workflow.EngineOption{
		workflow.WithEngineLogger(logger),
		workflow.WithResourceManager(resources),
		workflow.WithFailureHandler(failures),
	}
	if collector != nil {
		engineOpts = append(engineOpts, workflow.WithMetrics(collector))
	}

	switch {
	case o.ctxStore != nil:
		engineOpts = append(engineOpts, workflow.WithContextStore(o.ctxStore))
	case cfg.Redis.Enabled:
		store, err := execution.NewRedisStore(cfg.Redis.StoreConfig(), logger)
		if err != nil {
			return nil, fmt.Errorf("flowgate: connect context store: %w", err)
		}
		app.ctxStore = store
		engineOpts = append(engineOpts, workflow.WithContextStore(store))
	}

	if cfg.Database.Enabled {
		db, err := database.Open(cfg.Database.Path)
		if err != nil {
			app.closeStores()
			return nil, fmt.Errorf("flowgate: %w", err)
		}
		store, err := database.NewStore(db, database.PoolConfig{
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		}, logger)
		if err != nil {
			app.closeStores()
			return nil, fmt.Errorf("flowgate: %w", err)
		}
		app.historyDB = store
		engineOpts = append(engineOpts, workflow.WithHistorySink(store))
	}

	providers, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		app.closeStores()
		return nil, fmt.Errorf("flowgate: %w", err)
	}
	app.providers = providers
	if providers.Enabled() {
		engineOpts = append(engineOpts, workflow.WithTracer(providers.Tracer("flowgate")))
	}

	app.Engine = workflow.NewEngine(cfg.Engine.EngineConfig(), engineOpts...)
	for taskType, ex := range o.executors {
		app.Engine.RegisterExecutor(taskType, ex)
	}
	if o.fallback != nil {
		app.Engine.Executors().SetDefault(o.fallback)
	}

	logger.Info("flowgate initialized",
		zap.Bool("redis_context_store", app.ctxStore != nil),
		zap.Bool("history_database", app.historyDB != nil),
		zap.Bool("telemetry", providers.Enabled()))
	return app, nil
}

// History returns the durable run history store, or nil when the database
// is disabled.
func (a *App) History() workflow.HistorySink {
	if a.historyDB == nil {
		return nil
	}
	return a.historyDB
}

// Close flushes telemetry and closes the app's stores.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.providers != nil {
		if err := a.providers.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, a.closeStoresErr()...)
	return errors.Join(errs...)
}

func (a *App) closeStores() {
	for _, err := range a.closeStoresErr() {
		a.Logger.Warn("close store", zap.Error(err))
	}
}

func (a *App) closeStoresErr() []error {
	var errs []error
	if a.historyDB != nil {
		if err := a.historyDB.Close(); err != nil {
			errs = append(errs, err)
		}
		a.historyDB = nil
	}
	if a.ctxStore != nil {
		if err := a.ctxStore.Close(); err != nil {
			errs = append(errs, err)
		}
		a.ctxStore = nil
	}
	return errs
}
