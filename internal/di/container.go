// Package di wires the orchestration server: configuration in, a component
// graph out, with every teardown registered on the lifecycle coordinator in
// dependency order.
package di

import (
	"context"
	"os"
	"path/filepath"

	"foreman/internal/compensate"
	"foreman/internal/delivery/server/app"
	"foreman/internal/delivery/server/httpapi"
	"foreman/internal/delivery/server/tools"
	"foreman/internal/dispatch"
	"foreman/internal/dlq"
	"foreman/internal/domain/project"
	"foreman/internal/domain/task"
	"foreman/internal/domain/workflow"
	"foreman/internal/errors"
	"foreman/internal/external/agents"
	"foreman/internal/lifecycle"
	"foreman/internal/observability"
	"foreman/internal/ratelimit"
	"foreman/internal/scheduler"
	"foreman/internal/shared/config"
	"foreman/internal/supervisor"
)

// EnvProjectsDir overrides where the project registry index lives.
const EnvProjectsDir = "FOREMAN_PROJECTS_DIR"

const defaultProjectsDir = "~/.foreman/projects"

// Container holds every long-lived component of the server.
type Container struct {
	Config        config.Server
	Observability observability.Config

	Logger   *observability.Logger
	Recorder *observability.Recorder
	Metrics  *observability.MetricsCollector
	Tracer   *observability.TracerProvider

	Agents        *agents.Registry
	Limiter       *ratelimit.Limiter
	Breakers      *errors.CircuitBreakerManager
	Supervisor    *supervisor.Supervisor
	Compensations *compensate.Registry
	DeadLetter    *dlq.Queue
	Tasks         *task.Registry
	Dispatcher    *dispatch.Dispatcher
	Projects      *project.Store
	Workflow      *workflow.Engine
	Scheduler     *scheduler.Scheduler
	Lifecycle     *lifecycle.Coordinator

	Tools  *tools.Dispatcher
	Server *httpapi.Server
}

// BuildContainer constructs the full component graph. Nothing is started;
// call Start once signal handling is installed.
func BuildContainer(cfg config.Server) (*Container, error) {
	obsConfig, err := observability.LoadConfig(cfg.ConfigPath)
	if err != nil {
		return nil, err
	}
	// Explicit environment settings beat the config file.
	if os.Getenv(config.EnvLogLevel) != "" {
		obsConfig.Logging.Level = cfg.LogLevel
	}
	if os.Getenv(config.EnvLogFormat) != "" {
		obsConfig.Logging.Format = cfg.LogFormat
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  obsConfig.Logging.Level,
		Format: obsConfig.Logging.Format,
	})

	var metrics *observability.MetricsCollector
	sinks := []observability.Sink{}
	if obsConfig.Metrics.Enabled {
		metrics, err = observability.NewMetricsCollector(obsConfig.Metrics, logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, metrics)
	}
	tracer, err := observability.NewTracerProvider(obsConfig.Tracing)
	if err != nil {
		return nil, err
	}
	recorder := observability.NewRecorder(logger, sinks...)

	coordinator := lifecycle.New(lifecycle.Config{
		RequestTimeout: cfg.ShutdownRequestTimeout,
		CleanupTimeout: cfg.ShutdownCleanupTimeout,
	}, logger.Printf("lifecycle"))

	agentRegistry := agents.NewRegistry(logger.Printf("agents"))
	for _, adapter := range agents.Builtins() {
		agentRegistry.Register(adapter)
	}
	agentRegistry.Detect()
	logger.Info("coding agents detected", "available", agentRegistry.Available())

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		Capacity: cfg.RateLimitDefaultCapacity,
		Rate:     cfg.RateLimitDefaultRate,
	}, logger.Printf("ratelimit"))

	breakers := errors.NewCircuitBreakerManager(errors.CircuitBreakerConfig{
		FailureThreshold: cfg.CircuitFailureThreshold,
		Cooldown:         cfg.CircuitCooldown,
	})

	children := supervisor.New(logger.Printf("supervisor"))
	compensations := compensate.NewRegistry(logger.Printf("compensate"))

	deadLetter, err := dlq.New(dlq.Config{
		Path:          resolveStorageDir(cfg.DLQPath, ""),
		RetryInterval: cfg.DLQRetryInterval,
	}, logger.Printf("dlq"))
	if err != nil {
		return nil, err
	}

	taskRegistry := task.NewRegistry(task.DefaultTerminalRetention, logger.Printf("tasks"))

	dispatcher := dispatch.New(dispatch.Config{
		Workers:       cfg.WorkerCount,
		QueueCapacity: cfg.QueueCapacity,
	}, dispatch.Deps{
		Tasks:         taskRegistry,
		Agents:        agentRegistry,
		Supervisor:    children,
		Limiter:       limiter,
		Breakers:      breakers,
		DeadLetter:    deadLetter,
		Compensations: compensations,
		Logger:        logger.Printf("dispatch"),
	})

	projectsRoot := resolveStorageDir(GetStorageDir(EnvProjectsDir, defaultProjectsDir), defaultProjectsDir)
	projects, err := project.NewStore(projectsRoot, logger.Printf("projects"))
	if err != nil {
		return nil, err
	}
	flowEngine := workflow.NewEngine(projects, logger.Printf("workflow"))

	taskService := app.NewTaskService(dispatcher, taskRegistry, recorder, logger.Printf("app.tasks"))
	flowService := app.NewWorkflowService(flowEngine, projects, recorder, logger.Printf("app.workflow"))
	healthService := app.NewHealthService(app.HealthDeps{
		Lifecycle:  coordinator,
		Dispatcher: dispatcher,
		Supervisor: children,
		DeadLetter: deadLetter,
		Limiter:    limiter,
		Breakers:   breakers,
		Agents:     agentRegistry,
	})

	toolDispatcher := tools.NewDispatcher(tools.Deps{
		Tasks:     taskService,
		Workflow:  flowService,
		Health:    healthService,
		Lifecycle: coordinator,
		Recorder:  recorder,
		Tracer:    tracer,
		Logger:    logger.Printf("tools"),
	})

	server := httpapi.NewServer(httpapi.Config{
		Host:       cfg.Host,
		Port:       cfg.Port,
		EnableCORS: true,
	}, httpapi.Deps{
		Dispatcher: toolDispatcher,
		Workflow:   flowService,
		Tasks:      taskRegistry,
		Limiter:    limiter,
		Lifecycle:  coordinator,
		Logger:     logger,
	})

	jobs := scheduler.New(logger.Printf("scheduler"))
	if err := scheduler.RegisterMaintenance(jobs, scheduler.MaintenanceDeps{
		Agents:     agentRegistry,
		DeadLetter: deadLetter,
		Limiter:    limiter,
	}, logger.Printf("scheduler")); err != nil {
		return nil, err
	}

	c := &Container{
		Config:        cfg,
		Observability: obsConfig,
		Logger:        logger,
		Recorder:      recorder,
		Metrics:       metrics,
		Tracer:        tracer,
		Agents:        agentRegistry,
		Limiter:       limiter,
		Breakers:      breakers,
		Supervisor:    children,
		Compensations: compensations,
		DeadLetter:    deadLetter,
		Tasks:         taskRegistry,
		Dispatcher:    dispatcher,
		Projects:      projects,
		Workflow:      flowEngine,
		Scheduler:     jobs,
		Lifecycle:     coordinator,
		Tools:         toolDispatcher,
		Server:        server,
	}
	c.registerCleanups()
	return c, nil
}

// Start launches the background machinery: workers, dead-letter replay and
// the maintenance scheduler. The HTTP server is left to the caller, which
// typically blocks on it. The metrics scrape endpoint is already up; the
// collector starts it at construction.
func (c *Container) Start(ctx context.Context) {
	c.Dispatcher.Start(ctx)
	c.DeadLetter.StartAutoRetry(ctx)
	c.Scheduler.Start(ctx)
}

// registerCleanups orders the teardown: stop taking requests, drain workers,
// reap children, then flush state and the telemetry pipeline.
func (c *Container) registerCleanups() {
	c.Lifecycle.RegisterCleanup("http-server", c.Server.Shutdown)
	c.Lifecycle.RegisterCleanup("dispatcher", c.Dispatcher.Stop)
	c.Lifecycle.RegisterCleanup("supervisor", func(ctx context.Context) error {
		if pids := c.Supervisor.KillAll(); len(pids) > 0 {
			c.Logger.WarnContext(ctx, "killed orphaned children at shutdown", "pids", pids)
		}
		return nil
	})
	c.Lifecycle.RegisterCleanup("dead-letter-queue", func(context.Context) error {
		c.DeadLetter.Stop()
		return nil
	})
	c.Lifecycle.RegisterCleanup("scheduler", func(context.Context) error {
		c.Scheduler.Stop()
		return nil
	})
	if c.Metrics != nil {
		c.Lifecycle.RegisterCleanup("metrics", c.Metrics.Shutdown)
	}
	c.Lifecycle.RegisterCleanup("tracer", c.Tracer.Shutdown)
}

// GetStorageDir retrieves a storage directory from the environment or
// returns the default.
func GetStorageDir(envVar, defaultPath string) string {
	if dir := os.Getenv(envVar); dir != "" {
		return dir
	}
	return defaultPath
}

// resolveStorageDir expands ~ and environment variables in a storage path.
func resolveStorageDir(configured, defaultPath string) string {
	path := configured
	if path == "" {
		path = defaultPath
	}
	if path == "" {
		return path
	}

	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err == nil {
			switch {
			case len(path) == 1:
				path = home
			case path[1] == '/':
				path = filepath.Join(home, path[2:])
			default:
				path = filepath.Join(home, path[1:])
			}
		}
	}
	return os.ExpandEnv(path)
}
