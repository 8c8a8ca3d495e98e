// Package httpapi exposes the tool surface over HTTP. The adapter decodes
// requests, routes them through the tool dispatcher and translates typed
// errors into the wire envelope; no business rules live here.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"foreman/internal/delivery/server/app"
	"foreman/internal/delivery/server/tools"
	"foreman/internal/domain/task"
	"foreman/internal/lifecycle"
	"foreman/internal/observability"
	"foreman/internal/ratelimit"
)

// Config sizes the HTTP server.
type Config struct {
	Host         string
	Port         int
	EnableCORS   bool
	Debug        bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	return c
}

// Deps are the collaborators the adapter exposes.
type Deps struct {
	Dispatcher *tools.Dispatcher
	Workflow   *app.WorkflowService
	Tasks      *task.Registry
	Limiter    *ratelimit.Limiter
	Lifecycle  *lifecycle.Coordinator
	Logger     *observability.Logger
}

// Server is the gin front of the orchestration core.
type Server struct {
	config     Config
	engine     *gin.Engine
	httpServer *http.Server

	dispatcher *tools.Dispatcher
	workflow   *app.WorkflowService
	tasks      *task.Registry
	limiter    *ratelimit.Limiter
	lifecycle  *lifecycle.Coordinator
	logger     *observability.Logger

	upgrader websocket.Upgrader

	connMu sync.Mutex
	conns  map[*websocket.Conn]struct{}
}

// NewServer builds the engine and its routes. Start must be called to serve.
func NewServer(config Config, deps Deps) *Server {
	config = config.withDefaults()

	if !config.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()

	logger := deps.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Level: "error"})
	}

	s := &Server{
		config:     config,
		engine:     engine,
		dispatcher: deps.Dispatcher,
		workflow:   deps.Workflow,
		tasks:      deps.Tasks,
		limiter:    deps.Limiter,
		lifecycle:  deps.Lifecycle,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]struct{}),
	}

	engine.Use(gin.Recovery())
	engine.Use(s.correlationMiddleware())
	engine.Use(s.requestLogMiddleware())
	if config.EnableCORS {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
		corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Correlation-ID"}
		corsConfig.AllowWebSockets = true
		engine.Use(cors.New(corsConfig))
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:      engine,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.engine.Group("/api")
	api.Use(s.rateLimitMiddleware())

	// Generic tool dispatch plus REST conveniences over the same boundary.
	api.POST("/tools/:tool", s.handleTool)
	api.GET("/tools", s.handleListTools)

	tasks := api.Group("/tasks")
	{
		tasks.POST("", s.handleDelegateTask)
		tasks.GET("", s.handleListTasks)
		tasks.GET("/:id", s.handleTaskStatus)
		tasks.POST("/:id/cancel", s.handleCancelTask)
	}

	api.GET("/workers/stats", s.handleWorkerStats)

	features := api.Group("/features")
	{
		features.POST("", s.handleStartFeature)
		features.POST("/:id/phases", s.handleSubmitWork)
	}

	projects := api.Group("/projects")
	{
		projects.POST("", s.handleRegisterProject)
		projects.GET("", s.handleListProjects)
	}

	api.GET("/health", s.handleHealth)
	api.GET("/events", s.handleEvents)

	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// Addr is the configured listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Handler exposes the engine for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves until Shutdown. It blocks.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown closes the event feed connections and drains the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeEventConnections()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}
