package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/crewflow/api/handlers"
	"github.com/BaSui01/crewflow/config"
	"github.com/BaSui01/crewflow/engine"
	"github.com/BaSui01/crewflow/events"
	"github.com/BaSui01/crewflow/execution"
	"github.com/BaSui01/crewflow/flow"
	"github.com/BaSui01/crewflow/internal/cache"
	"github.com/BaSui01/crewflow/internal/database"
	"github.com/BaSui01/crewflow/internal/metrics"
	"github.com/BaSui01/crewflow/internal/server"
	"github.com/BaSui01/crewflow/internal/telemetry"
	"github.com/BaSui01/crewflow/models"
	"github.com/BaSui01/crewflow/repository"
	"github.com/BaSui01/crewflow/stream"
)

// Server assembles the crewflow backend: database, repositories, the
// execution service, event pipelines, the stream hub and the HTTP surface.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	httpManager    *server.Manager
	metricsManager *server.Manager

	db        *gorm.DB
	pool      *database.PoolManager
	cacheMgr  *cache.Manager
	telemetry *telemetry.Providers

	eventManager *events.Manager
	execService  *execution.Service

	metricsCollector *metrics.Collector

	executionHandler  *handlers.ExecutionHandler
	definitionHandler *handlers.DefinitionHandler
	streamHandler     *handlers.StreamHandler
	healthHandler     *handlers.HealthHandler

	rateLimiterCancel context.CancelFunc
	poolStatsStop     chan struct{}
}

// NewServer creates a server from a validated config.
func NewServer(cfg *config.Config, logger *zap.Logger) *Server {
	return &Server{
		cfg:           cfg,
		logger:        logger,
		poolStatsStop: make(chan struct{}),
	}
}

// Start initializes every component and starts the HTTP and metrics
// listeners. It does not block.
func (s *Server) Start() error {
	s.metricsCollector = metrics.NewCollector("crewflow", s.logger)

	providers, err := telemetry.Init(s.cfg.Telemetry, s.logger)
	if err != nil {
		return fmt.Errorf("failed to init telemetry: %w", err)
	}
	s.telemetry = providers

	if err := s.initStorage(); err != nil {
		return fmt.Errorf("failed to init storage: %w", err)
	}

	if err := s.initServices(); err != nil {
		return fmt.Errorf("failed to init services: %w", err)
	}

	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("all servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
	)

	return nil
}

// initStorage opens the database behind the pool manager, runs
// auto-migration and connects the optional Redis status cache.
func (s *Server) initStorage() error {
	pool, err := database.OpenPool(s.cfg.Database, s.logger)
	if err != nil {
		return err
	}
	s.pool = pool
	s.db = pool.DB()
	if err := s.db.AutoMigrate(models.AllModels()...); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	go s.publishPoolStats()

	if s.cfg.Redis.Addr != "" {
		mgr, err := cache.NewManager(cache.Config{
			Addr:         s.cfg.Redis.Addr,
			Password:     s.cfg.Redis.Password,
			DB:           s.cfg.Redis.DB,
			PoolSize:     s.cfg.Redis.PoolSize,
			MinIdleConns: s.cfg.Redis.MinIdleConns,
		}, s.logger)
		if err != nil {
			// The status cache is an accelerator, not a dependency.
			s.logger.Warn("redis unavailable, status cache disabled", zap.Error(err))
		} else {
			s.cacheMgr = mgr
		}
	}

	return nil
}

// publishPoolStats feeds the collector's connection gauges from the
// pool until shutdown.
func (s *Server) publishPoolStats() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.poolStatsStop:
			return
		case <-ticker.C:
			stats := s.pool.Stats()
			s.metricsCollector.RecordDBConnections(s.cfg.Database.Driver,
				stats.OpenConnections, stats.Idle)
		}
	}
}

// initServices wires the engine, event pipelines, stream hub, execution
// service and HTTP handlers.
func (s *Server) initServices() error {
	execs := repository.NewExecutionRepository(s.db)
	flowExecs := repository.NewFlowExecutionRepository(s.db)
	defs := repository.NewDefinitionRepository(s.db)
	traces := repository.NewTraceRepository(s.db)
	logs := repository.NewLogRepository(s.db)

	hub := stream.NewHub(s.metricsCollector, s.logger)

	emitter := engine.NewEmitter()
	eng := engine.NewStubEngine(emitter, s.logger)

	s.eventManager = events.NewManager(s.cfg.Events, execs, traces, logs,
		s.metricsCollector, s.logger, events.WithLogSink(hub))
	s.eventManager.Start()
	s.eventManager.Attach(emitter)

	execution.NewTaskTracker(execs, s.logger).Attach(emitter)

	var statusCache *cache.StatusCache
	if s.cacheMgr != nil {
		statusCache = cache.NewStatusCache(s.cacheMgr, s.cfg.Redis.StatusTTL)
	}

	s.execService = execution.NewService(execution.Options{
		Config:         s.cfg.Execution,
		Executions:     execs,
		FlowExecutions: flowExecs,
		Definitions:    defs,
		Engine:         eng,
		Compiler:       flow.NewCompiler(defs, s.logger),
		Events:         s.eventManager,
		Hub:            hub,
		StatusCache:    statusCache,
		Collector:      s.metricsCollector,
		Logger:         s.logger,
	})

	s.executionHandler = handlers.NewExecutionHandler(s.execService, execs, traces, logs, s.logger)
	s.definitionHandler = handlers.NewDefinitionHandler(defs, s.logger)
	s.streamHandler = handlers.NewStreamHandler(hub, logs, s.logger)

	s.healthHandler = handlers.NewHealthHandler(s.logger)
	s.healthHandler.RegisterCheck(handlers.NewDatabaseHealthCheck("database", s.pool.Ping))
	if s.cacheMgr != nil {
		s.healthHandler.RegisterCheck(handlers.NewRedisHealthCheck("redis", s.cacheMgr.Ping))
	}

	return nil
}

func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.healthHandler.HandleHealth)
	mux.HandleFunc("/healthz", s.healthHandler.HandleHealthz)
	mux.HandleFunc("/ready", s.healthHandler.HandleReady)
	mux.HandleFunc("/readyz", s.healthHandler.HandleReady)
	mux.HandleFunc("/version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	mux.HandleFunc("POST /api/v1/executions/crew", s.executionHandler.HandleSubmitCrew)
	mux.HandleFunc("POST /api/v1/executions/flow", s.executionHandler.HandleSubmitFlow)
	mux.HandleFunc("GET /api/v1/executions", s.executionHandler.HandleList)
	mux.HandleFunc("/api/v1/executions/{job_id}", s.executionHandler.HandleExecution)
	mux.HandleFunc("POST /api/v1/executions/{job_id}/cancel", s.executionHandler.HandleCancel)
	mux.HandleFunc("GET /api/v1/executions/{job_id}/tasks", s.executionHandler.HandleTasks)
	mux.HandleFunc("GET /api/v1/executions/{job_id}/errors", s.executionHandler.HandleErrors)
	mux.HandleFunc("GET /api/v1/executions/{job_id}/traces", s.executionHandler.HandleTraces)
	mux.HandleFunc("GET /api/v1/executions/{job_id}/logs", s.executionHandler.HandleLogs)
	mux.HandleFunc("GET /api/v1/executions/{job_id}/stream", s.streamHandler.HandleStream)

	mux.HandleFunc("/api/v1/agents", s.definitionHandler.HandleAgents)
	mux.HandleFunc("/api/v1/agents/{id}", s.definitionHandler.HandleAgent)
	mux.HandleFunc("/api/v1/tasks", s.definitionHandler.HandleTasks)
	mux.HandleFunc("/api/v1/tasks/{id}", s.definitionHandler.HandleTask)
	mux.HandleFunc("/api/v1/flows", s.definitionHandler.HandleFlows)
	mux.HandleFunc("/api/v1/flows/{id}", s.definitionHandler.HandleFlow)

	skipAuthPaths := []string{"/health", "/healthz", "/ready", "/readyz", "/version", "/metrics"}
	rateLimiterCtx, rateLimiterCancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = rateLimiterCancel

	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.metricsCollector),
		OTelTracing(),
		CORS(s.cfg.Server.CORSAllowedOrigins),
		RateLimiter(rateLimiterCtx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger),
	}
	if len(s.cfg.Server.APIKeys) > 0 {
		middlewares = append(middlewares, APIKeyAuth(s.cfg.Server.APIKeys, skipAuthPaths, s.logger))
	}
	handler := Chain(mux, middlewares...)

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)
	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)
	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// WaitForShutdown blocks until SIGINT or SIGTERM, then shuts down.
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown stops listeners first so no new work arrives, then drains the
// event pipelines and closes external connections.
func (s *Server) Shutdown() {
	s.logger.Info("starting graceful shutdown")

	ctx := context.Background()

	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}

	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("metrics server shutdown error", zap.Error(err))
		}
	}

	if s.eventManager != nil {
		s.eventManager.Stop()
	}

	if s.poolStatsStop != nil {
		close(s.poolStatsStop)
		s.poolStatsStop = nil
	}
	if s.pool != nil {
		if err := s.pool.Close(); err != nil {
			s.logger.Error("database pool shutdown error", zap.Error(err))
		}
	}

	if s.cacheMgr != nil {
		if err := s.cacheMgr.Close(); err != nil {
			s.logger.Error("cache shutdown error", zap.Error(err))
		}
	}

	if s.telemetry != nil {
		if err := s.telemetry.Shutdown(ctx); err != nil {
			s.logger.Error("telemetry shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("graceful shutdown completed")
}
