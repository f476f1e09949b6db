// Package crewflow provides a top-level convenience entry point for
// embedding the execution backend in another Go program.
//
// Usage:
//
//	import "github.com/BaSui01/crewflow"
//
//	svc, pipelines, err := crewflow.New(db, crewflow.WithLogger(logger))
//	defer pipelines.Stop()
//	resp, err := svc.SubmitCrew(ctx, execution.CrewRequest{...})
//
// This wires the repositories, stub engine, flow compiler, event
// pipelines and stream hub against an already opened *gorm.DB. Callers
// who need the HTTP surface should run cmd/crewflow instead.
package crewflow

import (
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/crewflow/config"
	"github.com/BaSui01/crewflow/engine"
	"github.com/BaSui01/crewflow/events"
	"github.com/BaSui01/crewflow/execution"
	"github.com/BaSui01/crewflow/flow"
	"github.com/BaSui01/crewflow/internal/metrics"
	"github.com/BaSui01/crewflow/models"
	"github.com/BaSui01/crewflow/repository"
	"github.com/BaSui01/crewflow/stream"
)

// Option configures the service created by [New].
type Option func(*options)

type options struct {
	cfg       config.ExecutionConfig
	eventsCfg config.EventsConfig
	logger    *zap.Logger
	engine    engine.Engine
	emitter   *engine.Emitter
	collector *metrics.Collector
	migrate   bool
}

// WithLogger sets a custom zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithExecutionConfig overrides the execution lifecycle tuning.
func WithExecutionConfig(cfg config.ExecutionConfig) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithEventsConfig overrides the trace and log pipeline tuning.
func WithEventsConfig(cfg config.EventsConfig) Option {
	return func(o *options) { o.eventsCfg = cfg }
}

// WithEngine sets a pre-built execution engine together with the
// emitter it publishes events on. Defaults to the stub engine wired
// to a fresh emitter.
func WithEngine(eng engine.Engine, emitter *engine.Emitter) Option {
	return func(o *options) {
		o.engine = eng
		o.emitter = emitter
	}
}

// WithCollector sets a metrics collector. Defaults to none.
func WithCollector(collector *metrics.Collector) Option {
	return func(o *options) { o.collector = collector }
}

// WithAutoMigrate runs GORM auto-migration for all crewflow models
// before the service is built.
func WithAutoMigrate() Option {
	return func(o *options) { o.migrate = true }
}

// New creates a ready-to-use [execution.Service] on top of db.
// The returned events.Manager owns the trace and log pipelines; call
// its Stop method when shutting down.
func New(db *gorm.DB, opts ...Option) (*execution.Service, *events.Manager, error) {
	o := &options{
		cfg:       config.DefaultExecutionConfig(),
		eventsCfg: config.DefaultEventsConfig(),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.migrate {
		if err := db.AutoMigrate(models.AllModels()...); err != nil {
			return nil, nil, fmt.Errorf("auto-migrate: %w", err)
		}
	}

	execs := repository.NewExecutionRepository(db)
	flowExecs := repository.NewFlowExecutionRepository(db)
	defs := repository.NewDefinitionRepository(db)
	traces := repository.NewTraceRepository(db)
	logs := repository.NewLogRepository(db)

	hub := stream.NewHub(o.collector, o.logger)

	eng := o.engine
	emitter := o.emitter
	if eng == nil {
		emitter = engine.NewEmitter()
		eng = engine.NewStubEngine(emitter, o.logger)
	}

	manager := events.NewManager(o.eventsCfg, execs, traces, logs,
		o.collector, o.logger, events.WithLogSink(hub))
	manager.Start()
	if emitter != nil {
		manager.Attach(emitter)
		execution.NewTaskTracker(execs, o.logger).Attach(emitter)
	}

	svc := execution.NewService(execution.Options{
		Config:         o.cfg,
		Executions:     execs,
		FlowExecutions: flowExecs,
		Definitions:    defs,
		Engine:         eng,
		Compiler:       flow.NewCompiler(defs, o.logger),
		Events:         manager,
		Hub:            hub,
		Collector:      o.collector,
		Logger:         o.logger,
	})

	return svc, manager, nil
}
