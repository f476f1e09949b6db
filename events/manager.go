package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/crewflow/config"
	"github.com/BaSui01/crewflow/engine"
	"github.com/BaSui01/crewflow/internal/metrics"
	"github.com/BaSui01/crewflow/types"
)

// LogSink receives every accepted log entry as it is enqueued, ahead of
// persistence. The stream hub implements this for live delivery.
type LogSink interface {
	Publish(entry types.LogEntry)
}

// Manager owns the trace and log pipelines: the bounded queues, the two
// background writers and their lifecycle. Writers start lazily on the
// first enqueue; Start is idempotent and Stop waits a bounded time for
// the queues to drain before cancelling the writers outright.
type Manager struct {
	cfg       config.EventsConfig
	traceQ    *Queue[types.TraceEvent]
	logQ      *Queue[types.LogEntry]
	trace     *TraceWriter
	logs      *LogWriter
	collector *metrics.Collector
	logger    *zap.Logger
	limiter   *rate.Limiter
	sink      LogSink

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type ManagerOption func(*Manager)

// WithLogSink mirrors accepted log entries to a live subscriber hub.
func WithLogSink(sink LogSink) ManagerOption {
	return func(m *Manager) { m.sink = sink }
}

func NewManager(cfg config.EventsConfig, execs executionStore, traces traceStore, logs logStore, collector *metrics.Collector, logger *zap.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		cfg:       cfg,
		traceQ:    NewQueue[types.TraceEvent](cfg.QueueCapacity),
		logQ:      NewQueue[types.LogEntry](cfg.QueueCapacity),
		collector: collector,
		logger:    logger.With(zap.String("component", "events_manager")),
	}
	m.trace = NewTraceWriter(cfg, m.traceQ, execs, traces, collector, logger)
	m.logs = NewLogWriter(cfg, m.logQ, execs, logs, collector, logger)
	// One confirmed-job cache across both pipelines.
	m.logs.parents = m.trace.parents
	if cfg.LogRateLimit > 0 {
		m.limiter = rate.NewLimiter(rate.Limit(cfg.LogRateLimit), cfg.LogRateBurst)
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches both writers. Calling it again, or after Stop, is a
// no-op.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || m.stopped {
		return
	}
	m.started = true

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		m.trace.run(ctx)
	}()
	go func() {
		defer m.wg.Done()
		m.logs.run(ctx)
	}()
	m.logger.Info("event pipelines started",
		zap.Int("queue_capacity", m.cfg.QueueCapacity),
		zap.Int("batch_size", m.cfg.BatchSize))
}

// EnqueueTrace offers a trace event to the pipeline. A full queue drops
// the event and bumps the drop counter; callers are never blocked.
func (m *Manager) EnqueueTrace(ev types.TraceEvent) bool {
	m.Start()
	if m.traceQ.TryEnqueue(ev) {
		if m.collector != nil {
			m.collector.RecordEnqueue("trace")
		}
		return true
	}
	if m.collector != nil {
		m.collector.RecordDrop("trace")
	}
	return false
}

// EnqueueLog offers a log line to the pipeline and mirrors it to the
// live sink. The optional rate limiter sheds excess producer volume
// before it reaches the queue.
func (m *Manager) EnqueueLog(entry types.LogEntry) bool {
	m.Start()
	if m.limiter != nil && !m.limiter.Allow() {
		if m.collector != nil {
			m.collector.RecordDrop("log")
		}
		return false
	}
	if m.sink != nil {
		m.sink.Publish(entry)
	}
	if m.logQ.TryEnqueue(entry) {
		if m.collector != nil {
			m.collector.RecordEnqueue("log")
		}
		return true
	}
	if m.collector != nil {
		m.collector.RecordDrop("log")
	}
	return false
}

// Attach subscribes the pipelines to an engine event stream. Every
// engine event becomes a log line; events with a persisted trace type
// also become trace events.
func (m *Manager) Attach(emitter *engine.Emitter) {
	emitter.Subscribe(func(ev engine.Event) {
		m.EnqueueLog(types.LogEntry{
			JobID:     ev.JobID,
			Content:   formatLogLine(ev),
			Timestamp: ev.Timestamp,
		})
		if traceType, ok := ev.Type.TraceType(); ok {
			m.EnqueueTrace(types.TraceEvent{
				JobID:        ev.JobID,
				EventType:    traceType,
				EventSource:  ev.Source,
				EventContext: ev.Context,
				Output:       ev.Output,
				Extra:        ev.Extra,
				Timestamp:    ev.Timestamp,
			})
		}
	})
}

func formatLogLine(ev engine.Event) string {
	if ev.Output != "" {
		return fmt.Sprintf("[%s] %s: %s", ev.Type, ev.Source, ev.Output)
	}
	return fmt.Sprintf("[%s] %s", ev.Type, ev.Source)
}

// Stop closes the queues and waits up to the configured stop timeout
// for the writers to drain, then cancels them. Safe to call more than
// once.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started || m.stopped {
		m.stopped = true
		m.mu.Unlock()
		return
	}
	m.stopped = true
	cancel := m.cancel
	m.mu.Unlock()

	m.traceQ.Close()
	m.logQ.Close()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("event pipelines drained and stopped")
	case <-time.After(m.cfg.StopTimeout):
		m.logger.Warn("event pipelines did not drain in time, cancelling",
			zap.Duration("timeout", m.cfg.StopTimeout))
		cancel()
		<-done
	}
	cancel()
}
