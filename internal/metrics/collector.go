// Package metrics provides internal Prometheus metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector owns every Prometheus metric of the backend. Construct one per
// process; pass a dedicated Registerer in tests to avoid duplicate
// registration panics.
type Collector struct {
	// HTTP
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Execution lifecycle
	executionsTotal     *prometheus.CounterVec
	executionDuration   *prometheus.HistogramVec
	executionRetries    *prometheus.CounterVec
	statusTransitions   *prometheus.CounterVec
	executionsInFlight  prometheus.Gauge
	executionsCancelled prometheus.Counter

	// Event pipelines
	eventsEnqueued    *prometheus.CounterVec
	eventsDropped     *prometheus.CounterVec
	eventsWritten     *prometheus.CounterVec
	queueDepth        *prometheus.GaugeVec
	batchFlushSeconds *prometheus.HistogramVec
	autoCreatedRuns   prometheus.Counter

	// Streaming
	wsConnections prometheus.Gauge

	// Cache
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	// Database
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector registers all metrics under namespace on the default
// registry.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	return NewCollectorWithRegisterer(namespace, prometheus.DefaultRegisterer, logger)
}

// NewCollectorWithRegisterer registers all metrics on reg.
func NewCollectorWithRegisterer(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.executionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Total number of executions by type and final status",
		},
		[]string{"execution_type", "status"},
	)

	c.executionDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Execution duration in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"execution_type"},
	)

	c.executionRetries = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "execution_retries_total",
			Help:      "Total number of transient-failure retries",
		},
		[]string{"reason"},
	)

	c.statusTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "execution_status_transitions_total",
			Help:      "Total number of execution status transitions",
		},
		[]string{"from_status", "to_status"},
	)

	c.executionsInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "executions_in_flight",
			Help:      "Number of executions currently running",
		},
	)

	c.executionsCancelled = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_cancelled_total",
			Help:      "Total number of cancelled executions",
		},
	)

	c.eventsEnqueued = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_enqueued_total",
			Help:      "Total number of events accepted by a pipeline queue",
		},
		[]string{"pipeline"},
	)

	c.eventsDropped = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Total number of events dropped because a pipeline queue was full",
		},
		[]string{"pipeline"},
	)

	c.eventsWritten = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_written_total",
			Help:      "Total number of events persisted by pipeline writers",
		},
		[]string{"pipeline"},
	)

	c.queueDepth = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_queue_depth",
			Help:      "Current depth of a pipeline queue",
		},
		[]string{"pipeline"},
	)

	c.batchFlushSeconds = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_batch_flush_duration_seconds",
			Help:      "Duration of pipeline batch writes",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"pipeline"},
	)

	c.autoCreatedRuns = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auto_created_runs_total",
			Help:      "Total number of parent runs auto-created by the trace pipeline",
		},
	)

	c.wsConnections = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_connections",
			Help:      "Number of active websocket subscribers",
		},
	)

	c.cacheHits = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	c.cacheMisses = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	c.dbConnectionsOpen = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// RecordHTTPRequest records one served request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordExecution records a finished execution with its terminal status.
func (c *Collector) RecordExecution(executionType, status string, duration time.Duration) {
	c.executionsTotal.WithLabelValues(executionType, status).Inc()
	c.executionDuration.WithLabelValues(executionType).Observe(duration.Seconds())
}

// RecordRetry counts one retry attempt by classified reason.
func (c *Collector) RecordRetry(reason string) {
	c.executionRetries.WithLabelValues(reason).Inc()
}

// RecordStatusTransition counts a lifecycle edge.
func (c *Collector) RecordStatusTransition(from, to string) {
	c.statusTransitions.WithLabelValues(from, to).Inc()
}

// ExecutionStarted / ExecutionFinished track the in-flight gauge.
func (c *Collector) ExecutionStarted()  { c.executionsInFlight.Inc() }
func (c *Collector) ExecutionFinished() { c.executionsInFlight.Dec() }

// RecordCancellation counts one cancelled run.
func (c *Collector) RecordCancellation() { c.executionsCancelled.Inc() }

// RecordEnqueue counts an accepted pipeline event.
func (c *Collector) RecordEnqueue(pipeline string) {
	c.eventsEnqueued.WithLabelValues(pipeline).Inc()
}

// RecordDrop counts an event rejected by a full queue.
func (c *Collector) RecordDrop(pipeline string) {
	c.eventsDropped.WithLabelValues(pipeline).Inc()
}

// RecordWritten counts persisted events.
func (c *Collector) RecordWritten(pipeline string, n int) {
	c.eventsWritten.WithLabelValues(pipeline).Add(float64(n))
}

// SetQueueDepth publishes the current queue depth.
func (c *Collector) SetQueueDepth(pipeline string, depth int) {
	c.queueDepth.WithLabelValues(pipeline).Set(float64(depth))
}

// RecordBatchFlush records one batch write.
func (c *Collector) RecordBatchFlush(pipeline string, duration time.Duration) {
	c.batchFlushSeconds.WithLabelValues(pipeline).Observe(duration.Seconds())
}

// RecordAutoCreatedRun counts a parent run created for an unknown job.
func (c *Collector) RecordAutoCreatedRun() { c.autoCreatedRuns.Inc() }

// WSConnected / WSDisconnected track websocket subscribers.
func (c *Collector) WSConnected()    { c.wsConnections.Inc() }
func (c *Collector) WSDisconnected() { c.wsConnections.Dec() }

// RecordCacheHit counts a cache hit.
func (c *Collector) RecordCacheHit(cacheType string) {
	c.cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss counts a cache miss.
func (c *Collector) RecordCacheMiss(cacheType string) {
	c.cacheMisses.WithLabelValues(cacheType).Inc()
}

// RecordDBConnections publishes pool gauges.
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
