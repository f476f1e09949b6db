package events

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/crewflow/config"
	"github.com/BaSui01/crewflow/internal/metrics"
	"github.com/BaSui01/crewflow/models"
	"github.com/BaSui01/crewflow/types"
)

// executionStore is the slice of the execution repository the trace
// writer needs to confirm or auto-create parent runs.
type executionStore interface {
	Exists(ctx context.Context, jobID string) (bool, error)
	Create(ctx context.Context, rec *models.ExecutionRecord) error
}

type traceStore interface {
	CreateBatch(ctx context.Context, traces []models.ExecutionTrace) error
}

type logStore interface {
	CreateBatch(ctx context.Context, logs []models.ExecutionLog) error
}

// TraceWriter drains the trace queue in the background, confirming each
// event's parent run exists (creating a minimal running record when it
// doesn't) and writing events to the store in small batches.
type TraceWriter struct {
	cfg       config.EventsConfig
	queue     *Queue[types.TraceEvent]
	parents   *runConfirmer
	traces    traceStore
	collector *metrics.Collector
	logger    *zap.Logger
}

func NewTraceWriter(cfg config.EventsConfig, queue *Queue[types.TraceEvent], execs executionStore, traces traceStore, collector *metrics.Collector, logger *zap.Logger) *TraceWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TraceWriter{
		cfg:       cfg,
		queue:     queue,
		parents:   newRunConfirmer(execs, collector, logger),
		traces:    traces,
		collector: collector,
		logger:    logger.With(zap.String("component", "trace_writer")),
	}
}

// run drains the queue until it is closed and empty, or ctx is
// cancelled. The manager owns the goroutine.
func (w *TraceWriter) run(ctx context.Context) {
	batch := make([]models.ExecutionTrace, 0, w.cfg.BatchSize)
	for {
		ev, ok, closed := w.queue.Dequeue(ctx, w.cfg.DequeueTimeout)
		if w.collector != nil {
			w.collector.SetQueueDepth("trace", w.queue.Len())
		}
		switch {
		case closed:
			w.flush(ctx, &batch)
			return
		case ctx.Err() != nil:
			w.flush(ctx, &batch)
			return
		case ok:
			if rec, keep := w.prepare(ctx, ev); keep {
				batch = append(batch, rec)
			}
			if len(batch) >= w.cfg.BatchSize {
				w.flush(ctx, &batch)
			}
		case len(batch) > 0:
			// Dequeue timed out with work pending: write what we have.
			w.flush(ctx, &batch)
		default:
			if err := sleepCtx(ctx, w.cfg.IdleSleep); err != nil {
				return
			}
		}
	}
}

// prepare validates one event and resolves its parent run. Returns
// keep=false for events that should be skipped.
func (w *TraceWriter) prepare(ctx context.Context, ev types.TraceEvent) (models.ExecutionTrace, bool) {
	if ev.JobID == "" {
		w.logger.Warn("trace event without job id skipped",
			zap.String("event_type", string(ev.EventType)))
		return models.ExecutionTrace{}, false
	}
	if !ev.EventType.Recordable() {
		w.logger.Debug("trace event type not recordable, skipped",
			zap.String("job_id", ev.JobID),
			zap.String("event_type", string(ev.EventType)))
		return models.ExecutionTrace{}, false
	}
	if err := w.parents.ensure(ctx, ev.JobID, string(ev.EventType)); err != nil {
		w.logger.Warn("could not confirm parent run, trace skipped",
			zap.String("job_id", ev.JobID), zap.Error(err))
		return models.ExecutionTrace{}, false
	}

	var extra []byte
	if len(ev.Extra) > 0 {
		data, err := json.Marshal(ev.Extra)
		if err != nil {
			w.logger.Warn("trace extra data not serializable, dropped field",
				zap.String("job_id", ev.JobID), zap.Error(err))
		} else {
			extra = data
		}
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return models.ExecutionTrace{
		JobID:        ev.JobID,
		EventType:    string(ev.EventType),
		EventSource:  ev.EventSource,
		EventContext: ev.EventContext,
		Output:       ev.Output,
		ExtraData:    extra,
		CreatedAt:    ts,
	}, true
}

// flush writes the pending batch. On batch failure each item is retried
// individually so one bad row cannot sink its neighbors.
func (w *TraceWriter) flush(ctx context.Context, batch *[]models.ExecutionTrace) {
	if len(*batch) == 0 {
		return
	}
	items := *batch
	*batch = (*batch)[:0]

	start := time.Now()
	err := w.traces.CreateBatch(ctx, items)
	if w.collector != nil {
		w.collector.RecordBatchFlush("trace", time.Since(start))
	}
	if err == nil {
		if w.collector != nil {
			w.collector.RecordWritten("trace", len(items))
		}
		return
	}

	w.logger.Warn("trace batch insert failed, retrying per item",
		zap.Int("batch_size", len(items)), zap.Error(err))
	written := 0
	for i := range items {
		if err := w.traces.CreateBatch(ctx, items[i:i+1]); err != nil {
			w.logger.Error("trace item dropped after retry",
				zap.String("job_id", items[i].JobID),
				zap.String("event_type", items[i].EventType),
				zap.Error(err))
			continue
		}
		written++
	}
	if w.collector != nil && written > 0 {
		w.collector.RecordWritten("trace", written)
	}
}

// sleepCtx waits d unless ctx ends first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
