package events

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/crewflow/config"
	"github.com/BaSui01/crewflow/internal/metrics"
	"github.com/BaSui01/crewflow/models"
	"github.com/BaSui01/crewflow/types"
)

// LogWriter drains the log queue in batches. Unlike traces there is no
// allow-list, but a line still only commits once its parent run is
// confirmed or auto-created.
type LogWriter struct {
	cfg       config.EventsConfig
	queue     *Queue[types.LogEntry]
	parents   *runConfirmer
	logs      logStore
	collector *metrics.Collector
	logger    *zap.Logger
}

func NewLogWriter(cfg config.EventsConfig, queue *Queue[types.LogEntry], execs executionStore, logs logStore, collector *metrics.Collector, logger *zap.Logger) *LogWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogWriter{
		cfg:       cfg,
		queue:     queue,
		parents:   newRunConfirmer(execs, collector, logger),
		logs:      logs,
		collector: collector,
		logger:    logger.With(zap.String("component", "log_writer")),
	}
}

func (w *LogWriter) run(ctx context.Context) {
	batch := make([]models.ExecutionLog, 0, w.cfg.BatchSize)
	for {
		entry, ok, closed := w.queue.Dequeue(ctx, w.cfg.DequeueTimeout)
		if w.collector != nil {
			w.collector.SetQueueDepth("log", w.queue.Len())
		}
		switch {
		case closed:
			w.flush(ctx, &batch)
			return
		case ctx.Err() != nil:
			w.flush(ctx, &batch)
			return
		case ok:
			if entry.JobID == "" || entry.Content == "" {
				w.logger.Warn("incomplete log entry skipped",
					zap.String("job_id", entry.JobID))
				continue
			}
			if err := w.parents.ensure(ctx, entry.JobID, "execution log"); err != nil {
				w.logger.Warn("could not confirm parent run, log entry skipped",
					zap.String("job_id", entry.JobID), zap.Error(err))
				continue
			}
			ts := entry.Timestamp
			if ts.IsZero() {
				ts = time.Now().UTC()
			}
			batch = append(batch, models.ExecutionLog{
				JobID:     entry.JobID,
				Content:   entry.Content,
				Timestamp: ts,
			})
			if len(batch) >= w.cfg.BatchSize {
				w.flush(ctx, &batch)
			}
		case len(batch) > 0:
			w.flush(ctx, &batch)
		default:
			if err := sleepCtx(ctx, w.cfg.IdleSleep); err != nil {
				return
			}
		}
	}
}

func (w *LogWriter) flush(ctx context.Context, batch *[]models.ExecutionLog) {
	if len(*batch) == 0 {
		return
	}
	items := *batch
	*batch = (*batch)[:0]

	start := time.Now()
	err := w.logs.CreateBatch(ctx, items)
	if w.collector != nil {
		w.collector.RecordBatchFlush("log", time.Since(start))
	}
	if err == nil {
		if w.collector != nil {
			w.collector.RecordWritten("log", len(items))
		}
		return
	}

	w.logger.Warn("log batch insert failed, retrying per item",
		zap.Int("batch_size", len(items)), zap.Error(err))
	written := 0
	for i := range items {
		if err := w.logs.CreateBatch(ctx, items[i:i+1]); err != nil {
			w.logger.Error("log entry dropped after retry",
				zap.String("job_id", items[i].JobID), zap.Error(err))
			continue
		}
		written++
	}
	if w.collector != nil && written > 0 {
		w.collector.RecordWritten("log", written)
	}
}
