package execution

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/crewflow/engine"
	"github.com/BaSui01/crewflow/models"
	"github.com/BaSui01/crewflow/repository"
)

// TaskTracker mirrors engine task events into per-task status rows.
// Creation is idempotent, so restarted tasks keep their original start
// time and agent.
type TaskTracker struct {
	execs  *repository.ExecutionRepository
	logger *zap.Logger
}

func NewTaskTracker(execs *repository.ExecutionRepository, logger *zap.Logger) *TaskTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TaskTracker{
		execs:  execs,
		logger: logger.With(zap.String("component", "task_tracker")),
	}
}

// Attach subscribes the tracker to an emitter. Listener callbacks must
// not block, so writes happen on short-lived goroutines.
func (t *TaskTracker) Attach(emitter *engine.Emitter) {
	emitter.Subscribe(func(ev engine.Event) {
		switch ev.Type {
		case engine.EventTaskStarted:
			go t.taskStarted(ev)
		case engine.EventTaskCompleted:
			go t.taskCompleted(ev)
		}
	})
}

func (t *TaskTracker) taskStarted(ev engine.Event) {
	if ev.JobID == "" || ev.Source == "" {
		return
	}
	ts := &models.TaskStatusRecord{
		JobID:     ev.JobID,
		TaskID:    ev.Source,
		Status:    models.TaskStateRunning,
		AgentName: ev.Context,
		StartedAt: ev.Timestamp,
	}
	if err := t.execs.CreateTaskStatus(context.Background(), ts); err != nil {
		t.logger.Warn("task status create failed",
			zap.String("job_id", ev.JobID),
			zap.String("task_id", ev.Source),
			zap.Error(err))
	}
}

func (t *TaskTracker) taskCompleted(ev engine.Event) {
	if ev.JobID == "" || ev.Source == "" {
		return
	}
	if err := t.execs.UpdateTaskStatus(context.Background(), ev.JobID, ev.Source, models.TaskStateCompleted); err != nil {
		t.logger.Warn("task status update failed",
			zap.String("job_id", ev.JobID),
			zap.String("task_id", ev.Source),
			zap.Error(err))
	}
}
