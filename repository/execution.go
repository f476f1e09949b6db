package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/crewflow/models"
	"github.com/BaSui01/crewflow/types"
)

// ExecutionFilter narrows List queries. Zero values mean "no filter".
type ExecutionFilter struct {
	Status        types.ExecutionStatus
	ExecutionType types.ExecutionType
	Limit         int
	Offset        int
}

// ExecutionRepository persists execution records, per-task statuses and
// error traces.
type ExecutionRepository struct {
	db *gorm.DB
}

func NewExecutionRepository(db *gorm.DB) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

// Create inserts a new execution record. The job_id unique index makes
// duplicate submissions fail fast.
func (r *ExecutionRepository) Create(ctx context.Context, rec *models.ExecutionRecord) error {
	if rec.JobID == "" {
		return types.NewError(types.ErrInvalidRequest, "job_id is required")
	}
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return types.NewError(types.ErrInvalidRequest,
				fmt.Sprintf("execution %s already exists", rec.JobID)).WithCause(err)
		}
		return types.NewError(types.ErrPersistence, "create execution").WithCause(err)
	}
	return nil
}

// GetByJobID loads a single execution by its external job identifier.
func (r *ExecutionRepository) GetByJobID(ctx context.Context, jobID string) (*models.ExecutionRecord, error) {
	var rec models.ExecutionRecord
	err := r.db.WithContext(ctx).Where("job_id = ?", jobID).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.NewError(types.ErrNotFound,
				fmt.Sprintf("execution %s not found", jobID))
		}
		return nil, types.NewError(types.ErrPersistence, "load execution").WithCause(err)
	}
	return &rec, nil
}

// Exists reports whether an execution with the given job_id is stored.
func (r *ExecutionRepository) Exists(ctx context.Context, jobID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.ExecutionRecord{}).
		Where("job_id = ?", jobID).Count(&count).Error
	if err != nil {
		return false, types.NewError(types.ErrPersistence, "check execution").WithCause(err)
	}
	return count > 0, nil
}

// List returns executions newest-first, optionally filtered by status
// and type.
func (r *ExecutionRepository) List(ctx context.Context, filter ExecutionFilter) ([]models.ExecutionRecord, error) {
	q := r.db.WithContext(ctx).Model(&models.ExecutionRecord{}).Order("created_at DESC")
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.ExecutionType != "" {
		q = q.Where("execution_type = ?", filter.ExecutionType)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}
	var recs []models.ExecutionRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, types.NewError(types.ErrPersistence, "list executions").WithCause(err)
	}
	return recs, nil
}

// UpdateStatus moves an execution to newStatus, enforcing the forward-only
// lifecycle. Terminal statuses also stamp completed_at; non-terminal ones
// never do. The read-check-write runs in one transaction so concurrent
// writers cannot race past the transition table.
func (r *ExecutionRepository) UpdateStatus(ctx context.Context, jobID string, newStatus types.ExecutionStatus, errMsg string) error {
	if !newStatus.IsValid() {
		return types.NewError(types.ErrInvalidRequest,
			fmt.Sprintf("invalid execution status %q", newStatus))
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec models.ExecutionRecord
		err := tx.Where("job_id = ?", jobID).First(&rec).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return types.NewError(types.ErrNotFound,
					fmt.Sprintf("execution %s not found", jobID))
			}
			return types.NewError(types.ErrPersistence, "load execution for status update").WithCause(err)
		}
		if rec.Status == newStatus && newStatus.IsTerminal() {
			// A late duplicate write of the same terminal status is a
			// no-op, not an error.
			return nil
		}
		if !rec.Status.CanTransition(newStatus) {
			return types.NewError(types.ErrInvalidRequest,
				fmt.Sprintf("cannot transition execution %s from %s to %s", jobID, rec.Status, newStatus))
		}
		updates := map[string]any{"status": newStatus}
		if errMsg != "" {
			updates["error"] = errMsg
		}
		if newStatus.IsTerminal() {
			now := time.Now().UTC()
			updates["completed_at"] = &now
		}
		if err := tx.Model(&rec).Updates(updates).Error; err != nil {
			return types.NewError(types.ErrPersistence, "update execution status").WithCause(err)
		}
		return nil
	})
}

// SetResult stores the engine output for a finished run.
func (r *ExecutionRepository) SetResult(ctx context.Context, jobID string, result []byte) error {
	res := r.db.WithContext(ctx).Model(&models.ExecutionRecord{}).
		Where("job_id = ?", jobID).Update("result", result)
	if res.Error != nil {
		return types.NewError(types.ErrPersistence, "store execution result").WithCause(res.Error)
	}
	if res.RowsAffected == 0 {
		return types.NewError(types.ErrNotFound,
			fmt.Sprintf("execution %s not found", jobID))
	}
	return nil
}

// Delete removes an execution and everything keyed to its job_id in one
// transaction. Deleting an unknown job_id is a not-found error.
func (r *ExecutionRepository) Delete(ctx context.Context, jobID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("job_id = ?", jobID).Delete(&models.ExecutionRecord{})
		if res.Error != nil {
			return types.NewError(types.ErrPersistence, "delete execution").WithCause(res.Error)
		}
		if res.RowsAffected == 0 {
			return types.NewError(types.ErrNotFound,
				fmt.Sprintf("execution %s not found", jobID))
		}
		for _, m := range []any{
			&models.TaskStatusRecord{},
			&models.ErrorTrace{},
			&models.ExecutionTrace{},
			&models.ExecutionLog{},
		} {
			if err := tx.Where("job_id = ?", jobID).Delete(m).Error; err != nil {
				return types.NewError(types.ErrPersistence, "delete execution children").WithCause(err)
			}
		}
		return nil
	})
}

// CreateTaskStatus records a task as running. The (job_id, task_id)
// unique index plus ON CONFLICT DO NOTHING makes repeated creates
// idempotent: the first write wins and later ones are silently ignored.
func (r *ExecutionRepository) CreateTaskStatus(ctx context.Context, ts *models.TaskStatusRecord) error {
	if ts.Status == "" {
		ts.Status = models.TaskStateRunning
	}
	if ts.StartedAt.IsZero() {
		ts.StartedAt = time.Now().UTC()
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "job_id"}, {Name: "task_id"}},
			DoNothing: true,
		}).
		Create(ts).Error
	if err != nil {
		return types.NewError(types.ErrPersistence, "create task status").WithCause(err)
	}
	return nil
}

// UpdateTaskStatus marks a task finished. Completed/failed states stamp
// completed_at.
func (r *ExecutionRepository) UpdateTaskStatus(ctx context.Context, jobID, taskID, status string) error {
	updates := map[string]any{"status": status}
	if status == models.TaskStateCompleted || status == models.TaskStateFailed {
		now := time.Now().UTC()
		updates["completed_at"] = &now
	}
	res := r.db.WithContext(ctx).Model(&models.TaskStatusRecord{}).
		Where("job_id = ? AND task_id = ?", jobID, taskID).
		Updates(updates)
	if res.Error != nil {
		return types.NewError(types.ErrPersistence, "update task status").WithCause(res.Error)
	}
	if res.RowsAffected == 0 {
		return types.NewError(types.ErrNotFound,
			fmt.Sprintf("task %s/%s not found", jobID, taskID))
	}
	return nil
}

// ListTaskStatuses returns the per-task progress for one run, oldest
// first.
func (r *ExecutionRepository) ListTaskStatuses(ctx context.Context, jobID string) ([]models.TaskStatusRecord, error) {
	var out []models.TaskStatusRecord
	err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).Order("started_at ASC").Find(&out).Error
	if err != nil {
		return nil, types.NewError(types.ErrPersistence, "list task statuses").WithCause(err)
	}
	return out, nil
}

// CreateErrorTrace appends a structured failure record for a run.
func (r *ExecutionRepository) CreateErrorTrace(ctx context.Context, et *models.ErrorTrace) error {
	if et.Timestamp.IsZero() {
		et.Timestamp = time.Now().UTC()
	}
	if err := r.db.WithContext(ctx).Create(et).Error; err != nil {
		return types.NewError(types.ErrPersistence, "create error trace").WithCause(err)
	}
	return nil
}

// ListErrorTraces returns the failure records for one run, oldest first.
func (r *ExecutionRepository) ListErrorTraces(ctx context.Context, jobID string) ([]models.ErrorTrace, error) {
	var out []models.ErrorTrace
	err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).Order("timestamp ASC").Find(&out).Error
	if err != nil {
		return nil, types.NewError(types.ErrPersistence, "list error traces").WithCause(err)
	}
	return out, nil
}
