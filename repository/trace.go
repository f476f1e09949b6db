package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/BaSui01/crewflow/models"
	"github.com/BaSui01/crewflow/types"
)

// PageFilter is shared by the trace and log listings.
type PageFilter struct {
	Limit  int
	Offset int
}

func (p PageFilter) apply(q *gorm.DB) *gorm.DB {
	if p.Limit > 0 {
		q = q.Limit(p.Limit)
	}
	if p.Offset > 0 {
		q = q.Offset(p.Offset)
	}
	return q
}

// TraceRepository persists execution trace events.
type TraceRepository struct {
	db *gorm.DB
}

func NewTraceRepository(db *gorm.DB) *TraceRepository {
	return &TraceRepository{db: db}
}

// CreateBatch inserts a batch of trace rows in one statement. An empty
// batch is a no-op.
func (r *TraceRepository) CreateBatch(ctx context.Context, traces []models.ExecutionTrace) error {
	if len(traces) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Create(&traces).Error; err != nil {
		return types.NewError(types.ErrPersistence, "insert trace batch").WithCause(err)
	}
	return nil
}

// ListByJobID returns trace events for one run in insertion order.
func (r *TraceRepository) ListByJobID(ctx context.Context, jobID string, page PageFilter) ([]models.ExecutionTrace, error) {
	var out []models.ExecutionTrace
	q := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).Order("created_at ASC, id ASC")
	if err := page.apply(q).Find(&out).Error; err != nil {
		return nil, types.NewError(types.ErrPersistence, "list traces").WithCause(err)
	}
	return out, nil
}

// CountByJobID reports how many trace rows a run has.
func (r *TraceRepository) CountByJobID(ctx context.Context, jobID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.ExecutionTrace{}).
		Where("job_id = ?", jobID).Count(&count).Error
	if err != nil {
		return 0, types.NewError(types.ErrPersistence, "count traces").WithCause(err)
	}
	return count, nil
}

// DeleteByJobID removes all trace rows for one run.
func (r *TraceRepository) DeleteByJobID(ctx context.Context, jobID string) error {
	err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).Delete(&models.ExecutionTrace{}).Error
	if err != nil {
		return types.NewError(types.ErrPersistence, "delete traces").WithCause(err)
	}
	return nil
}

// LogRepository persists execution log lines.
type LogRepository struct {
	db *gorm.DB
}

func NewLogRepository(db *gorm.DB) *LogRepository {
	return &LogRepository{db: db}
}

// CreateBatch inserts a batch of log lines in one statement.
func (r *LogRepository) CreateBatch(ctx context.Context, logs []models.ExecutionLog) error {
	if len(logs) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Create(&logs).Error; err != nil {
		return types.NewError(types.ErrPersistence, "insert log batch").WithCause(err)
	}
	return nil
}

// ListByJobID returns log lines for one run in timestamp order.
func (r *LogRepository) ListByJobID(ctx context.Context, jobID string, page PageFilter) ([]models.ExecutionLog, error) {
	var out []models.ExecutionLog
	q := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).Order("timestamp ASC, id ASC")
	if err := page.apply(q).Find(&out).Error; err != nil {
		return nil, types.NewError(types.ErrPersistence, "list logs").WithCause(err)
	}
	return out, nil
}

// DeleteByJobID removes all log lines for one run.
func (r *LogRepository) DeleteByJobID(ctx context.Context, jobID string) error {
	err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).Delete(&models.ExecutionLog{}).Error
	if err != nil {
		return types.NewError(types.ErrPersistence, "delete logs").WithCause(err)
	}
	return nil
}
