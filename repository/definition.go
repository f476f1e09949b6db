package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/BaSui01/crewflow/models"
	"github.com/BaSui01/crewflow/types"
)

// DefinitionRepository stores the reusable building blocks a run is
// assembled from: agents, tasks and flow graphs.
type DefinitionRepository struct {
	db *gorm.DB
}

func NewDefinitionRepository(db *gorm.DB) *DefinitionRepository {
	return &DefinitionRepository{db: db}
}

func (r *DefinitionRepository) SaveAgent(ctx context.Context, a *models.Agent) error {
	if err := r.db.WithContext(ctx).Save(a).Error; err != nil {
		return types.NewError(types.ErrPersistence, "save agent").WithCause(err)
	}
	return nil
}

func (r *DefinitionRepository) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	var a models.Agent
	if err := r.db.WithContext(ctx).First(&a, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.NewError(types.ErrNotFound, fmt.Sprintf("agent %s not found", id))
		}
		return nil, types.NewError(types.ErrPersistence, "load agent").WithCause(err)
	}
	return &a, nil
}

func (r *DefinitionRepository) ListAgents(ctx context.Context) ([]models.Agent, error) {
	var out []models.Agent
	if err := r.db.WithContext(ctx).Order("name ASC").Find(&out).Error; err != nil {
		return nil, types.NewError(types.ErrPersistence, "list agents").WithCause(err)
	}
	return out, nil
}

func (r *DefinitionRepository) DeleteAgent(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Delete(&models.Agent{}, "id = ?", id)
	if res.Error != nil {
		return types.NewError(types.ErrPersistence, "delete agent").WithCause(res.Error)
	}
	if res.RowsAffected == 0 {
		return types.NewError(types.ErrNotFound, fmt.Sprintf("agent %s not found", id))
	}
	return nil
}

func (r *DefinitionRepository) SaveTask(ctx context.Context, t *models.Task) error {
	if err := r.db.WithContext(ctx).Save(t).Error; err != nil {
		return types.NewError(types.ErrPersistence, "save task").WithCause(err)
	}
	return nil
}

func (r *DefinitionRepository) GetTask(ctx context.Context, id string) (*models.Task, error) {
	var t models.Task
	if err := r.db.WithContext(ctx).First(&t, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.NewError(types.ErrNotFound, fmt.Sprintf("task %s not found", id))
		}
		return nil, types.NewError(types.ErrPersistence, "load task").WithCause(err)
	}
	return &t, nil
}

func (r *DefinitionRepository) ListTasks(ctx context.Context) ([]models.Task, error) {
	var out []models.Task
	if err := r.db.WithContext(ctx).Order("name ASC").Find(&out).Error; err != nil {
		return nil, types.NewError(types.ErrPersistence, "list tasks").WithCause(err)
	}
	return out, nil
}

func (r *DefinitionRepository) DeleteTask(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Delete(&models.Task{}, "id = ?", id)
	if res.Error != nil {
		return types.NewError(types.ErrPersistence, "delete task").WithCause(res.Error)
	}
	if res.RowsAffected == 0 {
		return types.NewError(types.ErrNotFound, fmt.Sprintf("task %s not found", id))
	}
	return nil
}

func (r *DefinitionRepository) SaveFlow(ctx context.Context, f *models.Flow) error {
	if err := r.db.WithContext(ctx).Save(f).Error; err != nil {
		return types.NewError(types.ErrPersistence, "save flow").WithCause(err)
	}
	return nil
}

func (r *DefinitionRepository) GetFlow(ctx context.Context, id string) (*models.Flow, error) {
	var f models.Flow
	if err := r.db.WithContext(ctx).First(&f, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.NewError(types.ErrNotFound, fmt.Sprintf("flow %s not found", id))
		}
		return nil, types.NewError(types.ErrPersistence, "load flow").WithCause(err)
	}
	return &f, nil
}

func (r *DefinitionRepository) ListFlows(ctx context.Context) ([]models.Flow, error) {
	var out []models.Flow
	if err := r.db.WithContext(ctx).Order("name ASC").Find(&out).Error; err != nil {
		return nil, types.NewError(types.ErrPersistence, "list flows").WithCause(err)
	}
	return out, nil
}

func (r *DefinitionRepository) DeleteFlow(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Delete(&models.Flow{}, "id = ?", id)
	if res.Error != nil {
		return types.NewError(types.ErrPersistence, "delete flow").WithCause(res.Error)
	}
	if res.RowsAffected == 0 {
		return types.NewError(types.ErrNotFound, fmt.Sprintf("flow %s not found", id))
	}
	return nil
}

// FlowExecutionRepository tracks one flow run plus its per-node
// progress rows.
type FlowExecutionRepository struct {
	db *gorm.DB
}

func NewFlowExecutionRepository(db *gorm.DB) *FlowExecutionRepository {
	return &FlowExecutionRepository{db: db}
}

func (r *FlowExecutionRepository) Create(ctx context.Context, fe *models.FlowExecution) error {
	if err := r.db.WithContext(ctx).Create(fe).Error; err != nil {
		return types.NewError(types.ErrPersistence, "create flow execution").WithCause(err)
	}
	return nil
}

func (r *FlowExecutionRepository) GetByJobID(ctx context.Context, jobID string) (*models.FlowExecution, error) {
	var fe models.FlowExecution
	if err := r.db.WithContext(ctx).Where("job_id = ?", jobID).First(&fe).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.NewError(types.ErrNotFound,
				fmt.Sprintf("flow execution %s not found", jobID))
		}
		return nil, types.NewError(types.ErrPersistence, "load flow execution").WithCause(err)
	}
	return &fe, nil
}

func (r *FlowExecutionRepository) ListByFlowID(ctx context.Context, flowID string) ([]models.FlowExecution, error) {
	var out []models.FlowExecution
	err := r.db.WithContext(ctx).
		Where("flow_id = ?", flowID).Order("created_at DESC").Find(&out).Error
	if err != nil {
		return nil, types.NewError(types.ErrPersistence, "list flow executions").WithCause(err)
	}
	return out, nil
}

// Finish records the terminal status and result of a flow run.
func (r *FlowExecutionRepository) Finish(ctx context.Context, jobID string, status types.ExecutionStatus, result []byte, errMsg string) error {
	if !status.IsTerminal() {
		return types.NewError(types.ErrInvalidRequest,
			fmt.Sprintf("flow execution finish requires a terminal status, got %s", status))
	}
	now := time.Now().UTC()
	updates := map[string]any{
		"status":       status,
		"completed_at": &now,
	}
	if result != nil {
		updates["result"] = result
	}
	if errMsg != "" {
		updates["error"] = errMsg
	}
	res := r.db.WithContext(ctx).Model(&models.FlowExecution{}).
		Where("job_id = ?", jobID).Updates(updates)
	if res.Error != nil {
		return types.NewError(types.ErrPersistence, "finish flow execution").WithCause(res.Error)
	}
	if res.RowsAffected == 0 {
		return types.NewError(types.ErrNotFound,
			fmt.Sprintf("flow execution %s not found", jobID))
	}
	return nil
}

func (r *FlowExecutionRepository) CreateNodeExecution(ctx context.Context, ne *models.FlowNodeExecution) error {
	if ne.StartedAt.IsZero() {
		ne.StartedAt = time.Now().UTC()
	}
	if err := r.db.WithContext(ctx).Create(ne).Error; err != nil {
		return types.NewError(types.ErrPersistence, "create node execution").WithCause(err)
	}
	return nil
}

func (r *FlowExecutionRepository) FinishNodeExecution(ctx context.Context, id uint, status string, result []byte, errMsg string) error {
	now := time.Now().UTC()
	updates := map[string]any{
		"status":       status,
		"completed_at": &now,
	}
	if result != nil {
		updates["result"] = result
	}
	if errMsg != "" {
		updates["error"] = errMsg
	}
	res := r.db.WithContext(ctx).Model(&models.FlowNodeExecution{}).
		Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return types.NewError(types.ErrPersistence, "finish node execution").WithCause(res.Error)
	}
	if res.RowsAffected == 0 {
		return types.NewError(types.ErrNotFound, fmt.Sprintf("node execution %d not found", id))
	}
	return nil
}

func (r *FlowExecutionRepository) ListNodeExecutions(ctx context.Context, flowExecutionID uint) ([]models.FlowNodeExecution, error) {
	var out []models.FlowNodeExecution
	err := r.db.WithContext(ctx).
		Where("flow_execution_id = ?", flowExecutionID).
		Order("started_at ASC").Find(&out).Error
	if err != nil {
		return nil, types.NewError(types.ErrPersistence, "list node executions").WithCause(err)
	}
	return out, nil
}
