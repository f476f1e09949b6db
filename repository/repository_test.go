package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/crewflow/models"
	"github.com/BaSui01/crewflow/types"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	// A single connection keeps the in-memory database alive across the
	// pooled handles gorm hands out.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(models.AllModels()...))
	return db
}

func newRecord(jobID string) *models.ExecutionRecord {
	return &models.ExecutionRecord{
		JobID:         jobID,
		RunName:       "run-" + jobID,
		ExecutionType: types.ExecutionTypeCrew,
		Status:        types.StatusPending,
		TriggerType:   types.TriggerAPI,
	}
}

func TestExecutionRepository_CreateAndGet(t *testing.T) {
	repo := NewExecutionRepository(setupTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newRecord("job-1")))

	got, err := repo.GetByJobID(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", got.JobID)
	assert.Equal(t, types.StatusPending, got.Status)
	assert.Nil(t, got.CompletedAt)

	exists, err := repo.Exists(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestExecutionRepository_CreateDuplicate(t *testing.T) {
	repo := NewExecutionRepository(setupTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newRecord("job-dup")))
	err := repo.Create(ctx, newRecord("job-dup"))
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidRequest, types.GetErrorCode(err))
}

func TestExecutionRepository_CreateMissingJobID(t *testing.T) {
	repo := NewExecutionRepository(setupTestDB(t))
	err := repo.Create(context.Background(), &models.ExecutionRecord{})
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidRequest, types.GetErrorCode(err))
}

func TestExecutionRepository_GetNotFound(t *testing.T) {
	repo := NewExecutionRepository(setupTestDB(t))
	_, err := repo.GetByJobID(context.Background(), "nope")
	require.Error(t, err)
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))
}

func TestExecutionRepository_StatusLifecycle(t *testing.T) {
	repo := NewExecutionRepository(setupTestDB(t))
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, newRecord("job-life")))

	for _, next := range []types.ExecutionStatus{
		types.StatusPreparing,
		types.StatusRunning,
	} {
		require.NoError(t, repo.UpdateStatus(ctx, "job-life", next, ""))
		got, err := repo.GetByJobID(ctx, "job-life")
		require.NoError(t, err)
		assert.Equal(t, next, got.Status)
		assert.Nil(t, got.CompletedAt, "non-terminal status must not stamp completed_at")
	}

	require.NoError(t, repo.UpdateStatus(ctx, "job-life", types.StatusCompleted, ""))
	got, err := repo.GetByJobID(ctx, "job-life")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt, "terminal status must stamp completed_at")
	assert.WithinDuration(t, time.Now().UTC(), *got.CompletedAt, 5*time.Second)

	// A duplicate write of the same terminal status is a no-op.
	require.NoError(t, repo.UpdateStatus(ctx, "job-life", types.StatusCompleted, ""))
	again, err := repo.GetByJobID(ctx, "job-life")
	require.NoError(t, err)
	assert.Equal(t, *got.CompletedAt, *again.CompletedAt)
}

func TestExecutionRepository_FailWithoutRunning(t *testing.T) {
	// A run that fails during preparation never passes through running.
	repo := NewExecutionRepository(setupTestDB(t))
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, newRecord("job-prep-fail")))

	require.NoError(t, repo.UpdateStatus(ctx, "job-prep-fail", types.StatusPreparing, ""))
	require.NoError(t, repo.UpdateStatus(ctx, "job-prep-fail", types.StatusFailed, "build failed"))

	got, err := repo.GetByJobID(ctx, "job-prep-fail")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, got.Status)
	assert.Equal(t, "build failed", got.Error)
	assert.NotNil(t, got.CompletedAt)
}

func TestExecutionRepository_InvalidTransitions(t *testing.T) {
	repo := NewExecutionRepository(setupTestDB(t))
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, newRecord("job-bad")))

	// PENDING cannot jump straight to RUNNING or COMPLETED.
	for _, next := range []types.ExecutionStatus{types.StatusRunning, types.StatusCompleted} {
		err := repo.UpdateStatus(ctx, "job-bad", next, "")
		require.Error(t, err)
		assert.Equal(t, types.ErrInvalidRequest, types.GetErrorCode(err))
	}

	// Terminal states accept nothing further.
	require.NoError(t, repo.UpdateStatus(ctx, "job-bad", types.StatusCancelled, ""))
	err := repo.UpdateStatus(ctx, "job-bad", types.StatusRunning, "")
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidRequest, types.GetErrorCode(err))

	// The stored row is untouched by rejected updates.
	got, err := repo.GetByJobID(ctx, "job-bad")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, got.Status)
}

func TestExecutionRepository_UpdateStatusUnknownValue(t *testing.T) {
	repo := NewExecutionRepository(setupTestDB(t))
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, newRecord("job-x")))

	err := repo.UpdateStatus(ctx, "job-x", types.ExecutionStatus("SPINNING"), "")
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidRequest, types.GetErrorCode(err))
}

func TestExecutionRepository_List(t *testing.T) {
	repo := NewExecutionRepository(setupTestDB(t))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		rec := newRecord(fmt.Sprintf("job-%d", i))
		if i%2 == 0 {
			rec.ExecutionType = types.ExecutionTypeFlow
		}
		require.NoError(t, repo.Create(ctx, rec))
	}

	all, err := repo.List(ctx, ExecutionFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 5)

	flows, err := repo.List(ctx, ExecutionFilter{ExecutionType: types.ExecutionTypeFlow})
	require.NoError(t, err)
	assert.Len(t, flows, 3)

	page, err := repo.List(ctx, ExecutionFilter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Len(t, page, 2)
}

func TestExecutionRepository_SetResult(t *testing.T) {
	repo := NewExecutionRepository(setupTestDB(t))
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, newRecord("job-res")))

	require.NoError(t, repo.SetResult(ctx, "job-res", []byte(`{"answer":42}`)))
	got, err := repo.GetByJobID(ctx, "job-res")
	require.NoError(t, err)
	assert.JSONEq(t, `{"answer":42}`, string(got.Result))

	err = repo.SetResult(ctx, "missing", []byte(`{}`))
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))
}

func TestExecutionRepository_TaskStatusIdempotent(t *testing.T) {
	repo := NewExecutionRepository(setupTestDB(t))
	ctx := context.Background()

	first := &models.TaskStatusRecord{JobID: "job-t", TaskID: "task-1", AgentName: "researcher"}
	require.NoError(t, repo.CreateTaskStatus(ctx, first))

	// The second create for the same (job, task) pair is a no-op.
	again := &models.TaskStatusRecord{JobID: "job-t", TaskID: "task-1", AgentName: "impostor"}
	require.NoError(t, repo.CreateTaskStatus(ctx, again))

	list, err := repo.ListTaskStatuses(ctx, "job-t")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "researcher", list[0].AgentName)
	assert.Equal(t, models.TaskStateRunning, list[0].Status)
}

func TestExecutionRepository_TaskStatusComplete(t *testing.T) {
	repo := NewExecutionRepository(setupTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.CreateTaskStatus(ctx, &models.TaskStatusRecord{JobID: "job-t", TaskID: "task-1"}))
	require.NoError(t, repo.UpdateTaskStatus(ctx, "job-t", "task-1", models.TaskStateCompleted))

	list, err := repo.ListTaskStatuses(ctx, "job-t")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, models.TaskStateCompleted, list[0].Status)
	assert.NotNil(t, list[0].CompletedAt)

	err = repo.UpdateTaskStatus(ctx, "job-t", "task-404", models.TaskStateFailed)
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))
}

func TestExecutionRepository_ErrorTraces(t *testing.T) {
	repo := NewExecutionRepository(setupTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.CreateErrorTrace(ctx, &models.ErrorTrace{
		JobID:     "job-e",
		TaskKey:   "research_task",
		ErrorType: "rate_limit",
		ErrorMetadata: map[string]any{
			"provider": "openai",
		},
	}))

	traces, err := repo.ListErrorTraces(ctx, "job-e")
	require.NoError(t, err)
	require.Len(t, traces, 1)
	assert.Equal(t, "rate_limit", traces[0].ErrorType)
	assert.False(t, traces[0].Timestamp.IsZero())
}

func TestExecutionRepository_DeleteCascades(t *testing.T) {
	db := setupTestDB(t)
	repo := NewExecutionRepository(db)
	traceRepo := NewTraceRepository(db)
	logRepo := NewLogRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newRecord("job-del")))
	require.NoError(t, repo.CreateTaskStatus(ctx, &models.TaskStatusRecord{JobID: "job-del", TaskID: "t1"}))
	require.NoError(t, traceRepo.CreateBatch(ctx, []models.ExecutionTrace{
		{JobID: "job-del", EventType: "task_started", EventSource: "t1"},
	}))
	require.NoError(t, logRepo.CreateBatch(ctx, []models.ExecutionLog{
		{JobID: "job-del", Content: "starting", Timestamp: time.Now()},
	}))

	require.NoError(t, repo.Delete(ctx, "job-del"))

	_, err := repo.GetByJobID(ctx, "job-del")
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))

	traces, err := traceRepo.ListByJobID(ctx, "job-del", PageFilter{})
	require.NoError(t, err)
	assert.Empty(t, traces)
	logs, err := logRepo.ListByJobID(ctx, "job-del", PageFilter{})
	require.NoError(t, err)
	assert.Empty(t, logs)

	err = repo.Delete(ctx, "job-del")
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))
}

func TestTraceRepository_BatchAndPagination(t *testing.T) {
	repo := NewTraceRepository(setupTestDB(t))
	ctx := context.Background()

	batch := make([]models.ExecutionTrace, 0, 15)
	for i := 0; i < 15; i++ {
		batch = append(batch, models.ExecutionTrace{
			JobID:       "job-tr",
			EventType:   "agent_execution",
			EventSource: fmt.Sprintf("agent-%d", i),
		})
	}
	require.NoError(t, repo.CreateBatch(ctx, batch))
	require.NoError(t, repo.CreateBatch(ctx, nil))

	count, err := repo.CountByJobID(ctx, "job-tr")
	require.NoError(t, err)
	assert.Equal(t, int64(15), count)

	page, err := repo.ListByJobID(ctx, "job-tr", PageFilter{Limit: 10, Offset: 10})
	require.NoError(t, err)
	require.Len(t, page, 5)
	assert.Equal(t, "agent-10", page[0].EventSource)

	require.NoError(t, repo.DeleteByJobID(ctx, "job-tr"))
	count, err = repo.CountByJobID(ctx, "job-tr")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestLogRepository_BatchAndList(t *testing.T) {
	repo := NewLogRepository(setupTestDB(t))
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, repo.CreateBatch(ctx, []models.ExecutionLog{
		{JobID: "job-lg", Content: "second", Timestamp: base.Add(time.Second)},
		{JobID: "job-lg", Content: "first", Timestamp: base},
	}))

	logs, err := repo.ListByJobID(ctx, "job-lg", PageFilter{})
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "first", logs[0].Content)
	assert.Equal(t, "second", logs[1].Content)
}

func TestDefinitionRepository_AgentRoundTrip(t *testing.T) {
	repo := NewDefinitionRepository(setupTestDB(t))
	ctx := context.Background()

	agent := &models.Agent{
		ID:            "agent-1",
		Name:          "researcher",
		Role:          "Research Analyst",
		Goal:          "find the facts",
		MaxRetryLimit: 4,
	}
	require.NoError(t, repo.SaveAgent(ctx, agent))

	got, err := repo.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 4, got.MaxRetryLimit)

	agent.Goal = "find better facts"
	require.NoError(t, repo.SaveAgent(ctx, agent))
	got, err = repo.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "find better facts", got.Goal)

	agents, err := repo.ListAgents(ctx)
	require.NoError(t, err)
	assert.Len(t, agents, 1)

	require.NoError(t, repo.DeleteAgent(ctx, "agent-1"))
	_, err = repo.GetAgent(ctx, "agent-1")
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))
}

func TestDefinitionRepository_FlowRoundTrip(t *testing.T) {
	repo := NewDefinitionRepository(setupTestDB(t))
	ctx := context.Background()

	flow := &models.Flow{
		ID:    "flow-1",
		Name:  "pipeline",
		Nodes: []byte(`[{"id":"node-1"}]`),
		Edges: []byte(`[]`),
	}
	require.NoError(t, repo.SaveFlow(ctx, flow))

	got, err := repo.GetFlow(ctx, "flow-1")
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":"node-1"}]`, string(got.Nodes))

	err = repo.DeleteFlow(ctx, "flow-404")
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))
}

func TestFlowExecutionRepository_Lifecycle(t *testing.T) {
	repo := NewFlowExecutionRepository(setupTestDB(t))
	ctx := context.Background()

	fe := &models.FlowExecution{
		FlowID: "flow-1",
		JobID:  "job-f",
		Status: types.StatusPending,
	}
	require.NoError(t, repo.Create(ctx, fe))

	err := repo.Finish(ctx, "job-f", types.StatusRunning, nil, "")
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidRequest, types.GetErrorCode(err))

	require.NoError(t, repo.Finish(ctx, "job-f", types.StatusCompleted, []byte(`{"ok":true}`), ""))
	got, err := repo.GetByJobID(ctx, "job-f")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)

	ne := &models.FlowNodeExecution{FlowExecutionID: got.ID, NodeID: "node-1", Status: models.TaskStateRunning}
	require.NoError(t, repo.CreateNodeExecution(ctx, ne))
	require.NoError(t, repo.FinishNodeExecution(ctx, ne.ID, models.TaskStateCompleted, nil, ""))

	nodes, err := repo.ListNodeExecutions(ctx, got.ID)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, models.TaskStateCompleted, nodes[0].Status)
	assert.NotNil(t, nodes[0].CompletedAt)

	runs, err := repo.ListByFlowID(ctx, "flow-1")
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}
