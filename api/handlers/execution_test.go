package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/crewflow/config"
	"github.com/BaSui01/crewflow/engine"
	"github.com/BaSui01/crewflow/execution"
	"github.com/BaSui01/crewflow/flow"
	"github.com/BaSui01/crewflow/models"
	"github.com/BaSui01/crewflow/repository"
	"github.com/BaSui01/crewflow/types"
)

type apiEnv struct {
	db      *gorm.DB
	execs   *repository.ExecutionRepository
	defs    *repository.DefinitionRepository
	handler *ExecutionHandler
	mux     *http.ServeMux
}

func setupAPI(t *testing.T) *apiEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(models.AllModels()...))

	execs := repository.NewExecutionRepository(db)
	defs := repository.NewDefinitionRepository(db)
	traces := repository.NewTraceRepository(db)
	logs := repository.NewLogRepository(db)

	svc := execution.NewService(execution.Options{
		Config: config.ExecutionConfig{
			MaxConcurrent:      4,
			MaxRetryDelay:      10 * time.Millisecond,
			CancelAckWait:      time.Second,
			FinalStatusRetries: 1,
			RunTimeout:         5 * time.Second,
		},
		Executions:     execs,
		FlowExecutions: repository.NewFlowExecutionRepository(db),
		Definitions:    defs,
		Engine:         engine.NewStubEngine(nil, nil),
		Compiler:       flow.NewCompiler(defs, nil),
	})

	handler := NewExecutionHandler(svc, execs, traces, logs, nil)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/executions/crew", handler.HandleSubmitCrew)
	mux.HandleFunc("GET /api/v1/executions", handler.HandleList)
	mux.HandleFunc("/api/v1/executions/{job_id}", handler.HandleExecution)
	mux.HandleFunc("POST /api/v1/executions/{job_id}/cancel", handler.HandleCancel)
	mux.HandleFunc("GET /api/v1/executions/{job_id}/traces", handler.HandleTraces)
	mux.HandleFunc("GET /api/v1/executions/{job_id}/logs", handler.HandleLogs)

	return &apiEnv{db: db, execs: execs, defs: defs, handler: handler, mux: mux}
}

func (env *apiEnv) seedDefs(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, env.defs.SaveAgent(ctx, &models.Agent{
		ID: "agent-1", Name: "researcher", Role: "researcher",
	}))
	require.NoError(t, env.defs.SaveTask(ctx, &models.Task{
		ID: "task-1", Name: "research", Description: "find things", AgentID: "agent-1",
	}))
}

func (env *apiEnv) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	r := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	env.mux.ServeHTTP(w, r)
	return w
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp
}

func TestExecutionHandler_SubmitAndPoll(t *testing.T) {
	env := setupAPI(t)
	env.seedDefs(t)

	w := env.do(http.MethodPost, "/api/v1/executions/crew", execution.CrewRequest{
		AgentIDs: []string{"agent-1"},
		TaskIDs:  []string{"task-1"},
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	resp := decodeEnvelope(t, w)
	require.True(t, resp.Success)
	data := resp.Data.(map[string]any)
	jobID := data["job_id"].(string)
	require.NotEmpty(t, jobID)

	require.Eventually(t, func() bool {
		w := env.do(http.MethodGet, "/api/v1/executions/"+jobID, nil)
		if w.Code != http.StatusOK {
			return false
		}
		status := decodeEnvelope(t, w).Data.(map[string]any)
		return status["status"] == types.StatusCompleted.String()
	}, 5*time.Second, 20*time.Millisecond)
}

func TestExecutionHandler_SubmitRejectsEmptyTasks(t *testing.T) {
	env := setupAPI(t)

	w := env.do(http.MethodPost, "/api/v1/executions/crew", execution.CrewRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	resp := decodeEnvelope(t, w)
	assert.False(t, resp.Success)
	assert.Equal(t, string(types.ErrInvalidRequest), resp.Error.Code)
}

func TestExecutionHandler_UnknownJobID(t *testing.T) {
	env := setupAPI(t)

	w := env.do(http.MethodGet, "/api/v1/executions/never-seen", nil)
	require.Equal(t, http.StatusOK, w.Code)

	status := decodeEnvelope(t, w).Data.(map[string]any)
	assert.Equal(t, execution.StatusUnknown, status["status"])
}

func TestExecutionHandler_CancelNotInFlight(t *testing.T) {
	env := setupAPI(t)

	w := env.do(http.MethodPost, "/api/v1/executions/never-seen/cancel", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestExecutionHandler_ListWithFilter(t *testing.T) {
	env := setupAPI(t)
	ctx := context.Background()
	for _, rec := range []*models.ExecutionRecord{
		{JobID: "job-a", ExecutionType: types.ExecutionTypeCrew, Status: types.StatusPending},
		{JobID: "job-b", ExecutionType: types.ExecutionTypeFlow, Status: types.StatusPending},
	} {
		require.NoError(t, env.execs.Create(ctx, rec))
	}

	w := env.do(http.MethodGet, "/api/v1/executions?type=flow", nil)
	require.Equal(t, http.StatusOK, w.Code)

	rows := decodeEnvelope(t, w).Data.([]any)
	require.Len(t, rows, 1)
	assert.Equal(t, "job-b", rows[0].(map[string]any)["job_id"])
}

func TestExecutionHandler_TracesAndLogsPagination(t *testing.T) {
	env := setupAPI(t)
	ctx := context.Background()
	require.NoError(t, env.execs.Create(ctx, &models.ExecutionRecord{
		JobID: "job-t", ExecutionType: types.ExecutionTypeCrew, Status: types.StatusPending,
	}))

	traces := repository.NewTraceRepository(env.db)
	var batch []models.ExecutionTrace
	for i := 0; i < 5; i++ {
		batch = append(batch, models.ExecutionTrace{
			JobID: "job-t", EventType: "task_started", EventSource: "task-1",
		})
	}
	require.NoError(t, traces.CreateBatch(ctx, batch))

	w := env.do(http.MethodGet, "/api/v1/executions/job-t/traces?limit=2&offset=4", nil)
	require.Equal(t, http.StatusOK, w.Code)

	data := decodeEnvelope(t, w).Data.(map[string]any)
	assert.Equal(t, float64(5), data["total"])
	assert.Len(t, data["traces"].([]any), 1)

	w = env.do(http.MethodGet, "/api/v1/executions/job-t/logs", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestExecutionHandler_MethodNotAllowed(t *testing.T) {
	env := setupAPI(t)

	r := httptest.NewRequest(http.MethodPut, "/api/v1/executions/some-job", nil)
	w := httptest.NewRecorder()
	env.mux.ServeHTTP(w, r)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestPathJobID(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/v1/executions/abc/logs", nil)
	assert.Equal(t, "abc", pathJobID(r))

	r = httptest.NewRequest(http.MethodGet, "/api/v1/executions/abc", nil)
	assert.Equal(t, "abc", pathJobID(r))

	r = httptest.NewRequest(http.MethodGet, "/other/path", nil)
	assert.Equal(t, "", pathJobID(r))
}
