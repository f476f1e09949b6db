package events

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/crewflow/config"
	"github.com/BaSui01/crewflow/engine"
	"github.com/BaSui01/crewflow/internal/metrics"
	"github.com/BaSui01/crewflow/models"
	"github.com/BaSui01/crewflow/repository"
	"github.com/BaSui01/crewflow/types"
)

type testEnv struct {
	manager *Manager
	execs   *repository.ExecutionRepository
	traces  *repository.TraceRepository
	logs    *repository.LogRepository
}

func testEventsConfig() config.EventsConfig {
	return config.EventsConfig{
		QueueCapacity:  256,
		BatchSize:      3,
		DequeueTimeout: 20 * time.Millisecond,
		IdleSleep:      10 * time.Millisecond,
		StopTimeout:    2 * time.Second,
	}
}

func setupEnv(t *testing.T, cfg config.EventsConfig, opts ...ManagerOption) *testEnv {
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
	traces := repository.NewTraceRepository(db)
	logs := repository.NewLogRepository(db)
	collector := metrics.NewCollectorWithRegisterer("crewflow_test", prometheus.NewRegistry(), nil)

	m := NewManager(cfg, execs, traces, logs, collector, zaptest.NewLogger(t), opts...)
	t.Cleanup(m.Stop)
	return &testEnv{manager: m, execs: execs, traces: traces, logs: logs}
}

func traceEvent(jobID string, eventType types.TraceEventType) types.TraceEvent {
	return types.TraceEvent{
		JobID:       jobID,
		EventType:   eventType,
		EventSource: "researcher",
	}
}

func TestManager_TraceFlowFiltersAllowList(t *testing.T) {
	env := setupEnv(t, testEventsConfig())
	ctx := context.Background()

	require.NoError(t, env.execs.Create(ctx, &models.ExecutionRecord{
		JobID:         "job-1",
		ExecutionType: types.ExecutionTypeCrew,
		Status:        types.StatusRunning,
	}))

	for i := 0; i < 5; i++ {
		assert.True(t, env.manager.EnqueueTrace(traceEvent("job-1", types.EventAgentExecution)))
	}
	assert.True(t, env.manager.EnqueueTrace(traceEvent("job-1", types.TraceEventType("heartbeat"))))

	env.manager.Stop()

	rows, err := env.traces.ListByJobID(ctx, "job-1", repository.PageFilter{})
	require.NoError(t, err)
	assert.Len(t, rows, 5, "only allow-listed event types are persisted")
	for _, row := range rows {
		assert.Equal(t, string(types.EventAgentExecution), row.EventType)
	}
}

func TestManager_AutoCreatesParentRun(t *testing.T) {
	env := setupEnv(t, testEventsConfig())
	ctx := context.Background()

	require.True(t, env.manager.EnqueueTrace(traceEvent("job-orphan", types.EventTaskStarted)))
	env.manager.Stop()

	rec, err := env.execs.GetByJobID(ctx, "job-orphan")
	require.NoError(t, err)
	assert.Equal(t, "Auto-created for task_started", rec.RunName)
	assert.Equal(t, types.StatusRunning, rec.Status)

	rows, err := env.traces.ListByJobID(ctx, "job-orphan", repository.PageFilter{})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestManager_AutoCreatesParentRunForLogs(t *testing.T) {
	env := setupEnv(t, testEventsConfig())
	ctx := context.Background()

	require.True(t, env.manager.EnqueueLog(types.LogEntry{
		JobID:   "job-orphan-lg",
		Content: "crew starting",
	}))
	env.manager.Stop()

	rec, err := env.execs.GetByJobID(ctx, "job-orphan-lg")
	require.NoError(t, err)
	assert.Equal(t, "Auto-created for execution log", rec.RunName)
	assert.Equal(t, types.StatusRunning, rec.Status)

	rows, err := env.logs.ListByJobID(ctx, "job-orphan-lg", repository.PageFilter{})
	require.NoError(t, err)
	assert.Len(t, rows, 1, "the orphan line itself is persisted")
}

func TestManager_AutoCreateConcurrentDistinctJobs(t *testing.T) {
	env := setupEnv(t, testEventsConfig())
	ctx := context.Background()

	const jobs = 25
	var wg sync.WaitGroup
	for i := 0; i < jobs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			env.manager.EnqueueTrace(traceEvent(fmt.Sprintf("job-c%d", i), types.EventCrewStarted))
		}(i)
	}
	wg.Wait()
	env.manager.Stop()

	for i := 0; i < jobs; i++ {
		jobID := fmt.Sprintf("job-c%d", i)
		rec, err := env.execs.GetByJobID(ctx, jobID)
		require.NoError(t, err, jobID)
		assert.Equal(t, types.StatusRunning, rec.Status)

		count, err := env.traces.CountByJobID(ctx, jobID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), count, jobID)
	}
}

func TestManager_LogFlow(t *testing.T) {
	env := setupEnv(t, testEventsConfig())
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		assert.True(t, env.manager.EnqueueLog(types.LogEntry{
			JobID:   "job-lg",
			Content: fmt.Sprintf("line %d", i),
		}))
	}
	env.manager.Stop()

	rows, err := env.logs.ListByJobID(ctx, "job-lg", repository.PageFilter{})
	require.NoError(t, err)
	assert.Len(t, rows, 7)
}

func TestManager_LogRateLimitSheds(t *testing.T) {
	cfg := testEventsConfig()
	cfg.LogRateLimit = 1
	cfg.LogRateBurst = 2
	env := setupEnv(t, cfg)
	ctx := context.Background()

	accepted := 0
	for i := 0; i < 10; i++ {
		if env.manager.EnqueueLog(types.LogEntry{JobID: "job-rl", Content: "spam"}) {
			accepted++
		}
	}
	assert.Less(t, accepted, 10, "limiter should shed part of the burst")
	assert.GreaterOrEqual(t, accepted, 2, "burst allowance should pass")

	env.manager.Stop()
	rows, err := env.logs.ListByJobID(ctx, "job-rl", repository.PageFilter{})
	require.NoError(t, err)
	assert.Len(t, rows, accepted)
}

type recordingSink struct {
	mu      sync.Mutex
	entries []types.LogEntry
}

func (s *recordingSink) Publish(entry types.LogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func TestManager_SinkSeesLiveEntries(t *testing.T) {
	sink := &recordingSink{}
	env := setupEnv(t, testEventsConfig(), WithLogSink(sink))

	env.manager.EnqueueLog(types.LogEntry{JobID: "job-s", Content: "hello"})
	assert.Equal(t, 1, sink.count(), "sink is fed synchronously on enqueue")
	env.manager.Stop()
}

func TestManager_StopIsIdempotentAndFinal(t *testing.T) {
	env := setupEnv(t, testEventsConfig())

	env.manager.EnqueueLog(types.LogEntry{JobID: "job-x", Content: "one"})
	env.manager.Stop()
	env.manager.Stop()

	assert.False(t, env.manager.EnqueueTrace(traceEvent("job-x", types.EventLLMCall)),
		"enqueue after stop is rejected")
	assert.False(t, env.manager.EnqueueLog(types.LogEntry{JobID: "job-x", Content: "two"}))
}

func TestManager_AttachBridgesEngineEvents(t *testing.T) {
	env := setupEnv(t, testEventsConfig())
	ctx := context.Background()

	emitter := engine.NewEmitter()
	env.manager.Attach(emitter)
	eng := engine.NewStubEngine(emitter, zaptest.NewLogger(t))

	crew, err := eng.BuildCrew(ctx, engine.CrewSpec{
		JobID: "job-br",
		Name:  "bridge-crew",
		Agents: []engine.AgentSpec{
			{ID: "agent-1", Name: "writer"},
		},
		Tasks: []engine.TaskSpec{
			{ID: "task-1", Name: "draft", AgentID: "agent-1"},
		},
	})
	require.NoError(t, err)
	_, err = crew.Kickoff(ctx, nil)
	require.NoError(t, err)

	env.manager.Stop()

	traces, err := env.traces.ListByJobID(ctx, "job-br", repository.PageFilter{})
	require.NoError(t, err)
	seen := make(map[string]bool)
	for _, tr := range traces {
		seen[tr.EventType] = true
	}
	assert.True(t, seen[string(types.EventCrewStarted)])
	assert.True(t, seen[string(types.EventTaskStarted)])
	assert.True(t, seen[string(types.EventTaskCompleted)])
	assert.True(t, seen[string(types.EventCrewCompleted)])
	assert.True(t, seen[string(types.EventAgentExecution)])
	assert.True(t, seen[string(types.EventLLMCall)])

	logs, err := env.logs.ListByJobID(ctx, "job-br", repository.PageFilter{})
	require.NoError(t, err)
	assert.NotEmpty(t, logs)
}
