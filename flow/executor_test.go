package flow

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/crewflow/engine"
	"github.com/BaSui01/crewflow/models"
)

func unit(name string, taskIDs ...string) Unit {
	spec := engine.CrewSpec{
		Name:   name,
		Agents: []engine.AgentSpec{{ID: "a1", Name: "worker"}},
	}
	for _, id := range taskIDs {
		spec.Tasks = append(spec.Tasks, engine.TaskSpec{ID: id, Name: id, AgentID: "a1"})
	}
	return Unit{Name: name, TaskIDs: taskIDs, Spec: spec}
}

// failingUnits makes kickoffs fail for the named units.
func failingUnits(names ...string) engine.StubOption {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return engine.WithKickoffHook(func(_ int, spec engine.CrewSpec) error {
		if set[spec.Name] {
			return errors.New("unit exploded")
		}
		return nil
	})
}

func TestExecutor_AndListenerFiresOnceAfterAllPredecessors(t *testing.T) {
	compiled := &CompiledFlow{
		FlowID:      "flow-x",
		StartPoints: []StartPoint{{Unit: unit("A", "t-a")}, {Unit: unit("B", "t-b")}},
		Listeners: []Listener{{
			Unit:         unit("join", "t-j"),
			Condition:    JoinAnd,
			Predecessors: []string{"t-a", "t-b"},
		}},
	}

	eng := engine.NewStubEngine(nil, zaptest.NewLogger(t))
	result, err := NewExecutor(eng, zaptest.NewLogger(t)).
		Run(context.Background(), "job-and", compiled, nil)
	require.NoError(t, err)

	assert.Len(t, result.Results, 3)
	assert.Contains(t, result.Results, "join")
	assert.Empty(t, result.Failed)
}

func TestExecutor_AndListenerHeldBackByFailedPredecessor(t *testing.T) {
	compiled := &CompiledFlow{
		FlowID:      "flow-x",
		StartPoints: []StartPoint{{Unit: unit("A", "t-a")}, {Unit: unit("B", "t-b")}},
		Listeners: []Listener{{
			Unit:         unit("join", "t-j"),
			Condition:    JoinAnd,
			Predecessors: []string{"t-a", "t-b"},
		}},
	}

	eng := engine.NewStubEngine(nil, zaptest.NewLogger(t), failingUnits("B"))
	result, err := NewExecutor(eng, zaptest.NewLogger(t)).
		Run(context.Background(), "job-held", compiled, nil)
	require.NoError(t, err, "partial flows are success-with-gaps")

	assert.Contains(t, result.Results, "A")
	assert.NotContains(t, result.Results, "join", "AND must not fire with a failed predecessor")
	assert.Contains(t, result.Failed, "B")
	assert.True(t, result.Partial())
}

func TestExecutor_OrListenerFiresOnFirstPredecessor(t *testing.T) {
	compiled := &CompiledFlow{
		FlowID:      "flow-x",
		StartPoints: []StartPoint{{Unit: unit("A", "t-a")}, {Unit: unit("B", "t-b")}},
		Listeners: []Listener{{
			Unit:         unit("either", "t-e"),
			Condition:    JoinOr,
			Predecessors: []string{"t-a", "t-b"},
		}},
	}

	eng := engine.NewStubEngine(nil, zaptest.NewLogger(t), failingUnits("B"))
	result, err := NewExecutor(eng, zaptest.NewLogger(t)).
		Run(context.Background(), "job-or", compiled, nil)
	require.NoError(t, err)
	assert.Contains(t, result.Results, "either", "OR fires once any predecessor completes")
}

func TestExecutor_ListenerChainCascades(t *testing.T) {
	compiled := &CompiledFlow{
		FlowID:      "flow-x",
		StartPoints: []StartPoint{{Unit: unit("A", "t-a")}},
		Listeners: []Listener{
			{Unit: unit("L1", "t-l1"), Condition: JoinNone, Predecessors: []string{"t-a"}},
			{Unit: unit("L2", "t-l2"), Condition: JoinNone, Predecessors: []string{"t-l1"}},
		},
	}

	eng := engine.NewStubEngine(nil, zaptest.NewLogger(t))
	result, err := NewExecutor(eng, zaptest.NewLogger(t)).
		Run(context.Background(), "job-chain", compiled, nil)
	require.NoError(t, err)
	assert.Len(t, result.Results, 3)
	assert.Contains(t, result.Results, "L2", "listener completion enables downstream listeners")
}

func TestExecutor_AllUnitsFailingIsAnError(t *testing.T) {
	compiled := &CompiledFlow{
		FlowID:      "flow-x",
		StartPoints: []StartPoint{{Unit: unit("A", "t-a")}},
	}
	eng := engine.NewStubEngine(nil, zaptest.NewLogger(t), failingUnits("A"))
	result, err := NewExecutor(eng, zaptest.NewLogger(t)).
		Run(context.Background(), "job-dead", compiled, nil)
	require.Error(t, err)
	assert.Empty(t, result.Results)
	assert.Contains(t, result.Failed, "A")
}

func TestExecutor_ResultsAreNormalized(t *testing.T) {
	compiled := &CompiledFlow{
		FlowID:      "flow-x",
		StartPoints: []StartPoint{{Unit: unit("A", "t-a")}},
	}
	eng := engine.NewStubEngine(nil, zaptest.NewLogger(t))
	result, err := NewExecutor(eng, zaptest.NewLogger(t)).
		Run(context.Background(), "job-norm", compiled, nil)
	require.NoError(t, err)

	norm, ok := result.Results["A"].(map[string]any)
	require.True(t, ok, "run results are folded into maps")
	assert.Contains(t, norm, "raw")
}

type fakeRecorder struct {
	mu       sync.Mutex
	nextID   uint
	started  []string
	finished map[uint]string
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{finished: make(map[uint]string)}
}

func (r *fakeRecorder) UnitStarted(_ context.Context, name string) (uint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.started = append(r.started, name)
	return r.nextID, nil
}

func (r *fakeRecorder) UnitFinished(_ context.Context, id uint, status string, _ []byte, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished[id] = status
	return nil
}

func TestExecutor_RecordsUnitProgress(t *testing.T) {
	compiled := &CompiledFlow{
		FlowID:      "flow-x",
		StartPoints: []StartPoint{{Unit: unit("A", "t-a")}, {Unit: unit("B", "t-b")}},
	}
	rec := newFakeRecorder()
	eng := engine.NewStubEngine(nil, zaptest.NewLogger(t), failingUnits("B"))
	_, err := NewExecutor(eng, zaptest.NewLogger(t), WithNodeRecorder(rec)).
		Run(context.Background(), "job-rec", compiled, nil)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"A", "B"}, rec.started)
	statuses := make([]string, 0, len(rec.finished))
	for _, s := range rec.finished {
		statuses = append(statuses, s)
	}
	assert.ElementsMatch(t, []string{models.TaskStateCompleted, models.TaskStateFailed}, statuses)
}

func TestNormalizeResult(t *testing.T) {
	assert.Equal(t, map[string]any{"k": 1}, normalizeResult(map[string]any{"k": 1}))

	structured := &engine.RunResult{JSON: map[string]any{"answer": 42}}
	assert.Equal(t, map[string]any{"answer": 42}, normalizeResult(structured))

	raw := &engine.RunResult{Raw: "text"}
	norm, ok := normalizeResult(raw).(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "text", norm["raw"])

	assert.Equal(t, "17", normalizeResult(17))
	assert.Nil(t, normalizeResult(nil))
}
