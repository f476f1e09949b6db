package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/crewflow/models"
	"github.com/BaSui01/crewflow/types"
)

// fakeDefs is an in-memory definition store that counts lookups.
type fakeDefs struct {
	tasks      map[string]*models.Task
	agents     map[string]*models.Agent
	agentCalls int
}

func newFakeDefs() *fakeDefs {
	return &fakeDefs{
		tasks:  make(map[string]*models.Task),
		agents: make(map[string]*models.Agent),
	}
}

func (f *fakeDefs) GetTask(_ context.Context, id string) (*models.Task, error) {
	if t, ok := f.tasks[id]; ok {
		return t, nil
	}
	return nil, types.NewError(types.ErrNotFound, fmt.Sprintf("task %s not found", id))
}

func (f *fakeDefs) GetAgent(_ context.Context, id string) (*models.Agent, error) {
	f.agentCalls++
	if a, ok := f.agents[id]; ok {
		return a, nil
	}
	return nil, types.NewError(types.ErrNotFound, fmt.Sprintf("agent %s not found", id))
}

func (f *fakeDefs) addAgent(id string, tools ...string) {
	a := &models.Agent{ID: id, Name: "agent " + id, Role: "worker"}
	if len(tools) > 0 {
		data, _ := json.Marshal(tools)
		a.Tools = data
	}
	f.agents[id] = a
}

func (f *fakeDefs) addTask(id, agentID string, tools ...string) {
	task := &models.Task{ID: id, Name: "task " + id, AgentID: agentID}
	if len(tools) > 0 {
		data, _ := json.Marshal(tools)
		task.Tools = data
	}
	f.tasks[id] = task
}

func flowWithConfig(t *testing.T, cfg Config, nodes []Node, edges []Edge) *models.Flow {
	t.Helper()
	f := &models.Flow{ID: "flow-1", Name: "pipeline"}
	if nodes != nil {
		data, err := json.Marshal(nodes)
		require.NoError(t, err)
		f.Nodes = data
	}
	if edges != nil {
		data, err := json.Marshal(edges)
		require.NoError(t, err)
		f.Edges = data
	}
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	f.FlowConfig = data
	return f
}

func TestCompiler_StartPointsAndAndListener(t *testing.T) {
	defs := newFakeDefs()
	defs.addAgent("a1")
	defs.addTask("t1", "a1")
	defs.addTask("t2", "a1")
	defs.addTask("t3", "a1")

	cfg := Config{
		StartingPoints: []StartingPoint{{TaskID: "t1"}, {TaskID: "t2"}},
		Listeners: []ListenerConfig{{
			Name:            "join",
			ListenToTaskIDs: []string{"t1", "t2"},
			TaskIDs:         []string{"t3"},
			ConditionType:   "AND",
		}},
	}
	compiled, err := NewCompiler(defs, zaptest.NewLogger(t)).
		Compile(context.Background(), flowWithConfig(t, cfg, nil, nil))
	require.NoError(t, err)

	require.Len(t, compiled.StartPoints, 2)
	require.Len(t, compiled.Listeners, 1, "AND binds once over the predecessor set")
	listener := compiled.Listeners[0]
	assert.Equal(t, JoinAnd, listener.Condition)
	assert.ElementsMatch(t, []string{"t1", "t2"}, listener.Predecessors)
	assert.Len(t, listener.Spec.Agents, 1)
}

func TestCompiler_NoneListenerExpandsPerPredecessor(t *testing.T) {
	defs := newFakeDefs()
	defs.addAgent("a1")
	defs.addTask("t1", "a1")
	defs.addTask("t2", "a1")
	defs.addTask("t3", "a1")

	cfg := Config{
		StartingPoints: []StartingPoint{{TaskID: "t1"}, {TaskID: "t2"}},
		Listeners: []ListenerConfig{{
			Name:            "direct",
			ListenToTaskIDs: []string{"t1", "t2"},
			TaskIDs:         []string{"t3"},
			ConditionType:   "NONE",
		}},
	}
	compiled, err := NewCompiler(defs, zaptest.NewLogger(t)).
		Compile(context.Background(), flowWithConfig(t, cfg, nil, nil))
	require.NoError(t, err)

	require.Len(t, compiled.Listeners, 2, "NONE expands to one listener per predecessor")
	for _, l := range compiled.Listeners {
		assert.Equal(t, JoinNone, l.Condition)
		assert.Len(t, l.Predecessors, 1)
	}
}

func TestCompiler_AgentInferredFromEdges(t *testing.T) {
	defs := newFakeDefs()
	defs.addAgent("a9")
	defs.tasks["t1"] = &models.Task{ID: "t1", Name: "inferred"} // no agent assignment

	nodes := []Node{
		{ID: "agent-a9", Type: "agent"},
		{ID: "task-t1", Type: "task"},
	}
	edges := []Edge{{Source: "agent-a9", Target: "task-t1"}}
	cfg := Config{StartingPoints: []StartingPoint{{TaskID: "t1"}}}

	compiled, err := NewCompiler(defs, zaptest.NewLogger(t)).
		Compile(context.Background(), flowWithConfig(t, cfg, nodes, edges))
	require.NoError(t, err)
	require.Len(t, compiled.StartPoints, 1)
	assert.Equal(t, "a9", compiled.StartPoints[0].Spec.Tasks[0].AgentID)
}

func TestCompiler_AgentMemoized(t *testing.T) {
	defs := newFakeDefs()
	defs.addAgent("a1")
	defs.addTask("t1", "a1")
	defs.addTask("t2", "a1")

	cfg := Config{StartingPoints: []StartingPoint{{TaskID: "t1"}, {TaskID: "t2"}}}
	_, err := NewCompiler(defs, zaptest.NewLogger(t)).
		Compile(context.Background(), flowWithConfig(t, cfg, nil, nil))
	require.NoError(t, err)
	assert.Equal(t, 1, defs.agentCalls, "agent resolved once across units")
}

func TestCompiler_ToolPrecedence(t *testing.T) {
	defs := newFakeDefs()
	defs.addAgent("a1", "agent_tool")
	defs.addTask("t1", "a1", "task_tool")
	defs.addTask("t2", "a1")
	defs.addTask("t3", "a1")

	nodes := []Node{
		{ID: "task-t2", Type: "task", Data: NodeData{Tools: []string{"node_tool"}}},
	}
	cfg := Config{StartingPoints: []StartingPoint{
		{TaskID: "t1"}, {TaskID: "t2"}, {TaskID: "t3"},
	}}
	compiled, err := NewCompiler(defs, zaptest.NewLogger(t)).
		Compile(context.Background(), flowWithConfig(t, cfg, nodes, nil))
	require.NoError(t, err)

	toolsByTask := make(map[string][]string)
	for _, sp := range compiled.StartPoints {
		task := sp.Spec.Tasks[0]
		toolsByTask[task.ID] = task.Tools
	}
	assert.Equal(t, []string{"task_tool"}, toolsByTask["t1"], "task record tools win")
	assert.Equal(t, []string{"node_tool"}, toolsByTask["t2"], "node data tools beat agent defaults")
	assert.Equal(t, []string{"agent_tool"}, toolsByTask["t3"], "agent defaults apply last")
}

func TestCompiler_TaskContextCarriedIntoSpec(t *testing.T) {
	defs := newFakeDefs()
	defs.addAgent("a1")
	defs.addTask("t1", "a1")
	defs.addTask("t2", "a1")
	ctxIDs, err := json.Marshal([]string{"t1"})
	require.NoError(t, err)
	defs.tasks["t2"].ContextTaskIDs = ctxIDs

	cfg := Config{StartingPoints: []StartingPoint{{TaskID: "t1"}, {TaskID: "t2"}}}
	compiled, err := NewCompiler(defs, zaptest.NewLogger(t)).
		Compile(context.Background(), flowWithConfig(t, cfg, nil, nil))
	require.NoError(t, err)

	specByTask := make(map[string][]string)
	for _, sp := range compiled.StartPoints {
		task := sp.Spec.Tasks[0]
		specByTask[task.ID] = task.ContextIDs
	}
	assert.Empty(t, specByTask["t1"])
	assert.Equal(t, []string{"t1"}, specByTask["t2"], "context task ids reach the engine spec")
}

func TestCompiler_UnresolvableUnitSkippedNotFatal(t *testing.T) {
	defs := newFakeDefs()
	defs.addAgent("a1")
	defs.addTask("t1", "a1")
	defs.tasks["t2"] = &models.Task{ID: "t2", Name: "orphan"} // no agent, no edge

	cfg := Config{
		StartingPoints: []StartingPoint{{TaskID: "t1"}, {TaskID: "t2"}},
		Listeners: []ListenerConfig{{
			Name:            "broken",
			ListenToTaskIDs: []string{"t1"},
			TaskIDs:         []string{"missing-task"},
			ConditionType:   "OR",
		}},
	}
	compiled, err := NewCompiler(defs, zaptest.NewLogger(t)).
		Compile(context.Background(), flowWithConfig(t, cfg, nil, nil))
	require.NoError(t, err)

	require.Len(t, compiled.StartPoints, 1)
	assert.Equal(t, "t1", compiled.StartPoints[0].TaskIDs[0])
	assert.Empty(t, compiled.Listeners)
	assert.ElementsMatch(t, []string{"start_t2", "broken"}, compiled.Skipped)
}

func TestCompiler_NoRunnableStartPointFails(t *testing.T) {
	defs := newFakeDefs()
	cfg := Config{StartingPoints: []StartingPoint{{TaskID: "ghost"}}}
	_, err := NewCompiler(defs, zaptest.NewLogger(t)).
		Compile(context.Background(), flowWithConfig(t, cfg, nil, nil))
	require.Error(t, err)
	assert.Equal(t, types.ErrBuildFailed, types.GetErrorCode(err))
}

func TestParseDefinition_DerivesConfigFromGraph(t *testing.T) {
	defs := []Node{
		{ID: "task-t1", Type: "task"},
		{ID: "task-t2", Type: "task"},
		{ID: "agent-a1", Type: "agent"},
	}
	edges := []Edge{
		{Source: "task-t1", Target: "task-t2"},
		{Source: "agent-a1", Target: "task-t1"},
	}
	nodeData, err := json.Marshal(defs)
	require.NoError(t, err)
	edgeData, err := json.Marshal(edges)
	require.NoError(t, err)

	def, err := ParseDefinition(&models.Flow{ID: "flow-d", Nodes: nodeData, Edges: edgeData})
	require.NoError(t, err)

	require.Len(t, def.Config.StartingPoints, 1)
	assert.Equal(t, "t1", def.Config.StartingPoints[0].TaskID)
	require.Len(t, def.Config.Listeners, 1)
	assert.Equal(t, []string{"t1"}, def.Config.Listeners[0].ListenToTaskIDs)
	assert.Equal(t, []string{"t2"}, def.Config.Listeners[0].TaskIDs)
}

func TestParseDefinition_MalformedJSON(t *testing.T) {
	_, err := ParseDefinition(&models.Flow{ID: "flow-bad", Nodes: []byte(`{not json`)})
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidRequest, types.GetErrorCode(err))
}

func TestParseJoinCondition(t *testing.T) {
	assert.Equal(t, JoinAnd, ParseJoinCondition("and"))
	assert.Equal(t, JoinOr, ParseJoinCondition(" OR "))
	assert.Equal(t, JoinNone, ParseJoinCondition("NONE"))
	assert.Equal(t, JoinNone, ParseJoinCondition(""))
	assert.Equal(t, JoinNone, ParseJoinCondition("whenever"))
}
