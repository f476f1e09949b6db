package flow

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/crewflow/engine"
	"github.com/BaSui01/crewflow/models"
	"github.com/BaSui01/crewflow/types"
)

// definitionStore is the slice of the definition repository the
// compiler resolves tasks and agents through.
type definitionStore interface {
	GetTask(ctx context.Context, id string) (*models.Task, error)
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
}

// Unit is one executable piece of a compiled flow: a single-purpose
// crew spec built from resolved tasks and their agents, deduplicated by
// agent.
type Unit struct {
	Name    string
	TaskIDs []string
	Spec    engine.CrewSpec
}

// StartPoint runs as soon as the flow starts.
type StartPoint struct {
	Unit
}

// Listener fires when its predecessors complete per the join condition.
// AND and OR listeners are bound once over the whole predecessor set;
// NONE produces one Listener per predecessor at compile time.
type Listener struct {
	Unit
	Condition    JoinCondition
	Predecessors []string
}

// CompiledFlow is the executable form of a flow definition: an explicit
// handler table, invoked by lookup.
type CompiledFlow struct {
	FlowID      string
	Name        string
	StartPoints []StartPoint
	Listeners   []Listener
	// Skipped names the units dropped during compilation because a task
	// or agent could not be resolved.
	Skipped []string
}

// Compiler resolves flow definitions against stored task and agent
// records. Agents are memoized per compile so one agent referenced by
// many tasks is configured once.
type Compiler struct {
	defs   definitionStore
	logger *zap.Logger
}

func NewCompiler(defs definitionStore, logger *zap.Logger) *Compiler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Compiler{
		defs:   defs,
		logger: logger.With(zap.String("component", "flow_compiler")),
	}
}

// Compile turns a stored flow into its executable form. Resolution
// failures are scoped to the offending start point or listener: the
// unit is logged and skipped, the rest of the flow still compiles. A
// flow that yields no runnable unit at all is an error.
func (c *Compiler) Compile(ctx context.Context, f *models.Flow) (*CompiledFlow, error) {
	def, err := ParseDefinition(f)
	if err != nil {
		return nil, err
	}

	state := &compileState{
		def:    def,
		agents: make(map[string]*models.Agent),
	}
	compiled := &CompiledFlow{FlowID: def.ID, Name: def.Name}

	for _, sp := range def.Config.StartingPoints {
		unit, err := c.buildUnit(ctx, state, fmt.Sprintf("start_%s", sp.TaskID), []string{sp.TaskID})
		if err != nil {
			c.logger.Warn("start point skipped",
				zap.String("flow_id", def.ID),
				zap.String("task_id", sp.TaskID),
				zap.Error(err))
			compiled.Skipped = append(compiled.Skipped, fmt.Sprintf("start_%s", sp.TaskID))
			continue
		}
		compiled.StartPoints = append(compiled.StartPoints, StartPoint{Unit: *unit})
	}

	for i, lc := range def.Config.Listeners {
		name := lc.Name
		if name == "" {
			name = fmt.Sprintf("listener_%d", i)
		}
		if len(lc.ListenToTaskIDs) == 0 || len(lc.TaskIDs) == 0 {
			c.logger.Warn("listener without predecessors or tasks skipped",
				zap.String("flow_id", def.ID), zap.String("listener", name))
			compiled.Skipped = append(compiled.Skipped, name)
			continue
		}
		unit, err := c.buildUnit(ctx, state, name, lc.TaskIDs)
		if err != nil {
			c.logger.Warn("listener skipped",
				zap.String("flow_id", def.ID),
				zap.String("listener", name),
				zap.Error(err))
			compiled.Skipped = append(compiled.Skipped, name)
			continue
		}

		condition := ParseJoinCondition(lc.ConditionType)
		if condition == JoinNone {
			// One direct listener per predecessor.
			for _, pred := range lc.ListenToTaskIDs {
				compiled.Listeners = append(compiled.Listeners, Listener{
					Unit:         *unit,
					Condition:    JoinNone,
					Predecessors: []string{pred},
				})
			}
			continue
		}
		compiled.Listeners = append(compiled.Listeners, Listener{
			Unit:         *unit,
			Condition:    condition,
			Predecessors: append([]string(nil), lc.ListenToTaskIDs...),
		})
	}

	if len(compiled.StartPoints) == 0 {
		return nil, types.NewError(types.ErrBuildFailed,
			fmt.Sprintf("flow %s compiled to no runnable start point", def.ID))
	}
	return compiled, nil
}

type compileState struct {
	def    *Definition
	agents map[string]*models.Agent
}

// buildUnit resolves the named tasks and their agents into one crew
// spec. Agents are deduplicated within the unit.
func (c *Compiler) buildUnit(ctx context.Context, state *compileState, name string, taskIDs []string) (*Unit, error) {
	spec := engine.CrewSpec{Name: name}
	seenAgents := make(map[string]bool)

	for _, taskID := range taskIDs {
		task, err := c.defs.GetTask(ctx, taskID)
		if err != nil {
			return nil, fmt.Errorf("resolve task %s: %w", taskID, err)
		}
		agent, err := c.resolveAgent(ctx, state, task)
		if err != nil {
			return nil, fmt.Errorf("resolve agent for task %s: %w", taskID, err)
		}

		if !seenAgents[agent.ID] {
			seenAgents[agent.ID] = true
			spec.Agents = append(spec.Agents, engine.AgentSpec{
				ID:              agent.ID,
				Name:            agent.Name,
				Role:            agent.Role,
				Goal:            agent.Goal,
				Backstory:       agent.Backstory,
				LLM:             agent.LLM,
				Tools:           decodeStringList(agent.Tools),
				MaxRetryLimit:   agent.MaxRetryLimit,
				AllowDelegation: agent.AllowDelegation,
				Verbose:         agent.Verbose,
			})
		}
		spec.Tasks = append(spec.Tasks, engine.TaskSpec{
			ID:             task.ID,
			Name:           task.Name,
			Description:    task.Description,
			ExpectedOutput: task.ExpectedOutput,
			AgentID:        agent.ID,
			Tools:          c.resolveTools(state.def, task, agent),
			ContextIDs:     decodeStringList(task.ContextTaskIDs),
			Async:          task.AsyncExecution,
		})
	}
	return &Unit{Name: name, TaskIDs: append([]string(nil), taskIDs...), Spec: spec}, nil
}

// resolveAgent finds the agent for a task: the explicit assignment
// first, otherwise the first agent-to-task edge in the graph. Results
// are memoized by agent id for the whole compile.
func (c *Compiler) resolveAgent(ctx context.Context, state *compileState, task *models.Task) (*models.Agent, error) {
	agentID := task.AgentID
	if agentID == "" {
		agentID = inferAgentID(state.def, task.ID)
	}
	if agentID == "" {
		return nil, fmt.Errorf("task %s has no agent and no agent edge", task.ID)
	}
	if agent, ok := state.agents[agentID]; ok {
		return agent, nil
	}
	agent, err := c.defs.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	state.agents[agentID] = agent
	return agent, nil
}

// inferAgentID scans the graph for an "agent-*" -> "task-<id>" edge.
// First match wins.
func inferAgentID(def *Definition, taskID string) string {
	for _, e := range def.Edges {
		dst, ok := taskNodeID(e.Target)
		if !ok || dst != taskID {
			continue
		}
		if agentID, ok := agentNodeID(e.Source); ok {
			return agentID
		}
	}
	return ""
}

// resolveTools applies the tool precedence: task record tools beat node
// data tools beat the agent's own defaults. Levels never merge.
func (c *Compiler) resolveTools(def *Definition, task *models.Task, agent *models.Agent) []string {
	if tools := decodeStringList(task.Tools); len(tools) > 0 {
		return tools
	}
	for _, n := range def.Nodes {
		if taskID, ok := taskNodeID(n.ID); ok && taskID == task.ID && len(n.Data.Tools) > 0 {
			return append([]string(nil), n.Data.Tools...)
		}
	}
	return decodeStringList(agent.Tools)
}

// decodeStringList unpacks a JSON-encoded string list. Malformed
// payloads yield nil.
func decodeStringList(raw []byte) []string {
	if len(raw) == 0 {
		return nil
	}
	var items []string
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	return items
}
