// Package flow compiles persisted node/edge graphs into executable
// start points and listener groups, and runs the compiled graph with
// per-branch failure isolation.
package flow

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/BaSui01/crewflow/models"
	"github.com/BaSui01/crewflow/types"
)

// Node is one vertex of the drawn graph. IDs carry a type prefix, e.g.
// "task-<uuid>" or "agent-<uuid>".
type Node struct {
	ID   string   `json:"id"`
	Type string   `json:"type"`
	Data NodeData `json:"data"`
}

// NodeData is the designer-supplied payload of a node.
type NodeData struct {
	Label  string   `json:"label,omitempty"`
	TaskID string   `json:"taskId,omitempty"`
	Tools  []string `json:"tools,omitempty"`
}

// Edge is one directed connection of the drawn graph.
type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// StartingPoint names a task that runs as soon as the flow starts.
type StartingPoint struct {
	CrewID string `json:"crewId,omitempty"`
	TaskID string `json:"taskId"`
}

// JoinCondition controls when a listener fires relative to its
// predecessors.
type JoinCondition string

const (
	JoinAnd  JoinCondition = "AND"
	JoinOr   JoinCondition = "OR"
	JoinNone JoinCondition = "NONE"
)

// ParseJoinCondition normalizes a stored condition string. Unknown and
// empty values mean NONE.
func ParseJoinCondition(raw string) JoinCondition {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "AND":
		return JoinAnd
	case "OR":
		return JoinOr
	default:
		return JoinNone
	}
}

// ListenerConfig declares a unit that fires after predecessor tasks
// complete.
type ListenerConfig struct {
	ID              string   `json:"id,omitempty"`
	Name            string   `json:"name,omitempty"`
	CrewID          string   `json:"crewId,omitempty"`
	ListenToTaskIDs []string `json:"listenToTaskIds"`
	TaskIDs         []string `json:"tasks"`
	ConditionType   string   `json:"conditionType,omitempty"`
}

// Config is the explicit execution plan attached to a flow definition.
type Config struct {
	StartingPoints []StartingPoint  `json:"startingPoints"`
	Listeners      []ListenerConfig `json:"listeners"`
}

// Definition is a parsed, immutable flow graph ready for compilation.
type Definition struct {
	ID     string
	Name   string
	Nodes  []Node
	Edges  []Edge
	Config Config
}

// ParseDefinition decodes a stored flow. When the stored flow carries no
// explicit config, starting points and listeners are derived from the
// graph shape: task nodes without task predecessors start the flow, and
// every task-to-task edge becomes a direct listener.
func ParseDefinition(f *models.Flow) (*Definition, error) {
	def := &Definition{ID: f.ID, Name: f.Name}

	if len(f.Nodes) > 0 {
		if err := json.Unmarshal(f.Nodes, &def.Nodes); err != nil {
			return nil, types.NewError(types.ErrInvalidRequest,
				fmt.Sprintf("flow %s: malformed nodes", f.ID)).WithCause(err)
		}
	}
	if len(f.Edges) > 0 {
		if err := json.Unmarshal(f.Edges, &def.Edges); err != nil {
			return nil, types.NewError(types.ErrInvalidRequest,
				fmt.Sprintf("flow %s: malformed edges", f.ID)).WithCause(err)
		}
	}
	if len(f.FlowConfig) > 0 {
		if err := json.Unmarshal(f.FlowConfig, &def.Config); err != nil {
			return nil, types.NewError(types.ErrInvalidRequest,
				fmt.Sprintf("flow %s: malformed flow config", f.ID)).WithCause(err)
		}
	}
	if len(def.Config.StartingPoints) == 0 && len(def.Config.Listeners) == 0 {
		def.deriveConfig()
	}
	return def, nil
}

// deriveConfig reconstructs the execution plan from graph shape alone.
func (d *Definition) deriveConfig() {
	hasTaskPredecessor := make(map[string]bool)
	for _, e := range d.Edges {
		srcTask, srcOK := taskNodeID(e.Source)
		dstTask, dstOK := taskNodeID(e.Target)
		if srcOK && dstOK {
			hasTaskPredecessor[dstTask] = true
			d.Config.Listeners = append(d.Config.Listeners, ListenerConfig{
				Name:            fmt.Sprintf("%s_to_%s", srcTask, dstTask),
				ListenToTaskIDs: []string{srcTask},
				TaskIDs:         []string{dstTask},
				ConditionType:   string(JoinNone),
			})
		}
	}
	for _, n := range d.Nodes {
		if taskID, ok := taskNodeID(n.ID); ok && !hasTaskPredecessor[taskID] {
			d.Config.StartingPoints = append(d.Config.StartingPoints, StartingPoint{TaskID: taskID})
		}
	}
}

// taskNodeID extracts the task id from a "task-" prefixed node id.
func taskNodeID(nodeID string) (string, bool) {
	if rest, ok := strings.CutPrefix(nodeID, "task-"); ok && rest != "" {
		return rest, true
	}
	return "", false
}

// agentNodeID extracts the agent id from an "agent-" prefixed node id.
func agentNodeID(nodeID string) (string, bool) {
	if rest, ok := strings.CutPrefix(nodeID, "agent-"); ok && rest != "" {
		return rest, true
	}
	return "", false
}
