package models

import (
	"time"

	"gorm.io/datatypes"

	"github.com/BaSui01/crewflow/types"
)

// Flow is a stored flow definition: a graph of crew nodes and edges plus
// optional listener/starting-point configuration.
type Flow struct {
	ID   string `gorm:"size:64;primaryKey" json:"id"`
	Name string `gorm:"size:255;not null" json:"name"`

	// Nodes and Edges hold the raw graph as drawn, JSON arrays of node
	// and edge objects.
	Nodes datatypes.JSON `json:"nodes,omitempty"`
	Edges datatypes.JSON `json:"edges,omitempty"`

	// FlowConfig carries explicit startingPoints and listeners. When
	// absent, both are derived from Nodes and Edges.
	FlowConfig datatypes.JSON `json:"flow_config,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Flow) TableName() string { return "flows" }

// FlowExecution is one run of a flow. It mirrors ExecutionRecord's
// lifecycle and links node-level results to the flow definition.
type FlowExecution struct {
	ID     uint   `gorm:"primaryKey" json:"id"`
	FlowID string `gorm:"size:64;not null;index" json:"flow_id"`
	JobID  string `gorm:"size:64;not null;uniqueIndex" json:"job_id"`

	Status types.ExecutionStatus `gorm:"size:16;not null;index" json:"status"`

	Config datatypes.JSONMap `json:"config,omitempty"`
	Result datatypes.JSON    `json:"result,omitempty"`
	Error  string            `gorm:"type:text" json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (FlowExecution) TableName() string { return "flow_executions" }

// FlowNodeExecution is the per-node progress of a flow run. One row per
// executed crew unit; failed units record their error without aborting
// siblings.
type FlowNodeExecution struct {
	ID              uint   `gorm:"primaryKey" json:"id"`
	FlowExecutionID uint   `gorm:"not null;index" json:"flow_execution_id"`
	NodeID          string `gorm:"size:64;not null" json:"node_id"`

	Status string `gorm:"size:16;not null" json:"status"`

	Result datatypes.JSON `json:"result,omitempty"`
	Error  string         `gorm:"type:text" json:"error,omitempty"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (FlowNodeExecution) TableName() string { return "flow_node_executions" }

// AllModels lists every model for AutoMigrate.
func AllModels() []any {
	return []any{
		&ExecutionRecord{},
		&TaskStatusRecord{},
		&ErrorTrace{},
		&ExecutionTrace{},
		&ExecutionLog{},
		&Agent{},
		&Task{},
		&Flow{},
		&FlowExecution{},
		&FlowNodeExecution{},
	}
}
