package models

import (
	"time"

	"gorm.io/datatypes"
)

// Agent is a stored agent definition referenced by crews and flows.
type Agent struct {
	ID   string `gorm:"size:64;primaryKey" json:"id"`
	Name string `gorm:"size:255;not null" json:"name"`

	Role      string `gorm:"size:255;not null" json:"role"`
	Goal      string `gorm:"type:text" json:"goal"`
	Backstory string `gorm:"type:text" json:"backstory"`

	// LLM names the model the agent runs on, e.g. "gpt-4o".
	LLM string `gorm:"size:128" json:"llm,omitempty"`

	// Tools holds tool identifiers as a JSON array of strings.
	Tools datatypes.JSON `json:"tools,omitempty"`

	// MaxRetryLimit raises the run-wide transient retry budget when it
	// exceeds the configured default.
	MaxRetryLimit int `gorm:"default:0" json:"max_retry_limit"`

	AllowDelegation bool `gorm:"default:false" json:"allow_delegation"`
	Verbose         bool `gorm:"default:false" json:"verbose"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Agent) TableName() string { return "agents" }

// Task is a stored task definition. AgentID may be empty; flow compilation
// can infer the agent from graph edges.
type Task struct {
	ID   string `gorm:"size:64;primaryKey" json:"id"`
	Name string `gorm:"size:255;not null" json:"name"`

	Description    string `gorm:"type:text;not null" json:"description"`
	ExpectedOutput string `gorm:"type:text" json:"expected_output"`

	AgentID string `gorm:"size:64;index" json:"agent_id,omitempty"`

	// Tools, when non-empty, overrides agent and node tool assignments.
	Tools datatypes.JSON `json:"tools,omitempty"`

	// ContextTaskIDs lists tasks whose output feeds this task.
	ContextTaskIDs datatypes.JSON `json:"context_task_ids,omitempty"`

	AsyncExecution bool `gorm:"default:false" json:"async_execution"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Task) TableName() string { return "tasks" }
