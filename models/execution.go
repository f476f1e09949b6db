// Package models defines the persistent records of the crewflow backend.
//
// All models carry gorm tags and a TableName method; the schema is created
// by AutoMigrate at startup and evolved by the SQL migrations under
// internal/migration. JSON columns use gorm.io/datatypes so the same model
// works on postgres, mysql, and sqlite.
package models

import (
	"time"

	"gorm.io/datatypes"

	"github.com/BaSui01/crewflow/types"
)

// ExecutionRecord is a single crew or flow run. JobID is the external
// identifier clients poll and stream against; the numeric ID is internal.
type ExecutionRecord struct {
	ID      uint   `gorm:"primaryKey" json:"id"`
	JobID   string `gorm:"size:64;not null;uniqueIndex" json:"job_id"`
	RunName string `gorm:"size:255" json:"run_name"`

	// ExecutionType is "crew" or "flow".
	ExecutionType types.ExecutionType   `gorm:"size:16;not null;index" json:"execution_type"`
	Status        types.ExecutionStatus `gorm:"size:16;not null;index" json:"status"`
	TriggerType   types.TriggerType     `gorm:"size:16;default:api" json:"trigger_type"`

	// FlowID is set for flow runs, empty for crew runs.
	FlowID string `gorm:"size:64;index" json:"flow_id,omitempty"`

	Inputs   datatypes.JSONMap `json:"inputs,omitempty"`
	Planning bool              `gorm:"default:false" json:"planning"`

	Result datatypes.JSON `json:"result,omitempty"`
	Error  string         `gorm:"type:text" json:"error,omitempty"`

	CreatedAt time.Time `gorm:"index" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	// CompletedAt is set exactly when Status becomes terminal.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (ExecutionRecord) TableName() string { return "execution_records" }

// IsTerminal reports whether the record has reached a final status.
func (r *ExecutionRecord) IsTerminal() bool { return r.Status.IsTerminal() }

// TaskStatusRecord tracks one task's progress inside a run. A (JobID,
// TaskID) pair is created at most once; repeated creates are ignored so
// the first start wins.
type TaskStatusRecord struct {
	ID     uint   `gorm:"primaryKey" json:"id"`
	JobID  string `gorm:"size:64;not null;uniqueIndex:idx_job_task" json:"job_id"`
	TaskID string `gorm:"size:64;not null;uniqueIndex:idx_job_task" json:"task_id"`

	Status    string `gorm:"size:16;not null" json:"status"`
	AgentName string `gorm:"size:255" json:"agent_name,omitempty"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (TaskStatusRecord) TableName() string { return "task_statuses" }

// Task status values. Tasks have a simpler lifecycle than runs.
const (
	TaskStateRunning   = "running"
	TaskStateCompleted = "completed"
	TaskStateFailed    = "failed"
)

// ErrorTrace records one task failure with its classified type and
// metadata snapshot. Rows are append-only.
type ErrorTrace struct {
	ID      uint   `gorm:"primaryKey" json:"id"`
	JobID   string `gorm:"size:64;not null;index" json:"job_id"`
	TaskKey string `gorm:"size:255;not null" json:"task_key"`

	ErrorType     string            `gorm:"size:64;not null" json:"error_type"`
	ErrorMetadata datatypes.JSONMap `json:"error_metadata,omitempty"`

	Timestamp time.Time `gorm:"not null;index" json:"timestamp"`
}

func (ErrorTrace) TableName() string { return "error_traces" }
