package models

import (
	"time"

	"gorm.io/datatypes"
)

// ExecutionTrace is one persisted trace event. Rows are written in batches
// by the trace pipeline and ordered by ID within a run.
type ExecutionTrace struct {
	ID    uint   `gorm:"primaryKey" json:"id"`
	JobID string `gorm:"size:64;not null;index" json:"job_id"`

	EventType    string `gorm:"size:64;not null;index" json:"event_type"`
	EventSource  string `gorm:"size:255;not null" json:"event_source"`
	EventContext string `gorm:"size:255" json:"event_context,omitempty"`

	Output    string         `gorm:"type:text" json:"output,omitempty"`
	ExtraData datatypes.JSON `json:"extra_data,omitempty"`

	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

func (ExecutionTrace) TableName() string { return "execution_traces" }

// ExecutionLog is one line of run output, written in batches by the log
// pipeline.
type ExecutionLog struct {
	ID    uint   `gorm:"primaryKey" json:"id"`
	JobID string `gorm:"size:64;not null;index" json:"job_id"`

	Content string `gorm:"type:text;not null" json:"content"`

	Timestamp time.Time `gorm:"not null;index" json:"timestamp"`
}

func (ExecutionLog) TableName() string { return "execution_logs" }
