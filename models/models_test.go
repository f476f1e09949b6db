package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/BaSui01/crewflow/types"
)

func TestExecutionRecord_IsTerminal(t *testing.T) {
	now := time.Now()
	rec := &ExecutionRecord{JobID: "job-1", Status: types.StatusRunning}
	assert.False(t, rec.IsTerminal())

	rec.Status = types.StatusCompleted
	rec.CompletedAt = &now
	assert.True(t, rec.IsTerminal())
}

func TestAllModels_Complete(t *testing.T) {
	names := map[string]bool{}
	for _, m := range AllModels() {
		if tn, ok := m.(interface{ TableName() string }); ok {
			names[tn.TableName()] = true
		}
	}
	for _, want := range []string{
		"execution_records", "task_statuses", "error_traces",
		"execution_traces", "execution_logs",
		"agents", "tasks", "flows", "flow_executions", "flow_node_executions",
	} {
		assert.True(t, names[want], "missing table %s", want)
	}
	assert.Len(t, names, 10)
}
