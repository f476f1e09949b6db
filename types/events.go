package types

import "time"

// TraceEventType identifies the kind of activity a trace event records.
type TraceEventType string

const (
	EventAgentExecution TraceEventType = "agent_execution"
	EventToolUsage      TraceEventType = "tool_usage"
	EventCrewStarted    TraceEventType = "crew_started"
	EventCrewCompleted  TraceEventType = "crew_completed"
	EventTaskStarted    TraceEventType = "task_started"
	EventTaskCompleted  TraceEventType = "task_completed"
	EventLLMCall        TraceEventType = "llm_call"
)

// recordableEvents is the allow-list of event types the trace writer
// persists. Anything outside this set is acknowledged and discarded.
var recordableEvents = map[TraceEventType]struct{}{
	EventAgentExecution: {},
	EventToolUsage:      {},
	EventCrewStarted:    {},
	EventCrewCompleted:  {},
	EventTaskStarted:    {},
	EventTaskCompleted:  {},
	EventLLMCall:        {},
}

// Recordable reports whether events of this type are persisted to the
// trace store.
func (t TraceEventType) Recordable() bool {
	_, ok := recordableEvents[t]
	return ok
}

// TraceEvent is a single unit of execution activity flowing through the
// trace pipeline. JobID ties the event to its execution; events for unknown
// jobs cause a minimal parent run to be auto-created before the write.
type TraceEvent struct {
	JobID     string         `json:"job_id"`
	EventType TraceEventType `json:"event_type"`
	// EventSource names the emitter, e.g. an agent role or tool name.
	EventSource  string         `json:"event_source"`
	EventContext string         `json:"event_context,omitempty"`
	Output       string         `json:"output,omitempty"`
	Extra        map[string]any `json:"extra,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// LogEntry is a single line of execution output flowing through the log
// pipeline. Unlike traces, every log entry is persisted regardless of
// content.
type LogEntry struct {
	JobID     string    `json:"job_id"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}
