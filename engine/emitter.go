package engine

import (
	"sync"
	"time"

	"github.com/BaSui01/crewflow/types"
)

// EventType names the fine-grained events a running crew emits. The
// trace pipeline folds these into the recordable trace event types.
type EventType string

const (
	EventCrewKickoffStarted   EventType = "crew_kickoff_started"
	EventCrewKickoffCompleted EventType = "crew_kickoff_completed"
	EventCrewKickoffFailed    EventType = "crew_kickoff_failed"
	EventTaskStarted          EventType = "task_started"
	EventTaskCompleted        EventType = "task_completed"
	EventAgentStarted         EventType = "agent_execution_started"
	EventAgentCompleted       EventType = "agent_execution_completed"
	EventToolUsageStarted     EventType = "tool_usage_started"
	EventToolUsageFinished    EventType = "tool_usage_finished"
	EventLLMCallStarted       EventType = "llm_call_started"
	EventLLMCallCompleted     EventType = "llm_call_completed"
)

// traceTypes maps engine events onto the persisted trace vocabulary.
// Start/finish pairs collapse into one trace type; the start half of a
// pair is not persisted (TraceType returns ok=false) except for tasks
// and crews, whose both halves are recorded.
var traceTypes = map[EventType]types.TraceEventType{
	EventCrewKickoffStarted:   types.EventCrewStarted,
	EventCrewKickoffCompleted: types.EventCrewCompleted,
	EventCrewKickoffFailed:    types.EventCrewCompleted,
	EventTaskStarted:          types.EventTaskStarted,
	EventTaskCompleted:        types.EventTaskCompleted,
	EventAgentCompleted:       types.EventAgentExecution,
	EventToolUsageFinished:    types.EventToolUsage,
	EventLLMCallCompleted:     types.EventLLMCall,
}

// TraceType resolves the persisted trace event type for an engine event.
// Events with no mapping (the started half of agent/tool/llm pairs) are
// not persisted.
func (t EventType) TraceType() (types.TraceEventType, bool) {
	tt, ok := traceTypes[t]
	return tt, ok
}

// Event is one occurrence inside a running crew.
type Event struct {
	JobID     string
	Type      EventType
	Source    string
	Context   string
	Output    string
	Extra     map[string]any
	Timestamp time.Time
}

// Listener receives events synchronously. Listeners must not block; slow
// consumers should hand off to their own queue.
type Listener func(Event)

// Emitter fans crew events out to registered listeners.
type Emitter struct {
	mu        sync.RWMutex
	listeners []Listener
}

func NewEmitter() *Emitter {
	return &Emitter{}
}

// Subscribe registers a listener for all subsequent events.
func (e *Emitter) Subscribe(fn Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, fn)
}

// Emit delivers ev to every listener in subscription order. A zero
// timestamp is stamped with the current time.
func (e *Emitter) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	e.mu.RLock()
	listeners := e.listeners
	e.mu.RUnlock()
	for _, fn := range listeners {
		fn(ev)
	}
}
