package types

import "fmt"

// ExecutionStatus is the lifecycle state of a crew or flow execution.
//
// The lifecycle is strictly forward-moving:
//
//	PENDING -> PREPARING -> RUNNING -> COMPLETED | FAILED | CANCELLED
//
// PREPARING may also jump directly to a terminal state when setup fails or
// the run is cancelled before it starts. Terminal states never transition.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "PENDING"
	StatusPreparing ExecutionStatus = "PREPARING"
	StatusRunning   ExecutionStatus = "RUNNING"
	StatusCompleted ExecutionStatus = "COMPLETED"
	StatusFailed    ExecutionStatus = "FAILED"
	StatusCancelled ExecutionStatus = "CANCELLED"
)

// String implements fmt.Stringer.
func (s ExecutionStatus) String() string { return string(s) }

// IsValid reports whether s is one of the known lifecycle states.
func (s ExecutionStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusPreparing, StatusRunning,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether s is a final state. Terminal executions carry a
// completion timestamp and never change status again.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// transitions holds the allowed forward edges of the lifecycle.
var transitions = map[ExecutionStatus][]ExecutionStatus{
	StatusPending:   {StatusPreparing, StatusFailed, StatusCancelled},
	StatusPreparing: {StatusRunning, StatusCompleted, StatusFailed, StatusCancelled},
	StatusRunning:   {StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransition reports whether moving from s to next is a legal lifecycle
// step. Terminal states have no outgoing edges.
func (s ExecutionStatus) CanTransition(next ExecutionStatus) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// ParseExecutionStatus validates a raw status string. Unknown values are
// rejected rather than coerced, so a bad client payload cannot corrupt the
// lifecycle.
func ParseExecutionStatus(raw string) (ExecutionStatus, error) {
	s := ExecutionStatus(raw)
	if !s.IsValid() {
		return "", NewError(ErrInvalidRequest, fmt.Sprintf("unknown execution status %q", raw))
	}
	return s, nil
}

// ExecutionType distinguishes what kind of definition an execution runs.
type ExecutionType string

const (
	ExecutionTypeCrew ExecutionType = "crew"
	ExecutionTypeFlow ExecutionType = "flow"
)

// TriggerType records how an execution was started.
type TriggerType string

const (
	TriggerAPI       TriggerType = "api"
	TriggerSchedule  TriggerType = "schedule"
	TriggerFlowEvent TriggerType = "flow_event"
)
