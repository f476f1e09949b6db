// Package engine defines the boundary to the multi-agent execution
// library: crew construction, kickoff, cancellation and the event stream
// a running crew emits. The backend only depends on these interfaces; a
// stub in-process engine backs tests and local development.
package engine

import (
	"context"
)

// AgentSpec is the engine-facing view of a stored agent definition.
type AgentSpec struct {
	ID              string
	Name            string
	Role            string
	Goal            string
	Backstory       string
	LLM             string
	Tools           []string
	MaxRetryLimit   int
	AllowDelegation bool
	Verbose         bool
}

// TaskSpec is the engine-facing view of a stored task definition. Tools
// listed here override whatever the assigned agent carries.
type TaskSpec struct {
	ID             string
	Name           string
	Description    string
	ExpectedOutput string
	AgentID        string
	Tools          []string
	ContextIDs     []string
	Async          bool
}

// CrewSpec is everything the engine needs to assemble one runnable crew.
type CrewSpec struct {
	JobID    string
	Name     string
	Agents   []AgentSpec
	Tasks    []TaskSpec
	Planning bool
}

// TokenUsage aggregates provider token counts for one run.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// TaskOutput is one task's contribution to a run result.
type TaskOutput struct {
	TaskID string `json:"task_id"`
	Name   string `json:"name"`
	Agent  string `json:"agent"`
	Raw    string `json:"raw"`
}

// RunResult is what a crew kickoff produces. JSON is set when the final
// task emitted structured output; Raw always carries the textual result.
type RunResult struct {
	Raw         string         `json:"raw"`
	JSON        map[string]any `json:"json,omitempty"`
	TasksOutput []TaskOutput   `json:"tasks_output,omitempty"`
	Usage       TokenUsage     `json:"usage"`
}

// Serializable lets an engine result provide its own serialized form.
// Result normalization prefers this over the raw/usage fallback.
type Serializable interface {
	Serialize() map[string]any
}

// Serialize returns the structured form of the result when present,
// otherwise raw output plus usage.
func (r *RunResult) Serialize() map[string]any {
	if len(r.JSON) > 0 {
		return r.JSON
	}
	return map[string]any{
		"raw":   r.Raw,
		"usage": r.Usage,
	}
}

// Crew is one assembled, runnable crew.
type Crew interface {
	// Kickoff runs the crew to completion. It honors ctx cancellation
	// and returns the final result or the first fatal error.
	Kickoff(ctx context.Context, inputs map[string]any) (*RunResult, error)
}

// Engine builds crews from specs. Build failures are terminal for the
// submitting run; they are never retried.
type Engine interface {
	BuildCrew(ctx context.Context, spec CrewSpec) (Crew, error)
}
