package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/crewflow/types"
)

// StubEngine is the in-process reference engine. It walks the crew's
// tasks sequentially, emits the full event stream a real engine would,
// and fabricates deterministic outputs. Hooks let tests inject build
// failures, per-attempt kickoff failures and task latency.
type StubEngine struct {
	emitter *Emitter
	logger  *zap.Logger

	taskDelay   time.Duration
	buildErr    error
	kickoffHook func(attempt int, spec CrewSpec) error
}

type StubOption func(*StubEngine)

// WithTaskDelay makes every simulated task take d before completing.
func WithTaskDelay(d time.Duration) StubOption {
	return func(e *StubEngine) { e.taskDelay = d }
}

// WithBuildError makes every BuildCrew call fail with err.
func WithBuildError(err error) StubOption {
	return func(e *StubEngine) { e.buildErr = err }
}

// WithKickoffHook runs before each kickoff attempt; a non-nil return
// fails that attempt. The attempt counter starts at 1 and is per crew.
func WithKickoffHook(hook func(attempt int, spec CrewSpec) error) StubOption {
	return func(e *StubEngine) { e.kickoffHook = hook }
}

func NewStubEngine(emitter *Emitter, logger *zap.Logger, opts ...StubOption) *StubEngine {
	if emitter == nil {
		emitter = NewEmitter()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &StubEngine{
		emitter: emitter,
		logger:  logger.With(zap.String("component", "stub_engine")),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Emitter exposes the event stream the engine emits into.
func (e *StubEngine) Emitter() *Emitter { return e.emitter }

func (e *StubEngine) BuildCrew(ctx context.Context, spec CrewSpec) (Crew, error) {
	if e.buildErr != nil {
		return nil, types.NewError(types.ErrBuildFailed, "build crew").WithCause(e.buildErr)
	}
	if len(spec.Tasks) == 0 {
		return nil, types.NewError(types.ErrBuildFailed,
			fmt.Sprintf("crew %s has no tasks", spec.Name))
	}
	agents := make(map[string]AgentSpec, len(spec.Agents))
	for _, a := range spec.Agents {
		agents[a.ID] = a
	}
	for _, task := range spec.Tasks {
		if task.AgentID != "" {
			if _, ok := agents[task.AgentID]; !ok {
				return nil, types.NewError(types.ErrBuildFailed,
					fmt.Sprintf("task %s references unknown agent %s", task.ID, task.AgentID))
			}
		}
	}
	return &stubCrew{engine: e, spec: spec, agents: agents}, nil
}

type stubCrew struct {
	engine *StubEngine
	spec   CrewSpec
	agents map[string]AgentSpec

	mu       sync.Mutex
	attempts int
}

func (c *stubCrew) Kickoff(ctx context.Context, inputs map[string]any) (*RunResult, error) {
	c.mu.Lock()
	c.attempts++
	attempt := c.attempts
	c.mu.Unlock()

	emit := func(ev Event) {
		ev.JobID = c.spec.JobID
		c.engine.emitter.Emit(ev)
	}

	emit(Event{Type: EventCrewKickoffStarted, Source: c.spec.Name})

	if c.engine.kickoffHook != nil {
		if err := c.engine.kickoffHook(attempt, c.spec); err != nil {
			emit(Event{Type: EventCrewKickoffFailed, Source: c.spec.Name, Output: err.Error()})
			return nil, err
		}
	}

	result := &RunResult{}
	for _, task := range c.spec.Tasks {
		if err := c.runTask(ctx, task, emit, result); err != nil {
			emit(Event{Type: EventCrewKickoffFailed, Source: c.spec.Name, Output: err.Error()})
			return nil, err
		}
	}

	if n := len(result.TasksOutput); n > 0 {
		result.Raw = result.TasksOutput[n-1].Raw
	}
	emit(Event{Type: EventCrewKickoffCompleted, Source: c.spec.Name, Output: result.Raw})
	return result, nil
}

func (c *stubCrew) runTask(ctx context.Context, task TaskSpec, emit func(Event), result *RunResult) error {
	agentName := "unassigned"
	if a, ok := c.agents[task.AgentID]; ok {
		agentName = a.Name
	}

	emit(Event{Type: EventTaskStarted, Source: task.taskKey(), Context: agentName})
	emit(Event{Type: EventAgentStarted, Source: agentName, Context: task.taskKey()})

	emit(Event{Type: EventLLMCallStarted, Source: agentName})
	if err := sleepCtx(ctx, c.engine.taskDelay); err != nil {
		return types.NewError(types.ErrCancelled,
			fmt.Sprintf("task %s interrupted", task.taskKey())).WithCause(err)
	}
	emit(Event{Type: EventLLMCallCompleted, Source: agentName,
		Extra: map[string]any{"prompt_tokens": 32, "completion_tokens": 64}})

	for _, tool := range task.Tools {
		emit(Event{Type: EventToolUsageStarted, Source: tool, Context: task.taskKey()})
		emit(Event{Type: EventToolUsageFinished, Source: tool, Context: task.taskKey()})
	}

	output := fmt.Sprintf("completed %s", task.taskKey())
	if task.ExpectedOutput != "" {
		output = fmt.Sprintf("completed %s: %s", task.taskKey(), task.ExpectedOutput)
	}

	emit(Event{Type: EventAgentCompleted, Source: agentName, Context: task.taskKey(), Output: output})
	emit(Event{Type: EventTaskCompleted, Source: task.taskKey(), Context: agentName, Output: output})

	result.TasksOutput = append(result.TasksOutput, TaskOutput{
		TaskID: task.ID,
		Name:   task.taskKey(),
		Agent:  agentName,
		Raw:    output,
	})
	result.Usage.PromptTokens += 32
	result.Usage.CompletionTokens += 64
	result.Usage.TotalTokens += 96
	return nil
}

func (t TaskSpec) taskKey() string {
	if t.Name != "" {
		return t.Name
	}
	return t.ID
}

// sleepCtx waits d unless ctx ends first. A zero d still observes an
// already-cancelled ctx.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
