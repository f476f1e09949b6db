package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/crewflow/engine"
	"github.com/BaSui01/crewflow/models"
	"github.com/BaSui01/crewflow/types"
)

// NodeRecorder persists per-unit progress of a flow run. The executor
// calls it around every start point and listener it runs.
type NodeRecorder interface {
	UnitStarted(ctx context.Context, name string) (uint, error)
	UnitFinished(ctx context.Context, id uint, status string, result []byte, errMsg string) error
}

// Result is the merged outcome of one flow run. Failed units are
// excluded from Results; the flow as a whole succeeded when at least
// one unit produced a result.
type Result struct {
	Results map[string]any    `json:"results"`
	Failed  map[string]string `json:"failed,omitempty"`
}

// Partial reports whether some units failed while others produced
// results.
func (r *Result) Partial() bool {
	return len(r.Results) > 0 && len(r.Failed) > 0
}

// Executor runs a compiled flow: start points first, listeners as their
// join conditions are satisfied by completing predecessors. A unit
// failure is isolated to its own branch.
type Executor struct {
	eng      engine.Engine
	recorder NodeRecorder
	logger   *zap.Logger
}

type ExecutorOption func(*Executor)

// WithNodeRecorder persists unit progress as the flow runs.
func WithNodeRecorder(rec NodeRecorder) ExecutorOption {
	return func(e *Executor) { e.recorder = rec }
}

func NewExecutor(eng engine.Engine, logger *zap.Logger, opts ...ExecutorOption) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Executor{
		eng:    eng,
		logger: logger.With(zap.String("component", "flow_executor")),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// runState tracks predecessor completion and listener firing for one
// run. All mutation happens under mu.
type runState struct {
	mu        sync.Mutex
	completed map[string]bool
	fired     []bool
	results   map[string]any
	failed    map[string]string
}

// Run executes the compiled flow under jobID. The returned Result holds
// whatever the surviving branches produced; an error is returned only
// when the whole flow yielded nothing or the context ended.
func (e *Executor) Run(ctx context.Context, jobID string, compiled *CompiledFlow, inputs map[string]any) (*Result, error) {
	state := &runState{
		completed: make(map[string]bool),
		fired:     make([]bool, len(compiled.Listeners)),
		results:   make(map[string]any),
		failed:    make(map[string]string),
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, sp := range compiled.StartPoints {
		sp := sp
		g.Go(func() error {
			e.runUnit(ctx, g, jobID, compiled, state, sp.Unit, inputs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, types.NewError(types.ErrCancelled, "flow run interrupted").WithCause(err)
	}

	result := &Result{Results: state.results, Failed: state.failed}
	if len(result.Results) == 0 {
		return result, types.NewError(types.ErrInternalError,
			fmt.Sprintf("flow %s produced no results", compiled.FlowID))
	}
	return result, nil
}

// runUnit executes one unit, records its outcome and schedules every
// listener the completion newly satisfies.
func (e *Executor) runUnit(ctx context.Context, g *errgroup.Group, jobID string, compiled *CompiledFlow, state *runState, unit Unit, inputs map[string]any) {
	output, err := e.executeUnit(ctx, jobID, unit, inputs)

	state.mu.Lock()
	if err != nil {
		state.failed[unit.Name] = err.Error()
		state.mu.Unlock()
		e.logger.Warn("flow unit failed, branch excluded",
			zap.String("job_id", jobID),
			zap.String("unit", unit.Name),
			zap.Error(err))
		return
	}
	state.results[unit.Name] = output
	for _, taskID := range unit.TaskIDs {
		state.completed[taskID] = true
	}
	ready := e.readyListeners(compiled, state)
	state.mu.Unlock()

	for _, listener := range ready {
		listener := listener
		g.Go(func() error {
			e.runUnit(ctx, g, jobID, compiled, state, listener.Unit, inputs)
			return nil
		})
	}
}

// readyListeners collects listeners whose join condition just became
// satisfied. Caller holds state.mu. Each listener fires at most once.
func (e *Executor) readyListeners(compiled *CompiledFlow, state *runState) []Listener {
	var ready []Listener
	for i, listener := range compiled.Listeners {
		if state.fired[i] {
			continue
		}
		if listener.satisfied(state.completed) {
			state.fired[i] = true
			ready = append(ready, listener)
		}
	}
	return ready
}

func (l Listener) satisfied(completed map[string]bool) bool {
	switch l.Condition {
	case JoinAnd:
		for _, pred := range l.Predecessors {
			if !completed[pred] {
				return false
			}
		}
		return true
	default:
		// OR and NONE fire on any completed predecessor; NONE carries
		// exactly one.
		for _, pred := range l.Predecessors {
			if completed[pred] {
				return true
			}
		}
		return false
	}
}

// executeUnit builds and kicks off the unit's single-purpose crew.
func (e *Executor) executeUnit(ctx context.Context, jobID string, unit Unit, inputs map[string]any) (any, error) {
	var nodeID uint
	if e.recorder != nil {
		id, err := e.recorder.UnitStarted(ctx, unit.Name)
		if err != nil {
			e.logger.Warn("could not record unit start",
				zap.String("unit", unit.Name), zap.Error(err))
		} else {
			nodeID = id
		}
	}

	spec := unit.Spec
	spec.JobID = jobID
	output, err := e.kickoff(ctx, spec, inputs)

	if e.recorder != nil && nodeID != 0 {
		status := models.TaskStateCompleted
		errMsg := ""
		var payload []byte
		if err != nil {
			status = models.TaskStateFailed
			errMsg = err.Error()
		} else if data, merr := json.Marshal(output); merr == nil {
			payload = data
		}
		if rerr := e.recorder.UnitFinished(ctx, nodeID, status, payload, errMsg); rerr != nil {
			e.logger.Warn("could not record unit finish",
				zap.String("unit", unit.Name), zap.Error(rerr))
		}
	}
	return output, err
}

func (e *Executor) kickoff(ctx context.Context, spec engine.CrewSpec, inputs map[string]any) (any, error) {
	crew, err := e.eng.BuildCrew(ctx, spec)
	if err != nil {
		return nil, err
	}
	res, err := crew.Kickoff(ctx, inputs)
	if err != nil {
		return nil, err
	}
	return normalizeResult(res), nil
}

// normalizeResult folds an engine result into the merged result map:
// plain maps pass through, serializable results use their own hook
// (raw output plus usage when unstructured), anything else is
// string-coerced.
func normalizeResult(res any) any {
	switch v := res.(type) {
	case map[string]any:
		return v
	case engine.Serializable:
		return v.Serialize()
	case nil:
		return nil
	default:
		return fmt.Sprintf("%v", v)
	}
}

// flowExecStore is the slice of the flow execution repository the
// recorder writes through.
type flowExecStore interface {
	CreateNodeExecution(ctx context.Context, ne *models.FlowNodeExecution) error
	FinishNodeExecution(ctx context.Context, id uint, status string, result []byte, errMsg string) error
}

// RepositoryRecorder adapts the flow execution repository to the
// executor's recorder interface for one flow execution row.
type RepositoryRecorder struct {
	repo            flowExecStore
	flowExecutionID uint
}

func NewRepositoryRecorder(repo flowExecStore, flowExecutionID uint) *RepositoryRecorder {
	return &RepositoryRecorder{repo: repo, flowExecutionID: flowExecutionID}
}

func (r *RepositoryRecorder) UnitStarted(ctx context.Context, name string) (uint, error) {
	ne := &models.FlowNodeExecution{
		FlowExecutionID: r.flowExecutionID,
		NodeID:          name,
		Status:          models.TaskStateRunning,
	}
	if err := r.repo.CreateNodeExecution(ctx, ne); err != nil {
		return 0, err
	}
	return ne.ID, nil
}

func (r *RepositoryRecorder) UnitFinished(ctx context.Context, id uint, status string, result []byte, errMsg string) error {
	return r.repo.FinishNodeExecution(ctx, id, status, result, errMsg)
}
