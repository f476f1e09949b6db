package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/crewflow/engine"
	"github.com/BaSui01/crewflow/flow"
	"github.com/BaSui01/crewflow/internal/cache"
	"github.com/BaSui01/crewflow/models"
	"github.com/BaSui01/crewflow/types"
)

func (h *runHandle) setCancel(cancel context.CancelFunc) {
	h.mu.Lock()
	h.cancel = cancel
	h.mu.Unlock()
}

// runCrew drives one crew run end to end in its own goroutine.
func (s *Service) runCrew(h *runHandle, req CrewRequest) {
	ctx, cancel := s.runContext()
	h.setCancel(cancel)
	start := time.Now()
	defer s.cleanup(h, cancel)

	if !s.transition(h, types.StatusPreparing, "") {
		return
	}

	spec, retryLimit, err := s.buildCrewSpec(ctx, h.jobID, req)
	if err != nil {
		s.finish(h, start, types.StatusFailed, nil, err)
		return
	}
	crew, err := s.eng.BuildCrew(ctx, spec)
	if err != nil {
		s.finish(h, start, types.StatusFailed, nil,
			types.NewError(types.ErrBuildFailed, "crew build failed").WithCause(err))
		return
	}

	if !s.transition(h, types.StatusRunning, "") {
		return
	}

	result, err := s.executeWithRetry(ctx, h, crew, retryLimit, req.Inputs)
	switch {
	case err == nil:
		s.finish(h, start, types.StatusCompleted, result, nil)
	case types.IsCancellation(err) || ctx.Err() != nil:
		s.finish(h, start, types.StatusCancelled, nil, err)
	default:
		s.recordErrorTrace(h.jobID, spec.Name, err)
		s.finish(h, start, types.StatusFailed, nil, err)
	}
}

// runFlow drives one flow run: compile, execute the compiled graph with
// node-level recording, persist the merged result.
func (s *Service) runFlow(h *runHandle, flowDef *models.Flow, req FlowRequest) {
	ctx, cancel := s.runContext()
	h.setCancel(cancel)
	start := time.Now()
	defer s.cleanup(h, cancel)

	if !s.transition(h, types.StatusPreparing, "") {
		return
	}

	compiled, err := s.compiler.Compile(ctx, flowDef)
	if err != nil {
		s.finishFlow(h, start, types.StatusFailed, nil, err)
		return
	}

	if !s.transition(h, types.StatusRunning, "") {
		return
	}

	executor := s.flowExecutor(ctx, h.jobID)
	result, err := executor.Run(ctx, h.jobID, compiled, req.Inputs)
	switch {
	case err == nil:
		s.finishFlow(h, start, types.StatusCompleted, result, nil)
	case types.IsCancellation(err) || ctx.Err() != nil:
		s.finishFlow(h, start, types.StatusCancelled, result, err)
	default:
		s.recordErrorTrace(h.jobID, compiled.Name, err)
		s.finishFlow(h, start, types.StatusFailed, result, err)
	}
}

func (s *Service) runContext() (context.Context, context.CancelFunc) {
	if s.cfg.RunTimeout > 0 {
		return context.WithTimeout(context.Background(), s.cfg.RunTimeout)
	}
	return context.WithCancel(context.Background())
}

func (s *Service) flowExecutor(ctx context.Context, jobID string) *flow.Executor {
	opts := []flow.ExecutorOption{}
	if s.flowExecs != nil {
		if fe, err := s.flowExecs.GetByJobID(ctx, jobID); err == nil {
			opts = append(opts, flow.WithNodeRecorder(flow.NewRepositoryRecorder(s.flowExecs, fe.ID)))
		} else {
			s.logger.Warn("flow execution row missing, node progress not recorded",
				zap.String("job_id", jobID), zap.Error(err))
		}
	}
	return flow.NewExecutor(s.eng, s.logger, opts...)
}

// buildCrewSpec loads the referenced agents and tasks. The run's retry
// limit is the config default raised to the highest limit any agent
// declares.
func (s *Service) buildCrewSpec(ctx context.Context, jobID string, req CrewRequest) (engine.CrewSpec, int, error) {
	spec := engine.CrewSpec{
		JobID:    jobID,
		Name:     req.Name,
		Planning: req.Planning,
	}
	if spec.Name == "" {
		spec.Name = "crew"
	}
	retryLimit := s.cfg.DefaultRetryLimit

	for _, agentID := range req.AgentIDs {
		agent, err := s.defs.GetAgent(ctx, agentID)
		if err != nil {
			return spec, 0, types.NewError(types.ErrBuildFailed,
				fmt.Sprintf("resolve agent %s", agentID)).WithCause(err)
		}
		if agent.MaxRetryLimit > retryLimit {
			retryLimit = agent.MaxRetryLimit
		}
		spec.Agents = append(spec.Agents, engine.AgentSpec{
			ID:              agent.ID,
			Name:            agent.Name,
			Role:            agent.Role,
			Goal:            agent.Goal,
			Backstory:       agent.Backstory,
			LLM:             agent.LLM,
			Tools:           decodeStringList(agent.Tools),
			MaxRetryLimit:   agent.MaxRetryLimit,
			AllowDelegation: agent.AllowDelegation,
			Verbose:         agent.Verbose,
		})
	}
	for _, taskID := range req.TaskIDs {
		task, err := s.defs.GetTask(ctx, taskID)
		if err != nil {
			return spec, 0, types.NewError(types.ErrBuildFailed,
				fmt.Sprintf("resolve task %s", taskID)).WithCause(err)
		}
		spec.Tasks = append(spec.Tasks, engine.TaskSpec{
			ID:             task.ID,
			Name:           task.Name,
			Description:    task.Description,
			ExpectedOutput: task.ExpectedOutput,
			AgentID:        task.AgentID,
			Tools:          decodeStringList(task.Tools),
			ContextIDs:     decodeStringList(task.ContextTaskIDs),
			Async:          task.AsyncExecution,
		})
	}
	return spec, retryLimit, nil
}

func decodeStringList(raw []byte) []string {
	if len(raw) == 0 {
		return nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

// executeWithRetry runs the kickoff with the bounded retry policy: only
// transient provider errors are retried, with delay min(2^(attempt-1),
// max) between attempts. A limit of N means exactly N+1 attempts.
func (s *Service) executeWithRetry(ctx context.Context, h *runHandle, crew engine.Crew, retryLimit int, inputs map[string]any) (*engine.RunResult, error) {
	attempts := retryLimit + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := crew.Kickoff(ctx, inputs)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if types.IsCancellation(err) || ctx.Err() != nil {
			return nil, err
		}
		if !types.IsTransient(err) {
			return nil, err
		}
		if attempt == attempts {
			break
		}

		delay := retryDelay(attempt, s.cfg.MaxRetryDelay)
		if s.collector != nil {
			s.collector.RecordRetry(string(types.GetErrorCode(err)))
		}
		s.logger.Warn("transient failure, retrying",
			zap.String("job_id", h.jobID),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		if err := sleepCtx(ctx, delay); err != nil {
			return nil, types.NewError(types.ErrCancelled, "retry wait interrupted").WithCause(err)
		}
	}
	return nil, types.NewError(types.ErrInternalError,
		fmt.Sprintf("execution failed after %d attempts", attempts)).WithCause(lastErr)
}

// retryDelay is min(2^(attempt-1), max) seconds.
func retryDelay(attempt int, max time.Duration) time.Duration {
	d := time.Duration(1<<uint(attempt-1)) * time.Second
	if max > 0 && d > max {
		return max
	}
	return d
}

// transition persists a non-terminal status move. On persistence
// failure the run is finalized as FAILED.
func (s *Service) transition(h *runHandle, next types.ExecutionStatus, errMsg string) bool {
	prev := h.getStatus()
	if err := s.execs.UpdateStatus(context.Background(), h.jobID, next, errMsg); err != nil {
		s.logger.Error("status transition failed",
			zap.String("job_id", h.jobID),
			zap.String("from", prev.String()),
			zap.String("to", next.String()),
			zap.Error(err))
		s.writeFinalStatus(h, types.StatusFailed,
			fmt.Sprintf("status transition to %s failed: %v", next, err))
		return false
	}
	h.setStatus(next)
	if s.collector != nil {
		s.collector.RecordStatusTransition(prev.String(), next.String())
	}
	return true
}

// finish records the terminal outcome of a crew run.
func (s *Service) finish(h *runHandle, start time.Time, status types.ExecutionStatus, result *engine.RunResult, cause error) {
	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}
	s.writeFinalStatus(h, status, errMsg)

	if result != nil {
		if data, err := json.Marshal(result); err == nil {
			if err := s.execs.SetResult(context.Background(), h.jobID, data); err != nil {
				s.logger.Error("result write failed",
					zap.String("job_id", h.jobID), zap.Error(err))
			}
		}
	}
	s.afterFinish(h, start, types.ExecutionTypeCrew, status, errMsg)
}

// finishFlow records the terminal outcome of a flow run on both the
// execution record and the flow execution row.
func (s *Service) finishFlow(h *runHandle, start time.Time, status types.ExecutionStatus, result *flow.Result, cause error) {
	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}
	s.writeFinalStatus(h, status, errMsg)

	var payload []byte
	if result != nil && len(result.Results) > 0 {
		if data, err := json.Marshal(result); err == nil {
			payload = data
			if err := s.execs.SetResult(context.Background(), h.jobID, data); err != nil {
				s.logger.Error("result write failed",
					zap.String("job_id", h.jobID), zap.Error(err))
			}
		}
	}
	if s.flowExecs != nil {
		if err := s.flowExecs.Finish(context.Background(), h.jobID, status, payload, errMsg); err != nil {
			s.logger.Error("flow execution finish write failed",
				zap.String("job_id", h.jobID), zap.Error(err))
		}
	}
	s.afterFinish(h, start, types.ExecutionTypeFlow, status, errMsg)
}

func (s *Service) afterFinish(h *runHandle, start time.Time, execType types.ExecutionType, status types.ExecutionStatus, errMsg string) {
	h.setStatus(status)
	if s.collector != nil {
		s.collector.RecordExecution(string(execType), status.String(), time.Since(start))
	}
	if s.statuses != nil {
		snap := &cache.StatusSnapshot{
			JobID:     h.jobID,
			Status:    status.String(),
			RunName:   h.runName,
			Error:     errMsg,
			CreatedAt: start,
		}
		now := time.Now().UTC()
		snap.CompletedAt = &now
		if err := s.statuses.Put(context.Background(), snap); err != nil {
			s.logger.Warn("status cache write failed",
				zap.String("job_id", h.jobID), zap.Error(err))
		}
	}
	s.logger.Info("execution finished",
		zap.String("job_id", h.jobID),
		zap.String("status", status.String()),
		zap.Duration("duration", time.Since(start)))
}

// writeFinalStatus persists a terminal status with its own bounded
// retry. Exhausting the retries leaves the run in its last recorded
// status and logs the inconsistency; it never crashes the process.
func (s *Service) writeFinalStatus(h *runHandle, status types.ExecutionStatus, errMsg string) {
	retries := s.cfg.FinalStatusRetries
	if retries < 1 {
		retries = 1
	}
	for n := 1; n <= retries; n++ {
		err := s.execs.UpdateStatus(context.Background(), h.jobID, status, errMsg)
		if err == nil {
			return
		}
		if types.GetErrorCode(err) == types.ErrInvalidRequest {
			// The state machine rejected the move; retrying cannot help.
			s.logger.Error("terminal status write rejected",
				zap.String("job_id", h.jobID),
				zap.String("status", status.String()),
				zap.Error(err))
			return
		}
		s.logger.Warn("terminal status write failed",
			zap.String("job_id", h.jobID),
			zap.Int("attempt", n),
			zap.Error(err))
		if n < retries {
			time.Sleep(time.Duration(1<<uint(n-1)) * time.Second)
		}
	}
	s.logger.Error("terminal status write exhausted retries, run left in last recorded status",
		zap.String("job_id", h.jobID),
		zap.String("intended_status", status.String()))
}

// cleanup runs on every exit path: detach stream subscribers, drop the
// in-flight entry, release the run context.
func (s *Service) cleanup(h *runHandle, cancel context.CancelFunc) {
	if s.hub != nil {
		s.hub.CloseJob(h.jobID)
	}
	s.release(h.jobID)
	cancel()
	close(h.done)
}

// recordErrorTrace appends a classified failure row for the run.
func (s *Service) recordErrorTrace(jobID, taskKey string, cause error) {
	et := &models.ErrorTrace{
		JobID:     jobID,
		TaskKey:   taskKey,
		ErrorType: string(types.GetErrorCode(cause)),
		ErrorMetadata: map[string]any{
			"message": cause.Error(),
		},
	}
	if err := s.execs.CreateErrorTrace(context.Background(), et); err != nil {
		s.logger.Warn("error trace write failed",
			zap.String("job_id", jobID), zap.Error(err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
