// Package execution owns the run lifecycle: submission, the status
// state machine, retry policy for transient provider failures,
// cancellation and status lookup. One Service instance tracks every
// in-flight run in the process.
package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/crewflow/config"
	"github.com/BaSui01/crewflow/engine"
	"github.com/BaSui01/crewflow/events"
	"github.com/BaSui01/crewflow/flow"
	"github.com/BaSui01/crewflow/internal/cache"
	"github.com/BaSui01/crewflow/internal/metrics"
	"github.com/BaSui01/crewflow/models"
	"github.com/BaSui01/crewflow/repository"
	"github.com/BaSui01/crewflow/stream"
	"github.com/BaSui01/crewflow/types"
)

// StatusUnknown is reported for job ids this backend has never seen.
// It is deliberately outside the lifecycle state machine.
const StatusUnknown = "UNKNOWN"

// CrewRequest submits a crew run assembled from stored definitions.
type CrewRequest struct {
	Name        string            `json:"name"`
	AgentIDs    []string          `json:"agent_ids"`
	TaskIDs     []string          `json:"task_ids"`
	Inputs      map[string]any    `json:"inputs,omitempty"`
	Planning    bool              `json:"planning,omitempty"`
	TriggerType types.TriggerType `json:"trigger_type,omitempty"`
	JobID       string            `json:"job_id,omitempty"`
}

// FlowRequest submits a run of a stored flow.
type FlowRequest struct {
	FlowID      string            `json:"flow_id"`
	Inputs      map[string]any    `json:"inputs,omitempty"`
	TriggerType types.TriggerType `json:"trigger_type,omitempty"`
	JobID       string            `json:"job_id,omitempty"`
}

// SubmitResponse acknowledges a submission; the run proceeds in the
// background.
type SubmitResponse struct {
	JobID   string                `json:"job_id"`
	Status  types.ExecutionStatus `json:"status"`
	RunName string                `json:"run_name"`
}

// StatusResponse answers a status poll. Status is a lifecycle status or
// StatusUnknown.
type StatusResponse struct {
	JobID       string     `json:"job_id"`
	Status      string     `json:"status"`
	RunName     string     `json:"run_name,omitempty"`
	Result      any        `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   *time.Time `json:"created_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// runHandle is the in-flight tracking entry for one run.
type runHandle struct {
	jobID   string
	runName string
	cancel  context.CancelFunc
	done    chan struct{}

	mu     sync.Mutex
	status types.ExecutionStatus
}

func (h *runHandle) setStatus(s types.ExecutionStatus) {
	h.mu.Lock()
	h.status = s
	h.mu.Unlock()
}

func (h *runHandle) getStatus() types.ExecutionStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Options wires a Service. Executions, Definitions and Engine are
// required; the rest degrade gracefully when nil.
type Options struct {
	Config         config.ExecutionConfig
	Executions     *repository.ExecutionRepository
	FlowExecutions *repository.FlowExecutionRepository
	Definitions    *repository.DefinitionRepository
	Engine         engine.Engine
	Compiler       *flow.Compiler
	Events         *events.Manager
	Hub            *stream.Hub
	StatusCache    *cache.StatusCache
	Collector      *metrics.Collector
	Logger         *zap.Logger
}

// Service drives crew and flow runs through the lifecycle state
// machine.
type Service struct {
	cfg       config.ExecutionConfig
	execs     *repository.ExecutionRepository
	flowExecs *repository.FlowExecutionRepository
	defs      *repository.DefinitionRepository
	eng       engine.Engine
	compiler  *flow.Compiler
	events    *events.Manager
	hub       *stream.Hub
	statuses  *cache.StatusCache
	collector *metrics.Collector
	logger    *zap.Logger

	mu       sync.Mutex
	inflight map[string]*runHandle
}

func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:       opts.Config,
		execs:     opts.Executions,
		flowExecs: opts.FlowExecutions,
		defs:      opts.Definitions,
		eng:       opts.Engine,
		compiler:  opts.Compiler,
		events:    opts.Events,
		hub:       opts.Hub,
		statuses:  opts.StatusCache,
		collector: opts.Collector,
		logger:    logger.With(zap.String("component", "execution_service")),
		inflight:  make(map[string]*runHandle),
	}
}

// SubmitCrew persists a PENDING run and schedules it. The response
// returns before any work happens.
func (s *Service) SubmitCrew(ctx context.Context, req CrewRequest) (*SubmitResponse, error) {
	if len(req.TaskIDs) == 0 {
		return nil, types.NewError(types.ErrInvalidRequest, "at least one task is required")
	}
	jobID, err := s.allocateJobID(req.JobID)
	if err != nil {
		return nil, err
	}
	runName := req.Name
	if runName == "" {
		runName = crewRunName(jobID, req.AgentIDs, req.TaskIDs)
	}
	trigger := req.TriggerType
	if trigger == "" {
		trigger = types.TriggerAPI
	}

	rec := &models.ExecutionRecord{
		JobID:         jobID,
		RunName:       runName,
		ExecutionType: types.ExecutionTypeCrew,
		Status:        types.StatusPending,
		TriggerType:   trigger,
		Inputs:        req.Inputs,
		Planning:      req.Planning,
	}
	handle, err := s.register(ctx, rec)
	if err != nil {
		return nil, err
	}

	go s.runCrew(handle, req)
	return &SubmitResponse{JobID: jobID, Status: types.StatusPending, RunName: runName}, nil
}

// SubmitFlow persists a PENDING flow run plus its FlowExecution row and
// schedules it.
func (s *Service) SubmitFlow(ctx context.Context, req FlowRequest) (*SubmitResponse, error) {
	if req.FlowID == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "flow_id is required")
	}
	flowDef, err := s.defs.GetFlow(ctx, req.FlowID)
	if err != nil {
		return nil, err
	}
	jobID, err := s.allocateJobID(req.JobID)
	if err != nil {
		return nil, err
	}
	runName := flowRunName(jobID, flowDef.Name)
	trigger := req.TriggerType
	if trigger == "" {
		trigger = types.TriggerAPI
	}

	rec := &models.ExecutionRecord{
		JobID:         jobID,
		RunName:       runName,
		ExecutionType: types.ExecutionTypeFlow,
		Status:        types.StatusPending,
		TriggerType:   trigger,
		FlowID:        req.FlowID,
		Inputs:        req.Inputs,
	}
	handle, err := s.register(ctx, rec)
	if err != nil {
		return nil, err
	}
	if err := s.flowExecs.Create(ctx, &models.FlowExecution{
		FlowID: req.FlowID,
		JobID:  jobID,
		Status: types.StatusPending,
		Config: req.Inputs,
	}); err != nil {
		s.release(jobID)
		return nil, err
	}

	go s.runFlow(handle, flowDef, req)
	return &SubmitResponse{JobID: jobID, Status: types.StatusPending, RunName: runName}, nil
}

// register persists the PENDING record and claims an in-flight slot.
func (s *Service) register(ctx context.Context, rec *models.ExecutionRecord) (*runHandle, error) {
	s.mu.Lock()
	if s.cfg.MaxConcurrent > 0 && len(s.inflight) >= s.cfg.MaxConcurrent {
		s.mu.Unlock()
		return nil, types.NewError(types.ErrRateLimit,
			fmt.Sprintf("concurrent execution limit %d reached", s.cfg.MaxConcurrent))
	}
	if _, exists := s.inflight[rec.JobID]; exists {
		s.mu.Unlock()
		return nil, types.NewError(types.ErrInvalidRequest,
			fmt.Sprintf("execution %s already in flight", rec.JobID))
	}
	handle := &runHandle{
		jobID:   rec.JobID,
		runName: rec.RunName,
		status:  types.StatusPending,
		done:    make(chan struct{}),
	}
	s.inflight[rec.JobID] = handle
	s.mu.Unlock()

	if err := s.execs.Create(ctx, rec); err != nil {
		s.release(rec.JobID)
		return nil, err
	}
	if s.collector != nil {
		s.collector.ExecutionStarted()
	}
	return handle, nil
}

// release drops an in-flight entry. Cleanup paths call it exactly once
// per run.
func (s *Service) release(jobID string) {
	s.mu.Lock()
	_, ok := s.inflight[jobID]
	delete(s.inflight, jobID)
	s.mu.Unlock()
	if ok && s.collector != nil {
		s.collector.ExecutionFinished()
	}
}

func (s *Service) lookup(jobID string) (*runHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.inflight[jobID]
	return h, ok
}

func (s *Service) allocateJobID(requested string) (string, error) {
	if requested == "" {
		return uuid.NewString(), nil
	}
	if len(requested) > 64 {
		return "", types.NewError(types.ErrInvalidRequest, "job_id exceeds 64 characters")
	}
	return requested, nil
}

// GetStatus answers from memory for in-flight runs, from the cache or
// store for finished ones, and reports StatusUnknown for ids it has
// never seen. It never errors on unknown ids.
func (s *Service) GetStatus(ctx context.Context, jobID string) (*StatusResponse, error) {
	if h, ok := s.lookup(jobID); ok {
		return &StatusResponse{
			JobID:   jobID,
			Status:  h.getStatus().String(),
			RunName: h.runName,
		}, nil
	}

	if s.statuses != nil {
		if snap, err := s.statuses.Get(ctx, jobID); err == nil {
			if s.collector != nil {
				s.collector.RecordCacheHit("status")
			}
			return &StatusResponse{
				JobID:       jobID,
				Status:      snap.Status,
				RunName:     snap.RunName,
				Error:       snap.Error,
				CreatedAt:   &snap.CreatedAt,
				CompletedAt: snap.CompletedAt,
			}, nil
		}
		if s.collector != nil {
			s.collector.RecordCacheMiss("status")
		}
	}

	rec, err := s.execs.GetByJobID(ctx, jobID)
	if err != nil {
		if types.GetErrorCode(err) == types.ErrNotFound {
			return &StatusResponse{JobID: jobID, Status: StatusUnknown}, nil
		}
		return nil, err
	}
	resp := &StatusResponse{
		JobID:       jobID,
		Status:      rec.Status.String(),
		RunName:     rec.RunName,
		Error:       rec.Error,
		CreatedAt:   &rec.CreatedAt,
		CompletedAt: rec.CompletedAt,
	}
	if len(rec.Result) > 0 {
		resp.Result = rec.Result
	}
	return resp, nil
}

// Cancel signals the in-flight run and waits a bounded time for it to
// acknowledge before writing CANCELLED. Runs not tracked in flight
// return false.
func (s *Service) Cancel(ctx context.Context, jobID string) bool {
	h, ok := s.lookup(jobID)
	if !ok {
		return false
	}
	s.logger.Info("cancelling execution", zap.String("job_id", jobID))
	h.cancelRun()

	select {
	case <-h.done:
	case <-time.After(s.cfg.CancelAckWait):
		s.logger.Warn("cancellation not acknowledged in time",
			zap.String("job_id", jobID),
			zap.Duration("waited", s.cfg.CancelAckWait))
	case <-ctx.Done():
	}
	if s.collector != nil {
		s.collector.RecordCancellation()
	}
	return true
}

func (h *runHandle) cancelRun() {
	h.mu.Lock()
	cancel := h.cancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// List merges stored rows with in-flight runs whose current in-memory
// status is newer than the stored one.
func (s *Service) List(ctx context.Context, filter repository.ExecutionFilter) ([]StatusResponse, error) {
	recs, err := s.execs.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]StatusResponse, 0, len(recs))
	for _, rec := range recs {
		resp := StatusResponse{
			JobID:       rec.JobID,
			Status:      rec.Status.String(),
			RunName:     rec.RunName,
			Error:       rec.Error,
			CreatedAt:   &rec.CreatedAt,
			CompletedAt: rec.CompletedAt,
		}
		if h, ok := s.lookup(rec.JobID); ok {
			resp.Status = h.getStatus().String()
		}
		out = append(out, resp)
	}
	return out, nil
}

// Delete removes a finished run and everything keyed to it. In-flight
// runs must be cancelled first.
func (s *Service) Delete(ctx context.Context, jobID string) error {
	if _, ok := s.lookup(jobID); ok {
		return types.NewError(types.ErrInvalidRequest,
			fmt.Sprintf("execution %s is in flight, cancel it first", jobID))
	}
	if s.statuses != nil {
		if err := s.statuses.Invalidate(ctx, jobID); err != nil {
			s.logger.Warn("status cache invalidation failed",
				zap.String("job_id", jobID), zap.Error(err))
		}
	}
	return s.execs.Delete(ctx, jobID)
}

// InFlightCount reports how many runs are currently tracked.
func (s *Service) InFlightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}
