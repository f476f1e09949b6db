package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/crewflow/execution"
	"github.com/BaSui01/crewflow/repository"
	"github.com/BaSui01/crewflow/types"
)

// ExecutionHandler exposes run submission, status, cancellation and the
// per-run history endpoints.
type ExecutionHandler struct {
	svc    *execution.Service
	execs  *repository.ExecutionRepository
	traces *repository.TraceRepository
	logs   *repository.LogRepository
	logger *zap.Logger
}

func NewExecutionHandler(svc *execution.Service, execs *repository.ExecutionRepository, traces *repository.TraceRepository, logs *repository.LogRepository, logger *zap.Logger) *ExecutionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExecutionHandler{
		svc:    svc,
		execs:  execs,
		traces: traces,
		logs:   logs,
		logger: logger.With(zap.String("component", "execution_handler")),
	}
}

// HandleSubmitCrew accepts a crew run. POST /api/v1/executions/crew
func (h *ExecutionHandler) HandleSubmitCrew(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, types.ErrInvalidRequest, "method not allowed", h.logger)
		return
	}
	var req execution.CrewRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	resp, err := h.svc.SubmitCrew(r.Context(), req)
	if err != nil {
		writeServiceError(w, err, h.logger)
		return
	}
	WriteAccepted(w, resp)
}

// HandleSubmitFlow accepts a flow run. POST /api/v1/executions/flow
func (h *ExecutionHandler) HandleSubmitFlow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, types.ErrInvalidRequest, "method not allowed", h.logger)
		return
	}
	var req execution.FlowRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	resp, err := h.svc.SubmitFlow(r.Context(), req)
	if err != nil {
		writeServiceError(w, err, h.logger)
		return
	}
	WriteAccepted(w, resp)
}

// HandleList lists runs, newest first. GET /api/v1/executions
func (h *ExecutionHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, types.ErrInvalidRequest, "method not allowed", h.logger)
		return
	}
	filter := repository.ExecutionFilter{
		Status:        types.ExecutionStatus(r.URL.Query().Get("status")),
		ExecutionType: types.ExecutionType(r.URL.Query().Get("type")),
		Limit:         queryInt(r, "limit", 50),
		Offset:        queryInt(r, "offset", 0),
	}
	rows, err := h.svc.List(r.Context(), filter)
	if err != nil {
		writeServiceError(w, err, h.logger)
		return
	}
	WriteSuccess(w, rows)
}

// HandleExecution answers status polls and deletes finished runs.
// GET|DELETE /api/v1/executions/{job_id}
func (h *ExecutionHandler) HandleExecution(w http.ResponseWriter, r *http.Request) {
	jobID := pathJobID(r)
	if jobID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "job_id is required", h.logger)
		return
	}
	switch r.Method {
	case http.MethodGet:
		status, err := h.svc.GetStatus(r.Context(), jobID)
		if err != nil {
			writeServiceError(w, err, h.logger)
			return
		}
		WriteSuccess(w, status)
	case http.MethodDelete:
		if err := h.svc.Delete(r.Context(), jobID); err != nil {
			writeServiceError(w, err, h.logger)
			return
		}
		WriteSuccess(w, map[string]string{"job_id": jobID, "deleted": "true"})
	default:
		WriteErrorMessage(w, http.StatusMethodNotAllowed, types.ErrInvalidRequest, "method not allowed", h.logger)
	}
}

// HandleCancel requests cancellation of an in-flight run.
// POST /api/v1/executions/{job_id}/cancel
func (h *ExecutionHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, types.ErrInvalidRequest, "method not allowed", h.logger)
		return
	}
	jobID := pathJobID(r)
	if jobID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "job_id is required", h.logger)
		return
	}
	if !h.svc.Cancel(r.Context(), jobID) {
		WriteErrorMessage(w, http.StatusNotFound, types.ErrNotFound,
			"execution is not in flight", h.logger)
		return
	}
	WriteSuccess(w, map[string]string{"job_id": jobID, "cancelled": "true"})
}

// HandleTasks lists per-task progress for a run.
// GET /api/v1/executions/{job_id}/tasks
func (h *ExecutionHandler) HandleTasks(w http.ResponseWriter, r *http.Request) {
	jobID := pathJobID(r)
	if jobID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "job_id is required", h.logger)
		return
	}
	rows, err := h.execs.ListTaskStatuses(r.Context(), jobID)
	if err != nil {
		writeServiceError(w, err, h.logger)
		return
	}
	WriteSuccess(w, rows)
}

// HandleErrors lists classified failures for a run.
// GET /api/v1/executions/{job_id}/errors
func (h *ExecutionHandler) HandleErrors(w http.ResponseWriter, r *http.Request) {
	jobID := pathJobID(r)
	if jobID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "job_id is required", h.logger)
		return
	}
	rows, err := h.execs.ListErrorTraces(r.Context(), jobID)
	if err != nil {
		writeServiceError(w, err, h.logger)
		return
	}
	WriteSuccess(w, rows)
}

// HandleTraces pages through the persisted trace events of a run.
// GET /api/v1/executions/{job_id}/traces
func (h *ExecutionHandler) HandleTraces(w http.ResponseWriter, r *http.Request) {
	jobID := pathJobID(r)
	if jobID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "job_id is required", h.logger)
		return
	}
	page := repository.PageFilter{
		Limit:  queryInt(r, "limit", 100),
		Offset: queryInt(r, "offset", 0),
	}
	rows, err := h.traces.ListByJobID(r.Context(), jobID, page)
	if err != nil {
		writeServiceError(w, err, h.logger)
		return
	}
	total, err := h.traces.CountByJobID(r.Context(), jobID)
	if err != nil {
		writeServiceError(w, err, h.logger)
		return
	}
	WriteSuccess(w, map[string]any{"total": total, "traces": rows})
}

// HandleLogs pages through the persisted log lines of a run.
// GET /api/v1/executions/{job_id}/logs
func (h *ExecutionHandler) HandleLogs(w http.ResponseWriter, r *http.Request) {
	jobID := pathJobID(r)
	if jobID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "job_id is required", h.logger)
		return
	}
	page := repository.PageFilter{
		Limit:  queryInt(r, "limit", 100),
		Offset: queryInt(r, "offset", 0),
	}
	rows, err := h.logs.ListByJobID(r.Context(), jobID, page)
	if err != nil {
		writeServiceError(w, err, h.logger)
		return
	}
	WriteSuccess(w, rows)
}

// pathJobID reads the job id from the route pattern, with a prefix-trim
// fallback for muxes without pattern support.
func pathJobID(r *http.Request) string {
	if id := r.PathValue("job_id"); id != "" {
		return id
	}
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/executions/")
	if path == "" || path == r.URL.Path {
		return ""
	}
	if i := strings.IndexByte(path, '/'); i >= 0 {
		path = path[:i]
	}
	return path
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
