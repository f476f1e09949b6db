package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/crewflow/models"
	"github.com/BaSui01/crewflow/repository"
	"github.com/BaSui01/crewflow/types"
)

// DefinitionHandler exposes CRUD for the stored agent, task and flow
// definitions runs are assembled from.
type DefinitionHandler struct {
	defs   *repository.DefinitionRepository
	logger *zap.Logger
}

func NewDefinitionHandler(defs *repository.DefinitionRepository, logger *zap.Logger) *DefinitionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DefinitionHandler{
		defs:   defs,
		logger: logger.With(zap.String("component", "definition_handler")),
	}
}

// HandleAgents serves the agent collection.
// GET|POST /api/v1/agents
func (h *DefinitionHandler) HandleAgents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		agents, err := h.defs.ListAgents(r.Context())
		if err != nil {
			writeServiceError(w, err, h.logger)
			return
		}
		WriteSuccess(w, agents)
	case http.MethodPost:
		var agent models.Agent
		if err := DecodeJSONBody(w, r, &agent, h.logger); err != nil {
			return
		}
		if agent.ID == "" || agent.Name == "" {
			WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "id and name are required", h.logger)
			return
		}
		if err := h.defs.SaveAgent(r.Context(), &agent); err != nil {
			writeServiceError(w, err, h.logger)
			return
		}
		WriteSuccess(w, agent)
	default:
		WriteErrorMessage(w, http.StatusMethodNotAllowed, types.ErrInvalidRequest, "method not allowed", h.logger)
	}
}

// HandleAgent serves a single agent. GET|DELETE /api/v1/agents/{id}
func (h *DefinitionHandler) HandleAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "agent id is required", h.logger)
		return
	}
	switch r.Method {
	case http.MethodGet:
		agent, err := h.defs.GetAgent(r.Context(), id)
		if err != nil {
			writeServiceError(w, err, h.logger)
			return
		}
		WriteSuccess(w, agent)
	case http.MethodDelete:
		if err := h.defs.DeleteAgent(r.Context(), id); err != nil {
			writeServiceError(w, err, h.logger)
			return
		}
		WriteSuccess(w, map[string]string{"id": id, "deleted": "true"})
	default:
		WriteErrorMessage(w, http.StatusMethodNotAllowed, types.ErrInvalidRequest, "method not allowed", h.logger)
	}
}

// HandleTasks serves the task collection. GET|POST /api/v1/tasks
func (h *DefinitionHandler) HandleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		tasks, err := h.defs.ListTasks(r.Context())
		if err != nil {
			writeServiceError(w, err, h.logger)
			return
		}
		WriteSuccess(w, tasks)
	case http.MethodPost:
		var task models.Task
		if err := DecodeJSONBody(w, r, &task, h.logger); err != nil {
			return
		}
		if task.ID == "" || task.Description == "" {
			WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "id and description are required", h.logger)
			return
		}
		if err := h.defs.SaveTask(r.Context(), &task); err != nil {
			writeServiceError(w, err, h.logger)
			return
		}
		WriteSuccess(w, task)
	default:
		WriteErrorMessage(w, http.StatusMethodNotAllowed, types.ErrInvalidRequest, "method not allowed", h.logger)
	}
}

// HandleTask serves a single task. GET|DELETE /api/v1/tasks/{id}
func (h *DefinitionHandler) HandleTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "task id is required", h.logger)
		return
	}
	switch r.Method {
	case http.MethodGet:
		task, err := h.defs.GetTask(r.Context(), id)
		if err != nil {
			writeServiceError(w, err, h.logger)
			return
		}
		WriteSuccess(w, task)
	case http.MethodDelete:
		if err := h.defs.DeleteTask(r.Context(), id); err != nil {
			writeServiceError(w, err, h.logger)
			return
		}
		WriteSuccess(w, map[string]string{"id": id, "deleted": "true"})
	default:
		WriteErrorMessage(w, http.StatusMethodNotAllowed, types.ErrInvalidRequest, "method not allowed", h.logger)
	}
}

// HandleFlows serves the flow collection. GET|POST /api/v1/flows
func (h *DefinitionHandler) HandleFlows(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		flows, err := h.defs.ListFlows(r.Context())
		if err != nil {
			writeServiceError(w, err, h.logger)
			return
		}
		WriteSuccess(w, flows)
	case http.MethodPost:
		var flow models.Flow
		if err := DecodeJSONBody(w, r, &flow, h.logger); err != nil {
			return
		}
		if flow.ID == "" || flow.Name == "" {
			WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "id and name are required", h.logger)
			return
		}
		if err := h.defs.SaveFlow(r.Context(), &flow); err != nil {
			writeServiceError(w, err, h.logger)
			return
		}
		WriteSuccess(w, flow)
	default:
		WriteErrorMessage(w, http.StatusMethodNotAllowed, types.ErrInvalidRequest, "method not allowed", h.logger)
	}
}

// HandleFlow serves a single flow. GET|DELETE /api/v1/flows/{id}
func (h *DefinitionHandler) HandleFlow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "flow id is required", h.logger)
		return
	}
	switch r.Method {
	case http.MethodGet:
		flow, err := h.defs.GetFlow(r.Context(), id)
		if err != nil {
			writeServiceError(w, err, h.logger)
			return
		}
		WriteSuccess(w, flow)
	case http.MethodDelete:
		if err := h.defs.DeleteFlow(r.Context(), id); err != nil {
			writeServiceError(w, err, h.logger)
			return
		}
		WriteSuccess(w, map[string]string{"id": id, "deleted": "true"})
	default:
		WriteErrorMessage(w, http.StatusMethodNotAllowed, types.ErrInvalidRequest, "method not allowed", h.logger)
	}
}
