package handlers

import (
	"net/http"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/BaSui01/crewflow/repository"
	"github.com/BaSui01/crewflow/stream"
	"github.com/BaSui01/crewflow/types"
)

// StreamHandler upgrades status watchers to a WebSocket and feeds them
// the run's log history followed by live entries.
type StreamHandler struct {
	hub    *stream.Hub
	logs   *repository.LogRepository
	logger *zap.Logger
}

func NewStreamHandler(hub *stream.Hub, logs *repository.LogRepository, logger *zap.Logger) *StreamHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamHandler{
		hub:    hub,
		logs:   logs,
		logger: logger.With(zap.String("component", "stream_handler")),
	}
}

// HandleStream serves GET /api/v1/executions/{job_id}/stream.
//
// The subscription is registered before history is read, and live
// entries at or before the history cutoff are skipped, so a line is
// delivered at most once even while the run is still writing.
func (h *StreamHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	jobID := pathJobID(r)
	if jobID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "job_id is required", h.logger)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed",
			zap.String("job_id", jobID), zap.Error(err))
		return
	}
	ws := stream.NewWSConn(conn, h.logger)
	defer ws.Close()

	sub := h.hub.Subscribe(jobID)
	defer sub.Close()

	// CloseRead surfaces client disconnects through the context.
	ctx := ws.CloseRead(r.Context())

	var cutoff time.Time
	history, err := h.logs.ListByJobID(ctx, jobID, repository.PageFilter{})
	if err != nil {
		h.logger.Warn("log history read failed",
			zap.String("job_id", jobID), zap.Error(err))
	}
	for _, row := range history {
		entry := types.LogEntry{JobID: row.JobID, Content: row.Content, Timestamp: row.Timestamp}
		if err := ws.WriteJSON(ctx, entry); err != nil {
			return
		}
		if row.Timestamp.After(cutoff) {
			cutoff = row.Timestamp
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-sub.C():
			if !ok {
				return
			}
			if !cutoff.IsZero() && !entry.Timestamp.After(cutoff) {
				continue
			}
			if err := ws.WriteJSON(ctx, entry); err != nil {
				return
			}
		}
	}
}
