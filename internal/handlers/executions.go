package handlers

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/noetl/noetl/internal/broker"
	"github.com/noetl/noetl/internal/platform/logger"
	"github.com/noetl/noetl/internal/repos"
	"github.com/noetl/noetl/internal/sse"
)

type ExecutionHandler struct {
	log    *logger.Logger
	broker *broker.Broker
	execs  repos.ExecutionRepo
	events repos.EventRepo
	hub    *sse.Hub
}

func NewExecutionHandler(log *logger.Logger, b *broker.Broker, execs repos.ExecutionRepo,
	events repos.EventRepo, hub *sse.Hub) *ExecutionHandler {
	return &ExecutionHandler{
		log:    log.With("handler", "ExecutionHandler"),
		broker: b,
		execs:  execs,
		events: events,
		hub:    hub,
	}
}

type runRequest struct {
	Path       string         `json:"path"`
	PlaybookID string         `json:"playbook_id"`
	CatalogID  string         `json:"catalog_id"`
	Version    string         `json:"version"`
	Parameters map[string]any `json:"parameters"`
	// input_payload is a request alias for parameters.
	InputPayload map[string]any `json:"input_payload"`
}

func (r *runRequest) path() string {
	if r.Path != "" {
		return r.Path
	}
	return r.PlaybookID
}

func (r *runRequest) workload() map[string]any {
	if r.Parameters != nil {
		return r.Parameters
	}
	return r.InputPayload
}

// catalogID resolves the direct catalog row reference, when the request uses
// that form instead of path+version.
func (r *runRequest) catalogID() (uuid.UUID, error) {
	if r.CatalogID == "" {
		return uuid.Nil, nil
	}
	return uuid.Parse(r.CatalogID)
}

// Run starts an execution of a registered playbook, referenced by catalog_id
// or by path (alias playbook_id) plus version.
func (h *ExecutionHandler) Run(c *gin.Context) {
	var req runRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "bad_request", err)
		return
	}
	catalogID, err := req.catalogID()
	if err != nil {
		RespondError(c, http.StatusBadRequest, "bad_request", fmt.Errorf("bad catalog_id"))
		return
	}
	if catalogID == uuid.Nil && req.path() == "" {
		RespondError(c, http.StatusBadRequest, "bad_request", fmt.Errorf("catalog_id, path or playbook_id required"))
		return
	}
	exec, err := h.broker.StartExecution(c.Request.Context(), broker.StartRequest{
		CatalogID: catalogID,
		Path:      req.path(),
		Version:   req.Version,
		Workload:  req.workload(),
	})
	if err != nil {
		RespondFromError(c, err)
		return
	}
	RespondOK(c, exec)
}

func (h *ExecutionHandler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "bad_request", fmt.Errorf("bad execution id"))
		return
	}
	exec, err := h.execs.Get(c.Request.Context(), nil, id)
	if err != nil {
		RespondFromError(c, err)
		return
	}
	RespondOK(c, exec)
}

// Events pages the event log; ?since= returns events after that event_id.
func (h *ExecutionHandler) Events(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "bad_request", fmt.Errorf("bad execution id"))
		return
	}
	var since int64
	if raw := c.Query("since"); raw != "" {
		since, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			RespondError(c, http.StatusBadRequest, "bad_request", fmt.Errorf("bad since value"))
			return
		}
	}
	events, err := h.events.Fetch(c.Request.Context(), nil, id, since)
	if err != nil {
		RespondFromError(c, err)
		return
	}
	RespondOK(c, gin.H{"execution_id": id.String(), "events": events})
}

func (h *ExecutionHandler) Cancel(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "bad_request", fmt.Errorf("bad execution id"))
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body)
	if body.Reason == "" {
		body.Reason = "cancelled via api"
	}
	if err := h.broker.Cancel(c.Request.Context(), id, body.Reason); err != nil {
		RespondFromError(c, err)
		return
	}
	RespondOK(c, gin.H{"execution_id": id.String(), "status": "cancelled"})
}

// Stream serves the per-execution SSE feed.
func (h *ExecutionHandler) Stream(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "bad_request", fmt.Errorf("bad execution id"))
		return
	}
	client := h.hub.NewClient()
	h.hub.AddChannel(client, id.String())
	defer h.hub.CloseClient(client)
	h.hub.ServeHTTP(c.Writer, c.Request, client)
}
