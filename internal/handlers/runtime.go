package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/datatypes"

	"github.com/noetl/noetl/internal/domain"
	"github.com/noetl/noetl/internal/platform/logger"
	"github.com/noetl/noetl/internal/repos"
)

type RuntimeHandler struct {
	log      *logger.Logger
	runtimes repos.RuntimeRepo
}

func NewRuntimeHandler(log *logger.Logger, runtimes repos.RuntimeRepo) *RuntimeHandler {
	return &RuntimeHandler{
		log:      log.With("handler", "RuntimeHandler"),
		runtimes: runtimes,
	}
}

type registerRequest struct {
	RuntimeID    string   `json:"runtime_id"`
	Pool         string   `json:"pool"`
	Capabilities []string `json:"capabilities"`
}

func (h *RuntimeHandler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "bad_request", err)
		return
	}
	if req.RuntimeID == "" {
		RespondError(c, http.StatusBadRequest, "bad_request", fmt.Errorf("runtime_id required"))
		return
	}
	caps, _ := json.Marshal(req.Capabilities)
	rt := &domain.Runtime{
		RuntimeID:    req.RuntimeID,
		PoolName:     req.Pool,
		Capabilities: datatypes.JSON(caps),
		Status:       domain.RuntimeReady,
	}
	if err := h.runtimes.Upsert(c.Request.Context(), nil, rt); err != nil {
		RespondFromError(c, err)
		return
	}
	RespondOK(c, rt)
}

type heartbeatRequest struct {
	RuntimeID    string   `json:"runtime_id"`
	Status       string   `json:"status"`
	Pool         string   `json:"pool"`
	Capabilities []string `json:"capabilities"`
}

// Heartbeat refreshes liveness and recreates the registration when a sweep
// removed it in between.
func (h *RuntimeHandler) Heartbeat(c *gin.Context) {
	var req heartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "bad_request", err)
		return
	}
	if req.RuntimeID == "" {
		RespondError(c, http.StatusBadRequest, "bad_request", fmt.Errorf("runtime_id required"))
		return
	}
	err := h.runtimes.Heartbeat(c.Request.Context(), req.RuntimeID, req.Status)
	if errors.Is(err, repos.ErrNotFound) {
		caps, _ := json.Marshal(req.Capabilities)
		err = h.runtimes.Upsert(c.Request.Context(), nil, &domain.Runtime{
			RuntimeID:    req.RuntimeID,
			PoolName:     req.Pool,
			Capabilities: datatypes.JSON(caps),
			Status:       req.Status,
		})
	}
	if err != nil {
		RespondFromError(c, err)
		return
	}
	RespondOK(c, gin.H{"runtime_id": req.RuntimeID, "status": "ok"})
}
