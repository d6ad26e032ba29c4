package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noetl/noetl/internal/domain"
	"github.com/noetl/noetl/internal/platform/logger"
	"github.com/noetl/noetl/internal/repos"
)

type CatalogHandler struct {
	log     *logger.Logger
	catalog repos.CatalogRepo
}

func NewCatalogHandler(log *logger.Logger, catalog repos.CatalogRepo) *CatalogHandler {
	return &CatalogHandler{
		log:     log.With("handler", "CatalogHandler"),
		catalog: catalog,
	}
}

type catalogRegisterRequest struct {
	Path    string `json:"path"`
	Version string `json:"version"`
	Content string `json:"content"`
}

// Register validates the playbook before storing it: a catalog entry that
// cannot be parsed is useless to every execution that would reference it.
func (h *CatalogHandler) Register(c *gin.Context) {
	var req catalogRegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "bad_request", err)
		return
	}
	if req.Path == "" || req.Content == "" {
		RespondError(c, http.StatusBadRequest, "bad_request", fmt.Errorf("path and content required"))
		return
	}
	if req.Version == "" {
		req.Version = "1"
	}
	if _, err := domain.ParsePlaybook([]byte(req.Content)); err != nil {
		RespondError(c, http.StatusUnprocessableEntity, "invalid_playbook", err)
		return
	}
	entry, err := h.catalog.Register(c.Request.Context(), nil, &domain.CatalogEntry{
		Path:    req.Path,
		Version: req.Version,
		Content: req.Content,
	})
	if err != nil {
		RespondFromError(c, err)
		return
	}
	RespondOK(c, entry)
}

// Fetch resolves ?path= and optional ?version= ("latest" or empty picks the
// newest registration).
func (h *CatalogHandler) Fetch(c *gin.Context) {
	path := c.Query("path")
	if path == "" {
		RespondError(c, http.StatusBadRequest, "bad_request", fmt.Errorf("path required"))
		return
	}
	entry, err := h.catalog.GetByPathVersion(c.Request.Context(), nil, path, c.Query("version"))
	if err != nil {
		RespondFromError(c, err)
		return
	}
	RespondOK(c, entry)
}
