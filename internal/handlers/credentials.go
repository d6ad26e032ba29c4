package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/noetl/noetl/internal/domain"
	"github.com/noetl/noetl/internal/platform/logger"
	"github.com/noetl/noetl/internal/repos"
	"github.com/noetl/noetl/internal/secrets"
)

// CredentialHandler stores sealed credentials and serves redacted metadata.
// Plaintext data never leaves the store through this surface.
type CredentialHandler struct {
	log    *logger.Logger
	creds  repos.CredentialRepo
	sealer *secrets.Sealer
}

func NewCredentialHandler(log *logger.Logger, creds repos.CredentialRepo, sealer *secrets.Sealer) *CredentialHandler {
	return &CredentialHandler{
		log:    log.With("handler", "CredentialHandler"),
		creds:  creds,
		sealer: sealer,
	}
}

type credentialRequest struct {
	Name string         `json:"name"`
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
	Tags []string       `json:"tags"`
}

func (h *CredentialHandler) Upsert(c *gin.Context) {
	if h.sealer == nil {
		RespondError(c, http.StatusServiceUnavailable, "no_credential_key",
			fmt.Errorf("credential key not configured"))
		return
	}
	var req credentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "bad_request", err)
		return
	}
	if req.Name == "" || len(req.Data) == 0 {
		RespondError(c, http.StatusBadRequest, "bad_request", fmt.Errorf("name and data required"))
		return
	}
	sealed, err := h.sealer.Seal(req.Data)
	if err != nil {
		RespondFromError(c, err)
		return
	}
	cred := &domain.Credential{
		ID:            uuid.New(),
		Name:          req.Name,
		Type:          req.Type,
		EncryptedData: sealed,
	}
	if len(req.Tags) > 0 {
		cred.Tags = tagsJSON(req.Tags)
	}
	if err := h.creds.Upsert(c.Request.Context(), nil, cred); err != nil {
		RespondFromError(c, err)
		return
	}
	RespondOK(c, redactCredential(cred))
}

func (h *CredentialHandler) Get(c *gin.Context) {
	name := c.Param("name")
	cred, err := h.creds.GetByName(c.Request.Context(), nil, name)
	if err != nil {
		RespondFromError(c, err)
		return
	}
	RespondOK(c, redactCredential(cred))
}

func (h *CredentialHandler) List(c *gin.Context) {
	creds, err := h.creds.List(c.Request.Context(), nil)
	if err != nil {
		RespondFromError(c, err)
		return
	}
	out := make([]gin.H, 0, len(creds))
	for _, cred := range creds {
		out = append(out, redactCredential(cred))
	}
	RespondOK(c, gin.H{"credentials": out})
}

func tagsJSON(tags []string) datatypes.JSON {
	raw, _ := json.Marshal(tags)
	return datatypes.JSON(raw)
}

func redactCredential(cred *domain.Credential) gin.H {
	return gin.H{
		"credential_id": cred.ID.String(),
		"name":          cred.Name,
		"type":          cred.Type,
		"tags":          cred.Tags,
		"created_at":    cred.CreatedAt,
		"updated_at":    cred.UpdatedAt,
	}
}
