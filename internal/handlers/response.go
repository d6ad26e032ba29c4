package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noetl/noetl/internal/platform/apierr"
	"github.com/noetl/noetl/internal/repos"
)

type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

func RespondError(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.JSON(status, ErrorEnvelope{
		Error: APIError{
			Message: msg,
			Code:    code,
		},
	})
}

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}

// RespondFromError maps known error classes onto HTTP statuses.
func RespondFromError(c *gin.Context, err error) {
	var ae *apierr.Error
	switch {
	case errors.As(err, &ae):
		RespondError(c, ae.Status, ae.Code, ae.Err)
	case errors.Is(err, repos.ErrNotFound):
		RespondError(c, http.StatusNotFound, "not_found", err)
	case errors.Is(err, repos.ErrConflict):
		RespondError(c, http.StatusConflict, "conflict", err)
	case errors.Is(err, repos.ErrLeaseLost):
		RespondError(c, http.StatusConflict, "lease_lost", err)
	default:
		RespondError(c, http.StatusInternalServerError, "internal", err)
	}
}
