package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/noetl/noetl/internal/platform/apierr"
	"github.com/noetl/noetl/internal/repos"
)

func respond(t *testing.T, err error) (*httptest.ResponseRecorder, ErrorEnvelope) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	RespondFromError(c, err)

	var env ErrorEnvelope
	if uErr := json.Unmarshal(rec.Body.Bytes(), &env); uErr != nil {
		t.Fatalf("decode body: %v", uErr)
	}
	return rec, env
}

func TestRespondFromErrorNotFound(t *testing.T) {
	rec, env := respond(t, fmt.Errorf("load execution: %w", repos.ErrNotFound))
	if rec.Code != http.StatusNotFound || env.Error.Code != "not_found" {
		t.Fatalf("got %d %q", rec.Code, env.Error.Code)
	}
}

func TestRespondFromErrorConflict(t *testing.T) {
	rec, env := respond(t, repos.ErrConflict)
	if rec.Code != http.StatusConflict || env.Error.Code != "conflict" {
		t.Fatalf("got %d %q", rec.Code, env.Error.Code)
	}
}

func TestRespondFromErrorLeaseLost(t *testing.T) {
	rec, env := respond(t, repos.ErrLeaseLost)
	if rec.Code != http.StatusConflict || env.Error.Code != "lease_lost" {
		t.Fatalf("got %d %q", rec.Code, env.Error.Code)
	}
}

func TestRespondFromErrorAPIError(t *testing.T) {
	err := apierr.New(http.StatusUnprocessableEntity, "invalid_playbook", errors.New("missing start step"))
	rec, env := respond(t, err)
	if rec.Code != http.StatusUnprocessableEntity || env.Error.Code != "invalid_playbook" {
		t.Fatalf("got %d %q", rec.Code, env.Error.Code)
	}
	if env.Error.Message != "missing start step" {
		t.Fatalf("message: %q", env.Error.Message)
	}
}

func TestRespondFromErrorFallback(t *testing.T) {
	rec, env := respond(t, errors.New("boom"))
	if rec.Code != http.StatusInternalServerError || env.Error.Code != "internal" {
		t.Fatalf("got %d %q", rec.Code, env.Error.Code)
	}
}
