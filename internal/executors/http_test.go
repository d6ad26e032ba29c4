package executors

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/noetl/noetl/internal/domain"
)

func TestHTTPExecutorSuccess(t *testing.T) {
	var gotPath, gotAuth, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.Query().Get("city")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"temp": 21.5}`))
	}))
	defer srv.Close()

	e := NewHTTPExecutor()
	out, err := e.Execute(context.Background(), map[string]any{
		"method":   "GET",
		"endpoint": srv.URL + "/current",
		"params":   map[string]any{"city": "paris"},
	}, map[string]map[string]any{
		"api": {"token": "tok-123"},
	}, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if gotPath != "/current" || gotQuery != "paris" {
		t.Fatalf("request: %s %s", gotPath, gotQuery)
	}
	if gotAuth != "Bearer tok-123" {
		t.Fatalf("auth header: %q", gotAuth)
	}
	res := out.(map[string]any)
	if res["status_code"] != 200 {
		t.Fatalf("status: %v", res["status_code"])
	}
	data := res["data"].(map[string]any)
	if data["temp"] != 21.5 {
		t.Fatalf("data: %v", data)
	}
}

func TestHTTPExecutorPostsJSONPayload(t *testing.T) {
	var gotContentType, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		gotBody = string(buf)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	e := NewHTTPExecutor()
	_, err := e.Execute(context.Background(), map[string]any{
		"method":   "post",
		"endpoint": srv.URL,
		"payload":  map[string]any{"name": "x"},
	}, nil, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if gotContentType != "application/json" || gotBody != `{"name":"x"}` {
		t.Fatalf("request body: %q %q", gotContentType, gotBody)
	}
}

func TestHTTPExecutorStatusClassification(t *testing.T) {
	status := http.StatusInternalServerError
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	e := NewHTTPExecutor()
	run := func() error {
		_, err := e.Execute(context.Background(), map[string]any{"endpoint": srv.URL}, nil, nil)
		return err
	}

	// 5xx and 429 retry; 401 is an auth failure; 404 is permanent.
	if err := run(); err == nil {
		t.Fatalf("500 should fail")
	} else if _, permanent := Classify(err); permanent {
		t.Fatalf("500 should be transient: %v", err)
	}

	status = http.StatusTooManyRequests
	if _, permanent := Classify(run()); permanent {
		t.Fatalf("429 should be transient")
	}

	status = http.StatusUnauthorized
	kind, permanent := Classify(run())
	if !permanent || kind != domain.FailureAuthError {
		t.Fatalf("401: %q %v", kind, permanent)
	}

	status = http.StatusNotFound
	kind, permanent = Classify(run())
	if !permanent || kind != domain.FailurePermanent {
		t.Fatalf("404: %q %v", kind, permanent)
	}
}

func TestHTTPExecutorBasicAuth(t *testing.T) {
	var user, pass string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, _ = r.BasicAuth()
	}))
	defer srv.Close()

	e := NewHTTPExecutor()
	if _, err := e.Execute(context.Background(), map[string]any{"endpoint": srv.URL},
		map[string]map[string]any{"svc": {"username": "alice", "password": "pw"}}, nil); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if user != "alice" || pass != "pw" {
		t.Fatalf("basic auth: %q %q", user, pass)
	}
}

func TestHTTPExecutorMissingEndpoint(t *testing.T) {
	e := NewHTTPExecutor()
	_, err := e.Execute(context.Background(), map[string]any{"method": "GET"}, nil, nil)
	if err == nil {
		t.Fatalf("expected error")
	}
	if _, permanent := Classify(err); !permanent {
		t.Fatalf("missing endpoint is not retryable")
	}
}
