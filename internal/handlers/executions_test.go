package handlers

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
)

func TestRunRequestCatalogID(t *testing.T) {
	want := uuid.New()
	var req runRequest
	if err := json.Unmarshal([]byte(`{"catalog_id":"`+want.String()+`"}`), &req); err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, err := req.catalogID()
	if err != nil {
		t.Fatalf("catalogID: %v", err)
	}
	if got != want {
		t.Fatalf("got %s want %s", got, want)
	}
}

func TestRunRequestCatalogIDAbsent(t *testing.T) {
	req := runRequest{Path: "examples/weather"}
	got, err := req.catalogID()
	if err != nil {
		t.Fatalf("catalogID: %v", err)
	}
	if got != uuid.Nil {
		t.Fatalf("expected nil id, got %s", got)
	}
}

func TestRunRequestCatalogIDMalformed(t *testing.T) {
	req := runRequest{CatalogID: "not-a-uuid"}
	if _, err := req.catalogID(); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestRunRequestAliases(t *testing.T) {
	req := runRequest{PlaybookID: "examples/weather"}
	if req.path() != "examples/weather" {
		t.Fatalf("playbook_id alias: %q", req.path())
	}
	req = runRequest{Path: "a", PlaybookID: "b"}
	if req.path() != "a" {
		t.Fatalf("path must win: %q", req.path())
	}

	req = runRequest{InputPayload: map[string]any{"city": "Paris"}}
	if req.workload()["city"] != "Paris" {
		t.Fatalf("input_payload alias: %v", req.workload())
	}
	req = runRequest{
		Parameters:   map[string]any{"city": "Berlin"},
		InputPayload: map[string]any{"city": "Paris"},
	}
	if req.workload()["city"] != "Berlin" {
		t.Fatalf("parameters must win: %v", req.workload())
	}
}
