package render

import (
	"errors"
	"testing"
)

func testScope() *Scope {
	return NewScope(
		map[string]any{
			"workload": map[string]any{
				"base_url": "https://api.example.com",
				"count":    float64(3),
				"items":    []any{"a", "b", "c"},
			},
		},
		map[string]any{
			"fetch": map[string]any{
				"result": map[string]any{
					"status_code": float64(200),
					"data":        map[string]any{"rows": []any{float64(1), float64(2)}},
				},
			},
		},
	)
}

func TestRenderStringPlainPassthrough(t *testing.T) {
	out, err := RenderString("no templates here", testScope())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "no templates here" {
		t.Fatalf("got %v", out)
	}
}

func TestRenderStringTypedPath(t *testing.T) {
	out, err := RenderString("{{ .workload.items }}", testScope())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	items, ok := out.([]any)
	if !ok {
		t.Fatalf("expected []any, got %T", out)
	}
	if len(items) != 3 || items[0] != "a" {
		t.Fatalf("got %v", items)
	}
}

func TestRenderStringTypedPathIndexing(t *testing.T) {
	out, err := RenderString("{{ .workload.items.1 }}", testScope())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "b" {
		t.Fatalf("got %v", out)
	}
}

func TestRenderStringInterpolation(t *testing.T) {
	out, err := RenderString("{{ .workload.base_url }}/v1/users", testScope())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "https://api.example.com/v1/users" {
		t.Fatalf("got %v", out)
	}
}

func TestRenderStringUndefinedReference(t *testing.T) {
	_, err := RenderString("{{ .missing.thing }}", testScope())
	if err == nil {
		t.Fatalf("expected error for undefined reference")
	}
	var rErr *Error
	if !errors.As(err, &rErr) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if !rErr.Undefined {
		t.Fatalf("missing path should be tagged undefined")
	}
}

func TestRenderMapTraversesNested(t *testing.T) {
	cfg := map[string]any{
		"endpoint": "{{ .workload.base_url }}/items",
		"payload": map[string]any{
			"rows": "{{ .fetch.result.data.rows }}",
		},
		"retries": 5,
	}
	out, err := RenderMap(cfg, testScope())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out["endpoint"] != "https://api.example.com/items" {
		t.Fatalf("endpoint: %v", out["endpoint"])
	}
	payload := out["payload"].(map[string]any)
	rows, ok := payload["rows"].([]any)
	if !ok || len(rows) != 2 {
		t.Fatalf("rows: %#v", payload["rows"])
	}
	if out["retries"] != 5 {
		t.Fatalf("non-string leaf changed: %v", out["retries"])
	}
}

func TestEvalBool(t *testing.T) {
	sc := testScope()

	ok, err := EvalBool("", sc)
	if err != nil || !ok {
		t.Fatalf("empty predicate: %v %v", ok, err)
	}
	ok, err = EvalBool(`{{ if gt (num .workload.count) 2.0 }}true{{ end }}`, sc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("expected true")
	}
	ok, err = EvalBool(`{{ if gt (num .workload.count) 5.0 }}true{{ end }}`, sc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected false")
	}
	// Undefined references are falsy, not errors: branch predicates probe
	// state the other branch never wrote.
	ok, err = EvalBool("{{ .nope }}", sc)
	if err != nil || ok {
		t.Fatalf("undefined reference should be false: %v %v", ok, err)
	}
	// A genuine evaluation error still surfaces.
	if _, err = EvalBool("{{ num .workload }}", sc); err == nil {
		t.Fatalf("expected error for non-numeric conversion")
	}
}

func TestScopeShadowing(t *testing.T) {
	base := NewScope(map[string]any{"x": 1, "y": 2})
	child := base.Push(map[string]any{"x": 10})

	v, ok := child.Lookup("x")
	if !ok || v != 10 {
		t.Fatalf("closest frame should win, got %v", v)
	}
	v, ok = child.Lookup("y")
	if !ok || v != 2 {
		t.Fatalf("outer frame should be visible, got %v", v)
	}
	if v, _ := base.Lookup("x"); v != 1 {
		t.Fatalf("parent scope mutated: %v", v)
	}
}

func TestRedact(t *testing.T) {
	in := map[string]any{
		"token": Secret("s3cr3t"),
		"nested": []any{
			map[string]any{"password": Secret("hunter2"), "host": "db"},
		},
	}
	out := Redact(in).(map[string]any)
	if out["token"] != Redacted {
		t.Fatalf("token not redacted: %v", out["token"])
	}
	nested := out["nested"].([]any)[0].(map[string]any)
	if nested["password"] != Redacted || nested["host"] != "db" {
		t.Fatalf("nested redaction wrong: %v", nested)
	}
	if in["token"] != Secret("s3cr3t") {
		t.Fatalf("input mutated")
	}
}
