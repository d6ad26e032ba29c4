package executors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/noetl/noetl/internal/domain"
)

func TestClassify(t *testing.T) {
	kind, permanent := Classify(errors.New("connection refused"))
	if permanent || kind != domain.FailureTransient {
		t.Fatalf("plain errors are transient: %q %v", kind, permanent)
	}

	kind, permanent = Classify(Permanentf(domain.FailureAuthError, "401"))
	if !permanent || kind != domain.FailureAuthError {
		t.Fatalf("got %q %v", kind, permanent)
	}

	wrapped := fmt.Errorf("execute action: %w", Permanent("", errors.New("bad config")))
	kind, permanent = Classify(wrapped)
	if !permanent || kind != domain.FailurePermanent {
		t.Fatalf("wrapped permanent lost: %q %v", kind, permanent)
	}
}

func TestPermanentErrorUnwrap(t *testing.T) {
	inner := errors.New("root cause")
	err := Permanent(domain.FailureSaveError, inner)
	if !errors.Is(err, inner) {
		t.Fatalf("unwrap chain broken")
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(NewHTTPExecutor(), NewPostgresExecutor())

	if _, ok := r.Get(domain.StepTypeHTTP); !ok {
		t.Fatalf("http executor missing")
	}
	if _, ok := r.Get("duckdb"); ok {
		t.Fatalf("unknown type should not resolve")
	}
	types := r.Types()
	if len(types) != 2 || types[0] != "http" || types[1] != "postgres" {
		t.Fatalf("types: %v", types)
	}
}
