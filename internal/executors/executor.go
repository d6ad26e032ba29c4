package executors

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/noetl/noetl/internal/domain"
)

// Reporter lets an executor emit intermediate events while its action runs.
// The dispatcher enriches each report with worker identity and tracing context
// before appending it to the log; reported events never drive planning.
// Executors must not touch event storage directly.
type Reporter func(eventType, nodeID, status string, payload map[string]any)

// Executor runs one action type. Config is fully rendered before it reaches
// the executor; auth maps a local alias to opened credential data. report may
// be nil.
type Executor interface {
	Type() string
	Execute(ctx context.Context, config map[string]any, auth map[string]map[string]any, report Reporter) (any, error)
}

// PermanentError marks a failure retrying cannot fix: bad config, auth
// rejection, a 4xx response. Everything else is treated as transient.
type PermanentError struct {
	Kind string
	Err  error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

func Permanent(kind string, err error) error {
	if kind == "" {
		kind = domain.FailurePermanent
	}
	return &PermanentError{Kind: kind, Err: err}
}

func Permanentf(kind, format string, args ...any) error {
	return Permanent(kind, fmt.Errorf(format, args...))
}

// Classify splits an executor error into its failure kind and retryability.
func Classify(err error) (kind string, permanent bool) {
	var pe *PermanentError
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return domain.FailureTransient, false
}

// Registry resolves action types to executors. Its type list doubles as the
// worker's capability set.
type Registry struct {
	byType map[string]Executor
}

func NewRegistry(execs ...Executor) *Registry {
	r := &Registry{byType: make(map[string]Executor, len(execs))}
	for _, e := range execs {
		r.byType[e.Type()] = e
	}
	return r
}

func (r *Registry) Get(actionType string) (Executor, bool) {
	e, ok := r.byType[actionType]
	return e, ok
}

func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.byType))
	for t := range r.byType {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
