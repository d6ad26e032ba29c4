package broker

import (
	"testing"

	"github.com/noetl/noetl/internal/domain"
	"github.com/noetl/noetl/internal/render"
)

const branchPlaybook = `
name: branchy
steps:
  - step: start
    next:
      - step: check
  - step: check
    type: http
    with:
      method: GET
      endpoint: "https://api.example.com/current"
    next:
      - step: big_path
        when: "{{ if gt (num .check.result.temp) 20.0 }}true{{ end }}"
      - step: small_path
        when: "{{ if le (num .check.result.temp) 20.0 }}true{{ end }}"
  - step: big_path
    type: http
    with:
      method: POST
      endpoint: "https://sink.example.com/big"
  - step: small_path
    type: http
    with:
      method: POST
      endpoint: "https://sink.example.com/small"
`

func mustParse(t *testing.T, content string) *domain.Playbook {
	t.Helper()
	pb, err := domain.ParsePlaybook([]byte(content))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return pb
}

func scopeFor(st *State, extra map[string]any) *render.Scope {
	frame := map[string]any{}
	for node := range st.Latest {
		entry := map[string]any{}
		if r := st.StepResult(node); r != nil {
			entry["result"] = r
		}
		if e := st.StepError(node); e != "" {
			entry["error"] = e
		}
		if len(entry) > 0 {
			frame[node] = entry
		}
	}
	sc := render.NewScope(map[string]any{"workload": map[string]any{}}, frame)
	if extra != nil {
		sc = sc.Push(extra)
	}
	return sc
}

func TestPlanDispatchesStartFirst(t *testing.T) {
	pb := mustParse(t, branchPlaybook)
	st := Fold([]*domain.Event{
		ev(1, domain.EventExecutionStart, ExecutionNode, domain.StatusStarted, nil),
	})
	plan := ComputePlan(pb, st, scopeFor(st, nil))

	if len(plan.Dispatch) != 1 || plan.Dispatch[0].Name != "start" {
		t.Fatalf("dispatch: %v", plan.Dispatch)
	}
	if len(plan.Skips) != 0 || len(plan.Transitions) != 0 || plan.Complete {
		t.Fatalf("plan: %+v", plan)
	}
}

func TestPlanIsInertBeforeStartAndAfterTerminal(t *testing.T) {
	pb := mustParse(t, branchPlaybook)

	empty := Fold(nil)
	if plan := ComputePlan(pb, empty, scopeFor(empty, nil)); !plan.Empty() {
		t.Fatalf("unstarted execution must not plan: %+v", plan)
	}

	closed := Fold([]*domain.Event{
		ev(1, domain.EventExecutionStart, ExecutionNode, domain.StatusStarted, nil),
		ev(2, domain.EventExecutionCancelled, ExecutionNode, domain.StatusCancelled, nil),
	})
	if plan := ComputePlan(pb, closed, scopeFor(closed, nil)); !plan.Empty() {
		t.Fatalf("terminal execution must not plan: %+v", plan)
	}
}

func TestPlanFollowsCompletedSource(t *testing.T) {
	pb := mustParse(t, branchPlaybook)
	st := Fold([]*domain.Event{
		ev(1, domain.EventExecutionStart, ExecutionNode, domain.StatusStarted, nil),
		ev(2, domain.EventStepStarted, "start", domain.StatusStarted, nil),
	})
	plan := ComputePlan(pb, st, scopeFor(st, nil))

	if len(plan.Transitions) != 1 || plan.Transitions[0] != (Transition{From: "start", To: "check", Branch: "then"}) {
		t.Fatalf("transitions: %v", plan.Transitions)
	}
	if len(plan.Dispatch) != 1 || plan.Dispatch[0].Name != "check" {
		t.Fatalf("dispatch: %v", plan.Dispatch)
	}
}

func TestPlanBranchSkipsUntakenPath(t *testing.T) {
	pb := mustParse(t, branchPlaybook)
	st := Fold([]*domain.Event{
		ev(1, domain.EventExecutionStart, ExecutionNode, domain.StatusStarted, nil),
		ev(2, domain.EventStepStarted, "start", domain.StatusStarted, nil),
		ev(3, domain.EventTransition, "start->check", domain.StatusCompleted, nil),
		ev(4, domain.EventStepStarted, "check", domain.StatusStarted, nil),
		ev(5, domain.EventActionCompleted, "check", domain.StatusCompleted,
			map[string]any{"result": map[string]any{"temp": float64(25)}}),
	})
	plan := ComputePlan(pb, st, scopeFor(st, nil))

	if len(plan.Dispatch) != 1 || plan.Dispatch[0].Name != "big_path" {
		t.Fatalf("dispatch: %v", plan.Dispatch)
	}
	if len(plan.Skips) != 1 || plan.Skips[0].Step != "small_path" {
		t.Fatalf("skips: %v", plan.Skips)
	}
	// Transitions are re-planned for every terminal source; the emit layer
	// dedupes on idempotency key. The taken branch must be among them.
	found := false
	for _, tr := range plan.Transitions {
		if tr == (Transition{From: "check", To: "big_path", Branch: "then"}) {
			found = true
		}
		if tr.To == "small_path" {
			t.Fatalf("untaken branch fired: %v", tr)
		}
	}
	if !found {
		t.Fatalf("transitions: %v", plan.Transitions)
	}
}

func TestPlanCompletion(t *testing.T) {
	pb := mustParse(t, branchPlaybook)
	st := Fold([]*domain.Event{
		ev(1, domain.EventExecutionStart, ExecutionNode, domain.StatusStarted, nil),
		ev(2, domain.EventStepStarted, "start", domain.StatusStarted, nil),
		ev(3, domain.EventTransition, "start->check", domain.StatusCompleted, nil),
		ev(4, domain.EventStepStarted, "check", domain.StatusStarted, nil),
		ev(5, domain.EventActionCompleted, "check", domain.StatusCompleted,
			map[string]any{"result": map[string]any{"temp": float64(25)}}),
		ev(6, domain.EventTransition, "check->big_path", domain.StatusCompleted, nil),
		ev(7, domain.EventSkipped, "small_path", domain.StatusSkipped, nil),
		ev(8, domain.EventStepStarted, "big_path", domain.StatusStarted, nil),
		ev(9, domain.EventActionCompleted, "big_path", domain.StatusCompleted,
			map[string]any{"result": map[string]any{"status_code": float64(200)}}),
	})
	plan := ComputePlan(pb, st, scopeFor(st, nil))

	if !plan.Complete {
		t.Fatalf("expected completion: %+v", plan)
	}
	if len(plan.Dispatch) != 0 || plan.FailedStep != "" {
		t.Fatalf("plan: %+v", plan)
	}
}

func TestPlanWaitsOnInFlightStep(t *testing.T) {
	pb := mustParse(t, branchPlaybook)
	st := Fold([]*domain.Event{
		ev(1, domain.EventExecutionStart, ExecutionNode, domain.StatusStarted, nil),
		ev(2, domain.EventStepStarted, "start", domain.StatusStarted, nil),
		ev(3, domain.EventTransition, "start->check", domain.StatusCompleted, nil),
		ev(4, domain.EventStepStarted, "check", domain.StatusStarted, nil),
		ev(5, domain.EventActionStarted, "check", domain.StatusInProgress, nil),
	})
	plan := ComputePlan(pb, st, scopeFor(st, nil))

	if len(plan.Dispatch) != 0 || plan.Complete {
		t.Fatalf("in-flight step must block: %+v", plan)
	}
}

func TestPlanUnroutedFailureFailsExecution(t *testing.T) {
	pb := mustParse(t, branchPlaybook)
	st := Fold([]*domain.Event{
		ev(1, domain.EventExecutionStart, ExecutionNode, domain.StatusStarted, nil),
		ev(2, domain.EventStepStarted, "start", domain.StatusStarted, nil),
		ev(3, domain.EventTransition, "start->check", domain.StatusCompleted, nil),
		ev(4, domain.EventStepStarted, "check", domain.StatusStarted, nil),
		ev(5, domain.EventActionFailed, "check", domain.StatusFailed,
			map[string]any{"error": "boom", "failure_kind": domain.FailurePermanent}),
	})
	plan := ComputePlan(pb, st, scopeFor(st, nil))

	if plan.FailedStep != "check" || plan.FailedError != "boom" {
		t.Fatalf("failure: %q %q", plan.FailedStep, plan.FailedError)
	}
}

const failureRoutedPlaybook = `
name: routed
steps:
  - step: start
    next:
      - step: fetch
  - step: fetch
    type: http
    with:
      method: GET
      endpoint: "https://api.example.com/x"
    next:
      - step: publish
        when: "{{ .fetch.result }}"
      - step: fallback
        when: "{{ .fetch.error }}"
  - step: publish
    type: http
    with:
      method: POST
      endpoint: "https://sink.example.com/ok"
  - step: fallback
    type: http
    with:
      method: POST
      endpoint: "https://sink.example.com/alert"
`

func TestPlanRoutesFailureThroughErrorEdge(t *testing.T) {
	pb := mustParse(t, failureRoutedPlaybook)
	st := Fold([]*domain.Event{
		ev(1, domain.EventExecutionStart, ExecutionNode, domain.StatusStarted, nil),
		ev(2, domain.EventStepStarted, "start", domain.StatusStarted, nil),
		ev(3, domain.EventTransition, "start->fetch", domain.StatusCompleted, nil),
		ev(4, domain.EventStepStarted, "fetch", domain.StatusStarted, nil),
		ev(5, domain.EventActionFailed, "fetch", domain.StatusFailed,
			map[string]any{"error": "upstream 500", "failure_kind": domain.FailurePermanent}),
	})
	plan := ComputePlan(pb, st, scopeFor(st, nil))

	if plan.FailedStep != "" {
		t.Fatalf("routed failure must not fail the execution: %+v", plan)
	}
	if len(plan.PredicateFailures) != 0 {
		t.Fatalf("probing .fetch.result on a failed step must not raise: %v", plan.PredicateFailures)
	}
	routed := false
	for _, tr := range plan.Transitions {
		if tr == (Transition{From: "fetch", To: "fallback", Branch: "else"}) {
			routed = true
		}
	}
	if !routed {
		t.Fatalf("transitions: %v", plan.Transitions)
	}
	if len(plan.Dispatch) != 1 || plan.Dispatch[0].Name != "fallback" {
		t.Fatalf("dispatch: %v", plan.Dispatch)
	}
	if len(plan.Skips) != 1 || plan.Skips[0].Step != "publish" {
		t.Fatalf("skips: %v", plan.Skips)
	}
}

const diamondPlaybook = `
name: diamond
steps:
  - step: start
    next:
      - step: left
      - step: right
  - step: left
    type: http
    with:
      method: GET
      endpoint: "https://api.example.com/l"
    next:
      - step: join
  - step: right
    type: http
    with:
      method: GET
      endpoint: "https://api.example.com/r"
    next:
      - step: join
  - step: join
`

func TestPlanDiamondJoinWaitsForAllSources(t *testing.T) {
	pb := mustParse(t, diamondPlaybook)

	// Only left finished: join must wait on right.
	st := Fold([]*domain.Event{
		ev(1, domain.EventExecutionStart, ExecutionNode, domain.StatusStarted, nil),
		ev(2, domain.EventStepStarted, "start", domain.StatusStarted, nil),
		ev(3, domain.EventTransition, "start->left", domain.StatusCompleted, nil),
		ev(4, domain.EventTransition, "start->right", domain.StatusCompleted, nil),
		ev(5, domain.EventStepStarted, "left", domain.StatusStarted, nil),
		ev(6, domain.EventStepStarted, "right", domain.StatusStarted, nil),
		ev(7, domain.EventActionCompleted, "left", domain.StatusCompleted,
			map[string]any{"result": "l"}),
	})
	plan := ComputePlan(pb, st, scopeFor(st, nil))
	for _, d := range plan.Dispatch {
		if d.Name == "join" {
			t.Fatalf("join dispatched before right finished")
		}
	}

	// Both finished: join runs once.
	st = Fold([]*domain.Event{
		ev(1, domain.EventExecutionStart, ExecutionNode, domain.StatusStarted, nil),
		ev(2, domain.EventStepStarted, "start", domain.StatusStarted, nil),
		ev(3, domain.EventTransition, "start->left", domain.StatusCompleted, nil),
		ev(4, domain.EventTransition, "start->right", domain.StatusCompleted, nil),
		ev(5, domain.EventStepStarted, "left", domain.StatusStarted, nil),
		ev(6, domain.EventStepStarted, "right", domain.StatusStarted, nil),
		ev(7, domain.EventActionCompleted, "left", domain.StatusCompleted,
			map[string]any{"result": "l"}),
		ev(8, domain.EventActionCompleted, "right", domain.StatusCompleted,
			map[string]any{"result": "r"}),
	})
	plan = ComputePlan(pb, st, scopeFor(st, nil))
	if len(plan.Dispatch) != 1 || plan.Dispatch[0].Name != "join" {
		t.Fatalf("dispatch: %v", plan.Dispatch)
	}
}

func TestPlanSkipCascades(t *testing.T) {
	const cascade = `
name: cascade
steps:
  - step: start
    next:
      - step: gate
  - step: gate
    type: http
    with:
      method: GET
      endpoint: "https://api.example.com/gate"
    next:
      - step: a
        when: "{{ .gate.result.go }}"
  - step: a
    next:
      - step: b
  - step: b
`
	pb := mustParse(t, cascade)
	st := Fold([]*domain.Event{
		ev(1, domain.EventExecutionStart, ExecutionNode, domain.StatusStarted, nil),
		ev(2, domain.EventStepStarted, "start", domain.StatusStarted, nil),
		ev(3, domain.EventTransition, "start->gate", domain.StatusCompleted, nil),
		ev(4, domain.EventStepStarted, "gate", domain.StatusStarted, nil),
		ev(5, domain.EventActionCompleted, "gate", domain.StatusCompleted,
			map[string]any{"result": map[string]any{"go": false}}),
	})
	plan := ComputePlan(pb, st, scopeFor(st, nil))

	skipped := map[string]bool{}
	for _, s := range plan.Skips {
		skipped[s.Step] = true
	}
	if !skipped["a"] || !skipped["b"] {
		t.Fatalf("cut subtree should be skipped: %v", plan.Skips)
	}
	if len(plan.Dispatch) != 0 {
		t.Fatalf("dispatch: %v", plan.Dispatch)
	}
}

func TestPlanPredicateErrorIsReported(t *testing.T) {
	const bad = `
name: bad
steps:
  - step: start
    next:
      - step: next_step
        when: "{{ if gt (num .workload) 1.0 }}true{{ end }}"
  - step: next_step
`
	pb := mustParse(t, bad)
	st := Fold([]*domain.Event{
		ev(1, domain.EventExecutionStart, ExecutionNode, domain.StatusStarted, nil),
		ev(2, domain.EventStepStarted, "start", domain.StatusStarted, nil),
	})
	plan := ComputePlan(pb, st, scopeFor(st, nil))

	if len(plan.PredicateFailures) != 1 || plan.PredicateFailures[0].Node != "start" {
		t.Fatalf("predicate failures: %v", plan.PredicateFailures)
	}
}

func TestPlanSkippedSourceDoesNotFire(t *testing.T) {
	pb := mustParse(t, branchPlaybook)
	st := Fold([]*domain.Event{
		ev(1, domain.EventExecutionStart, ExecutionNode, domain.StatusStarted, nil),
		ev(2, domain.EventStepStarted, "start", domain.StatusStarted, nil),
		ev(3, domain.EventTransition, "start->check", domain.StatusCompleted, nil),
		ev(4, domain.EventStepStarted, "check", domain.StatusStarted, nil),
		ev(5, domain.EventActionCompleted, "check", domain.StatusCompleted,
			map[string]any{"result": map[string]any{"temp": float64(25)}}),
		ev(6, domain.EventSkipped, "small_path", domain.StatusSkipped, nil),
		ev(7, domain.EventTransition, "check->big_path", domain.StatusCompleted, nil),
	})
	plan := ComputePlan(pb, st, scopeFor(st, nil))

	for _, tr := range plan.Transitions {
		if tr.From == "small_path" {
			t.Fatalf("skipped source fired an edge: %v", tr)
		}
	}
	if len(plan.Dispatch) != 1 || plan.Dispatch[0].Name != "big_path" {
		t.Fatalf("dispatch: %v", plan.Dispatch)
	}
}
