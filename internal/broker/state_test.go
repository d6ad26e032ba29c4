package broker

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/noetl/noetl/internal/domain"
)

var testExecID = uuid.New()

func ev(id int64, eventType, node, status string, payload map[string]any) *domain.Event {
	e := &domain.Event{
		ExecutionID: testExecID,
		EventID:     id,
		EventType:   eventType,
		NodeID:      node,
		Status:      status,
	}
	if payload != nil {
		raw, _ := json.Marshal(payload)
		e.Payload = datatypes.JSON(raw)
	}
	return e
}

func TestFoldBasics(t *testing.T) {
	events := []*domain.Event{
		ev(1, domain.EventExecutionStart, ExecutionNode, domain.StatusStarted, nil),
		ev(2, domain.EventStepStarted, "start", domain.StatusStarted, nil),
		ev(3, domain.EventTransition, "start->fetch", domain.StatusCompleted, nil),
		ev(4, domain.EventStepStarted, "fetch", domain.StatusStarted, nil),
		ev(5, domain.EventActionCompleted, "fetch", domain.StatusCompleted,
			map[string]any{"result": map[string]any{"rows": float64(3)}}),
	}
	st := Fold(events)

	if !st.Started {
		t.Fatalf("execution_start not folded")
	}
	if st.LastEventID != 5 {
		t.Fatalf("last event id: %d", st.LastEventID)
	}
	if len(st.Transitions) != 1 || st.Transitions[0].NodeID != "start->fetch" {
		t.Fatalf("transitions: %v", st.Transitions)
	}
	if st.Terminal != nil {
		t.Fatalf("no terminal expected")
	}
	if st.LastCompletion == nil || st.LastCompletion.NodeID != "fetch" {
		t.Fatalf("last completion: %v", st.LastCompletion)
	}
	if st.Latest["fetch"].EventType != domain.EventActionCompleted {
		t.Fatalf("latest[fetch]: %v", st.Latest["fetch"])
	}
}

func TestFoldTerminalAndCancelled(t *testing.T) {
	st := Fold([]*domain.Event{
		ev(1, domain.EventExecutionStart, ExecutionNode, domain.StatusStarted, nil),
		ev(2, domain.EventExecutionCancelled, ExecutionNode, domain.StatusCancelled, nil),
	})
	if st.Terminal == nil || !st.Cancelled() {
		t.Fatalf("terminal: %v", st.Terminal)
	}
}

func TestFoldIterations(t *testing.T) {
	st := Fold([]*domain.Event{
		ev(1, domain.EventStepStarted, "fan", domain.StatusStarted,
			map[string]any{"count": float64(3), "mode": "parallel"}),
		ev(2, domain.EventLoopIteration, domain.LoopNodeID("fan", 2), domain.StatusCompleted,
			map[string]any{"result": "c"}),
		ev(3, domain.EventLoopIteration, domain.LoopNodeID("fan", 0), domain.StatusCompleted,
			map[string]any{"result": "a"}),
	})

	n, ok := st.ExpectedIterations("fan")
	if !ok || n != 3 {
		t.Fatalf("expected iterations: %d %v", n, ok)
	}
	iters := st.IterationEvents("fan")
	if len(iters) != 2 {
		t.Fatalf("iterations: %d", len(iters))
	}
	// Index order, not log order.
	if iters[0].NodeID != "fan#0" || iters[1].NodeID != "fan#2" {
		t.Fatalf("iteration order: %s %s", iters[0].NodeID, iters[1].NodeID)
	}
	if st.Aggregated("fan") {
		t.Fatalf("not aggregated yet")
	}
}

func TestStepCompletedNoop(t *testing.T) {
	noop := &domain.Step{Name: "start"}
	action := &domain.Step{Name: "fetch", Type: domain.StepTypeHTTP}

	st := Fold([]*domain.Event{
		ev(1, domain.EventStepStarted, "start", domain.StatusStarted, nil),
		ev(2, domain.EventStepStarted, "fetch", domain.StatusStarted, nil),
	})
	if !st.StepCompleted(noop) {
		t.Fatalf("bodyless step completes on step_started")
	}
	if st.StepCompleted(action) {
		t.Fatalf("action step needs a completion event")
	}
	if !st.StepInFlight(action) {
		t.Fatalf("dispatched action should be in flight")
	}
}

func TestStepFailedTransientIsNotRoutable(t *testing.T) {
	step := &domain.Step{Name: "fetch", Type: domain.StepTypeHTTP}

	transient := Fold([]*domain.Event{
		ev(1, domain.EventActionFailed, "fetch", domain.StatusFailed,
			map[string]any{"error": "connection reset", "failure_kind": domain.FailureTransient}),
	})
	if transient.StepFailed(step) {
		t.Fatalf("transient failure is still retrying, not routable")
	}
	if !transient.StepInFlight(step) {
		t.Fatalf("transient failure keeps the step in flight")
	}

	permanent := Fold([]*domain.Event{
		ev(1, domain.EventActionFailed, "fetch", domain.StatusFailed,
			map[string]any{"error": "401 unauthorized", "failure_kind": domain.FailureAuthError}),
	})
	if !permanent.StepFailed(step) {
		t.Fatalf("permanent failure should be routable")
	}
	if permanent.StepError("fetch") != "401 unauthorized" {
		t.Fatalf("step error: %q", permanent.StepError("fetch"))
	}
}

func TestStepFailedEarlyExitAggregation(t *testing.T) {
	step := &domain.Step{Name: "fan", Type: domain.StepTypeIterator}
	st := Fold([]*domain.Event{
		ev(1, domain.EventLoopAggregated, "fan", domain.StatusFailed,
			map[string]any{"error": "iteration 1 failed"}),
	})
	if !st.StepFailed(step) {
		t.Fatalf("failed aggregation should be routable")
	}
	if !st.Aggregated("fan") {
		t.Fatalf("aggregated")
	}
}

func TestStepResult(t *testing.T) {
	st := Fold([]*domain.Event{
		ev(1, domain.EventActionCompleted, "fetch", domain.StatusCompleted,
			map[string]any{"result": map[string]any{"status_code": float64(200)}}),
	})
	res, ok := st.StepResult("fetch").(map[string]any)
	if !ok || res["status_code"] != float64(200) {
		t.Fatalf("result: %v", st.StepResult("fetch"))
	}
	if st.StepResult("absent") != nil {
		t.Fatalf("absent node should have nil result")
	}
}

func TestFoldIgnoresReportedEvents(t *testing.T) {
	st := Fold([]*domain.Event{
		ev(1, domain.EventActionStarted, "fetch", domain.StatusInProgress, nil),
		ev(2, "rows_copied", "fetch", domain.StatusInProgress,
			map[string]any{"rows": float64(500)}),
	})
	latest := st.Latest["fetch"]
	if latest == nil || latest.EventType != domain.EventActionStarted {
		t.Fatalf("reported event displaced the planning event: %+v", latest)
	}
	if st.LastEventID != 2 {
		t.Fatalf("last event id: %d", st.LastEventID)
	}
}
