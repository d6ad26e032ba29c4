package domain

import "testing"

func TestLoopNodeIDRoundTrip(t *testing.T) {
	id := LoopNodeID("fetch_cities", 7)
	if id != "fetch_cities#7" {
		t.Fatalf("got %q", id)
	}
	step, idx, ok := ParseLoopNodeID(id)
	if !ok || step != "fetch_cities" || idx != 7 {
		t.Fatalf("got %q %d %v", step, idx, ok)
	}
}

func TestParseLoopNodeIDRejectsPlainNames(t *testing.T) {
	for _, in := range []string{"fetch_cities", "#3", "step#", "step#-1", "step#abc"} {
		if _, _, ok := ParseLoopNodeID(in); ok {
			t.Fatalf("%q should not parse", in)
		}
	}
}

func TestEventTerminal(t *testing.T) {
	done := &Event{EventType: EventActionCompleted, Status: StatusCompleted}
	if !done.Terminal() {
		t.Fatalf("completed action should be terminal")
	}
	failed := &Event{EventType: EventActionFailed, Status: StatusFailed}
	if !failed.Terminal() {
		t.Fatalf("failed action should be terminal")
	}
	started := &Event{EventType: EventActionStarted, Status: StatusInProgress}
	if started.Terminal() {
		t.Fatalf("in-progress action is not terminal")
	}
	iter := &Event{EventType: EventLoopIteration, Status: StatusCompleted}
	if iter.Terminal() {
		t.Fatalf("loop iteration must not close its iterator node")
	}
}

func TestActionSpecLoopIteration(t *testing.T) {
	plain := &ActionSpec{Type: StepTypeHTTP}
	if plain.IsLoopIteration() {
		t.Fatalf("plain action is not an iteration")
	}
	idx := 2
	iter := &ActionSpec{Type: StepTypeHTTP, LoopStep: "fan", LoopIndex: &idx}
	if !iter.IsLoopIteration() {
		t.Fatalf("loop coordinates should mark an iteration")
	}

	decoded, err := UnmarshalActionSpec(iter.Marshal())
	if err != nil {
		t.Fatalf("round trip: %v", err)
	}
	if decoded.LoopStep != "fan" || decoded.LoopIndex == nil || *decoded.LoopIndex != 2 {
		t.Fatalf("decoded: %+v", decoded)
	}
}
