package broker

import (
	"encoding/json"
	"sort"

	"github.com/noetl/noetl/internal/domain"
)

// ExecutionNode is the synthetic node id carrying execution-level events
// (execution_start and the terminal tags).
const ExecutionNode = "execution"

// State is the in-memory execution state reconstructed by folding the event
// log. It is a pure function of the events: two folds of the same log are
// identical, which is what makes concurrent evaluation safe.
type State struct {
	// Latest event per node id, loop iteration nodes included.
	Latest map[string]*domain.Event
	// Iterations groups loop_iteration events by iterator step, keyed by
	// index, keeping the latest event per index.
	Iterations map[string]map[int]*domain.Event
	// Transitions taken, in log order.
	Transitions []*domain.Event
	LastEventID int64
	Started     bool
	// Terminal is the execution-level terminal event, if any.
	Terminal *domain.Event
	// LastCompletion is the most recent step completion carrying a result.
	// The execution result falls back to it when no return step is declared.
	LastCompletion *domain.Event
}

// Fold reconstructs state from an ordered event sequence.
func Fold(events []*domain.Event) *State {
	st := &State{
		Latest:     map[string]*domain.Event{},
		Iterations: map[string]map[int]*domain.Event{},
	}
	for _, ev := range events {
		if ev.EventID > st.LastEventID {
			st.LastEventID = ev.EventID
		}
		switch ev.EventType {
		case domain.EventExecutionStart:
			st.Started = true
		case domain.EventExecutionCompleted, domain.EventExecutionFailed, domain.EventExecutionCancelled:
			st.Terminal = ev
		case domain.EventTransition:
			st.Transitions = append(st.Transitions, ev)
		case domain.EventActionCompleted, domain.EventLoopAggregated:
			if ev.Status == domain.StatusCompleted {
				st.LastCompletion = ev
			}
		}
		if planningEvent(ev.EventType) {
			st.Latest[ev.NodeID] = ev
		}
		if ev.EventType == domain.EventLoopIteration {
			if step, idx, ok := domain.ParseLoopNodeID(ev.NodeID); ok {
				m := st.Iterations[step]
				if m == nil {
					m = map[int]*domain.Event{}
					st.Iterations[step] = m
				}
				m[idx] = ev
			}
		}
	}
	return st
}

// planningEvent reports whether the tag participates in folding. Events
// reported by executors may carry other tags; they reach the log and the
// stream but never change a node's planning state.
func planningEvent(t string) bool {
	switch t {
	case domain.EventExecutionStart, domain.EventExecutionCompleted,
		domain.EventExecutionFailed, domain.EventExecutionCancelled,
		domain.EventStepStarted, domain.EventActionStarted,
		domain.EventActionCompleted, domain.EventActionFailed,
		domain.EventLoopIteration, domain.EventLoopAggregated,
		domain.EventTransition, domain.EventSkipped:
		return true
	}
	return false
}

func (st *State) Cancelled() bool {
	return st.Terminal != nil && st.Terminal.EventType == domain.EventExecutionCancelled
}

// HasEvents reports whether any event exists for the node.
func (st *State) HasEvents(node string) bool {
	_, ok := st.Latest[node]
	return ok
}

// Payload decodes the payload of the node's latest event.
func (st *State) Payload(node string) map[string]any {
	ev := st.Latest[node]
	if ev == nil || len(ev.Payload) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(ev.Payload, &m); err != nil {
		return nil
	}
	return m
}

// StepCompleted reports that the node's latest event is action_completed,
// loop_aggregated, or skipped. Steps without a body (noop) complete the moment
// they start.
func (st *State) StepCompleted(step *domain.Step) bool {
	ev := st.Latest[step.Name]
	if ev == nil {
		return false
	}
	switch ev.EventType {
	case domain.EventActionCompleted, domain.EventLoopAggregated, domain.EventSkipped:
		return true
	case domain.EventStepStarted:
		return stepIsNoop(step)
	}
	return false
}

// StepFailed reports a routable failure: action_failed whose kind is not
// transient (transient failures are still retrying in the queue).
func (st *State) StepFailed(step *domain.Step) bool {
	ev := st.Latest[step.Name]
	if ev == nil || ev.EventType != domain.EventActionFailed {
		// An early-exit loop aggregation with failed status is also routable.
		if ev != nil && ev.EventType == domain.EventLoopAggregated && ev.Status == domain.StatusFailed {
			return true
		}
		return false
	}
	if p := st.Payload(step.Name); p != nil {
		if kind, _ := p["failure_kind"].(string); kind == domain.FailureTransient {
			return false
		}
	}
	return true
}

// StepInFlight reports work dispatched but not yet terminal for the node.
func (st *State) StepInFlight(step *domain.Step) bool {
	ev := st.Latest[step.Name]
	if ev == nil {
		return false
	}
	if st.StepCompleted(step) || st.StepFailed(step) {
		return false
	}
	switch ev.EventType {
	case domain.EventStepStarted, domain.EventActionStarted, domain.EventLoopIteration:
		return true
	case domain.EventActionFailed:
		return true // transient, retry pending
	}
	return false
}

// StepResult returns payload.result of the node's completion event.
func (st *State) StepResult(node string) any {
	ev := st.Latest[node]
	if ev == nil {
		return nil
	}
	var m map[string]any
	if len(ev.Payload) > 0 {
		_ = json.Unmarshal(ev.Payload, &m)
	}
	if m == nil {
		return nil
	}
	return m["result"]
}

// StepError returns payload.error of the node's failure event, if failed.
func (st *State) StepError(node string) string {
	ev := st.Latest[node]
	if ev == nil || ev.EventType != domain.EventActionFailed {
		return ""
	}
	var m map[string]any
	if len(ev.Payload) > 0 {
		_ = json.Unmarshal(ev.Payload, &m)
	}
	if m == nil {
		return ""
	}
	s, _ := m["error"].(string)
	return s
}

// ExpectedIterations reads the fan-out count recorded on the iterator's
// step_started event. ok is false before fan-out.
func (st *State) ExpectedIterations(step string) (int, bool) {
	ev := st.Latest[step]
	if ev == nil {
		return 0, false
	}
	p := st.Payload(step)
	if p == nil {
		return 0, false
	}
	switch n := p["count"].(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}

// Aggregated reports whether the iterator already has its loop_aggregated
// event.
func (st *State) Aggregated(step string) bool {
	ev := st.Latest[step]
	return ev != nil && ev.EventType == domain.EventLoopAggregated
}

// IterationEvents returns the iterator's per-index terminal events in index
// order. Indexes without an event are absent.
func (st *State) IterationEvents(step string) []*domain.Event {
	m := st.Iterations[step]
	if len(m) == 0 {
		return nil
	}
	idxs := make([]int, 0, len(m))
	for i := range m {
		idxs = append(idxs, i)
	}
	sort.Ints(idxs)
	out := make([]*domain.Event, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, m[i])
	}
	return out
}

// stepIsNoop: no executable body, no iterator, no sub-playbook. Such steps
// complete the moment step_started is emitted.
func stepIsNoop(step *domain.Step) bool {
	switch step.Type {
	case "", domain.StepTypeNoop:
		return true
	}
	return false
}
