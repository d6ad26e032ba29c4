package broker

import (
	"github.com/noetl/noetl/internal/domain"
	"github.com/noetl/noetl/internal/render"
)

// Plan is the output of one evaluation pass: the emissions and dispatches the
// broker should attempt given the current folded state. Computing the plan has
// no side effects, so it can be unit-tested without a database.
type Plan struct {
	// Dispatch lists steps whose dependencies are satisfied and whose own
	// when predicate held.
	Dispatch []*domain.Step
	// Skips lists steps excluded by a false predicate, their own or every
	// inbound edge's.
	Skips []Skip
	// Transitions lists edges whose predicate held off a terminal source.
	Transitions []Transition
	// PredicateFailures are predicate evaluation errors; each fails its node
	// permanently.
	PredicateFailures []PredicateFailure
	// FailedStep names a failed step with no matching outbound edge; it takes
	// the execution down. Empty when no unrouted failure exists.
	FailedStep  string
	FailedError string
	// Complete reports that every reached leaf finished and nothing is in
	// flight, so the execution can be closed.
	Complete bool
}

type Transition struct {
	From   string
	To     string
	Branch string
}

type Skip struct {
	Step   string
	Reason string
}

type PredicateFailure struct {
	Node string
	Expr string
	Err  error
}

func (p *Plan) Empty() bool {
	return len(p.Dispatch) == 0 && len(p.Skips) == 0 && len(p.Transitions) == 0 &&
		len(p.PredicateFailures) == 0 && p.FailedStep == "" && !p.Complete
}

// Per-step classification derived from the latest event.
const (
	stNone = iota
	stActive
	stDone
	stFailed
	stSkipped
)

func classify(pb *domain.Playbook, st *State) map[string]int {
	out := make(map[string]int, len(pb.Steps))
	for _, s := range pb.Steps {
		switch {
		case !st.HasEvents(s.Name):
			out[s.Name] = stNone
		case st.Latest[s.Name].EventType == domain.EventSkipped:
			out[s.Name] = stSkipped
		case st.StepFailed(s):
			out[s.Name] = stFailed
		case st.StepCompleted(s):
			out[s.Name] = stDone
		default:
			out[s.Name] = stActive
		}
	}
	return out
}

// ComputePlan derives what should happen next from the playbook graph and the
// folded state. The scope must already carry the workload and per-step result
// frames. The broker calls this repeatedly until the plan stops producing new
// events.
func ComputePlan(pb *domain.Playbook, st *State, sc *render.Scope) *Plan {
	plan := &Plan{}
	if !st.Started || st.Terminal != nil {
		return plan
	}

	cls := classify(pb, st)
	sources := pb.Sources()
	start := pb.Start()

	// Edge predicate results are cached so a predicate evaluates once per
	// pass; errors are reported once against the edge's source.
	type edgeKey struct{ from, to string }
	edgeTrue := map[edgeKey]bool{}
	edgeErr := map[string]bool{}
	evalEdge := func(from, to string) (bool, bool) {
		k := edgeKey{from, to}
		if v, ok := edgeTrue[k]; ok {
			return v, true
		}
		e := pb.EdgeBetween(from, to)
		if e == nil {
			return false, false
		}
		ok, err := render.EvalBool(e.When, sc)
		if err != nil {
			if !edgeErr[from] {
				edgeErr[from] = true
				plan.PredicateFailures = append(plan.PredicateFailures, PredicateFailure{
					Node: from, Expr: e.When, Err: err,
				})
			}
			edgeTrue[k] = false
			return false, true
		}
		edgeTrue[k] = ok
		return ok, true
	}

	// Dead steps: every inbound path is cut by a false edge, a skipped source,
	// or another dead step. Fixpoint over the graph.
	dead := map[string]bool{}
	for changed := true; changed; {
		changed = false
		for _, s := range pb.Steps {
			if cls[s.Name] != stNone || dead[s.Name] || s.Name == start.Name {
				continue
			}
			ins := sources[s.Name]
			if len(ins) == 0 {
				continue
			}
			allCut := true
			for _, from := range ins {
				switch cls[from] {
				case stSkipped:
					continue
				case stDone, stFailed:
					if ok, _ := evalEdge(from, s.Name); ok {
						allCut = false
					}
				default:
					if !dead[from] {
						allCut = false
					}
				}
				if !allCut {
					break
				}
			}
			if allCut {
				dead[s.Name] = true
				changed = true
			}
		}
	}
	for _, s := range pb.Steps {
		if dead[s.Name] {
			plan.Skips = append(plan.Skips, Skip{Step: s.Name, Reason: "no inbound branch taken"})
		}
	}

	// Transitions off terminal sources.
	for _, s := range pb.Steps {
		if cls[s.Name] != stDone && cls[s.Name] != stFailed {
			continue
		}
		branch := "then"
		if cls[s.Name] == stFailed {
			branch = "else"
		}
		for _, e := range s.Next {
			if ok, _ := evalEdge(s.Name, e.Step); ok {
				plan.Transitions = append(plan.Transitions, Transition{From: s.Name, To: e.Step, Branch: branch})
			}
		}
	}

	// Runnable targets: no events yet, at least one satisfied inbound edge,
	// none still pending. The start step runs unconditionally.
	tryDispatch := func(s *domain.Step) {
		ok, err := render.EvalBool(s.When, sc)
		if err != nil {
			plan.PredicateFailures = append(plan.PredicateFailures, PredicateFailure{
				Node: s.Name, Expr: s.When, Err: err,
			})
			return
		}
		if !ok {
			plan.Skips = append(plan.Skips, Skip{Step: s.Name, Reason: "when predicate false"})
			return
		}
		plan.Dispatch = append(plan.Dispatch, s)
	}
	if cls[start.Name] == stNone {
		tryDispatch(start)
	}
	for _, s := range pb.Steps {
		if cls[s.Name] != stNone || dead[s.Name] || s.Name == start.Name {
			continue
		}
		ins := sources[s.Name]
		if len(ins) == 0 {
			continue
		}
		satisfied, pending := 0, 0
		for _, from := range ins {
			switch cls[from] {
			case stSkipped:
			case stDone, stFailed:
				if ok, _ := evalEdge(from, s.Name); ok {
					satisfied++
				}
			default:
				if !dead[from] {
					pending++
				}
			}
		}
		if pending == 0 && satisfied > 0 {
			tryDispatch(s)
		}
	}

	// A failed step with no outbound edge taken fails the execution.
	for _, s := range pb.Steps {
		if cls[s.Name] != stFailed {
			continue
		}
		routed := false
		for _, e := range s.Next {
			if ok, _ := evalEdge(s.Name, e.Step); ok {
				routed = true
				break
			}
		}
		if !routed {
			plan.FailedStep = s.Name
			plan.FailedError = st.StepError(s.Name)
			return plan
		}
	}
	if len(plan.PredicateFailures) > 0 {
		return plan
	}

	// Completion: nothing to do, nothing running, every leaf settled.
	if len(plan.Dispatch) == 0 && len(plan.Skips) == 0 {
		busy := false
		for _, s := range pb.Steps {
			if cls[s.Name] == stActive {
				busy = true
				break
			}
		}
		if !busy {
			done := true
			for _, leaf := range pb.Leaves() {
				if cls[leaf.Name] != stDone && cls[leaf.Name] != stSkipped && !dead[leaf.Name] {
					done = false
					break
				}
			}
			plan.Complete = done
		}
	}
	return plan
}
