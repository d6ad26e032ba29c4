package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/noetl/noetl/internal/domain"
	"github.com/noetl/noetl/internal/render"
)

// fanOut renders the collection, records it on the iterator's step_started
// event and enqueues iteration work. Parallel mode enqueues every index at
// once; sequential mode enqueues index 0 and lets adviseLoop walk forward.
func (b *Broker) fanOut(ctx context.Context, exec *domain.Execution, s *domain.Step, sc *render.Scope) (int, error) {
	items, rErr := renderCollection(s.Loop.Collection, sc)
	if rErr != nil {
		_, fresh, err := b.emitStepStarted(ctx, exec.ID, s.Name, map[string]any{
			"type": domain.StepTypeIterator, "count": 0,
		}, sc)
		if err != nil {
			return 0, err
		}
		n, err := b.failNode(ctx, exec.ID, s.Name, domain.FailureTemplateError, rErr.Error())
		if fresh {
			n++
		}
		return n, err
	}

	started, fresh, err := b.emitStepStarted(ctx, exec.ID, s.Name, map[string]any{
		"type":  domain.StepTypeIterator,
		"count": len(items),
		"items": items,
		"mode":  s.Loop.EffectiveMode(),
	}, sc)
	if err != nil {
		return 0, err
	}
	if !fresh {
		return 0, nil
	}

	if len(items) == 0 {
		n, err := b.aggregateLoop(ctx, exec, s, nil, 0, 0)
		return n + 1, err
	}

	switch s.Loop.EffectiveMode() {
	case domain.LoopSequential:
		if err := b.enqueueIteration(ctx, exec, s, items, 0, started.EventID, sc); err != nil {
			return 1, err
		}
	default:
		for idx := range items {
			if err := b.enqueueIteration(ctx, exec, s, items, idx, started.EventID, sc); err != nil {
				return 1, err
			}
		}
	}
	return 1, nil
}

// adviseLoop moves an in-flight iterator forward: it enqueues the next
// sequential iteration when the previous one settled, and aggregates once
// every iteration is terminal or an early exit triggers. Aggregation is
// guarded by a single idempotency key, so exactly one loop_aggregated event
// exists per iterator no matter how many evaluators race here.
func (b *Broker) adviseLoop(ctx context.Context, exec *domain.Execution, s *domain.Step, st *State, sc *render.Scope) (int, error) {
	expected, ok := st.ExpectedIterations(s.Name)
	if !ok {
		return 0, nil
	}
	iters := st.Iterations[s.Name]
	failed := 0
	for _, ev := range iters {
		if ev.Status == domain.StatusFailed {
			failed++
		}
	}
	earlyExit := s.Loop.StopOnFailure() && failed > 0

	if !earlyExit && len(iters) < expected {
		if s.Loop.EffectiveMode() == domain.LoopSequential {
			items := fanoutItems(st, s.Name)
			next := nextIterationIndex(iters, expected)
			if next >= 0 && next < len(items) {
				parentEventID := st.Latest[s.Name].EventID
				if err := b.enqueueIteration(ctx, exec, s, items, next, parentEventID, sc); err != nil {
					return 0, err
				}
			}
		}
		return 0, nil
	}

	n, err := b.aggregateLoop(ctx, exec, s, iters, expected, failed)
	if err != nil {
		return n, err
	}
	if earlyExit {
		if _, cErr := b.queue.CancelPendingByPrefix(ctx, exec.ID, s.Name+"#"); cErr != nil {
			b.log.Error("loop early-exit cancel failed", "execution_id", exec.ID, "step", s.Name, "error", cErr)
		}
	}
	return n, nil
}

// aggregateLoop emits the single loop_aggregated event. results are in index
// order; failed slots carry the iteration error instead of a result.
func (b *Broker) aggregateLoop(ctx context.Context, exec *domain.Execution, s *domain.Step, iters map[int]*domain.Event, expected, failed int) (int, error) {
	results := make([]any, expected)
	var firstErr string
	for idx := 0; idx < expected; idx++ {
		ev, ok := iters[idx]
		if !ok {
			continue
		}
		var p map[string]any
		if len(ev.Payload) > 0 {
			_ = json.Unmarshal(ev.Payload, &p)
		}
		if ev.Status == domain.StatusFailed {
			msg, _ := p["error"].(string)
			if firstErr == "" {
				firstErr = msg
			}
			results[idx] = map[string]any{"error": msg}
			continue
		}
		if p != nil {
			results[idx] = p["result"]
		}
	}

	status := domain.StatusCompleted
	payload := map[string]any{"result": results, "count": expected, "failures": failed}
	if s.Loop.StopOnFailure() && failed > 0 {
		status = domain.StatusFailed
		payload["error"] = firstErr
	}
	_, fresh, err := b.emit(ctx, &domain.Event{
		ExecutionID:    exec.ID,
		EventType:      domain.EventLoopAggregated,
		NodeID:         s.Name,
		Status:         status,
		Payload:        mustJSON(payload),
		IdempotencyKey: keyStr(domain.LoopAggIdempotencyKey(exec.ID, s.Name)),
	})
	if err != nil {
		return 0, err
	}
	if fresh {
		return 1, nil
	}
	return 0, nil
}

// enqueueIteration dispatches one index of the loop body. Action bodies go to
// the queue under the synthesized iteration node; playbook bodies become child
// executions parented on that node. Both paths are idempotent per index.
func (b *Broker) enqueueIteration(ctx context.Context, exec *domain.Execution, s *domain.Step, items []any, idx int, parentEventID int64, sc *render.Scope) error {
	node := domain.LoopNodeID(s.Name, idx)
	frame := map[string]any{s.Loop.Element: items[idx]}
	idxName := s.Loop.Index
	if idxName == "" {
		idxName = "index"
	}
	frame[idxName] = idx
	isc := sc.Push(frame)

	body := s.Loop.Body
	if body.Type == domain.StepTypePlaybook {
		exists, err := b.iterationChildExists(ctx, exec.ID, node)
		if err != nil || exists {
			return err
		}
		childWl, rErr := render.RenderMap(body.With, isc)
		if rErr != nil {
			return b.failIteration(ctx, exec.ID, node, idx, rErr.Error())
		}
		_, sErr := b.StartExecution(ctx, StartRequest{
			Path:              body.Path,
			Version:           body.Version,
			Workload:          childWl,
			ParentExecutionID: &exec.ID,
			ParentStep:        node,
			ParentEventID:     &parentEventID,
		})
		if sErr != nil {
			return b.failIteration(ctx, exec.ID, node, idx, sErr.Error())
		}
		return nil
	}

	cfg, rErr := render.RenderMap(body.With, isc)
	if rErr != nil {
		return b.failIteration(ctx, exec.ID, node, idx, rErr.Error())
	}
	loopIdx := idx
	spec := &domain.ActionSpec{
		Type:           body.Type,
		Config:         cfg,
		Auth:           mergeAuth(s.Auth, body.Auth),
		TimeoutSeconds: timeoutFor(body, timeoutFor(s, b.cfg.DefaultTimeoutSeconds)),
		LoopStep:       s.Name,
		LoopIndex:      &loopIdx,
	}
	if body.Save != nil {
		spec.SaveKey = body.Save.Key
	}
	return b.enqueue(ctx, exec, node, body.Type, spec, s, isc)
}

// failIteration records a failed iteration slot so aggregation can account
// for it; the iterator node itself stays open.
func (b *Broker) failIteration(ctx context.Context, executionID uuid.UUID, node string, idx int, msg string) error {
	payload := mustJSON(map[string]any{
		"error":        msg,
		"failure_kind": domain.FailureTemplateError,
		"index":        idx,
		"status":       domain.StatusFailed,
	})
	_, _, err := b.emit(ctx, &domain.Event{
		ExecutionID:    executionID,
		EventType:      domain.EventLoopIteration,
		NodeID:         node,
		Status:         domain.StatusFailed,
		Payload:        payload,
		IdempotencyKey: keyStr(fmt.Sprintf("fail:%s:%s", executionID, node)),
	})
	return err
}

// iterationChildExists guards loop-body child creation: re-evaluation must not
// spawn a second execution for an index whose child is still running.
func (b *Broker) iterationChildExists(ctx context.Context, executionID uuid.UUID, node string) (bool, error) {
	children, err := b.execs.ListByParent(ctx, nil, executionID)
	if err != nil {
		return false, err
	}
	for _, child := range children {
		if child.ParentStep == node {
			return true, nil
		}
	}
	return false, nil
}

func fanoutItems(st *State, step string) []any {
	p := st.Payload(step)
	if p == nil {
		return nil
	}
	items, _ := p["items"].([]any)
	return items
}

// nextIterationIndex returns the smallest index without a terminal iteration
// event, or -1 when none remains.
func nextIterationIndex(iters map[int]*domain.Event, expected int) int {
	for idx := 0; idx < expected; idx++ {
		if _, ok := iters[idx]; !ok {
			return idx
		}
	}
	return -1
}

// renderCollection resolves a loop collection expression to a list. A string
// result is accepted when it parses as a JSON array.
func renderCollection(expr string, sc *render.Scope) ([]any, error) {
	v, err := render.RenderString(expr, sc)
	if err != nil {
		return nil, err
	}
	switch t := v.(type) {
	case []any:
		return t, nil
	case string:
		var out []any
		if jErr := json.Unmarshal([]byte(t), &out); jErr == nil {
			return out, nil
		}
		return nil, &render.Error{Expr: expr, Reason: "collection is not a list"}
	case nil:
		return nil, &render.Error{Expr: expr, Reason: "collection is empty"}
	default:
		return nil, &render.Error{Expr: expr, Reason: fmt.Sprintf("collection is %T, not a list", v)}
	}
}

func mergeAuth(base, over map[string]string) map[string]string {
	if len(base) == 0 {
		return over
	}
	out := make(map[string]string, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}
