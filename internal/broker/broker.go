package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/noetl/noetl/internal/domain"
	"github.com/noetl/noetl/internal/observability"
	"github.com/noetl/noetl/internal/platform/logger"
	"github.com/noetl/noetl/internal/render"
	"github.com/noetl/noetl/internal/repos"
)

// Notifier fans committed events out to observers and wakes evaluation on
// other server instances. The broker works correctly with the no-op
// implementation; notification is latency, not correctness.
type Notifier interface {
	PublishEvent(ctx context.Context, ev *domain.Event)
	RequestEvaluate(ctx context.Context, executionID uuid.UUID)
}

type NopNotifier struct{}

func (NopNotifier) PublishEvent(context.Context, *domain.Event) {}
func (NopNotifier) RequestEvaluate(context.Context, uuid.UUID)  {}

type Config struct {
	// MaxQueuedPerExecution caps queued jobs per execution; 0 disables the cap.
	MaxQueuedPerExecution int
	DefaultTimeoutSeconds int
	// DefaultMaxAttempts applies when a step carries no max_attempts.
	DefaultMaxAttempts int
}

// Broker resolves the event log into runnable work: it folds events, plans the
// next emissions, enqueues actions, coordinates loops and sub-playbooks, and
// closes executions. Every emission is idempotency-keyed, so concurrent
// evaluation of the same execution converges on one outcome.
type Broker struct {
	db        *gorm.DB
	events    repos.EventRepo
	queue     repos.QueueRepo
	execs     repos.ExecutionRepo
	catalog   repos.CatalogRepo
	workloads repos.WorkloadRepo
	notify    Notifier
	log       *logger.Logger
	cfg       Config
}

func New(db *gorm.DB, events repos.EventRepo, queue repos.QueueRepo, execs repos.ExecutionRepo,
	catalog repos.CatalogRepo, workloads repos.WorkloadRepo, notify Notifier,
	baseLog *logger.Logger, cfg Config) *Broker {
	if notify == nil {
		notify = NopNotifier{}
	}
	if cfg.DefaultTimeoutSeconds <= 0 {
		cfg.DefaultTimeoutSeconds = 300
	}
	return &Broker{
		db:        db,
		events:    events,
		queue:     queue,
		execs:     execs,
		catalog:   catalog,
		workloads: workloads,
		notify:    notify,
		log:       baseLog.With("component", "broker"),
		cfg:       cfg,
	}
}

// StartRequest describes a new execution. The playbook is referenced either
// by CatalogID or by Path+Version. Parent fields are set only for
// sub-playbook children.
type StartRequest struct {
	CatalogID         uuid.UUID
	Path              string
	Version           string
	Workload          map[string]any
	ParentExecutionID *uuid.UUID
	ParentStep        string
	ParentEventID     *int64
}

// StartExecution registers the execution, seeds its workload, emits
// execution_start and runs the first evaluation pass.
func (b *Broker) StartExecution(ctx context.Context, req StartRequest) (*domain.Execution, error) {
	var entry *domain.CatalogEntry
	var err error
	if req.CatalogID != uuid.Nil {
		entry, err = b.catalog.GetByID(ctx, nil, req.CatalogID)
		if err != nil {
			return nil, fmt.Errorf("resolve playbook %s: %w", req.CatalogID, err)
		}
	} else {
		entry, err = b.catalog.GetByPathVersion(ctx, nil, req.Path, req.Version)
		if err != nil {
			return nil, fmt.Errorf("resolve playbook %s@%s: %w", req.Path, req.Version, err)
		}
	}
	pb, err := domain.ParsePlaybook([]byte(entry.Content))
	if err != nil {
		return nil, err
	}

	wl := mergeMaps(pb.Workload, req.Workload)
	rawWl, err := json.Marshal(wl)
	if err != nil {
		return nil, err
	}
	exec := &domain.Execution{
		ID:                uuid.New(),
		CatalogID:         entry.ID,
		Status:            domain.ExecutionPending,
		Workload:          datatypes.JSON(rawWl),
		ParentExecutionID: req.ParentExecutionID,
		ParentStep:        req.ParentStep,
		ParentEventID:     req.ParentEventID,
	}
	if err := b.execs.Create(ctx, nil, exec); err != nil {
		return nil, err
	}
	if err := b.workloads.Upsert(ctx, nil, exec.ID, wl); err != nil {
		return nil, err
	}

	payload := mustJSON(map[string]any{"path": entry.Path, "version": entry.Version})
	_, _, err = b.emit(ctx, &domain.Event{
		ExecutionID:    exec.ID,
		EventType:      domain.EventExecutionStart,
		NodeID:         ExecutionNode,
		Status:         domain.StatusStarted,
		Payload:        payload,
		ParentEventID:  req.ParentEventID,
		IdempotencyKey: keyStr("exec_start:" + exec.ID.String()),
	})
	if err != nil {
		return nil, err
	}
	if _, err := b.execs.SetStatus(ctx, nil, exec.ID, domain.ExecutionRunning, nil); err != nil {
		return nil, err
	}
	exec.Status = domain.ExecutionRunning

	if err := b.Evaluate(ctx, exec.ID); err != nil {
		b.log.Error("initial evaluation failed", "execution_id", exec.ID, "error", err)
	}
	return exec, nil
}

// Evaluate folds the log and applies evaluation passes until no new event is
// produced or the execution reaches a terminal state. Safe to call from any
// number of goroutines or server instances.
func (b *Broker) Evaluate(ctx context.Context, executionID uuid.UUID) error {
	exec, err := b.execs.Get(ctx, nil, executionID)
	if err != nil {
		return err
	}
	entry, err := b.catalog.GetByID(ctx, nil, exec.CatalogID)
	if err != nil {
		return err
	}
	pb, err := domain.ParsePlaybook([]byte(entry.Content))
	if err != nil {
		return err
	}

	maxPasses := len(pb.Steps)*4 + 8
	for pass := 0; pass < maxPasses; pass++ {
		events, err := b.events.Fetch(ctx, nil, executionID, 0)
		if err != nil {
			return err
		}
		st := Fold(events)
		if st.Terminal != nil {
			return b.finalize(ctx, exec, st.Terminal)
		}
		if !st.Started {
			return nil
		}

		sc, err := b.scope(ctx, exec, pb, st)
		if err != nil {
			return err
		}

		produced := 0
		for _, s := range pb.Steps {
			if s.Type == domain.StepTypeIterator && st.HasEvents(s.Name) && !st.Aggregated(s.Name) {
				n, err := b.adviseLoop(ctx, exec, s, st, sc)
				if err != nil {
					return err
				}
				produced += n
			}
		}

		plan := ComputePlan(pb, st, sc)

		for _, t := range plan.Transitions {
			payload := mustJSON(map[string]any{
				"from": t.From, "to": t.To, "branch": t.Branch, "when_result": true,
			})
			_, fresh, err := b.emit(ctx, &domain.Event{
				ExecutionID:    executionID,
				EventType:      domain.EventTransition,
				NodeID:         t.From + "->" + t.To,
				Status:         domain.StatusInProgress,
				Payload:        payload,
				IdempotencyKey: keyStr(fmt.Sprintf("tr:%s:%s:%s", executionID, t.From, t.To)),
			})
			if err != nil {
				return err
			}
			if fresh {
				produced++
			}
		}

		for _, sk := range plan.Skips {
			payload := mustJSON(map[string]any{"reason": sk.Reason})
			_, fresh, err := b.emit(ctx, &domain.Event{
				ExecutionID:    executionID,
				EventType:      domain.EventSkipped,
				NodeID:         sk.Step,
				Status:         domain.StatusSkipped,
				Payload:        payload,
				IdempotencyKey: keyStr(fmt.Sprintf("skip:%s:%s", executionID, sk.Step)),
			})
			if err != nil {
				return err
			}
			if fresh {
				produced++
			}
		}

		for _, pf := range plan.PredicateFailures {
			n, err := b.failNode(ctx, executionID, pf.Node, domain.FailurePredicateError, pf.Err.Error())
			if err != nil {
				return err
			}
			produced += n
		}

		for _, s := range plan.Dispatch {
			n, err := b.dispatchStep(ctx, exec, s, st, sc)
			if err != nil {
				return err
			}
			produced += n
		}

		if plan.FailedStep != "" {
			return b.closeExecution(ctx, exec, domain.EventExecutionFailed, map[string]any{
				"error": plan.FailedError, "step": plan.FailedStep,
			})
		}
		if plan.Complete {
			return b.closeExecution(ctx, exec, domain.EventExecutionCompleted, map[string]any{
				"result": executionResult(pb, st),
			})
		}
		if produced == 0 {
			return nil
		}
	}
	b.log.Warn("evaluation did not settle", "execution_id", executionID)
	return nil
}

// Cancel closes the execution, drops its queued jobs and cancels running
// children. Leased jobs finish or expire; their events land on a closed log.
func (b *Broker) Cancel(ctx context.Context, executionID uuid.UUID, reason string) error {
	exec, err := b.execs.Get(ctx, nil, executionID)
	if err != nil {
		return err
	}
	if err := b.closeExecution(ctx, exec, domain.EventExecutionCancelled, map[string]any{"reason": reason}); err != nil {
		return err
	}
	children, err := b.execs.ListByParent(ctx, nil, executionID)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, child := range children {
		if child.TerminalStatus() {
			continue
		}
		child := child
		g.Go(func() error {
			return b.Cancel(gctx, child.ID, "parent cancelled")
		})
	}
	return g.Wait()
}

// ReapExpired reclaims expired leases and settles every job the reap pushed to
// dead_letter: a terminal failure event plus an evaluation wake-up, the same
// settlement a live worker would have produced on its final attempt. Without
// it a step whose worker died on the last attempt stays in-flight forever.
func (b *Broker) ReapExpired(ctx context.Context, now time.Time) (int, error) {
	reclaimed, dead, err := b.queue.ReapExpired(ctx, now)
	if err != nil {
		return reclaimed, err
	}
	for _, job := range dead {
		if sErr := b.settleReaped(ctx, job); sErr != nil {
			b.log.Error("reaped job settlement failed",
				"execution_id", job.ExecutionID, "node_id", job.NodeID, "error", sErr)
		}
	}
	return reclaimed, nil
}

// settleReaped emits the terminal event for a dead-lettered job under the same
// idempotency key a worker would use, so a worker that raced the reaper and
// got its event in first wins and this append is absorbed.
func (b *Broker) settleReaped(ctx context.Context, job *domain.QueueJob) error {
	msg := job.LastError
	if msg == "" {
		msg = "lease expired"
	}
	payload := map[string]any{
		"error":        msg,
		"failure_kind": domain.FailureRetryExhausted,
		"attempts":     job.Attempts,
	}
	ev := &domain.Event{
		ExecutionID:    job.ExecutionID,
		EventType:      domain.EventActionFailed,
		NodeID:         job.NodeID,
		Status:         domain.StatusFailed,
		Context:        job.Context,
		IdempotencyKey: keyStr(fmt.Sprintf("adone:%s:%s", job.ExecutionID, job.NodeID)),
	}
	if spec, sErr := domain.UnmarshalActionSpec(job.Action); sErr == nil && spec.IsLoopIteration() {
		ev.EventType = domain.EventLoopIteration
		payload["index"] = *spec.LoopIndex
		payload["status"] = domain.StatusFailed
	}
	ev.Payload = mustJSON(payload)
	if _, _, err := b.emit(ctx, ev); err != nil {
		return err
	}
	b.notify.RequestEvaluate(ctx, job.ExecutionID)
	return nil
}

// dispatchStep emits step_started and hands the body to its coordinator:
// queue for actions, fan-out for iterators, a child execution for
// sub-playbooks. Steps without a body complete on step_started alone.
func (b *Broker) dispatchStep(ctx context.Context, exec *domain.Execution, s *domain.Step, st *State, sc *render.Scope) (int, error) {
	switch s.Type {
	case "", domain.StepTypeNoop:
		_, fresh, err := b.emitStepStarted(ctx, exec.ID, s.Name, map[string]any{"type": domain.StepTypeNoop}, sc)
		if err != nil || !fresh {
			return 0, err
		}
		return 1, nil

	case domain.StepTypeIterator:
		return b.fanOut(ctx, exec, s, sc)

	case domain.StepTypePlaybook:
		started, fresh, err := b.emitStepStarted(ctx, exec.ID, s.Name, map[string]any{
			"type": domain.StepTypePlaybook, "path": s.Path, "version": s.Version,
		}, sc)
		if err != nil || !fresh {
			return 0, err
		}
		childWl, rErr := render.RenderMap(s.With, sc)
		if rErr != nil {
			n, err := b.failNode(ctx, exec.ID, s.Name, domain.FailureTemplateError, rErr.Error())
			return n + 1, err
		}
		_, sErr := b.StartExecution(ctx, StartRequest{
			Path:              s.Path,
			Version:           s.Version,
			Workload:          childWl,
			ParentExecutionID: &exec.ID,
			ParentStep:        s.Name,
			ParentEventID:     &started.EventID,
		})
		if sErr != nil {
			n, err := b.failNode(ctx, exec.ID, s.Name, domain.FailurePermanent, sErr.Error())
			return n + 1, err
		}
		return 1, nil

	default:
		if b.cfg.MaxQueuedPerExecution > 0 {
			queued, err := b.queue.CountQueuedByExecution(ctx, exec.ID)
			if err != nil {
				return 0, err
			}
			if queued >= int64(b.cfg.MaxQueuedPerExecution) {
				b.log.Debug("dispatch deferred by queue cap", "execution_id", exec.ID, "step", s.Name)
				return 0, nil
			}
		}
		cfg, rErr := render.RenderMap(s.With, sc)
		if rErr != nil {
			_, fresh, err := b.emitStepStarted(ctx, exec.ID, s.Name, map[string]any{"type": s.Type}, sc)
			if err != nil {
				return 0, err
			}
			n, err := b.failNode(ctx, exec.ID, s.Name, domain.FailureTemplateError, rErr.Error())
			if fresh {
				n++
			}
			return n, err
		}
		_, fresh, err := b.emitStepStarted(ctx, exec.ID, s.Name, map[string]any{"type": s.Type}, sc)
		if err != nil {
			return 0, err
		}
		spec := &domain.ActionSpec{
			Type:           s.Type,
			Config:         cfg,
			Auth:           s.Auth,
			TimeoutSeconds: timeoutFor(s, b.cfg.DefaultTimeoutSeconds),
		}
		if s.Save != nil {
			spec.SaveKey = s.Save.Key
		}
		if err := b.enqueue(ctx, exec, s.Name, s.Type, spec, s, sc); err != nil {
			return 0, err
		}
		if fresh {
			return 1, nil
		}
		return 0, nil
	}
}

func (b *Broker) enqueue(ctx context.Context, exec *domain.Execution, nodeID, actionType string, spec *domain.ActionSpec, s *domain.Step, sc *render.Scope) error {
	attempts := s.MaxAttempts
	if attempts <= 0 {
		attempts = b.cfg.DefaultMaxAttempts
	}
	job := &domain.QueueJob{
		ExecutionID:     exec.ID,
		NodeID:          nodeID,
		ActionType:      actionType,
		Action:          datatypes.JSON(spec.Marshal()),
		Context:         scopeContext(sc),
		CatalogID:       exec.CatalogID,
		Priority:        s.Priority,
		MaxAttempts:     attempts,
		WorkerPoolLabel: s.Pool,
		IdempotencyKey:  keyStr(domain.EnqueueIdempotencyKey(exec.ID, nodeID)),
	}
	_, err := b.queue.Enqueue(ctx, nil, job)
	return err
}

func (b *Broker) emitStepStarted(ctx context.Context, executionID uuid.UUID, node string, payload map[string]any, sc *render.Scope) (*domain.Event, bool, error) {
	return b.emit(ctx, &domain.Event{
		ExecutionID:    executionID,
		EventType:      domain.EventStepStarted,
		NodeID:         node,
		Status:         domain.StatusStarted,
		Payload:        mustJSON(payload),
		Context:        scopeContext(sc),
		IdempotencyKey: keyStr(fmt.Sprintf("step:%s:%s", executionID, node)),
	})
}

// scopeContext snapshots the render environment for the event and queue
// context columns. Secret-typed values are redacted before serialization.
func scopeContext(sc *render.Scope) datatypes.JSON {
	if sc == nil {
		return nil
	}
	flat, _ := render.Redact(sc.Flatten()).(map[string]any)
	if len(flat) == 0 {
		return nil
	}
	return mustJSON(flat)
}

// failNode emits a permanent action_failed for the node. Returns the number of
// new events.
func (b *Broker) failNode(ctx context.Context, executionID uuid.UUID, node, kind, msg string) (int, error) {
	payload := mustJSON(map[string]any{"error": msg, "failure_kind": kind})
	_, fresh, err := b.emit(ctx, &domain.Event{
		ExecutionID:    executionID,
		EventType:      domain.EventActionFailed,
		NodeID:         node,
		Status:         domain.StatusFailed,
		Payload:        payload,
		IdempotencyKey: keyStr(fmt.Sprintf("fail:%s:%s", executionID, node)),
	})
	if err != nil {
		return 0, err
	}
	if fresh {
		return 1, nil
	}
	return 0, nil
}

// closeExecution emits the terminal event and settles the row, the queue and
// the parent. The terminal idempotency key makes first-writer-wins explicit.
func (b *Broker) closeExecution(ctx context.Context, exec *domain.Execution, eventType string, payload map[string]any) error {
	status := domain.StatusCompleted
	switch eventType {
	case domain.EventExecutionFailed:
		status = domain.StatusFailed
	case domain.EventExecutionCancelled:
		status = domain.StatusCancelled
	}
	term, _, err := b.emit(ctx, &domain.Event{
		ExecutionID:    exec.ID,
		EventType:      eventType,
		NodeID:         ExecutionNode,
		Status:         status,
		Payload:        mustJSON(payload),
		IdempotencyKey: keyStr("term:" + exec.ID.String()),
	})
	if err != nil {
		return err
	}
	return b.finalize(ctx, exec, term)
}

// finalize syncs the execution row with the terminal event, clears pending
// work and propagates the outcome to the parent execution.
func (b *Broker) finalize(ctx context.Context, exec *domain.Execution, term *domain.Event) error {
	var rowStatus string
	switch term.EventType {
	case domain.EventExecutionCompleted:
		rowStatus = domain.ExecutionCompleted
	case domain.EventExecutionFailed:
		rowStatus = domain.ExecutionFailed
	case domain.EventExecutionCancelled:
		rowStatus = domain.ExecutionCancelled
	default:
		return fmt.Errorf("finalize with non-terminal event %s", term.EventType)
	}
	now := time.Now().UTC()
	if _, err := b.execs.SetStatus(ctx, nil, exec.ID, rowStatus, &now); err != nil {
		return err
	}
	if rowStatus != domain.ExecutionCompleted {
		if _, err := b.queue.CancelPending(ctx, exec.ID); err != nil {
			b.log.Error("cancel pending jobs failed", "execution_id", exec.ID, "error", err)
		}
	}
	return b.propagateToParent(ctx, exec, term)
}

// propagateToParent surfaces a child terminal event as the parent step's
// outcome: action_completed/action_failed for plain sub-playbook steps,
// loop_iteration for loop-body children. Keyed on the child id, so replays
// are no-ops.
func (b *Broker) propagateToParent(ctx context.Context, exec *domain.Execution, term *domain.Event) error {
	if exec.ParentExecutionID == nil || exec.ParentStep == "" {
		return nil
	}
	parentID := *exec.ParentExecutionID

	var termPayload map[string]any
	if len(term.Payload) > 0 {
		_ = json.Unmarshal(term.Payload, &termPayload)
	}

	_, loopIndex, isIteration := domain.ParseLoopNodeID(exec.ParentStep)
	ev := &domain.Event{
		ExecutionID:    parentID,
		NodeID:         exec.ParentStep,
		ParentEventID:  exec.ParentEventID,
		IdempotencyKey: keyStr("child:" + exec.ID.String()),
	}
	switch term.EventType {
	case domain.EventExecutionCompleted:
		payload := map[string]any{"result": termPayload["result"], "child_execution_id": exec.ID.String()}
		if isIteration {
			payload["index"] = loopIndex
			payload["status"] = domain.StatusCompleted
			ev.EventType = domain.EventLoopIteration
		} else {
			ev.EventType = domain.EventActionCompleted
		}
		ev.Status = domain.StatusCompleted
		ev.Payload = mustJSON(payload)
	default:
		msg, _ := termPayload["error"].(string)
		if msg == "" {
			msg = "child execution " + strings.TrimPrefix(term.EventType, "execution_")
		}
		kind := domain.FailurePermanent
		if term.EventType == domain.EventExecutionCancelled {
			kind = domain.FailureCancelled
		}
		payload := map[string]any{"error": msg, "failure_kind": kind, "child_execution_id": exec.ID.String()}
		if isIteration {
			payload["index"] = loopIndex
			payload["status"] = domain.StatusFailed
			ev.EventType = domain.EventLoopIteration
		} else {
			ev.EventType = domain.EventActionFailed
		}
		ev.Status = domain.StatusFailed
		ev.Payload = mustJSON(payload)
	}
	if _, _, err := b.emit(ctx, ev); err != nil {
		return err
	}
	if err := b.Evaluate(ctx, parentID); err != nil {
		b.log.Error("parent evaluation failed", "execution_id", parentID, "error", err)
	}
	return nil
}

// scope assembles the render environment: workload at the root, one frame of
// settled step results above it.
func (b *Broker) scope(ctx context.Context, exec *domain.Execution, pb *domain.Playbook, st *State) (*render.Scope, error) {
	wl, err := b.workloads.Get(ctx, nil, exec.ID)
	if errors.Is(err, repos.ErrNotFound) {
		wl = map[string]any{}
		if len(exec.Workload) > 0 {
			_ = json.Unmarshal(exec.Workload, &wl)
		}
	} else if err != nil {
		return nil, err
	}
	base := map[string]any{
		"workload":     wl,
		"execution_id": exec.ID.String(),
	}
	steps := map[string]any{}
	for _, s := range pb.Steps {
		switch {
		case st.StepFailed(s):
			steps[s.Name] = map[string]any{"error": st.StepError(s.Name)}
		case st.StepCompleted(s):
			steps[s.Name] = map[string]any{"result": st.StepResult(s.Name)}
		}
	}
	return render.NewScope(base, steps), nil
}

// emit appends the event; fresh is false when the idempotency key already won.
func (b *Broker) emit(ctx context.Context, ev *domain.Event) (*domain.Event, bool, error) {
	if ev.TraceID == "" {
		ev.TraceID, ev.ParentSpanID = observability.SpanIDs(ctx)
	}
	out, err := b.events.Append(ctx, nil, ev)
	if errors.Is(err, repos.ErrConflict) {
		return out, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	b.notify.PublishEvent(ctx, out)
	return out, true, nil
}

func executionResult(pb *domain.Playbook, st *State) any {
	if pb.ReturnStep != "" {
		return st.StepResult(pb.ReturnStep)
	}
	if st.LastCompletion != nil {
		var m map[string]any
		if len(st.LastCompletion.Payload) > 0 {
			_ = json.Unmarshal(st.LastCompletion.Payload, &m)
		}
		if m != nil {
			return m["result"]
		}
	}
	return nil
}

func timeoutFor(s *domain.Step, def int) int {
	if s.TimeoutSeconds > 0 {
		return s.TimeoutSeconds
	}
	return def
}

func mergeMaps(base, over map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}

func mustJSON(m map[string]any) datatypes.JSON {
	b, err := json.Marshal(m)
	if err != nil {
		b = []byte(`{}`)
	}
	return datatypes.JSON(b)
}

func keyStr(s string) *string { return &s }
