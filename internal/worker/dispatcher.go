package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/noetl/noetl/internal/domain"
	"github.com/noetl/noetl/internal/executors"
	"github.com/noetl/noetl/internal/observability"
	"github.com/noetl/noetl/internal/render"
	"github.com/noetl/noetl/internal/repos"
)

// process runs one leased job end to end: action_started, credential
// resolution, executor invocation, terminal event, queue settlement. The
// terminal event is written before the queue row is settled, so a crash
// between the two re-delivers a job whose outcome is already durable; the
// terminal idempotency key absorbs the replay.
func (w *Worker) process(ctx context.Context, job *domain.QueueJob) {
	log := w.log.With("queue_id", job.ID, "execution_id", job.ExecutionID, "node", job.NodeID)

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go w.heartbeatLease(jobCtx, job, cancel)

	spec, err := domain.UnmarshalActionSpec(job.Action)
	if err != nil {
		w.finishFailure(ctx, job, nil, job.Context, executors.Permanent(domain.FailurePermanent,
			fmt.Errorf("bad action spec: %w", err)))
		return
	}

	w.emitEvent(ctx, &domain.Event{
		ExecutionID: job.ExecutionID,
		EventType:   domain.EventActionStarted,
		NodeID:      job.NodeID,
		Status:      domain.StatusInProgress,
		Payload:     rawJSON(map[string]any{"attempt": job.Attempts, "worker": w.cfg.RuntimeID}),
		Context:     job.Context,
		IdempotencyKey: keyStr(fmt.Sprintf("astart:%s:%s:%d",
			job.ExecutionID, job.NodeID, job.Attempts)),
	})

	auth, authErr := w.openAuth(ctx, spec.Auth)
	if authErr != nil {
		w.finishFailure(ctx, job, spec, job.Context, authErr)
		return
	}
	jobContext := contextFor(job, auth)

	exec, ok := w.registry.Get(job.ActionType)
	if !ok {
		w.finishFailure(ctx, job, spec, jobContext, executors.Permanentf(domain.FailurePermanent,
			"no executor for action type %q", job.ActionType))
		return
	}

	actionCtx := jobCtx
	if spec.TimeoutSeconds > 0 {
		var actionCancel context.CancelFunc
		actionCtx, actionCancel = context.WithTimeout(jobCtx, time.Duration(spec.TimeoutSeconds)*time.Second)
		defer actionCancel()
	}

	started := time.Now()
	result, execErr := exec.Execute(actionCtx, spec.Config, auth, w.reporterFor(jobCtx, job))
	durationMS := time.Since(started).Milliseconds()
	if execErr != nil {
		if jobCtx.Err() != nil && ctx.Err() == nil {
			// Lease lost mid-flight: another holder owns the outcome now.
			log.Warn("abandoning job after lost lease")
			return
		}
		if errors.Is(execErr, context.DeadlineExceeded) {
			execErr = fmt.Errorf("action timed out after %ds", spec.TimeoutSeconds)
		}
		w.finishFailure(ctx, job, spec, jobContext, execErr)
		return
	}
	if jobCtx.Err() != nil && ctx.Err() == nil {
		// The lease fell while the action was finishing. The new holder owns
		// the outcome; reporting success here could contradict its events.
		log.Warn("abandoning completed job after lost lease")
		return
	}
	w.finishSuccess(ctx, job, spec, jobContext, result, durationMS)
}

func (w *Worker) finishSuccess(ctx context.Context, job *domain.QueueJob, spec *domain.ActionSpec, jobContext []byte, result any, durationMS int64) {
	terminal := &domain.Event{
		ExecutionID:    job.ExecutionID,
		NodeID:         job.NodeID,
		Status:         domain.StatusCompleted,
		Context:        jobContext,
		IdempotencyKey: keyStr(fmt.Sprintf("adone:%s:%s", job.ExecutionID, job.NodeID)),
	}
	payload := map[string]any{"result": result, "duration_ms": durationMS}
	if spec.IsLoopIteration() {
		terminal.EventType = domain.EventLoopIteration
		payload["index"] = *spec.LoopIndex
		payload["status"] = domain.StatusCompleted
	} else {
		terminal.EventType = domain.EventActionCompleted
	}
	terminal.Payload = rawJSON(payload)
	w.emitEvent(ctx, terminal)

	if spec.SaveKey != "" {
		if err := w.workloads.MergeKey(ctx, job.ExecutionID, spec.SaveKey, result); err != nil {
			// A failed save never undoes the completion; it gets its own
			// failure event on a synthetic node.
			w.emitEvent(ctx, &domain.Event{
				ExecutionID: job.ExecutionID,
				EventType:   domain.EventActionFailed,
				NodeID:      job.NodeID + ":save",
				Status:      domain.StatusFailed,
				Payload: rawJSON(map[string]any{
					"error": err.Error(), "failure_kind": domain.FailureSaveError,
				}),
				IdempotencyKey: keyStr(fmt.Sprintf("save:%s:%s", job.ExecutionID, job.NodeID)),
			})
		}
	}

	raw, _ := json.Marshal(result)
	if err := w.queue.Complete(ctx, job.ID, w.cfg.RuntimeID, raw); err != nil {
		if errors.Is(err, repos.ErrLeaseLost) {
			w.log.Debug("lease lost on complete; terminal event already committed",
				"queue_id", job.ID)
		} else {
			w.log.Error("queue complete failed", "queue_id", job.ID, "error", err)
		}
	}
	w.bus.RequestEvaluate(ctx, job.ExecutionID)
}

func (w *Worker) finishFailure(ctx context.Context, job *domain.QueueJob, spec *domain.ActionSpec, jobContext []byte, execErr error) {
	kind, permanent := executors.Classify(execErr)
	msg := execErr.Error()

	updated, err := w.queue.Fail(ctx, job.ID, w.cfg.RuntimeID, msg, permanent)
	if err != nil {
		if errors.Is(err, repos.ErrLeaseLost) {
			w.log.Warn("abandoning failed job after lost lease", "queue_id", job.ID)
			return
		}
		w.log.Error("queue fail failed", "queue_id", job.ID, "error", err)
		return
	}

	if updated.Status == domain.JobDeadLetter {
		finalKind := kind
		if !permanent {
			finalKind = domain.FailureRetryExhausted
		}
		terminal := &domain.Event{
			ExecutionID:    job.ExecutionID,
			NodeID:         job.NodeID,
			Status:         domain.StatusFailed,
			Context:        jobContext,
			IdempotencyKey: keyStr(fmt.Sprintf("adone:%s:%s", job.ExecutionID, job.NodeID)),
		}
		payload := map[string]any{"error": msg, "failure_kind": finalKind, "attempts": updated.Attempts}
		if spec != nil && spec.IsLoopIteration() {
			terminal.EventType = domain.EventLoopIteration
			payload["index"] = *spec.LoopIndex
			payload["status"] = domain.StatusFailed
		} else {
			terminal.EventType = domain.EventActionFailed
		}
		terminal.Payload = rawJSON(payload)
		w.emitEvent(ctx, terminal)
		w.bus.RequestEvaluate(ctx, job.ExecutionID)
		return
	}

	// Requeued: record the attempt, leave the step in flight.
	w.emitEvent(ctx, &domain.Event{
		ExecutionID: job.ExecutionID,
		EventType:   domain.EventActionFailed,
		NodeID:      job.NodeID,
		Status:      domain.StatusFailed,
		Payload: rawJSON(map[string]any{
			"error": msg, "failure_kind": domain.FailureTransient, "attempt": updated.Attempts,
		}),
		IdempotencyKey: keyStr(fmt.Sprintf("afail:%s:%s:%d",
			job.ExecutionID, job.NodeID, updated.Attempts)),
	})
}

// reporterFor gives the executor its event-reporting capability. Reports are
// enriched with worker identity and appended without an idempotency key, so a
// replayed job may repeat them; they are observational only.
func (w *Worker) reporterFor(ctx context.Context, job *domain.QueueJob) executors.Reporter {
	return func(eventType, nodeID, status string, payload map[string]any) {
		if eventType == "" {
			return
		}
		if nodeID == "" {
			nodeID = job.NodeID
		}
		enriched := map[string]any{"worker": w.cfg.RuntimeID}
		for k, v := range payload {
			enriched[k] = v
		}
		w.emitEvent(ctx, &domain.Event{
			ExecutionID: job.ExecutionID,
			EventType:   eventType,
			NodeID:      nodeID,
			Status:      status,
			Payload:     rawJSON(enriched),
		})
	}
}

// contextFor snapshots the environment the job runs under: the render context
// recorded on the queue row plus the credential aliases the action opened.
// Credential string values are typed Secret and redacted before serialization,
// so the snapshot can sit on the event row without leaking material.
func contextFor(job *domain.QueueJob, auth map[string]map[string]any) []byte {
	out := map[string]any{}
	if len(job.Context) > 0 {
		_ = json.Unmarshal(job.Context, &out)
	}
	if len(auth) > 0 {
		aliases := make(map[string]any, len(auth))
		for alias, fields := range auth {
			wrapped := make(map[string]any, len(fields))
			for k, v := range fields {
				if s, ok := v.(string); ok {
					wrapped[k] = render.Secret(s)
				} else {
					wrapped[k] = v
				}
			}
			aliases[alias] = render.Redact(wrapped)
		}
		out["auth"] = aliases
	}
	if len(out) == 0 {
		return nil
	}
	return rawJSON(out)
}

// openAuth resolves and unseals every credential alias the action names.
func (w *Worker) openAuth(ctx context.Context, aliases map[string]string) (map[string]map[string]any, error) {
	if len(aliases) == 0 {
		return nil, nil
	}
	if w.sealer == nil {
		return nil, executors.Permanentf(domain.FailureAuthError, "no credential key configured")
	}
	out := make(map[string]map[string]any, len(aliases))
	for alias, name := range aliases {
		cred, err := w.creds.GetByName(ctx, nil, name)
		if err != nil {
			if errors.Is(err, repos.ErrNotFound) {
				return nil, executors.Permanentf(domain.FailureAuthError, "credential %q not found", name)
			}
			return nil, err
		}
		data, err := w.sealer.Open(cred.EncryptedData)
		if err != nil {
			return nil, executors.Permanent(domain.FailureAuthError,
				fmt.Errorf("open credential %q: %w", name, err))
		}
		out[alias] = data
	}
	return out, nil
}

// heartbeatLease extends the lease at a third of its duration; losing it
// cancels the job context.
func (w *Worker) heartbeatLease(ctx context.Context, job *domain.QueueJob, cancel context.CancelFunc) {
	interval := w.cfg.LeaseDuration / 3
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.queue.Heartbeat(ctx, job.ID, w.cfg.RuntimeID, w.cfg.LeaseDuration)
			if errors.Is(err, repos.ErrLeaseLost) {
				w.log.Warn("lease lost", "queue_id", job.ID)
				cancel()
				return
			}
			if err != nil && ctx.Err() == nil {
				w.log.Warn("lease heartbeat failed", "queue_id", job.ID, "error", err)
			}
		}
	}
}

// emitEvent appends and publishes; idempotency conflicts are the expected
// replay path and are swallowed.
func (w *Worker) emitEvent(ctx context.Context, ev *domain.Event) {
	if ev.TraceID == "" {
		ev.TraceID, ev.ParentSpanID = observability.SpanIDs(ctx)
	}
	out, err := w.events.Append(ctx, nil, ev)
	if errors.Is(err, repos.ErrConflict) {
		return
	}
	if err != nil {
		w.log.Error("event append failed", "execution_id", ev.ExecutionID,
			"event_type", ev.EventType, "node", ev.NodeID, "error", err)
		return
	}
	w.bus.PublishEvent(ctx, out)
}

func rawJSON(m map[string]any) []byte {
	b, err := json.Marshal(m)
	if err != nil {
		return []byte(`{}`)
	}
	return b
}

func keyStr(s string) *string { return &s }
