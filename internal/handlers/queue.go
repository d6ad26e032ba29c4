package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/noetl/noetl/internal/domain"
	"github.com/noetl/noetl/internal/notify"
	"github.com/noetl/noetl/internal/platform/logger"
	"github.com/noetl/noetl/internal/repos"
)

// QueueHandler is the worker-facing HTTP surface. Out-of-process workers use
// it to lease and settle jobs; settlement writes the same terminal events an
// in-process dispatcher would, so the broker cannot tell the two apart.
type QueueHandler struct {
	log       *logger.Logger
	queue     repos.QueueRepo
	events    repos.EventRepo
	workloads repos.WorkloadRepo
	bus       notify.Bus
}

func NewQueueHandler(log *logger.Logger, queue repos.QueueRepo, events repos.EventRepo,
	workloads repos.WorkloadRepo, bus notify.Bus) *QueueHandler {
	return &QueueHandler{
		log:       log.With("handler", "QueueHandler"),
		queue:     queue,
		events:    events,
		workloads: workloads,
		bus:       bus,
	}
}

type leaseRequest struct {
	WorkerID             string   `json:"worker_id"`
	Pool                 string   `json:"pool"`
	Capabilities         []string `json:"capabilities"`
	LeaseDurationSeconds int      `json:"lease_duration_seconds"`
}

func (h *QueueHandler) Lease(c *gin.Context) {
	var req leaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "bad_request", err)
		return
	}
	if req.WorkerID == "" {
		RespondError(c, http.StatusBadRequest, "bad_request", fmt.Errorf("worker_id required"))
		return
	}
	job, err := h.queue.Lease(c.Request.Context(), req.WorkerID, req.Pool, req.Capabilities,
		time.Duration(req.LeaseDurationSeconds)*time.Second)
	if err != nil {
		RespondFromError(c, err)
		return
	}
	if job == nil {
		c.JSON(http.StatusOK, gin.H{"job": nil})
		return
	}
	RespondOK(c, gin.H{"job": job})
}

func (h *QueueHandler) Heartbeat(c *gin.Context) {
	id, workerID, ok := h.jobRef(c)
	if !ok {
		return
	}
	var body struct {
		LeaseDurationSeconds int `json:"lease_duration_seconds"`
	}
	_ = c.ShouldBindJSON(&body)
	err := h.queue.Heartbeat(c.Request.Context(), id, workerID,
		time.Duration(body.LeaseDurationSeconds)*time.Second)
	if err != nil {
		RespondFromError(c, err)
		return
	}
	RespondOK(c, gin.H{"queue_id": id.String(), "status": domain.JobLeased})
}

func (h *QueueHandler) Complete(c *gin.Context) {
	id, workerID, ok := h.jobRef(c)
	if !ok {
		return
	}
	var body struct {
		Result     any   `json:"result"`
		DurationMS int64 `json:"duration_ms"`
	}
	_ = c.ShouldBindJSON(&body)

	job, err := h.queue.Get(c.Request.Context(), nil, id)
	if err != nil {
		RespondFromError(c, err)
		return
	}
	raw, _ := json.Marshal(body.Result)
	if err := h.queue.Complete(c.Request.Context(), id, workerID, raw); err != nil {
		RespondFromError(c, err)
		return
	}
	h.emitTerminal(c, job, domain.StatusCompleted, map[string]any{
		"result": body.Result, "duration_ms": body.DurationMS,
	})
	h.saveResult(c, job, body.Result)
	h.bus.RequestEvaluate(c.Request.Context(), job.ExecutionID)
	RespondOK(c, gin.H{"queue_id": id.String(), "status": domain.JobCompleted})
}

func (h *QueueHandler) Fail(c *gin.Context) {
	id, workerID, ok := h.jobRef(c)
	if !ok {
		return
	}
	var body struct {
		Error       string `json:"error"`
		FailureKind string `json:"failure_kind"`
	}
	_ = c.ShouldBindJSON(&body)
	if body.FailureKind == "" {
		body.FailureKind = domain.FailureTransient
	}
	permanent := body.FailureKind != domain.FailureTransient

	job, err := h.queue.Get(c.Request.Context(), nil, id)
	if err != nil {
		RespondFromError(c, err)
		return
	}
	updated, err := h.queue.Fail(c.Request.Context(), id, workerID, body.Error, permanent)
	if err != nil {
		RespondFromError(c, err)
		return
	}
	if updated.Status == domain.JobDeadLetter {
		kind := body.FailureKind
		if !permanent {
			kind = domain.FailureRetryExhausted
		}
		h.emitTerminal(c, job, domain.StatusFailed, map[string]any{
			"error": body.Error, "failure_kind": kind, "attempts": updated.Attempts,
		})
		h.bus.RequestEvaluate(c.Request.Context(), job.ExecutionID)
	} else {
		h.emitAttemptFailure(c, job, updated.Attempts, body.Error)
	}
	RespondOK(c, gin.H{"queue_id": id.String(), "status": updated.Status})
}

// Report appends an executor-reported event for a leased job. These events
// are observational; they reach the log and the stream without an idempotency
// key and never change planning state.
func (h *QueueHandler) Report(c *gin.Context) {
	id, workerID, ok := h.jobRef(c)
	if !ok {
		return
	}
	var body struct {
		EventType string         `json:"event_type"`
		NodeID    string         `json:"node_id"`
		Status    string         `json:"status"`
		Payload   map[string]any `json:"payload"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		RespondError(c, http.StatusBadRequest, "bad_request", err)
		return
	}
	if body.EventType == "" {
		RespondError(c, http.StatusBadRequest, "bad_request", fmt.Errorf("event_type required"))
		return
	}
	job, err := h.queue.Get(c.Request.Context(), nil, id)
	if err != nil {
		RespondFromError(c, err)
		return
	}
	if body.NodeID == "" {
		body.NodeID = job.NodeID
	}
	enriched := map[string]any{"worker": workerID}
	for k, v := range body.Payload {
		enriched[k] = v
	}
	raw, _ := json.Marshal(enriched)
	ev := &domain.Event{
		ExecutionID: job.ExecutionID,
		EventType:   body.EventType,
		NodeID:      body.NodeID,
		Status:      body.Status,
		Payload:     raw,
	}
	out, err := h.events.Append(c.Request.Context(), nil, ev)
	if err != nil {
		RespondFromError(c, err)
		return
	}
	h.bus.PublishEvent(c.Request.Context(), out)
	RespondOK(c, gin.H{"queue_id": id.String(), "event_id": out.EventID})
}

// ReapExpired reclaims expired leases on demand. Dead-lettered jobs are
// settled here with the same terminal event the server's maintenance loop
// would write, so a manual reap cannot strand an execution.
func (h *QueueHandler) ReapExpired(c *gin.Context) {
	n, dead, err := h.queue.ReapExpired(c.Request.Context(), time.Now().UTC())
	if err != nil {
		RespondFromError(c, err)
		return
	}
	for _, job := range dead {
		msg := job.LastError
		if msg == "" {
			msg = "lease expired"
		}
		h.emitTerminal(c, job, domain.StatusFailed, map[string]any{
			"error": msg, "failure_kind": domain.FailureRetryExhausted, "attempts": job.Attempts,
		})
		h.bus.RequestEvaluate(c.Request.Context(), job.ExecutionID)
	}
	RespondOK(c, gin.H{"reclaimed": n, "dead_lettered": len(dead)})
}

func (h *QueueHandler) jobRef(c *gin.Context) (uuid.UUID, string, bool) {
	id, err := uuid.Parse(c.Param("queue_id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "bad_request", fmt.Errorf("bad queue id"))
		return uuid.Nil, "", false
	}
	workerID := c.Query("worker_id")
	if workerID == "" {
		workerID = c.GetHeader("X-Worker-ID")
	}
	if workerID == "" {
		RespondError(c, http.StatusBadRequest, "bad_request", fmt.Errorf("worker_id required"))
		return uuid.Nil, "", false
	}
	return id, workerID, true
}

// emitTerminal writes the node's terminal event for an HTTP-reported outcome,
// with the same idempotency key the in-process dispatcher uses.
func (h *QueueHandler) emitTerminal(c *gin.Context, job *domain.QueueJob, status string, payload map[string]any) {
	spec, _ := domain.UnmarshalActionSpec(job.Action)
	eventType := domain.EventActionCompleted
	if status == domain.StatusFailed {
		eventType = domain.EventActionFailed
	}
	if spec != nil && spec.IsLoopIteration() {
		eventType = domain.EventLoopIteration
		payload["index"] = *spec.LoopIndex
		payload["status"] = status
	}
	raw, _ := json.Marshal(payload)
	key := fmt.Sprintf("adone:%s:%s", job.ExecutionID, job.NodeID)
	ev := &domain.Event{
		ExecutionID:    job.ExecutionID,
		EventType:      eventType,
		NodeID:         job.NodeID,
		Status:         status,
		Payload:        raw,
		Context:        job.Context,
		IdempotencyKey: &key,
	}
	out, err := h.events.Append(c.Request.Context(), nil, ev)
	if errors.Is(err, repos.ErrConflict) {
		return
	}
	if err != nil {
		h.log.Error("terminal event append failed", "queue_id", job.ID, "error", err)
		return
	}
	h.bus.PublishEvent(c.Request.Context(), out)
}

// saveResult applies the action's save key to the execution workload. A save
// failure never retracts the completion; it lands on a synthetic node.
func (h *QueueHandler) saveResult(c *gin.Context, job *domain.QueueJob, result any) {
	spec, _ := domain.UnmarshalActionSpec(job.Action)
	if spec == nil || spec.SaveKey == "" {
		return
	}
	err := h.workloads.MergeKey(c.Request.Context(), job.ExecutionID, spec.SaveKey, result)
	if err == nil {
		return
	}
	raw, _ := json.Marshal(map[string]any{
		"error": err.Error(), "failure_kind": domain.FailureSaveError,
	})
	key := fmt.Sprintf("save:%s:%s", job.ExecutionID, job.NodeID)
	ev := &domain.Event{
		ExecutionID:    job.ExecutionID,
		EventType:      domain.EventActionFailed,
		NodeID:         job.NodeID + ":save",
		Status:         domain.StatusFailed,
		Payload:        raw,
		IdempotencyKey: &key,
	}
	out, aErr := h.events.Append(c.Request.Context(), nil, ev)
	if aErr != nil {
		if !errors.Is(aErr, repos.ErrConflict) {
			h.log.Error("save failure append failed", "queue_id", job.ID, "error", aErr)
		}
		return
	}
	h.bus.PublishEvent(c.Request.Context(), out)
}

func (h *QueueHandler) emitAttemptFailure(c *gin.Context, job *domain.QueueJob, attempt int, msg string) {
	raw, _ := json.Marshal(map[string]any{
		"error": msg, "failure_kind": domain.FailureTransient, "attempt": attempt,
	})
	key := fmt.Sprintf("afail:%s:%s:%d", job.ExecutionID, job.NodeID, attempt)
	ev := &domain.Event{
		ExecutionID:    job.ExecutionID,
		EventType:      domain.EventActionFailed,
		NodeID:         job.NodeID,
		Status:         domain.StatusFailed,
		Payload:        raw,
		IdempotencyKey: &key,
	}
	out, err := h.events.Append(c.Request.Context(), nil, ev)
	if err != nil {
		if !errors.Is(err, repos.ErrConflict) {
			h.log.Error("attempt failure append failed", "queue_id", job.ID, "error", err)
		}
		return
	}
	h.bus.PublishEvent(c.Request.Context(), out)
}
