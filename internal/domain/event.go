package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Event types emitted and recognized by the core. The broker folds the log by
// switching on these tags; executor-reported events may carry other tags and
// are ignored by the fold.
const (
	EventExecutionStart     = "execution_start"
	EventExecutionCompleted = "execution_completed"
	EventExecutionFailed    = "execution_failed"
	EventExecutionCancelled = "execution_cancelled"
	EventStepStarted        = "step_started"
	EventActionStarted      = "action_started"
	EventActionCompleted    = "action_completed"
	EventActionFailed       = "action_failed"
	EventLoopIteration      = "loop_iteration"
	EventLoopAggregated     = "loop_aggregated"
	EventTransition         = "transition"
	EventSkipped            = "skipped"
)

const (
	StatusStarted    = "started"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusSkipped    = "skipped"
	StatusCancelled  = "cancelled"
)

// Failure kinds carried in action_failed payloads. Only transient failures
// are retried.
const (
	FailureTransient      = "transient"
	FailurePermanent      = "permanent"
	FailureTemplateError  = "template_error"
	FailureAuthError      = "auth_error"
	FailurePredicateError = "predicate_error"
	FailureRetryExhausted = "retry_exhausted"
	FailureSaveError      = "save_error"
	FailureCancelled      = "cancelled"
)

// Event is one immutable state transition in an execution. event_id is
// assigned by the event repo and is strictly monotonic per execution.
type Event struct {
	ExecutionID    uuid.UUID      `gorm:"type:uuid;primaryKey" json:"execution_id"`
	EventID        int64          `gorm:"primaryKey;autoIncrement:false" json:"event_id"`
	EventType      string         `gorm:"column:event_type;not null;index" json:"event_type"`
	NodeID         string         `gorm:"column:node_id;not null;index:idx_event_node" json:"node_id"`
	ParentEventID  *int64         `gorm:"column:parent_event_id" json:"parent_event_id,omitempty"`
	Status         string         `gorm:"column:status;not null" json:"status"`
	Payload        datatypes.JSON `gorm:"column:payload;type:jsonb" json:"payload"`
	Context        datatypes.JSON `gorm:"column:context;type:jsonb" json:"context"`
	Timestamp      time.Time      `gorm:"column:timestamp;not null;default:now()" json:"timestamp"`
	TraceID        string         `gorm:"column:trace_id" json:"trace_id,omitempty"`
	ParentSpanID   string         `gorm:"column:parent_span_id" json:"parent_span_id,omitempty"`
	IdempotencyKey *string        `gorm:"column:idempotency_key;uniqueIndex" json:"-"`
}

func (Event) TableName() string { return "event" }

// Terminal reports whether this event is terminal for its node. Loop
// iterations are excluded: the iterator node stays open until aggregation.
func (e *Event) Terminal() bool {
	switch e.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return e.EventType != EventLoopIteration
	}
	return false
}

// LoopNodeID synthesizes the node name for one iteration of an iterator step.
func LoopNodeID(step string, index int) string {
	return step + "#" + strconv.Itoa(index)
}

// ParseLoopNodeID splits a synthesized iteration node name back into the
// iterator step and index. ok is false for plain step names.
func ParseLoopNodeID(nodeID string) (step string, index int, ok bool) {
	i := strings.LastIndex(nodeID, "#")
	if i <= 0 {
		return "", 0, false
	}
	n, err := strconv.Atoi(nodeID[i+1:])
	if err != nil || n < 0 {
		return "", 0, false
	}
	return nodeID[:i], n, true
}

// LoopAggIdempotencyKey is the at-most-once guard for loop aggregation.
func LoopAggIdempotencyKey(executionID uuid.UUID, step string) string {
	return fmt.Sprintf("loop_agg:%s:%s", executionID, step)
}
