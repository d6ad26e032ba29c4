package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	JobQueued     = "queued"
	JobLeased     = "leased"
	JobCompleted  = "completed"
	JobFailed     = "failed"
	JobDeadLetter = "dead_letter"
)

const DefaultMaxAttempts = 3

// QueueJob is a durable unit of work pending worker attention.
type QueueJob struct {
	ID              uuid.UUID      `gorm:"type:uuid;primaryKey" json:"queue_id"`
	ExecutionID     uuid.UUID      `gorm:"type:uuid;not null;index" json:"execution_id"`
	NodeID          string         `gorm:"column:node_id;not null" json:"node_id"`
	ActionType      string         `gorm:"column:action_type;not null;index" json:"action_type"`
	Action          datatypes.JSON `gorm:"column:action;type:jsonb" json:"action"`
	Context         datatypes.JSON `gorm:"column:context;type:jsonb" json:"context"`
	CatalogID       uuid.UUID      `gorm:"type:uuid;column:catalog_id" json:"catalog_id"`
	Status          string         `gorm:"column:status;not null;index" json:"status"`
	LeaseHolder     string         `gorm:"column:lease_holder" json:"lease_holder,omitempty"`
	LeaseExpiresAt  *time.Time     `gorm:"column:lease_expires_at;index" json:"lease_expires_at,omitempty"`
	Attempts        int            `gorm:"column:attempts;not null;default:0" json:"attempts"`
	MaxAttempts     int            `gorm:"column:max_attempts;not null;default:3" json:"max_attempts"`
	Priority        int            `gorm:"column:priority;not null;default:0;index" json:"priority"`
	AvailableAt     time.Time      `gorm:"column:available_at;not null;index" json:"available_at"`
	WorkerPoolLabel string         `gorm:"column:worker_pool_label" json:"worker_pool_label,omitempty"`
	IdempotencyKey  *string        `gorm:"column:idempotency_key;uniqueIndex" json:"-"`
	Result          datatypes.JSON `gorm:"column:result;type:jsonb" json:"result,omitempty"`
	LastError       string         `gorm:"column:last_error" json:"last_error,omitempty"`
	CreatedAt       time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (QueueJob) TableName() string { return "queue" }

func (j *QueueJob) TerminalStatus() bool {
	return j.Status == JobCompleted || j.Status == JobDeadLetter
}

// EnqueueIdempotencyKey is the default dedupe key for one step of one
// execution. Loop iterations get distinct keys via their synthesized node ids.
func EnqueueIdempotencyKey(executionID uuid.UUID, nodeID string) string {
	return fmt.Sprintf("%s:%s", executionID, nodeID)
}
