package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	ExecutionPending   = "pending"
	ExecutionRunning   = "running"
	ExecutionCompleted = "completed"
	ExecutionFailed    = "failed"
	ExecutionCancelled = "cancelled"
)

// Execution is one run of one playbook version. Status mirrors the latest
// terminal event; the event log is the source of truth.
type Execution struct {
	ID                uuid.UUID      `gorm:"type:uuid;primaryKey" json:"execution_id"`
	CatalogID         uuid.UUID      `gorm:"type:uuid;not null;index" json:"catalog_id"`
	Status            string         `gorm:"column:status;not null;index" json:"status"`
	Workload          datatypes.JSON `gorm:"column:workload;type:jsonb" json:"workload"`
	ParentExecutionID *uuid.UUID     `gorm:"type:uuid;column:parent_execution_id;index" json:"parent_execution_id,omitempty"`
	ParentStep        string         `gorm:"column:parent_step" json:"parent_step,omitempty"`
	ParentEventID     *int64         `gorm:"column:parent_event_id" json:"parent_event_id,omitempty"`
	CreatedAt         time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	CompletedAt       *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
}

func (Execution) TableName() string { return "execution" }

func (e *Execution) TerminalStatus() bool {
	switch e.Status {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}
