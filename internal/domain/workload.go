package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// WorkloadState is the merge-able per-execution state blob. Steps with a
// `save` block persist intermediate results into it.
type WorkloadState struct {
	ExecutionID uuid.UUID      `gorm:"type:uuid;primaryKey" json:"execution_id"`
	Data        datatypes.JSON `gorm:"column:data;type:jsonb" json:"data"`
	UpdatedAt   time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (WorkloadState) TableName() string { return "workload" }
