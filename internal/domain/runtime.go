package domain

import (
	"time"

	"gorm.io/datatypes"
)

const (
	RuntimeReady    = "ready"
	RuntimeBusy     = "busy"
	RuntimeDraining = "draining"
	RuntimeOffline  = "offline"
)

// Runtime is one physical worker registration. Several registrations may
// share a pool_name.
type Runtime struct {
	RuntimeID       string         `gorm:"column:runtime_id;primaryKey" json:"runtime_id"`
	PoolName        string         `gorm:"column:pool_name;not null;index" json:"pool_name"`
	Capabilities    datatypes.JSON `gorm:"column:capabilities;type:jsonb" json:"capabilities"`
	Status          string         `gorm:"column:status;not null" json:"status"`
	LastHeartbeatAt time.Time      `gorm:"column:last_heartbeat_at;not null;index" json:"last_heartbeat_at"`
	RegisteredAt    time.Time      `gorm:"column:registered_at;not null;default:now()" json:"registered_at"`
}

func (Runtime) TableName() string { return "runtime" }
