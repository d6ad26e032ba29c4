package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Credential is named auth material. Data is sealed at rest; only the action
// dispatcher opens it, immediately before executor invocation.
type Credential struct {
	ID            uuid.UUID      `gorm:"type:uuid;primaryKey" json:"credential_id"`
	Name          string         `gorm:"column:name;not null;uniqueIndex" json:"name"`
	Type          string         `gorm:"column:type;not null" json:"type"`
	EncryptedData string         `gorm:"column:encrypted_data;not null" json:"-"`
	Tags          datatypes.JSON `gorm:"column:tags;type:jsonb" json:"tags,omitempty"`
	CreatedAt     time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt     time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (Credential) TableName() string { return "credential" }
