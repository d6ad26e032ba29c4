package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// CatalogEntry is one registered playbook version. Content is the stored
// playbook document; the engine decodes it into a Playbook on fetch.
type CatalogEntry struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"catalog_id"`
	Path        string    `gorm:"column:path;not null;uniqueIndex:idx_catalog_path_version" json:"path"`
	Version     string    `gorm:"column:version;not null;uniqueIndex:idx_catalog_path_version" json:"version"`
	Content     string    `gorm:"column:content;not null" json:"content"`
	ContentHash string    `gorm:"column:content_hash;not null" json:"content_hash"`
	CreatedAt   time.Time `gorm:"not null;default:now()" json:"created_at"`
}

func (CatalogEntry) TableName() string { return "catalog" }

func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
