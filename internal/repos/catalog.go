package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/noetl/noetl/internal/domain"
	"github.com/noetl/noetl/internal/platform/logger"
)

type CatalogRepo interface {
	// Register stores a playbook version. Re-registering identical content is
	// a no-op returning the existing entry; different content for the same
	// (path, version) is ErrConflict.
	Register(ctx context.Context, tx *gorm.DB, entry *domain.CatalogEntry) (*domain.CatalogEntry, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*domain.CatalogEntry, error)
	// GetByPathVersion resolves a reference; empty or "latest" version picks
	// the most recently registered one.
	GetByPathVersion(ctx context.Context, tx *gorm.DB, path, version string) (*domain.CatalogEntry, error)
}

type catalogRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewCatalogRepo(db *gorm.DB, baseLog *logger.Logger) CatalogRepo {
	return &catalogRepo{db: db, log: baseLog.With("repo", "CatalogRepo")}
}

func (r *catalogRepo) Register(ctx context.Context, tx *gorm.DB, entry *domain.CatalogEntry) (*domain.CatalogEntry, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	entry.ContentHash = domain.HashContent(entry.Content)
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	existing, err := r.GetByPathVersion(ctx, transaction, entry.Path, entry.Version)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		if existing.ContentHash == entry.ContentHash {
			return existing, nil
		}
		return existing, ErrConflict
	}
	if err := transaction.WithContext(ctx).Create(entry).Error; err != nil {
		if isUniqueViolation(err) {
			dup, lookupErr := r.GetByPathVersion(ctx, transaction, entry.Path, entry.Version)
			if lookupErr == nil && dup != nil {
				if dup.ContentHash == entry.ContentHash {
					return dup, nil
				}
				return dup, ErrConflict
			}
		}
		return nil, storage("catalog.register", err)
	}
	return entry, nil
}

func (r *catalogRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*domain.CatalogEntry, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var entry domain.CatalogEntry
	err := transaction.WithContext(ctx).Where("id = ?", id).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storage("catalog.get_by_id", err)
	}
	return &entry, nil
}

func (r *catalogRepo) GetByPathVersion(ctx context.Context, tx *gorm.DB, path, version string) (*domain.CatalogEntry, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	q := transaction.WithContext(ctx).Where("path = ?", path)
	if version != "" && version != "latest" {
		q = q.Where("version = ?", version)
	}
	var entry domain.CatalogEntry
	err := q.Order("created_at DESC").Limit(1).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storage("catalog.get_by_path_version", err)
	}
	return &entry, nil
}
