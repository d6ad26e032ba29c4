package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noetl/noetl/internal/domain"
	"github.com/noetl/noetl/internal/platform/logger"
)

type CredentialRepo interface {
	Upsert(ctx context.Context, tx *gorm.DB, cred *domain.Credential) error
	GetByName(ctx context.Context, tx *gorm.DB, name string) (*domain.Credential, error)
	List(ctx context.Context, tx *gorm.DB) ([]*domain.Credential, error)
}

type credentialRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewCredentialRepo(db *gorm.DB, baseLog *logger.Logger) CredentialRepo {
	return &credentialRepo{db: db, log: baseLog.With("repo", "CredentialRepo")}
}

func (r *credentialRepo) Upsert(ctx context.Context, tx *gorm.DB, cred *domain.Credential) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	now := time.Now().UTC()
	if cred.ID == uuid.Nil {
		cred.ID = uuid.New()
	}
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = now
	}
	cred.UpdatedAt = now
	err := transaction.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"type", "encrypted_data", "tags", "updated_at",
		}),
	}).Create(cred).Error
	if err != nil {
		return storage("credential.upsert", err)
	}
	return nil
}

func (r *credentialRepo) GetByName(ctx context.Context, tx *gorm.DB, name string) (*domain.Credential, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var cred domain.Credential
	err := transaction.WithContext(ctx).Where("name = ?", name).First(&cred).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storage("credential.get_by_name", err)
	}
	return &cred, nil
}

func (r *credentialRepo) List(ctx context.Context, tx *gorm.DB) ([]*domain.Credential, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*domain.Credential
	if err := transaction.WithContext(ctx).Order("name ASC").Find(&out).Error; err != nil {
		return nil, storage("credential.list", err)
	}
	return out, nil
}
