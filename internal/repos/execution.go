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

type ExecutionRepo interface {
	Create(ctx context.Context, tx *gorm.DB, exec *domain.Execution) error
	Get(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*domain.Execution, error)
	// SetStatus updates status unless the row is already terminal; returns
	// false when the guard rejected the write.
	SetStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, status string, completedAt *time.Time) (bool, error)
	ListByParent(ctx context.Context, tx *gorm.DB, parentID uuid.UUID) ([]*domain.Execution, error)
}

type executionRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewExecutionRepo(db *gorm.DB, baseLog *logger.Logger) ExecutionRepo {
	return &executionRepo{db: db, log: baseLog.With("repo", "ExecutionRepo")}
}

func (r *executionRepo) Create(ctx context.Context, tx *gorm.DB, exec *domain.Execution) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if exec.ID == uuid.Nil {
		exec.ID = uuid.New()
	}
	if exec.Status == "" {
		exec.Status = domain.ExecutionPending
	}
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = time.Now().UTC()
	}
	if err := transaction.WithContext(ctx).Create(exec).Error; err != nil {
		return storage("execution.create", err)
	}
	return nil
}

func (r *executionRepo) Get(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*domain.Execution, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var exec domain.Execution
	err := transaction.WithContext(ctx).Where("id = ?", id).First(&exec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storage("execution.get", err)
	}
	return &exec, nil
}

func (r *executionRepo) SetStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, status string, completedAt *time.Time) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	updates := map[string]interface{}{"status": status}
	if completedAt != nil {
		updates["completed_at"] = *completedAt
	}
	res := transaction.WithContext(ctx).Model(&domain.Execution{}).
		Where("id = ? AND status NOT IN ?", id, []string{
			domain.ExecutionCompleted, domain.ExecutionFailed, domain.ExecutionCancelled,
		}).
		Updates(updates)
	if res.Error != nil {
		return false, storage("execution.set_status", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (r *executionRepo) ListByParent(ctx context.Context, tx *gorm.DB, parentID uuid.UUID) ([]*domain.Execution, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*domain.Execution
	err := transaction.WithContext(ctx).
		Where("parent_execution_id = ?", parentID).
		Order("created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, storage("execution.list_by_parent", err)
	}
	return out, nil
}
