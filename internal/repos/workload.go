package repos

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noetl/noetl/internal/domain"
	"github.com/noetl/noetl/internal/platform/logger"
)

type WorkloadRepo interface {
	Upsert(ctx context.Context, tx *gorm.DB, executionID uuid.UUID, data map[string]any) error
	Get(ctx context.Context, tx *gorm.DB, executionID uuid.UUID) (map[string]any, error)
	// MergeKey writes one key into the blob under the execution row lock, so
	// concurrent step saves do not clobber each other.
	MergeKey(ctx context.Context, executionID uuid.UUID, key string, value any) error
}

type workloadRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewWorkloadRepo(db *gorm.DB, baseLog *logger.Logger) WorkloadRepo {
	return &workloadRepo{db: db, log: baseLog.With("repo", "WorkloadRepo")}
}

func (r *workloadRepo) Upsert(ctx context.Context, tx *gorm.DB, executionID uuid.UUID, data map[string]any) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	row := &domain.WorkloadState{
		ExecutionID: executionID,
		Data:        datatypes.JSON(raw),
		UpdatedAt:   time.Now().UTC(),
	}
	err = transaction.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "execution_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
	}).Create(row).Error
	if err != nil {
		return storage("workload.upsert", err)
	}
	return nil
}

func (r *workloadRepo) Get(ctx context.Context, tx *gorm.DB, executionID uuid.UUID) (map[string]any, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var row domain.WorkloadState
	err := transaction.WithContext(ctx).Where("execution_id = ?", executionID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storage("workload.get", err)
	}
	out := map[string]any{}
	if len(row.Data) > 0 {
		if err := json.Unmarshal(row.Data, &out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *workloadRepo) MergeKey(ctx context.Context, executionID uuid.UUID, key string, value any) error {
	err := r.db.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		var row domain.WorkloadState
		qErr := txx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("execution_id = ?", executionID).
			First(&row).Error
		data := map[string]any{}
		switch {
		case errors.Is(qErr, gorm.ErrRecordNotFound):
			row.ExecutionID = executionID
		case qErr != nil:
			return qErr
		default:
			if len(row.Data) > 0 {
				if err := json.Unmarshal(row.Data, &data); err != nil {
					return err
				}
			}
		}
		data[key] = value
		raw, err := json.Marshal(data)
		if err != nil {
			return err
		}
		row.Data = datatypes.JSON(raw)
		row.UpdatedAt = time.Now().UTC()
		return txx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "execution_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
		}).Create(&row).Error
	})
	if err != nil {
		return storage("workload.merge_key", err)
	}
	return nil
}
