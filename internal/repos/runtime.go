package repos

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noetl/noetl/internal/domain"
	"github.com/noetl/noetl/internal/platform/logger"
)

type RuntimeRepo interface {
	// Upsert registers a worker runtime, recreating the row if it was swept.
	Upsert(ctx context.Context, tx *gorm.DB, rt *domain.Runtime) error
	Get(ctx context.Context, tx *gorm.DB, runtimeID string) (*domain.Runtime, error)
	// Heartbeat refreshes liveness; ErrNotFound when the registration is gone.
	Heartbeat(ctx context.Context, runtimeID string, status string) error
	// SweepOffline marks registrations silent for longer than olderThan.
	SweepOffline(ctx context.Context, olderThan time.Duration) (int64, error)
}

type runtimeRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewRuntimeRepo(db *gorm.DB, baseLog *logger.Logger) RuntimeRepo {
	return &runtimeRepo{db: db, log: baseLog.With("repo", "RuntimeRepo")}
}

func (r *runtimeRepo) Upsert(ctx context.Context, tx *gorm.DB, rt *domain.Runtime) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	now := time.Now().UTC()
	if rt.Status == "" {
		rt.Status = domain.RuntimeReady
	}
	rt.LastHeartbeatAt = now
	if rt.RegisteredAt.IsZero() {
		rt.RegisteredAt = now
	}
	err := transaction.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "runtime_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"pool_name", "capabilities", "status", "last_heartbeat_at",
		}),
	}).Create(rt).Error
	if err != nil {
		return storage("runtime.upsert", err)
	}
	return nil
}

func (r *runtimeRepo) Get(ctx context.Context, tx *gorm.DB, runtimeID string) (*domain.Runtime, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var rt domain.Runtime
	err := transaction.WithContext(ctx).Where("runtime_id = ?", runtimeID).First(&rt).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storage("runtime.get", err)
	}
	return &rt, nil
}

func (r *runtimeRepo) Heartbeat(ctx context.Context, runtimeID string, status string) error {
	if status == "" {
		status = domain.RuntimeReady
	}
	res := r.db.WithContext(ctx).Model(&domain.Runtime{}).
		Where("runtime_id = ?", runtimeID).
		Updates(map[string]interface{}{
			"status":            status,
			"last_heartbeat_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return storage("runtime.heartbeat", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *runtimeRepo) SweepOffline(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res := r.db.WithContext(ctx).Model(&domain.Runtime{}).
		Where("last_heartbeat_at < ? AND status <> ?", cutoff, domain.RuntimeOffline).
		Update("status", domain.RuntimeOffline)
	if res.Error != nil {
		return 0, storage("runtime.sweep_offline", res.Error)
	}
	if res.RowsAffected > 0 {
		r.log.Info("marked stale runtimes offline", "count", res.RowsAffected)
	}
	return res.RowsAffected, nil
}
