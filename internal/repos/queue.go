package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noetl/noetl/internal/domain"
	"github.com/noetl/noetl/internal/platform/logger"
)

// QueueRepo is the durable job queue: atomic lease-based work distribution
// with at-least-once delivery. All transitions are single small transactions.
type QueueRepo interface {
	// Enqueue inserts a queued job. A second enqueue with the same idempotency
	// key returns the existing row and does not duplicate.
	Enqueue(ctx context.Context, tx *gorm.DB, job *domain.QueueJob) (*domain.QueueJob, error)
	Get(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*domain.QueueJob, error)
	// Lease atomically claims one runnable job for the worker, or returns
	// (nil, nil) when nothing is leasable.
	Lease(ctx context.Context, workerID, pool string, capabilities []string, leaseDuration time.Duration) (*domain.QueueJob, error)
	// Heartbeat extends the lease; ErrLeaseLost if the caller no longer holds it.
	Heartbeat(ctx context.Context, id uuid.UUID, workerID string, leaseDuration time.Duration) error
	Complete(ctx context.Context, id uuid.UUID, workerID string, result []byte) error
	// Fail requeues with backoff while attempts remain, else dead-letters.
	// The updated row is returned so callers can observe the final status.
	Fail(ctx context.Context, id uuid.UUID, workerID string, errMsg string, permanent bool) (*domain.QueueJob, error)
	// ReapExpired treats every expired lease as an implicit failure. Jobs the
	// reap pushed to dead_letter are returned so the caller can settle their
	// executions; the count covers every reclaimed lease. Idempotent.
	ReapExpired(ctx context.Context, now time.Time) (int, []*domain.QueueJob, error)
	CountQueuedByExecution(ctx context.Context, executionID uuid.UUID) (int64, error)
	// CancelPending removes not-yet-leased jobs of a cancelled execution.
	CancelPending(ctx context.Context, executionID uuid.UUID) (int64, error)
	// CancelPendingByPrefix removes not-yet-leased jobs whose node id starts
	// with the prefix; used for loop early exit.
	CancelPendingByPrefix(ctx context.Context, executionID uuid.UUID, nodePrefix string) (int64, error)
}

type queueRepo struct {
	db          *gorm.DB
	log         *logger.Logger
	backoffBase time.Duration
	backoffCap  time.Duration
}

func NewQueueRepo(db *gorm.DB, baseLog *logger.Logger, backoffBase, backoffCap time.Duration) QueueRepo {
	if backoffBase <= 0 {
		backoffBase = 2 * time.Second
	}
	if backoffCap <= 0 {
		backoffCap = 5 * time.Minute
	}
	return &queueRepo{
		db:          db,
		log:         baseLog.With("repo", "QueueRepo"),
		backoffBase: backoffBase,
		backoffCap:  backoffCap,
	}
}

func (r *queueRepo) Enqueue(ctx context.Context, tx *gorm.DB, job *domain.QueueJob) (*domain.QueueJob, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if job == nil {
		return nil, errors.New("nil job")
	}
	now := time.Now().UTC()
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	job.Status = domain.JobQueued
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = domain.DefaultMaxAttempts
	}
	if job.AvailableAt.IsZero() {
		job.AvailableAt = now
	}
	job.CreatedAt = now
	job.UpdatedAt = now

	if job.IdempotencyKey != nil {
		existing, err := r.byIdempotencyKey(ctx, transaction, *job.IdempotencyKey)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}
	if err := transaction.WithContext(ctx).Create(job).Error; err != nil {
		if isUniqueViolation(err) && job.IdempotencyKey != nil {
			existing, lookupErr := r.byIdempotencyKey(ctx, transaction, *job.IdempotencyKey)
			if lookupErr == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, storage("queue.enqueue", err)
	}
	return job, nil
}

func (r *queueRepo) byIdempotencyKey(ctx context.Context, tx *gorm.DB, key string) (*domain.QueueJob, error) {
	var job domain.QueueJob
	err := tx.WithContext(ctx).Where("idempotency_key = ?", key).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storage("queue.get_by_key", err)
	}
	return &job, nil
}

func (r *queueRepo) Get(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*domain.QueueJob, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var job domain.QueueJob
	err := transaction.WithContext(ctx).Where("id = ?", id).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storage("queue.get", err)
	}
	return &job, nil
}

func (r *queueRepo) Lease(ctx context.Context, workerID, pool string, capabilities []string, leaseDuration time.Duration) (*domain.QueueJob, error) {
	if leaseDuration <= 0 {
		leaseDuration = 60 * time.Second
	}
	now := time.Now().UTC()
	var claimed *domain.QueueJob
	err := r.db.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		var job domain.QueueJob
		q := txx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? AND available_at <= ?", domain.JobQueued, now).
			Where("worker_pool_label = '' OR worker_pool_label IS NULL OR worker_pool_label = ?", pool)
		if len(capabilities) > 0 {
			q = q.Where("action_type IN ?", capabilities)
		}
		qErr := q.Order("priority ASC, available_at ASC, id ASC").First(&job).Error
		if errors.Is(qErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if qErr != nil {
			return qErr
		}
		expires := now.Add(leaseDuration)
		uErr := txx.Model(&domain.QueueJob{}).
			Where("id = ?", job.ID).
			Updates(map[string]interface{}{
				"status":           domain.JobLeased,
				"lease_holder":     workerID,
				"lease_expires_at": expires,
				"attempts":         gorm.Expr("attempts + 1"),
				"updated_at":       now,
			}).Error
		if uErr != nil {
			return uErr
		}
		job.Status = domain.JobLeased
		job.LeaseHolder = workerID
		job.LeaseExpiresAt = &expires
		job.Attempts++
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, storage("queue.lease", err)
	}
	return claimed, nil
}

func (r *queueRepo) Heartbeat(ctx context.Context, id uuid.UUID, workerID string, leaseDuration time.Duration) error {
	if leaseDuration <= 0 {
		leaseDuration = 60 * time.Second
	}
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&domain.QueueJob{}).
		Where("id = ? AND status = ? AND lease_holder = ? AND lease_expires_at > ?",
			id, domain.JobLeased, workerID, now).
		Updates(map[string]interface{}{
			"lease_expires_at": now.Add(leaseDuration),
			"updated_at":       now,
		})
	if res.Error != nil {
		return storage("queue.heartbeat", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (r *queueRepo) Complete(ctx context.Context, id uuid.UUID, workerID string, result []byte) error {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&domain.QueueJob{}).
		Where("id = ? AND status = ? AND lease_holder = ? AND lease_expires_at > ?",
			id, domain.JobLeased, workerID, now).
		Updates(map[string]interface{}{
			"status":           domain.JobCompleted,
			"result":           datatypes.JSON(result),
			"lease_holder":     "",
			"lease_expires_at": nil,
			"updated_at":       now,
		})
	if res.Error != nil {
		return storage("queue.complete", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (r *queueRepo) Fail(ctx context.Context, id uuid.UUID, workerID string, errMsg string, permanent bool) (*domain.QueueJob, error) {
	now := time.Now().UTC()
	var out *domain.QueueJob
	err := r.db.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		var job domain.QueueJob
		qErr := txx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ? AND status = ? AND lease_holder = ? AND lease_expires_at > ?",
				id, domain.JobLeased, workerID, now).
			First(&job).Error
		if errors.Is(qErr, gorm.ErrRecordNotFound) {
			return ErrLeaseLost
		}
		if qErr != nil {
			return qErr
		}
		updates := r.failTransition(&job, errMsg, permanent, now)
		if err := txx.Model(&domain.QueueJob{}).Where("id = ?", job.ID).Updates(updates).Error; err != nil {
			return err
		}
		out = &job
		return nil
	})
	if errors.Is(err, ErrLeaseLost) {
		return nil, ErrLeaseLost
	}
	if err != nil {
		return nil, storage("queue.fail", err)
	}
	return out, nil
}

// failTransition mutates job in memory and returns the column updates for the
// retry/dead-letter decision shared by Fail and ReapExpired.
func (r *queueRepo) failTransition(job *domain.QueueJob, errMsg string, permanent bool, now time.Time) map[string]interface{} {
	if permanent || job.Attempts >= job.MaxAttempts {
		job.Status = domain.JobDeadLetter
		job.LastError = errMsg
		return map[string]interface{}{
			"status":           domain.JobDeadLetter,
			"last_error":       errMsg,
			"lease_holder":     "",
			"lease_expires_at": nil,
			"updated_at":       now,
		}
	}
	delay := Backoff(r.backoffBase, r.backoffCap, job.Attempts)
	availableAt := now.Add(delay)
	job.Status = domain.JobQueued
	job.LastError = errMsg
	job.AvailableAt = availableAt
	return map[string]interface{}{
		"status":           domain.JobQueued,
		"last_error":       errMsg,
		"available_at":     availableAt,
		"lease_holder":     "",
		"lease_expires_at": nil,
		"updated_at":       now,
	}
}

func (r *queueRepo) ReapExpired(ctx context.Context, now time.Time) (int, []*domain.QueueJob, error) {
	reclaimed := 0
	var dead []*domain.QueueJob
	err := r.db.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		var expired []domain.QueueJob
		if err := txx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? AND lease_expires_at < ?", domain.JobLeased, now).
			Find(&expired).Error; err != nil {
			return err
		}
		dead = dead[:0]
		for i := range expired {
			job := &expired[i]
			updates := r.failTransition(job, "lease expired", false, now)
			if err := txx.Model(&domain.QueueJob{}).Where("id = ?", job.ID).Updates(updates).Error; err != nil {
				return err
			}
			if job.Status == domain.JobDeadLetter {
				dead = append(dead, job)
			}
			reclaimed++
		}
		return nil
	})
	if err != nil {
		return 0, nil, storage("queue.reap_expired", err)
	}
	if reclaimed > 0 {
		r.log.Info("reclaimed expired leases", "count", reclaimed, "dead_lettered", len(dead))
	}
	return reclaimed, dead, nil
}

func (r *queueRepo) CountQueuedByExecution(ctx context.Context, executionID uuid.UUID) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&domain.QueueJob{}).
		Where("execution_id = ? AND status = ?", executionID, domain.JobQueued).
		Count(&n).Error
	if err != nil {
		return 0, storage("queue.count_queued", err)
	}
	return n, nil
}

func (r *queueRepo) CancelPendingByPrefix(ctx context.Context, executionID uuid.UUID, nodePrefix string) (int64, error) {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&domain.QueueJob{}).
		Where("execution_id = ? AND status = ? AND node_id LIKE ?",
			executionID, domain.JobQueued, nodePrefix+"%").
		Updates(map[string]interface{}{
			"status":     domain.JobFailed,
			"last_error": "loop early exit",
			"updated_at": now,
		})
	if res.Error != nil {
		return 0, storage("queue.cancel_pending_by_prefix", res.Error)
	}
	return res.RowsAffected, nil
}

func (r *queueRepo) CancelPending(ctx context.Context, executionID uuid.UUID) (int64, error) {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&domain.QueueJob{}).
		Where("execution_id = ? AND status = ?", executionID, domain.JobQueued).
		Updates(map[string]interface{}{
			"status":     domain.JobFailed,
			"last_error": "execution cancelled",
			"updated_at": now,
		})
	if res.Error != nil {
		return 0, storage("queue.cancel_pending", res.Error)
	}
	return res.RowsAffected, nil
}
