package repos

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noetl/noetl/internal/domain"
	"github.com/noetl/noetl/internal/platform/logger"
)

// EventRepo is the append-only event log. Events are immutable once
// committed; event_id is strictly monotonic within an execution.
type EventRepo interface {
	// Append assigns the next event_id and writes the event. When the event
	// carries an idempotency key that already exists, the committed event is
	// returned with ErrConflict and nothing is written.
	Append(ctx context.Context, tx *gorm.DB, ev *domain.Event) (*domain.Event, error)
	// Fetch returns all events for the execution with event_id > since,
	// ordered by event_id.
	Fetch(ctx context.Context, tx *gorm.DB, executionID uuid.UUID, sinceEventID int64) ([]*domain.Event, error)
	// LatestByNode returns the most recent event for a node, or ErrNotFound.
	LatestByNode(ctx context.Context, tx *gorm.DB, executionID uuid.UUID, nodeID string) (*domain.Event, error)
}

type eventRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewEventRepo(db *gorm.DB, baseLog *logger.Logger) EventRepo {
	return &eventRepo{db: db, log: baseLog.With("repo", "EventRepo")}
}

func (r *eventRepo) Append(ctx context.Context, tx *gorm.DB, ev *domain.Event) (*domain.Event, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if ev == nil || ev.ExecutionID == uuid.Nil {
		return nil, errors.New("event requires execution_id")
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	var out *domain.Event
	err := transaction.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		if ev.IdempotencyKey != nil {
			existing, err := r.byIdempotencyKey(ctx, txx, *ev.IdempotencyKey)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			if existing != nil {
				out = existing
				return ErrConflict
			}
		}

		// Serializes id assignment per execution: concurrent appends for the
		// same execution queue up on the execution row lock.
		var exec domain.Execution
		if err := txx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", ev.ExecutionID).
			First(&exec).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		var maxID int64
		if err := txx.Model(&domain.Event{}).
			Where("execution_id = ?", ev.ExecutionID).
			Select("COALESCE(MAX(event_id), 0)").
			Scan(&maxID).Error; err != nil {
			return err
		}
		ev.EventID = maxID + 1

		if ev.ParentEventID != nil && (*ev.ParentEventID <= 0 || *ev.ParentEventID > maxID) {
			return errors.New("parent_event_id references an uncommitted event")
		}

		if err := txx.Create(ev).Error; err != nil {
			if isUniqueViolation(err) && ev.IdempotencyKey != nil {
				existing, lookupErr := r.byIdempotencyKey(ctx, txx, *ev.IdempotencyKey)
				if lookupErr == nil && existing != nil {
					out = existing
					return ErrConflict
				}
			}
			return err
		}
		out = ev
		return nil
	})
	if errors.Is(err, ErrConflict) {
		return out, ErrConflict
	}
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storage("event.append", err)
	}
	return out, nil
}

func (r *eventRepo) byIdempotencyKey(ctx context.Context, tx *gorm.DB, key string) (*domain.Event, error) {
	var ev domain.Event
	err := tx.WithContext(ctx).Where("idempotency_key = ?", key).First(&ev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func (r *eventRepo) Fetch(ctx context.Context, tx *gorm.DB, executionID uuid.UUID, sinceEventID int64) ([]*domain.Event, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*domain.Event
	err := transaction.WithContext(ctx).
		Where("execution_id = ? AND event_id > ?", executionID, sinceEventID).
		Order("event_id ASC").
		Find(&out).Error
	if err != nil {
		return nil, storage("event.fetch", err)
	}
	return out, nil
}

func (r *eventRepo) LatestByNode(ctx context.Context, tx *gorm.DB, executionID uuid.UUID, nodeID string) (*domain.Event, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var ev domain.Event
	err := transaction.WithContext(ctx).
		Where("execution_id = ? AND node_id = ?", executionID, nodeID).
		Order("event_id DESC").
		Limit(1).
		First(&ev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storage("event.latest_by_node", err)
	}
	return &ev, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "23505")
}
