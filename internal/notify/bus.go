package notify

import (
	"context"

	"github.com/google/uuid"

	"github.com/noetl/noetl/internal/domain"
)

// Bus carries two signal kinds between server instances and workers:
// committed events for observers (SSE, logs) and evaluation wake-ups telling
// a broker to re-read an execution's log. Both are fire-and-forget; the event
// log is the source of truth and a lost signal only delays the next poll.
type Bus interface {
	PublishEvent(ctx context.Context, ev *domain.Event)
	RequestEvaluate(ctx context.Context, executionID uuid.UUID)
	// StartEventForwarder delivers published events until ctx is cancelled.
	StartEventForwarder(ctx context.Context, onEvent func(ev *domain.Event)) error
	// StartEvaluateForwarder delivers evaluation wake-ups until ctx is cancelled.
	StartEvaluateForwarder(ctx context.Context, onEvaluate func(executionID uuid.UUID)) error
	Close() error
}
