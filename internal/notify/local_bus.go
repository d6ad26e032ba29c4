package notify

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/noetl/noetl/internal/domain"
)

// localBus is the single-process bus: no redis, signals fan out to in-process
// subscribers on their own goroutines. Used by tests and single-node deploys.
type localBus struct {
	mu           sync.RWMutex
	eventSubs    []func(ev *domain.Event)
	evaluateSubs []func(executionID uuid.UUID)
	closed       bool
}

func NewLocalBus() Bus {
	return &localBus{}
}

func (b *localBus) PublishEvent(_ context.Context, ev *domain.Event) {
	b.mu.RLock()
	subs := append([]func(ev *domain.Event){}, b.eventSubs...)
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return
	}
	for _, fn := range subs {
		go fn(ev)
	}
}

func (b *localBus) RequestEvaluate(_ context.Context, executionID uuid.UUID) {
	b.mu.RLock()
	subs := append([]func(uuid.UUID){}, b.evaluateSubs...)
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return
	}
	for _, fn := range subs {
		go fn(executionID)
	}
}

func (b *localBus) StartEventForwarder(_ context.Context, onEvent func(ev *domain.Event)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.eventSubs = append(b.eventSubs, onEvent)
	return nil
}

func (b *localBus) StartEvaluateForwarder(_ context.Context, onEvaluate func(executionID uuid.UUID)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.evaluateSubs = append(b.evaluateSubs, onEvaluate)
	return nil
}

func (b *localBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
