package notify

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/noetl/noetl/internal/domain"
)

func TestLocalBusForwardsEvents(t *testing.T) {
	bus := NewLocalBus()
	got := make(chan *domain.Event, 1)
	if err := bus.StartEventForwarder(context.Background(), func(ev *domain.Event) {
		got <- ev
	}); err != nil {
		t.Fatalf("start forwarder: %v", err)
	}

	ev := &domain.Event{ExecutionID: uuid.New(), EventType: domain.EventStepStarted}
	bus.PublishEvent(context.Background(), ev)

	select {
	case out := <-got:
		if out.ExecutionID != ev.ExecutionID {
			t.Fatalf("wrong event: %v", out.ExecutionID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("event never delivered")
	}
}

func TestLocalBusForwardsEvaluateRequests(t *testing.T) {
	bus := NewLocalBus()
	got := make(chan uuid.UUID, 1)
	if err := bus.StartEvaluateForwarder(context.Background(), func(id uuid.UUID) {
		got <- id
	}); err != nil {
		t.Fatalf("start forwarder: %v", err)
	}

	id := uuid.New()
	bus.RequestEvaluate(context.Background(), id)

	select {
	case out := <-got:
		if out != id {
			t.Fatalf("wrong execution id: %v", out)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("evaluate request never delivered")
	}
}

func TestLocalBusClosedDropsSignals(t *testing.T) {
	bus := NewLocalBus()
	got := make(chan *domain.Event, 1)
	_ = bus.StartEventForwarder(context.Background(), func(ev *domain.Event) {
		got <- ev
	})
	if err := bus.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	bus.PublishEvent(context.Background(), &domain.Event{ExecutionID: uuid.New()})

	select {
	case <-got:
		t.Fatalf("closed bus delivered an event")
	case <-time.After(100 * time.Millisecond):
	}
}
