package sse

import (
	"testing"

	"github.com/noetl/noetl/internal/platform/logger"
)

func testHub(t *testing.T) *Hub {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return NewHub(log)
}

func TestHubBroadcastToChannel(t *testing.T) {
	hub := testHub(t)
	client := hub.NewClient()
	hub.AddChannel(client, "exec-1")
	other := hub.NewClient()
	hub.AddChannel(other, "exec-2")

	hub.Broadcast(Message{Channel: "exec-1", Event: "action_completed"})

	select {
	case msg := <-client.Outbound:
		if msg.Event != "action_completed" {
			t.Fatalf("event: %q", msg.Event)
		}
	default:
		t.Fatalf("subscribed client got nothing")
	}
	select {
	case msg := <-other.Outbound:
		t.Fatalf("unsubscribed client got %v", msg)
	default:
	}
}

func TestHubFirehose(t *testing.T) {
	hub := testHub(t)
	firehose := hub.NewClient()
	hub.AddChannel(firehose, ChannelAll)

	hub.Broadcast(Message{Channel: "exec-9", Event: "step_started"})

	select {
	case msg := <-firehose.Outbound:
		if msg.Channel != "exec-9" {
			t.Fatalf("channel: %q", msg.Channel)
		}
	default:
		t.Fatalf("firehose client got nothing")
	}
}

func TestHubRemoveClient(t *testing.T) {
	hub := testHub(t)
	client := hub.NewClient()
	hub.AddChannel(client, "exec-1")
	hub.RemoveClient(client)

	hub.Broadcast(Message{Channel: "exec-1", Event: "transition"})

	select {
	case msg := <-client.Outbound:
		t.Fatalf("removed client got %v", msg)
	default:
	}
}

func TestHubDropsWhenBufferFull(t *testing.T) {
	hub := testHub(t)
	client := hub.NewClient()
	hub.AddChannel(client, "exec-1")

	// One more than the buffer; Broadcast must not block.
	for i := 0; i < cap(client.Outbound)+1; i++ {
		hub.Broadcast(Message{Channel: "exec-1", Event: "transition"})
	}
	if len(client.Outbound) != cap(client.Outbound) {
		t.Fatalf("buffered: %d", len(client.Outbound))
	}
}
