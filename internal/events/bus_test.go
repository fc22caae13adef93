package events

import (
	"testing"
	"time"
)

func TestPublishRejectsUnknownType(t *testing.T) {
	bus := NewBus()
	err := bus.Publish(Event{Type: Type("definitely_not_registered")})
	if err == nil {
		t.Fatal("expected error for unknown event type")
	}
}

func TestFIFOPerSubscriber(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe()
	defer sub.Close()

	for i := 0; i < 5; i++ {
		if err := bus.Publish(Event{Type: SystemEvent, Payload: map[string]any{"n": i}}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	for i := 0; i < 5; i++ {
		select {
		case evt := <-sub.Events():
			if got := evt.Payload["n"].(int); got != i {
				t.Errorf("event %d: got payload %v", i, got)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestSessionFilter(t *testing.T) {
	bus := NewBus()
	sub := bus.SubscribeSession("s1")
	defer sub.Close()

	_ = bus.Publish(Event{Type: SessionEvent, SessionID: "s2"})
	_ = bus.Publish(Event{Type: SessionEvent, SessionID: "s1"})

	select {
	case evt := <-sub.Events():
		if evt.SessionID != "s1" {
			t.Errorf("expected s1 event, got %q", evt.SessionID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for filtered event")
	}

	select {
	case evt := <-sub.Events():
		t.Errorf("unexpected extra event: %+v", evt)
	default:
	}
}

func TestOverflowDropsOldest(t *testing.T) {
	bus := NewBus(WithBuffer(2))
	sub := bus.Subscribe()
	defer sub.Close()

	for i := 0; i < 4; i++ {
		_ = bus.Publish(Event{Type: SystemEvent, Payload: map[string]any{"n": i}})
	}

	// Buffer held 2; the two oldest were shed. First readable event is n=2.
	evt := <-sub.Events()
	if got := evt.Payload["n"].(int); got != 2 {
		t.Errorf("expected oldest surviving event n=2, got %v", got)
	}
	evt = <-sub.Events()
	if got := evt.Payload["n"].(int); got != 3 {
		t.Errorf("expected n=3, got %v", got)
	}
}

func TestCloseStopsDelivery(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe()
	sub.Close()

	if bus.SubscriberCount() != 0 {
		t.Errorf("expected no subscribers, got %d", bus.SubscriberCount())
	}
	if _, open := <-sub.Events(); open {
		t.Error("expected closed channel after Close")
	}
}
