package events

import (
	"context"
	"errors"
	"testing"
)

func TestInMemoryDispatcher_RoutesByType(t *testing.T) {
	dispatcher := NewInMemoryDispatcher()

	var got []string
	err := dispatcher.Subscribe("OrderCreated", func(ctx context.Context, event Event) error {
		got = append(got, "first")
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	err = dispatcher.Subscribe("OrderCreated", func(ctx context.Context, event Event) error {
		got = append(got, "second")
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	err = dispatcher.Subscribe("OtherEvent", func(ctx context.Context, event Event) error {
		got = append(got, "other")
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := dispatcher.Dispatch(context.Background(), NewBaseEvent("OrderCreated", "order-1")); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	if len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Errorf("Handlers must run in subscription order, got %v", got)
	}
}

func TestInMemoryDispatcher_FirstErrorStops(t *testing.T) {
	dispatcher := NewInMemoryDispatcher()
	boom := errors.New("boom")

	called := 0
	dispatcher.Subscribe("OrderCreated", func(ctx context.Context, event Event) error {
		called++
		return boom
	})
	dispatcher.Subscribe("OrderCreated", func(ctx context.Context, event Event) error {
		called++
		return nil
	})

	err := dispatcher.Dispatch(context.Background(), NewBaseEvent("OrderCreated", "order-1"))
	if !errors.Is(err, boom) {
		t.Fatalf("Expected wrapped handler error, got %v", err)
	}
	if called != 1 {
		t.Errorf("Delivery must stop on the first error, %d handlers ran", called)
	}
}

func TestInMemoryDispatcher_SubscribeValidation(t *testing.T) {
	dispatcher := NewInMemoryDispatcher()
	if err := dispatcher.Subscribe("", func(ctx context.Context, event Event) error { return nil }); err == nil {
		t.Error("Empty event type must be rejected")
	}
	if err := dispatcher.Subscribe("OrderCreated", nil); err == nil {
		t.Error("Nil handler must be rejected")
	}
}

func TestBaseEvent_Metadata(t *testing.T) {
	event := NewBaseEvent("OrderCreated", "order-1").
		WithCausationID("event-0").
		WithMetadata(MetadataTraceID, "trace-1")

	if event.CorrelationID() != "order-1" {
		t.Errorf("Unexpected correlation ID: %s", event.CorrelationID())
	}
	if event.Metadata().CausationID() != "event-0" {
		t.Errorf("Unexpected causation ID: %s", event.Metadata().CausationID())
	}
	if event.Metadata().TraceID() != "trace-1" {
		t.Errorf("Unexpected trace ID: %s", event.Metadata().TraceID())
	}
	if event.EventID() == "" {
		t.Error("Event ID must be generated")
	}

	event.WithEventID("custom-id")
	if event.EventID() != "custom-id" {
		t.Errorf("WithEventID must override the ID, got %s", event.EventID())
	}
}
