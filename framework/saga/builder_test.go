package saga

import (
	"context"
	"strings"
	"testing"

	"github.com/akriventsev/granger/framework/events"
	"github.com/akriventsev/granger/framework/transport"
)

func sendReserve(e events.Event) transport.Command {
	return &reserveInventoryCmd{OrderID: e.CorrelationID()}
}

func TestBuilder_Build(t *testing.T) {
	def, err := NewBuilder("order_fulfillment").
		On("OrderCreated", ActionSpec{Send: sendReserve, Step: "reserving"}).
		On("InventoryReserved", ActionSpec{Complete: true}).
		WithMaxRetries(5).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if def.Name() != "order_fulfillment" {
		t.Errorf("Expected name 'order_fulfillment', got '%s'", def.Name())
	}
	if def.MaxRetries() != 5 {
		t.Errorf("Expected max retries 5, got %d", def.MaxRetries())
	}
	if len(def.EventTypes()) != 2 {
		t.Errorf("Expected 2 event types, got %d", len(def.EventTypes()))
	}
}

func TestBuilder_EmptyDefinitionRejected(t *testing.T) {
	_, err := NewBuilder("empty").Build()
	if err == nil {
		t.Fatal("Definition without events must be rejected")
	}
	if _, ok := err.(*ConfigurationError); !ok {
		t.Errorf("Expected ConfigurationError, got %T", err)
	}
}

func TestBuilder_DuplicateEventRejected(t *testing.T) {
	_, err := NewBuilder("dup").
		On("OrderCreated", ActionSpec{Step: "a"}).
		On("OrderCreated", ActionSpec{Step: "b"}).
		Build()
	if err == nil {
		t.Fatal("Duplicate event registration must be rejected")
	}
	if !strings.Contains(err.Error(), "registered twice") {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestBuilder_HandlerExcludesDeclarative(t *testing.T) {
	handler := func(ctx context.Context, s *Saga, e events.Event) error { return nil }
	_, err := NewBuilder("mixed").
		On("OrderCreated", ActionSpec{Handler: handler, Complete: true}).
		Build()
	if err == nil {
		t.Fatal("Handler combined with declarative fields must be rejected")
	}
}

func TestBuilder_SendAndSendAllExclusive(t *testing.T) {
	_, err := NewBuilder("both").
		On("OrderCreated", ActionSpec{
			Send: sendReserve,
			SendAll: func(e events.Event) []transport.Command {
				return []transport.Command{sendReserve(e)}
			},
		}).
		Build()
	if err == nil {
		t.Fatal("Send combined with SendAll must be rejected")
	}
}

func TestBuilder_SuspendExcludesComplete(t *testing.T) {
	_, err := NewBuilder("suspend").
		On("OrderCreated", ActionSpec{Suspend: "manual review", Complete: true}).
		Build()
	if err == nil {
		t.Fatal("Suspend combined with Complete must be rejected")
	}
}

func TestBuilder_SuspendTimeoutRequiresSuspend(t *testing.T) {
	_, err := NewBuilder("timeout").
		On("OrderCreated", ActionSpec{Step: "a", SuspendTimeout: 1}).
		Build()
	if err == nil {
		t.Fatal("SuspendTimeout without Suspend must be rejected")
	}
}

func TestBuilder_EmptyActionRejected(t *testing.T) {
	_, err := NewBuilder("noop").
		On("OrderCreated", ActionSpec{}).
		Build()
	if err == nil {
		t.Fatal("Action without effects must be rejected")
	}
}

func TestBuilder_TCCWiring(t *testing.T) {
	step := TCCStepSpec{
		Name:    "inventory",
		Try:     sendReserve,
		Confirm: func(e events.Event) transport.Command { return &confirmReservationCmd{OrderID: e.CorrelationID()} },
		Cancel:  func(e events.Event) transport.Command { return &cancelReservationCmd{OrderID: e.CorrelationID()} },
	}

	_, err := NewBuilder("booking").
		WithTCCStep(step).
		OnTCCBegin("BookingRequested").
		OnTCCTried("InventoryReserved", "inventory").
		OnTCCConfirmed("ReservationConfirmed", "inventory").
		OnTCCFailed("ReservationFailed", "inventory").
		OnTCCCancelled("ReservationCancelled", "inventory").
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
}

func TestBuilder_TCCUnknownStepRejected(t *testing.T) {
	_, err := NewBuilder("booking").
		OnTCCBegin("BookingRequested").
		OnTCCTried("InventoryReserved", "missing").
		Build()
	if err == nil {
		t.Fatal("Wiring to an unknown tcc step must be rejected")
	}
}

func TestBuilder_TCCStepsWithoutTrigger(t *testing.T) {
	step := TCCStepSpec{
		Name:    "inventory",
		Try:     sendReserve,
		Confirm: sendReserve,
		Cancel:  sendReserve,
	}
	_, err := NewBuilder("booking").
		WithTCCStep(step).
		On("SomethingElse", ActionSpec{Step: "a"}).
		Build()
	if err == nil {
		t.Fatal("TCC steps without a trigger event must be rejected")
	}
}
