package saga

import (
	"testing"
)

func registryDefinition(t *testing.T, name string, eventTypes ...string) *SagaDefinition {
	t.Helper()
	builder := NewBuilder(name)
	for _, eventType := range eventTypes {
		builder.On(eventType, ActionSpec{Step: "step"})
	}
	def, err := builder.Build()
	if err != nil {
		t.Fatalf("Failed to build definition %s: %v", name, err)
	}
	return def
}

func TestRegistry_Register(t *testing.T) {
	registry := NewSagaRegistry()
	def := registryDefinition(t, "order_fulfillment", "OrderCreated", "PaymentCharged")

	if err := registry.Register(def); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	found, ok := registry.Definition("order_fulfillment")
	if !ok || found != def {
		t.Error("Definition lookup by name failed")
	}

	defs := registry.DefinitionsForEvent("OrderCreated")
	if len(defs) != 1 || defs[0] != def {
		t.Errorf("Expected 1 definition for OrderCreated, got %d", len(defs))
	}
	if len(registry.DefinitionsForEvent("Unknown")) != 0 {
		t.Error("Unknown event must have no definitions")
	}
}

func TestRegistry_RegisterIdempotent(t *testing.T) {
	registry := NewSagaRegistry()
	def := registryDefinition(t, "order_fulfillment", "OrderCreated")

	if err := registry.Register(def); err != nil {
		t.Fatalf("First register failed: %v", err)
	}
	if err := registry.Register(def); err != nil {
		t.Fatalf("Repeated register of the same definition must be idempotent: %v", err)
	}

	if defs := registry.DefinitionsForEvent("OrderCreated"); len(defs) != 1 {
		t.Errorf("Expected 1 definition after repeated register, got %d", len(defs))
	}
}

func TestRegistry_DuplicateNameRejected(t *testing.T) {
	registry := NewSagaRegistry()
	first := registryDefinition(t, "order_fulfillment", "OrderCreated")
	second := registryDefinition(t, "order_fulfillment", "PaymentCharged")

	if err := registry.Register(first); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := registry.Register(second); err == nil {
		t.Fatal("Different definition under the same name must be rejected")
	}
}

func TestRegistry_MultipleSagasPerEvent(t *testing.T) {
	registry := NewSagaRegistry()
	orders := registryDefinition(t, "order_fulfillment", "OrderCreated")
	audit := registryDefinition(t, "order_audit", "OrderCreated")

	if err := registry.Register(orders); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := registry.Register(audit); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	defs := registry.DefinitionsForEvent("OrderCreated")
	if len(defs) != 2 {
		t.Errorf("Expected 2 definitions for OrderCreated, got %d", len(defs))
	}
}

func TestRegistry_NilDefinitionRejected(t *testing.T) {
	registry := NewSagaRegistry()
	if err := registry.Register(nil); err == nil {
		t.Fatal("Nil definition must be rejected")
	}
}

func TestRegistry_EventTypesSorted(t *testing.T) {
	registry := NewSagaRegistry()
	def := registryDefinition(t, "order_fulfillment", "ZEvent", "AEvent", "MEvent")
	if err := registry.Register(def); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	types := registry.EventTypes()
	expected := []string{"AEvent", "MEvent", "ZEvent"}
	if len(types) != len(expected) {
		t.Fatalf("Expected %d event types, got %d", len(expected), len(types))
	}
	for i, eventType := range expected {
		if types[i] != eventType {
			t.Errorf("EventTypes[%d]: expected %s, got %s", i, eventType, types[i])
		}
	}
}
