package transport

import (
	"context"
	"testing"
)

type pingCmd struct{}

func (c *pingCmd) CommandName() string { return "ping" }

type pingHandler struct {
	handled int
	lastID  string
}

func (h *pingHandler) CommandName() string { return "ping" }

func (h *pingHandler) Handle(ctx context.Context, cmd Command) error {
	h.handled++
	h.lastID = CommandIDFromContext(ctx)
	return nil
}

func TestInMemoryCommandBus_Send(t *testing.T) {
	bus := NewInMemoryCommandBus()
	handler := &pingHandler{}

	if err := bus.Register(handler); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	ctx := WithCommandID(context.Background(), "cmd-1")
	if err := bus.Send(ctx, &pingCmd{}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if handler.handled != 1 {
		t.Errorf("Expected 1 handled command, got %d", handler.handled)
	}
	if handler.lastID != "cmd-1" {
		t.Errorf("Expected command ID 'cmd-1', got '%s'", handler.lastID)
	}
}

func TestInMemoryCommandBus_NoHandler(t *testing.T) {
	bus := NewInMemoryCommandBus()
	if err := bus.Send(context.Background(), &pingCmd{}); err == nil {
		t.Fatal("Send without a registered handler must fail")
	}
}

func TestInMemoryCommandBus_DuplicateHandler(t *testing.T) {
	bus := NewInMemoryCommandBus()
	if err := bus.Register(&pingHandler{}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := bus.Register(&pingHandler{}); err == nil {
		t.Fatal("Duplicate handler registration must fail")
	}
}

func TestCommandIDFromContext_Empty(t *testing.T) {
	if id := CommandIDFromContext(context.Background()); id != "" {
		t.Errorf("Expected empty command ID, got '%s'", id)
	}
}
