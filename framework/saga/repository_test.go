package saga

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestInMemoryRepository_AddAndGet(t *testing.T) {
	repo := NewInMemorySagaRepository()
	ctx := context.Background()
	state := NewSagaState("order_fulfillment", "order-1")

	if err := repo.Add(ctx, state); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	got, err := repo.Get(ctx, state.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.ID != state.ID || got.CorrelationID != "order-1" {
		t.Errorf("Loaded state mismatch: %+v", got)
	}

	got, err = repo.FindByCorrelationID(ctx, "order-1", "order_fulfillment")
	if err != nil {
		t.Fatalf("FindByCorrelationID failed: %v", err)
	}
	if got.ID != state.ID {
		t.Error("Correlation lookup returned a different saga")
	}

	if _, err := repo.FindByCorrelationID(ctx, "order-1", "other_saga"); !errors.Is(err, ErrSagaNotFound) {
		t.Errorf("Expected ErrSagaNotFound for a different saga type, got %v", err)
	}
}

func TestInMemoryRepository_DuplicateCorrelationRejected(t *testing.T) {
	repo := NewInMemorySagaRepository()
	ctx := context.Background()

	if err := repo.Add(ctx, NewSagaState("order_fulfillment", "order-1")); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := repo.Add(ctx, NewSagaState("order_fulfillment", "order-1")); err == nil {
		t.Fatal("Duplicate (correlation, type) pair must be rejected")
	}
}

func TestInMemoryRepository_VersionConflict(t *testing.T) {
	repo := NewInMemorySagaRepository()
	ctx := context.Background()
	state := NewSagaState("order_fulfillment", "order-1")

	if err := repo.Add(ctx, state); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	first, _ := repo.Get(ctx, state.ID)
	second, _ := repo.Get(ctx, state.ID)

	if err := repo.Save(ctx, first); err != nil {
		t.Fatalf("First save failed: %v", err)
	}
	if first.Version != 1 {
		t.Errorf("Expected version 1 after save, got %d", first.Version)
	}

	// Вторая копия устарела
	if err := repo.Save(ctx, second); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("Expected ErrVersionConflict, got %v", err)
	}
}

func TestInMemoryRepository_ReturnsCopies(t *testing.T) {
	repo := NewInMemorySagaRepository()
	ctx := context.Background()
	state := NewSagaState("order_fulfillment", "order-1")
	if err := repo.Add(ctx, state); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	got, _ := repo.Get(ctx, state.ID)
	got.Status = StatusFailed

	reloaded, _ := repo.Get(ctx, state.ID)
	if reloaded.Status != StatusPending {
		t.Error("Mutations of a loaded copy must not leak into the repository")
	}
}

func TestInMemoryRepository_RecoveryQueries(t *testing.T) {
	repo := NewInMemorySagaRepository()
	ctx := context.Background()
	now := time.Now()

	stalled := NewSagaState("order_fulfillment", "order-1")
	stalled.Status = StatusRunning
	stalled.PendingCommands = append(stalled.PendingCommands, PendingCommand{
		CommandRef: CommandRef{CommandID: "cmd-1", TypeName: "inventory.reserve", Payload: []byte("{}")},
	})

	expired := NewSagaState("order_fulfillment", "order-2")
	expired.Status = StatusSuspended
	past := now.Add(-time.Minute)
	expired.SuspendedAt = &past
	expired.TimeoutAt = &past

	waiting := NewSagaState("order_fulfillment", "order-3")
	waiting.Status = StatusSuspended
	future := now.Add(time.Hour)
	waiting.TimeoutAt = &future

	tcc := NewSagaState("booking", "order-4")
	tcc.Status = StatusRunning
	tcc.TCCSteps = []*TCCStepRecord{{Name: "inventory", Phase: TCCPhaseTrying}}

	done := NewSagaState("order_fulfillment", "order-5")
	done.Status = StatusCompleted
	done.PendingCommands = append(done.PendingCommands, PendingCommand{
		CommandRef: CommandRef{CommandID: "cmd-2", TypeName: "inventory.reserve", Payload: []byte("{}")},
	})

	for _, s := range []*SagaState{stalled, expired, waiting, tcc, done} {
		if err := repo.Add(ctx, s); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	got, err := repo.FindStalled(ctx, 10)
	if err != nil {
		t.Fatalf("FindStalled failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != stalled.ID {
		t.Errorf("FindStalled must return only non-terminal sagas with pending commands, got %d", len(got))
	}

	got, err = repo.FindSuspended(ctx, 10)
	if err != nil {
		t.Fatalf("FindSuspended failed: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("Expected 2 suspended sagas, got %d", len(got))
	}

	got, err = repo.FindExpiredSuspended(ctx, now, 10)
	if err != nil {
		t.Fatalf("FindExpiredSuspended failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != expired.ID {
		t.Errorf("Expected only the expired suspension, got %d", len(got))
	}

	got, err = repo.FindRunningWithTCCSteps(ctx, 10)
	if err != nil {
		t.Fatalf("FindRunningWithTCCSteps failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != tcc.ID {
		t.Errorf("Expected only the tcc saga, got %d", len(got))
	}
}

func TestInMemoryRepository_FindLimit(t *testing.T) {
	repo := NewInMemorySagaRepository()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		state := NewSagaState("order_fulfillment", "order-"+string(rune('a'+i)))
		state.Status = StatusRunning
		state.PendingCommands = append(state.PendingCommands, PendingCommand{
			CommandRef: CommandRef{CommandID: "cmd", TypeName: "inventory.reserve", Payload: []byte("{}")},
		})
		if err := repo.Add(ctx, state); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	got, err := repo.FindStalled(ctx, 3)
	if err != nil {
		t.Fatalf("FindStalled failed: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("Expected limit of 3 to apply, got %d", len(got))
	}
}
