// Package saga определяет события жизненного цикла саги.
package saga

import (
	"github.com/akriventsev/granger/framework/events"
)

// Типы событий жизненного цикла саги. Публикуются менеджером при смене
// статуса, если подключен EventPublisher.
const (
	EventSagaStarted     = "saga.started"
	EventSagaCompleted   = "saga.completed"
	EventSagaFailed      = "saga.failed"
	EventSagaSuspended   = "saga.suspended"
	EventSagaCompensated = "saga.compensated"
)

// LifecycleEvent событие смены статуса саги.
// Correlation ID события совпадает с correlation ID саги, так что
// наблюдатели могут сопоставить его с породившим бизнес-процессом.
type LifecycleEvent struct {
	*events.BaseEvent
	SagaID   string `json:"saga_id"`
	SagaType string `json:"saga_type"`
	Step     string `json:"step,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func newLifecycleEvent(eventType string, state *SagaState, reason string) *LifecycleEvent {
	base := events.NewBaseEvent(eventType, state.CorrelationID)
	if state.TraceID != "" {
		base = base.WithMetadata(events.MetadataTraceID, state.TraceID)
	}
	return &LifecycleEvent{
		BaseEvent: base,
		SagaID:    state.ID,
		SagaType:  state.SagaType,
		Step:      state.CurrentStep,
		Reason:    reason,
	}
}
