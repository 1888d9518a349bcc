// Package events предоставляет базовые интерфейсы для работы с доменными событиями.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Event представляет доменное событие
type Event interface {
	// EventID возвращает уникальный идентификатор события
	EventID() string
	// EventType возвращает тип события
	EventType() string
	// OccurredAt возвращает время возникновения события
	OccurredAt() time.Time
	// CorrelationID возвращает бизнес-ключ, связывающий событие с экземпляром саги
	CorrelationID() string
	// Metadata возвращает метаданные события
	Metadata() EventMetadata
}

// Стандартные ключи метаданных события
const (
	MetadataCausationID = "causation_id"
	MetadataTraceID     = "trace_id"
	MetadataReason      = "reason"
)

// EventMetadata метаданные события
type EventMetadata map[string]interface{}

// Get получает значение метаданных по ключу
func (m EventMetadata) Get(key string) (interface{}, bool) {
	val, ok := m[key]
	return val, ok
}

// GetString получает строковое значение метаданных
func (m EventMetadata) GetString(key string) string {
	val, ok := m[key]
	if !ok {
		return ""
	}
	if s, ok := val.(string); ok {
		return s
	}
	return ""
}

// CausationID возвращает causation ID
func (m EventMetadata) CausationID() string {
	return m.GetString(MetadataCausationID)
}

// TraceID возвращает trace ID
func (m EventMetadata) TraceID() string {
	return m.GetString(MetadataTraceID)
}

// BaseEvent базовая реализация события.
//
// Correlation ID обязателен: именно по нему SagaManager находит экземпляр саги.
// Событие без correlation ID невозможно маршрутизировать, и менеджер его отбросит.
type BaseEvent struct {
	eventID       string
	eventType     string
	occurredAt    time.Time
	correlationID string
	metadata      EventMetadata
}

// NewBaseEvent создает новое базовое событие
func NewBaseEvent(eventType, correlationID string) *BaseEvent {
	return &BaseEvent{
		eventID:       uuid.New().String(),
		eventType:     eventType,
		occurredAt:    time.Now(),
		correlationID: correlationID,
		metadata:      make(EventMetadata),
	}
}

func (e *BaseEvent) EventID() string {
	return e.eventID
}

func (e *BaseEvent) EventType() string {
	return e.eventType
}

func (e *BaseEvent) OccurredAt() time.Time {
	return e.occurredAt
}

func (e *BaseEvent) CorrelationID() string {
	return e.correlationID
}

func (e *BaseEvent) Metadata() EventMetadata {
	return e.metadata
}

// WithEventID переопределяет идентификатор события.
// Используется при восстановлении события из внешнего представления,
// чтобы дедупликация по event ID продолжала работать.
func (e *BaseEvent) WithEventID(id string) *BaseEvent {
	e.eventID = id
	return e
}

// WithOccurredAt переопределяет время возникновения события
func (e *BaseEvent) WithOccurredAt(t time.Time) *BaseEvent {
	e.occurredAt = t
	return e
}

// WithMetadata добавляет значение в метаданные
func (e *BaseEvent) WithMetadata(key string, value interface{}) *BaseEvent {
	if e.metadata == nil {
		e.metadata = make(EventMetadata)
	}
	e.metadata[key] = value
	return e
}

// WithCausationID устанавливает causation ID
func (e *BaseEvent) WithCausationID(id string) *BaseEvent {
	return e.WithMetadata(MetadataCausationID, id)
}
