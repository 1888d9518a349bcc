// Package transport предоставляет интерфейсы и реализации для работы с командами CQRS.
package transport

import (
	"context"
	"time"
)

// Command представляет команду CQRS
type Command interface {
	CommandName() string
}

// CommandMetadata интерфейс для метаданных команд
type CommandMetadata interface {
	// ID возвращает уникальный идентификатор команды
	ID() string
	// Timestamp возвращает время создания команды
	Timestamp() time.Time
	// CorrelationID возвращает correlation ID для трассировки
	CorrelationID() string
	// CausationID возвращает causation ID (ID события, породившего эту команду)
	CausationID() string
}

// CommandHandler обработчик команд
type CommandHandler interface {
	Handle(ctx context.Context, cmd Command) error
	CommandName() string
}

// CommandBus шина команд.
//
// Send может вернуть ошибку транспорта; движок саг трактует доставку как
// at-least-once и полагается на идемпотентность обработчиков на принимающей стороне.
type CommandBus interface {
	Send(ctx context.Context, cmd Command) error
}

type commandIDKey struct{}

// WithCommandID кладет стабильный идентификатор команды в контекст.
// Отправители выставляют его перед Send; транспортные адаптеры переносят
// его в заголовки сообщения как ключ идемпотентности.
func WithCommandID(ctx context.Context, commandID string) context.Context {
	return context.WithValue(ctx, commandIDKey{}, commandID)
}

// CommandIDFromContext возвращает идентификатор команды из контекста
func CommandIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(commandIDKey{}).(string); ok {
		return id
	}
	return ""
}

// BaseCommandMetadata базовая реализация метаданных команды
type BaseCommandMetadata struct {
	id            string
	timestamp     time.Time
	correlationID string
	causationID   string
}

// NewBaseCommandMetadata создает новые метаданные команды
func NewBaseCommandMetadata(id, correlationID, causationID string) *BaseCommandMetadata {
	return &BaseCommandMetadata{
		id:            id,
		timestamp:     time.Now(),
		correlationID: correlationID,
		causationID:   causationID,
	}
}

func (m *BaseCommandMetadata) ID() string {
	return m.id
}

func (m *BaseCommandMetadata) Timestamp() time.Time {
	return m.timestamp
}

func (m *BaseCommandMetadata) CorrelationID() string {
	return m.correlationID
}

func (m *BaseCommandMetadata) CausationID() string {
	return m.causationID
}
