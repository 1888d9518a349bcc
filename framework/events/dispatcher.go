// Package events предоставляет реализацию диспетчера событий.
package events

import (
	"context"
	"fmt"
	"sync"
)

// EventHandler обработчик событий
type EventHandler func(ctx context.Context, event Event) error

// EventDispatcher диспетчер событий: маршрутизирует события по типу
type EventDispatcher interface {
	// Subscribe подписывает обработчик на тип события
	Subscribe(eventType string, handler EventHandler) error
	// Dispatch доставляет событие всем подписчикам его типа
	Dispatch(ctx context.Context, event Event) error
}

// EventPublisher публикатор событий (используется SagaManager для lifecycle-событий)
type EventPublisher interface {
	// Publish публикует событие
	Publish(ctx context.Context, event Event) error
}

// InMemoryDispatcher диспетчер событий в памяти.
//
// Подходит для single-process хостов и тестов. Обработчики одного типа
// вызываются последовательно в порядке подписки; первая ошибка прерывает доставку.
type InMemoryDispatcher struct {
	mu       sync.RWMutex
	handlers map[string][]EventHandler
}

// NewInMemoryDispatcher создает новый диспетчер в памяти
func NewInMemoryDispatcher() *InMemoryDispatcher {
	return &InMemoryDispatcher{
		handlers: make(map[string][]EventHandler),
	}
}

// Subscribe подписывает обработчик на тип события
func (d *InMemoryDispatcher) Subscribe(eventType string, handler EventHandler) error {
	if eventType == "" {
		return fmt.Errorf("event type cannot be empty")
	}
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[eventType] = append(d.handlers[eventType], handler)
	return nil
}

// Dispatch доставляет событие всем подписчикам его типа
func (d *InMemoryDispatcher) Dispatch(ctx context.Context, event Event) error {
	d.mu.RLock()
	handlers := make([]EventHandler, len(d.handlers[event.EventType()]))
	copy(handlers, d.handlers[event.EventType()])
	d.mu.RUnlock()

	for _, handler := range handlers {
		if err := handler(ctx, event); err != nil {
			return fmt.Errorf("handler failed for event %s: %w", event.EventType(), err)
		}
	}
	return nil
}

// Publish реализует EventPublisher поверх Dispatch
func (d *InMemoryDispatcher) Publish(ctx context.Context, event Event) error {
	return d.Dispatch(ctx, event)
}
