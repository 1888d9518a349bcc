// Package transport предоставляет in-memory реализацию шины команд.
package transport

import (
	"context"
	"fmt"
	"sync"
)

// InMemoryCommandBus шина команд в памяти.
//
// Подходит для single-process хостов и тестов: команда доставляется
// зарегистрированному обработчику синхронно.
type InMemoryCommandBus struct {
	mu       sync.RWMutex
	handlers map[string]CommandHandler
}

// NewInMemoryCommandBus создает новую шину команд в памяти
func NewInMemoryCommandBus() *InMemoryCommandBus {
	return &InMemoryCommandBus{
		handlers: make(map[string]CommandHandler),
	}
}

// Register регистрирует обработчик команды
func (b *InMemoryCommandBus) Register(handler CommandHandler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.handlers[handler.CommandName()]; exists {
		return fmt.Errorf("handler already registered for command %s", handler.CommandName())
	}
	b.handlers[handler.CommandName()] = handler
	return nil
}

// Send доставляет команду зарегистрированному обработчику
func (b *InMemoryCommandBus) Send(ctx context.Context, cmd Command) error {
	b.mu.RLock()
	handler, exists := b.handlers[cmd.CommandName()]
	b.mu.RUnlock()

	if !exists {
		return fmt.Errorf("no handler registered for command %s", cmd.CommandName())
	}
	return handler.Handle(ctx, cmd)
}
