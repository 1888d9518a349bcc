// Package codec предоставляет реестр сериализации команд.
//
// Каждая команда, которую сага откладывает в журнал pending-команд, кладет в
// стек компенсаций или объявляет в TCC-шаге, пересекает границу сериализации:
// в хранилище уходит пара (имя типа, payload), обратно возвращается типизированная
// команда. Реестр делает это соответствие явным: тип, не зарегистрированный
// заранее, не сериализуется и не восстанавливается.
package codec

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/akriventsev/granger/framework/transport"
)

// CommandCodec граница сериализации команд
type CommandCodec interface {
	// Encode сериализует команду в пару (имя типа, payload)
	Encode(cmd transport.Command) (string, []byte, error)
	// Decode восстанавливает типизированную команду по имени типа и payload
	Decode(typeName string, payload []byte) (transport.Command, error)
	// Registered проверяет, зарегистрирован ли тип
	Registered(typeName string) bool
}

// NotRegisteredError тип команды не зарегистрирован в реестре.
//
// Это ошибка конфигурации: все типы команд, проходящие через движок саг,
// должны быть зарегистрированы до старта. Динамического fallback нет.
type NotRegisteredError struct {
	TypeName string
}

func (e *NotRegisteredError) Error() string {
	return fmt.Sprintf("command type %q is not registered in the codec", e.TypeName)
}

// CommandFactory создает пустой экземпляр команды для десериализации
type CommandFactory func() transport.Command

type codecEntry struct {
	marshal   func(transport.Command) ([]byte, error)
	unmarshal func([]byte) (transport.Command, error)
}

// Registry потокобезопасный реестр кодеков команд
type Registry struct {
	mu      sync.RWMutex
	entries map[string]codecEntry
}

// NewRegistry создает новый реестр
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]codecEntry),
	}
}

// Register регистрирует произвольную пару (marshal, unmarshal) для имени типа
func (r *Registry) Register(
	typeName string,
	marshal func(transport.Command) ([]byte, error),
	unmarshal func([]byte) (transport.Command, error),
) error {
	if typeName == "" {
		return fmt.Errorf("type name cannot be empty")
	}
	if marshal == nil || unmarshal == nil {
		return fmt.Errorf("marshal and unmarshal functions are required for type %s", typeName)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[typeName]; exists {
		return fmt.Errorf("command type %s is already registered", typeName)
	}
	r.entries[typeName] = codecEntry{marshal: marshal, unmarshal: unmarshal}
	return nil
}

// RegisterJSON регистрирует JSON-кодек для имени типа.
// Фабрика должна возвращать указатель на пустую команду этого типа.
func (r *Registry) RegisterJSON(typeName string, factory CommandFactory) error {
	if factory == nil {
		return fmt.Errorf("factory is required for type %s", typeName)
	}
	return r.Register(typeName,
		func(cmd transport.Command) ([]byte, error) {
			return json.Marshal(cmd)
		},
		func(payload []byte) (transport.Command, error) {
			cmd := factory()
			if err := json.Unmarshal(payload, cmd); err != nil {
				return nil, fmt.Errorf("failed to unmarshal command %s: %w", typeName, err)
			}
			return cmd, nil
		},
	)
}

// MustRegisterJSON регистрирует JSON-кодек и паникует при ошибке.
// Удобно для регистрации в init() или при старте приложения.
func (r *Registry) MustRegisterJSON(typeName string, factory CommandFactory) {
	if err := r.RegisterJSON(typeName, factory); err != nil {
		panic(err)
	}
}

// Encode сериализует команду. Имя типа берется из CommandName().
func (r *Registry) Encode(cmd transport.Command) (string, []byte, error) {
	if cmd == nil {
		return "", nil, fmt.Errorf("command cannot be nil")
	}
	typeName := cmd.CommandName()

	r.mu.RLock()
	entry, exists := r.entries[typeName]
	r.mu.RUnlock()

	if !exists {
		return "", nil, &NotRegisteredError{TypeName: typeName}
	}

	payload, err := entry.marshal(cmd)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal command %s: %w", typeName, err)
	}
	return typeName, payload, nil
}

// Decode восстанавливает команду по имени типа и payload
func (r *Registry) Decode(typeName string, payload []byte) (transport.Command, error) {
	r.mu.RLock()
	entry, exists := r.entries[typeName]
	r.mu.RUnlock()

	if !exists {
		return nil, &NotRegisteredError{TypeName: typeName}
	}
	return entry.unmarshal(payload)
}

// Registered проверяет, зарегистрирован ли тип
func (r *Registry) Registered(typeName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.entries[typeName]
	return exists
}

// TypeNames возвращает список зарегистрированных типов
func (r *Registry) TypeNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	return names
}
