// Package saga предоставляет реестр определений саг.
package saga

import (
	"sort"
	"sync"
)

// SagaRegistry сопоставляет типы событий определениям саг.
//
// Одно событие может запускать несколько типов саг: реестр возвращает все
// заинтересованные определения, менеджер обрабатывает каждое независимо.
type SagaRegistry struct {
	mu      sync.RWMutex
	byName  map[string]*SagaDefinition
	byEvent map[string][]*SagaDefinition
}

// NewSagaRegistry создает пустой реестр
func NewSagaRegistry() *SagaRegistry {
	return &SagaRegistry{
		byName:  make(map[string]*SagaDefinition),
		byEvent: make(map[string][]*SagaDefinition),
	}
}

// Register добавляет определение саги в реестр.
//
// Повторная регистрация той же пары (событие, сага) идемпотентна.
// Определение без единого типа события не регистрируется: такая сага
// никогда не получит событий, и молчаливая регистрация скрыла бы ошибку.
func (r *SagaRegistry) Register(def *SagaDefinition) error {
	if def == nil {
		return newConfigurationErrorf("saga definition cannot be nil")
	}
	eventTypes := def.EventTypes()
	if len(eventTypes) == 0 {
		return newConfigurationErrorf("saga %s reacts to no events", def.Name())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byName[def.Name()]; ok && existing != def {
		return newConfigurationErrorf("saga %s is already registered", def.Name())
	}
	r.byName[def.Name()] = def

	for _, eventType := range eventTypes {
		if r.subscribed(eventType, def) {
			continue
		}
		r.byEvent[eventType] = append(r.byEvent[eventType], def)
	}
	return nil
}

func (r *SagaRegistry) subscribed(eventType string, def *SagaDefinition) bool {
	for _, existing := range r.byEvent[eventType] {
		if existing == def {
			return true
		}
	}
	return false
}

// DefinitionsForEvent возвращает все определения, заинтересованные в событии
func (r *SagaRegistry) DefinitionsForEvent(eventType string) []*SagaDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := r.byEvent[eventType]
	result := make([]*SagaDefinition, len(defs))
	copy(result, defs)
	return result
}

// Definition возвращает определение по имени типа саги
func (r *SagaRegistry) Definition(name string) (*SagaDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.byName[name]
	return def, ok
}

// EventTypes возвращает отсортированный список типов событий,
// на которые подписана хотя бы одна сага
func (r *SagaRegistry) EventTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.byEvent))
	for eventType := range r.byEvent {
		types = append(types, eventType)
	}
	sort.Strings(types)
	return types
}
