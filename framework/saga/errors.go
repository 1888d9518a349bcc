// Package saga определяет таксономию ошибок движка саг.
package saga

import (
	"errors"
	"fmt"
)

// ErrSagaNotFound сага не найдена в репозитории
var ErrSagaNotFound = errors.New("saga not found")

// ErrVersionConflict оптимистическая блокировка: состояние саги было изменено
// конкурентно. Движок не повторяет операцию сам — конфликт отдается вызывающей
// стороне, которая владеет циклом redelivery.
var ErrVersionConflict = errors.New("saga state version conflict")

// ConfigurationError ошибка конфигурации саги.
//
// Возникает синхронно на этапе построения или регистрации (builder, реестр,
// кодек). Если Build прошел без ошибок, в рантайме ConfigurationError
// появляться не должна.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("saga configuration error: %s", e.Message)
}

func newConfigurationErrorf(format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{Message: fmt.Sprintf(format, args...)}
}

// StateError неправильное использование API саги: begin_tcc вызван дважды,
// TCC без кодека и тому подобное
type StateError struct {
	Message string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("saga state error: %s", e.Message)
}

func newStateErrorf(format string, args ...interface{}) *StateError {
	return &StateError{Message: fmt.Sprintf(format, args...)}
}

// HandlerNotFoundError событие дошло до саги, у которой нет действия для его
// типа. Это ошибка маршрутизации, и она пробрасывается наверх: молча глотать
// ее нельзя, потому что она означает ошибку в связке registry/builder.
type HandlerNotFoundError struct {
	SagaType  string
	EventType string
}

func (e *HandlerNotFoundError) Error() string {
	return fmt.Sprintf("saga %s has no handler for event %s", e.SagaType, e.EventType)
}
