// Package saga предоставляет менеджер саг: маршрутизацию событий,
// персистентность состояний и надежную доставку команд.
package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/akriventsev/granger/framework/codec"
	"github.com/akriventsev/granger/framework/events"
	"github.com/akriventsev/granger/framework/transport"
)

// MetricsRecorder наблюдатель метрик движка саг.
// Реализация по умолчанию живет в пакете metrics.
type MetricsRecorder interface {
	SagaStarted(ctx context.Context, sagaType string)
	SagaFinished(ctx context.Context, sagaType string, status Status, duration time.Duration)
	CommandDispatched(ctx context.Context, typeName string)
	RecoverySweep(ctx context.Context, sweep string, processed int)
}

// SagaManager связывает реестр определений, хранилище состояний и шину команд.
//
// Доставка команд построена вокруг журнала pending-команд: команды сначала
// сохраняются в состоянии саги (в той же записи, что и породившая их
// мутация), и только потом уходят на шину. Упавший между сохранением и
// отправкой процесс ничего не теряет: recovery-цикл дошлет недоставленное.
// Гарантия — at-least-once; дедупликация на принимающей стороне идет по
// стабильному command ID.
type SagaManager struct {
	registry *SagaRegistry
	repo     SagaRepository
	bus      transport.CommandBus
	codec    codec.CommandCodec

	publisher       events.EventPublisher
	metrics         MetricsRecorder
	logger          Logger
	recoveryTrigger func()
}

// NewSagaManager создает менеджер саг
func NewSagaManager(
	registry *SagaRegistry,
	repo SagaRepository,
	bus transport.CommandBus,
	commandCodec codec.CommandCodec,
) *SagaManager {
	return &SagaManager{
		registry: registry,
		repo:     repo,
		bus:      bus,
		codec:    commandCodec,
		logger:   nopLogger,
	}
}

// WithPublisher подключает публикацию событий жизненного цикла саг
func (m *SagaManager) WithPublisher(publisher events.EventPublisher) *SagaManager {
	m.publisher = publisher
	return m
}

// WithMetrics подключает наблюдателя метрик
func (m *SagaManager) WithMetrics(metrics MetricsRecorder) *SagaManager {
	m.metrics = metrics
	return m
}

// WithLogger подключает логгер
func (m *SagaManager) WithLogger(logger Logger) *SagaManager {
	if logger != nil {
		m.logger = logger
	}
	return m
}

// WithRecoveryTrigger подключает внеочередной запуск recovery-цикла.
// Вызывается после ошибки отправки команды, чтобы не ждать следующего тика.
func (m *SagaManager) WithRecoveryTrigger(trigger func()) *SagaManager {
	m.recoveryTrigger = trigger
	return m
}

// BindTo подписывает менеджер на все типы событий, известные реестру
func (m *SagaManager) BindTo(dispatcher events.EventDispatcher) error {
	for _, eventType := range m.registry.EventTypes() {
		if err := dispatcher.Subscribe(eventType, m.Handle); err != nil {
			return fmt.Errorf("failed to subscribe saga manager to %s: %w", eventType, err)
		}
	}
	return nil
}

// Handle маршрутизирует событие во все заинтересованные саги.
//
// Событие без correlation ID отбрасывается с записью в лог: без бизнес-ключа
// его невозможно сопоставить экземпляру саги. Каждое определение
// обрабатывается независимо, ошибки объединяются.
func (m *SagaManager) Handle(ctx context.Context, event events.Event) error {
	defs := m.registry.DefinitionsForEvent(event.EventType())
	if len(defs) == 0 {
		return nil
	}
	if event.CorrelationID() == "" {
		m.logger("event %s (%s) has no correlation id, dropping", event.EventType(), event.EventID())
		return nil
	}

	var errs []error
	for _, def := range defs {
		if err := m.processSaga(ctx, def, event); err != nil {
			m.logger("saga %s failed to process event %s: %v", def.Name(), event.EventType(), err)
			errs = append(errs, fmt.Errorf("saga %s: %w", def.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// StartSaga явно запускает сагу указанного типа стартовым событием
func (m *SagaManager) StartSaga(ctx context.Context, sagaType string, event events.Event) error {
	def, ok := m.registry.Definition(sagaType)
	if !ok {
		return newConfigurationErrorf("saga %s is not registered", sagaType)
	}
	if event.CorrelationID() == "" {
		return newConfigurationErrorf("saga %s: start event has no correlation id", sagaType)
	}
	return m.processSaga(ctx, def, event)
}

func (m *SagaManager) processSaga(ctx context.Context, def *SagaDefinition, event events.Event) error {
	state, created, err := m.loadOrCreate(ctx, def, event)
	if err != nil {
		return err
	}
	if state.IsTerminal() {
		m.logger("saga %s/%s is terminal (%s), ignoring event %s", def.Name(), state.ID, state.Status, event.EventType())
		return nil
	}

	sg := NewSaga(def, state, m.codec).WithLogger(m.logger)
	prevStatus := state.Status

	if created {
		if m.metrics != nil {
			m.metrics.SagaStarted(ctx, def.Name())
		}
		m.publish(ctx, newLifecycleEvent(EventSagaStarted, state, ""))
	}

	if err := sg.Handle(ctx, event); err != nil {
		// Частичный прогресс сохраняем: упавший обработчик мог успеть
		// зарегистрировать компенсации или изменить статус
		if saveErr := m.repo.Save(ctx, state); saveErr != nil {
			m.logger("saga %s/%s: failed to persist partial state: %v", def.Name(), state.ID, saveErr)
		}
		return err
	}

	if err := m.appendPending(state, sg.CollectCommands()); err != nil {
		return err
	}

	// Журнал pending-команд сохраняется до отправки
	if err := m.repo.Save(ctx, state); err != nil {
		return err
	}

	m.observeTransition(ctx, prevStatus, state)

	if err := m.dispatchPending(ctx, state); err != nil {
		m.fireRecoveryTrigger()
		return err
	}

	state.PendingCommands = state.PendingCommands[:0]
	return m.repo.Save(ctx, state)
}

func (m *SagaManager) loadOrCreate(ctx context.Context, def *SagaDefinition, event events.Event) (*SagaState, bool, error) {
	state, err := m.repo.FindByCorrelationID(ctx, event.CorrelationID(), def.Name())
	if err == nil {
		return state, false, nil
	}
	if !errors.Is(err, ErrSagaNotFound) {
		return nil, false, err
	}

	state = NewSagaState(def.Name(), event.CorrelationID())
	state.MaxRetries = def.MaxRetries()
	if traceID := event.Metadata().TraceID(); traceID != "" {
		state.TraceID = traceID
	}
	if err := m.repo.Add(ctx, state); err != nil {
		return nil, false, err
	}
	return state, true, nil
}

// appendPending сериализует команды в журнал недоставленных.
// Каждая запись получает стабильный command ID: он переживает повторные
// отправки и служит ключом идемпотентности на принимающей стороне.
func (m *SagaManager) appendPending(state *SagaState, cmds []transport.Command) error {
	if len(cmds) == 0 {
		return nil
	}
	if m.codec == nil {
		return newStateErrorf("saga %s: dispatching commands requires a command codec", state.SagaType)
	}
	for _, cmd := range cmds {
		typeName, payload, err := m.codec.Encode(cmd)
		if err != nil {
			return fmt.Errorf("failed to encode command for saga %s: %w", state.ID, err)
		}
		state.PendingCommands = append(state.PendingCommands, PendingCommand{
			CommandRef: CommandRef{
				CommandID: uuid.New().String(),
				TypeName:  typeName,
				Payload:   payload,
			},
		})
	}
	return nil
}

// dispatchPending отправляет недоставленные команды из журнала.
//
// Команда всегда восстанавливается из журнала, а не из очереди саги:
// один и тот же код работает и на горячем пути, и в recovery. Флаг
// dispatched сохраняется после каждой успешной отправки, так что повтор
// после сбоя дошлет только недоставленный хвост.
func (m *SagaManager) dispatchPending(ctx context.Context, state *SagaState) error {
	for i := range state.PendingCommands {
		pc := &state.PendingCommands[i]
		if pc.Dispatched {
			continue
		}

		cmd, err := m.codec.Decode(pc.TypeName, pc.Payload)
		if err != nil {
			return fmt.Errorf("failed to decode pending command %s: %w", pc.TypeName, err)
		}

		if err := m.bus.Send(transport.WithCommandID(ctx, pc.CommandID), cmd); err != nil {
			return fmt.Errorf("failed to dispatch command %s: %w", pc.TypeName, err)
		}
		if m.metrics != nil {
			m.metrics.CommandDispatched(ctx, pc.TypeName)
		}

		pc.Dispatched = true
		if err := m.repo.Save(ctx, state); err != nil {
			return err
		}
	}
	return nil
}

// dispatchPendingTolerant дошлет что сможет, ошибки только логируются.
// Используется recovery-циклами, где падение одной саги не должно
// останавливать обход остальных.
func (m *SagaManager) dispatchPendingTolerant(ctx context.Context, state *SagaState) {
	if err := m.dispatchPending(ctx, state); err != nil {
		m.logger("saga %s: recovery dispatch incomplete: %v", state.ID, err)
	}
}

func (m *SagaManager) fireRecoveryTrigger() {
	if m.recoveryTrigger != nil {
		m.recoveryTrigger()
	}
}

func (m *SagaManager) publish(ctx context.Context, event events.Event) {
	if m.publisher == nil {
		return
	}
	if err := m.publisher.Publish(ctx, event); err != nil {
		m.logger("failed to publish lifecycle event %s: %v", event.EventType(), err)
	}
}

// observeTransition публикует событие жизненного цикла и снимает метрику,
// если статус саги изменился на значимый
func (m *SagaManager) observeTransition(ctx context.Context, prev Status, state *SagaState) {
	if prev == state.Status {
		return
	}

	var eventType string
	switch state.Status {
	case StatusCompleted:
		eventType = EventSagaCompleted
	case StatusFailed:
		eventType = EventSagaFailed
	case StatusSuspended:
		eventType = EventSagaSuspended
	case StatusCompensated:
		eventType = EventSagaCompensated
	default:
		return
	}

	if m.metrics != nil && state.IsTerminal() {
		m.metrics.SagaFinished(ctx, state.SagaType, state.Status, time.Since(state.CreatedAt))
	}
	m.publish(ctx, newLifecycleEvent(eventType, state, state.Error))
}

// RecoverPendingSagas дошлет команды саг, застрявших между сохранением
// и отправкой.
//
// Сага с полностью доставленным журналом просто очищается. У саги с
// недоставленными командами инкрементируется счетчик попыток; сага,
// исчерпавшая MaxRetries, проваливается с компенсацией. Ошибки отдельных
// саг логируются и не прерывают обход; конфликт версий означает, что
// сагу параллельно обрабатывает горячий путь, и она пропускается.
func (m *SagaManager) RecoverPendingSagas(ctx context.Context, limit int) error {
	states, err := m.repo.FindStalled(ctx, limit)
	if err != nil {
		return fmt.Errorf("failed to list stalled sagas: %w", err)
	}

	for _, state := range states {
		if err := m.recoverSaga(ctx, state); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				continue
			}
			m.logger("saga %s: recovery failed: %v", state.ID, err)
		}
	}
	if m.metrics != nil {
		m.metrics.RecoverySweep(ctx, "pending_commands", len(states))
	}
	return nil
}

func (m *SagaManager) recoverSaga(ctx context.Context, state *SagaState) error {
	if len(state.UndispatchedCommands()) == 0 {
		state.PendingCommands = state.PendingCommands[:0]
		return m.repo.Save(ctx, state)
	}

	if state.RetryCount >= state.MaxRetries {
		return m.failExhausted(ctx, state)
	}

	state.RetryCount++
	if err := m.repo.Save(ctx, state); err != nil {
		return err
	}
	if err := m.dispatchPending(ctx, state); err != nil {
		return err
	}

	state.RetryCount = 0
	state.PendingCommands = state.PendingCommands[:0]
	return m.repo.Save(ctx, state)
}

// failExhausted проваливает сагу, исчерпавшую попытки восстановления
func (m *SagaManager) failExhausted(ctx context.Context, state *SagaState) error {
	def, _ := m.registry.Definition(state.SagaType)
	sg := NewSaga(def, state, m.codec).WithLogger(m.logger)
	prevStatus := state.Status

	m.logger("saga %s exhausted %d recovery retries, failing", state.ID, state.MaxRetries)
	state.PendingCommands = state.PendingCommands[:0]
	sg.Fail("recovery retries exhausted", true)

	if err := m.appendPending(state, sg.CollectCommands()); err != nil {
		m.logger("saga %s: failed to enqueue compensations: %v", state.ID, err)
	}
	if err := m.repo.Save(ctx, state); err != nil {
		return err
	}
	m.observeTransition(ctx, prevStatus, state)
	m.dispatchPendingTolerant(ctx, state)
	return nil
}

// ProcessTimeouts обрабатывает приостановленные саги с истекшим дедлайном.
//
// Для каждой вызывается обработчик таймаута (пользовательский или
// дефолтный). Сага, оставшаяся приостановленной после обработчика,
// принудительно проваливается: иначе она попадала бы в выборку вечно.
func (m *SagaManager) ProcessTimeouts(ctx context.Context, limit int) error {
	now := time.Now()
	states, err := m.repo.FindExpiredSuspended(ctx, now, limit)
	if err != nil {
		return fmt.Errorf("failed to list expired suspended sagas: %w", err)
	}

	for _, state := range states {
		if err := m.processTimeout(ctx, state, now); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				continue
			}
			m.logger("saga %s: timeout processing failed: %v", state.ID, err)
		}
	}
	if m.metrics != nil {
		m.metrics.RecoverySweep(ctx, "suspension_timeouts", len(states))
	}
	return nil
}

func (m *SagaManager) processTimeout(ctx context.Context, state *SagaState, now time.Time) error {
	def, _ := m.registry.Definition(state.SagaType)
	sg := NewSaga(def, state, m.codec).WithLogger(m.logger)
	prevStatus := state.Status

	if err := sg.OnTimeout(ctx); err != nil {
		m.logger("saga %s: timeout handler failed: %v", state.ID, err)
		if state.Status != StatusFailed {
			sg.Fail(fmt.Sprintf("timeout handler failed: %v", err), true)
		}
	}
	if state.SuspensionExpired(now) {
		// Обработчик не разрешил приостановку, принудительный провал без компенсации
		failedAt := time.Now()
		state.Status = StatusFailed
		state.Error = "timeout handler did not resolve suspension"
		state.FailedAt = &failedAt
		state.UpdatedAt = failedAt
	}

	if err := m.appendPending(state, sg.CollectCommands()); err != nil {
		m.logger("saga %s: failed to enqueue timeout commands: %v", state.ID, err)
	}
	if err := m.repo.Save(ctx, state); err != nil {
		return err
	}
	m.observeTransition(ctx, prevStatus, state)
	m.dispatchPendingTolerant(ctx, state)
	return nil
}

// ProcessTCCTimeouts проваливает TCC-шаги с истекшей time_based резервацией
// и рассылает Cancel-команды
func (m *SagaManager) ProcessTCCTimeouts(ctx context.Context, limit int) error {
	now := time.Now()
	states, err := m.repo.FindRunningWithTCCSteps(ctx, limit)
	if err != nil {
		return fmt.Errorf("failed to list sagas with tcc steps: %w", err)
	}

	processed := 0
	for _, state := range states {
		expired, err := m.processTCCTimeout(ctx, state, now)
		if err != nil {
			if errors.Is(err, ErrVersionConflict) {
				continue
			}
			m.logger("saga %s: tcc timeout processing failed: %v", state.ID, err)
		}
		if expired {
			processed++
		}
	}
	if m.metrics != nil {
		m.metrics.RecoverySweep(ctx, "tcc_timeouts", processed)
	}
	return nil
}

func (m *SagaManager) processTCCTimeout(ctx context.Context, state *SagaState, now time.Time) (bool, error) {
	def, _ := m.registry.Definition(state.SagaType)
	sg := NewSaga(def, state, m.codec).WithLogger(m.logger)
	prevStatus := state.Status

	expired, err := sg.CheckTCCTimeouts(now)
	if err != nil {
		return len(expired) > 0, err
	}
	if len(expired) == 0 {
		return false, nil
	}
	m.logger("saga %s: tcc reservations expired: %v", state.ID, expired)

	if err := m.appendPending(state, sg.CollectCommands()); err != nil {
		return true, err
	}
	if err := m.repo.Save(ctx, state); err != nil {
		return true, err
	}
	m.observeTransition(ctx, prevStatus, state)
	m.dispatchPendingTolerant(ctx, state)
	return true, nil
}
