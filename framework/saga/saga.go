// Package saga предоставляет движок саг: персистентную машину состояний
// для оркестрации длительных бизнес-транзакций, охватывающих несколько
// агрегатов или внешних сервисов.
//
// Сага реагирует на доменные события, решает какие команды отправить,
// накапливает компенсации и умеет выполнять двухфазный протокол резервации
// Try-Confirm/Cancel. Все долговечные данные живут в SagaState; Saga —
// поведенческая обертка, пересоздаваемая на каждое событие.
package saga

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/akriventsev/granger/framework/codec"
	"github.com/akriventsev/granger/framework/events"
	"github.com/akriventsev/granger/framework/transport"
)

// Logger функция логирования движка. Движок не навязывает библиотеку
// логирования: хост подключает свою через WithLogger. По умолчанию no-op.
type Logger func(format string, args ...interface{})

func nopLogger(string, ...interface{}) {}

// HandlerFunc пользовательский обработчик события.
// Получает сагу целиком: может отправлять команды, регистрировать
// компенсации, приостанавливать и завершать сагу.
type HandlerFunc func(ctx context.Context, s *Saga, event events.Event) error

// CommandFunc строит команду из события
type CommandFunc func(event events.Event) transport.Command

// CommandsFunc строит несколько команд из события
type CommandsFunc func(event events.Event) []transport.Command

// TimeoutHandler обработчик истечения дедлайна приостановки.
// Обязан либо возобновить сагу, либо перевести ее в терминальный статус;
// сагу, оставшуюся приостановленной, менеджер принудительно провалит.
type TimeoutHandler func(ctx context.Context, s *Saga) error

// Saga машина состояний одного экземпляра саги.
//
// Держит ссылку на SagaState и очередь команд текущего вызова. Очередь
// дренируется единственным читателем — SagaManager.
type Saga struct {
	state    *SagaState
	def      *SagaDefinition
	codec    codec.CommandCodec
	queue    []transport.Command
	tccSteps []TCCStep
	logger   Logger
}

// NewSaga создает сагу вокруг состояния.
// Кодек может быть nil, если сага не использует TCC и компенсации.
func NewSaga(def *SagaDefinition, state *SagaState, commandCodec codec.CommandCodec) *Saga {
	return &Saga{
		state:  state,
		def:    def,
		codec:  commandCodec,
		logger: nopLogger,
	}
}

// WithLogger подключает логгер
func (s *Saga) WithLogger(logger Logger) *Saga {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// State возвращает состояние саги
func (s *Saga) State() *SagaState {
	return s.state
}

// Handle применяет событие к саге.
//
// Идемпотентен по event ID: повторное событие не выполняет никаких действий.
// Терминальная сага события игнорирует. Для события без зарегистрированного
// действия возвращается HandlerNotFoundError.
func (s *Saga) Handle(ctx context.Context, event events.Event) error {
	if s.state.IsTerminal() {
		s.logger("saga %s is terminal (%s), ignoring event %s", s.state.ID, s.state.Status, event.EventType())
		return nil
	}
	if s.state.HasProcessedEvent(event.EventID()) {
		s.logger("saga %s already processed event %s, skipping", s.state.ID, event.EventID())
		return nil
	}

	if s.state.Status == StatusPending {
		s.state.Status = StatusRunning
	}

	spec := s.def.action(event.EventType())
	if spec == nil {
		return &HandlerNotFoundError{SagaType: s.state.SagaType, EventType: event.EventType()}
	}

	if err := s.applyAction(ctx, spec, event); err != nil {
		return err
	}

	s.state.MarkEventProcessed(event.EventID())
	s.state.AppendHistory(event.EventType())
	s.state.UpdatedAt = time.Now()
	return nil
}

// applyAction выполняет действие, зарегистрированное для типа события
func (s *Saga) applyAction(ctx context.Context, spec *ActionSpec, event events.Event) error {
	if spec.Handler != nil {
		return spec.Handler(ctx, s, event)
	}

	if spec.tcc != nil {
		return s.applyTCCAction(spec, event)
	}

	if spec.Compensate != nil {
		description := spec.CompensateDescription
		cmd := spec.Compensate(event)
		if description == "" {
			description = cmd.CommandName()
		}
		if err := s.AddCompensation(cmd, description); err != nil {
			return err
		}
	}

	switch {
	case spec.Send != nil:
		s.Dispatch(spec.Send(event))
	case spec.SendAll != nil:
		for _, cmd := range spec.SendAll(event) {
			s.Dispatch(cmd)
		}
	}

	if spec.Step != "" {
		s.state.CurrentStep = spec.Step
	}

	switch {
	case spec.Resume:
		s.Resume()
	case spec.Suspend != "":
		s.Suspend(spec.Suspend, spec.SuspendTimeout)
	case spec.Complete:
		s.Complete()
	case spec.Fail != "":
		s.Fail(spec.Fail, true)
	}

	return nil
}

// applyTCCAction выполняет TCC-проводку, объявленную builder'ом
func (s *Saga) applyTCCAction(spec *ActionSpec, event events.Event) error {
	switch spec.tcc.kind {
	case tccBegin:
		for _, stepSpec := range s.def.tccSteps {
			step := TCCStep{
				Name:            stepSpec.Name,
				Try:             stepSpec.Try(event),
				Confirm:         stepSpec.Confirm(event),
				Cancel:          stepSpec.Cancel(event),
				ReservationType: stepSpec.ReservationType,
				Timeout:         stepSpec.Timeout,
			}
			if err := s.AddTCCStep(step); err != nil {
				return err
			}
		}
		return s.BeginTCC()
	case tccTried:
		return s.MarkStepTried(spec.tcc.step)
	case tccConfirmed:
		return s.MarkStepConfirmed(spec.tcc.step)
	case tccFailed:
		reason := event.Metadata().GetString(events.MetadataReason)
		if reason == "" {
			reason = fmt.Sprintf("step failed on event %s", event.EventType())
		}
		return s.MarkStepFailed(spec.tcc.step, reason)
	case tccCancelled:
		return s.MarkStepCancelled(spec.tcc.step)
	}
	return nil
}

// Dispatch откладывает команду в очередь текущего вызова.
// Команда уйдет на шину только после того, как менеджер сохранит
// журнал pending-команд.
func (s *Saga) Dispatch(cmd transport.Command) {
	s.queue = append(s.queue, cmd)
}

// CollectCommands дренирует очередь команд. Очередь очищается;
// единственный читатель — SagaManager.
func (s *Saga) CollectCommands() []transport.Command {
	collected := s.queue
	s.queue = nil
	return collected
}

// Complete переводит сагу в терминальный статус completed
func (s *Saga) Complete() {
	now := time.Now()
	s.state.Status = StatusCompleted
	s.state.CompletedAt = &now
	s.state.UpdatedAt = now
}

// Fail фиксирует ошибку и проваливает сагу.
//
// При compensate=true и непустом стеке компенсаций запускается
// ExecuteCompensations, который сам выставляет терминальный статус
// (compensated либо failed); иначе статус сразу failed.
func (s *Saga) Fail(reason string, compensate bool) {
	now := time.Now()
	s.state.Error = reason
	s.state.FailedAt = &now
	s.state.UpdatedAt = now

	if compensate && len(s.state.CompensationStack) > 0 {
		s.ExecuteCompensations()
		return
	}
	s.state.Status = StatusFailed
}

// Suspend приостанавливает сагу для ручного вмешательства.
// Ненулевой timeout задает дедлайн, после которого recovery-цикл
// вызовет OnTimeout.
func (s *Saga) Suspend(reason string, timeout time.Duration) {
	now := time.Now()
	s.state.Status = StatusSuspended
	s.state.SuspendedAt = &now
	s.state.SuspensionReason = reason
	s.state.UpdatedAt = now
	if timeout > 0 {
		deadline := now.Add(timeout)
		s.state.TimeoutAt = &deadline
	} else {
		s.state.TimeoutAt = nil
	}
}

// Resume возобновляет приостановленную сагу.
// На сагах в любом другом статусе — no-op с записью в лог, не ошибка.
func (s *Saga) Resume() {
	if s.state.Status != StatusSuspended {
		s.logger("saga %s is not suspended (%s), resume is a no-op", s.state.ID, s.state.Status)
		return
	}
	s.state.Status = StatusRunning
	s.state.SuspendedAt = nil
	s.state.SuspensionReason = ""
	s.state.TimeoutAt = nil
	s.state.UpdatedAt = time.Now()
}

// OnTimeout вызывается менеджером, когда дедлайн приостановки истек,
// а сага все еще suspended. Переопределяется через builder; поведение
// по умолчанию — провалить сагу с причиной приостановки.
func (s *Saga) OnTimeout(ctx context.Context) error {
	if s.def != nil && s.def.onTimeout != nil {
		return s.def.onTimeout(ctx, s)
	}
	s.Fail(fmt.Sprintf("suspension timeout: %s", s.state.SuspensionReason), true)
	return nil
}

// AddCompensation кладет компенсирующую команду на вершину LIFO-стека.
// Команда сериализуется сразу: стек переживает рестарты процесса.
func (s *Saga) AddCompensation(cmd transport.Command, description string) error {
	if s.codec == nil {
		return newStateErrorf("saga %s: compensation requires a command codec", s.state.SagaType)
	}
	typeName, payload, err := s.codec.Encode(cmd)
	if err != nil {
		return fmt.Errorf("failed to encode compensation command: %w", err)
	}
	s.state.CompensationStack = append(s.state.CompensationStack, CompensationEntry{
		CommandRef: CommandRef{
			CommandID: uuid.New().String(),
			TypeName:  typeName,
			Payload:   payload,
		},
		Description: description,
		AddedAt:     time.Now(),
	})
	return nil
}

// ExecuteCompensations выполняет стек компенсаций в LIFO-порядке.
//
// Каждая компенсация снимается с вершины стека, восстанавливается через
// кодек и отправляется в очередь команд. Ошибка отдельной компенсации
// записывается в FailedCompensations и не останавливает цикл. Финальный
// статус — compensated, если ни одна компенсация не провалилась,
// иначе failed.
func (s *Saga) ExecuteCompensations() {
	now := time.Now()
	s.state.Status = StatusCompensating
	s.state.CurrentStep = "compensating"
	s.state.UpdatedAt = now

	failures := 0
	for len(s.state.CompensationStack) > 0 {
		top := s.state.CompensationStack[len(s.state.CompensationStack)-1]
		s.state.CompensationStack = s.state.CompensationStack[:len(s.state.CompensationStack)-1]

		if s.codec == nil {
			s.recordFailedCompensation(top, "command codec is not configured")
			failures++
			continue
		}
		cmd, err := s.codec.Decode(top.TypeName, top.Payload)
		if err != nil {
			s.recordFailedCompensation(top, err.Error())
			failures++
			continue
		}
		s.Dispatch(cmd)
	}

	end := time.Now()
	if failures == 0 {
		s.state.Status = StatusCompensated
		s.state.CompletedAt = &end
	} else {
		s.state.Status = StatusFailed
		s.state.FailedAt = &end
		if s.state.Error == "" {
			s.state.Error = fmt.Sprintf("%d compensation(s) failed", failures)
		}
	}
	s.state.UpdatedAt = end
}

func (s *Saga) recordFailedCompensation(entry CompensationEntry, reason string) {
	s.logger("saga %s: compensation %s (%s) failed: %s", s.state.ID, entry.TypeName, entry.Description, reason)
	s.state.FailedCompensations = append(s.state.FailedCompensations, FailedCompensation{
		TypeName:    entry.TypeName,
		Description: entry.Description,
		Error:       reason,
		FailedAt:    time.Now(),
	})
}
