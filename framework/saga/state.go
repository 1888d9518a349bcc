// Package saga предоставляет персистентное состояние саги.
package saga

import (
	"time"

	"github.com/google/uuid"
)

// Status статус выполнения саги
type Status string

const (
	StatusPending      Status = "pending"
	StatusRunning      Status = "running"
	StatusSuspended    Status = "suspended"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCompensating Status = "compensating"
	StatusCompensated  Status = "compensated"
)

// IsTerminal проверяет, является ли статус терминальным.
// Из терминального статуса переходов нет: ни событие, ни TCC-переход
// не изменяют завершенную сагу.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCompensated
}

// DefaultMaxRetries количество попыток восстановления по умолчанию,
// после которых сага принудительно переводится в failed
const DefaultMaxRetries = 3

// CommandRef сериализованная команда: имя типа плюс payload.
// CommandID — стабильный ключ идемпотентности: он выдается один раз при
// постановке команды в журнал и переживает повторные отправки, позволяя
// принимающей стороне дедуплицировать at-least-once доставку.
type CommandRef struct {
	CommandID string `json:"command_id"`
	TypeName  string `json:"type_name"`
	Payload   []byte `json:"payload"`
}

// PendingCommand запись журнала недоставленных команд.
//
// Команда попадает сюда (dispatched=false) в той же записи состояния, что и
// породившая ее мутация, и помечается dispatched=true только после
// подтверждения шины. Журнал — единственный источник истины о том,
// что еще должно уйти.
type PendingCommand struct {
	CommandRef
	Dispatched bool `json:"dispatched"`
}

// CompensationEntry элемент LIFO-стека компенсаций
type CompensationEntry struct {
	CommandRef
	Description string    `json:"description"`
	AddedAt     time.Time `json:"added_at"`
}

// FailedCompensation компенсация, завершившаяся ошибкой.
// Не пробрасывается: сохраняется для ручного разбора и повтора.
type FailedCompensation struct {
	TypeName    string    `json:"type_name"`
	Description string    `json:"description"`
	Error       string    `json:"error"`
	FailedAt    time.Time `json:"failed_at"`
}

// StepHistoryEntry запись истории шагов: append-only аудит, никогда не мутируется
type StepHistoryEntry struct {
	StepName   string    `json:"step_name"`
	EventType  string    `json:"event_type"`
	OccurredAt time.Time `json:"occurred_at"`
}

// TCCPhase фаза TCC-шага
type TCCPhase string

const (
	TCCPhasePending    TCCPhase = "pending"
	TCCPhaseTrying     TCCPhase = "trying"
	TCCPhaseTried      TCCPhase = "tried"
	TCCPhaseConfirming TCCPhase = "confirming"
	TCCPhaseConfirmed  TCCPhase = "confirmed"
	TCCPhaseCancelling TCCPhase = "cancelling"
	TCCPhaseCancelled  TCCPhase = "cancelled"
	TCCPhaseFailed     TCCPhase = "failed"
)

// ReservationType тип резервации TCC-шага
type ReservationType string

const (
	// ReservationResource резервация ресурса без собственного дедлайна
	ReservationResource ReservationType = "resource"
	// ReservationTimeBased резервация с дедлайном: по его истечении шаг
	// считается проваленным и запускается откат
	ReservationTimeBased ReservationType = "time_based"
)

// TCCStepRecord персистентная запись одного TCC-шага
type TCCStepRecord struct {
	Name            string                `json:"name"`
	Phase           TCCPhase              `json:"phase"`
	ReservationType ReservationType       `json:"reservation_type"`
	TryCommand      CommandRef            `json:"try_command"`
	ConfirmCommand  CommandRef            `json:"confirm_command"`
	CancelCommand   CommandRef            `json:"cancel_command"`
	Error           string                `json:"error,omitempty"`
	TimeoutAt       *time.Time            `json:"timeout_at,omitempty"`
	PhaseTimestamps map[TCCPhase]time.Time `json:"phase_timestamps"`
}

func (r *TCCStepRecord) setPhase(phase TCCPhase, now time.Time) {
	r.Phase = phase
	if r.PhaseTimestamps == nil {
		r.PhaseTimestamps = make(map[TCCPhase]time.Time)
	}
	r.PhaseTimestamps[phase] = now
}

// SagaState персистентная запись экземпляра саги.
//
// Владеет записью исключительно SagaManager вместе с репозиторием; мутации
// происходят только через методы Saga. Version — счетчик оптимистической
// блокировки, инкрементируется репозиторием при каждом сохранении.
type SagaState struct {
	ID            string `json:"id"`
	CorrelationID string `json:"correlation_id"`
	SagaType      string `json:"saga_type"`

	Status      Status `json:"status"`
	CurrentStep string `json:"current_step,omitempty"`

	StepHistory         []StepHistoryEntry     `json:"step_history"`
	TCCSteps            []*TCCStepRecord       `json:"tcc_steps,omitempty"`
	ProcessedEventIDs   []string               `json:"processed_event_ids"`
	PendingCommands     []PendingCommand       `json:"pending_commands"`
	CompensationStack   []CompensationEntry    `json:"compensation_stack"`
	FailedCompensations []FailedCompensation   `json:"failed_compensations,omitempty"`

	SuspendedAt      *time.Time `json:"suspended_at,omitempty"`
	SuspensionReason string     `json:"suspension_reason,omitempty"`
	TimeoutAt        *time.Time `json:"timeout_at,omitempty"`

	RetryCount int    `json:"retry_count"`
	MaxRetries int    `json:"max_retries"`
	Error      string `json:"error,omitempty"`

	TraceID  string                 `json:"trace_id,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	Version     int64      `json:"version"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
}

// NewSagaState создает новое состояние саги в статусе pending
func NewSagaState(sagaType, correlationID string) *SagaState {
	now := time.Now()
	return &SagaState{
		ID:                uuid.New().String(),
		CorrelationID:     correlationID,
		SagaType:          sagaType,
		Status:            StatusPending,
		StepHistory:       make([]StepHistoryEntry, 0),
		ProcessedEventIDs: make([]string, 0),
		PendingCommands:   make([]PendingCommand, 0),
		CompensationStack: make([]CompensationEntry, 0),
		MaxRetries:        DefaultMaxRetries,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// IsTerminal проверяет, завершена ли сага
func (s *SagaState) IsTerminal() bool {
	return s.Status.IsTerminal()
}

// HasProcessedEvent проверяет, было ли событие уже применено
func (s *SagaState) HasProcessedEvent(eventID string) bool {
	for _, id := range s.ProcessedEventIDs {
		if id == eventID {
			return true
		}
	}
	return false
}

// MarkEventProcessed добавляет событие в множество обработанных.
// Множество только растет.
func (s *SagaState) MarkEventProcessed(eventID string) {
	if s.HasProcessedEvent(eventID) {
		return
	}
	s.ProcessedEventIDs = append(s.ProcessedEventIDs, eventID)
}

// AppendHistory добавляет запись в историю шагов
func (s *SagaState) AppendHistory(eventType string) {
	s.StepHistory = append(s.StepHistory, StepHistoryEntry{
		StepName:   s.CurrentStep,
		EventType:  eventType,
		OccurredAt: time.Now(),
	})
}

// TCCStep находит запись TCC-шага по имени
func (s *SagaState) TCCStep(name string) *TCCStepRecord {
	for _, record := range s.TCCSteps {
		if record.Name == name {
			return record
		}
	}
	return nil
}

// UndispatchedCommands возвращает подмножество журнала с dispatched=false
func (s *SagaState) UndispatchedCommands() []PendingCommand {
	var result []PendingCommand
	for _, pc := range s.PendingCommands {
		if !pc.Dispatched {
			result = append(result, pc)
		}
	}
	return result
}

// SuspensionExpired проверяет, истек ли дедлайн приостановки
func (s *SagaState) SuspensionExpired(now time.Time) bool {
	return s.Status == StatusSuspended && s.TimeoutAt != nil && !now.Before(*s.TimeoutAt)
}
