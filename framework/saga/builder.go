// Package saga предоставляет декларативный builder определений саг.
package saga

import (
	"strings"
	"time"
)

// ActionSpec декларативное действие саги на событие.
//
// Действие либо императивное (Handler), либо собирается из декларативных
// полей. Handler несовместим с остальными полями. Send и SendAll взаимно
// исключены. Suspend и Fail несовместимы с отправкой команд и завершением.
type ActionSpec struct {
	// Handler императивный обработчик, исключает все декларативные поля
	Handler HandlerFunc

	// Send строит и отправляет одну команду
	Send CommandFunc
	// SendAll строит и отправляет несколько команд
	SendAll CommandsFunc

	// Compensate регистрирует компенсацию до отправки команд
	Compensate CommandFunc
	// CompensateDescription описание компенсации для ручного разбора
	CompensateDescription string

	// Step новое значение текущего шага саги
	Step string

	// Complete завершает сагу успешно
	Complete bool
	// Suspend приостанавливает сагу с указанной причиной
	Suspend string
	// SuspendTimeout дедлайн приостановки, требует Suspend
	SuspendTimeout time.Duration
	// Resume возобновляет приостановленную сагу
	Resume bool
	// Fail проваливает сагу с компенсацией
	Fail string

	tcc *tccAction
}

type tccActionKind int

const (
	tccBegin tccActionKind = iota + 1
	tccTried
	tccConfirmed
	tccFailed
	tccCancelled
)

type tccAction struct {
	kind tccActionKind
	step string
}

func (a *ActionSpec) validate(eventType string) []string {
	var problems []string

	declarative := a.Send != nil || a.SendAll != nil || a.Compensate != nil ||
		a.Step != "" || a.Complete || a.Suspend != "" || a.Resume || a.Fail != "" ||
		a.SuspendTimeout != 0 || a.tcc != nil

	if a.Handler != nil && declarative {
		problems = append(problems, eventType+": handler excludes declarative fields")
	}
	if a.Handler == nil && !declarative {
		problems = append(problems, eventType+": action must declare at least one effect")
	}
	if a.Send != nil && a.SendAll != nil {
		problems = append(problems, eventType+": send and send_all are mutually exclusive")
	}
	if a.Suspend != "" && (a.Send != nil || a.SendAll != nil || a.Complete) {
		problems = append(problems, eventType+": suspend excludes send, send_all and complete")
	}
	if a.Fail != "" && (a.Send != nil || a.SendAll != nil || a.Complete) {
		problems = append(problems, eventType+": fail excludes send, send_all and complete")
	}
	if a.SuspendTimeout != 0 && a.Suspend == "" {
		problems = append(problems, eventType+": suspend timeout requires suspend")
	}
	return problems
}

// TCCStepSpec декларация TCC-шага в определении саги.
// Фабрики команд получают событие, запустившее протокол.
type TCCStepSpec struct {
	Name            string
	Try             CommandFunc
	Confirm         CommandFunc
	Cancel          CommandFunc
	ReservationType ReservationType
	Timeout         time.Duration
}

// SagaDefinition неизменяемое определение типа саги.
//
// Описывает реакции на события, TCC-шаги и политику восстановления.
// Одно определение обслуживает все экземпляры саги этого типа; создается
// один раз через SagaBuilder и после Build не мутируется.
type SagaDefinition struct {
	name       string
	actions    map[string]*ActionSpec
	tccSteps   []TCCStepSpec
	onTimeout  TimeoutHandler
	maxRetries int
}

// Name возвращает тип саги
func (d *SagaDefinition) Name() string {
	return d.name
}

// EventTypes возвращает типы событий, на которые реагирует сага
func (d *SagaDefinition) EventTypes() []string {
	types := make([]string, 0, len(d.actions))
	for eventType := range d.actions {
		types = append(types, eventType)
	}
	return types
}

// MaxRetries возвращает лимит попыток восстановления
func (d *SagaDefinition) MaxRetries() int {
	return d.maxRetries
}

func (d *SagaDefinition) action(eventType string) *ActionSpec {
	return d.actions[eventType]
}

// SagaBuilder пошагово собирает определение саги.
//
// Ошибки конфигурации накапливаются и возвращаются одним списком из Build:
// неправильное определение обнаруживается при старте приложения, а не при
// первом событии в продакшене.
type SagaBuilder struct {
	def      *SagaDefinition
	problems []string
}

// NewBuilder создает builder определения саги
func NewBuilder(name string) *SagaBuilder {
	return &SagaBuilder{
		def: &SagaDefinition{
			name:       name,
			actions:    make(map[string]*ActionSpec),
			maxRetries: DefaultMaxRetries,
		},
	}
}

func (b *SagaBuilder) register(eventType string, spec *ActionSpec) *SagaBuilder {
	if eventType == "" {
		b.problems = append(b.problems, "event type cannot be empty")
		return b
	}
	if _, exists := b.def.actions[eventType]; exists {
		b.problems = append(b.problems, "event "+eventType+" is registered twice")
		return b
	}
	b.def.actions[eventType] = spec
	return b
}

// On регистрирует декларативное действие на тип события
func (b *SagaBuilder) On(eventType string, spec ActionSpec) *SagaBuilder {
	return b.register(eventType, &spec)
}

// OnEvent регистрирует императивный обработчик на тип события
func (b *SagaBuilder) OnEvent(eventType string, handler HandlerFunc) *SagaBuilder {
	return b.register(eventType, &ActionSpec{Handler: handler})
}

// WithTCCStep объявляет TCC-шаг. Шаги выполняются в порядке объявления,
// откатываются в обратном.
func (b *SagaBuilder) WithTCCStep(spec TCCStepSpec) *SagaBuilder {
	b.def.tccSteps = append(b.def.tccSteps, spec)
	return b
}

// OnTCCBegin назначает событие, запускающее фазу Try всех объявленных шагов
func (b *SagaBuilder) OnTCCBegin(eventType string) *SagaBuilder {
	return b.register(eventType, &ActionSpec{tcc: &tccAction{kind: tccBegin}})
}

// OnTCCTried назначает событие успешной резервации шага
func (b *SagaBuilder) OnTCCTried(eventType, stepName string) *SagaBuilder {
	return b.register(eventType, &ActionSpec{tcc: &tccAction{kind: tccTried, step: stepName}})
}

// OnTCCConfirmed назначает событие подтверждения шага
func (b *SagaBuilder) OnTCCConfirmed(eventType, stepName string) *SagaBuilder {
	return b.register(eventType, &ActionSpec{tcc: &tccAction{kind: tccConfirmed, step: stepName}})
}

// OnTCCFailed назначает событие провала шага. Причина берется из
// метаданных события по ключу "reason".
func (b *SagaBuilder) OnTCCFailed(eventType, stepName string) *SagaBuilder {
	return b.register(eventType, &ActionSpec{tcc: &tccAction{kind: tccFailed, step: stepName}})
}

// OnTCCCancelled назначает событие завершения отката шага
func (b *SagaBuilder) OnTCCCancelled(eventType, stepName string) *SagaBuilder {
	return b.register(eventType, &ActionSpec{tcc: &tccAction{kind: tccCancelled, step: stepName}})
}

// WithTimeoutHandler переопределяет реакцию на истечение дедлайна приостановки
func (b *SagaBuilder) WithTimeoutHandler(handler TimeoutHandler) *SagaBuilder {
	b.def.onTimeout = handler
	return b
}

// WithMaxRetries задает лимит попыток восстановления для экземпляров саги
func (b *SagaBuilder) WithMaxRetries(maxRetries int) *SagaBuilder {
	if maxRetries < 0 {
		b.problems = append(b.problems, "max retries cannot be negative")
		return b
	}
	b.def.maxRetries = maxRetries
	return b
}

// Build валидирует и возвращает определение саги.
// Все накопленные проблемы конфигурации возвращаются одной ошибкой.
func (b *SagaBuilder) Build() (*SagaDefinition, error) {
	problems := b.problems

	if b.def.name == "" {
		problems = append(problems, "saga name is required")
	}
	if len(b.def.actions) == 0 {
		problems = append(problems, "saga must react to at least one event")
	}

	for eventType, spec := range b.def.actions {
		problems = append(problems, spec.validate(eventType)...)
	}

	problems = append(problems, b.validateTCC()...)

	if len(problems) > 0 {
		return nil, newConfigurationErrorf("saga %s: %s", b.def.name, strings.Join(problems, "; "))
	}
	return b.def, nil
}

// MustBuild валидирует определение и паникует при ошибке.
// Удобно для регистрации при старте приложения.
func (b *SagaBuilder) MustBuild() *SagaDefinition {
	def, err := b.Build()
	if err != nil {
		panic(err)
	}
	return def
}

func (b *SagaBuilder) validateTCC() []string {
	var problems []string

	stepNames := make(map[string]bool, len(b.def.tccSteps))
	for _, step := range b.def.tccSteps {
		if step.Name == "" {
			problems = append(problems, "tcc step name is required")
			continue
		}
		if stepNames[step.Name] {
			problems = append(problems, "tcc step "+step.Name+" is declared twice")
		}
		stepNames[step.Name] = true
		if step.Try == nil || step.Confirm == nil || step.Cancel == nil {
			problems = append(problems, "tcc step "+step.Name+": try, confirm and cancel factories are required")
		}
		if step.ReservationType == ReservationTimeBased && step.Timeout <= 0 {
			problems = append(problems, "tcc step "+step.Name+": time_based reservation requires a positive timeout")
		}
	}

	beginCount := 0
	for eventType, spec := range b.def.actions {
		if spec.tcc == nil {
			continue
		}
		if spec.tcc.kind == tccBegin {
			beginCount++
			continue
		}
		if !stepNames[spec.tcc.step] {
			problems = append(problems, eventType+": unknown tcc step "+spec.tcc.step)
		}
	}

	if len(b.def.tccSteps) > 0 && beginCount == 0 {
		problems = append(problems, "tcc steps are declared but no event triggers the protocol")
	}
	if beginCount > 1 {
		problems = append(problems, "only one event may trigger the tcc protocol")
	}
	if beginCount > 0 && len(b.def.tccSteps) == 0 {
		problems = append(problems, "tcc trigger is declared but no steps are defined")
	}
	return problems
}
