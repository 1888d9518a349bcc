// Package saga реализует протокол Try-Confirm/Cancel поверх саги.
package saga

import (
	"time"

	"github.com/google/uuid"

	"github.com/akriventsev/granger/framework/transport"
)

// TCCStep декларация одного шага двухфазной резервации.
//
// Try захватывает ресурс условно, Confirm делает захват окончательным,
// Cancel освобождает резерв. Все три команды фиксируются при объявлении
// шага: откат не должен зависеть от возможности построить команду заново
// после рестарта процесса.
type TCCStep struct {
	Name            string
	Try             transport.Command
	Confirm         transport.Command
	Cancel          transport.Command
	ReservationType ReservationType
	Timeout         time.Duration
}

// AddTCCStep объявляет TCC-шаг. Вызывается до BeginTCC.
func (s *Saga) AddTCCStep(step TCCStep) error {
	if step.Name == "" {
		return newConfigurationErrorf("tcc step name is required")
	}
	if step.Try == nil || step.Confirm == nil || step.Cancel == nil {
		return newConfigurationErrorf("tcc step %s: try, confirm and cancel commands are required", step.Name)
	}
	if step.ReservationType == "" {
		step.ReservationType = ReservationResource
	}
	if step.ReservationType == ReservationTimeBased && step.Timeout <= 0 {
		return newConfigurationErrorf("tcc step %s: time_based reservation requires a positive timeout", step.Name)
	}
	for _, existing := range s.tccSteps {
		if existing.Name == step.Name {
			return newConfigurationErrorf("tcc step %s is already declared", step.Name)
		}
	}
	s.tccSteps = append(s.tccSteps, step)
	return nil
}

// BeginTCC запускает фазу Try для всех объявленных шагов.
//
// Все три команды каждого шага сериализуются в состояние до отправки:
// запись шага самодостаточна, и recovery может откатить резервацию,
// не восстанавливая фабрики команд. Повторный запуск протокола на той же
// саге — StateError.
func (s *Saga) BeginTCC() error {
	if len(s.tccSteps) == 0 {
		return newStateErrorf("saga %s: no tcc steps declared", s.state.ID)
	}
	if len(s.state.TCCSteps) > 0 {
		return newStateErrorf("saga %s: tcc protocol has already begun", s.state.ID)
	}
	if s.codec == nil {
		return newStateErrorf("saga %s: tcc requires a command codec", s.state.SagaType)
	}

	now := time.Now()
	records := make([]*TCCStepRecord, 0, len(s.tccSteps))
	for _, step := range s.tccSteps {
		tryRef, err := s.encodeCommandRef(step.Try)
		if err != nil {
			return err
		}
		confirmRef, err := s.encodeCommandRef(step.Confirm)
		if err != nil {
			return err
		}
		cancelRef, err := s.encodeCommandRef(step.Cancel)
		if err != nil {
			return err
		}

		record := &TCCStepRecord{
			Name:            step.Name,
			ReservationType: step.ReservationType,
			TryCommand:      tryRef,
			ConfirmCommand:  confirmRef,
			CancelCommand:   cancelRef,
		}
		if step.ReservationType == ReservationTimeBased {
			deadline := now.Add(step.Timeout)
			record.TimeoutAt = &deadline
		}
		record.setPhase(TCCPhaseTrying, now)
		records = append(records, record)
	}

	s.state.TCCSteps = records
	s.state.Status = StatusRunning
	s.state.CurrentStep = "trying"
	s.state.UpdatedAt = now

	for _, step := range s.tccSteps {
		s.Dispatch(step.Try)
	}
	return nil
}

func (s *Saga) encodeCommandRef(cmd transport.Command) (CommandRef, error) {
	typeName, payload, err := s.codec.Encode(cmd)
	if err != nil {
		return CommandRef{}, err
	}
	return CommandRef{
		CommandID: uuid.New().String(),
		TypeName:  typeName,
		Payload:   payload,
	}, nil
}

// MarkStepTried отмечает успешную резервацию шага.
// Когда все шаги перешли в tried, отправляются Confirm-команды всех шагов
// и протокол переходит в фазу подтверждения.
func (s *Saga) MarkStepTried(name string) error {
	record := s.state.TCCStep(name)
	if record == nil {
		return newStateErrorf("saga %s: unknown tcc step %s", s.state.ID, name)
	}

	now := time.Now()
	record.setPhase(TCCPhaseTried, now)
	s.state.UpdatedAt = now

	for _, r := range s.state.TCCSteps {
		if r.Phase != TCCPhaseTried {
			return nil
		}
	}

	// Все резервации подтверждены, переходим к фазе Confirm
	s.state.CurrentStep = "confirming"
	for _, r := range s.state.TCCSteps {
		cmd, err := s.codec.Decode(r.ConfirmCommand.TypeName, r.ConfirmCommand.Payload)
		if err != nil {
			return err
		}
		r.setPhase(TCCPhaseConfirming, now)
		s.Dispatch(cmd)
	}
	return nil
}

// MarkStepConfirmed отмечает подтверждение шага.
// Когда подтверждены все шаги, сага завершается успешно.
func (s *Saga) MarkStepConfirmed(name string) error {
	record := s.state.TCCStep(name)
	if record == nil {
		return newStateErrorf("saga %s: unknown tcc step %s", s.state.ID, name)
	}

	now := time.Now()
	record.setPhase(TCCPhaseConfirmed, now)
	s.state.UpdatedAt = now

	for _, r := range s.state.TCCSteps {
		if r.Phase != TCCPhaseConfirmed {
			return nil
		}
	}

	s.state.CurrentStep = "confirmed"
	s.Complete()
	return nil
}

// MarkStepFailed отмечает провал шага и запускает откат всех остальных.
//
// Cancel-команды уходят шагам в фазах trying, tried и confirming в порядке,
// обратном порядку объявления. Откатываемые шаги переходят в cancelling,
// проваленный шаг — в failed, сага — в compensating.
func (s *Saga) MarkStepFailed(name, reason string) error {
	record := s.state.TCCStep(name)
	if record == nil {
		return newStateErrorf("saga %s: unknown tcc step %s", s.state.ID, name)
	}

	now := time.Now()
	record.Error = reason
	record.setPhase(TCCPhaseFailed, now)

	s.state.Status = StatusCompensating
	s.state.CurrentStep = "cancelling"
	s.state.Error = reason
	s.state.UpdatedAt = now

	// Откат в порядке, обратном объявлению
	for i := len(s.state.TCCSteps) - 1; i >= 0; i-- {
		r := s.state.TCCSteps[i]
		if r.Name == name {
			continue
		}
		switch r.Phase {
		case TCCPhaseTrying, TCCPhaseTried, TCCPhaseConfirming:
			cmd, err := s.codec.Decode(r.CancelCommand.TypeName, r.CancelCommand.Payload)
			if err != nil {
				s.logger("saga %s: failed to decode cancel command for tcc step %s: %v", s.state.ID, r.Name, err)
				r.Error = err.Error()
				r.setPhase(TCCPhaseFailed, now)
				continue
			}
			r.setPhase(TCCPhaseCancelling, now)
			s.Dispatch(cmd)
		}
	}

	s.settleTCCRollback(now)
	return nil
}

// MarkStepCancelled отмечает завершение отката шага.
// Когда все шаги вышли из полета, сага переходит в compensated.
func (s *Saga) MarkStepCancelled(name string) error {
	record := s.state.TCCStep(name)
	if record == nil {
		return newStateErrorf("saga %s: unknown tcc step %s", s.state.ID, name)
	}

	now := time.Now()
	record.setPhase(TCCPhaseCancelled, now)
	s.state.UpdatedAt = now

	s.settleTCCRollback(now)
	return nil
}

// settleTCCRollback завершает откат, когда ни один шаг не остался в полете
func (s *Saga) settleTCCRollback(now time.Time) {
	for _, r := range s.state.TCCSteps {
		switch r.Phase {
		case TCCPhaseCancelled, TCCPhaseFailed, TCCPhasePending:
		default:
			return
		}
	}
	s.state.Status = StatusCompensated
	s.state.CurrentStep = "cancelled"
	s.state.CompletedAt = &now
	s.state.UpdatedAt = now
}

// CheckTCCTimeouts проваливает шаги с истекшей time_based резервацией.
//
// Сначала собираются все истекшие шаги, затем каждый проваливается через
// MarkStepFailed. Возвращаются имена проваленных шагов.
func (s *Saga) CheckTCCTimeouts(now time.Time) ([]string, error) {
	var expired []string
	for _, r := range s.state.TCCSteps {
		if r.ReservationType != ReservationTimeBased || r.TimeoutAt == nil {
			continue
		}
		if r.Phase != TCCPhaseTrying && r.Phase != TCCPhaseTried {
			continue
		}
		if !now.Before(*r.TimeoutAt) {
			expired = append(expired, r.Name)
		}
	}

	for _, name := range expired {
		if err := s.MarkStepFailed(name, "reservation timeout"); err != nil {
			return expired, err
		}
	}
	return expired, nil
}
