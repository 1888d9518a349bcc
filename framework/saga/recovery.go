// Package saga предоставляет фоновый recovery-воркер движка саг.
package saga

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// RecoveryConfig конфигурация recovery-воркера
type RecoveryConfig struct {
	// PollInterval период планового прохода
	PollInterval time.Duration
	// BatchLimit максимум саг, обрабатываемых одним проходом каждого цикла
	BatchLimit int
	// StopTimeout сколько ждать завершения текущего прохода при остановке
	StopTimeout time.Duration
}

// DefaultRecoveryConfig возвращает конфигурацию по умолчанию
func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		PollInterval: 30 * time.Second,
		BatchLimit:   100,
		StopTimeout:  10 * time.Second,
	}
}

// Validate проверяет конфигурацию
func (c RecoveryConfig) Validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.BatchLimit <= 0 {
		return fmt.Errorf("batch limit must be positive")
	}
	if c.StopTimeout < 0 {
		return fmt.Errorf("stop timeout cannot be negative")
	}
	return nil
}

// RecoveryWorker периодически прогоняет recovery-циклы менеджера:
// таймауты приостановок, таймауты TCC-резерваций и доставку застрявших
// команд.
//
// Помимо планового тика воркер поддерживает внеочередной запуск через
// Trigger: менеджер дергает его сразу после ошибки отправки, чтобы
// недоставленная команда не ждала следующего интервала.
type RecoveryWorker struct {
	manager *SagaManager
	config  RecoveryConfig
	logger  Logger

	triggerCh chan struct{}

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewRecoveryWorker создает recovery-воркер
func NewRecoveryWorker(manager *SagaManager, config RecoveryConfig) (*RecoveryWorker, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid recovery config: %w", err)
	}
	return &RecoveryWorker{
		manager:   manager,
		config:    config,
		logger:    nopLogger,
		triggerCh: make(chan struct{}, 1),
	}, nil
}

// WithLogger подключает логгер
func (w *RecoveryWorker) WithLogger(logger Logger) *RecoveryWorker {
	if logger != nil {
		w.logger = logger
	}
	return w
}

// Start запускает фоновый цикл воркера
func (w *RecoveryWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("recovery worker is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true

	go w.loop(runCtx)
	return nil
}

// Stop останавливает воркер, дожидаясь завершения текущего прохода
// не дольше StopTimeout
func (w *RecoveryWorker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	cancel := w.cancel
	done := w.done
	w.mu.Unlock()

	cancel()
	select {
	case <-done:
		return nil
	case <-time.After(w.config.StopTimeout):
		return fmt.Errorf("recovery worker did not stop within %s", w.config.StopTimeout)
	}
}

// Trigger запрашивает внеочередной проход. Никогда не блокирует:
// если запрос уже стоит в очереди, повторный схлопывается с ним.
func (w *RecoveryWorker) Trigger() {
	select {
	case w.triggerCh <- struct{}{}:
	default:
	}
}

func (w *RecoveryWorker) loop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.triggerCh:
			w.RunOnce(ctx)
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce выполняет один проход всех recovery-циклов.
// Циклы независимы: ошибка одного не мешает остальным.
func (w *RecoveryWorker) RunOnce(ctx context.Context) {
	if err := w.manager.ProcessTimeouts(ctx, w.config.BatchLimit); err != nil {
		w.logger("recovery: suspension timeout sweep failed: %v", err)
	}
	if err := w.manager.ProcessTCCTimeouts(ctx, w.config.BatchLimit); err != nil {
		w.logger("recovery: tcc timeout sweep failed: %v", err)
	}
	if err := w.manager.RecoverPendingSagas(ctx, w.config.BatchLimit); err != nil {
		w.logger("recovery: pending command sweep failed: %v", err)
	}
}
