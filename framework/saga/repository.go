// Package saga определяет контракт хранилища состояний саг и его
// in-memory реализацию для тестов и локальной разработки.
package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// SagaRepository хранилище состояний саг.
//
// Save использует оптимистическую блокировку: сохранение с устаревшей
// версией возвращает ErrVersionConflict, и вызывающая сторона перечитывает
// состояние. Поисковые методы обслуживают recovery-циклы менеджера.
type SagaRepository interface {
	// Add сохраняет новое состояние саги
	Add(ctx context.Context, state *SagaState) error
	// Get возвращает состояние по идентификатору саги
	Get(ctx context.Context, id string) (*SagaState, error)
	// FindByCorrelationID возвращает сагу типа sagaType по correlation ID.
	// Если саги нет, возвращается ErrSagaNotFound.
	FindByCorrelationID(ctx context.Context, correlationID, sagaType string) (*SagaState, error)
	// Save сохраняет состояние с проверкой версии и инкрементирует ее
	Save(ctx context.Context, state *SagaState) error
	// FindStalled возвращает нетерминальные саги с недоставленными командами
	FindStalled(ctx context.Context, limit int) ([]*SagaState, error)
	// FindSuspended возвращает приостановленные саги
	FindSuspended(ctx context.Context, limit int) ([]*SagaState, error)
	// FindExpiredSuspended возвращает приостановленные саги с истекшим дедлайном
	FindExpiredSuspended(ctx context.Context, now time.Time, limit int) ([]*SagaState, error)
	// FindRunningWithTCCSteps возвращает активные саги с TCC-шагами
	FindRunningWithTCCSteps(ctx context.Context, limit int) ([]*SagaState, error)
}

// InMemorySagaRepository потокобезопасное in-memory хранилище состояний.
//
// Состояния хранятся глубокими копиями через JSON: мутации возвращенного
// состояния не видны хранилищу до явного Save, как и в настоящей базе.
type InMemorySagaRepository struct {
	mu            sync.RWMutex
	states        map[string][]byte
	versions      map[string]int64
	byCorrelation map[string]string
}

// NewInMemorySagaRepository создает пустое in-memory хранилище
func NewInMemorySagaRepository() *InMemorySagaRepository {
	return &InMemorySagaRepository{
		states:        make(map[string][]byte),
		versions:      make(map[string]int64),
		byCorrelation: make(map[string]string),
	}
}

func correlationKey(correlationID, sagaType string) string {
	return sagaType + "/" + correlationID
}

func encodeState(state *SagaState) ([]byte, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to encode saga state: %w", err)
	}
	return raw, nil
}

func decodeState(raw []byte) (*SagaState, error) {
	var state SagaState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("failed to decode saga state: %w", err)
	}
	return &state, nil
}

// Add сохраняет новое состояние саги
func (r *InMemorySagaRepository) Add(ctx context.Context, state *SagaState) error {
	raw, err := encodeState(state)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.states[state.ID]; exists {
		return fmt.Errorf("saga %s already exists", state.ID)
	}
	key := correlationKey(state.CorrelationID, state.SagaType)
	if _, exists := r.byCorrelation[key]; exists {
		return fmt.Errorf("saga %s with correlation id %s already exists", state.SagaType, state.CorrelationID)
	}
	r.states[state.ID] = raw
	r.versions[state.ID] = state.Version
	r.byCorrelation[key] = state.ID
	return nil
}

// Get возвращает копию состояния по идентификатору
func (r *InMemorySagaRepository) Get(ctx context.Context, id string) (*SagaState, error) {
	r.mu.RLock()
	raw, exists := r.states[id]
	r.mu.RUnlock()
	if !exists {
		return nil, ErrSagaNotFound
	}
	return decodeState(raw)
}

// FindByCorrelationID возвращает копию состояния по correlation ID и типу саги
func (r *InMemorySagaRepository) FindByCorrelationID(ctx context.Context, correlationID, sagaType string) (*SagaState, error) {
	r.mu.RLock()
	id, exists := r.byCorrelation[correlationKey(correlationID, sagaType)]
	var raw []byte
	if exists {
		raw = r.states[id]
	}
	r.mu.RUnlock()
	if !exists {
		return nil, ErrSagaNotFound
	}
	return decodeState(raw)
}

// Save сохраняет состояние с проверкой версии.
// При успехе версия переданного состояния инкрементируется.
func (r *InMemorySagaRepository) Save(ctx context.Context, state *SagaState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, exists := r.versions[state.ID]
	if !exists {
		return ErrSagaNotFound
	}
	if current != state.Version {
		return ErrVersionConflict
	}

	state.Version++
	raw, err := encodeState(state)
	if err != nil {
		state.Version--
		return err
	}
	r.states[state.ID] = raw
	r.versions[state.ID] = state.Version
	return nil
}

func (r *InMemorySagaRepository) find(limit int, match func(*SagaState) bool) ([]*SagaState, error) {
	r.mu.RLock()
	snapshots := make([][]byte, 0, len(r.states))
	for _, raw := range r.states {
		snapshots = append(snapshots, raw)
	}
	r.mu.RUnlock()

	var result []*SagaState
	for _, raw := range snapshots {
		state, err := decodeState(raw)
		if err != nil {
			return nil, err
		}
		if !match(state) {
			continue
		}
		result = append(result, state)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// FindStalled возвращает нетерминальные саги с недоставленными командами
func (r *InMemorySagaRepository) FindStalled(ctx context.Context, limit int) ([]*SagaState, error) {
	return r.find(limit, func(state *SagaState) bool {
		return !state.IsTerminal() && len(state.PendingCommands) > 0
	})
}

// FindSuspended возвращает приостановленные саги
func (r *InMemorySagaRepository) FindSuspended(ctx context.Context, limit int) ([]*SagaState, error) {
	return r.find(limit, func(state *SagaState) bool {
		return state.Status == StatusSuspended
	})
}

// FindExpiredSuspended возвращает приостановленные саги с истекшим дедлайном
func (r *InMemorySagaRepository) FindExpiredSuspended(ctx context.Context, now time.Time, limit int) ([]*SagaState, error) {
	return r.find(limit, func(state *SagaState) bool {
		return state.SuspensionExpired(now)
	})
}

// FindRunningWithTCCSteps возвращает активные саги с TCC-шагами
func (r *InMemorySagaRepository) FindRunningWithTCCSteps(ctx context.Context, limit int) ([]*SagaState, error) {
	return r.find(limit, func(state *SagaState) bool {
		return !state.IsTerminal() && len(state.TCCSteps) > 0
	})
}
