// Package saga предоставляет PostgreSQL-реализацию хранилища состояний саг.
package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// PostgresConfig конфигурация PostgreSQL-хранилища саг
type PostgresConfig struct {
	DSN        string
	SchemaName string
	TableName  string
}

// Validate проверяет корректность конфигурации
func (c PostgresConfig) Validate() error {
	if c.DSN == "" {
		return fmt.Errorf("DSN cannot be empty")
	}
	if c.TableName == "" {
		return fmt.Errorf("TableName cannot be empty")
	}
	return nil
}

// DefaultPostgresConfig возвращает конфигурацию PostgreSQL по умолчанию
func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		SchemaName: "public",
		TableName:  "saga_instances",
	}
}

// PostgresSagaRepository хранилище состояний саг в PostgreSQL.
//
// Состояние хранится JSON-документом; статус, correlation ID, версия и
// дедлайн приостановки дублируются колонками для выборок recovery-циклов.
// Оптимистическая блокировка реализована условием WHERE version = $n:
// обновление с устаревшей версией не затрагивает строк и превращается
// в ErrVersionConflict.
type PostgresSagaRepository struct {
	config PostgresConfig
	db     *pgx.Conn
}

// NewPostgresSagaRepository создает PostgreSQL-хранилище саг
func NewPostgresSagaRepository(ctx context.Context, config PostgresConfig) (*PostgresSagaRepository, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid postgres config: %w", err)
	}

	conn, err := pgx.Connect(ctx, config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	return &PostgresSagaRepository{
		config: config,
		db:     conn,
	}, nil
}

// Close закрывает соединение с базой
func (p *PostgresSagaRepository) Close(ctx context.Context) error {
	if p.db != nil {
		return p.db.Close(ctx)
	}
	return nil
}

func (p *PostgresSagaRepository) table() string {
	return fmt.Sprintf("%s.%s", p.config.SchemaName, p.config.TableName)
}

// Add сохраняет новое состояние саги
func (p *PostgresSagaRepository) Add(ctx context.Context, state *SagaState) error {
	document, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode saga state: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, correlation_id, saga_type, status, document, version, timeout_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, p.table())

	_, err = p.db.Exec(ctx, query,
		state.ID, state.CorrelationID, state.SagaType, string(state.Status),
		document, state.Version, state.TimeoutAt, state.CreatedAt, state.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert saga %s: %w", state.ID, err)
	}
	return nil
}

// Get возвращает состояние по идентификатору саги
func (p *PostgresSagaRepository) Get(ctx context.Context, id string) (*SagaState, error) {
	query := fmt.Sprintf("SELECT document FROM %s WHERE id = $1", p.table())
	return p.queryOne(ctx, query, id)
}

// FindByCorrelationID возвращает сагу типа sagaType по correlation ID
func (p *PostgresSagaRepository) FindByCorrelationID(ctx context.Context, correlationID, sagaType string) (*SagaState, error) {
	query := fmt.Sprintf("SELECT document FROM %s WHERE correlation_id = $1 AND saga_type = $2", p.table())
	return p.queryOne(ctx, query, correlationID, sagaType)
}

func (p *PostgresSagaRepository) queryOne(ctx context.Context, query string, args ...interface{}) (*SagaState, error) {
	var document []byte
	err := p.db.QueryRow(ctx, query, args...).Scan(&document)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSagaNotFound
		}
		return nil, fmt.Errorf("failed to query saga: %w", err)
	}
	return decodeState(document)
}

// Save сохраняет состояние с проверкой версии и инкрементирует ее
func (p *PostgresSagaRepository) Save(ctx context.Context, state *SagaState) error {
	state.Version++
	document, err := json.Marshal(state)
	if err != nil {
		state.Version--
		return fmt.Errorf("failed to encode saga state: %w", err)
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $1, document = $2, version = $3, timeout_at = $4, updated_at = $5
		WHERE id = $6 AND version = $7
	`, p.table())

	tag, err := p.db.Exec(ctx, query,
		string(state.Status), document, state.Version, state.TimeoutAt, state.UpdatedAt,
		state.ID, state.Version-1,
	)
	if err != nil {
		state.Version--
		return fmt.Errorf("failed to update saga %s: %w", state.ID, err)
	}
	if tag.RowsAffected() == 0 {
		state.Version--
		return ErrVersionConflict
	}
	return nil
}

func (p *PostgresSagaRepository) queryMany(ctx context.Context, query string, args ...interface{}) ([]*SagaState, error) {
	rows, err := p.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sagas: %w", err)
	}
	defer rows.Close()

	var result []*SagaState
	for rows.Next() {
		var document []byte
		if err := rows.Scan(&document); err != nil {
			return nil, fmt.Errorf("failed to scan saga row: %w", err)
		}
		state, err := decodeState(document)
		if err != nil {
			return nil, err
		}
		result = append(result, state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate saga rows: %w", err)
	}
	return result, nil
}

// FindStalled возвращает нетерминальные саги с недоставленными командами
func (p *PostgresSagaRepository) FindStalled(ctx context.Context, limit int) ([]*SagaState, error) {
	query := fmt.Sprintf(`
		SELECT document FROM %s
		WHERE status NOT IN ('completed', 'failed', 'compensated')
		  AND jsonb_array_length(document->'pending_commands') > 0
		ORDER BY updated_at
		LIMIT $1
	`, p.table())
	return p.queryMany(ctx, query, limit)
}

// FindSuspended возвращает приостановленные саги
func (p *PostgresSagaRepository) FindSuspended(ctx context.Context, limit int) ([]*SagaState, error) {
	query := fmt.Sprintf(`
		SELECT document FROM %s
		WHERE status = 'suspended'
		ORDER BY updated_at
		LIMIT $1
	`, p.table())
	return p.queryMany(ctx, query, limit)
}

// FindExpiredSuspended возвращает приостановленные саги с истекшим дедлайном
func (p *PostgresSagaRepository) FindExpiredSuspended(ctx context.Context, now time.Time, limit int) ([]*SagaState, error) {
	query := fmt.Sprintf(`
		SELECT document FROM %s
		WHERE status = 'suspended'
		  AND timeout_at IS NOT NULL
		  AND timeout_at <= $1
		ORDER BY timeout_at
		LIMIT $2
	`, p.table())
	return p.queryMany(ctx, query, now, limit)
}

// FindRunningWithTCCSteps возвращает активные саги с TCC-шагами
func (p *PostgresSagaRepository) FindRunningWithTCCSteps(ctx context.Context, limit int) ([]*SagaState, error) {
	query := fmt.Sprintf(`
		SELECT document FROM %s
		WHERE status NOT IN ('completed', 'failed', 'compensated')
		  AND jsonb_array_length(COALESCE(document->'tcc_steps', '[]'::jsonb)) > 0
		ORDER BY updated_at
		LIMIT $1
	`, p.table())
	return p.queryMany(ctx, query, limit)
}
