// Package commandbus предоставляет Redis Streams адаптер шины команд.
package commandbus

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/akriventsev/granger/framework/codec"
	"github.com/akriventsev/granger/framework/transport"
)

// RedisConfig конфигурация Redis-шины команд
type RedisConfig struct {
	Client    redis.UniversalClient
	Stream    string
	Codec     codec.CommandCodec
	MaxLength int64
}

// Validate проверяет корректность конфигурации
func (c RedisConfig) Validate() error {
	if c.Client == nil {
		return fmt.Errorf("redis client is required")
	}
	if c.Stream == "" {
		return fmt.Errorf("stream name is required")
	}
	if c.Codec == nil {
		return fmt.Errorf("command codec is required")
	}
	return nil
}

// DefaultRedisConfig возвращает конфигурацию Redis по умолчанию
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Stream:    "commands",
		MaxLength: 100000,
	}
}

// RedisCommandBus шина команд поверх Redis Streams.
// Команды добавляются в стрим через XADD; потребители читают его
// consumer-группой и подтверждают обработку по command ID.
type RedisCommandBus struct {
	config RedisConfig
	client redis.UniversalClient
}

// NewRedisCommandBus создает Redis-шину команд
func NewRedisCommandBus(config RedisConfig) (*RedisCommandBus, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid redis config: %w", err)
	}
	return &RedisCommandBus{
		config: config,
		client: config.Client,
	}, nil
}

// Send добавляет команду в стрим
func (b *RedisCommandBus) Send(ctx context.Context, cmd transport.Command) error {
	typeName, payload, err := b.config.Codec.Encode(cmd)
	if err != nil {
		return fmt.Errorf("failed to encode command: %w", err)
	}

	values := map[string]interface{}{
		HeaderCommandType: typeName,
		"payload":         payload,
	}
	if commandID := transport.CommandIDFromContext(ctx); commandID != "" {
		values[HeaderCommandID] = commandID
	}

	args := &redis.XAddArgs{
		Stream: b.config.Stream,
		Values: values,
	}
	if b.config.MaxLength > 0 {
		args.MaxLen = b.config.MaxLength
		args.Approx = true
	}

	if err := b.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to publish command %s: %w", typeName, err)
	}
	return nil
}
