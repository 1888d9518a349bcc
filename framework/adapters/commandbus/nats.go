// Package commandbus предоставляет транспортные адаптеры шины команд.
//
// Каждый адаптер реализует transport.CommandBus поверх своего брокера.
// Команда сериализуется через codec.CommandCodec; имя типа, command ID
// (ключ идемпотентности) и correlation ID уходят в заголовки сообщения,
// чтобы принимающая сторона могла дедуплицировать at-least-once доставку
// без разбора payload.
package commandbus

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/akriventsev/granger/framework/codec"
	"github.com/akriventsev/granger/framework/transport"
)

// Заголовки сообщений с командами
const (
	HeaderCommandID   = "command-id"
	HeaderCommandType = "command-type"
)

// NATSConfig конфигурация NATS-шины команд
type NATSConfig struct {
	Conn          *nats.Conn
	SubjectPrefix string
	Codec         codec.CommandCodec
	MaxAttempts   int
	RetryDelay    time.Duration
}

// Validate проверяет корректность конфигурации
func (c NATSConfig) Validate() error {
	if c.Conn == nil {
		return fmt.Errorf("NATS connection is required")
	}
	if c.Codec == nil {
		return fmt.Errorf("command codec is required")
	}
	return nil
}

// DefaultNATSConfig возвращает конфигурацию NATS по умолчанию
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		SubjectPrefix: "commands",
		MaxAttempts:   3,
		RetryDelay:    100 * time.Millisecond,
	}
}

// NATSCommandBus шина команд поверх NATS.
// Каждый тип команды публикуется в свой subject: {prefix}.{command_name}.
type NATSCommandBus struct {
	config NATSConfig
	conn   *nats.Conn
}

// NewNATSCommandBus создает NATS-шину команд
func NewNATSCommandBus(config NATSConfig) (*NATSCommandBus, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid nats config: %w", err)
	}
	if config.SubjectPrefix == "" {
		config.SubjectPrefix = "commands"
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	return &NATSCommandBus{
		config: config,
		conn:   config.Conn,
	}, nil
}

// Send публикует команду в subject ее типа
func (b *NATSCommandBus) Send(ctx context.Context, cmd transport.Command) error {
	typeName, payload, err := b.config.Codec.Encode(cmd)
	if err != nil {
		return fmt.Errorf("failed to encode command: %w", err)
	}

	msg := nats.NewMsg(fmt.Sprintf("%s.%s", b.config.SubjectPrefix, typeName))
	msg.Data = payload
	msg.Header.Set(HeaderCommandType, typeName)
	if commandID := transport.CommandIDFromContext(ctx); commandID != "" {
		msg.Header.Set(HeaderCommandID, commandID)
	}

	return b.publishWithRetry(ctx, msg, typeName)
}

func (b *NATSCommandBus) publishWithRetry(ctx context.Context, msg *nats.Msg, typeName string) error {
	delay := b.config.RetryDelay
	var lastErr error

	for attempt := 0; attempt < b.config.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		if lastErr = b.conn.PublishMsg(msg); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("failed to publish command %s after %d attempts: %w", typeName, b.config.MaxAttempts, lastErr)
}
