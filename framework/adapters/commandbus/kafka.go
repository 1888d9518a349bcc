// Package commandbus предоставляет Kafka-адаптер шины команд.
package commandbus

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/akriventsev/granger/framework/codec"
	"github.com/akriventsev/granger/framework/transport"
)

// KafkaConfig конфигурация Kafka-шины команд
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	Codec        codec.CommandCodec
	RequiredAcks kafka.RequiredAcks
}

// Validate проверяет корректность конфигурации
func (c KafkaConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("at least one broker is required")
	}
	if c.Topic == "" {
		return fmt.Errorf("topic is required")
	}
	if c.Codec == nil {
		return fmt.Errorf("command codec is required")
	}
	return nil
}

// DefaultKafkaConfig возвращает конфигурацию Kafka по умолчанию
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Topic:        "commands",
		RequiredAcks: kafka.RequireAll,
	}
}

// KafkaCommandBus шина команд поверх Kafka.
//
// Все команды уходят в один топик; ключом сообщения служит command ID,
// так что повторные отправки одной команды попадают в одну партицию и
// дедуплицируются получателем по заголовку.
type KafkaCommandBus struct {
	config KafkaConfig
	writer *kafka.Writer
}

// NewKafkaCommandBus создает Kafka-шину команд
func NewKafkaCommandBus(config KafkaConfig) (*KafkaCommandBus, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid kafka config: %w", err)
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: config.RequiredAcks,
	}

	return &KafkaCommandBus{
		config: config,
		writer: writer,
	}, nil
}

// Send публикует команду в топик
func (b *KafkaCommandBus) Send(ctx context.Context, cmd transport.Command) error {
	typeName, payload, err := b.config.Codec.Encode(cmd)
	if err != nil {
		return fmt.Errorf("failed to encode command: %w", err)
	}

	msg := kafka.Message{
		Value: payload,
		Headers: []kafka.Header{
			{Key: HeaderCommandType, Value: []byte(typeName)},
		},
	}
	if commandID := transport.CommandIDFromContext(ctx); commandID != "" {
		msg.Key = []byte(commandID)
		msg.Headers = append(msg.Headers, kafka.Header{
			Key: HeaderCommandID, Value: []byte(commandID),
		})
	}

	if err := b.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish command %s: %w", typeName, err)
	}
	return nil
}

// Close закрывает writer
func (b *KafkaCommandBus) Close() error {
	return b.writer.Close()
}
