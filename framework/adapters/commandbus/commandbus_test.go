package commandbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akriventsev/granger/framework/codec"
	"github.com/akriventsev/granger/framework/transport"
)

type noopCmd struct{}

func (c *noopCmd) CommandName() string { return "noop" }

func testCodec(t *testing.T) *codec.Registry {
	t.Helper()
	registry := codec.NewRegistry()
	registry.MustRegisterJSON("noop", func() transport.Command { return &noopCmd{} })
	return registry
}

func TestNATSConfig_Validate(t *testing.T) {
	cfg := DefaultNATSConfig()
	assert.Error(t, cfg.Validate(), "connection is required")

	cfg.Codec = testCodec(t)
	assert.Error(t, cfg.Validate(), "connection is still missing")

	_, err := NewNATSCommandBus(cfg)
	require.Error(t, err)
}

func TestKafkaConfig_Validate(t *testing.T) {
	cfg := DefaultKafkaConfig()
	assert.Error(t, cfg.Validate(), "brokers are required")

	cfg.Brokers = []string{"localhost:9092"}
	assert.Error(t, cfg.Validate(), "codec is required")

	cfg.Codec = testCodec(t)
	require.NoError(t, cfg.Validate())

	bus, err := NewKafkaCommandBus(cfg)
	require.NoError(t, err)
	defer bus.Close()
	assert.NotNil(t, bus)
}

func TestKafkaConfig_EmptyTopicRejected(t *testing.T) {
	cfg := DefaultKafkaConfig()
	cfg.Brokers = []string{"localhost:9092"}
	cfg.Codec = testCodec(t)
	cfg.Topic = ""
	assert.Error(t, cfg.Validate())
}

func TestRedisConfig_Validate(t *testing.T) {
	cfg := DefaultRedisConfig()
	assert.Error(t, cfg.Validate(), "client is required")

	cfg.Codec = testCodec(t)
	assert.Error(t, cfg.Validate(), "client is still missing")

	_, err := NewRedisCommandBus(cfg)
	require.Error(t, err)
}
