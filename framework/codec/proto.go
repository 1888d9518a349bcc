// Package codec предоставляет Protobuf-кодек для команд.
package codec

import (
	"fmt"

	"google.golang.org/protobuf/proto"

	"github.com/akriventsev/granger/framework/transport"
)

// RegisterProto регистрирует Protobuf-кодек для имени типа.
// Команда, возвращаемая фабрикой, должна реализовывать proto.Message.
func (r *Registry) RegisterProto(typeName string, factory CommandFactory) error {
	if factory == nil {
		return fmt.Errorf("factory is required for type %s", typeName)
	}
	// Проверяем соответствие proto.Message на этапе регистрации, а не при первом Encode
	if _, ok := factory().(proto.Message); !ok {
		return fmt.Errorf("command type %s does not implement proto.Message", typeName)
	}

	return r.Register(typeName,
		func(cmd transport.Command) ([]byte, error) {
			pb, ok := cmd.(proto.Message)
			if !ok {
				return nil, fmt.Errorf("command does not implement proto.Message: %T", cmd)
			}
			return proto.Marshal(pb)
		},
		func(payload []byte) (transport.Command, error) {
			cmd := factory()
			pb := cmd.(proto.Message)
			if err := proto.Unmarshal(payload, pb); err != nil {
				return nil, fmt.Errorf("failed to unmarshal command %s: %w", typeName, err)
			}
			return cmd, nil
		},
	)
}
